package matching

import (
	"strings"

	"github.com/kapowarr/kapowarr/pkg/types"
)

// RankInput carries the query context a search result is ranked against.
type RankInput struct {
	Title                 string
	VolumeNumber          int
	VolumeYear            *int
	IssueYear             *int
	CalculatedIssueNumber *float64
}

// Rank gives a search result a lexicographic key; lower sorts first. The key
// orders on match status, unknown title words, volume/year agreement and
// issue-number fit, in that order.
func Rank(result types.MatchedSearchResult, in RankInput) []float64 {
	rating := make([]float64, 0, 4)

	// Matches come before everything else.
	if result.Match {
		rating = append(rating, 0)
	} else {
		rating = append(rating, 1)
	}

	// The fewer words in the result title that are unknown to the query
	// title, the better.
	queryWords := map[string]bool{}
	for _, w := range strings.Fields(in.Title) {
		queryWords[w] = true
	}
	unknown := 0
	for _, w := range strings.Fields(result.Series) {
		if !queryWords[w] {
			unknown++
		}
	}
	rating = append(rating, float64(unknown))

	// Volume number and year agreement; both matching is best.
	vyScore := 3.0
	if result.VolumeNumber != nil && result.VolumeNumber.Single() &&
		result.VolumeNumber.Start == in.VolumeNumber {
		vyScore--
	}
	if in.IssueYear != nil && result.Year != nil && *in.IssueYear == *result.Year {
		vyScore -= 2
	} else if in.VolumeYear != nil && in.IssueYear != nil && result.Year != nil &&
		*in.VolumeYear-1 <= *result.Year && *result.Year <= *in.IssueYear+1 {
		vyScore--
	}
	rating = append(rating, vyScore)

	rating = append(rating, issueFit(result, in.CalculatedIssueNumber))

	return rating
}

// issueFit scores how well the result's issue coverage fits the query:
// 0 for an exact hit, within (0, 1) for a containing range where a narrower
// range scores better, 2 for a special version without issue number, 3
// otherwise.
func issueFit(result types.MatchedSearchResult, calculatedIssueNumber *float64) float64 {
	if calculatedIssueNumber != nil {
		switch {
		case result.IssueNumber != nil && result.IssueNumber.Single() &&
			result.IssueNumber.Start == *calculatedIssueNumber:
			return 0
		case result.IssueNumber != nil && result.IssueNumber.Contains(*calculatedIssueNumber):
			return 1 - 1/result.IssueNumber.Width()
		case result.IssueNumber != nil:
			// Covered range falls outside, so the release is useless.
			return 3
		case result.SpecialVersion != types.SVNormal:
			return 2
		default:
			return 3
		}
	}

	// Volume search: wider coverage is better.
	if result.IssueNumber != nil {
		return 1 / result.IssueNumber.Width()
	}
	return 0
}

// LessRank compares two rank keys lexicographically.
func LessRank(a, b []float64) bool {
	for i := range a {
		if i >= len(b) {
			return false
		}
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
