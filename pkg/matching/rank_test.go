package matching

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kapowarr/kapowarr/pkg/types"
)

func matched(result types.SearchResult, match bool) types.MatchedSearchResult {
	return types.MatchedSearchResult{SearchResult: result, Match: match}
}

func TestRankMatchBeatsNonMatch(t *testing.T) {
	in := RankInput{Title: "Invincible", VolumeNumber: 1}

	match := matched(types.SearchResult{Series: "Something Else Entirely"}, true)
	nonMatch := matched(types.SearchResult{Series: "Invincible"}, false)

	assert.True(t, LessRank(Rank(match, in), Rank(nonMatch, in)))
}

func TestRankIssueFit(t *testing.T) {
	n := 3.0
	in := RankInput{
		Title:                 "Invincible",
		VolumeNumber:          1,
		CalculatedIssueNumber: &n,
	}

	exact := matched(types.SearchResult{
		Series:      "Invincible",
		IssueNumber: &types.IssueRange{Start: 3, End: 3},
	}, true)
	narrowRange := matched(types.SearchResult{
		Series:      "Invincible",
		IssueNumber: &types.IssueRange{Start: 2, End: 4},
	}, true)
	wideRange := matched(types.SearchResult{
		Series:      "Invincible",
		IssueNumber: &types.IssueRange{Start: 1, End: 10},
	}, true)
	specialOnly := matched(types.SearchResult{
		Series:         "Invincible",
		SpecialVersion: types.SVTPB,
	}, true)
	outside := matched(types.SearchResult{
		Series:      "Invincible",
		IssueNumber: &types.IssueRange{Start: 7, End: 9},
	}, true)

	assert.True(t, LessRank(Rank(exact, in), Rank(narrowRange, in)))
	assert.True(t, LessRank(Rank(narrowRange, in), Rank(wideRange, in)))
	assert.True(t, LessRank(Rank(wideRange, in), Rank(specialOnly, in)))
	assert.True(t, LessRank(Rank(specialOnly, in), Rank(outside, in)))
}

func TestRankIsTotalOrder(t *testing.T) {
	in := RankInput{Title: "Invincible", VolumeNumber: 1, VolumeYear: intPtr(2003)}

	results := []types.MatchedSearchResult{
		matched(types.SearchResult{Series: "Invincible", Year: intPtr(2003)}, true),
		matched(types.SearchResult{Series: "Invincible Universe"}, false),
		matched(types.SearchResult{Series: "Invincible", IssueNumber: &types.IssueRange{Start: 1, End: 5}}, true),
		matched(types.SearchResult{Series: "Some Other Series"}, false),
	}

	sorted := append([]types.MatchedSearchResult(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return LessRank(Rank(sorted[i], in), Rank(sorted[j], in))
	})

	// Matches sort before every non-match.
	seenNonMatch := false
	for _, r := range sorted {
		if !r.Match {
			seenNonMatch = true
		} else {
			assert.False(t, seenNonMatch, "a match sorted after a non-match")
		}
	}

	// Comparison is irreflexive and antisymmetric over the set.
	for i := range sorted {
		for j := range sorted {
			less := LessRank(Rank(sorted[i], in), Rank(sorted[j], in))
			greater := LessRank(Rank(sorted[j], in), Rank(sorted[i], in))
			if i == j {
				assert.False(t, less)
			}
			assert.False(t, less && greater)
		}
	}
}

func TestRankVolumeSearchPrefersWiderCoverage(t *testing.T) {
	in := RankInput{Title: "Invincible", VolumeNumber: 1}

	wide := matched(types.SearchResult{
		Series:      "Invincible",
		IssueNumber: &types.IssueRange{Start: 1, End: 10},
	}, true)
	narrow := matched(types.SearchResult{
		Series:      "Invincible",
		IssueNumber: &types.IssueRange{Start: 1, End: 2},
	}, true)

	assert.True(t, LessRank(Rank(wide, in), Rank(narrow, in)))
}
