// Package matching decides whether two artefacts (a file, a search result,
// a catalog volume) refer to the same thing, and ranks alternatives.
package matching

import (
	"regexp"
	"strings"

	"github.com/kapowarr/kapowarr/pkg/types"
)

var cleanTitleRegex = regexp.MustCompile(
	`/|-|–|\+|,|\.|!|:|\bthe\s|\band\b|&|’|'|"|\bone[-\s]?shot\b|\bhard[-\s]?cover\b|\bomnibus\b|\btpb\b`,
)

func cleanTitle(title string) string {
	t := strings.ToLower(title)
	t = strings.ReplaceAll(t, "annuals", "annual")
	t = cleanTitleRegex.ReplaceAllString(t, "")
	return strings.ReplaceAll(t, " ", "")
}

// Title reports whether two titles refer to the same series. Case, noise
// words and punctuation are ignored. With allowContains, a match is also
// reported when either cleaned title occurs inside the other.
func Title(title1, title2 string, allowContains bool) bool {
	ref := cleanTitle(title1)
	chk := cleanTitle(title2)
	if allowContains {
		return strings.Contains(ref, chk) || strings.Contains(chk, ref)
	}
	return ref == chk
}

// Year reports whether a year matches the reference with one year of wiggle
// room on either side. endYear widens the upper border, e.g. to the year of
// a volume's last issue. When either side is unknown the conservative value
// is returned.
func Year(referenceYear, checkYear, endYear *int, conservative bool) bool {
	if referenceYear == nil || checkYear == nil {
		return conservative
	}
	endBorder := *referenceYear
	if endYear != nil {
		endBorder = *endYear
	}
	return *referenceYear-1 <= *checkYear && *checkYear <= endBorder+1
}

// VolumeNumber reports whether a parsed volume number (or range) matches the
// volume. Users commonly enter years as volume numbers, so a number within
// the volume's year is also accepted. For volume-as-issue volumes, the
// number is really an issue number and must exist among the volume's issues.
func VolumeNumber(volume types.Volume, issues []types.Issue, check *types.VolumeRange, conservative bool) bool {
	if check == nil {
		return conservative
	}

	if check.Single() {
		if check.Start == volume.VolumeNumber {
			return true
		}
		if Year(volume.Year, &check.Start, nil, false) {
			return true
		}
	}

	// The number might actually be an issue number when the volume is
	// volume-as-issue.
	if volume.SpecialVersion != types.SVVolumeAsIssue {
		return false
	}

	found := 0
	want := check.End - check.Start + 1
	for _, issue := range issues {
		n := int(issue.CalculatedIssueNumber)
		if float64(n) == issue.CalculatedIssueNumber && check.Start <= n && n <= check.End {
			found++
		}
	}
	return found == want
}

// SpecialVersion reports whether two special versions match, accounting for
// filenames lacking state specificity. A cover or metadata check always
// matches; issue one matches the "one of one" variants; an unlabeled TPB is
// accepted against them because filenames often omit that detail.
func SpecialVersion(reference, check types.SpecialVersion, volumeTitle string, issueNumber *types.IssueRange) bool {
	if check == reference || check == types.SVCover || check == types.SVMetadata {
		return true
	}

	if issueNumber != nil && issueNumber.Single() && issueNumber.Start == 1.0 {
		switch reference {
		case types.SVHardCover, types.SVOneShot, types.SVOmnibus:
			return true
		}
	}

	if reference == types.SVVolumeAsIssue && check == types.SVNormal {
		return true
	}

	if strings.Contains(strings.ToLower(volumeTitle), "omnibus") && check == types.SVOmnibus {
		return true
	}

	if check == types.SVTPB {
		switch reference {
		case types.SVHardCover, types.SVOneShot, types.SVOmnibus, types.SVVolumeAsIssue:
			return true
		}
	}

	return false
}

// FolderExtractionFilter decides whether a file extracted out of an archive
// folder is relevant to the volume.
func FolderExtractionFilter(fd types.FilenameData, volume types.Volume, issues []types.Issue, endYear *int) bool {
	annual := strings.Contains(strings.ToLower(volume.Title), "annual")

	matchingTitle := Title(fd.Series, volume.Title, false)
	matchingYear := Year(volume.Year, fd.Year, endYear, false)
	matchingVolumeNumber := VolumeNumber(volume, issues, fd.VolumeNumber, false)
	matchingSpecialVersion := SpecialVersion(volume.SpecialVersion, fd.SpecialVersion, volume.Title, fd.IssueNumber)

	// When neither was parseable we play it safe and keep the file.
	neitherFound := fd.Year == nil && fd.VolumeNumber == nil

	return matchingTitle &&
		fd.Annual == annual &&
		matchingSpecialVersion &&
		(matchingYear || matchingVolumeNumber || neitherFound)
}

// FileImportingFilter decides whether a scanned file belongs to the volume.
func FileImportingFilter(fd types.FilenameData, volume types.Volume, issues []types.Issue, numberToYear map[float64]*int) bool {
	issueNumber := importIssueRange(fd, volume)

	matchingSpecialVersion := SpecialVersion(volume.SpecialVersion, fd.SpecialVersion, volume.Title, fd.IssueNumber)
	matchingVolumeNumber := VolumeNumber(volume, issues, fd.VolumeNumber, false)

	var endYear *int
	if issueNumber != nil {
		endYear = numberToYear[issueNumber.End]
	}
	matchingYear := Year(volume.Year, fd.Year, endYear, false)

	return matchingSpecialVersion && (matchingVolumeNumber || matchingYear)
}

// importIssueRange resolves the effective issue range of filename data in the
// context of a volume: volume-as-issue volumes read the volume number as the
// issue number.
func importIssueRange(fd types.FilenameData, volume types.Volume) *types.IssueRange {
	if fd.IssueNumber != nil {
		return fd.IssueNumber
	}
	if volume.SpecialVersion == types.SVVolumeAsIssue && fd.VolumeNumber != nil {
		r := fd.VolumeNumber.Issues()
		return &r
	}
	return nil
}

// SearchFilterInput carries the volume context that the search-result filter
// runs against.
type SearchFilterInput struct {
	Volume                types.Volume
	Issues                []types.Issue
	NumberToYear          map[float64]*int
	CalculatedIssueNumber *float64
	// Blocklisted reports whether a download link is blocklisted. Nil
	// disables the blocklist rejection.
	Blocklisted func(link string) bool
}

// CheckSearchResult runs all predicates against a search result and returns
// it annotated with the labelled rejections. A result is a match iff the
// rejection set is empty.
func CheckSearchResult(result types.SearchResult, in SearchFilterInput) types.MatchedSearchResult {
	annual := strings.Contains(strings.ToLower(in.Volume.Title), "annual")
	var rejections []types.Rejection

	if in.Blocklisted != nil && in.Blocklisted(result.Link) {
		rejections = append(rejections, types.RejectBlocklisted)
	}

	if result.Annual != annual {
		rejections = append(rejections, types.RejectAnnual)
	}

	if !(Title(in.Volume.Title, result.Series, false) ||
		(in.Volume.AltTitle != "" && Title(in.Volume.AltTitle, result.Series, false))) {
		rejections = append(rejections, types.RejectTitle)
	}

	if !VolumeNumber(in.Volume, in.Issues, result.VolumeNumber, true) {
		rejections = append(rejections, types.RejectVolumeNumber)
	}

	if !SpecialVersion(in.Volume.SpecialVersion, result.SpecialVersion, in.Volume.Title, result.IssueNumber) {
		rejections = append(rejections, types.RejectSpecialVersion)
	}

	issueNumber := result.IssueNumber
	if issueNumber == nil && in.Volume.SpecialVersion == types.SVVolumeAsIssue && result.VolumeNumber != nil {
		r := result.VolumeNumber.Issues()
		issueNumber = &r
	}

	var endYear *int
	if issueNumber != nil {
		endYear = in.NumberToYear[issueNumber.End]
	}
	if !Year(in.Volume.Year, result.Year, endYear, true) {
		rejections = append(rejections, types.RejectYear)
	}

	if in.Volume.SpecialVersion == types.SVNormal || in.Volume.SpecialVersion == types.SVVolumeAsIssue {
		if in.CalculatedIssueNumber == nil {
			// Volume search: every covered issue number must exist in
			// the volume.
			if issueNumber != nil && !rangeCoveredByVolume(*issueNumber, in.NumberToYear) {
				rejections = append(rejections, types.RejectIssueNumber)
			}
		} else if issueNumber == nil || !issueNumber.Single() || issueNumber.Start != *in.CalculatedIssueNumber {
			// Issue search: the extracted number must be the searched one.
			rejections = append(rejections, types.RejectIssueNumber)
		}
	}

	return types.MatchedSearchResult{
		SearchResult:    result,
		Match:           len(rejections) == 0,
		MatchRejections: rejections,
	}
}

func rangeCoveredByVolume(r types.IssueRange, numberToYear map[float64]*int) bool {
	if _, ok := numberToYear[r.Start]; !ok {
		return false
	}
	if _, ok := numberToYear[r.End]; !ok {
		return false
	}
	return true
}

// SelectVolumeForGroup chooses, out of title-filtered catalog results, the
// volume that best matches a group of files. Returns nil when nothing could
// possibly match.
func SelectVolumeForGroup(group types.FilenameData, results []types.VolumeMetadata) *types.VolumeMetadata {
	filtered := make([]types.VolumeMetadata, 0, len(results))
	for _, r := range results {
		if group.SpecialVersion.IsOneIssue() && r.IssueCount != 1 {
			continue
		}
		filtered = append(filtered, r)
	}
	if len(filtered) == 0 {
		return nil
	}

	best := filtered[0]
	bestScore := -1
	for _, r := range filtered {
		score := 0
		if group.Year != nil && r.Year != nil && *r.Year == *group.Year {
			score++
		}
		if Year(r.Year, group.Year, nil, false) {
			score++
		}
		if group.VolumeNumber != nil && group.VolumeNumber.Single() &&
			r.VolumeNumber == group.VolumeNumber.Start {
			score += 2
		}
		if score > bestScore {
			best, bestScore = r, score
		}
	}
	return &best
}
