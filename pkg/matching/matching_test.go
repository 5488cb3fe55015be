package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kapowarr/kapowarr/pkg/types"
)

func intPtr(v int) *int {
	return &v
}

func TestTitle(t *testing.T) {
	tests := []struct {
		title1        string
		title2        string
		allowContains bool
		expected      bool
	}{
		{"The Amazing Spider-Man", "Amazing Spiderman", false, true},
		{"X-Men", "X Men Unlimited", false, false},
		{"X-Men", "X Men Unlimited", true, true},
		{"Batman & Robin", "Batman and Robin", false, true},
		{"Spawn: Origins", "Spawn Origins", false, true},
		{"Annuals", "Annual", false, true},
		{"Monstress", "Saga", false, false},
		{"Kick-Ass One-Shot", "Kick Ass", false, true},
	}
	for _, tt := range tests {
		got := Title(tt.title1, tt.title2, tt.allowContains)
		assert.Equal(t, tt.expected, got, "%s vs %s", tt.title1, tt.title2)
	}
}

func TestYear(t *testing.T) {
	assert.True(t, Year(intPtr(2015), intPtr(2016), nil, false))
	assert.True(t, Year(intPtr(2015), intPtr(2014), nil, false))
	assert.False(t, Year(intPtr(2015), intPtr(2018), nil, false))
	assert.True(t, Year(intPtr(2015), intPtr(2018), intPtr(2017), false))
	assert.True(t, Year(nil, intPtr(2016), nil, true))
	assert.False(t, Year(nil, intPtr(2016), nil, false))
	assert.True(t, Year(intPtr(2015), nil, nil, true))
}

func TestVolumeNumber(t *testing.T) {
	volume := types.Volume{
		VolumeNumber: 3,
		Year:         intPtr(2016),
	}

	vr := types.SingleVolume(3)
	assert.True(t, VolumeNumber(volume, nil, &vr, false))

	// Users enter years as volume numbers.
	yr := types.SingleVolume(2017)
	assert.True(t, VolumeNumber(volume, nil, &yr, false))

	wrong := types.SingleVolume(7)
	assert.False(t, VolumeNumber(volume, nil, &wrong, false))

	assert.True(t, VolumeNumber(volume, nil, nil, true))
	assert.False(t, VolumeNumber(volume, nil, nil, false))
}

func TestVolumeNumberVolumeAsIssue(t *testing.T) {
	volume := types.Volume{
		VolumeNumber:   1,
		Year:           intPtr(2010),
		SpecialVersion: types.SVVolumeAsIssue,
	}
	issues := []types.Issue{
		{CalculatedIssueNumber: 4},
		{CalculatedIssueNumber: 5},
		{CalculatedIssueNumber: 6},
	}

	in := types.VolumeRange{Start: 4, End: 6}
	assert.True(t, VolumeNumber(volume, issues, &in, false))

	out := types.VolumeRange{Start: 4, End: 8}
	assert.False(t, VolumeNumber(volume, issues, &out, false))
}

func TestSpecialVersion(t *testing.T) {
	single := types.SingleIssue(1)

	// Identity and universal matches.
	assert.True(t, SpecialVersion(types.SVTPB, types.SVTPB, "", nil))
	assert.True(t, SpecialVersion(types.SVNormal, types.SVCover, "", nil))
	assert.True(t, SpecialVersion(types.SVNormal, types.SVMetadata, "", nil))

	// Issue one matches the one-of-one variants.
	assert.True(t, SpecialVersion(types.SVOneShot, types.SVNormal, "", &single))
	assert.True(t, SpecialVersion(types.SVHardCover, types.SVNormal, "", &single))
	assert.True(t, SpecialVersion(types.SVOmnibus, types.SVNormal, "", &single))

	// Volume-as-issue accepts normal children.
	assert.True(t, SpecialVersion(types.SVVolumeAsIssue, types.SVNormal, "", nil))

	// An omnibus title accepts an omnibus check.
	assert.True(t, SpecialVersion(types.SVNormal, types.SVOmnibus, "Saga Omnibus", nil))
	assert.False(t, SpecialVersion(types.SVNormal, types.SVOmnibus, "Saga", nil))

	// Files often only reveal themselves as TPB.
	assert.True(t, SpecialVersion(types.SVHardCover, types.SVTPB, "", nil))
	assert.True(t, SpecialVersion(types.SVOneShot, types.SVTPB, "", nil))
	assert.True(t, SpecialVersion(types.SVVolumeAsIssue, types.SVTPB, "", nil))
	assert.False(t, SpecialVersion(types.SVNormal, types.SVTPB, "", nil))
}

func testVolume() types.Volume {
	return types.Volume{
		ID:           1,
		Title:        "Invincible",
		Year:         intPtr(2003),
		VolumeNumber: 1,
	}
}

func testIssues() []types.Issue {
	return []types.Issue{
		{ID: 1, VolumeID: 1, CalculatedIssueNumber: 1, Date: "2003-01-01"},
		{ID: 2, VolumeID: 1, CalculatedIssueNumber: 2, Date: "2003-02-01"},
		{ID: 3, VolumeID: 1, CalculatedIssueNumber: 3, Date: "2003-03-01"},
	}
}

func testNumberToYear() map[float64]*int {
	return map[float64]*int{
		1: intPtr(2003),
		2: intPtr(2003),
		3: intPtr(2003),
	}
}

func TestCheckSearchResultMatch(t *testing.T) {
	result := types.SearchResult{
		Series:      "Invincible",
		Year:        intPtr(2003),
		IssueNumber: &types.IssueRange{Start: 1, End: 3},
		Link:        "https://example.com/a",
	}
	checked := CheckSearchResult(result, SearchFilterInput{
		Volume:       testVolume(),
		Issues:       testIssues(),
		NumberToYear: testNumberToYear(),
	})
	assert.True(t, checked.Match)
	assert.Empty(t, checked.MatchRejections)
}

func TestCheckSearchResultRejections(t *testing.T) {
	tests := []struct {
		name     string
		result   types.SearchResult
		issue    *float64
		rejected types.Rejection
	}{
		{
			name: "wrong title",
			result: types.SearchResult{
				Series: "Monstress",
				Year:   intPtr(2003),
			},
			rejected: types.RejectTitle,
		},
		{
			name: "annual mismatch",
			result: types.SearchResult{
				Series: "Invincible",
				Year:   intPtr(2003),
				Annual: true,
			},
			rejected: types.RejectAnnual,
		},
		{
			name: "wrong year",
			result: types.SearchResult{
				Series: "Invincible",
				Year:   intPtr(2010),
			},
			rejected: types.RejectYear,
		},
		{
			name: "issue not in volume",
			result: types.SearchResult{
				Series:      "Invincible",
				Year:        intPtr(2003),
				IssueNumber: &types.IssueRange{Start: 8, End: 8},
			},
			rejected: types.RejectIssueNumber,
		},
		{
			name: "wrong issue for issue search",
			result: types.SearchResult{
				Series:      "Invincible",
				Year:        intPtr(2003),
				IssueNumber: &types.IssueRange{Start: 3, End: 3},
			},
			issue:    float64Ptr(2),
			rejected: types.RejectIssueNumber,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checked := CheckSearchResult(tt.result, SearchFilterInput{
				Volume:                testVolume(),
				Issues:                testIssues(),
				NumberToYear:          testNumberToYear(),
				CalculatedIssueNumber: tt.issue,
			})
			assert.False(t, checked.Match)
			assert.Contains(t, checked.MatchRejections, tt.rejected)
		})
	}
}

func TestCheckSearchResultBlocklisted(t *testing.T) {
	result := types.SearchResult{
		Series: "Invincible",
		Year:   intPtr(2003),
		Link:   "https://example.com/blocked",
	}
	checked := CheckSearchResult(result, SearchFilterInput{
		Volume:       testVolume(),
		Issues:       testIssues(),
		NumberToYear: testNumberToYear(),
		Blocklisted:  func(link string) bool { return true },
	})
	assert.False(t, checked.Match)
	assert.Contains(t, checked.MatchRejections, types.RejectBlocklisted)
}

func TestFolderExtractionFilter(t *testing.T) {
	volume := testVolume()
	issues := testIssues()

	keep := types.FilenameData{
		Series:      "Invincible",
		Year:        intPtr(2003),
		IssueNumber: &types.IssueRange{Start: 2, End: 2},
	}
	assert.True(t, FolderExtractionFilter(keep, volume, issues, nil))

	// Neither year nor volume number parseable: play it safe.
	bare := types.FilenameData{
		Series:      "Invincible",
		IssueNumber: &types.IssueRange{Start: 2, End: 2},
	}
	assert.True(t, FolderExtractionFilter(bare, volume, issues, nil))

	wrongTitle := types.FilenameData{
		Series: "Monstress",
		Year:   intPtr(2003),
	}
	assert.False(t, FolderExtractionFilter(wrongTitle, volume, issues, nil))

	wrongYear := types.FilenameData{
		Series: "Invincible",
		Year:   intPtr(2015),
	}
	assert.False(t, FolderExtractionFilter(wrongYear, volume, issues, nil))
}

func TestFileImportingFilter(t *testing.T) {
	volume := testVolume()
	issues := testIssues()
	numberToYear := testNumberToYear()

	matching := types.FilenameData{
		Series:      "Invincible",
		Year:        intPtr(2003),
		IssueNumber: &types.IssueRange{Start: 1, End: 1},
	}
	assert.True(t, FileImportingFilter(matching, volume, issues, numberToYear))

	// Year or volume number must agree.
	wrongBoth := types.FilenameData{
		Series:      "Invincible",
		Year:        intPtr(2015),
		IssueNumber: &types.IssueRange{Start: 1, End: 1},
	}
	assert.False(t, FileImportingFilter(wrongBoth, volume, issues, numberToYear))

	volumeMatch := types.FilenameData{
		Series:       "Invincible",
		VolumeNumber: &types.VolumeRange{Start: 1, End: 1},
		IssueNumber:  &types.IssueRange{Start: 1, End: 1},
	}
	assert.True(t, FileImportingFilter(volumeMatch, volume, issues, numberToYear))
}

func TestSelectVolumeForGroup(t *testing.T) {
	group := types.FilenameData{
		Series:       "Invincible",
		Year:         intPtr(2003),
		VolumeNumber: &types.VolumeRange{Start: 2, End: 2},
	}
	results := []types.VolumeMetadata{
		{ComicvineID: 10, Year: intPtr(1996), VolumeNumber: 1, IssueCount: 10},
		{ComicvineID: 20, Year: intPtr(2003), VolumeNumber: 2, IssueCount: 144},
		{ComicvineID: 30, Year: intPtr(2004), VolumeNumber: 3, IssueCount: 5},
	}

	best := SelectVolumeForGroup(group, results)
	assert.NotNil(t, best)
	assert.Equal(t, int64(20), best.ComicvineID)

	// One-of-one special versions only accept single-issue volumes.
	oneShot := types.FilenameData{
		Series:         "Nimona",
		SpecialVersion: types.SVOneShot,
	}
	assert.Nil(t, SelectVolumeForGroup(oneShot, results))
}

func float64Ptr(v float64) *float64 {
	return &v
}
