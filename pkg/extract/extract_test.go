package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapowarr/kapowarr/pkg/types"
)

func TestFilenameData(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		opts     Options
		expected types.FilenameData
	}{
		{
			name: "volume year and issue",
			path: "Batman - Detective Comics Vol. 3 (2016) #006 (Digital).cbz",
			expected: types.FilenameData{
				Series:       "Batman - Detective Comics",
				Year:         intPtr(2016),
				VolumeNumber: volumePtr(3, 3),
				IssueNumber:  issuePtr(6, 6),
			},
		},
		{
			name: "bare issue range",
			path: "Invincible 001-005 (2003).cbz",
			expected: types.FilenameData{
				Series:      "Invincible",
				Year:        intPtr(2003),
				IssueNumber: issuePtr(1, 5),
			},
		},
		{
			name: "issue letter suffix",
			path: "Saga #003b (2012).cbz",
			expected: types.FilenameData{
				Series:      "Saga",
				Year:        intPtr(2012),
				IssueNumber: issuePtr(3.2, 3.2),
			},
		},
		{
			name: "half issue",
			path: "Hellboy #4½ (1996).cbz",
			expected: types.FilenameData{
				Series:      "Hellboy",
				Year:        intPtr(1996),
				IssueNumber: issuePtr(4.5, 4.5),
			},
		},
		{
			name: "annual",
			path: "Batman Annual #1 (2021).cbz",
			expected: types.FilenameData{
				Series:      "Batman Annual",
				Year:        intPtr(2021),
				IssueNumber: issuePtr(1, 1),
				Annual:      true,
			},
		},
		{
			name: "tpb keyword",
			path: "Monstress Vol. 1 TPB (2016).cbz",
			expected: types.FilenameData{
				Series:         "Monstress",
				Year:           intPtr(2016),
				VolumeNumber:   volumePtr(1, 1),
				SpecialVersion: types.SVTPB,
			},
		},
		{
			name: "volume only implies collected edition",
			path: "Monstress Vol. 2 (2017).cbz",
			expected: types.FilenameData{
				Series:         "Monstress",
				Year:           intPtr(2017),
				VolumeNumber:   volumePtr(2, 2),
				SpecialVersion: types.SVTPB,
			},
		},
		{
			name: "one shot",
			path: "Nimona One-Shot (2015).cbz",
			expected: types.FilenameData{
				Series:         "Nimona",
				Year:           intPtr(2015),
				SpecialVersion: types.SVOneShot,
			},
		},
		{
			name: "volume range",
			path: "Bone Volume 1-3 (1991).cbz",
			expected: types.FilenameData{
				Series:         "Bone",
				Year:           intPtr(1991),
				VolumeNumber:   volumePtr(1, 3),
				SpecialVersion: types.SVTPB,
			},
		},
		{
			name: "file inherits the folder year",
			path: "Invincible (2003)/Invincible 004.cbz",
			expected: types.FilenameData{
				Series:      "Invincible",
				Year:        intPtr(2003),
				IssueNumber: issuePtr(4, 4),
			},
		},
		{
			name: "file with an issue number keeps its own year when folder year is preferred",
			path: "Invincible (2003)/Invincible 004 (2005).cbz",
			opts: Options{PreferFolderYear: true},
			expected: types.FilenameData{
				Series:      "Invincible",
				Year:        intPtr(2005),
				IssueNumber: issuePtr(4, 4),
			},
		},
		{
			name: "issueless file inherits the folder year",
			path: "Invincible (2003)/Invincible TPB.cbz",
			opts: Options{PreferFolderYear: true},
			expected: types.FilenameData{
				Series:         "Invincible",
				Year:           intPtr(2003),
				SpecialVersion: types.SVTPB,
			},
		},
		{
			name: "extraction folder is ignored for series",
			path: "Invincible (2003)/" + ArchiveExtractPrefix + "_Invincible 001-005/Invincible 002.cbz",
			expected: types.FilenameData{
				Series:      "Invincible",
				Year:        intPtr(2003),
				IssueNumber: issuePtr(2, 2),
			},
		},
		{
			name: "cover file takes the folder series",
			path: "Invincible (2003)/cover.jpg",
			expected: types.FilenameData{
				Series:         "Invincible",
				Year:           intPtr(2003),
				SpecialVersion: types.SVCover,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilenameData(tt.path, tt.opts)
			assert.Equal(t, tt.expected.Series, got.Series, "series")
			assert.Equal(t, tt.expected.Year, got.Year, "year")
			assert.Equal(t, tt.expected.VolumeNumber, got.VolumeNumber, "volume number")
			assert.Equal(t, tt.expected.IssueNumber, got.IssueNumber, "issue number")
			assert.Equal(t, tt.expected.Annual, got.Annual, "annual")
			assert.Equal(t, tt.expected.SpecialVersion, got.SpecialVersion, "special version")
		})
	}
}

func TestFilenameDataIsDeterministic(t *testing.T) {
	path := "Batman - Detective Comics Vol. 3 (2016) #006 (Digital).cbz"
	first := FilenameData(path, Options{})
	for range 5 {
		assert.Equal(t, first, FilenameData(path, Options{}))
	}
}

func TestProcessIssueNumber(t *testing.T) {
	tests := []struct {
		input    string
		expected float64
		ok       bool
	}{
		{"006", 6, true},
		{"3b", 3.2, true},
		{"4½", 4.5, true},
		{"12a", 12.1, true},
		{"7c", 7.3, true},
		{"5,5", 5.5, true},
		{"?", 0, true},
		{"", 0, false},
		{"abc", 0, false},
	}
	for _, tt := range tests {
		got, ok := ProcessIssueNumber(tt.input)
		require.Equal(t, tt.ok, ok, tt.input)
		if ok {
			assert.InDelta(t, tt.expected, got, 1e-9, tt.input)
		}
	}
}

func TestProcessIssueRange(t *testing.T) {
	r, ok := ProcessIssueRange("1-5")
	require.True(t, ok)
	assert.Equal(t, types.IssueRange{Start: 1, End: 5}, r)

	r, ok = ProcessIssueRange("3")
	require.True(t, ok)
	assert.True(t, r.Single())
	assert.Equal(t, 3.0, r.Start)

	// A reversed range collapses to the first number.
	r, ok = ProcessIssueRange("9-2")
	require.True(t, ok)
	assert.Equal(t, types.SingleIssue(9), r)
}

func intPtr(v int) *int {
	return &v
}

func volumePtr(start, end int) *types.VolumeRange {
	return &types.VolumeRange{Start: start, End: end}
}

func issuePtr(start, end float64) *types.IssueRange {
	return &types.IssueRange{Start: start, End: end}
}
