package search

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapowarr/kapowarr/pkg/store"
	"github.com/kapowarr/kapowarr/pkg/types"
)

func TestBuildQueries(t *testing.T) {
	year := 2003
	volume := types.Volume{
		Title:        "Invincible: Ultimate",
		Year:         &year,
		VolumeNumber: 1,
	}

	queries := buildQueries(volume, "")
	require.NotEmpty(t, queries)
	assert.Equal(t, "Invincible Ultimate Vol. 1 (2003)", queries[0])
	assert.Contains(t, queries, "Invincible Ultimate")

	issueQueries := buildQueries(volume, "6")
	assert.Equal(t, "Invincible Ultimate #6 (2003)", issueQueries[0])

	tpb := volume
	tpb.SpecialVersion = types.SVTPB
	tpbQueries := buildQueries(tpb, "")
	assert.Equal(t, "Invincible Ultimate Vol. 1 (2003) TPB", tpbQueries[0])
}

func TestBuildQueriesWithoutYear(t *testing.T) {
	volume := types.Volume{Title: "Invincible", VolumeNumber: 1}
	queries := buildQueries(volume, "")
	for _, q := range queries {
		assert.NotContains(t, q, "(")
		assert.NotContains(t, q, "{year}")
	}
	// The year-less variants collapse into fewer distinct queries.
	assert.Contains(t, queries, "Invincible Vol. 1")
	assert.Contains(t, queries, "Invincible")
}

// stubSource returns canned results and records its queries.
type stubSource struct {
	name    string
	results []types.SearchResult
	err     error

	mu      sync.Mutex
	queries []string
}

func (s *stubSource) Name() string {
	return s.name
}

func (s *stubSource) Search(_ context.Context, query string) ([]types.SearchResult, error) {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	return s.results, s.err
}

func (s *stubSource) queryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

func seedSearchVolume(t *testing.T, st *store.Store) int64 {
	t.Helper()
	ctx := context.Background()

	rootID, err := st.AddRootFolder(ctx, t.TempDir(), 0)
	require.NoError(t, err)

	year := 2003
	volumeID, err := st.AddVolume(ctx, types.Volume{
		ComicvineID:      4050,
		Title:            "Invincible",
		Year:             &year,
		VolumeNumber:     1,
		Monitored:        true,
		RootFolderID:     rootID,
		Folder:           "/library/Invincible (2003)",
		LastCatalogFetch: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, st.UpsertIssues(ctx, volumeID, []types.Issue{
		{ComicvineID: 101, IssueNumber: "1", CalculatedIssueNumber: 1, Date: "2003-01-01"},
		{ComicvineID: 102, IssueNumber: "2", CalculatedIssueNumber: 2, Date: "2003-02-01"},
		{ComicvineID: 103, IssueNumber: "3", CalculatedIssueNumber: 3, Date: "2003-03-01"},
	}, true))
	return volumeID
}

func intPtr(v int) *int {
	return &v
}

func TestManualSearchMergesAndRanks(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	volumeID := seedSearchVolume(t, st)

	good := types.SearchResult{
		Series:      "Invincible",
		Year:        intPtr(2003),
		IssueNumber: &types.IssueRange{Start: 1, End: 3},
		Link:        "https://example.com/good",
	}
	bad := types.SearchResult{
		Series: "Monstress",
		Year:   intPtr(2016),
		Link:   "https://example.com/bad",
	}
	duplicate := good

	source1 := &stubSource{name: "one", results: []types.SearchResult{good, bad}}
	source2 := &stubSource{name: "two", results: []types.SearchResult{duplicate}}
	failing := &stubSource{name: "broken", err: assert.AnError}

	agg := NewAggregator(st, []Source{source1, source2, failing})
	results, err := agg.ManualSearch(context.Background(), volumeID, nil)
	require.NoError(t, err)

	// Duplicates collapse on the download link; the failing source is
	// captured, not propagated.
	require.Len(t, results, 2)
	assert.True(t, results[0].Match)
	assert.Equal(t, "https://example.com/good", results[0].Link)
	assert.False(t, results[1].Match)
	assert.Contains(t, results[1].MatchRejections, types.RejectTitle)
}

func TestAutoSearchSkipsUnmonitoredVolume(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	volumeID := seedSearchVolume(t, st)

	ctx := context.Background()
	volume, err := st.GetVolume(ctx, volumeID)
	require.NoError(t, err)
	volume.Monitored = false
	require.NoError(t, st.UpdateVolume(ctx, volume))

	source := &stubSource{name: "one"}
	agg := NewAggregator(st, []Source{source})

	results, err := agg.AutoSearch(ctx, volumeID, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, source.queryCount(), "unmonitored volumes are not searched")
}

func TestAutoSearchPicksNonOverlappingCover(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	volumeID := seedSearchVolume(t, st)

	wholeRun := types.SearchResult{
		Series:      "Invincible",
		Year:        intPtr(2003),
		IssueNumber: &types.IssueRange{Start: 1, End: 3},
		Link:        "https://example.com/run",
	}
	overlapping := types.SearchResult{
		Series:      "Invincible",
		Year:        intPtr(2003),
		IssueNumber: &types.IssueRange{Start: 2, End: 3},
		Link:        "https://example.com/overlap",
	}

	source := &stubSource{name: "one", results: []types.SearchResult{wholeRun, overlapping}}
	agg := NewAggregator(st, []Source{source})

	results, err := agg.AutoSearch(context.Background(), volumeID, nil)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "https://example.com/run", results[0].Link)
}

func TestAutoSearchSkipsDownloadedIssues(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	volumeID := seedSearchVolume(t, st)
	ctx := context.Background()

	// Issue 1 already has a file; a result covering 1-3 overlaps it.
	issues, err := st.IssuesForVolume(ctx, volumeID)
	require.NoError(t, err)
	fileID, err := st.AddFile(ctx, types.File{Filepath: "/library/one.cbz"})
	require.NoError(t, err)
	require.NoError(t, st.ApplyBindingDiff(ctx, nil,
		[]store.IssueFileBinding{{FileID: fileID, IssueID: issues[0].ID}}, nil))

	covering := types.SearchResult{
		Series:      "Invincible",
		Year:        intPtr(2003),
		IssueNumber: &types.IssueRange{Start: 1, End: 3},
		Link:        "https://example.com/all",
	}
	tail := types.SearchResult{
		Series:      "Invincible",
		Year:        intPtr(2003),
		IssueNumber: &types.IssueRange{Start: 2, End: 3},
		Link:        "https://example.com/tail",
	}

	source := &stubSource{name: "one", results: []types.SearchResult{covering, tail}}
	agg := NewAggregator(st, []Source{source})

	results, err := agg.AutoSearch(ctx, volumeID, nil)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "https://example.com/tail", results[0].Link)
}
