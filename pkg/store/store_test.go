package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapowarr/kapowarr/pkg/errs"
	"github.com/kapowarr/kapowarr/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedVolume(t *testing.T, st *Store, cvID int64) (int64, []int64) {
	t.Helper()
	ctx := context.Background()

	rootID, err := st.AddRootFolder(ctx, t.TempDir(), 0)
	require.NoError(t, err)

	year := 2003
	volumeID, err := st.AddVolume(ctx, types.Volume{
		ComicvineID:      cvID,
		Title:            "Invincible",
		Year:             &year,
		VolumeNumber:     1,
		Monitored:        true,
		RootFolderID:     rootID,
		Folder:           "/library/Invincible (2003)",
		LastCatalogFetch: time.Now(),
	})
	require.NoError(t, err)

	issues := []types.Issue{
		{ComicvineID: cvID*100 + 1, IssueNumber: "1", CalculatedIssueNumber: 1, Date: "2003-01-01"},
		{ComicvineID: cvID*100 + 2, IssueNumber: "2", CalculatedIssueNumber: 2, Date: "2003-02-01"},
		{ComicvineID: cvID*100 + 3, IssueNumber: "3", CalculatedIssueNumber: 3, Date: "2003-03-01"},
	}
	require.NoError(t, st.UpsertIssues(ctx, volumeID, issues, true))

	stored, err := st.IssuesForVolume(ctx, volumeID)
	require.NoError(t, err)
	require.Len(t, stored, 3)

	ids := make([]int64, len(stored))
	for i, issue := range stored {
		ids[i] = issue.ID
	}
	return volumeID, ids
}

func TestAddVolumeRejectsDuplicates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedVolume(t, st, 4050)

	_, err := st.AddVolume(ctx, types.Volume{ComicvineID: 4050, RootFolderID: 1, Folder: "/x"})
	assert.ErrorIs(t, err, errs.ErrVolumeAlreadyAdded)
}

func TestFileUpsertIsKeyedOnPath(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id1, err := st.AddFile(ctx, types.File{Filepath: "/library/a.cbz", Size: 10})
	require.NoError(t, err)
	id2, err := st.AddFile(ctx, types.File{Filepath: "/library/a.cbz", Size: 20})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	file, err := st.GetFileByPath(ctx, "/library/a.cbz")
	require.NoError(t, err)
	assert.Equal(t, int64(10), file.Size)
}

func TestBindingsAndIssuesCovered(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	volumeID, issueIDs := seedVolume(t, st, 4050)

	fileID, err := st.AddFile(ctx, types.File{Filepath: "/library/Invincible 001-002.cbz", Size: 1})
	require.NoError(t, err)

	add := []IssueFileBinding{
		{FileID: fileID, IssueID: issueIDs[0]},
		{FileID: fileID, IssueID: issueIDs[1]},
	}
	require.NoError(t, st.ApplyBindingDiff(ctx, nil, add, nil))

	covered, err := st.IssuesCovered(ctx, "/library/Invincible 001-002.cbz")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, covered)

	owner, err := st.VolumeOfFile(ctx, "/library/Invincible 001-002.cbz")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, volumeID, *owner)

	files, err := st.FilesForIssue(ctx, issueIDs[0])
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, fileID, files[0].ID)
}

func TestDeleteUnmatchedFiles(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, issueIDs := seedVolume(t, st, 4050)

	boundID, err := st.AddFile(ctx, types.File{Filepath: "/library/bound.cbz"})
	require.NoError(t, err)
	orphanID, err := st.AddFile(ctx, types.File{Filepath: "/library/orphan.cbz"})
	require.NoError(t, err)

	require.NoError(t, st.ApplyBindingDiff(ctx, nil,
		[]IssueFileBinding{{FileID: boundID, IssueID: issueIDs[0]}}, nil))
	require.NoError(t, st.DeleteUnmatchedFiles(ctx))

	_, err = st.GetFile(ctx, boundID)
	assert.NoError(t, err)
	_, err = st.GetFile(ctx, orphanID)
	assert.ErrorIs(t, err, errs.ErrFileNotFound)
}

func TestUpdateFilepathsIsAtomic(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.AddFile(ctx, types.File{Filepath: "/library/a.cbz"})
	require.NoError(t, err)
	_, err = st.AddFile(ctx, types.File{Filepath: "/library/b.cbz"})
	require.NoError(t, err)

	err = st.UpdateFilepaths(ctx,
		[]string{"/library/a.cbz", "/library/b.cbz"},
		[]string{"/library/new-a.cbz", "/library/new-b.cbz"})
	require.NoError(t, err)

	_, err = st.GetFileByPath(ctx, "/library/new-a.cbz")
	assert.NoError(t, err)
	_, err = st.GetFileByPath(ctx, "/library/a.cbz")
	assert.ErrorIs(t, err, errs.ErrFileNotFound)

	// Mismatched batch lengths never touch the store.
	err = st.UpdateFilepaths(ctx, []string{"/library/new-a.cbz"}, nil)
	assert.Error(t, err)
	_, err = st.GetFileByPath(ctx, "/library/new-a.cbz")
	assert.NoError(t, err)
}

func TestOpenIssues(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	volumeID, issueIDs := seedVolume(t, st, 4050)

	open, err := st.OpenIssues(ctx, volumeID)
	require.NoError(t, err)
	assert.Len(t, open, 3)

	fileID, err := st.AddFile(ctx, types.File{Filepath: "/library/one.cbz"})
	require.NoError(t, err)
	require.NoError(t, st.ApplyBindingDiff(ctx, nil,
		[]IssueFileBinding{{FileID: fileID, IssueID: issueIDs[0]}}, nil))
	require.NoError(t, st.SetIssueMonitored(ctx, issueIDs[1], false))

	open, err = st.OpenIssues(ctx, volumeID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, issueIDs[2], open[0].ID)
}

func TestBlocklistFirstInsertionWins(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := types.BlocklistEntry{
		DownloadLink: "https://example.com/file",
		Reason:       types.BlocklistDownloadFailed,
		VolumeID:     1,
	}
	require.NoError(t, st.AddBlocklistEntry(ctx, first))

	second := first
	second.Reason = types.BlocklistAddedByUser
	require.NoError(t, st.AddBlocklistEntry(ctx, second))

	entries, err := st.ListBlocklist(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.BlocklistDownloadFailed, entries[0].Reason)

	hit, err := st.BlocklistContains(ctx, "https://example.com/file")
	require.NoError(t, err)
	assert.True(t, hit)

	miss, err := st.BlocklistContains(ctx, "https://example.com/other")
	require.NoError(t, err)
	assert.False(t, miss)
}

func TestBlocklistWebLinkLookup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.AddBlocklistEntry(ctx, types.BlocklistEntry{
		WebLink:      "https://example.com/page",
		DownloadLink: "https://example.com/dl",
		Reason:       types.BlocklistLinkBroken,
	}))

	hit, err := st.BlocklistContains(ctx, "https://example.com/page")
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestRootFolderInUse(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	volumeID, _ := seedVolume(t, st, 4050)

	volume, err := st.GetVolume(ctx, volumeID)
	require.NoError(t, err)

	err = st.DeleteRootFolder(ctx, volume.RootFolderID)
	assert.ErrorIs(t, err, errs.ErrRootFolderInUse)

	require.NoError(t, st.DeleteVolume(ctx, volumeID))
	assert.NoError(t, st.DeleteRootFolder(ctx, volume.RootFolderID))
}

func TestUpsertIssuesRefreshesExisting(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	volumeID, issueIDs := seedVolume(t, st, 4050)

	require.NoError(t, st.SetIssueMonitored(ctx, issueIDs[0], false))

	updated := []types.Issue{
		{ComicvineID: 405001, IssueNumber: "1", CalculatedIssueNumber: 1, Title: "Family Matters", Date: "2003-01-01"},
		{ComicvineID: 405004, IssueNumber: "4", CalculatedIssueNumber: 4, Date: "2003-04-01"},
	}
	require.NoError(t, st.UpsertIssues(ctx, volumeID, updated, false))

	issues, err := st.IssuesForVolume(ctx, volumeID)
	require.NoError(t, err)
	require.Len(t, issues, 4)

	assert.Equal(t, "Family Matters", issues[0].Title)
	// A refresh doesn't resurrect the monitored flag.
	assert.False(t, issues[0].Monitored)
	// New issues follow the monitor-new flag.
	assert.False(t, issues[3].Monitored)
}

func TestEndingYear(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	volumeID, _ := seedVolume(t, st, 4050)

	year, err := st.EndingYear(ctx, volumeID)
	require.NoError(t, err)
	require.NotNil(t, year)
	assert.Equal(t, 2003, *year)
}
