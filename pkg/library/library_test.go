package library

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapowarr/kapowarr/pkg/errs"
	"github.com/kapowarr/kapowarr/pkg/events"
	"github.com/kapowarr/kapowarr/pkg/files"
	"github.com/kapowarr/kapowarr/pkg/settings"
	"github.com/kapowarr/kapowarr/pkg/store"
	"github.com/kapowarr/kapowarr/pkg/types"
)

// fakeCatalog serves canned volume metadata.
type fakeCatalog struct {
	volumes map[int64]types.VolumeMetadata
	results []types.VolumeMetadata
}

func (f *fakeCatalog) SearchVolumes(context.Context, string) ([]types.VolumeMetadata, error) {
	return f.results, nil
}

func (f *fakeCatalog) FetchVolume(_ context.Context, cvID int64) (types.VolumeMetadata, error) {
	meta, ok := f.volumes[cvID]
	if !ok {
		return types.VolumeMetadata{}, errs.ErrVolumeNotFound
	}
	return meta, nil
}

func (f *fakeCatalog) RemoveFromCache(string, int64) {}

func newTestService(t *testing.T, cat *fakeCatalog) (*Service, *store.Store) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sv, err := settings.Load(ctx, st)
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	pipeline, err := files.NewPipeline(st, sv, broker)
	require.NoError(t, err)

	return NewService(st, sv, broker, cat, pipeline), st
}

func TestAddRootFolderRejectsNesting(t *testing.T) {
	svc, _ := newTestService(t, &fakeCatalog{})
	ctx := context.Background()

	base := t.TempDir()
	first, err := svc.AddRootFolder(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, base, first.Folder)

	// Neither a child nor a parent of an existing root is allowed.
	_, err = svc.AddRootFolder(ctx, filepath.Join(base, "child"))
	assert.ErrorIs(t, err, errs.ErrRootFolderInvalid)
	_, err = svc.AddRootFolder(ctx, filepath.Dir(base))
	assert.ErrorIs(t, err, errs.ErrRootFolderInvalid)

	// The same folder again is also a prefix of itself.
	_, err = svc.AddRootFolder(ctx, base)
	assert.ErrorIs(t, err, errs.ErrRootFolderInvalid)
}

func TestAddVolumeCreatesIssues(t *testing.T) {
	year := 2003
	cat := &fakeCatalog{volumes: map[int64]types.VolumeMetadata{
		4050: {
			ComicvineID:  4050,
			Title:        "Invincible",
			Year:         &year,
			VolumeNumber: 1,
			IssueCount:   2,
			Issues: []types.IssueMetadata{
				{ComicvineID: 101, VolumeComicvineID: 4050, IssueNumber: "1", CalculatedIssueNumber: 1, Date: "2003-01-01"},
				{ComicvineID: 102, VolumeComicvineID: 4050, IssueNumber: "2", CalculatedIssueNumber: 2, Date: "2003-02-01"},
			},
		},
	}}
	svc, st := newTestService(t, cat)
	ctx := context.Background()

	root, err := svc.AddRootFolder(ctx, t.TempDir())
	require.NoError(t, err)

	volumeID, err := svc.AddVolume(ctx, AddVolumeOptions{
		ComicvineID:      4050,
		RootFolderID:     root.ID,
		Monitored:        true,
		MonitorNewIssues: true,
	})
	require.NoError(t, err)

	volume, err := st.GetVolume(ctx, volumeID)
	require.NoError(t, err)
	assert.Equal(t, "Invincible", volume.Title)
	assert.True(t, files.FolderIsInside(root.Folder, volume.Folder))

	issues, err := st.IssuesForVolume(ctx, volumeID)
	require.NoError(t, err)
	assert.Len(t, issues, 2)

	// Adding the same catalog volume again fails.
	_, err = svc.AddVolume(ctx, AddVolumeOptions{ComicvineID: 4050, RootFolderID: root.ID})
	assert.ErrorIs(t, err, errs.ErrVolumeAlreadyAdded)
}

func TestDeleteVolumeBlockedByActiveDownload(t *testing.T) {
	year := 2003
	cat := &fakeCatalog{volumes: map[int64]types.VolumeMetadata{
		4050: {ComicvineID: 4050, Title: "Invincible", Year: &year, VolumeNumber: 1},
	}}
	svc, _ := newTestService(t, cat)
	ctx := context.Background()

	root, err := svc.AddRootFolder(ctx, t.TempDir())
	require.NoError(t, err)
	volumeID, err := svc.AddVolume(ctx, AddVolumeOptions{
		ComicvineID:  4050,
		RootFolderID: root.ID,
	})
	require.NoError(t, err)

	svc.SetDownloadChecker(checkerFunc(func(id int64) bool { return id == volumeID }))
	err = svc.DeleteVolume(ctx, volumeID, DeleteVolumeOptions{})
	assert.ErrorIs(t, err, errs.ErrVolumeDownloadedFor)

	svc.SetDownloadChecker(checkerFunc(func(int64) bool { return false }))
	assert.NoError(t, svc.DeleteVolume(ctx, volumeID, DeleteVolumeOptions{}))
}

type checkerFunc func(volumeID int64) bool

func (f checkerFunc) HasActiveDownload(volumeID int64) bool {
	return f(volumeID)
}

func TestDetermineSpecialVersion(t *testing.T) {
	year := 2015
	assert.Equal(t, types.SVOneShot, determineSpecialVersion(types.VolumeMetadata{
		Title: "Nimona", Year: &year, IssueCount: 1,
	}))
	assert.Equal(t, types.SVOmnibus, determineSpecialVersion(types.VolumeMetadata{
		Title: "Saga Omnibus", Year: &year, IssueCount: 1,
	}))
	assert.Equal(t, types.SVNormal, determineSpecialVersion(types.VolumeMetadata{
		Title: "Saga", Year: &year, IssueCount: 54,
	}))
}
