package files

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kapowarr/kapowarr/pkg/events"
	"github.com/kapowarr/kapowarr/pkg/settings"
	"github.com/kapowarr/kapowarr/pkg/store"
	"github.com/kapowarr/kapowarr/pkg/types"
)

// testEnv is the scaffolding shared by the pipeline tests: a store and
// settings in a temp folder, a started broker, and one seeded volume with a
// real folder on disk.
type testEnv struct {
	pipeline *Pipeline
	store    *store.Store
	settings *settings.Service
	broker   *events.Broker
	rootDir  string
	volumeID int64
	issueIDs []int64
}

func newTestEnv(t *testing.T) *testEnv {
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

	pipeline, err := NewPipeline(st, sv, broker)
	require.NoError(t, err)

	rootDir := t.TempDir()
	rootID, err := st.AddRootFolder(ctx, rootDir, 0)
	require.NoError(t, err)

	volumeDir := filepath.Join(rootDir, "Invincible (2003)")
	require.NoError(t, CreateFolder(volumeDir))

	year := 2003
	volumeID, err := st.AddVolume(ctx, types.Volume{
		ComicvineID:      4050,
		Title:            "Invincible",
		Year:             &year,
		VolumeNumber:     1,
		Monitored:        true,
		RootFolderID:     rootID,
		Folder:           volumeDir,
		LastCatalogFetch: time.Now(),
	})
	require.NoError(t, err)

	issues := []types.Issue{
		{ComicvineID: 101, IssueNumber: "1", CalculatedIssueNumber: 1, Title: "Family Matters", Date: "2003-01-01"},
		{ComicvineID: 102, IssueNumber: "2", CalculatedIssueNumber: 2, Date: "2003-02-01"},
		{ComicvineID: 103, IssueNumber: "3", CalculatedIssueNumber: 3, Date: "2003-03-01"},
	}
	require.NoError(t, st.UpsertIssues(ctx, volumeID, issues, true))

	stored, err := st.IssuesForVolume(ctx, volumeID)
	require.NoError(t, err)
	issueIDs := make([]int64, len(stored))
	for i, issue := range stored {
		issueIDs[i] = issue.ID
	}

	return &testEnv{
		pipeline: pipeline,
		store:    st,
		settings: sv,
		broker:   broker,
		rootDir:  rootDir,
		volumeID: volumeID,
		issueIDs: issueIDs,
	}
}

func (e *testEnv) volumeFolder(t *testing.T) string {
	t.Helper()
	volume, err := e.store.GetVolume(context.Background(), e.volumeID)
	require.NoError(t, err)
	return volume.Folder
}

func (e *testEnv) writeFile(t *testing.T, relPath, content string) string {
	t.Helper()
	path := filepath.Join(e.volumeFolder(t), relPath)
	require.NoError(t, CreateFolder(filepath.Dir(path)))
	require.NoError(t, writeTestFile(path, content))
	abs, err := filepath.Abs(path)
	require.NoError(t, err)
	return abs
}
