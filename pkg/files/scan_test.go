package files

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapowarr/kapowarr/pkg/events"
	"github.com/kapowarr/kapowarr/pkg/types"
)

func writeTestFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}

func TestScanBindsFilesToIssues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.writeFile(t, "Invincible 001.cbz", "issue one")
	rangeFile := env.writeFile(t, "Invincible 002-003.cbz", "issues two and three")
	env.writeFile(t, "cover.jpg", "cover image")

	sub := env.broker.Subscribe()
	defer env.broker.Unsubscribe(sub)

	require.NoError(t, env.pipeline.Scan(ctx, env.volumeID, ScanOptions{
		DeleteUnmatched: true,
		Emit:            true,
	}))

	// The range file binds to both covered issues.
	covered, err := env.store.IssuesCovered(ctx, rangeFile)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3}, covered)

	volumeFiles, err := env.store.FilesForVolume(ctx, env.volumeID)
	require.NoError(t, err)
	assert.Len(t, volumeFiles, 2)

	// The cover binds at volume level.
	general, err := env.store.GeneralFiles(ctx, env.volumeID)
	require.NoError(t, err)
	require.Len(t, general, 1)
	assert.Equal(t, types.FileTypeCover, general[0].FileType)

	// All three issues flipped to downloaded.
	event := <-sub
	require.Equal(t, events.EventDownloadedStatus, event.Type)
	data := event.Data.(events.DownloadedStatusData)
	assert.Equal(t, env.volumeID, data.VolumeID)
	assert.ElementsMatch(t, env.issueIDs, data.Downloaded)
	assert.Empty(t, data.Removed)
}

func TestScanEmitsRemovalsAndSweepsOrphans(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	issueFile := env.writeFile(t, "Invincible 001.cbz", "issue one")
	require.NoError(t, env.pipeline.Scan(ctx, env.volumeID, ScanOptions{
		DeleteUnmatched: true,
		Emit:            true,
	}))

	require.NoError(t, os.Remove(issueFile))

	sub := env.broker.Subscribe()
	defer env.broker.Unsubscribe(sub)

	require.NoError(t, env.pipeline.Scan(ctx, env.volumeID, ScanOptions{
		DeleteUnmatched: true,
		Emit:            true,
	}))

	event := <-sub
	require.Equal(t, events.EventDownloadedStatus, event.Type)
	data := event.Data.(events.DownloadedStatusData)
	assert.Empty(t, data.Downloaded)
	assert.Equal(t, []int64{env.issueIDs[0]}, data.Removed)

	// No dangling file rows survive the sweep.
	allFiles, err := env.store.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, allFiles)
}

func TestScanIgnoresForeignFiles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.writeFile(t, "Monstress 001 (2016).cbz", "wrong series")
	env.writeFile(t, ".hidden.cbz", "hidden")

	require.NoError(t, env.pipeline.Scan(ctx, env.volumeID, ScanOptions{
		DeleteUnmatched: true,
	}))

	volumeFiles, err := env.store.FilesForVolume(ctx, env.volumeID)
	require.NoError(t, err)
	assert.Empty(t, volumeFiles)
}

func TestScanRefreshesChangedSizes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	path := env.writeFile(t, "Invincible 001.cbz", "v1")
	require.NoError(t, env.pipeline.Scan(ctx, env.volumeID, ScanOptions{}))

	require.NoError(t, writeTestFile(path, "a much longer second version"))
	require.NoError(t, env.pipeline.Scan(ctx, env.volumeID, ScanOptions{}))

	file, err := env.store.GetFileByPath(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(len("a much longer second version")), file.Size)
}

func TestFilteredScanOnlyAdds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	existing := env.writeFile(t, "Invincible 001.cbz", "issue one")
	require.NoError(t, env.pipeline.Scan(ctx, env.volumeID, ScanOptions{}))

	// Deleting the file and running a filtered scan for another file must
	// not remove the stale binding; only a full scan may.
	require.NoError(t, os.Remove(existing))
	added := env.writeFile(t, "Invincible 002.cbz", "issue two")

	require.NoError(t, env.pipeline.AddFilesToVolume(ctx, env.volumeID, []string{added}, nil))

	bindings, err := env.store.IssueFileBindings(ctx, env.volumeID)
	require.NoError(t, err)
	assert.Len(t, bindings, 2)
}
