package files

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConverterRegistryRejectsDuplicates(t *testing.T) {
	registry, err := NewConverterRegistry()
	require.NoError(t, err)

	err = registry.Register("zip", "cbz", renameConverter("cbz"))
	assert.Error(t, err)

	err = registry.Register("zip", "pdf", renameConverter("pdf"))
	assert.Error(t, err, "unknown formats are rejected")
	err = registry.Register("pdf", "zip", renameConverter("zip"))
	assert.Error(t, err)
}

func TestSelectConverterFollowsPreference(t *testing.T) {
	registry, err := NewConverterRegistry()
	require.NoError(t, err)

	// Source already is the first reachable preference: no conversion.
	pc := registry.SelectConverter("/x/file.cbz", []string{"cbz", "zip"}, false)
	assert.Nil(t, pc)

	// First preference reachable from the source wins.
	pc = registry.SelectConverter("/x/file.zip", []string{"cbz", "cbr"}, false)
	require.NotNil(t, pc)
	assert.Equal(t, "cbz", pc.TargetFormat)

	// No preference: nothing to do.
	assert.Nil(t, registry.SelectConverter("/x/file.zip", nil, false))

	// Unknown source format: nothing to do.
	assert.Nil(t, registry.SelectConverter("/x/file.txt", []string{"cbz"}, false))
}

func TestAvailableFormats(t *testing.T) {
	registry, err := NewConverterRegistry()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"zip", "cbz", "rar", "cbr"}, registry.AvailableFormats())
}

func makeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	out, err := os.Create(path)
	require.NoError(t, err)
	writer := zip.NewWriter(out)
	for name, content := range entries {
		entry, err := writer.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	require.NoError(t, out.Close())
}

func TestArchiveContainsIssues(t *testing.T) {
	dir := t.TempDir()

	issuesZip := filepath.Join(dir, "range.zip")
	makeZip(t, issuesZip, map[string]string{
		"Invincible 001.cbz": "one",
		"Invincible 002.cbz": "two",
		"cover.jpg":          "cover",
	})
	assert.True(t, archiveContainsIssues(issuesZip))

	pagesZip := filepath.Join(dir, "pages.zip")
	makeZip(t, pagesZip, map[string]string{
		"page-001.jpg": "p1",
		"page-002.jpg": "p2",
	})
	assert.False(t, archiveContainsIssues(pagesZip))
}

func TestSelectConverterPrefersExtraction(t *testing.T) {
	registry, err := NewConverterRegistry()
	require.NoError(t, err)

	dir := t.TempDir()
	archive := filepath.Join(dir, "range.zip")
	makeZip(t, archive, map[string]string{
		"Invincible 001.cbz": "one",
		"Invincible 002.cbz": "two",
	})

	pc := registry.SelectConverter(archive, []string{"zip"}, true)
	require.NotNil(t, pc)
	assert.Equal(t, FolderFormat, pc.TargetFormat)

	// Without range extraction the file already matches the preference.
	assert.Nil(t, registry.SelectConverter(archive, []string{"zip"}, false))
}

func TestZipRoundTripPreservesContent(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "source")
	require.NoError(t, os.MkdirAll(source, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(source, "page-1.jpg"), []byte("first page"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(source, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(source, "sub", "page-2.jpg"), []byte("second page"), 0644))

	archive := filepath.Join(dir, "out.zip")
	require.NoError(t, createZipArchive(source, archive))

	extracted := filepath.Join(dir, "extracted")
	require.NoError(t, extractZip(archive, extracted))

	for _, rel := range []string{"page-1.jpg", filepath.Join("sub", "page-2.jpg")} {
		want, err := os.ReadFile(filepath.Join(source, rel))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(extracted, rel))
		require.NoError(t, err)
		assert.Equal(t, sha256.Sum256(want), sha256.Sum256(got), rel)
	}
}

func TestZipToFolderExtractsIssues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A range archive inside the volume folder, bound to its issues.
	archive := filepath.Join(env.volumeFolder(t), "Invincible 001-002.zip")
	makeZip(t, archive, map[string]string{
		"Invincible 001.cbz": "issue one",
		"Invincible 002.cbz": "issue two",
		"cover.jpg":          "cover",
	})
	require.NoError(t, env.pipeline.Scan(ctx, env.volumeID, ScanOptions{}))

	results, err := zipToFolder(ctx, env.pipeline, archive)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	// The source archive and its extraction folder are gone.
	assert.NoFileExists(t, archive)
	leftovers, err := filepath.Glob(filepath.Join(env.volumeFolder(t), "kapowarr_extract*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	// The issue files ended up bound to their issues.
	issueOneFiles, err := env.store.FilesForIssue(ctx, env.issueIDs[0])
	require.NoError(t, err)
	assert.NotEmpty(t, issueOneFiles)
	issueTwoFiles, err := env.store.FilesForIssue(ctx, env.issueIDs[1])
	require.NoError(t, err)
	assert.NotEmpty(t, issueTwoFiles)
}
