package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanFilename(t *testing.T) {
	assert.Equal(t, "Spawn Origins", CleanFilename("Spawn: Origins"))
	assert.Equal(t, "ab", CleanFilename("a/b"))
	assert.Equal(t, "what", CleanFilename(`what?`))
	assert.Equal(t, "trailing", CleanFilename("trailing. "))
}

func TestFolderIsInside(t *testing.T) {
	assert.True(t, FolderIsInside("/a/b", "/a/b/c"))
	assert.True(t, FolderIsInside("/a/b", "/a/b"))
	assert.False(t, FolderIsInside("/a/b", "/a/bc"))
	assert.False(t, FolderIsInside("/a/b/c", "/a/b"))
}

func TestCommonFolder(t *testing.T) {
	assert.Equal(t, "/a/b", CommonFolder([]string{"/a/b/c.cbz"}))
	assert.Equal(t, "/a", CommonFolder([]string{"/a/b/c.cbz", "/a/d/e.cbz"}))
	assert.Equal(t, "/a/b", CommonFolder([]string{"/a/b/c.cbz", "/a/b/d.cbz"}))
}

func TestListFilesSkipsHiddenAndFilters(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.cbz"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.cbz"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "note.txt"), []byte("x"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.cbz"), []byte("x"), 0644))

	listed, err := ListFiles(dir, ArchiveExtensions)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	for _, f := range listed {
		assert.NotContains(t, filepath.Base(f), ".hidden")
	}
}

func TestDeleteEmptyChildFolders(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty", "nested"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "full"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".hidden"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "full", "keep.txt"), []byte("x"), 0644))

	require.NoError(t, DeleteEmptyChildFolders(dir, true))

	assert.NoDirExists(t, filepath.Join(dir, "empty"))
	assert.DirExists(t, filepath.Join(dir, "full"))
	assert.DirExists(t, filepath.Join(dir, ".hidden"))

	// A second pass changes nothing.
	require.NoError(t, DeleteEmptyChildFolders(dir, true))
	assert.DirExists(t, filepath.Join(dir, "full"))
}

func TestDeleteEmptyParentFolders(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "b1", "c1", "d1")
	require.NoError(t, os.MkdirAll(deep, 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "b1", "c2"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b1", "c2", "d2.txt"), []byte("x"), 0644))

	require.NoError(t, DeleteEmptyParentFolders(deep, root))

	assert.NoDirExists(t, filepath.Join(root, "b1", "c1"))
	assert.DirExists(t, filepath.Join(root, "b1", "c2"))
	assert.DirExists(t, root)
}

func TestDeleteEmptyParentFoldersStopsAtRoot(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "only")
	require.NoError(t, os.MkdirAll(sub, 0755))

	require.NoError(t, DeleteEmptyParentFolders(sub, root))
	assert.DirExists(t, root)
	assert.NoDirExists(t, sub)
}

func TestRenameFileCreatesFolders(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.cbz")
	dst := filepath.Join(dir, "nested", "deeper", "dst.cbz")
	require.NoError(t, os.WriteFile(src, []byte("content"), 0644))

	require.NoError(t, RenameFile(src, dst))

	assert.NoFileExists(t, src)
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestProposeBasefolderChange(t *testing.T) {
	changes := ProposeBasefolderChange(
		[]string{"/old/base/sub/file.cbz"}, "/old/base", "/new/base")
	assert.Equal(t, "/new/base/sub/file.cbz", changes["/old/base/sub/file.cbz"])
}

func TestGenerateArchiveFolder(t *testing.T) {
	got := GenerateArchiveFolder("/library/Invincible (2003)",
		"/library/Invincible (2003)/sub/Invincible 001-005.zip")
	assert.Equal(t,
		"/library/Invincible (2003)/kapowarr_extract_sub_Invincible 001-005", got)
}
