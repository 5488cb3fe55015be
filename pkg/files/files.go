// Package files implements the file pipeline: scanning volume folders,
// importing, converting and renaming files, and keeping the relational
// bindings between files, issues and volumes consistent.
package files

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	"github.com/kapowarr/kapowarr/pkg/extract"
	"github.com/kapowarr/kapowarr/pkg/log"
)

// Extension sets of files the pipeline cares about.
var (
	ArchiveExtensions  = map[string]bool{".zip": true, ".cbz": true, ".rar": true, ".cbr": true}
	ImageExtensions    = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true}
	MetadataExtensions = map[string]bool{".xml": true}

	// ScannableExtensions is everything the scan phase picks up.
	ScannableExtensions = mergeExtensions(ArchiveExtensions, ImageExtensions, MetadataExtensions,
		map[string]bool{".torrent": true})

	// ContentExtensions are the extensions that carry comic content,
	// used by library import.
	ContentExtensions = mergeExtensions(ArchiveExtensions, ImageExtensions, nil, nil)
)

func mergeExtensions(sets ...map[string]bool) map[string]bool {
	merged := map[string]bool{}
	for _, set := range sets {
		for ext := range set {
			merged[ext] = true
		}
	}
	return merged
}

// ennotsup is the errno NFS mounts return when extended attributes can't be
// set after a copy.
const ennotsup = syscall.Errno(524)

var filepathCleaner = regexp.MustCompile(`[<>:"|?*\x00]|[\s.]+$`)

// CleanFilename makes a single path component safe for the filesystem by
// removing illegal characters and path separators.
func CleanFilename(name string) string {
	name = strings.ReplaceAll(name, "/", "")
	name = strings.ReplaceAll(name, "\\", "")
	return filepathCleaner.ReplaceAllString(name, "")
}

// CleanPath applies CleanFilename to each component of a relative path.
func CleanPath(path string) string {
	parts := strings.Split(path, string(filepath.Separator))
	for i, p := range parts {
		parts[i] = CleanFilename(p)
	}
	return filepath.Join(parts...)
}

// ListFiles lists all files under folder recursively with absolute paths.
// Hidden files are skipped. A non-empty extension set filters the result;
// extensions are lowercase and dot-prefixed.
func ListFiles(folder string, exts map[string]bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if len(exts) > 0 && !exts[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		files = append(files, abs)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files in %s: %w", folder, err)
	}
	return files, nil
}

// FolderSize returns the total byte size of all files under a folder.
func FolderSize(folder string) int64 {
	var total int64
	filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// FolderIsInside reports whether folder is base or lives under it.
func FolderIsInside(base, folder string) bool {
	absBase, err1 := filepath.Abs(base)
	absFolder, err2 := filepath.Abs(folder)
	if err1 != nil || err2 != nil {
		return false
	}
	rel, err := filepath.Rel(absBase, absFolder)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// CommonFolder finds the deepest folder shared between the files.
func CommonFolder(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	if len(paths) == 1 {
		return filepath.Dir(paths[0])
	}

	common := strings.Split(filepath.Dir(paths[0]), string(filepath.Separator))
	for _, p := range paths[1:] {
		parts := strings.Split(filepath.Dir(p), string(filepath.Separator))
		i := 0
		for i < len(common) && i < len(parts) && common[i] == parts[i] {
			i++
		}
		common = common[:i]
	}
	return strings.Join(common, string(filepath.Separator))
}

// CreateFolder creates a folder and its parents.
func CreateFolder(folder string) error {
	return os.MkdirAll(folder, 0755)
}

// GenerateArchiveFolder returns the extraction folder for an archive file
// inside its volume folder.
func GenerateArchiveFolder(volumeFolder, archiveFile string) string {
	rel, err := filepath.Rel(volumeFolder, archiveFile)
	if err != nil {
		rel = filepath.Base(archiveFile)
	}
	flat := strings.ReplaceAll(rel, string(filepath.Separator), "_")
	flat = strings.TrimSuffix(flat, filepath.Ext(flat))
	return filepath.Join(volumeFolder, extract.ArchiveExtractPrefix+"_"+flat)
}

// RenameFile moves a file to a new path, creating target folders and
// falling back to a copy when a plain rename isn't possible. Permission and
// attribute errors that well-known network filesystems produce after a
// successful copy are tolerated.
func RenameFile(before, after string) error {
	if before == after {
		return nil
	}
	if FolderIsInside(before, after) {
		// Cannot move a folder into itself.
		return nil
	}

	logger := log.WithComponent("files")
	logger.Debug().
		Str("before", before).
		Str("after", after).
		Msg("Renaming file")

	if err := CreateFolder(filepath.Dir(after)); err != nil {
		return fmt.Errorf("failed to create target folder: %w", err)
	}

	err := os.Rename(before, after)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return fmt.Errorf("failed to rename %s: %w", before, err)
	}

	// Cross-device move: copy then delete.
	if err := copyFile(before, after); err != nil {
		return err
	}
	return os.Remove(before)
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	if err := os.Chmod(dst, info.Mode()); err != nil {
		// NFS mounts regularly refuse chmod and xattr updates after the
		// copy itself succeeded. Keep the copy.
		if errors.Is(err, syscall.EPERM) || errors.Is(err, ennotsup) {
			logger := log.WithComponent("files")
			logger.Debug().
				Str("path", dst).
				Msg("Ignoring permission error after copy")
			return nil
		}
		return err
	}
	return nil
}

// CopyDirectory copies a directory tree.
func CopyDirectory(source, target string) error {
	return filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(target, rel)
		if d.IsDir() {
			return CreateFolder(dst)
		}
		return copyFile(path, dst)
	})
}

// DeleteFileFolder deletes a file, or a folder recursively.
func DeleteFileFolder(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return os.RemoveAll(path)
	}
	return os.Remove(path)
}

// DeleteEmptyChildFolders deletes child folders of base that don't
// (indirectly) contain any files. Hidden folders are skipped when
// skipHidden is set. Idempotent.
func DeleteEmptyChildFolders(base string, skipHidden bool) error {
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if skipHidden && strings.HasPrefix(e.Name(), ".") {
			continue
		}
		sub := filepath.Join(base, e.Name())
		empty, err := folderIsEffectivelyEmpty(sub, skipHidden)
		if err != nil {
			return err
		}
		if empty {
			logger := log.WithComponent("files")
			logger.Debug().
				Str("folder", sub).
				Msg("Deleting empty folder")
			if err := os.RemoveAll(sub); err != nil {
				return err
			}
		} else if err := DeleteEmptyChildFolders(sub, skipHidden); err != nil {
			return err
		}
	}
	return nil
}

func folderIsEffectivelyEmpty(folder string, skipHidden bool) (bool, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.IsDir() {
			if skipHidden && strings.HasPrefix(e.Name(), ".") {
				return false, nil
			}
			empty, err := folderIsEffectivelyEmpty(filepath.Join(folder, e.Name()), skipHidden)
			if err != nil || !empty {
				return false, err
			}
		} else {
			return false, nil
		}
	}
	return true, nil
}

// DeleteEmptyParentFolders deletes empty parents starting at top until a
// folder with content or the root folder is reached.
func DeleteEmptyParentFolders(top, root string) error {
	if top == root {
		return nil
	}
	if !FolderIsInside(root, top) {
		logger := log.WithComponent("files")
		logger.Error().
			Str("folder", top).
			Str("root", root).
			Msg("Folder is not inside the root folder")
		return nil
	}

	if info, err := os.Stat(top); err == nil && !info.IsDir() {
		top = filepath.Dir(top)
	}

	parent := top
	child := ""
	for parent != "" {
		if info, err := os.Stat(parent); err == nil && info.IsDir() {
			if sameFolder(parent, root) {
				break
			}
			entries, err := os.ReadDir(parent)
			if err != nil {
				return err
			}
			if !onlyContains(entries, child) {
				break
			}
		}
		child = filepath.Base(parent)
		parent = filepath.Dir(parent)
	}

	if child != "" {
		doomed := filepath.Join(parent, child)
		logger := log.WithComponent("files")
		logger.Debug().
			Str("folder", doomed).
			Msg("Deleting empty parent folder")
		return DeleteFileFolder(doomed)
	}
	return nil
}

func onlyContains(entries []os.DirEntry, child string) bool {
	switch len(entries) {
	case 0:
		return true
	case 1:
		return child != "" && entries[0].Name() == child
	default:
		return false
	}
}

func sameFolder(a, b string) bool {
	absA, err1 := filepath.Abs(a)
	absB, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && absA == absB
}

// ProposeBasefolderChange maps each file onto the same relative path under
// a different base folder.
func ProposeBasefolderChange(paths []string, currentBase, desiredBase string) map[string]string {
	changes := make(map[string]string, len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(currentBase, p)
		if err != nil {
			rel = filepath.Base(p)
		}
		changes[p] = filepath.Join(desiredBase, rel)
	}
	return changes
}

// FileSize returns the byte size of a file, or zero when unreadable.
func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
