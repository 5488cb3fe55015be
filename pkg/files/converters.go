package files

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kapowarr/kapowarr/pkg/extract"
	"github.com/kapowarr/kapowarr/pkg/matching"
	"github.com/kapowarr/kapowarr/pkg/types"
)

// NewConverterRegistry builds the converter registry. Every (source,
// target) pair is registered exactly once; a duplicate registration is a
// programming error and surfaces at startup.
func NewConverterRegistry() (*ConverterRegistry, error) {
	r := &ConverterRegistry{converters: map[string]map[string]Converter{}}

	registrations := []struct {
		source, target string
		conv           Converter
	}{
		{"zip", "cbz", renameConverter("cbz")},
		{"zip", "rar", zipToRar},
		{"zip", "cbr", zipToCbr},
		{"zip", FolderFormat, zipToFolder},

		{"cbz", "zip", renameConverter("zip")},
		{"cbz", "rar", zipToRar},
		{"cbz", "cbr", zipToCbr},
		{"cbz", FolderFormat, zipToFolder},

		{"rar", "cbr", renameConverter("cbr")},
		{"rar", "zip", rarToZip},
		{"rar", "cbz", rarToCbz},
		{"rar", FolderFormat, rarToFolder},

		{"cbr", "rar", renameConverter("rar")},
		{"cbr", "zip", rarToZip},
		{"cbr", "cbz", rarToCbz},
		{"cbr", FolderFormat, rarToFolder},
	}
	for _, reg := range registrations {
		if err := r.Register(reg.source, reg.target, reg.conv); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// renameConverter converts between compatible archive formats by renaming.
func renameConverter(targetExt string) Converter {
	return func(_ context.Context, _ *Pipeline, path string) ([]string, error) {
		target := replaceExt(path, targetExt)
		if err := RenameFile(path, target); err != nil {
			return nil, err
		}
		return []string{target}, nil
	}
}

func replaceExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + "." + ext
}

// rarBinary locates the external rar tool, if installed.
func rarBinary() string {
	for _, name := range []string{"rar", "unrar"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

func runRar(ctx context.Context, args ...string) error {
	bin := rarBinary()
	if bin == "" {
		return fmt.Errorf("rar binary not available")
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("rar failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// archiveFolderFor resolves the volume and extraction folder of a file. A
// file that isn't matched to a volume can't be converted in place.
func archiveFolderFor(ctx context.Context, p *Pipeline, path string) (volumeID int64, volumeFolder, archiveFolder string, ok bool, err error) {
	id, err := p.store.VolumeOfFile(ctx, path)
	if err != nil || id == nil {
		return 0, "", "", false, err
	}
	volume, err := p.store.GetVolume(ctx, *id)
	if err != nil {
		return 0, "", "", false, err
	}
	return *id, volume.Folder, GenerateArchiveFolder(volume.Folder, path), true, nil
}

func extractZip(src, targetFolder string) error {
	reader, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", src, err)
	}
	defer reader.Close()

	for _, entry := range reader.File {
		// Entry paths are untrusted; keep them inside the target.
		dst := filepath.Join(targetFolder, filepath.Clean("/"+entry.Name))
		if entry.FileInfo().IsDir() {
			if err := CreateFolder(dst); err != nil {
				return err
			}
			continue
		}
		if err := CreateFolder(filepath.Dir(dst)); err != nil {
			return err
		}
		in, err := entry.Open()
		if err != nil {
			return err
		}
		out, err := os.Create(dst)
		if err != nil {
			in.Close()
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			in.Close()
			return fmt.Errorf("failed to extract %s: %w", entry.Name, err)
		}
		out.Close()
		in.Close()
	}
	return nil
}

func createZipArchive(sourceFolder, target string) error {
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()

	writer := zip.NewWriter(out)
	defer writer.Close()

	files, err := ListFiles(sourceFolder, nil)
	if err != nil {
		return err
	}
	for _, file := range files {
		rel, err := filepath.Rel(sourceFolder, file)
		if err != nil {
			rel = filepath.Base(file)
		}
		entry, err := writer.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		in, err := os.Open(file)
		if err != nil {
			return err
		}
		if _, err := io.Copy(entry, in); err != nil {
			in.Close()
			return err
		}
		in.Close()
	}
	return nil
}

func zipToRar(ctx context.Context, p *Pipeline, path string) ([]string, error) {
	if rarBinary() == "" {
		// External tooling unavailable; keep the original file.
		return []string{path}, nil
	}

	_, volumeFolder, archiveFolder, ok, err := archiveFolderFor(ctx, p, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{path}, nil
	}

	if err := extractZip(path, archiveFolder); err != nil {
		return nil, err
	}

	target := replaceExt(path, "rar")
	if err := runRar(ctx, "a", "-ep", "-inul",
		strings.TrimSuffix(target, ".rar"), archiveFolder); err != nil {
		DeleteFileFolder(archiveFolder)
		return nil, err
	}

	DeleteFileFolder(archiveFolder)
	DeleteFileFolder(path)
	DeleteEmptyParentFolders(filepath.Dir(path), volumeFolder)
	return []string{target}, nil
}

func zipToCbr(ctx context.Context, p *Pipeline, path string) ([]string, error) {
	results, err := zipToRar(ctx, p, path)
	if err != nil {
		return nil, err
	}
	if len(results) == 1 && results[0] == path {
		return results, nil
	}
	return renameConverter("cbr")(ctx, p, results[0])
}

func rarToZip(ctx context.Context, p *Pipeline, path string) ([]string, error) {
	if rarBinary() == "" {
		return []string{path}, nil
	}

	_, volumeFolder, archiveFolder, ok, err := archiveFolderFor(ctx, p, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{path}, nil
	}

	if err := CreateFolder(archiveFolder); err != nil {
		return nil, err
	}
	if err := runRar(ctx, "x", "-inul", path, archiveFolder); err != nil {
		DeleteFileFolder(archiveFolder)
		return nil, err
	}

	target := replaceExt(path, "zip")
	if err := createZipArchive(archiveFolder, target); err != nil {
		DeleteFileFolder(archiveFolder)
		return nil, err
	}

	DeleteFileFolder(archiveFolder)
	DeleteFileFolder(path)
	DeleteEmptyParentFolders(filepath.Dir(path), volumeFolder)
	return []string{target}, nil
}

func rarToCbz(ctx context.Context, p *Pipeline, path string) ([]string, error) {
	results, err := rarToZip(ctx, p, path)
	if err != nil {
		return nil, err
	}
	if len(results) == 1 && results[0] == path {
		return results, nil
	}
	return renameConverter("cbz")(ctx, p, results[0])
}

func zipToFolder(ctx context.Context, p *Pipeline, path string) ([]string, error) {
	volumeID, volumeFolder, archiveFolder, ok, err := archiveFolderFor(ctx, p, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{path}, nil
	}

	if err := extractZip(path, archiveFolder); err != nil {
		return nil, err
	}
	return finishFolderExtraction(ctx, p, path, volumeID, volumeFolder, archiveFolder)
}

func rarToFolder(ctx context.Context, p *Pipeline, path string) ([]string, error) {
	if rarBinary() == "" {
		return []string{path}, nil
	}

	volumeID, volumeFolder, archiveFolder, ok, err := archiveFolderFor(ctx, p, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{path}, nil
	}

	if err := CreateFolder(archiveFolder); err != nil {
		return nil, err
	}
	if err := runRar(ctx, "x", "-inul", path, archiveFolder); err != nil {
		DeleteFileFolder(archiveFolder)
		return nil, err
	}
	return finishFolderExtraction(ctx, p, path, volumeID, volumeFolder, archiveFolder)
}

// finishFolderExtraction moves the relevant extracted files into the volume
// folder, binds and renames them, converts them onwards if needed, and
// removes the source archive and extraction folder.
func finishFolderExtraction(ctx context.Context, p *Pipeline, source string, volumeID int64, volumeFolder, archiveFolder string) ([]string, error) {
	var sourceInfo *types.File
	if file, err := p.store.GetFileByPath(ctx, source); err == nil {
		sourceInfo = &file
	}

	extracted, err := p.extractFilesFromFolder(ctx, archiveFolder, volumeID, volumeFolder)
	if err != nil {
		DeleteFileFolder(archiveFolder)
		return nil, err
	}

	results := extracted
	if len(extracted) > 0 {
		if err := p.AddFilesToVolume(ctx, volumeID, extracted, sourceInfo); err != nil {
			return nil, err
		}
		if renamed, err := p.MassRename(ctx, volumeID, extracted); err == nil && len(renamed) > 0 {
			results = renamed
		}
		if converted, err := p.convertExtractedFiles(ctx, results); err == nil {
			results = converted
		}
	}

	DeleteFileFolder(source)
	DeleteEmptyParentFolders(filepath.Dir(source), volumeFolder)
	return results, nil
}

// extractFilesFromFolder moves files out of the extraction folder into the
// volume folder, but only those that match the volume; the rest is deleted
// with the folder. When nothing matches, all media files are kept.
func (p *Pipeline) extractFilesFromFolder(ctx context.Context, sourceFolder string, volumeID int64, volumeFolder string) ([]string, error) {
	contents, err := ListFiles(sourceFolder, ScannableExtensions)
	if err != nil {
		return nil, err
	}

	volume, err := p.store.GetVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	issues, err := p.store.IssuesForVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	endYear, err := p.store.EndingYear(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	if endYear == nil {
		endYear = volume.Year
	}

	var relevant []string
	for _, file := range contents {
		fd := extract.FilenameData(file, extract.Options{})
		if matching.FolderExtractionFilter(fd, volume, issues, endYear) {
			relevant = append(relevant, file)
		}
	}
	if len(relevant) == 0 {
		p.logger.Warn().Msg("No relevant files found in folder, keeping all media files")
		relevant = contents
	}

	var results []string
	for _, file := range relevant {
		ext := strings.ToLower(filepath.Ext(file))
		parent := filepath.Base(filepath.Dir(file))
		var dest string
		if ImageExtensions[ext] && !strings.HasPrefix(parent, extract.ArchiveExtractPrefix) {
			// Page and cover images keep their per-issue sub-folder.
			dest = filepath.Join(volumeFolder, parent, filepath.Base(file))
		} else {
			dest = filepath.Join(volumeFolder, filepath.Base(file))
		}
		if err := RenameFile(file, dest); err != nil {
			return nil, err
		}
		results = append(results, dest)
	}

	if err := DeleteFileFolder(sourceFolder); err != nil {
		return nil, err
	}
	return results, nil
}
