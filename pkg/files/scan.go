package files

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kapowarr/kapowarr/pkg/events"
	"github.com/kapowarr/kapowarr/pkg/extract"
	"github.com/kapowarr/kapowarr/pkg/matching"
	"github.com/kapowarr/kapowarr/pkg/store"
	"github.com/kapowarr/kapowarr/pkg/types"
)

// ScanOptions control a scan run.
type ScanOptions struct {
	// PathFilter restricts the scan to specific files, used when adding
	// freshly imported files to a volume.
	PathFilter []string
	// DeleteUnmatched removes file rows that lost every link (the orphan
	// sweep).
	DeleteUnmatched bool
	// Emit publishes downloaded-status changes on the event bus.
	Emit bool
	// ExtraInfo carries provenance (releaser, scan type, resolution, dpi)
	// applied to newly added file rows.
	ExtraInfo *types.File
}

// Scan walks the volume folder, matches files to issues and updates the
// bindings in the store. Transitions of an issue's binding count through
// zero are reported as downloaded-status changes.
func (p *Pipeline) Scan(ctx context.Context, volumeID int64, opts ScanOptions) error {
	p.logger.Debug().Int64("volume_id", volumeID).Msg("Scanning for files")

	sv := p.settings.Get()
	volume, err := p.store.GetVolume(ctx, volumeID)
	if err != nil {
		return err
	}

	if info, err := os.Stat(volume.Folder); err != nil || !info.IsDir() {
		if !sv.CreateEmptyVolumeFolders {
			return nil
		}
		if err := CreateFolder(volume.Folder); err != nil {
			return fmt.Errorf("failed to create volume folder: %w", err)
		}
	}

	issues, err := p.store.IssuesForVolume(ctx, volumeID)
	if err != nil {
		return err
	}
	generalFiles, err := p.store.GeneralFiles(ctx, volumeID)
	if err != nil {
		return err
	}
	knownFiles, err := p.knownFileIDs(ctx, volumeID)
	if err != nil {
		return err
	}
	numberToYear := map[float64]*int{}
	for _, i := range issues {
		numberToYear[i.CalculatedIssueNumber] = i.Year()
	}

	pathFilter := map[string]bool{}
	for _, f := range opts.PathFilter {
		pathFilter[f] = true
	}

	folderContents, err := ListFiles(volume.Folder, ScannableExtensions)
	if err != nil {
		return err
	}

	var bindings []store.IssueFileBinding
	var generalBindings []store.GeneralFileBinding
	for _, file := range folderContents {
		if len(pathFilter) > 0 && !pathFilter[file] {
			continue
		}

		fd := extract.FilenameData(file, extract.Options{})
		if !matching.FileImportingFilter(fd, volume, issues, numberToYear) {
			continue
		}

		switch {
		case fd.SpecialVersion == types.SVCover && fd.IssueNumber == nil:
			fileID, err := p.ensureFile(ctx, file, knownFiles, opts.ExtraInfo)
			if err != nil {
				return err
			}
			generalBindings = append(generalBindings, store.GeneralFileBinding{
				FileID: fileID, FileType: types.FileTypeCover,
			})

		case fd.SpecialVersion == types.SVMetadata && fd.IssueNumber == nil:
			fileID, err := p.ensureFile(ctx, file, knownFiles, opts.ExtraInfo)
			if err != nil {
				return err
			}
			generalBindings = append(generalBindings, store.GeneralFileBinding{
				FileID: fileID, FileType: types.FileTypeMetadata,
			})

		case volume.SpecialVersion != types.SVVolumeAsIssue &&
			volume.SpecialVersion != types.SVNormal &&
			fd.SpecialVersion != types.SVNormal:
			// A special-version file binds to the volume's single issue.
			if len(issues) == 0 {
				continue
			}
			fileID, err := p.ensureFile(ctx, file, knownFiles, opts.ExtraInfo)
			if err != nil {
				return err
			}
			bindings = append(bindings, store.IssueFileBinding{
				FileID: fileID, IssueID: issues[0].ID,
			})

		case fd.IssueNumber != nil || volume.SpecialVersion == types.SVVolumeAsIssue:
			issueRange := fd.IssueNumber
			if volume.SpecialVersion == types.SVVolumeAsIssue && issueRange == nil {
				if fd.VolumeNumber == nil {
					continue
				}
				r := fd.VolumeNumber.Issues()
				issueRange = &r
			}
			if issueRange == nil {
				continue
			}

			matched, err := p.store.IssuesInRange(ctx, volumeID, *issueRange)
			if err != nil {
				return err
			}
			if len(matched) == 0 {
				continue
			}
			fileID, err := p.ensureFile(ctx, file, knownFiles, opts.ExtraInfo)
			if err != nil {
				return err
			}
			for _, issue := range matched {
				bindings = append(bindings, store.IssueFileBinding{
					FileID: fileID, IssueID: issue.ID,
				})
			}
		}
	}

	return p.applyBindings(ctx, volume, bindings, generalBindings, generalFiles, opts)
}

// knownFileIDs maps the paths of a volume's current files to their ids.
func (p *Pipeline) knownFileIDs(ctx context.Context, volumeID int64) (map[string]int64, error) {
	known := map[string]int64{}
	volumeFiles, err := p.store.FilesForVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	for _, f := range volumeFiles {
		known[f.Filepath] = f.ID
	}
	generalFiles, err := p.store.GeneralFiles(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	for _, f := range generalFiles {
		known[f.Filepath] = f.ID
	}
	return known, nil
}

func (p *Pipeline) ensureFile(ctx context.Context, path string, known map[string]int64, extra *types.File) (int64, error) {
	if id, ok := known[path]; ok {
		return id, nil
	}
	file := types.File{Filepath: path, Size: FileSize(path)}
	if extra != nil {
		file.Releaser = extra.Releaser
		file.ScanType = extra.ScanType
		file.Resolution = extra.Resolution
		file.DPI = extra.DPI
	}
	id, err := p.store.AddFile(ctx, file)
	if err != nil {
		return 0, err
	}
	known[path] = id
	return id, nil
}

// applyBindings diffs the computed bindings against the stored ones, applies
// the difference and reports issues whose downloaded state flipped.
func (p *Pipeline) applyBindings(
	ctx context.Context,
	volume types.Volume,
	bindings []store.IssueFileBinding,
	generalBindings []store.GeneralFileBinding,
	currentGeneral []types.GeneralFile,
	opts ScanOptions,
) error {
	sv := p.settings.Get()
	partial := len(opts.PathFilter) > 0

	current, err := p.store.IssueFileBindings(ctx, volume.ID)
	if err != nil {
		return err
	}

	currentSet := map[store.IssueFileBinding]bool{}
	for _, b := range current {
		currentSet[b] = true
	}
	newSet := map[store.IssueFileBinding]bool{}
	for _, b := range bindings {
		newSet[b] = true
	}

	var deleteBindings, addBindings []store.IssueFileBinding
	for _, b := range current {
		if !newSet[b] {
			deleteBindings = append(deleteBindings, b)
		}
	}
	for _, b := range bindings {
		if !currentSet[b] {
			addBindings = append(addBindings, b)
		}
	}

	// Binding accounting: transitions through zero flip the issue's
	// downloaded state.
	bindingCount := map[int64]int{}
	for _, b := range current {
		bindingCount[b.IssueID]++
	}
	var newlyDownloaded []int64
	for _, b := range addBindings {
		if bindingCount[b.IssueID] == 0 {
			newlyDownloaded = append(newlyDownloaded, b.IssueID)
		}
		bindingCount[b.IssueID]++
	}
	var noLongerDownloaded []int64
	for _, b := range deleteBindings {
		bindingCount[b.IssueID]--
		if bindingCount[b.IssueID] == 0 {
			noLongerDownloaded = append(noLongerDownloaded, b.IssueID)
		}
	}

	if partial {
		// A filtered scan only ever adds.
		deleteBindings = nil
		noLongerDownloaded = nil
	}

	var unmonitor []int64
	if sv.UnmonitorDeletedIssues {
		unmonitor = noLongerDownloaded
	}
	if err := p.store.ApplyBindingDiff(ctx, deleteBindings, addBindings, unmonitor); err != nil {
		return err
	}

	if opts.Emit && (len(newlyDownloaded) > 0 || len(noLongerDownloaded) > 0) {
		p.events.Publish(events.EventDownloadedStatus, events.DownloadedStatusData{
			VolumeID:   volume.ID,
			Downloaded: newlyDownloaded,
			Removed:    noLongerDownloaded,
		})
	}

	// General (volume-level) file bindings.
	newGeneral := map[int64]bool{}
	for _, b := range generalBindings {
		newGeneral[b.FileID] = true
	}
	var deleteGeneral []int64
	if !partial {
		for _, gf := range currentGeneral {
			if !newGeneral[gf.ID] {
				deleteGeneral = append(deleteGeneral, gf.ID)
			}
		}
	}
	if err := p.store.ApplyGeneralBindingDiff(ctx, volume.ID, deleteGeneral, generalBindings); err != nil {
		return err
	}

	if opts.DeleteUnmatched {
		if err := p.store.DeleteUnmatchedFiles(ctx); err != nil {
			return err
		}
	}

	// Refresh sizes of bound files that changed on disk.
	seen := map[int64]bool{}
	for _, b := range bindings {
		if seen[b.FileID] {
			continue
		}
		seen[b.FileID] = true
		file, err := p.store.GetFile(ctx, b.FileID)
		if err != nil {
			continue
		}
		if size := FileSize(file.Filepath); size != file.Size {
			if err := p.store.UpdateFileSize(ctx, file.ID, size); err != nil {
				return err
			}
		}
	}

	if sv.DeleteEmptyFolders {
		if err := DeleteEmptyChildFolders(volume.Folder, true); err != nil {
			return err
		}
		remaining, err := ListFiles(volume.Folder, nil)
		if err == nil && len(remaining) == 0 && !sv.CreateEmptyVolumeFolders {
			if root, err := p.store.GetRootFolder(ctx, volume.RootFolderID); err == nil {
				if err := DeleteEmptyParentFolders(volume.Folder, root.Folder); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// AddFilesToVolume runs a filtered scan for freshly produced files, binding
// them to the volume's issues.
func (p *Pipeline) AddFilesToVolume(ctx context.Context, volumeID int64, paths []string, extra *types.File) error {
	abs := make([]string, 0, len(paths))
	for _, f := range paths {
		a, err := filepath.Abs(f)
		if err != nil {
			a = f
		}
		abs = append(abs, a)
	}
	return p.Scan(ctx, volumeID, ScanOptions{
		PathFilter:      abs,
		DeleteUnmatched: false,
		Emit:            true,
		ExtraInfo:       extra,
	})
}
