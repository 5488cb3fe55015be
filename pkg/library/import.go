package library

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kapowarr/kapowarr/pkg/errs"
	"github.com/kapowarr/kapowarr/pkg/extract"
	"github.com/kapowarr/kapowarr/pkg/files"
	"github.com/kapowarr/kapowarr/pkg/matching"
	"github.com/kapowarr/kapowarr/pkg/types"
)

// ImportProposal pairs an unimported file with its best catalog match.
type ImportProposal struct {
	Filepath    string `json:"filepath"`
	FileTitle   string `json:"file_title"`
	GroupNumber int    `json:"group_number"`
	CVID        *int64 `json:"cv_id"`
	CVTitle     string `json:"cv_title"`
	IssueCount  int    `json:"issue_count"`
	Link        string `json:"link"`
}

// ProposeImportOptions filter a library-import proposal run.
type ProposeImportOptions struct {
	IncludedFolders   []string
	ExcludedFolders   []string
	Limit             int
	LimitParentFolder bool
	OnlyEnglish       bool
}

// ProposeImport lists unimported files under the root folders and suggests
// a catalog volume for each group of related files. Files are grouped by
// everything extracted from the name except the issue number; one catalog
// search runs per distinct series title, not per file.
func (s *Service) ProposeImport(ctx context.Context, opts ProposeImportOptions) ([]ImportProposal, error) {
	s.logger.Info().Msg("Loading library import")

	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	rootFolders, err := s.store.ListRootFolders(ctx)
	if err != nil {
		return nil, err
	}

	scanFolders := make([]string, 0, len(rootFolders))
	if len(opts.IncludedFolders) > 0 {
		for _, f := range opts.IncludedFolders {
			abs, err := filepath.Abs(f)
			if err != nil {
				return nil, errs.InvalidKeyValue("included_folders", f)
			}
			inside := false
			for _, rf := range rootFolders {
				if files.FolderIsInside(rf.Folder, abs) {
					inside = true
					break
				}
			}
			if !inside {
				return nil, errs.InvalidKeyValue("included_folders", f)
			}
			scanFolders = append(scanFolders, abs)
		}
	} else {
		for _, rf := range rootFolders {
			scanFolders = append(scanFolders, rf.Folder)
		}
	}

	excluded := map[string]bool{}
	for _, f := range opts.ExcludedFolders {
		listed, err := files.ListFiles(f, files.ContentExtensions)
		if err != nil {
			return nil, errs.InvalidKeyValue("excluded_folders", f)
		}
		for _, path := range listed {
			excluded[path] = true
		}
	}

	imported := map[string]bool{}
	allKnown, err := s.store.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range allKnown {
		imported[f.Filepath] = true
	}

	rootSet := map[string]bool{}
	for _, rf := range rootFolders {
		rootSet[rf.Folder] = true
	}

	// Collect unimported files, limited by distinct folder count.
	type fileEntry struct {
		path string
		data types.FilenameData
	}
	var entries []fileEntry
	folders := map[string]bool{}
	imageFolders := map[string]bool{}

	for _, folder := range scanFolders {
		contents, err := files.ListFiles(folder, files.ContentExtensions)
		if err != nil {
			return nil, errs.InvalidKeyValue("included_folders", folder)
		}
		for _, path := range contents {
			if imported[path] || excluded[path] {
				continue
			}
			dir := filepath.Dir(path)
			if rootSet[dir] {
				// Files directly in a root folder can't be imported.
				continue
			}

			fd := extract.FilenameData(path, extract.Options{PreferFolderYear: true})

			effectivePath := path
			if files.ImageExtensions[strings.ToLower(filepath.Ext(path))] &&
				fd.SpecialVersion != types.SVCover {
				// A folder of page images imports as one unit.
				if imageFolders[dir] {
					continue
				}
				imageFolders[dir] = true
				effectivePath = dir
				dir = filepath.Dir(dir)
			}

			limitFolder := dir
			if opts.LimitParentFolder {
				limitFolder = filepath.Dir(dir)
			}
			folders[limitFolder] = true
			if len(folders) > opts.Limit {
				break
			}

			entries = append(entries, fileEntry{path: effectivePath, data: fd})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return filepath.Base(entries[i].path) < filepath.Base(entries[j].path)
	})

	// Group by everything except the issue number.
	groupNumbers := map[types.GroupKey]int{}
	groups := map[int][]fileEntry{}
	for _, e := range entries {
		key := e.data.Key()
		n, ok := groupNumbers[key]
		if !ok {
			n = len(groupNumbers) + 1
			groupNumbers[key] = n
		}
		groups[n] = append(groups[n], e)
	}

	// One catalog search per distinct series title.
	titleResults := map[string][]types.VolumeMetadata{}
	for _, group := range groups {
		title := strings.ToLower(group[0].data.Series)
		if _, ok := titleResults[title]; ok {
			continue
		}
		results, err := s.catalog.SearchVolumes(ctx, group[0].data.Series)
		if err != nil {
			if e, ok := errs.AsError(err); ok && e.Kind == errs.ErrCVRateLimitReached.Kind {
				titleResults[title] = nil
				continue
			}
			return nil, err
		}
		filtered := results[:0]
		for _, r := range results {
			if !matching.Title(title, r.Title, false) {
				continue
			}
			if opts.OnlyEnglish && r.Translated {
				continue
			}
			filtered = append(filtered, r)
		}
		titleResults[title] = filtered
	}

	var proposals []ImportProposal
	groupOrder := make([]int, 0, len(groups))
	for n := range groups {
		groupOrder = append(groupOrder, n)
	}
	sort.Ints(groupOrder)

	for _, n := range groupOrder {
		group := groups[n]
		title := strings.ToLower(group[0].data.Series)
		best := matching.SelectVolumeForGroup(group[0].data, titleResults[title])

		for _, e := range group {
			proposal := ImportProposal{
				Filepath:    e.path,
				FileTitle:   strings.TrimSuffix(filepath.Base(e.path), filepath.Ext(e.path)),
				GroupNumber: n,
			}
			if best != nil {
				proposal.CVID = &best.ComicvineID
				proposal.CVTitle = fmt.Sprintf("%s (%s)", best.Title, yearString(best.Year))
				proposal.IssueCount = best.IssueCount
				proposal.Link = best.SiteURL
			}
			proposals = append(proposals, proposal)
		}
	}
	return proposals, nil
}

func yearString(year *int) string {
	if year == nil {
		return "?"
	}
	return fmt.Sprintf("%d", *year)
}

// ImportMapping commits one file to a catalog volume.
type ImportMapping struct {
	CVID     int64  `json:"id"`
	Filepath string `json:"filepath"`
}

// ImportLibrary adds the chosen volumes to the library and attaches the
// files, optionally moving and renaming them into the volume folders.
func (s *Service) ImportLibrary(ctx context.Context, mappings []ImportMapping, renameFiles bool) error {
	s.logger.Info().Int("files", len(mappings)).Msg("Starting library import")

	cvToFiles := map[int64][]string{}
	for _, m := range mappings {
		cvToFiles[m.CVID] = append(cvToFiles[m.CVID], m.Filepath)
	}

	rootFolders, err := s.store.ListRootFolders(ctx)
	if err != nil {
		return err
	}

	for cvID, paths := range cvToFiles {
		var root *types.RootFolder
		for i := range rootFolders {
			if files.FolderIsInside(rootFolders[i].Folder, paths[0]) {
				root = &rootFolders[i]
				break
			}
		}
		if root == nil {
			continue
		}

		commonFolder := files.CommonFolder(paths)
		volumeFolder := ""
		if !renameFiles {
			volumeFolder = commonFolder
		}

		volumeID, err := s.AddVolume(ctx, AddVolumeOptions{
			ComicvineID:      cvID,
			RootFolderID:     root.ID,
			Monitored:        true,
			MonitorNewIssues: true,
			VolumeFolder:     volumeFolder,
		})
		if err != nil {
			if e, ok := errs.AsError(err); ok && e.Kind == errs.ErrVolumeAlreadyAdded.Kind {
				// Already added but the file didn't match it, so the
				// file isn't actually for that volume.
				continue
			}
			return err
		}

		if renameFiles {
			volume, err := s.store.GetVolume(ctx, volumeID)
			if err != nil {
				return err
			}
			changes := files.ProposeBasefolderChange(paths, commonFolder, volume.Folder)
			newPaths := make([]string, 0, len(changes))
			for old, updated := range changes {
				if old != updated {
					if err := files.RenameFile(old, updated); err != nil {
						return err
					}
					if err := files.DeleteEmptyParentFolders(filepath.Dir(old), root.Folder); err != nil {
						return err
					}
				}
				newPaths = append(newPaths, updated)
			}
			if err := s.pipeline.Scan(ctx, volumeID, files.ScanOptions{DeleteUnmatched: true, Emit: true}); err != nil {
				return err
			}
			if _, err := s.pipeline.MassRename(ctx, volumeID, newPaths); err != nil {
				return err
			}
		} else {
			if err := s.pipeline.AddFilesToVolume(ctx, volumeID, paths, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
