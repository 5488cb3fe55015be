// Package library manages the volume lifecycle: adding volumes from the
// catalog, refreshing their metadata, deleting them, and root-folder
// management.
package library

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kapowarr/kapowarr/pkg/errs"
	"github.com/kapowarr/kapowarr/pkg/events"
	"github.com/kapowarr/kapowarr/pkg/files"
	"github.com/kapowarr/kapowarr/pkg/log"
	"github.com/kapowarr/kapowarr/pkg/settings"
	"github.com/kapowarr/kapowarr/pkg/store"
	"github.com/kapowarr/kapowarr/pkg/types"
)

// CatalogClient is the slice of the catalog adapter the library consumes.
type CatalogClient interface {
	SearchVolumes(ctx context.Context, query string) ([]types.VolumeMetadata, error)
	FetchVolume(ctx context.Context, cvID int64) (types.VolumeMetadata, error)
	RemoveFromCache(endpoint string, id int64)
}

// DownloadChecker reports whether a volume has an active download, blocking
// its deletion.
type DownloadChecker interface {
	HasActiveDownload(volumeID int64) bool
}

// Service is the library manager.
type Service struct {
	store     *store.Store
	settings  *settings.Service
	events    *events.Broker
	catalog   CatalogClient
	pipeline  *files.Pipeline
	downloads DownloadChecker
	logger    zerolog.Logger
}

// NewService creates the library service. The download checker is attached
// later because the download orchestrator is constructed after the library.
func NewService(st *store.Store, sv *settings.Service, eb *events.Broker, cat CatalogClient, fp *files.Pipeline) *Service {
	return &Service{
		store:    st,
		settings: sv,
		events:   eb,
		catalog:  cat,
		pipeline: fp,
		logger:   log.WithComponent("library"),
	}
}

// SetDownloadChecker attaches the active-download check used by DeleteVolume.
func (s *Service) SetDownloadChecker(dc DownloadChecker) {
	s.downloads = dc
}

// AddVolumeOptions control how a volume is added.
type AddVolumeOptions struct {
	ComicvineID      int64
	RootFolderID     int64
	Monitored        bool
	MonitorNewIssues bool
	// VolumeFolder overrides the generated folder path, relative or
	// absolute. Empty means derive from the naming format.
	VolumeFolder string
	SpecialVersion       types.SpecialVersion
	SpecialVersionLocked bool
}

// AddVolume fetches the volume from the catalog and creates it with its
// issues.
func (s *Service) AddVolume(ctx context.Context, opts AddVolumeOptions) (int64, error) {
	root, err := s.store.GetRootFolder(ctx, opts.RootFolderID)
	if err != nil {
		return 0, err
	}

	existing, err := s.store.GetVolumeByComicvineID(ctx, opts.ComicvineID)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return 0, errs.ErrVolumeAlreadyAdded
	}

	meta, err := s.catalog.FetchVolume(ctx, opts.ComicvineID)
	if err != nil {
		return 0, err
	}

	volume := types.Volume{
		ComicvineID:          meta.ComicvineID,
		Title:                meta.Title,
		Year:                 meta.Year,
		Publisher:            meta.Publisher,
		VolumeNumber:         meta.VolumeNumber,
		Description:          meta.Description,
		SiteURL:              meta.SiteURL,
		Monitored:            opts.Monitored,
		MonitorNewIssues:     opts.MonitorNewIssues,
		RootFolderID:         root.ID,
		SpecialVersion:       opts.SpecialVersion,
		SpecialVersionLocked: opts.SpecialVersionLocked,
		LastCatalogFetch:     time.Now(),
	}
	if len(meta.Aliases) > 0 {
		volume.AltTitle = meta.Aliases[0]
	}
	if !opts.SpecialVersionLocked {
		volume.SpecialVersion = determineSpecialVersion(meta)
	}

	if opts.VolumeFolder != "" {
		volume.CustomFolder = true
		if filepath.IsAbs(opts.VolumeFolder) {
			volume.Folder = opts.VolumeFolder
		} else {
			volume.Folder = filepath.Join(root.Folder, opts.VolumeFolder)
		}
	} else {
		sv := s.settings.Get()
		volume.Folder = filepath.Join(root.Folder,
			files.GenerateVolumeFolderName(sv.VolumeFolderNaming, volume))
	}

	volumeID, err := s.store.AddVolume(ctx, volume)
	if err != nil {
		return 0, err
	}
	volume.ID = volumeID

	issues := make([]types.Issue, 0, len(meta.Issues))
	for _, im := range meta.Issues {
		issues = append(issues, types.Issue{
			VolumeID:              volumeID,
			ComicvineID:           im.ComicvineID,
			IssueNumber:           im.IssueNumber,
			CalculatedIssueNumber: im.CalculatedIssueNumber,
			Title:                 im.Title,
			Date:                  im.Date,
		})
	}
	if err := s.store.UpsertIssues(ctx, volumeID, issues, opts.Monitored); err != nil {
		return 0, err
	}
	if len(meta.Cover) > 0 {
		if err := s.store.SetVolumeCover(ctx, volumeID, meta.Cover); err != nil {
			return 0, err
		}
	}

	s.logger.Info().
		Int64("volume_id", volumeID).
		Str("title", volume.Title).
		Msg("Added volume to library")
	s.events.Publish(events.EventVolumeUpdated, events.VolumeData{VolumeID: volumeID})

	return volumeID, nil
}

// determineSpecialVersion derives a special version from catalog metadata.
func determineSpecialVersion(meta types.VolumeMetadata) types.SpecialVersion {
	title := strings.ToLower(meta.Title)
	if strings.Contains(title, "omnibus") {
		return types.SVOmnibus
	}
	if meta.IssueCount == 1 {
		if strings.Contains(title, "hard-cover") || strings.Contains(title, "hardcover") {
			return types.SVHardCover
		}
		return types.SVOneShot
	}
	return types.SVNormal
}

// RefreshVolume refetches volume and issue metadata from the catalog and
// rescans the files.
func (s *Service) RefreshVolume(ctx context.Context, volumeID int64) error {
	volume, err := s.store.GetVolume(ctx, volumeID)
	if err != nil {
		return err
	}

	s.catalog.RemoveFromCache("volume", volume.ComicvineID)
	meta, err := s.catalog.FetchVolume(ctx, volume.ComicvineID)
	if err != nil {
		return err
	}

	volume.Title = meta.Title
	volume.Year = meta.Year
	volume.Publisher = meta.Publisher
	volume.Description = meta.Description
	volume.SiteURL = meta.SiteURL
	volume.LastCatalogFetch = time.Now()
	if len(meta.Aliases) > 0 && volume.AltTitle == "" {
		volume.AltTitle = meta.Aliases[0]
	}
	if !volume.SpecialVersionLocked {
		volume.SpecialVersion = determineSpecialVersion(meta)
	}
	if err := s.store.UpdateVolume(ctx, volume); err != nil {
		return err
	}

	issues := make([]types.Issue, 0, len(meta.Issues))
	for _, im := range meta.Issues {
		issues = append(issues, types.Issue{
			VolumeID:              volumeID,
			ComicvineID:           im.ComicvineID,
			IssueNumber:           im.IssueNumber,
			CalculatedIssueNumber: im.CalculatedIssueNumber,
			Title:                 im.Title,
			Date:                  im.Date,
		})
	}
	if err := s.store.UpsertIssues(ctx, volumeID, issues, volume.MonitorNewIssues); err != nil {
		return err
	}
	if len(meta.Cover) > 0 {
		if err := s.store.SetVolumeCover(ctx, volumeID, meta.Cover); err != nil {
			return err
		}
	}

	s.events.Publish(events.EventVolumeUpdated, events.VolumeData{VolumeID: volumeID})
	return s.pipeline.Scan(ctx, volumeID, files.ScanOptions{DeleteUnmatched: true, Emit: true})
}

// DeleteVolumeOptions control volume deletion.
type DeleteVolumeOptions struct {
	DeleteFolder bool
}

// DeleteVolume removes a volume. Fails while an active download references
// it.
func (s *Service) DeleteVolume(ctx context.Context, volumeID int64, opts DeleteVolumeOptions) error {
	volume, err := s.store.GetVolume(ctx, volumeID)
	if err != nil {
		return err
	}

	if s.downloads != nil && s.downloads.HasActiveDownload(volumeID) {
		return errs.VolumeDownloadedFor(volumeID)
	}

	if opts.DeleteFolder {
		if err := files.DeleteFileFolder(volume.Folder); err != nil {
			return fmt.Errorf("failed to delete volume folder: %w", err)
		}
	}

	if err := s.store.DeleteLinkedFiles(ctx, volumeID); err != nil {
		return err
	}
	if err := s.store.DeleteVolume(ctx, volumeID); err != nil {
		return err
	}

	s.logger.Info().Int64("volume_id", volumeID).Msg("Deleted volume")
	s.events.Publish(events.EventVolumeDeleted, events.VolumeData{VolumeID: volumeID})
	return nil
}

// ChangeVolumeFolder moves a volume to a new folder and renames all owned
// files into it.
func (s *Service) ChangeVolumeFolder(ctx context.Context, volumeID int64, newFolder string) error {
	volume, err := s.store.GetVolume(ctx, volumeID)
	if err != nil {
		return err
	}
	root, err := s.store.GetRootFolder(ctx, volume.RootFolderID)
	if err != nil {
		return err
	}

	if newFolder == "" {
		sv := s.settings.Get()
		volume.CustomFolder = false
		volume.Folder = filepath.Join(root.Folder,
			files.GenerateVolumeFolderName(sv.VolumeFolderNaming, volume))
	} else {
		volume.CustomFolder = true
		if filepath.IsAbs(newFolder) {
			volume.Folder = newFolder
		} else {
			volume.Folder = filepath.Join(root.Folder, newFolder)
		}
	}

	if err := s.store.UpdateVolume(ctx, volume); err != nil {
		return err
	}
	if _, err := s.pipeline.MassRename(ctx, volumeID, nil); err != nil {
		return err
	}

	s.events.Publish(events.EventVolumeUpdated, events.VolumeData{VolumeID: volumeID})
	return nil
}

// AddRootFolder validates and registers a root folder. No root may be a
// prefix of another root or of the download scratch folder.
func (s *Service) AddRootFolder(ctx context.Context, folder string) (types.RootFolder, error) {
	abs, err := filepath.Abs(folder)
	if err != nil {
		return types.RootFolder{}, errs.ErrRootFolderInvalid
	}

	existing, err := s.store.ListRootFolders(ctx)
	if err != nil {
		return types.RootFolder{}, err
	}
	for _, rf := range existing {
		if files.FolderIsInside(rf.Folder, abs) || files.FolderIsInside(abs, rf.Folder) {
			return types.RootFolder{}, errs.ErrRootFolderInvalid
		}
	}

	scratch := s.settings.Get().DownloadFolder
	if scratch != "" {
		if files.FolderIsInside(scratch, abs) || files.FolderIsInside(abs, scratch) {
			return types.RootFolder{}, errs.ErrRootFolderInvalid
		}
	}

	if err := files.CreateFolder(abs); err != nil {
		return types.RootFolder{}, errs.ErrFolderNotFound
	}

	size := diskUsage(abs)
	id, err := s.store.AddRootFolder(ctx, abs, size)
	if err != nil {
		return types.RootFolder{}, err
	}
	return types.RootFolder{ID: id, Folder: abs, Size: size}, nil
}

// DeleteRootFolder removes an unused root folder.
func (s *Service) DeleteRootFolder(ctx context.Context, id int64) error {
	return s.store.DeleteRootFolder(ctx, id)
}

func diskUsage(folder string) int64 {
	if _, err := os.Stat(folder); err != nil {
		return 0
	}
	return files.FolderSize(folder)
}

// SearchCatalog searches the catalog and marks volumes already in the
// library.
func (s *Service) SearchCatalog(ctx context.Context, query string) ([]types.VolumeMetadata, error) {
	results, err := s.catalog.SearchVolumes(ctx, query)
	if err != nil {
		return nil, err
	}
	for i := range results {
		existing, err := s.store.GetVolumeByComicvineID(ctx, results[i].ComicvineID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			results[i].AlreadyAdded = &existing.ID
		}
	}
	return results, nil
}
