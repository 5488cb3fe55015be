package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kapowarr/kapowarr/pkg/errs"
	"github.com/kapowarr/kapowarr/pkg/types"
)

const volumeColumns = `id, comicvine_id, title, alt_title, year, publisher,
	volume_number, description, site_url, monitored, monitor_new_issues,
	root_folder, folder, custom_folder, special_version,
	special_version_locked, last_catalog_fetch`

func scanVolume(row interface{ Scan(...any) error }) (types.Volume, error) {
	var v types.Volume
	var year sql.NullInt64
	var lastFetch int64
	err := row.Scan(&v.ID, &v.ComicvineID, &v.Title, &v.AltTitle, &year,
		&v.Publisher, &v.VolumeNumber, &v.Description, &v.SiteURL,
		&v.Monitored, &v.MonitorNewIssues, &v.RootFolderID, &v.Folder,
		&v.CustomFolder, &v.SpecialVersion, &v.SpecialVersionLocked, &lastFetch)
	if err != nil {
		return v, err
	}
	if year.Valid {
		y := int(year.Int64)
		v.Year = &y
	}
	if lastFetch > 0 {
		v.LastCatalogFetch = time.Unix(lastFetch, 0)
	}
	return v, nil
}

// GetVolume returns a volume by id.
func (s *Store) GetVolume(ctx context.Context, id int64) (types.Volume, error) {
	v, err := scanVolume(s.db.QueryRowContext(ctx,
		"SELECT "+volumeColumns+" FROM volumes WHERE id = ?;", id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Volume{}, errs.ErrVolumeNotFound
	}
	return v, err
}

// GetVolumeByComicvineID returns the volume with the catalog id, if added.
func (s *Store) GetVolumeByComicvineID(ctx context.Context, cvID int64) (*types.Volume, error) {
	v, err := scanVolume(s.db.QueryRowContext(ctx,
		"SELECT "+volumeColumns+" FROM volumes WHERE comicvine_id = ?;", cvID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVolumes returns all volumes, ordered by title.
func (s *Store) ListVolumes(ctx context.Context) ([]types.Volume, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+volumeColumns+" FROM volumes ORDER BY title, year;")
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}
	defer rows.Close()

	var volumes []types.Volume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, err
		}
		volumes = append(volumes, v)
	}
	return volumes, rows.Err()
}

// VolumesUsingRootFolder reports how many volumes live under a root folder.
func (s *Store) VolumesUsingRootFolder(ctx context.Context, rootFolderID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM volumes WHERE root_folder = ?;", rootFolderID).Scan(&n)
	return n, err
}

// AddVolume inserts a volume and returns its id. Fails with
// VolumeAlreadyAdded when the catalog id is already present.
func (s *Store) AddVolume(ctx context.Context, v types.Volume) (int64, error) {
	existing, err := s.GetVolumeByComicvineID(ctx, v.ComicvineID)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return 0, errs.ErrVolumeAlreadyAdded
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO volumes (comicvine_id, title, alt_title, year, publisher,
			volume_number, description, site_url, monitored,
			monitor_new_issues, root_folder, folder, custom_folder,
			special_version, special_version_locked, last_catalog_fetch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		v.ComicvineID, v.Title, v.AltTitle, nullYear(v.Year), v.Publisher,
		v.VolumeNumber, v.Description, v.SiteURL, v.Monitored,
		v.MonitorNewIssues, v.RootFolderID, v.Folder, v.CustomFolder,
		v.SpecialVersion, v.SpecialVersionLocked, v.LastCatalogFetch.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to add volume: %w", err)
	}
	return res.LastInsertId()
}

// UpdateVolume rewrites a volume row.
func (s *Store) UpdateVolume(ctx context.Context, v types.Volume) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE volumes SET title = ?, alt_title = ?, year = ?, publisher = ?,
			volume_number = ?, description = ?, site_url = ?, monitored = ?,
			monitor_new_issues = ?, root_folder = ?, folder = ?,
			custom_folder = ?, special_version = ?,
			special_version_locked = ?, last_catalog_fetch = ?
		WHERE id = ?;`,
		v.Title, v.AltTitle, nullYear(v.Year), v.Publisher, v.VolumeNumber,
		v.Description, v.SiteURL, v.Monitored, v.MonitorNewIssues,
		v.RootFolderID, v.Folder, v.CustomFolder, v.SpecialVersion,
		v.SpecialVersionLocked, v.LastCatalogFetch.Unix(), v.ID)
	return err
}

// SetVolumeCover stores the cover image of a volume.
func (s *Store) SetVolumeCover(ctx context.Context, volumeID int64, cover []byte) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE volumes SET cover = ? WHERE id = ?;", cover, volumeID)
	return err
}

// GetVolumeCover returns the stored cover image of a volume.
func (s *Store) GetVolumeCover(ctx context.Context, volumeID int64) ([]byte, error) {
	var cover []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT cover FROM volumes WHERE id = ?;", volumeID).Scan(&cover)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrVolumeNotFound
	}
	return cover, err
}

// DeleteVolume removes a volume; issues cascade.
func (s *Store) DeleteVolume(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM volumes WHERE id = ?;", id)
	return err
}

const issueColumns = `id, volume_id, comicvine_id, issue_number,
	calculated_issue_number, title, date, monitored`

func scanIssue(row interface{ Scan(...any) error }) (types.Issue, error) {
	var i types.Issue
	err := row.Scan(&i.ID, &i.VolumeID, &i.ComicvineID, &i.IssueNumber,
		&i.CalculatedIssueNumber, &i.Title, &i.Date, &i.Monitored)
	return i, err
}

// GetIssue returns an issue by id.
func (s *Store) GetIssue(ctx context.Context, id int64) (types.Issue, error) {
	i, err := scanIssue(s.db.QueryRowContext(ctx,
		"SELECT "+issueColumns+" FROM issues WHERE id = ?;", id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Issue{}, errs.ErrIssueNotFound
	}
	return i, err
}

// IssuesForVolume returns the issues of a volume ordered by number.
func (s *Store) IssuesForVolume(ctx context.Context, volumeID int64) ([]types.Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+` FROM issues
		WHERE volume_id = ?
		ORDER BY calculated_issue_number;`, volumeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()
	return collectIssues(rows)
}

// IssuesInRange returns the issues of a volume whose calculated number falls
// in the inclusive range.
func (s *Store) IssuesInRange(ctx context.Context, volumeID int64, r types.IssueRange) ([]types.Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+` FROM issues
		WHERE volume_id = ? AND calculated_issue_number BETWEEN ? AND ?
		ORDER BY calculated_issue_number;`, volumeID, r.Start, r.End)
	if err != nil {
		return nil, fmt.Errorf("failed to query issue range: %w", err)
	}
	defer rows.Close()
	return collectIssues(rows)
}

// OpenIssues returns the monitored issues of a volume that have no file.
func (s *Store) OpenIssues(ctx context.Context, volumeID int64) ([]types.Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+` FROM issues i
		WHERE volume_id = ? AND monitored = 1 AND NOT EXISTS (
			SELECT 1 FROM issues_files ifl WHERE ifl.issue_id = i.id
		)
		ORDER BY calculated_issue_number;`, volumeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open issues: %w", err)
	}
	defer rows.Close()
	return collectIssues(rows)
}

func collectIssues(rows *sql.Rows) ([]types.Issue, error) {
	var issues []types.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, i)
	}
	return issues, rows.Err()
}

// UpsertIssues inserts or updates issue rows by catalog id, in one
// transaction. Used by the volume refresh. New issues get the monitored
// value of monitorNew.
func (s *Store) UpsertIssues(ctx context.Context, volumeID int64, issues []types.Issue, monitorNew bool) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, i := range issues {
			res, err := tx.ExecContext(ctx, `
				UPDATE issues SET issue_number = ?,
					calculated_issue_number = ?, title = ?, date = ?
				WHERE comicvine_id = ?;`,
				i.IssueNumber, i.CalculatedIssueNumber, i.Title, i.Date,
				i.ComicvineID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO issues (volume_id, comicvine_id, issue_number,
					calculated_issue_number, title, date, monitored)
				VALUES (?, ?, ?, ?, ?, ?, ?);`,
				volumeID, i.ComicvineID, i.IssueNumber,
				i.CalculatedIssueNumber, i.Title, i.Date, monitorNew); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetIssueMonitored flips the monitored flag of an issue.
func (s *Store) SetIssueMonitored(ctx context.Context, issueID int64, monitored bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE issues SET monitored = ? WHERE id = ?;", monitored, issueID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrIssueNotFound
	}
	return nil
}

// EndingYear returns the year of the last released issue of a volume, or nil.
func (s *Store) EndingYear(ctx context.Context, volumeID int64) (*int, error) {
	var date sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(date) FROM issues
		WHERE volume_id = ? AND date != '';`, volumeID).Scan(&date)
	if err != nil {
		return nil, err
	}
	if !date.Valid {
		return nil, nil
	}
	return types.YearOfDate(date.String), nil
}

// NumberToYear maps each calculated issue number of a volume to its release
// year, used by year matching against specific issues.
func (s *Store) NumberToYear(ctx context.Context, volumeID int64) (map[float64]*int, error) {
	issues, err := s.IssuesForVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	m := make(map[float64]*int, len(issues))
	for _, i := range issues {
		m[i.CalculatedIssueNumber] = i.Year()
	}
	return m, nil
}
