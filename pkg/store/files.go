package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kapowarr/kapowarr/pkg/errs"
	"github.com/kapowarr/kapowarr/pkg/types"
)

const (
	fileColumns  = "id, filepath, size, releaser, scan_type, resolution, dpi"
	fileColumnsF = "f.id, f.filepath, f.size, f.releaser, f.scan_type, f.resolution, f.dpi"
)

func scanFile(row interface{ Scan(...any) error }) (types.File, error) {
	var f types.File
	err := row.Scan(&f.ID, &f.Filepath, &f.Size, &f.Releaser, &f.ScanType, &f.Resolution, &f.DPI)
	return f, err
}

// FilesForVolume returns all files linked to any issue of the volume.
func (s *Store) FilesForVolume(ctx context.Context, volumeID int64) ([]types.File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT `+fileColumnsF+`
		FROM files f
		INNER JOIN issues_files ifl ON f.id = ifl.file_id
		INNER JOIN issues i ON ifl.issue_id = i.id
		WHERE i.volume_id = ?
		ORDER BY f.filepath;`, volumeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query volume files: %w", err)
	}
	defer rows.Close()
	return collectFiles(rows)
}

// FilesForIssue returns all files linked to the issue.
func (s *Store) FilesForIssue(ctx context.Context, issueID int64) ([]types.File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT `+fileColumnsF+`
		FROM files f
		INNER JOIN issues_files ifl ON f.id = ifl.file_id
		WHERE ifl.issue_id = ?
		ORDER BY f.filepath;`, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to query issue files: %w", err)
	}
	defer rows.Close()
	return collectFiles(rows)
}

// GetFile returns a file by id.
func (s *Store) GetFile(ctx context.Context, fileID int64) (types.File, error) {
	f, err := scanFile(s.db.QueryRowContext(ctx,
		"SELECT "+fileColumns+" FROM files WHERE id = ?;", fileID))
	if errors.Is(err, sql.ErrNoRows) {
		return types.File{}, errs.ErrFileNotFound
	}
	return f, err
}

// GetFileByPath returns a file by its absolute path.
func (s *Store) GetFileByPath(ctx context.Context, path string) (types.File, error) {
	f, err := scanFile(s.db.QueryRowContext(ctx,
		"SELECT "+fileColumns+" FROM files WHERE filepath = ?;", path))
	if errors.Is(err, sql.ErrNoRows) {
		return types.File{}, errs.ErrFileNotFound
	}
	return f, err
}

// ListFiles returns every file known to the store.
func (s *Store) ListFiles(ctx context.Context) ([]types.File, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+fileColumns+" FROM files ORDER BY filepath;")
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()
	return collectFiles(rows)
}

func collectFiles(rows *sql.Rows) ([]types.File, error) {
	var files []types.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// AddFile upserts a file row and returns its id. Provenance fields are only
// written on first insert; the path is the unique key.
func (s *Store) AddFile(ctx context.Context, file types.File) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO files (filepath, size, releaser, scan_type, resolution, dpi)
		VALUES (?, ?, ?, ?, ?, ?);`,
		file.Filepath, file.Size, file.Releaser, file.ScanType, file.Resolution, file.DPI)
	if err != nil {
		return 0, fmt.Errorf("failed to add file: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return res.LastInsertId()
	}
	existing, err := s.GetFileByPath(ctx, file.Filepath)
	if err != nil {
		return 0, err
	}
	return existing.ID, nil
}

// UpdateFileSize refreshes the stored byte size of a file.
func (s *Store) UpdateFileSize(ctx context.Context, fileID, size int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE files SET size = ? WHERE id = ?;", size, fileID)
	return err
}

// UpdateFilepaths atomically rewrites file paths. The two slices pair up
// old-to-new; the whole batch commits or none of it does.
func (s *Store) UpdateFilepaths(ctx context.Context, oldPaths, newPaths []string) error {
	if len(oldPaths) != len(newPaths) {
		return fmt.Errorf("path batch length mismatch: %d != %d", len(oldPaths), len(newPaths))
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			"UPDATE files SET filepath = ? WHERE filepath = ?;")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i := range oldPaths {
			if _, err := stmt.ExecContext(ctx, newPaths[i], oldPaths[i]); err != nil {
				return fmt.Errorf("failed to update filepath %s: %w", oldPaths[i], err)
			}
		}
		return nil
	})
}

// DeleteFile removes a file row.
func (s *Store) DeleteFile(ctx context.Context, fileID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE id = ?;", fileID)
	return err
}

// DeleteUnmatchedFiles removes every file that no issue or volume link
// references anymore (the orphan sweep).
func (s *Store) DeleteUnmatchedFiles(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		WITH ids AS (
			SELECT file_id FROM issues_files
			UNION
			SELECT file_id FROM volume_files
		)
		DELETE FROM files WHERE id NOT IN ids;`)
	return err
}

// VolumeOfFile returns the volume a file is bound to, through either link
// table, or nil when the file is unbound.
func (s *Store) VolumeOfFile(ctx context.Context, path string) (*int64, error) {
	var volumeID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT i.volume_id
		FROM files f
		INNER JOIN issues_files ifl ON f.id = ifl.file_id
		INNER JOIN issues i ON ifl.issue_id = i.id
		WHERE f.filepath = ?
		LIMIT 1;`, path).Scan(&volumeID)
	if errors.Is(err, sql.ErrNoRows) {
		err = s.db.QueryRowContext(ctx, `
			SELECT vf.volume_id
			FROM files f
			INNER JOIN volume_files vf ON f.id = vf.file_id
			WHERE f.filepath = ?
			LIMIT 1;`, path).Scan(&volumeID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find volume of file: %w", err)
	}
	return &volumeID, nil
}

// IssuesCovered returns the sorted calculated issue numbers bound to a file.
func (s *Store) IssuesCovered(ctx context.Context, path string) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT i.calculated_issue_number
		FROM issues i
		INNER JOIN issues_files ifl ON i.id = ifl.issue_id
		INNER JOIN files f ON ifl.file_id = f.id
		WHERE f.filepath = ?
		ORDER BY i.calculated_issue_number;`, path)
	if err != nil {
		return nil, fmt.Errorf("failed to query covered issues: %w", err)
	}
	defer rows.Close()

	var numbers []float64
	for rows.Next() {
		var n float64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		numbers = append(numbers, n)
	}
	return numbers, rows.Err()
}

// IssueFileBinding links a file to an issue.
type IssueFileBinding struct {
	FileID  int64
	IssueID int64
}

// IssueFileBindings returns the current issue-file links of a volume.
func (s *Store) IssueFileBindings(ctx context.Context, volumeID int64) ([]IssueFileBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ifl.file_id, ifl.issue_id
		FROM issues_files ifl
		INNER JOIN issues i ON ifl.issue_id = i.id
		WHERE i.volume_id = ?;`, volumeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bindings: %w", err)
	}
	defer rows.Close()

	var bindings []IssueFileBinding
	for rows.Next() {
		var b IssueFileBinding
		if err := rows.Scan(&b.FileID, &b.IssueID); err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// ApplyBindingDiff removes and adds issue-file links in one transaction.
func (s *Store) ApplyBindingDiff(ctx context.Context, del, add []IssueFileBinding, unmonitorIssues []int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, b := range del {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM issues_files WHERE file_id = ? AND issue_id = ?;",
				b.FileID, b.IssueID); err != nil {
				return err
			}
		}
		for _, b := range add {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO issues_files (file_id, issue_id) VALUES (?, ?);",
				b.FileID, b.IssueID); err != nil {
				return err
			}
		}
		for _, issueID := range unmonitorIssues {
			if _, err := tx.ExecContext(ctx,
				"UPDATE issues SET monitored = 0 WHERE id = ?;", issueID); err != nil {
				return err
			}
		}
		return nil
	})
}

// GeneralFiles returns the volume-level files of a volume.
func (s *Store) GeneralFiles(ctx context.Context, volumeID int64) ([]types.GeneralFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.filepath, f.size, f.releaser, f.scan_type, f.resolution, f.dpi, vf.file_type
		FROM files f
		INNER JOIN volume_files vf ON f.id = vf.file_id
		WHERE vf.volume_id = ?;`, volumeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query general files: %w", err)
	}
	defer rows.Close()

	var files []types.GeneralFile
	for rows.Next() {
		var gf types.GeneralFile
		if err := rows.Scan(&gf.ID, &gf.Filepath, &gf.Size, &gf.Releaser,
			&gf.ScanType, &gf.Resolution, &gf.DPI, &gf.FileType); err != nil {
			return nil, err
		}
		files = append(files, gf)
	}
	return files, rows.Err()
}

// GeneralFileBinding links a file to a volume with its file type.
type GeneralFileBinding struct {
	FileID   int64
	FileType types.GeneralFileType
}

// ApplyGeneralBindingDiff replaces the volume-level file links of a volume.
func (s *Store) ApplyGeneralBindingDiff(ctx context.Context, volumeID int64, del []int64, add []GeneralFileBinding) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, fileID := range del {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM volume_files WHERE file_id = ?;", fileID); err != nil {
				return err
			}
		}
		for _, b := range add {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO volume_files (file_id, file_type, volume_id)
				VALUES (?, ?, ?);`, b.FileID, b.FileType, volumeID); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteLinkedFiles removes all file rows reachable from a volume through
// either link table, used when a volume is deleted together with its files.
func (s *Store) DeleteLinkedFiles(ctx context.Context, volumeID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM files
		WHERE id IN (
			SELECT DISTINCT file_id
			FROM issues_files
			INNER JOIN issues ON issues_files.issue_id = issues.id
			WHERE volume_id = ?
		) OR id IN (
			SELECT DISTINCT file_id
			FROM volume_files
			WHERE volume_id = ?
		);`, volumeID, volumeID)
	return err
}
