package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kapowarr/kapowarr/pkg/errs"
	"github.com/kapowarr/kapowarr/pkg/types"
)

// GetRootFolder returns a root folder by id.
func (s *Store) GetRootFolder(ctx context.Context, id int64) (types.RootFolder, error) {
	var rf types.RootFolder
	err := s.db.QueryRowContext(ctx,
		"SELECT id, folder, size FROM root_folders WHERE id = ?;", id).
		Scan(&rf.ID, &rf.Folder, &rf.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return types.RootFolder{}, errs.ErrRootFolderNotFound
	}
	return rf, err
}

// ListRootFolders returns all root folders.
func (s *Store) ListRootFolders(ctx context.Context) ([]types.RootFolder, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, folder, size FROM root_folders ORDER BY folder;")
	if err != nil {
		return nil, fmt.Errorf("failed to list root folders: %w", err)
	}
	defer rows.Close()

	var folders []types.RootFolder
	for rows.Next() {
		var rf types.RootFolder
		if err := rows.Scan(&rf.ID, &rf.Folder, &rf.Size); err != nil {
			return nil, err
		}
		folders = append(folders, rf)
	}
	return folders, rows.Err()
}

// AddRootFolder inserts a root folder.
func (s *Store) AddRootFolder(ctx context.Context, folder string, size int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO root_folders (folder, size) VALUES (?, ?);", folder, size)
	if err != nil {
		return 0, fmt.Errorf("failed to add root folder: %w", err)
	}
	return res.LastInsertId()
}

// UpdateRootFolderSize refreshes the observed disk usage of a root folder.
func (s *Store) UpdateRootFolderSize(ctx context.Context, id, size int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE root_folders SET size = ? WHERE id = ?;", size, id)
	return err
}

// DeleteRootFolder removes a root folder. Fails with RootFolderInUse while a
// volume still lives under it.
func (s *Store) DeleteRootFolder(ctx context.Context, id int64) error {
	if _, err := s.GetRootFolder(ctx, id); err != nil {
		return err
	}
	inUse, err := s.VolumesUsingRootFolder(ctx, id)
	if err != nil {
		return err
	}
	if inUse > 0 {
		return errs.ErrRootFolderInUse
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM root_folders WHERE id = ?;", id)
	return err
}
