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

const blocklistColumns = `id, web_link, web_title, web_sub_title,
	download_link, source, volume_id, issue_id, reason, added_at`

func scanBlocklistEntry(row interface{ Scan(...any) error }) (types.BlocklistEntry, error) {
	var e types.BlocklistEntry
	var webLink, webTitle, webSubTitle, downloadLink, source sql.NullString
	var volumeID, issueID sql.NullInt64
	var addedAt int64
	err := row.Scan(&e.ID, &webLink, &webTitle, &webSubTitle, &downloadLink,
		&source, &volumeID, &issueID, &e.Reason, &addedAt)
	if err != nil {
		return e, err
	}
	e.WebLink = webLink.String
	e.WebTitle = webTitle.String
	e.WebSubTitle = webSubTitle.String
	e.DownloadLink = downloadLink.String
	e.Source = source.String
	e.VolumeID = volumeID.Int64
	if issueID.Valid {
		e.IssueID = &issueID.Int64
	}
	e.AddedAt = time.Unix(addedAt, 0)
	return e, nil
}

// AddBlocklistEntry inserts a blocklist entry. The first insertion for a
// download link wins; later ones are ignored.
func (s *Store) AddBlocklistEntry(ctx context.Context, e types.BlocklistEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO blocklist (web_link, web_title, web_sub_title,
			download_link, source, volume_id, issue_id, reason, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		nullString(e.WebLink), nullString(e.WebTitle), nullString(e.WebSubTitle),
		nullString(e.DownloadLink), nullString(e.Source), e.VolumeID,
		nullInt(e.IssueID), e.Reason, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to add blocklist entry: %w", err)
	}
	return nil
}

// BlocklistContains reports whether a link is blocklisted, keyed on the
// download link first and the web link second.
func (s *Store) BlocklistContains(ctx context.Context, link string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM blocklist
		WHERE download_link = ? OR web_link = ?;`, link, link).Scan(&n)
	return n > 0, err
}

// GetBlocklistEntry returns a blocklist entry by id.
func (s *Store) GetBlocklistEntry(ctx context.Context, id int64) (types.BlocklistEntry, error) {
	e, err := scanBlocklistEntry(s.db.QueryRowContext(ctx,
		"SELECT "+blocklistColumns+" FROM blocklist WHERE id = ?;", id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.BlocklistEntry{}, errs.ErrBlocklistEntryNotFound
	}
	return e, err
}

// ListBlocklist returns the blocklist, newest first.
func (s *Store) ListBlocklist(ctx context.Context) ([]types.BlocklistEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+blocklistColumns+" FROM blocklist ORDER BY added_at DESC, id DESC;")
	if err != nil {
		return nil, fmt.Errorf("failed to list blocklist: %w", err)
	}
	defer rows.Close()

	var entries []types.BlocklistEntry
	for rows.Next() {
		e, err := scanBlocklistEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteBlocklistEntry removes one entry.
func (s *Store) DeleteBlocklistEntry(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM blocklist WHERE id = ?;", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrBlocklistEntryNotFound
	}
	return nil
}

// ClearBlocklist removes every entry.
func (s *Store) ClearBlocklist(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM blocklist;")
	return err
}
