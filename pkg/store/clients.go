package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kapowarr/kapowarr/pkg/errs"
)

// ExternalClient is a configured third-party download client.
type ExternalClient struct {
	ID         int64
	ClientType string
	Title      string
	BaseURL    string
	Username   string
	Password   string
	APIToken   string
}

// Credential is a stored credential for a search or download source.
type Credential struct {
	ID       int64
	Source   string
	Username string
	Email    string
	Password string
	APIKey   string
}

// GetExternalClient returns a configured client by id.
func (s *Store) GetExternalClient(ctx context.Context, id int64) (ExternalClient, error) {
	var c ExternalClient
	var username, password, apiToken sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, client_type, title, base_url, username, password, api_token
		FROM external_clients WHERE id = ?;`, id).
		Scan(&c.ID, &c.ClientType, &c.Title, &c.BaseURL, &username, &password, &apiToken)
	if errors.Is(err, sql.ErrNoRows) {
		return ExternalClient{}, errs.ErrExternalClientNotFound
	}
	c.Username, c.Password, c.APIToken = username.String, password.String, apiToken.String
	return c, err
}

// ListExternalClients returns all configured clients.
func (s *Store) ListExternalClients(ctx context.Context) ([]ExternalClient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_type, title, base_url, username, password, api_token
		FROM external_clients ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("failed to list external clients: %w", err)
	}
	defer rows.Close()

	var clients []ExternalClient
	for rows.Next() {
		var c ExternalClient
		var username, password, apiToken sql.NullString
		if err := rows.Scan(&c.ID, &c.ClientType, &c.Title, &c.BaseURL,
			&username, &password, &apiToken); err != nil {
			return nil, err
		}
		c.Username, c.Password, c.APIToken = username.String, password.String, apiToken.String
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// AddExternalClient inserts a client config.
func (s *Store) AddExternalClient(ctx context.Context, c ExternalClient) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO external_clients (client_type, title, base_url, username, password, api_token)
		VALUES (?, ?, ?, ?, ?, ?);`,
		c.ClientType, c.Title, c.BaseURL,
		nullString(c.Username), nullString(c.Password), nullString(c.APIToken))
	if err != nil {
		return 0, fmt.Errorf("failed to add external client: %w", err)
	}
	return res.LastInsertId()
}

// UpdateExternalClient rewrites a client config.
func (s *Store) UpdateExternalClient(ctx context.Context, c ExternalClient) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE external_clients
		SET client_type = ?, title = ?, base_url = ?, username = ?, password = ?, api_token = ?
		WHERE id = ?;`,
		c.ClientType, c.Title, c.BaseURL,
		nullString(c.Username), nullString(c.Password), nullString(c.APIToken), c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrExternalClientNotFound
	}
	return nil
}

// DeleteExternalClient removes a client config.
func (s *Store) DeleteExternalClient(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM external_clients WHERE id = ?;", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrExternalClientNotFound
	}
	return nil
}

// GetCredential returns a credential by id.
func (s *Store) GetCredential(ctx context.Context, id int64) (Credential, error) {
	var c Credential
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source, username, email, password, api_key
		FROM credentials WHERE id = ?;`, id).
		Scan(&c.ID, &c.Source, &c.Username, &c.Email, &c.Password, &c.APIKey)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, errs.ErrCredentialNotFound
	}
	return c, err
}

// ListCredentials returns all credentials, optionally filtered by source.
func (s *Store) ListCredentials(ctx context.Context, source string) ([]Credential, error) {
	query := "SELECT id, source, username, email, password, api_key FROM credentials"
	args := []any{}
	if source != "" {
		query += " WHERE source = ?"
		args = append(args, source)
	}
	rows, err := s.db.QueryContext(ctx, query+" ORDER BY id;", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.ID, &c.Source, &c.Username, &c.Email,
			&c.Password, &c.APIKey); err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// AddCredential inserts a credential.
func (s *Store) AddCredential(ctx context.Context, c Credential) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (source, username, email, password, api_key)
		VALUES (?, ?, ?, ?, ?);`,
		c.Source, c.Username, c.Email, c.Password, c.APIKey)
	if err != nil {
		return 0, fmt.Errorf("failed to add credential: %w", err)
	}
	return res.LastInsertId()
}

// DeleteCredential removes a credential.
func (s *Store) DeleteCredential(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE id = ?;", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrCredentialNotFound
	}
	return nil
}

// DownloadHistoryEntry records a finished or failed download.
type DownloadHistoryEntry struct {
	ID           int64
	WebLink      string
	WebTitle     string
	WebSubTitle  string
	OriginalLink string
	Title        string
	Source       string
	VolumeID     int64
	IssueID      *int64
	Success      bool
	DownloadedAt time.Time
}

// AddDownloadHistory appends a download-history row.
func (s *Store) AddDownloadHistory(ctx context.Context, e DownloadHistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO download_history (web_link, web_title, web_sub_title,
			original_link, title, source, volume_id, issue_id, success, downloaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		nullString(e.WebLink), nullString(e.WebTitle), nullString(e.WebSubTitle),
		nullString(e.OriginalLink), nullString(e.Title), nullString(e.Source),
		e.VolumeID, nullInt(e.IssueID), e.Success, time.Now().Unix())
	return err
}

// ListDownloadHistory returns download history, newest first, optionally
// scoped to a volume.
func (s *Store) ListDownloadHistory(ctx context.Context, volumeID *int64, offset int) ([]DownloadHistoryEntry, error) {
	query := `SELECT id, web_link, web_title, web_sub_title, original_link,
		title, source, volume_id, issue_id, success, downloaded_at
		FROM download_history`
	args := []any{}
	if volumeID != nil {
		query += " WHERE volume_id = ?"
		args = append(args, *volumeID)
	}
	query += " ORDER BY downloaded_at DESC, id DESC LIMIT 50 OFFSET ?;"
	args = append(args, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list download history: %w", err)
	}
	defer rows.Close()

	var entries []DownloadHistoryEntry
	for rows.Next() {
		var e DownloadHistoryEntry
		var webLink, webTitle, webSubTitle, origLink, title, source sql.NullString
		var issueID sql.NullInt64
		var at int64
		if err := rows.Scan(&e.ID, &webLink, &webTitle, &webSubTitle,
			&origLink, &title, &source, &e.VolumeID, &issueID, &e.Success, &at); err != nil {
			return nil, err
		}
		e.WebLink, e.WebTitle, e.WebSubTitle = webLink.String, webTitle.String, webSubTitle.String
		e.OriginalLink, e.Title, e.Source = origLink.String, title.String, source.String
		if issueID.Valid {
			e.IssueID = &issueID.Int64
		}
		e.DownloadedAt = time.Unix(at, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TaskHistoryEntry records one run of a task.
type TaskHistoryEntry struct {
	ID          int64
	TaskName    string
	DisplayName string
	RunAt       time.Time
}

// AddTaskHistory appends a task-history row.
func (s *Store) AddTaskHistory(ctx context.Context, taskName, displayName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (task_name, display_name, run_at)
		VALUES (?, ?, ?);`, taskName, displayName, time.Now().Unix())
	return err
}

// ListTaskHistory returns task history, newest first.
func (s *Store) ListTaskHistory(ctx context.Context, offset int) ([]TaskHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_name, display_name, run_at
		FROM task_history
		ORDER BY run_at DESC, id DESC LIMIT 50 OFFSET ?;`, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list task history: %w", err)
	}
	defer rows.Close()

	var entries []TaskHistoryEntry
	for rows.Next() {
		var e TaskHistoryEntry
		var at int64
		if err := rows.Scan(&e.ID, &e.TaskName, &e.DisplayName, &at); err != nil {
			return nil, err
		}
		e.RunAt = time.Unix(at, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClearTaskHistory removes all task history.
func (s *Store) ClearTaskHistory(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM task_history;")
	return err
}

// TaskInterval is the recurrence schedule of a planned task.
type TaskInterval struct {
	TaskName string
	Interval time.Duration
	NextRun  time.Time
}

// GetTaskIntervals returns the planner schedule.
func (s *Store) GetTaskIntervals(ctx context.Context) ([]TaskInterval, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT task_name, interval, next_run FROM task_intervals;")
	if err != nil {
		return nil, fmt.Errorf("failed to list task intervals: %w", err)
	}
	defer rows.Close()

	var intervals []TaskInterval
	for rows.Next() {
		var ti TaskInterval
		var interval, next int64
		if err := rows.Scan(&ti.TaskName, &interval, &next); err != nil {
			return nil, err
		}
		ti.Interval = time.Duration(interval) * time.Second
		ti.NextRun = time.Unix(next, 0)
		intervals = append(intervals, ti)
	}
	return intervals, rows.Err()
}

// SetTaskInterval upserts a planner entry.
func (s *Store) SetTaskInterval(ctx context.Context, ti TaskInterval) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_intervals (task_name, interval, next_run)
		VALUES (?, ?, ?)
		ON CONFLICT (task_name) DO UPDATE
		SET interval = excluded.interval, next_run = excluded.next_run;`,
		ti.TaskName, int64(ti.Interval.Seconds()), ti.NextRun.Unix())
	return err
}
