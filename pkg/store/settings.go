package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GetSettingValues returns every persisted settings row.
func (s *Store) GetSettingValues(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings;")
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	defer rows.Close()

	values := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		values[k] = v
	}
	return values, rows.Err()
}

// SetSettingValues upserts the given settings rows in one transaction.
func (s *Store) SetSettingValues(ctx context.Context, values map[string]string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for k, v := range values {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO settings (key, value) VALUES (?, ?)
				ON CONFLICT (key) DO UPDATE SET value = excluded.value;`, k, v); err != nil {
				return err
			}
		}
		return nil
	})
}
