package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertTombstone records a deletion decision for audit.
func (s *Store) InsertTombstone(ctx context.Context, side, localRelPath, remoteToken, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tombstones (side, local_rel_path, remote_token, reason, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		side, localRelPath, remoteToken, reason, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("inserting tombstone: %w", err)
	}

	return nil
}

// RecentTombstones returns the most recent tombstones, newest first.
func (s *Store) RecentTombstones(ctx context.Context, limit int) ([]Tombstone, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, side, local_rel_path, remote_token, reason, created_at
		 FROM tombstones ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing tombstones: %w", err)
	}

	defer rows.Close()

	var out []Tombstone

	for rows.Next() {
		var (
			t         Tombstone
			createdAt string
		)

		if err := rows.Scan(&t.ID, &t.Side, &t.LocalRelPath, &t.RemoteToken, &t.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning tombstone: %w", err)
		}

		t.CreatedAt = parseTime(createdAt)
		out = append(out, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing tombstones: %w", err)
	}

	return out, nil
}

// GetSetting returns a settings value, or "" when unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string

	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}

		return "", fmt.Errorf("reading setting %s: %w", key, err)
	}

	return value, nil
}

// SetSetting stores a settings value, replacing any previous one.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("writing setting %s: %w", key, err)
	}

	return nil
}
