package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) prepareMappingStmts(ctx context.Context) error {
	const mappingColumns = `id, local_rel_path, remote_token, remote_type, local_hash, remote_hash,
		local_mtime, remote_modified_time, status, conflict, last_synced_at, extra_json, updated_at`

	return prepareAll(ctx, s.db, []stmtDef{
		{&s.mappingStmts.byLocalPath,
			`SELECT ` + mappingColumns + ` FROM file_mappings
			 WHERE local_rel_path = ? AND status != 'deleted'`,
			"mapping byLocalPath"},
		{&s.mappingStmts.byRemoteToken,
			`SELECT ` + mappingColumns + ` FROM file_mappings
			 WHERE remote_token = ? AND status != 'deleted'`,
			"mapping byRemoteToken"},
		{&s.mappingStmts.insert,
			`INSERT INTO file_mappings (local_rel_path, remote_token, remote_type, local_hash,
				remote_hash, local_mtime, remote_modified_time, status, conflict, last_synced_at,
				extra_json, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			"mapping insert"},
		{&s.mappingStmts.update,
			`UPDATE file_mappings SET local_rel_path = ?, remote_token = ?, remote_type = ?,
				local_hash = ?, remote_hash = ?, local_mtime = ?, remote_modified_time = ?,
				status = ?, conflict = ?, last_synced_at = ?, extra_json = ?, updated_at = ?
			 WHERE id = ?`,
			"mapping update"},
		{&s.mappingStmts.markDeleted,
			`UPDATE file_mappings SET status = ?, updated_at = ? WHERE id = ?`,
			"mapping markDeleted"},
		{&s.mappingStmts.renamePath,
			`UPDATE file_mappings SET local_rel_path = ?, updated_at = ? WHERE id = ?`,
			"mapping renamePath"},
		{&s.mappingStmts.listLive,
			`SELECT ` + mappingColumns + ` FROM file_mappings WHERE status != 'deleted'
			 ORDER BY local_rel_path`,
			"mapping listLive"},
		{&s.mappingStmts.countLive,
			`SELECT COUNT(*) FROM file_mappings WHERE status != 'deleted'`,
			"mapping countLive"},
		{&s.mappingStmts.folderUpsert,
			`INSERT INTO folder_mappings (local_rel_dir, remote_folder_token, updated_at)
			 VALUES (?, ?, ?)
			 ON CONFLICT(local_rel_dir) DO UPDATE SET
				remote_folder_token = excluded.remote_folder_token,
				updated_at = excluded.updated_at`,
			"folder upsert"},
		{&s.mappingStmts.folderList,
			`SELECT id, local_rel_dir, remote_folder_token, updated_at FROM folder_mappings
			 ORDER BY local_rel_dir`,
			"folder list"},
	})
}

func scanMapping(row interface{ Scan(...any) error }) (FileMapping, error) {
	var (
		m         FileMapping
		conflict  int
		updatedAt string
	)

	err := row.Scan(&m.ID, &m.LocalRelPath, &m.RemoteToken, &m.RemoteType, &m.LocalHash,
		&m.RemoteHash, &m.LocalMtime, &m.RemoteModifiedTime, &m.Status, &conflict,
		&m.LastSyncedAt, &m.ExtraJSON, &updatedAt)
	if err != nil {
		return FileMapping{}, err
	}

	m.Conflict = conflict != 0
	m.UpdatedAt = parseTime(updatedAt)

	return m, nil
}

// MappingByLocalPath returns the live mapping for a local relative path, or
// nil if none exists. Soft-deleted rows are not considered.
func (s *Store) MappingByLocalPath(ctx context.Context, relPath string) (*FileMapping, error) {
	m, err := scanMapping(s.mappingStmts.byLocalPath.QueryRowContext(ctx, relPath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("querying mapping by local path: %w", err)
	}

	return &m, nil
}

// MappingByRemoteToken returns the live mapping for a remote token, or nil
// if none exists. Soft-deleted rows are not considered.
func (s *Store) MappingByRemoteToken(ctx context.Context, token string) (*FileMapping, error) {
	m, err := scanMapping(s.mappingStmts.byRemoteToken.QueryRowContext(ctx, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("querying mapping by remote token: %w", err)
	}

	return &m, nil
}

// UpsertFileMapping writes a mapping, matching an existing live row first by
// local path and then by remote token, so a rename on either side updates in
// place rather than colliding with the unique constraints. Soft-deleted rows
// are never overwritten; re-creating a path inserts a fresh row beside them.
func (s *Store) UpsertFileMapping(ctx context.Context, m FileMapping) error {
	now := formatTime(time.Now())

	if m.RemoteType == "" {
		m.RemoteType = "file"
	}

	if m.Status == "" {
		m.Status = StatusSynced
	}

	existing, err := s.MappingByLocalPath(ctx, m.LocalRelPath)
	if err != nil {
		return err
	}

	if existing == nil {
		existing, err = s.MappingByRemoteToken(ctx, m.RemoteToken)
		if err != nil {
			return err
		}
	}

	conflict := 0
	if m.Conflict {
		conflict = 1
	}

	if existing != nil {
		_, err = s.mappingStmts.update.ExecContext(ctx,
			m.LocalRelPath, m.RemoteToken, m.RemoteType, m.LocalHash, m.RemoteHash,
			m.LocalMtime, m.RemoteModifiedTime, m.Status, conflict, m.LastSyncedAt,
			m.ExtraJSON, now, existing.ID)
		if err != nil {
			return fmt.Errorf("updating file mapping: %w", err)
		}

		return nil
	}

	_, err = s.mappingStmts.insert.ExecContext(ctx,
		m.LocalRelPath, m.RemoteToken, m.RemoteType, m.LocalHash, m.RemoteHash,
		m.LocalMtime, m.RemoteModifiedTime, m.Status, conflict, m.LastSyncedAt,
		m.ExtraJSON, now)
	if err != nil {
		return fmt.Errorf("inserting file mapping: %w", err)
	}

	return nil
}

// MarkMappingDeleted flips a mapping's status to deleted, removing it from
// future live listings while keeping the row for audit.
func (s *Store) MarkMappingDeleted(ctx context.Context, id int64) error {
	if _, err := s.mappingStmts.markDeleted.ExecContext(ctx, StatusDeleted, formatTime(time.Now()), id); err != nil {
		return fmt.Errorf("marking mapping deleted: %w", err)
	}

	return nil
}

// RenameMappingPath updates only the local path of a mapping, used when a
// rename is detected and the content is unchanged.
func (s *Store) RenameMappingPath(ctx context.Context, id int64, newRelPath string) error {
	if _, err := s.mappingStmts.renamePath.ExecContext(ctx, newRelPath, formatTime(time.Now()), id); err != nil {
		return fmt.Errorf("renaming mapping path: %w", err)
	}

	return nil
}

// LiveFileMappings returns all mappings not marked deleted, ordered by
// local path.
func (s *Store) LiveFileMappings(ctx context.Context) ([]FileMapping, error) {
	rows, err := s.mappingStmts.listLive.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing file mappings: %w", err)
	}

	defer rows.Close()

	var out []FileMapping

	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning file mapping: %w", err)
		}

		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing file mappings: %w", err)
	}

	return out, nil
}

// CountFileMappings returns the number of live mappings. Zero means the
// store has never completed a sync (initial-sync condition).
func (s *Store) CountFileMappings(ctx context.Context) (int, error) {
	var n int
	if err := s.mappingStmts.countLive.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting file mappings: %w", err)
	}

	return n, nil
}

// TotalFileMappings returns the number of mapping rows including deleted
// ones. Zero means no sync has ever recorded anything (initial-sync
// condition).
func (s *Store) TotalFileMappings(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_mappings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting file mappings: %w", err)
	}

	return n, nil
}

// UpsertFolderMapping records the remote token for a local relative
// directory.
func (s *Store) UpsertFolderMapping(ctx context.Context, localRelDir, remoteFolderToken string) error {
	_, err := s.mappingStmts.folderUpsert.ExecContext(ctx, localRelDir, remoteFolderToken, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upserting folder mapping: %w", err)
	}

	return nil
}

// FolderMappings returns all folder mappings ordered by local directory.
func (s *Store) FolderMappings(ctx context.Context) ([]FolderMapping, error) {
	rows, err := s.mappingStmts.folderList.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing folder mappings: %w", err)
	}

	defer rows.Close()

	var out []FolderMapping

	for rows.Next() {
		var (
			m         FolderMapping
			updatedAt string
		)

		if err := rows.Scan(&m.ID, &m.LocalRelDir, &m.RemoteFolderToken, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning folder mapping: %w", err)
		}

		m.UpdatedAt = parseTime(updatedAt)
		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing folder mappings: %w", err)
	}

	return out, nil
}
