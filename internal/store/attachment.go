package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Attachment is the metadata row for one binary payload. The blob itself
// lives on disk at LocalPath until the upload pipeline confirms it and,
// depending on policy, deletes it.
type Attachment struct {
	ID        string
	Entity    string
	EntityID  string
	FileName  string
	MimeType  string
	FileSize  int64
	LocalPath string
	RemoteURL string
	CreatedAt time.Time
	UpdatedAt time.Time
	SyncedAt  *time.Time
}

// UpsertAttachment inserts or updates an attachment row.
func (s *Store) UpsertAttachment(ctx context.Context, a *Attachment) error {
	if a.ID == "" {
		return fmt.Errorf("invalid attachment: id is required")
	}
	if a.Entity == "" || a.EntityID == "" {
		return fmt.Errorf("invalid attachment: entity and entity_id are required")
	}

	query := `
	INSERT INTO attachments (
		id, entity, entity_id, file_name, mime_type, file_size,
		local_path, remote_url, created_at, updated_at, synced_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		entity = excluded.entity,
		entity_id = excluded.entity_id,
		file_name = excluded.file_name,
		mime_type = excluded.mime_type,
		file_size = excluded.file_size,
		local_path = excluded.local_path,
		remote_url = excluded.remote_url,
		updated_at = excluded.updated_at,
		synced_at = excluded.synced_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		a.ID,
		a.Entity,
		a.EntityID,
		a.FileName,
		a.MimeType,
		a.FileSize,
		a.LocalPath,
		a.RemoteURL,
		a.CreatedAt.UTC().Format(time.RFC3339),
		a.UpdatedAt.UTC().Format(time.RFC3339),
		timeToNullString(a.SyncedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert attachment %s: %w", a.ID, err)
	}
	return nil
}

// GetAttachment retrieves one attachment by ID.
// Returns sql.ErrNoRows if not found.
func (s *Store) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	query := `
	SELECT id, entity, entity_id, file_name, mime_type, file_size,
	       local_path, remote_url, created_at, updated_at, synced_at
	FROM attachments
	WHERE id = ?
	`
	return scanAttachment(s.conn.QueryRowContext(ctx, query, id))
}

// ListAttachments returns all attachment rows, optionally filtered to
// those already confirmed synced. Used by the garbage-collection sweeps.
func (s *Store) ListAttachments(ctx context.Context, syncedOnly bool) ([]*Attachment, error) {
	query := `
	SELECT id, entity, entity_id, file_name, mime_type, file_size,
	       local_path, remote_url, created_at, updated_at, synced_at
	FROM attachments
	`
	if syncedOnly {
		query += " WHERE synced_at IS NOT NULL"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	defer rows.Close()

	var attachments []*Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}
	return attachments, nil
}

// MarkAttachmentSynced records server confirmation of an upload and
// optionally clears the local path reference (when the local blob has
// been deleted under a delete-after-sync policy).
func (s *Store) MarkAttachmentSynced(ctx context.Context, id, remoteURL string, syncedAt time.Time, clearLocalPath bool) error {
	query := `UPDATE attachments SET remote_url = ?, synced_at = ?, updated_at = ?`
	args := []any{remoteURL, syncedAt.UTC().Format(time.RFC3339), syncedAt.UTC().Format(time.RFC3339)}
	if clearLocalPath {
		query += `, local_path = ''`
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark attachment %s synced: %w", id, err)
	}
	return nil
}

func scanAttachment(row rowScanner) (*Attachment, error) {
	var a Attachment
	var mimeType, localPath, remoteURL sql.NullString
	var createdAt, updatedAt string
	var syncedAt sql.NullString

	err := row.Scan(
		&a.ID,
		&a.Entity,
		&a.EntityID,
		&a.FileName,
		&mimeType,
		&a.FileSize,
		&localPath,
		&remoteURL,
		&createdAt,
		&updatedAt,
		&syncedAt,
	)
	if err != nil {
		return nil, err
	}

	a.MimeType = mimeType.String
	a.LocalPath = localPath.String
	a.RemoteURL = remoteURL.String
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		a.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		a.UpdatedAt = t
	}
	a.SyncedAt = nullStringToTime(syncedAt)

	return &a, nil
}
