package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Cursor marks the last successfully pulled position in server history
// for one entity. CursorValue is opaque to the client: the server defines
// it (typically a timestamp or composite token).
type Cursor struct {
	Entity         string
	CursorValue    string
	LastServerTime time.Time
}

// GetCursor returns the cursor for an entity, or nil if no pull has ever
// completed for it.
func (s *Store) GetCursor(ctx context.Context, entity string) (*Cursor, error) {
	query := `SELECT cursor_value, last_server_time FROM sync_cursors WHERE entity = ?`

	var c Cursor
	var serverTime string
	err := s.conn.QueryRowContext(ctx, query, entity).Scan(&c.CursorValue, &serverTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query cursor for %s: %w", entity, err)
	}

	c.Entity = entity
	if t, err := time.Parse(time.RFC3339, serverTime); err == nil {
		c.LastServerTime = t
	}
	return &c, nil
}

// PutCursor persists a cursor. The write is monotonic: an update whose
// last_server_time would move backwards is ignored, so a redelivered page
// can never regress the cursor.
func PutCursor(ctx context.Context, ex Execer, c Cursor, now time.Time) error {
	query := `
	INSERT INTO sync_cursors (entity, cursor_value, last_server_time, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(entity) DO UPDATE SET
		cursor_value = excluded.cursor_value,
		last_server_time = excluded.last_server_time,
		updated_at = excluded.updated_at
	WHERE excluded.last_server_time >= sync_cursors.last_server_time
	`

	_, err := ex.ExecContext(ctx, query,
		c.Entity,
		c.CursorValue,
		c.LastServerTime.UTC().Format(time.RFC3339),
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to persist cursor for %s: %w", c.Entity, err)
	}
	return nil
}

// DeleteCursor removes an entity's cursor so the next pull starts from
// scratch. Used by full resync only.
func (s *Store) DeleteCursor(ctx context.Context, entity string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM sync_cursors WHERE entity = ?`, entity); err != nil {
		return fmt.Errorf("failed to delete cursor for %s: %w", entity, err)
	}
	return nil
}

// ListCursors returns all cursors, for status reporting.
func (s *Store) ListCursors(ctx context.Context) ([]Cursor, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT entity, cursor_value, last_server_time FROM sync_cursors ORDER BY entity`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	defer rows.Close()

	var cursors []Cursor
	for rows.Next() {
		var c Cursor
		var serverTime string
		if err := rows.Scan(&c.Entity, &c.CursorValue, &serverTime); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, serverTime); err == nil {
			c.LastServerTime = t
		}
		cursors = append(cursors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cursors: %w", err)
	}
	return cursors, nil
}
