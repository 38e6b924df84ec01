package attach

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/camber-io/fieldsync/internal/clock"
)

// ItemStatus is an upload queue entry's lifecycle state.
type ItemStatus string

const (
	StatusPending   ItemStatus = "pending"
	StatusUploading ItemStatus = "uploading"
	StatusCompleted ItemStatus = "completed"
	StatusFailed    ItemStatus = "failed"
)

// Item is one queued blob upload, backed by the attachment_queue table.
type Item struct {
	ID            string
	AttachmentID  string
	LocalPath     string
	FileSize      int64
	MimeType      string
	Priority      int
	Status        ItemStatus
	Attempts      int
	LastError     string
	NextAttemptAt *time.Time
	CreatedAt     time.Time
	UploadedAt    *time.Time
}

const itemColumns = `id, attachment_id, local_path, file_size, mime_type, priority,
	status, attempts, last_error, next_attempt_at, created_at, uploaded_at`

func (p *Pipeline) insertItem(ctx context.Context, attachmentID, localPath, mimeType string, size int64, priority int) (string, error) {
	id := uuid.NewString()
	now := p.clock.Now().UTC().Format(time.RFC3339Nano)

	_, err := p.db.ExecContext(ctx, `
	INSERT INTO attachment_queue (id, attachment_id, local_path, file_size, mime_type, priority, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)`,
		id, attachmentID, localPath, size, mimeType, priority, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue upload for attachment %s: %w", attachmentID, err)
	}
	return id, nil
}

// next returns up to limit uploads ready to run: highest priority first,
// oldest first within a priority, backoff deadlines respected.
func (p *Pipeline) next(ctx context.Context, limit int) ([]*Item, error) {
	now := p.clock.Now().UTC().Format(time.RFC3339Nano)

	rows, err := p.db.QueryContext(ctx, `
	SELECT `+itemColumns+`
	FROM attachment_queue
	WHERE status = 'pending'
	  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
	ORDER BY priority DESC, created_at ASC
	LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query upload queue: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating upload queue: %w", err)
	}
	return items, nil
}

// Get returns one queue item by id.
func (p *Pipeline) Get(ctx context.Context, id string) (*Item, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM attachment_queue WHERE id = ?`, id)
	return scanItem(row)
}

func (p *Pipeline) setUploading(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE attachment_queue SET status = 'uploading' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark upload %s in flight: %w", id, err)
	}
	return nil
}

func (p *Pipeline) setCompleted(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE attachment_queue SET status = 'completed', uploaded_at = ?, last_error = NULL WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to mark upload %s completed: %w", id, err)
	}
	return nil
}

// setFailed records a failed attempt. Mirrors the mutation outbox:
// attempts increments, backoff gates the retry, MaxRetries makes it
// terminal.
func (p *Pipeline) setFailed(ctx context.Context, item *Item, reason string) error {
	attempts := item.Attempts + 1
	if attempts >= p.cfg.MaxRetries {
		_, err := p.db.ExecContext(ctx, `
		UPDATE attachment_queue
		SET status = 'failed', attempts = ?, last_error = ?, next_attempt_at = NULL
		WHERE id = ?`, attempts, reason, item.ID)
		if err != nil {
			return fmt.Errorf("failed to mark upload %s terminally failed: %w", item.ID, err)
		}
		return nil
	}

	delay := clock.Backoff(p.cfg.BaseDelay, p.cfg.MaxDelay, attempts)
	next := p.clock.Now().UTC().Add(delay)
	_, err := p.db.ExecContext(ctx, `
	UPDATE attachment_queue
	SET status = 'pending', attempts = ?, last_error = ?, next_attempt_at = ?
	WHERE id = ?`, attempts, reason, next.Format(time.RFC3339Nano), item.ID)
	if err != nil {
		return fmt.Errorf("failed to schedule upload retry %s: %w", item.ID, err)
	}
	return nil
}

// defer* semantics: the referenced entity has not synced yet, so wait
// without consuming an attempt.
func (p *Pipeline) setDeferred(ctx context.Context, id, reason string) error {
	next := p.clock.Now().UTC().Add(p.cfg.DeferDelay)
	_, err := p.db.ExecContext(ctx, `
	UPDATE attachment_queue SET status = 'pending', last_error = ?, next_attempt_at = ? WHERE id = ?`,
		reason, next.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to defer upload %s: %w", id, err)
	}
	return nil
}

// Retry resets a terminally failed upload for another round.
func (p *Pipeline) Retry(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
	UPDATE attachment_queue SET status = 'pending', attempts = 0, next_attempt_at = NULL
	WHERE id = ? AND status = 'failed'`, id)
	if err != nil {
		return fmt.Errorf("failed to retry upload %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to retry upload %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// RetryAllFailed resets every terminally failed upload to pending.
func (p *Pipeline) RetryAllFailed(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx, `
	UPDATE attachment_queue SET status = 'pending', attempts = 0, next_attempt_at = NULL
	WHERE status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed uploads: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetInFlight returns uploads stuck in uploading to pending. Called on
// daemon start so a crash mid-upload never strands a blob.
func (p *Pipeline) ResetInFlight(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE attachment_queue SET status = 'pending' WHERE status = 'uploading'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-flight uploads: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Counts reports queue depth by status for the UI.
type Counts struct {
	Pending   int
	Uploading int
	Completed int
	Failed    int
}

// Counts returns the current upload queue depth.
func (p *Pipeline) Counts(ctx context.Context) (Counts, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM attachment_queue GROUP BY status`)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count uploads: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, fmt.Errorf("failed to scan upload counts: %w", err)
		}
		switch ItemStatus(status) {
		case StatusPending:
			c.Pending = n
		case StatusUploading:
			c.Uploading = n
		case StatusCompleted:
			c.Completed = n
		case StatusFailed:
			c.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("error iterating upload counts: %w", err)
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var it Item
	var status string
	var mimeType, lastError, nextAttempt, uploadedAt sql.NullString
	var createdAt string

	err := row.Scan(&it.ID, &it.AttachmentID, &it.LocalPath, &it.FileSize, &mimeType,
		&it.Priority, &status, &it.Attempts, &lastError, &nextAttempt, &createdAt, &uploadedAt)
	if err != nil {
		return nil, err
	}

	it.Status = ItemStatus(status)
	it.MimeType = mimeType.String
	it.LastError = lastError.String
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		it.CreatedAt = t
	}
	if nextAttempt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, nextAttempt.String); err == nil {
			it.NextAttemptAt = &t
		}
	}
	if uploadedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, uploadedAt.String); err == nil {
			it.UploadedAt = &t
		}
	}
	return &it, nil
}
