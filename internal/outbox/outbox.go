// Package outbox implements the durable mutation queue: every local write
// is recorded here first and drained to the server by the sync engine.
//
// Mutations live in the sync_mutations table and move through
// pending -> syncing -> synced (pruned), with failed as the terminal
// retry-exhausted state. Two invariants are enforced by the drain query:
//
//   - at most one in-flight mutation per (entity, entityId) at a time
//   - mutations for the same entityId are handed out in creation order
//
// Enqueue is a local durability operation and never reports network
// failures; those are captured per-record by MarkFailed.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/camber-io/fieldsync/internal/clock"
	"github.com/camber-io/fieldsync/internal/store"
)

// Action is the kind of local write a mutation represents.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionCustom Action = "custom"
)

// Status is a mutation's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
	StatusSynced  Status = "synced"
)

// Mutation is one pending local write awaiting transmission. ID doubles
// as the server-side idempotency key.
type Mutation struct {
	ID            string
	Entity        string
	EntityID      string
	Action        Action
	Payload       json.RawMessage
	CreatedAt     time.Time
	Attempts      int
	Status        Status
	LastError     string
	NextAttemptAt *time.Time
}

// Config holds retry tuning for the queue.
type Config struct {
	// MaxAttempts is the number of submission attempts before a mutation
	// becomes terminally failed.
	MaxAttempts int

	// BaseDelay seeds the exponential backoff between attempts.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// DeferDelay is the wait applied when a mutation is deferred because
	// a referenced parent entity has not synced yet. Deferral does not
	// count as a failed attempt.
	DeferDelay time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    5 * time.Minute,
		DeferDelay:  30 * time.Second,
	}
}

// Queue is the durable outbox, backed by the store's sync_mutations table.
type Queue struct {
	db    *sql.DB
	clock clock.Clock
	cfg   Config
}

// New creates a queue over the given store. If clk is nil the system
// clock is used.
func New(st *store.Store, clk clock.Clock, cfg Config) *Queue {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &Queue{
		db:    st.RawDB(),
		clock: clk,
		cfg:   cfg,
	}
}

// Enqueue records a local write. It always succeeds barring a local
// storage failure; the returned id is the idempotency key the server uses
// to detect duplicate submissions.
func (q *Queue) Enqueue(ctx context.Context, entity, entityID string, action Action, payload json.RawMessage) (string, error) {
	if entity == "" || entityID == "" {
		return "", fmt.Errorf("enqueue requires entity and entityID")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	id := uuid.NewString()
	now := q.clock.Now().UTC()

	query := `
	INSERT INTO sync_mutations (id, entity, entity_id, action, payload, created_at, attempts, status)
	VALUES (?, ?, ?, ?, ?, ?, 0, 'pending')
	`
	_, err := q.db.ExecContext(ctx, query,
		id, entity, entityID, string(action), string(payload), now.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("failed to enqueue mutation for %s/%s: %w", entity, entityID, err)
	}
	return id, nil
}

const mutationColumns = `id, entity, entity_id, action, payload, created_at, attempts, status, last_error, next_attempt_at`

// Pending returns up to limit mutations ready for submission, oldest
// first. Rows currently syncing are excluded, as is any row that has an
// older unsynced sibling for the same (entity, entityId) - that sibling
// must be applied first, and only one of them may be in flight.
func (q *Queue) Pending(ctx context.Context, entity string, limit int) ([]*Mutation, error) {
	now := q.clock.Now().UTC().Format(time.RFC3339Nano)

	query := `
	SELECT ` + mutationColumns + `
	FROM sync_mutations m
	WHERE m.status = 'pending'
	  AND (m.next_attempt_at IS NULL OR m.next_attempt_at <= ?)
	  AND NOT EXISTS (
	      SELECT 1 FROM sync_mutations s
	      WHERE s.entity = m.entity AND s.entity_id = m.entity_id
	        AND s.rowid != m.rowid
	        AND (s.status = 'syncing' OR s.rowid < m.rowid)
	  )
	`
	args := []any{now}

	if entity != "" {
		query += " AND m.entity = ?"
		args = append(args, entity)
	}

	query += " ORDER BY m.rowid ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending mutations: %w", err)
	}
	defer rows.Close()

	return scanMutations(rows)
}

// PendingForEntityID returns all unsynced mutations for one row in
// creation order. The pull merge rule uses this to decide which fields a
// server row may overwrite.
func (q *Queue) PendingForEntityID(ctx context.Context, entity, entityID string) ([]*Mutation, error) {
	query := `
	SELECT ` + mutationColumns + `
	FROM sync_mutations
	WHERE entity = ? AND entity_id = ? AND status != 'synced'
	ORDER BY rowid ASC
	`
	rows, err := q.db.QueryContext(ctx, query, entity, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutations for %s/%s: %w", entity, entityID, err)
	}
	defer rows.Close()

	return scanMutations(rows)
}

// Get returns one mutation by id. Returns sql.ErrNoRows if absent
// (synced mutations are pruned).
func (q *Queue) Get(ctx context.Context, id string) (*Mutation, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+mutationColumns+` FROM sync_mutations WHERE id = ?`, id)
	return scanMutation(row)
}

// MarkSyncing transitions the given mutations to in-flight before a batch
// submission, so a concurrent drain loop never double-submits them.
func (q *Queue) MarkSyncing(ctx context.Context, ids []string) error {
	return q.setStatus(ctx, ids, StatusSyncing)
}

// MarkSynced removes confirmed mutations from the queue. They never
// resurface in Pending.
func (q *Queue) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if _, err := q.db.ExecContext(ctx, `DELETE FROM sync_mutations WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to prune synced mutation %s: %w", id, err)
		}
	}
	return nil
}

// MarkFailed records a submission failure. Attempts is incremented; once
// it reaches MaxAttempts the mutation becomes terminally failed and needs
// an explicit Retry. Otherwise it returns to pending gated by an
// exponential backoff deadline.
func (q *Queue) MarkFailed(ctx context.Context, id, reason string) error {
	m, err := q.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load mutation %s: %w", id, err)
	}

	attempts := m.Attempts + 1
	if attempts >= q.cfg.MaxAttempts {
		_, err = q.db.ExecContext(ctx,
			`UPDATE sync_mutations SET attempts = ?, status = 'failed', last_error = ?, next_attempt_at = NULL WHERE id = ?`,
			attempts, reason, id)
		if err != nil {
			return fmt.Errorf("failed to mark mutation %s terminally failed: %w", id, err)
		}
		return nil
	}

	delay := clock.Backoff(q.cfg.BaseDelay, q.cfg.MaxDelay, attempts)
	next := q.clock.Now().UTC().Add(delay)
	_, err = q.db.ExecContext(ctx,
		`UPDATE sync_mutations SET attempts = ?, status = 'pending', last_error = ?, next_attempt_at = ? WHERE id = ?`,
		attempts, reason, next.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to schedule retry for mutation %s: %w", id, err)
	}
	return nil
}

// MarkRejected records a server business-rule rejection. Rejections are
// not retried automatically: the mutation goes terminally failed with the
// server's reason attached, regardless of remaining attempts.
func (q *Queue) MarkRejected(ctx context.Context, id, reason string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE sync_mutations SET attempts = attempts + 1, status = 'failed', last_error = ?, next_attempt_at = NULL WHERE id = ?`,
		reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark mutation %s rejected: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to mark mutation %s rejected: %w", id, sql.ErrNoRows)
	}
	return nil
}

// Defer reschedules a mutation whose server-side parent has not synced
// yet. The failure counter is NOT incremented: waiting on a dependency is
// not an error.
func (q *Queue) Defer(ctx context.Context, id, reason string) error {
	next := q.clock.Now().UTC().Add(q.cfg.DeferDelay)
	_, err := q.db.ExecContext(ctx,
		`UPDATE sync_mutations SET status = 'pending', last_error = ?, next_attempt_at = ? WHERE id = ?`,
		reason, next.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to defer mutation %s: %w", id, err)
	}
	return nil
}

// Retry resets a failed mutation for another round of attempts. This is
// the user-triggered recovery path.
func (q *Queue) Retry(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE sync_mutations SET attempts = 0, status = 'pending', next_attempt_at = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to retry mutation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to retry mutation %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// RetryAllFailed resets every terminally failed mutation to pending.
// Returns the number of mutations reset.
func (q *Queue) RetryAllFailed(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE sync_mutations SET attempts = 0, status = 'pending', next_attempt_at = NULL WHERE status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed mutations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetInFlight returns any mutation stuck in syncing to pending. Called
// on startup and when a sync pass is cancelled, so a crash or abort mid-
// batch never silently drops mutations.
func (q *Queue) ResetInFlight(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE sync_mutations SET status = 'pending' WHERE status = 'syncing'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-flight mutations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Counts reports queue depth for the UI ("N changes waiting to sync",
// "N failed - tap to retry").
type Counts struct {
	Pending int
	Syncing int
	Failed  int
}

// Counts returns the current queue depth by status.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_mutations GROUP BY status`)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count mutations: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, fmt.Errorf("failed to scan mutation counts: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			c.Pending = n
		case StatusSyncing:
			c.Syncing = n
		case StatusFailed:
			c.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("error iterating mutation counts: %w", err)
	}
	return c, nil
}

func (q *Queue) setStatus(ctx context.Context, ids []string, status Status) error {
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if _, err := q.db.ExecContext(ctx,
			`UPDATE sync_mutations SET status = ? WHERE id = ?`, string(status), id); err != nil {
			return fmt.Errorf("failed to set mutation %s status %s: %w", id, status, err)
		}
	}
	return nil
}

func scanMutations(rows *sql.Rows) ([]*Mutation, error) {
	var mutations []*Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		mutations = append(mutations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}
	return mutations, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMutation(row rowScanner) (*Mutation, error) {
	var m Mutation
	var action, status, payload, createdAt string
	var lastError, nextAttemptAt sql.NullString

	err := row.Scan(
		&m.ID,
		&m.Entity,
		&m.EntityID,
		&action,
		&payload,
		&createdAt,
		&m.Attempts,
		&status,
		&lastError,
		&nextAttemptAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan mutation: %w", err)
	}

	m.Action = Action(action)
	m.Status = Status(status)
	m.Payload = json.RawMessage(payload)
	m.LastError = lastError.String
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		m.CreatedAt = t
	}
	if nextAttemptAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, nextAttemptAt.String); err == nil {
			m.NextAttemptAt = &t
		}
	}
	return &m, nil
}
