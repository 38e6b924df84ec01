package outbox

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camber-io/fieldsync/internal/clock"
	"github.com/camber-io/fieldsync/internal/store"
)

func setupQueue(t *testing.T) (*Queue, *clock.Fake) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.InitSchema())

	fc := clock.NewFake(time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC))
	cfg := Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		DeferDelay:  30 * time.Second,
	}
	return New(st, fc, cfg), fc
}

func payload(t *testing.T, fields map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	return b
}

func TestEnqueueAndPendingOrder(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, "work_orders", "wo-1", ActionUpdate, payload(t, map[string]any{"status": "IN_PROGRESS"}))
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, "work_orders", "wo-2", ActionCreate, payload(t, map[string]any{"title": "New"}))
	require.NoError(t, err)

	pending, err := q.Pending(ctx, "work_orders", 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, id1, pending[0].ID, "oldest first")
	assert.Equal(t, id2, pending[1].ID)
	assert.Equal(t, StatusPending, pending[0].Status)
	assert.Equal(t, 0, pending[0].Attempts)
}

func TestPendingExcludesSyncing(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, "work_orders", "wo-1", ActionUpdate, nil)
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, "work_orders", "wo-2", ActionUpdate, nil)
	require.NoError(t, err)

	require.NoError(t, q.MarkSyncing(ctx, []string{id1}))

	pending, err := q.Pending(ctx, "work_orders", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id2, pending[0].ID)
}

func TestPendingSingleInFlightPerEntityID(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	// Two mutations for the same row: only the oldest may be handed out.
	first, err := q.Enqueue(ctx, "work_orders", "wo-1", ActionUpdate, payload(t, map[string]any{"status": "IN_PROGRESS"}))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "work_orders", "wo-1", ActionUpdate, payload(t, map[string]any{"notes": "done"}))
	require.NoError(t, err)

	pending, err := q.Pending(ctx, "work_orders", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first, pending[0].ID)

	// While the first is in flight, nothing for wo-1 is eligible.
	require.NoError(t, q.MarkSyncing(ctx, []string{first}))
	pending, err = q.Pending(ctx, "work_orders", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Once confirmed, the second becomes eligible.
	require.NoError(t, q.MarkSynced(ctx, []string{first}))
	pending, err = q.Pending(ctx, "work_orders", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"notes":"done"}`, string(pending[0].Payload))
}

func TestMarkSyncedPrunes(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "work_orders", "wo-1", ActionUpdate, nil)
	require.NoError(t, err)
	require.NoError(t, q.MarkSynced(ctx, []string{id}))

	pending, err := q.Pending(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = q.Get(ctx, id)
	assert.Error(t, err, "synced mutations are hard-deleted")
}

func TestMarkFailedBackoffThenTerminal(t *testing.T) {
	q, fc := setupQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "work_orders", "wo-1", ActionUpdate, nil)
	require.NoError(t, err)

	// Attempt 1: back to pending, gated by base delay (1s).
	require.NoError(t, q.MarkFailed(ctx, id, "connection refused"))
	m, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, 1, m.Attempts)
	assert.Equal(t, "connection refused", m.LastError)

	pending, err := q.Pending(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "backoff gate not yet elapsed")

	fc.Advance(time.Second)
	pending, err = q.Pending(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Attempt 2: delay doubles to 2s.
	require.NoError(t, q.MarkFailed(ctx, id, "timeout"))
	fc.Advance(time.Second)
	pending, err = q.Pending(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	fc.Advance(time.Second)
	pending, err = q.Pending(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Attempt 3 hits MaxAttempts: terminal failed, never pending again.
	require.NoError(t, q.MarkFailed(ctx, id, "timeout"))
	m, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, m.Status)
	assert.Equal(t, 3, m.Attempts)

	fc.Advance(time.Hour)
	pending, err = q.Pending(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDeferDoesNotCountAttempt(t *testing.T) {
	q, fc := setupQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "checklist_answers", "ans-1", ActionCustom, nil)
	require.NoError(t, err)

	require.NoError(t, q.Defer(ctx, id, "parent work order not yet synced"))

	m, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Attempts, "deferral must not increment attempts")
	assert.Equal(t, StatusPending, m.Status)

	pending, err := q.Pending(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "deferred mutation waits out the defer delay")

	fc.Advance(30 * time.Second)
	pending, err = q.Pending(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestRetryResetsFailed(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "work_orders", "wo-1", ActionUpdate, nil)
	require.NoError(t, err)
	require.NoError(t, q.MarkRejected(ctx, id, "stale record"))

	m, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, m.Status)

	require.NoError(t, q.Retry(ctx, id))
	m, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, 0, m.Attempts)
	assert.Nil(t, m.NextAttemptAt)
}

func TestRetryAllFailed(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, "work_orders", "wo-1", ActionUpdate, nil)
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, "work_orders", "wo-2", ActionUpdate, nil)
	require.NoError(t, err)
	require.NoError(t, q.MarkRejected(ctx, id1, "stale"))
	require.NoError(t, q.MarkRejected(ctx, id2, "stale"))

	n, err := q.RetryAllFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Pending)
	assert.Equal(t, 0, counts.Failed)
}

func TestResetInFlight(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "work_orders", "wo-1", ActionUpdate, nil)
	require.NoError(t, err)
	require.NoError(t, q.MarkSyncing(ctx, []string{id}))

	// Simulates crash/cancellation recovery at startup.
	n, err := q.ResetInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := q.Pending(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
}

func TestCounts(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "work_orders", "wo-1", ActionUpdate, nil)
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, "work_orders", "wo-2", ActionUpdate, nil)
	require.NoError(t, err)
	require.NoError(t, q.MarkRejected(ctx, id2, "bad"))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Pending: 1, Failed: 1}, counts)
}

func TestPendingForEntityIDOrder(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "work_orders", "wo-1", ActionUpdate, payload(t, map[string]any{"status": "IN_PROGRESS"}))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "work_orders", "wo-1", ActionUpdate, payload(t, map[string]any{"notes": "x"}))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "work_orders", "wo-other", ActionUpdate, nil)
	require.NoError(t, err)

	ms, err := q.PendingForEntityID(ctx, "work_orders", "wo-1")
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, first, ms[0].ID)
	assert.Equal(t, second, ms[1].ID)
}
