package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camber-io/fieldsync/internal/clock"
	"github.com/camber-io/fieldsync/internal/outbox"
	"github.com/camber-io/fieldsync/internal/store"
	"github.com/camber-io/fieldsync/internal/transport"
)

var testStart = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type testRig struct {
	store  *store.Store
	queue  *outbox.Queue
	clock  *clock.Fake
	engine *Engine
}

func setupEngine(t *testing.T, handler http.Handler) *testRig {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.InitSchema())

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	clk := clock.NewFake(testStart)
	q := outbox.New(st, clk, outbox.DefaultConfig())
	e := New(st, q, transport.NewClient(srv.URL, nil), clk, nil)
	for _, cfg := range DefaultEntities() {
		require.NoError(t, e.Register(cfg))
	}
	return &testRig{store: st, queue: q, clock: clk, engine: e}
}

func wireWorkOrder(id, title, status string, updatedAt time.Time) json.RawMessage {
	raw, _ := json.Marshal(WorkOrderWire{
		ID:        id,
		Title:     title,
		Status:    status,
		Priority:  2,
		CreatedAt: testStart,
		UpdatedAt: updatedAt,
	})
	return raw
}

func pullHandler(t *testing.T, pages []transport.PullPage) http.Handler {
	t.Helper()
	i := 0
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Less(t, i, len(pages), "more pull requests than prepared pages")
		_ = json.NewEncoder(w).Encode(pages[i])
		i++
	})
}

func TestPullAppliesPagesAndAdvancesCursor(t *testing.T) {
	serverTime := testStart.Add(time.Minute)
	rig := setupEngine(t, pullHandler(t, []transport.PullPage{
		{
			Items:      []json.RawMessage{wireWorkOrder("wo-1", "Fix furnace", "SCHEDULED", serverTime)},
			NextCursor: "c1",
			ServerTime: serverTime,
			HasMore:    true,
		},
		{
			Items:      []json.RawMessage{wireWorkOrder("wo-2", "Replace filter", "SCHEDULED", serverTime)},
			NextCursor: "c2",
			ServerTime: serverTime,
		},
	}))
	ctx := context.Background()

	n, err := rig.engine.PullEntity(ctx, "work_orders", transport.ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	wo, err := rig.store.GetWorkOrder(ctx, "wo-1")
	require.NoError(t, err)
	assert.Equal(t, "Fix furnace", wo.Title)
	require.NotNil(t, wo.SyncedAt)

	cur, err := rig.store.GetCursor(ctx, "work_orders")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "c2", cur.CursorValue)
}

func TestPullFailureMidLoopKeepsCommittedCursor(t *testing.T) {
	serverTime := testStart.Add(time.Minute)
	calls := 0
	rig := setupEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			_ = json.NewEncoder(w).Encode(transport.PullPage{
				Items:      []json.RawMessage{wireWorkOrder("wo-1", "Fix furnace", "SCHEDULED", serverTime)},
				NextCursor: "c1",
				ServerTime: serverTime,
				HasMore:    true,
			})
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	ctx := context.Background()

	n, err := rig.engine.PullEntity(ctx, "work_orders", transport.ScopeAll)
	require.Error(t, err)
	assert.True(t, transport.IsTransient(err))
	assert.Equal(t, 1, n, "first page applied before the failure")

	// The committed page's cursor survives; the next pull resumes there.
	cur, err := rig.store.GetCursor(ctx, "work_orders")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "c1", cur.CursorValue)
}

func TestPullUndecodablePageDoesNotAdvanceCursor(t *testing.T) {
	serverTime := testStart.Add(time.Minute)
	rig := setupEngine(t, pullHandler(t, []transport.PullPage{
		{
			Items: []json.RawMessage{
				wireWorkOrder("wo-1", "Fix furnace", "SCHEDULED", serverTime),
				json.RawMessage(`{"title":"no id"}`),
			},
			NextCursor: "c1",
			ServerTime: serverTime,
		},
	}))
	ctx := context.Background()

	_, err := rig.engine.PullEntity(ctx, "work_orders", transport.ScopeAll)
	require.Error(t, err)

	// Whole page rolled back: neither the good row nor the cursor landed.
	_, err = rig.store.GetWorkOrder(ctx, "wo-1")
	require.Error(t, err)
	cur, err := rig.store.GetCursor(ctx, "work_orders")
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestPullPreservesPendingEdits(t *testing.T) {
	serverTime := testStart.Add(time.Minute)
	rig := setupEngine(t, pullHandler(t, []transport.PullPage{
		{
			Items:      []json.RawMessage{wireWorkOrder("wo-1", "Fix furnace (updated)", "SCHEDULED", serverTime)},
			NextCursor: "c1",
			ServerTime: serverTime,
		},
	}))
	ctx := context.Background()

	wo := &store.WorkOrder{
		ID:        "wo-1",
		Title:     "Fix furnace",
		Status:    "IN_PROGRESS",
		Priority:  2,
		CreatedAt: testStart,
		UpdatedAt: testStart,
	}
	require.NoError(t, rig.store.UpsertWorkOrder(ctx, wo))
	_, err := rig.queue.Enqueue(ctx, "work_orders", "wo-1", outbox.ActionUpdate,
		json.RawMessage(`{"id":"wo-1","status":"IN_PROGRESS"}`))
	require.NoError(t, err)

	_, err = rig.engine.PullEntity(ctx, "work_orders", transport.ScopeAll)
	require.NoError(t, err)

	got, err := rig.store.GetWorkOrder(ctx, "wo-1")
	require.NoError(t, err)
	assert.Equal(t, "IN_PROGRESS", got.Status, "pending status edit must survive the pull")
	assert.Equal(t, "Fix furnace (updated)", got.Title, "clean fields refresh from the server")
}

func TestPullLastWriteWinsKeepsNewerLocalRow(t *testing.T) {
	serverTime := testStart.Add(time.Minute)
	rig := setupEngine(t, pullHandler(t, []transport.PullPage{
		{
			Items:      []json.RawMessage{wireWorkOrder("wo-1", "Stale server copy", "SCHEDULED", serverTime)},
			NextCursor: "c1",
			ServerTime: serverTime,
		},
	}))
	ctx := context.Background()

	wo := &store.WorkOrder{
		ID:        "wo-1",
		Title:     "Local edit",
		Status:    "IN_PROGRESS",
		Priority:  2,
		CreatedAt: testStart,
		UpdatedAt: serverTime.Add(time.Hour), // newer than the server row
	}
	require.NoError(t, rig.store.UpsertWorkOrder(ctx, wo))

	_, err := rig.engine.PullEntity(ctx, "work_orders", transport.ScopeAll)
	require.NoError(t, err)

	got, err := rig.store.GetWorkOrder(ctx, "wo-1")
	require.NoError(t, err)
	assert.Equal(t, "Local edit", got.Title)
}

func TestResolve(t *testing.T) {
	older := fixedVersion{testStart}
	newer := fixedVersion{testStart.Add(time.Hour)}

	assert.Equal(t, WinnerRemote, Resolve(newer, older, StrategyServerWins))
	assert.Equal(t, WinnerLocal, Resolve(newer, older, StrategyLastWriteWins))
	assert.Equal(t, WinnerRemote, Resolve(older, newer, StrategyLastWriteWins))
	assert.Equal(t, WinnerRemote, Resolve(older, older, StrategyLastWriteWins), "ties go to the server")
}

type fixedVersion struct{ t time.Time }

func (v fixedVersion) ModifiedAt() time.Time { return v.t }

func TestPushBatchMixedResults(t *testing.T) {
	serverTime := testStart.Add(time.Minute)
	rig := setupEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req transport.PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Mutations, 3)

		resp := transport.PushResponse{ServerTime: serverTime}
		for i, m := range req.Mutations {
			status := transport.ResultApplied
			errMsg := ""
			if i == 1 {
				status = transport.ResultRejected
				errMsg = "invalid status transition"
			}
			resp.Results = append(resp.Results, transport.MutationResult{
				MutationID: m.MutationID,
				Status:     status,
				Error:      errMsg,
			})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	ctx := context.Background()

	var ids []string
	for _, woID := range []string{"wo-1", "wo-2", "wo-3"} {
		wo := &store.WorkOrder{
			ID: woID, Title: "Job " + woID, Status: "SCHEDULED", Priority: 2,
			CreatedAt: testStart, UpdatedAt: testStart,
		}
		require.NoError(t, rig.store.UpsertWorkOrder(ctx, wo))
		id, err := rig.queue.Enqueue(ctx, "work_orders", woID, outbox.ActionUpdate,
			json.RawMessage(`{"id":"`+woID+`","status":"COMPLETED"}`))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	n, err := rig.engine.PushEntity(ctx, "work_orders")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Applied mutations are pruned; the rejected one stays, terminally.
	counts, err := rig.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Pending)
	assert.Equal(t, 1, counts.Failed)

	rejected, err := rig.queue.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, rejected.Status)
	assert.Contains(t, rejected.LastError, "invalid status transition")

	// Applied rows got their synced_at stamp.
	wo, err := rig.store.GetWorkOrder(ctx, "wo-1")
	require.NoError(t, err)
	require.NotNil(t, wo.SyncedAt)
}

func TestPushNetworkFailureResetsBatchToPending(t *testing.T) {
	srvHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	rig := setupEngine(t, srvHandler)
	ctx := context.Background()

	_, err := rig.queue.Enqueue(ctx, "work_orders", "wo-1", outbox.ActionUpdate,
		json.RawMessage(`{"id":"wo-1","status":"COMPLETED"}`))
	require.NoError(t, err)

	// Point the engine at a dead endpoint.
	rig.engine.client = transport.NewClient("http://127.0.0.1:1", nil)

	_, err = rig.engine.PushEntity(ctx, "work_orders")
	require.Error(t, err)
	assert.True(t, transport.IsTransient(err))

	counts, err := rig.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pending, "unacknowledged batch returns to pending")
	assert.Equal(t, 0, counts.Syncing)

	// No server response means no attempt was consumed.
	muts, err := rig.queue.PendingForEntityID(ctx, "work_orders", "wo-1")
	require.NoError(t, err)
	require.Len(t, muts, 1)
	assert.Equal(t, 0, muts[0].Attempts)
}

func TestPushMissingParentDefersWithoutAttempt(t *testing.T) {
	rig := setupEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req transport.PushRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := transport.PushResponse{ServerTime: testStart}
		for _, m := range req.Mutations {
			resp.Results = append(resp.Results, transport.MutationResult{
				MutationID: m.MutationID,
				Status:     transport.ResultMissingParent,
				Error:      "work order wo-9 not found",
			})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	ctx := context.Background()

	id, err := rig.queue.Enqueue(ctx, "work_orders", "wo-9", outbox.ActionUpdate,
		json.RawMessage(`{"id":"wo-9","status":"COMPLETED"}`))
	require.NoError(t, err)

	_, err = rig.engine.PushEntity(ctx, "work_orders")
	require.NoError(t, err)

	m, err := rig.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, m.Status)
	assert.Equal(t, 0, m.Attempts, "deferral must not consume an attempt")
	require.NotNil(t, m.NextAttemptAt)
	assert.True(t, m.NextAttemptAt.After(testStart))
}

func TestPushIdempotentSkipPrunes(t *testing.T) {
	rig := setupEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req transport.PushRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := transport.PushResponse{ServerTime: testStart}
		for _, m := range req.Mutations {
			resp.Results = append(resp.Results, transport.MutationResult{
				MutationID: m.MutationID,
				Status:     transport.ResultSkipped,
			})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	ctx := context.Background()

	_, err := rig.queue.Enqueue(ctx, "work_orders", "wo-1", outbox.ActionUpdate,
		json.RawMessage(`{"id":"wo-1","status":"COMPLETED"}`))
	require.NoError(t, err)

	n, err := rig.engine.PushEntity(ctx, "work_orders")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "an already-applied mutation counts as confirmed")

	counts, err := rig.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Pending)
}

func TestSyncAllPushesBeforePull(t *testing.T) {
	var order []string
	rig := setupEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			order = append(order, "push "+r.URL.Path)
			var req transport.PushRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			resp := transport.PushResponse{ServerTime: testStart}
			for _, m := range req.Mutations {
				resp.Results = append(resp.Results, transport.MutationResult{
					MutationID: m.MutationID, Status: transport.ResultApplied,
				})
			}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			order = append(order, "pull "+r.URL.Path)
			_ = json.NewEncoder(w).Encode(transport.PullPage{ServerTime: testStart})
		}
	}))
	ctx := context.Background()

	_, err := rig.queue.Enqueue(ctx, "work_orders", "wo-1", outbox.ActionUpdate,
		json.RawMessage(`{"id":"wo-1","status":"COMPLETED"}`))
	require.NoError(t, err)

	events := rig.engine.Subscribe()
	defer rig.engine.Unsubscribe(events)

	require.NoError(t, rig.engine.SyncAll(ctx))

	// Work orders push their outbox before pulling the server's state back.
	assert.Contains(t, order, "push /work-orders/push")
	for i, step := range order {
		if step == "push /work-orders/push" {
			assert.Contains(t, order[i+1:], "pull /work-orders/pull")
		}
	}

	var types []EventType
	for {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
			if ev.Type == EventSyncComplete {
				assert.Equal(t, EventSyncStarted, types[0])
				assert.Contains(t, types, EventEntitySynced)
				return
			}
		default:
			t.Fatal("event stream ended without sync_complete")
		}
	}
}

func TestRegisterReplacesConfig(t *testing.T) {
	rig := setupEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	before := len(rig.engine.Entities())
	cfg, err := rig.engine.lookup("work_orders")
	require.NoError(t, err)
	cfg.BatchSize = 7
	require.NoError(t, rig.engine.Register(cfg))

	assert.Len(t, rig.engine.Entities(), before, "re-registration must not duplicate")
	got, err := rig.engine.lookup("work_orders")
	require.NoError(t, err)
	assert.Equal(t, 7, got.BatchSize)
}

func TestRegisterValidates(t *testing.T) {
	rig := setupEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	err := rig.engine.Register(EntityConfig{Name: "bad"})
	require.Error(t, err)
	err = rig.engine.Register(EntityConfig{Table: "t", PullPath: "/p"})
	require.Error(t, err)
}

func TestResyncStartsFromScratch(t *testing.T) {
	serverTime := testStart.Add(time.Minute)
	var sinceParams []string
	rig := setupEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sinceParams = append(sinceParams, r.URL.Query().Get("since"))
		_ = json.NewEncoder(w).Encode(transport.PullPage{
			Items:      []json.RawMessage{wireWorkOrder("wo-1", "Fix furnace", "SCHEDULED", serverTime)},
			NextCursor: "c1",
			ServerTime: serverTime,
		})
	}))
	ctx := context.Background()

	_, err := rig.engine.PullEntity(ctx, "work_orders", transport.ScopeAll)
	require.NoError(t, err)

	n, err := rig.engine.Resync(ctx, "work_orders", transport.ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, sinceParams, 2)
	assert.Empty(t, sinceParams[1], "resync must not send the old cursor position")
}

func TestMergePending(t *testing.T) {
	local := store.Record{"id": "wo-1", "status": "IN_PROGRESS", "title": "Old", "notes": "mine"}
	incoming := store.Record{"id": "wo-1", "status": "SCHEDULED", "title": "New", "notes": "server"}

	merged := mergePending(local, incoming, []json.RawMessage{
		json.RawMessage(`{"id":"wo-1","status":"IN_PROGRESS"}`),
		json.RawMessage(`{"id":"wo-1","notes":"mine"}`),
	})

	assert.Equal(t, "IN_PROGRESS", merged["status"])
	assert.Equal(t, "mine", merged["notes"])
	assert.Equal(t, "New", merged["title"])
}

func TestPullKeepsOfflineCompletedChecklist(t *testing.T) {
	staleTime := testStart.Add(time.Minute)
	completedAt := testStart.Add(10 * time.Minute)
	stale, err := json.Marshal(map[string]any{
		"id":          "ci-1",
		"workOrderId": "wo-1",
		"templateId":  "tpl-1",
		"status":      "IN_PROGRESS",
		"createdAt":   testStart,
		"updatedAt":   staleTime,
	})
	require.NoError(t, err)

	rig := setupEngine(t, pullHandler(t, []transport.PullPage{
		{
			Items:      []json.RawMessage{stale},
			NextCursor: "c1",
			ServerTime: staleTime,
		},
	}))
	ctx := context.Background()

	// Completed offline: the server has not seen the completion yet, so a
	// delta pull still carries its stale IN_PROGRESS copy.
	require.NoError(t, rig.store.UpsertChecklistInstance(ctx, &store.ChecklistInstance{
		ID:          "ci-1",
		WorkOrderID: "wo-1",
		TemplateID:  "tpl-1",
		Status:      "COMPLETED",
		CompletedAt: &completedAt,
		CreatedAt:   testStart,
		UpdatedAt:   completedAt,
	}))

	_, err = rig.engine.PullEntity(ctx, "checklist_instances", transport.ScopeAll)
	require.NoError(t, err)

	got, err := rig.store.GetChecklistInstance(ctx, "ci-1")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", got.Status, "offline completion must survive a stale pull")
	require.NotNil(t, got.CompletedAt)
}
