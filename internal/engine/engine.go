package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/camber-io/fieldsync/internal/clock"
	"github.com/camber-io/fieldsync/internal/outbox"
	"github.com/camber-io/fieldsync/internal/store"
	"github.com/camber-io/fieldsync/internal/transport"
)

// Engine coordinates push and pull for all registered entities. Pushes
// drain the mutation outbox in batches; pulls walk the server's delta
// pages behind a per-entity cursor that only advances with a durably
// committed page.
type Engine struct {
	store  *store.Store
	queue  *outbox.Queue
	client *transport.Client
	clock  clock.Clock
	logger *log.Logger
	scope  transport.Scope

	mu       sync.RWMutex
	entities map[string]EntityConfig
	order    []string

	events *broadcaster
}

// New creates an engine. If clk is nil the system clock is used; if
// logger is nil a stderr logger is created.
func New(st *store.Store, q *outbox.Queue, c *transport.Client, clk clock.Clock, logger *log.Logger) *Engine {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		store:    st,
		queue:    q,
		client:   c,
		clock:    clk,
		logger:   logger,
		scope:    transport.ScopeAll,
		entities: make(map[string]EntityConfig),
		events:   newBroadcaster(),
	}
}

// SetScope sets the pull scope SyncAll uses. Defaults to all records.
func (e *Engine) SetScope(scope transport.Scope) {
	e.mu.Lock()
	e.scope = scope
	e.mu.Unlock()
}

// Register adds or replaces an entity configuration. Registration order
// determines sync order, so parents should be registered before the
// entities that reference them.
func (e *Engine) Register(cfg EntityConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.entities[cfg.Name]; !exists {
		e.order = append(e.order, cfg.Name)
	}
	e.entities[cfg.Name] = cfg
	return nil
}

// Entities returns the registered entity names in sync order.
func (e *Engine) Entities() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.order...)
}

// Subscribe returns a buffered channel of progress events. Callers must
// pass the channel to Unsubscribe when done.
func (e *Engine) Subscribe() chan Event {
	return e.events.Subscribe()
}

// Unsubscribe releases a channel returned by Subscribe.
func (e *Engine) Unsubscribe(ch chan Event) {
	e.events.Unsubscribe(ch)
}

// Config returns the registered configuration for an entity.
func (e *Engine) Config(name string) (EntityConfig, error) {
	return e.lookup(name)
}

func (e *Engine) lookup(name string) (EntityConfig, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cfg, ok := e.entities[name]
	if !ok {
		return EntityConfig{}, fmt.Errorf("unknown entity %q", name)
	}
	return cfg, nil
}

// SyncAll pushes then pulls every registered entity in order. Pushing
// first means the server resolves conflicts against our freshest state
// before we pull its result back. The first hard failure stops the run.
func (e *Engine) SyncAll(ctx context.Context) error {
	e.mu.RLock()
	scope := e.scope
	e.mu.RUnlock()

	e.events.publish(Event{Type: EventSyncStarted, Time: e.clock.Now()})

	for _, name := range e.Entities() {
		pushed, err := e.PushEntity(ctx, name)
		if err != nil {
			e.events.publish(Event{Type: EventSyncFailed, Entity: name, Detail: err.Error(), Time: e.clock.Now()})
			return err
		}
		pulled, err := e.PullEntity(ctx, name, scope)
		if err != nil {
			e.events.publish(Event{Type: EventSyncFailed, Entity: name, Detail: err.Error(), Time: e.clock.Now()})
			return err
		}
		e.events.publish(Event{
			Type:   EventEntitySynced,
			Entity: name,
			Pushed: pushed,
			Pulled: pulled,
			Time:   e.clock.Now(),
		})
	}

	e.events.publish(Event{Type: EventSyncComplete, Time: e.clock.Now()})
	return nil
}

// PullEntity walks the entity's delta pages from the stored cursor until
// the server reports no more. Each page is applied and its cursor
// committed in one transaction, so a crash or network drop mid-loop
// resumes from the last committed page instead of the start.
func (e *Engine) PullEntity(ctx context.Context, name string, scope transport.Scope) (int, error) {
	cfg, err := e.lookup(name)
	if err != nil {
		return 0, err
	}

	cur, err := e.store.GetCursor(ctx, cfg.Name)
	if err != nil {
		return 0, err
	}

	q := transport.PullQuery{Limit: cfg.batchSize(), Scope: scope}
	if cur != nil {
		q.Since = cur.LastServerTime
		q.Cursor = cur.CursorValue
	}

	total := 0
	for {
		page, err := e.client.Pull(ctx, cfg.PullPath, q)
		if err != nil {
			return total, fmt.Errorf("pull %s: %w", cfg.Name, err)
		}

		n, err := e.applyPage(ctx, cfg, page)
		if err != nil {
			return total, fmt.Errorf("apply %s page: %w", cfg.Name, err)
		}
		total += n

		e.events.publish(Event{Type: EventPagePulled, Entity: cfg.Name, Pulled: n, Time: e.clock.Now()})

		if !page.HasMore {
			return total, nil
		}
		q.Cursor = page.NextCursor
		q.Since = page.ServerTime
	}
}

// applyPage reconciles and writes one pull page. The cursor is written in
// the same transaction as the rows; a partially applied page rolls back
// entirely and will be redelivered.
func (e *Engine) applyPage(ctx context.Context, cfg EntityConfig, page *transport.PullPage) (int, error) {
	recs := make([]store.Record, 0, len(page.Items))
	for _, raw := range page.Items {
		rec, err := cfg.FromWire(raw)
		if err != nil {
			return 0, fmt.Errorf("decode item: %w", err)
		}
		final, keep, err := e.reconcile(ctx, cfg, rec)
		if err != nil {
			return 0, err
		}
		if keep {
			recs = append(recs, final)
		}
	}

	serverTime := page.ServerTime
	if serverTime.IsZero() {
		serverTime = e.clock.Now()
	}
	for _, rec := range recs {
		rec["synced_at"] = serverTime
	}

	cursor := store.Cursor{
		Entity:         cfg.Name,
		CursorValue:    page.NextCursor,
		LastServerTime: serverTime,
	}

	// An empty delta with no resumption token writes nothing; otherwise
	// the cursor advances with the page. A final page clears the token
	// (pagination finished) while still moving the server-time watermark.
	advance := cursor.CursorValue != "" || len(recs) > 0

	if cfg.Save != nil {
		if err := cfg.Save(ctx, e.store, recs); err != nil {
			return 0, err
		}
		if advance {
			if err := store.PutCursor(ctx, e.store.RawDB(), cursor, e.clock.Now()); err != nil {
				return 0, err
			}
		}
		return len(recs), nil
	}

	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range recs {
			if err := store.UpsertRecord(ctx, tx, cfg.Table, cfg.PrimaryKeys, rec); err != nil {
				return err
			}
		}
		if advance {
			return store.PutCursor(ctx, tx, cursor, e.clock.Now())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// reconcile decides what an incoming server row becomes locally. Rows
// with unsynced mutations merge field by field so pending edits survive;
// clean rows go through the entity's conflict strategy. The second return
// is false when the local row wins outright and nothing is written.
func (e *Engine) reconcile(ctx context.Context, cfg EntityConfig, incoming store.Record) (store.Record, bool, error) {
	entityID := incoming.String(cfg.PrimaryKeys[0])
	keyVals := make([]any, len(cfg.PrimaryKeys))
	for i, pk := range cfg.PrimaryKeys {
		keyVals[i] = incoming[pk]
	}

	local, err := e.store.GetRecord(ctx, cfg.Table, cfg.PrimaryKeys, keyVals)
	if errors.Is(err, sql.ErrNoRows) {
		return incoming, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	pending, err := e.queue.PendingForEntityID(ctx, cfg.Name, entityID)
	if err != nil {
		return nil, false, err
	}
	if len(pending) > 0 {
		payloads := make([]json.RawMessage, len(pending))
		for i, m := range pending {
			payloads[i] = m.Payload
		}
		return mergePending(local, incoming, payloads), true, nil
	}

	if Resolve(recordVersion{local}, recordVersion{incoming}, cfg.Strategy) == WinnerLocal {
		return nil, false, nil
	}
	return incoming, true, nil
}

// PushEntity drains one batch of the entity's outbox. The batch is
// marked syncing before transmission; if the server never responds, a
// deferred reset returns every unresolved mutation to pending so nothing
// is stranded in flight.
func (e *Engine) PushEntity(ctx context.Context, name string) (int, error) {
	cfg, err := e.lookup(name)
	if err != nil {
		return 0, err
	}
	if cfg.PushPath == "" {
		return 0, nil
	}

	muts, err := e.queue.Pending(ctx, cfg.Name, cfg.batchSize())
	if err != nil {
		return 0, err
	}
	if len(muts) == 0 {
		return 0, nil
	}

	ids := make([]string, len(muts))
	byID := make(map[string]*outbox.Mutation, len(muts))
	for i, m := range muts {
		ids[i] = m.ID
		byID[m.ID] = m
	}
	if err := e.queue.MarkSyncing(ctx, ids); err != nil {
		return 0, err
	}

	settled := false
	defer func() {
		if settled {
			return
		}
		if n, err := e.queue.ResetInFlight(context.WithoutCancel(ctx)); err != nil {
			e.logger.Printf("push %s: reset in-flight failed: %v", cfg.Name, err)
		} else if n > 0 {
			e.logger.Printf("push %s: returned %d unacknowledged mutations to pending", cfg.Name, n)
		}
	}()

	req := transport.PushRequest{Mutations: make([]transport.PushMutation, 0, len(muts))}
	for _, m := range muts {
		wire := m.Payload
		if cfg.ToWire != nil {
			var rec store.Record
			if err := json.Unmarshal(m.Payload, &rec); err != nil {
				_ = e.queue.MarkRejected(ctx, m.ID, "unreadable payload: "+err.Error())
				delete(byID, m.ID)
				continue
			}
			wire, err = cfg.ToWire(rec)
			if err != nil {
				_ = e.queue.MarkRejected(ctx, m.ID, "encode: "+err.Error())
				delete(byID, m.ID)
				continue
			}
		}
		req.Mutations = append(req.Mutations, transport.PushMutation{
			MutationID:      m.ID,
			Action:          string(m.Action),
			Record:          wire,
			ClientUpdatedAt: m.CreatedAt,
		})
	}
	if len(req.Mutations) == 0 {
		settled = true
		return 0, nil
	}

	resp, err := e.client.Push(ctx, cfg.PushPath, req)
	if err != nil {
		var terr *transport.Error
		if errors.As(err, &terr) && terr.Status != 0 {
			// The server saw the batch and refused it whole. Settle each
			// mutation by the refusal's class instead of leaving it to the
			// in-flight reset, so rejections don't silently retry forever.
			settled = true
			for id := range byID {
				switch {
				case transport.IsDependency(err):
					_ = e.queue.Defer(ctx, id, terr.Message)
				case transport.IsRejected(err):
					_ = e.queue.MarkRejected(ctx, id, terr.Message)
				default:
					_ = e.queue.MarkFailed(ctx, id, terr.Message)
				}
			}
		}
		return 0, fmt.Errorf("push %s: %w", cfg.Name, err)
	}

	var applied []string
	answered := 0
	for _, res := range resp.Results {
		m, ok := byID[res.MutationID]
		if !ok {
			continue
		}
		answered++

		switch res.Status {
		case transport.ResultApplied, transport.ResultSkipped:
			applied = append(applied, res.MutationID)
			if err := e.confirmMutation(ctx, cfg, m, res, resp); err != nil {
				e.logger.Printf("push %s: confirm %s: %v", cfg.Name, m.ID, err)
			}
		case transport.ResultMissingParent:
			_ = e.queue.Defer(ctx, res.MutationID, res.Error)
		case transport.ResultRejected:
			_ = e.queue.MarkRejected(ctx, res.MutationID, res.Error)
			e.logger.Printf("push %s: mutation %s rejected: %s", cfg.Name, res.MutationID, res.Error)
		default:
			_ = e.queue.MarkFailed(ctx, res.MutationID, "unknown result status "+res.Status)
		}

		e.events.publish(Event{
			Type:       EventMutationUpdate,
			Entity:     cfg.Name,
			MutationID: res.MutationID,
			Detail:     res.Status,
			Time:       e.clock.Now(),
		})
	}

	if err := e.queue.MarkSynced(ctx, applied); err != nil {
		return len(applied), err
	}

	// Results the server omitted go back to pending via the deferred
	// reset.
	settled = answered == len(byID)

	e.events.publish(Event{Type: EventBatchPushed, Entity: cfg.Name, Pushed: len(applied), Time: e.clock.Now()})
	return len(applied), nil
}

// confirmMutation reflects a server-accepted mutation into the local
// table: deletes remove the row, and an echoed authoritative record
// replaces ours, otherwise the row is just stamped synced.
func (e *Engine) confirmMutation(ctx context.Context, cfg EntityConfig, m *outbox.Mutation, res transport.MutationResult, resp *transport.PushResponse) error {
	serverTime := resp.ServerTime
	if serverTime.IsZero() {
		serverTime = e.clock.Now()
	}

	if m.Action == outbox.ActionDelete {
		return e.store.DeleteRecord(ctx, cfg.Table, cfg.PrimaryKeys, []any{m.EntityID})
	}

	if len(res.Record) > 0 {
		rec, err := cfg.FromWire(res.Record)
		if err != nil {
			return fmt.Errorf("decode echoed record: %w", err)
		}
		rec["synced_at"] = serverTime
		return store.UpsertRecord(ctx, e.store.RawDB(), cfg.Table, cfg.PrimaryKeys, rec)
	}

	return store.MarkRowSynced(ctx, e.store.RawDB(), cfg.Table, cfg.PrimaryKeys, []any{m.EntityID}, serverTime)
}

// Resync drops the entity's cursor and pulls from scratch. Local rows
// with pending mutations still keep their dirty fields through the merge
// rule.
func (e *Engine) Resync(ctx context.Context, name string, scope transport.Scope) (int, error) {
	if _, err := e.lookup(name); err != nil {
		return 0, err
	}
	if err := e.store.DeleteCursor(ctx, name); err != nil {
		return 0, err
	}
	return e.PullEntity(ctx, name, scope)
}
