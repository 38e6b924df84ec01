// Package engine drives delta synchronization for registered entities:
// pushing the local mutation outbox and pulling server changes page by
// page behind per-entity cursors.
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/camber-io/fieldsync/internal/store"
)

// Strategy selects how a server row is reconciled against a local row
// that has no pending mutations.
type Strategy string

const (
	// StrategyServerWins always takes the server row.
	StrategyServerWins Strategy = "server_wins"

	// StrategyLastWriteWins takes whichever side was modified later.
	// Ties go to the server.
	StrategyLastWriteWins Strategy = "last_write_wins"
)

// DefaultBatchSize is the page size used when an EntityConfig does not
// set one.
const DefaultBatchSize = 100

// EntityConfig describes one synchronized entity: where its data lives
// locally, which endpoints serve it, and how wire payloads translate to
// rows.
type EntityConfig struct {
	// Name identifies the entity in the outbox and cursor tables.
	Name string

	// Table is the local SQLite table rows are written to.
	Table string

	// PullPath is the server's delta endpoint for this entity.
	PullPath string

	// PushPath is the server's mutation batch endpoint. Empty for
	// read-only reference data.
	PushPath string

	// PrimaryKeys are the columns identifying a row, in order. The first
	// one is the entity id used for outbox bookkeeping.
	PrimaryKeys []string

	// BatchSize bounds both pull pages and push batches.
	BatchSize int

	// Strategy resolves server rows against clean local rows.
	Strategy Strategy

	// FromWire decodes one wire item into a row record.
	FromWire func(json.RawMessage) (store.Record, error)

	// ToWire encodes an outbox payload record for transmission. Nil means
	// the stored payload is already wire-shaped and passes through.
	ToWire func(store.Record) (json.RawMessage, error)

	// Save, when set, replaces the default per-row upsert for pulled
	// pages. Implementations must stay idempotent: a crashed page is
	// redelivered in full.
	Save func(ctx context.Context, st *store.Store, recs []store.Record) error
}

func (c EntityConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("entity config: name is required")
	}
	if c.Table == "" {
		return fmt.Errorf("entity config %s: table is required", c.Name)
	}
	if c.PullPath == "" {
		return fmt.Errorf("entity config %s: pull path is required", c.Name)
	}
	if len(c.PrimaryKeys) == 0 {
		return fmt.Errorf("entity config %s: primary keys are required", c.Name)
	}
	if c.FromWire == nil {
		return fmt.Errorf("entity config %s: FromWire is required", c.Name)
	}
	return nil
}

func (c EntityConfig) batchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return DefaultBatchSize
}
