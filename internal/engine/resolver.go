package engine

import (
	"encoding/json"
	"time"

	"github.com/camber-io/fieldsync/internal/store"
)

// Winner names the side a conflict resolution picked.
type Winner int

const (
	WinnerRemote Winner = iota
	WinnerLocal
)

// Versioned exposes the modification timestamp conflict resolution
// compares.
type Versioned interface {
	ModifiedAt() time.Time
}

// recordVersion adapts a row record to Versioned via its updated_at
// column.
type recordVersion struct {
	rec store.Record
}

func (v recordVersion) ModifiedAt() time.Time {
	return v.rec.Time("updated_at")
}

// Resolve picks the surviving side for a row with no pending local
// mutations. Server-wins always takes remote; last-write-wins compares
// timestamps and gives ties to remote, since the server copy is the one
// other clients already see.
func Resolve(local, remote Versioned, strategy Strategy) Winner {
	if strategy != StrategyLastWriteWins {
		return WinnerRemote
	}
	if local.ModifiedAt().After(remote.ModifiedAt()) {
		return WinnerLocal
	}
	return WinnerRemote
}

// mergePending reconciles an incoming server row against a local row that
// has unsynced mutations. Every column named by any pending payload keeps
// its local value; the rest refresh from the server. This is what keeps a
// technician's in-flight status change from being clobbered by a pull.
func mergePending(local, incoming store.Record, pendingPayloads []json.RawMessage) store.Record {
	dirty := make(map[string]bool)
	for _, raw := range pendingPayloads {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			continue
		}
		for k := range fields {
			dirty[k] = true
		}
	}

	merged := make(store.Record, len(incoming))
	for k, v := range incoming {
		merged[k] = v
	}
	for k := range dirty {
		if v, ok := local[k]; ok {
			merged[k] = v
		}
	}
	return merged
}
