package engine

import (
	"sync"
	"time"
)

// EventType labels a progress event on the engine's stream.
type EventType string

const (
	EventSyncStarted    EventType = "sync_started"
	EventEntitySynced   EventType = "entity_synced"
	EventSyncComplete   EventType = "sync_complete"
	EventSyncFailed     EventType = "sync_failed"
	EventPagePulled     EventType = "page_pulled"
	EventBatchPushed    EventType = "batch_pushed"
	EventMutationUpdate EventType = "mutation_update"
)

// Event is one progress update. Pushed and Pulled carry counts for the
// batch/page events; MutationID and Detail describe per-mutation outcomes.
type Event struct {
	Type       EventType `json:"type"`
	Entity     string    `json:"entity,omitempty"`
	Pushed     int       `json:"pushed,omitempty"`
	Pulled     int       `json:"pulled,omitempty"`
	MutationID string    `json:"mutationId,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Time       time.Time `json:"time"`
}

// broadcaster fans events out to subscribers. Sends never block: a
// subscriber that falls behind loses events rather than stalling sync.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a buffered event channel. The caller must
// Unsubscribe when done or the channel leaks.
func (b *broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (b *broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
