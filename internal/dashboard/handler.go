package dashboard

import (
	"context"
	"log"

	"github.com/camber-io/fieldsync/internal/attach"
	"github.com/camber-io/fieldsync/internal/engine"
	"github.com/camber-io/fieldsync/internal/outbox"
)

// Handler bridges sync progress onto the WebSocket server: it consumes
// the engine's event stream and the pipeline's progress hook and formats
// them as dashboard messages.
type Handler struct {
	server   *Server
	queue    *outbox.Queue
	pipeline *attach.Pipeline
	logger   *log.Logger
}

// NewHandler creates a handler. Queue and pipeline are optional; when
// present their depth rides along as stats after each sync pass.
func NewHandler(server *Server, queue *outbox.Queue, pipeline *attach.Pipeline, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, queue: queue, pipeline: pipeline, logger: logger}
}

// Run consumes engine events until ctx is cancelled or the channel
// closes. Callers run it in a goroutine with a channel from
// engine.Subscribe.
func (h *Handler) Run(ctx context.Context, events <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.handle(ctx, ev)
		}
	}
}

func (h *Handler) handle(ctx context.Context, ev engine.Event) {
	switch ev.Type {
	case engine.EventSyncStarted:
		h.server.Broadcast(Message{Type: MessageTypeSyncStarted, Timestamp: ev.Time})

	case engine.EventEntitySynced:
		h.server.BroadcastData(MessageTypeEntitySynced, EntitySyncedData{
			Entity: ev.Entity,
			Pushed: ev.Pushed,
			Pulled: ev.Pulled,
		})

	case engine.EventSyncComplete:
		h.server.Broadcast(Message{Type: MessageTypeSyncComplete, Timestamp: ev.Time})
		h.broadcastStats(ctx)

	case engine.EventSyncFailed:
		h.server.BroadcastData(MessageTypeSyncFailed, SyncFailedData{
			Entity: ev.Entity,
			Error:  ev.Detail,
		})
		h.broadcastStats(ctx)

	case engine.EventMutationUpdate:
		h.server.BroadcastData(MessageTypeMutationUpdate, MutationUpdateData{
			Entity:     ev.Entity,
			MutationID: ev.MutationID,
			Outcome:    ev.Detail,
		})
	}
}

// OnUploadProgress is wired into attach.Pipeline.OnProgress.
func (h *Handler) OnUploadProgress(pr attach.Progress) {
	h.server.BroadcastData(MessageTypeUploadProgress, pr)
}

func (h *Handler) broadcastStats(ctx context.Context) {
	var stats StatsData
	if h.queue != nil {
		counts, err := h.queue.Counts(ctx)
		if err != nil {
			h.logger.Printf("dashboard stats: %v", err)
			return
		}
		stats.PendingMutations = counts.Pending
		stats.FailedMutations = counts.Failed
	}
	if h.pipeline != nil {
		counts, err := h.pipeline.Counts(ctx)
		if err != nil {
			h.logger.Printf("dashboard stats: %v", err)
			return
		}
		stats.PendingUploads = counts.Pending
		stats.FailedUploads = counts.Failed
	}
	h.server.BroadcastData(MessageTypeStats, stats)
}
