// Package daemon runs continuous background synchronization: periodic
// sync passes over every registered entity, the attachment upload
// pipeline with its drop-directory watcher, and dashboard broadcasts.
//
// The daemon:
//  1. Recovers crash state (in-flight mutations and uploads back to pending)
//  2. Runs an initial full sync pass
//  3. Re-syncs on a timer and on manual triggers
//  4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/camber-io/fieldsync/internal/attach"
	"github.com/camber-io/fieldsync/internal/checklist"
	"github.com/camber-io/fieldsync/internal/dashboard"
	"github.com/camber-io/fieldsync/internal/engine"
	"github.com/camber-io/fieldsync/internal/outbox"
)

// Config holds daemon tuning.
type Config struct {
	// SyncInterval is the period between automatic sync passes.
	SyncInterval time.Duration

	// UploadInterval is the period between attachment pipeline rounds.
	UploadInterval time.Duration

	// DropDir, when non-empty, is watched for dropped attachment files.
	DropDir string

	// Logger for daemon activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:   30 * time.Second,
		UploadInterval: 15 * time.Second,
	}
}

// Daemon orchestrates the sync engine, checklist pushes, and the upload
// pipeline as one long-running process.
type Daemon struct {
	engine   *engine.Engine
	queue    *outbox.Queue
	orch     *checklist.Orchestrator
	pipeline *attach.Pipeline
	dash     *dashboard.Server
	config   *Config
	logger   *log.Logger

	trigger chan struct{}
	watcher *attach.Watcher

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	stopped chan struct{}
	wg      sync.WaitGroup
}

// New creates a daemon. The orchestrator, pipeline, and dashboard are
// optional; a nil dashboard disables broadcasting and a nil pipeline
// disables uploads.
func New(eng *engine.Engine, queue *outbox.Queue, orch *checklist.Orchestrator, pipeline *attach.Pipeline, dash *dashboard.Server, config *Config) *Daemon {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultConfig().SyncInterval
	}
	if config.UploadInterval <= 0 {
		config.UploadInterval = DefaultConfig().UploadInterval
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	return &Daemon{
		engine:   eng,
		queue:    queue,
		orch:     orch,
		pipeline: pipeline,
		dash:     dash,
		config:   config,
		logger:   config.Logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Start runs the daemon until ctx is cancelled or Stop is called. It
// blocks; callers wanting a background daemon run it in a goroutine.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.stopped = make(chan struct{})
	d.running = true
	d.mu.Unlock()

	defer d.shutdown()

	// Crash recovery: anything left in flight by a previous run goes
	// back to pending before the first pass.
	if n, err := d.queue.ResetInFlight(ctx); err != nil {
		return fmt.Errorf("failed to recover in-flight mutations: %w", err)
	} else if n > 0 {
		d.logger.Printf("recovered %d in-flight mutations", n)
	}
	if d.pipeline != nil {
		if n, err := d.pipeline.ResetInFlight(ctx); err != nil {
			return fmt.Errorf("failed to recover in-flight uploads: %w", err)
		} else if n > 0 {
			d.logger.Printf("recovered %d in-flight uploads", n)
		}
	}

	if d.dash != nil {
		events := d.engine.Subscribe()
		handler := dashboard.NewHandler(d.dash, d.queue, d.pipeline, d.logger)
		if d.pipeline != nil {
			d.pipeline.OnProgress = handler.OnUploadProgress
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.engine.Unsubscribe(events)
			handler.Run(ctx, events)
		}()
	}

	if d.pipeline != nil && d.config.DropDir != "" {
		w, err := attach.NewWatcher(d.pipeline)
		if err != nil {
			return fmt.Errorf("failed to create drop watcher: %w", err)
		}
		if err := w.Start(d.config.DropDir); err != nil {
			return fmt.Errorf("failed to start drop watcher: %w", err)
		}
		d.watcher = w
	}

	d.logger.Printf("daemon started (sync every %s)", d.config.SyncInterval)

	if d.pipeline != nil {
		d.wg.Add(1)
		go d.uploadLoop(ctx)
	}

	d.syncOnce(ctx)
	d.syncLoop(ctx)
	return nil
}

// Stop cancels a running daemon and waits for shutdown to complete,
// including the return of in-flight mutations and uploads to pending.
func (d *Daemon) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	stopped := d.stopped
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if stopped != nil {
		<-stopped
	}
}

// TriggerSync requests an immediate sync pass. Coalesces: a pass already
// requested absorbs further triggers.
func (d *Daemon) TriggerSync() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Daemon) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.syncOnce(ctx)
		case <-d.trigger:
			d.syncOnce(ctx)
		}
	}
}

// syncOnce runs one full pass: entity push+pull, then checklist answer
// pushes. Failures are logged, not fatal: the link comes and goes in the
// field and the next tick retries.
func (d *Daemon) syncOnce(ctx context.Context) {
	start := time.Now()
	if err := d.engine.SyncAll(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		d.logger.Printf("sync pass failed: %v", err)
		return
	}

	if d.orch != nil {
		if _, err := d.orch.PushAllPending(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Printf("checklist push failed: %v", err)
		}
	}

	d.logger.Printf("sync pass completed in %s", time.Since(start).Round(time.Millisecond))
}

func (d *Daemon) uploadLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.UploadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.pipeline.ProcessPending(ctx)
			if err != nil && ctx.Err() == nil {
				d.logger.Printf("upload round failed: %v", err)
			}
			if n > 0 {
				d.logger.Printf("uploaded %d attachments", n)
			}
		}
	}
}

// shutdown tears down the watcher and returns any mutations or uploads
// caught mid-flight by the cancellation to pending, so the next start
// resumes cleanly.
func (d *Daemon) shutdown() {
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Printf("drop watcher stop: %v", err)
		}
		d.watcher = nil
	}

	d.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n, err := d.queue.ResetInFlight(ctx); err != nil {
		d.logger.Printf("shutdown recovery: %v", err)
	} else if n > 0 {
		d.logger.Printf("returned %d in-flight mutations to pending", n)
	}
	if d.pipeline != nil {
		if n, err := d.pipeline.ResetInFlight(ctx); err != nil {
			d.logger.Printf("shutdown recovery: %v", err)
		} else if n > 0 {
			d.logger.Printf("returned %d in-flight uploads to pending", n)
		}
	}

	d.mu.Lock()
	d.running = false
	d.cancel = nil
	stopped := d.stopped
	d.mu.Unlock()

	d.logger.Println("daemon stopped")
	close(stopped)
}
