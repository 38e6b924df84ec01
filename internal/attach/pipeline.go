// Package attach moves attachment blobs to the server: a durable upload
// queue over the attachment_queue table, a bounded-concurrency processing
// loop, chunked transfer for large files, and garbage collection of
// local blobs.
package attach

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/camber-io/fieldsync/internal/clock"
	"github.com/camber-io/fieldsync/internal/store"
	"github.com/camber-io/fieldsync/internal/transport"
)

// ErrFileTooLarge is returned synchronously by Enqueue when the blob
// exceeds Config.MaxFileSize. Oversize files are refused up front, never
// queued to fail later.
var ErrFileTooLarge = errors.New("attachment exceeds maximum file size")

// Config tunes the pipeline.
type Config struct {
	// UploadPath is the server's attachment endpoint base.
	UploadPath string

	// MaxFileSize is the hard cap Enqueue enforces.
	MaxFileSize int64

	// ChunkThreshold is the size above which uploads switch to the
	// init/chunk/complete protocol.
	ChunkThreshold int64

	// ChunkSize is the chunk payload size for chunked uploads.
	ChunkSize int64

	// MaxConcurrent bounds parallel uploads.
	MaxConcurrent int

	// MaxRetries is the attempt cap before an upload is terminally failed.
	MaxRetries int

	// BaseDelay and MaxDelay shape the retry backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// DeferDelay is the wait applied when the parent entity has not
	// synced yet.
	DeferDelay time.Duration

	// DeleteAfterSync removes the local blob once the server confirms it.
	DeleteAfterSync bool
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		UploadPath:     "/attachments",
		MaxFileSize:    50 << 20,
		ChunkThreshold: 5 << 20,
		ChunkSize:      1 << 20,
		MaxConcurrent:  2,
		MaxRetries:     5,
		BaseDelay:      5 * time.Second,
		MaxDelay:       10 * time.Minute,
		DeferDelay:     30 * time.Second,
	}
}

// Progress is one upload progress notification.
type Progress struct {
	QueueID      string `json:"queueId"`
	AttachmentID string `json:"attachmentId"`
	Stage        string `json:"stage"` // started | chunk | completed | failed
	ChunkIndex   int    `json:"chunkIndex,omitempty"`
	TotalChunks  int    `json:"totalChunks,omitempty"`
	BytesSent    int64  `json:"bytesSent"`
	TotalBytes   int64  `json:"totalBytes"`
	Detail       string `json:"detail,omitempty"`
}

// Pipeline uploads queued attachment blobs.
type Pipeline struct {
	store      *store.Store
	db         *sql.DB
	client     *transport.Client
	clock      clock.Clock
	logger     *log.Logger
	cfg        Config
	compressor Compressor

	// OnProgress, when set, receives upload progress. Calls happen from
	// upload goroutines and must not block.
	OnProgress func(Progress)
}

// New creates a pipeline. Nil clock, logger, and compressor fall back to
// the system clock, stderr, and identity.
func New(st *store.Store, client *transport.Client, clk clock.Clock, logger *log.Logger, comp Compressor, cfg Config) *Pipeline {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[attach] ", log.LstdFlags)
	}
	if comp == nil {
		comp = Identity{}
	}
	def := DefaultConfig()
	if cfg.UploadPath == "" {
		cfg.UploadPath = def.UploadPath
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	if cfg.ChunkThreshold <= 0 {
		cfg.ChunkThreshold = def.ChunkThreshold
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = def.DeferDelay
	}
	return &Pipeline{
		store:      st,
		db:         st.RawDB(),
		client:     client,
		clock:      clk,
		logger:     logger,
		cfg:        cfg,
		compressor: comp,
	}
}

// Register creates the attachment row for a local file on a work order
// and queues its upload. fileName is the display name stored with the
// attachment; if empty, the file's base name is used. Returns the new
// attachment ID.
func (p *Pipeline) Register(ctx context.Context, workOrderID, path, fileName string, size int64, priority int) (string, error) {
	if fileName == "" {
		fileName = filepath.Base(path)
	}
	now := p.clock.Now()
	att := &store.Attachment{
		ID:        uuid.NewString(),
		Entity:    "work_orders",
		EntityID:  workOrderID,
		FileName:  fileName,
		MimeType:  mimeTypeFor(fileName),
		FileSize:  size,
		LocalPath: path,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.store.UpsertAttachment(ctx, att); err != nil {
		return "", err
	}
	if _, err := p.Enqueue(ctx, att.ID, priority); err != nil {
		return "", err
	}
	return att.ID, nil
}

// Enqueue queues an attachment's blob for upload. The attachment row
// must already exist; size is checked against the configured cap before
// anything is written.
func (p *Pipeline) Enqueue(ctx context.Context, attachmentID string, priority int) (string, error) {
	att, err := p.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return "", fmt.Errorf("failed to load attachment %s: %w", attachmentID, err)
	}
	if att.LocalPath == "" {
		return "", fmt.Errorf("attachment %s has no local blob", attachmentID)
	}

	info, err := os.Stat(att.LocalPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat attachment blob %s: %w", att.LocalPath, err)
	}
	if info.Size() > p.cfg.MaxFileSize {
		return "", fmt.Errorf("%s is %d bytes: %w", att.FileName, info.Size(), ErrFileTooLarge)
	}

	return p.insertItem(ctx, attachmentID, att.LocalPath, att.MimeType, info.Size(), priority)
}

// ProcessPending drains one round of ready uploads with bounded
// concurrency. Returns the number of uploads that completed.
func (p *Pipeline) ProcessPending(ctx context.Context) (int, error) {
	items, err := p.next(ctx, p.cfg.MaxConcurrent*4)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.MaxConcurrent)

	done := make(chan string, len(items))
	for _, item := range items {
		g.Go(func() error {
			if err := p.process(ctx, item); err != nil {
				// Failures are recorded on the item; only cancellation
				// aborts the round.
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.logger.Printf("upload %s (%s): %v", item.ID, item.LocalPath, err)
				return nil
			}
			done <- item.ID
			return nil
		})
	}
	err = g.Wait()
	close(done)

	completed := 0
	for range done {
		completed++
	}
	return completed, err
}

// process runs one upload end to end and settles the queue row.
func (p *Pipeline) process(ctx context.Context, item *Item) error {
	if err := p.setUploading(ctx, item.ID); err != nil {
		return err
	}

	data, err := os.ReadFile(item.LocalPath)
	if err != nil {
		// A missing blob can never succeed; settle it terminally.
		reason := "local blob unreadable: " + err.Error()
		item.Attempts = p.cfg.MaxRetries
		_ = p.setFailed(ctx, item, reason)
		p.emit(Progress{QueueID: item.ID, AttachmentID: item.AttachmentID, Stage: "failed", Detail: reason})
		return fmt.Errorf("read %s: %w", item.LocalPath, err)
	}

	att, err := p.store.GetAttachment(ctx, item.AttachmentID)
	if err != nil {
		return fmt.Errorf("failed to load attachment %s: %w", item.AttachmentID, err)
	}

	payload, err := p.compressor.Compress(data)
	if err != nil {
		return fmt.Errorf("compress %s: %w", item.LocalPath, err)
	}

	p.emit(Progress{
		QueueID: item.ID, AttachmentID: item.AttachmentID,
		Stage: "started", TotalBytes: int64(len(payload)),
	})

	var resp *transport.AttachmentUploadResponse
	if int64(len(payload)) > p.cfg.ChunkThreshold {
		resp, err = p.uploadChunked(ctx, item, att, payload)
	} else {
		resp, err = p.uploadSingle(ctx, att, payload)
	}
	if err != nil {
		return p.settleFailure(ctx, item, err)
	}

	now := p.clock.Now()
	if err := p.setCompleted(ctx, item.ID, now); err != nil {
		return err
	}
	if err := p.store.MarkAttachmentSynced(ctx, item.AttachmentID, resp.URL, now, p.cfg.DeleteAfterSync); err != nil {
		return err
	}
	if p.cfg.DeleteAfterSync {
		if err := os.Remove(item.LocalPath); err != nil && !os.IsNotExist(err) {
			p.logger.Printf("upload %s: blob cleanup failed: %v", item.ID, err)
		}
	}

	p.emit(Progress{
		QueueID: item.ID, AttachmentID: item.AttachmentID,
		Stage: "completed", BytesSent: int64(len(payload)), TotalBytes: int64(len(payload)),
	})
	return nil
}

func (p *Pipeline) uploadSingle(ctx context.Context, att *store.Attachment, payload []byte) (*transport.AttachmentUploadResponse, error) {
	return p.client.UploadAttachment(ctx, p.cfg.UploadPath, transport.AttachmentUpload{
		EntityID: att.EntityID,
		FileName: att.FileName,
		MimeType: att.MimeType,
		FileSize: int64(len(payload)),
		Encoding: p.compressor.Name(),
	}, payload)
}

func (p *Pipeline) uploadChunked(ctx context.Context, item *Item, att *store.Attachment, payload []byte) (*transport.AttachmentUploadResponse, error) {
	chunkSize := p.cfg.ChunkSize
	total := int((int64(len(payload)) + chunkSize - 1) / chunkSize)

	session, err := p.client.InitChunkedUpload(ctx, p.cfg.UploadPath, transport.ChunkInitRequest{
		EntityID:    att.EntityID,
		FileName:    att.FileName,
		MimeType:    att.MimeType,
		FileSize:    int64(len(payload)),
		ChunkSize:   chunkSize,
		TotalChunks: total,
		Encoding:    p.compressor.Name(),
	})
	if err != nil {
		return nil, err
	}

	for i := 0; i < total; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > int64(len(payload)) {
			end = int64(len(payload))
		}
		if err := p.client.UploadChunk(ctx, p.cfg.UploadPath, session.UploadID, i, payload[start:end]); err != nil {
			return nil, fmt.Errorf("chunk %d/%d: %w", i+1, total, err)
		}
		p.emit(Progress{
			QueueID: item.ID, AttachmentID: item.AttachmentID,
			Stage: "chunk", ChunkIndex: i, TotalChunks: total,
			BytesSent: end, TotalBytes: int64(len(payload)),
		})
	}

	return p.client.CompleteChunkedUpload(ctx, p.cfg.UploadPath, session.UploadID)
}

// settleFailure classifies an upload error the same way the mutation
// outbox does: dependency waits, rejection is terminal, everything else
// retries with backoff.
func (p *Pipeline) settleFailure(ctx context.Context, item *Item, cause error) error {
	reason := cause.Error()
	switch {
	case transport.IsDependency(cause):
		if err := p.setDeferred(ctx, item.ID, reason); err != nil {
			return err
		}
	case transport.IsRejected(cause):
		item.Attempts = p.cfg.MaxRetries
		if err := p.setFailed(ctx, item, reason); err != nil {
			return err
		}
	default:
		if err := p.setFailed(ctx, item, reason); err != nil {
			return err
		}
	}
	p.emit(Progress{QueueID: item.ID, AttachmentID: item.AttachmentID, Stage: "failed", Detail: reason})
	return cause
}

func (p *Pipeline) emit(pr Progress) {
	if p.OnProgress != nil {
		p.OnProgress(pr)
	}
}
