package attach

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors a drop directory and queues files placed there as
// work order attachments. File names carry their target:
// "<workOrderID>__<original name>", e.g. "wo-42__site-photo.jpg".
// Files without the separator are ignored.
type Watcher struct {
	pipeline *Pipeline
	watcher  *fsnotify.Watcher
	dir      string
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

const dropSeparator = "__"

// NewWatcher creates a drop-directory watcher over the pipeline.
func NewWatcher(p *Pipeline) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		pipeline: p,
		watcher:  fsw,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching dir. The directory is created if absent.
func (w *Watcher) Start(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create drop directory %s: %w", dir, err)
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch drop directory %s: %w", dir, err)
	}

	w.dir = dir
	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops the watcher and waits for its event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Writers signal completion by the file appearing (rename
			// into place) or the last write; either op ends up here.
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if err := w.ingest(event.Name); err != nil {
				w.pipeline.logger.Printf("drop watcher: %s: %v", event.Name, err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.pipeline.logger.Printf("drop watcher error: %v", err)
		}
	}
}

// ingest registers one dropped file as an attachment and queues its
// upload. Idempotent per path: a Write event after the Create finds the
// row already present and stops.
func (w *Watcher) ingest(path string) error {
	name := filepath.Base(path)
	workOrderID, fileName, found := strings.Cut(name, dropSeparator)
	if !found || workOrderID == "" || fileName == "" {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	existing, err := w.pipeline.store.ListAttachments(ctx, false)
	if err != nil {
		return err
	}
	for _, a := range existing {
		if a.LocalPath == path {
			return nil
		}
	}

	_, err = w.pipeline.Register(ctx, workOrderID, path, fileName, info.Size(), 0)
	return err
}

func mimeTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".mp4":
		return "video/mp4"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
