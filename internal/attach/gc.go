package attach

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// SweepResult reports what a garbage collection pass removed.
type SweepResult struct {
	Removed int
	Bytes   int64
	Errors  []string
}

// SweepOrphans removes files under dir that no attachment row points at.
// Blobs land there from the camera or the drop watcher; when the row is
// deleted without the blob, the file would otherwise live forever.
func (p *Pipeline) SweepOrphans(ctx context.Context, dir string) (*SweepResult, error) {
	known := make(map[string]bool)
	atts, err := p.store.ListAttachments(ctx, false)
	if err != nil {
		return nil, err
	}
	for _, a := range atts {
		if a.LocalPath != "" {
			abs, err := filepath.Abs(a.LocalPath)
			if err == nil {
				known[abs] = true
			}
		}
	}

	res := &SweepResult{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path, err := filepath.Abs(filepath.Join(dir, entry.Name()))
		if err != nil || known[path] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		res.Removed++
		res.Bytes += info.Size()
	}

	p.logger.Printf("orphan sweep: removed %d files (%d bytes)", res.Removed, res.Bytes)
	return res, nil
}

// SweepSynced deletes local blobs whose attachments the server has
// confirmed. Only meaningful when DeleteAfterSync is off and disk
// pressure demands a manual reclaim.
func (p *Pipeline) SweepSynced(ctx context.Context) (*SweepResult, error) {
	atts, err := p.store.ListAttachments(ctx, true)
	if err != nil {
		return nil, err
	}

	res := &SweepResult{}
	for _, a := range atts {
		if a.LocalPath == "" {
			continue
		}
		info, err := os.Stat(a.LocalPath)
		if err != nil {
			continue
		}
		if err := os.Remove(a.LocalPath); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", a.LocalPath, err))
			continue
		}
		if err := p.store.MarkAttachmentSynced(ctx, a.ID, a.RemoteURL, *a.SyncedAt, true); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", a.ID, err))
			continue
		}
		res.Removed++
		res.Bytes += info.Size()
	}

	p.logger.Printf("synced-blob sweep: removed %d files (%d bytes)", res.Removed, res.Bytes)
	return res, nil
}
