package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch calls fn with the page's snapshot every time its file changes, until
// ctx is done. Events that leave the file unreadable (a writer between temp
// file and rename, or a deletion) are skipped, as are repeats of the version
// last delivered.
func (s *FileStore) Watch(ctx context.Context, pageID string, fn func(*Snapshot)) error {
	if !ValidPageID(pageID) {
		return fmt.Errorf("%w: %q", ErrInvalidPageID, pageID)
	}

	dir := filepath.Join(s.dir, pageID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating page directory %s: %w", pageID, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()

		var last int64 = -1
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != FileName || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				snap, err := s.read(pageID)
				if err != nil || snap == nil {
					continue
				}
				if snap.Version == last {
					continue
				}
				last = snap.Version
				s.observe(pageID, snap.Version)
				fn(snap)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Snapshot watcher error", zap.String("page_id", pageID), zap.Error(err))
			}
		}
	}()
	return nil
}
