package snapshot

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the snapshot whenever its file is written or replaced,
// until ctx is done.  A snapshot that fails to load is logged and the
// previous one kept.
func (c *Client) Watch(ctx context.Context, l *zap.Logger) error {
	log := l.Sugar().Named("snapshot").With("path", c.path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch snapshot %s: %w", c.path, err)
	}
	defer func() { _ = w.Close() }()
	// Watch the directory: editors and deploy tools replace files by rename.
	if err = w.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("watch snapshot %s: %w", c.path, err)
	}
	name := filepath.Clean(c.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			if err := c.Reload(); err != nil {
				log.Warnw("Reload snapshot", "error", err)
				continue
			}
			log.Infow("Reloaded snapshot", "op", event.Op.String())
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warnw("Watch snapshot", "error", err)
		}
	}
}
