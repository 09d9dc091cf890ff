// internal/scriptdir/watch.go
package scriptdir

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch applies file changes in the directory until ctx is cancelled: created and
// written files are installed, removed and renamed-away files are uninstalled.
// ready, if not nil, is closed once the watch is established.
func (d *Dir) Watch(ctx context.Context, ready chan<- struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(d.path); err != nil {
		return fmt.Errorf("watch %s: %w", d.path, err)
	}
	d.logger.Info("Watching userscripts", zap.String("dir", d.path))
	if ready != nil {
		close(ready)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			d.handle(ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

func (d *Dir) handle(ev fsnotify.Event) {
	if !isScript(filepath.Base(ev.Name)) {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		d.remove(ev.Name)
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		// Editors often truncate before writing, so a parse failure here is
		// expected to be followed by another write.
		if err := d.install(ev.Name, true); err != nil {
			d.logger.Debug("Userscript not (yet) installable", zap.String("file", filepath.Base(ev.Name)), zap.Error(err))
		}
	}
}
