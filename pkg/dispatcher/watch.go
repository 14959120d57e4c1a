package dispatcher

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watch wakes the loop when another process writes the store, such as a
// submitter enqueueing into the same SQLite database. Bursts of writes are
// debounced into one wake-up. Without a working watcher the ticker alone
// drives the loop.
func (d *Dispatcher) watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Warn("store watch unavailable, polling only", "error", err)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(d.cfg.WatchDir); err != nil {
		d.logger.Warn("store watch unavailable, polling only", "dir", d.cfg.WatchDir, "error", err)
		return
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if debounce == nil {
				debounce = time.AfterFunc(d.cfg.Debounce, d.Notify)
			} else {
				debounce.Reset(d.cfg.Debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("store watch error", "error", err)
		}
	}
}
