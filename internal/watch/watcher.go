package watch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"student_insights/internal/logger"
)

// Trigger is the trigger name passed to the fire callback.
const Trigger = "watch"

// DefaultDebounce coalesces the burst of events editors and copy tools emit
// for one logical save.
const DefaultDebounce = 500 * time.Millisecond

// Watcher fires a run whenever the input file is written, created or
// renamed into place. The parent directory is watched so atomic
// replace-by-rename is seen.
type Watcher struct {
	path     string
	debounce time.Duration
	fire     func(ctx context.Context, trigger string)
	log      *logger.Logger
}

func New(path string, debounce time.Duration, fire func(ctx context.Context, trigger string), log *logger.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Watcher{path: filepath.Clean(path), debounce: debounce, fire: fire, log: log}
}

// Start begins watching until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	w.log.Info("watching input file", "path", w.path)

	go func() {
		defer watcher.Close()
		var (
			mu    sync.Mutex
			timer *time.Timer
		)
		schedule := func() {
			mu.Lock()
			defer mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				w.log.Info("input file changed, triggering run", "path", w.path)
				w.fire(ctx, Trigger)
			})
		}
		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				mu.Unlock()
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != w.path {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					schedule()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn("watcher error", "error", err)
			}
		}
	}()
	return nil
}
