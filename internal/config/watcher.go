package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces bursts of filesystem events (a save followed by
// a rename, or an editor writing a swap file) into a single reload.
// Registry.Load re-reads the whole directory, so an un-debounced watcher
// would re-parse every descriptor file once per fsnotify event in a burst.
const debounceWindow = 500 * time.Millisecond

// Watcher watches a descriptor directory for changes and triggers a
// debounced Registry.Load on each settled burst.
type Watcher struct {
	dir      string
	registry *Registry
	logger   *slog.Logger
	reloaded chan struct{}
}

// NewWatcher constructs a watcher over the registry's directory.
func NewWatcher(registry *Registry, dir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      dir,
		registry: registry,
		logger:   logger,
		reloaded: make(chan struct{}, 1),
	}
}

// Reloaded signals once per completed reload. The channel is buffered with
// capacity 1 and non-blocking; a caller that misses one signal still sees
// the latest snapshot on the next Registry.List call.
func (w *Watcher) Reloaded() <-chan struct{} {
	return w.reloaded
}

// Start begins watching in the background. It returns once the underlying
// fsnotify watcher is armed; the reload loop runs until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}

	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceWindow)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			if err := w.registry.Load(); err != nil {
				w.logger.Error("config reload failed", "error", err)
				continue
			}
			for _, loadErr := range w.registry.Errors() {
				w.logger.Warn("descriptor failed to load", "error", loadErr)
			}
			w.logger.Info("config reloaded", "dir", w.dir, "agents", len(w.registry.List()))
			select {
			case w.reloaded <- struct{}{}:
			default:
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
