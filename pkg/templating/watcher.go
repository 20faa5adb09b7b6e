package templating

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a Watcher waits for the directory to go quiet
// before it refreshes.
const DefaultDebounce = 250 * time.Millisecond

// Watcher refreshes a Store whenever its directory changes. A burst of
// events results in a single Refresh once the directory has been quiet for
// the debounce interval.
type Watcher struct {
	store     *Store
	logger    *slog.Logger
	watcher   *fsnotify.Watcher
	debounce  time.Duration
	refreshes atomic.Int64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a watcher on the store's directory. It does nothing
// until Start is called.
func NewWatcher(store *Store, logger *slog.Logger, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = fw.Add(store.Dir()); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &Watcher{
		store:    store,
		logger:   logger,
		watcher:  fw,
		debounce: debounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start runs the event loop in a goroutine until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("watcher already started")
	}
	w.running = true
	go w.run(ctx)
	w.logger.Info("Watching template directory", "dir", w.store.Dir(), "debounce", w.debounce)
	return nil
}

// Stop ends the event loop, waits for it to exit and closes the underlying
// fsnotify watcher. It is safe to call more than once, and without Start.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.stopCh:
		return
	default:
	}
	close(w.stopCh)
	if w.running {
		<-w.doneCh
	}
	_ = w.watcher.Close()
}

// Refreshes returns how many refreshes the watcher has triggered.
func (w *Watcher) Refreshes() int64 {
	return w.refreshes.Load()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("Template directory changed", "file", event.Name, "op", event.Op.String())
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Template watcher error", "error", err)

		case <-timer.C:
			if _, err := w.store.Refresh(ctx); err != nil {
				w.logger.Error("Automatic template refresh failed", "error", err)
			}
			w.refreshes.Add(1)
		}
	}
}
