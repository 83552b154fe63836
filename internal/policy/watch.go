package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Holder publishes the mounted policy. Readers take a snapshot per call;
// a reload replaces the pointer and never mutates a published Policy.
type Holder struct {
	current atomic.Pointer[Policy]
}

// NewHolder creates a holder publishing p.
func NewHolder(p *Policy) *Holder {
	h := &Holder{}
	h.current.Store(p)
	return h
}

// Load returns the current policy.
func (h *Holder) Load() *Policy {
	return h.current.Load()
}

// Store publishes p.
func (h *Holder) Store(p *Policy) {
	h.current.Store(p)
}

const defaultDebounce = 100 * time.Millisecond

// Watcher reloads a policy file into a Holder when it changes on disk.
// A file that fails to load is logged and the previous policy stays
// published.
type Watcher struct {
	path     string
	holder   *Holder
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration
	cancel   context.CancelFunc
	done     chan struct{}

	mu       sync.Mutex
	onReload func(*Policy, error)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides the 100ms reload debounce.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// OnReload registers a callback run after every reload attempt.
func OnReload(fn func(*Policy, error)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher starts watching path. The directory is watched rather than
// the file so editors that replace the file on save are still observed.
func NewWatcher(path string, holder *Holder, logger *zap.Logger, opts ...WatcherOption) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve policy path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(absPath)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch policy directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     absPath,
		holder:   holder,
		logger:   logger.With(zap.String("policy_path", absPath)),
		watcher:  fw,
		debounce: defaultDebounce,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.loop(ctx)
	return w, nil
}

// Close stops watching and waits for the loop to exit.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	p, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error("policy reload failed, keeping previous policy", zap.Error(err))
	} else {
		w.holder.Store(p)
		w.logger.Info("policy reloaded",
			zap.String("version", p.Version),
			zap.String("profile", p.Profile),
			zap.Int("models", len(p.Models)))
	}

	w.mu.Lock()
	fn := w.onReload
	w.mu.Unlock()
	if fn != nil {
		fn(p, err)
	}
}
