package manifest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/odvcencio/bigtest/pkg/logging"
	"github.com/odvcencio/bigtest/pkg/protocol"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watcher reloads a manifest file whenever it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*protocol.Node)
	logger   *logging.Logger
}

// WatcherOption customizes a Watcher.
type WatcherOption func(*Watcher)

// WithWatchDebounce sets the window that coalesces bursts of file events.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger for reload diagnostics.
func WithWatchLogger(l *logging.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logging.OrNop(l)
	}
}

// NewWatcher creates a watcher that calls onChange with each successfully
// reloaded tree. Parse failures are logged and the previous tree stays.
func NewWatcher(path string, onChange func(*protocol.Node), opts ...WatcherOption) (*Watcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("manifest path required")
	}
	if onChange == nil {
		return nil, fmt.Errorf("manifest change handler required")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: defaultWatchDebounce,
		onChange: onChange,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run watches until ctx is done. It watches the parent directory so that
// editors replacing the file by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsWatcher.Close()
	if err := fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	reload := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("manifest watcher error", "error", err)
		case <-reload:
			root, err := Load(w.path)
			if err != nil {
				w.logger.Warn("manifest reload failed", "path", w.path, "error", err)
				continue
			}
			w.logger.ManifestUpdated(w.path, len(Lanes(root)))
			w.onChange(root)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Name == "" {
		return false
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Clean(event.Name) == w.path
}
