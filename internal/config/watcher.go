package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for debouncing file system events.
const DebounceDelay = 100 * time.Millisecond

// ChangeEvent represents a notification that the configuration changed.
type ChangeEvent struct {
	// Config is the freshly loaded configuration.
	Config *Config
	// Timestamp is when the change was detected.
	Timestamp time.Time
}

// Subscriber receives notifications when the configuration file changes.
// Implementations must be safe for concurrent use.
type Subscriber interface {
	// OnConfigChanged is called after the file changed and reloaded
	// cleanly. Reload failures are logged and do not notify; the previous
	// configuration stays in effect.
	OnConfigChanged(event ChangeEvent)
}

// Watcher monitors the configuration file and notifies subscribers on
// change. Editors typically replace the file rather than write in place,
// so the parent directory is watched and events are filtered by name.
//
// Thread-safety: all public methods are safe for concurrent use.
type Watcher struct {
	mu sync.RWMutex

	path        string
	watcher     *fsnotify.Watcher
	subscribers map[Subscriber]struct{}

	// debounceDelay is the delay before firing change events.
	debounceDelay time.Duration
	debounceTimer *time.Timer
	debounceMu    sync.Mutex

	logger *slog.Logger

	// done signals the event loop to stop.
	done chan struct{}
	// stopped is closed when the event loop has exited.
	stopped chan struct{}
}

// NewWatcher creates a watcher for the configuration file at path.
// Call Start() to begin watching and Close() when done.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		path:          abs,
		watcher:       fsw,
		subscribers:   make(map[Subscriber]struct{}),
		debounceDelay: DebounceDelay,
		logger:        logger,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// SetDebounceDelay sets the debounce delay for batching rapid changes.
// Must be called before Start().
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounceDelay = d
}

// Start begins the event processing loop.
func (w *Watcher) Start() {
	go w.eventLoop()
}

// Close stops the watcher and releases resources.
// After Close returns, no more events will be delivered to subscribers.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped // Wait for event loop to exit
	return err
}

// Subscribe registers a subscriber for configuration changes.
func (w *Watcher) Subscribe(sub Subscriber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers[sub] = struct{}{}
}

// Unsubscribe removes a subscriber.
func (w *Watcher) Unsubscribe(sub Subscriber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.subscribers, sub)
}

// SubscriberCount returns the number of active subscribers.
func (w *Watcher) SubscriberCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.subscribers)
}

// eventLoop processes fsnotify events and debounces notifications.
func (w *Watcher) eventLoop() {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("config watcher error", "error", err)
			}
		}
	}
}

// handleEvent processes a single fsnotify event.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}

	if w.logger != nil {
		w.logger.Debug("config file changed", "path", w.path, "op", event.Op.String())
	}

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.mu.RLock()
	delay := w.debounceDelay
	w.mu.RUnlock()
	w.debounceTimer = time.AfterFunc(delay, w.fireChange)
	w.debounceMu.Unlock()
}

// fireChange reloads the file and notifies subscribers.
func (w *Watcher) fireChange() {
	w.debounceMu.Lock()
	w.debounceTimer = nil
	w.debounceMu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("config reload failed, keeping previous configuration",
				"path", w.path, "error", err)
		}
		return
	}

	event := ChangeEvent{Config: cfg, Timestamp: time.Now()}

	w.mu.RLock()
	subs := make([]Subscriber, 0, len(w.subscribers))
	for sub := range w.subscribers {
		subs = append(subs, sub)
	}
	w.mu.RUnlock()

	// Notify subscribers (outside of lock)
	for _, sub := range subs {
		sub.OnConfigChanged(event)
	}
}
