package status

import (
	"log/slog"
	"sync"
	"time"
)

// Status is the externally visible connection state.
type Status int

const (
	Connecting Status = iota
	Open
	Reconnecting
	Closed
	Errored
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions follow.
func (s Status) Terminal() bool {
	return s == Closed || s == Errored
}

// Transition describes one state change of a connection.
type Transition struct {
	Key     string // Connection key (endpoint)
	ConnID  string
	Status  Status
	Attempt int   // Reconnect attempt number, 0 outside reconnecting
	Err     error // Cause for reconnecting/errored transitions
	At      time.Time
}

// Listener receives transitions.
type Listener func(Transition)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Observer fans connection transitions out to listeners.
type Observer struct {
	logger *slog.Logger

	mu        sync.RWMutex
	listeners map[string][]listenerEntry
	last      map[string]Transition
	nextID    uint64
}

// NewObserver creates an observer.
func NewObserver(logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{
		logger:    logger,
		listeners: make(map[string][]listenerEntry),
		last:      make(map[string]Transition),
	}
}

// OnConnectionStatus registers fn for transitions of the connection
// identified by key. The returned function unregisters it and is safe to
// call more than once.
func (o *Observer) OnConnectionStatus(key string, fn Listener) func() {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.listeners[key] = append(o.listeners[key], listenerEntry{id: id, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { o.remove(key, id) })
	}
}

func (o *Observer) remove(key string, id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries := o.listeners[key]
	for i, e := range entries {
		if e.id == id {
			// Copy so an in-progress Notify keeps iterating its snapshot.
			next := make([]listenerEntry, 0, len(entries)-1)
			next = append(next, entries[:i]...)
			next = append(next, entries[i+1:]...)
			if len(next) == 0 {
				delete(o.listeners, key)
			} else {
				o.listeners[key] = next
			}
			return
		}
	}
}

// Notify records tr as the latest state of tr.Key and delivers it to every
// listener of that key.
func (o *Observer) Notify(tr Transition) {
	if tr.At.IsZero() {
		tr.At = time.Now()
	}

	o.mu.Lock()
	o.last[tr.Key] = tr
	entries := o.listeners[tr.Key]
	o.mu.Unlock()

	for _, e := range entries {
		o.deliver(e, tr)
	}
}

// Last returns the most recent transition seen for key.
func (o *Observer) Last(key string) (Transition, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	tr, ok := o.last[key]
	return tr, ok
}

// Forget drops the recorded state for key. Listeners stay registered.
func (o *Observer) Forget(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.last, key)
}

// ListenerCount returns the number of listeners registered for key.
func (o *Observer) ListenerCount(key string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.listeners[key])
}

func (o *Observer) deliver(e listenerEntry, tr Transition) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("connection status listener panicked",
				"key", tr.Key,
				"status", tr.Status,
				"panic", r,
			)
		}
	}()
	e.fn(tr)
}
