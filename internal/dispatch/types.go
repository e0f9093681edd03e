package dispatch

import (
	"time"

	"github.com/rickgao/wsmux/internal/protocol"
)

// Event is a data message delivered to a subscriber.
type Event struct {
	Endpoint   string // Connection key the event arrived on
	ConnID     string
	Channel    string
	Type       string
	EventID    string // Empty when the server does not tag events
	Seq        int64
	Payload    protocol.Payload
	ReceivedAt time.Time // Local timestamp when the frame was read
}

// Handler receives events for one subscriber. It runs on the flush
// goroutine; a panic is recovered and logged.
type Handler func(Event)

// Config configures the dispatcher.
type Config struct {
	FlushInterval     time.Duration // Coalescing window before a flush; 0 flushes on the next wake-up
	PressureThreshold int           // Pending events that force an immediate flush
	MaxBatch          int           // Max events per queue per pass; 0 = unlimited
	QueueCapacity     int           // Initial capacity of each subscriber queue
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FlushInterval:     16 * time.Millisecond,
		PressureThreshold: 1024,
		MaxBatch:          256,
		QueueCapacity:     16,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Queues    int
	Pending   int
	Enqueued  int64
	Delivered int64
	Discarded int64
	Flushes   int64
	Panics    int64
}
