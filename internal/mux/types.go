package mux

import (
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/wsmux/internal/connection"
	"github.com/rickgao/wsmux/internal/dispatch"
)

// Errors
var (
	ErrClosed         = errors.New("mux closed")
	ErrConnectionLost = errors.New("connection lost")
	ErrEmptyChannel   = errors.New("channel name is empty")
	ErrNilHandler     = errors.New("handler is nil")
)

// SubscriptionError reports that the server rejected a channel subscribe.
type SubscriptionError struct {
	Endpoint string
	Channel  string
	Code     string
	Message  string
}

func (e *SubscriptionError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("subscribe %s on %s rejected: %s", e.Channel, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("subscribe %s on %s rejected: %s (%s)", e.Channel, e.Endpoint, e.Message, e.Code)
}

// Event is a data message delivered to a subscriber.
type Event = dispatch.Event

// Handler receives the events of one subscription.
type Handler = dispatch.Handler

// Unsubscribe detaches a subscriber. Calling it more than once is a no-op.
type Unsubscribe func()

// Config configures the multiplexer.
type Config struct {
	SubscribeTimeout time.Duration   // Max wait for a subscribe acknowledgement
	DedupWindow      time.Duration   // Drop repeated event ids seen within this window; 0 disables
	DedupCacheSize   int             // Event ids remembered per connection
	Dispatch         dispatch.Config // Batched delivery settings
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SubscribeTimeout: 10 * time.Second,
		DedupWindow:      0,
		DedupCacheSize:   4096,
		Dispatch:         dispatch.DefaultConfig(),
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Connections    int
	Channels       int
	Subscribers    int
	WireSubscribes int64 // Subscribe commands sent, including re-subscriptions
	Duplicates     int64 // Events dropped by the dedup window
	Dispatch       dispatch.Stats
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	conn    connection.Options
	filter  map[string]struct{}
	onLost  func(error)
	onError func(error)
}

// WithFilter delivers only events whose type is one of types.
func WithFilter(types ...string) SubscribeOption {
	return func(o *subscribeOptions) {
		if len(types) == 0 {
			return
		}
		o.filter = make(map[string]struct{}, len(types))
		for _, t := range types {
			o.filter[t] = struct{}{}
		}
	}
}

// WithOptions sets the options used if the subscription opens the
// connection.
func WithOptions(opts connection.Options) SubscribeOption {
	return func(o *subscribeOptions) { o.conn = opts }
}

// WithConnectionLost registers a callback run once if the connection
// fails permanently. The error wraps ErrConnectionLost.
func WithConnectionLost(fn func(error)) SubscribeOption {
	return func(o *subscribeOptions) { o.onLost = fn }
}

// WithErrorHandler registers a callback for asynchronous subscription
// errors, such as the server rejecting a re-subscription after a reconnect.
func WithErrorHandler(fn func(error)) SubscribeOption {
	return func(o *subscribeOptions) { o.onError = fn }
}
