package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/rickgao/wsmux/internal/protocol"
)

// Conn is one registered connection. It survives reconnects: the
// underlying client is replaced but the id, key and inbound channel stay.
type Conn struct {
	id     string
	key    string
	url    string
	opts   Options
	codec  protocol.Codec
	header http.Header
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	attempt int
	refs    int
	client  Client
	gen     int           // Client generation
	genStop chan struct{} // Closed when the generation is replaced
	genErr  error         // Failure of the current generation while reconnecting
	lastErr error

	messages chan RawMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Key returns the endpoint key.
func (c *Conn) Key() string { return c.key }

// URL returns the endpoint URL.
func (c *Conn) URL() string { return c.url }

// Options returns the normalized options the connection was opened with.
func (c *Conn) Options() Options { return c.opts }

// Codec returns the wire codec.
func (c *Conn) Codec() protocol.Codec { return c.codec }

// Messages returns inbound frames across all client generations.
func (c *Conn) Messages() <-chan RawMessage { return c.messages }

// Done is closed once the connection is closed or has failed.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the current reconnect attempt (0 when not reconnecting).
func (c *Conn) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Refs returns the number of owners holding the connection.
func (c *Conn) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// Err returns the last failure seen on the connection.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Send writes one encoded frame. It fails with a *NotConnectedError
// unless the connection is open.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	state, client := c.state, c.client
	c.mu.Unlock()

	if state != StateOpen || client == nil {
		return &NotConnectedError{Target: c.key, State: state}
	}

	if err := client.Send(c.codec.MessageType(), data); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return &NotConnectedError{Target: c.key, State: c.State()}
		}
		return fmt.Errorf("send to %s: %w", c.key, err)
	}
	return nil
}

func (c *Conn) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Live() {
		return false
	}
	c.refs++
	return true
}

// release drops one reference and reports whether the connection should
// now close.
func (c *Conn) release() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs == 0 {
		return false
	}
	c.refs--
	return c.refs == 0 && !c.opts.KeepAlive
}
