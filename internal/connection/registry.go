package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/wsmux/internal/cache"
	"github.com/rickgao/wsmux/internal/protocol"
	"github.com/rickgao/wsmux/internal/status"
)

// StatusNotifier receives connection state transitions synchronously.
type StatusNotifier interface {
	Notify(status.Transition)
}

// SendFunc writes one encoded frame on a specific client generation.
type SendFunc func(data []byte) error

// ReconnectHook runs after a reconnect, before the connection reopens.
// send writes on the new client even though the connection is not open
// yet. Returning an error fails the attempt.
type ReconnectHook func(ctx context.Context, c *Conn, send SendFunc) error

// TerminalHook runs once when a connection fails permanently.
type TerminalHook func(c *Conn, err error)

// Stats reports connection counts by state.
type Stats struct {
	Connections  int
	Connecting   int
	Open         int
	Reconnecting int
}

// Registry owns WebSocket connections keyed by endpoint.
type Registry struct {
	cfg      RegistryConfig
	notifier StatusNotifier
	logger   *slog.Logger

	newClient func(ClientConfig, *slog.Logger) Client

	mu    sync.Mutex
	conns map[string]*Conn // endpoint key -> connection
	byID  map[string]*Conn

	group    singleflight.Group
	failures *cache.TTLCache[string, error]

	hooksMu        sync.RWMutex
	reconnectHooks []ReconnectHook
	terminalHooks  []TerminalHook
}

// NewRegistry creates a Connection Registry. notifier may be nil.
func NewRegistry(cfg RegistryConfig, notifier StatusNotifier, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MessageBufferSize < 1 {
		cfg.MessageBufferSize = DefaultRegistryConfig().MessageBufferSize
	}

	r := &Registry{
		cfg:       cfg,
		notifier:  notifier,
		logger:    logger,
		newClient: NewClient,
		conns:     make(map[string]*Conn),
		byID:      make(map[string]*Conn),
	}

	if cfg.FailureCooldown > 0 {
		size := cfg.FailureCacheSize
		if size < 1 {
			size = DefaultRegistryConfig().FailureCacheSize
		}
		r.failures = cache.New[string, error](size, cfg.FailureCooldown)
	}

	return r
}

// DefaultOptions returns the options used when a caller supplies none.
func (r *Registry) DefaultOptions() Options {
	return r.cfg.Defaults
}

// OnReconnect registers a hook run after every successful re-dial.
func (r *Registry) OnReconnect(h ReconnectHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.reconnectHooks = append(r.reconnectHooks, h)
}

// OnTerminal registers a hook run when a connection fails permanently.
func (r *Registry) OnTerminal(h TerminalHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.terminalHooks = append(r.terminalHooks, h)
}

// Connect returns the live connection for url and opts, opening it if
// needed, and takes a reference on it. Concurrent calls for the same
// endpoint share a single dial, which is bounded by the connect timeout
// rather than by any one caller's ctx.
func (r *Registry) Connect(ctx context.Context, url string, opts Options) (*Conn, error) {
	opts = opts.normalized()
	key := EndpointKey(url, opts)

	for range maxAcquireAttempts {
		if r.failures != nil {
			if err, ok := r.failures.Get(key); ok {
				return nil, err
			}
		}

		ch := r.group.DoChan(key, func() (any, error) {
			return r.open(context.WithoutCancel(ctx), url, key, opts)
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			go r.abandon(ch)
			return nil, ctx.Err()
		}
		if res.Err != nil {
			return nil, res.Err
		}

		c := res.Val.(*Conn)
		if c.acquire() {
			return c, nil
		}
		// Closed between the dial and our reference; dial again.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, &ConnectionError{Endpoint: key, Err: ErrAlreadyClosed}
}

const maxAcquireAttempts = 3

// abandon waits for a dial its caller gave up on and closes the result
// unless someone else took a reference in the meantime.
func (r *Registry) abandon(ch <-chan singleflight.Result) {
	res := <-ch
	if res.Err != nil {
		return
	}
	c := res.Val.(*Conn)
	if c.acquire() && c.release() {
		r.closeIdle(c)
	}
}

// Lookup finds a connection by id, endpoint key or URL.
func (r *Registry) Lookup(target string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.byID[target]; ok {
		return c
	}
	if c, ok := r.conns[target]; ok {
		return c
	}
	for _, c := range r.conns {
		if c.url == target {
			return c
		}
	}
	return nil
}

// Send writes data on the connection identified by target. It fails with
// a *NotConnectedError unless the connection is open.
func (r *Registry) Send(ctx context.Context, target string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c := r.Lookup(target)
	if c == nil {
		return &NotConnectedError{Target: target, State: StateClosed}
	}
	return c.Send(data)
}

// Disconnect drops one reference on the connection and closes it when no
// owner is left (unless KeepAlive is set). Unknown targets and
// connections without references are ignored.
func (r *Registry) Disconnect(target string) error {
	c := r.Lookup(target)
	if c == nil {
		return nil
	}
	if c.release() {
		r.closeIdle(c)
	}
	return nil
}

// Close closes the connection regardless of references.
func (r *Registry) Close(target string) error {
	c := r.Lookup(target)
	if c == nil {
		return nil
	}
	r.closeConn(c)
	return nil
}

// DisposeAll closes every connection and forgets recorded failures. It is
// idempotent and the registry remains usable afterwards.
func (r *Registry) DisposeAll(ctx context.Context) error {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			r.closeConn(c)
			c.wg.Wait()
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return fmt.Errorf("dispose connections: %w", ctx.Err())
	}

	if r.failures != nil {
		r.failures.Purge()
	}

	if len(conns) > 0 {
		r.logger.Info("all connections disposed", "count", len(conns))
	}
	return nil
}

// Connections returns a snapshot of the registered connections.
func (r *Registry) Connections() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Stats returns current statistics.
func (r *Registry) Stats() Stats {
	var s Stats
	for _, c := range r.Connections() {
		s.Connections++
		switch c.State() {
		case StateConnecting:
			s.Connecting++
		case StateOpen:
			s.Open++
		case StateReconnecting:
			s.Reconnecting++
		}
	}
	return s
}

// open dials a new connection unless a live one exists.
func (r *Registry) open(ctx context.Context, url, key string, opts Options) (*Conn, error) {
	codec, err := protocol.CodecFor(opts.Codec)
	if err != nil {
		return nil, &ConnectionError{Endpoint: key, Err: err}
	}

	r.mu.Lock()
	if existing, ok := r.conns[key]; ok && existing.State().Live() {
		r.mu.Unlock()
		return existing, nil
	}
	c := r.newConn(url, key, opts, codec)
	r.conns[key] = c
	r.byID[c.id] = c
	r.mu.Unlock()

	r.notify(c, StateConnecting, 0, nil)

	client, err := r.dial(ctx, c)
	if err != nil {
		cerr := &ConnectionError{Endpoint: key, Err: err}
		r.terminate(c, cerr)
		return nil, cerr
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		client.Close()
		return nil, &ConnectionError{Endpoint: key, Err: ErrAlreadyClosed}
	}
	c.client = client
	c.gen = 1
	c.genStop = make(chan struct{})
	stop := c.genStop
	c.state = StateOpen
	c.mu.Unlock()

	c.wg.Add(1)
	go r.pump(c, client, 1, stop)

	c.logger.Info("connection open")
	r.notify(c, StateOpen, 0, nil)

	return c, nil
}

func (r *Registry) newConn(url, key string, opts Options, codec protocol.Codec) *Conn {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	header := http.Header{}
	for k, v := range r.cfg.Header {
		header[k] = append([]string(nil), v...)
	}
	for k, v := range opts.Header {
		header[k] = append([]string(nil), v...)
	}

	return &Conn{
		id:       id,
		key:      key,
		url:      url,
		opts:     opts,
		codec:    codec,
		header:   header,
		logger:   r.logger.With("conn_id", id, "endpoint", key),
		state:    StateConnecting,
		messages: make(chan RawMessage, r.cfg.MessageBufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// dial opens one client for c, bounded by the connect timeout and by the
// connection's own lifetime.
func (r *Registry) dial(ctx context.Context, c *Conn) (Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	client := r.newClient(c.opts.clientConfig(c.url, c.header), c.logger)
	if err := client.Connect(dialCtx); err != nil {
		client.Close()
		if ctx.Err() == nil && c.ctx.Err() == nil && isTimeout(dialCtx, err) {
			return nil, fmt.Errorf("%w after %s: %v", ErrConnectTimeout, c.opts.ConnectTimeout, err)
		}
		return nil, err
	}
	return client, nil
}

// isTimeout reports whether a failed dial ran out of time, either on the
// dial context or on a network deadline.
func isTimeout(dialCtx context.Context, err error) bool {
	if errors.Is(dialCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// pump forwards frames of one client generation into the connection's
// stable inbound channel.
func (r *Registry) pump(c *Conn, client Client, gen int, stop <-chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-stop:
			return
		case err := <-client.Errors():
			// Frames read before the failure still belong to the stream.
			r.drain(c, client, gen)
			r.handleFailure(c, gen, err)
			return
		case msg := <-client.Messages():
			if !r.forward(c, msg, gen) {
				return
			}
		}
	}
}

func (r *Registry) drain(c *Conn, client Client, gen int) {
	for {
		select {
		case msg := <-client.Messages():
			if !r.forward(c, msg, gen) {
				return
			}
		default:
			return
		}
	}
}

func (r *Registry) forward(c *Conn, msg TimestampedMessage, gen int) bool {
	raw := RawMessage{
		Data:        msg.Data,
		MessageType: msg.MessageType,
		ConnID:      c.id,
		Key:         c.key,
		Generation:  gen,
		ReceivedAt:  msg.ReceivedAt,
	}

	select {
	case c.messages <- raw:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// handleFailure reacts to the loss of client generation gen.
func (r *Registry) handleFailure(c *Conn, gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	switch c.state {
	case StateOpen:
		if !c.opts.Reconnect {
			c.mu.Unlock()
			c.logger.Warn("connection lost, reconnect disabled", "error", err)
			r.terminate(c, &ConnectionError{Endpoint: c.key, Err: err})
			return
		}
		c.state = StateReconnecting
		c.attempt = 0
		c.lastErr = err
		c.mu.Unlock()

		c.logger.Warn("connection lost", "error", err)
		c.wg.Add(1)
		go r.reconnect(c, err)

	case StateReconnecting:
		// The client installed by the reconnect loop died before reopening.
		c.genErr = err
		c.mu.Unlock()

	default:
		c.mu.Unlock()
	}
}

// reconnect re-dials with exponential backoff, re-arms subscriptions via
// the reconnect hooks and reopens the connection.
func (r *Registry) reconnect(c *Conn, cause error) {
	defer c.wg.Done()

	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		delay := c.opts.Backoff(attempt)

		c.mu.Lock()
		c.attempt = attempt + 1
		c.mu.Unlock()

		r.notify(c, StateReconnecting, attempt+1, cause)
		c.logger.Info("attempting reconnection",
			"attempt", attempt+1,
			"max_retries", c.opts.MaxRetries,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		client, err := r.dial(c.ctx, c)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("reconnection failed", "attempt", attempt+1, "error", err)
			cause = err
			continue
		}

		c.mu.Lock()
		if c.state != StateReconnecting {
			c.mu.Unlock()
			client.Close()
			return
		}
		old, oldStop := c.client, c.genStop
		c.client = client
		c.gen++
		gen := c.gen
		c.genErr = nil
		c.genStop = make(chan struct{})
		stop := c.genStop
		c.mu.Unlock()

		if oldStop != nil {
			close(oldStop)
		}
		if old != nil {
			old.Close()
		}

		c.wg.Add(1)
		go r.pump(c, client, gen, stop)

		send := func(data []byte) error {
			return client.Send(c.codec.MessageType(), data)
		}
		if err := r.runReconnectHooks(c, send); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("re-subscription failed", "attempt", attempt+1, "error", err)
			cause = err
			continue
		}

		c.mu.Lock()
		if c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		if c.genErr != nil || !client.IsConnected() {
			cause = c.genErr
			if cause == nil {
				cause = ErrUnexpectedClosure
			}
			c.mu.Unlock()
			continue
		}
		c.state = StateOpen
		c.attempt = 0
		c.mu.Unlock()

		c.logger.Info("reconnected", "attempts", attempt+1)
		r.notify(c, StateOpen, 0, nil)
		return
	}

	r.terminate(c, &ConnectionError{
		Endpoint: c.key,
		Err:      fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, c.opts.MaxRetries, cause),
	})
}

func (r *Registry) runReconnectHooks(c *Conn, send SendFunc) error {
	r.hooksMu.RLock()
	hooks := append([]ReconnectHook(nil), r.reconnectHooks...)
	r.hooksMu.RUnlock()

	for _, h := range hooks {
		if err := h(c.ctx, c, send); err != nil {
			return err
		}
	}
	return nil
}

// terminate moves c to errored, drops it from the registry and runs the
// terminal hooks.
func (r *Registry) terminate(c *Conn, err error) {
	c.mu.Lock()
	if !c.state.CanTransition(StateErrored) {
		c.mu.Unlock()
		return
	}
	c.state = StateErrored
	c.lastErr = err
	attempt := c.attempt
	client := c.client
	c.mu.Unlock()

	c.cancel()
	if client != nil {
		client.Close()
	}
	r.forget(c)

	if r.failures != nil {
		r.failures.Set(c.key, err)
	}

	c.logger.Error("connection failed", "error", err)
	r.notify(c, StateErrored, attempt, err)

	r.hooksMu.RLock()
	hooks := append([]TerminalHook(nil), r.terminalHooks...)
	r.hooksMu.RUnlock()

	for _, h := range hooks {
		h(c, err)
	}
}

// closeConn closes c on request. Pending reconnect timers are cancelled.
func (r *Registry) closeConn(c *Conn) {
	r.shutdown(c, false)
}

// closeIdle closes c only if it still has no owner. A Connect that took a
// reference after the last release keeps it open.
func (r *Registry) closeIdle(c *Conn) {
	r.shutdown(c, true)
}

func (r *Registry) shutdown(c *Conn, idleOnly bool) {
	c.mu.Lock()
	if idleOnly && (c.refs > 0 || c.opts.KeepAlive) {
		c.mu.Unlock()
		return
	}
	if !c.state.CanTransition(StateClosing) {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	client := c.client
	c.mu.Unlock()

	c.cancel()
	if client != nil {
		client.Close()
	}
	r.forget(c)

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	c.logger.Info("connection closed")
	r.notify(c, StateClosed, 0, nil)
}

func (r *Registry) forget(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[c.key] == c {
		delete(r.conns, c.key)
	}
	delete(r.byID, c.id)
}

func (r *Registry) notify(c *Conn, state State, attempt int, err error) {
	if r.notifier == nil {
		return
	}
	st, ok := state.Status()
	if !ok {
		return
	}
	r.notifier.Notify(status.Transition{
		Key:     c.key,
		ConnID:  c.id,
		Status:  st,
		Attempt: attempt,
		Err:     err,
		At:      time.Now(),
	})
}
