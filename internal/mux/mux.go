package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rickgao/wsmux/internal/connection"
	"github.com/rickgao/wsmux/internal/dispatch"
	"github.com/rickgao/wsmux/internal/protocol"
	"github.com/rickgao/wsmux/internal/status"
)

// Mux multiplexes logical channel subscribers over shared connections.
type Mux struct {
	cfg        Config
	registry   *connection.Registry
	observer   *status.Observer
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	mu     sync.Mutex
	links  map[string]*link // connection id -> link
	closed bool

	wg sync.WaitGroup

	wireSubscribes atomic.Int64
	duplicates     atomic.Int64
}

// New creates a multiplexer on top of registry. observer may be nil; it
// should be the registry's status notifier.
func New(cfg Config, registry *connection.Registry, observer *status.Observer, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = defaults.SubscribeTimeout
	}
	if cfg.DedupCacheSize < 1 {
		cfg.DedupCacheSize = defaults.DedupCacheSize
	}

	m := &Mux{
		cfg:        cfg,
		registry:   registry,
		observer:   observer,
		dispatcher: dispatch.New(cfg.Dispatch, logger),
		logger:     logger,
		links:      make(map[string]*link),
	}

	m.dispatcher.Start(context.Background())

	registry.OnReconnect(m.onReconnect)
	registry.OnTerminal(func(c *connection.Conn, err error) {
		m.connectionLost(c.ID(), err)
	})

	return m
}

// Subscribe attaches handler to channel on endpoint. The first subscriber
// of a channel on a connection issues the wire-level subscribe and every
// concurrent subscriber waits for its acknowledgement. The returned
// function detaches the subscriber.
func (m *Mux) Subscribe(ctx context.Context, endpoint, channel string, handler Handler, opts ...SubscribeOption) (Unsubscribe, error) {
	if channel == "" {
		return nil, ErrEmptyChannel
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	so := subscribeOptions{conn: m.registry.DefaultOptions()}
	for _, opt := range opts {
		opt(&so)
	}

	if m.isClosed() {
		return nil, ErrClosed
	}

	conn, err := m.registry.Connect(ctx, endpoint, so.conn)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.registry.Disconnect(conn.ID())
		return nil, ErrClosed
	}

	l := m.linkLocked(conn)

	cs, ok := l.channels[channel]
	first := !ok
	if first {
		cs = newChannelSub(channel)
		l.channels[channel] = cs
	}

	s := &subscriber{
		id:      uuid.NewString(),
		channel: channel,
		filter:  so.filter,
		onLost:  so.onLost,
		onError: so.onError,
		link:    l,
		cs:      cs,
	}
	s.queue = m.dispatcher.NewQueue(s.id, handler)
	cs.subs = append(cs.subs, s)

	if first {
		m.wg.Add(1)
		go l.arm(cs)
	}
	m.mu.Unlock()

	if err := cs.wait(ctx); err != nil {
		m.unsubscribe(s)
		return nil, err
	}

	l.logger.Debug("subscriber attached", "subscriber", s.id, "channel", channel)

	return func() { m.unsubscribe(s) }, nil
}

// Send encodes a {type, payload} message with the connection's codec and
// writes it. It fails with a *connection.NotConnectedError unless the
// connection is open.
func (m *Mux) Send(ctx context.Context, target, msgType string, payload any) error {
	if m.isClosed() {
		return ErrClosed
	}

	conn := m.registry.Lookup(target)
	if conn == nil {
		return &connection.NotConnectedError{Target: target, State: connection.StateClosed}
	}

	data, err := conn.Codec().Marshal(protocol.OutboundMessage{Type: msgType, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msgType, err)
	}

	return m.registry.Send(ctx, conn.ID(), data)
}

// OnConnectionStatus registers a listener for state transitions of the
// connection with the given endpoint key.
func (m *Mux) OnConnectionStatus(endpoint string, fn status.Listener) func() {
	if m.observer == nil {
		return func() {}
	}
	return m.observer.OnConnectionStatus(endpoint, fn)
}

// Close detaches every subscriber, discards undelivered events, stops the
// dispatcher and closes every connection. It is idempotent.
func (m *Mux) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	var subs []*subscriber
	for _, l := range m.links {
		for _, cs := range l.channels {
			cs.removed = true
			subs = append(subs, cs.subs...)
		}
		l.channels = make(map[string]*channelSub)
	}
	m.links = make(map[string]*link)
	m.mu.Unlock()

	for _, s := range subs {
		m.dispatcher.Cancel(s.queue)
	}

	var errs []error
	if err := m.dispatcher.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.registry.DisposeAll(ctx); err != nil {
		errs = append(errs, err)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for routers: %w", ctx.Err()))
	}

	m.logger.Info("mux closed", "subscribers", len(subs))
	return errors.Join(errs...)
}

// Stats returns current statistics.
func (m *Mux) Stats() Stats {
	m.mu.Lock()
	s := Stats{Connections: len(m.links)}
	for _, l := range m.links {
		s.Channels += len(l.channels)
		for _, cs := range l.channels {
			s.Subscribers += len(cs.subs)
		}
	}
	m.mu.Unlock()

	s.WireSubscribes = m.wireSubscribes.Load()
	s.Duplicates = m.duplicates.Load()
	s.Dispatch = m.dispatcher.Stats()
	return s
}

func (m *Mux) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// linkLocked returns the link for conn, starting its router if needed.
func (m *Mux) linkLocked(conn *connection.Conn) *link {
	if l, ok := m.links[conn.ID()]; ok {
		return l
	}

	l := newLink(m, conn)
	m.links[conn.ID()] = l
	m.wg.Add(1)
	go l.run()
	return l
}

// unsubscribe detaches s. The last subscriber of a channel removes the
// channel subscription and sends the wire-level unsubscribe.
func (m *Mux) unsubscribe(s *subscriber) {
	s.unsubOnce.Do(func() {
		l, cs := s.link, s.cs

		m.mu.Lock()
		sendWire := false
		if cs.remove(s) && len(cs.subs) == 0 && !cs.removed {
			if l.channels[cs.channel] == cs {
				delete(l.channels, cs.channel)
			}
			cs.removed = true
			sendWire = cs.armed
		}
		m.mu.Unlock()

		m.dispatcher.Cancel(s.queue)
		if sendWire {
			l.unsubscribe(cs)
		}
		m.registry.Disconnect(l.conn.ID())

		l.logger.Debug("subscriber detached", "subscriber", s.id, "channel", s.channel)
	})
}

func (m *Mux) onReconnect(ctx context.Context, c *connection.Conn, send connection.SendFunc) error {
	m.mu.Lock()
	l, ok := m.links[c.ID()]
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return l.resubscribe(ctx, send)
}

// connectionLost detaches every subscriber of a connection that ended
// while it still had subscribers, notifying each once.
func (m *Mux) connectionLost(connID string, cause error) {
	m.mu.Lock()
	l, ok := m.links[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.links, connID)

	var subs []*subscriber
	for _, cs := range l.channels {
		cs.removed = true
		subs = append(subs, cs.subs...)
	}
	l.channels = make(map[string]*channelSub)
	m.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	err := fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	l.logger.Error("connection lost, notifying subscribers", "subscribers", len(subs), "error", cause)

	for _, s := range subs {
		s.lostOnce.Do(func() {
			m.dispatcher.Cancel(s.queue)
			m.callback("connection lost", s, s.onLost, err)
		})
	}
}

// callback runs a subscriber callback, isolating panics.
func (m *Mux) callback(kind string, s *subscriber, fn func(error), err error) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscriber callback panicked",
				"callback", kind,
				"subscriber", s.id,
				"channel", s.channel,
				"panic", r,
			)
		}
	}()
	fn(err)
}
