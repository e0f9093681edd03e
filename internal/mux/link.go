package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rickgao/wsmux/internal/cache"
	"github.com/rickgao/wsmux/internal/connection"
	"github.com/rickgao/wsmux/internal/dispatch"
	"github.com/rickgao/wsmux/internal/protocol"
)

// link is the multiplexer's view of one connection: its channel
// subscriptions, in-flight commands and routing goroutine.
type link struct {
	m      *Mux
	conn   *connection.Conn
	logger *slog.Logger

	channels map[string]*channelSub // Guarded by Mux.mu

	// Command/response correlation
	cmdID     atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan protocol.Response

	dedupe *cache.TTLCache[string, struct{}]
}

func newLink(m *Mux, conn *connection.Conn) *link {
	l := &link{
		m:        m,
		conn:     conn,
		logger:   m.logger.With("conn_id", conn.ID(), "endpoint", conn.Key()),
		channels: make(map[string]*channelSub),
		pending:  make(map[int64]chan protocol.Response),
	}
	if m.cfg.DedupWindow > 0 {
		l.dedupe = cache.New[string, struct{}](m.cfg.DedupCacheSize, m.cfg.DedupWindow)
	}
	return l
}

// run routes inbound frames until the connection ends.
func (l *link) run() {
	defer l.m.wg.Done()

	for {
		select {
		case <-l.conn.Done():
			cause := l.conn.Err()
			if cause == nil {
				cause = connection.ErrAlreadyClosed
			}
			l.m.connectionLost(l.conn.ID(), cause)
			return
		case msg := <-l.conn.Messages():
			l.handle(msg)
		}
	}
}

func (l *link) handle(msg connection.RawMessage) {
	frame, err := l.conn.Codec().DecodeFrame(msg.Data)
	if err != nil {
		l.logger.Debug("failed to decode frame", "error", err, "size", len(msg.Data))
		return
	}

	switch frame.Kind {
	case protocol.FrameResponse:
		l.resolve(frame.Response)
	case protocol.FrameData:
		l.route(frame.Data, msg)
	default:
		l.logger.Debug("ignoring unrecognized frame", "raw", string(frame.Raw))
	}
}

// resolve hands a command response to its waiter.
func (l *link) resolve(resp protocol.Response) {
	l.pendingMu.Lock()
	ch, ok := l.pending[resp.ID]
	delete(l.pending, resp.ID)
	l.pendingMu.Unlock()

	if !ok {
		if resp.Type == protocol.RespError {
			l.logger.Warn("unsolicited error response", "id", resp.ID, "error", resp.Error().String())
			return
		}
		l.logger.Debug("response without waiter", "id", resp.ID, "type", resp.Type)
		return
	}
	ch <- resp
}

// route fans a data frame out to the matching subscribers of its channel.
func (l *link) route(env protocol.Envelope, msg connection.RawMessage) {
	if l.dedupe != nil && env.EventID != "" {
		key := env.Channel + "\x00" + env.EventID
		if _, seen := l.dedupe.Get(key); seen {
			l.m.duplicates.Add(1)
			l.logger.Debug("dropping duplicate event", "channel", env.Channel, "event_id", env.EventID)
			return
		}
		l.dedupe.Set(key, struct{}{})
	}

	ev := dispatch.Event{
		Endpoint:   l.conn.Key(),
		ConnID:     l.conn.ID(),
		Channel:    env.Channel,
		Type:       env.Type,
		EventID:    env.EventID,
		Seq:        env.Seq,
		Payload:    env.Payload,
		ReceivedAt: msg.ReceivedAt,
	}

	// Enqueue under the lock so a subscriber detached concurrently never
	// receives the event.
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	cs, ok := l.channels[env.Channel]
	if !ok {
		l.logger.Debug("data for unsubscribed channel", "channel", env.Channel, "type", env.Type)
		return
	}
	for _, s := range cs.subs {
		if s.matches(env.Type) {
			l.m.dispatcher.Enqueue(s.queue, ev)
		}
	}
}

// command sends cmd with a fresh id and waits for its response.
func (l *link) command(ctx context.Context, send connection.SendFunc, cmd protocol.Command) (protocol.Response, error) {
	cmd.ID = l.cmdID.Add(1)

	ch := make(chan protocol.Response, 1)
	l.pendingMu.Lock()
	l.pending[cmd.ID] = ch
	l.pendingMu.Unlock()

	defer func() {
		l.pendingMu.Lock()
		delete(l.pending, cmd.ID)
		l.pendingMu.Unlock()
	}()

	data, err := l.conn.Codec().Marshal(cmd)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("encode %s command: %w", cmd.Cmd, err)
	}

	if err := send(data); err != nil {
		return protocol.Response{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return protocol.Response{}, fmt.Errorf("await %s response: %w", cmd.Cmd, ctx.Err())
	case <-l.conn.Done():
		return protocol.Response{}, l.lostErr()
	}
}

func (l *link) lostErr() error {
	if err := l.conn.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return fmt.Errorf("%w: %w", ErrConnectionLost, connection.ErrAlreadyClosed)
}

// subscribe issues one wire-level subscribe for channel and returns the
// server subscription id.
func (l *link) subscribe(ctx context.Context, send connection.SendFunc, channel string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.m.cfg.SubscribeTimeout)
	defer cancel()

	l.m.wireSubscribes.Add(1)
	resp, err := l.command(ctx, send, protocol.NewSubscribe(0, channel))
	if err != nil {
		return 0, err
	}

	switch resp.Type {
	case protocol.RespSubscribed:
		msg, err := resp.Subscribed()
		if err != nil {
			l.logger.Debug("failed to decode subscribed response", "error", err)
		}
		return msg.SID, nil
	case protocol.RespError:
		e := resp.Error()
		return 0, &SubscriptionError{
			Endpoint: l.conn.Key(),
			Channel:  channel,
			Code:     e.Code,
			Message:  e.Message,
		}
	default:
		return 0, &SubscriptionError{
			Endpoint: l.conn.Key(),
			Channel:  channel,
			Message:  fmt.Sprintf("unexpected response type %q", resp.Type),
		}
	}
}

// arm runs the first subscribe of cs and settles its waiters.
func (l *link) arm(cs *channelSub) {
	defer l.m.wg.Done()

	sid, err := l.subscribe(context.Background(), l.conn.Send, cs.channel)

	l.m.mu.Lock()
	if err == nil {
		cs.sid = sid
		cs.armed = true
	} else {
		cs.err = err
		if l.channels[cs.channel] == cs {
			delete(l.channels, cs.channel)
		}
		cs.removed = true
	}
	removed := cs.removed
	close(cs.ready)
	l.m.mu.Unlock()

	if err != nil {
		l.logger.Warn("subscribe failed", "channel", cs.channel, "error", err)
		return
	}

	l.logger.Info("subscribed", "channel", cs.channel, "sid", sid)
	if removed {
		// Every waiter left before the acknowledgement arrived.
		l.unsubscribe(cs)
	}
}

// unsubscribe sends a best-effort wire unsubscribe. The acknowledgement
// is not awaited.
func (l *link) unsubscribe(cs *channelSub) {
	var cmd protocol.Command
	if cs.sid != 0 {
		cmd = protocol.NewUnsubscribe(l.cmdID.Add(1), cs.channel, cs.sid)
	} else {
		cmd = protocol.NewUnsubscribe(l.cmdID.Add(1), cs.channel)
	}

	data, err := l.conn.Codec().Marshal(cmd)
	if err == nil {
		err = l.conn.Send(data)
	}
	if err != nil {
		l.logger.Debug("unsubscribe not sent", "channel", cs.channel, "error", err)
		return
	}
	l.logger.Info("unsubscribed", "channel", cs.channel, "sid", cs.sid)
}

// resubscribe re-arms every acknowledged channel on a freshly re-dialed
// connection. A channel the server now rejects is dropped and its
// subscribers are told through their error handlers; transport failures
// fail the reconnect attempt.
func (l *link) resubscribe(ctx context.Context, send connection.SendFunc) error {
	l.m.mu.Lock()
	channels := make([]*channelSub, 0, len(l.channels))
	for _, cs := range l.channels {
		if cs.armed {
			channels = append(channels, cs)
		}
	}
	l.m.mu.Unlock()

	sort.Slice(channels, func(i, j int) bool { return channels[i].channel < channels[j].channel })

	for _, cs := range channels {
		sid, err := l.subscribe(ctx, send, cs.channel)

		var serr *SubscriptionError
		if errors.As(err, &serr) {
			l.reject(cs, serr)
			continue
		}
		if err != nil {
			return fmt.Errorf("resubscribe %s: %w", cs.channel, err)
		}

		l.m.mu.Lock()
		cs.sid = sid
		l.m.mu.Unlock()
	}

	if len(channels) > 0 {
		l.logger.Info("channels re-armed", "count", len(channels))
	}
	return nil
}

// reject drops a channel subscription the server refused after a
// reconnect.
func (l *link) reject(cs *channelSub, err error) {
	l.m.mu.Lock()
	if l.channels[cs.channel] == cs {
		delete(l.channels, cs.channel)
	}
	cs.removed = true
	subs := append([]*subscriber(nil), cs.subs...)
	l.m.mu.Unlock()

	l.logger.Warn("re-subscription rejected", "channel", cs.channel, "error", err)

	for _, s := range subs {
		l.m.dispatcher.Cancel(s.queue)
		l.m.callback("error", s, s.onError, err)
	}
}
