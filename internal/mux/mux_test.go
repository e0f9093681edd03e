package mux

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/wsmux/internal/connection"
	"github.com/rickgao/wsmux/internal/status"
)

// feed is a fake real-time backend speaking the JSON control protocol.
type feed struct {
	*httptest.Server

	refuse      atomic.Bool
	rejectDelay time.Duration

	mu           sync.Mutex
	conns        []*feedConn
	subscribes   map[string]int
	unsubscribes int
	reject       map[string]bool
	nextSID      int64
	received     []map[string]any
}

type feedConn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	channels map[string]int64
}

func (fc *feedConn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()
	return fc.ws.WriteMessage(websocket.TextMessage, data)
}

func newFeed(t *testing.T) *feed {
	t.Helper()

	f := &feed{
		subscribes: make(map[string]int),
		reject:     make(map[string]bool),
	}
	upgrader := websocket.Upgrader{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		fc := &feedConn{ws: ws, channels: make(map[string]int64)}
		f.mu.Lock()
		f.conns = append(f.conns, fc)
		f.mu.Unlock()

		f.serve(fc)
	}))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *feed) url() string { return "ws" + strings.TrimPrefix(f.Server.URL, "http") }

func (f *feed) serve(fc *feedConn) {
	for {
		_, data, err := fc.ws.ReadMessage()
		if err != nil {
			return
		}

		var cmd struct {
			ID     int64  `json:"id"`
			Cmd    string `json:"cmd"`
			Type   string `json:"type"`
			Params struct {
				Channels []string `json:"channels"`
				SIDs     []int64  `json:"sids"`
			} `json:"params"`
		}
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}

		switch cmd.Cmd {
		case "subscribe":
			for _, ch := range cmd.Params.Channels {
				f.mu.Lock()
				f.subscribes[ch]++
				rejected := f.reject[ch]
				f.nextSID++
				sid := f.nextSID
				if !rejected {
					fc.channels[ch] = sid
				}
				f.mu.Unlock()

				if rejected {
					go func(id int64) {
						time.Sleep(f.rejectDelay)
						fc.write(map[string]any{
							"id": id, "type": "error",
							"msg": map[string]any{"code": "forbidden", "message": "no access"},
						})
					}(cmd.ID)
					continue
				}
				fc.write(map[string]any{
					"id": cmd.ID, "type": "subscribed",
					"msg": map[string]any{"sid": sid, "channel": ch},
				})
			}
		case "unsubscribe":
			f.mu.Lock()
			f.unsubscribes++
			for ch, sid := range fc.channels {
				for _, s := range cmd.Params.SIDs {
					if s == sid {
						delete(fc.channels, ch)
					}
				}
			}
			f.mu.Unlock()
			fc.write(map[string]any{"id": cmd.ID, "type": "unsubscribed"})
		default:
			var msg map[string]any
			json.Unmarshal(data, &msg)
			f.mu.Lock()
			f.received = append(f.received, msg)
			f.mu.Unlock()
		}
	}
}

// publish sends a data envelope to every connection subscribed to channel.
func (f *feed) publish(channel, eventType, eventID string, payload any) {
	f.mu.Lock()
	var targets []*feedConn
	for _, fc := range f.conns {
		if _, ok := fc.channels[channel]; ok {
			targets = append(targets, fc)
		}
	}
	f.mu.Unlock()

	for _, fc := range targets {
		fc.write(map[string]any{
			"channel":  channel,
			"type":     eventType,
			"event_id": eventID,
			"payload":  payload,
		})
	}
}

func (f *feed) subscribeCount(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes[channel]
}

func (f *feed) unsubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribes
}

func (f *feed) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fc := range f.conns {
		fc.ws.Close()
	}
	f.conns = nil
}

// collector records the ids of delivered {"id": n} payloads.
type collector struct {
	mu  sync.Mutex
	ids []int
}

func (c *collector) handle(ev Event) {
	var p struct {
		ID int `json:"id"`
	}
	ev.Payload.Decode(&p)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, p.ID)
}

func (c *collector) snapshot() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.ids...)
}

func (c *collector) waitFor(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.snapshot()) >= n }, 2*time.Second, 5*time.Millisecond,
		"expected %d events", n)
}

func testConnOptions() connection.Options {
	opts := connection.DefaultOptions()
	opts.RetryDelay = 10 * time.Millisecond
	opts.MaxRetryDelay = 40 * time.Millisecond
	opts.MaxRetries = 3
	opts.HeartbeatInterval = 0
	return opts
}

func newTestMux(t *testing.T, cfg Config) (*Mux, *connection.Registry) {
	t.Helper()

	observer := status.NewObserver(nil)
	regCfg := connection.DefaultRegistryConfig()
	regCfg.Defaults = testConnOptions()
	registry := connection.NewRegistry(regCfg, observer, nil)

	cfg.SubscribeTimeout = 2 * time.Second
	m := New(cfg, registry, observer, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Close(ctx)
	})
	return m, registry
}

func point(id int) map[string]any { return map[string]any{"id": id} }

func TestMux_ConcurrentSubscribersShareOneWireSubscribe(t *testing.T) {
	f := newFeed(t)
	m, _ := newTestMux(t, DefaultConfig())

	const n = 10
	var wg sync.WaitGroup
	collectors := make([]*collector, n)
	for i := 0; i < n; i++ {
		collectors[i] = &collector{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Subscribe(context.Background(), f.url(), "points", collectors[i].handle)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.subscribeCount("points"))
	stats := m.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.Channels)
	assert.Equal(t, n, stats.Subscribers)
	assert.Equal(t, int64(1), stats.WireSubscribes)

	f.publish("points", "update", "", point(7))
	for _, c := range collectors {
		c.waitFor(t, 1)
		assert.Equal(t, []int{7}, c.snapshot())
	}
}

func TestMux_TwoSubscribersScenario(t *testing.T) {
	f := newFeed(t)
	m, _ := newTestMux(t, DefaultConfig())

	a, b := &collector{}, &collector{}
	unsubA, err := m.Subscribe(context.Background(), f.url(), "points", a.handle)
	require.NoError(t, err)
	_, err = m.Subscribe(context.Background(), f.url(), "points", b.handle)
	require.NoError(t, err)

	for id := 1; id <= 3; id++ {
		f.publish("points", "update", "", point(id))
	}
	a.waitFor(t, 3)
	b.waitFor(t, 3)

	unsubA()
	f.publish("points", "update", "", point(4))
	b.waitFor(t, 4)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, a.snapshot())
	assert.Equal(t, []int{1, 2, 3, 4}, b.snapshot())
	assert.Equal(t, 1, f.subscribeCount("points"))
	assert.Zero(t, f.unsubscribeCount())
}

func TestMux_PreservesOrder(t *testing.T) {
	f := newFeed(t)
	m, _ := newTestMux(t, DefaultConfig())

	c := &collector{}
	_, err := m.Subscribe(context.Background(), f.url(), "points", c.handle)
	require.NoError(t, err)

	const k = 300
	want := make([]int, k)
	for i := 0; i < k; i++ {
		want[i] = i + 1
		f.publish("points", "update", "", point(i+1))
	}

	c.waitFor(t, k)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, want, c.snapshot())
}

func TestMux_UnsubscribeIsIdempotent(t *testing.T) {
	f := newFeed(t)
	m, registry := newTestMux(t, DefaultConfig())

	unsub1, err := m.Subscribe(context.Background(), f.url(), "points", func(Event) {})
	require.NoError(t, err)
	unsub2, err := m.Subscribe(context.Background(), f.url(), "points", func(Event) {})
	require.NoError(t, err)

	conn := registry.Lookup(f.url())
	require.NotNil(t, conn)
	assert.Equal(t, 2, conn.Refs())

	unsub1()
	unsub1()
	assert.Equal(t, 1, conn.Refs())
	assert.Zero(t, f.unsubscribeCount())

	unsub2()
	unsub2()
	require.Eventually(t, func() bool { return f.unsubscribeCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, connection.StateClosed, conn.State())
	assert.Zero(t, m.Stats().Subscribers)

	// A new subscriber after teardown issues a new wire subscribe.
	_, err = m.Subscribe(context.Background(), f.url(), "points", func(Event) {})
	require.NoError(t, err)
	assert.Equal(t, 2, f.subscribeCount("points"))
}

func TestMux_FilterByType(t *testing.T) {
	f := newFeed(t)
	m, _ := newTestMux(t, DefaultConfig())

	var (
		mu    sync.Mutex
		types []string
	)
	_, err := m.Subscribe(context.Background(), f.url(), "points", func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, ev.Type)
	}, WithFilter("score"))
	require.NoError(t, err)

	all := &collector{}
	_, err = m.Subscribe(context.Background(), f.url(), "points", all.handle)
	require.NoError(t, err)

	f.publish("points", "update", "", point(1))
	f.publish("points", "score", "", point(2))
	f.publish("points", "update", "", point(3))
	all.waitFor(t, 3)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"score"}, types)
}

func TestMux_LateSubscriberMissesEarlierEvents(t *testing.T) {
	f := newFeed(t)
	m, _ := newTestMux(t, DefaultConfig())

	early := &collector{}
	_, err := m.Subscribe(context.Background(), f.url(), "points", early.handle)
	require.NoError(t, err)

	f.publish("points", "update", "", point(1))
	early.waitFor(t, 1)

	late := &collector{}
	_, err = m.Subscribe(context.Background(), f.url(), "points", late.handle)
	require.NoError(t, err)

	f.publish("points", "update", "", point(2))
	early.waitFor(t, 2)
	late.waitFor(t, 1)
	assert.Equal(t, []int{2}, late.snapshot())
}

func TestMux_UnsubscribeBeforeFlushDiscards(t *testing.T) {
	f := newFeed(t)
	cfg := DefaultConfig()
	cfg.Dispatch.FlushInterval = 150 * time.Millisecond
	m, _ := newTestMux(t, cfg)

	var calls atomic.Int32
	unsub, err := m.Subscribe(context.Background(), f.url(), "points", func(Event) { calls.Add(1) })
	require.NoError(t, err)

	f.publish("points", "update", "", point(1))
	require.Eventually(t, func() bool { return m.Stats().Dispatch.Enqueued == 1 }, time.Second, time.Millisecond)

	unsub()

	time.Sleep(250 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.Equal(t, int64(1), m.Stats().Dispatch.Discarded)
}

func TestMux_ReconnectRearmsSubscriptions(t *testing.T) {
	f := newFeed(t)
	m, registry := newTestMux(t, DefaultConfig())

	var statuses []status.Status
	var statusMu sync.Mutex
	m.OnConnectionStatus(f.url(), func(tr status.Transition) {
		statusMu.Lock()
		defer statusMu.Unlock()
		statuses = append(statuses, tr.Status)
	})

	c := &collector{}
	_, err := m.Subscribe(context.Background(), f.url(), "points", c.handle)
	require.NoError(t, err)
	conn := registry.Lookup(f.url())
	require.NotNil(t, conn)

	for id := 1; id <= 3; id++ {
		f.publish("points", "update", "", point(id))
	}
	c.waitFor(t, 3)

	f.dropAll()

	require.Eventually(t, func() bool {
		return f.subscribeCount("points") == 2 && conn.State() == connection.StateOpen
	}, 2*time.Second, 5*time.Millisecond)

	for id := 4; id <= 6; id++ {
		f.publish("points", "update", "", point(id))
	}
	c.waitFor(t, 6)

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, c.snapshot())
	assert.Equal(t, int64(2), m.Stats().WireSubscribes)

	statusMu.Lock()
	defer statusMu.Unlock()
	assert.Equal(t, []status.Status{
		status.Connecting, status.Open, status.Reconnecting, status.Open,
	}, statuses)
}

func TestMux_SubscriptionRejectedForAllWaiters(t *testing.T) {
	f := newFeed(t)
	f.reject["secret"] = true
	f.rejectDelay = 100 * time.Millisecond
	m, registry := newTestMux(t, DefaultConfig())

	// Open the connection first so every waiter joins the same subscribe.
	_, err := m.Subscribe(context.Background(), f.url(), "points", func(Event) {})
	require.NoError(t, err)

	const n = 3
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Subscribe(context.Background(), f.url(), "secret", func(Event) {})
		}()
	}
	wg.Wait()

	for _, err := range errs {
		var serr *SubscriptionError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "secret", serr.Channel)
		assert.Equal(t, "forbidden", serr.Code)
		assert.Same(t, errs[0], err)
	}
	assert.Equal(t, 1, f.subscribeCount("secret"))
	assert.Equal(t, 1, m.Stats().Channels)
	assert.Equal(t, 1, registry.Lookup(f.url()).Refs())
}

func TestMux_ConnectionLostNotifiesOnce(t *testing.T) {
	f := newFeed(t)
	m, _ := newTestMux(t, DefaultConfig())

	var lostA, lostB atomic.Int32
	lostErr := make(chan error, 2)

	_, err := m.Subscribe(context.Background(), f.url(), "points", func(Event) {},
		WithConnectionLost(func(err error) {
			lostA.Add(1)
			lostErr <- err
			panic("callback failure")
		}))
	require.NoError(t, err)
	unsubB, err := m.Subscribe(context.Background(), f.url(), "scores", func(Event) {},
		WithConnectionLost(func(err error) {
			lostB.Add(1)
			lostErr <- err
		}))
	require.NoError(t, err)

	f.refuse.Store(true)
	f.dropAll()

	for i := 0; i < 2; i++ {
		select {
		case err := <-lostErr:
			assert.ErrorIs(t, err, ErrConnectionLost)
			assert.ErrorIs(t, err, connection.ErrRetriesExhausted)
		case <-time.After(3 * time.Second):
			t.Fatal("connection-lost callback not called")
		}
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), lostA.Load())
	assert.Equal(t, int32(1), lostB.Load())
	assert.Zero(t, m.Stats().Channels)

	assert.NotPanics(t, func() { unsubB() })
}

func TestMux_Send(t *testing.T) {
	f := newFeed(t)
	m, _ := newTestMux(t, DefaultConfig())

	_, err := m.Subscribe(context.Background(), f.url(), "points", func(Event) {})
	require.NoError(t, err)

	require.NoError(t, m.Send(context.Background(), f.url(), "vote", map[string]any{"choice": "a"}))
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.received) == 1
	}, time.Second, 5*time.Millisecond)

	f.mu.Lock()
	msg := f.received[0]
	f.mu.Unlock()
	assert.Equal(t, "vote", msg["type"])
	assert.Equal(t, map[string]any{"choice": "a"}, msg["payload"])

	err = m.Send(context.Background(), "ws://nowhere", "vote", nil)
	assert.ErrorIs(t, err, connection.ErrNotConnected)
}

func TestMux_DedupWindow(t *testing.T) {
	f := newFeed(t)
	cfg := DefaultConfig()
	cfg.DedupWindow = time.Minute
	m, _ := newTestMux(t, cfg)

	c := &collector{}
	_, err := m.Subscribe(context.Background(), f.url(), "points", c.handle)
	require.NoError(t, err)

	f.publish("points", "update", "evt-1", point(1))
	f.publish("points", "update", "evt-1", point(1))
	f.publish("points", "update", "evt-2", point(2))
	f.publish("points", "update", "", point(3))
	f.publish("points", "update", "", point(3))
	c.waitFor(t, 4)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []int{1, 2, 3, 3}, c.snapshot())
	assert.Equal(t, int64(1), m.Stats().Duplicates)
}

func TestMux_CloseIsIdempotent(t *testing.T) {
	f := newFeed(t)
	m, registry := newTestMux(t, DefaultConfig())

	var lost atomic.Int32
	for i := 0; i < 3; i++ {
		_, err := m.Subscribe(context.Background(), f.url(), fmt.Sprintf("ch-%d", i), func(Event) {},
			WithConnectionLost(func(error) { lost.Add(1) }))
		require.NoError(t, err)
	}

	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, m.Close(context.Background()))

	assert.Equal(t, connection.Stats{}, registry.Stats())
	assert.Equal(t, 0, m.Stats().Subscribers)
	assert.Zero(t, lost.Load(), "closing is not a connection loss")

	_, err := m.Subscribe(context.Background(), f.url(), "points", func(Event) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Send(context.Background(), f.url(), "x", nil), ErrClosed)
}

func TestMux_InvalidArguments(t *testing.T) {
	m, _ := newTestMux(t, DefaultConfig())

	_, err := m.Subscribe(context.Background(), "ws://x", "", func(Event) {})
	assert.ErrorIs(t, err, ErrEmptyChannel)

	_, err = m.Subscribe(context.Background(), "ws://x", "points", nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestMux_ConnectFailureSurfaces(t *testing.T) {
	f := newFeed(t)
	f.refuse.Store(true)
	m, _ := newTestMux(t, DefaultConfig())

	_, err := m.Subscribe(context.Background(), f.url(), "points", func(Event) {})
	var cerr *connection.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Zero(t, m.Stats().Connections)
}
