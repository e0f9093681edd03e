package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/wsmux/internal/dispatch"
	"github.com/rickgao/wsmux/internal/protocol"
)

// fakeStore records every COPY in memory.
type fakeStore struct {
	mu      sync.Mutex
	tables  []pgx.Identifier
	columns []string
	batches [][][]any
	fail    error
}

func (s *fakeStore) CopyFrom(_ context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	var rows [][]any
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return 0, err
		}
		rows = append(rows, vals)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}
	s.tables = append(s.tables, table)
	s.columns = columns
	s.batches = append(s.batches, rows)
	return int64(len(rows)), nil
}

func (s *fakeStore) rows() [][]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all [][]any
	for _, b := range s.batches {
		all = append(all, b...)
	}
	return all
}

func (s *fakeStore) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func testEvent(t *testing.T, channel string, seq int64) dispatch.Event {
	t.Helper()
	codec, err := protocol.CodecFor(protocol.CodecJSON)
	require.NoError(t, err)
	return dispatch.Event{
		Endpoint:   "wss://feed.example.com/ws",
		ConnID:     "conn-1",
		Channel:    channel,
		Type:       "tick",
		EventID:    "ev",
		Seq:        seq,
		Payload:    protocol.NewPayload(codec, []byte(`{"price":1}`)),
		ReceivedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func startRecorder(t *testing.T, cfg Config, store Store) *Recorder {
	t.Helper()
	r := New(cfg, store, nil)
	require.NoError(t, r.Start(context.Background()))
	return r
}

func TestRecorder_FlushesOnBatchSize(t *testing.T) {
	store := &fakeStore{}
	r := startRecorder(t, Config{BatchSize: 3, FlushInterval: time.Hour}, store)
	defer r.Stop(context.Background())

	for i := int64(1); i <= 3; i++ {
		r.Handle(testEvent(t, "ticker", i))
	}

	require.Eventually(t, func() bool { return r.Stats().Inserted == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, store.batchCount())

	stats := r.Stats()
	assert.Equal(t, int64(3), stats.Received)
	assert.Equal(t, int64(3), stats.Inserted)
	assert.Equal(t, int64(1), stats.Flushes)
	assert.Zero(t, stats.Pending)
}

func TestRecorder_FlushesOnInterval(t *testing.T) {
	store := &fakeStore{}
	r := startRecorder(t, Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, store)
	defer r.Stop(context.Background())

	r.Handle(testEvent(t, "ticker", 1))

	require.Eventually(t, func() bool { return len(store.rows()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRecorder_PreservesOrder(t *testing.T) {
	store := &fakeStore{}
	r := startRecorder(t, Config{BatchSize: 7, FlushInterval: 10 * time.Millisecond}, store)

	const n = 100
	for i := int64(1); i <= n; i++ {
		r.Handle(testEvent(t, "trades", i))
	}
	require.NoError(t, r.Stop(context.Background()))

	rows := store.rows()
	require.Len(t, rows, n)
	for i, vals := range rows {
		assert.Equal(t, int64(i+1), vals[6], "row %d", i)
	}
}

func TestRecorder_StopWritesRemainder(t *testing.T) {
	store := &fakeStore{}
	r := startRecorder(t, Config{BatchSize: 100, FlushInterval: time.Hour}, store)

	r.Handle(testEvent(t, "ticker", 1))
	r.Handle(testEvent(t, "ticker", 2))
	assert.Zero(t, store.batchCount())

	require.NoError(t, r.Stop(context.Background()))
	assert.Len(t, store.rows(), 2)

	// Events after Stop are ignored.
	r.Handle(testEvent(t, "ticker", 3))
	assert.Equal(t, int64(2), r.Stats().Received)
}

func TestRecorder_ParentCancelStillDrainsOnStop(t *testing.T) {
	store := &fakeStore{}
	ctx, cancel := context.WithCancel(context.Background())
	r := New(Config{BatchSize: 100, FlushInterval: time.Hour}, store, nil)
	require.NoError(t, r.Start(ctx))

	r.Handle(testEvent(t, "ticker", 1))
	r.Handle(testEvent(t, "ticker", 2))
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, r.Stop(stopCtx))
	assert.Len(t, store.rows(), 2)
}

func TestRecorder_StatsReportInputBuffer(t *testing.T) {
	store := &fakeStore{}
	r := startRecorder(t, Config{BatchSize: 100, FlushInterval: time.Hour, BufferSize: 4}, store)

	for i := int64(1); i <= 10; i++ {
		r.Handle(testEvent(t, "ticker", i))
	}

	stats := r.Stats()
	assert.Equal(t, 10, stats.Pending)
	assert.Greater(t, stats.BufferCapacity, 10)
	assert.Positive(t, stats.BufferResizes)

	require.NoError(t, r.Stop(context.Background()))
	stats = r.Stats()
	assert.Zero(t, stats.Pending)
	assert.Equal(t, int64(10), stats.Inserted)
}

func TestRecorder_RowLayout(t *testing.T) {
	store := &fakeStore{}
	r := startRecorder(t, Config{Table: "feeds.events", BatchSize: 1, FlushInterval: time.Hour}, store)

	ev := testEvent(t, "ticker", 42)
	r.Handle(ev)
	require.NoError(t, r.Stop(context.Background()))

	require.Len(t, store.tables, 1)
	assert.Equal(t, pgx.Identifier{"feeds", "events"}, store.tables[0])
	assert.Equal(t, columns, store.columns)

	vals := store.rows()[0]
	require.Len(t, vals, len(columns))
	assert.Equal(t, ev.ReceivedAt, vals[0])
	assert.Equal(t, ev.Endpoint, vals[1])
	assert.Equal(t, "conn-1", vals[2])
	assert.Equal(t, "ticker", vals[3])
	assert.Equal(t, "tick", vals[4])
	assert.Equal(t, "ev", vals[5])
	assert.Equal(t, int64(42), vals[6])
	assert.Equal(t, protocol.CodecJSON, vals[7])
	assert.Equal(t, []byte(`{"price":1}`), vals[8])
}

func TestRecorder_NullableColumns(t *testing.T) {
	ev := testEvent(t, "ticker", 0)
	ev.EventID = ""

	vals := row(ev)
	assert.Nil(t, vals[5])
	assert.Nil(t, vals[6])
}

func TestRecorder_CopyFailure(t *testing.T) {
	store := &fakeStore{fail: errors.New("relation does not exist")}
	r := startRecorder(t, Config{BatchSize: 100, FlushInterval: time.Hour}, store)

	r.Handle(testEvent(t, "ticker", 1))
	r.Handle(testEvent(t, "ticker", 2))

	err := r.Stop(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relation does not exist")

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(2), stats.Dropped)
	assert.Zero(t, stats.Inserted)
}

func TestRecorder_Defaults(t *testing.T) {
	r := New(Config{}, &fakeStore{}, nil)
	assert.Equal(t, DefaultConfig(), r.cfg)
}

type fakeExecer struct {
	sql string
	err error
}

func (e *fakeExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	e.sql = sql
	return pgconn.NewCommandTag("CREATE TABLE"), e.err
}

func TestEnsureTable(t *testing.T) {
	db := &fakeExecer{}
	require.NoError(t, EnsureTable(context.Background(), db, "public.stream_events"))
	assert.Contains(t, db.sql, `CREATE TABLE IF NOT EXISTS "public"."stream_events"`)
	assert.Contains(t, db.sql, `"public_stream_events_channel_received_at"`)
	for _, col := range columns {
		assert.Contains(t, db.sql, col)
	}

	db.err = errors.New("permission denied")
	err := EnsureTable(context.Background(), db, "stream_events")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create table stream_events")
}
