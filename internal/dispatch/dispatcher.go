package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Queue is the pending-event queue of one logical subscriber.
type Queue struct {
	id        string
	handler   Handler
	buf       *GrowableBuffer[Event]
	cancelled atomic.Bool

	// Held from the cancelled check until the handler returns.
	deliverMu sync.Mutex

	dirty bool // guarded by Dispatcher.mu
}

// ID returns the subscriber id the queue was created for.
func (q *Queue) ID() string { return q.id }

// Cancelled reports whether the queue was cancelled.
func (q *Queue) Cancelled() bool { return q.cancelled.Load() }

// Dispatcher buffers events per queue and flushes them on one goroutine.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	dirty   []*Queue
	queues  int
	pending int

	wake   chan struct{}
	urgent chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	running       atomic.Pointer[Queue] // Queue whose handler is executing
	beforeDeliver func(*Queue)          // Test hook, runs under deliverMu

	enqueued  atomic.Int64
	delivered atomic.Int64
	discarded atomic.Int64
	flushes   atomic.Int64
	panics    atomic.Int64
}

// New creates a dispatcher. Call Start to begin flushing.
func New(cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PressureThreshold < 1 {
		cfg.PressureThreshold = DefaultConfig().PressureThreshold
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}

	return &Dispatcher{
		cfg:    cfg,
		logger: logger,
		wake:   make(chan struct{}, 1),
		urgent: make(chan struct{}, 1),
	}
}

// Start launches the flush goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return nil
	}
	d.started = true
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.flushLoop()

	// Events queued before Start are flushed on the first pass.
	if d.pending > 0 {
		d.signal(d.wake)
	}

	d.logger.Debug("dispatcher started",
		"flush_interval", d.cfg.FlushInterval,
		"pressure_threshold", d.cfg.PressureThreshold,
	)
	return nil
}

// Stop halts flushing and discards everything still buffered.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("dispatcher stop timed out")
	}

	d.mu.Lock()
	for _, q := range d.dirty {
		q.dirty = false
		n := q.buf.Discard()
		d.pending -= n
		d.discarded.Add(int64(n))
	}
	d.dirty = nil
	d.mu.Unlock()

	return nil
}

// NewQueue registers a queue for a subscriber.
func (d *Dispatcher) NewQueue(id string, handler Handler) *Queue {
	d.mu.Lock()
	d.queues++
	d.mu.Unlock()

	return &Queue{
		id:      id,
		handler: handler,
		buf:     NewGrowableBuffer[Event](d.cfg.QueueCapacity),
	}
}

// Enqueue buffers ev for q and schedules a flush. Returns false if the
// queue was cancelled.
func (d *Dispatcher) Enqueue(q *Queue, ev Event) bool {
	d.mu.Lock()
	if q.cancelled.Load() || !q.buf.Push(ev) {
		d.mu.Unlock()
		return false
	}
	d.pending++
	if !q.dirty {
		q.dirty = true
		d.dirty = append(d.dirty, q)
	}
	underPressure := d.pending >= d.cfg.PressureThreshold
	d.mu.Unlock()

	d.enqueued.Add(1)
	d.signal(d.wake)
	if underPressure {
		d.signal(d.urgent)
	}
	return true
}

// Cancel stops delivery to q and discards its buffered events. Safe to
// call more than once. When Cancel returns no further handler invocation
// starts; an invocation already running completes. It may be called from
// q's own handler.
func (d *Dispatcher) Cancel(q *Queue) {
	d.mu.Lock()
	if q.cancelled.Swap(true) {
		d.mu.Unlock()
		return
	}
	n := q.buf.Seal()
	d.pending -= n
	d.queues--
	d.discarded.Add(int64(n))
	d.mu.Unlock()

	if d.running.Load() == q {
		return
	}
	// Wait out a delivery that passed its cancelled check.
	q.deliverMu.Lock()
	q.deliverMu.Unlock()
}

// Stats returns current statistics.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	queues, pending := d.queues, d.pending
	d.mu.Unlock()

	return Stats{
		Queues:    queues,
		Pending:   pending,
		Enqueued:  d.enqueued.Load(),
		Delivered: d.delivered.Load(),
		Discarded: d.discarded.Load(),
		Flushes:   d.flushes.Load(),
		Panics:    d.panics.Load(),
	}
}

func (d *Dispatcher) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// flushLoop waits for work, lets a burst coalesce, then flushes.
func (d *Dispatcher) flushLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.wake:
		}

		if d.cfg.FlushInterval > 0 {
			timer := time.NewTimer(d.cfg.FlushInterval)
			select {
			case <-d.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			case <-d.urgent:
				timer.Stop()
			}
		}

		d.flush()
	}
}

// flush drains dirty queues until nothing is pending.
func (d *Dispatcher) flush() {
	// A pressure signal raised for events about to be drained is stale.
	select {
	case <-d.urgent:
	default:
	}

	for pass := 0; ; pass++ {
		if d.ctx.Err() != nil {
			return
		}

		d.mu.Lock()
		batch := d.dirty
		d.dirty = nil
		drained := make([][]Event, len(batch))
		for i, q := range batch {
			q.dirty = false
			drained[i] = q.buf.DrainTo(d.cfg.MaxBatch)
			d.pending -= len(drained[i])
			if q.buf.Len() > 0 {
				q.dirty = true
				d.dirty = append(d.dirty, q)
			}
		}
		d.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		if pass == 0 {
			d.flushes.Add(1)
		}

		for i, q := range batch {
			events := drained[i]
			for j, ev := range events {
				if !d.deliverIfLive(q, ev) {
					d.discarded.Add(int64(len(events) - j))
					break
				}
			}
		}
	}
}

// deliverIfLive delivers ev unless q was cancelled. The check and the
// handler run under q.deliverMu so Cancel can wait for them.
func (d *Dispatcher) deliverIfLive(q *Queue, ev Event) bool {
	q.deliverMu.Lock()
	defer q.deliverMu.Unlock()

	if q.cancelled.Load() {
		return false
	}
	if d.beforeDeliver != nil {
		d.beforeDeliver(q)
	}

	d.running.Store(q)
	defer d.running.Store(nil)
	d.deliver(q, ev)
	return true
}

// deliver invokes the handler, isolating panics.
func (d *Dispatcher) deliver(q *Queue, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.logger.Error("subscriber handler panicked",
				"subscriber", q.id,
				"channel", ev.Channel,
				"panic", r,
			)
		}
	}()

	q.handler(ev)
	d.delivered.Add(1)
}
