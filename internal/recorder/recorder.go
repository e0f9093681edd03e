package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/wsmux/internal/dispatch"
)

// Recorder batches events into a table.
type Recorder struct {
	cfg    Config
	store  Store
	logger *slog.Logger

	input *dispatch.GrowableBuffer[dispatch.Event]
	wake  chan struct{}

	// writeMu serializes COPY so batches land in arrival order.
	writeMu sync.Mutex

	statsMu sync.Mutex
	stats   Stats

	received atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a Recorder writing to store.
func New(cfg Config, store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Table == "" {
		cfg.Table = def.Table
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	return &Recorder{
		cfg:    cfg,
		store:  store,
		logger: logger.With("table", cfg.Table),
		input:  dispatch.NewGrowableBuffer[dispatch.Event](cfg.BufferSize),
		wake:   make(chan struct{}, 1),
	}
}

// Start begins the consume and flush loops.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.group = &errgroup.Group{}

	r.group.Go(r.consumeLoop)
	r.group.Go(r.flushLoop)

	r.logger.Info("recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop halts the loops and writes whatever is still buffered using ctx.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping recorder")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		if r.group != nil {
			_ = r.group.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("recorder stop timed out")
		return ctx.Err()
	}

	err := r.drain(ctx)
	if n := r.input.Seal(); n > 0 {
		r.logger.Warn("events arrived during shutdown were discarded", "count", n)
	}
	r.logger.Info("recorder stopped")
	return err
}

// Handle accepts an event. It never blocks and is safe to use as a
// subscription handler.
func (r *Recorder) Handle(ev dispatch.Event) {
	if !r.input.Push(ev) {
		return
	}
	r.received.Add(1)
	if r.input.Len() >= r.cfg.BatchSize {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// Stats returns current statistics.
func (r *Recorder) Stats() Stats {
	r.statsMu.Lock()
	s := r.stats
	r.statsMu.Unlock()
	s.Received = r.received.Load()

	buf := r.input.Stats()
	s.Pending = buf.Count
	s.BufferCapacity = buf.Capacity
	s.BufferResizes = buf.ResizeCount
	return s
}

func (r *Recorder) consumeLoop() error {
	for {
		select {
		case <-r.ctx.Done():
			return nil
		case <-r.wake:
			for r.input.Len() >= r.cfg.BatchSize {
				r.flush(r.ctx)
			}
		}
	}
}

func (r *Recorder) flushLoop() error {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return nil
		case <-ticker.C:
			r.flush(r.ctx)
		}
	}
}

// drain writes every buffered event, batch by batch.
func (r *Recorder) drain(ctx context.Context) error {
	var errs []error
	for {
		n, err := r.flush(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		if n == 0 {
			return errors.Join(errs...)
		}
	}
}

// flush writes up to one batch. It returns the number of events taken
// from the buffer.
func (r *Recorder) flush(ctx context.Context) (int, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	batch := r.input.DrainTo(r.cfg.BatchSize)
	if len(batch) == 0 {
		return 0, nil
	}

	start := time.Now()
	n, err := r.store.CopyFrom(ctx, tableIdent(r.cfg.Table), columns, pgx.CopyFromSlice(len(batch), func(i int) ([]any, error) {
		return row(batch[i]), nil
	}))

	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	if err != nil {
		r.stats.Errors++
		r.stats.Dropped += int64(len(batch))
		r.logger.Error("copy failed", "error", err, "count", len(batch))
		return len(batch), fmt.Errorf("copy %d events: %w", len(batch), err)
	}
	r.stats.Inserted += n
	r.stats.Flushes++

	r.logger.Debug("flushed events",
		"count", n,
		"duration", time.Since(start),
	)
	return len(batch), nil
}

func row(ev dispatch.Event) []any {
	var eventID, seq any
	if ev.EventID != "" {
		eventID = ev.EventID
	}
	if ev.Seq != 0 {
		seq = ev.Seq
	}
	return []any{
		ev.ReceivedAt,
		ev.Endpoint,
		ev.ConnID,
		ev.Channel,
		ev.Type,
		eventID,
		seq,
		ev.Payload.Codec(),
		ev.Payload.Bytes(),
	}
}

// tableIdent splits an optionally schema-qualified name.
func tableIdent(table string) pgx.Identifier {
	return pgx.Identifier(strings.Split(table, "."))
}
