package recorder

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store is the subset of pgxpool.Pool the recorder writes through.
type Store interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, rows pgx.CopyFromSource) (int64, error)
}

// Execer runs DDL. Satisfied by pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Config configures a Recorder.
type Config struct {
	Table         string
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int // Initial buffer capacity; the buffer grows as needed
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Table:         "stream_events",
		BatchSize:     1000,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Received int64
	Inserted int64
	Dropped  int64 // Rows lost to failed batches
	Errors   int64
	Flushes  int64
	Pending  int

	BufferCapacity int // Current input buffer capacity
	BufferResizes  int
}

// columns is the COPY column order; row() must match it.
var columns = []string{
	"received_at",
	"endpoint",
	"conn_id",
	"channel",
	"type",
	"event_id",
	"seq",
	"codec",
	"payload",
}
