// Package recorder appends delivered stream events to PostgreSQL.
//
// Events are accepted on the dispatcher goroutine without blocking, held
// in a growable buffer and written in batches with COPY. A batch is
// written when it reaches BatchSize or when FlushInterval elapses,
// whichever comes first. Rows are append-only.
package recorder
