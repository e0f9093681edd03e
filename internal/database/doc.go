// Package database provides PostgreSQL connection pool construction for
// the event recorder.
package database
