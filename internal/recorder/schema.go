package recorder

import (
	"context"
	"fmt"
	"strings"
)

// CreateTableSQL returns the DDL for the events table.
func CreateTableSQL(table string) string {
	ident := tableIdent(table).Sanitize()
	index := tableIdent(strings.ReplaceAll(table, ".", "_") + "_channel_received_at").Sanitize()
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	received_at TIMESTAMPTZ NOT NULL,
	endpoint    TEXT NOT NULL,
	conn_id     TEXT NOT NULL,
	channel     TEXT NOT NULL,
	type        TEXT NOT NULL DEFAULT '',
	event_id    TEXT,
	seq         BIGINT,
	codec       TEXT NOT NULL,
	payload     BYTEA
);
CREATE INDEX IF NOT EXISTS %s ON %s (channel, received_at);`, ident, index, ident)
}

// EnsureTable creates the events table when it does not exist.
func EnsureTable(ctx context.Context, db Execer, table string) error {
	if _, err := db.Exec(ctx, CreateTableSQL(table)); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}
