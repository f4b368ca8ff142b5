// Package store is the Postgres persistence layer behind the
// Command Executor (internal/command) and Alarm Engine (internal/alarm):
// the configuration tree (spec.md §3), Commands/CommandEvents, and
// AlarmOccurrences/AlarmEvents.
//
// Grounded on the teacher's direct database/sql + lib/pq usage
// (cmd/server/main.go imports `_ "github.com/lib/pq"` and passes a raw
// *sql.DB around) and internal/reputation/wallet.go's wrapped-error
// style. Chosen over the teacher's supabase-go REST client because the
// Alarm Engine's SetState (spec.md §4.G) needs a real BEGIN/COMMIT
// transaction wrapping an upsert + conditional insert, which a REST
// client cannot give (see DESIGN.md).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DB wraps a *sql.DB with the transaction helper every write path in
// this package uses.
type DB struct {
	*sql.DB
}

// Open connects to Postgres and applies the pool-size knobs from
// config.DatabaseConfig. Per spec.md §9, this performs I/O and must
// only be called from a singleton's Start(), never from a constructor.
func Open(ctx context.Context, dsn string, maxOpenConns, maxIdleConns int) (*DB, error) {
	raw, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if maxOpenConns > 0 {
		raw.SetMaxOpenConns(maxOpenConns)
	}
	if maxIdleConns > 0 {
		raw.SetMaxIdleConns(maxIdleConns)
	}
	raw.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := raw.PingContext(pingCtx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &DB{DB: raw}, nil
}

// WithTx runs fn inside a transaction, committing on success and
// rolling back (then propagating fn's error) otherwise. Used by
// internal/alarm's SetState to guarantee "at most one event per
// transition" (spec.md §5) and by internal/command's command creation.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: tx failed: %w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// ErrNotFound is returned by single-row lookups when the row doesn't
// exist; callers translate it to the 4xx/404-equivalent taxonomy of
// spec.md §7.
var ErrNotFound = fmt.Errorf("store: not found")
