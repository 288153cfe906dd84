// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package database opens and manages the hub's embedded SQLite store
// and provides the transaction runner used by all state code.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"
	_ "github.com/mattn/go-sqlite3"
)

var logger = loggo.GetLogger("homelabcmd.database")

// Open returns a database handle for the store at path, creating the
// schema when absent. Foreign keys are enforced and the journal runs
// in WAL mode so heartbeat writes do not block reads. An empty path
// opens an in-memory store, used by tests.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	// A named in-memory store keeps each Open isolated while still
	// letting the handle reuse its connection.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	if path != "" {
		dsn = fmt.Sprintf("file:%s?%s", path, url.Values{
			"_journal_mode": {"WAL"},
			"_busy_timeout": {"5000"},
		}.Encode())
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Annotate(err, "opening database")
	}
	// SQLite allows exactly one writer; a pool of connections only
	// produces SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, errors.Annotatef(err, "applying %q", pragma)
		}
	}

	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.Annotate(err, "ensuring schema")
	}
	return db, nil
}

// TxnRunner runs functions inside database transactions, retrying on
// transient locking failures.
type TxnRunner struct {
	db *sql.DB
}

// NewTxnRunner wraps db in a TxnRunner.
func NewTxnRunner(db *sql.DB) *TxnRunner {
	return &TxnRunner{db: db}
}

// StdTxn executes fn within a transaction bound to ctx. The
// transaction commits when fn returns nil and rolls back otherwise.
// Transient SQLITE_BUSY failures are retried with backoff.
func (r *TxnRunner) StdTxn(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	return retry.Call(retry.CallArgs{
		Func: func() error {
			return errors.Trace(r.run(ctx, fn))
		},
		IsFatalError: func(err error) bool {
			return !isTransient(err)
		},
		Attempts: 5,
		Delay:    10 * time.Millisecond,
		Clock:    clock.WallClock,
		Stop:     ctx.Done(),
	})
}

func (r *TxnRunner) run(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Warningf("failed to rollback transaction: %v", rbErr)
		}
		return errors.Trace(err)
	}
	return errors.Trace(tx.Commit())
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
