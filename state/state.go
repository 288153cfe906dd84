// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state persists every hub entity. All access goes through
// State.Txn so multi-entity operations, the heartbeat pipeline in
// particular, commit atomically.
package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/DarrenBenson/homelabcmd/database"
)

var logger = loggo.GetLogger("homelabcmd.state")

// State is the entry point for all persistence.
type State struct {
	runner *database.TxnRunner
}

// NewState wraps db in a State.
func NewState(db *sql.DB) *State {
	return &State{runner: database.NewTxnRunner(db)}
}

// Txn runs fn inside one database transaction. The Tx handed to fn
// carries every entity accessor; everything done through it commits
// or rolls back as a unit.
func (s *State) Txn(ctx context.Context, fn func(context.Context, *Tx) error) error {
	return s.runner.StdTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return errors.Trace(fn(ctx, &Tx{tx: tx}))
	})
}

// Tx exposes the entity accessors bound to one open transaction.
type Tx struct {
	tx *sql.Tx
}

// nullTime converts a possibly-zero time for storage.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// nullString converts a possibly-empty string for storage where the
// column is nullable with a uniqueness constraint.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}
