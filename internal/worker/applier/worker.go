// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package applier drains the background apply queue: pending pack
// applies and removals are executed item by item over SSH, with
// progress persisted after every item so the status endpoint always
// reflects reality. A started operation runs to completion even if
// the request that queued it has gone away.
package applier

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/tomb.v2"

	"github.com/DarrenBenson/homelabcmd/core/fleet"
	"github.com/DarrenBenson/homelabcmd/internal/apply"
	"github.com/DarrenBenson/homelabcmd/internal/packs"
	"github.com/DarrenBenson/homelabcmd/state"
)

var logger = loggo.GetLogger("homelabcmd.worker.applier")

const defaultPollInterval = 5 * time.Second

// Config defines the operation of the applier worker.
type Config struct {
	State  *state.State
	Engine *apply.Engine
	Clock  clock.Clock

	PollInterval time.Duration
}

// Validate returns an error if the config cannot drive the worker.
func (config Config) Validate() error {
	if config.State == nil {
		return errors.NotValidf("nil State")
	}
	if config.Engine == nil {
		return errors.NotValidf("nil Engine")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Worker executes queued config operations in the background.
type Worker struct {
	tomb   tomb.Tomb
	config Config
}

// New returns an applier worker backed by config.
func New(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	w := &Worker{config: config}
	w.tomb.Go(w.loop)
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.tomb.Wait()
}

func (w *Worker) loop() error {
	ctx := w.tomb.Context(context.Background())

	timer := w.config.Clock.NewTimer(w.config.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case <-timer.Chan():
			if err := w.RunPending(ctx); err != nil {
				logger.Errorf("apply pass: %v", err)
			}
			timer.Reset(w.config.PollInterval)
		}
	}
}

// RunPending executes every queued operation, oldest first.
func (w *Worker) RunPending(ctx context.Context) error {
	var pending []state.ConfigApply
	err := w.config.State.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		var err error
		pending, err = tx.PendingApplies(ctx)
		return errors.Trace(err)
	})
	if err != nil {
		return errors.Trace(err)
	}
	for _, op := range pending {
		w.run(ctx, op)
	}
	return nil
}

// run executes one operation end to end. Per-item failures are
// recorded and the remaining items still run; only setup failures
// (unknown server or pack, state errors) fail the operation outright.
func (w *Worker) run(ctx context.Context, op state.ConfigApply) {
	var (
		srv   fleet.Server
		items []apply.Item
	)
	err := w.config.State.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		if err := tx.StartApply(ctx, op.ID, w.config.Clock.Now().UTC()); err != nil {
			return errors.Trace(err)
		}
		var err error
		srv, err = tx.Server(ctx, op.ServerID)
		return errors.Trace(err)
	})
	if err == nil {
		var pack packs.Pack
		if pack, err = w.config.Engine.Registry().Load(op.PackName); err == nil {
			items = apply.Items(pack)
		}
	}
	if err != nil {
		w.finish(ctx, op.ID, state.ApplyFailed, err.Error())
		return
	}

	logger.Infof("%s pack %q on %s: %d items", op.Operation, op.PackName, op.ServerID, len(items))
	op.ItemsTotal = len(items)
	for i, item := range items {
		op.CurrentItem = item.Name

		var itemErr error
		if op.Operation == state.OperationRemove {
			itemErr = w.config.Engine.RemoveItem(ctx, &srv, item)
		} else {
			itemErr = w.config.Engine.ApplyItem(ctx, &srv, item)
		}

		result := state.ItemResult{Category: item.Category, Item: item.Name, Success: itemErr == nil}
		if itemErr != nil {
			result.Error = itemErr.Error()
			op.ItemsFailed++
			logger.Warningf("%s %s on %s: %v", op.Operation, item.Name, op.ServerID, itemErr)
		} else {
			op.ItemsCompleted++
		}
		op.Results = append(op.Results, result)
		op.Progress = (i + 1) * 100 / len(items)

		err := w.config.State.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
			return errors.Trace(tx.UpdateApplyProgress(ctx, op.ID, op))
		})
		if err != nil {
			w.finish(ctx, op.ID, state.ApplyFailed, err.Error())
			return
		}
	}

	w.finish(ctx, op.ID, apply.OutcomeStatus(op.Results), "")
}

func (w *Worker) finish(ctx context.Context, id int64, status state.ApplyStatus, errText string) {
	err := w.config.State.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		return errors.Trace(tx.FinishApply(ctx, id, status, errText, w.config.Clock.Now().UTC()))
	})
	if err != nil {
		logger.Errorf("finishing apply %d: %v", id, err)
	}
}
