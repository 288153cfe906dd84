// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package scheduler runs the hub's periodic maintenance: marking
// stale servers offline, sending offline alerts and reminders,
// rolling raw telemetry into hourly and daily tiers, pruning expired
// rows, and evicting idle SSH connections.
package scheduler

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4/catacomb"

	corealerting "github.com/DarrenBenson/homelabcmd/core/alerting"
	"github.com/DarrenBenson/homelabcmd/core/fleet"
	"github.com/DarrenBenson/homelabcmd/core/telemetry"
	"github.com/DarrenBenson/homelabcmd/internal/alerting"
	"github.com/DarrenBenson/homelabcmd/internal/notify"
	"github.com/DarrenBenson/homelabcmd/internal/sshexec"
	"github.com/DarrenBenson/homelabcmd/state"
)

var logger = loggo.GetLogger("homelabcmd.worker.scheduler")

const (
	defaultTickInterval   = time.Minute
	defaultRollupInterval = time.Hour
	defaultOfflineAfter   = 3 * time.Minute

	// pruneChunk bounds the rows deleted per transaction so retention
	// never holds the write lock for long.
	pruneChunk = 10000
)

// Config defines the operation of the scheduler worker.
type Config struct {
	State    *state.State
	Clock    clock.Clock
	Notifier *notify.Notifier
	Pool     *sshexec.Pool

	// TickInterval spaces the offline sweeps; RollupInterval spaces
	// rollups and retention pruning. OfflineAfter is how long a server
	// may go without a heartbeat before it is marked offline.
	TickInterval   time.Duration
	RollupInterval time.Duration
	OfflineAfter   time.Duration
}

// Validate returns an error if the config cannot drive the worker.
func (config Config) Validate() error {
	if config.State == nil {
		return errors.NotValidf("nil State")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Worker is the periodic maintenance worker.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
}

// New returns a scheduler worker backed by config.
func New(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.TickInterval <= 0 {
		config.TickInterval = defaultTickInterval
	}
	if config.RollupInterval <= 0 {
		config.RollupInterval = defaultRollupInterval
	}
	if config.OfflineAfter <= 0 {
		config.OfflineAfter = defaultOfflineAfter
	}
	w := &Worker{config: config}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	})
	return w, errors.Trace(err)
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) loop() error {
	ctx := w.catacomb.Context(context.Background())

	tick := w.config.Clock.NewTimer(w.config.TickInterval)
	defer tick.Stop()
	rollup := w.config.Clock.NewTimer(w.config.RollupInterval)
	defer rollup.Stop()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-tick.Chan():
			w.runTick(ctx)
			tick.Reset(w.config.TickInterval)
		case <-rollup.Chan():
			w.Rollup(ctx)
			rollup.Reset(w.config.RollupInterval)
		}
	}
}

// runTick is one offline sweep plus connection pool housekeeping.
func (w *Worker) runTick(ctx context.Context) {
	out, err := w.SweepOffline(ctx)
	if err != nil {
		logger.Errorf("offline sweep: %v", err)
	} else {
		w.deliver(ctx, out)
	}
	if w.config.Pool != nil {
		if n := w.config.Pool.EvictExpired(); n > 0 {
			logger.Debugf("evicted %d idle ssh connections", n)
		}
	}
}

// Sweep carries the post-commit side effects of one offline sweep.
type Sweep struct {
	MarkedOffline []string
	Events        []corealerting.Event

	webhookURL string
}

// SweepOffline marks servers whose last heartbeat predates the cutoff
// as offline and runs the offline alert evaluation for every offline
// server, so first alerts and reminders come from the same pass. The
// returned events have not been delivered yet.
func (w *Worker) SweepOffline(ctx context.Context) (Sweep, error) {
	now := w.config.Clock.Now().UTC()
	var out Sweep
	err := w.config.State.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		thresholds, notifications, err := alerting.LoadSettings(ctx, tx)
		if err != nil {
			return errors.Trace(err)
		}
		out.webhookURL = notifications.WebhookURL
		evaluator := alerting.NewEvaluator(thresholds, notifications)

		stale, err := tx.StaleServers(ctx, now.Add(-w.config.OfflineAfter))
		if err != nil {
			return errors.Trace(err)
		}
		for _, srv := range stale {
			if err := tx.SetServerStatus(ctx, srv.ID, fleet.StatusOffline, now); err != nil {
				return errors.Trace(err)
			}
			out.MarkedOffline = append(out.MarkedOffline, srv.ID)
			logger.Infof("marked %s offline, last seen %s", srv.ID, srv.LastSeen.Format(time.RFC3339))
		}

		// Workstations go offline as part of normal life; only
		// machines of type server alert.
		offline, err := tx.OfflineServers(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		for i := range offline {
			events, err := evaluator.ServerOffline(ctx, tx, &offline[i], now)
			if err != nil {
				return errors.Trace(err)
			}
			out.Events = append(out.Events, events...)
		}
		return nil
	})
	return out, errors.Trace(err)
}

func (w *Worker) deliver(ctx context.Context, out Sweep) {
	if w.config.Notifier == nil || out.webhookURL == "" {
		return
	}
	for _, event := range out.Events {
		w.config.Notifier.AlertEvent(ctx, out.webhookURL, event)
	}
}

// Rollup aggregates telemetry tiers and applies retention. Each
// stage commits on its own so a failure in one leaves the others done.
func (w *Worker) Rollup(ctx context.Context) {
	now := w.config.Clock.Now().UTC()

	// Re-rolling a window is idempotent, so each pass covers a little
	// more than one interval to absorb missed ticks.
	err := w.config.State.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		return errors.Trace(tx.RollupHourly(ctx, now.Add(-3*time.Hour), now))
	})
	if err != nil {
		logger.Errorf("hourly rollup: %v", err)
	}
	err = w.config.State.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		return errors.Trace(tx.RollupDaily(ctx, now.Add(-48*time.Hour), now))
	})
	if err != nil {
		logger.Errorf("daily rollup: %v", err)
	}

	w.prune(ctx, "metrics", now.Add(-telemetry.RawRetention))
	w.prune(ctx, "service_status", now.Add(-telemetry.RawRetention))
	w.prune(ctx, "metrics_hourly", now.Add(-telemetry.HourlyRetention))
	w.prune(ctx, "metrics_daily", now.Add(-telemetry.DailyRetention))
}

func (w *Worker) prune(ctx context.Context, tier string, cutoff time.Time) {
	total := int64(0)
	for {
		var n int64
		err := w.config.State.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
			var err error
			n, err = tx.PruneTier(ctx, tier, cutoff, pruneChunk)
			return errors.Trace(err)
		})
		if err != nil {
			logger.Errorf("pruning %s: %v", tier, err)
			return
		}
		total += n
		if n < pruneChunk {
			break
		}
	}
	if total > 0 {
		logger.Debugf("pruned %d rows from %s", total, tier)
	}
}
