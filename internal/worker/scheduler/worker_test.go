// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package scheduler_test

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/clock/testclock"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/DarrenBenson/homelabcmd/core/alerting"
	"github.com/DarrenBenson/homelabcmd/core/fleet"
	"github.com/DarrenBenson/homelabcmd/core/telemetry"
	"github.com/DarrenBenson/homelabcmd/database"
	"github.com/DarrenBenson/homelabcmd/internal/worker/scheduler"
	"github.com/DarrenBenson/homelabcmd/state"
)

type schedulerSuite struct {
	db     *sql.DB
	st     *state.State
	clock  *testclock.Clock
	worker *scheduler.Worker
}

var _ = gc.Suite(&schedulerSuite{})

func (s *schedulerSuite) SetUpTest(c *gc.C) {
	db, err := database.Open(context.Background(), "")
	c.Assert(err, jc.ErrorIsNil)
	s.db = db
	s.st = state.NewState(db)
	s.clock = testclock.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	// Intervals far beyond anything the tests advance, so passes only
	// run when driven directly.
	s.worker, err = scheduler.New(scheduler.Config{
		State:          s.st,
		Clock:          s.clock,
		TickInterval:   1000 * time.Hour,
		RollupInterval: 1000 * time.Hour,
		OfflineAfter:   3 * time.Minute,
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *schedulerSuite) TearDownTest(c *gc.C) {
	if s.worker != nil {
		s.worker.Kill()
		c.Assert(s.worker.Wait(), jc.ErrorIsNil)
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *schedulerSuite) addServer(c *gc.C, id string, machineType fleet.MachineType, lastSeen time.Time) {
	err := s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		return tx.CreateServer(ctx, fleet.Server{
			ID:          id,
			Hostname:    id + ".lan",
			Status:      fleet.StatusOnline,
			MachineType: machineType,
			LastSeen:    lastSeen,
		})
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *schedulerSuite) server(c *gc.C, id string) fleet.Server {
	var srv fleet.Server
	err := s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		srv, err = tx.Server(ctx, id)
		return err
	})
	c.Assert(err, jc.ErrorIsNil)
	return srv
}

func (s *schedulerSuite) TestSweepMarksStaleOffline(c *gc.C) {
	now := s.clock.Now().UTC()
	s.addServer(c, "nuc-01", fleet.MachineTypeServer, now.Add(-10*time.Minute))

	out, err := s.worker.SweepOffline(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(out.MarkedOffline, gc.DeepEquals, []string{"nuc-01"})
	c.Check(s.server(c, "nuc-01").Status, gc.Equals, fleet.StatusOffline)

	c.Assert(out.Events, gc.HasLen, 1)
	c.Check(out.Events[0].Kind, gc.Equals, alerting.EventOffline)
	c.Check(out.Events[0].ServerID, gc.Equals, "nuc-01")
	c.Check(out.Events[0].IsReminder, jc.IsFalse)
}

func (s *schedulerSuite) TestSweepLeavesFreshServersAlone(c *gc.C) {
	now := s.clock.Now().UTC()
	s.addServer(c, "nuc-01", fleet.MachineTypeServer, now.Add(-time.Minute))

	out, err := s.worker.SweepOffline(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(out.MarkedOffline, gc.HasLen, 0)
	c.Check(out.Events, gc.HasLen, 0)
	c.Check(s.server(c, "nuc-01").Status, gc.Equals, fleet.StatusOnline)
}

func (s *schedulerSuite) TestWorkstationGoesOfflineQuietly(c *gc.C) {
	now := s.clock.Now().UTC()
	s.addServer(c, "laptop-01", fleet.MachineTypeWorkstation, now.Add(-time.Hour))

	out, err := s.worker.SweepOffline(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(out.MarkedOffline, gc.DeepEquals, []string{"laptop-01"})
	c.Check(out.Events, gc.HasLen, 0)
}

func (s *schedulerSuite) TestOfflineReminderAfterCooldown(c *gc.C) {
	now := s.clock.Now().UTC()
	s.addServer(c, "nuc-01", fleet.MachineTypeServer, now.Add(-10*time.Minute))

	out, err := s.worker.SweepOffline(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out.Events, gc.HasLen, 1)

	// Inside the cooldown the sweep stays quiet.
	out, err = s.worker.SweepOffline(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(out.Events, gc.HasLen, 0)

	s.clock.Advance(3 * time.Hour)
	out, err = s.worker.SweepOffline(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(out.Events, gc.HasLen, 1)
	c.Check(out.Events[0].IsReminder, jc.IsTrue)
}

func (s *schedulerSuite) insertSample(c *gc.C, id string, ts time.Time, cpu float64) {
	err := s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		return tx.InsertMetrics(ctx, telemetry.Sample{
			ServerID:   id,
			Timestamp:  ts,
			CPUPercent: cpu,
		})
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *schedulerSuite) TestRollupAggregatesHourly(c *gc.C) {
	now := s.clock.Now().UTC()
	s.addServer(c, "nuc-01", fleet.MachineTypeServer, now)
	s.insertSample(c, "nuc-01", now.Add(-90*time.Minute), 20)
	s.insertSample(c, "nuc-01", now.Add(-80*time.Minute), 40)

	s.worker.Rollup(context.Background())

	var aggregates []telemetry.Aggregate
	err := s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		aggregates, err = tx.AggregateRange(ctx, "metrics_hourly", "nuc-01", now.Add(-3*time.Hour), now)
		return err
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(aggregates, gc.HasLen, 1)
	c.Check(aggregates[0].SampleCount, gc.Equals, 2)
	c.Check(aggregates[0].CPUAvg, gc.Equals, 30.0)
	c.Check(aggregates[0].CPUMin, gc.Equals, 20.0)
	c.Check(aggregates[0].CPUMax, gc.Equals, 40.0)
}

func (s *schedulerSuite) TestRollupPrunesExpiredRawSamples(c *gc.C) {
	now := s.clock.Now().UTC()
	s.addServer(c, "nuc-01", fleet.MachineTypeServer, now)
	s.insertSample(c, "nuc-01", now.Add(-8*24*time.Hour), 50)
	s.insertSample(c, "nuc-01", now.Add(-time.Hour), 50)

	s.worker.Rollup(context.Background())

	var samples []telemetry.Sample
	err := s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		samples, err = tx.MetricsRange(ctx, "nuc-01", now.Add(-30*24*time.Hour), now)
		return err
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(samples, gc.HasLen, 1)
	c.Check(samples[0].Timestamp.Equal(now.Add(-time.Hour)), jc.IsTrue)
}
