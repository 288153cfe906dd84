// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state_test

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/DarrenBenson/homelabcmd/core/action"
	"github.com/DarrenBenson/homelabcmd/core/alerting"
	"github.com/DarrenBenson/homelabcmd/core/fleet"
	"github.com/DarrenBenson/homelabcmd/core/telemetry"
	"github.com/DarrenBenson/homelabcmd/database"
	"github.com/DarrenBenson/homelabcmd/state"
)

type stateSuite struct {
	db  *sql.DB
	st  *state.State
	now time.Time
}

var _ = gc.Suite(&stateSuite{})

func (s *stateSuite) SetUpTest(c *gc.C) {
	db, err := database.Open(context.Background(), "")
	c.Assert(err, jc.ErrorIsNil)
	s.db = db
	s.st = state.NewState(db)
	s.now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func (s *stateSuite) TearDownTest(c *gc.C) {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *stateSuite) txn(c *gc.C, fn func(context.Context, *state.Tx) error) {
	c.Assert(s.st.Txn(context.Background(), fn), jc.ErrorIsNil)
}

func (s *stateSuite) addServer(c *gc.C, id string) {
	s.txn(c, func(ctx context.Context, tx *state.Tx) error {
		return tx.CreateServer(ctx, fleet.Server{
			ID:            id,
			GUID:          "guid-" + id,
			Hostname:      id + ".lan",
			Status:        fleet.StatusOnline,
			MachineType:   fleet.MachineTypeServer,
			AgentMode:     fleet.AgentModeReadOnly,
			SudoMode:      fleet.SudoPasswordless,
			AssignedPacks: []string{"base"},
			CreatedAt:     s.now,
			UpdatedAt:     s.now,
		})
	})
}

func (s *stateSuite) TestServerRoundTrip(c *gc.C) {
	s.addServer(c, "nuc-01")
	s.txn(c, func(ctx context.Context, tx *state.Tx) error {
		srv, err := tx.Server(ctx, "nuc-01")
		c.Assert(err, jc.ErrorIsNil)
		c.Check(srv.Hostname, gc.Equals, "nuc-01.lan")
		c.Check(srv.AssignedPacks, gc.DeepEquals, []string{"base"})

		byGUID, err := tx.ServerByGUID(ctx, "guid-nuc-01")
		c.Assert(err, jc.ErrorIsNil)
		c.Check(byGUID.ID, gc.Equals, "nuc-01")
		return nil
	})
}

func (s *stateSuite) TestServerNotFound(c *gc.C) {
	err := s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		_, err := tx.Server(ctx, "ghost")
		return err
	})
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *stateSuite) TestCreateServerDuplicate(c *gc.C) {
	s.addServer(c, "nuc-01")
	err := s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		return tx.CreateServer(ctx, fleet.Server{
			ID: "nuc-01", Hostname: "other.lan",
			CreatedAt: s.now, UpdatedAt: s.now,
		})
	})
	c.Check(err, jc.ErrorIs, errors.AlreadyExists)
}

func (s *stateSuite) TestUpdateAndDeleteServer(c *gc.C) {
	s.addServer(c, "nuc-01")
	s.txn(c, func(ctx context.Context, tx *state.Tx) error {
		srv, err := tx.Server(ctx, "nuc-01")
		c.Assert(err, jc.ErrorIsNil)
		srv.DisplayName = "study nuc"
		srv.AssignedPacks = []string{"base", "docker-host"}
		c.Assert(tx.UpdateServer(ctx, srv), jc.ErrorIsNil)

		srv, err = tx.Server(ctx, "nuc-01")
		c.Assert(err, jc.ErrorIsNil)
		c.Check(srv.DisplayName, gc.Equals, "study nuc")
		c.Check(srv.AssignedPacks, gc.DeepEquals, []string{"base", "docker-host"})

		c.Assert(tx.DeleteServer(ctx, "nuc-01"), jc.ErrorIsNil)
		_, err = tx.Server(ctx, "nuc-01")
		c.Check(err, jc.ErrorIs, errors.NotFound)
		return nil
	})
}

func (s *stateSuite) TestPausedAndInactiveFlags(c *gc.C) {
	s.addServer(c, "nuc-01")
	s.txn(c, func(ctx context.Context, tx *state.Tx) error {
		c.Assert(tx.SetServerPaused(ctx, "nuc-01", true, s.now), jc.ErrorIsNil)
		srv, err := tx.Server(ctx, "nuc-01")
		c.Assert(err, jc.ErrorIsNil)
		c.Check(srv.IsPaused, jc.IsTrue)
		c.Check(srv.PausedAt.IsZero(), jc.IsFalse)

		c.Assert(tx.SetServerInactive(ctx, "nuc-01", true, s.now), jc.ErrorIsNil)
		srv, err = tx.Server(ctx, "nuc-01")
		c.Assert(err, jc.ErrorIsNil)
		c.Check(srv.IsInactive, jc.IsTrue)
		return nil
	})
}

func (s *stateSuite) TestStaleServers(c *gc.C) {
	s.addServer(c, "fresh")
	s.addServer(c, "stale")
	s.txn(c, func(ctx context.Context, tx *state.Tx) error {
		c.Assert(tx.SetServerStatus(ctx, "fresh", fleet.StatusOnline, s.now), jc.ErrorIsNil)
		c.Assert(tx.SetServerStatus(ctx, "stale", fleet.StatusOnline, s.now.Add(-10*time.Minute)), jc.ErrorIsNil)

		stale, err := tx.StaleServers(ctx, s.now.Add(-3*time.Minute))
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(stale, gc.HasLen, 1)
		c.Check(stale[0].ID, gc.Equals, "stale")
		return nil
	})
}

func (s *stateSuite) sample(serverID string, at time.Time, cpu float64) telemetry.Sample {
	return telemetry.Sample{
		ServerID:      serverID,
		Timestamp:     at,
		CPUPercent:    cpu,
		MemoryPercent: 40,
		DiskPercent:   55,
		Load1m:        0.7,
	}
}

func (s *stateSuite) TestMetricsRangeOrdered(c *gc.C) {
	s.addServer(c, "nuc-01")
	s.txn(c, func(ctx context.Context, tx *state.Tx) error {
		for i := 0; i < 3; i++ {
			at := s.now.Add(time.Duration(i) * time.Minute)
			c.Assert(tx.InsertMetrics(ctx, s.sample("nuc-01", at, float64(10*i))), jc.ErrorIsNil)
		}
		samples, err := tx.MetricsRange(ctx, "nuc-01", s.now.Add(-time.Hour), s.now.Add(time.Hour))
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(samples, gc.HasLen, 3)
		c.Check(samples[0].CPUPercent, gc.Equals, 0.0)
		c.Check(samples[2].CPUPercent, gc.Equals, 20.0)
		return nil
	})
}

func (s *stateSuite) TestRollupAndPrune(c *gc.C) {
	s.addServer(c, "nuc-01")
	s.txn(c, func(ctx context.Context, tx *state.Tx) error {
		// Two samples in the same hour bucket.
		c.Assert(tx.InsertMetrics(ctx, s.sample("nuc-01", s.now, 10)), jc.ErrorIsNil)
		c.Assert(tx.InsertMetrics(ctx, s.sample("nuc-01", s.now.Add(time.Minute), 30)), jc.ErrorIsNil)

		c.Assert(tx.RollupHourly(ctx, s.now.Add(-2*time.Hour), s.now.Add(time.Hour)), jc.ErrorIsNil)
		aggs, err := tx.AggregateRange(ctx, "metrics_hourly", "nuc-01", s.now.Add(-2*time.Hour), s.now.Add(time.Hour))
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(aggs, gc.HasLen, 1)
		c.Check(aggs[0].CPUAvg, gc.Equals, 20.0)
		c.Check(aggs[0].CPUMin, gc.Equals, 10.0)
		c.Check(aggs[0].CPUMax, gc.Equals, 30.0)
		c.Check(aggs[0].SampleCount, gc.Equals, 2)

		// Re-rolling the same window stays one bucket.
		c.Assert(tx.RollupHourly(ctx, s.now.Add(-2*time.Hour), s.now.Add(time.Hour)), jc.ErrorIsNil)
		aggs, err = tx.AggregateRange(ctx, "metrics_hourly", "nuc-01", s.now.Add(-2*time.Hour), s.now.Add(time.Hour))
		c.Assert(err, jc.ErrorIsNil)
		c.Check(aggs, gc.HasLen, 1)

		n, err := tx.PruneTier(ctx, "metrics", s.now.Add(time.Hour), 100)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(n, gc.Equals, int64(2))
		return nil
	})
}

func (s *stateSuite) TestAlertLifecycle(c *gc.C) {
	s.addServer(c, "nuc-01")
	s.txn(c, func(ctx context.Context, tx *state.Tx) error {
		id, err := tx.InsertAlert(ctx, alerting.Alert{
			ServerID:  "nuc-01",
			Type:      alerting.TypeCPU,
			Severity:  alerting.SeverityHigh,
			Status:    alerting.StatusOpen,
			Title:     "High CPU usage",
			CreatedAt: s.now,
		})
		c.Assert(err, jc.ErrorIsNil)

		open, err := tx.OpenAlertByType(ctx, "nuc-01", alerting.TypeCPU)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(open.ID, gc.Equals, id)

		c.Assert(tx.AcknowledgeAlert(ctx, id, s.now.Add(time.Minute)), jc.ErrorIsNil)
		a, err := tx.Alert(ctx, id)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(a.Status, gc.Equals, alerting.StatusAcknowledged)
		c.Check(a.AcknowledgedAt.IsZero(), jc.IsFalse)

		c.Assert(tx.ResolveAlert(ctx, id, true, s.now.Add(2*time.Minute)), jc.ErrorIsNil)
		a, err = tx.Alert(ctx, id)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(a.Status, gc.Equals, alerting.StatusResolved)
		c.Check(a.AutoResolved, jc.IsTrue)

		_, err = tx.OpenAlertByType(ctx, "nuc-01", alerting.TypeCPU)
		c.Check(err, jc.ErrorIs, errors.NotFound)
		return nil
	})
}

func (s *stateSuite) TestListAlertsFilters(c *gc.C) {
	s.addServer(c, "a")
	s.addServer(c, "b")
	s.txn(c, func(ctx context.Context, tx *state.Tx) error {
		for _, server := range []string{"a", "b"} {
			_, err := tx.InsertAlert(ctx, alerting.Alert{
				ServerID: server, Type: alerting.TypeDisk,
				Severity: alerting.SeverityCritical, Status: alerting.StatusOpen,
				Title: "Disk usage critical", CreatedAt: s.now,
			})
			c.Assert(err, jc.ErrorIsNil)
		}
		all, err := tx.ListAlerts(ctx, "", "")
		c.Assert(err, jc.ErrorIsNil)
		c.Check(all, gc.HasLen, 2)

		onlyA, err := tx.ListAlerts(ctx, "a", alerting.StatusOpen)
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(onlyA, gc.HasLen, 1)
		c.Check(onlyA[0].ServerID, gc.Equals, "a")

		resolved, err := tx.ListAlerts(ctx, "", alerting.StatusResolved)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(resolved, gc.HasLen, 0)
		return nil
	})
}

func (s *stateSuite) TestAlertStateRoundTrip(c *gc.C) {
	s.addServer(c, "nuc-01")
	s.txn(c, func(ctx context.Context, tx *state.Tx) error {
		st, err := tx.AlertState(ctx, "nuc-01", alerting.TypeMemory)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(st.BreachCount, gc.Equals, 0)

		st.BreachCount = 2
		st.FirstBreachAt = s.now
		c.Assert(tx.PutAlertState(ctx, st), jc.ErrorIsNil)

		st, err = tx.AlertState(ctx, "nuc-01", alerting.TypeMemory)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(st.BreachCount, gc.Equals, 2)
		return nil
	})
}

func (s *stateSuite) TestExpectedServicesAndStatus(c *gc.C) {
	s.addServer(c, "nuc-01")
	s.txn(c, func(ctx context.Context, tx *state.Tx) error {
		c.Assert(tx.UpsertExpectedService(ctx, telemetry.ExpectedService{
			ServerID: "nuc-01", ServiceName: "nginx", IsCritical: true, Enabled: true,
		}), jc.ErrorIsNil)
		c.Assert(tx.InsertServiceStatus(ctx, telemetry.ServiceSample{
			ServerID: "nuc-01", ServiceName: "nginx", Timestamp: s.now,
			Status: telemetry.ServiceRunning, PID: 1234,
		}), jc.ErrorIsNil)

		services, err := tx.ExpectedServices(ctx, "nuc-01")
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(services, gc.HasLen, 1)
		c.Check(services[0].IsCritical, jc.IsTrue)

		latest, err := tx.LatestServiceStatus(ctx, "nuc-01", "nginx")
		c.Assert(err, jc.ErrorIsNil)
		c.Check(latest.Status, gc.Equals, telemetry.ServiceRunning)

		c.Assert(tx.DeleteExpectedService(ctx, "nuc-01", "nginx"), jc.ErrorIsNil)
		services, err = tx.ExpectedServices(ctx, "nuc-01")
		c.Assert(err, jc.ErrorIsNil)
		c.Check(services, gc.HasLen, 0)
		return nil
	})
}

func (s *stateSuite) TestReplacePendingPackages(c *gc.C) {
	s.addServer(c, "nuc-01")
	s.txn(c, func(ctx context.Context, tx *state.Tx) error {
		c.Assert(tx.ReplacePendingPackages(ctx, "nuc-01", []telemetry.PackageUpdate{
			{ServerID: "nuc-01", Name: "openssl", CurrentVersion: "3.0.1", NewVersion: "3.0.2", IsSecurity: true},
			{ServerID: "nuc-01", Name: "vim", CurrentVersion: "9.0", NewVersion: "9.1"},
		}), jc.ErrorIsNil)
		c.Assert(tx.ReplacePendingPackages(ctx, "nuc-01", []telemetry.PackageUpdate{
			{ServerID: "nuc-01", Name: "vim", CurrentVersion: "9.0", NewVersion: "9.1"},
		}), jc.ErrorIsNil)

		pkgs, err := tx.PendingPackages(ctx, "nuc-01")
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(pkgs, gc.HasLen, 1)
		c.Check(pkgs[0].Name, gc.Equals, "vim")
		return nil
	})
}

func (s *stateSuite) TestActionTransitions(c *gc.C) {
	s.addServer(c, "nuc-01")
	s.txn(c, func(ctx context.Context, tx *state.Tx) error {
		id, err := tx.InsertAction(ctx, action.Action{
			ServerID:   "nuc-01",
			ActionType: "restart_service",
			Command:    "sudo systemctl restart nginx",
			Status:     action.StatusPending,
			CreatedAt:  s.now,
		})
		c.Assert(err, jc.ErrorIsNil)

		// approved -> dispatchable
		c.Assert(tx.TransitionAction(ctx, id, action.StatusApproved, "admin", s.now), jc.ErrorIsNil)
		next, err := tx.OldestApprovedAction(ctx, "nuc-01")
		c.Assert(err, jc.ErrorIsNil)
		c.Check(next.ID, gc.Equals, id)
		c.Check(next.ApprovedBy, gc.Equals, "admin")

		c.Assert(tx.TransitionAction(ctx, id, action.StatusExecuting, "", s.now), jc.ErrorIsNil)
		c.Assert(tx.RecordActionResult(ctx, id, action.Result{
			ActionID: id, ExitCode: 0, Stdout: "done",
			ExecutedAt: s.now, CompletedAt: s.now.Add(time.Second),
		}, false, s.now.Add(time.Second)), jc.ErrorIsNil)

		act, err := tx.Action(ctx, id)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(act.Status, gc.Equals, action.StatusCompleted)
		c.Assert(act.ExitCode, gc.NotNil)
		c.Check(*act.ExitCode, gc.Equals, 0)
		c.Check(act.Stdout, gc.Equals, "done")
		return nil
	})
}

func (s *stateSuite) TestRecordActionResultTruncatesOutput(c *gc.C) {
	s.addServer(c, "nuc-01")
	s.txn(c, func(ctx context.Context, tx *state.Tx) error {
		id, err := tx.InsertAction(ctx, action.Action{
			ServerID: "nuc-01", ActionType: "apply_updates",
			Command: "sudo apt-get upgrade -y", Status: action.StatusPending, CreatedAt: s.now,
		})
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(tx.TransitionAction(ctx, id, action.StatusApproved, "admin", s.now), jc.ErrorIsNil)
		c.Assert(tx.TransitionAction(ctx, id, action.StatusExecuting, "", s.now), jc.ErrorIsNil)

		c.Assert(tx.RecordActionResult(ctx, id, action.Result{
			ActionID: id,
			ExitCode: 0,
			Stdout:   strings.Repeat("a", action.OutputLimit+512),
			Stderr:   strings.Repeat("b", action.OutputLimit*2),
		}, false, s.now.Add(time.Minute)), jc.ErrorIsNil)

		act, err := tx.Action(ctx, id)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(act.Stdout, gc.HasLen, action.OutputLimit)
		c.Check(act.Stderr, gc.HasLen, action.OutputLimit)
		return nil
	})
}

func (s *stateSuite) TestBackgroundResultLeavesActionExecuting(c *gc.C) {
	s.addServer(c, "nuc-01")
	s.txn(c, func(ctx context.Context, tx *state.Tx) error {
		id, err := tx.InsertAction(ctx, action.Action{
			ServerID: "nuc-01", ActionType: "apply_updates",
			Command: "sudo apt-get upgrade -y", Status: action.StatusPending, CreatedAt: s.now,
		})
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(tx.TransitionAction(ctx, id, action.StatusApproved, "admin", s.now), jc.ErrorIsNil)
		c.Assert(tx.TransitionAction(ctx, id, action.StatusExecuting, "", s.now), jc.ErrorIsNil)

		c.Assert(tx.RecordActionResult(ctx, id, action.Result{
			ActionID: id, ExitCode: 0, Stdout: action.BackgroundSentinel,
		}, true, s.now.Add(time.Second)), jc.ErrorIsNil)

		act, err := tx.Action(ctx, id)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(act.Status, gc.Equals, action.StatusExecuting)
		c.Check(act.CompletedAt.IsZero(), jc.IsTrue)

		// The real completion lands later and stamps completed_at.
		c.Assert(tx.RecordActionResult(ctx, id, action.Result{
			ActionID: id, ExitCode: 0, Stdout: "upgraded",
		}, false, s.now.Add(time.Minute)), jc.ErrorIsNil)
		act, err = tx.Action(ctx, id)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(act.Status, gc.Equals, action.StatusCompleted)
		c.Check(act.CompletedAt.Equal(s.now.Add(time.Minute)), jc.IsTrue)
		return nil
	})
}

func (s *stateSuite) TestInvalidActionTransition(c *gc.C) {
	s.addServer(c, "nuc-01")
	err := s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		id, err := tx.InsertAction(ctx, action.Action{
			ServerID: "nuc-01", ActionType: "apply_updates",
			Command: "sudo apt-get upgrade -y", Status: action.StatusPending, CreatedAt: s.now,
		})
		c.Assert(err, jc.ErrorIsNil)
		return tx.TransitionAction(ctx, id, action.StatusCompleted, "", s.now)
	})
	c.Check(err, gc.NotNil)
}

func (s *stateSuite) TestSettingsRoundTrip(c *gc.C) {
	s.txn(c, func(ctx context.Context, tx *state.Tx) error {
		_, err := tx.Setting(ctx, state.SettingCost)
		c.Check(err, jc.ErrorIs, errors.NotFound)

		c.Check(tx.SetSetting(ctx, state.SettingCost, "{not json"), jc.ErrorIs, errors.NotValid)
		c.Assert(tx.SetSetting(ctx, state.SettingCost, `{"kwh_pence": 24.5}`), jc.ErrorIsNil)

		var cost map[string]float64
		c.Assert(tx.SettingInto(ctx, state.SettingCost, &cost), jc.ErrorIsNil)
		c.Check(cost["kwh_pence"], gc.Equals, 24.5)
		return nil
	})
}

func (s *stateSuite) TestConfigCheckHistory(c *gc.C) {
	s.addServer(c, "nuc-01")
	s.txn(c, func(ctx context.Context, tx *state.Tx) error {
		for i := 0; i < 3; i++ {
			_, err := tx.InsertConfigCheck(ctx, state.ConfigCheck{
				ServerID:    "nuc-01",
				PackName:    "base",
				CheckedAt:   s.now.Add(time.Duration(i) * time.Minute),
				IsCompliant: i == 2,
				Mismatches: []state.Mismatch{
					{Category: "file", Item: "/etc/motd", Expected: "644", Actual: "600"},
				},
			})
			c.Assert(err, jc.ErrorIsNil)
		}

		checks, err := tx.ConfigChecks(ctx, "nuc-01", 2)
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(checks, gc.HasLen, 2)
		// Newest first.
		c.Check(checks[0].IsCompliant, jc.IsTrue)

		latest, err := tx.LatestConfigChecks(ctx)
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(latest, gc.HasLen, 1)
		c.Check(latest[0].IsCompliant, jc.IsTrue)
		c.Check(latest[0].Mismatches, gc.HasLen, 1)
		return nil
	})
}

func (s *stateSuite) TestConfigApplySingleFlight(c *gc.C) {
	s.addServer(c, "nuc-01")
	s.txn(c, func(ctx context.Context, tx *state.Tx) error {
		id, err := tx.InsertConfigApply(ctx, state.ConfigApply{
			ServerID: "nuc-01", PackName: "base", Operation: state.OperationApply,
			ItemsTotal: 4, TriggeredBy: "admin", CreatedAt: s.now,
		})
		c.Assert(err, jc.ErrorIsNil)

		_, err = tx.InsertConfigApply(ctx, state.ConfigApply{
			ServerID: "nuc-01", PackName: "base", CreatedAt: s.now,
		})
		c.Check(err, jc.ErrorIs, errors.AlreadyExists)

		c.Assert(tx.StartApply(ctx, id, s.now), jc.ErrorIsNil)
		c.Assert(tx.FinishApply(ctx, id, state.ApplyCompleted, "", s.now.Add(time.Minute)), jc.ErrorIsNil)

		done, err := tx.ConfigApply(ctx, id)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(done.Status, gc.Equals, state.ApplyCompleted)

		// A terminal apply no longer blocks the next one.
		_, err = tx.InsertConfigApply(ctx, state.ConfigApply{
			ServerID: "nuc-01", PackName: "base", Operation: state.OperationRemove,
			CreatedAt: s.now.Add(2 * time.Minute),
		})
		c.Check(err, jc.ErrorIsNil)
		return nil
	})
}
