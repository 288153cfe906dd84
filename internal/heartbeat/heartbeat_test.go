// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package heartbeat_test

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/DarrenBenson/homelabcmd/apiserver/params"
	"github.com/DarrenBenson/homelabcmd/core/action"
	corealerting "github.com/DarrenBenson/homelabcmd/core/alerting"
	"github.com/DarrenBenson/homelabcmd/core/fleet"
	"github.com/DarrenBenson/homelabcmd/database"
	"github.com/DarrenBenson/homelabcmd/internal/heartbeat"
	"github.com/DarrenBenson/homelabcmd/state"
)

type heartbeatSuite struct {
	db    *sql.DB
	st    *state.State
	clock *testclock.Clock
	proc  *heartbeat.Processor
}

var _ = gc.Suite(&heartbeatSuite{})

func (s *heartbeatSuite) SetUpTest(c *gc.C) {
	db, err := database.Open(context.Background(), "")
	c.Assert(err, jc.ErrorIsNil)
	s.db = db
	s.st = state.NewState(db)
	s.clock = testclock.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s.proc = heartbeat.NewProcessor(s.st, s.clock, nil)
}

func (s *heartbeatSuite) TearDownTest(c *gc.C) {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *heartbeatSuite) server(c *gc.C, id string) fleet.Server {
	var srv fleet.Server
	err := s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		srv, err = tx.Server(ctx, id)
		return err
	})
	c.Assert(err, jc.ErrorIsNil)
	return srv
}

func baseRequest(id, guid string) params.HeartbeatRequest {
	return params.HeartbeatRequest{
		ServerGUID: guid,
		ServerID:   id,
		Hostname:   id + ".lan",
		Timestamp:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (s *heartbeatSuite) TestAutoRegistersUnknownServer(c *gc.C) {
	resp, err := s.proc.Process(context.Background(), baseRequest("nuc-01", "guid-1"), "10.0.0.5")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(resp.Status, gc.Equals, "ok")
	c.Check(resp.ServerRegistered, jc.IsTrue)
	c.Check(resp.PendingCommands, gc.HasLen, 0)
	c.Check(resp.ResultsAcknowledged, gc.HasLen, 0)

	srv := s.server(c, "nuc-01")
	c.Check(srv.GUID, gc.Equals, "guid-1")
	c.Check(srv.Status, gc.Equals, fleet.StatusOnline)
	c.Check(srv.IPAddress, gc.Equals, "10.0.0.5")
	c.Check(srv.AssignedPacks, gc.DeepEquals, []string{"base"})
}

func (s *heartbeatSuite) TestSecondHeartbeatIsNotARegistration(c *gc.C) {
	_, err := s.proc.Process(context.Background(), baseRequest("nuc-01", "guid-1"), "")
	c.Assert(err, jc.ErrorIsNil)
	resp, err := s.proc.Process(context.Background(), baseRequest("nuc-01", "guid-1"), "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(resp.ServerRegistered, jc.IsFalse)
}

func (s *heartbeatSuite) TestGUIDAdoptedByLegacyRow(c *gc.C) {
	err := s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		return tx.CreateServer(ctx, fleet.Server{
			ID:        "legacy",
			Hostname:  "legacy.lan",
			Status:    fleet.StatusOnline,
			CreatedAt: s.clock.Now(),
			UpdatedAt: s.clock.Now(),
		})
	})
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.proc.Process(context.Background(), baseRequest("legacy", "guid-9"), "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.server(c, "legacy").GUID, gc.Equals, "guid-9")
}

func (s *heartbeatSuite) TestConflictingGUIDRejected(c *gc.C) {
	_, err := s.proc.Process(context.Background(), baseRequest("nuc-01", "guid-1"), "")
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.proc.Process(context.Background(), baseRequest("nuc-01", "guid-other"), "")
	c.Check(err, jc.ErrorIs, heartbeat.ErrIdentityConflict)
}

func (s *heartbeatSuite) TestGUIDTakenByAnotherServerRejected(c *gc.C) {
	_, err := s.proc.Process(context.Background(), baseRequest("nuc-01", "guid-1"), "")
	c.Assert(err, jc.ErrorIsNil)

	// A different slug claiming the same GUID resolves to the original
	// row by GUID, so the heartbeat lands on nuc-01 rather than
	// creating a duplicate.
	resp, err := s.proc.Process(context.Background(), baseRequest("clone", "guid-1"), "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(resp.ServerRegistered, jc.IsFalse)

	err = s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		_, err := tx.Server(ctx, "clone")
		return err
	})
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *heartbeatSuite) TestInactiveServerRejected(c *gc.C) {
	_, err := s.proc.Process(context.Background(), baseRequest("nuc-01", "guid-1"), "")
	c.Assert(err, jc.ErrorIsNil)
	err = s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		return tx.SetServerInactive(ctx, "nuc-01", true, s.clock.Now())
	})
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.proc.Process(context.Background(), baseRequest("nuc-01", "guid-1"), "")
	c.Check(err, jc.ErrorIs, heartbeat.ErrInactiveServer)
}

func (s *heartbeatSuite) TestVolatileFieldsAndCategoryInference(c *gc.C) {
	req := baseRequest("nuc-01", "guid-1")
	req.AgentVersion = "1.4.2"
	req.AgentMode = "readwrite"
	req.OSInfo = &params.OSInfo{
		Distribution: "Ubuntu", Version: "24.04", Kernel: "6.8.0", Architecture: "x86_64",
	}
	req.CPUInfo = &params.CPUInfo{CPUModel: "Intel(R) Core(TM) i7-9700K CPU @ 3.60GHz", CPUCores: 8}
	updates, security := 12, 3
	req.UpdatesAvailable = &updates
	req.SecurityUpdates = &security

	_, err := s.proc.Process(context.Background(), req, "")
	c.Assert(err, jc.ErrorIsNil)

	srv := s.server(c, "nuc-01")
	c.Check(srv.AgentVersion, gc.Equals, "1.4.2")
	c.Check(srv.AgentMode, gc.Equals, fleet.AgentModeReadWrite)
	c.Check(srv.OSDistribution, gc.Equals, "Ubuntu")
	c.Check(srv.MachineCategory, gc.Equals, fleet.CategoryWorkstation)
	c.Check(srv.MachineCategorySource, gc.Equals, fleet.CategorySourceAuto)
	c.Check(srv.UpdatesAvailable, gc.Equals, 12)
	c.Check(srv.SecurityUpdates, gc.Equals, 3)
}

func (s *heartbeatSuite) TestUserCategoryNotOverridden(c *gc.C) {
	_, err := s.proc.Process(context.Background(), baseRequest("nuc-01", "guid-1"), "")
	c.Assert(err, jc.ErrorIsNil)
	err = s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		srv, err := tx.Server(ctx, "nuc-01")
		if err != nil {
			return err
		}
		srv.MachineCategory = fleet.CategoryNAS
		srv.MachineCategorySource = fleet.CategorySourceUser
		return tx.UpdateServer(ctx, srv)
	})
	c.Assert(err, jc.ErrorIsNil)

	req := baseRequest("nuc-01", "guid-1")
	req.CPUInfo = &params.CPUInfo{CPUModel: "Intel(R) Xeon(R) E-2288G"}
	_, err = s.proc.Process(context.Background(), req, "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.server(c, "nuc-01").MachineCategory, gc.Equals, fleet.CategoryNAS)
}

func (s *heartbeatSuite) TestMetricsPersisted(c *gc.C) {
	req := baseRequest("nuc-01", "guid-1")
	req.Metrics = &params.MetricsPayload{CPUPercent: 42, MemoryPercent: 55, DiskPercent: 70}
	_, err := s.proc.Process(context.Background(), req, "")
	c.Assert(err, jc.ErrorIsNil)

	err = s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		samples, err := tx.MetricsRange(ctx, "nuc-01",
			s.clock.Now().Add(-time.Hour), s.clock.Now().Add(time.Hour))
		if err != nil {
			return err
		}
		c.Assert(samples, gc.HasLen, 1)
		c.Check(samples[0].CPUPercent, gc.Equals, 42.0)
		return nil
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *heartbeatSuite) TestPendingPackagesReplaced(c *gc.C) {
	req := baseRequest("nuc-01", "guid-1")
	req.Packages = []params.PackagePayload{
		{Name: "openssl", CurrentVersion: "3.0.2", NewVersion: "3.0.3", IsSecurity: true},
		{Name: "vim", CurrentVersion: "9.0", NewVersion: "9.1"},
	}
	_, err := s.proc.Process(context.Background(), req, "")
	c.Assert(err, jc.ErrorIsNil)

	req.Packages = []params.PackagePayload{
		{Name: "vim", CurrentVersion: "9.0", NewVersion: "9.1"},
	}
	_, err = s.proc.Process(context.Background(), req, "")
	c.Assert(err, jc.ErrorIsNil)

	err = s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		pkgs, err := tx.PendingPackages(ctx, "nuc-01")
		if err != nil {
			return err
		}
		c.Assert(pkgs, gc.HasLen, 1)
		c.Check(pkgs[0].Name, gc.Equals, "vim")
		return nil
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *heartbeatSuite) approvedAction(c *gc.C, serverID, command string) int64 {
	var id int64
	err := s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		id, err = tx.InsertAction(ctx, action.Action{
			ServerID:   serverID,
			ActionType: "restart_service",
			Command:    command,
			Status:     action.StatusApproved,
			CreatedAt:  s.clock.Now(),
			ApprovedAt: s.clock.Now(),
			ApprovedBy: "auto",
		})
		return err
	})
	c.Assert(err, jc.ErrorIsNil)
	return id
}

func (s *heartbeatSuite) TestDispatchesOldestApprovedAction(c *gc.C) {
	_, err := s.proc.Process(context.Background(), baseRequest("nuc-01", "guid-1"), "")
	c.Assert(err, jc.ErrorIsNil)

	first := s.approvedAction(c, "nuc-01", "sudo systemctl restart nginx")
	s.clock.Advance(time.Second)
	s.approvedAction(c, "nuc-01", "sudo systemctl restart postgresql")

	resp, err := s.proc.Process(context.Background(), baseRequest("nuc-01", "guid-1"), "")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(resp.PendingCommands, gc.HasLen, 1)
	c.Check(resp.PendingCommands[0].ActionID, gc.Equals, first)
	c.Check(resp.PendingCommands[0].TimeoutSeconds, gc.Equals, 30)

	// The second action waits while the first is executing.
	resp, err = s.proc.Process(context.Background(), baseRequest("nuc-01", "guid-1"), "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(resp.PendingCommands, gc.HasLen, 0)
}

func (s *heartbeatSuite) TestResultAcknowledgementCompletesAction(c *gc.C) {
	_, err := s.proc.Process(context.Background(), baseRequest("nuc-01", "guid-1"), "")
	c.Assert(err, jc.ErrorIsNil)
	id := s.approvedAction(c, "nuc-01", "sudo systemctl restart nginx")

	resp, err := s.proc.Process(context.Background(), baseRequest("nuc-01", "guid-1"), "")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(resp.PendingCommands, gc.HasLen, 1)

	req := baseRequest("nuc-01", "guid-1")
	req.CommandResults = []params.CommandResult{{
		ActionID: id, ExitCode: 0, Stdout: "restarted",
		ExecutedAt: s.clock.Now(), CompletedAt: s.clock.Now(),
	}}
	resp, err = s.proc.Process(context.Background(), req, "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(resp.ResultsAcknowledged, gc.DeepEquals, []int64{id})

	err = s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		act, err := tx.Action(ctx, id)
		if err != nil {
			return err
		}
		c.Check(act.Status, gc.Equals, action.StatusCompleted)
		c.Check(act.Stdout, gc.Equals, "restarted")
		return nil
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *heartbeatSuite) TestBackgroundSentinelKeepsActionExecuting(c *gc.C) {
	_, err := s.proc.Process(context.Background(), baseRequest("nuc-01", "guid-1"), "")
	c.Assert(err, jc.ErrorIsNil)
	id := s.approvedAction(c, "nuc-01", "sudo apt-get upgrade -y")

	_, err = s.proc.Process(context.Background(), baseRequest("nuc-01", "guid-1"), "")
	c.Assert(err, jc.ErrorIsNil)

	req := baseRequest("nuc-01", "guid-1")
	req.CommandResults = []params.CommandResult{{
		ActionID: id, ExitCode: 0, Stdout: action.BackgroundSentinel,
		ExecutedAt: s.clock.Now(), CompletedAt: s.clock.Now(),
	}}
	resp, err := s.proc.Process(context.Background(), req, "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(resp.ResultsAcknowledged, gc.DeepEquals, []int64{id})

	err = s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		act, err := tx.Action(ctx, id)
		if err != nil {
			return err
		}
		c.Check(act.Status, gc.Equals, action.StatusExecuting)
		return nil
	})
	c.Assert(err, jc.ErrorIsNil)

	// The real completion arrives on a later heartbeat.
	req.CommandResults = []params.CommandResult{{
		ActionID: id, ExitCode: 0, Stdout: "upgraded 12 packages",
		ExecutedAt: s.clock.Now(), CompletedAt: s.clock.Now(),
	}}
	_, err = s.proc.Process(context.Background(), req, "")
	c.Assert(err, jc.ErrorIsNil)
	err = s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		act, err := tx.Action(ctx, id)
		if err != nil {
			return err
		}
		c.Check(act.Status, gc.Equals, action.StatusCompleted)
		return nil
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *heartbeatSuite) TestSustainedBreachAcrossHeartbeats(c *gc.C) {
	req := baseRequest("nuc-01", "guid-1")
	req.Metrics = &params.MetricsPayload{CPUPercent: 92, MemoryPercent: 40, DiskPercent: 50}

	for i := 0; i < 3; i++ {
		_, err := s.proc.Process(context.Background(), req, "")
		c.Assert(err, jc.ErrorIsNil)
		s.clock.Advance(time.Minute)
	}

	err := s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		alerts, err := tx.ListAlerts(ctx, "nuc-01", corealerting.StatusOpen)
		if err != nil {
			return err
		}
		c.Assert(alerts, gc.HasLen, 1)
		c.Check(alerts[0].Type, gc.Equals, corealerting.TypeCPU)
		c.Check(alerts[0].Severity, gc.Equals, corealerting.SeverityHigh)
		return nil
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *heartbeatSuite) TestHeartbeatResolvesOfflineAlert(c *gc.C) {
	_, err := s.proc.Process(context.Background(), baseRequest("nuc-01", "guid-1"), "")
	c.Assert(err, jc.ErrorIsNil)

	// Mark offline with an open offline alert, as the scheduler would.
	err = s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		if err := tx.SetServerStatus(ctx, "nuc-01", fleet.StatusOffline, s.clock.Now()); err != nil {
			return err
		}
		_, err := tx.InsertAlert(ctx, corealerting.Alert{
			ServerID:  "nuc-01",
			Type:      corealerting.TypeOffline,
			Severity:  corealerting.SeverityHigh,
			Status:    corealerting.StatusOpen,
			Title:     "Server nuc-01 is offline",
			CreatedAt: s.clock.Now(),
		})
		return err
	})
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.proc.Process(context.Background(), baseRequest("nuc-01", "guid-1"), "")
	c.Assert(err, jc.ErrorIsNil)

	err = s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		open, err := tx.ListAlerts(ctx, "nuc-01", corealerting.StatusOpen)
		if err != nil {
			return err
		}
		c.Check(open, gc.HasLen, 0)
		return nil
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.server(c, "nuc-01").Status, gc.Equals, fleet.StatusOnline)
}

func (s *heartbeatSuite) TestMissingRequiredFieldsRejected(c *gc.C) {
	_, err := s.proc.Process(context.Background(), params.HeartbeatRequest{Hostname: "x"}, "")
	c.Check(err, jc.ErrorIs, errors.NotValid)
	_, err = s.proc.Process(context.Background(), params.HeartbeatRequest{ServerID: "x"}, "")
	c.Check(err, jc.ErrorIs, errors.NotValid)
}
