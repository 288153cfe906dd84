// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package alerting_test

import (
	"context"
	"database/sql"
	"time"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	corealerting "github.com/DarrenBenson/homelabcmd/core/alerting"
	"github.com/DarrenBenson/homelabcmd/core/fleet"
	"github.com/DarrenBenson/homelabcmd/core/telemetry"
	"github.com/DarrenBenson/homelabcmd/database"
	"github.com/DarrenBenson/homelabcmd/internal/alerting"
	"github.com/DarrenBenson/homelabcmd/state"
)

type evaluatorSuite struct {
	db  *sql.DB
	st  *state.State
	srv *fleet.Server
	now time.Time
}

var _ = gc.Suite(&evaluatorSuite{})

func (s *evaluatorSuite) SetUpTest(c *gc.C) {
	ctx := context.Background()
	db, err := database.Open(ctx, "")
	c.Assert(err, jc.ErrorIsNil)
	s.db = db
	s.st = state.NewState(db)
	s.now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s.srv = &fleet.Server{
		ID:          "nuc-01",
		Hostname:    "nuc-01.lan",
		DisplayName: "Living room NUC",
		Status:      fleet.StatusOnline,
		LastSeen:    s.now,
		CreatedAt:   s.now,
		UpdatedAt:   s.now,
	}
	err = s.st.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		return tx.CreateServer(ctx, *s.srv)
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *evaluatorSuite) TearDownTest(c *gc.C) {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *evaluatorSuite) evaluator() *alerting.Evaluator {
	return alerting.NewEvaluator(corealerting.DefaultThresholds(), corealerting.DefaultNotifications())
}

// evalCPU feeds one sample with the given cpu percent and returns the
// events.
func (s *evaluatorSuite) evalCPU(c *gc.C, eval *alerting.Evaluator, cpu float64, at time.Time) []corealerting.Event {
	var events []corealerting.Event
	err := s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		events, err = eval.EvaluateSample(ctx, tx, s.srv, telemetry.Sample{
			ServerID:   s.srv.ID,
			Timestamp:  at,
			CPUPercent: cpu,
		}, at)
		return err
	})
	c.Assert(err, jc.ErrorIsNil)
	return events
}

func (s *evaluatorSuite) openAlerts(c *gc.C) []corealerting.Alert {
	var alerts []corealerting.Alert
	err := s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		alerts, err = tx.ListAlerts(ctx, s.srv.ID, corealerting.StatusOpen)
		return err
	})
	c.Assert(err, jc.ErrorIsNil)
	return alerts
}

func (s *evaluatorSuite) TestBreachBelowSustainedWindowStaysQuiet(c *gc.C) {
	eval := s.evaluator()
	c.Check(s.evalCPU(c, eval, 90, s.now), gc.HasLen, 0)
	c.Check(s.evalCPU(c, eval, 90, s.now.Add(time.Minute)), gc.HasLen, 0)
	c.Check(s.openAlerts(c), gc.HasLen, 0)
}

func (s *evaluatorSuite) TestSustainedBreachOpensAlert(c *gc.C) {
	eval := s.evaluator()
	s.evalCPU(c, eval, 90, s.now)
	s.evalCPU(c, eval, 90, s.now.Add(time.Minute))
	events := s.evalCPU(c, eval, 90, s.now.Add(2*time.Minute))

	c.Assert(events, gc.HasLen, 1)
	c.Check(events[0].Kind, gc.Equals, corealerting.EventThreshold)
	c.Check(events[0].Severity, gc.Equals, corealerting.SeverityHigh)
	c.Check(events[0].Type, gc.Equals, corealerting.TypeCPU)
	c.Check(events[0].ServerName, gc.Equals, "Living room NUC")

	alerts := s.openAlerts(c)
	c.Assert(alerts, gc.HasLen, 1)
	c.Check(alerts[0].Type, gc.Equals, corealerting.TypeCPU)
	c.Check(alerts[0].ActualValue, gc.Equals, 90.0)
}

func (s *evaluatorSuite) TestInterruptedBreachResetsCounter(c *gc.C) {
	eval := s.evaluator()
	s.evalCPU(c, eval, 90, s.now)
	s.evalCPU(c, eval, 90, s.now.Add(time.Minute))
	// Recovery sample resets the consecutive count.
	s.evalCPU(c, eval, 40, s.now.Add(2*time.Minute))
	s.evalCPU(c, eval, 90, s.now.Add(3*time.Minute))
	c.Check(s.evalCPU(c, eval, 90, s.now.Add(4*time.Minute)), gc.HasLen, 0)
	c.Check(s.openAlerts(c), gc.HasLen, 0)
}

func (s *evaluatorSuite) TestDiskAlertsOnFirstSample(c *gc.C) {
	eval := s.evaluator()
	var events []corealerting.Event
	err := s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		events, err = eval.EvaluateSample(ctx, tx, s.srv, telemetry.Sample{
			ServerID:    s.srv.ID,
			Timestamp:   s.now,
			DiskPercent: 91,
		}, s.now)
		return err
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(events, gc.HasLen, 1)
	c.Check(events[0].Type, gc.Equals, corealerting.TypeDisk)
}

func (s *evaluatorSuite) TestCooldownSuppressesRepeatNotification(c *gc.C) {
	eval := s.evaluator()
	s.evalCPU(c, eval, 90, s.now)
	s.evalCPU(c, eval, 90, s.now.Add(time.Minute))
	c.Assert(s.evalCPU(c, eval, 90, s.now.Add(2*time.Minute)), gc.HasLen, 1)

	// Still breaching ten minutes later, well inside the high cooldown.
	c.Check(s.evalCPU(c, eval, 92, s.now.Add(12*time.Minute)), gc.HasLen, 0)

	// The open alert still tracks the latest observation.
	alerts := s.openAlerts(c)
	c.Assert(alerts, gc.HasLen, 1)
	c.Check(alerts[0].ActualValue, gc.Equals, 92.0)
}

func (s *evaluatorSuite) TestSeverityUpgradeHonoursCooldown(c *gc.C) {
	eval := s.evaluator()
	s.evalCPU(c, eval, 90, s.now)
	s.evalCPU(c, eval, 90, s.now.Add(time.Minute))
	c.Assert(s.evalCPU(c, eval, 90, s.now.Add(2*time.Minute)), gc.HasLen, 1)

	// The upgrade to critical lands on the alert row, but the critical
	// cooldown still gates the notification.
	c.Check(s.evalCPU(c, eval, 97, s.now.Add(3*time.Minute)), gc.HasLen, 0)

	alerts := s.openAlerts(c)
	c.Assert(alerts, gc.HasLen, 1)
	c.Check(alerts[0].Severity, gc.Equals, corealerting.SeverityCritical)

	// Once the critical cooldown has elapsed the breach renotifies at
	// the upgraded severity.
	events := s.evalCPU(c, eval, 97, s.now.Add(35*time.Minute))
	c.Assert(events, gc.HasLen, 1)
	c.Check(events[0].Severity, gc.Equals, corealerting.SeverityCritical)
}

func (s *evaluatorSuite) TestRecoveryAutoResolves(c *gc.C) {
	eval := s.evaluator()
	s.evalCPU(c, eval, 90, s.now)
	s.evalCPU(c, eval, 90, s.now.Add(time.Minute))
	c.Assert(s.evalCPU(c, eval, 90, s.now.Add(2*time.Minute)), gc.HasLen, 1)

	events := s.evalCPU(c, eval, 40, s.now.Add(3*time.Minute))
	c.Assert(events, gc.HasLen, 1)
	c.Check(events[0].Kind, gc.Equals, corealerting.EventResolved)

	c.Check(s.openAlerts(c), gc.HasLen, 0)
	var resolved []corealerting.Alert
	err := s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		resolved, err = tx.ListAlerts(ctx, s.srv.ID, corealerting.StatusResolved)
		return err
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(resolved, gc.HasLen, 1)
	c.Check(resolved[0].AutoResolved, jc.IsTrue)
}

func (s *evaluatorSuite) expectService(c *gc.C, name string, critical bool) {
	err := s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		return tx.UpsertExpectedService(ctx, telemetry.ExpectedService{
			ServerID:    s.srv.ID,
			ServiceName: name,
			IsCritical:  critical,
			Enabled:     true,
		})
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *evaluatorSuite) evalService(c *gc.C, eval *alerting.Evaluator, name string, status telemetry.ServiceState) []corealerting.Event {
	var events []corealerting.Event
	err := s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		events, err = eval.EvaluateServices(ctx, tx, s.srv, []telemetry.ServiceSample{{
			ServerID:    s.srv.ID,
			ServiceName: name,
			Timestamp:   s.now,
			Status:      status,
		}}, s.now)
		return err
	})
	c.Assert(err, jc.ErrorIsNil)
	return events
}

func (s *evaluatorSuite) TestCriticalServiceDownOpensHighAlert(c *gc.C) {
	s.expectService(c, "postgresql", true)
	eval := s.evaluator()

	events := s.evalService(c, eval, "postgresql", telemetry.ServiceFailed)
	c.Assert(events, gc.HasLen, 1)
	c.Check(events[0].Kind, gc.Equals, corealerting.EventService)
	c.Check(events[0].Severity, gc.Equals, corealerting.SeverityHigh)
	c.Check(events[0].Service, gc.Equals, "postgresql")

	alerts := s.openAlerts(c)
	c.Assert(alerts, gc.HasLen, 1)
	c.Check(alerts[0].Title, gc.Equals, "Service postgresql is failed")
}

func (s *evaluatorSuite) TestNonCriticalServiceDownOpensMediumAlertQuietly(c *gc.C) {
	s.expectService(c, "grafana", false)
	eval := s.evaluator()

	// Medium notifications are off by default: alert row, no event.
	events := s.evalService(c, eval, "grafana", telemetry.ServiceStopped)
	c.Check(events, gc.HasLen, 0)

	alerts := s.openAlerts(c)
	c.Assert(alerts, gc.HasLen, 1)
	c.Check(alerts[0].Severity, gc.Equals, corealerting.SeverityMedium)
}

func (s *evaluatorSuite) TestServiceDownDoesNotDuplicate(c *gc.C) {
	s.expectService(c, "postgresql", true)
	eval := s.evaluator()
	s.evalService(c, eval, "postgresql", telemetry.ServiceFailed)
	s.evalService(c, eval, "postgresql", telemetry.ServiceFailed)
	c.Check(s.openAlerts(c), gc.HasLen, 1)
}

func (s *evaluatorSuite) TestServiceRecoveryResolves(c *gc.C) {
	s.expectService(c, "postgresql", true)
	eval := s.evaluator()
	s.evalService(c, eval, "postgresql", telemetry.ServiceFailed)

	events := s.evalService(c, eval, "postgresql", telemetry.ServiceRunning)
	c.Assert(events, gc.HasLen, 1)
	c.Check(events[0].Kind, gc.Equals, corealerting.EventResolved)
	c.Check(s.openAlerts(c), gc.HasLen, 0)
}

func (s *evaluatorSuite) TestUnknownServiceStateIsNoop(c *gc.C) {
	s.expectService(c, "postgresql", true)
	eval := s.evaluator()
	s.evalService(c, eval, "postgresql", telemetry.ServiceFailed)

	c.Check(s.evalService(c, eval, "postgresql", telemetry.ServiceUnknown), gc.HasLen, 0)
	c.Check(s.openAlerts(c), gc.HasLen, 1)
}

func (s *evaluatorSuite) TestUnwatchedServiceIgnored(c *gc.C) {
	eval := s.evaluator()
	c.Check(s.evalService(c, eval, "random", telemetry.ServiceFailed), gc.HasLen, 0)
	c.Check(s.openAlerts(c), gc.HasLen, 0)
}

func (s *evaluatorSuite) TestOfflineOpensAlertAndRemindersMarked(c *gc.C) {
	eval := s.evaluator()
	var events []corealerting.Event
	err := s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		events, err = eval.ServerOffline(ctx, tx, s.srv, s.now)
		return err
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(events, gc.HasLen, 1)
	c.Check(events[0].Kind, gc.Equals, corealerting.EventOffline)
	c.Check(events[0].IsReminder, jc.IsFalse)

	// A second trigger inside the cooldown stays quiet.
	err = s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		events, err = eval.ServerOffline(ctx, tx, s.srv, s.now.Add(time.Minute))
		return err
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(events, gc.HasLen, 0)

	// Past the cooldown it repeats as a reminder.
	err = s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		events, err = eval.ServerOffline(ctx, tx, s.srv, s.now.Add(3*time.Hour))
		return err
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(events, gc.HasLen, 1)
	c.Check(events[0].IsReminder, jc.IsTrue)
	c.Check(s.openAlerts(c), gc.HasLen, 1)
}

func (s *evaluatorSuite) TestBackOnlineResolvesOfflineAlert(c *gc.C) {
	eval := s.evaluator()
	err := s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		_, err := eval.ServerOffline(ctx, tx, s.srv, s.now)
		return err
	})
	c.Assert(err, jc.ErrorIsNil)

	var events []corealerting.Event
	err = s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		events, err = eval.ServerBackOnline(ctx, tx, s.srv, s.now.Add(10*time.Minute))
		return err
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(events, gc.HasLen, 1)
	c.Check(events[0].Kind, gc.Equals, corealerting.EventResolved)
	c.Check(s.openAlerts(c), gc.HasLen, 0)
}

func (s *evaluatorSuite) TestAcknowledgeServiceAlertRejectedWhileDown(c *gc.C) {
	s.expectService(c, "postgresql", true)
	eval := s.evaluator()

	err := s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		_, err := eval.EvaluateServices(ctx, tx, s.srv, []telemetry.ServiceSample{{
			ServerID:    s.srv.ID,
			ServiceName: "postgresql",
			Timestamp:   s.now,
			Status:      telemetry.ServiceFailed,
		}}, s.now)
		if err != nil {
			return err
		}
		return tx.InsertServiceStatus(ctx, telemetry.ServiceSample{
			ServerID:    s.srv.ID,
			ServiceName: "postgresql",
			Timestamp:   s.now,
			Status:      telemetry.ServiceFailed,
		})
	})
	c.Assert(err, jc.ErrorIsNil)

	alerts := s.openAlerts(c)
	c.Assert(alerts, gc.HasLen, 1)

	err = s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		return alerting.AcknowledgeServiceAlert(ctx, tx, alerts[0], s.now.Add(time.Minute))
	})
	c.Check(err, jc.ErrorIs, corealerting.ErrServiceStillDown)

	// Once the service reports running again the alert auto-resolves,
	// but an operator can also acknowledge after recovery is recorded.
	err = s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		return tx.InsertServiceStatus(ctx, telemetry.ServiceSample{
			ServerID:    s.srv.ID,
			ServiceName: "postgresql",
			Timestamp:   s.now.Add(2 * time.Minute),
			Status:      telemetry.ServiceRunning,
		})
	})
	c.Assert(err, jc.ErrorIsNil)
	err = s.st.Txn(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		return alerting.AcknowledgeServiceAlert(ctx, tx, alerts[0], s.now.Add(3*time.Minute))
	})
	c.Check(err, jc.ErrorIsNil)
}
