// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package alerting evaluates telemetry samples against thresholds,
// maintaining sustained-breach state and the alert lifecycle. The
// evaluator runs inside the heartbeat transaction; the events it
// returns are delivered only after the transaction commits.
package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/DarrenBenson/homelabcmd/core/alerting"
	"github.com/DarrenBenson/homelabcmd/core/fleet"
	"github.com/DarrenBenson/homelabcmd/core/telemetry"
	"github.com/DarrenBenson/homelabcmd/state"
)

var logger = loggo.GetLogger("homelabcmd.alerting")

// Evaluator applies threshold and service rules to incoming samples.
type Evaluator struct {
	thresholds    alerting.Thresholds
	notifications alerting.Notifications
}

// NewEvaluator returns an Evaluator bound to the current settings.
// Construct a fresh one per heartbeat so settings changes take effect
// without restarts.
func NewEvaluator(thresholds alerting.Thresholds, notifications alerting.Notifications) *Evaluator {
	return &Evaluator{thresholds: thresholds, notifications: notifications}
}

// EvaluateSample runs the sustained-breach state machine for cpu,
// memory and disk against one telemetry sample.
func (e *Evaluator) EvaluateSample(ctx context.Context, tx *state.Tx, srv *fleet.Server, sample telemetry.Sample, now time.Time) ([]alerting.Event, error) {
	var events []alerting.Event
	metrics := []struct {
		typ   alerting.Type
		value float64
	}{
		{alerting.TypeCPU, sample.CPUPercent},
		{alerting.TypeMemory, sample.MemoryPercent},
		{alerting.TypeDisk, sample.DiskPercent},
	}
	for _, m := range metrics {
		threshold, ok := e.thresholds.Metric(m.typ)
		if !ok {
			continue
		}
		found, err := e.evaluateMetric(ctx, tx, srv, m.typ, m.value, threshold, now)
		if err != nil {
			return nil, errors.Trace(err)
		}
		events = append(events, found...)
	}
	return events, nil
}

func (e *Evaluator) evaluateMetric(ctx context.Context, tx *state.Tx, srv *fleet.Server, metric alerting.Type, value float64, threshold alerting.MetricThreshold, now time.Time) ([]alerting.Event, error) {
	st, err := tx.AlertState(ctx, srv.ID, metric)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if value < threshold.HighPercent {
		// A single recovery sample resolves, regardless of how long
		// the breach ran.
		events, err := e.recover(ctx, tx, srv, metric, &st, now)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return events, errors.Trace(tx.PutAlertState(ctx, st))
	}

	severity := alerting.SeverityHigh
	if value >= threshold.CriticalPercent {
		severity = alerting.SeverityCritical
	}

	st.BreachCount++
	if st.FirstBreachAt.IsZero() {
		st.FirstBreachAt = now
	}

	if !sustained(st, threshold, now) {
		return nil, errors.Trace(tx.PutAlertState(ctx, st))
	}

	var events []alerting.Event
	if st.OpenAlertID == 0 {
		events, err = e.openMetricAlert(ctx, tx, srv, metric, severity, threshold.HighPercent, value, &st, now)
	} else {
		events, err = e.updateMetricAlert(ctx, tx, srv, metric, severity, threshold.HighPercent, value, &st, now)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return events, errors.Trace(tx.PutAlertState(ctx, st))
}

// sustained reports whether the breach has held for enough consecutive
// heartbeats or enough wall time.
func sustained(st alerting.State, threshold alerting.MetricThreshold, now time.Time) bool {
	if threshold.SustainedHeartbeats > 0 && st.BreachCount >= threshold.SustainedHeartbeats {
		return true
	}
	if threshold.SustainedSeconds > 0 && !st.FirstBreachAt.IsZero() {
		return now.Sub(st.FirstBreachAt) >= time.Duration(threshold.SustainedSeconds)*time.Second
	}
	return false
}

func metricAlertTitle(metric alerting.Type, severity alerting.Severity) string {
	noun := map[alerting.Type]string{
		alerting.TypeCPU:    "CPU usage",
		alerting.TypeMemory: "Memory usage",
		alerting.TypeDisk:   "Disk usage",
	}[metric]
	return fmt.Sprintf("%s %s", noun, severity)
}

func metricAlertMessage(metric alerting.Type, value, threshold float64) string {
	return fmt.Sprintf("%s at %.1f%% (threshold %.1f%%)", metric, value, threshold)
}

func (e *Evaluator) openMetricAlert(ctx context.Context, tx *state.Tx, srv *fleet.Server, metric alerting.Type, severity alerting.Severity, threshold, value float64, st *alerting.State, now time.Time) ([]alerting.Event, error) {
	alert := alerting.Alert{
		ServerID:       srv.ID,
		Type:           metric,
		Severity:       severity,
		Status:         alerting.StatusOpen,
		Title:          metricAlertTitle(metric, severity),
		Message:        metricAlertMessage(metric, value, threshold),
		ThresholdValue: threshold,
		ActualValue:    value,
		CreatedAt:      now,
	}
	id, err := tx.InsertAlert(ctx, alert)
	if err != nil {
		return nil, errors.Trace(err)
	}
	st.OpenAlertID = id
	st.BreachLevel = breachLevel(severity)
	logger.Infof("opened %s %s alert for %s (%.1f%%)", severity, metric, srv.ID, value)

	if !e.shouldNotify(severity, st.LastNotifiedAt, now) {
		return nil, nil
	}
	st.LastNotifiedAt = now
	return []alerting.Event{{
		Kind:       alerting.EventThreshold,
		AlertID:    id,
		ServerID:   srv.ID,
		ServerName: srv.Name(),
		Type:       metric,
		Severity:   severity,
		Title:      alert.Title,
		Message:    alert.Message,
		Threshold:  threshold,
		Actual:     value,
	}}, nil
}

func (e *Evaluator) updateMetricAlert(ctx context.Context, tx *state.Tx, srv *fleet.Server, metric alerting.Type, severity alerting.Severity, threshold, value float64, st *alerting.State, now time.Time) ([]alerting.Event, error) {
	message := metricAlertMessage(metric, value, threshold)
	err := tx.UpdateAlertObservation(ctx, st.OpenAlertID, severity, message, threshold, value)
	if errors.Is(err, errors.NotFound) {
		// The alert went away underneath us (manual resolve plus state
		// drift); reopen fresh.
		st.OpenAlertID = 0
		return e.openMetricAlert(ctx, tx, srv, metric, severity, threshold, value, st, now)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}

	st.BreachLevel = breachLevel(severity)

	// The per-severity cooldown gates repeat notifications for an
	// ongoing breach, including an upgrade from high to critical.
	if !e.shouldNotify(severity, st.LastNotifiedAt, now) {
		return nil, nil
	}
	st.LastNotifiedAt = now
	return []alerting.Event{{
		Kind:       alerting.EventThreshold,
		AlertID:    st.OpenAlertID,
		ServerID:   srv.ID,
		ServerName: srv.Name(),
		Type:       metric,
		Severity:   severity,
		Title:      metricAlertTitle(metric, severity),
		Message:    message,
		Threshold:  threshold,
		Actual:     value,
	}}, nil
}

func (e *Evaluator) recover(ctx context.Context, tx *state.Tx, srv *fleet.Server, metric alerting.Type, st *alerting.State, now time.Time) ([]alerting.Event, error) {
	openID := st.OpenAlertID
	st.BreachCount = 0
	st.BreachLevel = alerting.BreachClear
	st.FirstBreachAt = time.Time{}
	st.OpenAlertID = 0
	if openID == 0 {
		return nil, nil
	}

	alert, err := tx.Alert(ctx, openID)
	if errors.Is(err, errors.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	if alert.Status == alerting.StatusResolved {
		return nil, nil
	}
	if err := tx.ResolveAlert(ctx, openID, true, now); err != nil {
		return nil, errors.Trace(err)
	}
	logger.Infof("auto-resolved %s alert %d for %s", metric, openID, srv.ID)

	if !e.notifications.NotifyOnResolved {
		return nil, nil
	}
	return []alerting.Event{{
		Kind:       alerting.EventResolved,
		AlertID:    openID,
		ServerID:   srv.ID,
		ServerName: srv.Name(),
		Type:       metric,
		Severity:   alert.Severity,
		Title:      alert.Title + " resolved",
		Message:    fmt.Sprintf("%s back under threshold", metric),
	}}, nil
}

func breachLevel(severity alerting.Severity) alerting.BreachLevel {
	if severity == alerting.SeverityCritical {
		return alerting.BreachCritical
	}
	return alerting.BreachHigh
}

// shouldNotify applies the per-severity enable switch and cooldown.
func (e *Evaluator) shouldNotify(severity alerting.Severity, lastNotified, now time.Time) bool {
	if !e.notifications.Enabled(severity) {
		return false
	}
	if lastNotified.IsZero() {
		return true
	}
	return now.Sub(lastNotified) >= e.notifications.Cooldown(severity)
}

// EvaluateServices reconciles observed service states against the
// expected-services registry. Stopped or failed opens an alert (high
// for critical services, medium otherwise), running auto-resolves,
// unknown changes nothing.
func (e *Evaluator) EvaluateServices(ctx context.Context, tx *state.Tx, srv *fleet.Server, samples []telemetry.ServiceSample, now time.Time) ([]alerting.Event, error) {
	expected, err := tx.ExpectedServices(ctx, srv.ID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	registry := make(map[string]telemetry.ExpectedService, len(expected))
	for _, svc := range expected {
		if svc.Enabled {
			registry[svc.ServiceName] = svc
		}
	}

	var events []alerting.Event
	for _, sample := range samples {
		svc, watched := registry[sample.ServiceName]
		if !watched {
			continue
		}
		switch sample.Status {
		case telemetry.ServiceStopped, telemetry.ServiceFailed:
			found, err := e.serviceDown(ctx, tx, srv, svc, sample, now)
			if err != nil {
				return nil, errors.Trace(err)
			}
			events = append(events, found...)
		case telemetry.ServiceRunning:
			found, err := e.serviceRecovered(ctx, tx, srv, svc, now)
			if err != nil {
				return nil, errors.Trace(err)
			}
			events = append(events, found...)
		}
		// Unknown state is a no-op: no alert, no resolve.
	}
	return events, nil
}

func (e *Evaluator) serviceDown(ctx context.Context, tx *state.Tx, srv *fleet.Server, svc telemetry.ExpectedService, sample telemetry.ServiceSample, now time.Time) ([]alerting.Event, error) {
	existing, err := tx.OpenServiceAlert(ctx, srv.ID, svc.ServiceName)
	if err == nil {
		// Already alerted; refresh the message if the state changed.
		title := alerting.ServiceAlertTitle(svc.ServiceName, string(sample.Status))
		if existing.Title != title {
			err = tx.UpdateAlertObservation(ctx, existing.ID, existing.Severity,
				serviceAlertMessage(svc, sample), 0, 0)
			return nil, errors.Trace(err)
		}
		return nil, nil
	}
	if !errors.Is(err, errors.NotFound) {
		return nil, errors.Trace(err)
	}

	severity := alerting.SeverityMedium
	if svc.IsCritical {
		severity = alerting.SeverityHigh
	}
	alert := alerting.Alert{
		ServerID:  srv.ID,
		Type:      alerting.TypeService,
		Severity:  severity,
		Status:    alerting.StatusOpen,
		Title:     alerting.ServiceAlertTitle(svc.ServiceName, string(sample.Status)),
		Message:   serviceAlertMessage(svc, sample),
		CreatedAt: now,
	}
	id, err := tx.InsertAlert(ctx, alert)
	if err != nil {
		return nil, errors.Trace(err)
	}
	logger.Infof("opened service alert for %s/%s (%s)", srv.ID, svc.ServiceName, sample.Status)

	if !e.notifications.Enabled(severity) {
		return nil, nil
	}
	return []alerting.Event{{
		Kind:       alerting.EventService,
		AlertID:    id,
		ServerID:   srv.ID,
		ServerName: srv.Name(),
		Type:       alerting.TypeService,
		Severity:   severity,
		Title:      alert.Title,
		Message:    alert.Message,
		Service:    svc.ServiceName,
	}}, nil
}

func (e *Evaluator) serviceRecovered(ctx context.Context, tx *state.Tx, srv *fleet.Server, svc telemetry.ExpectedService, now time.Time) ([]alerting.Event, error) {
	existing, err := tx.OpenServiceAlert(ctx, srv.ID, svc.ServiceName)
	if errors.Is(err, errors.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := tx.ResolveAlert(ctx, existing.ID, true, now); err != nil {
		return nil, errors.Trace(err)
	}
	logger.Infof("auto-resolved service alert for %s/%s", srv.ID, svc.ServiceName)

	if !e.notifications.NotifyOnResolved {
		return nil, nil
	}
	return []alerting.Event{{
		Kind:       alerting.EventResolved,
		AlertID:    existing.ID,
		ServerID:   srv.ID,
		ServerName: srv.Name(),
		Type:       alerting.TypeService,
		Severity:   existing.Severity,
		Title:      alerting.ServiceAlertTitle(svc.ServiceName, "running"),
		Message:    fmt.Sprintf("Service %s recovered", svc.ServiceName),
		Service:    svc.ServiceName,
	}}, nil
}

func serviceAlertMessage(svc telemetry.ExpectedService, sample telemetry.ServiceSample) string {
	name := svc.DisplayName
	if name == "" {
		name = svc.ServiceName
	}
	msg := fmt.Sprintf("%s is %s", name, sample.Status)
	if sample.StatusReason != "" {
		msg += ": " + sample.StatusReason
	}
	return msg
}

// ServerOffline opens an offline alert when a server misses its
// heartbeat window. The scheduler calls this; reminder repeats are
// driven by the cooldown.
func (e *Evaluator) ServerOffline(ctx context.Context, tx *state.Tx, srv *fleet.Server, now time.Time) ([]alerting.Event, error) {
	st, err := tx.AlertState(ctx, srv.ID, alerting.TypeOffline)
	if err != nil {
		return nil, errors.Trace(err)
	}

	isReminder := false
	if st.OpenAlertID != 0 {
		if _, err := tx.Alert(ctx, st.OpenAlertID); err == nil {
			isReminder = true
		} else if !errors.Is(err, errors.NotFound) {
			return nil, errors.Trace(err)
		}
	}

	severity := alerting.SeverityHigh
	if !isReminder {
		alert := alerting.Alert{
			ServerID:  srv.ID,
			Type:      alerting.TypeOffline,
			Severity:  severity,
			Status:    alerting.StatusOpen,
			Title:     fmt.Sprintf("Server %s is offline", srv.Name()),
			Message:   fmt.Sprintf("No heartbeat received from %s since %s", srv.Name(), srv.LastSeen.UTC().Format(time.RFC3339)),
			CreatedAt: now,
		}
		id, err := tx.InsertAlert(ctx, alert)
		if err != nil {
			return nil, errors.Trace(err)
		}
		st.OpenAlertID = id
		logger.Infof("opened offline alert for %s", srv.ID)
	}

	if !e.shouldNotify(severity, st.LastNotifiedAt, now) {
		return nil, errors.Trace(tx.PutAlertState(ctx, st))
	}
	st.LastNotifiedAt = now
	if err := tx.PutAlertState(ctx, st); err != nil {
		return nil, errors.Trace(err)
	}
	return []alerting.Event{{
		Kind:       alerting.EventOffline,
		AlertID:    st.OpenAlertID,
		ServerID:   srv.ID,
		ServerName: srv.Name(),
		Type:       alerting.TypeOffline,
		Severity:   severity,
		Title:      fmt.Sprintf("Server %s is offline", srv.Name()),
		Message:    fmt.Sprintf("No heartbeat received from %s", srv.Name()),
		IsReminder: isReminder,
	}}, nil
}

// ServerBackOnline resolves any open offline alert after a heartbeat
// arrives again.
func (e *Evaluator) ServerBackOnline(ctx context.Context, tx *state.Tx, srv *fleet.Server, now time.Time) ([]alerting.Event, error) {
	existing, err := tx.OpenAlertByType(ctx, srv.ID, alerting.TypeOffline)
	if errors.Is(err, errors.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := tx.ResolveAlert(ctx, existing.ID, true, now); err != nil {
		return nil, errors.Trace(err)
	}
	st, err := tx.AlertState(ctx, srv.ID, alerting.TypeOffline)
	if err != nil {
		return nil, errors.Trace(err)
	}
	st.OpenAlertID = 0
	st.LastNotifiedAt = time.Time{}
	if err := tx.PutAlertState(ctx, st); err != nil {
		return nil, errors.Trace(err)
	}
	logger.Infof("resolved offline alert for %s", srv.ID)

	if !e.notifications.NotifyOnResolved {
		return nil, nil
	}
	return []alerting.Event{{
		Kind:       alerting.EventResolved,
		AlertID:    existing.ID,
		ServerID:   srv.ID,
		ServerName: srv.Name(),
		Type:       alerting.TypeOffline,
		Severity:   existing.Severity,
		Title:      fmt.Sprintf("Server %s is back online", srv.Name()),
		Message:    fmt.Sprintf("Heartbeats from %s resumed", srv.Name()),
	}}, nil
}

// AcknowledgeServiceAlert acknowledges a service alert only when the
// service has recovered; acknowledging a still-down service is
// rejected so the alert keeps surfacing.
func AcknowledgeServiceAlert(ctx context.Context, tx *state.Tx, alert alerting.Alert, now time.Time) error {
	if alert.Type == alerting.TypeService {
		service, ok := alerting.ServiceFromTitle(alert.Title)
		if ok {
			sample, err := tx.LatestServiceStatus(ctx, alert.ServerID, service)
			if err != nil && !errors.Is(err, errors.NotFound) {
				return errors.Trace(err)
			}
			if err == nil && (sample.Status == telemetry.ServiceStopped || sample.Status == telemetry.ServiceFailed) {
				return errors.WithType(
					errors.Errorf("service alert %d: %s", alert.ID, alerting.ErrServiceStillDown),
					alerting.ErrServiceStillDown)
			}
		}
	}
	return errors.Trace(tx.AcknowledgeAlert(ctx, alert.ID, now))
}
