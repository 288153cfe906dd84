// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/errors"

	"github.com/DarrenBenson/homelabcmd/core/alerting"
)

const alertColumns = `
id, server_id, alert_type, severity, status, title, message,
threshold_value, actual_value, auto_resolved, created_at, acknowledged_at, resolved_at`

func scanAlert(row rowScanner) (alerting.Alert, error) {
	var (
		a        alerting.Alert
		ackAt    sql.NullTime
		resolved sql.NullTime
	)
	err := row.Scan(&a.ID, &a.ServerID, &a.Type, &a.Severity, &a.Status, &a.Title, &a.Message,
		&a.ThresholdValue, &a.ActualValue, &a.AutoResolved, &a.CreatedAt, &ackAt, &resolved)
	if err != nil {
		return alerting.Alert{}, errors.Trace(err)
	}
	a.AcknowledgedAt = fromNullTime(ackAt)
	a.ResolvedAt = fromNullTime(resolved)
	return a, nil
}

// InsertAlert opens a new alert and returns its id.
func (t *Tx) InsertAlert(ctx context.Context, a alerting.Alert) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO alerts (server_id, alert_type, severity, status, title, message,
                    threshold_value, actual_value, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ServerID, a.Type, a.Severity, a.Status, a.Title, a.Message,
		a.ThresholdValue, a.ActualValue, a.CreatedAt)
	if err != nil {
		return 0, errors.Trace(err)
	}
	id, err := res.LastInsertId()
	return id, errors.Trace(err)
}

// Alert returns the alert with the given id.
func (t *Tx) Alert(ctx context.Context, id int64) (alerting.Alert, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return alerting.Alert{}, errors.NotFoundf("alert %d", id)
	}
	return a, errors.Trace(err)
}

// OpenAlertByType returns the open or acknowledged alert for the
// (server, type) pair. Metric and offline alerts dedup on type alone.
func (t *Tx) OpenAlertByType(ctx context.Context, serverID string, typ alerting.Type) (alerting.Alert, error) {
	row := t.tx.QueryRowContext(ctx, `
SELECT `+alertColumns+` FROM alerts
WHERE server_id = ? AND alert_type = ? AND status != ?
ORDER BY created_at DESC LIMIT 1`, serverID, typ, alerting.StatusResolved)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return alerting.Alert{}, errors.NotFoundf("open %s alert for %q", typ, serverID)
	}
	return a, errors.Trace(err)
}

// OpenServiceAlert returns the unresolved service alert for the named
// service; service alerts dedup on (server, service name), which the
// canonical title encodes.
func (t *Tx) OpenServiceAlert(ctx context.Context, serverID, service string) (alerting.Alert, error) {
	row := t.tx.QueryRowContext(ctx, `
SELECT `+alertColumns+` FROM alerts
WHERE server_id = ? AND alert_type = ? AND status != ? AND title LIKE ?
ORDER BY created_at DESC LIMIT 1`,
		serverID, alerting.TypeService, alerting.StatusResolved, "Service "+service+" is %")
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return alerting.Alert{}, errors.NotFoundf("open service alert for %q on %q", service, serverID)
	}
	return a, errors.Trace(err)
}

// ListAlerts returns alerts, optionally filtered by status and/or
// server, newest first.
func (t *Tx) ListAlerts(ctx context.Context, serverID string, status alerting.Status) ([]alerting.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE 1=1`
	var args []any
	if serverID != "" {
		query += ` AND server_id = ?`
		args = append(args, serverID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var result []alerting.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		result = append(result, a)
	}
	return result, errors.Trace(rows.Err())
}

// UpdateAlertObservation refreshes severity, message and the latest
// observed value on an already-open alert.
func (t *Tx) UpdateAlertObservation(ctx context.Context, id int64, severity alerting.Severity, message string, threshold, actual float64) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE alerts SET severity = ?, message = ?, threshold_value = ?, actual_value = ?
WHERE id = ?`, severity, message, threshold, actual, id)
	if err != nil {
		return errors.Trace(err)
	}
	return checkFound(res, "alert %d", id)
}

// AcknowledgeAlert moves an open alert to acknowledged. A resolved
// alert cannot be acknowledged.
func (t *Tx) AcknowledgeAlert(ctx context.Context, id int64, now time.Time) error {
	a, err := t.Alert(ctx, id)
	if err != nil {
		return errors.Trace(err)
	}
	if a.Status == alerting.StatusResolved {
		return errors.NotValidf("acknowledging resolved alert %d", id)
	}
	_, err = t.tx.ExecContext(ctx, `
UPDATE alerts SET status = ?, acknowledged_at = ? WHERE id = ?`,
		alerting.StatusAcknowledged, now, id)
	return errors.Trace(err)
}

// ResolveAlert closes an alert. auto records whether resolution came
// from a recovery sample rather than an operator.
func (t *Tx) ResolveAlert(ctx context.Context, id int64, auto bool, now time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE alerts SET status = ?, auto_resolved = ?, resolved_at = ?
WHERE id = ? AND status != ?`,
		alerting.StatusResolved, auto, now, id, alerting.StatusResolved)
	if err != nil {
		return errors.Trace(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Trace(err)
	}
	if n == 0 {
		return errors.NotFoundf("unresolved alert %d", id)
	}
	return nil
}

// AlertState returns the evaluator counters for (server, metric),
// or a zero-valued state when none exist yet.
func (t *Tx) AlertState(ctx context.Context, serverID string, metric alerting.Type) (alerting.State, error) {
	row := t.tx.QueryRowContext(ctx, `
SELECT server_id, metric, breach_count, breach_level, first_breach_at,
       open_alert_id, last_notified_at, service_down_since
FROM alert_state WHERE server_id = ? AND metric = ?`, serverID, metric)

	var (
		st          alerting.State
		firstBreach sql.NullTime
		notified    sql.NullTime
		downSince   sql.NullTime
	)
	err := row.Scan(&st.ServerID, &st.Metric, &st.BreachCount, &st.BreachLevel,
		&firstBreach, &st.OpenAlertID, &notified, &downSince)
	if errors.Is(err, sql.ErrNoRows) {
		return alerting.State{
			ServerID:    serverID,
			Metric:      metric,
			BreachLevel: alerting.BreachClear,
		}, nil
	}
	if err != nil {
		return alerting.State{}, errors.Trace(err)
	}
	st.FirstBreachAt = fromNullTime(firstBreach)
	st.LastNotifiedAt = fromNullTime(notified)
	st.ServiceDownSince = fromNullTime(downSince)
	return st, nil
}

// PutAlertState upserts the evaluator counters.
func (t *Tx) PutAlertState(ctx context.Context, st alerting.State) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO alert_state (server_id, metric, breach_count, breach_level, first_breach_at,
                         open_alert_id, last_notified_at, service_down_since)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(server_id, metric) DO UPDATE SET
    breach_count = excluded.breach_count,
    breach_level = excluded.breach_level,
    first_breach_at = excluded.first_breach_at,
    open_alert_id = excluded.open_alert_id,
    last_notified_at = excluded.last_notified_at,
    service_down_since = excluded.service_down_since`,
		st.ServerID, st.Metric, st.BreachCount, st.BreachLevel, nullTime(st.FirstBreachAt),
		st.OpenAlertID, nullTime(st.LastNotifiedAt), nullTime(st.ServiceDownSince))
	return errors.Trace(err)
}
