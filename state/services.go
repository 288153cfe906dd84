// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"database/sql"

	"github.com/juju/errors"

	"github.com/DarrenBenson/homelabcmd/core/telemetry"
)

// ExpectedServices lists the registry entries for a server.
func (t *Tx) ExpectedServices(ctx context.Context, serverID string) ([]telemetry.ExpectedService, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT id, server_id, service_name, display_name, is_critical, enabled
FROM expected_services WHERE server_id = ? ORDER BY service_name`, serverID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var result []telemetry.ExpectedService
	for rows.Next() {
		var svc telemetry.ExpectedService
		if err := rows.Scan(&svc.ID, &svc.ServerID, &svc.ServiceName, &svc.DisplayName,
			&svc.IsCritical, &svc.Enabled); err != nil {
			return nil, errors.Trace(err)
		}
		result = append(result, svc)
	}
	return result, errors.Trace(rows.Err())
}

// UpsertExpectedService adds or updates a registry entry.
func (t *Tx) UpsertExpectedService(ctx context.Context, svc telemetry.ExpectedService) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO expected_services (server_id, service_name, display_name, is_critical, enabled)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(server_id, service_name) DO UPDATE SET
    display_name = excluded.display_name,
    is_critical = excluded.is_critical,
    enabled = excluded.enabled`,
		svc.ServerID, svc.ServiceName, svc.DisplayName, svc.IsCritical, svc.Enabled)
	return errors.Trace(err)
}

// DeleteExpectedService removes a registry entry.
func (t *Tx) DeleteExpectedService(ctx context.Context, serverID, name string) error {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM expected_services WHERE server_id = ? AND service_name = ?`, serverID, name)
	if err != nil {
		return errors.Trace(err)
	}
	return checkFound(res, "expected service %q on %q", name, serverID)
}

// InsertServiceStatus appends one observed service status row.
func (t *Tx) InsertServiceStatus(ctx context.Context, s telemetry.ServiceSample) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO service_status (server_id, service_name, timestamp, status, status_reason, pid, memory_mb, cpu_percent)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ServerID, s.ServiceName, s.Timestamp, s.Status, s.StatusReason, s.PID, s.MemoryMB, s.CPUPercent)
	return errors.Trace(err)
}

// LatestServiceStatus returns the most recent observation for the
// named service on the server.
func (t *Tx) LatestServiceStatus(ctx context.Context, serverID, name string) (telemetry.ServiceSample, error) {
	row := t.tx.QueryRowContext(ctx, `
SELECT server_id, service_name, timestamp, status, status_reason, pid, memory_mb, cpu_percent
FROM service_status WHERE server_id = ? AND service_name = ?
ORDER BY timestamp DESC LIMIT 1`, serverID, name)

	var s telemetry.ServiceSample
	err := row.Scan(&s.ServerID, &s.ServiceName, &s.Timestamp, &s.Status, &s.StatusReason,
		&s.PID, &s.MemoryMB, &s.CPUPercent)
	if errors.Is(err, sql.ErrNoRows) {
		return telemetry.ServiceSample{}, errors.NotFoundf("status for service %q on %q", name, serverID)
	}
	return s, errors.Trace(err)
}

// ReplacePendingPackages swaps the server's pending package list for
// the one just reported, deduplicated by name.
func (t *Tx) ReplacePendingPackages(ctx context.Context, serverID string, pkgs []telemetry.PackageUpdate) error {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM pending_packages WHERE server_id = ?`, serverID); err != nil {
		return errors.Trace(err)
	}
	for _, pkg := range pkgs {
		if _, err := t.tx.ExecContext(ctx, `
INSERT INTO pending_packages (server_id, name, current_version, new_version, repository, is_security)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(server_id, name) DO NOTHING`,
			serverID, pkg.Name, pkg.CurrentVersion, pkg.NewVersion, pkg.Repository, pkg.IsSecurity); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// PendingPackages lists the server's reported pending upgrades.
func (t *Tx) PendingPackages(ctx context.Context, serverID string) ([]telemetry.PackageUpdate, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT server_id, name, current_version, new_version, repository, is_security
FROM pending_packages WHERE server_id = ? ORDER BY name`, serverID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var result []telemetry.PackageUpdate
	for rows.Next() {
		var pkg telemetry.PackageUpdate
		if err := rows.Scan(&pkg.ServerID, &pkg.Name, &pkg.CurrentVersion, &pkg.NewVersion,
			&pkg.Repository, &pkg.IsSecurity); err != nil {
			return nil, errors.Trace(err)
		}
		result = append(result, pkg)
	}
	return result, errors.Trace(rows.Err())
}
