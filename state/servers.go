// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/DarrenBenson/homelabcmd/core/fleet"
)

const serverColumns = `
id, guid, hostname, display_name, ip_address, tailscale_hostname,
status, last_seen, is_inactive, inactive_since,
machine_type, machine_category, machine_category_source,
idle_watts, tdp_watts, cpu_model, cpu_cores, architecture,
os_distribution, os_version, os_kernel,
agent_version, agent_mode, is_paused, paused_at,
ssh_username, sudo_mode, config_user, assigned_packs, drift_detection_enabled,
updates_available, security_updates, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (fleet.Server, error) {
	var (
		srv           fleet.Server
		guid          sql.NullString
		lastSeen      sql.NullTime
		inactiveSince sql.NullTime
		pausedAt      sql.NullTime
		packs         string
	)
	err := row.Scan(
		&srv.ID, &guid, &srv.Hostname, &srv.DisplayName, &srv.IPAddress, &srv.TailscaleHostname,
		&srv.Status, &lastSeen, &srv.IsInactive, &inactiveSince,
		&srv.MachineType, &srv.MachineCategory, &srv.MachineCategorySource,
		&srv.IdleWatts, &srv.TDPWatts, &srv.CPUModel, &srv.CPUCores, &srv.Architecture,
		&srv.OSDistribution, &srv.OSVersion, &srv.OSKernel,
		&srv.AgentVersion, &srv.AgentMode, &srv.IsPaused, &pausedAt,
		&srv.SSHUsername, &srv.SudoMode, &srv.ConfigUser, &packs, &srv.DriftDetectionEnabled,
		&srv.UpdatesAvailable, &srv.SecurityUpdates, &srv.CreatedAt, &srv.UpdatedAt,
	)
	if err != nil {
		return fleet.Server{}, errors.Trace(err)
	}
	srv.GUID = guid.String
	srv.LastSeen = fromNullTime(lastSeen)
	srv.InactiveSince = fromNullTime(inactiveSince)
	srv.PausedAt = fromNullTime(pausedAt)
	if err := json.Unmarshal([]byte(packs), &srv.AssignedPacks); err != nil {
		return fleet.Server{}, errors.Annotatef(err, "decoding assigned packs for %q", srv.ID)
	}
	return srv, nil
}

// CreateServer inserts a new fleet member.
func (t *Tx) CreateServer(ctx context.Context, srv fleet.Server) error {
	packs, err := json.Marshal(srv.AssignedPacks)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = t.tx.ExecContext(ctx, `
INSERT INTO servers (`+serverColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		srv.ID, nullString(srv.GUID), srv.Hostname, srv.DisplayName, srv.IPAddress, srv.TailscaleHostname,
		srv.Status, nullTime(srv.LastSeen), srv.IsInactive, nullTime(srv.InactiveSince),
		srv.MachineType, srv.MachineCategory, srv.MachineCategorySource,
		srv.IdleWatts, srv.TDPWatts, srv.CPUModel, srv.CPUCores, srv.Architecture,
		srv.OSDistribution, srv.OSVersion, srv.OSKernel,
		srv.AgentVersion, srv.AgentMode, srv.IsPaused, nullTime(srv.PausedAt),
		srv.SSHUsername, srv.SudoMode, srv.ConfigUser, string(packs), srv.DriftDetectionEnabled,
		srv.UpdatesAvailable, srv.SecurityUpdates, srv.CreatedAt, srv.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return errors.AlreadyExistsf("server %q", srv.ID)
	}
	return errors.Trace(err)
}

// Server returns the server with the given id.
func (t *Tx) Server(ctx context.Context, id string) (fleet.Server, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	srv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.Server{}, errors.NotFoundf("server %q", id)
	}
	return srv, errors.Trace(err)
}

// ServerByGUID returns the server holding the given permanent identity.
func (t *Tx) ServerByGUID(ctx context.Context, guid string) (fleet.Server, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE guid = ?`, guid)
	srv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.Server{}, errors.NotFoundf("server with guid %q", guid)
	}
	return srv, errors.Trace(err)
}

// AllServers returns the whole fleet ordered by id.
func (t *Tx) AllServers(ctx context.Context) ([]fleet.Server, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY id`)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var result []fleet.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		result = append(result, srv)
	}
	return result, errors.Trace(rows.Err())
}

// UpdateServer writes every mutable column of srv back by id.
func (t *Tx) UpdateServer(ctx context.Context, srv fleet.Server) error {
	packs, err := json.Marshal(srv.AssignedPacks)
	if err != nil {
		return errors.Trace(err)
	}
	res, err := t.tx.ExecContext(ctx, `
UPDATE servers SET
    guid = ?, hostname = ?, display_name = ?, ip_address = ?, tailscale_hostname = ?,
    status = ?, last_seen = ?, is_inactive = ?, inactive_since = ?,
    machine_type = ?, machine_category = ?, machine_category_source = ?,
    idle_watts = ?, tdp_watts = ?, cpu_model = ?, cpu_cores = ?, architecture = ?,
    os_distribution = ?, os_version = ?, os_kernel = ?,
    agent_version = ?, agent_mode = ?, is_paused = ?, paused_at = ?,
    ssh_username = ?, sudo_mode = ?, config_user = ?, assigned_packs = ?, drift_detection_enabled = ?,
    updates_available = ?, security_updates = ?, updated_at = ?
WHERE id = ?`,
		nullString(srv.GUID), srv.Hostname, srv.DisplayName, srv.IPAddress, srv.TailscaleHostname,
		srv.Status, nullTime(srv.LastSeen), srv.IsInactive, nullTime(srv.InactiveSince),
		srv.MachineType, srv.MachineCategory, srv.MachineCategorySource,
		srv.IdleWatts, srv.TDPWatts, srv.CPUModel, srv.CPUCores, srv.Architecture,
		srv.OSDistribution, srv.OSVersion, srv.OSKernel,
		srv.AgentVersion, srv.AgentMode, srv.IsPaused, nullTime(srv.PausedAt),
		srv.SSHUsername, srv.SudoMode, srv.ConfigUser, string(packs), srv.DriftDetectionEnabled,
		srv.UpdatesAvailable, srv.SecurityUpdates, srv.UpdatedAt,
		srv.ID,
	)
	if isUniqueViolation(err) {
		return errors.AlreadyExistsf("server guid %q", srv.GUID)
	}
	if err != nil {
		return errors.Trace(err)
	}
	return checkFound(res, "server %q", srv.ID)
}

// DeleteServer removes the server; cascade deletes take its metrics,
// alerts, services, actions and config history with it.
func (t *Tx) DeleteServer(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return errors.Trace(err)
	}
	return checkFound(res, "server %q", id)
}

// SetServerStatus moves the server to the given liveness status.
func (t *Tx) SetServerStatus(ctx context.Context, id string, status fleet.Status, now time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE servers SET status = ?, updated_at = ? WHERE id = ?`, status, now, id)
	if err != nil {
		return errors.Trace(err)
	}
	return checkFound(res, "server %q", id)
}

// SetServerPaused pauses or unpauses auto-approval of remediation
// actions for the server.
func (t *Tx) SetServerPaused(ctx context.Context, id string, paused bool, now time.Time) error {
	pausedAt := nullTime(time.Time{})
	if paused {
		pausedAt = nullTime(now)
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE servers SET is_paused = ?, paused_at = ?, updated_at = ? WHERE id = ?`,
		paused, pausedAt, now, id)
	if err != nil {
		return errors.Trace(err)
	}
	return checkFound(res, "server %q", id)
}

// SetServerInactive flags the agent as removed; further heartbeats
// are rejected until reactivation.
func (t *Tx) SetServerInactive(ctx context.Context, id string, inactive bool, now time.Time) error {
	since := nullTime(time.Time{})
	if inactive {
		since = nullTime(now)
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE servers SET is_inactive = ?, inactive_since = ?, updated_at = ? WHERE id = ?`,
		inactive, since, now, id)
	if err != nil {
		return errors.Trace(err)
	}
	return checkFound(res, "server %q", id)
}

// StaleServers returns servers still marked online whose last
// heartbeat predates the cutoff. Inactive machines are skipped.
func (t *Tx) StaleServers(ctx context.Context, cutoff time.Time) ([]fleet.Server, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT `+serverColumns+` FROM servers
WHERE status = ? AND is_inactive = 0 AND last_seen IS NOT NULL AND last_seen < ?
ORDER BY id`, fleet.StatusOnline, cutoff)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var result []fleet.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		result = append(result, srv)
	}
	return result, errors.Trace(rows.Err())
}

// OfflineServers returns the offline, active machines of type server,
// the population that offline reminders are sent for.
func (t *Tx) OfflineServers(ctx context.Context) ([]fleet.Server, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT `+serverColumns+` FROM servers
WHERE status = ? AND is_inactive = 0 AND machine_type = ?
ORDER BY id`, fleet.StatusOffline, fleet.MachineTypeServer)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var result []fleet.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		result = append(result, srv)
	}
	return result, errors.Trace(rows.Err())
}

func checkFound(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Trace(err)
	}
	if n == 0 {
		return errors.NotFoundf(format, args...)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
