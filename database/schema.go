// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"context"
	"database/sql"

	"github.com/juju/errors"
)

// ensureSchema applies every schema delta in order. Deltas are
// idempotent (CREATE ... IF NOT EXISTS) so re-opening an existing
// store is a no-op.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	schemas := []func() string{
		serverSchema,
		credentialSchema,
		registrationTokenSchema,
		metricsSchema,
		alertSchema,
		serviceSchema,
		actionSchema,
		configOpsSchema,
		settingsSchema,
	}
	for _, fn := range schemas {
		if _, err := db.ExecContext(ctx, fn()); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func serverSchema() string {
	return `
CREATE TABLE IF NOT EXISTS servers (
    id                      TEXT PRIMARY KEY,
    guid                    TEXT,
    hostname                TEXT NOT NULL DEFAULT '',
    display_name            TEXT NOT NULL DEFAULT '',
    ip_address              TEXT NOT NULL DEFAULT '',
    tailscale_hostname      TEXT NOT NULL DEFAULT '',
    status                  TEXT NOT NULL DEFAULT 'unknown',
    last_seen               TIMESTAMP,
    is_inactive             BOOLEAN NOT NULL DEFAULT 0,
    inactive_since          TIMESTAMP,
    machine_type            TEXT NOT NULL DEFAULT 'server',
    machine_category        TEXT NOT NULL DEFAULT '',
    machine_category_source TEXT NOT NULL DEFAULT 'auto',
    idle_watts              REAL NOT NULL DEFAULT 0,
    tdp_watts               REAL NOT NULL DEFAULT 0,
    cpu_model               TEXT NOT NULL DEFAULT '',
    cpu_cores               INT NOT NULL DEFAULT 0,
    architecture            TEXT NOT NULL DEFAULT '',
    os_distribution         TEXT NOT NULL DEFAULT '',
    os_version              TEXT NOT NULL DEFAULT '',
    os_kernel               TEXT NOT NULL DEFAULT '',
    agent_version           TEXT NOT NULL DEFAULT '',
    agent_mode              TEXT NOT NULL DEFAULT 'readonly',
    is_paused               BOOLEAN NOT NULL DEFAULT 0,
    paused_at               TIMESTAMP,
    ssh_username            TEXT NOT NULL DEFAULT '',
    sudo_mode               TEXT NOT NULL DEFAULT 'passwordless',
    config_user             TEXT NOT NULL DEFAULT '',
    assigned_packs          TEXT NOT NULL DEFAULT '["base"]',
    drift_detection_enabled BOOLEAN NOT NULL DEFAULT 1,
    updates_available       INT NOT NULL DEFAULT 0,
    security_updates        INT NOT NULL DEFAULT 0,
    created_at              TIMESTAMP NOT NULL,
    updated_at              TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_servers_guid
ON servers (guid) WHERE guid IS NOT NULL;`
}

func credentialSchema() string {
	return `
CREATE TABLE IF NOT EXISTS agent_credentials (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    server_guid      TEXT NOT NULL,
    api_token_hash   TEXT NOT NULL,
    api_token_prefix TEXT NOT NULL,
    is_legacy        BOOLEAN NOT NULL DEFAULT 0,
    created_at       TIMESTAMP NOT NULL,
    last_used_at     TIMESTAMP,
    revoked_at       TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_agent_credentials_guid
ON agent_credentials (server_guid);

-- At most one live credential per server.
CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_credentials_active
ON agent_credentials (server_guid) WHERE revoked_at IS NULL;`
}

func registrationTokenSchema() string {
	return `
CREATE TABLE IF NOT EXISTS registration_tokens (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    token_hash           TEXT NOT NULL UNIQUE,
    token_prefix         TEXT NOT NULL,
    mode                 TEXT NOT NULL DEFAULT 'readonly',
    display_name         TEXT NOT NULL DEFAULT '',
    monitored_services   TEXT NOT NULL DEFAULT '[]',
    created_at           TIMESTAMP NOT NULL,
    expires_at           TIMESTAMP NOT NULL,
    claimed_at           TIMESTAMP,
    claimed_by_server_id TEXT
);`
}

func metricsSchema() string {
	return `
CREATE TABLE IF NOT EXISTS metrics (
    server_id        TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
    timestamp        TIMESTAMP NOT NULL,
    cpu_percent      REAL NOT NULL DEFAULT 0,
    memory_percent   REAL NOT NULL DEFAULT 0,
    memory_total_mb  REAL NOT NULL DEFAULT 0,
    memory_used_mb   REAL NOT NULL DEFAULT 0,
    disk_percent     REAL NOT NULL DEFAULT 0,
    disk_total_gb    REAL NOT NULL DEFAULT 0,
    disk_used_gb     REAL NOT NULL DEFAULT 0,
    network_rx_bytes INT NOT NULL DEFAULT 0,
    network_tx_bytes INT NOT NULL DEFAULT 0,
    load_1m          REAL NOT NULL DEFAULT 0,
    load_5m          REAL NOT NULL DEFAULT 0,
    load_15m         REAL NOT NULL DEFAULT 0,
    uptime_seconds   INT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_metrics_server_time
ON metrics (server_id, timestamp);

CREATE TABLE IF NOT EXISTS metrics_hourly (
    server_id    TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
    timestamp    TIMESTAMP NOT NULL,
    cpu_avg      REAL NOT NULL DEFAULT 0,
    cpu_min      REAL NOT NULL DEFAULT 0,
    cpu_max      REAL NOT NULL DEFAULT 0,
    memory_avg   REAL NOT NULL DEFAULT 0,
    memory_min   REAL NOT NULL DEFAULT 0,
    memory_max   REAL NOT NULL DEFAULT 0,
    disk_avg     REAL NOT NULL DEFAULT 0,
    disk_min     REAL NOT NULL DEFAULT 0,
    disk_max     REAL NOT NULL DEFAULT 0,
    load_avg     REAL NOT NULL DEFAULT 0,
    sample_count INT NOT NULL DEFAULT 0,
    PRIMARY KEY (server_id, timestamp)
);

CREATE INDEX IF NOT EXISTS idx_metrics_hourly_server_time
ON metrics_hourly (server_id, timestamp);

CREATE TABLE IF NOT EXISTS metrics_daily (
    server_id    TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
    timestamp    TIMESTAMP NOT NULL,
    cpu_avg      REAL NOT NULL DEFAULT 0,
    cpu_min      REAL NOT NULL DEFAULT 0,
    cpu_max      REAL NOT NULL DEFAULT 0,
    memory_avg   REAL NOT NULL DEFAULT 0,
    memory_min   REAL NOT NULL DEFAULT 0,
    memory_max   REAL NOT NULL DEFAULT 0,
    disk_avg     REAL NOT NULL DEFAULT 0,
    disk_min     REAL NOT NULL DEFAULT 0,
    disk_max     REAL NOT NULL DEFAULT 0,
    load_avg     REAL NOT NULL DEFAULT 0,
    sample_count INT NOT NULL DEFAULT 0,
    PRIMARY KEY (server_id, timestamp)
);

CREATE INDEX IF NOT EXISTS idx_metrics_daily_server_time
ON metrics_daily (server_id, timestamp);`
}

func alertSchema() string {
	return `
CREATE TABLE IF NOT EXISTS alerts (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    server_id       TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
    alert_type      TEXT NOT NULL,
    severity        TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'open',
    title           TEXT NOT NULL DEFAULT '',
    message         TEXT NOT NULL DEFAULT '',
    threshold_value REAL NOT NULL DEFAULT 0,
    actual_value    REAL NOT NULL DEFAULT 0,
    auto_resolved   BOOLEAN NOT NULL DEFAULT 0,
    created_at      TIMESTAMP NOT NULL,
    acknowledged_at TIMESTAMP,
    resolved_at     TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_alerts_server_status
ON alerts (server_id, status);

CREATE INDEX IF NOT EXISTS idx_alerts_severity_status
ON alerts (severity, status);

CREATE INDEX IF NOT EXISTS idx_alerts_created
ON alerts (created_at);

CREATE TABLE IF NOT EXISTS alert_state (
    server_id          TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
    metric             TEXT NOT NULL,
    breach_count       INT NOT NULL DEFAULT 0,
    breach_level       TEXT NOT NULL DEFAULT 'clear',
    first_breach_at    TIMESTAMP,
    open_alert_id      INT NOT NULL DEFAULT 0,
    last_notified_at   TIMESTAMP,
    service_down_since TIMESTAMP,
    PRIMARY KEY (server_id, metric)
);`
}

func serviceSchema() string {
	return `
CREATE TABLE IF NOT EXISTS expected_services (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    server_id    TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
    service_name TEXT NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    is_critical  BOOLEAN NOT NULL DEFAULT 0,
    enabled      BOOLEAN NOT NULL DEFAULT 1,
    UNIQUE (server_id, service_name)
);

CREATE INDEX IF NOT EXISTS idx_expected_services_server
ON expected_services (server_id);

CREATE TABLE IF NOT EXISTS service_status (
    server_id     TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
    service_name  TEXT NOT NULL,
    timestamp     TIMESTAMP NOT NULL,
    status        TEXT NOT NULL,
    status_reason TEXT NOT NULL DEFAULT '',
    pid           INT NOT NULL DEFAULT 0,
    memory_mb     REAL NOT NULL DEFAULT 0,
    cpu_percent   REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_service_status_server_time
ON service_status (server_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_service_status_server_name_time
ON service_status (server_id, service_name, timestamp);

CREATE TABLE IF NOT EXISTS pending_packages (
    server_id       TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
    name            TEXT NOT NULL,
    current_version TEXT NOT NULL DEFAULT '',
    new_version     TEXT NOT NULL DEFAULT '',
    repository      TEXT NOT NULL DEFAULT '',
    is_security     BOOLEAN NOT NULL DEFAULT 0,
    PRIMARY KEY (server_id, name)
);`
}

func actionSchema() string {
	return `
CREATE TABLE IF NOT EXISTS remediation_actions (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    server_id    TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
    action_type  TEXT NOT NULL,
    command      TEXT NOT NULL,
    service_name TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'pending',
    exit_code    INT,
    stdout       TEXT NOT NULL DEFAULT '',
    stderr       TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMP NOT NULL,
    approved_at  TIMESTAMP,
    approved_by  TEXT NOT NULL DEFAULT '',
    executed_at  TIMESTAMP,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_actions_server_status
ON remediation_actions (server_id, status);`
}

func configOpsSchema() string {
	return `
CREATE TABLE IF NOT EXISTS config_checks (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    server_id         TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
    pack_name         TEXT NOT NULL,
    checked_at        TIMESTAMP NOT NULL,
    is_compliant      BOOLEAN NOT NULL DEFAULT 0,
    mismatches        TEXT NOT NULL DEFAULT '[]',
    check_duration_ms INT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_config_checks_server
ON config_checks (server_id, pack_name, checked_at);

CREATE TABLE IF NOT EXISTS config_applies (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    server_id       TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
    pack_name       TEXT NOT NULL,
    operation       TEXT NOT NULL DEFAULT 'apply',
    status          TEXT NOT NULL DEFAULT 'pending',
    progress        INT NOT NULL DEFAULT 0,
    current_item    TEXT NOT NULL DEFAULT '',
    items_total     INT NOT NULL DEFAULT 0,
    items_completed INT NOT NULL DEFAULT 0,
    items_failed    INT NOT NULL DEFAULT 0,
    results         TEXT NOT NULL DEFAULT '[]',
    error           TEXT NOT NULL DEFAULT '',
    triggered_by    TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMP NOT NULL,
    started_at      TIMESTAMP,
    completed_at    TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_config_applies_server
ON config_applies (server_id, status);`
}

func settingsSchema() string {
	return `
CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS vault_secrets (
    credential_type TEXT NOT NULL,
    scope           TEXT NOT NULL,
    ciphertext      BLOB NOT NULL,
    updated_at      TIMESTAMP NOT NULL,
    PRIMARY KEY (credential_type, scope)
);`
}
