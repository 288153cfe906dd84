// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/juju/errors"
)

// Setting keys for the hub's JSON settings store.
const (
	SettingThresholds    = "thresholds"
	SettingNotifications = "notifications"
	SettingCost          = "cost"
	SettingSSHDefaults   = "ssh_defaults"
	SettingConnectivity  = "connectivity_mode"
	SettingDashboard     = "dashboard"
)

// Setting returns the raw JSON value for a key.
func (t *Tx) Setting(ctx context.Context, key string) (string, error) {
	var value string
	err := t.tx.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.NotFoundf("setting %q", key)
	}
	return value, errors.Trace(err)
}

// SetSetting upserts the raw JSON value for a key.
func (t *Tx) SetSetting(ctx context.Context, key, value string) error {
	if !json.Valid([]byte(value)) {
		return errors.NotValidf("setting %q value", key)
	}
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO settings (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return errors.Trace(err)
}

// SettingInto decodes the JSON value for key into out. Missing keys
// leave out untouched and return NotFound for the caller to default.
func (t *Tx) SettingInto(ctx context.Context, key string, out any) error {
	raw, err := t.Setting(ctx, key)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(json.Unmarshal([]byte(raw), out), "decoding setting %q", key)
}

// PutSetting encodes v as JSON under key.
func (t *Tx) PutSetting(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(t.SetSetting(ctx, key, string(raw)))
}

// VaultSecret rows carry only ciphertext; the vault package owns the
// key material and never hands plaintext to state.

// VaultGet returns the ciphertext stored for (credentialType, scope).
func (t *Tx) VaultGet(ctx context.Context, credentialType, scope string) ([]byte, error) {
	var blob []byte
	err := t.tx.QueryRowContext(ctx, `
SELECT ciphertext FROM vault_secrets WHERE credential_type = ? AND scope = ?`,
		credentialType, scope).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("secret %s/%s", credentialType, scope)
	}
	return blob, errors.Trace(err)
}

// VaultPut stores ciphertext for (credentialType, scope).
func (t *Tx) VaultPut(ctx context.Context, credentialType, scope string, ciphertext []byte, now time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO vault_secrets (credential_type, scope, ciphertext, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(credential_type, scope) DO UPDATE SET
    ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		credentialType, scope, ciphertext, now)
	return errors.Trace(err)
}

// VaultDelete removes the secret for (credentialType, scope).
func (t *Tx) VaultDelete(ctx context.Context, credentialType, scope string) error {
	res, err := t.tx.ExecContext(ctx, `
DELETE FROM vault_secrets WHERE credential_type = ? AND scope = ?`, credentialType, scope)
	if err != nil {
		return errors.Trace(err)
	}
	return checkFound(res, "secret %s/%s", credentialType, scope)
}

// VaultTypes lists the credential types present for a scope, with
// their last update times. Plaintext is never included.
func (t *Tx) VaultTypes(ctx context.Context, scope string) (map[string]time.Time, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT credential_type, updated_at FROM vault_secrets WHERE scope = ?`, scope)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	result := make(map[string]time.Time)
	for rows.Next() {
		var (
			typ     string
			updated time.Time
		)
		if err := rows.Scan(&typ, &updated); err != nil {
			return nil, errors.Trace(err)
		}
		result[typ] = updated
	}
	return result, errors.Trace(rows.Err())
}
