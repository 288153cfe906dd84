// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/errors"
)

// AgentCredential is the hash-only record of a per-server API token.
type AgentCredential struct {
	ID             int64
	ServerGUID     string
	APITokenHash   string
	APITokenPrefix string
	IsLegacy       bool
	CreatedAt      time.Time
	LastUsedAt     time.Time
	RevokedAt      time.Time
}

// Revoked reports whether the credential no longer authenticates.
func (c AgentCredential) Revoked() bool {
	return !c.RevokedAt.IsZero()
}

const credentialColumns = `
id, server_guid, api_token_hash, api_token_prefix, is_legacy,
created_at, last_used_at, revoked_at`

func scanCredential(row rowScanner) (AgentCredential, error) {
	var (
		cred     AgentCredential
		lastUsed sql.NullTime
		revoked  sql.NullTime
	)
	err := row.Scan(&cred.ID, &cred.ServerGUID, &cred.APITokenHash, &cred.APITokenPrefix,
		&cred.IsLegacy, &cred.CreatedAt, &lastUsed, &revoked)
	if err != nil {
		return AgentCredential{}, errors.Trace(err)
	}
	cred.LastUsedAt = fromNullTime(lastUsed)
	cred.RevokedAt = fromNullTime(revoked)
	return cred, nil
}

// InsertCredential records a freshly issued agent token. The partial
// unique index on (server_guid) WHERE revoked_at IS NULL enforces at
// most one live credential per server.
func (t *Tx) InsertCredential(ctx context.Context, cred AgentCredential) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO agent_credentials (server_guid, api_token_hash, api_token_prefix, is_legacy, created_at)
VALUES (?, ?, ?, ?, ?)`,
		cred.ServerGUID, cred.APITokenHash, cred.APITokenPrefix, cred.IsLegacy, cred.CreatedAt)
	if isUniqueViolation(err) {
		return errors.AlreadyExistsf("active credential for %q", cred.ServerGUID)
	}
	return errors.Trace(err)
}

// ActiveCredential returns the one unrevoked credential for the GUID.
func (t *Tx) ActiveCredential(ctx context.Context, guid string) (AgentCredential, error) {
	row := t.tx.QueryRowContext(ctx, `
SELECT `+credentialColumns+` FROM agent_credentials
WHERE server_guid = ? AND revoked_at IS NULL`, guid)
	cred, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentCredential{}, errors.NotFoundf("credential for %q", guid)
	}
	return cred, errors.Trace(err)
}

// LatestCredential returns the newest credential for the GUID,
// revoked or not, for metadata display.
func (t *Tx) LatestCredential(ctx context.Context, guid string) (AgentCredential, error) {
	row := t.tx.QueryRowContext(ctx, `
SELECT `+credentialColumns+` FROM agent_credentials
WHERE server_guid = ? ORDER BY created_at DESC, id DESC LIMIT 1`, guid)
	cred, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentCredential{}, errors.NotFoundf("credential for %q", guid)
	}
	return cred, errors.Trace(err)
}

// RevokeCredential invalidates the live credential for the GUID.
// Revocation is an update, never a delete.
func (t *Tx) RevokeCredential(ctx context.Context, guid string, now time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE agent_credentials SET revoked_at = ?
WHERE server_guid = ? AND revoked_at IS NULL`, now, guid)
	if err != nil {
		return errors.Trace(err)
	}
	return checkFound(res, "credential for %q", guid)
}

// TouchCredential stamps last_used_at after a successful verify.
func (t *Tx) TouchCredential(ctx context.Context, id int64, now time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE agent_credentials SET last_used_at = ? WHERE id = ?`, now, id)
	return errors.Trace(err)
}
