// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/juju/errors"

	"github.com/DarrenBenson/homelabcmd/core/fleet"
)

// RegistrationToken is a one-shot install credential. Only the hash
// is stored; the plaintext is shown once at creation.
type RegistrationToken struct {
	ID                int64
	TokenHash         string
	TokenPrefix       string
	Mode              fleet.AgentMode
	DisplayName       string
	MonitoredServices []string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	ClaimedAt         time.Time
	ClaimedByServerID string
}

// Claimable reports whether the token can still authorise a claim.
func (r RegistrationToken) Claimable(now time.Time) bool {
	return r.ClaimedAt.IsZero() && r.ExpiresAt.After(now)
}

const registrationColumns = `
id, token_hash, token_prefix, mode, display_name, monitored_services,
created_at, expires_at, claimed_at, claimed_by_server_id`

func scanRegistrationToken(row rowScanner) (RegistrationToken, error) {
	var (
		tok       RegistrationToken
		services  string
		claimedAt sql.NullTime
		claimedBy sql.NullString
	)
	err := row.Scan(&tok.ID, &tok.TokenHash, &tok.TokenPrefix, &tok.Mode, &tok.DisplayName,
		&services, &tok.CreatedAt, &tok.ExpiresAt, &claimedAt, &claimedBy)
	if err != nil {
		return RegistrationToken{}, errors.Trace(err)
	}
	tok.ClaimedAt = fromNullTime(claimedAt)
	tok.ClaimedByServerID = claimedBy.String
	if err := json.Unmarshal([]byte(services), &tok.MonitoredServices); err != nil {
		return RegistrationToken{}, errors.Trace(err)
	}
	return tok, nil
}

// InsertRegistrationToken stores a new token and returns its id.
func (t *Tx) InsertRegistrationToken(ctx context.Context, tok RegistrationToken) (int64, error) {
	services, err := json.Marshal(tok.MonitoredServices)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if tok.MonitoredServices == nil {
		services = []byte("[]")
	}
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO registration_tokens (token_hash, token_prefix, mode, display_name, monitored_services, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tok.TokenHash, tok.TokenPrefix, tok.Mode, tok.DisplayName, string(services),
		tok.CreatedAt, tok.ExpiresAt)
	if err != nil {
		return 0, errors.Trace(err)
	}
	id, err := res.LastInsertId()
	return id, errors.Trace(err)
}

// RegistrationToken returns the token with the given id.
func (t *Tx) RegistrationToken(ctx context.Context, id int64) (RegistrationToken, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+registrationColumns+` FROM registration_tokens WHERE id = ?`, id)
	tok, err := scanRegistrationToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RegistrationToken{}, errors.NotFoundf("registration token %d", id)
	}
	return tok, errors.Trace(err)
}

// RegistrationTokenByHash looks up a token by its SHA-256 hash.
func (t *Tx) RegistrationTokenByHash(ctx context.Context, hash string) (RegistrationToken, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+registrationColumns+` FROM registration_tokens WHERE token_hash = ?`, hash)
	tok, err := scanRegistrationToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RegistrationToken{}, errors.NotFoundf("registration token")
	}
	return tok, errors.Trace(err)
}

// PendingRegistrationTokens lists unclaimed, unexpired tokens.
func (t *Tx) PendingRegistrationTokens(ctx context.Context, now time.Time) ([]RegistrationToken, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT `+registrationColumns+` FROM registration_tokens
WHERE claimed_at IS NULL AND expires_at > ?
ORDER BY created_at DESC`, now)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var result []RegistrationToken
	for rows.Next() {
		tok, err := scanRegistrationToken(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		result = append(result, tok)
	}
	return result, errors.Trace(rows.Err())
}

// ClaimRegistrationToken marks the token claimed by the server. The
// claimed_at guard makes a double claim lose the race cleanly.
func (t *Tx) ClaimRegistrationToken(ctx context.Context, id int64, serverID string, now time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE registration_tokens SET claimed_at = ?, claimed_by_server_id = ?
WHERE id = ? AND claimed_at IS NULL`, now, serverID, id)
	if err != nil {
		return errors.Trace(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Trace(err)
	}
	if n == 0 {
		return errors.NotValidf("registration token already claimed")
	}
	return nil
}

// DeleteRegistrationToken cancels an unclaimed token.
func (t *Tx) DeleteRegistrationToken(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM registration_tokens WHERE id = ?`, id)
	if err != nil {
		return errors.Trace(err)
	}
	return checkFound(res, "registration token %d", id)
}
