// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package vault stores secrets (SSH keys, sudo passwords, the
// Tailscale token) encrypted at rest with AES-GCM. Plaintext only
// ever leaves through Get; listings expose type, scope and presence.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"io"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/DarrenBenson/homelabcmd/state"
)

// CredentialType names the kinds of secret the vault holds.
type CredentialType string

const (
	TypeSSHPrivateKey  CredentialType = "ssh_private_key"
	TypeSudoPassword   CredentialType = "sudo_password"
	TypeTailscaleToken CredentialType = "tailscale_token"
)

// ScopeGlobal is the scope for fleet-wide secrets; per-server secrets
// use ServerScope.
const ScopeGlobal = "global"

// ServerScope returns the vault scope for one server's secrets.
func ServerScope(serverID string) string {
	return "server:" + serverID
}

// Info describes a stored secret without revealing it.
type Info struct {
	Type       CredentialType `json:"type"`
	Scope      string         `json:"scope"`
	Configured bool           `json:"configured"`
	UpdatedAt  *time.Time     `json:"updated_at,omitempty"`
}

// Vault encrypts and decrypts secrets held in state.
type Vault struct {
	aead  cipher.AEAD
	st    *state.State
	clock clock.Clock
}

// New builds a Vault from a 64-hex-character (32 byte) key.
func New(st *state.State, clk clock.Clock, hexKey string) (*Vault, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, errors.Annotate(err, "decoding vault key")
	}
	if len(key) != 32 {
		return nil, errors.NotValidf("vault key length %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Vault{aead: aead, st: st, clock: clk}, nil
}

// Store encrypts value and persists it under (credentialType, scope),
// replacing any previous secret.
func (v *Vault) Store(ctx context.Context, typ CredentialType, scope string, value []byte) error {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return errors.Trace(err)
	}
	ciphertext := v.aead.Seal(nonce, nonce, value, scopeAAD(typ, scope))
	return errors.Trace(v.st.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		return tx.VaultPut(ctx, string(typ), scope, ciphertext, v.clock.Now().UTC())
	}))
}

// Get returns the plaintext for (credentialType, scope).
func (v *Vault) Get(ctx context.Context, typ CredentialType, scope string) ([]byte, error) {
	var blob []byte
	err := v.st.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		var err error
		blob, err = tx.VaultGet(ctx, string(typ), scope)
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(blob) < v.aead.NonceSize() {
		return nil, errors.NotValidf("secret %s/%s ciphertext", typ, scope)
	}
	nonce, ciphertext := blob[:v.aead.NonceSize()], blob[v.aead.NonceSize():]
	plain, err := v.aead.Open(nil, nonce, ciphertext, scopeAAD(typ, scope))
	if err != nil {
		return nil, errors.Annotatef(err, "decrypting secret %s/%s", typ, scope)
	}
	return plain, nil
}

// Exists reports whether a secret is stored for (credentialType, scope).
func (v *Vault) Exists(ctx context.Context, typ CredentialType, scope string) (bool, error) {
	_, err := v.Get(ctx, typ, scope)
	if errors.Is(err, errors.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Trace(err)
	}
	return true, nil
}

// Delete removes the secret for (credentialType, scope).
func (v *Vault) Delete(ctx context.Context, typ CredentialType, scope string) error {
	return errors.Trace(v.st.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		return tx.VaultDelete(ctx, string(typ), scope)
	}))
}

// TypesForServer describes the secrets stored for a server without
// revealing them.
func (v *Vault) TypesForServer(ctx context.Context, serverID string) ([]Info, error) {
	scope := ServerScope(serverID)
	var types map[string]time.Time
	err := v.st.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		var err error
		types, err = tx.VaultTypes(ctx, scope)
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var result []Info
	for typ, updated := range types {
		t := updated
		result = append(result, Info{
			Type:       CredentialType(typ),
			Scope:      scope,
			Configured: true,
			UpdatedAt:  &t,
		})
	}
	return result, nil
}

// scopeAAD binds ciphertext to its storage key so a row copied
// between scopes fails authentication.
func scopeAAD(typ CredentialType, scope string) []byte {
	return []byte(string(typ) + "|" + scope)
}
