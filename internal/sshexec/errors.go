// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshexec

import (
	"github.com/juju/errors"
)

// Error kinds distinguished for callers; the HTTP surface maps each
// to its own status code.
const (
	// ErrKeyNotConfigured means no SSH private key exists for the
	// target, neither per-server nor global.
	ErrKeyNotConfigured = errors.ConstError("ssh key not configured")

	// ErrAuthentication covers failed key auth and host key pin
	// mismatches.
	ErrAuthentication = errors.ConstError("ssh authentication failed")

	// ErrConnection covers dial failures after retries.
	ErrConnection = errors.ConstError("ssh connection failed")

	// ErrCommandTimeout means the command exceeded its deadline; the
	// connection itself was fine.
	ErrCommandTimeout = errors.ConstError("ssh command timed out")
)

// IsUnavailable reports whether err is any of the SSH transport
// failures that compliance checking collapses into one kind.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrKeyNotConfigured) ||
		errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrConnection)
}
