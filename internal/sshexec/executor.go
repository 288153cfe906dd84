// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshexec

import (
	"bytes"
	"context"
	"time"

	"github.com/juju/errors"
	"golang.org/x/crypto/ssh"

	"github.com/DarrenBenson/homelabcmd/core/fleet"
	"github.com/DarrenBenson/homelabcmd/internal/vault"
)

// Executor resolves connection parameters for a server and runs
// commands through the pool.
type Executor struct {
	pool        *Pool
	vault       *vault.Vault
	defaultUser string
}

// NewExecutor returns an Executor. defaultUser is used when a server
// has no per-server SSH username override.
func NewExecutor(pool *Pool, v *vault.Vault, defaultUser string) *Executor {
	return &Executor{pool: pool, vault: v, defaultUser: defaultUser}
}

// Resolve computes the target and signer for a server: Tailscale
// hostname over IP over plain hostname, per-server username over the
// global default, per-server key over the global key.
func (e *Executor) Resolve(ctx context.Context, srv *fleet.Server) (Target, ssh.Signer, error) {
	target := Target{Host: srv.SSHTarget(), User: srv.SSHUsername}
	if target.User == "" {
		target.User = e.defaultUser
	}
	if target.User == "" {
		target.User = "root"
	}

	keyPEM, err := e.vault.Get(ctx, vault.TypeSSHPrivateKey, vault.ServerScope(srv.ID))
	if errors.Is(err, errors.NotFound) {
		keyPEM, err = e.vault.Get(ctx, vault.TypeSSHPrivateKey, vault.ScopeGlobal)
	}
	if errors.Is(err, errors.NotFound) {
		return Target{}, nil, errors.WithType(
			errors.Errorf("no ssh key for server %q", srv.ID), ErrKeyNotConfigured)
	}
	if err != nil {
		return Target{}, nil, errors.Trace(err)
	}

	signer, err := ssh.ParsePrivateKey(keyPEM)
	if err != nil {
		return Target{}, nil, errors.WithType(
			errors.Annotate(err, "parsing ssh private key"), ErrKeyNotConfigured)
	}
	return target, signer, nil
}

// Run executes command on the server with the given timeout (zero
// means DefaultCommandTimeout). A non-zero exit status is not an
// error; transport failures are.
func (e *Executor) Run(ctx context.Context, srv *fleet.Server, command string, timeout time.Duration) (Result, error) {
	target, signer, err := e.Resolve(ctx, srv)
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	return e.RunOn(ctx, target, signer, command, timeout)
}

// RunOn executes command against an already-resolved target.
func (e *Executor) RunOn(ctx context.Context, target Target, signer ssh.Signer, command string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	client, err := e.pool.acquire(ctx, target, signer)
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	failed := false
	defer func() { e.pool.release(target, client, failed) }()

	session, err := client.NewSession()
	if err != nil {
		failed = true
		return Result{}, errors.WithType(
			errors.Annotate(err, "opening ssh session"), ErrConnection)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := e.pool.clock.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	timer := e.pool.clock.NewTimer(timeout)
	defer timer.Stop()

	var runErr error
	select {
	case runErr = <-done:
	case <-timer.Chan():
		// Interrupt the remote side; closing the session tears the
		// channel down even when the signal is ignored.
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		failed = true
		return Result{}, errors.WithType(
			errors.Errorf("command timed out after %s", timeout), ErrCommandTimeout)
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return Result{}, errors.Trace(ctx.Err())
	}

	result := Result{
		Hostname:   target.Host,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: e.pool.clock.Now().Sub(start).Milliseconds(),
	}
	if runErr != nil {
		exitErr, ok := runErr.(*ssh.ExitError)
		if !ok {
			failed = true
			return Result{}, errors.WithType(
				errors.Annotate(runErr, "running command"), ErrConnection)
		}
		result.ExitCode = exitErr.ExitStatus()
	}
	return result, nil
}
