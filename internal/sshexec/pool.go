// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sshexec executes remote commands over pooled SSH
// connections. The pool holds one authenticated client per
// (host, user) pair; idle entries expire after a TTL and host keys
// are pinned on first contact.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"
	"golang.org/x/crypto/ssh"
)

var logger = loggo.GetLogger("homelabcmd.sshexec")

const (
	connectTimeout = 10 * time.Second
	poolEntryTTL   = 300 * time.Second

	// DefaultCommandTimeout bounds command execution when the caller
	// does not supply a deadline.
	DefaultCommandTimeout = 30 * time.Second

	dialAttempts = 3
)

// Result captures one executed command.
type Result struct {
	Hostname   string `json:"hostname"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
}

// Target identifies where and as whom to connect.
type Target struct {
	Host string
	User string
}

func (t Target) key() string {
	return t.User + "@" + t.Host
}

type pooledClient struct {
	client   *ssh.Client
	lastUsed time.Time
	inUse    int
}

// Pool is the process-wide SSH connection pool.
type Pool struct {
	clock clock.Clock

	// dialMu serialises dialing per target so concurrent callers do
	// not open duplicate connections for the same key.
	dialMu *kmutex.Kmutex

	mu      sync.Mutex
	clients map[string]*pooledClient
	// hostKeys pins the first key seen per host; a later mismatch is
	// an authentication failure.
	hostKeys map[string]ssh.PublicKey
	closed   bool
}

// NewPool returns an empty pool.
func NewPool(clk clock.Clock) *Pool {
	return &Pool{
		clock:    clk,
		dialMu:   kmutex.New(),
		clients:  make(map[string]*pooledClient),
		hostKeys: make(map[string]ssh.PublicKey),
	}
}

// acquire returns an authenticated client for the target, dialing if
// the pool holds none. The caller must release it afterwards.
func (p *Pool) acquire(ctx context.Context, target Target, signer ssh.Signer) (*ssh.Client, error) {
	key := target.key()
	p.dialMu.Lock(key)
	defer p.dialMu.Unlock(key)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("ssh pool is shut down")
	}
	if entry, ok := p.clients[key]; ok {
		entry.inUse++
		entry.lastUsed = p.clock.Now()
		p.mu.Unlock()
		return entry.client, nil
	}
	p.mu.Unlock()

	client, err := p.dial(ctx, target, signer)
	if err != nil {
		return nil, errors.Trace(err)
	}

	p.mu.Lock()
	p.clients[key] = &pooledClient{client: client, lastUsed: p.clock.Now(), inUse: 1}
	p.mu.Unlock()
	return client, nil
}

// release returns a client to the pool. failed drops the connection
// instead so the next caller redials.
func (p *Pool) release(target Target, client *ssh.Client, failed bool) {
	key := target.key()
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.clients[key]
	if !ok || entry.client != client {
		_ = client.Close()
		return
	}
	entry.inUse--
	entry.lastUsed = p.clock.Now()
	if failed {
		delete(p.clients, key)
		_ = client.Close()
	}
}

func (p *Pool) dial(ctx context.Context, target Target, signer ssh.Signer) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: p.pinningCallback(target.Host),
		Timeout:         connectTimeout,
	}
	addr := net.JoinHostPort(target.Host, "22")

	var client *ssh.Client
	attempts := 0
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			conn, err := net.DialTimeout("tcp", addr, connectTimeout)
			if err != nil {
				return errors.Trace(err)
			}
			sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
			if err != nil {
				_ = conn.Close()
				return errors.Trace(err)
			}
			client = ssh.NewClient(sshConn, chans, reqs)
			return nil
		},
		IsFatalError: func(err error) bool {
			// Auth and host key failures will not improve on retry.
			return isAuthFailure(err)
		},
		Attempts:    dialAttempts,
		Delay:       time.Second,
		BackoffFunc: retry.DoubleDelay,
		Clock:       p.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		if isAuthFailure(err) {
			return nil, errors.WithType(
				errors.Annotatef(err, "authenticating to %s", addr), ErrAuthentication)
		}
		return nil, errors.WithType(
			errors.Annotatef(err, "connecting to %s after %d attempts", addr, attempts), ErrConnection)
	}
	logger.Debugf("opened ssh connection to %s", target.key())
	return client, nil
}

func (p *Pool) pinningCallback(host string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		pinned, ok := p.hostKeys[host]
		if !ok {
			p.hostKeys[host] = key
			logger.Infof("pinned host key for %s (%s)", host, key.Type())
			return nil
		}
		if !bytes.Equal(pinned.Marshal(), key.Marshal()) {
			return fmt.Errorf("host key mismatch for %s", host)
		}
		return nil
	}
}

func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "unable to authenticate", "host key mismatch", "handshake failed")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if bytes.Contains([]byte(s), []byte(sub)) {
			return true
		}
	}
	return false
}

// EvictExpired closes pool entries idle beyond the TTL. The
// scheduler calls this periodically.
func (p *Pool) EvictExpired() int {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for key, entry := range p.clients {
		if entry.inUse > 0 || now.Sub(entry.lastUsed) < poolEntryTTL {
			continue
		}
		delete(p.clients, key)
		_ = entry.client.Close()
		evicted++
	}
	if evicted > 0 {
		logger.Debugf("evicted %d idle ssh connections", evicted)
	}
	return evicted
}

// Close shuts the pool down, closing every connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for key, entry := range p.clients {
		delete(p.clients, key)
		_ = entry.client.Close()
	}
}
