// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshexec

import (
	"context"
	"time"

	"golang.org/x/crypto/ssh"
)

const PoolEntryTTL = poolEntryTTL

// AddClient seeds a pool entry directly, bypassing dialing.
func (p *Pool) AddClient(target Target, client *ssh.Client, lastUsed time.Time, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[target.key()] = &pooledClient{client: client, lastUsed: lastUsed, inUse: inUse}
}

func (p *Pool) NumClients() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

func (p *Pool) Acquire(ctx context.Context, target Target, signer ssh.Signer) (*ssh.Client, error) {
	return p.acquire(ctx, target, signer)
}

func (p *Pool) Release(target Target, client *ssh.Client, failed bool) {
	p.release(target, client, failed)
}

func (p *Pool) PinningCallback(host string) ssh.HostKeyCallback {
	return p.pinningCallback(host)
}
