// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshexec_test

import (
	"context"
	"net"
	"time"

	"github.com/juju/clock/testclock"
	jc "github.com/juju/testing/checkers"
	"golang.org/x/crypto/ssh"
	gc "gopkg.in/check.v1"

	"github.com/DarrenBenson/homelabcmd/internal/sshexec"
)

// fakeConn stands in for an established SSH transport so pool entries
// can be seeded without a network.
type fakeConn struct {
	closed bool
}

func (c *fakeConn) User() string          { return "root" }
func (c *fakeConn) SessionID() []byte     { return nil }
func (c *fakeConn) ClientVersion() []byte { return nil }
func (c *fakeConn) ServerVersion() []byte { return nil }
func (c *fakeConn) RemoteAddr() net.Addr  { return nil }
func (c *fakeConn) LocalAddr() net.Addr   { return nil }
func (c *fakeConn) SendRequest(string, bool, []byte) (bool, []byte, error) {
	return false, nil, nil
}
func (c *fakeConn) OpenChannel(string, []byte) (ssh.Channel, <-chan *ssh.Request, error) {
	return nil, nil, nil
}
func (c *fakeConn) Close() error { c.closed = true; return nil }
func (c *fakeConn) Wait() error  { return nil }

type fakeKey struct {
	material string
}

func (k fakeKey) Type() string    { return "ssh-fake" }
func (k fakeKey) Marshal() []byte { return []byte(k.material) }
func (k fakeKey) Verify([]byte, *ssh.Signature) error {
	return nil
}

type poolSuite struct {
	clock *testclock.Clock
	pool  *sshexec.Pool
}

var _ = gc.Suite(&poolSuite{})

func (s *poolSuite) SetUpTest(c *gc.C) {
	s.clock = testclock.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s.pool = sshexec.NewPool(s.clock)
}

func (s *poolSuite) TearDownTest(c *gc.C) {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *poolSuite) seed(target sshexec.Target, lastUsed time.Time, inUse int) (*ssh.Client, *fakeConn) {
	conn := &fakeConn{}
	client := &ssh.Client{Conn: conn}
	s.pool.AddClient(target, client, lastUsed, inUse)
	return client, conn
}

func (s *poolSuite) TestAcquireReturnsPooledClient(c *gc.C) {
	target := sshexec.Target{Host: "nuc-01.lan", User: "root"}
	seeded, _ := s.seed(target, s.clock.Now(), 0)

	client, err := s.pool.Acquire(context.Background(), target, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(client, gc.Equals, seeded)
}

func (s *poolSuite) TestAcquireAfterCloseFails(c *gc.C) {
	s.pool.Close()
	_, err := s.pool.Acquire(context.Background(),
		sshexec.Target{Host: "nuc-01.lan", User: "root"}, nil)
	c.Check(err, gc.ErrorMatches, "ssh pool is shut down")
}

func (s *poolSuite) TestReleaseKeepsHealthyConnection(c *gc.C) {
	target := sshexec.Target{Host: "nuc-01.lan", User: "root"}
	client, conn := s.seed(target, s.clock.Now(), 1)

	s.pool.Release(target, client, false)
	c.Check(s.pool.NumClients(), gc.Equals, 1)
	c.Check(conn.closed, jc.IsFalse)
}

func (s *poolSuite) TestReleaseFailedDropsConnection(c *gc.C) {
	target := sshexec.Target{Host: "nuc-01.lan", User: "root"}
	client, conn := s.seed(target, s.clock.Now(), 1)

	s.pool.Release(target, client, true)
	c.Check(s.pool.NumClients(), gc.Equals, 0)
	c.Check(conn.closed, jc.IsTrue)
}

func (s *poolSuite) TestReleaseUnknownClientCloses(c *gc.C) {
	conn := &fakeConn{}
	s.pool.Release(sshexec.Target{Host: "stray.lan", User: "root"},
		&ssh.Client{Conn: conn}, false)
	c.Check(conn.closed, jc.IsTrue)
}

func (s *poolSuite) TestEvictExpiredHonoursTTL(c *gc.C) {
	target := sshexec.Target{Host: "nuc-01.lan", User: "root"}
	_, conn := s.seed(target, s.clock.Now(), 0)

	s.clock.Advance(sshexec.PoolEntryTTL - time.Second)
	c.Check(s.pool.EvictExpired(), gc.Equals, 0)
	c.Check(conn.closed, jc.IsFalse)

	s.clock.Advance(2 * time.Second)
	c.Check(s.pool.EvictExpired(), gc.Equals, 1)
	c.Check(s.pool.NumClients(), gc.Equals, 0)
	c.Check(conn.closed, jc.IsTrue)
}

func (s *poolSuite) TestEvictExpiredSkipsInUse(c *gc.C) {
	target := sshexec.Target{Host: "nuc-01.lan", User: "root"}
	_, conn := s.seed(target, s.clock.Now(), 1)

	s.clock.Advance(2 * sshexec.PoolEntryTTL)
	c.Check(s.pool.EvictExpired(), gc.Equals, 0)
	c.Check(s.pool.NumClients(), gc.Equals, 1)
	c.Check(conn.closed, jc.IsFalse)
}

func (s *poolSuite) TestCloseClosesEverything(c *gc.C) {
	_, first := s.seed(sshexec.Target{Host: "nuc-01.lan", User: "root"}, s.clock.Now(), 0)
	_, second := s.seed(sshexec.Target{Host: "nuc-02.lan", User: "root"}, s.clock.Now(), 1)

	s.pool.Close()
	c.Check(s.pool.NumClients(), gc.Equals, 0)
	c.Check(first.closed, jc.IsTrue)
	c.Check(second.closed, jc.IsTrue)
}

func (s *poolSuite) TestPinningCallbackPinsFirstKey(c *gc.C) {
	callback := s.pool.PinningCallback("nuc-01.lan")
	key := fakeKey{material: "key-one"}

	c.Assert(callback("nuc-01.lan:22", nil, key), jc.ErrorIsNil)
	c.Check(callback("nuc-01.lan:22", nil, key), jc.ErrorIsNil)
}

func (s *poolSuite) TestPinningCallbackRejectsChangedKey(c *gc.C) {
	callback := s.pool.PinningCallback("nuc-01.lan")
	c.Assert(callback("nuc-01.lan:22", nil, fakeKey{material: "key-one"}), jc.ErrorIsNil)

	err := callback("nuc-01.lan:22", nil, fakeKey{material: "key-two"})
	c.Check(err, gc.ErrorMatches, "host key mismatch for nuc-01.lan")
}

func (s *poolSuite) TestPinningCallbackIsPerHost(c *gc.C) {
	c.Assert(s.pool.PinningCallback("nuc-01.lan")("nuc-01.lan:22", nil,
		fakeKey{material: "key-one"}), jc.ErrorIsNil)
	c.Check(s.pool.PinningCallback("nuc-02.lan")("nuc-02.lan:22", nil,
		fakeKey{material: "key-two"}), jc.ErrorIsNil)
}
