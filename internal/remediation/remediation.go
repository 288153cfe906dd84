// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package remediation manages whitelisted command execution against
// fleet members: agent-pulled actions with an approval lifecycle, and
// synchronous operator-driven execution over SSH.
package remediation

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/ratelimit"

	"github.com/DarrenBenson/homelabcmd/core/action"
	"github.com/DarrenBenson/homelabcmd/core/fleet"
	"github.com/DarrenBenson/homelabcmd/internal/sshexec"
	"github.com/DarrenBenson/homelabcmd/internal/whitelist"
	"github.com/DarrenBenson/homelabcmd/state"
)

var logger = loggo.GetLogger("homelabcmd.remediation")

// ErrRateLimited marks synchronous executions rejected by the
// per-server token bucket; the API maps it to 429.
const ErrRateLimited = errors.ConstError("rate limit exceeded")

// executeRatePerMinute bounds synchronous executions per server.
const executeRatePerMinute = 10

// Service drives the remediation pipelines.
type Service struct {
	st       *state.State
	executor *sshexec.Executor
	clock    clock.Clock

	mu      sync.Mutex
	buckets map[string]*ratelimit.Bucket
}

// NewService returns a remediation Service.
func NewService(st *state.State, executor *sshexec.Executor, clk clock.Clock) *Service {
	return &Service{
		st:       st,
		executor: executor,
		clock:    clk,
		buckets:  make(map[string]*ratelimit.Bucket),
	}
}

// Create records a new agent-pulled action after whitelist
// validation. Unpaused servers auto-approve; paused servers leave the
// action pending for manual approval.
func (s *Service) Create(ctx context.Context, serverID, actionType, serviceName string, params map[string]string) (action.Action, error) {
	if serviceName != "" {
		if params == nil {
			params = map[string]string{}
		}
		params["service"] = serviceName
	}
	command, err := whitelist.Build(actionType, params)
	if err != nil {
		return action.Action{}, errors.Trace(err)
	}

	now := s.clock.Now().UTC()
	var created action.Action
	err = s.st.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		srv, err := tx.Server(ctx, serverID)
		if err != nil {
			return errors.Trace(err)
		}

		created = action.Action{
			ServerID:    serverID,
			ActionType:  actionType,
			Command:     command,
			ServiceName: serviceName,
			Status:      action.StatusPending,
			CreatedAt:   now,
		}
		if !srv.IsPaused {
			created.Status = action.StatusApproved
			created.ApprovedAt = now
			created.ApprovedBy = "auto"
		}
		id, err := tx.InsertAction(ctx, created)
		if err != nil {
			return errors.Trace(err)
		}
		created.ID = id
		return nil
	})
	if err != nil {
		return action.Action{}, errors.Trace(err)
	}
	logger.Infof("created action %d (%s) for %s, status %s",
		created.ID, actionType, serverID, created.Status)
	return created, nil
}

// Approve moves a pending action to approved.
func (s *Service) Approve(ctx context.Context, id int64, by string) (action.Action, error) {
	return s.transition(ctx, id, action.StatusApproved, by)
}

// Cancel cancels a pending action.
func (s *Service) Cancel(ctx context.Context, id int64) (action.Action, error) {
	return s.transition(ctx, id, action.StatusCancelled, "")
}

func (s *Service) transition(ctx context.Context, id int64, to action.Status, by string) (action.Action, error) {
	now := s.clock.Now().UTC()
	var result action.Action
	err := s.st.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		if err := tx.TransitionAction(ctx, id, to, by, now); err != nil {
			return errors.Trace(err)
		}
		var err error
		result, err = tx.Action(ctx, id)
		return errors.Trace(err)
	})
	return result, errors.Trace(err)
}

// bucket returns the per-server token bucket, creating it on first
// use.
func (s *Service) bucket(serverID string) *ratelimit.Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[serverID]
	if !ok {
		b = ratelimit.NewBucket(time.Minute/executeRatePerMinute, executeRatePerMinute)
		s.buckets[serverID] = b
	}
	return b
}

// RetryAfter returns how long until the server's bucket refills one
// token.
func (s *Service) RetryAfter(serverID string) time.Duration {
	if s.bucket(serverID).Available() > 0 {
		return 0
	}
	return time.Minute / executeRatePerMinute
}

// ExecuteSync runs a whitelisted command on the server right now over
// SSH. A non-zero exit is a successful execution; only policy,
// rate-limit and transport failures return errors.
func (s *Service) ExecuteSync(ctx context.Context, serverID, command, actionType string, timeout time.Duration) (sshexec.Result, error) {
	if s.bucket(serverID).TakeAvailable(1) == 0 {
		return sshexec.Result{}, errors.WithType(
			errors.Errorf("server %q: too many command executions", serverID), ErrRateLimited)
	}
	if _, err := whitelist.Validate(actionType, command); err != nil {
		return sshexec.Result{}, errors.Trace(err)
	}

	var srv fleet.Server
	err := s.st.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		var err error
		srv, err = tx.Server(ctx, serverID)
		return errors.Trace(err)
	})
	if err != nil {
		return sshexec.Result{}, errors.Trace(err)
	}

	result, err := s.executor.Run(ctx, &srv, command, timeout)
	if err != nil {
		return sshexec.Result{}, errors.Trace(err)
	}
	logger.Infof("executed %q on %s: exit %d in %dms",
		actionType, serverID, result.ExitCode, result.DurationMS)
	return result, nil
}
