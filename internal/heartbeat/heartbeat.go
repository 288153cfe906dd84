// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package heartbeat processes agent reports: result acknowledgement,
// identity resolution, telemetry persistence, alert evaluation and
// command dispatch, all inside one transaction per heartbeat.
package heartbeat

import (
	"context"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/DarrenBenson/homelabcmd/apiserver/params"
	"github.com/DarrenBenson/homelabcmd/core/action"
	corealerting "github.com/DarrenBenson/homelabcmd/core/alerting"
	"github.com/DarrenBenson/homelabcmd/core/fleet"
	"github.com/DarrenBenson/homelabcmd/core/telemetry"
	"github.com/DarrenBenson/homelabcmd/internal/alerting"
	"github.com/DarrenBenson/homelabcmd/internal/notify"
	"github.com/DarrenBenson/homelabcmd/state"
)

var logger = loggo.GetLogger("homelabcmd.heartbeat")

// dispatchTimeoutSeconds is the execution deadline handed to agents
// with each pending command.
const dispatchTimeoutSeconds = 30

// ErrIdentityConflict marks guid/slug mismatches that the API maps to
// 409.
const ErrIdentityConflict = errors.ConstError("server identity conflict")

// ErrInactiveServer marks heartbeats from decommissioned servers; the
// agent should uninstall itself.
const ErrInactiveServer = errors.ConstError("server is inactive")

// Processor handles heartbeats end to end.
type Processor struct {
	st       *state.State
	clock    clock.Clock
	notifier *notify.Notifier
}

// NewProcessor returns a heartbeat Processor.
func NewProcessor(st *state.State, clk clock.Clock, notifier *notify.Notifier) *Processor {
	return &Processor{st: st, clock: clk, notifier: notifier}
}

// outcome carries everything the pipeline produced that must only
// take effect after the transaction commits.
type outcome struct {
	response   params.HeartbeatResponse
	webhookURL string
	notify     corealerting.Notifications
	events     []corealerting.Event
	serverName string
	actions    []action.Action
}

// Process runs the heartbeat pipeline. peerIP, when non-empty, is
// recorded as the server's address.
func (p *Processor) Process(ctx context.Context, req params.HeartbeatRequest, peerIP string) (params.HeartbeatResponse, error) {
	if req.ServerID == "" {
		return params.HeartbeatResponse{}, errors.NotValidf("heartbeat without server_id")
	}
	if req.Hostname == "" {
		return params.HeartbeatResponse{}, errors.NotValidf("heartbeat without hostname")
	}

	now := p.clock.Now().UTC()
	var out outcome
	err := p.st.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		return errors.Trace(p.process(ctx, tx, req, peerIP, now, &out))
	})
	if err != nil {
		return params.HeartbeatResponse{}, errors.Trace(err)
	}

	p.deliver(ctx, out)
	return out.response, nil
}

func (p *Processor) process(ctx context.Context, tx *state.Tx, req params.HeartbeatRequest, peerIP string, now time.Time, out *outcome) error {
	thresholds, notifications, err := alerting.LoadSettings(ctx, tx)
	if err != nil {
		return errors.Trace(err)
	}
	out.webhookURL = notifications.WebhookURL
	out.notify = notifications
	evaluator := alerting.NewEvaluator(thresholds, notifications)

	// 1. Acknowledge results from the previous dispatch.
	acked, finished, err := p.acknowledgeResults(ctx, tx, req.CommandResults, now)
	if err != nil {
		return errors.Trace(err)
	}
	out.response.ResultsAcknowledged = acked
	out.actions = finished

	// 2. Resolve identity, adopting GUIDs and auto-registering.
	srv, registered, err := p.resolveIdentity(ctx, tx, req, now)
	if err != nil {
		return errors.Trace(err)
	}
	out.response.ServerRegistered = registered

	// 3. Decommissioned servers are told to go away.
	if srv.IsInactive {
		return errors.WithType(
			errors.Errorf("server %q is inactive", srv.ID), ErrInactiveServer)
	}

	wasOffline := srv.Status == fleet.StatusOffline

	// 4-5. Volatile fields and category inference.
	p.updateVolatile(srv, req, peerIP, now)
	if err := tx.UpdateServer(ctx, *srv); err != nil {
		return errors.Trace(err)
	}
	out.serverName = srv.Name()

	// 6. Telemetry sample.
	var sample telemetry.Sample
	if req.Metrics != nil {
		sample = toSample(srv.ID, req.Metrics, now)
		if err := tx.InsertMetrics(ctx, sample); err != nil {
			return errors.Trace(err)
		}
	}

	// 7. Service status rows and the pending package list.
	serviceSamples := toServiceSamples(srv.ID, req.Services, now)
	for _, s := range serviceSamples {
		if err := tx.InsertServiceStatus(ctx, s); err != nil {
			return errors.Trace(err)
		}
	}
	if req.Packages != nil {
		if err := tx.ReplacePendingPackages(ctx, srv.ID, toPackages(srv.ID, req.Packages)); err != nil {
			return errors.Trace(err)
		}
	}

	// 8. Alert evaluation. A heartbeat from an offline server also
	// clears its offline alert.
	if wasOffline {
		events, err := evaluator.ServerBackOnline(ctx, tx, srv, now)
		if err != nil {
			return errors.Trace(err)
		}
		out.events = append(out.events, events...)
	}
	if req.Metrics != nil {
		events, err := evaluator.EvaluateSample(ctx, tx, srv, sample, now)
		if err != nil {
			return errors.Trace(err)
		}
		out.events = append(out.events, events...)
	}
	if len(serviceSamples) > 0 {
		events, err := evaluator.EvaluateServices(ctx, tx, srv, serviceSamples, now)
		if err != nil {
			return errors.Trace(err)
		}
		out.events = append(out.events, events...)
	}

	// 10. Dispatch at most one approved command.
	pending, err := p.dispatch(ctx, tx, srv, now)
	if err != nil {
		return errors.Trace(err)
	}
	out.response.Status = "ok"
	out.response.PendingCommands = pending
	if out.response.ResultsAcknowledged == nil {
		out.response.ResultsAcknowledged = []int64{}
	}
	return nil
}

// acknowledgeResults records command outcomes reported by the agent.
// Results carrying the background sentinel keep the action executing.
// The second return value lists actions that reached a terminal state
// and deserve a notification.
func (p *Processor) acknowledgeResults(ctx context.Context, tx *state.Tx, results []params.CommandResult, now time.Time) ([]int64, []action.Action, error) {
	var (
		acked    []int64
		finished []action.Action
	)
	for _, res := range results {
		act, err := tx.Action(ctx, res.ActionID)
		if errors.Is(err, errors.NotFound) {
			logger.Warningf("agent reported result for unknown action %d", res.ActionID)
			continue
		}
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		if act.Status != action.StatusExecuting {
			logger.Warningf("ignoring result for action %d in status %q", res.ActionID, act.Status)
			continue
		}

		background := strings.Contains(res.Stdout, action.BackgroundSentinel)
		err = tx.RecordActionResult(ctx, res.ActionID, action.Result{
			ActionID:    res.ActionID,
			ExitCode:    res.ExitCode,
			Stdout:      res.Stdout,
			Stderr:      res.Stderr,
			ExecutedAt:  res.ExecutedAt,
			CompletedAt: res.CompletedAt,
		}, background, now)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		acked = append(acked, res.ActionID)

		if !background {
			done, err := tx.Action(ctx, res.ActionID)
			if err != nil {
				return nil, nil, errors.Trace(err)
			}
			finished = append(finished, done)
		}
	}
	return acked, finished, nil
}

// resolveIdentity finds or creates the server row for this heartbeat.
func (p *Processor) resolveIdentity(ctx context.Context, tx *state.Tx, req params.HeartbeatRequest, now time.Time) (*fleet.Server, bool, error) {
	if req.ServerGUID != "" {
		srv, err := tx.ServerByGUID(ctx, req.ServerGUID)
		if err == nil {
			return &srv, false, nil
		}
		if !errors.Is(err, errors.NotFound) {
			return nil, false, errors.Trace(err)
		}
	}

	srv, err := tx.Server(ctx, req.ServerID)
	if err == nil {
		if srv.GUID == "" && req.ServerGUID != "" {
			// Legacy row predating GUID registration: adopt.
			srv.GUID = req.ServerGUID
			logger.Infof("server %q adopted guid %s", srv.ID, req.ServerGUID)
			return &srv, false, nil
		}
		if req.ServerGUID != "" && srv.GUID != req.ServerGUID {
			return nil, false, errors.WithType(
				errors.Errorf("server %q is registered to a different agent", req.ServerID),
				ErrIdentityConflict)
		}
		return &srv, false, nil
	}
	if !errors.Is(err, errors.NotFound) {
		return nil, false, errors.Trace(err)
	}

	// Auto-register. The slug is free; the GUID must be too.
	created := fleet.Server{
		ID:            req.ServerID,
		GUID:          req.ServerGUID,
		Hostname:      req.Hostname,
		Status:        fleet.StatusOnline,
		LastSeen:      now,
		AgentMode:     fleet.AgentModeReadOnly,
		AssignedPacks: fleet.DefaultPacks(""),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.CreateServer(ctx, created); err != nil {
		if errors.Is(err, errors.AlreadyExists) {
			return nil, false, errors.WithType(
				errors.Errorf("guid %q is registered to another server", req.ServerGUID),
				ErrIdentityConflict)
		}
		return nil, false, errors.Trace(err)
	}
	logger.Infof("auto-registered server %q", req.ServerID)
	return &created, true, nil
}

// updateVolatile refreshes the fields every heartbeat is allowed to
// overwrite.
func (p *Processor) updateVolatile(srv *fleet.Server, req params.HeartbeatRequest, peerIP string, now time.Time) {
	srv.Status = fleet.StatusOnline
	srv.LastSeen = now
	srv.Hostname = req.Hostname
	if peerIP != "" {
		srv.IPAddress = peerIP
	}
	if req.AgentVersion != "" {
		srv.AgentVersion = req.AgentVersion
	}
	if req.AgentMode != "" {
		srv.AgentMode = fleet.AgentMode(req.AgentMode)
	}
	if req.OSInfo != nil {
		srv.OSDistribution = req.OSInfo.Distribution
		srv.OSVersion = req.OSInfo.Version
		srv.OSKernel = req.OSInfo.Kernel
		srv.Architecture = req.OSInfo.Architecture
	}
	if req.CPUInfo != nil {
		srv.CPUModel = req.CPUInfo.CPUModel
		srv.CPUCores = req.CPUInfo.CPUCores
	}
	if req.UpdatesAvailable != nil {
		srv.UpdatesAvailable = *req.UpdatesAvailable
	}
	if req.SecurityUpdates != nil {
		srv.SecurityUpdates = *req.SecurityUpdates
	}
	srv.UpdatedAt = now

	// Category inference never overrides an operator assignment.
	if srv.MachineCategorySource != fleet.CategorySourceUser {
		if category := fleet.InferCategory(srv.CPUModel, srv.Architecture); category != "" {
			srv.MachineCategory = category
			srv.MachineCategorySource = fleet.CategorySourceAuto
		}
	}
}

// dispatch hands the oldest approved action to the agent, at most one
// per heartbeat and never while another is executing.
func (p *Processor) dispatch(ctx context.Context, tx *state.Tx, srv *fleet.Server, now time.Time) ([]params.PendingCommand, error) {
	next, err := tx.OldestApprovedAction(ctx, srv.ID)
	if errors.Is(err, errors.NotFound) {
		return []params.PendingCommand{}, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := tx.TransitionAction(ctx, next.ID, action.StatusExecuting, "", now); err != nil {
		return nil, errors.Trace(err)
	}

	parameters := map[string]string{}
	if next.ServiceName != "" {
		parameters["service"] = next.ServiceName
	}
	logger.Infof("dispatching action %d (%s) to %s", next.ID, next.ActionType, srv.ID)
	return []params.PendingCommand{{
		ActionID:       next.ID,
		ActionType:     next.ActionType,
		Command:        next.Command,
		Parameters:     parameters,
		TimeoutSeconds: dispatchTimeoutSeconds,
	}}, nil
}

// deliver sends post-commit notifications. Failures never propagate.
func (p *Processor) deliver(ctx context.Context, out outcome) {
	if p.notifier == nil || out.webhookURL == "" {
		return
	}
	for _, event := range out.events {
		p.notifier.AlertEvent(ctx, out.webhookURL, event)
	}
	if out.notify.NotifyOnActions {
		for _, act := range out.actions {
			p.notifier.ActionResult(ctx, out.webhookURL, out.serverName, act)
		}
	}
}

func toSample(serverID string, m *params.MetricsPayload, now time.Time) telemetry.Sample {
	return telemetry.Sample{
		ServerID:       serverID,
		Timestamp:      now,
		CPUPercent:     m.CPUPercent,
		MemoryPercent:  m.MemoryPercent,
		MemoryTotalMB:  m.MemoryTotalMB,
		MemoryUsedMB:   m.MemoryUsedMB,
		DiskPercent:    m.DiskPercent,
		DiskTotalGB:    m.DiskTotalGB,
		DiskUsedGB:     m.DiskUsedGB,
		NetworkRxBytes: m.NetworkRxBytes,
		NetworkTxBytes: m.NetworkTxBytes,
		Load1m:         m.Load1m,
		Load5m:         m.Load5m,
		Load15m:        m.Load15m,
		UptimeSeconds:  m.UptimeSeconds,
	}
}

func toServiceSamples(serverID string, services []params.ServicePayload, now time.Time) []telemetry.ServiceSample {
	var samples []telemetry.ServiceSample
	for _, s := range services {
		samples = append(samples, telemetry.ServiceSample{
			ServerID:     serverID,
			ServiceName:  s.Name,
			Timestamp:    now,
			Status:       telemetry.ServiceState(s.Status),
			StatusReason: s.StatusReason,
			PID:          s.PID,
			MemoryMB:     s.MemoryMB,
			CPUPercent:   s.CPUPercent,
		})
	}
	return samples
}

func toPackages(serverID string, packages []params.PackagePayload) []telemetry.PackageUpdate {
	var result []telemetry.PackageUpdate
	for _, p := range packages {
		result = append(result, telemetry.PackageUpdate{
			ServerID:       serverID,
			Name:           p.Name,
			CurrentVersion: p.CurrentVersion,
			NewVersion:     p.NewVersion,
			Repository:     p.Repository,
			IsSecurity:     p.IsSecurity,
		})
	}
	return result
}
