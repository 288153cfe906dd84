// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/DarrenBenson/homelabcmd/apiserver/params"
	"github.com/DarrenBenson/homelabcmd/core/action"
	"github.com/DarrenBenson/homelabcmd/internal/remediation"
	"github.com/DarrenBenson/homelabcmd/state"
)

func toParamsAction(act action.Action) params.Action {
	return params.Action{
		ID:          act.ID,
		ServerID:    act.ServerID,
		ActionType:  act.ActionType,
		Command:     act.Command,
		ServiceName: act.ServiceName,
		Status:      string(act.Status),
		ExitCode:    act.ExitCode,
		Stdout:      act.Stdout,
		Stderr:      act.Stderr,
		CreatedAt:   act.CreatedAt,
		ApprovedAt:  act.ApprovedAt,
		ApprovedBy:  act.ApprovedBy,
		ExecutedAt:  act.ExecutedAt,
		CompletedAt: act.CompletedAt,
	}
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req params.HeartbeatRequest
	if err := decode(r, &req); err != nil {
		sendError(w, err)
		return
	}
	// An agent may only report as itself; the admin key may report for
	// anyone.
	if p := callerPrincipal(r); !p.admin {
		if req.ServerGUID == "" {
			req.ServerGUID = p.serverGUID
		} else if req.ServerGUID != p.serverGUID {
			sendErrorCode(w, http.StatusForbidden, "FORBIDDEN",
				"heartbeat guid does not match the presented credential")
			return
		}
	}

	peerIP := ""
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		peerIP = host
	}
	resp, err := s.heartbeat.Process(r.Context(), req, peerIP)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req params.ExecuteRequest
	if err := decode(r, &req); err != nil {
		sendError(w, err)
		return
	}
	if req.Command == "" || req.ActionType == "" {
		sendError(w, errors.NotValidf("command and action_type are required"))
		return
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second

	result, err := s.remediation.ExecuteSync(r.Context(), id, req.Command, req.ActionType, timeout)
	if err != nil {
		if errors.Is(err, remediation.ErrRateLimited) {
			retry := s.remediation.RetryAfter(id)
			w.Header().Set("Retry-After",
				strconv.Itoa(int(math.Ceil(retry.Seconds()))))
		}
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, params.ExecuteResponse{
		ExitCode:   result.ExitCode,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		DurationMS: result.DurationMS,
		Hostname:   result.Hostname,
	})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var actions []action.Action
	err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		if _, err := tx.Server(ctx, id); err != nil {
			return errors.Trace(err)
		}
		var err error
		actions, err = tx.ServerActions(ctx, id)
		return errors.Trace(err)
	})
	if err != nil {
		sendError(w, err)
		return
	}
	result := []params.Action{}
	for _, act := range actions {
		result = append(result, toParamsAction(act))
	}
	sendJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateAction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req params.ActionRequest
	if err := decode(r, &req); err != nil {
		sendError(w, err)
		return
	}
	act, err := s.remediation.Create(r.Context(), id, req.ActionType, req.ServiceName, req.Parameters)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, toParamsAction(act))
}

func (s *Server) handleApproveAction(w http.ResponseWriter, r *http.Request) {
	actionID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		sendError(w, errors.NotValidf("action id"))
		return
	}
	act, err := s.remediation.Approve(r.Context(), actionID, "admin")
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, toParamsAction(act))
}

func (s *Server) handleCancelAction(w http.ResponseWriter, r *http.Request) {
	actionID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		sendError(w, errors.NotValidf("action id"))
		return
	}
	act, err := s.remediation.Cancel(r.Context(), actionID)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, toParamsAction(act))
}
