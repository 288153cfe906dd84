// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"net/http"

	"github.com/juju/errors"

	"github.com/DarrenBenson/homelabcmd/apiserver/params"
	"github.com/DarrenBenson/homelabcmd/core/alerting"
	"github.com/DarrenBenson/homelabcmd/internal/compliance"
	"github.com/DarrenBenson/homelabcmd/internal/heartbeat"
	"github.com/DarrenBenson/homelabcmd/internal/remediation"
	"github.com/DarrenBenson/homelabcmd/internal/sshexec"
	"github.com/DarrenBenson/homelabcmd/internal/whitelist"
)

// sendJSON writes v with the given status. Encoding failures are
// logged; headers are already gone by then.
func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("encoding response: %v", err)
	}
}

// sendErrorCode writes the error envelope with an explicit status and
// code, for handlers that own their mapping.
func sendErrorCode(w http.ResponseWriter, status int, code, message string) {
	sendJSON(w, status, params.ErrorBody{Detail: params.ErrorDetail{Code: code, Message: message}})
}

// sendError maps a domain error onto the HTTP surface. The mapping
// lives here and nowhere else; lower layers only produce typed errors.
func sendError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		logger.Errorf("request failed: %v", errors.Details(err))
	}
	sendErrorCode(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, alerting.ErrServiceStillDown):
		return http.StatusBadRequest, "SERVICE_STILL_DOWN"
	case errors.Is(err, whitelist.ErrNotAllowed):
		return http.StatusBadRequest, "COMMAND_NOT_ALLOWED"
	case errors.Is(err, remediation.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.Is(err, heartbeat.ErrInactiveServer):
		return http.StatusForbidden, "INACTIVE_SERVER"
	case errors.Is(err, heartbeat.ErrIdentityConflict):
		return http.StatusConflict, "IDENTITY_CONFLICT"
	case errors.Is(err, sshexec.ErrCommandTimeout):
		return http.StatusRequestTimeout, "COMMAND_TIMEOUT"
	case errors.Is(err, compliance.ErrSSHUnavailable) || sshexec.IsUnavailable(err):
		return http.StatusServiceUnavailable, "SSH_UNAVAILABLE"
	case errors.Is(err, errors.NotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, errors.AlreadyExists):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, errors.Unauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, errors.Forbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, errors.NotValid):
		return http.StatusUnprocessableEntity, "VALIDATION_FAILURE"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}
