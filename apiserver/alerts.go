// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/DarrenBenson/homelabcmd/apiserver/params"
	corealerting "github.com/DarrenBenson/homelabcmd/core/alerting"
	"github.com/DarrenBenson/homelabcmd/internal/alerting"
	"github.com/DarrenBenson/homelabcmd/state"
)

func toParamsAlert(a corealerting.Alert) params.Alert {
	return params.Alert{
		ID:             a.ID,
		ServerID:       a.ServerID,
		Type:           string(a.Type),
		Severity:       string(a.Severity),
		Status:         string(a.Status),
		Title:          a.Title,
		Message:        a.Message,
		ThresholdValue: a.ThresholdValue,
		ActualValue:    a.ActualValue,
		AutoResolved:   a.AutoResolved,
		CreatedAt:      a.CreatedAt,
		AcknowledgedAt: a.AcknowledgedAt,
		ResolvedAt:     a.ResolvedAt,
	}
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	serverID := r.URL.Query().Get("server_id")
	status := corealerting.Status(r.URL.Query().Get("status"))
	switch status {
	case "", corealerting.StatusOpen, corealerting.StatusAcknowledged, corealerting.StatusResolved:
	default:
		sendError(w, errors.NotValidf("alert status %q", status))
		return
	}

	var alerts []corealerting.Alert
	err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		alerts, err = tx.ListAlerts(ctx, serverID, status)
		return errors.Trace(err)
	})
	if err != nil {
		sendError(w, err)
		return
	}

	list := params.AlertList{Alerts: []params.Alert{}}
	for _, a := range alerts {
		list.Alerts = append(list.Alerts, toParamsAlert(a))
	}
	list.Total = len(list.Alerts)
	sendJSON(w, http.StatusOK, list)
}

func alertID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, errors.NotValidf("alert id")
	}
	return id, nil
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id, err := alertID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	var alert corealerting.Alert
	err = s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		alert, err = tx.Alert(ctx, id)
		return errors.Trace(err)
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, toParamsAlert(alert))
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, err := alertID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	now := s.clock.Now().UTC()
	var alert corealerting.Alert
	err = s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		alert, err = tx.Alert(ctx, id)
		if err != nil {
			return errors.Trace(err)
		}
		if err := alerting.AcknowledgeServiceAlert(ctx, tx, alert, now); err != nil {
			return errors.Trace(err)
		}
		alert, err = tx.Alert(ctx, id)
		return errors.Trace(err)
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, toParamsAlert(alert))
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := alertID(r)
	if err != nil {
		sendError(w, err)
		return
	}
	now := s.clock.Now().UTC()
	var alert corealerting.Alert
	err = s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		if err := tx.ResolveAlert(ctx, id, false, now); err != nil {
			return errors.Trace(err)
		}
		var err error
		alert, err = tx.Alert(ctx, id)
		return errors.Trace(err)
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, toParamsAlert(alert))
}
