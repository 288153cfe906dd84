// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/DarrenBenson/homelabcmd/apiserver/params"
	corealerting "github.com/DarrenBenson/homelabcmd/core/alerting"
	"github.com/DarrenBenson/homelabcmd/core/fleet"
	"github.com/DarrenBenson/homelabcmd/internal/alerting"
	"github.com/DarrenBenson/homelabcmd/internal/apply"
	"github.com/DarrenBenson/homelabcmd/internal/vault"
	"github.com/DarrenBenson/homelabcmd/state"
)

// hubConfig is the full settings document returned by GET /config.
// Cost preferences are an opaque blob owned by the UI.
type hubConfig struct {
	Thresholds    corealerting.Thresholds    `json:"thresholds"`
	Notifications corealerting.Notifications `json:"notifications"`
	Cost          json.RawMessage            `json:"cost,omitempty"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	var cfg hubConfig
	err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		cfg.Thresholds, cfg.Notifications, err = alerting.LoadSettings(ctx, tx)
		if err != nil {
			return errors.Trace(err)
		}
		raw, err := tx.Setting(ctx, state.SettingCost)
		if err == nil {
			cfg.Cost = json.RawMessage(raw)
		} else if !errors.Is(err, errors.NotFound) {
			return errors.Trace(err)
		}
		return nil
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	section := mux.Vars(r)["section"]
	switch section {
	case "thresholds":
		s.putThresholds(w, r)
	case "notifications":
		s.putNotifications(w, r)
	case "cost":
		s.putCost(w, r)
	default:
		sendError(w, errors.NotFoundf("config section %q", section))
	}
}

func validateThreshold(name string, t corealerting.MetricThreshold) error {
	if t.HighPercent <= 0 || t.HighPercent > 100 {
		return errors.NotValidf("%s high_percent %v", name, t.HighPercent)
	}
	if t.CriticalPercent < t.HighPercent || t.CriticalPercent > 100 {
		return errors.NotValidf("%s critical_percent %v", name, t.CriticalPercent)
	}
	if t.SustainedHeartbeats < 0 || t.SustainedSeconds < 0 {
		return errors.NotValidf("%s sustained window", name)
	}
	return nil
}

func (s *Server) putThresholds(w http.ResponseWriter, r *http.Request) {
	var thresholds corealerting.Thresholds
	if err := decode(r, &thresholds); err != nil {
		sendError(w, err)
		return
	}
	for _, check := range []struct {
		name string
		t    corealerting.MetricThreshold
	}{
		{"cpu", thresholds.CPU},
		{"memory", thresholds.Memory},
		{"disk", thresholds.Disk},
	} {
		if err := validateThreshold(check.name, check.t); err != nil {
			sendError(w, err)
			return
		}
	}
	err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		return errors.Trace(tx.PutSetting(ctx, state.SettingThresholds, thresholds))
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, thresholds)
}

func (s *Server) putNotifications(w http.ResponseWriter, r *http.Request) {
	var notifications corealerting.Notifications
	if err := decode(r, &notifications); err != nil {
		sendError(w, err)
		return
	}
	if notifications.CriticalMinutes < 0 || notifications.HighMinutes < 0 {
		sendError(w, errors.NotValidf("negative notification cooldown"))
		return
	}
	err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		return errors.Trace(tx.PutSetting(ctx, state.SettingNotifications, notifications))
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, notifications)
}

func (s *Server) putCost(w http.ResponseWriter, r *http.Request) {
	var blob json.RawMessage
	if err := decode(r, &blob); err != nil {
		sendError(w, err)
		return
	}
	err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		return errors.Trace(tx.SetSetting(ctx, state.SettingCost, string(blob)))
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, blob)
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	var req params.TestWebhookRequest
	if err := decode(r, &req); err != nil {
		sendError(w, err)
		return
	}
	url := req.WebhookURL
	if url == "" {
		err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
			_, notifications, err := alerting.LoadSettings(ctx, tx)
			if err != nil {
				return errors.Trace(err)
			}
			url = notifications.WebhookURL
			return nil
		})
		if err != nil {
			sendError(w, err)
			return
		}
	}
	if err := s.notifier.Test(r.Context(), url); err != nil {
		if errors.Is(err, errors.NotValid) {
			sendError(w, err)
			return
		}
		sendErrorCode(w, http.StatusBadGateway, "WEBHOOK_FAILED", err.Error())
		return
	}
	sendJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListPacks(w http.ResponseWriter, r *http.Request) {
	names, err := s.engine.Registry().Names()
	if err != nil {
		sendError(w, err)
		return
	}
	result := []params.Pack{}
	for _, name := range names {
		pack, err := s.engine.Registry().Load(name)
		if err != nil {
			sendError(w, err)
			return
		}
		result = append(result, params.Pack{
			Name:        pack.Name,
			Description: pack.Description,
			Extends:     pack.Extends,
			Files:       len(pack.Items.Files),
			Packages:    len(pack.Items.Packages),
			Settings:    len(pack.Items.Settings),
			TotalItems:  pack.Items.Total(),
		})
	}
	sendJSON(w, http.StatusOK, result)
}

func toParamsMismatches(mismatches []state.Mismatch) []params.Mismatch {
	result := []params.Mismatch{}
	for _, m := range mismatches {
		result = append(result, params.Mismatch{
			Category: m.Category,
			Item:     m.Item,
			Expected: m.Expected,
			Actual:   m.Actual,
			Diff:     m.Diff,
		})
	}
	return result
}

func toParamsCheck(check state.ConfigCheck) params.ComplianceCheck {
	return params.ComplianceCheck{
		ID:              check.ID,
		ServerID:        check.ServerID,
		PackName:        check.PackName,
		CheckedAt:       check.CheckedAt,
		IsCompliant:     check.IsCompliant,
		Mismatches:      toParamsMismatches(check.Mismatches),
		CheckDurationMS: check.CheckDurationMS,
	}
}

func (s *Server) handleComplianceSummary(w http.ResponseWriter, r *http.Request) {
	var (
		servers []fleet.Server
		checks  []state.ConfigCheck
	)
	err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		if servers, err = tx.AllServers(ctx); err != nil {
			return errors.Trace(err)
		}
		checks, err = tx.LatestConfigChecks(ctx)
		return errors.Trace(err)
	})
	if err != nil {
		sendError(w, err)
		return
	}

	latest := make(map[string]map[string]state.ConfigCheck)
	for _, check := range checks {
		if latest[check.ServerID] == nil {
			latest[check.ServerID] = make(map[string]state.ConfigCheck)
		}
		latest[check.ServerID][check.PackName] = check
	}

	summary := params.ComplianceSummary{Machines: []params.ComplianceMachine{}}
	for _, srv := range servers {
		machine := params.ComplianceMachine{
			ServerID:    srv.ID,
			DisplayName: srv.DisplayName,
			Packs:       []params.ComplianceState{},
		}
		checked := 0
		compliant := true
		for _, packName := range srv.AssignedPacks {
			check, ok := latest[srv.ID][packName]
			if !ok {
				continue
			}
			checked++
			if !check.IsCompliant {
				compliant = false
			}
			machine.Packs = append(machine.Packs, params.ComplianceState{
				PackName:    packName,
				IsCompliant: check.IsCompliant,
				Mismatches:  len(check.Mismatches),
				CheckedAt:   check.CheckedAt,
			})
		}
		switch {
		case checked == 0:
			summary.Summary.NeverChecked++
		case compliant:
			summary.Summary.Compliant++
		default:
			summary.Summary.NonCompliant++
		}
		summary.Summary.Total++
		summary.Machines = append(summary.Machines, machine)
	}
	sendJSON(w, http.StatusOK, summary)
}

// checkRequest optionally narrows a compliance check to one pack.
type checkRequest struct {
	PackName string `json:"pack_name,omitempty"`
}

func (s *Server) handleConfigCheck(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req checkRequest
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			sendError(w, err)
			return
		}
	}
	srv, err := s.server(r.Context(), id)
	if err != nil {
		sendError(w, err)
		return
	}
	packNames := srv.AssignedPacks
	if req.PackName != "" {
		packNames = []string{req.PackName}
	}

	results := []params.ComplianceCheck{}
	for _, packName := range packNames {
		check, err := s.compliance.Check(r.Context(), &srv, packName)
		if err != nil {
			sendError(w, err)
			return
		}
		err = s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
			var err error
			check.ID, err = tx.InsertConfigCheck(ctx, check)
			return errors.Trace(err)
		})
		if err != nil {
			sendError(w, err)
			return
		}
		results = append(results, toParamsCheck(check))
	}
	sendJSON(w, http.StatusOK, results)
}

func (s *Server) handleConfigChecks(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		var err error
		if limit, err = strconv.Atoi(raw); err != nil {
			sendError(w, errors.NotValidf("limit %q", raw))
			return
		}
	}
	var checks []state.ConfigCheck
	err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		if _, err := tx.Server(ctx, id); err != nil {
			return errors.Trace(err)
		}
		var err error
		checks, err = tx.ConfigChecks(ctx, id, limit)
		return errors.Trace(err)
	})
	if err != nil {
		sendError(w, err)
		return
	}
	results := []params.ComplianceCheck{}
	for _, check := range checks {
		results = append(results, toParamsCheck(check))
	}
	sendJSON(w, http.StatusOK, results)
}

// handleConfigDiff runs a live check without persisting it.
func (s *Server) handleConfigDiff(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	packName := r.URL.Query().Get("pack")
	if packName == "" {
		sendError(w, errors.NotValidf("missing pack parameter"))
		return
	}
	srv, err := s.server(r.Context(), id)
	if err != nil {
		sendError(w, err)
		return
	}
	check, err := s.compliance.Check(r.Context(), &srv, packName)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, toParamsCheck(check))
}

func (s *Server) handleConfigApply(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req params.ApplyRequest
	if err := decode(r, &req); err != nil {
		sendError(w, err)
		return
	}
	if req.PackName == "" {
		sendError(w, errors.NotValidf("empty pack_name"))
		return
	}
	pack, err := s.engine.Registry().Load(req.PackName)
	if err != nil {
		sendError(w, err)
		return
	}
	if req.DryRun {
		sendJSON(w, http.StatusOK, apply.BuildPreview(pack))
		return
	}
	s.queueApply(w, r, id, req.PackName, state.OperationApply, pack.Items.Total())
}

func (s *Server) handleConfigRemove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req params.RemoveRequest
	if err := decode(r, &req); err != nil {
		sendError(w, err)
		return
	}
	if req.PackName == "" {
		sendError(w, errors.NotValidf("empty pack_name"))
		return
	}
	pack, err := s.engine.Registry().Load(req.PackName)
	if err != nil {
		sendError(w, err)
		return
	}
	if !req.Confirm {
		sendJSON(w, http.StatusOK, apply.BuildRemovePreview(pack))
		return
	}
	s.queueApply(w, r, id, req.PackName, state.OperationRemove, pack.Items.Total())
}

// queueApply records a pending apply or removal for the background
// worker and acknowledges with 202.
func (s *Server) queueApply(w http.ResponseWriter, r *http.Request, serverID, packName, operation string, itemsTotal int) {
	now := s.clock.Now().UTC()
	var applyID int64
	err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		if _, err := tx.Server(ctx, serverID); err != nil {
			return errors.Trace(err)
		}
		var err error
		applyID, err = tx.InsertConfigApply(ctx, state.ConfigApply{
			ServerID:    serverID,
			PackName:    packName,
			Operation:   operation,
			ItemsTotal:  itemsTotal,
			TriggeredBy: "admin",
			CreatedAt:   now,
		})
		return errors.Trace(err)
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusAccepted, params.ApplyInitiated{
		ApplyID:  applyID,
		ServerID: serverID,
		PackName: packName,
		Status:   string(state.ApplyPending),
	})
}

func (s *Server) handleConfigApplyStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	applyID, err := strconv.ParseInt(vars["apply_id"], 10, 64)
	if err != nil {
		sendError(w, errors.NotValidf("apply id"))
		return
	}
	var op state.ConfigApply
	err = s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		op, err = tx.ConfigApply(ctx, applyID)
		return errors.Trace(err)
	})
	if err != nil {
		sendError(w, err)
		return
	}
	if op.ServerID != vars["id"] {
		sendError(w, errors.NotFoundf("apply %d for server %q", applyID, vars["id"]))
		return
	}

	results := []params.ItemResult{}
	for _, res := range op.Results {
		results = append(results, params.ItemResult{
			Category: res.Category,
			Item:     res.Item,
			Success:  res.Success,
			Error:    res.Error,
		})
	}
	sendJSON(w, http.StatusOK, params.ApplyStatus{
		ID:             op.ID,
		ServerID:       op.ServerID,
		PackName:       op.PackName,
		Operation:      op.Operation,
		Status:         string(op.Status),
		Progress:       op.Progress,
		CurrentItem:    op.CurrentItem,
		ItemsTotal:     op.ItemsTotal,
		ItemsCompleted: op.ItemsCompleted,
		ItemsFailed:    op.ItemsFailed,
		Results:        results,
		Error:          op.Error,
		CreatedAt:      op.CreatedAt,
		StartedAt:      op.StartedAt,
		CompletedAt:    op.CompletedAt,
	})
}

func (s *Server) handleListVault(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.server(r.Context(), id); err != nil {
		sendError(w, err)
		return
	}
	infos, err := s.vault.TypesForServer(r.Context(), id)
	if err != nil {
		sendError(w, err)
		return
	}
	entries := []params.VaultEntry{}
	for _, info := range infos {
		entry := params.VaultEntry{
			CredentialType: string(info.Type),
			Scope:          info.Scope,
			Configured:     info.Configured,
		}
		if info.UpdatedAt != nil {
			entry.UpdatedAt = *info.UpdatedAt
		}
		entries = append(entries, entry)
	}
	sendJSON(w, http.StatusOK, entries)
}

func vaultType(raw string) (vault.CredentialType, error) {
	typ := vault.CredentialType(raw)
	switch typ {
	case vault.TypeSSHPrivateKey, vault.TypeSudoPassword, vault.TypeTailscaleToken:
		return typ, nil
	}
	return "", errors.NotValidf("credential type %q", raw)
}

func (s *Server) handlePutVault(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req params.VaultPutRequest
	if err := decode(r, &req); err != nil {
		sendError(w, err)
		return
	}
	typ, err := vaultType(req.CredentialType)
	if err != nil {
		sendError(w, err)
		return
	}
	if req.Value == "" {
		sendError(w, errors.NotValidf("empty credential value"))
		return
	}
	if _, err := s.server(r.Context(), id); err != nil {
		sendError(w, err)
		return
	}
	if err := s.vault.Store(r.Context(), typ, vault.ServerScope(id), []byte(req.Value)); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, params.VaultEntry{
		CredentialType: string(typ),
		Scope:          vault.ServerScope(id),
		Configured:     true,
	})
}

func (s *Server) handleDeleteVault(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	typ, err := vaultType(vars["type"])
	if err != nil {
		sendError(w, err)
		return
	}
	if err := s.vault.Delete(r.Context(), typ, vault.ServerScope(vars["id"])); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusNoContent, nil)
}
