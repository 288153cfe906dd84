// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/DarrenBenson/homelabcmd/apiserver/params"
	"github.com/DarrenBenson/homelabcmd/core/fleet"
	"github.com/DarrenBenson/homelabcmd/core/telemetry"
	"github.com/DarrenBenson/homelabcmd/state"
)

func toParamsServer(srv fleet.Server) params.Server {
	return params.Server{
		ID:                    srv.ID,
		GUID:                  srv.GUID,
		Hostname:              srv.Hostname,
		DisplayName:           srv.DisplayName,
		IPAddress:             srv.IPAddress,
		TailscaleHostname:     srv.TailscaleHostname,
		Status:                string(srv.Status),
		LastSeen:              srv.LastSeen,
		IsInactive:            srv.IsInactive,
		MachineType:           string(srv.MachineType),
		MachineCategory:       string(srv.MachineCategory),
		MachineCategorySource: string(srv.MachineCategorySource),
		IdleWatts:             srv.IdleWatts,
		TDPWatts:              srv.TDPWatts,
		CPUModel:              srv.CPUModel,
		CPUCores:              srv.CPUCores,
		Architecture:          srv.Architecture,
		OSDistribution:        srv.OSDistribution,
		OSVersion:             srv.OSVersion,
		OSKernel:              srv.OSKernel,
		AgentVersion:          srv.AgentVersion,
		AgentMode:             string(srv.AgentMode),
		IsPaused:              srv.IsPaused,
		SSHUsername:           srv.SSHUsername,
		SudoMode:              string(srv.SudoMode),
		ConfigUser:            srv.ConfigUser,
		AssignedPacks:         srv.AssignedPacks,
		DriftDetectionEnabled: srv.DriftDetectionEnabled,
		UpdatesAvailable:      srv.UpdatesAvailable,
		SecurityUpdates:       srv.SecurityUpdates,
		CreatedAt:             srv.CreatedAt,
		UpdatedAt:             srv.UpdatedAt,
	}
}

func containsBasePack(packs []string) bool {
	for _, name := range packs {
		if name == "base" {
			return true
		}
	}
	return false
}

// server fetches the addressed fleet member in its own transaction.
func (s *Server) server(ctx context.Context, id string) (fleet.Server, error) {
	var srv fleet.Server
	err := s.st.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		var err error
		srv, err = tx.Server(ctx, id)
		return errors.Trace(err)
	})
	return srv, errors.Trace(err)
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	var servers []fleet.Server
	err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		servers, err = tx.AllServers(ctx)
		return errors.Trace(err)
	})
	if err != nil {
		sendError(w, err)
		return
	}
	list := params.ServerList{Servers: []params.Server{}}
	for _, srv := range servers {
		list.Servers = append(list.Servers, toParamsServer(srv))
	}
	list.Total = len(list.Servers)
	sendJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req params.CreateServerRequest
	if err := decode(r, &req); err != nil {
		sendError(w, err)
		return
	}
	if req.ID == "" {
		sendError(w, errors.NotValidf("empty server id"))
		return
	}
	if req.Hostname == "" {
		sendError(w, errors.NotValidf("empty hostname"))
		return
	}
	machineType := fleet.MachineType(req.MachineType)
	if machineType == "" {
		machineType = fleet.MachineTypeServer
	}
	if !machineType.IsValid() {
		sendError(w, errors.NotValidf("machine type %q", req.MachineType))
		return
	}
	packs := req.AssignedPacks
	if packs == nil {
		packs = fleet.DefaultPacks(machineType)
	} else if !containsBasePack(packs) {
		// The base pack is mandatory on every machine.
		packs = append([]string{"base"}, packs...)
	}

	now := s.clock.Now().UTC()
	srv := fleet.Server{
		ID:                    req.ID,
		Hostname:              req.Hostname,
		DisplayName:           req.DisplayName,
		IPAddress:             req.IPAddress,
		TailscaleHostname:     req.TailscaleHostname,
		Status:                fleet.StatusUnknown,
		MachineType:           machineType,
		MachineCategorySource: fleet.CategorySourceAuto,
		AgentMode:             fleet.AgentModeReadOnly,
		SSHUsername:           req.SSHUsername,
		SudoMode:              fleet.SudoPasswordless,
		ConfigUser:            req.ConfigUser,
		AssignedPacks:         packs,
		DriftDetectionEnabled: true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		return errors.Trace(tx.CreateServer(ctx, srv))
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, toParamsServer(srv))
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	srv, err := s.server(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, toParamsServer(srv))
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req params.UpdateServerRequest
	if err := decode(r, &req); err != nil {
		sendError(w, err)
		return
	}

	now := s.clock.Now().UTC()
	var srv fleet.Server
	err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		var err error
		srv, err = tx.Server(ctx, id)
		if err != nil {
			return errors.Trace(err)
		}
		if err := applyServerPatch(&srv, req, now); err != nil {
			return errors.Trace(err)
		}
		srv.UpdatedAt = now
		return errors.Trace(tx.UpdateServer(ctx, srv))
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, toParamsServer(srv))
}

// applyServerPatch folds the nil-means-unchanged request fields into
// the server row.
func applyServerPatch(srv *fleet.Server, req params.UpdateServerRequest, now time.Time) error {
	if req.DisplayName != nil {
		srv.DisplayName = *req.DisplayName
	}
	if req.IPAddress != nil {
		srv.IPAddress = *req.IPAddress
	}
	if req.TailscaleHostname != nil {
		srv.TailscaleHostname = *req.TailscaleHostname
	}
	if req.MachineType != nil {
		machineType := fleet.MachineType(*req.MachineType)
		if !machineType.IsValid() {
			return errors.NotValidf("machine type %q", *req.MachineType)
		}
		srv.MachineType = machineType
	}
	if req.MachineCategory != nil {
		srv.MachineCategory = fleet.MachineCategory(*req.MachineCategory)
		srv.MachineCategorySource = fleet.CategorySourceUser
	}
	if req.IdleWatts != nil {
		srv.IdleWatts = *req.IdleWatts
	}
	if req.TDPWatts != nil {
		srv.TDPWatts = *req.TDPWatts
	}
	if req.SSHUsername != nil {
		srv.SSHUsername = *req.SSHUsername
	}
	if req.SudoMode != nil {
		mode := fleet.SudoMode(*req.SudoMode)
		if mode != fleet.SudoPasswordless && mode != fleet.SudoPassword {
			return errors.NotValidf("sudo mode %q", *req.SudoMode)
		}
		srv.SudoMode = mode
	}
	if req.ConfigUser != nil {
		srv.ConfigUser = *req.ConfigUser
	}
	if req.AssignedPacks != nil {
		packs := *req.AssignedPacks
		// The base pack is mandatory on every machine; updates that
		// drop it are rejected rather than repaired.
		if !containsBasePack(packs) {
			return errors.NotValidf("assigned_packs without %q", "base")
		}
		srv.AssignedPacks = packs
	}
	if req.DriftDetectionEnabled != nil {
		srv.DriftDetectionEnabled = *req.DriftDetectionEnabled
	}
	if req.IsPaused != nil && *req.IsPaused != srv.IsPaused {
		srv.IsPaused = *req.IsPaused
		srv.PausedAt = time.Time{}
		if srv.IsPaused {
			srv.PausedAt = now
		}
	}
	if req.IsInactive != nil && *req.IsInactive != srv.IsInactive {
		srv.IsInactive = *req.IsInactive
		srv.InactiveSince = time.Time{}
		if srv.IsInactive {
			srv.InactiveSince = now
		}
	}
	return nil
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		return errors.Trace(tx.DeleteServer(ctx, id))
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handlePauseServer(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true)
}

func (s *Server) handleUnpauseServer(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	id := mux.Vars(r)["id"]
	now := s.clock.Now().UTC()
	var srv fleet.Server
	err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		if err := tx.SetServerPaused(ctx, id, paused, now); err != nil {
			return errors.Trace(err)
		}
		var err error
		srv, err = tx.Server(ctx, id)
		return errors.Trace(err)
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, toParamsServer(srv))
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var result []params.ServiceStatus
	err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		if _, err := tx.Server(ctx, id); err != nil {
			return errors.Trace(err)
		}
		expected, err := tx.ExpectedServices(ctx, id)
		if err != nil {
			return errors.Trace(err)
		}
		for _, svc := range expected {
			entry := params.ServiceStatus{
				ServiceName: svc.ServiceName,
				DisplayName: svc.DisplayName,
				IsCritical:  svc.IsCritical,
				Enabled:     svc.Enabled,
			}
			sample, err := tx.LatestServiceStatus(ctx, id, svc.ServiceName)
			if err == nil {
				entry.Status = string(sample.Status)
				entry.StatusReason = sample.StatusReason
				entry.PID = sample.PID
				entry.MemoryMB = sample.MemoryMB
				entry.CPUPercent = sample.CPUPercent
				entry.Timestamp = sample.Timestamp
			} else if !errors.Is(err, errors.NotFound) {
				return errors.Trace(err)
			}
			result = append(result, entry)
		}
		return nil
	})
	if err != nil {
		sendError(w, err)
		return
	}
	if result == nil {
		result = []params.ServiceStatus{}
	}
	sendJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpsertService(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req params.ExpectedServiceRequest
	if err := decode(r, &req); err != nil {
		sendError(w, err)
		return
	}
	if req.ServiceName == "" {
		sendError(w, errors.NotValidf("empty service_name"))
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		if _, err := tx.Server(ctx, id); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(tx.UpsertExpectedService(ctx, telemetry.ExpectedService{
			ServerID:    id,
			ServiceName: req.ServiceName,
			DisplayName: req.DisplayName,
			IsCritical:  req.IsCritical,
			Enabled:     enabled,
		}))
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, params.ServiceStatus{
		ServiceName: req.ServiceName,
		DisplayName: req.DisplayName,
		IsCritical:  req.IsCritical,
		Enabled:     enabled,
	})
}

func (s *Server) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		return errors.Trace(tx.DeleteExpectedService(ctx, vars["id"], vars["name"]))
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var pkgs []telemetry.PackageUpdate
	err := s.st.Txn(r.Context(), func(ctx context.Context, tx *state.Tx) error {
		if _, err := tx.Server(ctx, id); err != nil {
			return errors.Trace(err)
		}
		var err error
		pkgs, err = tx.PendingPackages(ctx, id)
		return errors.Trace(err)
	})
	if err != nil {
		sendError(w, err)
		return
	}
	result := []params.PackageUpdate{}
	for _, pkg := range pkgs {
		result = append(result, params.PackageUpdate{
			Name:           pkg.Name,
			CurrentVersion: pkg.CurrentVersion,
			NewVersion:     pkg.NewVersion,
			Repository:     pkg.Repository,
			IsSecurity:     pkg.IsSecurity,
		})
	}
	sendJSON(w, http.StatusOK, result)
}
