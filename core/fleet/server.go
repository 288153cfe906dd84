// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package fleet

import (
	"time"
)

// Status is the hub-side view of a machine's liveness.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusUnknown Status = "unknown"
)

// AgentMode controls what the agent is allowed to do on its host.
// A readonly agent only reports; a readwrite agent also executes
// remediation commands delivered by the hub.
type AgentMode string

const (
	AgentModeReadOnly  AgentMode = "readonly"
	AgentModeReadWrite AgentMode = "readwrite"
)

// SudoMode describes how the hub escalates on the host over SSH.
type SudoMode string

const (
	SudoPasswordless SudoMode = "passwordless"
	SudoPassword     SudoMode = "password"
)

// Server is a member of the fleet. The id is the user-facing slug;
// the GUID is the permanent identity and survives hostname and
// address changes. GUID is empty for legacy rows that predate
// GUID-based registration and is adopted on the first heartbeat
// that carries one.
type Server struct {
	ID                string
	GUID              string
	Hostname          string
	DisplayName       string
	IPAddress         string
	TailscaleHostname string

	Status        Status
	LastSeen      time.Time
	IsInactive    bool
	InactiveSince time.Time

	MachineType           MachineType
	MachineCategory       MachineCategory
	MachineCategorySource CategorySource
	IdleWatts             float64
	TDPWatts              float64
	CPUModel              string
	CPUCores              int
	Architecture          string

	OSDistribution string
	OSVersion      string
	OSKernel       string

	AgentVersion string
	AgentMode    AgentMode
	IsPaused     bool
	PausedAt     time.Time

	SSHUsername string
	SudoMode    SudoMode
	ConfigUser  string

	AssignedPacks         []string
	DriftDetectionEnabled bool

	UpdatesAvailable int
	SecurityUpdates  int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Name returns the display name, falling back to the id slug.
func (s *Server) Name() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.ID
}

// SSHTarget returns the address the hub should dial for this server:
// the Tailscale hostname when set, falling back to the IP address and
// finally the plain hostname.
func (s *Server) SSHTarget() string {
	if s.TailscaleHostname != "" {
		return s.TailscaleHostname
	}
	if s.IPAddress != "" {
		return s.IPAddress
	}
	return s.Hostname
}

// DefaultPacks returns the config packs assigned to a newly
// registered machine of the given type. The base pack is always
// first and can never be removed from an assignment.
func DefaultPacks(t MachineType) []string {
	if t == MachineTypeWorkstation {
		return []string{"base", "developer-lite"}
	}
	return []string{"base"}
}
