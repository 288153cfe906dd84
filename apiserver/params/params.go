// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package params holds the wire structures of the hub API. Nothing in
// here has behaviour; handlers and the agent pipeline share these
// types so the contract lives in one place.
package params

import (
	"time"
)

// ErrorBody is the error envelope: {"detail": {"code", "message"}}.
type ErrorBody struct {
	Detail ErrorDetail `json:"detail"`
}

// ErrorDetail carries the machine code and the human line.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OSInfo is the agent-reported operating system block.
type OSInfo struct {
	Distribution string `json:"distribution,omitempty"`
	Version      string `json:"version,omitempty"`
	Kernel       string `json:"kernel,omitempty"`
	Architecture string `json:"architecture,omitempty"`
}

// CPUInfo is the agent-reported processor block.
type CPUInfo struct {
	CPUModel string `json:"cpu_model,omitempty"`
	CPUCores int    `json:"cpu_cores,omitempty"`
}

// MetricsPayload is one heartbeat's telemetry sample.
type MetricsPayload struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	MemoryTotalMB  float64 `json:"memory_total_mb"`
	MemoryUsedMB   float64 `json:"memory_used_mb"`
	DiskPercent    float64 `json:"disk_percent"`
	DiskTotalGB    float64 `json:"disk_total_gb"`
	DiskUsedGB     float64 `json:"disk_used_gb"`
	NetworkRxBytes int64   `json:"network_rx_bytes"`
	NetworkTxBytes int64   `json:"network_tx_bytes"`
	Load1m         float64 `json:"load_1m"`
	Load5m         float64 `json:"load_5m"`
	Load15m        float64 `json:"load_15m"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
}

// ServicePayload is one observed service status in a heartbeat.
type ServicePayload struct {
	Name         string  `json:"name"`
	Status       string  `json:"status"`
	StatusReason string  `json:"status_reason,omitempty"`
	PID          int     `json:"pid,omitempty"`
	MemoryMB     float64 `json:"memory_mb,omitempty"`
	CPUPercent   float64 `json:"cpu_percent,omitempty"`
}

// PackagePayload is one pending package upgrade in a heartbeat.
type PackagePayload struct {
	Name           string `json:"name"`
	CurrentVersion string `json:"current_version"`
	NewVersion     string `json:"new_version"`
	Repository     string `json:"repository,omitempty"`
	IsSecurity     bool   `json:"is_security"`
}

// CommandResult is an agent-reported outcome of a dispatched command.
type CommandResult struct {
	ActionID    int64     `json:"action_id"`
	ExitCode    int       `json:"exit_code"`
	Stdout      string    `json:"stdout,omitempty"`
	Stderr      string    `json:"stderr,omitempty"`
	ExecutedAt  time.Time `json:"executed_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// HeartbeatRequest is the agent's periodic report.
type HeartbeatRequest struct {
	ServerGUID       string           `json:"server_guid,omitempty"`
	ServerID         string           `json:"server_id"`
	Hostname         string           `json:"hostname"`
	Timestamp        time.Time        `json:"timestamp"`
	AgentVersion     string           `json:"agent_version,omitempty"`
	AgentMode        string           `json:"agent_mode,omitempty"`
	OSInfo           *OSInfo          `json:"os_info,omitempty"`
	CPUInfo          *CPUInfo         `json:"cpu_info,omitempty"`
	Metrics          *MetricsPayload  `json:"metrics,omitempty"`
	UpdatesAvailable *int             `json:"updates_available,omitempty"`
	SecurityUpdates  *int             `json:"security_updates,omitempty"`
	Services         []ServicePayload `json:"services,omitempty"`
	Packages         []PackagePayload `json:"packages,omitempty"`
	CommandResults   []CommandResult  `json:"command_results,omitempty"`
}

// PendingCommand is one command delivered to the agent.
type PendingCommand struct {
	ActionID       int64             `json:"action_id"`
	ActionType     string            `json:"action_type"`
	Command        string            `json:"command"`
	Parameters     map[string]string `json:"parameters"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Status              string           `json:"status"`
	ServerRegistered    bool             `json:"server_registered"`
	PendingCommands     []PendingCommand `json:"pending_commands"`
	ResultsAcknowledged []int64          `json:"results_acknowledged"`
}

// Server is the wire form of a fleet member.
type Server struct {
	ID                    string    `json:"id"`
	GUID                  string    `json:"guid,omitempty"`
	Hostname              string    `json:"hostname"`
	DisplayName           string    `json:"display_name,omitempty"`
	IPAddress             string    `json:"ip_address,omitempty"`
	TailscaleHostname     string    `json:"tailscale_hostname,omitempty"`
	Status                string    `json:"status"`
	LastSeen              time.Time `json:"last_seen,omitempty"`
	IsInactive            bool      `json:"is_inactive"`
	MachineType           string    `json:"machine_type,omitempty"`
	MachineCategory       string    `json:"machine_category,omitempty"`
	MachineCategorySource string    `json:"machine_category_source,omitempty"`
	IdleWatts             float64   `json:"idle_watts,omitempty"`
	TDPWatts              float64   `json:"tdp_watts,omitempty"`
	CPUModel              string    `json:"cpu_model,omitempty"`
	CPUCores              int       `json:"cpu_cores,omitempty"`
	Architecture          string    `json:"architecture,omitempty"`
	OSDistribution        string    `json:"os_distribution,omitempty"`
	OSVersion             string    `json:"os_version,omitempty"`
	OSKernel              string    `json:"os_kernel,omitempty"`
	AgentVersion          string    `json:"agent_version,omitempty"`
	AgentMode             string    `json:"agent_mode,omitempty"`
	IsPaused              bool      `json:"is_paused"`
	SSHUsername           string    `json:"ssh_username,omitempty"`
	SudoMode              string    `json:"sudo_mode,omitempty"`
	ConfigUser            string    `json:"config_user,omitempty"`
	AssignedPacks         []string  `json:"assigned_packs"`
	DriftDetectionEnabled bool      `json:"drift_detection_enabled"`
	UpdatesAvailable      int       `json:"updates_available"`
	SecurityUpdates       int       `json:"security_updates"`
	CreatedAt             time.Time `json:"created_at,omitempty"`
	UpdatedAt             time.Time `json:"updated_at,omitempty"`
}

// ServerList wraps the fleet listing.
type ServerList struct {
	Servers []Server `json:"servers"`
	Total   int      `json:"total"`
}

// CreateServerRequest registers a machine by hand.
type CreateServerRequest struct {
	ID                string   `json:"id"`
	Hostname          string   `json:"hostname"`
	DisplayName       string   `json:"display_name,omitempty"`
	IPAddress         string   `json:"ip_address,omitempty"`
	TailscaleHostname string   `json:"tailscale_hostname,omitempty"`
	MachineType       string   `json:"machine_type,omitempty"`
	SSHUsername       string   `json:"ssh_username,omitempty"`
	ConfigUser        string   `json:"config_user,omitempty"`
	AssignedPacks     []string `json:"assigned_packs,omitempty"`
}

// UpdateServerRequest patches operator-editable fields. Nil members
// are left unchanged.
type UpdateServerRequest struct {
	DisplayName           *string   `json:"display_name,omitempty"`
	IPAddress             *string   `json:"ip_address,omitempty"`
	TailscaleHostname     *string   `json:"tailscale_hostname,omitempty"`
	MachineType           *string   `json:"machine_type,omitempty"`
	MachineCategory       *string   `json:"machine_category,omitempty"`
	IdleWatts             *float64  `json:"idle_watts,omitempty"`
	TDPWatts              *float64  `json:"tdp_watts,omitempty"`
	SSHUsername           *string   `json:"ssh_username,omitempty"`
	SudoMode              *string   `json:"sudo_mode,omitempty"`
	ConfigUser            *string   `json:"config_user,omitempty"`
	AssignedPacks         *[]string `json:"assigned_packs,omitempty"`
	DriftDetectionEnabled *bool     `json:"drift_detection_enabled,omitempty"`
	IsPaused              *bool     `json:"is_paused,omitempty"`
	IsInactive            *bool     `json:"is_inactive,omitempty"`
}

// RegistrationTokenRequest mints a registration token.
type RegistrationTokenRequest struct {
	Mode              string   `json:"mode"`
	DisplayName       string   `json:"display_name,omitempty"`
	MonitoredServices []string `json:"monitored_services,omitempty"`
	ExpiryMinutes     int      `json:"expiry_minutes,omitempty"`
}

// RegistrationTokenResponse returns the token exactly once.
type RegistrationTokenResponse struct {
	ID             int64     `json:"id"`
	Token          string    `json:"token"`
	TokenPrefix    string    `json:"token_prefix"`
	Mode           string    `json:"mode"`
	DisplayName    string    `json:"display_name,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
	InstallCommand string    `json:"install_command"`
}

// RegistrationTokenInfo is one pending token in a listing; the
// plaintext is long gone.
type RegistrationTokenInfo struct {
	ID          int64     `json:"id"`
	TokenPrefix string    `json:"token_prefix"`
	Mode        string    `json:"mode"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// RegistrationTokenList wraps a pending token listing.
type RegistrationTokenList struct {
	Tokens []RegistrationTokenInfo `json:"tokens"`
	Total  int                     `json:"total"`
}

// CredentialInfo is agent credential metadata; hash and plaintext are
// never included.
type CredentialInfo struct {
	ServerGUID     string    `json:"server_guid"`
	APITokenPrefix string    `json:"api_token_prefix"`
	CreatedAt      time.Time `json:"created_at"`
	LastUsedAt     time.Time `json:"last_used_at,omitempty"`
	Revoked        bool      `json:"revoked"`
}

// ClaimRequest exchanges a registration token for agent credentials.
type ClaimRequest struct {
	Token     string `json:"token"`
	ServerID  string `json:"server_id"`
	Hostname  string `json:"hostname"`
	AgentMode string `json:"agent_mode,omitempty"`
}

// ClaimResponse carries the minted credential and rendered agent
// config. The token appears here once and is never retrievable again.
type ClaimResponse struct {
	Success    bool   `json:"success"`
	ServerID   string `json:"server_id"`
	ServerGUID string `json:"server_guid"`
	APIToken   string `json:"api_token"`
	ConfigYAML string `json:"config_yaml"`
}

// RotateResponse returns a replacement agent credential.
type RotateResponse struct {
	ServerID   string `json:"server_id"`
	ServerGUID string `json:"server_guid"`
	APIToken   string `json:"api_token"`
}

// ExecuteRequest runs a whitelisted command synchronously.
type ExecuteRequest struct {
	Command        string `json:"command"`
	ActionType     string `json:"action_type"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// ExecuteResponse is the synchronous command outcome.
type ExecuteResponse struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
	Hostname   string `json:"hostname"`
}

// ActionRequest creates an agent-pulled remediation action.
type ActionRequest struct {
	ActionType  string            `json:"action_type"`
	ServiceName string            `json:"service_name,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// Action is the wire form of a remediation action.
type Action struct {
	ID          int64     `json:"id"`
	ServerID    string    `json:"server_id"`
	ActionType  string    `json:"action_type"`
	Command     string    `json:"command"`
	ServiceName string    `json:"service_name,omitempty"`
	Status      string    `json:"status"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Stdout      string    `json:"stdout,omitempty"`
	Stderr      string    `json:"stderr,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ApprovedAt  time.Time `json:"approved_at,omitempty"`
	ApprovedBy  string    `json:"approved_by,omitempty"`
	ExecutedAt  time.Time `json:"executed_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Alert is the wire form of an alert.
type Alert struct {
	ID             int64     `json:"id"`
	ServerID       string    `json:"server_id"`
	Type           string    `json:"alert_type"`
	Severity       string    `json:"severity"`
	Status         string    `json:"status"`
	Title          string    `json:"title"`
	Message        string    `json:"message,omitempty"`
	ThresholdValue float64   `json:"threshold_value,omitempty"`
	ActualValue    float64   `json:"actual_value,omitempty"`
	AutoResolved   bool      `json:"auto_resolved"`
	CreatedAt      time.Time `json:"created_at"`
	AcknowledgedAt time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     time.Time `json:"resolved_at,omitempty"`
}

// AlertList wraps an alert listing.
type AlertList struct {
	Alerts []Alert `json:"alerts"`
	Total  int     `json:"total"`
}

// MetricPoint is one timestamped sample or aggregate in a range
// response.
type MetricPoint struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	CPUMin        float64   `json:"cpu_min,omitempty"`
	CPUMax        float64   `json:"cpu_max,omitempty"`
	MemoryMin     float64   `json:"memory_min,omitempty"`
	MemoryMax     float64   `json:"memory_max,omitempty"`
	DiskMin       float64   `json:"disk_min,omitempty"`
	DiskMax       float64   `json:"disk_max,omitempty"`
	LoadAvg       float64   `json:"load_avg,omitempty"`
	SampleCount   int       `json:"sample_count,omitempty"`
}

// MetricsResponse is a metric range query result.
type MetricsResponse struct {
	ServerID string        `json:"server_id"`
	Range    string        `json:"range"`
	Tier     string        `json:"tier"`
	Points   []MetricPoint `json:"points"`
}

// ExpectedServiceRequest registers a watched service.
type ExpectedServiceRequest struct {
	ServiceName string `json:"service_name"`
	DisplayName string `json:"display_name,omitempty"`
	IsCritical  bool   `json:"is_critical"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// ServiceStatus is the wire form of a service observation joined with
// its registry entry.
type ServiceStatus struct {
	ServiceName  string    `json:"service_name"`
	DisplayName  string    `json:"display_name,omitempty"`
	IsCritical   bool      `json:"is_critical"`
	Enabled      bool      `json:"enabled"`
	Status       string    `json:"status,omitempty"`
	StatusReason string    `json:"status_reason,omitempty"`
	PID          int       `json:"pid,omitempty"`
	MemoryMB     float64   `json:"memory_mb,omitempty"`
	CPUPercent   float64   `json:"cpu_percent,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
}

// Mismatch is one compliance difference on the wire.
type Mismatch struct {
	Category string `json:"category"`
	Item     string `json:"item"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Diff     string `json:"diff,omitempty"`
}

// ComplianceCheck is the wire form of one check result.
type ComplianceCheck struct {
	ID              int64      `json:"id"`
	ServerID        string     `json:"server_id"`
	PackName        string     `json:"pack_name"`
	CheckedAt       time.Time  `json:"checked_at"`
	IsCompliant     bool       `json:"is_compliant"`
	Mismatches      []Mismatch `json:"mismatches"`
	CheckDurationMS int64      `json:"check_duration_ms"`
}

// ComplianceSummary is the fleet-wide rollup.
type ComplianceSummary struct {
	Summary  ComplianceCounts    `json:"summary"`
	Machines []ComplianceMachine `json:"machines"`
}

// ComplianceCounts buckets the fleet by compliance state.
type ComplianceCounts struct {
	Compliant    int `json:"compliant"`
	NonCompliant int `json:"non_compliant"`
	NeverChecked int `json:"never_checked"`
	Total        int `json:"total"`
}

// ComplianceMachine is one machine's line in the summary.
type ComplianceMachine struct {
	ServerID    string            `json:"server_id"`
	DisplayName string            `json:"display_name,omitempty"`
	Packs       []ComplianceState `json:"packs"`
}

// ComplianceState is one (pack, machine) compliance cell.
type ComplianceState struct {
	PackName    string    `json:"pack_name"`
	IsCompliant bool      `json:"is_compliant"`
	Mismatches  int       `json:"mismatches"`
	CheckedAt   time.Time `json:"checked_at"`
}

// ApplyRequest triggers or previews a pack apply.
type ApplyRequest struct {
	PackName string `json:"pack_name"`
	DryRun   bool   `json:"dry_run,omitempty"`
}

// RemoveRequest previews or executes a pack removal.
type RemoveRequest struct {
	PackName string `json:"pack_name"`
	Confirm  bool   `json:"confirm,omitempty"`
}

// ApplyInitiated acknowledges a background apply.
type ApplyInitiated struct {
	ApplyID  int64  `json:"apply_id"`
	ServerID string `json:"server_id"`
	PackName string `json:"pack_name"`
	Status   string `json:"status"`
}

// ApplyStatus reports apply progress.
type ApplyStatus struct {
	ID             int64        `json:"id"`
	ServerID       string       `json:"server_id"`
	PackName       string       `json:"pack_name"`
	Operation      string       `json:"operation"`
	Status         string       `json:"status"`
	Progress       int          `json:"progress"`
	CurrentItem    string       `json:"current_item,omitempty"`
	ItemsTotal     int          `json:"items_total"`
	ItemsCompleted int          `json:"items_completed"`
	ItemsFailed    int          `json:"items_failed"`
	Results        []ItemResult `json:"results"`
	Error          string       `json:"error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	StartedAt      time.Time    `json:"started_at,omitempty"`
	CompletedAt    time.Time    `json:"completed_at,omitempty"`
}

// ItemResult is one per-item apply outcome on the wire.
type ItemResult struct {
	Category string `json:"category"`
	Item     string `json:"item"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// Pack is the wire form of a config pack.
type Pack struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Extends     string `json:"extends,omitempty"`
	Files       int    `json:"files"`
	Packages    int    `json:"packages"`
	Settings    int    `json:"settings"`
	TotalItems  int    `json:"total_items"`
}

// VaultEntry describes a stored credential without its value.
type VaultEntry struct {
	CredentialType string    `json:"credential_type"`
	Scope          string    `json:"scope"`
	Configured     bool      `json:"configured"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// VaultPutRequest stores a credential value.
type VaultPutRequest struct {
	CredentialType string `json:"credential_type"`
	Value          string `json:"value"`
}

// TestWebhookRequest overrides the configured URL for a test post.
type TestWebhookRequest struct {
	WebhookURL string `json:"webhook_url,omitempty"`
}

// PackageUpdate is one pending upgrade on the wire.
type PackageUpdate struct {
	Name           string `json:"name"`
	CurrentVersion string `json:"current_version"`
	NewVersion     string `json:"new_version"`
	Repository     string `json:"repository,omitempty"`
	IsSecurity     bool   `json:"is_security"`
}

// Health is the liveness response.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
