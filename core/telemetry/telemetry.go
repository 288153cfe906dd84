// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package telemetry defines the tiered metric samples and service
// observations reported by agents.
package telemetry

import "time"

// Sample is one raw telemetry row, reported per heartbeat.
type Sample struct {
	ServerID       string
	Timestamp      time.Time
	CPUPercent     float64
	MemoryPercent  float64
	MemoryTotalMB  float64
	MemoryUsedMB   float64
	DiskPercent    float64
	DiskTotalGB    float64
	DiskUsedGB     float64
	NetworkRxBytes int64
	NetworkTxBytes int64
	Load1m         float64
	Load5m         float64
	Load15m        float64
	UptimeSeconds  int64
}

// Aggregate is one hourly or daily rollup bucket. Each percent
// metric carries avg/min/max over the source rows.
type Aggregate struct {
	ServerID  string
	Timestamp time.Time

	CPUAvg, CPUMin, CPUMax          float64
	MemoryAvg, MemoryMin, MemoryMax float64
	DiskAvg, DiskMin, DiskMax       float64
	LoadAvg                         float64
	SampleCount                     int
}

// Retention windows per telemetry tier.
const (
	RawRetention    = 7 * 24 * time.Hour
	HourlyRetention = 90 * 24 * time.Hour
	DailyRetention  = 365 * 24 * time.Hour
)

// ServiceState is an observed systemd unit state.
type ServiceState string

const (
	ServiceRunning ServiceState = "running"
	ServiceStopped ServiceState = "stopped"
	ServiceFailed  ServiceState = "failed"
	ServiceUnknown ServiceState = "unknown"
)

// ServiceSample is one observed service status row.
type ServiceSample struct {
	ServerID     string
	ServiceName  string
	Timestamp    time.Time
	Status       ServiceState
	StatusReason string
	PID          int
	MemoryMB     float64
	CPUPercent   float64
}

// ExpectedService is a registry entry: a service the operator wants
// watched on a server. Critical services raise high-severity alerts.
type ExpectedService struct {
	ID          int64
	ServerID    string
	ServiceName string
	DisplayName string
	IsCritical  bool
	Enabled     bool
}

// PackageUpdate is one pending package upgrade reported by an agent.
type PackageUpdate struct {
	ServerID       string
	Name           string
	CurrentVersion string
	NewVersion     string
	Repository     string
	IsSecurity     bool
}
