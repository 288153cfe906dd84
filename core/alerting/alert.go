// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
)

// Type discriminates what an alert is about. The cpu, memory and
// disk types carry threshold/actual values; offline and service
// alerts do not.
type Type string

const (
	TypeCPU     Type = "cpu"
	TypeMemory  Type = "memory"
	TypeDisk    Type = "disk"
	TypeOffline Type = "offline"
	TypeService Type = "service"
)

// Severity orders alerts for display and notification routing.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Status is the alert lifecycle state. A resolved alert can never
// move back to acknowledged.
type Status string

const (
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// ErrServiceStillDown is returned when an operator tries to
// acknowledge a service alert while the service is still reported
// stopped or failed.
const ErrServiceStillDown = errors.ConstError("service is still down")

// Alert is an open, acknowledged or resolved issue against a server.
// At most one alert per (server, type, metric key) may be open.
type Alert struct {
	ID             int64
	ServerID       string
	Type           Type
	Severity       Severity
	Status         Status
	Title          string
	Message        string
	ThresholdValue float64
	ActualValue    float64
	AutoResolved   bool
	CreatedAt      time.Time
	AcknowledgedAt time.Time
	ResolvedAt     time.Time
}

// ServiceAlertTitle is the canonical title of a service alert; the
// service name is recovered from it when matching alerts against the
// expected-services registry.
func ServiceAlertTitle(service, status string) string {
	return fmt.Sprintf("Service %s is %s", service, status)
}

// ServiceFromTitle recovers the service name from a canonical service
// alert title, returning false when the title does not match.
func ServiceFromTitle(title string) (string, bool) {
	rest, ok := strings.CutPrefix(title, "Service ")
	if !ok {
		return "", false
	}
	i := strings.LastIndex(rest, " is ")
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}

// BreachLevel is the sustained-breach state held per (server, metric).
type BreachLevel string

const (
	BreachClear    BreachLevel = "clear"
	BreachHigh     BreachLevel = "high"
	BreachCritical BreachLevel = "critical"
)

// State carries the evaluator's counters for one (server, metric)
// pair across heartbeats.
type State struct {
	ServerID         string
	Metric           Type
	BreachCount      int
	BreachLevel      BreachLevel
	FirstBreachAt    time.Time
	OpenAlertID      int64
	LastNotifiedAt   time.Time
	ServiceDownSince time.Time
}

// MetricThreshold configures sustained-breach evaluation for one
// metric. A breach is sustained once SustainedHeartbeats consecutive
// samples are over the threshold, or once SustainedSeconds have
// elapsed since the first breaching sample.
type MetricThreshold struct {
	HighPercent         float64 `json:"high_percent" yaml:"high_percent"`
	CriticalPercent     float64 `json:"critical_percent" yaml:"critical_percent"`
	SustainedHeartbeats int     `json:"sustained_heartbeats" yaml:"sustained_heartbeats"`
	SustainedSeconds    int     `json:"sustained_seconds" yaml:"sustained_seconds"`
}

// Thresholds is the per-metric threshold configuration.
type Thresholds struct {
	CPU    MetricThreshold `json:"cpu" yaml:"cpu"`
	Memory MetricThreshold `json:"memory" yaml:"memory"`
	Disk   MetricThreshold `json:"disk" yaml:"disk"`
}

// DefaultThresholds are applied until the operator overrides them.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPU:    MetricThreshold{HighPercent: 85, CriticalPercent: 95, SustainedHeartbeats: 3, SustainedSeconds: 180},
		Memory: MetricThreshold{HighPercent: 85, CriticalPercent: 95, SustainedHeartbeats: 3, SustainedSeconds: 180},
		Disk:   MetricThreshold{HighPercent: 85, CriticalPercent: 95, SustainedHeartbeats: 1, SustainedSeconds: 0},
	}
}

// Metric returns the threshold block for a metric alert type.
func (t Thresholds) Metric(metric Type) (MetricThreshold, bool) {
	switch metric {
	case TypeCPU:
		return t.CPU, true
	case TypeMemory:
		return t.Memory, true
	case TypeDisk:
		return t.Disk, true
	}
	return MetricThreshold{}, false
}

// Notifications configures outbound webhook delivery and cooldowns.
type Notifications struct {
	WebhookURL       string `json:"webhook_url" yaml:"webhook_url"`
	NotifyOnCritical bool   `json:"notify_on_critical" yaml:"notify_on_critical"`
	NotifyOnHigh     bool   `json:"notify_on_high" yaml:"notify_on_high"`
	NotifyOnMedium   bool   `json:"notify_on_medium" yaml:"notify_on_medium"`
	NotifyOnLow      bool   `json:"notify_on_low" yaml:"notify_on_low"`
	NotifyOnResolved bool   `json:"notify_on_resolved" yaml:"notify_on_resolved"`
	NotifyOnActions  bool   `json:"notify_on_actions" yaml:"notify_on_actions"`
	CriticalMinutes  int    `json:"cooldown_critical_minutes" yaml:"cooldown_critical_minutes"`
	HighMinutes      int    `json:"cooldown_high_minutes" yaml:"cooldown_high_minutes"`
}

// DefaultNotifications returns the notification defaults: everything
// important on, webhook unset.
func DefaultNotifications() Notifications {
	return Notifications{
		NotifyOnCritical: true,
		NotifyOnHigh:     true,
		NotifyOnResolved: true,
		NotifyOnActions:  true,
		CriticalMinutes:  30,
		HighMinutes:      120,
	}
}

// Enabled reports whether notifications for the given severity are
// switched on.
func (n Notifications) Enabled(sev Severity) bool {
	switch sev {
	case SeverityCritical:
		return n.NotifyOnCritical
	case SeverityHigh:
		return n.NotifyOnHigh
	case SeverityMedium:
		return n.NotifyOnMedium
	case SeverityLow:
		return n.NotifyOnLow
	}
	return false
}

// Cooldown returns the minimum interval between notifications at the
// given severity. Low and medium share the high cooldown.
func (n Notifications) Cooldown(sev Severity) time.Duration {
	if sev == SeverityCritical {
		return time.Duration(n.CriticalMinutes) * time.Minute
	}
	return time.Duration(n.HighMinutes) * time.Minute
}

// EventKind discriminates the notification event variants.
type EventKind string

const (
	EventThreshold EventKind = "threshold"
	EventOffline   EventKind = "offline"
	EventService   EventKind = "service"
	EventResolved  EventKind = "resolved"
)

// Event is a notification-worthy alert transition produced by the
// evaluator or the scheduler.
type Event struct {
	Kind       EventKind
	AlertID    int64
	ServerID   string
	ServerName string
	Type       Type
	Severity   Severity
	Title      string
	Message    string
	Threshold  float64
	Actual     float64
	Service    string
	IsReminder bool
}
