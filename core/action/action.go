// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package action holds the remediation action lifecycle shared by the
// heartbeat pipeline, the remediation service and the API surface.
package action

import (
	"time"

	"github.com/juju/errors"
)

// Status is the lifecycle state of a remediation action. Valid
// transitions form a DAG:
//
//	pending -> approved -> executing -> completed | failed
//	pending -> cancelled
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var validTransitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusCancelled},
	StatusApproved:  {StatusExecuting},
	StatusExecuting: {StatusCompleted, StatusFailed},
}

// ValidateTransition returns an error unless from -> to is a legal
// lifecycle transition.
func ValidateTransition(from, to Status) error {
	for _, next := range validTransitions[from] {
		if next == to {
			return nil
		}
	}
	return errors.NotValidf("action transition %q -> %q", from, to)
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// OutputLimit caps persisted stdout/stderr from command results.
const OutputLimit = 10_000

// BackgroundSentinel in a command result's stdout marks a command
// that detached into the background on the host: the result is
// acknowledged but the action remains executing until the real
// completion is reported.
const BackgroundSentinel = "Started background execution"

// TruncateOutput clips captured output at OutputLimit bytes.
func TruncateOutput(s string) string {
	if len(s) > OutputLimit {
		return s[:OutputLimit]
	}
	return s
}

// Action is one remediation command's lifecycle record.
type Action struct {
	ID          int64
	ServerID    string
	ActionType  string
	Command     string
	ServiceName string
	Status      Status
	ExitCode    *int
	Stdout      string
	Stderr      string
	CreatedAt   time.Time
	ApprovedAt  time.Time
	ApprovedBy  string
	ExecutedAt  time.Time
	CompletedAt time.Time
}

// PendingCommand is the wire form of an action delivered to an agent
// in a heartbeat response.
type PendingCommand struct {
	ActionID       int64             `json:"action_id"`
	ActionType     string            `json:"action_type"`
	Command        string            `json:"command"`
	Parameters     map[string]string `json:"parameters"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

// Result is an agent-reported command outcome carried in a heartbeat.
type Result struct {
	ActionID    int64
	ExitCode    int
	Stdout      string
	Stderr      string
	ExecutedAt  time.Time
	CompletedAt time.Time
}
