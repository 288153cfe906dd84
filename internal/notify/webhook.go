// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package notify delivers alert and action notifications to a
// Slack-compatible webhook. Delivery is best effort: failures are
// logged and never propagate to the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"

	"github.com/DarrenBenson/homelabcmd/core/action"
	"github.com/DarrenBenson/homelabcmd/core/alerting"
)

var logger = loggo.GetLogger("homelabcmd.notify")

const (
	deliveryTimeout = 10 * time.Second
	deliveryRetries = 3

	// stderrExcerptLimit bounds how much command stderr a failed
	// action notification carries.
	stderrExcerptLimit = 500
)

// Attachment colours per severity; resolved notifications are green.
const (
	colourCritical = "#d62728"
	colourHigh     = "#ff7f0e"
	colourMedium   = "#e7c000"
	colourGreen    = "#2ca02c"
	colourInfo     = "#1f77b4"
)

type attachment struct {
	Color  string  `json:"color"`
	Title  string  `json:"title"`
	Text   string  `json:"text"`
	Fields []field `json:"fields,omitempty"`
	Footer string  `json:"footer,omitempty"`
	TS     int64   `json:"ts,omitempty"`
}

type field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type payload struct {
	Text        string       `json:"text,omitempty"`
	Attachments []attachment `json:"attachments"`
}

// Notifier posts webhook payloads.
type Notifier struct {
	client *http.Client
	clock  clock.Clock
}

// NewNotifier returns a Notifier. A nil client uses a default with a
// delivery timeout.
func NewNotifier(client *http.Client, clk clock.Clock) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: deliveryTimeout}
	}
	return &Notifier{client: client, clock: clk}
}

// severityColour maps alert severity to the attachment colour bar.
func severityColour(sev alerting.Severity) string {
	switch sev {
	case alerting.SeverityCritical:
		return colourCritical
	case alerting.SeverityHigh:
		return colourHigh
	case alerting.SeverityMedium:
		return colourMedium
	case alerting.SeverityLow:
		return colourGreen
	}
	return colourInfo
}

// AlertEvent delivers one alert event. Errors are swallowed after
// logging; a dead webhook must never fail a heartbeat.
func (n *Notifier) AlertEvent(ctx context.Context, url string, event alerting.Event) {
	if url == "" {
		return
	}
	colour := severityColour(event.Severity)
	if event.Kind == alerting.EventResolved {
		colour = colourGreen
	}

	att := attachment{
		Color:  colour,
		Title:  event.Title,
		Text:   event.Message,
		Footer: "homelabcmd",
		TS:     n.clock.Now().Unix(),
	}
	att.Fields = append(att.Fields, field{Title: "Server", Value: event.ServerName, Short: true})
	if event.Kind != alerting.EventResolved {
		att.Fields = append(att.Fields, field{Title: "Severity", Value: string(event.Severity), Short: true})
	}
	if event.Kind == alerting.EventThreshold {
		att.Fields = append(att.Fields, field{
			Title: "Value",
			Value: fmt.Sprintf("%.1f%% (threshold %.1f%%)", event.Actual, event.Threshold),
			Short: true,
		})
	}
	if event.IsReminder {
		att.Footer = "homelabcmd (reminder)"
	}

	if err := n.post(ctx, url, payload{Attachments: []attachment{att}}); err != nil {
		logger.Warningf("webhook delivery failed for alert %d: %v", event.AlertID, err)
	}
}

// ActionResult announces a completed or failed remediation command.
// Failed actions include the start of stderr.
func (n *Notifier) ActionResult(ctx context.Context, url, serverName string, act action.Action) {
	if url == "" {
		return
	}
	colour := colourGreen
	title := fmt.Sprintf("Command %s completed on %s", act.ActionType, serverName)
	text := act.Command
	if act.Status == action.StatusFailed {
		colour = colourCritical
		exit := -1
		if act.ExitCode != nil {
			exit = *act.ExitCode
		}
		title = fmt.Sprintf("Command %s failed on %s (exit %d)", act.ActionType, serverName, exit)
		if act.Stderr != "" {
			excerpt := act.Stderr
			if len(excerpt) > stderrExcerptLimit {
				excerpt = excerpt[:stderrExcerptLimit]
			}
			text = excerpt
		}
	}

	err := n.post(ctx, url, payload{Attachments: []attachment{{
		Color:  colour,
		Title:  title,
		Text:   text,
		Footer: "homelabcmd",
		TS:     n.clock.Now().Unix(),
	}}})
	if err != nil {
		logger.Warningf("webhook delivery failed for action %d: %v", act.ID, err)
	}
}

// Test posts a test message and reports the delivery error, if any.
// Unlike the event paths this surfaces failure so the settings UI can
// show it.
func (n *Notifier) Test(ctx context.Context, url string) error {
	if url == "" {
		return errors.NotValidf("empty webhook url")
	}
	return errors.Trace(n.post(ctx, url, payload{Attachments: []attachment{{
		Color:  colourInfo,
		Title:  "Test notification",
		Text:   "Webhook delivery from homelabcmd is working.",
		Footer: "homelabcmd",
		TS:     n.clock.Now().Unix(),
	}}}))
}

// post delivers one payload, retrying transient failures with
// doubling backoff. 4xx responses other than 408/429 are permanent.
func (n *Notifier) post(ctx context.Context, url string, p payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return errors.Trace(err)
	}
	return retry.Call(retry.CallArgs{
		Func: func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return errors.Trace(err)
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := n.client.Do(req)
			if err != nil {
				return errors.Trace(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			return errors.Errorf("webhook returned %d", resp.StatusCode)
		},
		IsFatalError: func(err error) bool {
			return isPermanentDeliveryError(err)
		},
		Attempts:    deliveryRetries,
		Delay:       time.Second,
		BackoffFunc: retry.DoubleDelay,
		Clock:       n.clock,
		Stop:        ctx.Done(),
	})
}

// isPermanentDeliveryError reports whether retrying cannot help: the
// webhook URL is gone or the receiver is rate limiting us.
func isPermanentDeliveryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "returned 404") ||
		strings.Contains(msg, "returned 410") ||
		strings.Contains(msg, "returned 429")
}
