// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"

	"github.com/juju/clock"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/DarrenBenson/homelabcmd/core/action"
	"github.com/DarrenBenson/homelabcmd/core/alerting"
	"github.com/DarrenBenson/homelabcmd/internal/notify"
)

type webhookSuite struct{}

var _ = gc.Suite(&webhookSuite{})

type captured struct {
	Attachments []struct {
		Color  string `json:"color"`
		Title  string `json:"title"`
		Text   string `json:"text"`
		Fields []struct {
			Title string `json:"title"`
			Value string `json:"value"`
		} `json:"fields"`
	} `json:"attachments"`
}

func (s *webhookSuite) TestAlertEventPostsAttachment(c *gc.C) {
	var got captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.Check(json.Unmarshal(body, &got), jc.ErrorIsNil)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := notify.NewNotifier(srv.Client(), clock.WallClock)
	n.AlertEvent(context.Background(), srv.URL, alerting.Event{
		Kind:       alerting.EventThreshold,
		AlertID:    1,
		ServerName: "nuc-01",
		Type:       alerting.TypeCPU,
		Severity:   alerting.SeverityCritical,
		Title:      "CPU usage critical",
		Message:    "cpu at 97.0% (threshold 85.0%)",
		Threshold:  85,
		Actual:     97,
	})

	c.Assert(got.Attachments, gc.HasLen, 1)
	c.Check(got.Attachments[0].Color, gc.Equals, "#d62728")
	c.Check(got.Attachments[0].Title, gc.Equals, "CPU usage critical")
	c.Check(got.Attachments[0].Fields, gc.HasLen, 3)
}

func (s *webhookSuite) TestResolvedEventIsGreen(c *gc.C) {
	var got captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := notify.NewNotifier(srv.Client(), clock.WallClock)
	n.AlertEvent(context.Background(), srv.URL, alerting.Event{
		Kind:     alerting.EventResolved,
		Severity: alerting.SeverityHigh,
		Title:    "CPU usage high resolved",
	})
	c.Assert(got.Attachments, gc.HasLen, 1)
	c.Check(got.Attachments[0].Color, gc.Equals, "#2ca02c")
}

func (s *webhookSuite) TestRetriesTransientFailures(c *gc.C) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := notify.NewNotifier(srv.Client(), clock.WallClock)
	err := n.Test(context.Background(), srv.URL)
	c.Check(err, jc.ErrorIsNil)
	c.Check(calls.Load(), gc.Equals, int32(3))
}

func (s *webhookSuite) TestNotFoundIsNotRetried(c *gc.C) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	n := notify.NewNotifier(srv.Client(), clock.WallClock)
	err := n.Test(context.Background(), srv.URL)
	c.Check(err, gc.NotNil)
	c.Check(calls.Load(), gc.Equals, int32(1))
}

func (s *webhookSuite) TestFailedActionCarriesStderrExcerpt(c *gc.C) {
	var got captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exit := 1
	n := notify.NewNotifier(srv.Client(), clock.WallClock)
	n.ActionResult(context.Background(), srv.URL, "nuc-01", action.Action{
		ID:         7,
		ActionType: "restart_service",
		Command:    "sudo systemctl restart nginx",
		Status:     action.StatusFailed,
		ExitCode:   &exit,
		Stderr:     strings.Repeat("x", 900),
	})

	c.Assert(got.Attachments, gc.HasLen, 1)
	c.Check(got.Attachments[0].Title, gc.Equals, "Command restart_service failed on nuc-01 (exit 1)")
	c.Check(len(got.Attachments[0].Text), gc.Equals, 500)
}

func (s *webhookSuite) TestEmptyURLIsSilentNoop(c *gc.C) {
	n := notify.NewNotifier(nil, clock.WallClock)
	n.AlertEvent(context.Background(), "", alerting.Event{Title: "ignored"})
	n.ActionResult(context.Background(), "", "srv", action.Action{})
}
