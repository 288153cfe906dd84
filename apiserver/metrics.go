// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/DarrenBenson/homelabcmd/apiserver/params"
	"github.com/DarrenBenson/homelabcmd/state"
)

// thinStep is the sample spacing applied to raw reads over the 7d
// range; finer resolution is pointless at that zoom.
const thinStep = 30 * time.Minute

// metricsWindow maps the user-facing range names onto a lookback
// window and the telemetry tier that serves it.
var metricsWindow = map[string]struct {
	lookback time.Duration
	tier     string
}{
	"24h": {24 * time.Hour, "raw"},
	"7d":  {7 * 24 * time.Hour, "raw"},
	"30d": {30 * 24 * time.Hour, "hourly"},
	"12m": {365 * 24 * time.Hour, "daily"},
}

// metricPoints reads the tiered points for one server and range.
func (s *Server) metricPoints(ctx context.Context, serverID, rangeName string) ([]params.MetricPoint, string, error) {
	window, ok := metricsWindow[rangeName]
	if !ok {
		return nil, "", errors.NotValidf("metrics range %q", rangeName)
	}
	now := s.clock.Now().UTC()
	from := now.Add(-window.lookback)

	points := []params.MetricPoint{}
	err := s.st.Txn(ctx, func(ctx context.Context, tx *state.Tx) error {
		if _, err := tx.Server(ctx, serverID); err != nil {
			return errors.Trace(err)
		}
		switch window.tier {
		case "raw":
			samples, err := tx.MetricsRange(ctx, serverID, from, now)
			if err != nil {
				return errors.Trace(err)
			}
			var lastKept time.Time
			for _, m := range samples {
				if rangeName == "7d" && !lastKept.IsZero() && m.Timestamp.Sub(lastKept) < thinStep {
					continue
				}
				lastKept = m.Timestamp
				points = append(points, params.MetricPoint{
					Timestamp:     m.Timestamp,
					CPUPercent:    m.CPUPercent,
					MemoryPercent: m.MemoryPercent,
					DiskPercent:   m.DiskPercent,
					LoadAvg:       m.Load1m,
				})
			}
		default:
			aggregates, err := tx.AggregateRange(ctx, "metrics_"+window.tier, serverID, from, now)
			if err != nil {
				return errors.Trace(err)
			}
			for _, a := range aggregates {
				points = append(points, params.MetricPoint{
					Timestamp:     a.Timestamp,
					CPUPercent:    a.CPUAvg,
					MemoryPercent: a.MemoryAvg,
					DiskPercent:   a.DiskAvg,
					CPUMin:        a.CPUMin,
					CPUMax:        a.CPUMax,
					MemoryMin:     a.MemoryMin,
					MemoryMax:     a.MemoryMax,
					DiskMin:       a.DiskMin,
					DiskMax:       a.DiskMax,
					LoadAvg:       a.LoadAvg,
					SampleCount:   a.SampleCount,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", errors.Trace(err)
	}
	return points, window.tier, nil
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	serverID := mux.Vars(r)["id"]
	rangeName := r.URL.Query().Get("range")
	if rangeName == "" {
		rangeName = "24h"
	}
	points, tier, err := s.metricPoints(r.Context(), serverID, rangeName)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, params.MetricsResponse{
		ServerID: serverID,
		Range:    rangeName,
		Tier:     tier,
		Points:   points,
	})
}

func (s *Server) handleMetricsExport(w http.ResponseWriter, r *http.Request) {
	serverID := mux.Vars(r)["id"]
	rangeName := r.URL.Query().Get("range")
	if rangeName == "" {
		rangeName = "24h"
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		sendError(w, errors.NotValidf("export format %q", format))
		return
	}

	points, tier, err := s.metricPoints(r.Context(), serverID, rangeName)
	if err != nil {
		sendError(w, err)
		return
	}
	filename := fmt.Sprintf("%s-metrics-%s.%s", serverID, rangeName, format)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	if format == "json" {
		sendJSON(w, http.StatusOK, params.MetricsResponse{
			ServerID: serverID,
			Range:    rangeName,
			Tier:     tier,
			Points:   points,
		})
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	cw := csv.NewWriter(w)
	record := []string{"timestamp", "cpu_percent", "memory_percent", "disk_percent", "load_avg", "sample_count"}
	if err := cw.Write(record); err != nil {
		logger.Errorf("writing metrics export: %v", err)
		return
	}
	for _, p := range points {
		record = []string{
			p.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatFloat(p.CPUPercent, 'f', 2, 64),
			strconv.FormatFloat(p.MemoryPercent, 'f', 2, 64),
			strconv.FormatFloat(p.DiskPercent, 'f', 2, 64),
			strconv.FormatFloat(p.LoadAvg, 'f', 2, 64),
			strconv.Itoa(p.SampleCount),
		}
		if err := cw.Write(record); err != nil {
			logger.Errorf("writing metrics export: %v", err)
			return
		}
	}
	cw.Flush()
}
