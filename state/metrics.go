// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"time"

	"github.com/juju/errors"

	"github.com/DarrenBenson/homelabcmd/core/telemetry"
)

// InsertMetrics persists one raw telemetry sample.
func (t *Tx) InsertMetrics(ctx context.Context, m telemetry.Sample) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO metrics (server_id, timestamp, cpu_percent, memory_percent, memory_total_mb, memory_used_mb,
                     disk_percent, disk_total_gb, disk_used_gb, network_rx_bytes, network_tx_bytes,
                     load_1m, load_5m, load_15m, uptime_seconds)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ServerID, m.Timestamp, m.CPUPercent, m.MemoryPercent, m.MemoryTotalMB, m.MemoryUsedMB,
		m.DiskPercent, m.DiskTotalGB, m.DiskUsedGB, m.NetworkRxBytes, m.NetworkTxBytes,
		m.Load1m, m.Load5m, m.Load15m, m.UptimeSeconds)
	return errors.Trace(err)
}

// MetricsRange returns raw samples for the server between from and to.
func (t *Tx) MetricsRange(ctx context.Context, serverID string, from, to time.Time) ([]telemetry.Sample, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT server_id, timestamp, cpu_percent, memory_percent, memory_total_mb, memory_used_mb,
       disk_percent, disk_total_gb, disk_used_gb, network_rx_bytes, network_tx_bytes,
       load_1m, load_5m, load_15m, uptime_seconds
FROM metrics WHERE server_id = ? AND timestamp >= ? AND timestamp <= ?
ORDER BY timestamp`, serverID, from, to)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var result []telemetry.Sample
	for rows.Next() {
		var m telemetry.Sample
		if err := rows.Scan(&m.ServerID, &m.Timestamp, &m.CPUPercent, &m.MemoryPercent,
			&m.MemoryTotalMB, &m.MemoryUsedMB, &m.DiskPercent, &m.DiskTotalGB, &m.DiskUsedGB,
			&m.NetworkRxBytes, &m.NetworkTxBytes, &m.Load1m, &m.Load5m, &m.Load15m,
			&m.UptimeSeconds); err != nil {
			return nil, errors.Trace(err)
		}
		result = append(result, m)
	}
	return result, errors.Trace(rows.Err())
}

// AggregateRange reads hourly or daily rollup rows. tier must be
// "metrics_hourly" or "metrics_daily".
func (t *Tx) AggregateRange(ctx context.Context, tier, serverID string, from, to time.Time) ([]telemetry.Aggregate, error) {
	if tier != "metrics_hourly" && tier != "metrics_daily" {
		return nil, errors.NotValidf("aggregate tier %q", tier)
	}
	rows, err := t.tx.QueryContext(ctx, `
SELECT server_id, timestamp, cpu_avg, cpu_min, cpu_max, memory_avg, memory_min, memory_max,
       disk_avg, disk_min, disk_max, load_avg, sample_count
FROM `+tier+` WHERE server_id = ? AND timestamp >= ? AND timestamp <= ?
ORDER BY timestamp`, serverID, from, to)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var result []telemetry.Aggregate
	for rows.Next() {
		var a telemetry.Aggregate
		if err := rows.Scan(&a.ServerID, &a.Timestamp, &a.CPUAvg, &a.CPUMin, &a.CPUMax,
			&a.MemoryAvg, &a.MemoryMin, &a.MemoryMax, &a.DiskAvg, &a.DiskMin, &a.DiskMax,
			&a.LoadAvg, &a.SampleCount); err != nil {
			return nil, errors.Trace(err)
		}
		result = append(result, a)
	}
	return result, errors.Trace(rows.Err())
}

// RollupHourly buckets raw metrics by hour into metrics_hourly for
// samples in [from, to). The upsert keys on (server_id, timestamp)
// so re-running over the same window is idempotent.
func (t *Tx) RollupHourly(ctx context.Context, from, to time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO metrics_hourly (server_id, timestamp, cpu_avg, cpu_min, cpu_max,
                            memory_avg, memory_min, memory_max, disk_avg, disk_min, disk_max,
                            load_avg, sample_count)
SELECT server_id,
       datetime(strftime('%Y-%m-%d %H:00:00', timestamp)),
       AVG(cpu_percent), MIN(cpu_percent), MAX(cpu_percent),
       AVG(memory_percent), MIN(memory_percent), MAX(memory_percent),
       AVG(disk_percent), MIN(disk_percent), MAX(disk_percent),
       AVG(load_1m), COUNT(*)
FROM metrics
WHERE timestamp >= ? AND timestamp < ?
GROUP BY server_id, strftime('%Y-%m-%d %H', timestamp)
ON CONFLICT(server_id, timestamp) DO UPDATE SET
    cpu_avg = excluded.cpu_avg, cpu_min = excluded.cpu_min, cpu_max = excluded.cpu_max,
    memory_avg = excluded.memory_avg, memory_min = excluded.memory_min, memory_max = excluded.memory_max,
    disk_avg = excluded.disk_avg, disk_min = excluded.disk_min, disk_max = excluded.disk_max,
    load_avg = excluded.load_avg, sample_count = excluded.sample_count`, from, to)
	return errors.Trace(err)
}

// RollupDaily buckets hourly rollups by day into metrics_daily.
// Min/max carry through from the hourly extremes; the average is
// weighted by sample count.
func (t *Tx) RollupDaily(ctx context.Context, from, to time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO metrics_daily (server_id, timestamp, cpu_avg, cpu_min, cpu_max,
                           memory_avg, memory_min, memory_max, disk_avg, disk_min, disk_max,
                           load_avg, sample_count)
SELECT server_id,
       datetime(strftime('%Y-%m-%d 00:00:00', timestamp)),
       SUM(cpu_avg * sample_count) / SUM(sample_count), MIN(cpu_min), MAX(cpu_max),
       SUM(memory_avg * sample_count) / SUM(sample_count), MIN(memory_min), MAX(memory_max),
       SUM(disk_avg * sample_count) / SUM(sample_count), MIN(disk_min), MAX(disk_max),
       SUM(load_avg * sample_count) / SUM(sample_count), SUM(sample_count)
FROM metrics_hourly
WHERE timestamp >= ? AND timestamp < ?
GROUP BY server_id, strftime('%Y-%m-%d', timestamp)
ON CONFLICT(server_id, timestamp) DO UPDATE SET
    cpu_avg = excluded.cpu_avg, cpu_min = excluded.cpu_min, cpu_max = excluded.cpu_max,
    memory_avg = excluded.memory_avg, memory_min = excluded.memory_min, memory_max = excluded.memory_max,
    disk_avg = excluded.disk_avg, disk_min = excluded.disk_min, disk_max = excluded.disk_max,
    load_avg = excluded.load_avg, sample_count = excluded.sample_count`, from, to)
	return errors.Trace(err)
}

// PruneTier deletes up to limit rows older than cutoff from the given
// telemetry tier, returning the number removed. Callers loop until
// zero so each chunk commits separately.
func (t *Tx) PruneTier(ctx context.Context, tier string, cutoff time.Time, limit int) (int64, error) {
	switch tier {
	case "metrics", "metrics_hourly", "metrics_daily", "service_status":
	default:
		return 0, errors.NotValidf("prune tier %q", tier)
	}
	res, err := t.tx.ExecContext(ctx, `
DELETE FROM `+tier+` WHERE rowid IN (
    SELECT rowid FROM `+tier+` WHERE timestamp < ? LIMIT ?)`, cutoff, limit)
	if err != nil {
		return 0, errors.Trace(err)
	}
	n, err := res.RowsAffected()
	return n, errors.Trace(err)
}
