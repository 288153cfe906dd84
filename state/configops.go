// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/juju/errors"
)

// Mismatch is one compliance difference between a pack item and the
// observed host state.
type Mismatch struct {
	Category string `json:"category"`
	Item     string `json:"item"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Diff     string `json:"diff,omitempty"`
}

// Mismatch categories.
const (
	MismatchMissingFile      = "missing_file"
	MismatchWrongPermissions = "wrong_permissions"
	MismatchWrongContent     = "wrong_content"
	MismatchMissingPackage   = "missing_package"
	MismatchWrongVersion     = "wrong_version"
	MismatchWrongSetting     = "wrong_setting"
)

// ConfigCheck is one persisted compliance check result.
type ConfigCheck struct {
	ID              int64
	ServerID        string
	PackName        string
	CheckedAt       time.Time
	IsCompliant     bool
	Mismatches      []Mismatch
	CheckDurationMS int64
}

// InsertConfigCheck persists a compliance check result.
func (t *Tx) InsertConfigCheck(ctx context.Context, check ConfigCheck) (int64, error) {
	blob, err := json.Marshal(check.Mismatches)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if check.Mismatches == nil {
		blob = []byte("[]")
	}
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO config_checks (server_id, pack_name, checked_at, is_compliant, mismatches, check_duration_ms)
VALUES (?, ?, ?, ?, ?, ?)`,
		check.ServerID, check.PackName, check.CheckedAt, check.IsCompliant, string(blob), check.CheckDurationMS)
	if err != nil {
		return 0, errors.Trace(err)
	}
	id, err := res.LastInsertId()
	return id, errors.Trace(err)
}

func scanConfigCheck(row rowScanner) (ConfigCheck, error) {
	var (
		check ConfigCheck
		blob  string
	)
	err := row.Scan(&check.ID, &check.ServerID, &check.PackName, &check.CheckedAt,
		&check.IsCompliant, &blob, &check.CheckDurationMS)
	if err != nil {
		return ConfigCheck{}, errors.Trace(err)
	}
	if err := json.Unmarshal([]byte(blob), &check.Mismatches); err != nil {
		return ConfigCheck{}, errors.Trace(err)
	}
	return check, nil
}

// ConfigChecks lists a server's check history, newest first.
func (t *Tx) ConfigChecks(ctx context.Context, serverID string, limit int) ([]ConfigCheck, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.tx.QueryContext(ctx, `
SELECT id, server_id, pack_name, checked_at, is_compliant, mismatches, check_duration_ms
FROM config_checks WHERE server_id = ?
ORDER BY checked_at DESC, id DESC LIMIT ?`, serverID, limit)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var result []ConfigCheck
	for rows.Next() {
		check, err := scanConfigCheck(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		result = append(result, check)
	}
	return result, errors.Trace(rows.Err())
}

// LatestConfigChecks returns the most recent check per (server, pack)
// across the whole fleet, for the compliance summary.
func (t *Tx) LatestConfigChecks(ctx context.Context) ([]ConfigCheck, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT c.id, c.server_id, c.pack_name, c.checked_at, c.is_compliant, c.mismatches, c.check_duration_ms
FROM config_checks c
JOIN (SELECT server_id, pack_name, MAX(checked_at) AS latest
      FROM config_checks GROUP BY server_id, pack_name) m
  ON c.server_id = m.server_id AND c.pack_name = m.pack_name AND c.checked_at = m.latest
ORDER BY c.server_id, c.pack_name`)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var result []ConfigCheck
	for rows.Next() {
		check, err := scanConfigCheck(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		result = append(result, check)
	}
	return result, errors.Trace(rows.Err())
}

// ApplyStatus is the lifecycle of a background pack apply.
type ApplyStatus string

const (
	ApplyPending   ApplyStatus = "pending"
	ApplyRunning   ApplyStatus = "running"
	ApplyCompleted ApplyStatus = "completed"
	ApplyFailed    ApplyStatus = "failed"
)

// Terminal reports whether the apply has finished.
func (s ApplyStatus) Terminal() bool {
	return s == ApplyCompleted || s == ApplyFailed
}

// Apply operations. Removal runs through the same queue with the
// reverse per-item semantics.
const (
	OperationApply  = "apply"
	OperationRemove = "remove"
)

// ItemResult is one per-item outcome within an apply.
type ItemResult struct {
	Category string `json:"category"`
	Item     string `json:"item"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// ConfigApply is a pack application operation; the row is the single
// source of truth for the background worker's progress.
type ConfigApply struct {
	ID             int64
	ServerID       string
	PackName       string
	Operation      string
	Status         ApplyStatus
	Progress       int
	CurrentItem    string
	ItemsTotal     int
	ItemsCompleted int
	ItemsFailed    int
	Results        []ItemResult
	Error          string
	TriggeredBy    string
	CreatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
}

// InsertConfigApply creates a pending apply. At most one non-terminal
// apply may exist per server; a second request conflicts.
func (t *Tx) InsertConfigApply(ctx context.Context, a ConfigApply) (int64, error) {
	var active int
	err := t.tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM config_applies
WHERE server_id = ? AND status IN (?, ?)`,
		a.ServerID, ApplyPending, ApplyRunning).Scan(&active)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if active > 0 {
		return 0, errors.AlreadyExistsf("apply in progress for %q", a.ServerID)
	}

	operation := a.Operation
	if operation == "" {
		operation = OperationApply
	}
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO config_applies (server_id, pack_name, operation, status, items_total, triggered_by, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ServerID, a.PackName, operation, ApplyPending, a.ItemsTotal, a.TriggeredBy, a.CreatedAt)
	if err != nil {
		return 0, errors.Trace(err)
	}
	id, err := res.LastInsertId()
	return id, errors.Trace(err)
}

func scanConfigApply(row rowScanner) (ConfigApply, error) {
	var (
		a           ConfigApply
		results     string
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.ServerID, &a.PackName, &a.Operation, &a.Status, &a.Progress, &a.CurrentItem,
		&a.ItemsTotal, &a.ItemsCompleted, &a.ItemsFailed, &results, &a.Error, &a.TriggeredBy,
		&a.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return ConfigApply{}, errors.Trace(err)
	}
	a.StartedAt = fromNullTime(startedAt)
	a.CompletedAt = fromNullTime(completedAt)
	if err := json.Unmarshal([]byte(results), &a.Results); err != nil {
		return ConfigApply{}, errors.Trace(err)
	}
	return a, nil
}

const applyColumns = `
id, server_id, pack_name, operation, status, progress, current_item,
items_total, items_completed, items_failed, results, error, triggered_by,
created_at, started_at, completed_at`

// ConfigApply returns one apply row.
func (t *Tx) ConfigApply(ctx context.Context, id int64) (ConfigApply, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+applyColumns+` FROM config_applies WHERE id = ?`, id)
	a, err := scanConfigApply(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ConfigApply{}, errors.NotFoundf("apply %d", id)
	}
	return a, errors.Trace(err)
}

// PendingApplies returns applies awaiting a worker, oldest first.
func (t *Tx) PendingApplies(ctx context.Context) ([]ConfigApply, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT `+applyColumns+` FROM config_applies
WHERE status = ? ORDER BY created_at, id`, ApplyPending)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var result []ConfigApply
	for rows.Next() {
		a, err := scanConfigApply(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		result = append(result, a)
	}
	return result, errors.Trace(rows.Err())
}

// StartApply moves a pending apply to running.
func (t *Tx) StartApply(ctx context.Context, id int64, now time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE config_applies SET status = ?, started_at = ?
WHERE id = ? AND status = ?`, ApplyRunning, now, id, ApplyPending)
	if err != nil {
		return errors.Trace(err)
	}
	return checkFound(res, "pending apply %d", id)
}

// UpdateApplyProgress records per-item progress while running.
func (t *Tx) UpdateApplyProgress(ctx context.Context, id int64, a ConfigApply) error {
	results, err := json.Marshal(a.Results)
	if err != nil {
		return errors.Trace(err)
	}
	res, err := t.tx.ExecContext(ctx, `
UPDATE config_applies SET progress = ?, current_item = ?, items_completed = ?, items_failed = ?, results = ?
WHERE id = ?`,
		a.Progress, a.CurrentItem, a.ItemsCompleted, a.ItemsFailed, string(results), id)
	if err != nil {
		return errors.Trace(err)
	}
	return checkFound(res, "apply %d", id)
}

// FinishApply records the terminal state of an apply.
func (t *Tx) FinishApply(ctx context.Context, id int64, status ApplyStatus, errText string, now time.Time) error {
	if !status.Terminal() {
		return errors.NotValidf("finishing apply with status %q", status)
	}
	res, err := t.tx.ExecContext(ctx, `
UPDATE config_applies SET status = ?, error = ?, progress = 100, current_item = '', completed_at = ?
WHERE id = ?`, status, errText, now, id)
	if err != nil {
		return errors.Trace(err)
	}
	return checkFound(res, "apply %d", id)
}
