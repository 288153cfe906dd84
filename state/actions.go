// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/errors"

	"github.com/DarrenBenson/homelabcmd/core/action"
)

const actionColumns = `
id, server_id, action_type, command, service_name, status, exit_code,
stdout, stderr, created_at, approved_at, approved_by, executed_at, completed_at`

func scanAction(row rowScanner) (action.Action, error) {
	var (
		a           action.Action
		exitCode    sql.NullInt64
		approvedAt  sql.NullTime
		executedAt  sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.ServerID, &a.ActionType, &a.Command, &a.ServiceName, &a.Status,
		&exitCode, &a.Stdout, &a.Stderr, &a.CreatedAt, &approvedAt, &a.ApprovedBy,
		&executedAt, &completedAt)
	if err != nil {
		return action.Action{}, errors.Trace(err)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		a.ExitCode = &code
	}
	a.ApprovedAt = fromNullTime(approvedAt)
	a.ExecutedAt = fromNullTime(executedAt)
	a.CompletedAt = fromNullTime(completedAt)
	return a, nil
}

// InsertAction records a new remediation action and returns its id.
func (t *Tx) InsertAction(ctx context.Context, a action.Action) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO remediation_actions (server_id, action_type, command, service_name, status,
                                 created_at, approved_at, approved_by)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ServerID, a.ActionType, a.Command, a.ServiceName, a.Status,
		a.CreatedAt, nullTime(a.ApprovedAt), a.ApprovedBy)
	if err != nil {
		return 0, errors.Trace(err)
	}
	id, err := res.LastInsertId()
	return id, errors.Trace(err)
}

// Action returns the action with the given id.
func (t *Tx) Action(ctx context.Context, id int64) (action.Action, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM remediation_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return action.Action{}, errors.NotFoundf("action %d", id)
	}
	return a, errors.Trace(err)
}

// ServerActions lists a server's actions, newest first.
func (t *Tx) ServerActions(ctx context.Context, serverID string) ([]action.Action, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT `+actionColumns+` FROM remediation_actions
WHERE server_id = ? ORDER BY created_at DESC, id DESC`, serverID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var result []action.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		result = append(result, a)
	}
	return result, errors.Trace(rows.Err())
}

// TransitionAction moves an action between lifecycle states,
// enforcing the status DAG.
func (t *Tx) TransitionAction(ctx context.Context, id int64, to action.Status, by string, now time.Time) error {
	a, err := t.Action(ctx, id)
	if err != nil {
		return errors.Trace(err)
	}
	if err := action.ValidateTransition(a.Status, to); err != nil {
		return errors.Trace(err)
	}

	switch to {
	case action.StatusApproved:
		_, err = t.tx.ExecContext(ctx, `
UPDATE remediation_actions SET status = ?, approved_at = ?, approved_by = ? WHERE id = ?`,
			to, now, by, id)
	case action.StatusExecuting:
		_, err = t.tx.ExecContext(ctx, `
UPDATE remediation_actions SET status = ?, executed_at = ? WHERE id = ?`, to, now, id)
	case action.StatusCancelled:
		_, err = t.tx.ExecContext(ctx, `
UPDATE remediation_actions SET status = ?, completed_at = ? WHERE id = ?`, to, now, id)
	default:
		return errors.NotValidf("transition to %q without a result", to)
	}
	return errors.Trace(err)
}

// RecordActionResult stores an agent-reported outcome. Output is
// truncated at the persistence boundary. keepExecuting leaves the
// action in-flight for background commands that only reported a
// start marker.
func (t *Tx) RecordActionResult(ctx context.Context, id int64, res action.Result, keepExecuting bool, now time.Time) error {
	a, err := t.Action(ctx, id)
	if err != nil {
		return errors.Trace(err)
	}
	status := action.StatusCompleted
	if res.ExitCode != 0 {
		status = action.StatusFailed
	}
	// completed_at stays NULL while the action remains in flight.
	var completedAt any = now
	if keepExecuting {
		status = action.StatusExecuting
		completedAt = nil
	} else if err := action.ValidateTransition(a.Status, status); err != nil {
		return errors.Trace(err)
	}

	_, err = t.tx.ExecContext(ctx, `
UPDATE remediation_actions SET status = ?, exit_code = ?, stdout = ?, stderr = ?, completed_at = ?
WHERE id = ?`,
		status, res.ExitCode,
		action.TruncateOutput(res.Stdout), action.TruncateOutput(res.Stderr), completedAt, id)
	return errors.Trace(err)
}

// OldestApprovedAction returns the next action to dispatch for the
// server: FIFO by creation time over approved actions. Dispatch is
// blocked while another action is still executing.
func (t *Tx) OldestApprovedAction(ctx context.Context, serverID string) (action.Action, error) {
	var executing int
	err := t.tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM remediation_actions WHERE server_id = ? AND status = ?`,
		serverID, action.StatusExecuting).Scan(&executing)
	if err != nil {
		return action.Action{}, errors.Trace(err)
	}
	if executing > 0 {
		return action.Action{}, errors.NotFoundf("dispatchable action for %q", serverID)
	}

	row := t.tx.QueryRowContext(ctx, `
SELECT `+actionColumns+` FROM remediation_actions
WHERE server_id = ? AND status = ?
ORDER BY created_at, id LIMIT 1`, serverID, action.StatusApproved)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return action.Action{}, errors.NotFoundf("dispatchable action for %q", serverID)
	}
	return a, errors.Trace(err)
}
