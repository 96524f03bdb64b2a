package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoyers/harness/internal/types"
)

// CreateTask inserts a new backlog item in draft status.
func (s *Store) CreateTask(ctx context.Context, t types.Task) (types.Task, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = types.TaskDraft
	}
	linear, err := json.Marshal(t.Linear)
	if err != nil {
		return types.Task{}, fmt.Errorf("createTask: marshal linear: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `
			INSERT INTO tasks (task_id, tenant_id, user_id, workspace_id, repository_id, title, status, order_index, linear, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.TaskID, t.TenantID, t.UserID, t.WorkspaceID, t.RepositoryID, t.Title, string(t.Status), t.OrderIndex,
			string(linear), t.CreatedAt.UnixMilli())
		return wrapDBError("createTask", execErr)
	})
	if err != nil {
		return types.Task{}, err
	}
	return t, nil
}

// transitionTask enforces the draft → ready → in-progress → completed
// state machine (spec.md §4.1): from must match the task's current
// status (empty from = any status accepted).
func (s *Store) transitionTask(ctx context.Context, taskID string, from []types.TaskStatus, to types.TaskStatus, mutate func(tx *sql.Tx) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current types.TaskStatus
		var cur string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?`, taskID).Scan(&cur); err != nil {
			return wrapDBError("transitionTask: lookup", err)
		}
		current = types.TaskStatus(cur)

		if len(from) > 0 {
			ok := false
			for _, f := range from {
				if current == f {
					ok = true
					break
				}
			}
			if !ok {
				return fmt.Errorf("transitionTask: task not ready: %w", ErrConflict)
			}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE task_id = ?`, string(to), taskID); err != nil {
			return wrapDBError("transitionTask: update status", err)
		}
		if mutate != nil {
			if err := mutate(tx); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadyTask moves a draft task to ready.
func (s *Store) ReadyTask(ctx context.Context, taskID string) error {
	return s.transitionTask(ctx, taskID, []types.TaskStatus{types.TaskDraft}, types.TaskReady, nil)
}

// ClaimTask moves a ready task to in-progress, recording the claiming
// controller/directory and optional branch names. claimedByControllerId
// != "" <=> status = in-progress is the invariant this enforces.
func (s *Store) ClaimTask(ctx context.Context, taskID, controllerID, directoryID, branchName, baseBranch string) error {
	return s.transitionTask(ctx, taskID, []types.TaskStatus{types.TaskReady}, types.TaskInProgress, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks SET claimed_by_controller_id = ?, claimed_by_directory_id = ?, branch_name = ?, base_branch = ?
			WHERE task_id = ?`, controllerID, directoryID, branchName, baseBranch, taskID)
		return wrapDBError("claimTask: set claim", err)
	})
}

// CompleteTask moves an in-progress task to completed and clears the claim.
func (s *Store) CompleteTask(ctx context.Context, taskID string) error {
	return s.transitionTask(ctx, taskID, []types.TaskStatus{types.TaskInProgress}, types.TaskCompleted, clearClaim(ctx, taskID))
}

// QueueTask returns an in-progress task to ready, releasing its claim.
func (s *Store) QueueTask(ctx context.Context, taskID string) error {
	return s.transitionTask(ctx, taskID, nil, types.TaskReady, clearClaim(ctx, taskID))
}

// DraftTask returns a task to draft status, releasing its claim.
func (s *Store) DraftTask(ctx context.Context, taskID string) error {
	return s.transitionTask(ctx, taskID, nil, types.TaskDraft, clearClaim(ctx, taskID))
}

// clearClaim resets claimedByControllerId/claimedByDirectoryId so the
// claimedByControllerId != "" <=> status = in-progress invariant holds
// for every transition away from in-progress.
func clearClaim(ctx context.Context, taskID string) func(tx *sql.Tx) error {
	return func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE tasks SET claimed_by_controller_id = '', claimed_by_directory_id = '' WHERE task_id = ?`, taskID)
		return wrapDBError("clearClaim", err)
	}
}

// DeleteTask removes a task row permanently.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, taskID)
		if err != nil {
			return wrapDBError("deleteTask", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("deleteTask: %w", ErrNotFound)
		}
		return nil
	})
}

// ReorderTasks validates the given id list equals the set of non-archived
// tasks in scope, then reassigns orderIndex densely from 0 by position.
// Emits a single task-reordered event containing the updated rows.
func (s *Store) ReorderTasks(ctx context.Context, repositoryID string, orderedTaskIDs []string) ([]types.Task, error) {
	var scope types.Scope
	var reordered []types.Task

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT task_id, tenant_id, user_id, workspace_id FROM tasks WHERE repository_id = ? AND archived_at IS NULL`, repositoryID)
		if err != nil {
			return wrapDBError("reorderTasks: list", err)
		}
		existing := map[string]types.Scope{}
		for rows.Next() {
			var id string
			var sc types.Scope
			if scanErr := rows.Scan(&id, &sc.TenantID, &sc.UserID, &sc.WorkspaceID); scanErr != nil {
				rows.Close()
				return wrapDBError("reorderTasks: scan", scanErr)
			}
			existing[id] = sc
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return wrapDBError("reorderTasks: iterate", err)
		}
		rows.Close()

		if len(existing) != len(orderedTaskIDs) {
			return fmt.Errorf("reorderTasks: id set mismatch: %w", ErrConflict)
		}
		for _, id := range orderedTaskIDs {
			sc, ok := existing[id]
			if !ok {
				return fmt.Errorf("reorderTasks: task %s not in scope: %w", id, ErrConflict)
			}
			scope = sc
		}

		stmt, err := tx.PrepareContext(ctx, `UPDATE tasks SET order_index = ? WHERE task_id = ?`)
		if err != nil {
			return wrapDBError("reorderTasks: prepare", err)
		}
		defer stmt.Close()
		for i, id := range orderedTaskIDs {
			if _, err := stmt.ExecContext(ctx, i, id); err != nil {
				return wrapDBError("reorderTasks: update", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, id := range orderedTaskIDs {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		t.OrderIndex = i
		reordered = append(reordered, t)
	}

	payloadTasks := make([]types.Value, len(reordered))
	for i, t := range reordered {
		payloadTasks[i] = types.ObjectValue(map[string]types.Value{
			"taskId":     types.StringValue(t.TaskID),
			"orderIndex": types.NumberValue(float64(t.OrderIndex)),
		})
	}
	s.emit(types.Event{Type: types.EventTaskReordered, Scope: scope, Payload: types.ObjectValue(map[string]types.Value{
		"tasks": types.ArrayValue(payloadTasks),
	})})
	return reordered, nil
}

// GetTask returns a task by id, including archived ones.
func (s *Store) GetTask(ctx context.Context, taskID string) (types.Task, error) {
	var t types.Task
	var status string
	var linear string
	var createdAt int64
	var archivedAt sql.NullInt64
	err := s.readDB.QueryRowContext(ctx, `
		SELECT task_id, tenant_id, user_id, workspace_id, repository_id, title, status, order_index,
		       claimed_by_controller_id, claimed_by_directory_id, branch_name, base_branch, linear, created_at, archived_at
		FROM tasks WHERE task_id = ?`, taskID).
		Scan(&t.TaskID, &t.TenantID, &t.UserID, &t.WorkspaceID, &t.RepositoryID, &t.Title, &status, &t.OrderIndex,
			&t.ClaimedByControllerID, &t.ClaimedByDirectoryID, &t.BranchName, &t.BaseBranch, &linear, &createdAt, &archivedAt)
	if err != nil {
		return types.Task{}, wrapDBError("getTask", err)
	}
	t.Status = types.TaskStatus(status)
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	if archivedAt.Valid {
		tm := time.UnixMilli(archivedAt.Int64).UTC()
		t.ArchivedAt = &tm
	}
	if err := json.Unmarshal([]byte(linear), &t.Linear); err != nil {
		return types.Task{}, fmt.Errorf("getTask: unmarshal linear: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks for a repository ordered by orderIndex.
func (s *Store) ListTasks(ctx context.Context, repositoryID string, includeArchived bool) ([]types.Task, error) {
	query := `SELECT task_id, tenant_id, user_id, workspace_id, repository_id, title, status, order_index,
	                 claimed_by_controller_id, claimed_by_directory_id, branch_name, base_branch, linear, created_at, archived_at
	          FROM tasks WHERE repository_id = ?`
	if !includeArchived {
		query += " AND archived_at IS NULL"
	}
	query += " ORDER BY order_index ASC"

	rows, err := s.readDB.QueryContext(ctx, query, repositoryID)
	if err != nil {
		return nil, wrapDBError("listTasks", err)
	}
	defer rows.Close()

	var out []types.Task
	for rows.Next() {
		var t types.Task
		var status, linear string
		var createdAt int64
		var archivedAt sql.NullInt64
		if err := rows.Scan(&t.TaskID, &t.TenantID, &t.UserID, &t.WorkspaceID, &t.RepositoryID, &t.Title, &status, &t.OrderIndex,
			&t.ClaimedByControllerID, &t.ClaimedByDirectoryID, &t.BranchName, &t.BaseBranch, &linear, &createdAt, &archivedAt); err != nil {
			return nil, wrapDBError("listTasks: scan", err)
		}
		t.Status = types.TaskStatus(status)
		t.CreatedAt = time.UnixMilli(createdAt).UTC()
		if archivedAt.Valid {
			tm := time.UnixMilli(archivedAt.Int64).UTC()
			t.ArchivedAt = &tm
		}
		if err := json.Unmarshal([]byte(linear), &t.Linear); err != nil {
			return nil, fmt.Errorf("listTasks: unmarshal linear: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
