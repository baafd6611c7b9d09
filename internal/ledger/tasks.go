package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/space-swarm/space/internal/errs"
	"github.com/space-swarm/space/internal/ids"
	"github.com/space-swarm/space/internal/store"
)

// validTaskTransitions enumerates the allowed status transitions. A task
// may move pending<->active, and from either into done or cancelled.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending: {TaskActive: true, TaskDone: true, TaskCancelled: true},
	TaskActive:  {TaskPending: true, TaskDone: true, TaskCancelled: true},
}

// CreateTask inserts a new pending task.
func (l *Ledger) CreateTask(ctx context.Context, t Task) (*Task, error) {
	if strings.TrimSpace(t.Content) == "" {
		return nil, errs.Validationf("task content is required")
	}
	t.ID = ids.New()
	t.Status = TaskPending
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	err := l.store.Transaction(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(`INSERT INTO tasks (id, project_id, creator_id, assignee_id, decision_id, spawn_id, content, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
			t.ID, t.ProjectID, t.CreatorID, nullStringPtr(t.AssigneeID), nullStringPtr(t.DecisionID), nullStringPtr(t.SpawnID),
			t.Content, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return err
		}
		return touchProjectActivity(tx, t.ProjectID)
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &t, nil
}

const taskColumns = `id, project_id, creator_id, assignee_id, decision_id, spawn_id, content, status, result, deleted_at, created_at, updated_at`

// GetTask fetches a task by full id.
func (l *Ledger) GetTask(id string) (*Task, error) {
	row := l.store.DB().QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var assignee, decisionID, spawnID, result sql.NullString
	var deletedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.ProjectID, &t.CreatorID, &assignee, &decisionID, &spawnID, &t.Content, &t.Status,
		&result, &deletedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, wrapNotFound("task", err)
	}
	t.AssigneeID = optString(assignee)
	t.DecisionID = optString(decisionID)
	t.SpawnID = optString(spawnID)
	t.Result = optString(result)
	t.DeletedAt = optTime(deletedAt)
	return &t, nil
}

// TaskFilter narrows FetchTasks.
type TaskFilter struct {
	ProjectID      *string
	AssigneeID     *string
	Status         *TaskStatus
	IncludeDeleted bool
}

// FetchTasks lists tasks matching filter, oldest first.
func (l *Ledger) FetchTasks(f TaskFilter) ([]*Task, error) {
	q := l.store.Q("tasks").NotDeleted(f.IncludeDeleted)
	if f.ProjectID != nil {
		q = q.Where("project_id = ?", *f.ProjectID)
	}
	if f.AssigneeID != nil {
		q = q.Where("assignee_id = ?", *f.AssigneeID)
	}
	if f.Status != nil {
		q = q.Where("status = ?", string(*f.Status))
	}
	q = q.Order("created_at ASC")

	var out []*Task
	err := q.Fetch(taskColumns, func(rows *sql.Rows) error {
		t, err := scanTask(rows)
		if err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

// SetTaskStatus applies a status transition, enforcing validTaskTransitions.
// When moving to done or cancelled, result (if non-empty) is recorded.
func (l *Ledger) SetTaskStatus(ctx context.Context, id string, to TaskStatus, result *string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		var current TaskStatus
		if err := tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, id).Scan(&current); err != nil {
			return wrapNotFound("task", err)
		}
		if current == to {
			return nil
		}
		allowed := validTaskTransitions[current]
		if !allowed[to] {
			return errs.Statef("task %s cannot move from %s to %s", id, current, to)
		}
		_, err := tx.Exec(`UPDATE tasks SET status = ?, result = COALESCE(?, result), updated_at = ? WHERE id = ?`,
			string(to), nullStringPtr(result), time.Now().UTC(), id)
		return err
	})
}

// ClaimTask atomically moves a pending task to active, binding assigneeID.
// Fails if the task is not pending or already has a different assignee.
func (l *Ledger) ClaimTask(ctx context.Context, id, assigneeID string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(`UPDATE tasks SET status = 'active', assignee_id = ?, updated_at = ?
			WHERE id = ? AND status = 'pending' AND (assignee_id IS NULL OR assignee_id = ?)`,
			assigneeID, time.Now().UTC(), id, assigneeID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errs.Statef("task %s is not pending or is assigned to another agent", id)
		}
		return nil
	})
}

// ReleaseTask moves an active task claimed by assigneeID back to pending,
// clearing the assignee. Fails if assigneeID does not match the current
// assignee.
func (l *Ledger) ReleaseTask(ctx context.Context, id, assigneeID string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(`UPDATE tasks SET status = 'pending', assignee_id = NULL, updated_at = ?
			WHERE id = ? AND status = 'active' AND assignee_id = ?`, time.Now().UTC(), id, assigneeID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errs.Statef("task %s is not active under agent %s", id, assigneeID)
		}
		return nil
	})
}

// SwitchTask atomically releases agentID's current active task (if any) and
// claims newTaskID, so an agent never holds two active tasks at once.
func (l *Ledger) SwitchTask(ctx context.Context, agentID, newTaskID string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		if _, err := tx.Exec(`UPDATE tasks SET status = 'pending', assignee_id = NULL, updated_at = ?
			WHERE assignee_id = ? AND status = 'active' AND id != ?`, time.Now().UTC(), agentID, newTaskID); err != nil {
			return err
		}
		res, err := tx.Exec(`UPDATE tasks SET status = 'active', assignee_id = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'`, agentID, time.Now().UTC(), newTaskID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errs.Statef("task %s is not pending", newTaskID)
		}
		return nil
	})
}

// SoftDeleteTask marks a task deleted.
func (l *Ledger) SoftDeleteTask(ctx context.Context, id string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(`UPDATE tasks SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, time.Now().UTC(), id)
		return err
	})
}
