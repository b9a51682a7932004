package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const taskColumns = `id, project_id, title, description, status, priority, category,
	phase_id, phase_name, sow_deliverable, created_at, updated_at`

// ListTasks returns the project's tasks matching every non-empty filter
// field, newest first.
func (s *Store) ListTasks(ctx context.Context, projectID string, f TaskFilter) ([]Task, error) {
	where := []string{"project_id = ?"}
	args := []any{projectID}
	for _, c := range []struct{ col, val string }{
		{"status", f.Status},
		{"priority", f.Priority},
		{"category", f.Category},
		{"phase_id", f.PhaseID},
	} {
		if c.val != "" {
			where = append(where, c.col+" = ?")
			args = append(args, c.val)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE `+strings.Join(where, " AND ")+
			` ORDER BY created_at DESC, rowid DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// GetTask loads a task only if it belongs to projectID.
func (s *Store) GetTask(ctx context.Context, projectID, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND project_id = ?`, taskID, projectID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return t, err
}

// CreateTasks inserts every task in one transaction. Either all rows are
// written or none are. Tasks are returned in input order.
func (s *Store) CreateTasks(ctx context.Context, projectID string, tasks []NewTask) ([]Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := s.now()
	stamp := formatTime(now)
	created := make([]Task, 0, len(tasks))
	for _, nt := range tasks {
		t := Task{
			ID:             uuid.NewString(),
			ProjectID:      projectID,
			Title:          nt.Title,
			Description:    nt.Description,
			Status:         orDefault(nt.Status, DefaultTaskStatus),
			Priority:       orDefault(nt.Priority, DefaultTaskPriority),
			Category:       orDefault(nt.Category, DefaultTaskCategory),
			PhaseID:        nt.PhaseID,
			PhaseName:      nt.PhaseName,
			SOWDeliverable: nt.SOWDeliverable,
			CreatedAt:      parseTime(stamp),
			UpdatedAt:      parseTime(stamp),
		}
		if _, err := stmt.ExecContext(ctx,
			t.ID, t.ProjectID, t.Title, nullString(t.Description), t.Status, t.Priority, t.Category,
			nullString(t.PhaseID), nullString(t.PhaseName), nullString(t.SOWDeliverable), stamp, stamp,
		); err != nil {
			return nil, fmt.Errorf("insert task %q: %w", t.Title, err)
		}
		created = append(created, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

// UpdateTask applies a partial update to a task in projectID and
// returns the updated row.
func (s *Store) UpdateTask(ctx context.Context, projectID, taskID string, u TaskUpdate) (*Task, error) {
	sets := []string{"updated_at = ?"}
	args := []any{s.stamp()}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
	}
	if u.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *u.Priority)
	}
	if u.PhaseID != nil {
		sets = append(sets, "phase_id = ?")
		args = append(args, *u.PhaseID)
	}
	if u.PhaseName != nil {
		sets = append(sets, "phase_name = ?")
		args = append(args, *u.PhaseName)
	}
	args = append(args, taskID, projectID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND project_id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return s.GetTask(ctx, projectID, taskID)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                             Task
		desc, phaseID, phaseName, sow sql.NullString
		createdAt, updatedAt          string
	)
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &desc, &t.Status, &t.Priority, &t.Category,
		&phaseID, &phaseName, &sow, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Description = stringPtr(desc)
	t.PhaseID = stringPtr(phaseID)
	t.PhaseName = stringPtr(phaseName)
	t.SOWDeliverable = stringPtr(sow)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}
