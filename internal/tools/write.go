package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/nugget/foreman/internal/store"
)

// MaxCreateBatch is the most tasks create_tasks accepts in one call.
const MaxCreateBatch = 50

type setPhasesInput struct {
	Phases           []store.Phase `json:"phases"`
	ExpectedRevision *int64        `json:"expected_revision"`
}

type setBlockersInput struct {
	Blockers         []store.Blocker `json:"blockers"`
	ExpectedRevision *int64          `json:"expected_revision"`
}

type newTaskInput struct {
	Title          string  `json:"title"`
	Description    *string `json:"description"`
	Status         string  `json:"status"`
	Priority       string  `json:"priority"`
	Category       string  `json:"category"`
	PhaseID        *string `json:"phase_id"`
	PhaseName      *string `json:"phase_name"`
	SOWDeliverable *string `json:"sow_deliverable"`
}

type createTasksInput struct {
	Tasks []newTaskInput `json:"tasks"`
}

type taskUpdateInput struct {
	TaskID    string  `json:"task_id"`
	Status    *string `json:"status"`
	Priority  *string `json:"priority"`
	PhaseID   *string `json:"phase_id"`
	PhaseName *string `json:"phase_name"`
}

type updateTasksInput struct {
	Updates []taskUpdateInput `json:"updates"`
}

type phaseSummary struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

type setPhasesOutput struct {
	Success    bool           `json:"success"`
	PhaseCount int            `json:"phase_count"`
	Phases     []phaseSummary `json:"phases"`
	Revision   int64          `json:"revision"`
}

type setBlockersOutput struct {
	Success      bool  `json:"success"`
	BlockerCount int   `json:"blocker_count"`
	Revision     int64 `json:"revision"`
}

type createdTask struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Status  string  `json:"status"`
	PhaseID *string `json:"phase_id"`
}

type createTasksOutput struct {
	Success      bool          `json:"success"`
	CreatedCount int           `json:"created_count"`
	Tasks        []createdTask `json:"tasks"`
}

type updateItemResult struct {
	TaskID  string `json:"task_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type updateTasksOutput struct {
	Success      bool               `json:"success"`
	UpdatedCount int                `json:"updated_count"`
	Results      []updateItemResult `json:"results"`
}

func (d *Dispatcher) setPhases(ctx context.Context, projectID string, in setPhasesInput) (*setPhasesOutput, error) {
	rev, err := d.gateway.SetPhases(ctx, projectID, in.Phases, in.ExpectedRevision)
	if err != nil {
		return nil, writeError(err)
	}

	names := make([]string, 0, len(in.Phases))
	summary := make([]phaseSummary, 0, len(in.Phases))
	for _, p := range in.Phases {
		names = append(names, fmt.Sprintf("Phase %d: %s", p.ID, p.Name))
		summary = append(summary, phaseSummary{ID: p.ID, Name: p.Name, Status: p.Status})
	}
	d.record(ctx, store.NewChangelogEntry{
		ProjectID:       projectID,
		Type:            "update",
		Title:           fmt.Sprintf("SOW phases updated (%d phases)", len(in.Phases)),
		Description:     strings.Join(names, ", "),
		IsAutoGenerated: true,
	})

	return &setPhasesOutput{
		Success:    true,
		PhaseCount: len(in.Phases),
		Phases:     summary,
		Revision:   rev,
	}, nil
}

func (d *Dispatcher) setBlockers(ctx context.Context, projectID string, in setBlockersInput) (*setBlockersOutput, error) {
	rev, err := d.gateway.SetBlockers(ctx, projectID, in.Blockers, in.ExpectedRevision)
	if err != nil {
		return nil, writeError(err)
	}

	if len(in.Blockers) > 0 {
		items := make([]string, 0, len(in.Blockers))
		for _, b := range in.Blockers {
			items = append(items, b.Item)
		}
		d.record(ctx, store.NewChangelogEntry{
			ProjectID:       projectID,
			Type:            "blocker",
			Title:           fmt.Sprintf("Blockers updated (%d items)", len(in.Blockers)),
			Description:     strings.Join(items, ", "),
			IsAutoGenerated: true,
		})
	}

	return &setBlockersOutput{Success: true, BlockerCount: len(in.Blockers), Revision: rev}, nil
}

func (d *Dispatcher) createTasks(ctx context.Context, projectID string, in createTasksInput) (*createTasksOutput, error) {
	if len(in.Tasks) == 0 {
		return nil, validationError("tasks must be a non-empty array")
	}
	if len(in.Tasks) > MaxCreateBatch {
		return nil, validationError("Maximum %d tasks per batch", MaxCreateBatch)
	}

	newTasks := make([]store.NewTask, 0, len(in.Tasks))
	for _, t := range in.Tasks {
		newTasks = append(newTasks, store.NewTask{
			Title:          t.Title,
			Description:    nonEmpty(t.Description),
			Status:         t.Status,
			Priority:       t.Priority,
			Category:       t.Category,
			PhaseID:        nonEmpty(t.PhaseID),
			PhaseName:      nonEmpty(t.PhaseName),
			SOWDeliverable: nonEmpty(t.SOWDeliverable),
		})
	}

	created, err := d.gateway.CreateTasks(ctx, projectID, newTasks)
	if err != nil {
		return nil, err
	}

	titles := make([]string, 0, 5)
	for _, t := range created[:min(len(created), 5)] {
		titles = append(titles, t.Title)
	}
	desc := strings.Join(titles, ", ")
	if len(created) > 5 {
		desc += fmt.Sprintf(" (+%d more)", len(created)-5)
	}
	d.record(ctx, store.NewChangelogEntry{
		ProjectID:       projectID,
		Type:            "feature",
		Title:           fmt.Sprintf("Created %d tasks via AI", len(created)),
		Description:     desc,
		IsAutoGenerated: true,
	})

	out := &createTasksOutput{Success: true, CreatedCount: len(created), Tasks: make([]createdTask, 0, len(created))}
	for _, t := range created {
		out.Tasks = append(out.Tasks, createdTask{ID: t.ID, Title: t.Title, Status: t.Status, PhaseID: t.PhaseID})
	}
	return out, nil
}

func (d *Dispatcher) updateTasks(ctx context.Context, projectID string, in updateTasksInput) (*updateTasksOutput, error) {
	if len(in.Updates) == 0 {
		return nil, validationError("updates must be a non-empty array")
	}

	out := &updateTasksOutput{Results: make([]updateItemResult, 0, len(in.Updates))}
	for _, u := range in.Updates {
		item := d.updateOne(ctx, projectID, u)
		if item.Success {
			out.UpdatedCount++
		}
		out.Results = append(out.Results, item)
	}
	out.Success = out.UpdatedCount == len(out.Results)
	return out, nil
}

// updateOne applies a single item of an update_tasks batch. Its failure
// is reported in the item and never aborts the batch.
func (d *Dispatcher) updateOne(ctx context.Context, projectID string, u taskUpdateInput) updateItemResult {
	if u.TaskID == "" {
		return updateItemResult{TaskID: "unknown", Error: "Missing task_id"}
	}
	if u.Status != nil && *u.Status != "" && !slices.Contains(store.TaskStatuses, *u.Status) {
		return updateItemResult{TaskID: u.TaskID, Error: fmt.Sprintf("Invalid status %q", *u.Status)}
	}
	if u.Priority != nil && *u.Priority != "" && !slices.Contains(store.TaskPriorities, *u.Priority) {
		return updateItemResult{TaskID: u.TaskID, Error: fmt.Sprintf("Invalid priority %q", *u.Priority)}
	}

	existing, err := d.gateway.GetTask(ctx, projectID, u.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return updateItemResult{TaskID: u.TaskID, Error: "Task not found in project"}
	}
	if err != nil {
		d.logger.Error("load task for update", "task_id", u.TaskID, "error", err)
		return updateItemResult{TaskID: u.TaskID, Error: "internal error"}
	}

	_, err = d.gateway.UpdateTask(ctx, projectID, u.TaskID, store.TaskUpdate{
		Status:    nonEmpty(u.Status),
		Priority:  nonEmpty(u.Priority),
		PhaseID:   u.PhaseID,
		PhaseName: u.PhaseName,
	})
	if errors.Is(err, store.ErrNotFound) {
		return updateItemResult{TaskID: u.TaskID, Error: "Task not found in project"}
	}
	if err != nil {
		d.logger.Error("update task", "task_id", u.TaskID, "error", err)
		return updateItemResult{TaskID: u.TaskID, Error: "internal error"}
	}

	if u.Status != nil && *u.Status != "" && *u.Status != existing.Status {
		prev, next := existing.Status, *u.Status
		d.record(ctx, store.NewChangelogEntry{
			ProjectID:       projectID,
			Type:            "update",
			Title:           "Task status changed: " + existing.Title,
			Description:     prev + " → " + next,
			PreviousStatus:  &prev,
			NewStatus:       &next,
			IsAutoGenerated: true,
		})
	}

	return updateItemResult{TaskID: u.TaskID, Success: true}
}

// writeError maps gateway errors from phase/blocker writes to the kinds
// the model sees.
func writeError(err error) error {
	switch {
	case errors.Is(err, store.ErrConflict):
		return &Error{
			Kind:    KindConflict,
			Message: "Project changed since it was read; call get_project_overview and retry with the new revision",
			Err:     err,
		}
	case errors.Is(err, store.ErrNotFound):
		return &Error{Kind: KindNotFound, Message: "Project not found", Err: err}
	default:
		return err
	}
}

// nonEmpty treats a pointer to "" like an absent value.
func nonEmpty(p *string) *string {
	if p == nil || *p == "" {
		return nil
	}
	return p
}
