package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/foreman/internal/store"
)

// Caps applied by the read tools.
const (
	overviewListLimit   = 20
	noteContentRunes    = 500
	recentFeedbackLimit = 10
	feedbackNotesRunes  = 200
)

type overviewInput struct {
	IncludeTasks     bool `json:"include_tasks"`
	IncludeNotes     bool `json:"include_notes"`
	IncludeChangelog bool `json:"include_changelog"`
}

type getTasksInput struct {
	Status   string `json:"status"`
	Priority string `json:"priority"`
	Category string `json:"category"`
	PhaseID  string `json:"phase_id"`
}

type taskStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	ByPhase  map[string]int `json:"by_phase"`
}

type taskView struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Description    *string `json:"description"`
	Status         string  `json:"status"`
	Priority       string  `json:"priority"`
	Category       string  `json:"category"`
	PhaseID        *string `json:"phase_id"`
	PhaseName      *string `json:"phase_name"`
	SOWDeliverable *string `json:"sow_deliverable"`
}

type noteView struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Category string `json:"category"`
	Content  string `json:"content"`
	IsPinned bool   `json:"is_pinned"`
}

type changelogView struct {
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type overviewOutput struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Revision    int64            `json:"revision"`
	Phases      []store.Phase    `json:"phases"`
	Blockers    []store.Blocker  `json:"blockers"`
	TaskStats   taskStats        `json:"task_stats"`
	Tasks       *[]taskView      `json:"tasks,omitempty"`
	Notes       *[]noteView      `json:"notes,omitempty"`
	Changelog   *[]changelogView `json:"changelog,omitempty"`
}

type tasksOutput struct {
	Count int        `json:"count"`
	Tasks []taskView `json:"tasks"`
}

type feedbackView struct {
	ID        string    `json:"id"`
	Reason    string    `json:"reason"`
	SubOption *string   `json:"sub_option"`
	Priority  *string   `json:"priority"`
	Notes     *string   `json:"notes"`
	Status    string    `json:"status"`
	Page      *string   `json:"page"`
	CreatedAt time.Time `json:"created_at"`
}

type feedbackOutput struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	Recent   []feedbackView `json:"recent"`
}

func (d *Dispatcher) projectOverview(ctx context.Context, projectID string, in overviewInput) (*overviewOutput, error) {
	project, err := d.gateway.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &Error{Kind: KindNotFound, Message: "Project not found", Err: err}
	}
	if err != nil {
		return nil, err
	}

	tasks, err := d.gateway.ListTasks(ctx, projectID, store.TaskFilter{})
	if err != nil {
		return nil, err
	}

	out := &overviewOutput{
		Name:        project.Name,
		Description: project.Description,
		Revision:    project.Revision,
		Phases:      project.Phases,
		Blockers:    project.Blockers,
		TaskStats: taskStats{
			Total:    len(tasks),
			ByStatus: map[string]int{},
			ByPhase:  map[string]int{},
		},
	}
	for _, t := range tasks {
		out.TaskStats.ByStatus[t.Status]++
		if t.PhaseID != nil && *t.PhaseID != "" {
			name := "Unnamed"
			if t.PhaseName != nil && *t.PhaseName != "" {
				name = *t.PhaseName
			}
			out.TaskStats.ByPhase[fmt.Sprintf("Phase %s: %s", *t.PhaseID, name)]++
		}
	}

	if in.IncludeTasks {
		views := taskViews(tasks)
		out.Tasks = &views
	}

	if in.IncludeNotes {
		notes, err := d.gateway.ListNotes(ctx, projectID, overviewListLimit)
		if err != nil {
			return nil, err
		}
		views := make([]noteView, 0, len(notes))
		for _, n := range notes {
			views = append(views, noteView{
				ID:       n.ID,
				Title:    n.Title,
				Category: n.Category,
				Content:  truncateRunes(n.Content, noteContentRunes),
				IsPinned: n.IsPinned,
			})
		}
		out.Notes = &views
	}

	if in.IncludeChangelog {
		entries, err := d.gateway.ListChangelog(ctx, projectID, overviewListLimit)
		if err != nil {
			return nil, err
		}
		views := make([]changelogView, 0, len(entries))
		for _, e := range entries {
			views = append(views, changelogView{
				Type:        e.Type,
				Title:       e.Title,
				Description: e.Description,
				CreatedAt:   e.CreatedAt,
			})
		}
		out.Changelog = &views
	}

	return out, nil
}

func (d *Dispatcher) tasks(ctx context.Context, projectID string, in getTasksInput) (*tasksOutput, error) {
	tasks, err := d.gateway.ListTasks(ctx, projectID, store.TaskFilter{
		Status:   in.Status,
		Priority: in.Priority,
		Category: in.Category,
		PhaseID:  in.PhaseID,
	})
	if err != nil {
		return nil, err
	}
	return &tasksOutput{Count: len(tasks), Tasks: taskViews(tasks)}, nil
}

func (d *Dispatcher) feedbackSummary(ctx context.Context, projectID string) (*feedbackOutput, error) {
	items, err := d.gateway.ListFeedback(ctx, projectID)
	if err != nil {
		return nil, err
	}

	out := &feedbackOutput{
		Total:    len(items),
		ByStatus: map[string]int{},
		Recent:   []feedbackView{},
	}
	for _, f := range items {
		out.ByStatus[f.Status]++
	}
	for _, f := range items[:min(len(items), recentFeedbackLimit)] {
		v := feedbackView{
			ID:        f.ID,
			Reason:    f.Reason,
			SubOption: f.SubOption,
			Priority:  f.Priority,
			Status:    f.Status,
			Page:      f.Page,
			CreatedAt: f.CreatedAt,
		}
		if f.Notes != nil {
			notes := truncateRunes(*f.Notes, feedbackNotesRunes)
			v.Notes = &notes
		}
		out.Recent = append(out.Recent, v)
	}
	return out, nil
}

func taskViews(tasks []store.Task) []taskView {
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, taskView{
			ID:             t.ID,
			Title:          t.Title,
			Description:    t.Description,
			Status:         t.Status,
			Priority:       t.Priority,
			Category:       t.Category,
			PhaseID:        t.PhaseID,
			PhaseName:      t.PhaseName,
			SOWDeliverable: t.SOWDeliverable,
		})
	}
	return views
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
