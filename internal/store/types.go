package store

import (
	"slices"
	"time"
)

// Task statuses.
const (
	TaskBacklog    = "backlog"
	TaskTodo       = "todo"
	TaskInProgress = "in_progress"
	TaskReview     = "review"
	TaskDone       = "done"
)

// TaskStatuses lists every valid task status in workflow order.
var TaskStatuses = []string{TaskBacklog, TaskTodo, TaskInProgress, TaskReview, TaskDone}

// TaskPriorities lists every valid task priority, lowest first.
var TaskPriorities = []string{"low", "medium", "high", "urgent"}

// TaskCategories lists every valid task category.
var TaskCategories = []string{"feature", "bug", "refactor", "design", "docs", "test", "chore"}

// PhaseStatuses applies to phases and their deliverables.
var PhaseStatuses = []string{"complete", "in_progress", "pending", "blocked"}

// MemoryCategories lists every valid memory category.
var MemoryCategories = []string{"decision", "preference", "context", "blocker", "insight", "todo"}

// Task defaults applied on create.
const (
	DefaultTaskStatus   = TaskBacklog
	DefaultTaskPriority = "medium"
	DefaultTaskCategory = "feature"
)

// ValidMemoryCategory reports whether c is a known memory category.
func ValidMemoryCategory(c string) bool {
	return slices.Contains(MemoryCategories, c)
}

// Project is the top-level entity. Phases and blockers are replaced
// wholesale on write.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	Phases      []Phase   `json:"phases"`
	Blockers    []Blocker `json:"blockers"`
	Revision    int64     `json:"revision"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Phase is one statement-of-work phase.
type Phase struct {
	ID           int           `json:"id"`
	Name         string        `json:"name"`
	Status       string        `json:"status"`
	Deliverables []Deliverable `json:"deliverables"`
}

// Deliverable is one line item within a phase.
type Deliverable struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// Blocker is something holding the project up.
type Blocker struct {
	Item   string `json:"item"`
	Owner  string `json:"owner"`
	Impact string `json:"impact"`
}

// NewProject holds the fields accepted on project creation.
type NewProject struct {
	Name        string
	Slug        string
	Description string
	Phases      []Phase
	Blockers    []Blocker
}

// ProjectUpdate is a partial update; nil fields are left unchanged.
type ProjectUpdate struct {
	Name        *string
	Description *string
	Phases      *[]Phase
	Blockers    *[]Blocker
}

// Task is a unit of work within a project.
type Task struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	Title          string    `json:"title"`
	Description    *string   `json:"description"`
	Status         string    `json:"status"`
	Priority       string    `json:"priority"`
	Category       string    `json:"category"`
	PhaseID        *string   `json:"phase_id"`
	PhaseName      *string   `json:"phase_name"`
	SOWDeliverable *string   `json:"sow_deliverable"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewTask holds the fields accepted on task creation. Empty status,
// priority and category take the defaults.
type NewTask struct {
	Title          string
	Description    *string
	Status         string
	Priority       string
	Category       string
	PhaseID        *string
	PhaseName      *string
	SOWDeliverable *string
}

// TaskFilter narrows ListTasks. Empty fields match everything.
type TaskFilter struct {
	Status   string
	Priority string
	Category string
	PhaseID  string
}

// TaskUpdate is a partial update; nil fields are left unchanged.
type TaskUpdate struct {
	Status    *string
	Priority  *string
	PhaseID   *string
	PhaseName *string
}

// Note is a free-form project note.
type Note struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	Category  string    `json:"category"`
	Content   string    `json:"content"`
	IsPinned  bool      `json:"is_pinned"`
	CreatedAt time.Time `json:"created_at"`
}

// Feedback is a piece of end-user feedback filed against a project.
type Feedback struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Reason    string    `json:"reason"`
	SubOption *string   `json:"sub_option"`
	Priority  *string   `json:"priority"`
	Notes     *string   `json:"notes"`
	Status    string    `json:"status"`
	Page      *string   `json:"page"`
	CreatedAt time.Time `json:"created_at"`
}

// ChangelogEntry records a change to project state.
type ChangelogEntry struct {
	ID              string    `json:"id"`
	ProjectID       *string   `json:"project_id"`
	Type            string    `json:"type"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	PreviousStatus  *string   `json:"previous_status,omitempty"`
	NewStatus       *string   `json:"new_status,omitempty"`
	IsAutoGenerated bool      `json:"is_auto_generated"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewChangelogEntry holds the fields of an entry to append.
type NewChangelogEntry struct {
	ProjectID       string
	Type            string
	Title           string
	Description     string
	PreviousStatus  *string
	NewStatus       *string
	IsAutoGenerated bool
}

// Memory is a persisted fact the assistant should keep in mind. A nil
// ProjectID makes it global.
type Memory struct {
	ID        string     `json:"id"`
	Content   string     `json:"content"`
	Category  string     `json:"category"`
	ProjectID *string    `json:"project_id"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Active reports whether the memory is unexpired at now.
func (m Memory) Active(now time.Time) bool {
	return m.ExpiresAt == nil || m.ExpiresAt.After(now)
}
