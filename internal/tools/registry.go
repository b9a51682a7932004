// Package tools defines the closed set of project tools the assistant
// can call, validates their inputs, and executes them against the state
// gateway.
package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nugget/foreman/internal/llm"
	"github.com/nugget/foreman/internal/prompts"
	"github.com/nugget/foreman/internal/store"
)

// Name identifies a registered tool.
type Name string

// The tool set. Adding a tool means adding a constant, a registry
// entry, and a case in Dispatcher.run.
const (
	GetProjectOverview Name = "get_project_overview"
	GetTasks           Name = "get_tasks"
	GetFeedbackSummary Name = "get_feedback_summary"
	SetProjectPhases   Name = "set_project_phases"
	SetProjectBlockers Name = "set_project_blockers"
	CreateTasks        Name = "create_tasks"
	UpdateTasks        Name = "update_tasks"
)

// Access says whether a tool only reads or also mutates project state.
type Access int

// Access levels.
const (
	Read Access = iota
	Write
)

// Tool is one registry entry.
type Tool struct {
	Name        Name
	Access      Access
	Summary     string
	Description string
	InputSchema map[string]any

	schema *gojsonschema.Schema
}

// Validate checks input against the tool's schema. A nil or empty input
// is treated as an empty object.
func (t *Tool) Validate(input json.RawMessage) error {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	result, err := t.schema.Validate(gojsonschema.NewBytesLoader(input))
	if err != nil {
		return validationError("invalid input: %v", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return validationError("invalid input: %s", strings.Join(msgs, "; "))
}

// Registry is the catalog of tools. It is immutable after construction.
type Registry struct {
	ordered []*Tool
	byName  map[Name]*Tool
}

// NewRegistry builds the registry and compiles every input schema. A
// schema that fails to compile is a programming error and panics.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[Name]*Tool)}
	for _, t := range builtinTools() {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.InputSchema))
		if err != nil {
			panic(fmt.Sprintf("tools: compile schema for %s: %v", t.Name, err))
		}
		t.schema = schema
		r.ordered = append(r.ordered, t)
		r.byName[t.Name] = t
	}
	return r
}

// Lookup returns the tool with the given name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.byName[Name(name)]
	return t, ok
}

// Tools returns every tool in registration order.
func (r *Registry) Tools() []*Tool {
	return r.ordered
}

// Definitions returns the tool list in the form sent to the model.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.ordered))
	for _, t := range r.ordered {
		defs = append(defs, llm.ToolDefinition{
			Name:        string(t.Name),
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return defs
}

// Capabilities returns the one-line summaries used in the system prompt.
func (r *Registry) Capabilities() []prompts.Capability {
	caps := make([]prompts.Capability, 0, len(r.ordered))
	for _, t := range r.ordered {
		caps = append(caps, prompts.Capability{
			Name:    string(t.Name),
			Summary: t.Summary,
			Write:   t.Access == Write,
		})
	}
	return caps
}

func enumProp(values []string, description string) map[string]any {
	p := map[string]any{"type": "string", "enum": values}
	if description != "" {
		p["description"] = description
	}
	return p
}

// oneOfProp documents the allowed values without enforcing them, for
// batch items that are validated one at a time by the executor.
func oneOfProp(values []string) map[string]any {
	return stringProp("One of: " + strings.Join(values, ", "))
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

var (
	taskStatuses   = store.TaskStatuses
	taskPriorities = store.TaskPriorities
	taskCategories = store.TaskCategories
	phaseStatuses  = store.PhaseStatuses
)

var expectedRevisionProp = map[string]any{
	"type":        "integer",
	"minimum":     0,
	"description": "Revision returned by get_project_overview. When set, the write is refused if the project changed since.",
}

func builtinTools() []*Tool {
	return []*Tool{
		{
			Name:    GetProjectOverview,
			Access:  Read,
			Summary: "Full project state (phases, blockers, task stats). Call this FIRST before making changes.",
			Description: "Get a comprehensive overview of the current project state. Returns phases, blockers, " +
				"task statistics by status and phase, the project revision, and optionally the full task list, " +
				"notes, and changelog. Call this first to understand the project before making changes.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"include_tasks":     map[string]any{"type": "boolean", "description": "Include the full task list (default: false, just returns stats)"},
					"include_notes":     map[string]any{"type": "boolean", "description": "Include project notes (default: false)"},
					"include_changelog": map[string]any{"type": "boolean", "description": "Include recent changelog entries (default: false)"},
				},
			},
		},
		{
			Name:    GetTasks,
			Access:  Read,
			Summary: "Query tasks by status, priority, phase, or category.",
			Description: "Query tasks with optional filters. Use this when you need to find specific tasks " +
				"by status, priority, phase, or category.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status":   enumProp(taskStatuses, "Filter by task status"),
					"priority": enumProp(taskPriorities, "Filter by priority"),
					"category": enumProp(taskCategories, "Filter by category"),
					"phase_id": stringProp(`Filter by phase ID (e.g. "1", "2")`),
				},
			},
		},
		{
			Name:    GetFeedbackSummary,
			Access:  Read,
			Summary: "User feedback counts and recent items.",
			Description: "Get a summary of user feedback for the project. Returns counts by status and " +
				"the 10 most recent feedback items.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:    SetProjectPhases,
			Access:  Write,
			Summary: "Set the project's SOW phases and deliverables.",
			Description: "Replace the project's SOW phases array. IMPORTANT: Always call get_project_overview " +
				"first to read existing phases, then merge your changes before writing. Each phase has " +
				"deliverables that track scope of work completion.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"phases": map[string]any{
						"type":        "array",
						"description": "The complete phases array to set on the project",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"id":     map[string]any{"type": "integer", "minimum": 1, "description": "Phase number (1, 2, 3...)"},
								"name":   stringProp("Phase name"),
								"status": enumProp(phaseStatuses, ""),
								"deliverables": map[string]any{
									"type": "array",
									"items": map[string]any{
										"type": "object",
										"properties": map[string]any{
											"name":   stringProp("Deliverable name"),
											"status": enumProp(phaseStatuses, ""),
											"note":   stringProp("Optional note"),
										},
										"required": []string{"name", "status"},
									},
								},
							},
							"required": []string{"id", "name", "status", "deliverables"},
						},
					},
					"expected_revision": expectedRevisionProp,
				},
				"required": []string{"phases"},
			},
		},
		{
			Name:    SetProjectBlockers,
			Access:  Write,
			Summary: "Set the project's blockers list.",
			Description: "Replace the project's blockers array. Always read existing blockers first " +
				"(via get_project_overview), merge changes, then write back.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"blockers": map[string]any{
						"type":        "array",
						"description": "The complete blockers array to set on the project",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"item":   stringProp("What is blocked"),
								"owner":  stringProp("Who owns resolving this"),
								"impact": stringProp("Impact description"),
							},
							"required": []string{"item", "owner", "impact"},
						},
					},
					"expected_revision": expectedRevisionProp,
				},
				"required": []string{"blockers"},
			},
		},
		{
			Name:    CreateTasks,
			Access:  Write,
			Summary: "Batch create up to 50 tasks, optionally linked to phases.",
			Description: "Create multiple tasks in batch (up to 50). Use this to populate tasks from an SOW " +
				"or create a set of related tasks. Each task can be linked to a phase via phase_id and phase_name.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tasks": map[string]any{
						"type":        "array",
						"description": "Array of tasks to create (max 50)",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"title":           map[string]any{"type": "string", "minLength": 1, "description": "Task title (required)"},
								"description":     stringProp("Task description"),
								"status":          enumProp(taskStatuses, "Initial status (default: backlog)"),
								"priority":        enumProp(taskPriorities, "Priority level (default: medium)"),
								"category":        enumProp(taskCategories, "Task category (default: feature)"),
								"phase_id":        stringProp(`Phase ID to link this task to (e.g. "1")`),
								"phase_name":      stringProp(`Phase name for display (e.g. "Foundation")`),
								"sow_deliverable": stringProp("SOW deliverable this task fulfills"),
							},
							"required": []string{"title"},
						},
					},
				},
				"required": []string{"tasks"},
			},
		},
		{
			Name:    UpdateTasks,
			Access:  Write,
			Summary: "Batch update existing tasks (status, priority, phase).",
			Description: "Update multiple existing tasks in batch. Use this to change status, priority, " +
				"or phase assignments on existing tasks.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"updates": map[string]any{
						"type":        "array",
						"description": "Array of task updates",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"task_id":    stringProp("UUID of the task to update"),
								"status":     oneOfProp(taskStatuses),
								"priority":   oneOfProp(taskPriorities),
								"phase_id":   stringProp("Phase ID to assign"),
								"phase_name": stringProp("Phase name for display"),
							},
						},
					},
				},
				"required": []string{"updates"},
			},
		},
	}
}
