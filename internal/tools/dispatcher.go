package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/sourcegraph/conc/iter"

	"github.com/nugget/foreman/internal/store"
)

// Gateway is the slice of the state store the tools need.
type Gateway interface {
	GetProject(ctx context.Context, id string) (*store.Project, error)
	SetPhases(ctx context.Context, projectID string, phases []store.Phase, expected *int64) (int64, error)
	SetBlockers(ctx context.Context, projectID string, blockers []store.Blocker, expected *int64) (int64, error)
	ListTasks(ctx context.Context, projectID string, f store.TaskFilter) ([]store.Task, error)
	GetTask(ctx context.Context, projectID, taskID string) (*store.Task, error)
	CreateTasks(ctx context.Context, projectID string, tasks []store.NewTask) ([]store.Task, error)
	UpdateTask(ctx context.Context, projectID, taskID string, u store.TaskUpdate) (*store.Task, error)
	ListNotes(ctx context.Context, projectID string, limit int) ([]store.Note, error)
	ListFeedback(ctx context.Context, projectID string) ([]store.Feedback, error)
	ListChangelog(ctx context.Context, projectID string, limit int) ([]store.ChangelogEntry, error)
}

// ChangelogRecorder persists and broadcasts changelog entries produced
// by write tools.
type ChangelogRecorder interface {
	Record(ctx context.Context, e store.NewChangelogEntry) error
}

// Call is one tool invocation requested by the model.
type Call struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Result is the outcome of one Call. Content is always a JSON value.
type Result struct {
	ToolCallID string
	Content    json.RawMessage
	IsError    bool
	Duration   time.Duration
}

type errorContent struct {
	Error string `json:"error"`
	Kind  Kind   `json:"kind"`
}

// Dispatcher routes calls to executors. It never returns a Go error:
// every failure becomes an error Result.
type Dispatcher struct {
	registry    *Registry
	gateway     Gateway
	recorder    ChangelogRecorder
	logger      *slog.Logger
	concurrency int
}

// NewDispatcher creates a dispatcher. recorder may be nil, in which case
// write tools skip changelog entries. concurrency bounds how many calls
// from one model turn run at once; values below 1 mean sequential.
func NewDispatcher(registry *Registry, gateway Gateway, recorder ChangelogRecorder, logger *slog.Logger, concurrency int) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Dispatcher{
		registry:    registry,
		gateway:     gateway,
		recorder:    recorder,
		logger:      logger.With("component", "tools"),
		concurrency: concurrency,
	}
}

// Registry returns the registry the dispatcher validates against.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// ExecuteAll runs every call and returns one result per call, in call
// order. A failing or panicking call does not affect its siblings.
func (d *Dispatcher) ExecuteAll(ctx context.Context, projectID string, calls []Call) []Result {
	mapper := iter.Mapper[Call, Result]{MaxGoroutines: d.concurrency}
	return mapper.Map(calls, func(c *Call) Result {
		return d.Execute(ctx, projectID, *c)
	})
}

// Execute runs a single call scoped to projectID.
func (d *Dispatcher) Execute(ctx context.Context, projectID string, call Call) (res Result) {
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	res.ToolCallID = call.ID
	log := d.logger.With(
		"tool", call.Name,
		"tool_call_id", call.ID,
		"request_id", RequestIDFromContext(ctx),
	)

	defer func() {
		if r := recover(); r != nil {
			log.Error("tool panicked", "panic", r, "stack", string(debug.Stack()))
			res = d.errorResult(call.ID, &Error{Kind: KindInternal, Message: "internal error", Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	tool, ok := d.registry.Lookup(call.Name)
	if !ok {
		log.Warn("unknown tool requested")
		return d.errorResult(call.ID, &ErrUnknownTool{ToolName: call.Name})
	}

	input := call.Input
	if len(bytes.TrimSpace(input)) == 0 {
		input = json.RawMessage("{}")
	}
	if err := tool.Validate(input); err != nil {
		log.Debug("tool input rejected", "error", err)
		return d.errorResult(call.ID, err)
	}

	out, err := d.run(ctx, tool.Name, input, projectID)
	if err != nil {
		kind, _ := classify(err)
		if kind == KindInternal {
			log.Error("tool failed", "error", err)
		} else {
			log.Debug("tool returned error", "kind", kind, "error", err)
		}
		return d.errorResult(call.ID, err)
	}

	content, err := json.Marshal(out)
	if err != nil {
		log.Error("marshal tool result", "error", err)
		return d.errorResult(call.ID, &Error{Kind: KindInternal, Message: "internal error", Err: err})
	}
	res.Content = content
	return res
}

func (d *Dispatcher) run(ctx context.Context, name Name, input json.RawMessage, projectID string) (any, error) {
	switch name {
	case GetProjectOverview:
		var in overviewInput
		if err := decodeInput(input, &in); err != nil {
			return nil, err
		}
		return d.projectOverview(ctx, projectID, in)
	case GetTasks:
		var in getTasksInput
		if err := decodeInput(input, &in); err != nil {
			return nil, err
		}
		return d.tasks(ctx, projectID, in)
	case GetFeedbackSummary:
		return d.feedbackSummary(ctx, projectID)
	case SetProjectPhases:
		var in setPhasesInput
		if err := decodeInput(input, &in); err != nil {
			return nil, err
		}
		return d.setPhases(ctx, projectID, in)
	case SetProjectBlockers:
		var in setBlockersInput
		if err := decodeInput(input, &in); err != nil {
			return nil, err
		}
		return d.setBlockers(ctx, projectID, in)
	case CreateTasks:
		var in createTasksInput
		if err := decodeInput(input, &in); err != nil {
			return nil, err
		}
		return d.createTasks(ctx, projectID, in)
	case UpdateTasks:
		var in updateTasksInput
		if err := decodeInput(input, &in); err != nil {
			return nil, err
		}
		return d.updateTasks(ctx, projectID, in)
	default:
		return nil, &ErrUnknownTool{ToolName: string(name)}
	}
}

func decodeInput(input json.RawMessage, v any) error {
	if err := json.Unmarshal(input, v); err != nil {
		return validationError("invalid input: %v", err)
	}
	return nil
}

func (d *Dispatcher) errorResult(id string, err error) Result {
	kind, msg := classify(err)
	content, _ := json.Marshal(errorContent{Error: msg, Kind: kind})
	return Result{ToolCallID: id, Content: content, IsError: true}
}

// record appends a changelog entry. Failures are logged and never
// reach the tool result. The mutation has already committed, so the
// append is not cancelled with the caller.
func (d *Dispatcher) record(ctx context.Context, e store.NewChangelogEntry) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.Record(context.WithoutCancel(ctx), e); err != nil {
		d.logger.Warn("changelog entry not recorded",
			"project_id", e.ProjectID,
			"title", e.Title,
			"error", err,
		)
	}
}
