// Package agent implements the bounded conversation loop: call the
// model, run any tools it asks for, feed the results back, and repeat
// until the model stops asking or the iteration ceiling is reached.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/foreman/internal/events"
	"github.com/nugget/foreman/internal/llm"
	"github.com/nugget/foreman/internal/metrics"
	"github.com/nugget/foreman/internal/tools"
)

// DefaultMaxIterations caps model calls per request when the config
// leaves it unset.
const DefaultMaxIterations = 10

// Stop reasons reported in Response.StopReason beyond the provider's own.
const (
	StopNoToolCalls   = "no_tool_calls"
	StopMaxIterations = "max_iterations"
)

// ToolRunner executes one model turn's tool calls, returning one result
// per call in call order.
type ToolRunner interface {
	ExecuteAll(ctx context.Context, projectID string, calls []tools.Call) []tools.Result
}

// Config holds the model parameters used for every call.
type Config struct {
	Model         string
	MaxTokens     int
	MaxIterations int
}

// Request is one chat request.
type Request struct {
	ProjectID string
	System    string
	Messages  []llm.Message
}

// Response is the outcome of a completed loop.
type Response struct {
	Content      string
	Model        string
	Iterations   int
	StopReason   string
	ToolCalls    int
	InputTokens  int
	OutputTokens int
	RequestID    string
}

// Loop drives the model/tool exchange for a single request. It holds
// no per-request state and is safe for concurrent use.
type Loop struct {
	logger  *slog.Logger
	client  llm.Client
	tools   ToolRunner
	defs    []llm.ToolDefinition
	known   map[string]bool
	cfg     Config
	bus     *events.Bus
	metrics *metrics.Metrics
}

// Option configures optional Loop collaborators.
type Option func(*Loop)

// WithEvents publishes loop progress on bus.
func WithEvents(bus *events.Bus) Option {
	return func(l *Loop) { l.bus = bus }
}

// WithMetrics records model and tool timings.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// NewLoop creates a loop that offers defs to the model and runs the
// calls it makes through runner.
func NewLoop(logger *slog.Logger, client llm.Client, runner ToolRunner, defs []llm.ToolDefinition, cfg Config, opts ...Option) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	l := &Loop{
		logger: logger.With("component", "agent"),
		client: client,
		tools:  runner,
		defs:   defs,
		known:  make(map[string]bool, len(defs)),
		cfg:    cfg,
	}
	for _, d := range defs {
		l.known[d.Name] = true
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes the loop. A model error aborts the request; it is
// wrapped, so callers can still inspect it with llm.IsAuth. Text from
// every iteration is accumulated into Response.Content.
func (l *Loop) Run(ctx context.Context, req Request) (*Response, error) {
	requestID := tools.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = tools.WithRequestID(ctx, requestID)
	}
	log := l.logger.With("request_id", requestID, "project_id", req.ProjectID)
	start := time.Now()

	history := make([]llm.Message, len(req.Messages), len(req.Messages)+2*l.cfg.MaxIterations)
	copy(history, req.Messages)

	resp := &Response{Model: l.cfg.Model, RequestID: requestID}
	var text strings.Builder

	log.Info("agent loop started", "messages", len(req.Messages), "model", l.cfg.Model)
	l.bus.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"request_id": requestID,
		"project_id": req.ProjectID,
		"messages":   len(req.Messages),
	})

	for iter := 0; ; iter++ {
		if iter >= l.cfg.MaxIterations {
			resp.StopReason = StopMaxIterations
			log.Warn("iteration ceiling reached", "iterations", iter)
			break
		}
		resp.Iterations = iter + 1

		l.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
			"request_id": requestID,
			"iter":       iter,
			"model":      l.cfg.Model,
		})
		callStart := time.Now()
		out, err := l.client.Chat(ctx, llm.ChatRequest{
			Model:     l.cfg.Model,
			System:    req.System,
			Messages:  history,
			Tools:     l.defs,
			MaxTokens: l.cfg.MaxTokens,
		})
		l.metrics.ModelCall(time.Since(callStart), err, tokensIn(out), tokensOut(out))
		if err != nil {
			log.Error("model call failed", "iter", iter, "error", err)
			return nil, fmt.Errorf("model call %d: %w", iter, err)
		}

		if out.Model != "" {
			resp.Model = out.Model
		}
		resp.InputTokens += out.InputTokens
		resp.OutputTokens += out.OutputTokens
		text.WriteString(out.Text())

		uses := out.ToolUses()
		l.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
			"request_id":  requestID,
			"iter":        iter,
			"model":       resp.Model,
			"stop_reason": out.StopReason,
			"tokens_in":   out.InputTokens,
			"tokens_out":  out.OutputTokens,
			"tool_calls":  len(uses),
		})
		log.Debug("model responded",
			"iter", iter,
			"stop_reason", out.StopReason,
			"tool_calls", len(uses),
			"tokens_in", out.InputTokens,
			"tokens_out", out.OutputTokens,
		)

		if out.StopReason != llm.StopToolUse {
			resp.StopReason = out.StopReason
			break
		}
		if len(uses) == 0 {
			resp.StopReason = StopNoToolCalls
			log.Warn("tool_use stop without tool calls", "iter", iter)
			break
		}

		results := l.runTools(ctx, requestID, req.ProjectID, uses)
		resp.ToolCalls += len(uses)

		history = append(history, out.AssistantMessage(), resultMessage(results))
	}

	resp.Content = text.String()
	elapsed := time.Since(start)
	l.metrics.LoopDone(resp.Iterations, resp.StopReason)
	l.bus.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{
		"request_id":  requestID,
		"iterations":  resp.Iterations,
		"stop_reason": resp.StopReason,
		"tokens_in":   resp.InputTokens,
		"tokens_out":  resp.OutputTokens,
		"elapsed_ms":  elapsed.Milliseconds(),
	})
	log.Info("agent loop completed",
		"iterations", resp.Iterations,
		"stop_reason", resp.StopReason,
		"tool_calls", resp.ToolCalls,
		"tokens_in", resp.InputTokens,
		"tokens_out", resp.OutputTokens,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return resp, nil
}

func (l *Loop) runTools(ctx context.Context, requestID, projectID string, uses []llm.ContentBlock) []tools.Result {
	calls := make([]tools.Call, 0, len(uses))
	for _, u := range uses {
		calls = append(calls, tools.Call{ID: u.ID, Name: u.Name, Input: u.Input})
		l.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
			"request_id":   requestID,
			"tool":         u.Name,
			"tool_call_id": u.ID,
		})
	}

	results := l.tools.ExecuteAll(ctx, projectID, calls)

	for i, r := range results {
		name := calls[i].Name
		label := name
		if !l.known[name] {
			label = "unknown"
		}
		l.metrics.ToolCall(label, r.Duration, !r.IsError)
		l.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
			"request_id":   requestID,
			"tool":         name,
			"tool_call_id": r.ToolCallID,
			"ok":           !r.IsError,
			"duration_ms":  r.Duration.Milliseconds(),
		})
	}
	return results
}

// resultMessage packs every tool result of one turn into a single user
// turn.
func resultMessage(results []tools.Result) llm.Message {
	blocks := make([]llm.ContentBlock, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, llm.ContentBlock{
			Type:      llm.BlockToolResult,
			ToolUseID: r.ToolCallID,
			Content:   string(r.Content),
			IsError:   r.IsError,
		})
	}
	return llm.Message{Role: llm.RoleUser, Content: blocks}
}

func tokensIn(r *llm.ChatResponse) int {
	if r == nil {
		return 0
	}
	return r.InputTokens
}

func tokensOut(r *llm.ChatResponse) int {
	if r == nil {
		return 0
	}
	return r.OutputTokens
}
