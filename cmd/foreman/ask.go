package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/foreman/internal/agent"
	"github.com/nugget/foreman/internal/changelog"
	"github.com/nugget/foreman/internal/llm"
	"github.com/nugget/foreman/internal/prompts"
	"github.com/nugget/foreman/internal/store"
	"github.com/nugget/foreman/internal/tools"
)

// askResult is the JSON form of an ask reply.
type askResult struct {
	Project    string `json:"project"`
	Reply      string `json:"reply"`
	Model      string `json:"model"`
	Iterations int    `json:"iterations"`
	StopReason string `json:"stop_reason"`
	ToolCalls  int    `json:"tool_calls"`
	RequestID  string `json:"request_id"`
}

func newAskCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <project-slug> <question>",
		Short: "Ask the assistant one question about a project",
		Long: "Ask the assistant one question about a project. The assistant can call " +
			"every tool, including the write tools, exactly as it does from the dashboard.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), g, args[0], strings.Join(args[1:], " "))
		},
	}
}

// runAsk boots the store and a loop without the HTTP server, runs a
// single request, and prints the reply. Logs go to stderr so stdout
// carries only the answer.
func runAsk(ctx context.Context, stdout, stderr io.Writer, g *globalFlags, slug, question string) error {
	cfg, cfgPath, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(stderr, cfg)
	if err != nil {
		return err
	}
	logger.Debug("config loaded", "path", cfgPath)

	if !cfg.Anthropic.Configured() {
		return errors.New("ask: anthropic.api_key is not configured")
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	project, err := st.GetProjectBySlug(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("ask: no project with slug %q", slug)
	}
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	now := time.Now()
	memories, err := st.ActiveMemories(ctx, project.ID, now, store.MaxContextMemories)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	registry := tools.NewRegistry()
	dispatcher := tools.NewDispatcher(registry, st, changelog.NewRecorder(st, nil, logger), logger, cfg.Agent.ToolConcurrency)
	loop := newAssistant(cfg, logger, dispatcher, registry)

	resp, err := loop.Run(ctx, agent.Request{
		ProjectID: project.ID,
		System:    prompts.SystemPrompt(project, memories, registry.Capabilities(), now),
		Messages:  []llm.Message{llm.TextMessage(llm.RoleUser, question)},
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if err := st.RecordUsage(ctx, store.UsageRecord{
		RequestID:    resp.RequestID,
		ProjectID:    project.ID,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Iterations:   resp.Iterations,
		ToolCalls:    resp.ToolCalls,
		StopReason:   resp.StopReason,
		Source:       store.UsageSourceCLI,
	}); err != nil {
		logger.Warn("usage not recorded", "request_id", resp.RequestID, "error", err)
	}

	reply := resp.Content
	if reply == "" {
		reply = prompts.NoResponseFallback
	}

	if g.json() {
		return writeJSON(stdout, askResult{
			Project:    project.Slug,
			Reply:      reply,
			Model:      resp.Model,
			Iterations: resp.Iterations,
			StopReason: resp.StopReason,
			ToolCalls:  resp.ToolCalls,
			RequestID:  resp.RequestID,
		})
	}
	fmt.Fprintln(stdout, reply)
	return nil
}
