package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/foreman/internal/store"
)

// memoryCmd holds the state shared by the memory subcommands.
type memoryCmd struct {
	g        *globalFlags
	project  string
	category string
	ttl      time.Duration
}

func newMemoryCmd(g *globalFlags) *cobra.Command {
	mc := &memoryCmd{g: g}
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Manage the memories included in the assistant's context",
	}

	add := &cobra.Command{
		Use:   "add <content>",
		Short: "Record a memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mc.add(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), strings.Join(args, " "))
		},
	}
	add.Flags().StringVarP(&mc.project, "project", "p", "", "Project slug (default: global)")
	add.Flags().StringVar(&mc.category, "category", "insight", "Category: "+strings.Join(store.MemoryCategories, ", "))
	add.Flags().DurationVar(&mc.ttl, "ttl", 0, "Expire the memory after this long (default: never)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List active memories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return mc.list(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	list.Flags().StringVarP(&mc.project, "project", "p", "", "Include memories for this project slug")

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mc.remove(cmd.Context(), cmd.ErrOrStderr(), args[0])
		},
	}

	cmd.AddCommand(add, list, rm)
	return cmd
}

func (mc *memoryCmd) open(ctx context.Context, logw io.Writer) (*store.Store, error) {
	cfg, _, err := loadConfig(mc.g.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(logw, cfg)
	if err != nil {
		return nil, err
	}
	return openStore(ctx, cfg, logger)
}

// projectID resolves the --project slug. An empty slug means global.
func (mc *memoryCmd) projectID(ctx context.Context, st *store.Store) (string, error) {
	if mc.project == "" {
		return "", nil
	}
	p, err := st.GetProjectBySlug(ctx, mc.project)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("no project with slug %q", mc.project)
	}
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

func (mc *memoryCmd) add(ctx context.Context, stdout, stderr io.Writer, content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("memory content is required")
	}
	if mc.ttl < 0 {
		return errors.New("ttl must not be negative")
	}

	st, err := mc.open(ctx, stderr)
	if err != nil {
		return err
	}
	defer st.Close()

	pid, err := mc.projectID(ctx, st)
	if err != nil {
		return err
	}

	nm := store.NewMemory{Content: content, Category: mc.category, ProjectID: pid}
	if mc.ttl > 0 {
		exp := time.Now().Add(mc.ttl)
		nm.ExpiresAt = &exp
	}
	mem, err := st.AddMemory(ctx, nm)
	if err != nil {
		return err
	}

	if mc.g.json() {
		return writeJSON(stdout, mem)
	}
	fmt.Fprintln(stdout, mem.ID)
	return nil
}

func (mc *memoryCmd) list(ctx context.Context, stdout, stderr io.Writer) error {
	st, err := mc.open(ctx, stderr)
	if err != nil {
		return err
	}
	defer st.Close()

	pid, err := mc.projectID(ctx, st)
	if err != nil {
		return err
	}
	memories, err := st.ActiveMemories(ctx, pid, time.Now(), store.MaxContextMemories)
	if err != nil {
		return err
	}

	if mc.g.json() {
		return writeJSON(stdout, memories)
	}
	for _, m := range memories {
		scope := "global"
		if m.ProjectID != nil {
			scope = "project"
		}
		fmt.Fprintf(stdout, "%s  [%s] %-7s %s\n", m.ID, m.Category, scope, m.Content)
	}
	return nil
}

func (mc *memoryCmd) remove(ctx context.Context, stderr io.Writer, id string) error {
	st, err := mc.open(ctx, stderr)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.DeleteMemory(ctx, id)
}
