// Foreman is the project assistant behind the admin dashboard.
//
// It serves the admin API (chat, projects, live changelog feed), runs
// one-shot questions from the command line, and manages the SQLite
// database. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	foreman serve                      Start the API server
//	foreman ask <slug> <question>      Ask one question about a project
//	foreman migrate                    Apply migrations and print status
//	foreman memory add|list|rm         Manage assistant memories
//	foreman usage [--since 24h]        Summarize assistant token usage
//	foreman init [dir]                 Write a starter config
//	foreman version                    Print version and build information
//	foreman -o json version            Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nugget/foreman/internal/buildinfo"
	"github.com/nugget/foreman/internal/config"
	"github.com/nugget/foreman/internal/store"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run], so
// that os.Exit, os.Stdout and os.Args stay out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Cancelling ctx triggers graceful
// shutdown of a running server. The command tree is built per call, so
// tests can drive run concurrently without shared flag state.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	output     string // "text" or "json"
}

func (g *globalFlags) json() bool { return g.output == "json" }

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "foreman",
		Short:         "Foreman - project assistant for the admin dashboard",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if g.output != "text" && g.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", g.output)
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", "text", "Output format: text or json")

	root.AddCommand(
		newServeCmd(g),
		newAskCmd(g),
		newMigrateCmd(g),
		newMemoryCmd(g),
		newUsageCmd(g),
		newInitCmd(),
		newVersionCmd(g),
	)
	return root
}

func newVersionCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVersion(cmd.OutOrStdout(), g.json())
		},
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, asJSON bool) error {
	info := buildinfo.Info()
	if asJSON {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// newLogger builds the process logger from the config's level and format.
func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return config.NewLogger(w, level, cfg.LogFormat), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// openStore creates the database directory if needed, then opens the
// store and migrates it to the latest schema.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	st, err := store.Open(ctx, cfg.Database.Path, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	return st, nil
}
