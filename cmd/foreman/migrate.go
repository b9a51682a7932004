package main

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
)

type migrationRow struct {
	Version   int64      `json:"version"`
	File      string     `json:"file"`
	State     string     `json:"state"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

func newMigrateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and print their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, _, err := loadConfig(g.configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg)
			if err != nil {
				return err
			}

			st, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			status, err := st.MigrationStatus(ctx)
			if err != nil {
				return fmt.Errorf("migration status: %w", err)
			}
			return printMigrations(cmd.OutOrStdout(), status, g.json())
		},
	}
}

func printMigrations(w io.Writer, status []*goose.MigrationStatus, asJSON bool) error {
	rows := make([]migrationRow, 0, len(status))
	for _, s := range status {
		row := migrationRow{
			Version: s.Source.Version,
			File:    filepath.Base(s.Source.Path),
			State:   string(s.State),
		}
		if !s.AppliedAt.IsZero() {
			at := s.AppliedAt.UTC()
			row.AppliedAt = &at
		}
		rows = append(rows, row)
	}

	if asJSON {
		return writeJSON(w, rows)
	}
	for _, r := range rows {
		applied := "-"
		if r.AppliedAt != nil {
			applied = r.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%-6d %-8s %-22s %s\n", r.Version, r.State, applied, r.File)
	}
	return nil
}
