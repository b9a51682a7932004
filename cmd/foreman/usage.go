package main

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/foreman/internal/store"
)

// usageReport is the JSON form of the usage command's output.
type usageReport struct {
	Since     time.Time                      `json:"since"`
	Until     time.Time                      `json:"until"`
	Total     *store.UsageSummary            `json:"total"`
	ByModel   map[string]*store.UsageSummary `json:"by_model"`
	ByProject map[string]*store.UsageSummary `json:"by_project"`
}

func newUsageCmd(g *globalFlags) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarize assistant token usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if since <= 0 {
				return errors.New("--since must be positive")
			}
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

			until := time.Now().UTC()
			rep := usageReport{Since: until.Add(-since), Until: until}
			if rep.Total, err = st.UsageTotals(ctx, rep.Since, rep.Until); err != nil {
				return err
			}
			if rep.ByModel, err = st.UsageByModel(ctx, rep.Since, rep.Until); err != nil {
				return err
			}
			if rep.ByProject, err = st.UsageByProject(ctx, rep.Since, rep.Until); err != nil {
				return err
			}

			if g.json() {
				return writeJSON(cmd.OutOrStdout(), rep)
			}
			printUsage(cmd.OutOrStdout(), rep)
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "Report on this much history")
	return cmd
}

func printUsage(w io.Writer, rep usageReport) {
	fmt.Fprintf(w, "Usage since %s\n", rep.Since.Format(time.RFC3339))
	printUsageLine(w, "total", rep.Total)

	fmt.Fprintln(w, "\nBy model:")
	for _, k := range sortedKeys(rep.ByModel) {
		printUsageLine(w, k, rep.ByModel[k])
	}

	fmt.Fprintln(w, "\nBy project:")
	for _, k := range sortedKeys(rep.ByProject) {
		name := k
		if name == "" {
			name = "(none)"
		}
		printUsageLine(w, name, rep.ByProject[k])
	}
}

func printUsageLine(w io.Writer, label string, s *store.UsageSummary) {
	fmt.Fprintf(w, "  %-36s %5d requests %9d in %9d out %6d tools\n",
		label, s.Requests, s.InputTokens, s.OutputTokens, s.ToolCalls)
}

func sortedKeys(m map[string]*store.UsageSummary) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
