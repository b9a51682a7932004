package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Usage sources.
const (
	UsageSourceChat = "chat"
	UsageSourceCLI  = "cli"
)

// UsageRecord is the token usage of one completed assistant request.
// Records are append-only.
type UsageRecord struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	ProjectID    string    `json:"project_id"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Iterations   int       `json:"iterations"`
	ToolCalls    int       `json:"tool_calls"`
	StopReason   string    `json:"stop_reason"`
	Source       string    `json:"source"`
	CreatedAt    time.Time `json:"created_at"`
}

// UsageSummary holds aggregated totals.
type UsageSummary struct {
	Requests     int   `json:"requests"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	ToolCalls    int64 `json:"tool_calls"`
}

// RecordUsage appends a usage record. ID and CreatedAt are assigned when
// empty.
func (s *Store) RecordUsage(ctx context.Context, rec UsageRecord) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	var pid *string
	if rec.ProjectID != "" {
		pid = &rec.ProjectID
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
		 (id, request_id, project_id, model, input_tokens, output_tokens, iterations, tool_calls, stop_reason, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RequestID, nullString(pid), rec.Model, rec.InputTokens, rec.OutputTokens,
		rec.Iterations, rec.ToolCalls, rec.StopReason, rec.Source, formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// UsageTotals returns aggregated totals for records in [start, end).
func (s *Store) UsageTotals(ctx context.Context, start, end time.Time) (*UsageSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(tool_calls), 0)
		 FROM usage_records
		 WHERE created_at >= ? AND created_at < ?`,
		formatTime(start), formatTime(end))

	var sum UsageSummary
	if err := row.Scan(&sum.Requests, &sum.InputTokens, &sum.OutputTokens, &sum.ToolCalls); err != nil {
		return nil, fmt.Errorf("query usage totals: %w", err)
	}
	return &sum, nil
}

// UsageByModel returns per-model totals for records in [start, end).
func (s *Store) UsageByModel(ctx context.Context, start, end time.Time) (map[string]*UsageSummary, error) {
	return s.usageGroupedBy(ctx, "model", start, end)
}

// UsageByProject returns per-project totals for records in [start, end).
// Records without a project are grouped under "".
func (s *Store) UsageByProject(ctx context.Context, start, end time.Time) (map[string]*UsageSummary, error) {
	return s.usageGroupedBy(ctx, "project_id", start, end)
}

// usageGroupedBy aggregates by column, which must be a constant from the
// methods above.
func (s *Store) usageGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*UsageSummary, error) {
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(tool_calls), 0)
		 FROM usage_records
		 WHERE created_at >= ? AND created_at < ?
		 GROUP BY %s`,
		column, column)

	rows, err := s.db.QueryContext(ctx, query, formatTime(start), formatTime(end))
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*UsageSummary)
	for rows.Next() {
		var (
			key string
			sum UsageSummary
		)
		if err := rows.Scan(&key, &sum.Requests, &sum.InputTokens, &sum.OutputTokens, &sum.ToolCalls); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}
