package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// AppendChangelog writes an entry. Entry ids are ULIDs so they sort by
// creation time.
func (s *Store) AppendChangelog(ctx context.Context, e NewChangelogEntry) (*ChangelogEntry, error) {
	now := s.now()
	entry := ChangelogEntry{
		ID:              ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Type:            e.Type,
		Title:           e.Title,
		Description:     e.Description,
		PreviousStatus:  e.PreviousStatus,
		NewStatus:       e.NewStatus,
		IsAutoGenerated: e.IsAutoGenerated,
	}
	if e.ProjectID != "" {
		pid := e.ProjectID
		entry.ProjectID = &pid
	}
	stamp := formatTime(now)
	entry.CreatedAt = parseTime(stamp)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO changelog_entries
		 (id, project_id, type, title, description, previous_status, new_status, is_auto_generated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, nullString(entry.ProjectID), entry.Type, entry.Title, entry.Description,
		nullString(entry.PreviousStatus), nullString(entry.NewStatus), entry.IsAutoGenerated, stamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert changelog entry: %w", err)
	}
	return &entry, nil
}

// ListChangelog returns up to limit entries for a project, newest first.
func (s *Store) ListChangelog(ctx context.Context, projectID string, limit int) ([]ChangelogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, type, title, description, previous_status, new_status, is_auto_generated, created_at
		 FROM changelog_entries WHERE project_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list changelog: %w", err)
	}
	defer rows.Close()

	entries := []ChangelogEntry{}
	for rows.Next() {
		var (
			e               ChangelogEntry
			pid, prev, next sql.NullString
			createdAt       string
		)
		if err := rows.Scan(&e.ID, &pid, &e.Type, &e.Title, &e.Description, &prev, &next,
			&e.IsAutoGenerated, &createdAt); err != nil {
			return nil, err
		}
		e.ProjectID = stringPtr(pid)
		e.PreviousStatus = stringPtr(prev)
		e.NewStatus = stringPtr(next)
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
