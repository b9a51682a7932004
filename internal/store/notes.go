package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// NewNote holds the fields accepted on note creation.
type NewNote struct {
	Title    string
	Category string
	Content  string
	IsPinned bool
}

// NewFeedback holds the fields accepted on feedback creation.
type NewFeedback struct {
	Reason    string
	SubOption *string
	Priority  *string
	Notes     *string
	Status    string
	Page      *string
}

// CreateNote adds a note to a project.
func (s *Store) CreateNote(ctx context.Context, projectID string, n NewNote) (*Note, error) {
	note := Note{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Title:     n.Title,
		Category:  orDefault(n.Category, "general"),
		Content:   n.Content,
		IsPinned:  n.IsPinned,
	}
	stamp := s.stamp()
	note.CreatedAt = parseTime(stamp)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notes (id, project_id, title, category, content, is_pinned, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		note.ID, note.ProjectID, note.Title, note.Category, note.Content, note.IsPinned, stamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert note: %w", err)
	}
	return &note, nil
}

// ListNotes returns up to limit notes for a project, newest first.
func (s *Store) ListNotes(ctx context.Context, projectID string, limit int) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, title, category, content, is_pinned, created_at
		 FROM notes WHERE project_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	notes := []Note{}
	for rows.Next() {
		var n Note
		var createdAt string
		if err := rows.Scan(&n.ID, &n.ProjectID, &n.Title, &n.Category, &n.Content, &n.IsPinned, &createdAt); err != nil {
			return nil, err
		}
		n.CreatedAt = parseTime(createdAt)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// CreateFeedback files feedback against a project.
func (s *Store) CreateFeedback(ctx context.Context, projectID string, f NewFeedback) (*Feedback, error) {
	fb := Feedback{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Reason:    f.Reason,
		SubOption: f.SubOption,
		Priority:  f.Priority,
		Notes:     f.Notes,
		Status:    orDefault(f.Status, "new"),
		Page:      f.Page,
	}
	stamp := s.stamp()
	fb.CreatedAt = parseTime(stamp)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, project_id, reason, sub_option, priority, notes, status, page, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fb.ID, fb.ProjectID, fb.Reason, nullString(fb.SubOption), nullString(fb.Priority),
		nullString(fb.Notes), fb.Status, nullString(fb.Page), stamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert feedback: %w", err)
	}
	return &fb, nil
}

// ListFeedback returns every feedback item for a project, newest first.
func (s *Store) ListFeedback(ctx context.Context, projectID string) ([]Feedback, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, reason, sub_option, priority, notes, status, page, created_at
		 FROM feedback WHERE project_id = ?
		 ORDER BY created_at DESC, rowid DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	items := []Feedback{}
	for rows.Next() {
		var (
			f                                Feedback
			subOption, priority, notes, page sql.NullString
			createdAt                        string
		)
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Reason, &subOption, &priority, &notes,
			&f.Status, &page, &createdAt); err != nil {
			return nil, err
		}
		f.SubOption = stringPtr(subOption)
		f.Priority = stringPtr(priority)
		f.Notes = stringPtr(notes)
		f.Page = stringPtr(page)
		f.CreatedAt = parseTime(createdAt)
		items = append(items, f)
	}
	return items, rows.Err()
}
