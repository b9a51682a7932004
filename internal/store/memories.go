package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxContextMemories caps how many memories are loaded into one prompt.
const MaxContextMemories = 50

// NewMemory holds the fields accepted when recording a memory. An empty
// ProjectID makes the memory global.
type NewMemory struct {
	Content   string
	Category  string
	ProjectID string
	ExpiresAt *time.Time
}

// AddMemory records a memory.
func (s *Store) AddMemory(ctx context.Context, m NewMemory) (*Memory, error) {
	category := orDefault(m.Category, "insight")
	if !ValidMemoryCategory(category) {
		return nil, fmt.Errorf("unknown memory category %q", category)
	}

	mem := Memory{
		ID:        uuid.NewString(),
		Content:   m.Content,
		Category:  category,
		ExpiresAt: m.ExpiresAt,
	}
	if m.ProjectID != "" {
		pid := m.ProjectID
		mem.ProjectID = &pid
	}
	stamp := s.stamp()
	mem.CreatedAt = parseTime(stamp)

	var expires sql.NullString
	if m.ExpiresAt != nil {
		expires = sql.NullString{String: formatTime(*m.ExpiresAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, content, category, project_id, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		mem.ID, mem.Content, mem.Category, nullString(mem.ProjectID), stamp, expires,
	)
	if err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}
	return &mem, nil
}

// ActiveMemories returns memories unexpired at now that are global or
// belong to projectID, newest first, at most limit.
func (s *Store) ActiveMemories(ctx context.Context, projectID string, now time.Time, limit int) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, category, project_id, created_at, expires_at
		 FROM memories
		 WHERE (project_id IS NULL OR project_id = ?)
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		projectID, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	memories := []Memory{}
	for rows.Next() {
		var (
			m              Memory
			pid, expiresAt sql.NullString
			createdAt      string
		)
		if err := rows.Scan(&m.ID, &m.Content, &m.Category, &pid, &createdAt, &expiresAt); err != nil {
			return nil, err
		}
		m.ProjectID = stringPtr(pid)
		m.CreatedAt = parseTime(createdAt)
		if expiresAt.Valid {
			t := parseTime(expiresAt.String)
			m.ExpiresAt = &t
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// DeleteMemory removes a memory by id.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	return nil
}
