package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const projectColumns = `id, name, slug, description, phases, blockers, revision, created_at, updated_at`

// CreateProject inserts a project. A duplicate slug returns ErrConflict.
func (s *Store) CreateProject(ctx context.Context, p NewProject) (*Project, error) {
	phases, blockers := p.Phases, p.Blockers
	if phases == nil {
		phases = []Phase{}
	}
	if blockers == nil {
		blockers = []Blocker{}
	}
	phasesJSON, err := json.Marshal(phases)
	if err != nil {
		return nil, fmt.Errorf("marshal phases: %w", err)
	}
	blockersJSON, err := json.Marshal(blockers)
	if err != nil {
		return nil, fmt.Errorf("marshal blockers: %w", err)
	}

	id := uuid.NewString()
	now := s.stamp()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		id, p.Name, p.Slug, p.Description, string(phasesJSON), string(blockersJSON), now, now,
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("project slug %q: %w", p.Slug, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return s.GetProject(ctx, id)
}

// ListProjects returns every project, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := []Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// GetProject loads a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return p, err
}

// GetProjectBySlug loads a project by its unique slug.
func (s *Store) GetProjectBySlug(ctx context.Context, slug string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE slug = ?`, slug)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %q: %w", slug, ErrNotFound)
	}
	return p, err
}

// UpdateProject applies a partial update. Writing phases or blockers
// bumps the revision.
func (s *Store) UpdateProject(ctx context.Context, id string, u ProjectUpdate) (*Project, error) {
	sets := []string{"updated_at = ?"}
	args := []any{s.stamp()}

	if u.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *u.Name)
	}
	if u.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *u.Description)
	}
	bump := false
	if u.Phases != nil {
		data, err := marshalList(*u.Phases)
		if err != nil {
			return nil, fmt.Errorf("marshal phases: %w", err)
		}
		sets = append(sets, "phases = ?")
		args = append(args, data)
		bump = true
	}
	if u.Blockers != nil {
		data, err := marshalList(*u.Blockers)
		if err != nil {
			return nil, fmt.Errorf("marshal blockers: %w", err)
		}
		sets = append(sets, "blockers = ?")
		args = append(args, data)
		bump = true
	}
	if bump {
		sets = append(sets, "revision = revision + 1")
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return s.GetProject(ctx, id)
}

// DeleteProject removes a project and everything scoped to it.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	for _, table := range []string{"tasks", "notes", "feedback", "changelog_entries", "memories"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE project_id = ?`, id); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// SetPhases replaces the project's phases wholesale and returns the new
// revision. When expected is non-nil and differs from the stored
// revision, nothing is written and ErrConflict is returned.
func (s *Store) SetPhases(ctx context.Context, projectID string, phases []Phase, expected *int64) (int64, error) {
	data, err := marshalList(phases)
	if err != nil {
		return 0, fmt.Errorf("marshal phases: %w", err)
	}
	return s.replaceColumn(ctx, projectID, "phases", data, expected)
}

// SetBlockers replaces the project's blockers wholesale and returns the
// new revision. See SetPhases for the expected-revision contract.
func (s *Store) SetBlockers(ctx context.Context, projectID string, blockers []Blocker, expected *int64) (int64, error) {
	data, err := marshalList(blockers)
	if err != nil {
		return 0, fmt.Errorf("marshal blockers: %w", err)
	}
	return s.replaceColumn(ctx, projectID, "blockers", data, expected)
}

func (s *Store) replaceColumn(ctx context.Context, projectID, column, data string, expected *int64) (int64, error) {
	query := `UPDATE projects SET ` + column + ` = ?, revision = revision + 1, updated_at = ? WHERE id = ?`
	args := []any{data, s.stamp(), projectID}
	if expected != nil {
		query += ` AND revision = ?`
		args = append(args, *expected)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		p, err := s.GetProject(ctx, projectID)
		if err != nil {
			return 0, err
		}
		if expected == nil {
			return 0, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
		}
		return 0, fmt.Errorf("project revision is %d, expected %d: %w", p.Revision, *expected, ErrConflict)
	}

	var rev int64
	if err := s.db.QueryRowContext(ctx, `SELECT revision FROM projects WHERE id = ?`, projectID).Scan(&rev); err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return rev, nil
}

func marshalList[T any](items []T) (string, error) {
	if items == nil {
		items = []T{}
	}
	data, err := json.Marshal(items)
	return string(data), err
}

func scanProject(row rowScanner) (*Project, error) {
	var (
		p                    Project
		phases, blockers     string
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Slug, &p.Description, &phases, &blockers,
		&p.Revision, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(phases), &p.Phases); err != nil {
		return nil, fmt.Errorf("decode phases for %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(blockers), &p.Blockers); err != nil {
		return nil, fmt.Errorf("decode blockers for %s: %w", p.ID, err)
	}
	if p.Phases == nil {
		p.Phases = []Phase{}
	}
	if p.Blockers == nil {
		p.Blockers = []Blocker{}
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}
