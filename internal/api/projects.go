package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nugget/foreman/internal/store"
)

const maxProjectBody = 256 << 10

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// slugify lowercases name and collapses every run of other characters
// into a single hyphen.
func slugify(name string) string {
	return strings.Trim(nonSlugChars.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

var (
	phasesSchema   = map[string]any{"type": "array", "items": map[string]any{"type": "object"}}
	blockersSchema = map[string]any{"type": "array", "items": map[string]any{"type": "object"}}

	createProjectSchema = mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":        map[string]any{"type": "string", "minLength": 1, "maxLength": 100},
			"slug":        map[string]any{"type": "string", "minLength": 1, "maxLength": 100, "pattern": "^[a-z0-9-]+$"},
			"description": map[string]any{"type": "string", "maxLength": 500},
			"phases":      phasesSchema,
			"blockers":    blockersSchema,
		},
		"required": []string{"name"},
	})

	updateProjectSchema = mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":        map[string]any{"type": "string", "minLength": 1, "maxLength": 100},
			"description": map[string]any{"type": []string{"string", "null"}, "maxLength": 500},
			"phases":      phasesSchema,
			"blockers":    blockersSchema,
		},
	})
)

func mustSchema(v map[string]any) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(v))
	if err != nil {
		panic(fmt.Sprintf("api: compile schema: %v", err))
	}
	return s
}

// validateBody checks body against schema and returns one line per
// violation.
func validateBody(schema *gojsonschema.Schema, body []byte) ([]string, error) {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, err
	}
	var details []string
	for _, e := range result.Errors() {
		details = append(details, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return details, nil
}

// readValidated reads the body and checks it against schema. It writes
// the 400 response itself and returns nil on failure.
func (s *Server) readValidated(w http.ResponseWriter, r *http.Request, schema *gojsonschema.Schema) []byte {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProjectBody))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return nil
	}
	details, err := validateBody(schema, body)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return nil
	}
	if len(details) > 0 {
		s.errorDetails(w, http.StatusBadRequest, "Invalid project data", details)
		return nil
	}
	return body
}

type createProjectRequest struct {
	Name        string          `json:"name"`
	Slug        string          `json:"slug"`
	Description string          `json:"description"`
	Phases      []store.Phase   `json:"phases"`
	Blockers    []store.Blocker `json:"blockers"`
}

type updateProjectRequest struct {
	Name        *string          `json:"name"`
	Description json.RawMessage  `json:"description"`
	Phases      *[]store.Phase   `json:"phases"`
	Blockers    *[]store.Blocker `json:"blockers"`
}

type projectBody struct {
	Success bool           `json:"success,omitempty"`
	Project *store.Project `json:"project"`
}

func (s *Server) handleProjectList(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.logger.Error("list projects", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch projects")
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleProjectCreate(w http.ResponseWriter, r *http.Request) {
	body := s.readValidated(w, r, createProjectSchema)
	if body == nil {
		return
	}
	var req createProjectRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.errorDetails(w, http.StatusBadRequest, "Invalid project data", []string{err.Error()})
		return
	}

	slug := req.Slug
	if slug == "" {
		slug = slugify(req.Name)
	}
	if slug == "" {
		s.errorDetails(w, http.StatusBadRequest, "Invalid project data", []string{"slug: cannot be derived from name"})
		return
	}

	project, err := s.store.CreateProject(r.Context(), store.NewProject{
		Name:        req.Name,
		Slug:        slug,
		Description: req.Description,
		Phases:      req.Phases,
		Blockers:    req.Blockers,
	})
	if errors.Is(err, store.ErrConflict) {
		s.errorResponse(w, http.StatusConflict, "A project with that slug already exists")
		return
	}
	if err != nil {
		s.logger.Error("create project", "slug", slug, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to create project")
		return
	}
	s.logger.Info("project created", "id", project.ID, "slug", project.Slug)
	s.respond(w, http.StatusCreated, projectBody{Success: true, Project: project})
}

func (s *Server) handleProjectGet(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectBySlug(w, r)
	if !ok {
		return
	}
	s.respond(w, http.StatusOK, projectBody{Project: project})
}

func (s *Server) handleProjectUpdate(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectBySlug(w, r)
	if !ok {
		return
	}
	body := s.readValidated(w, r, updateProjectSchema)
	if body == nil {
		return
	}
	var req updateProjectRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.errorDetails(w, http.StatusBadRequest, "Invalid project data", []string{err.Error()})
		return
	}

	u := store.ProjectUpdate{Name: req.Name, Phases: req.Phases, Blockers: req.Blockers}
	if len(req.Description) > 0 {
		// null clears the description.
		var desc *string
		if err := json.Unmarshal(req.Description, &desc); err != nil {
			s.errorDetails(w, http.StatusBadRequest, "Invalid project data", []string{err.Error()})
			return
		}
		if desc == nil {
			desc = new(string)
		}
		u.Description = desc
	}

	updated, err := s.store.UpdateProject(r.Context(), project.ID, u)
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "Project not found")
		return
	}
	if err != nil {
		s.logger.Error("update project", "id", project.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to update project")
		return
	}
	s.respond(w, http.StatusOK, projectBody{Success: true, Project: updated})
}

func (s *Server) handleProjectDelete(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectBySlug(w, r)
	if !ok {
		return
	}
	err := s.store.DeleteProject(r.Context(), project.ID)
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "Project not found")
		return
	}
	if err != nil {
		s.logger.Error("delete project", "id", project.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to delete project")
		return
	}
	s.logger.Info("project deleted", "id", project.ID, "slug", project.Slug)
	s.respond(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) projectBySlug(w http.ResponseWriter, r *http.Request) (*store.Project, bool) {
	slug := r.PathValue("slug")
	project, err := s.store.GetProjectBySlug(r.Context(), slug)
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "Project not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get project", "slug", slug, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch project")
		return nil, false
	}
	return project, true
}
