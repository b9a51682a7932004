package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/foreman/internal/agent"
	"github.com/nugget/foreman/internal/llm"
	"github.com/nugget/foreman/internal/prompts"
	"github.com/nugget/foreman/internal/store"
)

// ChatMessage is one client-supplied conversation turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /api/admin/ai/chat.
type ChatRequest struct {
	Messages  []ChatMessage `json:"messages"`
	ProjectID string        `json:"projectId"`
}

// ChatResponse is the success body of POST /api/admin/ai/chat.
type ChatResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// maxChatBody bounds the request body; transcripts are resent in full
// on every call.
const maxChatBody = 1 << 20

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		s.errorResponse(w, http.StatusInternalServerError,
			"Anthropic API key not configured. Set anthropic.api_key in config.yaml.")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "Messages array is required")
		return
	}
	messages := make([]llm.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			s.errorResponse(w, http.StatusBadRequest, "Message role must be user or assistant")
			return
		}
		if strings.TrimSpace(m.Content) == "" {
			s.errorResponse(w, http.StatusBadRequest, "Message content must not be empty")
			return
		}
		messages = append(messages, llm.TextMessage(m.Role, m.Content))
	}
	if req.ProjectID == "" {
		s.errorResponse(w, http.StatusBadRequest, "projectId is required")
		return
	}

	if s.chatTimeout > 0 {
		if err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(s.chatTimeout)); err != nil {
			s.logger.Debug("chat write deadline not extended", "error", err)
		}
	}

	ctx := r.Context()
	project, err := s.store.GetProject(ctx, req.ProjectID)
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "Project not found")
		return
	}
	if err != nil {
		s.logger.Error("load project for chat", "project_id", req.ProjectID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "An error occurred")
		return
	}

	now := s.now()
	memories, err := s.store.ActiveMemories(ctx, project.ID, now, store.MaxContextMemories)
	if err != nil {
		s.logger.Error("load memories for chat", "project_id", project.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "An error occurred")
		return
	}

	resp, err := s.assistant.Run(ctx, agent.Request{
		ProjectID: project.ID,
		System:    prompts.SystemPrompt(project, memories, s.capabilities, now),
		Messages:  messages,
	})
	if err != nil {
		s.logger.Error("chat request failed", "project_id", project.ID, "error", err)
		if llm.IsAuth(err) {
			s.errorResponse(w, http.StatusUnauthorized, "Invalid API key. Please check your Anthropic API key.")
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "An error occurred")
		return
	}

	s.recordUsage(r.Context(), project.ID, resp)

	message := resp.Content
	if message == "" {
		message = prompts.NoResponseFallback
	}
	s.respond(w, http.StatusOK, ChatResponse{Success: true, Message: message})
}

// recordUsage stores the request's token usage. A failure is logged and
// never affects the reply.
func (s *Server) recordUsage(ctx context.Context, projectID string, resp *agent.Response) {
	err := s.store.RecordUsage(ctx, store.UsageRecord{
		RequestID:    resp.RequestID,
		ProjectID:    projectID,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Iterations:   resp.Iterations,
		ToolCalls:    resp.ToolCalls,
		StopReason:   resp.StopReason,
		Source:       store.UsageSourceChat,
	})
	if err != nil {
		s.logger.Warn("usage not recorded", "request_id", resp.RequestID, "error", err)
	}
}
