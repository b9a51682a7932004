// Package api implements the admin HTTP API: the assistant chat
// endpoint, project management, the live changelog feed, and the
// health, version and metrics endpoints.
package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/foreman/internal/agent"
	"github.com/nugget/foreman/internal/buildinfo"
	"github.com/nugget/foreman/internal/events"
	"github.com/nugget/foreman/internal/metrics"
	"github.com/nugget/foreman/internal/prompts"
	"github.com/nugget/foreman/internal/ratelimit"
	"github.com/nugget/foreman/internal/store"
	"github.com/nugget/foreman/internal/tools"
)

// SessionCookie is the cookie carrying the admin session token.
const SessionCookie = "admin_session"

// Store is the persistence the API needs.
type Store interface {
	ListProjects(ctx context.Context) ([]store.Project, error)
	GetProject(ctx context.Context, id string) (*store.Project, error)
	GetProjectBySlug(ctx context.Context, slug string) (*store.Project, error)
	CreateProject(ctx context.Context, p store.NewProject) (*store.Project, error)
	UpdateProject(ctx context.Context, id string, u store.ProjectUpdate) (*store.Project, error)
	DeleteProject(ctx context.Context, id string) error
	ActiveMemories(ctx context.Context, projectID string, now time.Time, limit int) ([]store.Memory, error)
	RecordUsage(ctx context.Context, rec store.UsageRecord) error
	Ping(ctx context.Context) error
}

// Assistant runs one chat request through the conversation loop.
type Assistant interface {
	Run(ctx context.Context, req agent.Request) (*agent.Response, error)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address      string
	port         int
	store        Store
	assistant    Assistant
	capabilities []prompts.Capability
	logger       *slog.Logger
	server       *http.Server
	now          func() time.Time

	sessionToken string
	chatTimeout  time.Duration
	chatLimiter  *ratelimit.Limiter
	apiLimiter   *ratelimit.Limiter
	bus          *events.Bus
	metrics      *metrics.Metrics
}

// NewServer creates a server. assistant may be nil when no model
// credential is configured; chat requests then fail with 500.
func NewServer(address string, port int, st Store, assistant Assistant, capabilities []prompts.Capability, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:      address,
		port:         port,
		store:        st,
		assistant:    assistant,
		capabilities: capabilities,
		logger:       logger.With("component", "api"),
		now:          time.Now,
		server: &http.Server{
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second, // chat extends its own deadline; see SetChatTimeout
		},
	}
}

// SetSessionToken sets the expected admin_session cookie value. When
// empty, any non-empty cookie is accepted.
func (s *Server) SetSessionToken(token string) {
	s.sessionToken = token
}

// SetChatTimeout sets the write deadline for a chat request. It should
// cover the whole conversation loop so the reply envelope still reaches
// the client after the slowest allowed run. Zero keeps the server-wide
// write timeout.
func (s *Server) SetChatTimeout(d time.Duration) {
	s.chatTimeout = d
}

// SetLimiters installs the chat and general API rate limiters. Either
// may be nil to disable limiting for that class of route.
func (s *Server) SetLimiters(chat, api *ratelimit.Limiter) {
	s.chatLimiter = chat
	s.apiLimiter = api
}

// SetEvents sets the bus the changelog feed reads from.
func (s *Server) SetEvents(bus *events.Bus) {
	s.bus = bus
}

// SetMetrics enables request metrics and the /metrics endpoint.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Handler returns the fully wired route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Assistant
	mux.Handle("POST /api/admin/ai/chat", s.admin(s.limit(s.chatLimiter, "chat", s.handleChat)))

	// Projects
	mux.Handle("GET /api/admin/projects", s.admin(s.limit(s.apiLimiter, "api", s.handleProjectList)))
	mux.Handle("POST /api/admin/projects", s.admin(s.limit(s.apiLimiter, "api", s.handleProjectCreate)))
	mux.Handle("GET /api/admin/projects/{slug}", s.admin(s.limit(s.apiLimiter, "api", s.handleProjectGet)))
	mux.Handle("PATCH /api/admin/projects/{slug}", s.admin(s.limit(s.apiLimiter, "api", s.handleProjectUpdate)))
	mux.Handle("DELETE /api/admin/projects/{slug}", s.admin(s.limit(s.apiLimiter, "api", s.handleProjectDelete)))

	// Live changelog
	mux.Handle("GET /api/admin/changelog/feed", s.admin(http.HandlerFunc(s.handleChangelogFeed)))

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return s.withLogging(mux)
}

// Serve accepts connections on ln until Shutdown. A Shutdown that
// happens first makes Serve close ln and return nil.
func (s *Server) Serve(ln net.Listener) error {
	s.server.Handler = s.Handler()
	s.logger.Info("starting API server", "address", ln.Addr().String())
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.address, s.port)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// statusRecorder captures the response code for logging. It forwards
// Hijack so the WebSocket upgrade works through the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(tools.WithRequestID(r.Context(), requestID))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequest(route, rec.status)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", requestID,
		)
	})
}

// admin rejects requests without a valid admin session cookie.
func (s *Server) admin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			s.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	c, err := r.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		return false
	}
	if s.sessionToken == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(c.Value), []byte(s.sessionToken)) == 1
}

// limit applies l to the route, keyed by client identity.
func (s *Server) limit(l *ratelimit.Limiter, endpoint string, next http.HandlerFunc) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := l.Check(ratelimit.ClientID(r))
		ratelimit.SetHeaders(w.Header(), res)
		if !res.Allowed {
			s.metrics.RateLimited(endpoint)
			s.errorResponse(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next(w, r)
	})
}

// errorBody is the error envelope every API route uses.
type errorBody struct {
	Success bool     `json:"success"`
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	s.errorDetails(w, code, message, nil)
}

func (s *Server) errorDetails(w http.ResponseWriter, code int, message string, details []string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, errorBody{Error: message, Details: details}, s.logger)
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, v, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, buildinfo.Info())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", "error", err)
		s.respond(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "healthy"})
}
