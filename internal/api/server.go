// Package api implements the BrickChat HTTP API.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/datasciencemonkey/brickchat/internal/agents"
	"github.com/datasciencemonkey/brickchat/internal/apperr"
	"github.com/datasciencemonkey/brickchat/internal/buildinfo"
	"github.com/datasciencemonkey/brickchat/internal/chat"
	"github.com/datasciencemonkey/brickchat/internal/connwatch"
	"github.com/datasciencemonkey/brickchat/internal/documents"
	"github.com/datasciencemonkey/brickchat/internal/identity"
	"github.com/datasciencemonkey/brickchat/internal/routing"
	"github.com/datasciencemonkey/brickchat/internal/threads"
	"github.com/datasciencemonkey/brickchat/internal/tts"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Deps are the components served by the API. Speech may be nil when
// synthesis is disabled.
type Deps struct {
	Chat      *chat.Service
	Threads   *threads.Store
	Agents    *agents.Registry
	Routing   *routing.Engine
	Documents *documents.Store
	Speech    *tts.Pipeline
	Identity  *identity.Resolver

	// Upstreams reports provider reachability on /health. Optional.
	Upstreams *connwatch.Monitor
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		logger:  logger,
	}
}

// Handler returns the routed, logged handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	// Chat
	mux.HandleFunc("POST /api/chat/send", s.withUser(s.handleSend))
	mux.HandleFunc("GET /api/chat/ws", s.withUser(s.handleChatWebSocket))
	mux.HandleFunc("GET /api/chat/threads", s.withUser(s.handleThreadList))
	mux.HandleFunc("GET /api/chat/threads/{id}/messages", s.withUser(s.handleThreadMessages))
	mux.HandleFunc("GET /api/me", s.withUser(s.handleMe))

	// Feedback
	mux.HandleFunc("PUT /api/feedback", s.withUser(s.handleFeedback))
	mux.HandleFunc("GET /api/feedback/stats", s.withUser(s.handleFeedbackStats))

	// Agent catalog
	mux.HandleFunc("GET /api/agents", s.withUser(s.handleAgentsEnabled))
	mux.HandleFunc("GET /api/agents/all", s.withUser(s.adminOnly(s.handleAgentsAll)))
	mux.HandleFunc("POST /api/agents/discover", s.withUser(s.adminOnly(s.handleAgentsDiscover)))
	mux.HandleFunc("PUT /api/agents/{id}", s.withUser(s.adminOnly(s.handleAgentUpdate)))
	mux.HandleFunc("DELETE /api/agents/{id}", s.withUser(s.adminOnly(s.handleAgentDelete)))

	// Speech
	mux.HandleFunc("POST /api/tts/speak", s.withUser(s.handleSpeak))

	// Documents
	mux.HandleFunc("POST /api/documents/upload", s.withUser(s.handleDocumentUpload))
	mux.HandleFunc("GET /api/documents/{thread_id}", s.withUser(s.handleDocumentList))
	mux.HandleFunc("DELETE /api/documents/{thread_id}/{filename}", s.withUser(s.handleDocumentDelete))

	// Routing introspection
	mux.HandleFunc("GET /api/routing/stats", s.withUser(s.handleRoutingStats))
	mux.HandleFunc("GET /api/routing/audit", s.withUser(s.handleRoutingAudit))
	mux.HandleFunc("GET /api/routing/explain/{requestId}", s.withUser(s.handleRoutingExplain))

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns when the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: streamWriteTimeout, // streams extend it per event
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response status for access logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController and the websocket upgrader reach
// the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack implements http.Hijacker for websocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

// Flush implements http.Flusher for streaming handlers.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// withUser resolves the caller and stores it in the request context.
func (s *Server) withUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.deps.Identity.Resolve(r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		next(w, r.WithContext(identity.WithUser(r.Context(), u)))
	}
}

func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if u := user(r); !u.IsAdmin {
			s.logger.Warn("admin endpoint refused", "user_id", u.ID, "path", r.URL.Path)
			s.writeError(w, fmt.Errorf("admin privileges required: %w", apperr.ErrForbidden))
			return
		}
		next(w, r)
	}
}

// user returns the caller resolved by withUser.
func user(r *http.Request) *identity.User {
	u, _ := identity.FromContext(r.Context())
	return u
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    kind,
			"code":    code,
		},
	}, s.logger)
}

// writeError reports err with the status of its kind. Detail that may
// carry upstream bodies or storage faults stays in the log.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := apperr.HTTPStatus(err)
	s.logFailure(err)
	s.errorResponse(w, code, apperr.Kind(err), apperr.Message(err))
}

func (s *Server) logFailure(err error) {
	switch apperr.HTTPStatus(err) {
	case http.StatusInternalServerError:
		s.logger.Error("request failed", "error", err)
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		s.logger.Warn("request failed upstream", "error", err)
	}
}

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", apperr.ErrInvalidArgument)
	}
	return nil
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":      "healthy",
		"tts_enabled": s.deps.Speech != nil,
	}
	// Unreachable upstreams degrade the report but never fail liveness.
	if s.deps.Upstreams != nil {
		body["upstreams"] = s.deps.Upstreams.Status()
		if !s.deps.Upstreams.AllReady() {
			body["status"] = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, body, s.logger)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, user(r), s.logger)
}

// Routing introspection handlers

func (s *Server) handleRoutingStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.deps.Routing.Stats(), s.logger)
}

func (s *Server) handleRoutingAudit(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 20)
	if limit == 0 {
		limit = 20
	}

	u := user(r)
	var decisions []routing.Decision
	for _, d := range s.deps.Routing.AuditLog(0) {
		if u.IsAdmin || d.OwnerID == u.ID {
			decisions = append(decisions, d)
		}
	}
	if len(decisions) > limit {
		decisions = decisions[len(decisions)-limit:]
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	}, s.logger)
}

func (s *Server) handleRoutingExplain(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestId")
	d := s.deps.Routing.Explain(requestID)
	if u := user(r); d == nil || (!u.IsAdmin && d.OwnerID != u.ID) {
		s.writeError(w, fmt.Errorf("decision %s: %w", requestID, apperr.ErrNotFound))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, d, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
