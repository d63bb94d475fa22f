// Package server implements the HTTP service that runs inside the scan
// container: health reporting and authenticated tool execution, with
// per-agent serialization so one agent's commands never interleave.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/swarmsec/swarm/pkg/sandbox"
	"github.com/swarmsec/swarm/pkg/security"
)

// Handler executes one tool inside the container.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Server routes authenticated /execute requests to registered handlers.
type Server struct {
	token     string
	workspace string
	guard     *security.Guard
	logger    *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	agentLocks sync.Map // agent id -> *sync.Mutex
}

// Option configures the server.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a server that authenticates with token and resolves relative
// paths against workspace.
func New(token, workspace string, opts ...Option) (*Server, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("server: empty control token")
	}
	if workspace == "" {
		workspace = "/workspace"
	}
	s := &Server{
		token:     token,
		workspace: workspace,
		guard:     security.NewGuard(workspace),
		logger:    slog.Default(),
		handlers:  make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Guard exposes the path guard so callers can allow extra roots.
func (s *Server) Guard() *security.Guard { return s.guard }

// Register installs a handler under name, replacing any previous one.
func (s *Server) Register(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

// Handler returns the http routing surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /execute", s.handleExecute)
	return mux
}

// ListenAndServe blocks serving on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	got := auth[len(prefix):]
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	// Authentication happens before the request body is even parsed.
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, sandbox.ExecuteResponse{Error: "unauthorized"})
		return
	}

	var req sandbox.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, sandbox.ExecuteResponse{Error: "malformed request: " + err.Error()})
		return
	}

	s.mu.RLock()
	h, ok := s.handlers[req.Tool]
	s.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusOK, sandbox.ExecuteResponse{Error: fmt.Sprintf("unknown tool %q", req.Tool)})
		return
	}

	// Serialize per agent: commands from one agent run in issue order while
	// different agents proceed in parallel.
	lockAny, _ := s.agentLocks.LoadOrStore(req.AgentID, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	out, err := h(r.Context(), req.Args)
	if err != nil {
		s.logger.Warn("tool failed", "tool", req.Tool, "agent", req.AgentID, "error", err)
		writeJSON(w, http.StatusOK, sandbox.ExecuteResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sandbox.ExecuteResponse{Output: out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
