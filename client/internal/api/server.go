// Package api serves the bridge's local HTTP API: pending requests, decisions
// and a live event stream for UIs that are not the terminal.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/amurg-ai/permbridge/client/internal/config"
	"github.com/amurg-ai/permbridge/client/internal/coordinator"
	"github.com/amurg-ai/permbridge/client/internal/eventbus"
	"github.com/amurg-ai/permbridge/pkg/protocol"
	"github.com/amurg-ai/permbridge/pkg/textdir"
)

// ErrNotPending is returned by a Backend when a decision names a request
// that is not awaiting one.
var ErrNotPending = errors.New("request is not pending")

const maxBodyBytes = 1 << 20

// Status is the bridge summary served on /api/status.
type Status struct {
	SessionID         string            `json:"session_id"`
	State             coordinator.State `json:"state"`
	Pending           int               `json:"pending"`
	Queued            int               `json:"queued"`
	ReconnectAttempts int               `json:"reconnect_attempts"`
	Uptime            string            `json:"uptime"`
}

// Backend is what the API needs from the bridge.
type Backend interface {
	Status() Status
	Pending() []coordinator.PendingRequest
	Respond(ctx context.Context, requestID string, decision protocol.Decision, updatedInput map[string]any) (sent bool, err error)
}

// PendingView is one entry of /api/pending.
type PendingView struct {
	ID         string         `json:"id"`
	ToolName   string         `json:"tool_name,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	RTL        bool           `json:"rtl"`
	Request    map[string]any `json:"request"`
}

// DecisionRequest is the body of POST /api/pending/{requestID}/decision.
type DecisionRequest struct {
	Decision     string         `json:"decision"`
	UpdatedInput map[string]any `json:"updated_input,omitempty"`
}

// Server is the HTTP API server.
type Server struct {
	backend Backend
	bus     *eventbus.Bus
	auth    Authenticator
	logger  *slog.Logger
	mux     *chi.Mux
	rl      *rateLimiter

	upgrader websocket.Upgrader
}

// NewServer creates the API. auth may be nil to serve without authentication.
func NewServer(backend Backend, bus *eventbus.Bus, cfg config.APIConfig, auth Authenticator, logger *slog.Logger) *Server {
	origins := newOriginPolicy(cfg.AllowedOrigins)
	srv := &Server{
		backend: backend,
		bus:     bus,
		auth:    auth,
		logger:  logger.With("component", "api"),
		rl:      newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     origins.checkWebSocket,
		},
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(origins.corsMiddleware)

	mux.Get("/healthz", srv.handleHealthz)

	mux.Group(func(r chi.Router) {
		r.Use(ipRateLimitMiddleware(srv.rl))
		r.Use(srv.authMiddleware)

		r.Get("/api/status", srv.handleStatus)
		r.Get("/api/pending", srv.handleListPending)
		r.Post("/api/pending/{requestID}/decision", srv.handleDecision)
		r.Get("/api/events", srv.handleEvents)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.rl.startCleanup(ctx, 5*time.Minute, 10*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", addr, "auth", s.auth != nil)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	pending := s.backend.Pending()
	out := make([]PendingView, 0, len(pending))
	for _, p := range pending {
		out = append(out, NewPendingView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// NewPendingView flattens a pending request for display. RTL is set when any
// string in the request payload is right-to-left text.
func NewPendingView(p coordinator.PendingRequest) PendingView {
	v := PendingView{
		ID:         p.ID,
		ToolName:   p.Request.ToolName(),
		ReceivedAt: p.ReceivedAt,
		RTL:        containsRTL(p.Request.Fields),
		Request:    p.Request.Fields,
	}
	if !p.ExpiresAt.IsZero() {
		exp := p.ExpiresAt
		v.ExpiresAt = &exp
	}
	return v
}

func containsRTL(v any) bool {
	switch val := v.(type) {
	case string:
		return textdir.IsRTL(val)
	case map[string]any:
		for _, item := range val {
			if containsRTL(item) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if containsRTL(item) {
				return true
			}
		}
	}
	return false
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	var req DecisionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	decision, err := protocol.ParseDecision(req.Decision)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sent, err := s.backend.Respond(r.Context(), requestID, decision, req.UpdatedInput)
	if errors.Is(err, ErrNotPending) {
		writeError(w, http.StatusNotFound, "request not pending")
		return
	}
	if err != nil {
		s.logger.Error("respond failed", "request_id", requestID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("decision submitted",
		"request_id", requestID,
		"decision", decision,
		"sent", sent,
		"subject", subjectFromContext(r.Context()),
	)
	writeJSON(w, http.StatusOK, map[string]bool{"sent": sent})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
