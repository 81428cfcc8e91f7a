package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/amurg-ai/permbridge/client/internal/config"
	"github.com/amurg-ai/permbridge/client/internal/coordinator"
	"github.com/amurg-ai/permbridge/client/internal/eventbus"
	"github.com/amurg-ai/permbridge/pkg/protocol"
)

const testSecret = "test-secret-at-least-32-chars-long"

type fakeBackend struct {
	mu        sync.Mutex
	pending   map[string]coordinator.PendingRequest
	connected bool
	responses []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{pending: make(map[string]coordinator.PendingRequest)}
}

func (b *fakeBackend) add(id string, fields map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fields["type"] = "permission-request"
	fields["id"] = id
	b.pending[id] = coordinator.PendingRequest{
		ID:         id,
		Request:    protocol.PermissionRequest{ID: id, Fields: fields},
		ReceivedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func (b *fakeBackend) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := coordinator.StateDisconnected
	if b.connected {
		state = coordinator.StateConnected
	}
	return Status{SessionID: "s1", State: state, Pending: len(b.pending)}
}

func (b *fakeBackend) Pending() []coordinator.PendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]coordinator.PendingRequest, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p)
	}
	return out
}

func (b *fakeBackend) Respond(_ context.Context, id string, d protocol.Decision, _ map[string]any) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[id]; !ok {
		return false, ErrNotPending
	}
	delete(b.pending, id)
	b.responses = append(b.responses, id+":"+string(d))
	return b.connected, nil
}

func setupTestServer(t *testing.T, cfg config.APIConfig) (*Server, *fakeBackend, *eventbus.Bus) {
	t.Helper()
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 100, Burst: 200}
	}
	auth, err := NewAuthenticator(cfg)
	if err != nil {
		t.Fatal(err)
	}
	backend := newFakeBackend()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewServer(backend, bus, cfg, auth, logger), backend, bus
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func do(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv, _, _ := setupTestServer(t, config.APIConfig{JWTSecret: testSecret})
	w := do(t, srv, "GET", "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing security headers")
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _, _ := setupTestServer(t, config.APIConfig{JWTSecret: testSecret})

	if w := do(t, srv, "GET", "/api/status", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", w.Code)
	}

	wrong := signToken(t, "some-other-secret-that-is-long-enough", jwt.MapClaims{"sub": "u1"})
	if w := do(t, srv, "GET", "/api/status", wrong, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret: expected 401, got %d", w.Code)
	}

	expired := signToken(t, testSecret, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Hour).Unix()})
	if w := do(t, srv, "GET", "/api/status", expired, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expired: expected 401, got %d", w.Code)
	}

	noSub := signToken(t, testSecret, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	if w := do(t, srv, "GET", "/api/status", noSub, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no subject: expected 401, got %d", w.Code)
	}

	good := signToken(t, testSecret, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()})
	w := do(t, srv, "GET", "/api/status", good, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("valid token: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var status Status
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.SessionID != "s1" || status.State != coordinator.StateDisconnected {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestListPendingFlagsRTL(t *testing.T) {
	srv, backend, _ := setupTestServer(t, config.APIConfig{})
	backend.add("latin", map[string]any{"toolName": "Bash", "input": map[string]any{"command": "ls"}})
	backend.add("hebrew", map[string]any{"toolName": "Write", "input": map[string]any{"content": "שלום עולם"}})

	w := do(t, srv, "GET", "/api/pending", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var views []PendingView
	if err := json.NewDecoder(w.Body).Decode(&views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(views))
	}
	for _, v := range views {
		want := v.ID == "hebrew"
		if v.RTL != want {
			t.Errorf("%s: rtl = %v, want %v", v.ID, v.RTL, want)
		}
		if v.ToolName == "" {
			t.Errorf("%s: missing tool name", v.ID)
		}
	}
}

func TestDecision(t *testing.T) {
	srv, backend, _ := setupTestServer(t, config.APIConfig{})
	backend.add("r1", map[string]any{"toolName": "Bash"})
	backend.connected = true

	w := do(t, srv, "POST", "/api/pending/r1/decision", "", DecisionRequest{Decision: "maybe"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad decision: expected 400, got %d", w.Code)
	}

	w = do(t, srv, "POST", "/api/pending/r1/decision", "", DecisionRequest{Decision: "allow-session"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]bool
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp["sent"] {
		t.Errorf("expected sent=true, got %v", resp)
	}
	if len(backend.responses) != 1 || backend.responses[0] != "r1:allow-session" {
		t.Errorf("unexpected responses: %v", backend.responses)
	}

	w = do(t, srv, "POST", "/api/pending/r1/decision", "", DecisionRequest{Decision: "deny"})
	if w.Code != http.StatusNotFound {
		t.Errorf("second decision: expected 404, got %d", w.Code)
	}

	req := httptest.NewRequest("POST", "/api/pending/r1/decision", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	srv, _, _ := setupTestServer(t, config.APIConfig{
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2},
	})

	for i := range 2 {
		if w := do(t, srv, "GET", "/api/status", "", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	w := do(t, srv, "GET", "/api/status", "", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	// health checks are not limited
	if w := do(t, srv, "GET", "/healthz", "", nil); w.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _, _ := setupTestServer(t, config.APIConfig{AllowedOrigins: []string{"http://localhost:5173"}})
	req := httptest.NewRequest("OPTIONS", "/api/pending", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("allow-origin: got %q", got)
	}
}

func TestEventStream(t *testing.T) {
	srv, _, bus := setupTestServer(t, config.APIConfig{JWTSecret: testSecret})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	token := signToken(t, testSecret, jwt.MapClaims{"sub": "u1"})
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events?types=" + eventbus.PermissionRequest + "&token=" + token

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for bus.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	bus.PublishType(eventbus.LogEntry, map[string]string{"msg": "filtered out"})
	bus.PublishType(eventbus.PermissionRequest, map[string]string{"id": "r1"})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var e eventbus.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.Type != eventbus.PermissionRequest {
		t.Errorf("expected %s, got %s", eventbus.PermissionRequest, e.Type)
	}
}

func TestEventStreamRequiresAuth(t *testing.T) {
	srv, _, _ := setupTestServer(t, config.APIConfig{JWTSecret: testSecret})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 response, got %v", resp)
	}
}
