package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amurg-ai/permbridge/client/internal/api"
	"github.com/amurg-ai/permbridge/client/internal/config"
	"github.com/amurg-ai/permbridge/client/internal/coordinator"
	"github.com/amurg-ai/permbridge/client/internal/eventbus"
	"github.com/amurg-ai/permbridge/pkg/protocol"
)

type fakeBackend struct {
	mu        sync.Mutex
	pending   []coordinator.PendingRequest
	decisions []string
}

func (f *fakeBackend) Status() api.Status {
	return api.Status{SessionID: "session-cli", State: coordinator.StateDisconnected, ReconnectAttempts: 2, Pending: len(f.pending)}
}

func (f *fakeBackend) Pending() []coordinator.PendingRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]coordinator.PendingRequest(nil), f.pending...)
}

func (f *fakeBackend) Respond(_ context.Context, id string, d protocol.Decision, _ map[string]any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.pending {
		if p.ID == id {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			f.decisions = append(f.decisions, id+":"+string(d))
			return false, nil
		}
	}
	return false, api.ErrNotPending
}

func startAPI(t *testing.T, cfg config.APIConfig) (*fakeBackend, string) {
	t.Helper()
	backend := &fakeBackend{pending: []coordinator.PendingRequest{{
		ID: "req-1",
		Request: protocol.PermissionRequest{ID: "req-1", Fields: map[string]any{
			"type": "permission_request", "requestId": "req-1", "toolName": "Bash",
		}},
		ReceivedAt: time.Now(),
	}}}
	auth, err := api.NewAuthenticator(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 100, Burst: 100}
	}
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ts := httptest.NewServer(api.NewServer(backend, bus, cfg, auth, logger).Handler())
	t.Cleanup(ts.Close)
	return backend, ts.URL
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("test")
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func missingConfig(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "none.json")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "permbridge test" {
		t.Errorf("output = %q", out)
	}
}

func TestPendingListAndDecide(t *testing.T) {
	backend, url := startAPI(t, config.APIConfig{})
	cfgPath := missingConfig(t)

	out, err := execute(t, "", "pending", "list", "-c", cfgPath, "--api", url)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "req-1") || !strings.Contains(out, "Bash") {
		t.Errorf("list output:\n%s", out)
	}

	out, err = execute(t, "", "pending", "decide", "req-1", "allow-session", "-c", cfgPath, "--api", url)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !strings.Contains(out, "queued") {
		t.Errorf("decide output = %q", out)
	}
	if len(backend.decisions) != 1 || backend.decisions[0] != "req-1:allow-session" {
		t.Errorf("decisions = %v", backend.decisions)
	}

	if _, err := execute(t, "", "pending", "decide", "req-1", "deny", "-c", cfgPath, "--api", url); err == nil ||
		!strings.Contains(err.Error(), "not pending") {
		t.Errorf("expected not pending error, got %v", err)
	}
}

func TestPendingDecidePrompts(t *testing.T) {
	backend, url := startAPI(t, config.APIConfig{})

	// option 4 is allow-always
	if _, err := execute(t, "4\n", "pending", "decide", "req-1", "-c", missingConfig(t), "--api", url); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if len(backend.decisions) != 1 || backend.decisions[0] != "req-1:allow-always" {
		t.Errorf("decisions = %v", backend.decisions)
	}
}

func TestPendingDecideRejectsUnknownDecision(t *testing.T) {
	_, url := startAPI(t, config.APIConfig{})
	if _, err := execute(t, "", "pending", "decide", "req-1", "maybe", "-c", missingConfig(t), "--api", url); err == nil {
		t.Fatal("expected error for unknown decision")
	}
}

func TestStatusSignsTokenFromConfig(t *testing.T) {
	const secret = "cli-secret-at-least-32-characters!"
	_, url := startAPI(t, config.APIConfig{JWTSecret: secret})

	cfg := config.Defaults()
	cfg.Hub.URL = "ws://localhost:8090"
	cfg.API.Addr = strings.TrimPrefix(url, "http://")
	cfg.API.JWTSecret = secret
	cfgPath := filepath.Join(t.TempDir(), "permbridge.json")
	if err := config.Save(cfgPath, cfg); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "", "status", "-c", cfgPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "session-cli") || !strings.Contains(out, "reconnecting") {
		t.Errorf("status output:\n%s", out)
	}
}

func TestStatusUnauthorizedWithoutToken(t *testing.T) {
	t.Setenv("PERMBRIDGE_TOKEN", "")
	_, url := startAPI(t, config.APIConfig{JWTSecret: "cli-secret-at-least-32-characters!"})
	if _, err := execute(t, "", "status", "-c", missingConfig(t), "--api", url); err == nil {
		t.Fatal("expected unauthorized error")
	}
}

func TestConfigShowMasksSecrets(t *testing.T) {
	cfg := config.Defaults()
	cfg.Hub.URL = "ws://localhost:8090"
	cfg.Hub.Token = "super-secret-token"
	cfgPath := filepath.Join(t.TempDir(), "permbridge.json")
	if err := config.Save(cfgPath, cfg); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "", "config", "show", "-c", cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "super-secret-token") {
		t.Error("token leaked in config show")
	}
	if !strings.Contains(out, "ws://localhost:8090") {
		t.Errorf("output:\n%s", out)
	}
}

func TestInitWritesConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "permbridge.json")
	answers := strings.Join([]string{"", "", "", "", "n", ""}, "\n") + "\n"
	if _, err := execute(t, answers, "init", "-o", cfgPath); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(cfg.Session.ID, "session-") {
		t.Errorf("session.id = %q", cfg.Session.ID)
	}
}

func TestResolveConfigPath(t *testing.T) {
	root := NewRootCmd("test")
	run, _, err := root.Find([]string{"run"})
	if err != nil {
		t.Fatal(err)
	}
	if got := resolveConfigPath(run, nil); got != defaultConfigName {
		t.Errorf("default = %q", got)
	}
	if got := resolveConfigPath(run, []string{"x.json"}); got != "x.json" {
		t.Errorf("positional = %q", got)
	}
	if err := root.PersistentFlags().Set("config", "y.json"); err != nil {
		t.Fatal(err)
	}
	if got := resolveConfigPath(run, nil); got != "y.json" {
		t.Errorf("flag = %q", got)
	}
}

func TestTokenHashGenerate(t *testing.T) {
	out, err := execute(t, "", "token", "hash", "--generate")
	if err != nil {
		t.Fatal(err)
	}
	var key, hash string
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, "key:  "); ok {
			key = v
		}
		if v, ok := strings.CutPrefix(line, "hash: "); ok {
			hash = v
		}
	}
	if key == "" || !strings.HasPrefix(hash, "$2a$") {
		t.Fatalf("output:\n%s", out)
	}

	auth, err := api.NewAuthenticator(config.APIConfig{APIKeyHashes: []string{hash}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := auth.Authenticate(context.Background(), key); err != nil {
		t.Errorf("generated key does not match its hash: %v", err)
	}
}
