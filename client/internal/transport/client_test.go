package transport

import (
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

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/permbridge/client/internal/config"
	"github.com/amurg-ai/permbridge/client/internal/coordinator"
	"github.com/amurg-ai/permbridge/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeHub accepts connections and hands each one to the test.
type fakeHub struct {
	t        *testing.T
	server   *httptest.Server
	conns    chan *websocket.Conn
	mu       sync.Mutex
	requests []*http.Request
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	h := &fakeHub{t: t, conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.requests = append(h.requests, r)
		h.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.conns <- conn
	}))
	t.Cleanup(h.server.Close)
	return h
}

func (h *fakeHub) url() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + "/permissions"
}

func (h *fakeHub) accept() *websocket.Conn {
	h.t.Helper()
	select {
	case conn := <-h.conns:
		h.t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for connection")
	}
	return nil
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startClient(t *testing.T, hub *fakeHub) (*Client, *coordinator.Coordinator, chan error) {
	t.Helper()
	coord := coordinator.New(coordinator.Options{
		ReconnectInterval: 10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
	}, testLogger())
	cfg := config.HubConfig{URL: hub.url(), Token: "hub-token"}
	client := NewClient(cfg, "session-1", coord, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return client, coord, done
}

func TestClientHandshakeAndHello(t *testing.T) {
	hub := newFakeHub(t)
	_, coord, _ := startClient(t, hub)

	conn := hub.accept()
	hello := readFrame(t, conn)
	if hello["type"] != string(protocol.TypeClientHello) {
		t.Fatalf("expected client-hello, got %v", hello["type"])
	}
	if hello["sessionId"] != "session-1" {
		t.Errorf("sessionId: got %v", hello["sessionId"])
	}
	if id, _ := hello["messageId"].(string); id == "" {
		t.Error("expected messageId")
	}

	hub.mu.Lock()
	r := hub.requests[0]
	hub.mu.Unlock()
	if got := r.Header.Get("Authorization"); got != "Bearer hub-token" {
		t.Errorf("Authorization: got %q", got)
	}
	if got := r.URL.Query().Get("session_id"); got != "session-1" {
		t.Errorf("session_id: got %q", got)
	}

	waitFor(t, "connected state", func() bool { return coord.State() == coordinator.StateConnected })
}

func TestClientRoundTrip(t *testing.T) {
	hub := newFakeHub(t)
	_, coord, _ := startClient(t, hub)

	conn := hub.accept()
	readFrame(t, conn) // hello

	req := `{"type":"permission-request","id":"r1","toolName":"Bash","input":{"command":"rm -rf build"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "pending request", func() bool {
		_, ok := coord.PendingRequest("r1")
		return ok
	})

	if !coord.SendResponse("r1", protocol.DecisionDeny, nil) {
		t.Fatal("expected response to be sent immediately")
	}
	resp := readFrame(t, conn)
	if resp["type"] != "permission-response" || resp["requestId"] != "r1" || resp["decision"] != "deny" {
		t.Errorf("unexpected response: %v", resp)
	}
}

func TestClientReconnectFlushesQueue(t *testing.T) {
	hub := newFakeHub(t)
	client, coord, _ := startClient(t, hub)

	first := hub.accept()
	readFrame(t, first)
	waitFor(t, "connected", func() bool { return coord.State() == coordinator.StateConnected })

	_ = first.Close()
	waitFor(t, "disconnected", func() bool { return !client.IsOpen() })

	coord.Send(map[string]string{"type": "note", "text": "queued while offline"})

	second := hub.accept()
	if hello := readFrame(t, second); hello["type"] != string(protocol.TypeClientHello) {
		t.Fatalf("expected hello first, got %v", hello)
	}
	// the message may have raced the reconnect and gone out directly
	note := readFrame(t, second)
	if note["text"] != "queued while offline" {
		t.Errorf("unexpected frame after hello: %v", note)
	}
	if coord.QueueLen() != 0 {
		t.Errorf("expected empty queue, got %d", coord.QueueLen())
	}
}

func TestSendWithoutConnection(t *testing.T) {
	client := NewClient(config.HubConfig{URL: "ws://127.0.0.1:1"}, "", coordinator.New(coordinator.Options{}, testLogger()), testLogger())
	if client.IsOpen() {
		t.Fatal("expected closed client")
	}
	if err := client.Send([]byte("{}")); err == nil {
		t.Fatal("expected error sending without connection")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDialURLKeepsExistingQuery(t *testing.T) {
	client := NewClient(config.HubConfig{URL: "wss://hub.example.com/ws?v=2"}, "s 1", nil, testLogger())
	got, err := client.dialURL()
	if err != nil {
		t.Fatal(err)
	}
	if got != "wss://hub.example.com/ws?session_id=s+1&v=2" {
		t.Errorf("unexpected url %s", got)
	}
}
