package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/pairlink/chat-relay/internal/history"
	"github.com/pairlink/chat-relay/internal/relay"
)

// newTestServer wires a relay with an in-memory store behind the upgrade
// handler and serves it over a real TCP listener.
func newTestServer(t *testing.T) (*httptest.Server, *relay.Registry) {
	t.Helper()

	registry := relay.NewRegistry()
	sessionRelay := relay.New("ws-test", registry, history.NewMemStore())

	s := NewServer(DefaultServerConfig(), sessionRelay)
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, registry
}

func wsURL(ts *httptest.Server, query string) string {
	return "ws://" + strings.TrimPrefix(ts.URL, "http://") + "/ws?" + query
}

func TestUpgradeAndRelay(t *testing.T) {
	ts, registry := newTestServer(t)
	ctx := context.Background()

	alice, _, _, err := ws.Dial(ctx, wsURL(ts, "userId=alice&partnerId=bob"))
	if err != nil {
		t.Fatalf("dial alice: %v", err)
	}
	defer alice.Close()

	bob, _, _, err := ws.Dial(ctx, wsURL(ts, "userId=bob&partnerId=alice"))
	if err != nil {
		t.Fatalf("dial bob: %v", err)
	}
	defer bob.Close()

	deadline := time.Now().Add(2 * time.Second)
	for registry.Connections() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if registry.Connections() != 2 {
		t.Fatalf("expected 2 registered connections, got %d", registry.Connections())
	}

	if err := wsutil.WriteClientMessage(alice, ws.OpText, []byte(`{"content":"hi"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, op, err := wsutil.ReadServerData(bob)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if op != ws.OpText {
		t.Errorf("expected text frame, got opcode %v", op)
	}
	if string(data) != "hi" {
		t.Errorf("expected %q, got %q", "hi", string(data))
	}
}

func TestUpgradeRejectsInvalidPairOverSocket(t *testing.T) {
	ts, registry := newTestServer(t)

	conn, _, _, err := ws.Dial(context.Background(), wsURL(ts, "userId=alice&partnerId=alice"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("expected error frame, got %v", err)
	}
	if len(data) == 0 {
		t.Error("expected human-readable error text")
	}

	_, _, err = wsutil.ReadServerData(conn)
	var closed wsutil.ClosedError
	if !errors.As(err, &closed) {
		t.Fatalf("expected close frame, got %v", err)
	}
	if closed.Code != ws.StatusPolicyViolation {
		t.Errorf("expected close code %d, got %d", ws.StatusPolicyViolation, closed.Code)
	}

	if registry.Connections() != 0 {
		t.Errorf("expected no registered connections, got %d", registry.Connections())
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Status      string `json:"status"`
		Connections int64  `json:"connections"`
		Uptime      string `json:"uptime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("expected status ok, got %q", body.Status)
	}
}
