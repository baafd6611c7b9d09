package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/space-swarm/space/internal/eventbus"
	"github.com/space-swarm/space/internal/ledger"
	"github.com/space-swarm/space/internal/quotarouter"
	"github.com/space-swarm/space/internal/store"
)

func newTestServer(t *testing.T) (*Server, *ledger.Ledger, *eventbus.Bus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	l, err := ledger.New(st)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	qr := quotarouter.New(st, 10, time.Minute)
	bus := eventbus.New(16)

	s := New("127.0.0.1:0", l, qr, bus)
	go s.hub.Run()
	go s.pumpBusToHub()
	return s, l, bus
}

func TestHandleStatusReturnsAgentsAndCounts(t *testing.T) {
	s, l, _ := newTestServer(t)
	ctx := context.Background()
	if _, err := l.CreateAgent(ctx, ledger.Agent{Handle: "bot1", Type: ledger.AgentAI, Model: "claude-test"}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Agents) != 1 {
		t.Errorf("len(Agents) = %d, want 1", len(resp.Agents))
	}
	if resp.Agents[0].Handle != "bot1" {
		t.Errorf("Agents[0].Handle = %q, want bot1", resp.Agents[0].Handle)
	}
}

func TestHandleStatusAppliesSecurityHeaders(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	SecurityHeadersMiddleware(s.mux).ServeHTTP(rec, req)

	if got := rec.Header().Get("Server"); got != "space" {
		t.Errorf("Server header = %q, want space", got)
	}
}

func TestLiveTailStreamsMatchingTopicOnly(t *testing.T) {
	s, _, bus := newTestServer(t)
	srv := httptest.NewServer(SecurityHeadersMiddleware(s.mux))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/tail/spawn-abc"
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// give the hub a moment to register the client before publishing
	time.Sleep(50 * time.Millisecond)

	bus.Publish("spawn-other", map[string]string{"ignored": "true"})
	bus.Publish("spawn-abc", map[string]string{"text": "hello"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var msg tailMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Topic != "spawn-abc" {
		t.Errorf("Topic = %q, want spawn-abc", msg.Topic)
	}
}
