package busrelay

import (
	"testing"
	"time"

	"github.com/space-swarm/space/internal/eventbus"
)

func TestSanitizeSubjectReplacesReservedCharacters(t *testing.T) {
	cases := map[string]string{
		"":                "all",
		"spawn-123":       "spawn-123",
		"a.b.c":           "a_b_c",
		"wild*card":       "wild_card",
		"full>tail":       "full_tail",
		"with space here": "with_space_here",
	}
	for in, want := range cases {
		if got := sanitizeSubject(in); got != want {
			t.Errorf("sanitizeSubject(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEchoKeyStableForEqualPayloads(t *testing.T) {
	a := echoKey("spawn-1", map[string]interface{}{"kind": "tool_call", "n": 1.0})
	b := echoKey("spawn-1", map[string]interface{}{"kind": "tool_call", "n": 1.0})
	if a != b {
		t.Errorf("expected identical echo keys, got %q and %q", a, b)
	}

	c := echoKey("spawn-1", map[string]interface{}{"kind": "tool_call", "n": 2.0})
	if a == c {
		t.Error("expected different payloads to produce different echo keys")
	}
}

func TestRelayMirrorsLocalPublishToEmbeddedServerAndBack(t *testing.T) {
	srv := NewEmbeddedServer(EmbeddedServerConfig{Port: 18422})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start embedded server: %v", err)
	}
	defer srv.Shutdown()

	busA := eventbus.New(16)
	relayA, err := Connect(srv.URL(), "node-a", busA)
	if err != nil {
		t.Fatalf("Connect relay A: %v", err)
	}
	defer relayA.Close()
	if err := relayA.Start(); err != nil {
		t.Fatalf("Start relay A: %v", err)
	}

	busB := eventbus.New(16)
	relayB, err := Connect(srv.URL(), "node-b", busB)
	if err != nil {
		t.Fatalf("Connect relay B: %v", err)
	}
	defer relayB.Close()
	if err := relayB.Start(); err != nil {
		t.Fatalf("Start relay B: %v", err)
	}

	rcv, unsub := busB.Subscribe("spawn-xyz")
	defer unsub()

	busA.Publish("spawn-xyz", map[string]interface{}{"kind": "status", "text": "hello"})

	select {
	case env := <-rcv:
		payload, ok := env.Payload.(map[string]interface{})
		if !ok {
			t.Fatalf("unexpected payload type %T", env.Payload)
		}
		if payload["text"] != "hello" {
			t.Errorf("payload text = %v, want hello", payload["text"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed event on bus B")
	}
}
