package statsjson

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/space-swarm/space/internal/ledger"
	"github.com/space-swarm/space/internal/store"
)

func TestWriteProducesValidSnapshot(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	l, err := ledger.New(st)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	if _, err := l.CreateAgent(context.Background(), ledger.Agent{Handle: "bot1", Type: ledger.AgentAI, Model: "m"}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	path := filepath.Join(dir, "stats.json")
	w := &Writer{Ledger: l, Path: path, SwarmEnabled: func() bool { return true }}
	if err := w.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if snap.AgentCount != 1 {
		t.Errorf("AgentCount = %d, want 1", snap.AgentCount)
	}
	if !snap.SwarmEnabled {
		t.Error("expected SwarmEnabled true")
	}
}

func TestWriteLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	l, err := ledger.New(st)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}

	path := filepath.Join(dir, "stats.json")
	w := &Writer{Ledger: l, Path: path}
	if err := w.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("expected no leftover .tmp file")
	}
}
