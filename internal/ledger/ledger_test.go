package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/space-swarm/space/internal/store"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "space.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	l, err := New(s)
	if err != nil {
		t.Fatalf("ledger.New() error = %v", err)
	}
	return l
}

func mustCreateAgent(t *testing.T, l *Ledger, handle string, typ AgentType) *Agent {
	t.Helper()
	a, err := l.CreateAgent(context.Background(), Agent{Handle: handle, Type: typ})
	if err != nil {
		t.Fatalf("create agent %s: %v", handle, err)
	}
	return a
}

func mustCreateProject(t *testing.T, l *Ledger, name string) *Project {
	t.Helper()
	p, err := l.CreateProject(context.Background(), Project{Name: name})
	if err != nil {
		t.Fatalf("create project %s: %v", name, err)
	}
	return p
}
