package daemonsup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/space-swarm/space/internal/config"
	"github.com/space-swarm/space/internal/contextbuilder"
	"github.com/space-swarm/space/internal/eventbus"
	"github.com/space-swarm/space/internal/ledger"
	"github.com/space-swarm/space/internal/provider"
	"github.com/space-swarm/space/internal/quotarouter"
	"github.com/space-swarm/space/internal/scheduler"
	"github.com/space-swarm/space/internal/spawnengine"
	"github.com/space-swarm/space/internal/store"
)

type noopAdapter struct{}

func (noopAdapter) Name() string { return "claude" }
func (noopAdapter) NormalizeEvent(raw []byte, toolUseIDToName map[string]string) ([]provider.Event, error) {
	return nil, nil
}
func (noopAdapter) BuildCommand(in provider.BuildCommandInput) (provider.Command, error) {
	return provider.Command{Argv: []string{"/bin/sh", "-c", "true"}}, nil
}
func (noopAdapter) ParseUsage(traceBytes []byte) (provider.Usage, error) { return provider.Usage{}, nil }
func (noopAdapter) InputTokensFromEvent(raw []byte) int                 { return 0 }
func (noopAdapter) DisallowedTools() []string                          { return nil }
func (noopAdapter) MapCapabilities(caps []provider.Capability) []string { return nil }

func newTestWorker(t *testing.T) (*Worker, *ledger.Ledger) {
	t.Helper()
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

	router := quotarouter.New(st, 10, time.Minute)
	bus := eventbus.New(16)
	cb := contextbuilder.New(l)
	registry := provider.NewRegistry(noopAdapter{})
	engine := spawnengine.New(l, registry, router, bus, cb, filepath.Join(dir, "spawns"), filepath.Join(dir, "identity"))

	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("swarm:\n  enabled: false\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	loader := config.NewCachedLoader(configPath)

	sched := scheduler.New(l, engine, router, nil, loader)

	w := &Worker{
		Ledger:    l,
		Engine:    engine,
		Scheduler: sched,
		Config:    loader,
		Store:     st,
	}
	return w, l
}

func TestTickRunsReconcileAndReapWithoutError(t *testing.T) {
	w, _ := newTestWorker(t)
	ctx := context.Background()
	w.tick(ctx)
}

func TestClearInertiaSummariesBlanksMatchingPhrase(t *testing.T) {
	w, l := newTestWorker(t)
	ctx := context.Background()

	agent, err := l.CreateAgent(ctx, ledger.Agent{Handle: "bot1", Type: ledger.AgentAI, Model: "claude-test"})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	spawn, err := l.CreateDirected(ctx, agent.ID, nil, "claude")
	if err != nil {
		t.Fatalf("CreateDirected: %v", err)
	}
	if _, err := l.FinishSpawn(ctx, spawn.ID, "no summary", "", nil, false); err != nil {
		t.Fatalf("FinishSpawn: %v", err)
	}

	if err := w.clearInertiaSummaries(ctx); err != nil {
		t.Fatalf("clearInertiaSummaries: %v", err)
	}

	got, err := l.GetSpawn(spawn.ID)
	if err != nil {
		t.Fatalf("GetSpawn: %v", err)
	}
	if got.Summary != nil {
		t.Errorf("expected summary cleared, got %v", *got.Summary)
	}
}
