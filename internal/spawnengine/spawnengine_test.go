package spawnengine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/space-swarm/space/internal/eventbus"
	"github.com/space-swarm/space/internal/ledger"
	"github.com/space-swarm/space/internal/provider"
	"github.com/space-swarm/space/internal/quotarouter"
	"github.com/space-swarm/space/internal/store"
	"github.com/space-swarm/space/internal/trace"
)

// fakeAdapter is a minimal provider.Adapter that shells out to /bin/sh so
// tests exercise a real child process without depending on a vendor CLI.
type fakeAdapter struct {
	script string
}

func (f *fakeAdapter) Name() string { return "claude" }
func (f *fakeAdapter) NormalizeEvent(raw []byte, toolUseIDToName map[string]string) ([]provider.Event, error) {
	return nil, nil
}
func (f *fakeAdapter) BuildCommand(in provider.BuildCommandInput) (provider.Command, error) {
	return provider.Command{Argv: []string{"/bin/sh", "-c", f.script}}, nil
}
func (f *fakeAdapter) ParseUsage(traceBytes []byte) (provider.Usage, error) { return provider.Usage{}, nil }
func (f *fakeAdapter) InputTokensFromEvent(raw []byte) int                 { return 0 }
func (f *fakeAdapter) DisallowedTools() []string                          { return nil }
func (f *fakeAdapter) MapCapabilities(caps []provider.Capability) []string { return nil }

// textAdapter normalizes every non-empty stdout line into a text event,
// so tests can force producedWork true and still exercise stderr
// classification on exit.
type textAdapter struct{ fakeAdapter }

func (a *textAdapter) NormalizeEvent(raw []byte, toolUseIDToName map[string]string) ([]provider.Event, error) {
	line := string(raw)
	if line == "" {
		return nil, nil
	}
	return []provider.Event{{Kind: provider.EventText, Text: line}}, nil
}

type fakeContextBuilder struct{}

func (fakeContextBuilder) BuildWake(ctx context.Context, agentID string, skills []string) (string, error) {
	return "wake up", nil
}
func (fakeContextBuilder) BuildResume(ctx context.Context, agentID, instruction string) (string, error) {
	return "resume: " + instruction, nil
}

func newTestEngine(t *testing.T, script string) (*Engine, *ledger.Ledger) {
	t.Helper()
	return newTestEngineWithAdapter(t, &fakeAdapter{script: script})
}

func newTestEngineWithAdapter(t *testing.T, adapter provider.Adapter) (*Engine, *ledger.Ledger) {
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
	registry := provider.NewRegistry(adapter)

	spawnsDir := filepath.Join(dir, "spawns")
	identityDir := filepath.Join(dir, "identity")

	e := New(l, registry, router, bus, fakeContextBuilder{}, spawnsDir, identityDir)
	return e, l
}

func TestLaunchRunsProcessAndMarksDone(t *testing.T) {
	e, l := newTestEngine(t, "echo hello")
	ctx := context.Background()

	agent, err := l.CreateAgent(ctx, ledger.Agent{Handle: "bot1", Type: ledger.AgentAI, Model: "claude-test"})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	spawn, err := e.Launch(ctx, LaunchInput{AgentID: agent.ID, Cwd: t.TempDir(), Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if spawn.PID == nil {
		t.Fatal("expected spawn to have a pid set")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := l.GetSpawn(spawn.ID)
		if err != nil {
			t.Fatalf("GetSpawn: %v", err)
		}
		if got.Status == ledger.SpawnDone {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("spawn did not reach done status in time")
}

func TestLaunchWritesIdentityFiles(t *testing.T) {
	e, l := newTestEngine(t, "true")
	ctx := context.Background()

	agent, err := l.CreateAgent(ctx, ledger.Agent{Handle: "bot2", Type: ledger.AgentAI, Model: "claude-test"})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	if _, err := e.Launch(ctx, LaunchInput{AgentID: agent.ID, Cwd: t.TempDir(), Timeout: 5 * time.Second}); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	promptFile := filepath.Join(e.IdentityDir, agent.ID, "CLAUDE.md")
	if _, err := os.Stat(promptFile); err != nil {
		t.Errorf("expected identity file %s to exist: %v", promptFile, err)
	}
}

func TestLaunchRejectsRelaunchOfActiveSpawnWithPID(t *testing.T) {
	e, l := newTestEngine(t, "sleep 10")
	ctx := context.Background()

	agent, err := l.CreateAgent(ctx, ledger.Agent{Handle: "bot3", Type: ledger.AgentAI, Model: "claude-test"})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	spawn, err := e.Launch(ctx, LaunchInput{AgentID: agent.ID, Cwd: t.TempDir(), Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer e.Terminate(ctx, spawn.ID)

	_, err = e.Launch(ctx, LaunchInput{AgentID: agent.ID, Spawn: spawn, Cwd: t.TempDir(), Timeout: 5 * time.Second})
	if err == nil {
		t.Fatal("expected error relaunching active spawn with live pid")
	}
}

func TestTerminateMarksSpawnDone(t *testing.T) {
	e, l := newTestEngine(t, "sleep 30")
	ctx := context.Background()

	agent, err := l.CreateAgent(ctx, ledger.Agent{Handle: "bot4", Type: ledger.AgentAI, Model: "claude-test"})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	spawn, err := e.Launch(ctx, LaunchInput{AgentID: agent.ID, Cwd: t.TempDir(), Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	got, err := e.Terminate(ctx, spawn.ID)
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if got.Status != ledger.SpawnDone {
		t.Errorf("status = %s, want done", got.Status)
	}
	if got.Error == nil || *got.Error != "terminated" {
		t.Errorf("error = %v, want terminated", got.Error)
	}
}

func TestFinishExitBlocksProviderOnQuotaExhaustedEvenWithProducedWork(t *testing.T) {
	script := `echo working 1>&1; echo "quota exhausted, reset after 90m" 1>&2`
	e, l := newTestEngineWithAdapter(t, &textAdapter{fakeAdapter{script: script}})
	ctx := context.Background()

	agent, err := l.CreateAgent(ctx, ledger.Agent{Handle: "bot6", Type: ledger.AgentAI, Model: "claude-test"})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	spawn, err := e.Launch(ctx, LaunchInput{AgentID: agent.ID, Cwd: t.TempDir(), Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	var got *ledger.Spawn
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err = l.GetSpawn(spawn.ID)
		if err != nil {
			t.Fatalf("GetSpawn: %v", err)
		}
		if got.Status == ledger.SpawnDone {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if got.Status != ledger.SpawnDone {
		t.Fatal("spawn did not reach done status in time")
	}
	if got.Error == nil || !strings.HasPrefix(*got.Error, "quota exhausted") {
		t.Fatalf("error = %v, want a quota exhausted classification despite produced work", got.Error)
	}
	if got.Summary != nil {
		t.Errorf("summary = %v, want nil: a quota failure must not be reported as success", *got.Summary)
	}

	inCooldown, _, err := e.Router.InCooldown(ctx, "claude")
	if err != nil {
		t.Fatalf("InCooldown: %v", err)
	}
	if !inCooldown {
		t.Error("expected provider to be in cooldown after a quota-exhausted exit")
	}
}

func TestLaunchWritesDaemonLifecycleEvent(t *testing.T) {
	e, l := newTestEngine(t, "true")
	ctx := context.Background()

	agent, err := l.CreateAgent(ctx, ledger.Agent{Handle: "bot7", Type: ledger.AgentAI, Model: "claude-test"})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	spawn, err := e.Launch(ctx, LaunchInput{AgentID: agent.ID, Cwd: t.TempDir(), Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	tracePath := trace.PathFor(e.SpawnsDir, "claude", spawn.ID)
	data, err := os.ReadFile(tracePath)
	if err != nil {
		t.Fatalf("ReadFile trace: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected at least 2 trace lines, got %d", len(lines))
	}

	var daemonEvent struct {
		Type   string `json:"type"`
		Action string `json:"action"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &daemonEvent); err != nil {
		t.Fatalf("unmarshal first trace line: %v", err)
	}
	if daemonEvent.Type != "daemon" || daemonEvent.Action != "starting" {
		t.Errorf("first trace event = %+v, want type=daemon action=starting", daemonEvent)
	}

	var contextInit struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &contextInit); err != nil {
		t.Fatalf("unmarshal second trace line: %v", err)
	}
	if contextInit.Type != "context_init" {
		t.Errorf("second trace event type = %q, want context_init", contextInit.Type)
	}
}

func TestReconcileKillsLeakedPID(t *testing.T) {
	e, l := newTestEngine(t, "true")
	ctx := context.Background()

	agent, err := l.CreateAgent(ctx, ledger.Agent{Handle: "bot5", Type: ledger.AgentAI, Model: "claude-test"})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	spawn, err := l.CreateDirected(ctx, agent.ID, nil, "claude")
	if err != nil {
		t.Fatalf("CreateDirected: %v", err)
	}
	if _, err := l.SetPIDAtomic(ctx, spawn.ID, 999999); err != nil {
		t.Fatalf("SetPIDAtomic: %v", err)
	}
	if _, err := l.FinishSpawn(ctx, spawn.ID, "done", "", nil, false); err != nil {
		t.Fatalf("FinishSpawn: %v", err)
	}

	if err := e.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	got, err := l.GetSpawn(spawn.ID)
	if err != nil {
		t.Fatalf("GetSpawn: %v", err)
	}
	if got.PID != nil {
		t.Errorf("expected pid to be nulled, got %v", *got.PID)
	}
}
