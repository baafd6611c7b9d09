package contextbuilder

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/space-swarm/space/internal/ledger"
	"github.com/space-swarm/space/internal/store"
)

func newTestBuilder(t *testing.T) (*Builder, *ledger.Ledger) {
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
	return New(l), l
}

func TestBuildWakeOmitsEmptyBlocks(t *testing.T) {
	b, l := newTestBuilder(t)
	ctx := context.Background()

	agent, err := l.CreateAgent(ctx, ledger.Agent{Handle: "bot1", Type: ledger.AgentAI, Model: "claude-test"})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	text, err := b.BuildWake(ctx, agent.ID, nil)
	if err != nil {
		t.Fatalf("BuildWake: %v", err)
	}
	if strings.Contains(text, "PROJECTS") || strings.Contains(text, "ME") || strings.Contains(text, "ROUTINES") || strings.Contains(text, "SKILLS") {
		t.Errorf("expected all blocks omitted for empty ledger, got %q", text)
	}
}

func TestBuildWakeIncludesSkills(t *testing.T) {
	b, l := newTestBuilder(t)
	ctx := context.Background()

	agent, err := l.CreateAgent(ctx, ledger.Agent{Handle: "bot2", Type: ledger.AgentAI, Model: "claude-test"})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	text, err := b.BuildWake(ctx, agent.ID, []string{"skill-a", "skill-b"})
	if err != nil {
		t.Fatalf("BuildWake: %v", err)
	}
	if !strings.Contains(text, "=== SKILLS ===") || !strings.Contains(text, "skill-a") {
		t.Errorf("expected skills block in output, got %q", text)
	}
}

func TestBuildWakeIncludesProjectsAndRoutines(t *testing.T) {
	b, l := newTestBuilder(t)
	ctx := context.Background()

	agent, err := l.CreateAgent(ctx, ledger.Agent{Handle: "bot3", Type: ledger.AgentAI, Model: "claude-test"})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	proj, err := l.CreateProject(ctx, ledger.Project{Name: "demo"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, err := l.CreateInsight(ctx, ledger.Insight{ProjectID: proj.ID, AgentID: agent.ID, Domain: "routine", Content: "check the build before merging"}); err != nil {
		t.Fatalf("CreateInsight: %v", err)
	}

	text, err := b.BuildWake(ctx, agent.ID, nil)
	if err != nil {
		t.Fatalf("BuildWake: %v", err)
	}
	if !strings.Contains(text, "=== PROJECTS ===") || !strings.Contains(text, "demo") {
		t.Errorf("expected projects block, got %q", text)
	}
	if !strings.Contains(text, "=== ROUTINES ===") || !strings.Contains(text, "check the build") {
		t.Errorf("expected routines block, got %q", text)
	}
}

func TestBuildResumeDefaultsBlankInstructionToContinue(t *testing.T) {
	b, _ := newTestBuilder(t)
	ctx := context.Background()

	text, err := b.BuildResume(ctx, "agent-1", "")
	if err != nil {
		t.Fatalf("BuildResume: %v", err)
	}
	if !strings.HasSuffix(strings.TrimSpace(text), "continue") {
		t.Errorf("expected blank instruction to resolve to continue, got %q", text)
	}

	text, err = b.BuildResume(ctx, "agent-1", "0")
	if err != nil {
		t.Fatalf("BuildResume: %v", err)
	}
	if !strings.HasSuffix(strings.TrimSpace(text), "continue") {
		t.Errorf("expected \"0\" instruction to resolve to continue, got %q", text)
	}
}

func TestBuildResumeWrapsInstruction(t *testing.T) {
	b, _ := newTestBuilder(t)
	ctx := context.Background()

	text, err := b.BuildResume(ctx, "agent-1", "keep fixing the parser")
	if err != nil {
		t.Fatalf("BuildResume: %v", err)
	}
	if !strings.Contains(text, "<system-reminder>") || !strings.HasSuffix(strings.TrimSpace(text), "keep fixing the parser") {
		t.Errorf("expected wrapped instruction, got %q", text)
	}
}
