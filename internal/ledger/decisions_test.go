package ledger

import (
	"context"
	"testing"
	"time"
)

func TestCreateDecisionRequiresRationale(t *testing.T) {
	l := newTestLedger(t)
	agent := mustCreateAgent(t, l, "alice", AgentAI)
	project := mustCreateProject(t, l, "proj-1")

	_, err := l.CreateDecision(context.Background(), Decision{
		ProjectID: project.ID,
		AgentID:   agent.ID,
		Content:   "ship it",
	})
	if err == nil {
		t.Fatal("expected error for missing rationale")
	}
}

func TestCreateDecisionDuplicateRejected(t *testing.T) {
	l := newTestLedger(t)
	agent := mustCreateAgent(t, l, "alice", AgentAI)
	project := mustCreateProject(t, l, "proj-1")

	d := Decision{ProjectID: project.ID, AgentID: agent.ID, Content: "use postgres", Rationale: "familiar and battle-tested"}
	if _, err := l.CreateDecision(context.Background(), d); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := l.CreateDecision(context.Background(), d); err == nil {
		t.Fatal("expected conflict on duplicate (content, project)")
	}
}

func TestDecisionStateMachine(t *testing.T) {
	l := newTestLedger(t)
	agent := mustCreateAgent(t, l, "alice", AgentAI)
	project := mustCreateProject(t, l, "proj-1")
	ctx := context.Background()

	d, err := l.CreateDecision(ctx, Decision{ProjectID: project.ID, AgentID: agent.ID, Content: "use grpc", Rationale: "typed contracts"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := l.ActionDecision(ctx, d.ID, nil); err == nil {
		t.Fatal("expected error actioning an uncommitted decision")
	}

	if err := l.CommitDecision(ctx, d.ID); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := l.CommitDecision(ctx, d.ID); err == nil {
		t.Fatal("expected error on double commit")
	}

	outcome := "rolled out to prod"
	if err := l.ActionDecision(ctx, d.ID, &outcome); err != nil {
		t.Fatalf("action: %v", err)
	}

	got, err := l.GetDecision(d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status() != "actioned" {
		t.Errorf("status = %q, want actioned", got.Status())
	}
	if got.Outcome == nil || *got.Outcome != outcome {
		t.Errorf("outcome = %v, want %q", got.Outcome, outcome)
	}

	if err := l.RejectDecision(ctx, d.ID); err == nil {
		t.Fatal("expected error rejecting an already-actioned decision")
	}
}

func TestDecisionRejectAndUncommit(t *testing.T) {
	l := newTestLedger(t)
	agent := mustCreateAgent(t, l, "alice", AgentAI)
	project := mustCreateProject(t, l, "proj-1")
	ctx := context.Background()

	d, err := l.CreateDecision(ctx, Decision{ProjectID: project.ID, AgentID: agent.ID, Content: "retire service X", Rationale: "unused"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := l.CommitDecision(ctx, d.ID); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := l.UncommitDecision(ctx, d.ID); err != nil {
		t.Fatalf("uncommit: %v", err)
	}
	got, err := l.GetDecision(d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status() != "proposed" {
		t.Errorf("status after uncommit = %q, want proposed", got.Status())
	}

	if err := l.CommitDecision(ctx, d.ID); err != nil {
		t.Fatalf("recommit: %v", err)
	}
	if err := l.RejectDecision(ctx, d.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, err = l.GetDecision(d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status() != "rejected" {
		t.Errorf("status = %q, want rejected", got.Status())
	}
}

func TestDecayHumanBlocked(t *testing.T) {
	l := newTestLedger(t)
	agent := mustCreateAgent(t, l, "alice", AgentAI)
	project := mustCreateProject(t, l, "proj-1")
	ctx := context.Background()

	d, err := l.CreateDecision(ctx, Decision{ProjectID: project.ID, AgentID: agent.ID,
		Content: "wait for @human to approve the migration", Rationale: "needs sign-off"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := l.CommitDecision(ctx, d.ID); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Backdate committed_at so it falls outside the decay window.
	past := time.Now().UTC().Add(-48 * time.Hour)
	if _, err := l.store.DB().Exec(`UPDATE decisions SET committed_at = ? WHERE id = ?`, past, d.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := l.DecayHumanBlocked(ctx, 24)
	if err != nil {
		t.Fatalf("decay: %v", err)
	}
	if n != 1 {
		t.Fatalf("decayed count = %d, want 1", n)
	}

	got, err := l.GetDecision(d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status() != "proposed" {
		t.Errorf("status after decay = %q, want proposed", got.Status())
	}
}
