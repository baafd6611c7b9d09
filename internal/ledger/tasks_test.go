package ledger

import (
	"context"
	"testing"
)

func TestTaskLifecycle(t *testing.T) {
	l := newTestLedger(t)
	creator := mustCreateAgent(t, l, "alice", AgentAI)
	assignee := mustCreateAgent(t, l, "bob", AgentAI)
	project := mustCreateProject(t, l, "proj-1")
	ctx := context.Background()

	task, err := l.CreateTask(ctx, Task{ProjectID: project.ID, CreatorID: creator.ID, Content: "write the migration"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Status != TaskPending {
		t.Fatalf("status = %q, want pending", task.Status)
	}

	if err := l.ClaimTask(ctx, task.ID, assignee.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := l.ClaimTask(ctx, task.ID, assignee.ID); err == nil {
		t.Fatal("expected error re-claiming an already-active task")
	}

	got, err := l.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != TaskActive || got.AssigneeID == nil || *got.AssigneeID != assignee.ID {
		t.Fatalf("got = %+v", got)
	}

	result := "migration written and tested"
	if err := l.SetTaskStatus(ctx, task.ID, TaskDone, &result); err != nil {
		t.Fatalf("set done: %v", err)
	}
	if err := l.SetTaskStatus(ctx, task.ID, TaskActive, nil); err == nil {
		t.Fatal("expected error transitioning out of a terminal state")
	}

	got, err = l.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != TaskDone || got.Result == nil || *got.Result != result {
		t.Fatalf("got = %+v", got)
	}
}

func TestTaskReleaseRequiresMatchingAssignee(t *testing.T) {
	l := newTestLedger(t)
	creator := mustCreateAgent(t, l, "alice", AgentAI)
	assignee := mustCreateAgent(t, l, "bob", AgentAI)
	other := mustCreateAgent(t, l, "carol", AgentAI)
	project := mustCreateProject(t, l, "proj-1")
	ctx := context.Background()

	task, err := l.CreateTask(ctx, Task{ProjectID: project.ID, CreatorID: creator.ID, Content: "review the PR"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := l.ClaimTask(ctx, task.ID, assignee.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := l.ReleaseTask(ctx, task.ID, other.ID); err == nil {
		t.Fatal("expected error releasing a task claimed by a different agent")
	}
	if err := l.ReleaseTask(ctx, task.ID, assignee.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	got, err := l.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != TaskPending || got.AssigneeID != nil {
		t.Fatalf("got = %+v", got)
	}
}

func TestSwitchTaskClosesPriorActive(t *testing.T) {
	l := newTestLedger(t)
	creator := mustCreateAgent(t, l, "alice", AgentAI)
	worker := mustCreateAgent(t, l, "bob", AgentAI)
	project := mustCreateProject(t, l, "proj-1")
	ctx := context.Background()

	first, err := l.CreateTask(ctx, Task{ProjectID: project.ID, CreatorID: creator.ID, Content: "task one"})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := l.CreateTask(ctx, Task{ProjectID: project.ID, CreatorID: creator.ID, Content: "task two"})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	if err := l.ClaimTask(ctx, first.ID, worker.ID); err != nil {
		t.Fatalf("claim first: %v", err)
	}
	if err := l.SwitchTask(ctx, worker.ID, second.ID); err != nil {
		t.Fatalf("switch: %v", err)
	}

	gotFirst, err := l.GetTask(first.ID)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if gotFirst.Status != TaskPending || gotFirst.AssigneeID != nil {
		t.Fatalf("first task after switch = %+v, want released to pending", gotFirst)
	}

	gotSecond, err := l.GetTask(second.ID)
	if err != nil {
		t.Fatalf("get second: %v", err)
	}
	if gotSecond.Status != TaskActive || gotSecond.AssigneeID == nil || *gotSecond.AssigneeID != worker.ID {
		t.Fatalf("second task after switch = %+v", gotSecond)
	}
}
