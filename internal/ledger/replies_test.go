package ledger

import (
	"context"
	"testing"
)

func TestCreateReplyRejectsUnknownParent(t *testing.T) {
	l := newTestLedger(t)
	author := mustCreateAgent(t, l, "alice", AgentAI)

	_, err := l.CreateReply(context.Background(), Reply{
		ParentType: ParentInsight,
		ParentID:   "does-not-exist",
		AuthorID:   author.ID,
		Content:    "nice catch",
	})
	if err == nil {
		t.Fatal("expected error for nonexistent parent")
	}
}

func TestCreateReplyParsesMentionsAndHumanExpansion(t *testing.T) {
	l := newTestLedger(t)
	author := mustCreateAgent(t, l, "alice", AgentAI)
	reviewer := mustCreateAgent(t, l, "bob", AgentAI)
	human1 := mustCreateAgent(t, l, "dana", AgentHuman)
	human2 := mustCreateAgent(t, l, "erin", AgentHuman)
	project := mustCreateProject(t, l, "proj-1")
	ctx := context.Background()

	in, err := l.CreateInsight(ctx, Insight{ProjectID: project.ID, AgentID: author.ID, Domain: "infra", Content: "found a race condition"})
	if err != nil {
		t.Fatalf("create insight: %v", err)
	}

	reply, err := l.CreateReply(ctx, Reply{
		ParentType: ParentInsight,
		ParentID:   in.ID,
		AuthorID:   reviewer.ID,
		Content:    "@human please take a look, cc @nonexistent",
	})
	if err != nil {
		t.Fatalf("create reply: %v", err)
	}

	want := map[string]bool{human1.Handle: true, human2.Handle: true}
	if len(reply.Mentions) != 2 {
		t.Fatalf("mentions = %v, want 2 expanded human handles", reply.Mentions)
	}
	for _, m := range reply.Mentions {
		if !want[m] {
			t.Errorf("unexpected mention %q", m)
		}
	}
}

func TestFetchRepliesOrdering(t *testing.T) {
	l := newTestLedger(t)
	author := mustCreateAgent(t, l, "alice", AgentAI)
	project := mustCreateProject(t, l, "proj-1")
	ctx := context.Background()

	task, err := l.CreateTask(ctx, Task{ProjectID: project.ID, CreatorID: author.ID, Content: "investigate the leak"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	first, err := l.CreateReply(ctx, Reply{ParentType: ParentTask, ParentID: task.ID, AuthorID: author.ID, Content: "starting now"})
	if err != nil {
		t.Fatalf("create reply 1: %v", err)
	}
	second, err := l.CreateReply(ctx, Reply{ParentType: ParentTask, ParentID: task.ID, AuthorID: author.ID, Content: "found the leak"})
	if err != nil {
		t.Fatalf("create reply 2: %v", err)
	}

	got, err := l.FetchReplies(ParentTask, task.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("got = %+v, want [%s, %s] in order", got, first.ID, second.ID)
	}
}
