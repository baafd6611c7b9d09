package spawnengine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/space-swarm/space/internal/provider"
	"github.com/space-swarm/space/internal/trace"
)

// stderrRule is one entry in the first-match-wins canonical error table.
type stderrRule struct {
	pattern       *regexp.Regexp
	canonical     func(match []string) string
	clearsSession bool
}

var stderrRules = []stderrRule{
	{
		pattern:   regexp.MustCompile(`(?i)ModelNotFoundError:`),
		canonical: func([]string) string { return "model not found" },
	},
	{
		pattern: regexp.MustCompile(`(?i)quota exhausted.*reset after (\S+)`),
		canonical: func(m []string) string {
			if len(m) > 1 {
				return fmt.Sprintf("quota exhausted (resets %s)", m[1])
			}
			return "quota exhausted"
		},
	},
	{
		pattern:   regexp.MustCompile(`(?i)rate.?limit`),
		canonical: func([]string) string { return "rate limited" },
	},
	{
		pattern:       regexp.MustCompile(`(?i)No conversation found`),
		canonical:     func([]string) string { return "session not found" },
		clearsSession: true,
	},
	{
		pattern:   regexp.MustCompile(`(?i)401|403.*forbidden|AuthenticationError`),
		canonical: func([]string) string { return "auth failed" },
	},
	{
		pattern:   regexp.MustCompile(`(?i)overloaded|529|503.*unavailable`),
		canonical: func([]string) string { return "provider overloaded" },
	},
}

// classifyStderr applies the first-match-wins stderr pattern table. When
// nothing matches, the last non-empty line truncated to 120 bytes is
// used.
func classifyStderr(stderrText string) (canonicalError string, clearsSession bool) {
	for _, rule := range stderrRules {
		if m := rule.pattern.FindStringSubmatch(stderrText); m != nil {
			return rule.canonical(m), rule.clearsSession
		}
	}
	lines := strings.Split(strings.TrimRight(stderrText, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if len(line) > 120 {
			line = line[:120]
		}
		return line, false
	}
	return "", false
}

// monitorState accumulates what the poll loop has observed so the final
// exit decision can consult it.
type monitorState struct {
	producedWork bool
	lastText     string
}

func (e *Engine) monitor(spawnID, providerName, tracePath, stderrPath string, cmd *exec.Cmd, w *trace.Writer, stderrFile *os.File, timeout time.Duration) {
	ctx := context.Background()
	tailer := trace.NewTailer(tracePath)
	toolUseIDToName := make(map[string]string)
	adapter, _ := e.Providers.Get(providerName)
	st := &monitorState{}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()
	deadline := time.After(timeout)

	for {
		select {
		case <-poll.C:
			e.drainTrace(ctx, spawnID, adapter, tailer, toolUseIDToName, st)
		case <-waitDone:
			e.drainTrace(ctx, spawnID, adapter, tailer, toolUseIDToName, st)
			e.finishExit(ctx, spawnID, providerName, tracePath, stderrPath, w, stderrFile, st)
			e.forget(spawnID)
			return
		case <-deadline:
			e.terminateProcessGroup(cmd)
			<-waitDone
			e.drainTrace(ctx, spawnID, adapter, tailer, toolUseIDToName, st)
			e.finishTimeout(ctx, spawnID, tracePath, w, stderrFile)
			e.forget(spawnID)
			return
		}
	}
}

func (e *Engine) forget(spawnID string) {
	e.mu.Lock()
	delete(e.running, spawnID)
	e.mu.Unlock()
}

// drainTrace tails new lines, normalizes them via the provider adapter,
// captures session ids, touches activity, and republishes to the bus.
func (e *Engine) drainTrace(ctx context.Context, spawnID string, adapter provider.Adapter, tailer *trace.Tailer, toolUseIDToName map[string]string, st *monitorState) {
	lines, err := tailer.Poll()
	if err != nil {
		return
	}
	for _, raw := range lines {
		if adapter == nil {
			continue
		}
		events, err := adapter.NormalizeEvent(raw, toolUseIDToName)
		if err != nil {
			continue
		}
		for _, ev := range events {
			switch ev.Kind {
			case provider.EventStateChange:
				if ev.SessionID != "" {
					_ = e.Ledger.CaptureSessionID(ctx, spawnID, ev.SessionID)
				}
			case provider.EventToolCall:
				st.producedWork = true
				_ = e.Ledger.TouchLastActive(ctx, spawnID)
			case provider.EventText:
				if ev.Text != "" {
					st.producedWork = true
					st.lastText = ev.Text
				}
				_ = e.Ledger.TouchLastActive(ctx, spawnID)
			}
			e.Bus.Publish(spawnID, ev)
		}
	}
}

func (e *Engine) finishTimeout(ctx context.Context, spawnID, tracePath string, w *trace.Writer, stderrFile *os.File) {
	w.Close()
	stderrFile.Close()
	hash, _ := trace.Finalize(tracePath)
	_, _ = e.Ledger.FinishSpawn(ctx, spawnID, "", "timeout", strPtrOrNil(hash), true)
	e.Bus.Clear(spawnID)
	e.notify(ctx, spawnID, "timeout", "idle timeout reached")
}

func (e *Engine) finishExit(ctx context.Context, spawnID, providerName, tracePath, stderrPath string, w *trace.Writer, stderrFile *os.File, st *monitorState) {
	w.Close()
	stderrFile.Close()

	stderrText := ""
	if b, err := os.ReadFile(stderrPath); err == nil {
		stderrText = string(b)
	}

	hash, _ := trace.Finalize(tracePath)
	canonical, clearsSession := classifyStderr(stderrText)
	isQuotaError := strings.HasPrefix(canonical, "quota exhausted")

	var summary, errMsg string
	if st.producedWork && !isQuotaError {
		summary = st.lastText
		if summary == "" {
			summary = "completed"
		}
	} else {
		errMsg = canonical
		if errMsg == "" {
			errMsg = "no summary"
		}
		if clearsSession {
			_ = e.Ledger.ClearSessionID(ctx, spawnID)
		}
		if e.Router != nil {
			_, _ = e.Router.RecordProviderError(ctx, providerName, errMsg)
		}
	}

	_, _ = e.Ledger.FinishSpawn(ctx, spawnID, summary, errMsg, strPtrOrNil(hash), true)
	e.Bus.Clear(spawnID)

	status, detail := "done", summary
	if errMsg != "" {
		status, detail = "error", errMsg
	}
	e.notify(ctx, spawnID, status, detail)
}

// notify reports a spawn's terminal status to the configured
// CompletionNotifier, resolving the owning agent's handle for the
// notification title. Best-effort: a lookup or notifier failure never
// affects the ledger write that already happened.
func (e *Engine) notify(ctx context.Context, spawnID, status, detail string) {
	if e.Notifier == nil {
		return
	}
	handle := spawnID
	if s, err := e.Ledger.GetSpawn(spawnID); err == nil {
		if a, err := e.Ledger.GetAgent(s.AgentID); err == nil {
			handle = a.Handle
		}
	}
	_ = e.Notifier.NotifyCompletion(handle, status, detail)
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
