// Package spawnengine launches, monitors, terminates, reaps, and
// reconciles vendor CLI agent processes, keeping each process's ledger
// spawn row and trace file in sync with the real OS process.
package spawnengine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/space-swarm/space/internal/eventbus"
	"github.com/space-swarm/space/internal/ledger"
	"github.com/space-swarm/space/internal/provider"
	"github.com/space-swarm/space/internal/quotarouter"
	"github.com/space-swarm/space/internal/trace"
)

// ContextBuilder assembles the prompt text handed to a vendor CLI on wake
// (fresh sovereign spawn) or resume (relaunch of a crashed/finished one).
type ContextBuilder interface {
	BuildWake(ctx context.Context, agentID string, skills []string) (string, error)
	BuildResume(ctx context.Context, agentID, instruction string) (string, error)
}

// CompletionNotifier is told about a spawn's terminal status. It is a
// non-core adapter: nil is a valid Engine.Notifier and simply disables
// notifications.
type CompletionNotifier interface {
	NotifyCompletion(agentHandle, status, detail string) error
}

// ReapGrace is how long after its creation an active spawn is left alone
// before Reap checks whether it is abandoned.
const ReapGrace = 30 * time.Second

// RecognizedCrashErrors is the set of canonical errors a resumable spawn
// may have exited with.
var RecognizedCrashErrors = []string{"reaped", "orphaned process", "terminated", "timeout", "no summary"}

// Engine owns the running child processes and their monitor goroutines.
type Engine struct {
	Ledger      *ledger.Ledger
	Providers   *provider.Registry
	Router      *quotarouter.Router
	Bus         *eventbus.Bus
	Context     ContextBuilder
	SpawnsDir   string
	IdentityDir string
	Notifier    CompletionNotifier

	mu      sync.Mutex
	running map[string]*runningProcess
}

type runningProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// New constructs an Engine. spawnsDir is the root trace directory
// (<spawnsDir>/<provider>/<spawn_id>.jsonl); identityDir is the root
// under which per-agent identity files are written.
func New(l *ledger.Ledger, providers *provider.Registry, router *quotarouter.Router, bus *eventbus.Bus, cb ContextBuilder, spawnsDir, identityDir string) *Engine {
	return &Engine{
		Ledger:      l,
		Providers:   providers,
		Router:      router,
		Bus:         bus,
		Context:     cb,
		SpawnsDir:   spawnsDir,
		IdentityDir: identityDir,
		running:     make(map[string]*runningProcess),
	}
}

// ProviderForModel derives the vendor provider name from a configured
// model string (e.g. "claude-opus-4" -> "claude", "gpt-5-codex" ->
// "codex", "gemini-2.5-pro" -> "gemini").
func ProviderForModel(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "claude"):
		return "claude"
	case strings.Contains(m, "codex") || strings.Contains(m, "gpt"):
		return "codex"
	case strings.Contains(m, "gemini"):
		return "gemini"
	default:
		return "claude"
	}
}

// LaunchInput parameterizes Launch.
type LaunchInput struct {
	AgentID       string
	Instruction   string
	Spawn         *ledger.Spawn
	CallerSpawnID *string
	Cwd           string
	Timeout       time.Duration
	ModelOverride string
	Mode          ledger.SpawnMode
	Skills        []string
}

// Launch starts (or resumes) one vendor CLI invocation end to end: the
// 10-step sequence described for the engine's launch operation.
func (e *Engine) Launch(ctx context.Context, in LaunchInput) (*ledger.Spawn, error) {
	agent, err := e.Ledger.GetAgent(in.AgentID)
	if err != nil {
		return nil, fmt.Errorf("launch: lookup agent: %w", err)
	}
	model := agent.Model
	if in.ModelOverride != "" {
		model = in.ModelOverride
	}
	providerName := ProviderForModel(model)

	// Step 1/2: resolve the spawn row.
	isResume := false
	spawn := in.Spawn
	if spawn != nil {
		if spawn.Status == ledger.SpawnActive && spawn.PID != nil {
			return nil, fmt.Errorf("launch: spawn %s is already active with a live pid", spawn.ID)
		}
		if spawn.Status == ledger.SpawnDone && (spawn.SessionID == nil || *spawn.SessionID == "") {
			return nil, fmt.Errorf("launch: spawn %s is done with no session id, cannot resume", spawn.ID)
		}
		if err := e.Ledger.MarkResuming(ctx, spawn.ID); err != nil {
			return nil, fmt.Errorf("launch: mark resuming: %w", err)
		}
		isResume = spawn.SessionID != nil && *spawn.SessionID != ""
		spawn.Status = ledger.SpawnActive
	} else {
		spawn, err = e.Ledger.GetOrCreateSovereign(ctx, in.AgentID, in.CallerSpawnID, providerName)
		if err != nil {
			return nil, fmt.Errorf("launch: get_or_create sovereign: %w", err)
		}
		isResume = spawn.SessionID != nil && *spawn.SessionID != ""
	}

	// Step 3: cooldown check.
	available, err := e.Router.Available(ctx, providerName)
	if err != nil {
		return nil, fmt.Errorf("launch: check provider availability: %w", err)
	}
	if !available {
		return nil, fmt.Errorf("launch: provider %s is in cooldown", providerName)
	}

	// Step 4: build context.
	var promptCtx string
	contextCase := provider.ContextWake
	if isResume {
		contextCase = provider.ContextResume
		promptCtx, err = e.Context.BuildResume(ctx, in.AgentID, in.Instruction)
	} else {
		promptCtx, err = e.Context.BuildWake(ctx, in.AgentID, in.Skills)
	}
	if err != nil {
		return nil, fmt.Errorf("launch: build context: %w", err)
	}

	// Step 5: identity files.
	if err := e.writeIdentityFiles(agent.ID, providerName); err != nil {
		return nil, fmt.Errorf("launch: write identity files: %w", err)
	}

	// Resolve trace file path and writer.
	tracePath := trace.PathFor(e.SpawnsDir, providerName, spawn.ID)
	w, err := trace.OpenWriter(tracePath)
	if err != nil {
		return nil, fmt.Errorf("launch: open trace writer: %w", err)
	}

	// Step 6: daemon lifecycle + context_init boundary events.
	daemonAction := "starting"
	if isResume {
		daemonAction = "resuming"
	}
	if err := w.WriteEvent(trace.NewDaemonEvent(daemonAction)); err != nil {
		w.Close()
		return nil, fmt.Errorf("launch: write daemon event: %w", err)
	}
	if err := w.WriteEvent(trace.NewContextInitEvent(string(contextCase), promptCtx)); err != nil {
		w.Close()
		return nil, fmt.Errorf("launch: write context_init: %w", err)
	}

	// Step 7: build argv via the provider adapter.
	adapter, ok := e.Providers.Get(providerName)
	if !ok {
		w.Close()
		return nil, fmt.Errorf("launch: no adapter registered for provider %s", providerName)
	}
	sessionID := ""
	if spawn.SessionID != nil {
		sessionID = *spawn.SessionID
	}
	cmdInput := provider.BuildCommandInput{
		Model:     model,
		SessionID: sessionID,
		Context:   promptCtx,
		Cwd:       in.Cwd,
		AllowedTools: []provider.Capability{
			provider.CapShell, provider.CapRead, provider.CapWrite, provider.CapEdit,
			provider.CapLS, provider.CapGlob, provider.CapGrep, provider.CapFetch, provider.CapSearch,
		},
	}
	command, err := adapter.BuildCommand(cmdInput)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("launch: build command: %w", err)
	}

	// Step 8: fork the vendor CLI in a fresh session group.
	stderrPath := tracePath + ".stderr"
	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("launch: open stderr file: %w", err)
	}

	execCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(execCtx, command.Argv[0], command.Argv[1:]...)
	if in.Cwd != "" {
		cmd.Dir = in.Cwd
	}
	cmd.Stdout = w.File()
	cmd.Stderr = stderrFile
	if len(command.Stdin) > 0 {
		cmd.Stdin = strings.NewReader(string(command.Stdin))
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		cancel()
		w.Close()
		stderrFile.Close()
		return nil, fmt.Errorf("launch: start process: %w", err)
	}

	// Step 9: claim the pid atomically.
	won, err := e.Ledger.SetPIDAtomic(ctx, spawn.ID, cmd.Process.Pid)
	if err != nil {
		cancel()
		w.Close()
		stderrFile.Close()
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("launch: set pid atomic: %w", err)
	}
	if !won {
		cancel()
		w.Close()
		stderrFile.Close()
		_ = killProcessGroup(cmd.Process.Pid)
		return nil, fmt.Errorf("launch: lost race for pid claim on spawn %s, aborted", spawn.ID)
	}

	e.mu.Lock()
	e.running[spawn.ID] = &runningProcess{cmd: cmd, cancel: cancel}
	e.mu.Unlock()

	spawn.PID = &cmd.Process.Pid

	// Step 10: start the monitor thread.
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	go e.monitor(spawn.ID, providerName, tracePath, stderrPath, cmd, w, stderrFile, timeout)

	return spawn, nil
}

func (e *Engine) writeIdentityFiles(agentID, providerName string) error {
	dir := filepath.Join(e.IdentityDir, agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	allProviderFiles := map[string]string{
		"claude": "CLAUDE.md",
		"codex":  "AGENTS.md",
		"gemini": "GEMINI.md",
	}
	for p, filename := range allProviderFiles {
		path := filepath.Join(dir, filename)
		if p == providerName {
			continue
		}
		os.Remove(path)
	}

	gitconfig := filepath.Join(dir, ".gitconfig")
	if _, err := os.Stat(gitconfig); os.IsNotExist(err) {
		content := fmt.Sprintf("[user]\n\tname = %s\n\temail = %s@agents.local\n", agentID, agentID)
		if err := os.WriteFile(gitconfig, []byte(content), 0o644); err != nil {
			return err
		}
	}

	promptFile := filepath.Join(dir, allProviderFiles[providerName])
	if _, err := os.Stat(promptFile); os.IsNotExist(err) {
		if err := os.WriteFile(promptFile, []byte(fmt.Sprintf("# %s\n", agentID)), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
