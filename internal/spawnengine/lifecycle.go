package spawnengine

import (
	"context"
	"os/exec"
	"syscall"
	"time"

	"github.com/space-swarm/space/internal/ledger"
	"github.com/space-swarm/space/internal/trace"
)

// terminateProcessGroup sends SIGTERM to the process group, waits a short
// grace period, then SIGKILLs if it hasn't exited. Used both by explicit
// Terminate and by the monitor's timeout path.
func (e *Engine) terminateProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.Sleep(2 * time.Second)
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

// Terminate kills an active spawn's process and marks it done with
// error="terminated". A no-op (returns the row as-is) if already done.
func (e *Engine) Terminate(ctx context.Context, spawnID string) (*ledger.Spawn, error) {
	spawn, err := e.Ledger.GetSpawn(spawnID)
	if err != nil {
		return nil, err
	}
	if spawn.Status == ledger.SpawnDone {
		return spawn, nil
	}

	e.mu.Lock()
	rp := e.running[spawnID]
	e.mu.Unlock()
	if rp != nil {
		e.terminateProcessGroup(rp.cmd)
	} else if spawn.PID != nil {
		_ = syscall.Kill(-*spawn.PID, syscall.SIGTERM)
		time.Sleep(2 * time.Second)
		_ = syscall.Kill(-*spawn.PID, syscall.SIGKILL)
	}

	if _, err := e.Ledger.FinishSpawn(ctx, spawnID, "", "terminated", nil, false); err != nil {
		return nil, err
	}
	e.Bus.Clear(spawnID)
	return e.Ledger.GetSpawn(spawnID)
}

// isAlive reports whether pid refers to a live process, using the
// standard kill(pid, 0) liveness-probe idiom.
func isAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

// Reap runs every daemon tick: any active spawn older than ReapGrace whose
// pid is null or no longer alive is finalized as done with error="reaped".
// The transition is conditional on the row still being active, so a
// concurrent legitimate completion is never clobbered.
func (e *Engine) Reap(ctx context.Context) error {
	spawns, err := e.Ledger.ActiveSovereignSpawns()
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-ReapGrace)
	for _, s := range spawns {
		if s.CreatedAt.After(cutoff) {
			continue
		}
		abandoned := s.PID == nil || !isAlive(*s.PID)
		if !abandoned {
			continue
		}

		tracePath := trace.PathFor(e.SpawnsDir, s.Provider, s.ID)
		var hashPtr *string
		if h, fErr := trace.Finalize(tracePath); fErr == nil {
			hashPtr = strPtrOrNil(h)
		}
		if _, err := e.Ledger.FinishSpawn(ctx, s.ID, "", "reaped", hashPtr, true); err != nil {
			return err
		}
		e.Bus.Clear(s.ID)
	}
	return nil
}

// Reconcile kills any OS process still referenced by a done spawn's pid
// (a leaked process from a crash between exit and pid cleanup) and nulls
// the stale pid field.
func (e *Engine) Reconcile(ctx context.Context) error {
	leaked, err := e.Ledger.ReconcileLeakedPIDs(ctx)
	if err != nil {
		return err
	}
	for _, lk := range leaked {
		if isAlive(lk.PID) {
			_ = syscall.Kill(-lk.PID, syscall.SIGKILL)
		}
	}
	return nil
}
