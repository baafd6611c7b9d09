package daemonsup

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/space-swarm/space/internal/config"
	"github.com/space-swarm/space/internal/ledger"
	"github.com/space-swarm/space/internal/scheduler"
	"github.com/space-swarm/space/internal/spawnengine"
	"github.com/space-swarm/space/internal/store"
)

const (
	tickInterval      = 2 * time.Second
	housekeepInterval = 60 * time.Second
	staleInsightAge   = 3 * 24 * time.Hour
	humanBlockedAge   = 48
)

// NoWorkPhrases are spawn summaries recognized as "did nothing of note"
// and cleared during housekeeping.
var NoWorkPhrases = []string{"no summary", "completed", "continue"}

// Worker owns the 2s tick loop: reconcile, housekeep_if_due, and (when
// swarm is enabled) the scheduler tick.
type Worker struct {
	Ledger      *ledger.Ledger
	Engine      *spawnengine.Engine
	Scheduler   *scheduler.Scheduler
	Config      *config.CachedLoader
	Store       *store.Store
	StatsWriter func() error

	shuttingDown atomic.Bool
	lastHousekeep time.Time
}

// Run installs SIGTERM/SIGINT handlers and loops tick() every
// tickInterval until a shutdown signal arrives. It repairs FTS indexes
// once at startup.
func (w *Worker) Run(ctx context.Context) error {
	if w.Store != nil {
		if err := repairFTS(ctx, w.Store); err != nil {
			log.Printf("[WORKER] fts repair failed: %v", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		log.Printf("[WORKER] shutdown signal received")
		w.shuttingDown.Store(true)
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		if w.shuttingDown.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if w.shuttingDown.Load() {
				return nil
			}
			w.tick(ctx)
		}
	}
}

// tick runs one worker cycle: reconcile, housekeep_if_due, and the
// scheduler when swarm is enabled.
func (w *Worker) tick(ctx context.Context) {
	if err := w.Engine.Reconcile(ctx); err != nil {
		log.Printf("[WORKER] reconcile: %v", err)
	}
	if err := w.Engine.Reap(ctx); err != nil {
		log.Printf("[WORKER] reap: %v", err)
	}

	if time.Since(w.lastHousekeep) >= housekeepInterval {
		if err := w.housekeep(ctx); err != nil {
			log.Printf("[WORKER] housekeep: %v", err)
		}
		w.lastHousekeep = time.Now()
	}

	cfg, err := w.Config.Get()
	if err != nil {
		log.Printf("[WORKER] load config: %v", err)
		return
	}
	if !cfg.Swarm.Enabled {
		return
	}
	if err := w.Scheduler.Tick(ctx); err != nil {
		log.Printf("[WORKER] scheduler tick: %v", err)
	}
}

// housekeep prunes stale status insights, clears inertia summaries,
// writes the public stats file, and decays human-blocked decisions.
func (w *Worker) housekeep(ctx context.Context) error {
	if err := w.pruneStaleInsights(); err != nil {
		return err
	}
	if err := w.clearInertiaSummaries(ctx); err != nil {
		return err
	}
	if w.StatsWriter != nil {
		if err := w.StatsWriter(); err != nil {
			log.Printf("[WORKER] write stats: %v", err)
		}
	}
	if _, err := w.Ledger.DecayHumanBlocked(ctx, humanBlockedAge); err != nil {
		return err
	}
	return nil
}

func (w *Worker) pruneStaleInsights() error {
	domain := "status"
	insights, err := w.Ledger.FetchInsights(ledger.InsightFilter{Domain: &domain, OpenOnly: true})
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-staleInsightAge)
	for _, in := range insights {
		if in.CreatedAt.After(cutoff) {
			continue
		}
		refs, err := w.Ledger.RefsForTarget("insight", in.ID)
		if err != nil {
			continue
		}
		if refs == 0 {
			_ = w.Ledger.SoftDeleteInsight(context.Background(), in.ID)
		}
	}
	return nil
}

func (w *Worker) clearInertiaSummaries(ctx context.Context) error {
	aiType := ledger.AgentAI
	agents, err := w.Ledger.FetchAgents(ledger.AgentFilter{Type: &aiType})
	if err != nil {
		return err
	}
	for _, a := range agents {
		recent, err := w.Ledger.RecentSpawnSummaries(a.ID, 1)
		if err != nil || len(recent) == 0 {
			continue
		}
		sp := recent[0]
		if sp.Summary == nil {
			continue
		}
		summary := strings.ToLower(strings.TrimSpace(*sp.Summary))
		for _, phrase := range NoWorkPhrases {
			if summary == phrase {
				_ = w.Ledger.ClearSummary(ctx, sp.ID)
				break
			}
		}
	}
	return nil
}

func repairFTS(ctx context.Context, s *store.Store) error {
	tables := []string{"insights_fts", "decisions_fts", "tasks_fts"}
	for _, t := range tables {
		var ok string
		err := s.DB().QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&ok)
		if err != nil {
			return err
		}
		if ok == "ok" {
			continue
		}
		if _, err := s.DB().ExecContext(ctx, "INSERT INTO "+t+"("+t+") VALUES('rebuild')"); err != nil {
			return err
		}
	}
	return nil
}
