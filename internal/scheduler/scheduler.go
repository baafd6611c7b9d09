// Package scheduler drives the swarm's autonomous spawn loop: each tick
// it computes free slots, resumes at most one crashed-but-resumable
// spawn, and otherwise draws a weighted sample of eligible agents to
// launch fresh. It never talks to the OS directly; all process
// management goes through spawnengine.Engine.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/space-swarm/space/internal/config"
	"github.com/space-swarm/space/internal/ledger"
	"github.com/space-swarm/space/internal/quotarouter"
	"github.com/space-swarm/space/internal/spawnengine"
	"github.com/space-swarm/space/internal/state"
)

const (
	maxResumeCount = 1
	failureBackoff = 5 * time.Minute
	recencyWindow  = 300 * time.Second
	streamDomain   = "stream"
)

// Clock lets tests substitute a fixed time source.
type Clock func() time.Time

// Scheduler owns one tick of swarm decision-making.
type Scheduler struct {
	Ledger *ledger.Ledger
	Engine *spawnengine.Engine
	Router *quotarouter.Router
	State  *state.Store
	Config *config.CachedLoader
	Rand   *rand.Rand
	Now    Clock
}

// New constructs a Scheduler whose Rand is a new source seeded from the
// current time.
func New(l *ledger.Ledger, e *spawnengine.Engine, router *quotarouter.Router, st *state.Store, cfg *config.CachedLoader) *Scheduler {
	return &Scheduler{
		Ledger: l,
		Engine: e,
		Router: router,
		State:  st,
		Config: cfg,
		Rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		Now:    time.Now,
	}
}

// Tick runs one scheduling pass: resume step, then pick step, honoring
// the swarm enable flag and limit. It is a no-op when swarm is disabled.
func (s *Scheduler) Tick(ctx context.Context) error {
	cfg, err := s.Config.Get()
	if err != nil {
		return fmt.Errorf("scheduler tick: load config: %w", err)
	}
	if !cfg.Swarm.Enabled {
		return nil
	}

	if err := s.enforceLimit(ctx, cfg); err != nil {
		return err
	}
	cfg, err = s.Config.Get()
	if err != nil {
		return err
	}
	if !cfg.Swarm.Enabled {
		return nil
	}

	active, err := s.Ledger.ActiveSovereignSpawns()
	if err != nil {
		return fmt.Errorf("scheduler tick: active spawns: %w", err)
	}
	slots := cfg.Swarm.Concurrency - len(active)
	if slots < 0 {
		slots = 0
	}
	if slots == 0 {
		return nil
	}

	resumed, err := s.resumeStep(ctx, cfg, active)
	if err != nil {
		return err
	}
	if resumed {
		slots--
	}
	if slots <= 0 {
		return nil
	}

	return s.pickStep(ctx, cfg, slots, active)
}

// resumeStep relaunches at most one crashed-but-resumable sovereign
// spawn whose agent is not currently active and whose provider is
// available. It reports whether a spawn was resumed.
func (s *Scheduler) resumeStep(ctx context.Context, cfg *config.Config, active []*ledger.Spawn) (bool, error) {
	candidates, err := s.Ledger.ResumableSpawns(spawnengine.RecognizedCrashErrors, maxResumeCount)
	if err != nil {
		return false, fmt.Errorf("resume step: resumable spawns: %w", err)
	}

	activeAgents := make(map[string]bool, len(active))
	for _, sp := range active {
		activeAgents[sp.AgentID] = true
	}

	for _, candidate := range candidates {
		if activeAgents[candidate.AgentID] {
			continue
		}
		if !providerAllowed(cfg, candidate.Provider) {
			continue
		}
		available, err := s.Router.Available(ctx, candidate.Provider)
		if err != nil || !available {
			continue
		}

		if _, err := s.Engine.Launch(ctx, spawnengine.LaunchInput{
			AgentID: candidate.AgentID,
			Spawn:   candidate,
			Mode:    ledger.ModeSovereign,
		}); err != nil {
			continue
		}
		return true, nil
	}
	return false, nil
}

// pickStep draws up to count eligible agents weighted by the fairness
// formula and attempts to launch each, stopping at the first failure
// to avoid a cascading pile-up.
func (s *Scheduler) pickStep(ctx context.Context, cfg *config.Config, count int, active []*ledger.Spawn) error {
	eligible, err := s.eligibleAgents(ctx, cfg, active)
	if err != nil {
		return fmt.Errorf("pick step: eligible agents: %w", err)
	}
	if len(eligible) == 0 {
		return nil
	}

	weights := make([]float64, len(eligible))
	for i, a := range eligible {
		w, err := s.weightFor(ctx, a)
		if err != nil {
			return fmt.Errorf("pick step: weight for %s: %w", a.Handle, err)
		}
		weights[i] = w
	}

	drawn := weightedDrawWithoutReplacement(s.Rand, eligible, weights, count)
	for _, agent := range drawn {
		_, err := s.Engine.Launch(ctx, spawnengine.LaunchInput{
			AgentID: agent.ID,
			Mode:    ledger.ModeSovereign,
		})
		if err != nil {
			_ = s.State.RecordFailure(agent.ID, s.Now())
			return nil
		}
		_ = s.State.ClearFailure(agent.ID)
		_ = s.State.TouchLastSpawned(agent.ID, s.Now())
	}
	return nil
}

func (s *Scheduler) eligibleAgents(ctx context.Context, cfg *config.Config, active []*ledger.Spawn) ([]*ledger.Agent, error) {
	aiType := ledger.AgentAI
	all, err := s.Ledger.FetchAgents(ledger.AgentFilter{Type: &aiType, OnlyWithModel: true})
	if err != nil {
		return nil, err
	}

	activeAgents := make(map[string]bool, len(active))
	for _, sp := range active {
		activeAgents[sp.AgentID] = true
	}

	snap, err := s.State.Get()
	if err != nil {
		return nil, err
	}

	lastFinished, err := s.Ledger.LastFinishedAgentID()
	if err != nil {
		return nil, err
	}

	var out []*ledger.Agent
	for _, a := range all {
		if activeAgents[a.ID] {
			continue
		}
		if lastFinished != "" && a.ID == lastFinished {
			continue
		}
		providerName := spawnengine.ProviderForModel(a.Model)
		if !providerAllowed(cfg, providerName) {
			continue
		}
		if !agentAllowed(cfg, a.Handle) {
			continue
		}
		if rec, ok := snap.Failures[a.ID]; ok {
			if s.Now().Sub(rec.LastFailAt) < failureBackoff {
				continue
			}
		}
		available, err := s.Router.Available(ctx, providerName)
		if err != nil || !available {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// weightFor computes the fairness/inbox/stream/recency/bias weight
// formula for a single agent.
func (s *Scheduler) weightFor(ctx context.Context, a *ledger.Agent) (float64, error) {
	today := s.Now().Truncate(24 * time.Hour)

	spawnsToday, maxSpawnsToday, err := s.spawnCounts(a.ID, today)
	if err != nil {
		return 0, err
	}
	fairness := math.Pow(1+(float64(maxSpawnsToday-spawnsToday))/(float64(maxSpawnsToday)+1), 2)

	inboxMult := 1.0
	inbox, err := s.Ledger.Inbox(a.ID, a.Handle)
	if err != nil {
		return 0, err
	}
	if len(inbox) > 0 {
		inboxMult = 1.5
	}

	streamMult := 1.0
	domain := streamDomain
	streamInsights, err := s.Ledger.FetchInsights(ledger.InsightFilter{Domain: &domain, OpenOnly: true, Limit: 1})
	if err != nil {
		return 0, err
	}
	if len(streamInsights) > 0 {
		streamMult = 1.5
	}

	recencyPenalty := 1.0
	snap, err := s.State.Get()
	if err != nil {
		return 0, err
	}
	if last, ok := snap.LastSpawnedAt[a.ID]; ok && s.Now().Sub(last) < recencyWindow {
		recencyPenalty = 0.5
	}

	bias := 1.0
	cfg, err := s.Config.Get()
	if err != nil {
		return 0, err
	}
	if w, ok := cfg.Swarm.Weights[a.Handle]; ok {
		bias = w
	}

	return fairness * inboxMult * streamMult * recencyPenalty * bias, nil
}

// spawnCounts returns agentID's count of finished (done) spawns created
// since the start of today and the maximum such count across all AI
// agents, for the fairness term. Spawns still active are not counted.
func (s *Scheduler) spawnCounts(agentID string, since time.Time) (mine, max int, err error) {
	aiType := ledger.AgentAI
	all, err := s.Ledger.FetchAgents(ledger.AgentFilter{Type: &aiType})
	if err != nil {
		return 0, 0, err
	}
	for _, a := range all {
		spawns, err := s.Ledger.RecentSpawnSummaries(a.ID, 0)
		if err != nil {
			return 0, 0, err
		}
		count := 0
		for _, sp := range spawns {
			if sp.CreatedAt.After(since) {
				count++
			}
		}
		if a.ID == agentID {
			mine = count
		}
		if count > max {
			max = count
		}
	}
	return mine, max, nil
}

// enforceLimit counts AI agents' finished (done) spawns created since
// swarm.enabled_at and disables the swarm once config.swarm.limit is
// reached. Spawns still active are not counted.
func (s *Scheduler) enforceLimit(ctx context.Context, cfg *config.Config) error {
	if cfg.Swarm.Limit <= 0 || cfg.Swarm.EnabledAt == nil {
		return nil
	}
	count, err := s.countSpawnsSince(*cfg.Swarm.EnabledAt)
	if err != nil {
		return err
	}
	if count < cfg.Swarm.Limit {
		return nil
	}
	return s.off()
}

func (s *Scheduler) countSpawnsSince(since time.Time) (int, error) {
	aiType := ledger.AgentAI
	all, err := s.Ledger.FetchAgents(ledger.AgentFilter{Type: &aiType})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, a := range all {
		spawns, err := s.Ledger.RecentSpawnSummaries(a.ID, 0)
		if err != nil {
			return 0, err
		}
		for _, sp := range spawns {
			if sp.CreatedAt.After(since) {
				total++
			}
		}
	}
	return total, nil
}

// off disables the swarm once config.swarm.limit has been reached. The
// config file itself is the source of truth for enabled/disabled state,
// so this writes the flag back via the loader's underlying path.
func (s *Scheduler) off() error {
	return s.Config.Disable()
}

func providerAllowed(cfg *config.Config, providerName string) bool {
	if len(cfg.Swarm.ProviderFilter) == 0 {
		return true
	}
	for _, p := range cfg.Swarm.ProviderFilter {
		if p == providerName {
			return true
		}
	}
	return false
}

func agentAllowed(cfg *config.Config, handle string) bool {
	if len(cfg.Swarm.AgentFilter) == 0 {
		return true
	}
	for _, h := range cfg.Swarm.AgentFilter {
		if h == handle {
			return true
		}
	}
	return false
}

// weightedDrawWithoutReplacement draws up to count items from pool
// weighted by weights, without replacement.
func weightedDrawWithoutReplacement(r *rand.Rand, pool []*ledger.Agent, weights []float64, count int) []*ledger.Agent {
	type candidate struct {
		agent  *ledger.Agent
		weight float64
	}
	remaining := make([]candidate, len(pool))
	for i, a := range pool {
		remaining[i] = candidate{agent: a, weight: weights[i]}
	}

	var out []*ledger.Agent
	for len(out) < count && len(remaining) > 0 {
		total := 0.0
		for _, c := range remaining {
			total += c.weight
		}
		if total <= 0 {
			break
		}
		pick := r.Float64() * total
		cum := 0.0
		idx := len(remaining) - 1
		for i, c := range remaining {
			cum += c.weight
			if pick <= cum {
				idx = i
				break
			}
		}
		out = append(out, remaining[idx].agent)
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return out
}
