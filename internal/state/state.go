// Package state persists the scheduler's small mutable working set
// (provider notification flags, per-agent failure counters, skip
// timestamps, and pending batch descriptors) to a single state.yaml
// file, guarded by a flock so the supervisor and worker processes
// never interleave a read-modify-write.
package state

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// BatchDescriptor records a still-open group of related spawns so the
// scheduler can recognize a batch as complete and report on it once.
type BatchDescriptor struct {
	ID        string    `yaml:"id"`
	AgentID   string    `yaml:"agent_id"`
	SpawnIDs  []string  `yaml:"spawn_ids"`
	CreatedAt time.Time `yaml:"created_at"`
}

// FailureRecord tracks one agent's recent consecutive failures for the
// backoff window.
type FailureRecord struct {
	Count      int       `yaml:"count"`
	LastFailAt time.Time `yaml:"last_fail_at"`
}

// Snapshot is the full state.yaml document.
type Snapshot struct {
	Notified      map[string]bool            `yaml:"notified"`
	Failures      map[string]FailureRecord   `yaml:"failures"`
	LastSkippedAt map[string]time.Time       `yaml:"last_skipped_at"`
	LastSpawnedAt map[string]time.Time       `yaml:"last_spawned_at"`
	Batches       map[string]BatchDescriptor `yaml:"batches"`
}

func newSnapshot() Snapshot {
	return Snapshot{
		Notified:      make(map[string]bool),
		Failures:      make(map[string]FailureRecord),
		LastSkippedAt: make(map[string]time.Time),
		LastSpawnedAt: make(map[string]time.Time),
		Batches:       make(map[string]BatchDescriptor),
	}
}

// Store is a flock-guarded state.yaml file. Every mutation opens the
// lock file, takes an exclusive flock, reads the current document,
// applies the mutation, writes it back, and releases the lock, so
// concurrent processes (supervisor and worker, or two scheduler ticks)
// never race on a read-modify-write.
type Store struct {
	path     string
	lockPath string

	mu sync.Mutex
}

// New returns a Store backed by path (the state.yaml file itself). The
// flock is held against path+".lock" so readers never block on the
// data file's own open/rename cycle.
func New(path string) *Store {
	return &Store{path: path, lockPath: path + ".lock"}
}

// Get returns a copy of the current snapshot without modification.
func (s *Store) Get() (Snapshot, error) {
	var result Snapshot
	err := s.withLock(func(snap *Snapshot) (bool, error) {
		result = *snap
		return false, nil
	})
	return result, err
}

// Mutate loads the snapshot, passes it to fn for in-place modification,
// and persists the result if fn returns true.
func (s *Store) Mutate(fn func(snap *Snapshot) (changed bool, err error)) error {
	return s.withLock(fn)
}

func (s *Store) withLock(fn func(snap *Snapshot) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	lockFile, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	snap, err := s.load()
	if err != nil {
		return err
	}

	changed, err := fn(&snap)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return s.save(snap)
}

func (s *Store) load() (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return newSnapshot(), nil
		}
		return Snapshot{}, err
	}
	snap := newSnapshot()
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	if snap.Notified == nil {
		snap.Notified = make(map[string]bool)
	}
	if snap.Failures == nil {
		snap.Failures = make(map[string]FailureRecord)
	}
	if snap.LastSkippedAt == nil {
		snap.LastSkippedAt = make(map[string]time.Time)
	}
	if snap.LastSpawnedAt == nil {
		snap.LastSpawnedAt = make(map[string]time.Time)
	}
	if snap.Batches == nil {
		snap.Batches = make(map[string]BatchDescriptor)
	}
	return snap, nil
}

func (s *Store) save(snap Snapshot) error {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// RecordFailure increments an agent's consecutive failure counter.
func (s *Store) RecordFailure(agentID string, at time.Time) error {
	return s.Mutate(func(snap *Snapshot) (bool, error) {
		rec := snap.Failures[agentID]
		rec.Count++
		rec.LastFailAt = at
		snap.Failures[agentID] = rec
		return true, nil
	})
}

// ClearFailure resets an agent's failure counter after a successful spawn.
func (s *Store) ClearFailure(agentID string) error {
	return s.Mutate(func(snap *Snapshot) (bool, error) {
		if _, ok := snap.Failures[agentID]; !ok {
			return false, nil
		}
		delete(snap.Failures, agentID)
		return true, nil
	})
}

// InBackoff reports whether agentID failed within window of now.
func (s *Store) InBackoff(agentID string, now time.Time, window time.Duration) (bool, error) {
	snap, err := s.Get()
	if err != nil {
		return false, err
	}
	rec, ok := snap.Failures[agentID]
	if !ok {
		return false, nil
	}
	return now.Sub(rec.LastFailAt) < window, nil
}

// MarkNotified records that the one-shot "provider blocked" notification
// has fired for key, and reports whether it was already set.
func (s *Store) MarkNotified(key string) (alreadyNotified bool, err error) {
	err = s.Mutate(func(snap *Snapshot) (bool, error) {
		if snap.Notified[key] {
			alreadyNotified = true
			return false, nil
		}
		snap.Notified[key] = true
		return true, nil
	})
	return alreadyNotified, err
}

// ClearNotified removes the one-shot notification flag for key, e.g.
// once a cooldown has expired.
func (s *Store) ClearNotified(key string) error {
	return s.Mutate(func(snap *Snapshot) (bool, error) {
		if !snap.Notified[key] {
			return false, nil
		}
		delete(snap.Notified, key)
		return true, nil
	})
}

// TouchLastSpawned records the most recent spawn time for an agent, used
// for the anti-ping-pong recency penalty.
func (s *Store) TouchLastSpawned(agentID string, at time.Time) error {
	return s.Mutate(func(snap *Snapshot) (bool, error) {
		snap.LastSpawnedAt[agentID] = at
		return true, nil
	})
}

// TouchLastSkipped records the most recent tick an agent was considered
// but not picked.
func (s *Store) TouchLastSkipped(agentID string, at time.Time) error {
	return s.Mutate(func(snap *Snapshot) (bool, error) {
		snap.LastSkippedAt[agentID] = at
		return true, nil
	})
}

// OpenBatch registers a new in-flight batch.
func (s *Store) OpenBatch(b BatchDescriptor) error {
	return s.Mutate(func(snap *Snapshot) (bool, error) {
		snap.Batches[b.ID] = b
		return true, nil
	})
}

// CloseBatch removes a batch once it has been reported on.
func (s *Store) CloseBatch(id string) error {
	return s.Mutate(func(snap *Snapshot) (bool, error) {
		if _, ok := snap.Batches[id]; !ok {
			return false, nil
		}
		delete(snap.Batches, id)
		return true, nil
	})
}
