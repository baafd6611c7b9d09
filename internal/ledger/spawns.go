package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/space-swarm/space/internal/errs"
	"github.com/space-swarm/space/internal/ids"
	"github.com/space-swarm/space/internal/store"
)

// GetOrCreateSovereign atomically inserts a new sovereign spawn for agentID
// or returns the existing active one. The INSERT targets the partial
// unique index ux_spawns_active_sovereign with ON CONFLICT DO NOTHING, so
// there is no read-then-write TOCTOU window.
func (l *Ledger) GetOrCreateSovereign(ctx context.Context, agentID string, callerSpawnID *string, provider string) (*Spawn, error) {
	var result *Spawn
	err := l.store.Transaction(ctx, func(tx *store.Tx) error {
		newID := ids.New()
		now := time.Now().UTC()
		_, err := tx.Exec(`INSERT INTO spawns (id, agent_id, caller_spawn_id, status, mode, resume_count, provider, created_at)
			VALUES (?, ?, ?, 'active', 'sovereign', 0, ?, ?)
			ON CONFLICT (agent_id) WHERE status = 'active' AND mode = 'sovereign' DO NOTHING`,
			newID, agentID, nullStringPtr(callerSpawnID), provider, now)
		if err != nil {
			return fmt.Errorf("insert sovereign spawn: %w", err)
		}

		row := tx.QueryRow(`SELECT id, agent_id, caller_spawn_id, status, mode, pid, session_id, summary, error,
				trace_hash, resume_count, provider, created_at, last_active_at
			FROM spawns WHERE agent_id = ? AND status = 'active' AND mode = 'sovereign' LIMIT 1`, agentID)
		s, err := scanSpawnRow(row)
		if err != nil {
			if err == sql.ErrNoRows {
				// Should be unreachable under the conditional unique index;
				// assert-and-fail rather than silently retrying.
				return errs.Wrap(errs.Internal, "TOCTOU race: sovereign spawn disappeared", nil)
			}
			return err
		}
		result = s
		return nil
	})
	return result, err
}

// CreateDirected creates a directed (human-initiated) spawn row with no
// uniqueness constraint.
func (l *Ledger) CreateDirected(ctx context.Context, agentID string, callerSpawnID *string, provider string) (*Spawn, error) {
	s := &Spawn{
		ID:        ids.New(),
		AgentID:   agentID,
		Status:    SpawnActive,
		Mode:      ModeDirected,
		Provider:  provider,
		CreatedAt: time.Now().UTC(),
	}
	if callerSpawnID != nil {
		s.CallerSpawnID = callerSpawnID
	}
	err := l.store.Transaction(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(`INSERT INTO spawns (id, agent_id, caller_spawn_id, status, mode, resume_count, provider, created_at)
			VALUES (?, ?, ?, 'active', 'directed', 0, ?, ?)`,
			s.ID, s.AgentID, nullStringPtr(s.CallerSpawnID), s.Provider, s.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create directed spawn: %w", err)
	}
	return s, nil
}

// GetSpawn fetches a spawn by full id.
func (l *Ledger) GetSpawn(id string) (*Spawn, error) {
	row := l.store.DB().QueryRow(`SELECT id, agent_id, caller_spawn_id, status, mode, pid, session_id, summary, error,
			trace_hash, resume_count, provider, created_at, last_active_at
		FROM spawns WHERE id = ?`, id)
	return scanSpawnRow(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSpawnRow(row rowScanner) (*Spawn, error) {
	var s Spawn
	var callerSpawnID, sessionID, summary, errField, traceHash sql.NullString
	var pid sql.NullInt64
	var lastActive sql.NullTime
	if err := row.Scan(&s.ID, &s.AgentID, &callerSpawnID, &s.Status, &s.Mode, &pid, &sessionID, &summary, &errField,
		&traceHash, &s.ResumeCount, &s.Provider, &s.CreatedAt, &lastActive); err != nil {
		return nil, wrapNotFound("spawn", err)
	}
	s.CallerSpawnID = optString(callerSpawnID)
	if pid.Valid {
		v := int(pid.Int64)
		s.PID = &v
	}
	s.SessionID = optString(sessionID)
	s.Summary = optString(summary)
	s.Error = optString(errField)
	s.TraceHash = optString(traceHash)
	s.LastActiveAt = optTime(lastActive)
	return &s, nil
}

// SetPIDAtomic binds pid to the spawn row only if pid is currently null —
// a spawn row may claim at most one OS pid for its lifetime. Returns true
// if this call won the race.
func (l *Ledger) SetPIDAtomic(ctx context.Context, spawnID string, pid int) (bool, error) {
	var won bool
	err := l.store.Transaction(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(`UPDATE spawns SET pid = ? WHERE id = ? AND pid IS NULL`, pid, spawnID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		won = n == 1
		return nil
	})
	return won, err
}

// CaptureSessionID idempotently persists the first-seen session id for a
// spawn. If a different value is later observed, the row is updated.
func (l *Ledger) CaptureSessionID(ctx context.Context, spawnID, sessionID string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		var existing sql.NullString
		if err := tx.QueryRow(`SELECT session_id FROM spawns WHERE id = ?`, spawnID).Scan(&existing); err != nil {
			return err
		}
		if existing.Valid && existing.String == sessionID {
			return nil
		}
		_, err := tx.Exec(`UPDATE spawns SET session_id = ? WHERE id = ?`, sessionID, spawnID)
		return err
	})
}

// ClearSessionID clears a spawn's session id (used on "no conversation
// found" errors so the next launch is a fresh one).
func (l *Ledger) ClearSessionID(ctx context.Context, spawnID string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(`UPDATE spawns SET session_id = NULL WHERE id = ?`, spawnID)
		return err
	})
}

// ClearSummary blanks a done spawn's summary, used by housekeeping to
// clear inertia summaries that matched a configured no-work phrase.
func (l *Ledger) ClearSummary(ctx context.Context, spawnID string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(`UPDATE spawns SET summary = NULL WHERE id = ?`, spawnID)
		return err
	})
}

// TouchLastActive conditionally updates last_active_at only while the spawn
// is still active, so a late-arriving event can never resurrect a finished
// spawn's activity timestamp.
func (l *Ledger) TouchLastActive(ctx context.Context, spawnID string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(`UPDATE spawns SET last_active_at = ? WHERE id = ? AND status = 'active'`, time.Now().UTC(), spawnID)
		return err
	})
}

// MarkResuming increments resume_count and marks the spawn active again,
// used when the scheduler relaunches a crashed spawn.
func (l *Ledger) MarkResuming(ctx context.Context, spawnID string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(`UPDATE spawns SET status = 'active', resume_count = resume_count + 1, error = NULL WHERE id = ?`, spawnID)
		return err
	})
}

// FinishSpawn transitions a spawn to done with either a summary or an
// error; at least one of summary/errMsg must be non-empty. onlyIfActive,
// when true, makes the transition a no-op unless the row is currently
// active — used by reap() to avoid clobbering a concurrent legitimate
// completion.
func (l *Ledger) FinishSpawn(ctx context.Context, spawnID string, summary, errMsg string, traceHash *string, onlyIfActive bool) (bool, error) {
	if summary == "" && errMsg == "" {
		return false, errs.Validationf("spawn completion requires a non-empty summary or error")
	}
	var applied bool
	err := l.store.Transaction(ctx, func(tx *store.Tx) error {
		query := `UPDATE spawns SET status = 'done', summary = ?, error = ?, trace_hash = ? WHERE id = ?`
		args := []interface{}{nullString(summary), nullString(errMsg), nullStringPtr(traceHash), spawnID}
		if onlyIfActive {
			query += ` AND status = 'active'`
		}
		res, err := tx.Exec(query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		applied = n == 1
		return nil
	})
	return applied, err
}

// ReconcileLeakedPIDs nulls the pid field on any row whose status is done
// but still carries a pid, returning the affected spawn ids so the caller
// can SIGKILL them if still alive.
func (l *Ledger) ReconcileLeakedPIDs(ctx context.Context) ([]LeakedPID, error) {
	rows, err := l.store.DB().Query(`SELECT id, pid FROM spawns WHERE status = 'done' AND pid IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	var leaked []LeakedPID
	for rows.Next() {
		var id string
		var pid int
		if err := rows.Scan(&id, &pid); err != nil {
			rows.Close()
			return nil, err
		}
		leaked = append(leaked, LeakedPID{SpawnID: id, PID: pid})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return leaked, l.store.Transaction(ctx, func(tx *store.Tx) error {
		for _, lk := range leaked {
			if _, err := tx.Exec(`UPDATE spawns SET pid = NULL WHERE id = ?`, lk.SpawnID); err != nil {
				return err
			}
		}
		return nil
	})
}

// LeakedPID pairs a done spawn with the OS pid it still references.
type LeakedPID struct {
	SpawnID string
	PID     int
}

// ActiveSovereignSpawns returns every spawn with status=active, mode=sovereign.
func (l *Ledger) ActiveSovereignSpawns() ([]*Spawn, error) {
	return l.fetchSpawns(l.store.Q("spawns").Where("status = ?", "active").Where("mode = ?", "sovereign"))
}

// ResumableSpawns returns done sovereign spawns eligible for crash
// resumption: non-null session_id, error in the recognized crash set,
// resume_count below the retry ceiling.
func (l *Ledger) ResumableSpawns(recognizedErrors []string, maxResumeCount int) ([]*Spawn, error) {
	q := l.store.Q("spawns").
		Where("status = ?", "done").
		Where("mode = ?", "sovereign").
		WhereRaw("session_id IS NOT NULL AND session_id != ''").
		Where("resume_count < ?", maxResumeCount).
		WhereIn("error", recognizedErrors).
		Order("created_at ASC")
	return l.fetchSpawns(q)
}

// LastFinishedAgentID returns the agent_id of the most recently
// completed spawn (by last_active_at), for the scheduler's anti-ping-pong
// exclusion. Returns "" with no error if no spawn has ever finished.
func (l *Ledger) LastFinishedAgentID() (string, error) {
	q := l.store.Q("spawns").
		Where("status = ?", "done").
		Order("COALESCE(last_active_at, created_at) DESC").
		Limit(1)
	spawns, err := l.fetchSpawns(q)
	if err != nil {
		return "", err
	}
	if len(spawns) == 0 {
		return "", nil
	}
	return spawns[0].AgentID, nil
}

// RecentSpawnSummaries returns an agent's most recent done spawns, newest
// first, for the context builder's "me" block.
func (l *Ledger) RecentSpawnSummaries(agentID string, limit int) ([]*Spawn, error) {
	q := l.store.Q("spawns").
		Where("agent_id = ?", agentID).
		Where("status = ?", "done").
		Order("created_at DESC").
		Limit(limit)
	return l.fetchSpawns(q)
}

func (l *Ledger) fetchSpawns(q *store.QueryBuilder) ([]*Spawn, error) {
	var out []*Spawn
	err := q.Fetch(`id, agent_id, caller_spawn_id, status, mode, pid, session_id, summary, error,
			trace_hash, resume_count, provider, created_at, last_active_at`, func(rows *sql.Rows) error {
		s, err := scanSpawnRow(rows)
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}
