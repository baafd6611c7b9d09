package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/space-swarm/space/internal/errs"
	"github.com/space-swarm/space/internal/ids"
	"github.com/space-swarm/space/internal/store"
)

// CreateDecision validates non-empty rationale, rejects duplicates by
// (content, project), and extracts citations in the same transaction.
func (l *Ledger) CreateDecision(ctx context.Context, d Decision) (*Decision, error) {
	if strings.TrimSpace(d.Rationale) == "" {
		return nil, errs.Validationf("decision rationale is required")
	}
	if strings.TrimSpace(d.Content) == "" {
		return nil, errs.Validationf("decision content is required")
	}

	d.ID = ids.New()
	d.CreatedAt = time.Now().UTC()

	err := l.store.Transaction(ctx, func(tx *store.Tx) error {
		var existingID string
		err := tx.QueryRow(`SELECT id FROM decisions WHERE project_id = ? AND content = ? AND deleted_at IS NULL`,
			d.ProjectID, d.Content).Scan(&existingID)
		if err == nil {
			return errs.Conflictf("duplicate decision in project: existing id %s", existingID)
		}
		if err != sql.ErrNoRows {
			return err
		}

		_, err = tx.Exec(`INSERT INTO decisions (id, project_id, agent_id, spawn_id, content, rationale, reversible, refs, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.ProjectID, d.AgentID, nullStringPtr(d.SpawnID), d.Content, d.Rationale,
			nullableBool(d.Reversible), marshalJSON(d.Refs), d.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return errs.Conflictf("duplicate decision in project")
			}
			return err
		}

		if err := storeCitations(tx, "decision", d.ID, d.Content+" "+d.Rationale); err != nil {
			return err
		}
		return touchProjectActivity(tx, d.ProjectID)
	})
	if err != nil {
		return nil, fmt.Errorf("create decision: %w", err)
	}
	return &d, nil
}

func nullableBool(b *bool) interface{} {
	if b == nil {
		return nil
	}
	return *b
}

// GetDecision fetches a decision by full id.
func (l *Ledger) GetDecision(id string) (*Decision, error) {
	row := l.store.DB().QueryRow(decisionColumns+` FROM decisions WHERE id = ?`, id)
	return scanDecision(row)
}

const decisionColumns = `SELECT id, project_id, agent_id, spawn_id, content, rationale, reversible,
	committed_at, actioned_at, rejected_at, outcome, refs, archived_at, deleted_at, created_at`

func scanDecision(row rowScanner) (*Decision, error) {
	var d Decision
	var spawnID, outcome, refs sql.NullString
	var reversible sql.NullBool
	var committedAt, actionedAt, rejectedAt, archivedAt, deletedAt sql.NullTime
	if err := row.Scan(&d.ID, &d.ProjectID, &d.AgentID, &spawnID, &d.Content, &d.Rationale, &reversible,
		&committedAt, &actionedAt, &rejectedAt, &outcome, &refs, &archivedAt, &deletedAt, &d.CreatedAt); err != nil {
		return nil, wrapNotFound("decision", err)
	}
	d.SpawnID = optString(spawnID)
	if reversible.Valid {
		v := reversible.Bool
		d.Reversible = &v
	}
	d.CommittedAt = optTime(committedAt)
	d.ActionedAt = optTime(actionedAt)
	d.RejectedAt = optTime(rejectedAt)
	d.Outcome = optString(outcome)
	d.Refs = unmarshalStrings(refs.String)
	d.ArchivedAt = optTime(archivedAt)
	d.DeletedAt = optTime(deletedAt)
	return &d, nil
}

// DecisionFilter narrows FetchDecisions.
type DecisionFilter struct {
	ProjectID       *string
	AgentID         *string
	ProposedOnly    bool // committed_at IS NULL
	CommittedOnly   bool // committed_at set, not actioned/rejected
	IncludeDeleted  bool
	IncludeArchived bool
	Limit           int
}

// FetchDecisions lists decisions matching filter, newest first.
func (l *Ledger) FetchDecisions(f DecisionFilter) ([]*Decision, error) {
	q := l.store.Q("decisions").NotDeleted(f.IncludeDeleted).NotArchived(f.IncludeArchived)
	if f.ProjectID != nil {
		q = q.Where("project_id = ?", *f.ProjectID)
	}
	if f.AgentID != nil {
		q = q.Where("agent_id = ?", *f.AgentID)
	}
	if f.ProposedOnly {
		q = q.WhereRaw("committed_at IS NULL")
	}
	if f.CommittedOnly {
		q = q.WhereRaw("committed_at IS NOT NULL AND actioned_at IS NULL AND rejected_at IS NULL")
	}
	q = q.Order("created_at DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var out []*Decision
	err := q.Fetch(strings.TrimPrefix(decisionColumns, "SELECT "), func(rows *sql.Rows) error {
		d, err := scanDecision(rows)
		if err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	return out, err
}

// Commit transitions a proposed decision to committed.
func (l *Ledger) CommitDecision(ctx context.Context, id string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(`UPDATE decisions SET committed_at = ? WHERE id = ? AND committed_at IS NULL AND deleted_at IS NULL`,
			time.Now().UTC(), id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errs.Statef("decision %s cannot be committed (already committed or not found)", id)
		}
		return nil
	})
}

// Uncommit reverts a committed-but-not-actioned-or-rejected decision back
// to proposed (used by DecayHumanBlocked).
func (l *Ledger) UncommitDecision(ctx context.Context, id string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(`UPDATE decisions SET committed_at = NULL
			WHERE id = ? AND committed_at IS NOT NULL AND actioned_at IS NULL AND rejected_at IS NULL`, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errs.Statef("decision %s cannot be uncommitted", id)
		}
		return nil
	})
}

// ActionDecision transitions a committed decision to actioned with an
// optional outcome. actioned_at and rejected_at are mutually exclusive.
func (l *Ledger) ActionDecision(ctx context.Context, id string, outcome *string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(`UPDATE decisions SET actioned_at = ?, outcome = ?
			WHERE id = ? AND committed_at IS NOT NULL AND actioned_at IS NULL AND rejected_at IS NULL`,
			time.Now().UTC(), nullStringPtr(outcome), id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errs.Statef("decision %s cannot be actioned", id)
		}
		return nil
	})
}

// RejectDecision transitions a committed decision to rejected.
func (l *Ledger) RejectDecision(ctx context.Context, id string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(`UPDATE decisions SET rejected_at = ?
			WHERE id = ? AND committed_at IS NOT NULL AND actioned_at IS NULL AND rejected_at IS NULL`,
			time.Now().UTC(), id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errs.Statef("decision %s cannot be rejected", id)
		}
		return nil
	})
}

// DecayHumanBlocked uncommits any decision whose content mentions @human,
// was committed at least hours ago, and is still un-actioned/un-rejected —
// preventing indefinite blockage on a human reviewer.
func (l *Ledger) DecayHumanBlocked(ctx context.Context, hours int) (int, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	var affected int
	err := l.store.Transaction(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(`UPDATE decisions SET committed_at = NULL
			WHERE committed_at IS NOT NULL AND committed_at <= ?
			  AND actioned_at IS NULL AND rejected_at IS NULL
			  AND content LIKE '%@human%' AND deleted_at IS NULL`, cutoff)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		affected = int(n)
		return nil
	})
	return affected, err
}

// SoftDeleteDecision marks a decision deleted.
func (l *Ledger) SoftDeleteDecision(ctx context.Context, id string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(`UPDATE decisions SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, time.Now().UTC(), id)
		return err
	})
}

// ArchiveDecision archives a decision.
func (l *Ledger) ArchiveDecision(ctx context.Context, id string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(`UPDATE decisions SET archived_at = ? WHERE id = ? AND archived_at IS NULL`, time.Now().UTC(), id)
		return err
	})
}
