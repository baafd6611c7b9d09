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

// CreateInsight validates the content length cap, resolves any i/d
// citations in the content to their owning agents to compute provenance,
// stores the citation edges, and marks the insight open.
func (l *Ledger) CreateInsight(ctx context.Context, in Insight) (*Insight, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, errs.Validationf("insight content is required")
	}
	if len(in.Content) > MaxInsightContentLen {
		return nil, errs.Validationf("insight content exceeds %d characters", MaxInsightContentLen)
	}

	in.ID = ids.New()
	in.Open = true
	in.CreatedAt = time.Now().UTC()

	err := l.store.Transaction(ctx, func(tx *store.Tx) error {
		citations := ids.ExtractCitations(in.Content)
		owners, err := resolveCitationOwners(tx, citations)
		if err != nil {
			return err
		}
		in.Provenance = classifyProvenance(crossAgentCount(in.AgentID, owners))

		_, err = tx.Exec(`INSERT INTO insights (id, project_id, agent_id, spawn_id, decision_id, domain, content, open, mentions, provenance, counterfactual, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
			in.ID, in.ProjectID, in.AgentID, nullStringPtr(in.SpawnID), nullStringPtr(in.DecisionID),
			in.Domain, in.Content, marshalJSON(in.Mentions), string(in.Provenance), nullStringPtr(in.Counterfactual), in.CreatedAt)
		if err != nil {
			return err
		}
		if err := storeCitations(tx, "insight", in.ID, in.Content); err != nil {
			return err
		}
		return touchProjectActivity(tx, in.ProjectID)
	})
	if err != nil {
		return nil, fmt.Errorf("create insight: %w", err)
	}
	return &in, nil
}

// crossAgentCount counts cited agent ids distinct from authorID.
func crossAgentCount(authorID string, citedAgentIDs []string) int {
	seen := make(map[string]bool)
	for _, id := range citedAgentIDs {
		if id != authorID {
			seen[id] = true
		}
	}
	return len(seen)
}

const insightColumns = `id, project_id, agent_id, spawn_id, decision_id, domain, content, open,
	mentions, provenance, counterfactual, archived_at, deleted_at, created_at`

// GetInsight fetches an insight by full id.
func (l *Ledger) GetInsight(id string) (*Insight, error) {
	row := l.store.DB().QueryRow(`SELECT `+insightColumns+` FROM insights WHERE id = ?`, id)
	return scanInsight(row)
}

func scanInsight(row rowScanner) (*Insight, error) {
	var in Insight
	var spawnID, decisionID, counterfactual, mentions sql.NullString
	var archivedAt, deletedAt sql.NullTime
	var openInt int
	if err := row.Scan(&in.ID, &in.ProjectID, &in.AgentID, &spawnID, &decisionID, &in.Domain, &in.Content, &openInt,
		&mentions, &in.Provenance, &counterfactual, &archivedAt, &deletedAt, &in.CreatedAt); err != nil {
		return nil, wrapNotFound("insight", err)
	}
	in.SpawnID = optString(spawnID)
	in.DecisionID = optString(decisionID)
	in.Open = openInt != 0
	in.Mentions = unmarshalStrings(mentions.String)
	in.Counterfactual = optString(counterfactual)
	in.ArchivedAt = optTime(archivedAt)
	in.DeletedAt = optTime(deletedAt)
	return &in, nil
}

// InsightFilter narrows FetchInsights.
type InsightFilter struct {
	ProjectID       *string
	AgentID         *string
	Domain          *string
	OpenOnly        bool
	IncludeDeleted  bool
	IncludeArchived bool
	Limit           int
}

// FetchInsights lists insights matching filter, newest first.
func (l *Ledger) FetchInsights(f InsightFilter) ([]*Insight, error) {
	q := l.store.Q("insights").NotDeleted(f.IncludeDeleted).NotArchived(f.IncludeArchived)
	if f.ProjectID != nil {
		q = q.Where("project_id = ?", *f.ProjectID)
	}
	if f.AgentID != nil {
		q = q.Where("agent_id = ?", *f.AgentID)
	}
	if f.Domain != nil {
		q = q.Where("domain = ?", *f.Domain)
	}
	if f.OpenOnly {
		q = q.WhereRaw("open = 1")
	}
	q = q.Order("created_at DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var out []*Insight
	err := q.Fetch(insightColumns, func(rows *sql.Rows) error {
		in, err := scanInsight(rows)
		if err != nil {
			return err
		}
		out = append(out, in)
		return nil
	})
	return out, err
}

// CloseInsight marks an open insight closed, optionally recording a
// counterfactual note (what would have happened otherwise).
func (l *Ledger) CloseInsight(ctx context.Context, id string, counterfactual *string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(`UPDATE insights SET open = 0, counterfactual = COALESCE(?, counterfactual) WHERE id = ? AND open = 1`,
			nullStringPtr(counterfactual), id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errs.Statef("insight %s is not open", id)
		}
		return nil
	})
}

// ReopenInsight marks a closed insight open again.
func (l *Ledger) ReopenInsight(ctx context.Context, id string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(`UPDATE insights SET open = 1 WHERE id = ? AND open = 0`, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errs.Statef("insight %s is already open", id)
		}
		return nil
	})
}

// SoftDeleteInsight marks an insight deleted.
func (l *Ledger) SoftDeleteInsight(ctx context.Context, id string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(`UPDATE insights SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, time.Now().UTC(), id)
		return err
	})
}

// ArchiveInsight archives an insight.
func (l *Ledger) ArchiveInsight(ctx context.Context, id string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(`UPDATE insights SET archived_at = ? WHERE id = ? AND archived_at IS NULL`, time.Now().UTC(), id)
		return err
	})
}
