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

// CreateAgent registers a new pool participant.
func (l *Ledger) CreateAgent(ctx context.Context, a Agent) (*Agent, error) {
	if a.Handle == "" {
		return nil, errs.Validationf("agent handle is required")
	}
	a.ID = ids.New()
	a.CreatedAt = time.Now().UTC()

	err := l.store.Transaction(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(`INSERT INTO agents (id, handle, type, model, identity_name, color, role, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.Handle, a.Type, nullString(a.Model), nullString(a.IdentityName), nullString(a.Color), nullString(a.Role), a.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return &a, nil
}

// GetAgent fetches an agent by full id.
func (l *Ledger) GetAgent(id string) (*Agent, error) {
	row := l.store.DB().QueryRow(`SELECT id, handle, type, model, identity_name, color, role, archived_at, merged_into, created_at
		FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

func scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	var model, identity, color, role, mergedInto sql.NullString
	var archivedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.Handle, &a.Type, &model, &identity, &color, &role, &archivedAt, &mergedInto, &a.CreatedAt); err != nil {
		return nil, wrapNotFound("agent", err)
	}
	a.Model = model.String
	a.IdentityName = identity.String
	a.Color = color.String
	a.Role = role.String
	a.ArchivedAt = optTime(archivedAt)
	a.MergedInto = optString(mergedInto)
	return &a, nil
}

// AgentFilter narrows FetchAgents results.
type AgentFilter struct {
	Type             *AgentType
	IncludeArchived  bool
	OnlyWithModel    bool
}

// FetchAgents lists agents matching filter.
func (l *Ledger) FetchAgents(filter AgentFilter) ([]*Agent, error) {
	q := l.store.Q("agents").NotArchived(filter.IncludeArchived)
	if filter.Type != nil {
		q = q.Where("type = ?", string(*filter.Type))
	}
	if filter.OnlyWithModel {
		q = q.WhereRaw("model IS NOT NULL AND model != ''")
	}
	q = q.Order("created_at ASC")

	var out []*Agent
	err := q.Fetch("id, handle, type, model, identity_name, color, role, archived_at, merged_into, created_at", func(rows *sql.Rows) error {
		var a Agent
		var model, identity, color, role, mergedInto sql.NullString
		var archivedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.Handle, &a.Type, &model, &identity, &color, &role, &archivedAt, &mergedInto, &a.CreatedAt); err != nil {
			return err
		}
		a.Model = model.String
		a.IdentityName = identity.String
		a.Color = color.String
		a.Role = role.String
		a.ArchivedAt = optTime(archivedAt)
		a.MergedInto = optString(mergedInto)
		out = append(out, &a)
		return nil
	})
	return out, err
}

// ArchiveAgent archives an agent, optionally recording the agent it was
// merged into.
func (l *Ledger) ArchiveAgent(ctx context.Context, id string, mergedInto *string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(`UPDATE agents SET archived_at = ?, merged_into = ? WHERE id = ? AND archived_at IS NULL`,
			time.Now().UTC(), nullStringPtr(mergedInto), id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errs.NotFoundf("agent %s not found or already archived", id)
		}
		return nil
	})
}

// HumanHandles returns the handles of all human-type agents, used to expand
// @human mentions at reply-insert time.
func (l *Ledger) HumanHandles() ([]string, error) {
	rows, err := l.store.DB().Query(`SELECT handle FROM agents WHERE type = 'human' AND archived_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

// KnownHandles returns every non-archived agent handle, used to validate
// @mentions at reply-insert time.
func (l *Ledger) KnownHandles() (map[string]bool, error) {
	rows, err := l.store.DB().Query(`SELECT handle FROM agents WHERE archived_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out[h] = true
	}
	return out, rows.Err()
}
