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

// CreateProject registers a new project. RepoPath, when set, must be unique.
func (l *Ledger) CreateProject(ctx context.Context, p Project) (*Project, error) {
	if p.Name == "" {
		return nil, errs.Validationf("project name is required")
	}
	if p.Type == "" {
		p.Type = ProjectStandard
	}
	p.ID = ids.New()
	p.CreatedAt = time.Now().UTC()

	err := l.store.Transaction(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(`INSERT INTO projects (id, name, type, repo_path, tags, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.Type, nullStringPtr(p.RepoPath), marshalJSON(p.Tags), p.CreatedAt)
		if err != nil && isUniqueViolation(err) {
			return errs.Conflictf("project with name %q or repo_path already exists", p.Name)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return &p, nil
}

// GetProject fetches a project by full id.
func (l *Ledger) GetProject(id string) (*Project, error) {
	row := l.store.DB().QueryRow(`SELECT id, name, type, repo_path, tags, archived_at, last_activity_at, created_at
		FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

func scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var repoPath sql.NullString
	var tags string
	var archivedAt, lastActivity sql.NullTime
	if err := row.Scan(&p.ID, &p.Name, &p.Type, &repoPath, &tags, &archivedAt, &lastActivity, &p.CreatedAt); err != nil {
		return nil, wrapNotFound("project", err)
	}
	p.RepoPath = optString(repoPath)
	p.Tags = unmarshalStrings(tags)
	p.ArchivedAt = optTime(archivedAt)
	p.LastActivityAt = optTime(lastActivity)
	return &p, nil
}

// FetchProjects lists projects ordered by most-recent activity, used by the
// context builder's "projects" block.
func (l *Ledger) FetchProjects(includeArchived bool) ([]*Project, error) {
	q := l.store.Q("projects").NotArchived(includeArchived).Order("last_activity_at DESC, created_at DESC")

	var out []*Project
	err := q.Fetch("id, name, type, repo_path, tags, archived_at, last_activity_at, created_at", func(rows *sql.Rows) error {
		var p Project
		var repoPath sql.NullString
		var tags string
		var archivedAt, lastActivity sql.NullTime
		if err := rows.Scan(&p.ID, &p.Name, &p.Type, &repoPath, &tags, &archivedAt, &lastActivity, &p.CreatedAt); err != nil {
			return err
		}
		p.RepoPath = optString(repoPath)
		p.Tags = unmarshalStrings(tags)
		p.ArchivedAt = optTime(archivedAt)
		p.LastActivityAt = optTime(lastActivity)
		out = append(out, &p)
		return nil
	})
	return out, err
}

// ArchiveProject archives a project.
func (l *Ledger) ArchiveProject(ctx context.Context, id string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(`UPDATE projects SET archived_at = ? WHERE id = ? AND archived_at IS NULL`, time.Now().UTC(), id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errs.NotFoundf("project %s not found or already archived", id)
		}
		return nil
	})
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "UNIQUE constraint failed", "constraint failed: UNIQUE")
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if contains(haystack, n) {
			return true
		}
	}
	return false
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
