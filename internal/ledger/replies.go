package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/space-swarm/space/internal/errs"
	"github.com/space-swarm/space/internal/ids"
	"github.com/space-swarm/space/internal/store"
)

var mentionPattern = regexp.MustCompile(`@([a-zA-Z0-9_-]+)`)

// ParseMentions extracts @handle mentions from content, expanding the
// literal @human mention to every registered human agent's handle.
func (l *Ledger) ParseMentions(content string) ([]string, error) {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil, nil
	}

	known, err := l.KnownHandles()
	if err != nil {
		return nil, fmt.Errorf("load known handles: %w", err)
	}

	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		handle := m[1]
		if handle == "human" {
			humans, err := l.HumanHandles()
			if err != nil {
				return nil, fmt.Errorf("load human handles: %w", err)
			}
			for _, h := range humans {
				if !seen[h] {
					seen[h] = true
					out = append(out, h)
				}
			}
			continue
		}
		if !known[handle] || seen[handle] {
			continue
		}
		seen[handle] = true
		out = append(out, handle)
	}
	return out, nil
}

// CreateReply attaches a threaded reply to an insight, decision, or task,
// parsing and storing @mentions and citations in the same transaction.
func (l *Ledger) CreateReply(ctx context.Context, r Reply) (*Reply, error) {
	if strings.TrimSpace(r.Content) == "" {
		return nil, errs.Validationf("reply content is required")
	}

	mentions, err := l.ParseMentions(r.Content)
	if err != nil {
		return nil, err
	}
	r.Mentions = mentions
	r.ID = ids.New()
	r.CreatedAt = time.Now().UTC()

	err = l.store.Transaction(ctx, func(tx *store.Tx) error {
		if err := assertParentExists(tx, r.ParentType, r.ParentID); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO replies (id, parent_type, parent_id, author_id, spawn_id, project_id, content, mentions, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, string(r.ParentType), r.ParentID, r.AuthorID, nullStringPtr(r.SpawnID), nullStringPtr(r.ProjectID),
			r.Content, marshalJSON(r.Mentions), r.CreatedAt)
		if err != nil {
			return err
		}
		return storeCitations(tx, "reply", r.ID, r.Content)
	})
	if err != nil {
		return nil, fmt.Errorf("create reply: %w", err)
	}
	return &r, nil
}

func assertParentExists(tx *store.Tx, parentType ReplyParentType, parentID string) error {
	table := map[ReplyParentType]string{
		ParentInsight:  "insights",
		ParentDecision: "decisions",
		ParentTask:     "tasks",
	}[parentType]
	if table == "" {
		return errs.Validationf("unknown reply parent type %q", parentType)
	}
	var count int
	if err := tx.QueryRow(fmt.Sprintf(`SELECT count(*) FROM %s WHERE id = ? AND deleted_at IS NULL`, table), parentID).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return errs.NotFoundf("%s %s not found", parentType, parentID)
	}
	return nil
}

const replyColumns = `id, parent_type, parent_id, author_id, spawn_id, project_id, content, mentions, deleted_at, created_at`

// FetchReplies lists replies attached to one parent artifact, oldest first.
func (l *Ledger) FetchReplies(parentType ReplyParentType, parentID string) ([]*Reply, error) {
	rows, err := l.store.DB().Query(`SELECT `+replyColumns+` FROM replies WHERE parent_type = ? AND parent_id = ? AND deleted_at IS NULL ORDER BY created_at ASC`,
		string(parentType), parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Reply
	for rows.Next() {
		r, err := scanReply(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReply(row rowScanner) (*Reply, error) {
	var r Reply
	var spawnID, projectID, mentions sql.NullString
	var deletedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.ParentType, &r.ParentID, &r.AuthorID, &spawnID, &projectID, &r.Content, &mentions, &deletedAt, &r.CreatedAt); err != nil {
		return nil, wrapNotFound("reply", err)
	}
	r.SpawnID = optString(spawnID)
	r.ProjectID = optString(projectID)
	r.Mentions = unmarshalStrings(mentions.String)
	r.DeletedAt = optTime(deletedAt)
	return &r, nil
}

// SoftDeleteReply marks a reply deleted.
func (l *Ledger) SoftDeleteReply(ctx context.Context, id string) error {
	return l.store.Transaction(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(`UPDATE replies SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, time.Now().UTC(), id)
		return err
	})
}
