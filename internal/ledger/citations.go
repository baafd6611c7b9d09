package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/space-swarm/space/internal/ids"
	"github.com/space-swarm/space/internal/store"
)

// RefsForTarget counts citations pointing at (targetType, shortID).
func (l *Ledger) RefsForTarget(targetType, shortID string) (int, error) {
	var count int
	err := l.store.DB().QueryRow(`SELECT count(*) FROM citations WHERE target_type = ? AND target_short_id = ?`,
		targetType, shortID).Scan(&count)
	return count, err
}

// StaleDecisionCandidates returns proposed decisions (never committed)
// older than cutoff, oldest first. Inbox does not include them.
func (l *Ledger) StaleDecisionCandidates(cutoff time.Time) ([]*Decision, error) {
	rows, err := l.store.DB().Query(`SELECT `+decisionColumns[len("SELECT "):]+` FROM decisions
		WHERE committed_at IS NULL AND deleted_at IS NULL AND created_at <= ? ORDER BY created_at ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// InboxItem is one derived notification surfaced to an agent: a mention or
// an assigned task.
type InboxItem struct {
	Kind      string // "mention" | "task"
	ArtifactType string
	ArtifactID   string
	Snippet      string
	CreatedAt    time.Time
}

// Inbox derives the set of unread items relevant to agentHandle/agentID:
// replies mentioning the agent and pending tasks assigned to the agent,
// filtered against artifact_reads and human_resolutions so already-seen
// items are suppressed. Replies on the agent's own insights or decisions
// that do not mention the agent are not included.
func (l *Ledger) Inbox(agentID, agentHandle string) ([]InboxItem, error) {
	var items []InboxItem

	mentionRows, err := l.store.DB().Query(`SELECT id, parent_type, parent_id, content, created_at FROM replies
		WHERE deleted_at IS NULL AND mentions LIKE ?`, "%\""+agentHandle+"\"%")
	if err != nil {
		return nil, fmt.Errorf("query mention replies: %w", err)
	}
	for mentionRows.Next() {
		var id, parentType, parentID, content string
		var createdAt time.Time
		if err := mentionRows.Scan(&id, &parentType, &parentID, &content, &createdAt); err != nil {
			mentionRows.Close()
			return nil, err
		}
		if read, err := l.isRead(agentID, "reply", id); err != nil {
			mentionRows.Close()
			return nil, err
		} else if !read {
			items = append(items, InboxItem{Kind: "mention", ArtifactType: "reply", ArtifactID: id, Snippet: content, CreatedAt: createdAt})
		}
	}
	mentionRows.Close()
	if err := mentionRows.Err(); err != nil {
		return nil, err
	}

	taskRows, err := l.store.DB().Query(`SELECT id, content, created_at FROM tasks
		WHERE deleted_at IS NULL AND status = 'pending' AND assignee_id = ?`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query assigned tasks: %w", err)
	}
	for taskRows.Next() {
		var id, content string
		var createdAt time.Time
		if err := taskRows.Scan(&id, &content, &createdAt); err != nil {
			taskRows.Close()
			return nil, err
		}
		if read, err := l.isRead(agentID, "task", id); err != nil {
			taskRows.Close()
			return nil, err
		} else if !read {
			items = append(items, InboxItem{Kind: "task", ArtifactType: "task", ArtifactID: id, Snippet: content, CreatedAt: createdAt})
		}
	}
	taskRows.Close()
	if err := taskRows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func (l *Ledger) isRead(agentID, artifactType, artifactID string) (bool, error) {
	var count int
	err := l.store.DB().QueryRow(`SELECT count(*) FROM artifact_reads WHERE agent_id = ? AND artifact_type = ? AND artifact_id = ?`,
		agentID, artifactType, artifactID).Scan(&count)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}
	err = l.store.DB().QueryRow(`SELECT count(*) FROM human_resolutions WHERE artifact_type = ? AND artifact_id = ?`,
		artifactType, artifactID).Scan(&count)
	return count > 0, err
}

// MarkRead upserts an artifact_reads row for (agentID, artifactType, artifactID).
func (l *Ledger) MarkRead(agentID, artifactType, artifactID string) error {
	_, err := l.store.DB().Exec(`INSERT INTO artifact_reads (agent_id, artifact_type, artifact_id, read_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (agent_id, artifact_type, artifact_id) DO UPDATE SET read_at = excluded.read_at`,
		agentID, artifactType, artifactID, time.Now().UTC())
	return err
}

// MarkHumanResolved records an artifact as resolved by a human operator,
// suppressing it from every agent's inbox going forward.
func (l *Ledger) MarkHumanResolved(artifactType, artifactID string) error {
	_, err := l.store.DB().Exec(`INSERT INTO human_resolutions (artifact_type, artifact_id, resolved_at)
		VALUES (?, ?, ?) ON CONFLICT (artifact_type, artifact_id) DO NOTHING`,
		artifactType, artifactID, time.Now().UTC())
	return err
}

func resolveCitationOwners(tx *store.Tx, citations []ids.Citation) ([]string, error) {
	var owners []string
	for _, c := range citations {
		var query string
		switch c.TargetType {
		case "insight":
			query = `SELECT agent_id FROM insights WHERE id LIKE ? LIMIT 1`
		case "decision":
			query = `SELECT agent_id FROM decisions WHERE id LIKE ? LIMIT 1`
		default:
			continue
		}
		var owner string
		if err := tx.QueryRow(query, c.ShortID+"%").Scan(&owner); err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return nil, err
		}
		owners = append(owners, owner)
	}
	return owners, nil
}
