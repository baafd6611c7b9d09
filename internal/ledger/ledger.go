package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/space-swarm/space/internal/errs"
	"github.com/space-swarm/space/internal/ids"
	"github.com/space-swarm/space/internal/store"
)

// Ledger exposes create/get/fetch/soft-delete/archive across every
// primitive, backed by a single *store.Store.
type Ledger struct {
	store *store.Store
}

// New wraps store for ledger access and ensures the sentinel "_global"
// project exists.
func New(s *store.Store) (*Ledger, error) {
	l := &Ledger{store: s}
	if err := l.ensureGlobalProject(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) ensureGlobalProject() error {
	var count int
	err := l.store.DB().QueryRow(`SELECT count(*) FROM projects WHERE name = ?`, GlobalProjectName).Scan(&count)
	if err != nil {
		return fmt.Errorf("check global project: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err = l.CreateProject(context.Background(), Project{Name: GlobalProjectName, Type: ProjectStandard})
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func optTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func optString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func optInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func marshalJSON(v interface{}) string {
	if v == nil {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// storeCitations extracts i/<hex> and d/<hex> references from content and
// stores them as citation edges in the same transaction the citing entity
// is written in.
func storeCitations(tx *store.Tx, sourceType, sourceID, content string) error {
	for _, c := range ids.ExtractCitations(content) {
		_, err := tx.Exec(`INSERT INTO citations (id, source_type, source_id, target_type, target_short_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			ids.New(), sourceType, sourceID, c.TargetType, c.ShortID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("store citation: %w", err)
		}
	}
	return nil
}

// classifyProvenance buckets an insight by cross-agent citation count:
// 0 cross-agent refs -> solo, 1 -> collaborative, >=2 -> synthesis.
//
// Callers pass the count from crossAgentCount: the number of distinct
// agents, other than the author, that own the cited insights/decisions.
func classifyProvenance(crossAgentRefCount int) Provenance {
	switch {
	case crossAgentRefCount == 0:
		return ProvenanceSolo
	case crossAgentRefCount == 1:
		return ProvenanceCollaborative
	default:
		return ProvenanceSynthesis
	}
}

func touchProjectActivity(tx *store.Tx, projectID string) error {
	_, err := tx.Exec(`UPDATE projects SET last_activity_at = ? WHERE id = ?`, time.Now().UTC(), projectID)
	return err
}

var agentSpec = store.TableSpec{Table: "agents", IDCol: "id", AltKey: "handle"}
var projectSpec = store.TableSpec{Table: "projects", IDCol: "id", AltKey: "name"}
var spawnSpec = store.TableSpec{Table: "spawns", IDCol: "id"}
var decisionSpec = store.TableSpec{Table: "decisions", IDCol: "id"}
var insightSpec = store.TableSpec{Table: "insights", IDCol: "id"}
var taskSpec = store.TableSpec{Table: "tasks", IDCol: "id"}
var replySpec = store.TableSpec{Table: "replies", IDCol: "id"}

// ResolveAgent resolves ref (uuid, 8-hex prefix, or handle) to a full agent id.
func (l *Ledger) ResolveAgent(ref string) (string, error) { return l.store.Resolve(agentSpec, ref) }

// ResolveProject resolves ref (uuid, 8-hex prefix, or name) to a full project id.
func (l *Ledger) ResolveProject(ref string) (string, error) {
	return l.store.Resolve(projectSpec, ref)
}

// ResolveSpawn resolves ref to a full spawn id.
func (l *Ledger) ResolveSpawn(ref string) (string, error) { return l.store.Resolve(spawnSpec, ref) }

// ResolveDecision resolves ref to a full decision id.
func (l *Ledger) ResolveDecision(ref string) (string, error) {
	return l.store.Resolve(decisionSpec, ref)
}

// ResolveInsight resolves ref to a full insight id.
func (l *Ledger) ResolveInsight(ref string) (string, error) {
	return l.store.Resolve(insightSpec, ref)
}

// ResolveTask resolves ref to a full task id.
func (l *Ledger) ResolveTask(ref string) (string, error) { return l.store.Resolve(taskSpec, ref) }

func wrapNotFound(table string, err error) error {
	if err == sql.ErrNoRows {
		return errs.NotFoundf("%s not found", table)
	}
	return err
}

func joinStrings(parts []string, sep string) string { return strings.Join(parts, sep) }
