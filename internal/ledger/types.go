// Package ledger implements the shared transactional ledger: agents,
// projects, decisions, insights, tasks, replies, and the citation graph
// between them.
package ledger

import "time"

// AgentType enumerates the three kinds of ledger participant.
type AgentType string

const (
	AgentHuman  AgentType = "human"
	AgentAI     AgentType = "ai"
	AgentSystem AgentType = "system"
)

// Agent is a registered pool participant.
type Agent struct {
	ID           string
	Handle       string
	Type         AgentType
	Model        string
	IdentityName string
	Color        string
	Role         string
	ArchivedAt   *time.Time
	MergedInto   *string
	CreatedAt    time.Time
}

// ProjectType enumerates project kinds.
type ProjectType string

const (
	ProjectStandard ProjectType = "standard"
	ProjectProto    ProjectType = "proto"
	ProjectCustomer ProjectType = "customer"
)

// GlobalProjectName is the well-known sentinel project that always exists.
const GlobalProjectName = "_global"

// Project groups decisions/insights/tasks under a named initiative.
type Project struct {
	ID             string
	Name           string
	Type           ProjectType
	RepoPath       *string
	Tags           []string
	ArchivedAt     *time.Time
	LastActivityAt *time.Time
	CreatedAt      time.Time
}

// SpawnStatus is a spawn's lifecycle status.
type SpawnStatus string

const (
	SpawnActive SpawnStatus = "active"
	SpawnDone   SpawnStatus = "done"
)

// SpawnMode distinguishes autonomously-scheduled from human-initiated spawns.
type SpawnMode string

const (
	ModeSovereign SpawnMode = "sovereign"
	ModeDirected  SpawnMode = "directed"
)

// Spawn is one vendor-CLI invocation with a durable ledger row.
type Spawn struct {
	ID            string
	AgentID       string
	CallerSpawnID *string
	Status        SpawnStatus
	Mode          SpawnMode
	PID           *int
	SessionID     *string
	Summary       *string
	Error         *string
	TraceHash     *string
	ResumeCount   int
	Provider      string
	CreatedAt     time.Time
	LastActiveAt  *time.Time
}

// IsResumable reports whether the spawn has a non-empty session id and is
// done, the precondition for relaunching it as a resume rather than fresh.
func (s *Spawn) IsResumable() bool {
	return s.Status == SpawnDone && s.SessionID != nil && *s.SessionID != ""
}

// Decision is a choice recorded against a project; Outcome holds the
// free-form text recorded when it is actioned.
type Decision struct {
	ID          string
	ProjectID   string
	AgentID     string
	SpawnID     *string
	Content     string
	Rationale   string
	Reversible  *bool
	CommittedAt *time.Time
	ActionedAt  *time.Time
	RejectedAt  *time.Time
	Outcome     *string
	Refs        []string
	ArchivedAt  *time.Time
	DeletedAt   *time.Time
	CreatedAt   time.Time
}

// Status derives the decision's state-machine position.
func (d *Decision) Status() string {
	switch {
	case d.ActionedAt != nil:
		return "actioned"
	case d.RejectedAt != nil:
		return "rejected"
	case d.CommittedAt != nil:
		return "committed"
	default:
		return "proposed"
	}
}

// Provenance classifies an insight's intellectual origin by citation count
// to other agents' work.
type Provenance string

const (
	ProvenanceSolo          Provenance = "solo"
	ProvenanceCollaborative Provenance = "collaborative"
	ProvenanceSynthesis     Provenance = "synthesis"
)

// Insight is a short, citable observation.
type Insight struct {
	ID             string
	ProjectID      string
	AgentID        string
	SpawnID        *string
	DecisionID     *string
	Domain         string
	Content        string
	Open           bool
	Mentions       []string
	Provenance     Provenance
	Counterfactual *string
	ArchivedAt     *time.Time
	DeletedAt      *time.Time
	CreatedAt      time.Time
}

// MaxInsightContentLen is the hard cap on insight content length.
const MaxInsightContentLen = 280

// TaskStatus enumerates task lifecycle states.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskActive    TaskStatus = "active"
	TaskDone      TaskStatus = "done"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is a unit of work tracked in the ledger.
type Task struct {
	ID         string
	ProjectID  string
	CreatorID  string
	AssigneeID *string
	DecisionID *string
	SpawnID    *string
	Content    string
	Status     TaskStatus
	Result     *string
	DeletedAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ReplyParentType enumerates what a reply can be attached to.
type ReplyParentType string

const (
	ParentInsight  ReplyParentType = "insight"
	ParentDecision ReplyParentType = "decision"
	ParentTask     ReplyParentType = "task"
)

// Reply is a threaded comment on an insight, decision, or task.
type Reply struct {
	ID         string
	ParentType ReplyParentType
	ParentID   string
	AuthorID   string
	SpawnID    *string
	ProjectID  *string
	Content    string
	Mentions   []string
	DeletedAt  *time.Time
	CreatedAt  time.Time
}

// Citation is a derived graph edge extracted from free text.
type Citation struct {
	ID            string
	SourceType    string
	SourceID      string
	TargetType    string
	TargetShortID string
	CreatedAt     time.Time
}

func ptr[T any](v T) *T { return &v }

func boolPtr(v bool) *bool { return &v }
