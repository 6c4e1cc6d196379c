// Package task defines the broker's domain types: tasks, lanes, statuses,
// review archetypes, and the shared error taxonomy.
//
// These types are storage-agnostic; persistence lives in internal/store and
// all status mutation routes through the store's state writer.
package task

import "time"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusReviewing  Status = "reviewing"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
	StatusDeadLetter Status = "dead_letter"
)

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusReviewing,
		StatusCompleted, StatusBlocked, StatusDeadLetter:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// Lane is a canonical work stream. Lanes double as the fairness unit of the
// braided scheduler.
type Lane string

const (
	LaneBackend  Lane = "backend"
	LaneFrontend Lane = "frontend"
	LaneQA       Lane = "qa"
	LaneOps      Lane = "ops"
	LaneDocs     Lane = "docs"
)

// LaneOrder is the canonical rotation order. The scheduler pointer indexes
// into this slice; lane_rank is a position in it.
var LaneOrder = []Lane{LaneBackend, LaneFrontend, LaneQA, LaneOps, LaneDocs}

// LaneRank returns the position of l in the canonical order, or -1 if l is
// not a canonical lane.
func LaneRank(l Lane) int {
	for i, lane := range LaneOrder {
		if lane == l {
			return i
		}
	}
	return -1
}

// NormalizeLane maps loose lane spellings from plan artifacts onto the
// canonical set. Unrecognized names fall back to backend.
func NormalizeLane(s string) Lane {
	switch s {
	case "backend", "be", "server", "api":
		return LaneBackend
	case "frontend", "fe", "ui", "web":
		return LaneFrontend
	case "qa", "test", "testing", "quality":
		return LaneQA
	case "ops", "devops", "infra", "infrastructure":
		return LaneOps
	case "docs", "doc", "documentation":
		return LaneDocs
	}
	return LaneBackend
}

// Priority bands. Lower is more urgent; the rotation default weight for
// every lane is PriorityNormal, so both URGENT and HIGH preempt rotation.
const (
	PriorityUrgent = 0
	PriorityHigh   = 5
	PriorityNormal = 10
)

// ExecClass controls whether a task tolerates concurrent siblings.
type ExecClass string

const (
	ExecExclusive ExecClass = "exclusive"
	ExecParallel  ExecClass = "parallel"
)

// Archetype is the work kind of a task. Risky archetypes require a sibling
// TEST task before the gavel will approve them.
type Archetype string

const (
	ArchetypePlumbing Archetype = "PLUMBING"
	ArchetypeLogic    Archetype = "LOGIC"
	ArchetypeSec      Archetype = "SEC"
	ArchetypeAPI      Archetype = "API"
	ArchetypeDB       Archetype = "DB"
	ArchetypeUI       Archetype = "UI"
	ArchetypeTest     Archetype = "TEST"
	ArchetypeGeneric  Archetype = "GENERIC"
)

// Risky reports whether the archetype requires test pairing.
func (a Archetype) Risky() bool {
	switch a {
	case ArchetypeLogic, ArchetypeSec, ArchetypeAPI, ArchetypeDB:
		return true
	}
	return false
}

// Risk is the blast radius of a task; it scales the confidence gate.
type Risk string

const (
	RiskLow    Risk = "LOW"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// Decision is a gavel outcome.
type Decision string

const (
	DecisionApprove  Decision = "APPROVE"
	DecisionReject   Decision = "REJECT"
	DecisionKickback Decision = "KICKBACK"
)

// Actor identifies who rendered a review decision.
type Actor string

const (
	ActorHuman Actor = "HUMAN"
	ActorAuto  Actor = "AUTO"
	ActorBatch Actor = "BATCH"
)

// ValidActor reports whether a is one of the three permitted actors.
func ValidActor(a Actor) bool {
	return a == ActorHuman || a == ActorAuto || a == ActorBatch
}

// Authority is the policy weight of a source token.
type Authority string

const (
	AuthorityMandatory Authority = "MANDATORY"
	AuthorityStrong    Authority = "STRONG"
	AuthorityDefault   Authority = "DEFAULT"
)

// MessageRole identifies the author class of a per-task message.
type MessageRole string

const (
	RoleWorker  MessageRole = "worker"
	RoleManager MessageRole = "manager"
	RoleAuditor MessageRole = "auditor"
	RoleAdmin   MessageRole = "admin"
	RoleSystem  MessageRole = "system"
)

// Task is the unit of work. Times are unix milliseconds; LeaseExpiresAt is 0
// while the task is unleased.
type Task struct {
	ID                    int64     `json:"id"`
	Lane                  Lane      `json:"lane"`
	LaneRank              int       `json:"lane_rank"`
	Type                  Lane      `json:"type"` // legacy alias, always equals Lane
	Description           string    `json:"description"`
	Dependencies          []string  `json:"dependencies,omitempty"`
	Status                Status    `json:"status"`
	Priority              int       `json:"priority"`
	ExecClass             ExecClass `json:"exec_class"`
	Archetype             Archetype `json:"archetype"`
	Risk                  Risk      `json:"risk"`
	SourceIDs             []string  `json:"source_ids,omitempty"`
	SourcePlanHash        string    `json:"source_plan_hash,omitempty"`
	TaskSignature         string    `json:"task_signature"`
	DoD                   string    `json:"dod,omitempty"`
	Trace                 string    `json:"trace,omitempty"`
	WorkerID              string    `json:"worker_id,omitempty"`
	LeaseID               string    `json:"lease_id,omitempty"`
	LeaseExpiresAt        int64     `json:"lease_expires_at,omitempty"`
	HeartbeatAt           int64     `json:"heartbeat_at,omitempty"`
	CreatedAt             int64     `json:"created_at"`
	UpdatedAt             int64     `json:"updated_at"`
	RetryCount            int       `json:"retry_count"`
	AuditorStatus         string    `json:"auditor_status,omitempty"`
	ReviewDecision        string    `json:"review_decision,omitempty"`
	ReviewNotes           string    `json:"review_notes,omitempty"`
	OverrideJustification string    `json:"override_justification,omitempty"`
	Output                string    `json:"output,omitempty"`
}

// Leased reports whether the task currently carries a live lease.
func (t *Task) Leased() bool {
	return t.WorkerID != "" && t.LeaseID != "" && t.LeaseExpiresAt > 0
}

// LeaseExpired reports whether the lease has lapsed at the given instant.
func (t *Task) LeaseExpired(now time.Time) bool {
	return t.Leased() && t.LeaseExpiresAt < now.UnixMilli()
}

// Message is an append-only per-task log entry.
type Message struct {
	ID        int64       `json:"id"`
	TaskID    int64       `json:"task_id"`
	Role      MessageRole `json:"role"`
	Kind      string      `json:"kind"`
	Content   string      `json:"content"`
	CreatedAt int64       `json:"created_at"`
}

// Worker is a heartbeat-maintained registration row.
type Worker struct {
	WorkerID       string  `json:"worker_id"`
	WorkerType     string  `json:"worker_type"`
	AllowedLanes   []Lane  `json:"allowed_lanes,omitempty"`
	LastSeen       int64   `json:"last_seen"`
	CurrentTaskIDs []int64 `json:"current_task_ids,omitempty"`
}

// LedgerEntry is one terminal review record.
type LedgerEntry struct {
	ID           int64    `json:"id"`
	TaskID       int64    `json:"task_id"`
	Decision     Decision `json:"decision"`
	Actor        Actor    `json:"actor"`
	SnapshotHash string   `json:"snapshot_hash,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	CreatedAt    int64    `json:"created_at"`
}

// ReviewPacket is the per-task document a worker materializes before calling
// complete. Immutable once submitted.
type ReviewPacket struct {
	TaskID   int64               `json:"task_id"`
	Claims   []string            `json:"claims,omitempty"`
	Evidence map[string][]string `json:"evidence,omitempty"` // source id -> code locations
	Summary  string              `json:"summary,omitempty"`
}
