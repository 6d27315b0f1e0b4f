package store

import "time"

// Collection names. These are the watched record collections; change events
// carry one of these names.
const (
	CollectionTasks         = "tasks"
	CollectionMessages      = "messages"
	CollectionDocuments     = "documents"
	CollectionSubtasks      = "subtasks"
	CollectionNotifications = "notifications"
	CollectionWorkflows     = "workflows"
	CollectionRuns          = "workflow_runs"
	CollectionApprovals     = "workflow_step_approvals"
	CollectionAgents        = "agents"
	CollectionActivities    = "activities"
	CollectionSubscriptions = "task_subscriptions"
)

// Change-event actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Change describes one observed mutation of a record. Delivery to consumers
// is at-least-once with no cross-collection ordering; handlers must be
// idempotent.
type Change struct {
	Collection string
	Action     string
	RecordID   string
	// Record is the typed record after the write (nil for deletes).
	Record interface{}
	// Prev is the typed record before an update, when the writer had it on
	// hand. Best-effort: consumers must not rely on it for correctness.
	Prev interface{}
}

type TaskStatus string

const (
	TaskStatusInbox      TaskStatus = "inbox"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusBlocked    TaskStatus = "blocked"
)

// ValidTaskStatus reports whether s is one of the known task statuses.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusInbox, TaskStatusAssigned, TaskStatusInProgress,
		TaskStatusReview, TaskStatusDone, TaskStatusBlocked:
		return true
	}
	return false
}

// Task is a unit of agent work moving through the status lifecycle.
//
// Invariants maintained by the reactor and enforcer:
//   - LeaseExpiresAt is non-nil only while Status == in_progress.
//   - CompletedAt is non-nil iff Status == done.
type Task struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	Status            TaskStatus `json:"status"`
	AssigneeIDs       []string   `json:"assignee_ids,omitempty"`
	LeaseOwnerAgentID string     `json:"lease_owner_agent_id,omitempty"`
	LeaseExpiresAt    *time.Time `json:"lease_expires_at,omitempty"`
	LastProgressAt    *time.Time `json:"last_progress_at,omitempty"`
	AttemptCount      int        `json:"attempt_count"`
	MaxAutoNudges     int        `json:"max_auto_nudges"`
	EscalationAgentID string     `json:"escalation_agent_id,omitempty"`
	RequiresReview    bool       `json:"requires_review"`
	SubtasksTotal     int        `json:"subtasks_total"`
	SubtasksDone      int        `json:"subtasks_done"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Archived          bool       `json:"archived"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// EscalationSuppressed reports whether the task has already been escalated
// once. The enforcer encodes that state as attemptCount > maxAutoNudges; a
// suppressed task only gets its lease refreshed, never another notification.
func (t *Task) EscalationSuppressed() bool {
	return t.AttemptCount > t.MaxAutoNudges
}

// HasAssignee reports whether agentID is in the task's assignee set.
func (t *Task) HasAssignee(agentID string) bool {
	for _, id := range t.AssigneeIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

// Message is an immutable note attached to a task.
type Message struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	AuthorAgentID string    `json:"author_agent_id,omitempty"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"created_at"`
}

// Document is a task-attached document; creates/updates count as progress.
type Document struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Subtask is a checklist item under a task.
type Subtask struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Title     string    `json:"title"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Notification kinds produced by the core.
const (
	NotificationKindAssigned = "assigned"
	NotificationKindMention  = "mention"
	NotificationKindNudge    = "nudge"
	NotificationKindEscalate = "escalation"
	NotificationKindTask     = "task"
	NotificationKindApproval = "approval"
	NotificationKindDigest   = "digest"
)

// Notification is a pending or delivered message to an agent. The Delivered
// flag is the authoritative dedup guard; in-process caches are advisory.
type Notification struct {
	ID          string     `json:"id"`
	ToAgentID   string     `json:"to_agent_id"`
	TaskID      string     `json:"task_id,omitempty"`
	Kind        string     `json:"kind"`
	Content     string     `json:"content"`
	Delivered   bool       `json:"delivered"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Workflow kinds.
const (
	WorkflowKindManual = "manual"
)

// Workflow is a named, reusable definition. For manual workflows, Pipeline
// holds the serialized ordered step list; empty degenerates to a single
// post_message step.
type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Pipeline  string    `json:"pipeline,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// WorkflowRun is one execution of a workflow. Result holds the interpreter's
// entire resumable state as JSON; Log is an append-only human-readable
// execution log.
type WorkflowRun struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	TaskID     string    `json:"task_id,omitempty"`
	SessionKey string    `json:"session_key,omitempty"`
	Status     RunStatus `json:"status"`
	Result     string    `json:"result,omitempty"`
	Log        string    `json:"log,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// StepApproval is one approval gate row. At most one row may be pending per
// (run, stepIndex); decided rows are immutable history.
type StepApproval struct {
	ID              string         `json:"id"`
	RunID           string         `json:"run_id"`
	StepIndex       int            `json:"step_index"`
	Status          ApprovalStatus `json:"status"`
	ReviewerAgentID string         `json:"reviewer_agent_id,omitempty"`
	DecisionNote    string         `json:"decision_note,omitempty"`
	DecidedBy       string         `json:"decided_by,omitempty"`
	DecidedAt       *time.Time     `json:"decided_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Agent is a registry record for a known agent.
type Agent struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Aliases      []string   `json:"aliases,omitempty"`
	Status       string     `json:"status"`
	LastDigestAt *time.Time `json:"last_digest_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Activity is an append-only audit log entry attached to a task.
type Activity struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskSubscription records an agent's interest in a task's events.
type TaskSubscription struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`
}
