package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("record not found")

const taskColumns = `
	id, title, description, status, assignee_ids,
	lease_owner_agent_id, lease_expires_at, last_progress_at,
	attempt_count, max_auto_nudges, escalation_agent_id,
	requires_review, subtasks_total, subtasks_done,
	completed_at, archived, created_at, updated_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*Task, error) {
	var (
		t            Task
		assignees    string
		leaseExpires sql.NullTime
		lastProgress sql.NullTime
		completedAt  sql.NullTime
	)
	if err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Status, &assignees,
		&t.LeaseOwnerAgentID, &leaseExpires, &lastProgress,
		&t.AttemptCount, &t.MaxAutoNudges, &t.EscalationAgentID,
		&t.RequiresReview, &t.SubtasksTotal, &t.SubtasksDone,
		&completedAt, &t.Archived, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.AssigneeIDs = unmarshalStrings(assignees)
	t.LeaseExpiresAt = scanNullTime(leaseExpires)
	t.LastProgressAt = scanNullTime(lastProgress)
	t.CompletedAt = scanNullTime(completedAt)
	return &t, nil
}

// CreateTask inserts a new task. A zero ID is filled with a fresh UUID, a
// zero status defaults to inbox.
func (s *Store) CreateTask(ctx context.Context, t Task) (*Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskStatusInbox
	}
	if !ValidTaskStatus(t.Status) {
		return nil, fmt.Errorf("create task: invalid status %q", t.Status)
	}

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (
				id, title, description, status, assignee_ids,
				lease_owner_agent_id, lease_expires_at, last_progress_at,
				attempt_count, max_auto_nudges, escalation_agent_id,
				requires_review, subtasks_total, subtasks_done, completed_at, archived
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.Title, t.Description, t.Status, marshalStrings(t.AssigneeIDs),
			t.LeaseOwnerAgentID, nullableTime(t.LeaseExpiresAt), nullableTime(t.LastProgressAt),
			t.AttemptCount, t.MaxAutoNudges, t.EscalationAgentID,
			t.RequiresReview, t.SubtasksTotal, t.SubtasksDone, nullableTime(t.CompletedAt), t.Archived)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	created, err := s.GetTask(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	s.publish(Change{Collection: CollectionTasks, Action: ActionCreate, RecordID: created.ID, Record: created})
	return created, nil
}

// GetTask returns the task with the given id, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// TaskPatch sets absolute values on a task. Nil fields are left untouched.
// Patches carry absolute state, not deltas, so replayed applications are
// idempotent.
type TaskPatch struct {
	Title             *string
	Description       *string
	Status            *TaskStatus
	AssigneeIDs       *[]string
	LeaseOwnerAgentID *string
	LeaseExpiresAt    *time.Time
	ClearLease        bool
	LastProgressAt    *time.Time
	AttemptCount      *int
	MaxAutoNudges     *int
	EscalationAgentID *string
	RequiresReview    *bool
	SubtasksTotal     *int
	SubtasksDone      *int
	CompletedAt       *time.Time
	Archived          *bool
}

// UpdateTask applies the patch and returns the updated task. The published
// change event carries the pre-patch record as Prev.
func (s *Store) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*Task, error) {
	if patch.Status != nil && !ValidTaskStatus(*patch.Status) {
		return nil, fmt.Errorf("update task %s: invalid status %q", id, *patch.Status)
	}

	prev, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	var args []interface{}
	add := func(clause string, val interface{}) {
		sets = append(sets, clause)
		args = append(args, val)
	}

	if patch.Title != nil {
		add("title = ?", *patch.Title)
	}
	if patch.Description != nil {
		add("description = ?", *patch.Description)
	}
	if patch.Status != nil {
		add("status = ?", *patch.Status)
	}
	if patch.AssigneeIDs != nil {
		add("assignee_ids = ?", marshalStrings(*patch.AssigneeIDs))
	}
	if patch.ClearLease {
		sets = append(sets, "lease_owner_agent_id = ''", "lease_expires_at = NULL")
	} else {
		if patch.LeaseOwnerAgentID != nil {
			add("lease_owner_agent_id = ?", *patch.LeaseOwnerAgentID)
		}
		if patch.LeaseExpiresAt != nil {
			add("lease_expires_at = ?", patch.LeaseExpiresAt.UTC())
		}
	}
	if patch.LastProgressAt != nil {
		add("last_progress_at = ?", patch.LastProgressAt.UTC())
	}
	if patch.AttemptCount != nil {
		add("attempt_count = ?", *patch.AttemptCount)
	}
	if patch.MaxAutoNudges != nil {
		add("max_auto_nudges = ?", *patch.MaxAutoNudges)
	}
	if patch.EscalationAgentID != nil {
		add("escalation_agent_id = ?", *patch.EscalationAgentID)
	}
	if patch.RequiresReview != nil {
		add("requires_review = ?", *patch.RequiresReview)
	}
	if patch.SubtasksTotal != nil {
		add("subtasks_total = ?", *patch.SubtasksTotal)
	}
	if patch.SubtasksDone != nil {
		add("subtasks_done = ?", *patch.SubtasksDone)
	}
	if patch.CompletedAt != nil {
		add("completed_at = ?", patch.CompletedAt.UTC())
	}
	if patch.Status != nil && *patch.Status != TaskStatusDone && patch.CompletedAt == nil {
		// Leaving done clears the completion stamp (completedAt iff done).
		sets = append(sets, "completed_at = NULL")
	}
	if patch.Archived != nil {
		add("archived = ?", *patch.Archived)
	}

	query := "UPDATE tasks SET " + joinClauses(sets) + " WHERE id = ?;"
	args = append(args, id)

	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}

	updated, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(Change{Collection: CollectionTasks, Action: ActionUpdate, RecordID: id, Record: updated, Prev: prev})
	return updated, nil
}

func joinClauses(sets []string) string {
	out := ""
	for i, c := range sets {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

// ExpiredLeases returns non-archived in_progress tasks whose lease expired
// at or before now.
func (s *Store) ExpiredLeases(ctx context.Context, now time.Time) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT`+taskColumns+`
		FROM tasks
		WHERE status = ? AND archived = 0
		  AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
		ORDER BY lease_expires_at ASC;
	`, TaskStatusInProgress, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query expired leases: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// OpenTasksAssignedTo returns non-archived, unfinished tasks whose assignee
// set contains agentID.
func (s *Store) OpenTasksAssignedTo(ctx context.Context, agentID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT`+taskColumns+`
		FROM tasks
		WHERE archived = 0 AND status NOT IN (?, ?)
		  AND assignee_ids LIKE ?
		ORDER BY created_at ASC;
	`, TaskStatusDone, TaskStatusBlocked, `%"`+agentID+`"%`)
	if err != nil {
		return nil, fmt.Errorf("query assigned tasks for %s: %w", agentID, err)
	}
	defer rows.Close()

	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	// The LIKE filter is a containment approximation over the JSON array;
	// re-check membership exactly.
	out := tasks[:0]
	for _, t := range tasks {
		if t.HasAssignee(agentID) {
			out = append(out, t)
		}
	}
	return out, nil
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}
