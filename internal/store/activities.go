package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// AppendActivity writes an append-only activity record. Activities are audit
// history; the core never updates or deletes them.
func (s *Store) AppendActivity(ctx context.Context, taskID, kind, detail string) error {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO activities (task_id, kind, detail) VALUES (?, ?, ?);
		`, taskID, kind, detail)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	s.publish(Change{
		Collection: CollectionActivities,
		Action:     ActionCreate,
		RecordID:   fmt.Sprintf("%d", id),
		Record:     &Activity{ID: id, TaskID: taskID, Kind: kind, Detail: detail},
	})
	return nil
}

// ActivitiesForTask returns a task's activity history, oldest first.
func (s *Store) ActivitiesForTask(ctx context.Context, taskID string, limit int) ([]*Activity, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, kind, detail, created_at
		FROM activities WHERE task_id = ?
		ORDER BY id ASC LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query activities for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Kind, &a.Detail, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity rows: %w", err)
	}
	return out, nil
}

// EnsureSubscription records an agent's interest in a task. Idempotent:
// re-subscribing an existing (task, agent) pair is a no-op.
func (s *Store) EnsureSubscription(ctx context.Context, taskID, agentID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_subscriptions (id, task_id, agent_id)
			VALUES (?, ?, ?);
		`, uuid.NewString(), taskID, agentID)
		return err
	})
	if err != nil {
		return fmt.Errorf("ensure subscription %s/%s: %w", taskID, agentID, err)
	}
	return nil
}

// SubscribersForTask returns agent ids subscribed to a task.
func (s *Store) SubscribersForTask(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id FROM task_subscriptions WHERE task_id = ? ORDER BY created_at ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query subscribers for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("subscriber rows: %w", err)
	}
	return out, nil
}
