package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateNotification inserts a pending notification and wakes the
// dispatcher via the notify topic.
func (s *Store) CreateNotification(ctx context.Context, n Notification) (*Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Kind == "" {
		n.Kind = NotificationKindTask
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO notifications (id, to_agent_id, task_id, kind, content, delivered)
			VALUES (?, ?, ?, ?, ?, 0);
		`, n.ID, n.ToAgentID, n.TaskID, n.Kind, n.Content)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}

	created, err := s.GetNotification(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	s.publish(Change{Collection: CollectionNotifications, Action: ActionCreate, RecordID: created.ID, Record: created})
	return created, nil
}

// GetNotification returns the notification with the given id, or ErrNotFound.
func (s *Store) GetNotification(ctx context.Context, id string) (*Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, to_agent_id, task_id, kind, content, delivered, delivered_at, created_at, updated_at
		FROM notifications WHERE id = ?;
	`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get notification %s: %w", id, err)
	}
	return n, nil
}

func scanNotification(row interface{ Scan(...interface{}) error }) (*Notification, error) {
	var (
		n           Notification
		deliveredAt sql.NullTime
	)
	if err := row.Scan(&n.ID, &n.ToAgentID, &n.TaskID, &n.Kind, &n.Content,
		&n.Delivered, &deliveredAt, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	n.DeliveredAt = scanNullTime(deliveredAt)
	return &n, nil
}

// PendingNotifications returns up to limit undelivered notifications,
// oldest first.
func (s *Store) PendingNotifications(ctx context.Context, limit int) ([]*Notification, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, to_agent_id, task_id, kind, content, delivered, delivered_at, created_at, updated_at
		FROM notifications
		WHERE delivered = 0
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notification rows: %w", err)
	}
	return out, nil
}

// MarkNotificationsDelivered stamps the given notifications as delivered at
// now. Already-delivered rows are left untouched (idempotent).
func (s *Store) MarkNotificationsDelivered(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin mark delivered tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE notifications
				SET delivered = 1, delivered_at = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND delivered = 0;
			`, now.UTC(), id); err != nil {
				return fmt.Errorf("mark notification %s delivered: %w", id, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	for _, id := range ids {
		if n, err := s.GetNotification(ctx, id); err == nil {
			s.publish(Change{Collection: CollectionNotifications, Action: ActionUpdate, RecordID: id, Record: n})
		}
	}
	return nil
}
