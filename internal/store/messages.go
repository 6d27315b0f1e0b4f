package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateMessage inserts an immutable task note.
func (s *Store) CreateMessage(ctx context.Context, m Message) (*Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, task_id, author_agent_id, content)
			VALUES (?, ?, ?, ?);
		`, m.ID, m.TaskID, m.AuthorAgentID, m.Content)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	created, err := s.GetMessage(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	s.publish(Change{Collection: CollectionMessages, Action: ActionCreate, RecordID: created.ID, Record: created})
	return created, nil
}

// GetMessage returns the message with the given id, or ErrNotFound.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, author_agent_id, content, created_at
		FROM messages WHERE id = ?;
	`, id).Scan(&m.ID, &m.TaskID, &m.AuthorAgentID, &m.Content, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return &m, nil
}

// ListMessages returns a task's messages, oldest first.
func (s *Store) ListMessages(ctx context.Context, taskID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, author_agent_id, content, created_at
		FROM messages WHERE task_id = ?
		ORDER BY created_at ASC, id ASC LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.TaskID, &m.AuthorAgentID, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("list messages for task %s: %w", taskID, err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// LastMessageForTask returns the most recent message on a task, or nil if
// the task has none.
func (s *Store) LastMessageForTask(ctx context.Context, taskID string) (*Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, author_agent_id, content, created_at
		FROM messages WHERE task_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1;
	`, taskID).Scan(&m.ID, &m.TaskID, &m.AuthorAgentID, &m.Content, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last message for task %s: %w", taskID, err)
	}
	return &m, nil
}

// CreateDocument inserts a task document.
func (s *Store) CreateDocument(ctx context.Context, d Document) (*Document, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO documents (id, task_id, title, content)
			VALUES (?, ?, ?, ?);
		`, d.ID, d.TaskID, d.Title, d.Content)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}

	created, err := s.GetDocument(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	s.publish(Change{Collection: CollectionDocuments, Action: ActionCreate, RecordID: created.ID, Record: created})
	return created, nil
}

// UpdateDocument replaces a document's title and content.
func (s *Store) UpdateDocument(ctx context.Context, id, title, content string) (*Document, error) {
	prev, err := s.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE documents SET title = ?, content = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, title, content, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update document %s: %w", id, err)
	}

	updated, err := s.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(Change{Collection: CollectionDocuments, Action: ActionUpdate, RecordID: id, Record: updated, Prev: prev})
	return updated, nil
}

// GetDocument returns the document with the given id, or ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	var d Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, title, content, created_at, updated_at
		FROM documents WHERE id = ?;
	`, id).Scan(&d.ID, &d.TaskID, &d.Title, &d.Content, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return &d, nil
}

// CreateSubtask inserts a subtask.
func (s *Store) CreateSubtask(ctx context.Context, st Subtask) (*Subtask, error) {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO subtasks (id, task_id, title, done)
			VALUES (?, ?, ?, ?);
		`, st.ID, st.TaskID, st.Title, st.Done)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create subtask: %w", err)
	}

	created, err := s.GetSubtask(ctx, st.ID)
	if err != nil {
		return nil, err
	}
	s.publish(Change{Collection: CollectionSubtasks, Action: ActionCreate, RecordID: created.ID, Record: created})
	return created, nil
}

// SetSubtaskDone flips a subtask's done flag.
func (s *Store) SetSubtaskDone(ctx context.Context, id string, done bool) (*Subtask, error) {
	prev, err := s.GetSubtask(ctx, id)
	if err != nil {
		return nil, err
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE subtasks SET done = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, done, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("set subtask %s done: %w", id, err)
	}

	updated, err := s.GetSubtask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(Change{Collection: CollectionSubtasks, Action: ActionUpdate, RecordID: id, Record: updated, Prev: prev})
	return updated, nil
}

// DeleteSubtask removes a subtask.
func (s *Store) DeleteSubtask(ctx context.Context, id string) error {
	prev, err := s.GetSubtask(ctx, id)
	if err != nil {
		return err
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM subtasks WHERE id = ?;`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete subtask %s: %w", id, err)
	}
	s.publish(Change{Collection: CollectionSubtasks, Action: ActionDelete, RecordID: id, Prev: prev, Record: prev})
	return nil
}

// GetSubtask returns the subtask with the given id, or ErrNotFound.
func (s *Store) GetSubtask(ctx context.Context, id string) (*Subtask, error) {
	var st Subtask
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, title, done, created_at, updated_at
		FROM subtasks WHERE id = ?;
	`, id).Scan(&st.ID, &st.TaskID, &st.Title, &st.Done, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get subtask %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get subtask %s: %w", id, err)
	}
	return &st, nil
}

// SubtaskCounts re-derives the {total, done} rollup for a task.
func (s *Store) SubtaskCounts(ctx context.Context, taskID string) (total, done int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(1), COALESCE(SUM(done), 0) FROM subtasks WHERE task_id = ?;
	`, taskID).Scan(&total, &done)
	if err != nil {
		return 0, 0, fmt.Errorf("subtask counts for %s: %w", taskID, err)
	}
	return total, done, nil
}
