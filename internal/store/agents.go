package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateAgent inserts an agent registry record.
func (s *Store) CreateAgent(ctx context.Context, a Agent) (*Agent, error) {
	if a.ID == "" {
		return nil, fmt.Errorf("create agent: id must be non-empty")
	}
	if a.Status == "" {
		a.Status = "active"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, name, aliases, status)
			VALUES (?, ?, ?, ?);
		`, a.ID, a.Name, marshalStrings(a.Aliases), a.Status)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}

	created, err := s.GetAgent(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	s.publish(Change{Collection: CollectionAgents, Action: ActionCreate, RecordID: created.ID, Record: created})
	return created, nil
}

// GetAgent returns the agent with the given id, or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, aliases, status, last_digest_at, created_at, updated_at
		FROM agents WHERE id = ?;
	`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

func scanAgent(row interface{ Scan(...interface{}) error }) (*Agent, error) {
	var (
		a          Agent
		aliases    string
		lastDigest sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.Name, &aliases, &a.Status, &lastDigest, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Aliases = unmarshalStrings(aliases)
	a.LastDigestAt = scanNullTime(lastDigest)
	return &a, nil
}

// ListAgents returns all agent records.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, aliases, status, last_digest_at, created_at, updated_at
		FROM agents ORDER BY created_at ASC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent rows: %w", err)
	}
	return out, nil
}

// TouchAgentDigest stamps the agent's last digest time.
func (s *Store) TouchAgentDigest(ctx context.Context, id string, at time.Time) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE agents SET last_digest_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, at.UTC(), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("touch agent %s digest: %w", id, err)
	}
	if a, err := s.GetAgent(ctx, id); err == nil {
		s.publish(Change{Collection: CollectionAgents, Action: ActionUpdate, RecordID: id, Record: a})
	}
	return nil
}
