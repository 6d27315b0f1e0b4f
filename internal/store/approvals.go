package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const approvalColumns = `
	id, run_id, step_index, status, reviewer_agent_id,
	decision_note, decided_by, decided_at, created_at, updated_at`

func scanApproval(row interface{ Scan(...interface{}) error }) (*StepApproval, error) {
	var (
		a         StepApproval
		decidedAt sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.RunID, &a.StepIndex, &a.Status, &a.ReviewerAgentID,
		&a.DecisionNote, &a.DecidedBy, &decidedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.DecidedAt = scanNullTime(decidedAt)
	return &a, nil
}

// CreateApproval inserts a pending approval row for (run, stepIndex).
// Callers must check LatestApproval first; the schema does not forbid
// multiple rows per step, only superseded (decided) ones are expected.
func (s *Store) CreateApproval(ctx context.Context, a StepApproval) (*StepApproval, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = ApprovalPending
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workflow_step_approvals (id, run_id, step_index, status, reviewer_agent_id, decision_note, decided_by)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, a.ID, a.RunID, a.StepIndex, a.Status, a.ReviewerAgentID, a.DecisionNote, a.DecidedBy)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}

	created, err := s.GetApproval(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	s.publish(Change{Collection: CollectionApprovals, Action: ActionCreate, RecordID: created.ID, Record: created})
	return created, nil
}

// GetApproval returns the approval with the given id, or ErrNotFound.
func (s *Store) GetApproval(ctx context.Context, id string) (*StepApproval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+approvalColumns+` FROM workflow_step_approvals WHERE id = ?;`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get approval %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval %s: %w", id, err)
	}
	return a, nil
}

// LatestApproval returns the most recent approval row for (run, stepIndex),
// or nil if none exists.
func (s *Store) LatestApproval(ctx context.Context, runID string, stepIndex int) (*StepApproval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT`+approvalColumns+`
		FROM workflow_step_approvals
		WHERE run_id = ? AND step_index = ?
		ORDER BY created_at DESC, id DESC LIMIT 1;
	`, runID, stepIndex)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest approval for run %s step %d: %w", runID, stepIndex, err)
	}
	return a, nil
}

// PendingApprovalForRun returns the single pending approval for a run, or
// nil if the run is not waiting on one.
func (s *Store) PendingApprovalForRun(ctx context.Context, runID string) (*StepApproval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT`+approvalColumns+`
		FROM workflow_step_approvals
		WHERE run_id = ? AND status = ?
		ORDER BY created_at DESC, id DESC LIMIT 1;
	`, runID, ApprovalPending)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pending approval for run %s: %w", runID, err)
	}
	return a, nil
}

// DecideApproval patches a pending approval to approved/rejected. It refuses
// to overwrite an already-decided row.
func (s *Store) DecideApproval(ctx context.Context, id string, status ApprovalStatus, note, decidedBy string, decidedAt time.Time) (*StepApproval, error) {
	if status != ApprovalApproved && status != ApprovalRejected {
		return nil, fmt.Errorf("decide approval %s: invalid decision %q", id, status)
	}
	prev, err := s.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev.Status != ApprovalPending {
		return nil, fmt.Errorf("decide approval %s: already %s", id, prev.Status)
	}

	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE workflow_step_approvals
			SET status = ?, decision_note = ?, decided_by = ?, decided_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, status, note, decidedBy, decidedAt.UTC(), id, ApprovalPending)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("approval %s no longer pending", id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decide approval %s: %w", id, err)
	}

	updated, err := s.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(Change{Collection: CollectionApprovals, Action: ActionUpdate, RecordID: id, Record: updated, Prev: prev})
	return updated, nil
}
