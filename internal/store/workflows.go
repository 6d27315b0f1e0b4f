package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateWorkflow inserts a workflow definition.
func (s *Store) CreateWorkflow(ctx context.Context, w Workflow) (*Workflow, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Kind == "" {
		w.Kind = WorkflowKindManual
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workflows (id, name, kind, pipeline)
			VALUES (?, ?, ?, ?);
		`, w.ID, w.Name, w.Kind, w.Pipeline)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}

	created, err := s.GetWorkflow(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	s.publish(Change{Collection: CollectionWorkflows, Action: ActionCreate, RecordID: created.ID, Record: created})
	return created, nil
}

// GetWorkflow returns the workflow with the given id, or ErrNotFound.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var w Workflow
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, kind, pipeline, created_at, updated_at
		FROM workflows WHERE id = ?;
	`, id).Scan(&w.ID, &w.Name, &w.Kind, &w.Pipeline, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return &w, nil
}

// CreateRun inserts a queued run for a workflow. The published create
// change event is what the reactor hands to the interpreter.
func (s *Store) CreateRun(ctx context.Context, r WorkflowRun) (*WorkflowRun, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = RunStatusQueued
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workflow_runs (id, workflow_id, task_id, session_key, status, result, log)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, r.ID, r.WorkflowID, r.TaskID, r.SessionKey, r.Status, r.Result, r.Log)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create workflow run: %w", err)
	}

	created, err := s.GetRun(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	s.publish(Change{Collection: CollectionRuns, Action: ActionCreate, RecordID: created.ID, Record: created})
	return created, nil
}

// GetRun returns the run with the given id, or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	var r WorkflowRun
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, task_id, session_key, status, result, log, created_at, updated_at
		FROM workflow_runs WHERE id = ?;
	`, id).Scan(&r.ID, &r.WorkflowID, &r.TaskID, &r.SessionKey, &r.Status, &r.Result, &r.Log, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get workflow run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow run %s: %w", id, err)
	}
	return &r, nil
}

// RunPatch sets absolute values on a workflow run.
type RunPatch struct {
	Status *RunStatus
	Result *string
	// AppendLog adds lines to the run log (append-only).
	AppendLog string
}

// UpdateRun applies the patch and returns the updated run.
func (s *Store) UpdateRun(ctx context.Context, id string, patch RunPatch) (*WorkflowRun, error) {
	prev, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	var args []interface{}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, *patch.Result)
	}
	if patch.AppendLog != "" {
		newLog := prev.Log
		if newLog != "" {
			newLog += "\n"
		}
		newLog += patch.AppendLog
		sets = append(sets, "log = ?")
		args = append(args, newLog)
	}

	query := "UPDATE workflow_runs SET " + joinClauses(sets) + " WHERE id = ?;"
	args = append(args, id)

	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update workflow run %s: %w", id, err)
	}

	updated, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(Change{Collection: CollectionRuns, Action: ActionUpdate, RecordID: id, Record: updated, Prev: prev})
	return updated, nil
}
