package workflow

import (
	"context"
	"fmt"

	"github.com/basket/missionctl/internal/store"
)

// DecideApproval records a reviewer's decision on a run's single pending
// approval. Rejection terminates the run immediately; approval only patches
// the approval row, and the interpreter observes the decision on its next
// invocation (the reactor schedules one off the approval update event).
func (i *Interpreter) DecideApproval(ctx context.Context, runID string, decision store.ApprovalStatus, note, decidedBy string) error {
	if decision != store.ApprovalApproved && decision != store.ApprovalRejected {
		return fmt.Errorf("decide approval: invalid decision %q", decision)
	}

	mu := i.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	run, err := i.cfg.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("decide approval: run %s is already %s", runID, run.Status)
	}

	ap, err := i.cfg.Store.PendingApprovalForRun(ctx, runID)
	if err != nil {
		return err
	}
	if ap == nil {
		return fmt.Errorf("decide approval: run %s has no pending approval", runID)
	}

	st, envelope, err := decodeManualState(run.Result)
	if err != nil {
		return fmt.Errorf("decide approval: %w", err)
	}
	var step Step
	if st != nil && ap.StepIndex < len(st.Steps) {
		step = st.Steps[ap.StepIndex]
	}

	if decision == store.ApprovalRejected && step.RequireNoteOnReject && note == "" {
		return fmt.Errorf("decide approval: rejection of this step requires a note")
	}

	if _, err := i.cfg.Store.DecideApproval(ctx, ap.ID, decision, note, decidedBy, i.clock.Now().UTC()); err != nil {
		return err
	}

	if decision == store.ApprovalApproved {
		if err := i.applyStatusSideEffect(ctx, run, step.SetTaskStatusOnApprove); err != nil {
			return err
		}
		i.logger.Info("approval approved", "run_id", runID, "approval_id", ap.ID, "decided_by", decidedBy)
		return nil
	}

	if err := i.applyStatusSideEffect(ctx, run, step.SetTaskStatusOnReject); err != nil {
		return err
	}
	i.logger.Info("approval rejected", "run_id", runID, "approval_id", ap.ID, "decided_by", decidedBy)
	if st != nil {
		st.appendTrace(TraceEntry{
			StepIndex: ap.StepIndex, Type: step.Type,
			Status: TraceFailed, Detail: "rejected by " + decidedBy, At: i.clock.Now().UTC(),
		}, i.cfg.TraceLimit)
	}
	return i.failRun(ctx, runID, envelope, st,
		fmt.Sprintf("approval at step %d rejected by %s", ap.StepIndex, decidedBy))
}
