// Package workflow interprets manual workflow pipelines as resumable step
// machines. Every transition is persisted before the next step begins, so
// a crash mid-run resumes exactly where it left off.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/basket/missionctl/internal/store"
	"github.com/basket/missionctl/internal/telemetry"
)

// Invoker calls a named tool through the agent gateway. Implemented by
// *gateway.Client.
type Invoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any, sessionKey string, timeout time.Duration) (json.RawMessage, error)
}

// Directory resolves reviewer identifiers and names the lead agent.
type Directory interface {
	Resolve(identifier string) (string, bool)
	Lead() string
}

// Config holds interpreter settings and dependencies.
type Config struct {
	Store     *store.Store
	Gateway   Invoker
	Directory Directory
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	Clock     clock.Clock

	// StepTimeout bounds each tool step's gateway call. Independent of,
	// and typically longer than, the dispatcher's notify timeout.
	StepTimeout time.Duration
	// MaxIterations caps the driving loop per invocation. A hit means a
	// broken definition; the run fails instead of spinning.
	MaxIterations int
	// TraceLimit caps retained trace entries per run.
	TraceLimit int
	// OutputLimit bounds tool output retained in the trace, in runes.
	OutputLimit int
}

// Interpreter drives manual workflow runs.
type Interpreter struct {
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock

	// locks serializes concurrent ExecuteRun calls per run id. Different
	// runs proceed in parallel.
	locks sync.Map
}

// New creates an Interpreter.
func New(cfg Config) *Interpreter {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 2 * time.Minute
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 200
	}
	if cfg.TraceLimit <= 0 {
		cfg.TraceLimit = 50
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = 500
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{cfg: cfg, logger: logger, clock: cfg.Clock}
}

func (i *Interpreter) runLock(runID string) *sync.Mutex {
	v, _ := i.locks.LoadOrStore(runID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// stepOutcome is what executing one step decided.
type stepOutcome int

const (
	outcomeAdvance stepOutcome = iota
	outcomeWaiting
	outcomeFailed
)

// ExecuteRun drives a run forward until it terminates, suspends on an
// approval, or hits the iteration ceiling. Safe to call repeatedly and
// concurrently for the same run: terminal runs are a no-op and per-run
// execution is serialized.
func (i *Interpreter) ExecuteRun(ctx context.Context, runID string) error {
	mu := i.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	run, err := i.cfg.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	st, envelope, err := decodeManualState(run.Result)
	if err != nil {
		// Present but unreadable state: quarantine by failing the run.
		// Silently resetting would re-run side effects already performed.
		i.logger.Error("quarantining run with unreadable state", "run_id", runID, "error", err)
		return i.failRun(ctx, runID, envelope, nil, fmt.Sprintf("quarantined: %v", err))
	}
	if st == nil {
		st, err = i.freshState(ctx, run)
		if err != nil {
			return i.failRun(ctx, runID, envelope, nil, err.Error())
		}
		if run, err = i.save(ctx, runID, envelope, st, store.RunPatch{
			Status:    runStatusPtr(store.RunStatusRunning),
			AppendLog: i.logLine("run started with %d steps", len(st.Steps)),
		}); err != nil {
			return err
		}
	} else if run.Status == store.RunStatusQueued {
		if run, err = i.save(ctx, runID, envelope, st, store.RunPatch{
			Status:    runStatusPtr(store.RunStatusRunning),
			AppendLog: i.logLine("run resumed at step %d", st.StepIndex),
		}); err != nil {
			return err
		}
	}

	for iter := 0; iter < i.cfg.MaxIterations; iter++ {
		if st.StepIndex >= len(st.Steps) {
			_, err := i.save(ctx, runID, envelope, st, store.RunPatch{
				Status:    runStatusPtr(store.RunStatusSucceeded),
				AppendLog: i.logLine("run succeeded"),
			})
			if err != nil {
				return err
			}
			i.logger.Info("workflow run succeeded", "run_id", runID)
			return nil
		}

		step := st.Steps[st.StepIndex]
		outcome, detail, stepErr := i.execStep(ctx, run, st, step)
		i.countStep(ctx)

		switch outcome {
		case outcomeWaiting:
			st.appendOnce(TraceEntry{
				StepIndex: st.StepIndex, Type: step.Type,
				Status: TraceWaiting, Detail: detail, At: i.clock.Now().UTC(),
			}, i.cfg.TraceLimit)
			_, err := i.save(ctx, runID, envelope, st, store.RunPatch{
				AppendLog: i.logLine("step %d (%s) waiting: %s", st.StepIndex, step.Type, detail),
			})
			return err

		case outcomeFailed:
			if i.cfg.Metrics != nil {
				i.cfg.Metrics.WorkflowFailures.Add(ctx, 1)
			}
			st.appendTrace(TraceEntry{
				StepIndex: st.StepIndex, Type: step.Type,
				Status: TraceFailed, Detail: stepErr.Error(), At: i.clock.Now().UTC(),
			}, i.cfg.TraceLimit)
			return i.failRun(ctx, runID, envelope, st,
				fmt.Sprintf("step %d (%s) failed: %v", st.StepIndex, step.Type, stepErr))

		case outcomeAdvance:
			status := TraceOK
			if !knownStepType(step.Type) {
				status = TraceSkipped
			}
			st.appendTrace(TraceEntry{
				StepIndex: st.StepIndex, Type: step.Type,
				Status: status, Detail: detail, At: i.clock.Now().UTC(),
			}, i.cfg.TraceLimit)
			st.StepIndex++
			st.WaitingApprovalID = ""
			// Persist the advanced index before executing the next step so
			// a crash here never re-runs this step's side effects.
			if run, err = i.save(ctx, runID, envelope, st, store.RunPatch{
				AppendLog: i.logLine("step %d (%s) %s", st.StepIndex-1, step.Type, status),
			}); err != nil {
				return err
			}
		}
	}

	return i.failRun(ctx, runID, envelope, st,
		fmt.Sprintf("iteration ceiling (%d) reached; workflow definition likely loops", i.cfg.MaxIterations))
}

// freshState snapshots the workflow's pipeline into a new run state.
func (i *Interpreter) freshState(ctx context.Context, run *store.WorkflowRun) (*ManualState, error) {
	wf, err := i.cfg.Store.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	steps, err := ParsePipeline(wf.Pipeline)
	if err != nil {
		return nil, err
	}
	return &ManualState{Version: manualStateVersion, StepIndex: 0, Steps: steps}, nil
}

func (i *Interpreter) execStep(ctx context.Context, run *store.WorkflowRun, st *ManualState, step Step) (stepOutcome, string, error) {
	switch step.Type {
	case StepWaitForApproval:
		return i.execWaitForApproval(ctx, run, st, step)
	case StepSetTaskStatus:
		return i.execSetTaskStatus(ctx, run, step)
	case StepPostMessage:
		return i.execPostMessage(ctx, run, step)
	case StepRunLobster, StepRunOpenclawTool:
		return i.execTool(ctx, run, step)
	default:
		i.logger.Info("skipping unknown step type", "run_id", run.ID, "type", step.Type)
		return outcomeAdvance, "unknown step type", nil
	}
}

// execWaitForApproval creates the approval gate exactly once per (run,
// stepIndex): the latest-row check is the guard, so replays and repeated
// invocations while pending never stack a second gate.
func (i *Interpreter) execWaitForApproval(ctx context.Context, run *store.WorkflowRun, st *ManualState, step Step) (stepOutcome, string, error) {
	ap, err := i.cfg.Store.LatestApproval(ctx, run.ID, st.StepIndex)
	if err != nil {
		return outcomeFailed, "", err
	}
	if ap == nil {
		reviewer := i.resolveReviewer(step.Reviewer)
		if reviewer == "" {
			return outcomeFailed, "", fmt.Errorf("no reviewer resolvable for approval step")
		}
		ap, err = i.cfg.Store.CreateApproval(ctx, store.StepApproval{
			RunID:           run.ID,
			StepIndex:       st.StepIndex,
			Status:          store.ApprovalPending,
			ReviewerAgentID: reviewer,
		})
		if err != nil {
			return outcomeFailed, "", err
		}
		_, err = i.cfg.Store.CreateNotification(ctx, store.Notification{
			ToAgentID: reviewer,
			TaskID:    run.TaskID,
			Kind:      store.NotificationKindApproval,
			Content:   fmt.Sprintf("Approval needed for workflow run %s (step %d).", run.ID, st.StepIndex),
		})
		if err != nil {
			return outcomeFailed, "", err
		}
		st.WaitingApprovalID = ap.ID
		return outcomeWaiting, "approval " + ap.ID + " pending with " + reviewer, nil
	}

	switch ap.Status {
	case store.ApprovalPending:
		st.WaitingApprovalID = ap.ID
		return outcomeWaiting, "approval " + ap.ID + " still pending", nil
	case store.ApprovalApproved:
		if err := i.applyStatusSideEffect(ctx, run, step.SetTaskStatusOnApprove); err != nil {
			return outcomeFailed, "", err
		}
		return outcomeAdvance, "approved by " + ap.DecidedBy, nil
	default:
		if err := i.applyStatusSideEffect(ctx, run, step.SetTaskStatusOnReject); err != nil {
			return outcomeFailed, "", err
		}
		return outcomeFailed, "", fmt.Errorf("approval rejected by %s: %s", ap.DecidedBy, ap.DecisionNote)
	}
}

func (i *Interpreter) execSetTaskStatus(ctx context.Context, run *store.WorkflowRun, step Step) (stepOutcome, string, error) {
	if run.TaskID == "" {
		return outcomeFailed, "", fmt.Errorf("set_task_status requires a bound task")
	}
	status := store.TaskStatus(step.Status)
	if !store.ValidTaskStatus(status) {
		return outcomeFailed, "", fmt.Errorf("set_task_status: invalid status %q", step.Status)
	}
	if _, err := i.cfg.Store.UpdateTask(ctx, run.TaskID, store.TaskPatch{Status: &status}); err != nil {
		return outcomeFailed, "", err
	}
	return outcomeAdvance, "task status set to " + step.Status, nil
}

func (i *Interpreter) execPostMessage(ctx context.Context, run *store.WorkflowRun, step Step) (stepOutcome, string, error) {
	content := step.Message
	if content == "" {
		content = "Workflow checkpoint"
	}
	if run.TaskID == "" {
		// Unbound runs leave an activity note instead of a task message.
		if err := i.cfg.Store.AppendActivity(ctx, "", "workflow_note", content); err != nil {
			return outcomeFailed, "", err
		}
		return outcomeAdvance, "activity note posted", nil
	}
	_, err := i.cfg.Store.CreateMessage(ctx, store.Message{
		TaskID:        run.TaskID,
		AuthorAgentID: "workflow:" + run.WorkflowID,
		Content:       content,
	})
	if err != nil {
		return outcomeFailed, "", err
	}
	return outcomeAdvance, "message posted", nil
}

// execTool invokes the named tool synchronously through the gateway. The
// run id rides along in the arguments so the external side can correlate.
func (i *Interpreter) execTool(ctx context.Context, run *store.WorkflowRun, step Step) (stepOutcome, string, error) {
	tool := step.Tool
	if tool == "" && step.Type == StepRunLobster {
		tool = "lobster"
	}
	if tool == "" {
		return outcomeFailed, "", fmt.Errorf("%s step names no tool", step.Type)
	}

	args := make(map[string]any, len(step.Args)+1)
	for k, v := range step.Args {
		args[k] = v
	}
	args["runId"] = run.ID

	out, err := i.cfg.Gateway.Invoke(ctx, tool, args, run.SessionKey, i.cfg.StepTimeout)
	if err != nil {
		return outcomeFailed, "", fmt.Errorf("tool %s: %w", tool, err)
	}
	return outcomeAdvance, truncateRunes(string(out), i.cfg.OutputLimit), nil
}

// applyStatusSideEffect patches the bound task's status when the step
// configures one. Absolute patch, so repeated application is harmless.
func (i *Interpreter) applyStatusSideEffect(ctx context.Context, run *store.WorkflowRun, status string) error {
	if status == "" || run.TaskID == "" {
		return nil
	}
	s := store.TaskStatus(status)
	if !store.ValidTaskStatus(s) {
		return fmt.Errorf("configured task status %q is invalid", status)
	}
	_, err := i.cfg.Store.UpdateTask(ctx, run.TaskID, store.TaskPatch{Status: &s})
	return err
}

func (i *Interpreter) resolveReviewer(identifier string) string {
	if identifier != "" {
		if id, ok := i.cfg.Directory.Resolve(identifier); ok {
			return id
		}
	}
	return i.cfg.Directory.Lead()
}

// save persists state and patch together and returns the updated run.
func (i *Interpreter) save(ctx context.Context, runID string, envelope runResult, st *ManualState, patch store.RunPatch) (*store.WorkflowRun, error) {
	result, err := encodeManualState(envelope, st)
	if err != nil {
		return nil, err
	}
	patch.Result = &result
	return i.cfg.Store.UpdateRun(ctx, runID, patch)
}

// failRun terminates the run as failed with the reason in the log. st may
// be nil when the state itself was unreadable.
func (i *Interpreter) failRun(ctx context.Context, runID string, envelope runResult, st *ManualState, reason string) error {
	patch := store.RunPatch{
		Status:    runStatusPtr(store.RunStatusFailed),
		AppendLog: i.logLine("run failed: %s", reason),
	}
	if st != nil {
		result, err := encodeManualState(envelope, st)
		if err == nil {
			patch.Result = &result
		}
	}
	if _, err := i.cfg.Store.UpdateRun(ctx, runID, patch); err != nil {
		return err
	}
	i.logger.Warn("workflow run failed", "run_id", runID, "reason", reason)
	return nil
}

func (i *Interpreter) countStep(ctx context.Context) {
	if i.cfg.Metrics != nil {
		i.cfg.Metrics.WorkflowSteps.Add(ctx, 1)
	}
}

func (i *Interpreter) logLine(format string, args ...any) string {
	return i.clock.Now().UTC().Format(time.RFC3339) + " " + fmt.Sprintf(format, args...)
}

func knownStepType(t string) bool {
	switch t {
	case StepWaitForApproval, StepSetTaskStatus, StepPostMessage, StepRunLobster, StepRunOpenclawTool:
		return true
	}
	return false
}

func runStatusPtr(s store.RunStatus) *store.RunStatus {
	return &s
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
