// Package reactor applies the task lifecycle policy: it consumes record
// change events and reacts with idempotent patches, activity entries, and
// notification records. Notifications created here are delivered later by
// the dispatcher; the reactor never calls the gateway directly.
package reactor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/basket/missionctl/internal/store"
)

// Directory resolves agent identifiers and names the lead agent.
// Implemented by *agents.Registry.
type Directory interface {
	Resolve(identifier string) (string, bool)
	Lead() string
}

// Runner re-invokes the workflow interpreter for a run. Implemented by
// *workflow.Interpreter.
type Runner interface {
	ExecuteRun(ctx context.Context, runID string) error
}

// Config holds reactor settings and dependencies.
type Config struct {
	Store     *store.Store
	Feed      store.Feed
	Directory Directory
	// Runner is invoked for queued runs and decided approvals. Optional;
	// when nil those events are ignored.
	Runner Runner
	Logger *slog.Logger
	Clock  clock.Clock

	// LeaseDuration is how far each lease refresh pushes the expiry.
	LeaseDuration time.Duration
	// DescriptionLimit bounds description snippets in notifications, in
	// runes.
	DescriptionLimit int
}

type reactionKey struct {
	collection string
	action     string
}

// Reactor runs the reaction table over a change feed.
type Reactor struct {
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock
	table  map[reactionKey]func(ctx context.Context, ch store.Change) error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Reactor with the full reaction table installed.
func New(cfg Config) *Reactor {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Minute
	}
	if cfg.DescriptionLimit <= 0 {
		cfg.DescriptionLimit = 280
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reactor{
		cfg:    cfg,
		logger: logger,
		clock:  cfg.Clock,
	}
	r.table = map[reactionKey]func(context.Context, store.Change) error{
		{store.CollectionTasks, store.ActionCreate}:     r.onTaskCreate,
		{store.CollectionTasks, store.ActionUpdate}:     r.onTaskUpdate,
		{store.CollectionMessages, store.ActionCreate}:  r.onMessageCreate,
		{store.CollectionDocuments, store.ActionCreate}: r.onDocumentChange,
		{store.CollectionDocuments, store.ActionUpdate}: r.onDocumentChange,
		{store.CollectionSubtasks, store.ActionCreate}:  r.onSubtaskChange,
		{store.CollectionSubtasks, store.ActionUpdate}:  r.onSubtaskChange,
		{store.CollectionSubtasks, store.ActionDelete}:  r.onSubtaskChange,
		{store.CollectionRuns, store.ActionCreate}:      r.onRunCreate,
		{store.CollectionApprovals, store.ActionUpdate}: r.onApprovalUpdate,
	}
	return r
}

// Start begins consuming the change feed until the context is canceled.
func (r *Reactor) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)
	if err := r.cfg.Feed.Start(ctx); err != nil {
		return fmt.Errorf("reactor: start feed: %w", err)
	}
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("lifecycle reactor started", "lease_duration", r.cfg.LeaseDuration)
	return nil
}

// Stop halts the feed and waits for the in-flight reaction to finish.
func (r *Reactor) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.cfg.Feed.Stop()
	r.wg.Wait()
	r.logger.Info("lifecycle reactor stopped")
}

func (r *Reactor) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-r.cfg.Feed.Events():
			if !ok {
				return
			}
			r.React(ctx, ch)
		}
	}
}

// React runs the reaction for one change event. Unknown (collection,
// action) pairs are ignored. Handler errors are logged, never fatal; the
// feed is at-least-once and the next delivery retries naturally.
func (r *Reactor) React(ctx context.Context, ch store.Change) {
	handler, ok := r.table[reactionKey{ch.Collection, ch.Action}]
	if !ok {
		return
	}
	if err := handler(ctx, ch); err != nil {
		r.logger.Warn("reaction failed",
			"collection", ch.Collection, "action", ch.Action,
			"record_id", ch.RecordID, "error", err)
	}
}

func (r *Reactor) onTaskCreate(ctx context.Context, ch store.Change) error {
	t, ok := ch.Record.(*store.Task)
	if !ok {
		return fmt.Errorf("task create event without task record")
	}
	if err := r.cfg.Store.AppendActivity(ctx, t.ID, "task_created", t.Title); err != nil {
		return err
	}
	return r.notifyAssigned(ctx, t, t.AssigneeIDs)
}

func (r *Reactor) onTaskUpdate(ctx context.Context, ch store.Change) error {
	t, ok := ch.Record.(*store.Task)
	if !ok {
		return fmt.Errorf("task update event without task record")
	}
	prev, _ := ch.Prev.(*store.Task)

	if prev != nil {
		added := addedAssignees(prev.AssigneeIDs, t.AssigneeIDs)
		if len(added) > 0 {
			if err := r.notifyAssigned(ctx, t, added); err != nil {
				return err
			}
		}
		if prev.Status != t.Status {
			return r.onStatusChange(ctx, t, prev.Status)
		}
	}
	return nil
}

// onStatusChange applies the per-status policy. Every patch sets absolute
// values and is guarded by the current record state, so a replayed event
// finds nothing left to do.
func (r *Reactor) onStatusChange(ctx context.Context, t *store.Task, from store.TaskStatus) error {
	detail := string(from) + " -> " + string(t.Status)
	if err := r.cfg.Store.AppendActivity(ctx, t.ID, "status_changed", detail); err != nil {
		return err
	}

	switch t.Status {
	case store.TaskStatusReview:
		if !t.RequiresReview {
			// Review is an opt-in gate. The resulting update event loops
			// back through this table and the done handler finishes up.
			done := store.TaskStatusDone
			_, err := r.cfg.Store.UpdateTask(ctx, t.ID, store.TaskPatch{Status: &done})
			return err
		}
		return r.releaseLease(ctx, t, nil)

	case store.TaskStatusDone:
		var completed *time.Time
		if t.CompletedAt == nil {
			now := r.clock.Now().UTC()
			completed = &now
		}
		return r.releaseLease(ctx, t, completed)

	case store.TaskStatusInProgress:
		if t.LeaseOwnerAgentID != "" {
			return nil
		}
		owner := r.cfg.Directory.Lead()
		if len(t.AssigneeIDs) > 0 {
			owner = t.AssigneeIDs[0]
		}
		if owner == "" {
			r.logger.Warn("in_progress task has no lease candidate", "task_id", t.ID)
			return nil
		}
		now := r.clock.Now().UTC()
		expires := now.Add(r.cfg.LeaseDuration)
		_, err := r.cfg.Store.UpdateTask(ctx, t.ID, store.TaskPatch{
			LeaseOwnerAgentID: &owner,
			LeaseExpiresAt:    &expires,
			LastProgressAt:    &now,
		})
		return err

	default:
		// Only in_progress tasks hold a lease. blocked, inbox, and
		// assigned all drop it so a stale owner never survives a later
		// return to in_progress.
		return r.releaseLease(ctx, t, nil)
	}
}

// releaseLease clears the lease and resets the nudge counter, stamping
// completedAt when given. No-op when the task already looks released.
func (r *Reactor) releaseLease(ctx context.Context, t *store.Task, completed *time.Time) error {
	if t.LeaseExpiresAt == nil && t.LeaseOwnerAgentID == "" && t.AttemptCount == 0 && completed == nil {
		return nil
	}
	zero := 0
	_, err := r.cfg.Store.UpdateTask(ctx, t.ID, store.TaskPatch{
		ClearLease:   true,
		AttemptCount: &zero,
		CompletedAt:  completed,
	})
	return err
}

// notifyAssigned subscribes each newly assigned agent to the task and
// creates an assigned notification with a bounded description snippet.
func (r *Reactor) notifyAssigned(ctx context.Context, t *store.Task, assignees []string) error {
	for _, raw := range assignees {
		agentID, ok := r.cfg.Directory.Resolve(raw)
		if !ok {
			// Unknown assignees are dropped, never auto-created.
			r.logger.Warn("dropping unresolvable assignee", "task_id", t.ID, "assignee", raw)
			continue
		}
		if err := r.cfg.Store.EnsureSubscription(ctx, t.ID, agentID); err != nil {
			return err
		}
		content := fmt.Sprintf("Assigned to you: %s", t.Title)
		if t.Description != "" {
			content += "\n" + truncate(t.Description, r.cfg.DescriptionLimit)
		}
		_, err := r.cfg.Store.CreateNotification(ctx, store.Notification{
			ToAgentID: agentID,
			TaskID:    t.ID,
			Kind:      store.NotificationKindAssigned,
			Content:   content,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Reactor) onMessageCreate(ctx context.Context, ch store.Change) error {
	m, ok := ch.Record.(*store.Message)
	if !ok {
		return fmt.Errorf("message create event without message record")
	}
	if err := r.refreshProgress(ctx, m.TaskID); err != nil {
		return err
	}

	authorID := m.AuthorAgentID
	if id, ok := r.cfg.Directory.Resolve(m.AuthorAgentID); ok {
		authorID = id
	}

	notified := make(map[string]bool)
	for _, token := range ExtractMentions(m.Content) {
		var agentID string
		if token == MentionAll {
			// @all goes to the lead agent only. Broadcasting to every
			// known agent would turn one message into a fan-out storm.
			agentID = r.cfg.Directory.Lead()
			if agentID == "" {
				continue
			}
		} else {
			id, ok := r.cfg.Directory.Resolve(token)
			if !ok {
				continue
			}
			agentID = id
		}
		if agentID == authorID || notified[agentID] {
			continue
		}
		notified[agentID] = true
		_, err := r.cfg.Store.CreateNotification(ctx, store.Notification{
			ToAgentID: agentID,
			TaskID:    m.TaskID,
			Kind:      store.NotificationKindMention,
			Content:   fmt.Sprintf("%s mentioned you: %s", m.AuthorAgentID, truncate(m.Content, r.cfg.DescriptionLimit)),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Reactor) onDocumentChange(ctx context.Context, ch store.Change) error {
	d, ok := ch.Record.(*store.Document)
	if !ok {
		return fmt.Errorf("document event without document record")
	}
	if d.TaskID == "" {
		return nil
	}
	if err := r.refreshProgress(ctx, d.TaskID); err != nil {
		return err
	}
	kind := "document_created"
	if ch.Action == store.ActionUpdate {
		kind = "document_updated"
	}
	return r.cfg.Store.AppendActivity(ctx, d.TaskID, kind, d.Title)
}

// onSubtaskChange re-derives the {total, done} rollup from the store
// instead of adjusting counters, so replays and out-of-order deliveries
// converge on the same values.
func (r *Reactor) onSubtaskChange(ctx context.Context, ch store.Change) error {
	st, ok := ch.Record.(*store.Subtask)
	if !ok {
		return fmt.Errorf("subtask event without subtask record")
	}
	total, done, err := r.cfg.Store.SubtaskCounts(ctx, st.TaskID)
	if err != nil {
		return err
	}
	t, err := r.cfg.Store.GetTask(ctx, st.TaskID)
	if err != nil {
		return err
	}

	patch := store.TaskPatch{}
	dirty := false
	if t.SubtasksTotal != total {
		patch.SubtasksTotal = &total
		dirty = true
	}
	if t.SubtasksDone != done {
		patch.SubtasksDone = &done
		dirty = true
	}
	if t.Status == store.TaskStatusInProgress {
		now := r.clock.Now().UTC()
		expires := now.Add(r.cfg.LeaseDuration)
		patch.LastProgressAt = &now
		patch.LeaseExpiresAt = &expires
		dirty = true
	}
	if !dirty {
		return nil
	}
	_, err = r.cfg.Store.UpdateTask(ctx, st.TaskID, patch)
	return err
}

func (r *Reactor) onRunCreate(ctx context.Context, ch store.Change) error {
	run, ok := ch.Record.(*store.WorkflowRun)
	if !ok {
		return fmt.Errorf("run create event without run record")
	}
	if r.cfg.Runner == nil || run.Status != store.RunStatusQueued {
		return nil
	}
	return r.cfg.Runner.ExecuteRun(ctx, run.ID)
}

// onApprovalUpdate re-invokes the interpreter once an approval leaves
// pending. ExecuteRun is idempotent, so duplicate decision events are
// harmless.
func (r *Reactor) onApprovalUpdate(ctx context.Context, ch store.Change) error {
	a, ok := ch.Record.(*store.StepApproval)
	if !ok {
		return fmt.Errorf("approval event without approval record")
	}
	if r.cfg.Runner == nil || a.Status == store.ApprovalPending {
		return nil
	}
	return r.cfg.Runner.ExecuteRun(ctx, a.RunID)
}

// refreshProgress stamps last progress on the task and, while the task is
// actively leased, pushes the lease expiry out.
func (r *Reactor) refreshProgress(ctx context.Context, taskID string) error {
	t, err := r.cfg.Store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	now := r.clock.Now().UTC()
	patch := store.TaskPatch{LastProgressAt: &now}
	if t.Status == store.TaskStatusInProgress && t.LeaseOwnerAgentID != "" {
		expires := now.Add(r.cfg.LeaseDuration)
		patch.LeaseExpiresAt = &expires
	}
	_, err = r.cfg.Store.UpdateTask(ctx, taskID, patch)
	return err
}

// addedAssignees returns ids present in next but not in prev.
func addedAssignees(prev, next []string) []string {
	if len(next) == 0 {
		return nil
	}
	had := make(map[string]bool, len(prev))
	for _, id := range prev {
		had[id] = true
	}
	var added []string
	for _, id := range next {
		if !had[id] {
			added = append(added, id)
		}
	}
	return added
}
