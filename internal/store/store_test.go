package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/missionctl/internal/bus"
	"github.com/basket/missionctl/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "mission.db")
	st, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenConfiguresWAL(t *testing.T) {
	st := openTestStore(t)
	var journal string
	if err := st.DB().QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("journal_mode = %q, want wal", journal)
	}
}

func TestTaskLifecyclePatches(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	created, err := st.CreateTask(ctx, store.Task{
		Title:       "triage inbox",
		Status:      store.TaskStatusInbox,
		AssigneeIDs: []string{"bob"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if created.Status != store.TaskStatusInbox {
		t.Fatalf("status = %q", created.Status)
	}
	if !created.HasAssignee("bob") || created.HasAssignee("carol") {
		t.Fatal("assignee membership wrong")
	}

	owner := "bob"
	expires := time.Now().UTC().Add(30 * time.Minute)
	inProgress := store.TaskStatusInProgress
	updated, err := st.UpdateTask(ctx, created.ID, store.TaskPatch{
		Status:            &inProgress,
		LeaseOwnerAgentID: &owner,
		LeaseExpiresAt:    &expires,
	})
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	if updated.LeaseOwnerAgentID != "bob" || updated.LeaseExpiresAt == nil {
		t.Fatal("lease not set")
	}

	done := store.TaskStatusDone
	completed := time.Now().UTC()
	zero := 0
	updated, err = st.UpdateTask(ctx, created.ID, store.TaskPatch{
		Status:       &done,
		ClearLease:   true,
		AttemptCount: &zero,
		CompletedAt:  &completed,
	})
	if err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if updated.LeaseOwnerAgentID != "" || updated.LeaseExpiresAt != nil {
		t.Fatal("lease not cleared")
	}
	if updated.CompletedAt == nil {
		t.Fatal("completedAt not stamped")
	}

	// Moving off done clears the completion stamp.
	assigned := store.TaskStatusAssigned
	updated, err = st.UpdateTask(ctx, created.ID, store.TaskPatch{Status: &assigned})
	if err != nil {
		t.Fatalf("reopen task: %v", err)
	}
	if updated.CompletedAt != nil {
		t.Fatal("completedAt survived leaving done")
	}
}

func TestUpdateTaskRejectsInvalidStatus(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	created, err := st.CreateTask(ctx, store.Task{Title: "t", Status: store.TaskStatusInbox})
	if err != nil {
		t.Fatal(err)
	}
	bogus := store.TaskStatus("bogus")
	if _, err := st.UpdateTask(ctx, created.ID, store.TaskPatch{Status: &bogus}); err == nil {
		t.Fatal("expected invalid status error")
	}
}

func TestGetTaskNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.GetTask(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestExpiredLeases(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(title string, status store.TaskStatus, expires *time.Time) *store.Task {
		t.Helper()
		task, err := st.CreateTask(ctx, store.Task{Title: title, Status: status})
		if err != nil {
			t.Fatal(err)
		}
		if expires != nil {
			owner := "bob"
			task, err = st.UpdateTask(ctx, task.ID, store.TaskPatch{
				LeaseOwnerAgentID: &owner, LeaseExpiresAt: expires,
			})
			if err != nil {
				t.Fatal(err)
			}
		}
		return task
	}

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	expired := mk("expired", store.TaskStatusInProgress, &past)
	mk("live", store.TaskStatusInProgress, &future)
	mk("not running", store.TaskStatusAssigned, &past)

	got, err := st.ExpiredLeases(ctx, now)
	if err != nil {
		t.Fatalf("expired leases: %v", err)
	}
	if len(got) != 1 || got[0].ID != expired.ID {
		t.Fatalf("expired = %v, want only %s", got, expired.ID)
	}
}

func TestOpenTasksAssignedTo(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	mine, err := st.CreateTask(ctx, store.Task{
		Title: "mine", Status: store.TaskStatusAssigned, AssigneeIDs: []string{"bob", "carol"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateTask(ctx, store.Task{
		Title: "done", Status: store.TaskStatusDone, AssigneeIDs: []string{"bob"},
	}); err != nil {
		t.Fatal(err)
	}
	// "bobby" must not match "bob" through the LIKE prefilter.
	if _, err := st.CreateTask(ctx, store.Task{
		Title: "other", Status: store.TaskStatusAssigned, AssigneeIDs: []string{"bobby"},
	}); err != nil {
		t.Fatal(err)
	}

	got, err := st.OpenTasksAssignedTo(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != mine.ID {
		t.Fatalf("got %d tasks, want exactly the open one", len(got))
	}
}

func TestNotificationsPendingAndDelivered(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		n, err := st.CreateNotification(ctx, store.Notification{
			ToAgentID: "bob", TaskID: "t1", Kind: store.NotificationKindTask, Content: "hello",
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, n.ID)
	}

	pending, err := st.PendingNotifications(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}

	now := time.Now().UTC()
	if err := st.MarkNotificationsDelivered(ctx, ids[:2], now); err != nil {
		t.Fatal(err)
	}
	// Marking again is a no-op, not an error.
	if err := st.MarkNotificationsDelivered(ctx, ids[:2], now); err != nil {
		t.Fatal(err)
	}

	pending, err = st.PendingNotifications(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != ids[2] {
		t.Fatalf("pending after mark = %d", len(pending))
	}
}

func TestApprovalDecisionGuard(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	ap, err := st.CreateApproval(ctx, store.StepApproval{
		RunID: "run1", StepIndex: 1, ReviewerAgentID: "lead",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ap.Status != store.ApprovalPending {
		t.Fatalf("status = %q", ap.Status)
	}

	got, err := st.PendingApprovalForRun(ctx, "run1")
	if err != nil || got == nil || got.ID != ap.ID {
		t.Fatalf("pending lookup = %v, %v", got, err)
	}

	decided, err := st.DecideApproval(ctx, ap.ID, store.ApprovalApproved, "lgtm", "lead", time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if decided.Status != store.ApprovalApproved || decided.DecidedAt == nil {
		t.Fatalf("decided = %+v", decided)
	}

	// A decided row is immutable.
	if _, err := st.DecideApproval(ctx, ap.ID, store.ApprovalRejected, "", "lead", time.Now().UTC()); err == nil {
		t.Fatal("expected already-decided error")
	}

	if got, err := st.PendingApprovalForRun(ctx, "run1"); err != nil || got != nil {
		t.Fatalf("pending after decide = %v, %v", got, err)
	}
}

func TestSubtaskCounts(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, store.Task{Title: "t", Status: store.TaskStatusInbox})
	if err != nil {
		t.Fatal(err)
	}
	a, err := st.CreateSubtask(ctx, store.Subtask{TaskID: task.ID, Title: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateSubtask(ctx, store.Subtask{TaskID: task.ID, Title: "b"}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.SetSubtaskDone(ctx, a.ID, true); err != nil {
		t.Fatal(err)
	}

	total, done, err := st.SubtaskCounts(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || done != 1 {
		t.Fatalf("counts = %d/%d, want 2/1", done, total)
	}
}

func TestWritesPublishChangeEvents(t *testing.T) {
	b := bus.New()
	dbPath := filepath.Join(t.TempDir(), "mission.db")
	st, err := store.Open(dbPath, b)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	recordSub := b.Subscribe(bus.RecordTopic(store.CollectionTasks, store.ActionUpdate))
	defer b.Unsubscribe(recordSub)
	notifySub := b.Subscribe(bus.TopicNotifyPending)
	defer b.Unsubscribe(notifySub)

	ctx := context.Background()
	task, err := st.CreateTask(ctx, store.Task{Title: "t", Status: store.TaskStatusInbox})
	if err != nil {
		t.Fatal(err)
	}
	assigned := store.TaskStatusAssigned
	if _, err := st.UpdateTask(ctx, task.ID, store.TaskPatch{Status: &assigned}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-recordSub.Ch():
		change, ok := ev.Payload.(store.Change)
		if !ok {
			t.Fatalf("payload %T", ev.Payload)
		}
		prev, ok := change.Prev.(*store.Task)
		if !ok || prev.Status != store.TaskStatusInbox {
			t.Fatalf("prev = %+v", change.Prev)
		}
		after, ok := change.Record.(*store.Task)
		if !ok || after.Status != store.TaskStatusAssigned {
			t.Fatalf("record = %+v", change.Record)
		}
	case <-time.After(time.Second):
		t.Fatal("no task update event")
	}

	if _, err := st.CreateNotification(ctx, store.Notification{
		ToAgentID: "bob", Kind: store.NotificationKindTask, Content: "x",
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-notifySub.Ch():
	case <-time.After(time.Second):
		t.Fatal("no notify.pending event for notification create")
	}
}
