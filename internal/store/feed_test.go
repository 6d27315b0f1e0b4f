package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/missionctl/internal/store"
)

// awaitTaskChange reads the feed until a task change for taskID satisfies
// cond, skipping everything else. At-least-once delivery may repeat events.
func awaitTaskChange(t *testing.T, feed store.Feed, taskID string, what string, cond func(store.Change) bool) store.Change {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ch, ok := <-feed.Events():
			if !ok {
				t.Fatalf("feed closed waiting for %s", what)
			}
			if ch.Collection != store.CollectionTasks || ch.RecordID != taskID {
				continue
			}
			if cond(ch) {
				return ch
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func TestPollFeedEmitsTaskChangesWithPrev(t *testing.T) {
	st := openTestStore(t)
	feed := store.NewPollFeed(st, nil, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := feed.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer feed.Stop()

	task, err := st.CreateTask(ctx, store.Task{
		Title:       "polled",
		Status:      store.TaskStatusAssigned,
		AssigneeIDs: []string{"bob"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// First sighting carries no prior state.
	first := awaitTaskChange(t, feed, task.ID, "first sighting", func(ch store.Change) bool {
		got, ok := ch.Record.(*store.Task)
		return ok && got.Status == store.TaskStatusAssigned
	})
	if first.Prev != nil {
		t.Fatalf("first sighting prev = %+v, want none", first.Prev)
	}

	inProgress := store.TaskStatusInProgress
	if _, err := st.UpdateTask(ctx, task.ID, store.TaskPatch{Status: &inProgress}); err != nil {
		t.Fatal(err)
	}

	// The transition carries the last polled state as Prev, so consumers
	// can diff statuses the same way they do on the push feed.
	second := awaitTaskChange(t, feed, task.ID, "status transition", func(ch store.Change) bool {
		got, ok := ch.Record.(*store.Task)
		return ok && got.Status == store.TaskStatusInProgress
	})
	prev, ok := second.Prev.(*store.Task)
	if !ok {
		t.Fatalf("transition prev = %+v, want the prior task state", second.Prev)
	}
	if prev.Status != store.TaskStatusAssigned {
		t.Fatalf("prev status = %q, want assigned", prev.Status)
	}
}

func TestPollFeedEmitsMessageCreates(t *testing.T) {
	st := openTestStore(t)
	feed := store.NewPollFeed(st, nil, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := feed.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer feed.Stop()

	task, err := st.CreateTask(ctx, store.Task{Title: "t", Status: store.TaskStatusAssigned})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := st.CreateMessage(ctx, store.Message{TaskID: task.ID, AuthorAgentID: "bob", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ch, ok := <-feed.Events():
			if !ok {
				t.Fatal("feed closed")
			}
			if ch.Collection != store.CollectionMessages || ch.RecordID != msg.ID {
				continue
			}
			if ch.Action != store.ActionCreate {
				t.Fatalf("message action = %q, want create", ch.Action)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for polled message")
		}
	}
}
