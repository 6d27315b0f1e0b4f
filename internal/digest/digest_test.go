package digest_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/basket/missionctl/internal/digest"
	"github.com/basket/missionctl/internal/store"
)

func newDigest(t *testing.T, maxLines int) (*digest.Digest, *store.Store, *clock.Mock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mission.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mock := clock.NewMock()
	d, err := digest.New(digest.Config{Store: st, Clock: mock, MaxLines: maxLines})
	if err != nil {
		t.Fatal(err)
	}
	return d, st, mock
}

func seedAgent(t *testing.T, st *store.Store, id string, openTasks int) {
	t.Helper()
	ctx := context.Background()
	if _, err := st.CreateAgent(ctx, store.Agent{ID: id, Name: id}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < openTasks; i++ {
		_, err := st.CreateTask(ctx, store.Task{
			Title:       fmt.Sprintf("%s task %d", id, i),
			Status:      store.TaskStatusAssigned,
			AssigneeIDs: []string{id},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func digestsFor(t *testing.T, st *store.Store, agentID string) []*store.Notification {
	t.Helper()
	pending, err := st.PendingNotifications(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}
	var out []*store.Notification
	for _, n := range pending {
		if n.Kind == store.NotificationKindDigest && n.ToAgentID == agentID {
			out = append(out, n)
		}
	}
	return out
}

func TestRunDueSummarizesOpenTasks(t *testing.T) {
	d, st, mock := newDigest(t, 10)
	ctx := context.Background()
	seedAgent(t, st, "alice", 2)
	seedAgent(t, st, "bob", 0)

	if err := d.RunDue(ctx, mock.Now()); err != nil {
		t.Fatal(err)
	}

	got := digestsFor(t, st, "alice")
	if len(got) != 1 {
		t.Fatalf("digests for alice = %d, want 1", len(got))
	}
	content := got[0].Content
	if !strings.HasPrefix(content, "Daily digest: 2 open task(s)") {
		t.Fatalf("content = %q", content)
	}
	if !strings.Contains(content, "[assigned] alice task 0") {
		t.Fatalf("content = %q", content)
	}

	// No open tasks, no digest.
	if got := digestsFor(t, st, "bob"); len(got) != 0 {
		t.Fatalf("digests for bob = %d, want 0", len(got))
	}

	agent, err := st.GetAgent(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if agent.LastDigestAt == nil {
		t.Fatal("last_digest_at not stamped")
	}
}

func TestRunDueDedupsPerCalendarDay(t *testing.T) {
	d, st, mock := newDigest(t, 10)
	ctx := context.Background()
	seedAgent(t, st, "alice", 1)

	if err := d.RunDue(ctx, mock.Now()); err != nil {
		t.Fatal(err)
	}
	// Same day, later: the marker suppresses a second digest.
	mock.Add(6 * time.Hour)
	if err := d.RunDue(ctx, mock.Now()); err != nil {
		t.Fatal(err)
	}
	if got := digestsFor(t, st, "alice"); len(got) != 1 {
		t.Fatalf("digests after same-day rerun = %d, want 1", len(got))
	}

	// Next calendar day fires again.
	mock.Add(24 * time.Hour)
	if err := d.RunDue(ctx, mock.Now()); err != nil {
		t.Fatal(err)
	}
	if got := digestsFor(t, st, "alice"); len(got) != 2 {
		t.Fatalf("digests after next-day run = %d, want 2", len(got))
	}
}

func TestRenderDigestElidesPastMaxLines(t *testing.T) {
	d, st, mock := newDigest(t, 2)
	ctx := context.Background()
	seedAgent(t, st, "alice", 5)

	if err := d.RunDue(ctx, mock.Now()); err != nil {
		t.Fatal(err)
	}
	got := digestsFor(t, st, "alice")
	if len(got) != 1 {
		t.Fatalf("digests = %d, want 1", len(got))
	}
	content := got[0].Content
	if !strings.Contains(content, "(+3 more)") {
		t.Fatalf("content = %q, want elision line", content)
	}
	if lines := strings.Count(content, "\n- "); lines != 2 {
		t.Fatalf("content lists %d tasks, want 2: %q", lines, content)
	}
}
