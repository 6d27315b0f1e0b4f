package notify_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/missionctl/internal/notify"
	"github.com/basket/missionctl/internal/store"
)

type sentCall struct {
	agentID string
	taskID  string
	text    string
}

type fakeGateway struct {
	mu    sync.Mutex
	calls []sentCall
	fail  bool
}

func (f *fakeGateway) NotifyAgent(_ context.Context, agentID, taskID, text string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("gateway down")
	}
	f.calls = append(f.calls, sentCall{agentID, taskID, text})
	return nil
}

func (f *fakeGateway) sent() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCall(nil), f.calls...)
}

// fakeResolver resolves only the ids it knows.
type fakeResolver map[string]string

func (f fakeResolver) Resolve(id string) (string, bool) {
	out, ok := f[id]
	return out, ok
}

func openNotifyStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mission.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func addNotification(t *testing.T, st *store.Store, agent, task, content string) {
	t.Helper()
	_, err := st.CreateNotification(context.Background(), store.Notification{
		ToAgentID: agent, TaskID: task, Kind: store.NotificationKindTask, Content: content,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDeliverPassOneCallPerGroup(t *testing.T) {
	st := openNotifyStore(t)
	gw := &fakeGateway{}
	d := notify.New(notify.Config{
		Store:    st,
		Gateway:  gw,
		Resolver: fakeResolver{"bob": "bob"},
	})

	addNotification(t, st, "bob", "t1", "one")
	addNotification(t, st, "bob", "t1", "two")
	addNotification(t, st, "bob", "t1", "three")
	addNotification(t, st, "bob", "t2", "four")
	addNotification(t, st, "typo-agent", "t1", "never delivered")

	d.DeliverPass(context.Background())

	calls := gw.sent()
	if len(calls) != 2 {
		t.Fatalf("gateway calls = %d, want one per (agent, task) group", len(calls))
	}
	byTask := map[string]sentCall{}
	for _, c := range calls {
		byTask[c.taskID] = c
	}
	if got := byTask["t1"]; !strings.Contains(got.text, "- one") || !strings.Contains(got.text, "- three") {
		t.Fatalf("t1 text = %q", got.text)
	}

	// The unresolvable recipient is dropped, not delivered and not marked.
	pending, err := st.PendingNotifications(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ToAgentID != "typo-agent" {
		t.Fatalf("pending after pass = %+v", pending)
	}
}

func TestDeliverPassElidesBeyondMaxLines(t *testing.T) {
	st := openNotifyStore(t)
	gw := &fakeGateway{}
	d := notify.New(notify.Config{
		Store:    st,
		Gateway:  gw,
		Resolver: fakeResolver{"bob": "bob"},
		MaxLines: 3,
	})

	for i := 0; i < 7; i++ {
		addNotification(t, st, "bob", "t1", fmt.Sprintf("note %d", i))
	}

	d.DeliverPass(context.Background())

	calls := gw.sent()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if lines := strings.Count(calls[0].text, "\n") + 1; lines != 4 {
		t.Fatalf("rendered %d lines, want 3 + elision", lines)
	}
	if !strings.Contains(calls[0].text, "(+4 more)") {
		t.Fatalf("missing elision: %q", calls[0].text)
	}
}

func TestDeliverPassSecondPassSendsNothing(t *testing.T) {
	st := openNotifyStore(t)
	gw := &fakeGateway{}
	d := notify.New(notify.Config{
		Store:    st,
		Gateway:  gw,
		Resolver: fakeResolver{"bob": "bob"},
	})

	addNotification(t, st, "bob", "t1", "once")
	d.DeliverPass(context.Background())
	d.DeliverPass(context.Background())

	if calls := gw.sent(); len(calls) != 1 {
		t.Fatalf("calls = %d, want 1 (delivered flag must dedup)", len(calls))
	}
}

func TestDeliverPassLeavesPendingOnGatewayFailure(t *testing.T) {
	st := openNotifyStore(t)
	gw := &fakeGateway{fail: true}
	d := notify.New(notify.Config{
		Store:    st,
		Gateway:  gw,
		Resolver: fakeResolver{"bob": "bob"},
	})

	addNotification(t, st, "bob", "t1", "retry me")
	d.DeliverPass(context.Background())

	pending, err := st.PendingNotifications(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want untouched on failure", len(pending))
	}

	// The gateway recovers; the next pass delivers.
	gw.mu.Lock()
	gw.fail = false
	gw.mu.Unlock()
	d.DeliverPass(context.Background())
	if calls := gw.sent(); len(calls) != 1 {
		t.Fatalf("calls after recovery = %d, want 1", len(calls))
	}
}

func TestDeliverPassRespectsBreaker(t *testing.T) {
	st := openNotifyStore(t)
	gw := &fakeGateway{}
	breaker := notify.NewBreaker(1, time.Minute, nil)
	d := notify.New(notify.Config{
		Store:    st,
		Gateway:  gw,
		Resolver: fakeResolver{"bob": "bob", "carol": "carol"},
		Breaker:  breaker,
	})

	addNotification(t, st, "bob", "t1", "first")
	addNotification(t, st, "carol", "t2", "second")
	d.DeliverPass(context.Background())

	if calls := gw.sent(); len(calls) != 1 {
		t.Fatalf("calls = %d, want 1 under a ceiling of 1/minute", len(calls))
	}
	pending, err := st.PendingNotifications(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want the refused group retained", len(pending))
	}
}
