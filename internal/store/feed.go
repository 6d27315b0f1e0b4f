package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/missionctl/internal/bus"
)

// Feed is a source of record change events. Two adapters exist: PushFeed
// (realtime, bus-backed) and PollFeed (interval re-query). Consumers treat
// both identically; delivery is at-least-once either way.
type Feed interface {
	// Events returns the change stream. Closed when the feed stops.
	Events() <-chan Change
	// Start begins producing events until ctx is canceled.
	Start(ctx context.Context) error
	// Stop halts the feed and closes the event channel.
	Stop()
}

// PushFeed adapts a bus subscription into a Feed.
type PushFeed struct {
	bus    *bus.Bus
	prefix string

	mu     sync.Mutex
	cancel context.CancelFunc
	out    chan Change
}

// NewPushFeed subscribes to change events for the given collections. Empty
// collections means all record topics.
func NewPushFeed(b *bus.Bus) *PushFeed {
	return &PushFeed{
		bus:    b,
		prefix: bus.TopicRecordPrefix,
		out:    make(chan Change, 256),
	}
}

func (f *PushFeed) Events() <-chan Change {
	return f.out
}

func (f *PushFeed) Start(ctx context.Context) error {
	if f.bus == nil {
		return fmt.Errorf("push feed: no bus")
	}
	f.mu.Lock()
	ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()

	sub := f.bus.Subscribe(f.prefix)
	go func() {
		defer close(f.out)
		defer f.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				change, ok := ev.Payload.(Change)
				if !ok {
					continue
				}
				select {
				case f.out <- change:
				default:
					// Consumer lagging; at-least-once is preserved by the
					// poll feed and safety-net timers.
				}
			}
		}
	}()
	return nil
}

func (f *PushFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
}

// PollFeed re-queries watched collections on a fixed interval and emits
// records whose updated_at passed the high-water mark. It is the fallback
// path when the push subscription cannot be established, and mostly
// produces "update" actions (creates are indistinguishable after the fact;
// consumers are idempotent either way). Task changes carry a synthesized
// Prev from the last polled state, so status-transition consumers work the
// same as under the push feed once a task has been seen once.
type PollFeed struct {
	store    *Store
	logger   *slog.Logger
	interval time.Duration

	mu        sync.Mutex
	cancel    context.CancelFunc
	out       chan Change
	mark      time.Time
	prevTasks map[string]*Task
}

// NewPollFeed creates a PollFeed over the given store.
func NewPollFeed(s *Store, logger *slog.Logger, interval time.Duration) *PollFeed {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PollFeed{
		store:     s,
		logger:    logger,
		interval:  interval,
		out:       make(chan Change, 256),
		mark:      time.Now().UTC(),
		prevTasks: make(map[string]*Task),
	}
}

func (f *PollFeed) Events() <-chan Change {
	return f.out
}

func (f *PollFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()

	go func() {
		defer close(f.out)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.tick(ctx)
			}
		}
	}()
	return nil
}

func (f *PollFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *PollFeed) tick(ctx context.Context) {
	f.mu.Lock()
	since := f.mark
	f.mu.Unlock()

	now := time.Now().UTC()
	changes, err := f.store.ChangesSince(ctx, since)
	if err != nil {
		f.logger.Error("poll feed query failed", "error", err)
		return
	}
	for _, c := range changes {
		if t, ok := c.Record.(*Task); ok && c.Collection == CollectionTasks {
			// The first sighting of a task has no prior state to diff
			// against; transitions from the second sighting on carry it.
			f.mu.Lock()
			if prev, seen := f.prevTasks[t.ID]; seen {
				c.Prev = prev
			}
			f.prevTasks[t.ID] = t
			f.mu.Unlock()
		}
		select {
		case f.out <- c:
		case <-ctx.Done():
			return
		}
	}

	// Stored timestamps have one-second resolution; keep the mark a second
	// behind so a change landing in the current second is re-delivered
	// rather than missed. The feed is at-least-once either way.
	f.mu.Lock()
	f.mark = now.Add(-time.Second)
	f.mu.Unlock()
}

// ChangesSince returns records across watched collections updated after
// since. Used by the PollFeed; results carry Action=update.
func (s *Store) ChangesSince(ctx context.Context, since time.Time) ([]Change, error) {
	var out []Change

	taskRows, err := s.db.QueryContext(ctx, `
		SELECT`+taskColumns+` FROM tasks WHERE updated_at > ? ORDER BY updated_at ASC;
	`, since)
	if err != nil {
		return nil, fmt.Errorf("poll tasks: %w", err)
	}
	tasks, err := collectTasks(taskRows)
	taskRows.Close()
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		out = append(out, Change{Collection: CollectionTasks, Action: ActionUpdate, RecordID: t.ID, Record: t})
	}

	msgRows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, author_agent_id, content, created_at
		FROM messages WHERE created_at > ? ORDER BY created_at ASC;
	`, since)
	if err != nil {
		return nil, fmt.Errorf("poll messages: %w", err)
	}
	for msgRows.Next() {
		var m Message
		if err := msgRows.Scan(&m.ID, &m.TaskID, &m.AuthorAgentID, &m.Content, &m.CreatedAt); err != nil {
			msgRows.Close()
			return nil, fmt.Errorf("scan polled message: %w", err)
		}
		// Messages are immutable; anything new is a create.
		out = append(out, Change{Collection: CollectionMessages, Action: ActionCreate, RecordID: m.ID, Record: &m})
	}
	if err := msgRows.Err(); err != nil {
		msgRows.Close()
		return nil, fmt.Errorf("polled message rows: %w", err)
	}
	msgRows.Close()

	notifRows, err := s.db.QueryContext(ctx, `
		SELECT id, to_agent_id, task_id, kind, content, delivered, delivered_at, created_at, updated_at
		FROM notifications WHERE updated_at > ? ORDER BY updated_at ASC;
	`, since)
	if err != nil {
		return nil, fmt.Errorf("poll notifications: %w", err)
	}
	for notifRows.Next() {
		n, err := scanNotification(notifRows)
		if err != nil {
			notifRows.Close()
			return nil, fmt.Errorf("scan polled notification: %w", err)
		}
		action := ActionUpdate
		if n.CreatedAt.After(since) {
			action = ActionCreate
		}
		out = append(out, Change{Collection: CollectionNotifications, Action: action, RecordID: n.ID, Record: n})
	}
	if err := notifRows.Err(); err != nil {
		notifRows.Close()
		return nil, fmt.Errorf("polled notification rows: %w", err)
	}
	notifRows.Close()

	apprRows, err := s.db.QueryContext(ctx, `
		SELECT`+approvalColumns+`
		FROM workflow_step_approvals WHERE updated_at > ? ORDER BY updated_at ASC;
	`, since)
	if err != nil {
		return nil, fmt.Errorf("poll approvals: %w", err)
	}
	for apprRows.Next() {
		a, err := scanApproval(apprRows)
		if err != nil {
			apprRows.Close()
			return nil, fmt.Errorf("scan polled approval: %w", err)
		}
		out = append(out, Change{Collection: CollectionApprovals, Action: ActionUpdate, RecordID: a.ID, Record: a})
	}
	if err := apprRows.Err(); err != nil {
		apprRows.Close()
		return nil, fmt.Errorf("polled approval rows: %w", err)
	}
	apprRows.Close()

	return out, nil
}
