// Package digest composes the daily per-agent summary of open assigned
// tasks. Digest notifications flow through the normal dispatcher; this
// package only creates the records when the schedule comes due.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"

	"github.com/basket/missionctl/internal/store"
)

// Config holds digest settings and dependencies.
type Config struct {
	Store  *store.Store
	Logger *slog.Logger
	Clock  clock.Clock

	// Schedule is a standard 5-field cron expression.
	Schedule string
	// CheckInterval is how often the schedule is evaluated.
	CheckInterval time.Duration
	// MaxLines caps tasks listed per digest before the elision line.
	MaxLines int
}

// Digest runs the scheduled daily check.
type Digest struct {
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock
	sched  cron.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New parses the schedule and creates a Digest.
func New(cfg Config) (*Digest, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "0 9 * * *"
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = 10
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sched, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("digest: parse schedule %q: %w", cfg.Schedule, err)
	}
	return &Digest{cfg: cfg, logger: logger, clock: cfg.Clock, sched: sched}, nil
}

// Start begins evaluating the schedule until the context is canceled.
func (d *Digest) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)
	d.logger.Info("digest scheduler started", "schedule", d.cfg.Schedule)
}

// Stop halts the scheduler.
func (d *Digest) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("digest scheduler stopped")
}

func (d *Digest) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := d.clock.Ticker(d.cfg.CheckInterval)
	defer ticker.Stop()

	next := d.sched.Next(d.clock.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := d.clock.Now()
			if now.Before(next) {
				continue
			}
			next = d.sched.Next(now)
			if err := d.RunDue(ctx, now); err != nil {
				d.logger.Warn("digest run failed", "error", err)
			}
		}
	}
}

// RunDue composes one digest notification per agent with open assigned
// tasks. The last_digest_at marker on the agent dedups per day so a
// restart after the scheduled time does not send twice.
func (d *Digest) RunDue(ctx context.Context, now time.Time) error {
	agents, err := d.cfg.Store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	for _, agent := range agents {
		if agent.LastDigestAt != nil && sameDay(*agent.LastDigestAt, now) {
			continue
		}
		tasks, err := d.cfg.Store.OpenTasksAssignedTo(ctx, agent.ID)
		if err != nil {
			d.logger.Warn("digest query failed", "agent_id", agent.ID, "error", err)
			continue
		}
		if len(tasks) == 0 {
			continue
		}
		_, err = d.cfg.Store.CreateNotification(ctx, store.Notification{
			ToAgentID: agent.ID,
			Kind:      store.NotificationKindDigest,
			Content:   renderDigest(tasks, d.cfg.MaxLines),
		})
		if err != nil {
			d.logger.Warn("digest notification failed", "agent_id", agent.ID, "error", err)
			continue
		}
		if err := d.cfg.Store.TouchAgentDigest(ctx, agent.ID, now.UTC()); err != nil {
			d.logger.Warn("digest marker update failed", "agent_id", agent.ID, "error", err)
		}
		d.logger.Info("digest sent", "agent_id", agent.ID, "open_tasks", len(tasks))
	}
	return nil
}

func renderDigest(tasks []*store.Task, maxLines int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily digest: %d open task(s)", len(tasks))
	for i, t := range tasks {
		if i >= maxLines {
			fmt.Fprintf(&b, "\n(+%d more)", len(tasks)-maxLines)
			break
		}
		fmt.Fprintf(&b, "\n- [%s] %s", t.Status, t.Title)
	}
	return b.String()
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
