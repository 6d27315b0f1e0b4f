// Package lease watches for expired task leases and applies the nudge and
// escalation policy: a bounded number of nudges to the lease owner, one
// escalation to the escalation agent, then silence with lease refreshes
// only.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/basket/missionctl/internal/store"
	"github.com/basket/missionctl/internal/telemetry"
)

// Directory names the lead agent for tasks without an escalation agent.
type Directory interface {
	Lead() string
}

// Config holds enforcer settings and dependencies.
type Config struct {
	Store     *store.Store
	Directory Directory
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	Clock     clock.Clock

	// SweepInterval is how often expired leases are checked.
	SweepInterval time.Duration
	// LeaseDuration is how far each refresh pushes the expiry.
	LeaseDuration time.Duration
	// MaxAutoNudges is the per-task default nudge ceiling when the task
	// does not carry its own.
	MaxAutoNudges int
	// ExcerptLimit bounds the last-message excerpt in escalations, in
	// runes.
	ExcerptLimit int
}

// Enforcer runs the periodic lease sweep.
type Enforcer struct {
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Enforcer.
func New(cfg Config) *Enforcer {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Minute
	}
	if cfg.MaxAutoNudges <= 0 {
		cfg.MaxAutoNudges = 2
	}
	if cfg.ExcerptLimit <= 0 {
		cfg.ExcerptLimit = 200
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{cfg: cfg, logger: logger, clock: cfg.Clock}
}

// Start begins sweeping until the context is canceled.
func (e *Enforcer) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.loop(ctx)
	e.logger.Info("lease enforcer started",
		"sweep_interval", e.cfg.SweepInterval, "lease_duration", e.cfg.LeaseDuration)
}

// Stop halts the sweep loop and waits for an in-flight sweep.
func (e *Enforcer) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("lease enforcer stopped")
}

func (e *Enforcer) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := e.clock.Ticker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Sweep(ctx); err != nil {
				e.logger.Warn("lease sweep failed", "error", err)
			}
		}
	}
}

// Sweep checks every expired lease once. Each task is handled
// independently; a failing task is logged and skipped so one bad record
// cannot starve the rest.
func (e *Enforcer) Sweep(ctx context.Context) error {
	now := e.clock.Now().UTC()
	expired, err := e.cfg.Store.ExpiredLeases(ctx, now)
	if err != nil {
		return fmt.Errorf("query expired leases: %w", err)
	}
	for _, t := range expired {
		if err := e.enforce(ctx, t, now); err != nil {
			e.logger.Warn("lease enforcement failed", "task_id", t.ID, "error", err)
		}
	}
	return nil
}

func (e *Enforcer) enforce(ctx context.Context, t *store.Task, now time.Time) error {
	ceiling := t.MaxAutoNudges
	if ceiling <= 0 {
		ceiling = e.cfg.MaxAutoNudges
	}

	// Already escalated once. Only keep the lease moving so the sweep
	// does not re-fire every interval; the anti-loop guard for tasks that
	// stay stuck indefinitely.
	if t.AttemptCount > ceiling {
		return e.refresh(ctx, t.ID, nil, now)
	}

	attempt := t.AttemptCount + 1
	if attempt <= ceiling {
		if t.LeaseOwnerAgentID != "" {
			_, err := e.cfg.Store.CreateNotification(ctx, store.Notification{
				ToAgentID: t.LeaseOwnerAgentID,
				TaskID:    t.ID,
				Kind:      store.NotificationKindNudge,
				Content: fmt.Sprintf("Nudge %d/%d: %q has had no progress since its last lease. Post an update or hand it off.",
					attempt, ceiling, t.Title),
			})
			if err != nil {
				return err
			}
		}
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.LeaseNudges.Add(ctx, 1)
		}
		e.logger.Info("lease nudge", "task_id", t.ID, "attempt", attempt, "owner", t.LeaseOwnerAgentID)
		return e.refresh(ctx, t.ID, &attempt, now)
	}

	// Out of nudges: escalate exactly once. The sentinel attempt count
	// (ceiling+1) marks the task escalated so later sweeps stay quiet.
	target := t.EscalationAgentID
	if target == "" {
		target = e.cfg.Directory.Lead()
	}
	if target != "" {
		_, err := e.cfg.Store.CreateNotification(ctx, store.Notification{
			ToAgentID: target,
			TaskID:    t.ID,
			Kind:      store.NotificationKindEscalate,
			Content:   e.escalationText(ctx, t, ceiling),
		})
		if err != nil {
			return err
		}
	} else {
		e.logger.Warn("no escalation target", "task_id", t.ID)
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.LeaseEscalations.Add(ctx, 1)
	}
	e.logger.Info("lease escalated", "task_id", t.ID, "target", target)
	sentinel := ceiling + 1
	return e.refresh(ctx, t.ID, &sentinel, now)
}

// escalationText composes the escalation body with the last message
// excerpt and last-progress timestamp. Store lookups here are best-effort.
func (e *Enforcer) escalationText(ctx context.Context, t *store.Task, ceiling int) string {
	text := fmt.Sprintf("Escalation: %q stalled after %d nudges (owner %s).",
		t.Title, ceiling, t.LeaseOwnerAgentID)
	if t.LastProgressAt != nil {
		text += fmt.Sprintf(" Last progress %s.", t.LastProgressAt.UTC().Format(time.RFC3339))
	}
	if msg, err := e.cfg.Store.LastMessageForTask(ctx, t.ID); err == nil && msg != nil {
		text += fmt.Sprintf(" Last message: %s", excerpt(msg.Content, e.cfg.ExcerptLimit))
	}
	return text
}

// refresh pushes the lease expiry out and optionally sets the attempt
// count. attempt == nil leaves the count untouched.
func (e *Enforcer) refresh(ctx context.Context, taskID string, attempt *int, now time.Time) error {
	expires := now.Add(e.cfg.LeaseDuration)
	_, err := e.cfg.Store.UpdateTask(ctx, taskID, store.TaskPatch{
		LeaseExpiresAt: &expires,
		AttemptCount:   attempt,
	})
	return err
}

func excerpt(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
