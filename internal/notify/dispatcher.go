// Package notify delivers pending notifications to agents through the
// gateway: debounced, deduplicated, grouped per (agent, task), and bounded
// by a circuit breaker.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/missionctl/internal/store"
	"github.com/basket/missionctl/internal/telemetry"
)

// Invoker sends a rendered notification batch into an agent session.
// Implemented by *gateway.Client.
type Invoker interface {
	NotifyAgent(ctx context.Context, agentID, taskID, text string, timeout time.Duration) error
}

// Resolver maps caller-supplied agent identifiers to authoritative ids.
// Implemented by *agents.Registry.
type Resolver interface {
	Resolve(identifier string) (string, bool)
}

// Config holds dispatcher settings and dependencies.
type Config struct {
	Store    *store.Store
	Gateway  Invoker
	Resolver Resolver
	Breaker  *Breaker
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Clock    clock.Clock

	// Debounce coalesces bursts of ScheduleDeliver calls into one pass.
	Debounce time.Duration
	// SafetyNet is the catch-all pass interval.
	SafetyNet time.Duration
	// MaxLines caps rendered lines per group before the "+N more" elision.
	MaxLines int
	// PageSize bounds pending notifications loaded per pass.
	PageSize int
	// CallTimeout bounds each gateway send.
	CallTimeout time.Duration
	// SentTTL is how long the best-effort already-sent memory holds ids.
	SentTTL time.Duration
}

// Dispatcher owns the delivery passes. ScheduleDeliver may be called
// arbitrarily often from any goroutine.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock

	// sent remembers notification ids for which a gateway send succeeded,
	// so a flaky mark-delivered write cannot cause an immediate resend
	// loop. Best-effort only: the delivered flag in the store is the
	// authoritative guard.
	sent *ttlcache.Cache[string, struct{}]

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// lastOpens is the breaker open count already reported to metrics.
	lastOpens int64
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 750 * time.Millisecond
	}
	if cfg.SafetyNet <= 0 {
		cfg.SafetyNet = time.Minute
	}
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = 5
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.SentTTL <= 0 {
		cfg.SentTTL = 10 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:    cfg,
		logger: logger,
		clock:  cfg.Clock,
		sent: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](cfg.SentTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		kick: make(chan struct{}, 1),
	}
}

// ScheduleDeliver requests a delivery pass. Concurrent calls coalesce into
// one debounced pass.
func (d *Dispatcher) ScheduleDeliver() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Start runs the dispatcher loop until the context is canceled.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)
	go d.sent.Start()
	d.logger.Info("notification dispatcher started",
		"debounce", d.cfg.Debounce, "safety_net", d.cfg.SafetyNet)
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.sent.Stop()
	d.logger.Info("notification dispatcher stopped")
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	safety := d.clock.Ticker(d.cfg.SafetyNet)
	defer safety.Stop()

	var debounce *clock.Timer
	var debounceC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.kick:
			// Arm the debounce timer once; further kicks while armed are
			// coalesced into the same pass.
			if debounce == nil {
				debounce = d.clock.Timer(d.cfg.Debounce)
				debounceC = debounce.C
			}
		case <-debounceC:
			debounce = nil
			debounceC = nil
			d.DeliverPass(ctx)
		case <-safety.C:
			d.DeliverPass(ctx)
		}
	}
}

// group is one (agent, task) batch of pending notifications.
type group struct {
	agentID string
	taskID  string
	items   []*store.Notification
}

// DeliverPass executes one delivery pass: load pending, group, send one
// gateway call per group, mark delivered. Exported for tests and for the
// safety-net timer; production callers use ScheduleDeliver.
func (d *Dispatcher) DeliverPass(ctx context.Context) {
	if d.cfg.Breaker != nil {
		if opens := d.cfg.Breaker.Opens(); opens > d.lastOpens {
			if c := d.metrics().BreakerOpens; c != nil {
				c.Add(ctx, opens-d.lastOpens)
			}
			d.lastOpens = opens
		}
	}
	if d.cfg.Breaker != nil && d.cfg.Breaker.Open() {
		d.count(ctx, d.metrics().BreakerRejects)
		d.logger.Warn("delivery pass skipped: circuit open")
		return
	}
	d.count(ctx, d.metrics().DispatchPasses)

	pending, err := d.cfg.Store.PendingNotifications(ctx, d.cfg.PageSize)
	if err != nil {
		d.logger.Error("load pending notifications failed", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	groups := d.groupPending(ctx, pending)
	for _, g := range groups {
		if err := d.sendGroup(ctx, g); err != nil {
			// Leave the group pending; the next cycle retries.
			d.logger.Warn("group send failed",
				"agent_id", g.agentID, "task_id", g.taskID,
				"count", len(g.items), "error", err)
			continue
		}
	}
}

// groupPending resolves recipients and buckets notifications by
// (agent, task). Unresolvable recipients are dropped, never auto-created,
// and recently-sent ids are filtered out.
func (d *Dispatcher) groupPending(ctx context.Context, pending []*store.Notification) []*group {
	byKey := make(map[string]*group)
	var order []string
	for _, n := range pending {
		if d.sent.Has(n.ID) {
			continue
		}
		agentID, ok := d.cfg.Resolver.Resolve(n.ToAgentID)
		if !ok {
			d.count(ctx, d.metrics().DroppedUnresolved)
			d.logger.Warn("dropping notification for unknown agent",
				"notification_id", n.ID, "to_agent_id", n.ToAgentID)
			continue
		}
		key := agentID + "\x00" + n.TaskID
		g, exists := byKey[key]
		if !exists {
			g = &group{agentID: agentID, taskID: n.TaskID}
			byKey[key] = g
			order = append(order, key)
		}
		g.items = append(g.items, n)
	}

	sort.Strings(order)
	out := make([]*group, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out
}

// sendGroup makes exactly one gateway call for the group and marks its
// notifications delivered on success.
func (d *Dispatcher) sendGroup(ctx context.Context, g *group) error {
	if d.cfg.Breaker != nil && !d.cfg.Breaker.Allow() {
		d.count(ctx, d.metrics().BreakerRejects)
		return fmt.Errorf("circuit breaker refused send")
	}

	text := renderGroup(g, d.cfg.MaxLines)
	d.count(ctx, d.metrics().GatewaySends)
	start := d.clock.Now()
	err := d.cfg.Gateway.NotifyAgent(ctx, g.agentID, g.taskID, text, d.cfg.CallTimeout)
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.InvokeDuration.Record(ctx, d.clock.Since(start).Seconds())
	}
	if err != nil {
		d.count(ctx, d.metrics().GatewaySendErrors)
		return err
	}

	ids := make([]string, 0, len(g.items))
	for _, n := range g.items {
		ids = append(ids, n.ID)
		d.sent.Set(n.ID, struct{}{}, ttlcache.DefaultTTL)
	}
	if err := d.cfg.Store.MarkNotificationsDelivered(ctx, ids, d.clock.Now()); err != nil {
		// The send happened; the sent cache suppresses an immediate
		// resend while the store recovers.
		d.logger.Error("mark delivered failed", "agent_id", g.agentID, "error", err)
		return nil
	}
	d.count(ctx, d.metrics().NotificationsSent)
	d.logger.Info("notification group delivered",
		"agent_id", g.agentID, "task_id", g.taskID, "count", len(g.items))
	return nil
}

// renderGroup renders at most maxLines notification lines plus a "+N more"
// elision. Bounding the rendered body is the core cost-control mechanism:
// one gateway call per group, regardless of group size.
func renderGroup(g *group, maxLines int) string {
	text := ""
	shown := len(g.items)
	if shown > maxLines {
		shown = maxLines
	}
	for i := 0; i < shown; i++ {
		if i > 0 {
			text += "\n"
		}
		text += "- " + g.items[i].Content
	}
	if extra := len(g.items) - shown; extra > 0 {
		text += fmt.Sprintf("\n(+%d more)", extra)
	}
	return text
}

// metrics returns the wired instruments, or a zero value so call sites can
// stay unconditional.
func (d *Dispatcher) metrics() *telemetry.Metrics {
	if d.cfg.Metrics == nil {
		return &telemetry.Metrics{}
	}
	return d.cfg.Metrics
}

// count increments a counter when metrics are wired.
func (d *Dispatcher) count(ctx context.Context, counter metric.Int64Counter) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1)
}
