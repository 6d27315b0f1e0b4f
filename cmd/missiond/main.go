// missiond is the agent task-coordination daemon: it watches the record
// store's change feed and runs the lifecycle reactor, notification
// dispatcher, lease enforcer, manual workflow interpreter, and daily
// digest scheduler against it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/basket/missionctl/internal/agents"
	"github.com/basket/missionctl/internal/bus"
	"github.com/basket/missionctl/internal/config"
	"github.com/basket/missionctl/internal/digest"
	"github.com/basket/missionctl/internal/gateway"
	"github.com/basket/missionctl/internal/lease"
	"github.com/basket/missionctl/internal/notify"
	"github.com/basket/missionctl/internal/reactor"
	"github.com/basket/missionctl/internal/store"
	"github.com/basket/missionctl/internal/telemetry"
	"github.com/basket/missionctl/internal/workflow"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	var (
		configFlag  = flag.String("config", "", "path to config.yaml (default: <home>/config.yaml)")
		homeFlag    = flag.String("home", "", "data directory (default: $MISSIONCTL_HOME or ~/.missionctl)")
		logLevel    = flag.String("log-level", "", "override configured log level (debug|info|warn|error)")
		versionFlag = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *versionFlag {
		fmt.Println("missiond", Version)
		return
	}

	if err := run(*homeFlag, *configFlag, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "missiond:", err)
		os.Exit(1)
	}
}

func run(homeDir, configPath, logLevel string) error {
	if homeDir == "" {
		homeDir = config.HomeDir()
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}
	if configPath != "" {
		// The loader reads <dir>/config.yaml; -config points it elsewhere.
		homeDir = filepath.Dir(configPath)
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger, levelVar, logCloser, err := telemetry.NewLogger(homeDir, cfg.LogLevel, false)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("missiond starting", "version", Version, "home", homeDir)

	otelProvider, err := telemetry.Init(ctx, cfg.Otel)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	eventBus := bus.New()

	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = filepath.Join(homeDir, "mission.db")
	}
	st, err := store.Open(dbPath, eventBus)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	registry := agents.NewRegistry(agents.Config{
		Store:       st,
		Logger:      logger,
		LeadAgentID: cfg.Agents.LeadAgentID,
	})
	if err := registry.Start(ctx, time.Duration(cfg.Agents.RefreshSeconds)*time.Second); err != nil {
		return fmt.Errorf("start agent registry: %w", err)
	}
	defer registry.Stop()

	gw := gateway.New(gateway.Config{
		URL:         cfg.Gateway.URL,
		Token:       cfg.Gateway.Token,
		Logger:      logger,
		CallTimeout: cfg.CallTimeout(),
	})
	defer gw.Close()

	breaker := notify.NewBreaker(
		cfg.Notify.BreakerCallsPerMinute,
		time.Duration(cfg.Notify.BreakerCooldownSeconds)*time.Second,
		nil,
	)
	dispatcher := notify.New(notify.Config{
		Store:       st,
		Gateway:     gw,
		Resolver:    registry,
		Breaker:     breaker,
		Logger:      logger,
		Metrics:     metrics,
		Debounce:    cfg.Debounce(),
		SafetyNet:   time.Duration(cfg.Notify.SafetyNetSeconds) * time.Second,
		MaxLines:    cfg.Notify.MaxLinesPerGroup,
		PageSize:    cfg.Notify.PageSize,
		CallTimeout: cfg.CallTimeout(),
		SentTTL:     time.Duration(cfg.Notify.SentMemoryMinutes) * time.Minute,
	})
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	interpreter := workflow.New(workflow.Config{
		Store:         st,
		Gateway:       gw,
		Directory:     registry,
		Logger:        logger,
		Metrics:       metrics,
		StepTimeout:   cfg.StepTimeout(),
		MaxIterations: cfg.Workflow.MaxIterations,
		TraceLimit:    cfg.Workflow.TraceLimit,
	})

	newReactor := func(feed store.Feed) *reactor.Reactor {
		return reactor.New(reactor.Config{
			Store:         st,
			Feed:          feed,
			Directory:     registry,
			Runner:        interpreter,
			Logger:        logger,
			LeaseDuration: cfg.LeaseDuration(),
		})
	}
	react := newReactor(store.NewPushFeed(eventBus))
	if err := react.Start(ctx); err != nil {
		logger.Warn("push feed unavailable, falling back to poll feed", "error", err)
		react = newReactor(store.NewPollFeed(st, logger, 2*time.Second))
		if err := react.Start(ctx); err != nil {
			return fmt.Errorf("start reactor: %w", err)
		}
	}
	defer react.Stop()

	enforcer := lease.New(lease.Config{
		Store:         st,
		Directory:     registry,
		Logger:        logger,
		Metrics:       metrics,
		SweepInterval: time.Duration(cfg.Lease.SweepSeconds) * time.Second,
		LeaseDuration: cfg.LeaseDuration(),
		MaxAutoNudges: cfg.Lease.MaxAutoNudges,
	})
	enforcer.Start(ctx)
	defer enforcer.Stop()

	var digester *digest.Digest
	if cfg.Digest.Enabled {
		digester, err = digest.New(digest.Config{
			Store:         st,
			Logger:        logger,
			Schedule:      cfg.Digest.Cron,
			CheckInterval: time.Duration(cfg.Digest.CheckSeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("init digest: %w", err)
		}
		digester.Start(ctx)
		defer digester.Stop()
	}

	// Notification creates kick the dispatcher; the safety-net ticker
	// inside the dispatcher catches anything this subscription misses.
	notifySub := eventBus.Subscribe(bus.TopicNotifyPending)
	defer eventBus.Unsubscribe(notifySub)
	go func() {
		for range notifySub.Ch() {
			dispatcher.ScheduleDeliver()
		}
	}()

	watcher := config.NewWatcher(homeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.Load(homeDir)
				if err != nil {
					logger.Warn("config reload failed", "error", err)
					continue
				}
				levelVar.Set(telemetry.ParseLevel(reloaded.LogLevel))
				logger.Info("config reloaded", "log_level", reloaded.LogLevel)
				if reloaded.Gateway != cfg.Gateway || reloaded.Store != cfg.Store {
					logger.Warn("gateway/store changes require a restart")
				}
			}
		}()
	}

	logger.Info("missiond ready")
	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}
