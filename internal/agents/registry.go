// Package agents maintains an in-memory index of known agents and resolves
// caller-supplied identifiers to authoritative agent ids.
package agents

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/missionctl/internal/store"
)

// Registry resolves agent identifiers against the agents collection.
// Unresolvable identifiers are never auto-created: a typo'd mention must
// not mint a new agent and start receiving gateway traffic.
type Registry struct {
	store  *store.Store
	logger *slog.Logger
	lead   string

	mu    sync.RWMutex
	byKey map[string]string // lowercase id/name/alias -> agent id
	ids   []string          // load order, for Lead() fallback

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds the dependencies for the registry.
type Config struct {
	Store       *store.Store
	Logger      *slog.Logger
	LeadAgentID string
	// RefreshInterval is how often the index reloads; defaults to 5 minutes.
	RefreshInterval time.Duration
}

// NewRegistry creates a Registry. Call Refresh (or Start) before resolving.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  cfg.Store,
		logger: logger,
		lead:   cfg.LeadAgentID,
		byKey:  make(map[string]string),
	}
}

// Start loads the index and begins the periodic refresh loop.
func (r *Registry) Start(ctx context.Context, refreshInterval time.Duration) error {
	if refreshInterval <= 0 {
		refreshInterval = 5 * time.Minute
	}
	if err := r.Refresh(ctx); err != nil {
		return err
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Refresh(ctx); err != nil {
					r.logger.Error("agent registry refresh failed", "error", err)
				}
			}
		}
	}()
	r.logger.Info("agent registry started", "refresh_interval", refreshInterval)
	return nil
}

// Stop halts the refresh loop.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Refresh reloads the index from the store.
func (r *Registry) Refresh(ctx context.Context) error {
	records, err := r.store.ListAgents(ctx)
	if err != nil {
		return err
	}

	byKey := make(map[string]string, len(records)*2)
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.Status != "active" {
			continue
		}
		ids = append(ids, rec.ID)
		byKey[strings.ToLower(rec.ID)] = rec.ID
		if rec.Name != "" {
			byKey[strings.ToLower(rec.Name)] = rec.ID
		}
		for _, alias := range rec.Aliases {
			if alias != "" {
				byKey[strings.ToLower(alias)] = rec.ID
			}
		}
	}

	r.mu.Lock()
	r.byKey = byKey
	r.ids = ids
	r.mu.Unlock()

	r.logger.Debug("agent registry refreshed", "agents", len(ids))
	return nil
}

// Resolve maps an identifier (id, name, or alias; case-insensitive) to the
// authoritative agent id.
func (r *Registry) Resolve(identifier string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(identifier))
	if key == "" {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[key]
	return id, ok
}

// Lead returns the configured lead agent id, falling back to the first
// loaded agent when unconfigured.
func (r *Registry) Lead() string {
	if r.lead != "" {
		return r.lead
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.ids) > 0 {
		return r.ids[0]
	}
	return ""
}

// Known returns the number of indexed agents.
func (r *Registry) Known() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}
