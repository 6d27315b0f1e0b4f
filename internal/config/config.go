// Package config loads and validates the missionctl configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/missionctl/internal/telemetry"
)

// StoreConfig holds record store settings.
type StoreConfig struct {
	// Path to the sqlite database file. Defaults to <home>/mission.db.
	Path string `yaml:"path"`
}

// GatewayConfig holds agent gateway connection settings.
type GatewayConfig struct {
	// URL of the gateway websocket endpoint, e.g. ws://127.0.0.1:18789/ws.
	URL string `yaml:"url"`
	// Token is the bearer token sent on connect.
	Token string `yaml:"token"`
	// CallTimeoutSeconds bounds a single invoke for notification delivery.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
	// StepTimeoutSeconds bounds a workflow tool step. Typically longer than
	// the call timeout since tool steps do real external work.
	StepTimeoutSeconds int `yaml:"step_timeout_seconds"`
}

// NotifyConfig holds notification dispatcher settings.
type NotifyConfig struct {
	// DebounceMillis is the delay used to coalesce delivery passes.
	DebounceMillis int `yaml:"debounce_millis"`
	// SafetyNetSeconds is the interval of the catch-all delivery timer.
	SafetyNetSeconds int `yaml:"safety_net_seconds"`
	// MaxLinesPerGroup caps rendered lines per (agent, task) group before
	// the "+N more" elision.
	MaxLinesPerGroup int `yaml:"max_lines_per_group"`
	// PageSize bounds how many pending notifications one pass loads.
	PageSize int `yaml:"page_size"`
	// BreakerCallsPerMinute is the hard ceiling on gateway sends.
	BreakerCallsPerMinute int `yaml:"breaker_calls_per_minute"`
	// BreakerCooldownSeconds is how long the circuit stays open once tripped.
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds"`
	// SentMemoryMinutes is the TTL of the best-effort already-sent cache.
	SentMemoryMinutes int `yaml:"sent_memory_minutes"`
}

// LeaseConfig holds task lease and escalation settings.
type LeaseConfig struct {
	// DurationMinutes is the length of a fresh work lease.
	DurationMinutes int `yaml:"duration_minutes"`
	// MaxAutoNudges is the default nudge ceiling for tasks that do not set
	// their own.
	MaxAutoNudges int `yaml:"max_auto_nudges"`
	// SweepSeconds is the enforcer sweep interval.
	SweepSeconds int `yaml:"sweep_seconds"`
}

// AgentsConfig holds agent registry settings.
type AgentsConfig struct {
	// LeadAgentID receives @all mentions, escalations without a configured
	// escalation agent, and unowned in_progress assignments.
	LeadAgentID string `yaml:"lead_agent_id"`
	// RefreshSeconds is the registry reload interval.
	RefreshSeconds int `yaml:"refresh_seconds"`
}

// WorkflowConfig holds manual workflow interpreter settings.
type WorkflowConfig struct {
	// MaxIterations is the hard ceiling on driving-loop iterations per
	// invocation, guarding against looping definitions.
	MaxIterations int `yaml:"max_iterations"`
	// TraceLimit bounds the per-run trace ring.
	TraceLimit int `yaml:"trace_limit"`
}

// DigestConfig holds the daily digest settings.
type DigestConfig struct {
	Enabled bool `yaml:"enabled"`
	// Cron is a standard 5-field cron expression for when digests are due.
	Cron string `yaml:"cron"`
	// CheckSeconds is how often the due-check runs.
	CheckSeconds int `yaml:"check_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Store    StoreConfig      `yaml:"store"`
	Gateway  GatewayConfig    `yaml:"gateway"`
	Notify   NotifyConfig     `yaml:"notify"`
	Lease    LeaseConfig      `yaml:"lease"`
	Agents   AgentsConfig     `yaml:"agents"`
	Workflow WorkflowConfig   `yaml:"workflow"`
	Digest   DigestConfig     `yaml:"digest"`
	Otel     telemetry.Config `yaml:"otel"`
}

// HomeDir resolves the missionctl home directory: MISSIONCTL_HOME if set,
// otherwise ~/.missionctl.
func HomeDir() string {
	if env := os.Getenv("MISSIONCTL_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".missionctl")
}

// Default returns a Config with all defaults applied.
func Default(homeDir string) Config {
	cfg := Config{HomeDir: homeDir}
	cfg.applyDefaults()
	return cfg
}

// Load reads <homeDir>/config.yaml, applies defaults, and validates.
// A missing file yields the default configuration.
func Load(homeDir string) (Config, error) {
	cfg := Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.HomeDir = homeDir
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.HomeDir, "mission.db")
	}
	if c.Gateway.URL == "" {
		c.Gateway.URL = "ws://127.0.0.1:18789/ws"
	}
	if c.Gateway.CallTimeoutSeconds <= 0 {
		c.Gateway.CallTimeoutSeconds = 15
	}
	if c.Gateway.StepTimeoutSeconds <= 0 {
		c.Gateway.StepTimeoutSeconds = 120
	}
	if c.Notify.DebounceMillis <= 0 {
		c.Notify.DebounceMillis = 750
	}
	if c.Notify.SafetyNetSeconds <= 0 {
		c.Notify.SafetyNetSeconds = 60
	}
	if c.Notify.MaxLinesPerGroup <= 0 {
		c.Notify.MaxLinesPerGroup = 5
	}
	if c.Notify.PageSize <= 0 {
		c.Notify.PageSize = 200
	}
	if c.Notify.BreakerCallsPerMinute <= 0 {
		c.Notify.BreakerCallsPerMinute = 20
	}
	if c.Notify.BreakerCooldownSeconds <= 0 {
		c.Notify.BreakerCooldownSeconds = 120
	}
	if c.Notify.SentMemoryMinutes <= 0 {
		c.Notify.SentMemoryMinutes = 10
	}
	if c.Lease.DurationMinutes <= 0 {
		c.Lease.DurationMinutes = 30
	}
	if c.Lease.MaxAutoNudges <= 0 {
		c.Lease.MaxAutoNudges = 2
	}
	if c.Lease.SweepSeconds <= 0 {
		c.Lease.SweepSeconds = 10
	}
	if c.Agents.RefreshSeconds <= 0 {
		c.Agents.RefreshSeconds = 300
	}
	if c.Workflow.MaxIterations <= 0 {
		c.Workflow.MaxIterations = 200
	}
	if c.Workflow.TraceLimit <= 0 {
		c.Workflow.TraceLimit = 50
	}
	if c.Digest.Cron == "" {
		c.Digest.Cron = "0 9 * * *"
	}
	if c.Digest.CheckSeconds <= 0 {
		c.Digest.CheckSeconds = 60
	}
}

func (c *Config) validate() error {
	if c.Notify.MaxLinesPerGroup > 50 {
		return fmt.Errorf("notify.max_lines_per_group %d exceeds 50", c.Notify.MaxLinesPerGroup)
	}
	if c.Notify.BreakerCallsPerMinute > 600 {
		return fmt.Errorf("notify.breaker_calls_per_minute %d exceeds 600", c.Notify.BreakerCallsPerMinute)
	}
	if c.Lease.DurationMinutes > 24*60 {
		return fmt.Errorf("lease.duration_minutes %d exceeds one day", c.Lease.DurationMinutes)
	}
	return nil
}

// LeaseDuration returns the lease length as a Duration.
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.Lease.DurationMinutes) * time.Minute
}

// Debounce returns the dispatcher debounce delay as a Duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Notify.DebounceMillis) * time.Millisecond
}

// CallTimeout returns the gateway call timeout as a Duration.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Gateway.CallTimeoutSeconds) * time.Second
}

// StepTimeout returns the workflow tool step timeout as a Duration.
func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.Gateway.StepTimeoutSeconds) * time.Second
}
