package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/missionctl/internal/config"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.LogLevel)
	}
	if cfg.Notify.DebounceMillis != 750 {
		t.Errorf("debounce = %d, want 750", cfg.Notify.DebounceMillis)
	}
	if cfg.Lease.MaxAutoNudges != 2 {
		t.Errorf("max auto nudges = %d, want 2", cfg.Lease.MaxAutoNudges)
	}
	if cfg.Workflow.MaxIterations != 200 {
		t.Errorf("max iterations = %d, want 200", cfg.Workflow.MaxIterations)
	}
	if cfg.Store.Path != filepath.Join(dir, "mission.db") {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
}

func TestLoadAppliesFileValues(t *testing.T) {
	dir := t.TempDir()
	yaml := `
log_level: debug
gateway:
  url: ws://gw.internal:9000/ws
  call_timeout_seconds: 5
notify:
  debounce_millis: 100
  breaker_calls_per_minute: 7
lease:
  duration_minutes: 15
agents:
  lead_agent_id: lead
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.URL != "ws://gw.internal:9000/ws" {
		t.Errorf("gateway url = %q", cfg.Gateway.URL)
	}
	if cfg.CallTimeout() != 5*time.Second {
		t.Errorf("call timeout = %v", cfg.CallTimeout())
	}
	if cfg.Notify.BreakerCallsPerMinute != 7 {
		t.Errorf("breaker ceiling = %d", cfg.Notify.BreakerCallsPerMinute)
	}
	if cfg.LeaseDuration() != 15*time.Minute {
		t.Errorf("lease duration = %v", cfg.LeaseDuration())
	}
	if cfg.Agents.LeadAgentID != "lead" {
		t.Errorf("lead agent = %q", cfg.Agents.LeadAgentID)
	}
	// Unset keys still get defaults.
	if cfg.Notify.SafetyNetSeconds != 60 {
		t.Errorf("safety net = %d, want 60", cfg.Notify.SafetyNetSeconds)
	}
}

func TestLoadRejectsOutOfRangeValues(t *testing.T) {
	dir := t.TempDir()
	yaml := "notify:\n  breaker_calls_per_minute: 100000\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := config.Load(dir)
	if err == nil || !strings.Contains(err.Error(), "breaker_calls_per_minute") {
		t.Fatalf("expected breaker ceiling error, got %v", err)
	}
}

func TestHomeDirEnvOverride(t *testing.T) {
	t.Setenv("MISSIONCTL_HOME", "/tmp/mc-test-home")
	if got := config.HomeDir(); got != "/tmp/mc-test-home" {
		t.Fatalf("HomeDir = %q", got)
	}
}
