package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/markahope-aag/hazardos-webhooks/internal/delivery"
	"github.com/markahope-aag/hazardos-webhooks/internal/webhooks"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Delivery.Timeout != 30*time.Second || cfg.Delivery.MaxAttempts != 5 {
		t.Fatalf("unexpected delivery defaults: %+v", cfg.Delivery)
	}
	policy := cfg.Delivery.RetryPolicy()
	if d, ok := policy.NextDelay(1); !ok || d != time.Minute {
		t.Fatalf("expected 1m after first attempt, got %v %v", d, ok)
	}
	if _, ok := policy.NextDelay(5); ok {
		t.Fatalf("expected fifth attempt to be terminal")
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "webhooks.yaml")
	content := `
server:
  port: 9090
delivery:
  timeout: 10s
  retry_schedule: ["30s", "2m"]
  max_attempts: 3
events:
  extra: ["crew.assigned"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("WEBHOOKS_DATABASE_HOST", "db.internal")
	t.Setenv("WEBHOOKS_SERVER_PORT", "9191")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Fatalf("expected env override 9191, got %d", cfg.Server.Port)
	}
	if cfg.Database.Host != "db.internal" {
		t.Fatalf("expected env database host, got %q", cfg.Database.Host)
	}
	if cfg.Delivery.Timeout != 10*time.Second {
		t.Fatalf("expected 10s timeout, got %v", cfg.Delivery.Timeout)
	}
	if len(cfg.Delivery.RetrySchedule) != 2 || cfg.Delivery.RetrySchedule[1] != 2*time.Minute {
		t.Fatalf("unexpected schedule: %v", cfg.Delivery.RetrySchedule)
	}
	if len(cfg.Events.Extra) != 1 || cfg.Events.Extra[0] != "crew.assigned" {
		t.Fatalf("unexpected extra events: %v", cfg.Events.Extra)
	}
	if got := cfg.Database.ToDatabase(); got.DBName != "webhooks" || got.Host != "db.internal" {
		t.Fatalf("unexpected database config: %+v", got)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Delivery.RecoveryDelay != webhooks.DefaultRecoveryDelay {
		t.Fatalf("expected default recovery delay, got %v", cfg.Delivery.RecoveryDelay)
	}

	cfg.Delivery.LockTTL = cfg.Delivery.Timeout
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected lock ttl validation error")
	}
	cfg.Delivery.LockTTL = 0
	cfg.Delivery.RecoveryDelay = cfg.Delivery.Timeout
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected recovery delay validation error")
	}
}

func TestRedisNewLockerWithoutURL(t *testing.T) {
	locker, closeFn, err := RedisConfig{}.NewLocker(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := locker.(delivery.NoopLocker); !ok {
		t.Fatalf("expected a no-op locker, got %T", locker)
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
