package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/config"
)

func TestLoadFrom_Defaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected log level info, got %q", cfg.LogLevel)
	}
	if cfg.DBPath != filepath.Join(home, "notifier.db") {
		t.Fatalf("expected db under home, got %q", cfg.DBPath)
	}
	if cfg.LockTimeout() != 2*time.Second {
		t.Fatalf("expected 2s lock timeout, got %v", cfg.LockTimeout())
	}
	if cfg.RetentionTaskDays != 7 || cfg.RetentionThreadDays != 30 {
		t.Fatalf("unexpected retention defaults: tasks=%d threads=%d", cfg.RetentionTaskDays, cfg.RetentionThreadDays)
	}
	if cfg.SweepCron != "0 * * * *" {
		t.Fatalf("unexpected sweep cron default: %q", cfg.SweepCron)
	}
}

func TestLoadFrom_YAMLFile(t *testing.T) {
	home := t.TempDir()
	raw := `
log_level: debug
lock_timeout_ms: 500
retention_task_days: 3
channels:
  telegram:
    token: "123456789:AAexampleexampleexampleexampleexam"
    chat_id: -100123
    enabled: true
`
	if err := os.WriteFile(config.ConfigPath(home), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected debug, got %q", cfg.LogLevel)
	}
	if cfg.LockTimeout() != 500*time.Millisecond {
		t.Fatalf("expected 500ms lock timeout, got %v", cfg.LockTimeout())
	}
	if cfg.RetentionTaskDays != 3 {
		t.Fatalf("expected 3 day retention, got %d", cfg.RetentionTaskDays)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.ChatID != -100123 {
		t.Fatalf("unexpected telegram config: %+v", cfg.Channels.Telegram)
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CC_NOTIFIER_LOG_LEVEL", "warn")
	t.Setenv("CC_NOTIFIER_LOCK_TIMEOUT_MS", "750")
	t.Setenv("TELEGRAM_TOKEN", "123456789:AAexampleexampleexampleexampleexam")
	t.Setenv("CC_NOTIFIER_CHAT_ID", "42")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected warn, got %q", cfg.LogLevel)
	}
	if cfg.LockTimeoutMillis != 750 {
		t.Fatalf("expected 750ms, got %d", cfg.LockTimeoutMillis)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.ChatID != 42 {
		t.Fatalf("expected telegram enabled via env, got %+v", cfg.Channels.Telegram)
	}
}

func TestLoadFrom_InvalidValuesNormalized(t *testing.T) {
	home := t.TempDir()
	raw := `
lock_timeout_ms: -5
retention_task_days: -1
sweep_interval_minutes: 0
`
	if err := os.WriteFile(config.ConfigPath(home), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LockTimeout() != 2*time.Second {
		t.Fatalf("expected default lock timeout, got %v", cfg.LockTimeout())
	}
	if cfg.RetentionTaskDays != 0 {
		t.Fatalf("expected negative retention clamped to 0, got %d", cfg.RetentionTaskDays)
	}
	if cfg.SweepInterval() != 360*time.Minute {
		t.Fatalf("expected default sweep interval, got %v", cfg.SweepInterval())
	}
}

func TestHomeDir_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CC_NOTIFIER_HOME", dir)
	if got := config.HomeDir(); got != dir {
		t.Fatalf("expected %q, got %q", dir, got)
	}
}
