// Package config loads notifier settings from <home>/config.yaml with
// environment overrides. Missing or empty config falls back to defaults; the
// notifier must keep working (degraded) with no configuration at all.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TelegramConfig holds the notification channel settings. ChatID is the
// channel every session thread is anchored in.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
	Enabled bool   `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// ObservabilityConfig mirrors the OTel provider settings. Disabled by default;
// hook invocations are too short-lived to justify an exporter unless asked for.
type ObservabilityConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// Cross-process lock tuning. Timeout bounds every acquisition; a lock file
	// older than the stale window left by a crashed holder is reclaimed.
	LockTimeoutMillis int `yaml:"lock_timeout_ms"`
	LockStaleSeconds  int `yaml:"lock_stale_seconds"`

	// Retention windows (days). 0 disables eviction for that table.
	RetentionTaskDays   int `yaml:"retention_task_days"`
	RetentionThreadDays int `yaml:"retention_thread_days"`

	// SweepIntervalMinutes gates the on-access sweep; SweepCron drives the
	// standalone `sweep -watch` loop (5-field cron expression).
	SweepIntervalMinutes int    `yaml:"sweep_interval_minutes"`
	SweepCron            string `yaml:"sweep_cron"`

	Channels      ChannelsConfig      `yaml:"channels"`
	Observability ObservabilityConfig `yaml:"observability"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:             "info",
		LockTimeoutMillis:    int((2 * time.Second).Milliseconds()),
		LockStaleSeconds:     30,
		RetentionTaskDays:    7,
		RetentionThreadDays:  30,
		SweepIntervalMinutes: 360,
		SweepCron:            "0 * * * *",
		Observability: ObservabilityConfig{
			Exporter:   "stdout",
			SampleRate: 1.0,
		},
	}
}

// HomeDir returns the notifier data directory, honoring the env override.
func HomeDir() string {
	if override := os.Getenv("CC_NOTIFIER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".cc-notifier")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads configuration rooted at the given home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create notifier home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "notifier.db")
	}
	if cfg.LockTimeoutMillis <= 0 {
		cfg.LockTimeoutMillis = int((2 * time.Second).Milliseconds())
	}
	if cfg.LockStaleSeconds <= 0 {
		cfg.LockStaleSeconds = 30
	}
	if cfg.RetentionTaskDays < 0 {
		cfg.RetentionTaskDays = 0
	}
	if cfg.RetentionThreadDays < 0 {
		cfg.RetentionThreadDays = 0
	}
	if cfg.SweepIntervalMinutes <= 0 {
		cfg.SweepIntervalMinutes = 360
	}
	if cfg.SweepCron == "" {
		cfg.SweepCron = "0 * * * *"
	}
	if cfg.Observability.Exporter == "" {
		cfg.Observability.Exporter = "stdout"
	}
	if cfg.Observability.SampleRate <= 0 {
		cfg.Observability.SampleRate = 1.0
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CC_NOTIFIER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CC_NOTIFIER_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CC_NOTIFIER_LOCK_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.LockTimeoutMillis = v
		}
	}
	if raw := os.Getenv("CC_NOTIFIER_LOCK_STALE_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.LockStaleSeconds = v
		}
	}
	if raw := os.Getenv("CC_NOTIFIER_RETENTION_TASK_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RetentionTaskDays = v
		}
	}
	if raw := os.Getenv("CC_NOTIFIER_RETENTION_THREAD_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RetentionThreadDays = v
		}
	}
	if raw := os.Getenv("CC_NOTIFIER_SWEEP_INTERVAL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SweepIntervalMinutes = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
		cfg.Channels.Telegram.Enabled = true
	}
	if raw := os.Getenv("CC_NOTIFIER_CHAT_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Channels.Telegram.ChatID = v
		}
	}
}

// LockTimeout returns the lock acquisition bound as a duration.
func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMillis) * time.Millisecond
}

// LockStale returns the stale-lock reclaim window as a duration.
func (c Config) LockStale() time.Duration {
	return time.Duration(c.LockStaleSeconds) * time.Second
}

// SweepInterval returns the minimum gap between on-access sweeps.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}
