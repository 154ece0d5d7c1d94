package telemetry_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/telemetry"
)

func readLogLines(t *testing.T, homeDir string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(homeDir, "logs", "notifier.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("parse log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestNewLogger_WritesJSONWithTimestampKey(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := telemetry.NewLogger(home, "info", "", false)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("task started", "session_id", "s1")
	if err := closer.Close(); err != nil {
		t.Fatalf("close log file: %v", err)
	}

	lines := readLogLines(t, home)
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}
	if _, ok := lines[0]["timestamp"]; !ok {
		t.Fatalf("expected timestamp key, got %v", lines[0])
	}
	if lines[0]["component"] != "notifier" {
		t.Fatalf("expected component=notifier, got %v", lines[0]["component"])
	}
	if lines[0]["session_id"] != "s1" {
		t.Fatalf("expected session_id=s1, got %v", lines[0]["session_id"])
	}
}

func TestNewLogger_RedactsSensitiveKeys(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := telemetry.NewLogger(home, "info", "", false)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("configured", "telegram_token", "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1")
	_ = closer.Close()

	lines := readLogLines(t, home)
	if got := lines[0]["telegram_token"]; got != "[REDACTED]" {
		t.Fatalf("expected redacted token, got %v", got)
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := telemetry.NewLogger(home, "warn", "", false)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept")
	_ = closer.Close()

	lines := readLogLines(t, home)
	if len(lines) != 1 {
		t.Fatalf("expected only the warn line, got %d lines", len(lines))
	}
	if lines[0]["msg"] != "kept" {
		t.Fatalf("expected the warn line, got %v", lines[0]["msg"])
	}
}

func TestNewLogger_StampsGivenTraceID(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := telemetry.NewLogger(home, "info", "trace-fixed-1", false)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("task started")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	lines := readLogLines(t, home)
	if len(lines) == 0 {
		t.Fatal("expected at least one log line")
	}
	if got := lines[0]["trace_id"]; got != "trace-fixed-1" {
		t.Fatalf("expected trace_id trace-fixed-1, got %v", got)
	}
}
