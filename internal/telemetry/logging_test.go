package telemetry

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_WritesJSONLWithTimestampKey(t *testing.T) {
	dir := t.TempDir()
	logger, _, closer, err := NewLogger(dir, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("hello", "k", "v")
	closer.Close()

	line := readFirstLogLine(t, dir)
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, line)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatal("time key not renamed to timestamp")
	}
	if entry["msg"] != "hello" || entry["k"] != "v" {
		t.Fatalf("entry = %v", entry)
	}
	if entry["component"] != "relay" {
		t.Fatalf("component = %v", entry["component"])
	}
}

func TestNewLogger_RedactsSensitiveKeys(t *testing.T) {
	dir := t.TempDir()
	logger, _, closer, err := NewLogger(dir, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("auth", "api_key", "sk-very-secret", "bot_token", "123456789:AAAA")
	closer.Close()

	line := readFirstLogLine(t, dir)
	if strings.Contains(line, "sk-very-secret") || strings.Contains(line, "123456789:AAAA") {
		t.Fatalf("secret leaked into log: %q", line)
	}
	if !strings.Contains(line, "[REDACTED]") {
		t.Fatalf("no redaction marker in %q", line)
	}
}

func TestNewLogger_RedactsBotTokenInValues(t *testing.T) {
	dir := t.TempDir()
	logger, _, closer, err := NewLogger(dir, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Warn("request failed",
		"url", "https://api.telegram.org/bot123456789:AAbbCCddEEffGGhhIIjjKKllMMnnOOppQQ/sendMessage")
	closer.Close()

	line := readFirstLogLine(t, dir)
	if strings.Contains(line, "123456789:AA") {
		t.Fatalf("bot token leaked: %q", line)
	}
}

func TestNewLogger_LevelVarControlsOutput(t *testing.T) {
	dir := t.TempDir()
	logger, level, closer, err := NewLogger(dir, "warn", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("suppressed")
	level.Set(slog.LevelInfo)
	logger.Info("visible")
	closer.Close()

	data, err := os.ReadFile(filepath.Join(dir, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	content := string(data)
	if strings.Contains(content, "suppressed") {
		t.Fatal("info line logged at warn level")
	}
	if !strings.Contains(content, "visible") {
		t.Fatal("info line missing after level lowered")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func readFirstLogLine(t *testing.T, dir string) string {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("log file empty")
	}
	return scanner.Text()
}
