package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config LogConfig
	}{
		{name: "json format", config: LogConfig{Level: "info", Format: "json"}},
		{name: "text format", config: LogConfig{Level: "debug", Format: "text"}},
		{name: "defaults", config: LogConfig{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Fatal("NewLogger() returned nil")
			}
			if logger.Slog() == nil {
				t.Error("Slog() is nil")
			}
		})
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})

	ctx := context.Background()
	logger.Debug(ctx, "debug message")
	logger.Info(ctx, "info message")
	logger.Warn(ctx, "warn message")

	output := buf.String()
	if strings.Contains(output, "debug message") || strings.Contains(output, "info message") {
		t.Errorf("messages below warn were logged: %s", output)
	}
	if !strings.Contains(output, "warn message") {
		t.Errorf("warn message missing: %s", output)
	}
}

func TestLoggerContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	ctx := AddRequestID(context.Background(), "req-1")
	ctx = AddSessionID(ctx, "default")
	logger.Info(ctx, "analyze", "iterations", 2)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON log output: %v", err)
	}
	if entry["request_id"] != "req-1" {
		t.Errorf("request_id = %v, want req-1", entry["request_id"])
	}
	if entry["session_id"] != "default" {
		t.Errorf("session_id = %v, want default", entry["session_id"])
	}
	if entry["iterations"] != float64(2) {
		t.Errorf("iterations = %v, want 2", entry["iterations"])
	}
}

func TestLoggerRedaction(t *testing.T) {
	tests := []struct {
		name   string
		secret string
	}{
		{name: "openai key", secret: "sk-abcdefghijklmnopqrstuvwxyz0123456789ABCD"},
		{name: "anthropic key", secret: "sk-ant-REDACTED"},
		{name: "tavily key", secret: "tvly-abcdefghijklmnop1234"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})
			logger.Error(context.Background(), "provider failed", "error", errors.New("bad key "+tt.secret))

			if strings.Contains(buf.String(), tt.secret) {
				t.Errorf("secret leaked into log output: %s", buf.String())
			}
			if !strings.Contains(buf.String(), "[REDACTED]") {
				t.Errorf("expected redaction marker in %s", buf.String())
			}
		})
	}
}

func TestSlogRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf}).Slog()

	logger.With("api_key", "plain-value").Info("config loaded",
		"endpoint", "https://api.tavily.com",
		"error", errors.New("token: abcdefghijklmnopqrstuv"),
	)

	out := buf.String()
	if strings.Contains(out, "plain-value") {
		t.Errorf("api_key attribute not redacted: %s", out)
	}
	if strings.Contains(out, "abcdefghijklmnopqrstuv") {
		t.Errorf("token in error not redacted: %s", out)
	}
	if !strings.Contains(out, "https://api.tavily.com") {
		t.Errorf("non-sensitive attribute lost: %s", out)
	}
}

func TestRedactMap(t *testing.T) {
	logger := NewLogger(LogConfig{Output: &bytes.Buffer{}})
	got := logger.redactMap(map[string]any{
		"Api-Key": "xyz",
		"query":   "sales",
	})
	if got["Api-Key"] != "[REDACTED]" {
		t.Errorf("Api-Key = %v, want [REDACTED]", got["Api-Key"])
	}
	if got["query"] != "sales" {
		t.Errorf("query = %v, want sales", got["query"])
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LogLevelFromString(tt.input); got != tt.want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
