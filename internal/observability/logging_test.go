package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerRedactsTokens(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info(context.Background(), "connecting", "detail", "token: abcdefghij0123456789")

	out := buf.String()
	if strings.Contains(out, "abcdefghij0123456789") {
		t.Errorf("token leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker in output: %s", out)
	}
}

func TestLoggerRedactsSensitiveMapKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info(context.Background(), "login", "params", map[string]any{
		"credential": "super-secret-value",
		"bot_id":     "qq_1",
	})

	out := buf.String()
	if strings.Contains(out, "super-secret-value") {
		t.Errorf("credential leaked: %s", out)
	}
	if !strings.Contains(out, "qq_1") {
		t.Errorf("non-sensitive value dropped: %s", out)
	}
}

func TestLoggerContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	ctx := AddBotID(context.Background(), "qq_42")
	ctx = AddRequestID(ctx, "req-1")
	logger.Info(ctx, "dispatch")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("invalid JSON log record: %v", err)
	}
	if record["bot_id"] != "qq_42" {
		t.Errorf("bot_id = %v", record["bot_id"])
	}
	if record["request_id"] != "req-1" {
		t.Errorf("request_id = %v", record["request_id"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Debug(context.Background(), "hidden")
	logger.Info(context.Background(), "also hidden")
	logger.Warn(context.Background(), "visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("level filtering failed: %s", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warn record missing: %s", out)
	}
}
