package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogger_Redaction(t *testing.T) {
	tests := []struct {
		name string
		in   string
		leak string
	}{
		{"api key", "api_key=abcdef0123456789abcdef", "abcdef0123456789abcdef"},
		{"bearer token", "Bearer abcdefghijklmnop1234", "abcdefghijklmnop1234"},
		{"password", `password: hunter2hunter2`, "hunter2hunter2"},
		{"sk key", "sk-abcdefghijklmnopqrstuvwxyz0123456789", "sk-abcdefghijklmnopqrstuvwxyz0123456789"},
	}

	logger := NewLogger(LogConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := logger.Redact(tt.in)
			if strings.Contains(out, tt.leak) {
				t.Errorf("secret leaked through redaction: %q", out)
			}
			if !strings.Contains(out, "[REDACTED]") {
				t.Errorf("expected [REDACTED] marker in %q", out)
			}
		})
	}
}

func TestLogger_ContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, Format: "json"})

	ctx := WithConversationID(context.Background(), "conv-1")
	ctx = WithToolCallID(ctx, "call-9")
	logger.Info(ctx, "tool dispatched")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if record["conversation_id"] != "conv-1" {
		t.Errorf("conversation_id = %v, want conv-1", record["conversation_id"])
	}
	if record["tool_call_id"] != "call-9" {
		t.Errorf("tool_call_id = %v, want call-9", record["tool_call_id"])
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, Level: "warn"})

	logger.Info(context.Background(), "should not appear")
	if buf.Len() != 0 {
		t.Errorf("info log emitted at warn level: %s", buf.String())
	}

	logger.Warn(context.Background(), "should appear")
	if buf.Len() == 0 {
		t.Error("warn log suppressed at warn level")
	}
}
