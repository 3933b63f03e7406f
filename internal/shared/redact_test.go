package shared

import (
	"strings"
	"testing"
)

func TestRedact_TelegramBotToken(t *testing.T) {
	input := "adapter auth failed for token 123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1"
	result := Redact(input)
	if strings.Contains(result, "AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1") {
		t.Fatalf("bot token survived redaction: %q", result)
	}
	if !strings.Contains(result, "[REDACTED]") {
		t.Fatalf("expected [REDACTED] marker, got %q", result)
	}
}

func TestRedact_BearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	result := Redact(input)
	if result != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", result)
	}
}

func TestRedact_WebhookSecret(t *testing.T) {
	input := `webhook_secret=hunter2hunter2`
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
	if !strings.HasPrefix(result, "webhook_secret") {
		t.Fatalf("expected key prefix to survive, got %q", result)
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "dialog bot1/telegram/555 entered fault: unknown step \"oops\""
	if result := Redact(input); result != input {
		t.Fatalf("expected no redaction, got %q", result)
	}
}

func TestRedact_Empty(t *testing.T) {
	if result := Redact(""); result != "" {
		t.Fatalf("expected empty, got %q", result)
	}
}

func TestRedactEnvValue(t *testing.T) {
	cases := []struct {
		key, value string
		expect     string
	}{
		{"TELEGRAM_BOT_TOKEN", "some-secret", "[REDACTED]"},
		{"webhook_secret", "abc123", "[REDACTED]"},
		{"password", "s3cret", "[REDACTED]"},
		{"DIALOGENGINE_BIND_ADDR", "127.0.0.1:18790", "127.0.0.1:18790"},
		{"DIALOGENGINE_LOG_LEVEL", "info", "info"},
	}
	for _, tc := range cases {
		got := RedactEnvValue(tc.key, tc.value)
		if got != tc.expect {
			t.Errorf("RedactEnvValue(%q, %q) = %q, want %q", tc.key, tc.value, got, tc.expect)
		}
	}
}
