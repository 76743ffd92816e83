package telemetry

import "testing"

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug":   "DEBUG",
		"WARN":    "WARN",
		"warning": "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"bogus":   "INFO",
	}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestShouldRedactKey(t *testing.T) {
	for _, k := range []string{"api_key", "Authorization", "nats_token", "DSN", "password"} {
		if !shouldRedactKey(k) {
			t.Errorf("expected %q to be redacted", k)
		}
	}
	if shouldRedactKey("agent_id") {
		t.Errorf("expected agent_id to not be redacted")
	}
}

func TestRedactStringValue(t *testing.T) {
	if v, ok := redactStringValue("Bearer sometoken12345678"); !ok || v != "[REDACTED]" {
		t.Errorf("expected full redaction, got %q ok=%v", v, ok)
	}
	if v, ok := redactStringValue("hello world"); ok || v != "hello world" {
		t.Errorf("expected no redaction, got %q ok=%v", v, ok)
	}
}

func TestNewLoggerWritesComponentScopedFile(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(dir, "coordinator", "debug", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer closer.Close()
	if logger == nil {
		t.Fatalf("expected non-nil logger")
	}
	logger.Info("hello")
}
