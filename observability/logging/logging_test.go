package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSetupEmitsStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("custodyd", "test", Options{Level: slog.LevelDebug, Output: &buf})
	logger.Debug("sentinel tick", slog.Int("wallets", 3))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["service"] != "custodyd" || entry["env"] != "test" {
		t.Fatalf("missing service attributes: %v", entry)
	}
	if entry["severity"] != "DEBUG" || entry["message"] != "sentinel tick" {
		t.Fatalf("unexpected envelope: %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("timestamp key missing: %v", entry)
	}
}

func TestMaskField(t *testing.T) {
	if attr := MaskField("funding_key", "0xdeadbeef"); attr.Value.String() != RedactedValue {
		t.Fatalf("expected funding key to be masked, got %q", attr.Value.String())
	}
	if attr := MaskField("wallet", "0xabc"); attr.Value.String() != "0xabc" {
		t.Fatalf("wallet should be allowlisted, got %q", attr.Value.String())
	}
}

func TestMaskURL(t *testing.T) {
	masked := MaskURL("https://bsc.example.com/v1/secret-api-key?token=1")
	if strings.Contains(masked, "secret-api-key") || strings.Contains(masked, "token") {
		t.Fatalf("credentials leaked: %s", masked)
	}
	if !strings.HasPrefix(masked, "https://bsc.example.com") {
		t.Fatalf("host should be preserved: %s", masked)
	}
	if MaskURL("not a url") != RedactedValue {
		t.Fatalf("unparseable urls must be fully redacted")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}
