package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewWritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	l := Component(New(Config{Level: "info", Output: &buf}), "promotion")
	l.Info().Str("kind", "template").Int64("entity_id", 4).Msg("promoted")
	l.Debug().Msg("hidden")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected 1 line at info level, got %d: %s", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	for key, want := range map[string]any{
		"service":   "wiser",
		"component": "promotion",
		"kind":      "template",
		"message":   "promoted",
	} {
		if entry[key] != want {
			t.Fatalf("%s = %v, want %v", key, entry[key], want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
