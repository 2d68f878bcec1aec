package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLoggerWithWriters_FansOut(t *testing.T) {
	t.Parallel()

	var stderr, file bytes.Buffer
	log := NewLoggerWithWriters(&stderr, &file, "info")

	log.Debug("hidden")
	log.Info("session.open", "conversation_id", "c1")

	if strings.Contains(stderr.String(), "hidden") || strings.Contains(file.String(), "hidden") {
		t.Fatal("debug record leaked past info level")
	}
	if !strings.Contains(stderr.String(), "msg=session.open") {
		t.Fatalf("text output missing record: %q", stderr.String())
	}

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(file.Bytes()), &rec); err != nil {
		t.Fatalf("file output is not one JSON record: %v (%q)", err, file.String())
	}
	if rec["msg"] != "session.open" || rec["conversation_id"] != "c1" {
		t.Fatalf("unexpected record: %v", rec)
	}
}
