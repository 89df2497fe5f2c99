package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewLogger_ComponentAttribute(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger(Options{Writer: &buf, Component: "dispatcher"})
	lg.Info("hello")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatal(err)
	}
	if record["component"] != "dispatcher" {
		t.Fatalf("missing component attribute: %v", record)
	}
}

func TestNewLogger_VerboseEnablesDebug(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger(Options{Writer: &buf, Level: "warn", Verbose: true})
	if !lg.Enabled(nil, slog.LevelDebug) {
		t.Fatal("verbose should enable debug")
	}
	quiet := NewLogger(Options{Writer: &buf, Level: "warn"})
	if quiet.Enabled(nil, slog.LevelInfo) {
		t.Fatal("warn level should suppress info")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
