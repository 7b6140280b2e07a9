package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stevebraown/StateRail/internal/config"
)

func TestJSONLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: config.LogLevelWarn, Format: config.LogFormatJSON}, &buf)

	logger.Info("hidden")
	WithRun(logger, "run-1").Warn("shown", "step", "A")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["msg"] != "shown" || rec["run_id"] != "run-1" || rec["step"] != "A" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestTextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: config.LogLevelDebug, Format: config.LogFormatText}, &buf)
	logger.Debug("details", "k", "v")

	if out := buf.String(); !strings.Contains(out, "msg=details") || !strings.Contains(out, "k=v") {
		t.Fatalf("unexpected text output %q", out)
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	if got := parseLevel("chatty"); got.String() != "INFO" {
		t.Fatalf("expected INFO, got %s", got)
	}
}
