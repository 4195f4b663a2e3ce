package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New(Config{Level: "debug"}, &buf), "quota")
	logger.Debug().Str("provider", "google").Msg("window reset")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output should be JSON: %v (%s)", err, buf.String())
	}
	if line["component"] != "quota" || line["provider"] != "google" || line["level"] != "debug" {
		t.Fatalf("unexpected fields %v", line)
	}
	if _, ok := line["time"]; !ok {
		t.Fatalf("timestamp missing: %v", line)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn"}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("level filter not applied: %s", buf.String())
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: "console"}, &buf)
	logger.Info().Msg("hello")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("console format should not be JSON: %s", buf.String())
	}
}
