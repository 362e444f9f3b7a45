package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"

	"queueboard/internal/config"
)

func TestConfigureJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := configure(log.New(), &buf, config.LogConfig{Level: "warn", Format: "json"})
	if err != nil {
		t.Fatal(err)
	}
	l.Info("dropped")
	l.WithField("queue", "q1").Warn("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["msg"] != "kept" || entry["queue"] != "q1" || entry["level"] != "warning" {
		t.Fatalf("entry = %v", entry)
	}
}

func TestConfigureRejects(t *testing.T) {
	for _, cfg := range []config.LogConfig{{Level: "loud"}, {Level: "info", Format: "xml"}} {
		if _, err := configure(log.New(), &bytes.Buffer{}, cfg); err == nil {
			t.Errorf("configure(%+v) should fail", cfg)
		}
	}
}
