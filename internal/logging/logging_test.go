package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(slog.LevelInfo, "json", "1.2.3", &buf)

	logger.Debug("hidden")
	logger.Info("[BLE] connected", "address", "…03F7")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if rec["service"] != "btlightd" || rec["version"] != "1.2.3" {
		t.Errorf("default attrs = %v/%v", rec["service"], rec["version"])
	}
	if rec["msg"] != "[BLE] connected" || rec["address"] != "…03F7" {
		t.Errorf("record = %v", rec)
	}
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger := New(slog.LevelDebug, "text", "dev", &buf)

	logger.Debug("[LIGHT] frame sent", "bytes", 7)

	out := buf.String()
	for _, want := range []string{"level=DEBUG", "service=btlightd", "version=dev", "bytes=7"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}
