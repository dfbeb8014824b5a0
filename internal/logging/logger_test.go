package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "lattice.log")
	logger, err := New(Options{Level: "debug", File: path, Console: &console})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.With("run", "run-1").Debug("step completed", "step", "build")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if !strings.Contains(console.String(), "step completed") || !strings.Contains(console.String(), "run=run-1") {
		t.Fatalf("console output missing record: %q", console.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &record); err != nil {
		t.Fatalf("log file should hold JSON lines: %v (%q)", err, data)
	}
	if record["msg"] != "step completed" || record["run"] != "run-1" || record["step"] != "build" {
		t.Fatalf("unexpected record %v", record)
	}
}

func TestNewFiltersByLevel(t *testing.T) {
	var console bytes.Buffer
	logger, err := New(Options{Level: "warn", Console: &console})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(console.String(), "hidden") || !strings.Contains(console.String(), "shown") {
		t.Fatalf("unexpected output %q", console.String())
	}
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}
