package main

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"sealog/internal/config"
)

func TestLoggerWritesJSONToStderr(t *testing.T) {
	if logOutput != os.Stderr {
		t.Fatalf("logger must write to stderr")
	}

	var buf bytes.Buffer
	logOutput = &buf
	t.Cleanup(func() { logOutput = os.Stderr })

	logger := newLogger(config.LogConfig{Level: "warn"})
	logger.Info("dropped")
	logger.Warn("kept", "tenant", "demo-kafe")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected one line at warn level, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["msg"] != "kept" || entry["tenant"] != "demo-kafe" {
		t.Fatalf("unexpected entry %v", entry)
	}
}
