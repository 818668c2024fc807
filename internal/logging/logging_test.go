package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewWritesToOutput(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: slog.LevelDebug, Output: &buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	l.Warn("store record skipped", "session_id", "abc")

	out := buf.String()
	if !strings.Contains(out, "store record skipped") {
		t.Errorf("expected message in output, got %q", out)
	}
	if !strings.Contains(out, "session_id=abc") {
		t.Errorf("expected attribute in output, got %q", out)
	}
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: slog.LevelWarn, Output: &buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered, got %q", buf.String())
	}
}

func TestInitWithLogFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	path := filepath.Join(t.TempDir(), "logs", "canopy.log")
	if err := Init(Config{Level: slog.LevelInfo, LogFile: path}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	Info("hello from test")
	Flush(time.Second)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Errorf("expected log line in file, got %q", string(data))
	}

	mu.Lock()
	defaultLogger = nil
	mu.Unlock()
}

func TestCapturePanicReturnsValue(t *testing.T) {
	if got := CapturePanic(nil); got != nil {
		t.Errorf("expected nil for nil panic, got %v", got)
	}
	if got := CapturePanic("boom", "component", "test"); got != "boom" {
		t.Errorf("expected panic value back, got %v", got)
	}
}
