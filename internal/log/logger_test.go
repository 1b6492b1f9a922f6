package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Mode != "console" {
		t.Errorf("expected mode 'console', got %q", cfg.Mode)
	}
	if cfg.Level != "warn" {
		t.Errorf("expected level 'warn', got %q", cfg.Level)
	}
	if cfg.Format != "text" {
		t.Errorf("expected format 'text', got %q", cfg.Format)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  int // slog.Level value
	}{
		{"debug", -4},
		{"info", 0},
		{"warn", 4},
		{"WARNING", 4},
		{"error", 8},
		{"invalid", 0}, // defaults to info
	}
	for _, tt := range tests {
		got := ParseLevel(tt.input)
		if int(got) != tt.want {
			t.Errorf("ParseLevel(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestInit_ConsoleWritesToConsoleOut(t *testing.T) {
	var buf bytes.Buffer
	prev := consoleOut
	consoleOut = &buf
	defer func() { consoleOut = prev }()

	if err := Init(&Config{Mode: "console", Level: "info"}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	Info("console message", "channel", "edge-function")

	if !strings.Contains(buf.String(), "channel=edge-function") {
		t.Errorf("expected console output, got %q", buf.String())
	}
}

func TestInit_FileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sbexec.log")
	cfg := DefaultConfig()
	cfg.Mode = "file"
	cfg.Level = "debug"
	cfg.FilePath = path

	if err := Init(cfg); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	With("component", "test").Debug("file message")
	if err := Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "component=test") {
		t.Errorf("expected attrs in file output, got %q", data)
	}

	// Restore a console logger for the rest of the package tests.
	Init(&Config{Mode: "console", Level: "error"})
}

func TestInit_ConsoleJSONAtWarn(t *testing.T) {
	var buf bytes.Buffer
	prev := consoleOut
	consoleOut = &buf
	defer func() { consoleOut = prev }()

	if err := Init(&Config{Mode: "console", Level: "warn", Format: "json"}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer Init(&Config{Mode: "console", Level: "error"})

	Info("pass started", "stage", 1)
	Warn("channel failed", "channel", "rpc-variant-a", "code", "42883")

	out := buf.String()
	if strings.Contains(out, "pass started") {
		t.Errorf("info record should be filtered at warn, got %q", out)
	}
	if !strings.Contains(out, `"msg":"channel failed"`) || !strings.Contains(out, `"code":"42883"`) {
		t.Errorf("expected a JSON warn record, got %q", out)
	}
}
