package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestLogRotation(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "test.log")

	// 1MB is the smallest size lumberjack rotates at.
	err := InitWith(Options{
		Level: "debug",
		File:  FileConfig{Path: logFile, MaxSizeMB: 1, MaxBackups: 2, MaxAgeDays: 1},
	})
	if err != nil {
		t.Fatalf("failed to init logger: %v", err)
	}
	defer Nop()

	payload := strings.Repeat("x", 200)
	for i := range 8000 {
		Log.Info("entry", zap.Int("n", i), zap.String("payload", payload))
	}
	Sync()

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	rotated := 0
	for _, f := range files {
		if f.Name() != "test.log" && strings.HasPrefix(f.Name(), "test-20") {
			rotated++
		}
	}
	if rotated == 0 {
		t.Errorf("expected a rotated file, got %d files", len(files))
	}
}

func TestLevels(t *testing.T) {
	tests := []struct {
		level    string
		expected []string
		excluded []string
	}{
		{"error", []string{"ERROR"}, []string{"WARN", "INFO", "DEBUG"}},
		{"warn", []string{"ERROR", "WARN"}, []string{"INFO", "DEBUG"}},
		{"info", []string{"ERROR", "WARN", "INFO"}, []string{"DEBUG"}},
		{"debug", []string{"ERROR", "WARN", "INFO", "DEBUG"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			l, err := New(Options{Level: tt.level, Console: &buf}, zap.NewAtomicLevel())
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			l.Debug("debug message")
			l.Info("info message")
			l.Warn("warn message")
			l.Error("error message")

			out := buf.String()
			for _, exp := range tt.expected {
				if !strings.Contains(out, exp) {
					t.Errorf("expected %s in output", exp)
				}
			}
			for _, exc := range tt.excluded {
				if strings.Contains(out, exc) {
					t.Errorf("unexpected %s in output for level %s", exc, tt.level)
				}
			}
		})
	}
}

func TestBadLevel(t *testing.T) {
	if _, err := New(Options{Level: "loud"}, zap.NewAtomicLevel()); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	if err := InitWith(Options{Level: "warn", Console: &buf}); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer Nop()

	Log.Info("hidden")
	if err := SetLevel("info"); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	Log.Info("shown")

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("level change not applied: %q", buf.String())
	}
}

func TestComponentInFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "component.log")
	if err := InitWith(Options{Level: "info", File: FileConfig{Path: logFile, MaxSizeMB: 1}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer Nop()

	Component("layout").Info("planned", zap.Int("draws", 3))
	Sync()

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(content), &entry); err != nil {
		t.Fatalf("file output is not JSON: %v", err)
	}
	if entry["component"] != "layout" || entry["msg"] != "planned" || entry["draws"] != 3.0 {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestNopBeforeInit(t *testing.T) {
	Nop()
	Log.Warn("discarded")
	Component("scenegraph").Debug("discarded")
	Sync()
}

func TestDefaultFileConfig(t *testing.T) {
	cfg := DefaultFileConfig("/tmp/test.log")
	if cfg.Path != "/tmp/test.log" || cfg.MaxSizeMB != 20 || cfg.MaxBackups != 5 || cfg.MaxAgeDays != 14 || !cfg.Compress {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}
