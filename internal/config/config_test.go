package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load([]string{"-state-dir", dir}, filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != defaultAddr || cfg.Mode != "http" || !cfg.Server.Metrics {
		t.Errorf("server = %+v, mode = %q", cfg.Server, cfg.Mode)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" || cfg.Log.HistoryKeep != defaultHistoryKeep {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Tasks.Priority != 1 || cfg.Tasks.DeadlineAfter != time.Minute || cfg.Tasks.MaxRunDuration != 30*time.Second {
		t.Errorf("tasks = %+v", cfg.Tasks)
	}
	if cfg.StateDir != dir {
		t.Errorf("StateDir = %q, want %q", cfg.StateDir, dir)
	}
	if cfg.Notification.Bark.PerMinute != defaultBarkPerMinute {
		t.Errorf("bark per minute = %d, want %d", cfg.Notification.Bark.PerMinute, defaultBarkPerMinute)
	}
}

// TestLoad_Precedence verifies the layering of configuration sources.
// Given: a YAML file, a .env file, process env and flags that overlap
// When: Load runs
// Then: each field takes the value of its highest-priority source
func TestLoad_Precedence(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	yamlPath := writeFile(t, dir, "opsched.yaml", `
mode: both
server:
  addr: "file:1"
log:
  level: debug
scheduler:
  max_cores: 3
tasks:
  deadline_after: 2m
  priority: 4
inbox:
  settle: 1s
notification:
  bark:
    url: https://bark.example.com/key
    enabled: true
`)
	envPath := writeFile(t, dir, "test.env", "OPSCHED_ADDR=dotenv:2\nOPSCHED_MAX_CORES=5\nOPSCHED_HISTORY_KEEP=9\n")
	t.Setenv("OPSCHED_ADDR", "env:3")

	// Act
	cfg, err := Load([]string{"-config", yamlPath, "-state-dir", dir, "-max-cores", "7"}, envPath)

	// Assert
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != "env:3" {
		t.Errorf("Addr = %q, want env:3", cfg.Server.Addr)
	}
	if cfg.Scheduler.MaxCores != 7 {
		t.Errorf("MaxCores = %d, want 7", cfg.Scheduler.MaxCores)
	}
	if cfg.Log.HistoryKeep != 9 {
		t.Errorf("HistoryKeep = %d, want 9", cfg.Log.HistoryKeep)
	}
	if cfg.Log.Level != "debug" || cfg.Mode != "both" {
		t.Errorf("level = %q, mode = %q, want debug and both", cfg.Log.Level, cfg.Mode)
	}
	if cfg.Tasks.DeadlineAfter != 2*time.Minute || cfg.Tasks.Priority != 4 || cfg.Inbox.Settle != time.Second {
		t.Errorf("tasks = %+v, inbox = %+v", cfg.Tasks, cfg.Inbox)
	}
	if !cfg.Notification.Bark.Enabled || cfg.Notification.Bark.URL != "https://bark.example.com/key" {
		t.Errorf("bark = %+v", cfg.Notification.Bark)
	}
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	dir := t.TempDir()
	yamlPath := writeFile(t, dir, "c.yaml", "use_utc: true\nshutdown_grace: 12s\n")
	t.Setenv("OPSCHED_CONFIG", yamlPath)

	cfg, err := Load([]string{"-state-dir", dir})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.UseUTC || cfg.ShutdownGrace != 12*time.Second {
		t.Errorf("UseUTC = %v, ShutdownGrace = %v, want true and 12s", cfg.UseUTC, cfg.ShutdownGrace)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	badYAML := writeFile(t, dir, "bad.yaml", "tasks:\n  deadline_after: soon\n")

	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{name: "invalid mode", args: []string{"-mode", "grpc"}},
		{name: "negative cores", args: []string{"-max-cores", "-1"}},
		{name: "unknown flag", args: []string{"-nope"}},
		{name: "missing config file", args: []string{"-config", filepath.Join(dir, "absent.yaml")}},
		{name: "bad yaml duration", args: []string{"-config", badYAML}},
		{name: "bad env duration", env: map[string]string{"OPSCHED_SHUTDOWN_GRACE": "later"}},
		{name: "bad env int", env: map[string]string{"OPSCHED_MAX_CORES": "many"}},
		{name: "bark without url", env: map[string]string{"OPSCHED_BARK_ENABLED": "true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			args := append([]string{"-state-dir", dir}, tt.args...)
			if _, err := Load(args); err == nil {
				t.Errorf("Load(%v) succeeded, want error", tt.args)
			}
		})
	}
}
