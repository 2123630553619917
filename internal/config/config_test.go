package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/histsync/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromHistsyncHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfig(t, filepath.Join(home, ".histsync"), "user_id: alice\nsync:\n  interval_seconds: 12\n  max_attempts: 4\n")
	t.Setenv("HOME", home)
	t.Setenv("HISTSYNC_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.UserID != "alice" {
		t.Fatalf("expected user_id alice, got %q", cfg.UserID)
	}
	if cfg.Sync.Interval() != 12*time.Second || cfg.Sync.MaxAttempts != 4 {
		t.Fatalf("unexpected sync config: %+v", cfg.Sync)
	}
	if cfg.NeedsSetup {
		t.Fatal("NeedsSetup must be false when config exists")
	}
}

func TestLoad_HomeOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HISTSYNC_HOME", home)
	if got := config.HomeDir(); got != home {
		t.Fatalf("expected HISTSYNC_HOME override, got %q", got)
	}
}

func TestLoad_NeedsSetupWhenNoConfig(t *testing.T) {
	cfg, err := config.LoadFrom(filepath.Join(t.TempDir(), "fresh"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsSetup {
		t.Fatalf("expected NeedsSetup=true when config.yaml missing")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "{}\n")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DefaultScope != "machine" || cfg.LogLevel != "info" {
		t.Fatalf("unexpected defaults: scope=%q log=%q", cfg.DefaultScope, cfg.LogLevel)
	}
	if cfg.DBPath != filepath.Join(home, "history.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.Sync.BatchSize != 50 || cfg.Sync.PageSize != 100 || cfg.Sync.MaxAttempts != 8 {
		t.Fatalf("unexpected sync defaults: %+v", cfg.Sync)
	}
	if cfg.Sync.BackoffBase() != time.Second || cfg.Sync.BackoffCap() != 10*time.Minute {
		t.Fatalf("unexpected backoff defaults: %v %v", cfg.Sync.BackoffBase(), cfg.Sync.BackoffCap())
	}
	if cfg.Retention.Schedule == "" || cfg.Coordinator.WriteRetries != 3 {
		t.Fatalf("unexpected retention/coordinator defaults: %+v %+v", cfg.Retention, cfg.Coordinator)
	}
	if cfg.Telemetry.ServiceName != "histsync" {
		t.Fatalf("expected telemetry service name default, got %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "remote:\n  endpoint: http://file.example\nsync:\n  batch_size: 10\n")
	t.Setenv("HISTSYNC_REMOTE_ENDPOINT", "https://env.example/")
	t.Setenv("HISTSYNC_REMOTE_CREDENTIAL", "hs_envcredential")
	t.Setenv("HISTSYNC_SYNC_BATCH_SIZE", "25")
	t.Setenv("HISTSYNC_SYNC_PAGE_SIZE", "not-a-number")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Remote.Endpoint != "https://env.example" {
		t.Fatalf("expected env endpoint with trailing slash trimmed, got %q", cfg.Remote.Endpoint)
	}
	if cfg.Remote.Credential != "hs_envcredential" {
		t.Fatalf("expected env credential, got %q", cfg.Remote.Credential)
	}
	if cfg.Sync.BatchSize != 25 {
		t.Fatalf("expected batch size 25, got %d", cfg.Sync.BatchSize)
	}
	if cfg.Sync.PageSize != 100 {
		t.Fatalf("invalid env value should be ignored, got %d", cfg.Sync.PageSize)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"user scope without user", "default_scope: user\n", "requires user_id"},
		{"unknown scope", "default_scope: team\n", "unknown default_scope"},
		{"base above cap", "sync:\n  backoff_base_ms: 120000\n  backoff_cap_seconds: 60\n", "must not exceed"},
		{"bad endpoint", "remote:\n  endpoint: ftp://remote\n", "http(s) URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, tt.body)
			_, err := config.LoadFrom(home)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "sync: [unclosed\n")
	if _, err := config.LoadFrom(home); err == nil || !strings.Contains(err.Error(), "parse config.yaml") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestFingerprint_ChangesWithSyncSettings(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "{}\n")
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	b.Sync.IntervalSeconds = a.Sync.IntervalSeconds + 1
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected fingerprint to change with interval")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatal("fingerprint must be stable")
	}
}
