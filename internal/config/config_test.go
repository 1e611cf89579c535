package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// Helper to clear all config-related env vars for the duration of a test
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"FLOWSYNC_CONFIG_PATH",
		"FLOWSYNC_DEV_MODE",
		"FLOWSYNC_REMOTE_URL",
		"FLOWSYNC_API_KEY",
		"FLOWSYNC_REMOTE_TIMEOUT",
		"FLOWSYNC_REMOTE_RPS",
		"FLOWSYNC_QUEUE_BACKEND",
		"FLOWSYNC_QUEUE_PATH",
		"FLOWSYNC_QUEUE_MAX_SIZE",
		"FLOWSYNC_QUEUE_HARD_LIMIT",
		"FLOWSYNC_QUEUE_MAX_RETRIES",
		"FLOWSYNC_CIRCUIT_FAILURE_THRESHOLD",
		"FLOWSYNC_CIRCUIT_RECOVERY_TIME",
		"FLOWSYNC_PROCESS_INTERVAL",
		"FLOWSYNC_PULL_INTERVAL",
		"FLOWSYNC_PORT",
		"FLOWSYNC_DB_PATH",
		"FLOWSYNC_SERVER_API_KEY",
		"FLOWSYNC_SHUTDOWN_TIMEOUT",
		"FLOWSYNC_LOG_LEVEL",
		"FLOWSYNC_LOG_FORMAT",
		"FLOWSYNC_LOG_FILE",
		"FLOWSYNC_METRICS_ADDRESS",
		"FLOWSYNC_SNAPSHOT_INTERVAL",
		"FLOWSYNC_SNAPSHOT_DIR",
		"FLOWSYNC_SNAPSHOT_BUCKET",
		"FLOWSYNC_S3_ENDPOINT",
		"FLOWSYNC_S3_REGION",
		"FLOWSYNC_S3_ACCESS_KEY",
		"FLOWSYNC_S3_SECRET_KEY",
		"FLOWSYNC_S3_USE_SSL",
		"FLOWSYNC_S3_URL_EXPIRY",
	}
	for _, v := range envVars {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
	// Point at a path that never exists so a developer's config file
	// cannot leak into the defaults.
	t.Setenv("FLOWSYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
}

// dur converts Duration to time.Duration for comparison
func dur(d Duration) time.Duration {
	return time.Duration(d)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowsync.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// Test: Default values when no config file and no env vars
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Queue defaults
	if cfg.Queue.Backend != "sqlite" {
		t.Errorf("Queue.Backend = %q, want sqlite", cfg.Queue.Backend)
	}
	if cfg.Queue.MaxSize != 500 {
		t.Errorf("Queue.MaxSize = %d, want 500", cfg.Queue.MaxSize)
	}
	if cfg.Queue.MaxRetries != 5 {
		t.Errorf("Queue.MaxRetries = %d, want 5", cfg.Queue.MaxRetries)
	}
	if dur(cfg.Queue.RetryBase) != time.Second {
		t.Errorf("Queue.RetryBase = %v, want 1s", cfg.Queue.RetryBase)
	}
	if cfg.Queue.MaxImmediateRetries != 3 {
		t.Errorf("Queue.MaxImmediateRetries = %d, want 3", cfg.Queue.MaxImmediateRetries)
	}
	if dur(cfg.Queue.WarnCooldown) != 5*time.Minute {
		t.Errorf("Queue.WarnCooldown = %v, want 5m", cfg.Queue.WarnCooldown)
	}

	// Circuit defaults
	if cfg.Circuit.FailureThreshold != 5 {
		t.Errorf("Circuit.FailureThreshold = %d, want 5", cfg.Circuit.FailureThreshold)
	}
	if dur(cfg.Circuit.RecoveryTime) != 30*time.Second {
		t.Errorf("Circuit.RecoveryTime = %v, want 30s", cfg.Circuit.RecoveryTime)
	}

	// Tombstone defaults
	if dur(cfg.Tombstone.CacheTTL) != 5*time.Minute {
		t.Errorf("Tombstone.CacheTTL = %v, want 5m", cfg.Tombstone.CacheTTL)
	}

	// Server defaults
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if dur(cfg.Server.ShutdownTimeout) != 15*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 15s", cfg.Server.ShutdownTimeout)
	}

	// Log defaults
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	// Remote is unset: the client runs offline.
	if cfg.Remote.BaseURL != "" {
		t.Errorf("Remote.BaseURL = %q, want empty", cfg.Remote.BaseURL)
	}
	if cfg.SnapshotStorage.Bucket != "" {
		t.Errorf("SnapshotStorage.Bucket = %q, want empty", cfg.SnapshotStorage.Bucket)
	}
	if cfg.SnapshotStorage.Region != "us-east-1" {
		t.Errorf("SnapshotStorage.Region = %q, want us-east-1", cfg.SnapshotStorage.Region)
	}
}

// Test: Environment variables override defaults
func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)

	t.Setenv("FLOWSYNC_REMOTE_URL", "http://remote:8080")
	t.Setenv("FLOWSYNC_API_KEY", "secret")
	t.Setenv("FLOWSYNC_REMOTE_RPS", "2.5")
	t.Setenv("FLOWSYNC_QUEUE_BACKEND", "badger")
	t.Setenv("FLOWSYNC_QUEUE_PATH", "/var/lib/flowsync/queue")
	t.Setenv("FLOWSYNC_QUEUE_MAX_SIZE", "50")
	t.Setenv("FLOWSYNC_CIRCUIT_RECOVERY_TIME", "1m")
	t.Setenv("FLOWSYNC_LOG_LEVEL", "debug")
	t.Setenv("FLOWSYNC_S3_USE_SSL", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Remote.BaseURL != "http://remote:8080" {
		t.Errorf("Remote.BaseURL = %q", cfg.Remote.BaseURL)
	}
	if cfg.Remote.APIKey != "secret" {
		t.Errorf("Remote.APIKey = %q, want secret", cfg.Remote.APIKey)
	}
	if cfg.Remote.RequestsPerSecond != 2.5 {
		t.Errorf("Remote.RequestsPerSecond = %v, want 2.5", cfg.Remote.RequestsPerSecond)
	}
	if cfg.Queue.Backend != "badger" || cfg.Queue.Path != "/var/lib/flowsync/queue" {
		t.Errorf("Queue = %+v", cfg.Queue)
	}
	if cfg.Queue.MaxSize != 50 {
		t.Errorf("Queue.MaxSize = %d, want 50", cfg.Queue.MaxSize)
	}
	if dur(cfg.Circuit.RecoveryTime) != time.Minute {
		t.Errorf("Circuit.RecoveryTime = %v, want 1m", cfg.Circuit.RecoveryTime)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if cfg.SnapshotStorage.UseSSL == nil || *cfg.SnapshotStorage.UseSSL {
		t.Errorf("SnapshotStorage.UseSSL = %v, want false", cfg.SnapshotStorage.UseSSL)
	}
}

// Test: Invalid env values are ignored, keeping the previous value
func TestLoad_InvalidEnvValuesIgnored(t *testing.T) {
	clearEnv(t)

	t.Setenv("FLOWSYNC_QUEUE_MAX_SIZE", "lots")
	t.Setenv("FLOWSYNC_CIRCUIT_RECOVERY_TIME", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.MaxSize != 500 {
		t.Errorf("Queue.MaxSize = %d, want 500", cfg.Queue.MaxSize)
	}
	if dur(cfg.Circuit.RecoveryTime) != 30*time.Second {
		t.Errorf("Circuit.RecoveryTime = %v, want 30s", cfg.Circuit.RecoveryTime)
	}
}

// Test: YAML file values override defaults, env overrides YAML
func TestLoadFromFile_Precedence(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
remote:
  base_url: http://yaml-remote
queue:
  backend: file
  path: /tmp/queue
  max_size: 100
sync:
  pull_interval: 10m
log:
  level: warn
`)
	t.Setenv("FLOWSYNC_API_KEY", "k")
	t.Setenv("FLOWSYNC_LOG_LEVEL", "error")

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Remote.BaseURL != "http://yaml-remote" {
		t.Errorf("Remote.BaseURL = %q", cfg.Remote.BaseURL)
	}
	if cfg.Queue.Backend != "file" || cfg.Queue.MaxSize != 100 {
		t.Errorf("Queue = %+v", cfg.Queue)
	}
	if dur(cfg.Sync.PullInterval) != 10*time.Minute {
		t.Errorf("Sync.PullInterval = %v, want 10m", cfg.Sync.PullInterval)
	}
	// Unset YAML keys keep defaults
	if dur(cfg.Sync.ProcessInterval) != 30*time.Second {
		t.Errorf("Sync.ProcessInterval = %v, want 30s", cfg.Sync.ProcessInterval)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("Log.Level = %q, want env override error", cfg.Log.Level)
	}
}

// Test: Load honours FLOWSYNC_CONFIG_PATH
func TestLoad_ConfigPathEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "circuit:\n  failure_threshold: 9\n")
	t.Setenv("FLOWSYNC_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Circuit.FailureThreshold != 9 {
		t.Errorf("Circuit.FailureThreshold = %d, want 9", cfg.Circuit.FailureThreshold)
	}
}

// Test: Secrets are never read from YAML
func TestLoadFromFile_SecretsAreEnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv("FLOWSYNC_DEV_MODE", "true")

	path := writeConfig(t, `
remote:
  base_url: http://remote
  api_key: from-yaml
snapshot_storage:
  access_key: from-yaml
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Remote.APIKey != "" {
		t.Errorf("Remote.APIKey = %q, want empty", cfg.Remote.APIKey)
	}
	if cfg.SnapshotStorage.AccessKey != "" {
		t.Errorf("SnapshotStorage.AccessKey = %q, want empty", cfg.SnapshotStorage.AccessKey)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"malformed yaml", "queue: [", "parsing config file"},
		{"bad duration", "sync:\n  pull_interval: often\n", "invalid duration"},
		{"unknown backend", "queue:\n  backend: redis\n", "queue.backend"},
		{"durable backend without path", "queue:\n  backend: badger\n  path: \"\"\n", "queue.path"},
		{"zero capacity", "queue:\n  max_size: 0\n", "queue.max_size"},
		{"hard limit below capacity", "queue:\n  max_size: 100\n  hard_limit: 50\n", "queue.hard_limit"},
		{"remote without key", "remote:\n  base_url: http://remote\n", "FLOWSYNC_API_KEY"},
		{"bucket without endpoint", "snapshot_storage:\n  bucket: snaps\n", "snapshot_storage.endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFile(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("LoadFromFile() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("LoadFromFile() expected error for missing file")
	}
}

func TestLoad_DevModeAllowsMissingAPIKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("FLOWSYNC_DEV_MODE", "true")
	t.Setenv("FLOWSYNC_REMOTE_URL", "http://localhost:8080")

	if _, err := Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestDuration_YAMLRoundTrip(t *testing.T) {
	type wrapper struct {
		D Duration `yaml:"d"`
	}
	out, err := yaml.Marshal(wrapper{D: Duration(90 * time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "1m30s") {
		t.Errorf("marshaled = %q, want 1m30s", out)
	}

	var w wrapper
	if err := yaml.Unmarshal(out, &w); err != nil {
		t.Fatal(err)
	}
	if dur(w.D) != 90*time.Second {
		t.Errorf("D = %v, want 90s", w.D)
	}
}
