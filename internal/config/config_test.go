package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// Helper to clear all config-related env vars
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"SITELINE_ENABLED",
		"SITELINE_PORT",
		"SITELINE_READ_TIMEOUT",
		"SITELINE_WRITE_TIMEOUT",
		"SITELINE_SHUTDOWN_TIMEOUT",
		"SITELINE_DB_PATH",
		"SITELINE_LOG_LEVEL",
		"SITELINE_LOG_FORMAT",
		"SITELINE_CONFIG_PATH",
		"SITELINE_DEV_MODE",
		"SITELINE_INGRESS_SECRET",
		"SITELINE_DEDUP_RETENTION",
		"SITELINE_TRACKER_BASE_URL",
		"SITELINE_TRACKER_API_KEY",
		"SITELINE_TRACKER_SERVICE_TOKEN",
		"SITELINE_TRACKER_TIMEOUT",
		"SITELINE_WORKSPACES_ROOT",
		"SITELINE_EXECUTOR_PROFILE",
		"SITELINE_MAX_CONCURRENT_PROJECTS",
		"SITELINE_QUEUE_SIZE",
		"SITELINE_SYNC_ERROR_THRESHOLD",
		"SITELINE_REPLAY_INTERVAL",
		"SITELINE_S3_ENDPOINT",
		"SITELINE_S3_BUCKET",
		"SITELINE_S3_ACCESS_KEY",
		"SITELINE_S3_SECRET_KEY",
		"SITELINE_S3_USE_SSL",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

// Helper to set dev mode for testing
func setDevModeEnv(t *testing.T) {
	t.Helper()
	os.Setenv("SITELINE_DEV_MODE", "true")
}

// Helper to set production env vars (secrets required)
func setProdEnv(t *testing.T) {
	t.Helper()
	os.Setenv("SITELINE_INGRESS_SECRET", "test-webhook-secret")
	os.Setenv("SITELINE_TRACKER_BASE_URL", "https://tracker.example.com")
	os.Setenv("SITELINE_TRACKER_API_KEY", "test-api-key")
	os.Setenv("SITELINE_TRACKER_SERVICE_TOKEN", "test-service-token")
}

// dur converts Duration to time.Duration for comparison
func dur(d Duration) time.Duration {
	return time.Duration(d)
}

// Test: Default values when no config file and no env vars (dev mode)
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.Enabled {
		t.Error("Enabled should default to true")
	}

	// Server defaults
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if dur(cfg.Server.ReadTimeout) != 30*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 30s", cfg.Server.ReadTimeout)
	}
	if dur(cfg.Server.ShutdownTimeout) != 15*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 15s", cfg.Server.ShutdownTimeout)
	}

	// Database defaults
	if cfg.Database.Path != "data/siteline.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "data/siteline.db")
	}

	// Ingress defaults
	if dur(cfg.Ingress.DedupRetention) != 24*time.Hour {
		t.Errorf("Ingress.DedupRetention = %v, want 24h", cfg.Ingress.DedupRetention)
	}
	if dur(cfg.Ingress.SweepInterval) != 1*time.Hour {
		t.Errorf("Ingress.SweepInterval = %v, want 1h", cfg.Ingress.SweepInterval)
	}

	// Tracker defaults
	if cfg.Tracker.MaxAttempts != 3 {
		t.Errorf("Tracker.MaxAttempts = %d, want 3", cfg.Tracker.MaxAttempts)
	}
	if dur(cfg.Tracker.Timeout) != 30*time.Second {
		t.Errorf("Tracker.Timeout = %v, want 30s", cfg.Tracker.Timeout)
	}
	if dur(cfg.Tracker.RetryBudget) != 2*time.Minute {
		t.Errorf("Tracker.RetryBudget = %v, want 2m", cfg.Tracker.RetryBudget)
	}

	// Executor defaults
	if cfg.Executor.DefaultProfile != "claude/claude-code" {
		t.Errorf("Executor.DefaultProfile = %q, want %q", cfg.Executor.DefaultProfile, "claude/claude-code")
	}

	// Orchestrator defaults
	if cfg.Orchestrator.MaxConcurrentProjects != 10 {
		t.Errorf("Orchestrator.MaxConcurrentProjects = %d, want 10", cfg.Orchestrator.MaxConcurrentProjects)
	}
	if cfg.Orchestrator.QueueSize != 32 {
		t.Errorf("Orchestrator.QueueSize = %d, want 32", cfg.Orchestrator.QueueSize)
	}

	// Sync defaults
	if cfg.Sync.ErrorThreshold != 5 {
		t.Errorf("Sync.ErrorThreshold = %d, want 5", cfg.Sync.ErrorThreshold)
	}
	if dur(cfg.Sync.ReplayInterval) != 1*time.Minute {
		t.Errorf("Sync.ReplayInterval = %v, want 1m", cfg.Sync.ReplayInterval)
	}

	// Deliverables defaults
	if cfg.Deliverables.MaxSizeMB != 50 {
		t.Errorf("Deliverables.MaxSizeMB = %d, want 50", cfg.Deliverables.MaxSizeMB)
	}

	// Log defaults
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
}

// Test: Validation fails without secrets (non-dev mode)
func TestLoad_ValidationFailsWithoutSecrets(t *testing.T) {
	clearEnv(t)

	_, err := Load()
	if err == nil {
		t.Error("Load() expected error when secrets missing, got nil")
	}
}

// Test: Validation passes with secrets set via env vars
func TestLoad_ValidationPassesWithSecrets(t *testing.T) {
	clearEnv(t)
	setProdEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Ingress.Secret != "test-webhook-secret" {
		t.Errorf("Ingress.Secret = %q, want %q", cfg.Ingress.Secret, "test-webhook-secret")
	}
	if cfg.Tracker.APIKey != "test-api-key" {
		t.Errorf("Tracker.APIKey = %q, want %q", cfg.Tracker.APIKey, "test-api-key")
	}
	if cfg.Tracker.ServiceToken != "test-service-token" {
		t.Errorf("Tracker.ServiceToken = %q, want %q", cfg.Tracker.ServiceToken, "test-service-token")
	}
}

// Test: Disabled config skips secret validation
func TestLoad_DisabledSkipsValidation(t *testing.T) {
	clearEnv(t)
	os.Setenv("SITELINE_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Enabled {
		t.Error("Enabled should be false when env var is 'false'")
	}
}

// Test: Environment variables override defaults
func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	os.Setenv("SITELINE_PORT", "9090")
	os.Setenv("SITELINE_DB_PATH", "/custom/path.db")
	os.Setenv("SITELINE_LOG_LEVEL", "debug")
	os.Setenv("SITELINE_MAX_CONCURRENT_PROJECTS", "4")
	os.Setenv("SITELINE_REPLAY_INTERVAL", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Orchestrator.MaxConcurrentProjects != 4 {
		t.Errorf("Orchestrator.MaxConcurrentProjects = %d, want 4", cfg.Orchestrator.MaxConcurrentProjects)
	}
	if dur(cfg.Sync.ReplayInterval) != 30*time.Second {
		t.Errorf("Sync.ReplayInterval = %v, want 30s", cfg.Sync.ReplayInterval)
	}
}

// Test: YAML file loading
func TestLoadFromFile_ValidYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	yamlContent := `
server:
  port: 9999
  read_timeout: 60s
tracker:
  base_url: https://tracker.internal
executor:
  default_profile: claude/claude-code
  stage_timeouts:
    development: 20h
orchestrator:
  max_concurrent_projects: 2
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if dur(cfg.Server.ReadTimeout) != 60*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 60s", cfg.Server.ReadTimeout)
	}
	if cfg.Tracker.BaseURL != "https://tracker.internal" {
		t.Errorf("Tracker.BaseURL = %q, want %q", cfg.Tracker.BaseURL, "https://tracker.internal")
	}
	if dur(cfg.Executor.StageTimeouts["development"]) != 20*time.Hour {
		t.Errorf("Executor.StageTimeouts[development] = %v, want 20h", cfg.Executor.StageTimeouts["development"])
	}
	if cfg.Orchestrator.MaxConcurrentProjects != 2 {
		t.Errorf("Orchestrator.MaxConcurrentProjects = %d, want 2", cfg.Orchestrator.MaxConcurrentProjects)
	}
}

// Test: Env vars override YAML values
func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	yamlContent := `
server:
  port: 9000
log:
  level: warn
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	os.Setenv("SITELINE_CONFIG_PATH", configPath)
	os.Setenv("SITELINE_PORT", "8888") // Should override YAML

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8888 {
		t.Errorf("Server.Port = %d, want 8888 (env override)", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q (from YAML)", cfg.Log.Level, "warn")
	}
}

// Test: Missing config file is NOT an error (uses defaults)
func TestLoad_MissingConfigFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	os.Setenv("SITELINE_CONFIG_PATH", "/nonexistent/path/config.yaml")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() should not error on missing file, got: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080 (default)", cfg.Server.Port)
	}
}

// Test: Invalid duration string returns error
func TestLoadFromFile_InvalidDuration(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bad_duration.yaml")
	yamlContent := `
server:
  read_timeout: not_a_duration
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadFromFile(configPath)
	if err == nil {
		t.Error("LoadFromFile() expected error for invalid duration, got nil")
	}
}

// Test: Zero concurrency is rejected
func TestLoadFromFile_ZeroConcurrencyRejected(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "zero.yaml")
	yamlContent := `
orchestrator:
  max_concurrent_projects: 0
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadFromFile(configPath)
	if err == nil {
		t.Error("LoadFromFile() expected error for zero max_concurrent_projects, got nil")
	}
}

// Test: Secrets are not serializable via YAML tag
func TestConfig_SecretsNotInYAML(t *testing.T) {
	cfg := &Config{
		Ingress: IngressConfig{Secret: "hook-secret"},
		Tracker: TrackerConfig{APIKey: "tracker-key", ServiceToken: "svc-token"},
		Deliverables: DeliverablesConfig{
			AccessKey: "s3-access-secret",
			SecretKey: "s3-secret-secret",
		},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}

	yamlStr := string(data)
	for _, secret := range []string{"hook-secret", "tracker-key", "svc-token", "s3-access-secret", "s3-secret-secret"} {
		if strings.Contains(yamlStr, secret) {
			t.Errorf("YAML contains secret %q: %s", secret, yamlStr)
		}
	}
}
