package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Enabled      bool               `yaml:"enabled"`
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Log          LogConfig          `yaml:"log"`
	Ingress      IngressConfig      `yaml:"ingress"`
	Tracker      TrackerConfig      `yaml:"tracker"`
	Workspaces   WorkspacesConfig   `yaml:"workspaces"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Sync         SyncConfig         `yaml:"sync"`
	Deliverables DeliverablesConfig `yaml:"deliverables"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IngressConfig contains webhook ingress settings.
type IngressConfig struct {
	Secret         string   `yaml:"-"` // env-only, never in YAML
	DedupRetention Duration `yaml:"dedup_retention"`
	SweepInterval  Duration `yaml:"sweep_interval"`
}

// TrackerConfig contains remote tracker client settings.
type TrackerConfig struct {
	BaseURL      string   `yaml:"base_url"`
	APIKey       string   `yaml:"-"` // env-only, never in YAML
	ServiceToken string   `yaml:"-"` // env-only, never in YAML
	Timeout      Duration `yaml:"timeout"`
	MaxAttempts  int      `yaml:"max_attempts"`
	RetryBase    Duration `yaml:"retry_base"`
	RetryBudget  Duration `yaml:"retry_budget"`
}

// WorkspacesConfig contains per-project workspace settings.
type WorkspacesConfig struct {
	Root string `yaml:"root"`
}

// ExecutorConfig contains agent executor settings.
type ExecutorConfig struct {
	Command        string              `yaml:"command"`
	DefaultProfile string              `yaml:"default_profile"`
	StageTimeouts  map[string]Duration `yaml:"stage_timeouts"`
}

// OrchestratorConfig contains pipeline concurrency settings.
type OrchestratorConfig struct {
	MaxConcurrentProjects int `yaml:"max_concurrent_projects"`
	QueueSize             int `yaml:"queue_size"`
}

// SyncConfig contains outbound mirror settings.
type SyncConfig struct {
	ErrorThreshold int      `yaml:"error_threshold"`
	ReplayInterval Duration `yaml:"replay_interval"`
}

// DeliverablesConfig contains object storage settings for published
// stage artifacts. An empty endpoint disables publishing.
type DeliverablesConfig struct {
	Endpoint      string   `yaml:"endpoint"`
	Bucket        string   `yaml:"bucket"`
	AccessKey     string   `yaml:"-"` // env-only, never in YAML
	SecretKey     string   `yaml:"-"` // env-only, never in YAML
	UseSSL        bool     `yaml:"use_ssl"`
	PresignExpiry Duration `yaml:"presign_expiry"`
	MaxSizeMB     int      `yaml:"max_deliverable_size_mb"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("SITELINE_CONFIG_PATH", "config/siteline.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and when the path is set explicitly.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Enabled: true,
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/siteline.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Ingress: IngressConfig{
			DedupRetention: Duration(24 * time.Hour),
			SweepInterval:  Duration(1 * time.Hour),
		},
		Tracker: TrackerConfig{
			Timeout:     Duration(30 * time.Second),
			MaxAttempts: 3,
			RetryBase:   Duration(500 * time.Millisecond),
			RetryBudget: Duration(2 * time.Minute),
		},
		Workspaces: WorkspacesConfig{
			Root: "data/workspaces",
		},
		Executor: ExecutorConfig{
			Command:        "siteline-agent",
			DefaultProfile: "claude/claude-code",
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentProjects: 10,
			QueueSize:             32,
		},
		Sync: SyncConfig{
			ErrorThreshold: 5,
			ReplayInterval: Duration(1 * time.Minute),
		},
		Deliverables: DeliverablesConfig{
			Bucket:        "siteline-deliverables",
			PresignExpiry: Duration(7 * 24 * time.Hour),
			MaxSizeMB:     50,
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SITELINE_ENABLED"); v != "" {
		cfg.Enabled = v == "true" || v == "1"
	}

	// Server
	if v := os.Getenv("SITELINE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SITELINE_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("SITELINE_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("SITELINE_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("SITELINE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Log
	if v := os.Getenv("SITELINE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SITELINE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Ingress
	if v := os.Getenv("SITELINE_INGRESS_SECRET"); v != "" {
		cfg.Ingress.Secret = v
	}
	if v := os.Getenv("SITELINE_DEDUP_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ingress.DedupRetention = Duration(d)
		}
	}

	// Tracker
	if v := os.Getenv("SITELINE_TRACKER_BASE_URL"); v != "" {
		cfg.Tracker.BaseURL = v
	}
	if v := os.Getenv("SITELINE_TRACKER_API_KEY"); v != "" {
		cfg.Tracker.APIKey = v
	}
	if v := os.Getenv("SITELINE_TRACKER_SERVICE_TOKEN"); v != "" {
		cfg.Tracker.ServiceToken = v
	}
	if v := os.Getenv("SITELINE_TRACKER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Tracker.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("SITELINE_TRACKER_RETRY_BUDGET"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Tracker.RetryBudget = Duration(d)
		}
	}

	// Workspaces
	if v := os.Getenv("SITELINE_WORKSPACES_ROOT"); v != "" {
		cfg.Workspaces.Root = v
	}

	// Executor
	if v := os.Getenv("SITELINE_EXECUTOR_COMMAND"); v != "" {
		cfg.Executor.Command = v
	}
	if v := os.Getenv("SITELINE_EXECUTOR_PROFILE"); v != "" {
		cfg.Executor.DefaultProfile = v
	}

	// Orchestrator
	if v := os.Getenv("SITELINE_MAX_CONCURRENT_PROJECTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxConcurrentProjects = n
		}
	}
	if v := os.Getenv("SITELINE_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.QueueSize = n
		}
	}

	// Sync
	if v := os.Getenv("SITELINE_SYNC_ERROR_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.ErrorThreshold = n
		}
	}
	if v := os.Getenv("SITELINE_REPLAY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.ReplayInterval = Duration(d)
		}
	}

	// Deliverables
	if v := os.Getenv("SITELINE_S3_ENDPOINT"); v != "" {
		cfg.Deliverables.Endpoint = v
	}
	if v := os.Getenv("SITELINE_S3_BUCKET"); v != "" {
		cfg.Deliverables.Bucket = v
	}
	if v := os.Getenv("SITELINE_S3_ACCESS_KEY"); v != "" {
		cfg.Deliverables.AccessKey = v
	}
	if v := os.Getenv("SITELINE_S3_SECRET_KEY"); v != "" {
		cfg.Deliverables.SecretKey = v
	}
	if v := os.Getenv("SITELINE_S3_USE_SSL"); v != "" {
		cfg.Deliverables.UseSSL = v == "true" || v == "1"
	}
}

// validate checks that required configuration values are set.
// In dev mode (SITELINE_DEV_MODE=true), secret validation is skipped.
func (c *Config) validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Orchestrator.MaxConcurrentProjects < 1 {
		return errors.New("orchestrator.max_concurrent_projects must be at least 1")
	}
	if c.Orchestrator.QueueSize < 1 {
		return errors.New("orchestrator.queue_size must be at least 1")
	}

	// Dev mode bypasses secret validation
	if os.Getenv("SITELINE_DEV_MODE") == "true" {
		return nil
	}

	if c.Ingress.Secret == "" {
		return errors.New("SITELINE_INGRESS_SECRET is required")
	}
	if c.Tracker.BaseURL == "" {
		return errors.New("tracker.base_url is required")
	}
	if c.Tracker.APIKey == "" {
		return errors.New("SITELINE_TRACKER_API_KEY is required")
	}
	if c.Tracker.ServiceToken == "" {
		return errors.New("SITELINE_TRACKER_SERVICE_TOKEN is required")
	}
	if c.Workspaces.Root == "" {
		return errors.New("workspaces.root is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
