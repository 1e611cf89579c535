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
	Remote          RemoteConfig          `yaml:"remote"`
	Queue           QueueConfig           `yaml:"queue"`
	Circuit         CircuitConfig         `yaml:"circuit"`
	Tombstone       TombstoneConfig       `yaml:"tombstone"`
	Sync            SyncConfig            `yaml:"sync"`
	Server          ServerConfig          `yaml:"server"`
	Log             LogConfig             `yaml:"log"`
	Metrics         MetricsConfig         `yaml:"metrics"`
	Worker          WorkerConfig          `yaml:"worker"`
	SnapshotStorage SnapshotStorageConfig `yaml:"snapshot_storage"`
}

// RemoteConfig describes the remote store the client syncs with.
type RemoteConfig struct {
	BaseURL           string   `yaml:"base_url"`
	APIKey            string   `yaml:"-"` // env-only, never in YAML
	Timeout           Duration `yaml:"timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
}

// QueueConfig contains retry queue settings.
type QueueConfig struct {
	Backend             string   `yaml:"backend"`
	Path                string   `yaml:"path"`
	MaxSize             int      `yaml:"max_size"`
	HardLimit           int      `yaml:"hard_limit"`
	MaxRetries          int      `yaml:"max_retries"`
	RetryBase           Duration `yaml:"retry_base"`
	MaxImmediateRetries int      `yaml:"max_immediate_retries"`
	WarnCooldown        Duration `yaml:"warn_cooldown"`
}

// CircuitConfig contains circuit breaker settings.
type CircuitConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	RecoveryTime     Duration `yaml:"recovery_time"`
}

// TombstoneConfig contains tombstone cache settings.
type TombstoneConfig struct {
	CacheTTL Duration `yaml:"cache_ttl"`
}

// SyncConfig contains background sync timing.
type SyncConfig struct {
	ProcessInterval Duration `yaml:"process_interval"`
	PullInterval    Duration `yaml:"pull_interval"`
	ResumeBudget    Duration `yaml:"resume_budget"`
	ResumeMaxItems  int      `yaml:"resume_max_items"`
	ToastCooldown   Duration `yaml:"toast_cooldown"`
}

// ServerConfig contains HTTP server settings, shared by the reference
// remote store and the daemon's status endpoints.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	DatabasePath    string   `yaml:"database_path"`
	APIKey          string   `yaml:"-"` // env-only, never in YAML
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// MetricsConfig contains the daemon's status listener settings.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	SnapshotInterval Duration `yaml:"snapshot_interval"`
	SnapshotDir      string   `yaml:"snapshot_dir"`
	SnapshotKeep     int      `yaml:"snapshot_keep"`
}

// SnapshotStorageConfig contains S3-compatible upload settings. An empty
// bucket keeps snapshots local.
type SnapshotStorageConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	UseSSL    *bool    `yaml:"use_ssl"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
	URLExpiry Duration `yaml:"url_expiry"`
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

	configPath := getEnv("FLOWSYNC_CONFIG_PATH", "config/flowsync.yaml")

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
// Used for testing and explicit path specification.
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
		Remote: RemoteConfig{
			Timeout:           Duration(30 * time.Second),
			RequestsPerSecond: 20,
			Burst:             5,
		},
		Queue: QueueConfig{
			Backend:             "sqlite",
			Path:                "data/queue.db",
			MaxSize:             500,
			HardLimit:           1000,
			MaxRetries:          5,
			RetryBase:           Duration(1 * time.Second),
			MaxImmediateRetries: 3,
			WarnCooldown:        Duration(5 * time.Minute),
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			RecoveryTime:     Duration(30 * time.Second),
		},
		Tombstone: TombstoneConfig{
			CacheTTL: Duration(5 * time.Minute),
		},
		Sync: SyncConfig{
			ProcessInterval: Duration(30 * time.Second),
			PullInterval:    Duration(2 * time.Minute),
			ResumeBudget:    Duration(2 * time.Second),
			ResumeMaxItems:  50,
			ToastCooldown:   Duration(30 * time.Second),
		},
		Server: ServerConfig{
			Port:            8080,
			DatabasePath:    "data/remote.db",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9464",
		},
		Worker: WorkerConfig{
			SnapshotInterval: Duration(1 * time.Hour),
			SnapshotDir:      "data/snapshots",
			SnapshotKeep:     24,
		},
		SnapshotStorage: SnapshotStorageConfig{
			Region:    "us-east-1",
			URLExpiry: Duration(15 * time.Minute),
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

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Remote
	envString("FLOWSYNC_REMOTE_URL", &cfg.Remote.BaseURL)
	envString("FLOWSYNC_API_KEY", &cfg.Remote.APIKey)
	envDuration("FLOWSYNC_REMOTE_TIMEOUT", &cfg.Remote.Timeout)
	if v := os.Getenv("FLOWSYNC_REMOTE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Remote.RequestsPerSecond = f
		}
	}

	// Queue
	envString("FLOWSYNC_QUEUE_BACKEND", &cfg.Queue.Backend)
	envString("FLOWSYNC_QUEUE_PATH", &cfg.Queue.Path)
	envInt("FLOWSYNC_QUEUE_MAX_SIZE", &cfg.Queue.MaxSize)
	envInt("FLOWSYNC_QUEUE_HARD_LIMIT", &cfg.Queue.HardLimit)
	envInt("FLOWSYNC_QUEUE_MAX_RETRIES", &cfg.Queue.MaxRetries)

	// Circuit
	envInt("FLOWSYNC_CIRCUIT_FAILURE_THRESHOLD", &cfg.Circuit.FailureThreshold)
	envDuration("FLOWSYNC_CIRCUIT_RECOVERY_TIME", &cfg.Circuit.RecoveryTime)

	// Sync
	envDuration("FLOWSYNC_PROCESS_INTERVAL", &cfg.Sync.ProcessInterval)
	envDuration("FLOWSYNC_PULL_INTERVAL", &cfg.Sync.PullInterval)

	// Server
	envInt("FLOWSYNC_PORT", &cfg.Server.Port)
	envString("FLOWSYNC_DB_PATH", &cfg.Server.DatabasePath)
	envString("FLOWSYNC_SERVER_API_KEY", &cfg.Server.APIKey)
	envDuration("FLOWSYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Log
	envString("FLOWSYNC_LOG_LEVEL", &cfg.Log.Level)
	envString("FLOWSYNC_LOG_FORMAT", &cfg.Log.Format)
	envString("FLOWSYNC_LOG_FILE", &cfg.Log.File)

	// Metrics
	envString("FLOWSYNC_METRICS_ADDRESS", &cfg.Metrics.Address)

	// Worker
	envDuration("FLOWSYNC_SNAPSHOT_INTERVAL", &cfg.Worker.SnapshotInterval)
	envString("FLOWSYNC_SNAPSHOT_DIR", &cfg.Worker.SnapshotDir)
	envInt("FLOWSYNC_SNAPSHOT_KEEP", &cfg.Worker.SnapshotKeep)

	// Snapshot storage
	envString("FLOWSYNC_SNAPSHOT_BUCKET", &cfg.SnapshotStorage.Bucket)
	envString("FLOWSYNC_S3_ENDPOINT", &cfg.SnapshotStorage.Endpoint)
	envString("FLOWSYNC_S3_REGION", &cfg.SnapshotStorage.Region)
	envString("FLOWSYNC_S3_ACCESS_KEY", &cfg.SnapshotStorage.AccessKey)
	envString("FLOWSYNC_S3_SECRET_KEY", &cfg.SnapshotStorage.SecretKey)
	if v := os.Getenv("FLOWSYNC_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.SnapshotStorage.UseSSL = &useSSL
	}
	envDuration("FLOWSYNC_S3_URL_EXPIRY", &cfg.SnapshotStorage.URLExpiry)
}

// validate checks that configuration values are usable. An empty remote
// URL is allowed: the client then runs offline and queues everything.
func (c *Config) validate() error {
	switch c.Queue.Backend {
	case "sqlite", "badger", "file", "memory":
	default:
		return fmt.Errorf("queue.backend %q: must be sqlite, badger, file or memory", c.Queue.Backend)
	}
	if c.Queue.Backend != "memory" && c.Queue.Path == "" {
		return errors.New("queue.path is required for durable backends")
	}
	if c.Queue.MaxSize <= 0 {
		return errors.New("queue.max_size must be positive")
	}
	if c.Queue.HardLimit != 0 && c.Queue.HardLimit < c.Queue.MaxSize {
		return errors.New("queue.hard_limit must not be below queue.max_size")
	}
	if c.Circuit.FailureThreshold <= 0 {
		return errors.New("circuit.failure_threshold must be positive")
	}
	if c.Remote.BaseURL != "" && c.Remote.APIKey == "" && os.Getenv("FLOWSYNC_DEV_MODE") != "true" {
		return errors.New("FLOWSYNC_API_KEY is required when remote.base_url is set")
	}
	if c.SnapshotStorage.Bucket != "" && c.SnapshotStorage.Endpoint == "" {
		return errors.New("snapshot_storage.endpoint is required when a bucket is set")
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
