package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/histsync/internal/otel"
)

// RemoteConfig points the sync manager at the remote store.
type RemoteConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Credential     string `yaml:"credential"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// ChangeFeed subscribes to the remote websocket change feed.
	ChangeFeed bool `yaml:"change_feed"`
}

type SyncConfig struct {
	IntervalSeconds     int `yaml:"interval_seconds"`
	MaxAttempts         int `yaml:"max_attempts"`
	BackoffBaseMillis   int `yaml:"backoff_base_ms"`
	BackoffCapSeconds   int `yaml:"backoff_cap_seconds"`
	BatchSize           int `yaml:"batch_size"`
	PageSize            int `yaml:"page_size"`
	DebounceMillis      int `yaml:"debounce_ms"`
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`
}

func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

func (s SyncConfig) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseMillis) * time.Millisecond
}

func (s SyncConfig) BackoffCap() time.Duration {
	return time.Duration(s.BackoffCapSeconds) * time.Second
}

func (s SyncConfig) Debounce() time.Duration {
	return time.Duration(s.DebounceMillis) * time.Millisecond
}

func (s SyncConfig) DrainTimeout() time.Duration {
	return time.Duration(s.DrainTimeoutSeconds) * time.Second
}

// RetentionConfig holds per-scope history windows in days. Zero keeps
// forever.
type RetentionConfig struct {
	MachineDays      int    `yaml:"machine_days"`
	UserDays         int    `yaml:"user_days"`
	GlobalDays       int    `yaml:"global_days"`
	LostMutationDays int    `yaml:"lost_mutation_days"`
	Schedule         string `yaml:"schedule"`
}

type InferenceConfig struct {
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// Shortcuts maps regular expressions to canned responses tried before
	// inference.
	Shortcuts map[string]string `yaml:"shortcuts"`
}

func (i InferenceConfig) Timeout() time.Duration {
	return time.Duration(i.TimeoutSeconds) * time.Second
}

type CoordinatorConfig struct {
	WriteRetries int `yaml:"write_retries"`
}

// ServerConfig configures the reference remote store.
type ServerConfig struct {
	BindAddr   string `yaml:"bind_addr"`
	DBPath     string `yaml:"db_path"`
	Credential string `yaml:"credential"`
	// RateLimitRPM caps requests per minute per client address; 0 disables.
	RateLimitRPM   int `yaml:"rate_limit_rpm"`
	RateLimitBurst int `yaml:"rate_limit_burst"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	UserID       string `yaml:"user_id"`
	DefaultScope string `yaml:"default_scope"`
	LogLevel     string `yaml:"log_level"`
	DBPath       string `yaml:"db_path"`

	Remote      RemoteConfig      `yaml:"remote"`
	Sync        SyncConfig        `yaml:"sync"`
	Retention   RetentionConfig   `yaml:"retention"`
	Inference   InferenceConfig   `yaml:"inference"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Server      ServerConfig      `yaml:"server"`
	Telemetry   otel.Config       `yaml:"telemetry"`

	// NeedsSetup is true when no config.yaml existed at load time.
	NeedsSetup bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect sync.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "endpoint=%s|interval=%d|attempts=%d|base=%d|cap=%d|batch=%d|page=%d|log=%s",
		c.Remote.Endpoint, c.Sync.IntervalSeconds, c.Sync.MaxAttempts, c.Sync.BackoffBaseMillis,
		c.Sync.BackoffCapSeconds, c.Sync.BatchSize, c.Sync.PageSize, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		DefaultScope: "machine",
		LogLevel:     "info",
		Remote: RemoteConfig{
			TimeoutSeconds: 10,
		},
		Sync: SyncConfig{
			IntervalSeconds:     30,
			MaxAttempts:         8,
			BackoffBaseMillis:   1000,
			BackoffCapSeconds:   600,
			BatchSize:           50,
			PageSize:            100,
			DebounceMillis:      500,
			DrainTimeoutSeconds: 3,
		},
		Retention: RetentionConfig{
			MachineDays:      90,
			UserDays:         365,
			GlobalDays:       365,
			LostMutationDays: 30,
			Schedule:         "17 3 * * *",
		},
		Inference: InferenceConfig{
			TimeoutSeconds: 60,
		},
		Coordinator: CoordinatorConfig{
			WriteRetries: 3,
		},
		Server: ServerConfig{
			BindAddr: "127.0.0.1:18790",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("HISTSYNC_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".histsync")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml, applies HISTSYNC_* overrides and
// fills defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create histsync home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsSetup = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	cfg.DefaultScope = strings.ToLower(strings.TrimSpace(cfg.DefaultScope))
	if cfg.DefaultScope == "" {
		cfg.DefaultScope = def.DefaultScope
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "history.db")
	}
	cfg.Remote.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Remote.Endpoint), "/")
	if cfg.Remote.TimeoutSeconds <= 0 {
		cfg.Remote.TimeoutSeconds = def.Remote.TimeoutSeconds
	}
	if cfg.Sync.IntervalSeconds <= 0 {
		cfg.Sync.IntervalSeconds = def.Sync.IntervalSeconds
	}
	if cfg.Sync.MaxAttempts <= 0 {
		cfg.Sync.MaxAttempts = def.Sync.MaxAttempts
	}
	if cfg.Sync.BackoffBaseMillis <= 0 {
		cfg.Sync.BackoffBaseMillis = def.Sync.BackoffBaseMillis
	}
	if cfg.Sync.BackoffCapSeconds <= 0 {
		cfg.Sync.BackoffCapSeconds = def.Sync.BackoffCapSeconds
	}
	if cfg.Sync.BatchSize <= 0 {
		cfg.Sync.BatchSize = def.Sync.BatchSize
	}
	if cfg.Sync.PageSize <= 0 {
		cfg.Sync.PageSize = def.Sync.PageSize
	}
	if cfg.Sync.DebounceMillis < 0 {
		cfg.Sync.DebounceMillis = 0
	}
	if cfg.Sync.DrainTimeoutSeconds <= 0 {
		cfg.Sync.DrainTimeoutSeconds = def.Sync.DrainTimeoutSeconds
	}
	if strings.TrimSpace(cfg.Retention.Schedule) == "" {
		cfg.Retention.Schedule = def.Retention.Schedule
	}
	if cfg.Inference.TimeoutSeconds <= 0 {
		cfg.Inference.TimeoutSeconds = def.Inference.TimeoutSeconds
	}
	if cfg.Coordinator.WriteRetries < 0 {
		cfg.Coordinator.WriteRetries = 0
	}
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = def.Server.BindAddr
	}
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = filepath.Join(cfg.HomeDir, "remote.db")
	}
	if cfg.Server.RateLimitRPM < 0 {
		cfg.Server.RateLimitRPM = 0
	}
	if cfg.Server.RateLimitRPM > 0 && cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 10
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "histsync"
	}
}

// validate rejects settings the sync loop cannot run with.
func validate(cfg *Config) error {
	switch cfg.DefaultScope {
	case "machine", "global":
	case "user":
		if cfg.UserID == "" {
			return fmt.Errorf("default_scope user requires user_id")
		}
	default:
		return fmt.Errorf("unknown default_scope %q (supported: machine, user, global)", cfg.DefaultScope)
	}
	if cfg.Sync.BackoffBase() > cfg.Sync.BackoffCap() {
		return fmt.Errorf("sync.backoff_base_ms (%d) must not exceed sync.backoff_cap_seconds (%d)",
			cfg.Sync.BackoffBaseMillis, cfg.Sync.BackoffCapSeconds)
	}
	if cfg.Remote.Endpoint != "" &&
		!strings.HasPrefix(cfg.Remote.Endpoint, "http://") && !strings.HasPrefix(cfg.Remote.Endpoint, "https://") {
		return fmt.Errorf("remote.endpoint must be an http(s) URL, got %q", cfg.Remote.Endpoint)
	}
	return nil
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("HISTSYNC_USER_ID"); raw != "" {
		cfg.UserID = raw
	}
	if raw := os.Getenv("HISTSYNC_DEFAULT_SCOPE"); raw != "" {
		cfg.DefaultScope = raw
	}
	if raw := os.Getenv("HISTSYNC_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("HISTSYNC_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("HISTSYNC_REMOTE_ENDPOINT"); raw != "" {
		cfg.Remote.Endpoint = raw
	}
	if raw := os.Getenv("HISTSYNC_REMOTE_CREDENTIAL"); raw != "" {
		cfg.Remote.Credential = raw
	}
	envInt("HISTSYNC_REMOTE_TIMEOUT_SECONDS", &cfg.Remote.TimeoutSeconds)
	envInt("HISTSYNC_SYNC_INTERVAL_SECONDS", &cfg.Sync.IntervalSeconds)
	envInt("HISTSYNC_SYNC_MAX_ATTEMPTS", &cfg.Sync.MaxAttempts)
	envInt("HISTSYNC_SYNC_BACKOFF_BASE_MS", &cfg.Sync.BackoffBaseMillis)
	envInt("HISTSYNC_SYNC_BACKOFF_CAP_SECONDS", &cfg.Sync.BackoffCapSeconds)
	envInt("HISTSYNC_SYNC_BATCH_SIZE", &cfg.Sync.BatchSize)
	envInt("HISTSYNC_SYNC_PAGE_SIZE", &cfg.Sync.PageSize)
	if raw := os.Getenv("HISTSYNC_INFERENCE_ENDPOINT"); raw != "" {
		cfg.Inference.Endpoint = raw
	}
	if raw := os.Getenv("HISTSYNC_INFERENCE_API_KEY"); raw != "" {
		cfg.Inference.APIKey = raw
	}
	envInt("HISTSYNC_INFERENCE_TIMEOUT_SECONDS", &cfg.Inference.TimeoutSeconds)
	if raw := os.Getenv("HISTSYNC_SERVER_BIND_ADDR"); raw != "" {
		cfg.Server.BindAddr = raw
	}
	if raw := os.Getenv("HISTSYNC_SERVER_CREDENTIAL"); raw != "" {
		cfg.Server.Credential = raw
	}
	if raw := os.Getenv("HISTSYNC_TELEMETRY_EXPORTER"); raw != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Exporter = raw
	}
}
