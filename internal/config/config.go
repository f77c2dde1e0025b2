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
)

// ProviderConfig holds capability-provider settings.
type ProviderConfig struct {
	// Provider names the active backend: "openai", "openai_compatible", "ollama".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"` // custom endpoint (e.g. a local gateway)
	// APIKeyEnv names the environment variable holding the key; the key itself
	// is never written to config.yaml.
	APIKeyEnv      string  `yaml:"api_key_env"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RetryLimit     int     `yaml:"retry_limit"` // in-attempt retries for transient errors
	CostPer1KUSD   float64 `yaml:"cost_per_1k_usd"`
}

// PredicateRule is one acceptance check a stage applies to parsed evidence.
type PredicateRule struct {
	Key    string  `yaml:"key"`
	Kind   string  `yaml:"kind"` // "bool", "threshold", "presence"
	Equals bool    `yaml:"equals"`
	Min    float64 `yaml:"min"`
}

// StageConfig holds per-stage tuning.
type StageConfig struct {
	MaxAttempts int             `yaml:"max_attempts"`
	Rules       []PredicateRule `yaml:"rules"`
}

// RoleConfig defines how many workers of a role to run.
type RoleConfig struct {
	Role  string `yaml:"role"`
	Count int    `yaml:"count"`
}

// OracleConfig tunes the escalation role.
type OracleConfig struct {
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Fallbacks      map[string]string `yaml:"fallbacks"` // question kind -> fallback answer
}

// TelegramConfig enables dead-letter alerts to a Telegram chat.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

// OtelConfig configures trace/metric export.
type OtelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	// AllowOrigins lists Origin headers accepted for browser websocket
	// connections; empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// Queue and lease tuning.
	PollIntervalMS         int `yaml:"poll_interval_ms"`
	LeaseTimeoutSeconds    int `yaml:"lease_timeout_seconds"`
	ReclaimIntervalSeconds int `yaml:"reclaim_interval_seconds"`
	MaxQueueDepth          int `yaml:"max_queue_depth"` // 0 = unlimited

	// Retry/backoff for requeued items.
	RetryBaseDelayMS int `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMS  int `yaml:"retry_max_delay_ms"`

	// Worker supervision.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	SupervisorMaxMissed      int `yaml:"supervisor_max_missed"`

	// Periodic maintenance (5-field cron expression).
	MaintenanceCron       string `yaml:"maintenance_cron"`
	EvidenceRetentionDays int    `yaml:"evidence_retention_days"`
	EventRetentionDays    int    `yaml:"event_retention_days"`

	MetricsIntervalSeconds int `yaml:"metrics_interval_seconds"`

	Stages   map[string]StageConfig `yaml:"stages"`
	Roles    []RoleConfig           `yaml:"roles"`
	Oracle   OracleConfig           `yaml:"oracle"`
	Provider ProviderConfig         `yaml:"provider"`
	Telegram TelegramConfig         `yaml:"telegram"`
	Otel     OtelConfig             `yaml:"otel"`
}

// APIKey resolves the provider API key from the configured env var.
func (c Config) APIKey() string {
	if c.Provider.APIKeyEnv != "" {
		if v := os.Getenv(c.Provider.APIKeyEnv); v != "" {
			return v
		}
	}
	return os.Getenv("OPENAI_API_KEY")
}

// PollInterval returns the worker poll interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// LeaseTimeout returns the lease duration.
func (c Config) LeaseTimeout() time.Duration {
	return time.Duration(c.LeaseTimeoutSeconds) * time.Second
}

// ReclaimInterval returns the reclaimer scan cadence.
func (c Config) ReclaimInterval() time.Duration {
	return time.Duration(c.ReclaimIntervalSeconds) * time.Second
}

// HeartbeatInterval returns the worker heartbeat cadence.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// RetryBaseDelay returns the backoff base for requeued items.
func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

// RetryMaxDelay returns the backoff cap for requeued items.
func (c Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMS) * time.Millisecond
}

// Fingerprint returns a stable hash of the active tuning knobs.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|poll=%d|lease=%d|reclaim=%d|base=%d|max=%d|hb=%d|missed=%d",
		c.BindAddr, c.LogLevel, c.PollIntervalMS, c.LeaseTimeoutSeconds,
		c.ReclaimIntervalSeconds, c.RetryBaseDelayMS, c.RetryMaxDelayMS,
		c.HeartbeatIntervalSeconds, c.SupervisorMaxMissed)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the foundry home directory, honoring FOUNDRY_HOME.
func HomeDir() string {
	if override := os.Getenv("FOUNDRY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".foundry")
}

func defaultConfig() Config {
	return Config{
		BindAddr:                 "127.0.0.1:18890",
		LogLevel:                 "info",
		PollIntervalMS:           100,
		LeaseTimeoutSeconds:      30,
		ReclaimIntervalSeconds:   5,
		MaxQueueDepth:            100,
		RetryBaseDelayMS:         1000,
		RetryMaxDelayMS:          30000,
		HeartbeatIntervalSeconds: 5,
		SupervisorMaxMissed:      3,
		MaintenanceCron:          "0 3 * * *",
		EvidenceRetentionDays:    90,
		EventRetentionDays:       90,
		MetricsIntervalSeconds:   10,
		Stages: map[string]StageConfig{
			"DEV": {
				MaxAttempts: 3,
				Rules: []PredicateRule{
					{Key: "tests_passed", Kind: "bool", Equals: true},
					{Key: "coverage_pct", Kind: "threshold", Min: 80},
				},
			},
			"VALIDATION": {
				MaxAttempts: 3,
				Rules: []PredicateRule{
					{Key: "review_passed", Kind: "bool", Equals: true},
				},
			},
			"INTEGRATION": {
				MaxAttempts: 3,
				Rules: []PredicateRule{
					{Key: "merged", Kind: "bool", Equals: true},
				},
			},
		},
		Roles: []RoleConfig{
			{Role: "developer", Count: 2},
			{Role: "validator", Count: 1},
			{Role: "integrator", Count: 1},
			{Role: "oracle", Count: 1},
		},
		Oracle: OracleConfig{
			TimeoutSeconds: 30,
			Fallbacks:      map[string]string{"default": "proceed"},
		},
		Provider: ProviderConfig{
			Provider:       "openai",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 120,
			RetryLimit:     3,
			CostPer1KUSD:   0.0006,
		},
		Otel: OtelConfig{
			Exporter:    "none",
			ServiceName: "foundry",
		},
	}
}

// Load reads config.yaml from the foundry home, applying defaults and
// environment overrides. A missing file yields the defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create foundry home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// LoadFile reads an explicit config file path (used by the watcher reload path).
func LoadFile(path string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = filepath.Dir(path)

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18890"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.PollIntervalMS <= 0 {
		cfg.PollIntervalMS = 100
	}
	if cfg.LeaseTimeoutSeconds <= 0 {
		cfg.LeaseTimeoutSeconds = 30
	}
	if cfg.ReclaimIntervalSeconds <= 0 {
		cfg.ReclaimIntervalSeconds = 5
	}
	if cfg.RetryBaseDelayMS <= 0 {
		cfg.RetryBaseDelayMS = 1000
	}
	if cfg.RetryMaxDelayMS < cfg.RetryBaseDelayMS {
		cfg.RetryMaxDelayMS = 30000
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = 5
	}
	if cfg.SupervisorMaxMissed <= 0 {
		cfg.SupervisorMaxMissed = 3
	}
	if cfg.MetricsIntervalSeconds <= 0 {
		cfg.MetricsIntervalSeconds = 10
	}
	if cfg.MaintenanceCron == "" {
		cfg.MaintenanceCron = "0 3 * * *"
	}
	if cfg.Oracle.TimeoutSeconds <= 0 {
		cfg.Oracle.TimeoutSeconds = 30
	}
	if len(cfg.Oracle.Fallbacks) == 0 {
		cfg.Oracle.Fallbacks = map[string]string{"default": "proceed"}
	}
	if cfg.Provider.Provider == "" {
		cfg.Provider.Provider = "openai"
	}
	if cfg.Provider.TimeoutSeconds <= 0 {
		cfg.Provider.TimeoutSeconds = 120
	}
	if cfg.Provider.RetryLimit <= 0 {
		cfg.Provider.RetryLimit = 3
	}
	for name, stage := range cfg.Stages {
		if stage.MaxAttempts <= 0 {
			stage.MaxAttempts = 3
			cfg.Stages[name] = stage
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("FOUNDRY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("FOUNDRY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("FOUNDRY_POLL_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PollIntervalMS = v
		}
	}
	if raw := os.Getenv("FOUNDRY_LEASE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.LeaseTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("FOUNDRY_RECLAIM_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ReclaimIntervalSeconds = v
		}
	}
	if raw := os.Getenv("FOUNDRY_MAX_QUEUE_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxQueueDepth = v
		}
	}
	if raw := os.Getenv("FOUNDRY_PROVIDER"); raw != "" {
		cfg.Provider.Provider = raw
	}
	if raw := os.Getenv("FOUNDRY_MODEL"); raw != "" {
		cfg.Provider.Model = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
}

// MaxAttempts returns the attempt bound for a stage, defaulting to 3.
func (c Config) MaxAttempts(stage string) int {
	if sc, ok := c.Stages[strings.ToUpper(stage)]; ok && sc.MaxAttempts > 0 {
		return sc.MaxAttempts
	}
	return 3
}
