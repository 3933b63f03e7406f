package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DialogConfig holds the tuning knobs for the Dialog Manager event pipeline.
type DialogConfig struct {
	// EventTimeoutSeconds bounds end-to-end processing of one inbound event.
	EventTimeoutSeconds int `yaml:"event_timeout_seconds"`

	// LockTimeoutMillis bounds how long a conversation's striped mutex is
	// waited on before the event is rejected as Busy.
	LockTimeoutMillis int `yaml:"lock_timeout_millis"`

	// StateCacheSize is the number of DialogState entries held in the
	// write-through LRU in front of the state repository.
	StateCacheSize int `yaml:"state_cache_size"`

	// StateCacheTTLSeconds bounds how long a cached DialogState is trusted
	// before a fresh read is required.
	StateCacheTTLSeconds int `yaml:"state_cache_ttl_seconds"`

	// DebounceWindowMillis is the width of the duplicate-click fingerprint
	// window per chat.
	DebounceWindowMillis int `yaml:"debounce_window_millis"`

	// RateLimitPerMinute and RateLimitBurst parameterize the per-chat token
	// bucket in the Input Validator.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int `yaml:"rate_limit_burst"`

	// MaxSendRetries bounds platform-send retry attempts on transient errors.
	MaxSendRetries int `yaml:"max_send_retries"`

	// AutoTransitionMaxSteps bounds the number of auto-advance steps walked
	// in a single event before the loop guard trips.
	AutoTransitionMaxSteps int `yaml:"auto_transition_max_steps"`

	// SeenWindowSize is the size of the bounded per-bot LRU of processed
	// webhook update ids used for idempotent intake.
	SeenWindowSize int `yaml:"seen_window_size"`

	// AutoStartOnMessage makes a plain text/button event from a chat with
	// no dialog behave like /start; when false the chat stays quiescent
	// until an explicit /start.
	AutoStartOnMessage bool `yaml:"auto_start_on_message"`
}

// IntakeConfig holds the webhook HTTP server and worker pool settings.
type IntakeConfig struct {
	BindAddr      string `yaml:"bind_addr"`
	WorkerCount   int    `yaml:"worker_count"`
	MaxQueueDepth int    `yaml:"max_queue_depth"`
}

// CronConfig holds the webhook-health scheduler settings.
type CronConfig struct {
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`
}

// SideStoreConfig points the Input Validator at its shared Redis-class
// store for cross-instance duplicate detection and rate limiting. An
// empty address keeps both process-local.
type SideStoreConfig struct {
	RedisAddr string `yaml:"redis_addr"`
}

// OTelConfig mirrors otel.Config for YAML (un)marshaling at the config layer.
type OTelConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel     string `yaml:"log_level"`
	DatabasePath string `yaml:"database_path"`

	Dialog    Dialog          `yaml:"dialog,omitempty"`
	Intake    IntakeConfig    `yaml:"intake"`
	Cron      CronConfig      `yaml:"cron"`
	SideStore SideStoreConfig `yaml:"side_store"`
	OTel      OTelConfig      `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// Dialog is an alias kept for YAML tag stability; see DialogConfig.
type Dialog = DialogConfig

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, used to detect
// drift between a running process and its file on disk.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|db=%s|intake=%s|workers=%d|queue=%d|events=%d|lock=%d|cache=%d|ttl=%d|debounce=%d|rate=%d/%d|retries=%d|maxsteps=%d|seen=%d|autostart=%t",
		c.LogLevel, c.DatabasePath, c.Intake.BindAddr, c.Intake.WorkerCount, c.Intake.MaxQueueDepth,
		c.Dialog.EventTimeoutSeconds, c.Dialog.LockTimeoutMillis, c.Dialog.StateCacheSize, c.Dialog.StateCacheTTLSeconds,
		c.Dialog.DebounceWindowMillis, c.Dialog.RateLimitPerMinute, c.Dialog.RateLimitBurst,
		c.Dialog.MaxSendRetries, c.Dialog.AutoTransitionMaxSteps, c.Dialog.SeenWindowSize, c.Dialog.AutoStartOnMessage)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:     "info",
		DatabasePath: "dialogengine.db",
		Dialog: DialogConfig{
			EventTimeoutSeconds:    20,
			LockTimeoutMillis:      3000,
			StateCacheSize:         10000,
			StateCacheTTLSeconds:   300,
			DebounceWindowMillis:   2000,
			RateLimitPerMinute:     20,
			RateLimitBurst:         5,
			MaxSendRetries:         3,
			AutoTransitionMaxSteps: 25,
			SeenWindowSize:         5000,
			AutoStartOnMessage:     true,
		},
		Intake: IntakeConfig{
			BindAddr:      "127.0.0.1:18790",
			WorkerCount:   8,
			MaxQueueDepth: 500,
		},
		Cron: CronConfig{
			CheckIntervalSeconds: 300,
		},
		OTel: OTelConfig{
			Enabled:  false,
			Exporter: "none",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("DIALOGENGINE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".dialogengine")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create dialogengine home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
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
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "dialogengine.db"
	}
	if cfg.Intake.BindAddr == "" {
		cfg.Intake.BindAddr = "127.0.0.1:18790"
	}
	if cfg.Intake.WorkerCount <= 0 {
		cfg.Intake.WorkerCount = 8
	}
	if cfg.Intake.MaxQueueDepth <= 0 {
		cfg.Intake.MaxQueueDepth = 500
	}
	if cfg.Cron.CheckIntervalSeconds <= 0 {
		cfg.Cron.CheckIntervalSeconds = 300
	}
	if cfg.Dialog.EventTimeoutSeconds <= 0 {
		cfg.Dialog.EventTimeoutSeconds = 20
	}
	if cfg.Dialog.LockTimeoutMillis <= 0 {
		cfg.Dialog.LockTimeoutMillis = 3000
	}
	if cfg.Dialog.StateCacheSize <= 0 {
		cfg.Dialog.StateCacheSize = 10000
	}
	if cfg.Dialog.StateCacheTTLSeconds <= 0 {
		cfg.Dialog.StateCacheTTLSeconds = 300
	}
	if cfg.Dialog.DebounceWindowMillis <= 0 {
		cfg.Dialog.DebounceWindowMillis = 2000
	}
	if cfg.Dialog.RateLimitPerMinute <= 0 {
		cfg.Dialog.RateLimitPerMinute = 20
	}
	if cfg.Dialog.RateLimitBurst <= 0 {
		cfg.Dialog.RateLimitBurst = 5
	}
	if cfg.Dialog.MaxSendRetries <= 0 {
		cfg.Dialog.MaxSendRetries = 3
	}
	if cfg.Dialog.AutoTransitionMaxSteps <= 0 {
		cfg.Dialog.AutoTransitionMaxSteps = 25
	}
	if cfg.Dialog.SeenWindowSize <= 0 {
		cfg.Dialog.SeenWindowSize = 5000
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "none"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DIALOGENGINE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("DIALOGENGINE_DATABASE_PATH"); raw != "" {
		cfg.DatabasePath = raw
	}
	if raw := os.Getenv("DIALOGENGINE_BIND_ADDR"); raw != "" {
		cfg.Intake.BindAddr = raw
	}
	if raw := os.Getenv("DIALOGENGINE_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Intake.WorkerCount = v
		}
	}
	if raw := os.Getenv("DIALOGENGINE_EVENT_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Dialog.EventTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("DIALOGENGINE_LOCK_TIMEOUT_MILLIS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Dialog.LockTimeoutMillis = v
		}
	}
	if raw := os.Getenv("DIALOGENGINE_AUTO_TRANSITION_MAX_STEPS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Dialog.AutoTransitionMaxSteps = v
		}
	}
	if raw := os.Getenv("DIALOGENGINE_RATE_LIMIT_PER_MINUTE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Dialog.RateLimitPerMinute = v
		}
	}
	if raw := os.Getenv("DIALOGENGINE_DEBOUNCE_WINDOW_MILLIS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Dialog.DebounceWindowMillis = v
		}
	}
	if raw := os.Getenv("DIALOGENGINE_REDIS_ADDR"); raw != "" {
		cfg.SideStore.RedisAddr = raw
	}
	if raw := os.Getenv("DIALOGENGINE_OTEL_ENABLED"); raw != "" {
		cfg.OTel.Enabled = raw == "1" || raw == "true"
	}
	if raw := os.Getenv("DIALOGENGINE_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Exporter = raw
	}
	if raw := os.Getenv("DIALOGENGINE_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetDialogTuning updates a subset of dialog tuning knobs in config.yaml,
// preserving other settings.
func SetDialogTuning(homeDir string, autoTransitionMaxSteps, rateLimitPerMinute int) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	dialog, _ := raw["dialog"].(map[string]interface{})
	if dialog == nil {
		dialog = make(map[string]interface{})
	}
	if autoTransitionMaxSteps > 0 {
		dialog["auto_transition_max_steps"] = autoTransitionMaxSteps
	}
	if rateLimitPerMinute > 0 {
		dialog["rate_limit_per_minute"] = rateLimitPerMinute
	}
	raw["dialog"] = dialog
	return saveRawConfig(configPath, raw)
}
