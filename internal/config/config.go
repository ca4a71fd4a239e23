package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/claw-relay/internal/otel"
)

// TelegramConfig holds the transport credentials and allowlist.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// AgentConfig points at the agent daemon.
type AgentConfig struct {
	BaseURL string `yaml:"base_url"`
}

// SessionConfig tunes the session cache and retry machine.
type SessionConfig struct {
	IdleTimeoutMs int `yaml:"idle_timeout_ms"`
	MaxConcurrent int `yaml:"max_concurrent"`
	RetryAttempts int `yaml:"retry_attempts"`
}

// ProgressConfig paces the "still working" notifications.
type ProgressConfig struct {
	FirstMs  int `yaml:"first_ms"`
	EveryMs  int `yaml:"every_ms"`
	MaxCount int `yaml:"max_count"`
}

// Config is the full worker configuration, loaded from
// <home>/config.yaml with env overrides.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Telegram TelegramConfig `yaml:"telegram"`
	Agent    AgentConfig    `yaml:"agent"`
	Session  SessionConfig  `yaml:"session"`
	Progress ProgressConfig `yaml:"progress"`

	RelayTimeoutMs      int    `yaml:"relay_timeout_ms"`
	MaxConcurrentTopics int    `yaml:"max_concurrent_topics"`
	SemaphoreQueueSize  int    `yaml:"semaphore_queue_size"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`
	DefaultWorkspace    string `yaml:"default_workspace"`

	// StartupAnnounceChatID gets a boot banner when set. Distinct from the
	// durable restart ack, which always wins if pending.
	StartupAnnounceChatID   int64 `yaml:"startup_announce_chat_id"`
	StartupAnnounceThreadID *int  `yaml:"startup_announce_thread_id"`

	// MaintenanceCron schedules the eviction/retention sweep.
	MaintenanceCron        string `yaml:"maintenance_cron"`
	RetentionTurnEventDays int    `yaml:"retention_turn_event_days"`

	DBPath string `yaml:"db_path"`

	Otel otel.Config `yaml:"otel"`
}

// DefaultHomeDir returns ~/.clawrelay, or the CLAWRELAY_HOME override.
func DefaultHomeDir() string {
	if v := os.Getenv("CLAWRELAY_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawrelay")
}

// Path returns the config.yaml location inside homeDir.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from homeDir, applies env overrides and defaults,
// and validates. A missing file yields a default config (the token must
// then come from the environment).
func Load(homeDir string) (*Config, error) {
	cfg := &Config{HomeDir: homeDir}

	data, err := os.ReadFile(Path(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	cfg.HomeDir = homeDir

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("AGENT_BASE_URL"); v != "" {
		cfg.Agent.BaseURL = v
	}
	if v := os.Getenv("RELAY_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RelayTimeoutMs = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Agent.BaseURL == "" {
		cfg.Agent.BaseURL = "http://127.0.0.1:8377"
	}
	if cfg.Session.IdleTimeoutMs <= 0 {
		cfg.Session.IdleTimeoutMs = 2_700_000 // 45 minutes
	}
	if cfg.Session.MaxConcurrent <= 0 {
		cfg.Session.MaxConcurrent = 5
	}
	if cfg.Session.RetryAttempts < 0 {
		cfg.Session.RetryAttempts = 0
	} else if cfg.Session.RetryAttempts == 0 {
		cfg.Session.RetryAttempts = 1
	}
	if cfg.RelayTimeoutMs <= 0 {
		cfg.RelayTimeoutMs = 300_000
	}
	if cfg.Progress.FirstMs <= 0 {
		cfg.Progress.FirstMs = 10_000
	}
	if cfg.Progress.EveryMs <= 0 {
		cfg.Progress.EveryMs = 30_000
	}
	if cfg.Progress.MaxCount <= 0 {
		cfg.Progress.MaxCount = 3
	}
	if cfg.MaxConcurrentTopics <= 0 {
		cfg.MaxConcurrentTopics = 3
	}
	if cfg.SemaphoreQueueSize <= 0 {
		cfg.SemaphoreQueueSize = 100
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 30
	}
	if cfg.DefaultWorkspace == "" {
		cfg.DefaultWorkspace = filepath.Join(cfg.HomeDir, "workspace")
	}
	if cfg.MaintenanceCron == "" {
		cfg.MaintenanceCron = "*/5 * * * *"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "relay.db")
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or set TELEGRAM_BOT_TOKEN)")
	}
	if c.Session.RetryAttempts > 1 {
		return fmt.Errorf("session.retry_attempts supports at most one fresh-session retry, got %d", c.Session.RetryAttempts)
	}
	return nil
}

// Duration accessors so callers don't juggle millisecond ints.

func (c *Config) RelayTimeout() time.Duration {
	return time.Duration(c.RelayTimeoutMs) * time.Millisecond
}

func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.Session.IdleTimeoutMs) * time.Millisecond
}

func (c *Config) ProgressFirst() time.Duration {
	return time.Duration(c.Progress.FirstMs) * time.Millisecond
}

func (c *Config) ProgressEvery() time.Duration {
	return time.Duration(c.Progress.EveryMs) * time.Millisecond
}

func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}
