// Package config loads config.yaml from the chatdigest home directory.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/basket/chatdigest/internal/buffer"
	"github.com/basket/chatdigest/internal/cron"
	"github.com/basket/chatdigest/internal/engine"
	"github.com/basket/chatdigest/internal/gateway"
	"github.com/basket/chatdigest/internal/otel"
	"github.com/basket/chatdigest/internal/persistence"
	"github.com/basket/chatdigest/internal/trigger"
)

// ConfigError reports one unusable setting. Load keeps going and records it
// in Config.Warnings with the setting replaced by its fallback.
type ConfigError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s=%q: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// SummaryConfig holds the trigger and prompt settings.
type SummaryConfig struct {
	Threshold int `yaml:"threshold"`
	// Mode is "immediate" (count trigger, "auto" also accepted) or "daily".
	Mode string `yaml:"mode"`
	// DailyTime is HH:MM; empty disables the daily trigger.
	DailyTime string `yaml:"daily_time"`
	// Timezone is an IANA name; empty means the host's local zone.
	Timezone      string `yaml:"timezone"`
	TriggerPhrase string `yaml:"trigger_phrase"`
	Command       string `yaml:"command"`
	Style         string `yaml:"style"`

	BufferCapacity  int `yaml:"buffer_capacity"`
	MaxMessageChars int `yaml:"max_message_chars"`

	CompletionTimeoutSeconds int  `yaml:"completion_timeout_seconds"`
	GraceSeconds             int  `yaml:"grace_seconds"`
	TickSeconds              int  `yaml:"tick_seconds"`
	MaxConcurrent            int  `yaml:"max_concurrent"`
	RetryFailedWindow        bool `yaml:"retry_failed_window"`

	// DailyDisabled is set when DailyTime could not be parsed.
	DailyDisabled bool `yaml:"-"`
}

// LLMConfig lists completion providers in failover order.
type LLMConfig struct {
	Providers []engine.ProviderConfig `yaml:"providers"`

	// FailoverThreshold is the number of consecutive failures before a
	// provider's circuit breaker trips. Default 5.
	FailoverThreshold int `yaml:"failover_threshold"`

	// FailoverCooldownSeconds is how long a tripped breaker stays open.
	// Default 300.
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	// Rooms are joined on startup; invites to other rooms are accepted too.
	Rooms   []string `yaml:"rooms"`
	Enabled bool     `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Matrix   MatrixConfig   `yaml:"matrix"`
}

// GatewayConfig controls the local HTTP status API.
type GatewayConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AuthToken string `yaml:"auth_token"`
	// AllowOrigins lists browser origins allowed by CORS and the websocket
	// handshake. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`
	// RateLimit bounds manual summarize requests per client.
	RateLimit gateway.RateLimitConfig `yaml:"rate_limit"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// DrainTimeoutSeconds bounds how long shutdown waits for running
	// summaries. Default 5.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Summary     SummaryConfig      `yaml:"summary"`
	LLM         LLMConfig          `yaml:"llm"`
	Persistence persistence.Config `yaml:"persistence"`
	Channels    ChannelsConfig     `yaml:"channels"`
	Gateway     GatewayConfig      `yaml:"gateway"`
	Telemetry   otel.Config        `yaml:"telemetry"`

	// Warnings collects settings that were replaced by a fallback.
	Warnings []error `yaml:"-"`
	// Missing is true when config.yaml does not exist.
	Missing bool `yaml:"-"`
}

const (
	DefaultBindAddr          = "127.0.0.1:18790"
	DefaultCommand           = "/summary"
	DefaultStyle             = "concise"
	DefaultDailyTime         = "20:00"
	DefaultCompletionTimeout = 60
	DefaultMaxConcurrent     = 4
)

func defaultConfig() Config {
	return Config{
		BindAddr:            DefaultBindAddr,
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		Summary: SummaryConfig{
			Threshold:                trigger.DefaultThreshold,
			Mode:                     string(trigger.ModeImmediate),
			DailyTime:                DefaultDailyTime,
			Command:                  DefaultCommand,
			Style:                    DefaultStyle,
			BufferCapacity:           buffer.DefaultCapacity,
			MaxMessageChars:          buffer.DefaultMaxTextRunes,
			CompletionTimeoutSeconds: DefaultCompletionTimeout,
			GraceSeconds:             int(cron.DefaultGrace.Seconds()),
			TickSeconds:              int(cron.DefaultInterval.Seconds()),
			MaxConcurrent:            DefaultMaxConcurrent,
		},
		LLM: LLMConfig{
			FailoverThreshold:       5,
			FailoverCooldownSeconds: 300,
		},
		Persistence: persistence.Config{Backend: persistence.BackendFile},
		Gateway: GatewayConfig{
			Enabled:   true,
			RateLimit: gateway.RateLimitConfig{PerMinute: 6, Burst: 2},
		},
		Telemetry: otel.Config{
			Exporter:    "none",
			ServiceName: "chatdigest",
			SampleRate:  1.0,
		},
	}
}

// HomeDir returns CHATDIGEST_HOME or ~/.chatdigest.
func HomeDir() string {
	if override := os.Getenv("CHATDIGEST_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".chatdigest")
}

// ConfigPath returns the config file location under homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from HomeDir. A missing file yields the defaults.
// Only unreadable or unparsable files are errors; bad individual values end
// up in Warnings.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create chatdigest home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Missing = true
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

func (c *Config) warn(field, value string, err error) {
	c.Warnings = append(c.Warnings, &ConfigError{Field: field, Value: value, Err: err})
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}

	s := &cfg.Summary
	if s.BufferCapacity <= 0 {
		s.BufferCapacity = buffer.DefaultCapacity
	}
	if s.MaxMessageChars <= 0 {
		s.MaxMessageChars = buffer.DefaultMaxTextRunes
	}
	switch {
	case s.Threshold == 0:
		s.Threshold = trigger.DefaultThreshold
	case s.Threshold < trigger.MinThreshold:
		cfg.warn("summary.threshold", strconv.Itoa(s.Threshold), errors.New("below 1, using 1"))
		s.Threshold = trigger.MinThreshold
	case s.Threshold > s.BufferCapacity:
		cfg.warn("summary.threshold", strconv.Itoa(s.Threshold),
			fmt.Errorf("exceeds buffer_capacity, using %d", s.BufferCapacity))
		s.Threshold = s.BufferCapacity
	}
	if mode, ok := trigger.ParseMode(s.Mode); ok {
		s.Mode = string(mode)
	} else {
		cfg.warn("summary.mode", s.Mode, errors.New("unknown mode, using immediate"))
		s.Mode = string(trigger.ModeImmediate)
	}
	if strings.TrimSpace(s.Command) == "" {
		s.Command = DefaultCommand
	}
	if strings.TrimSpace(s.Style) == "" {
		s.Style = DefaultStyle
	}
	if s.CompletionTimeoutSeconds <= 0 {
		s.CompletionTimeoutSeconds = DefaultCompletionTimeout
	}
	if s.GraceSeconds < 0 {
		s.GraceSeconds = int(cron.DefaultGrace.Seconds())
	}
	if s.TickSeconds <= 0 {
		s.TickSeconds = int(cron.DefaultInterval.Seconds())
	}
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = DefaultMaxConcurrent
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		cfg.warn("summary.timezone", s.Timezone, fmt.Errorf("%w, using local time", err))
		s.Timezone = ""
	}
	s.DailyTime = strings.TrimSpace(s.DailyTime)
	if s.DailyTime != "" {
		if _, err := cron.DailyExpr(s.DailyTime); err != nil {
			cfg.warn("summary.daily_time", s.DailyTime, fmt.Errorf("%w, daily summaries disabled", err))
			s.DailyDisabled = true
		}
	}

	if cfg.LLM.FailoverThreshold <= 0 {
		cfg.LLM.FailoverThreshold = 5
	}
	if cfg.LLM.FailoverCooldownSeconds <= 0 {
		cfg.LLM.FailoverCooldownSeconds = 300
	}
	if len(cfg.LLM.Providers) == 0 {
		// Pick whatever credentials the environment offers.
		for _, p := range []string{"google", "anthropic", "openai", "openrouter"} {
			if providerEnvKey(p) != "" {
				cfg.LLM.Providers = append(cfg.LLM.Providers, engine.ProviderConfig{Provider: p})
			}
		}
	}

	cfg.Persistence.Backend = strings.ToLower(strings.TrimSpace(cfg.Persistence.Backend))
	switch cfg.Persistence.Backend {
	case "":
		cfg.Persistence.Backend = persistence.BackendFile
	case persistence.BackendFile, persistence.BackendSQLite:
	default:
		cfg.warn("persistence.backend", cfg.Persistence.Backend, errors.New("unknown backend, using file"))
		cfg.Persistence.Backend = persistence.BackendFile
	}
	if cfg.Persistence.Path != "" && !filepath.IsAbs(cfg.Persistence.Path) {
		cfg.Persistence.Path = filepath.Join(cfg.HomeDir, cfg.Persistence.Path)
	}
}

func providerEnvKey(provider string) string {
	switch provider {
	case "google":
		return os.Getenv("GEMINI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	}
	return ""
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CHATDIGEST_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CHATDIGEST_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CHATDIGEST_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CHATDIGEST_THRESHOLD"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Summary.Threshold = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("MATRIX_ACCESS_TOKEN"); raw != "" {
		cfg.Channels.Matrix.AccessToken = raw
	}
	if raw := os.Getenv("CHATDIGEST_GATEWAY_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		if p.APIKey == "" {
			p.APIKey = providerEnvKey(strings.ToLower(p.Provider))
		}
	}
}

// Location returns the configured timezone, or time.Local.
func (s SummaryConfig) Location() *time.Location {
	if s.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// DailySchedule returns the daily trigger schedule, or nil unless mode is
// daily and daily_time parsed.
func (s SummaryConfig) DailySchedule() cronlib.Schedule {
	if mode, _ := trigger.ParseMode(s.Mode); mode != trigger.ModeDaily {
		return nil
	}
	if s.DailyTime == "" || s.DailyDisabled {
		return nil
	}
	sched, err := cron.ParseDaily(s.DailyTime, s.Location())
	if err != nil {
		return nil
	}
	return sched
}

// Policy builds the trigger policy these settings describe.
func (s SummaryConfig) Policy() trigger.Policy {
	mode, _ := trigger.ParseMode(s.Mode)
	return trigger.Policy{
		Threshold:     s.Threshold,
		Mode:          mode,
		TriggerPhrase: s.TriggerPhrase,
		Command:       s.Command,
		Location:      s.Location(),
	}.Normalize(s.BufferCapacity)
}

// CompletionTimeout is CompletionTimeoutSeconds as a duration.
func (s SummaryConfig) CompletionTimeout() time.Duration {
	return time.Duration(s.CompletionTimeoutSeconds) * time.Second
}

// FailoverConfig maps the LLM settings onto the engine's failover tuning.
func (l LLMConfig) FailoverConfig() engine.FailoverConfig {
	return engine.FailoverConfig{
		Threshold: l.FailoverThreshold,
		Cooldown:  time.Duration(l.FailoverCooldownSeconds) * time.Second,
	}
}

// Fingerprint returns a stable hash of the settings that can be reloaded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	s := c.Summary
	fmt.Fprintf(h, "threshold=%d|mode=%s|daily=%s|tz=%s|phrase=%s|cmd=%s|style=%s|retry=%t",
		s.Threshold, s.Mode, s.DailyTime, s.Timezone, s.TriggerPhrase, s.Command, s.Style, s.RetryFailedWindow)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
