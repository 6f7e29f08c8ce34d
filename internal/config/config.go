// Package config loads and validates the parley configuration file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/text/language"

	"github.com/haasonsaas/parley/internal/channels/telegram"
	"github.com/haasonsaas/parley/internal/channels/whatsapp"
	"github.com/haasonsaas/parley/internal/delivery"
	"github.com/haasonsaas/parley/internal/dispatch"
	"github.com/haasonsaas/parley/internal/jobs"
	"github.com/haasonsaas/parley/internal/llm"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/ratelimit"
	"github.com/haasonsaas/parley/internal/sessions"
)

// Config is the main configuration structure for parley.
type Config struct {
	Version   int                       `yaml:"version"`
	Logging   observability.LogConfig   `yaml:"logging"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	Tracing   observability.TraceConfig `yaml:"tracing"`
	RateLimit ratelimit.Config          `yaml:"rate_limit"`
	Sessions  sessions.ExpiryConfig     `yaml:"sessions"`
	Delivery  delivery.Config           `yaml:"delivery"`
	Jobs      jobs.Config               `yaml:"jobs"`
	AI        llm.Config                `yaml:"ai"`
	Bot       BotConfig                 `yaml:"bot"`
	Channels  ChannelsConfig            `yaml:"channels"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// BotConfig controls how the bot presents itself.
type BotConfig struct {
	dispatch.Config `yaml:",inline"`

	// DefaultLanguage is used when detection finds no better match.
	DefaultLanguage string `yaml:"default_language"`
}

// Language returns the parsed default language, English when unset or invalid.
func (b BotConfig) Language() language.Tag {
	if strings.TrimSpace(b.DefaultLanguage) == "" {
		return language.English
	}
	tag, err := language.Parse(b.DefaultLanguage)
	if err != nil {
		return language.English
	}
	return tag
}

// ChannelsConfig holds per-transport settings.
type ChannelsConfig struct {
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Telegram telegram.Config `yaml:"telegram"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Logging: observability.LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		Tracing: observability.TraceConfig{
			ServiceName:  observability.DefaultServiceName,
			SamplingRate: 1.0,
		},
		RateLimit: ratelimit.DefaultConfig(),
		Sessions:  sessions.DefaultExpiryConfig(),
		Delivery:  delivery.DefaultConfig(),
		Jobs:      jobs.DefaultConfig(),
		AI:        llm.DefaultConfig(),
		Bot: BotConfig{
			Config:          dispatch.DefaultConfig(),
			DefaultLanguage: "en",
		},
		Channels: ChannelsConfig{
			WhatsApp: *whatsapp.DefaultConfig(),
			Telegram: *telegram.DefaultConfig(),
		},
	}
}

// Load reads, decodes and validates the configuration at path. Keys absent
// from the file keep their defaults.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills values that were explicitly blanked in the file.
func applyDefaults(cfg *Config) {
	defaults := Default()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaults.Metrics.Path
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = defaults.Tracing.ServiceName
	}
	if cfg.Jobs.Binary == "" {
		cfg.Jobs.Binary = defaults.Jobs.Binary
	}
	if cfg.Jobs.OutputDir == "" {
		cfg.Jobs.OutputDir = defaults.Jobs.OutputDir
	}
	if cfg.AI.BaseURL == "" {
		cfg.AI.BaseURL = defaults.AI.BaseURL
	}
	if cfg.AI.Fallback == "" {
		cfg.AI.Fallback = defaults.AI.Fallback
	}
	if cfg.Bot.BotName == "" {
		cfg.Bot.BotName = defaults.Bot.BotName
	}
	if cfg.Bot.CommandPrefix == "" {
		cfg.Bot.CommandPrefix = defaults.Bot.CommandPrefix
	}
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config:\n  - " + strings.Join(e.Issues, "\n  - ")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		add("%v", err)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text, got %q", c.Logging.Format)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		add("metrics.addr is required when metrics are enabled")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"rate_limit.cooldown", c.RateLimit.Cooldown},
		{"rate_limit.window", c.RateLimit.Window},
		{"sessions.idle_ttl", c.Sessions.IdleTTL},
		{"delivery.global_min_interval", c.Delivery.GlobalMinInterval},
		{"delivery.typing_min", c.Delivery.TypingMin},
		{"delivery.typing_max", c.Delivery.TypingMax},
		{"jobs.max_duration", c.Jobs.MaxDuration},
		{"ai.timeout", c.AI.Timeout},
	}
	for _, d := range durations {
		if d.value < 0 {
			add("%s must not be negative", d.name)
		}
	}
	if c.RateLimit.MaxPerWindow < 0 {
		add("rate_limit.max_per_window must not be negative")
	}
	if c.Delivery.TypingMin > c.Delivery.TypingMax {
		add("delivery.typing_min must not exceed delivery.typing_max")
	}
	if c.Sessions.IdleTTL > 0 {
		if _, err := cron.ParseStandard(c.Sessions.Schedule); err != nil {
			add("sessions.sweep_schedule is invalid: %v", err)
		}
	}

	if len(c.AI.Models) == 0 {
		add("ai.models must list at least one model")
	}
	for i, model := range c.AI.Models {
		if strings.TrimSpace(model) == "" {
			add("ai.models[%d] is empty", i)
		}
	}
	if c.AI.Temperature < 0 || c.AI.Temperature > 2 {
		add("ai.temperature must be between 0 and 2")
	}

	if strings.ContainsAny(c.Bot.CommandPrefix, " \t\n") {
		add("bot.command_prefix must not contain whitespace")
	}
	if c.Bot.DefaultLanguage != "" {
		if _, err := language.Parse(c.Bot.DefaultLanguage); err != nil {
			add("bot.default_language is invalid: %v", err)
		}
	}

	if err := c.Channels.WhatsApp.Validate(); err != nil {
		add("%v", err)
	}
	if err := c.Channels.Telegram.Validate(); err != nil {
		add("%v", err)
	}
	if !c.Channels.WhatsApp.Enabled && !c.Channels.Telegram.Enabled {
		add("at least one channel must be enabled")
	}

	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: issues}
}
