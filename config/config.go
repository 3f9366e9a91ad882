package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/catalogmirror/banner-scrape/internal/ratelimit"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env  string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port string `env:"PORT" envDefault:"8080" validate:"required"`

	DatabaseURL     string        `env:"DATABASE_URL,required" validate:"required"`
	BannerBaseURL   string        `env:"BANNER_BASE_URL,required" validate:"required,url"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s" validate:"required"`

	WorkerCount int `env:"WORKER_COUNT" envDefault:"4" validate:"min=1,max=100"`

	// RateLimiting*RPM override internal/ratelimit's per-class defaults;
	// zero means "use the built-in default" (see ratelimit.DefaultConfig).
	RateLimitingSessionRPM     int `env:"RATE_LIMITING_SESSION_RPM"`
	RateLimitingSearchRPM      int `env:"RATE_LIMITING_SEARCH_RPM"`
	RateLimitingMetadataRPM    int `env:"RATE_LIMITING_METADATA_RPM"`
	RateLimitingResetRPM       int `env:"RATE_LIMITING_RESET_RPM"`
	RateLimitingBurstAllowance int `env:"RATE_LIMITING_BURST_ALLOWANCE"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`

	// Admin console auth: magic-link sign-in for operators, distinct from
	// any end-user-facing login flow.
	JWTSecret     string `env:"JWT_SECRET,required" validate:"required,min=16"`
	MagicLinkBase string `env:"MAGIC_LINK_BASE" envDefault:"http://localhost:8080"`
	ResendAPIKey  string `env:"RESEND_API_KEY"`
	ResendFrom    string `env:"RESEND_FROM" envDefault:"no-reply@catalogmirror.local"`

	// TermSyncCron drives internal/term.SyncJob's discovery tick (standard
	// five-field cron syntax). Daily at 03:00 by default — term discovery
	// changes at most a few times a year, unlike the ~60s adaptive-scrape
	// tick.
	TermSyncCron string `env:"TERM_SYNC_CRON" envDefault:"0 3 * * *"`

	// BotToken/BotAppID/BotTargetGuild configure an optional external
	// chat-bot collaborator surface; left unset in deployments that don't
	// run it.
	BotToken       string `env:"BOT_TOKEN"`
	BotAppID       string `env:"BOT_APP_ID"`
	BotTargetGuild string `env:"BOT_TARGET_GUILD"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// RateLimitConfig builds an internal/ratelimit.Config, substituting the
// package default for any override left at its zero value.
func (c *Config) RateLimitConfig() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	if c.RateLimitingSessionRPM > 0 {
		cfg.SessionRPM = c.RateLimitingSessionRPM
	}
	if c.RateLimitingSearchRPM > 0 {
		cfg.SearchRPM = c.RateLimitingSearchRPM
	}
	if c.RateLimitingMetadataRPM > 0 {
		cfg.MetadataRPM = c.RateLimitingMetadataRPM
	}
	if c.RateLimitingResetRPM > 0 {
		cfg.ResetRPM = c.RateLimitingResetRPM
	}
	if c.RateLimitingBurstAllowance > 0 {
		cfg.BurstAllowance = c.RateLimitingBurstAllowance
	}
	return cfg
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
