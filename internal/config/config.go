// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the decision-link HTTP server listens on (e.g. :8081).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC health server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is a postgres:// or sqlite:// DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// TelegramBotToken enables the Telegram channel; empty runs the bot in dry-run mode.
	TelegramBotToken string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	// TelegramPollTimeout is the long-poll timeout in seconds for getUpdates.
	TelegramPollTimeout int `mapstructure:"TELEGRAM_POLL_TIMEOUT"`
	// AdminChatID receives operator notices (revocation failures, admin revokes). 0 disables.
	AdminChatID int64 `mapstructure:"ADMIN_CHAT_ID"`

	// RouterOS API connection.
	MikrotikHost           string `mapstructure:"MIKROTIK_HOST"`
	MikrotikPort           int    `mapstructure:"MIKROTIK_PORT"`
	MikrotikUseSSL         bool   `mapstructure:"MIKROTIK_USE_SSL"`
	MikrotikUsername       string `mapstructure:"MIKROTIK_USERNAME"`
	MikrotikPassword       string `mapstructure:"MIKROTIK_PASSWORD"`
	MikrotikTimeoutSeconds int    `mapstructure:"MIKROTIK_TIMEOUT_SECONDS"`

	// PollIntervalSeconds is the reconciliation tick interval.
	PollIntervalSeconds int `mapstructure:"POLL_INTERVAL_SECONDS"`
	// PollMikrotikTimeoutSeconds bounds the per-tick device query; must be shorter than the tick interval.
	PollMikrotikTimeoutSeconds int `mapstructure:"POLL_MIKROTIK_TIMEOUT_SECONDS"`

	RequireConfirmation        bool `mapstructure:"REQUIRE_CONFIRMATION"`
	ConfirmationTimeoutSeconds int  `mapstructure:"CONFIRMATION_TIMEOUT_SECONDS"`
	ConfirmationResendSeconds  int  `mapstructure:"CONFIRMATION_RESEND_SECONDS"`
	ConfirmationMaxResends     int  `mapstructure:"CONFIRMATION_MAX_RESENDS"`
	// DisconnectGraceSeconds <= 0 falls back to max(30s, 2 × poll interval).
	DisconnectGraceSeconds int `mapstructure:"DISCONNECT_GRACE_SECONDS"`
	SessionDurationHours   int `mapstructure:"SESSION_DURATION_HOURS"`
	// FirewallCommentPrefix builds the heuristic grant tag "<prefix> <account>".
	FirewallCommentPrefix string `mapstructure:"FIREWALL_COMMENT_PREFIX"`

	// SettingsKey is a hex-encoded 32-byte key used to seal secret runtime settings.
	SettingsKey string `mapstructure:"SETTINGS_KEY"`
	// DecisionTokenSecret signs HTTP decision links. Empty disables the HTTP decision endpoint.
	DecisionTokenSecret string `mapstructure:"DECISION_TOKEN_SECRET"`
	// DecisionTokenTTL is the lifetime of a decision link (e.g. "10m").
	DecisionTokenTTL string `mapstructure:"DECISION_TOKEN_TTL"`
	// PublicBaseURL is prepended to decision links sent in prompts.
	PublicBaseURL string `mapstructure:"PUBLIC_BASE_URL"`

	// RedisAddr enables the firewall rule lookup cache when set.
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// GrantCacheTTL is how long a resolved rule id is cached (e.g. "5m").
	GrantCacheTTL string `mapstructure:"GRANT_CACHE_TTL"`

	// OTel exporter; empty endpoint installs no-op providers.
	OTelEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure    bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	// When set, session events are also produced to Kafka.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// SessionEventsTopic is the Kafka topic for session events.
	SessionEventsTopic string `mapstructure:"SESSION_EVENTS_KAFKA_TOPIC"`
	// Worker-only: Loki URL for the event worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	// LogLevel is the zap level (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8081")
	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "sqlite://data/app.db")
	v.SetDefault("TELEGRAM_BOT_TOKEN", "")
	v.SetDefault("TELEGRAM_POLL_TIMEOUT", 30)
	v.SetDefault("ADMIN_CHAT_ID", 0)
	v.SetDefault("MIKROTIK_HOST", "")
	v.SetDefault("MIKROTIK_PORT", 8728)
	v.SetDefault("MIKROTIK_USE_SSL", false)
	v.SetDefault("MIKROTIK_USERNAME", "")
	v.SetDefault("MIKROTIK_PASSWORD", "")
	v.SetDefault("MIKROTIK_TIMEOUT_SECONDS", 10)
	v.SetDefault("POLL_INTERVAL_SECONDS", 5)
	v.SetDefault("POLL_MIKROTIK_TIMEOUT_SECONDS", 4)
	v.SetDefault("REQUIRE_CONFIRMATION", true)
	v.SetDefault("CONFIRMATION_TIMEOUT_SECONDS", 300)
	v.SetDefault("CONFIRMATION_RESEND_SECONDS", 0)
	v.SetDefault("CONFIRMATION_MAX_RESENDS", 0)
	v.SetDefault("DISCONNECT_GRACE_SECONDS", 0)
	v.SetDefault("SESSION_DURATION_HOURS", 24)
	v.SetDefault("FIREWALL_COMMENT_PREFIX", "2FA")
	v.SetDefault("SETTINGS_KEY", "")
	v.SetDefault("DECISION_TOKEN_SECRET", "")
	v.SetDefault("DECISION_TOKEN_TTL", "10m")
	v.SetDefault("PUBLIC_BASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("GRANT_CACHE_TTL", "5m")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "vpn-2fa-gateway")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("SESSION_EVENTS_KAFKA_TOPIC", "vpn-session-events")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "vpn-session-events-worker")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("config: DATABASE_URL must be set")
	}
	if cfg.PollIntervalSeconds <= 0 {
		return nil, errors.New("config: POLL_INTERVAL_SECONDS must be positive")
	}
	if cfg.PollMikrotikTimeoutSeconds <= 0 || cfg.PollMikrotikTimeoutSeconds >= cfg.PollIntervalSeconds {
		return nil, errors.New("config: POLL_MIKROTIK_TIMEOUT_SECONDS must be positive and shorter than POLL_INTERVAL_SECONDS")
	}
	if cfg.SessionDurationHours <= 0 {
		return nil, errors.New("config: SESSION_DURATION_HOURS must be positive")
	}
	if cfg.ConfirmationTimeoutSeconds <= 0 {
		return nil, errors.New("config: CONFIRMATION_TIMEOUT_SECONDS must be positive")
	}
	if cfg.ConfirmationResendSeconds < 0 || cfg.ConfirmationMaxResends < 0 {
		return nil, errors.New("config: CONFIRMATION_RESEND_SECONDS and CONFIRMATION_MAX_RESENDS must not be negative")
	}
	if cfg.SettingsKey != "" {
		if _, err := cfg.SettingsKeyBytes(); err != nil {
			return nil, err
		}
	}
	if cfg.DecisionTokenSecret != "" && cfg.Env == "production" && len(cfg.DecisionTokenSecret) < 32 {
		return nil, errors.New("config: DECISION_TOKEN_SECRET must be at least 32 bytes when APP_ENV=production")
	}

	return &cfg, nil
}

// PollInterval returns the reconciliation tick interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// QueryTimeout returns the hard timeout for the per-tick device query.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.PollMikrotikTimeoutSeconds) * time.Second
}

// MikrotikTimeout returns the RouterOS dial timeout.
func (c *Config) MikrotikTimeout() time.Duration {
	if c.MikrotikTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.MikrotikTimeoutSeconds) * time.Second
}

// ConfirmationTimeout returns how long a prompt may stay unanswered.
func (c *Config) ConfirmationTimeout() time.Duration {
	return time.Duration(c.ConfirmationTimeoutSeconds) * time.Second
}

// ConfirmationResend returns the resend interval; zero disables resends.
func (c *Config) ConfirmationResend() time.Duration {
	return time.Duration(c.ConfirmationResendSeconds) * time.Second
}

// DisconnectGrace returns the configured grace window; zero means "use the fallback".
func (c *Config) DisconnectGrace() time.Duration {
	if c.DisconnectGraceSeconds <= 0 {
		return 0
	}
	return time.Duration(c.DisconnectGraceSeconds) * time.Second
}

// SessionDuration returns the lifetime of a new session.
func (c *Config) SessionDuration() time.Duration {
	return time.Duration(c.SessionDurationHours) * time.Hour
}

// DecisionTTL parses DecisionTokenTTL as a time.Duration. Returns 10m if unset or invalid.
func (c *Config) DecisionTTL() time.Duration {
	d, err := time.ParseDuration(c.DecisionTokenTTL)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// GrantCacheDuration parses GrantCacheTTL as a time.Duration. Returns 5m if unset or invalid.
func (c *Config) GrantCacheDuration() time.Duration {
	d, err := time.ParseDuration(c.GrantCacheTTL)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// SettingsKeyBytes decodes SettingsKey. Returns nil, nil when unset.
func (c *Config) SettingsKeyBytes() ([]byte, error) {
	if c.SettingsKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.SettingsKey)
	if err != nil || len(key) != 32 {
		return nil, errors.New("config: SETTINGS_KEY must be 64 hex characters (32 bytes)")
	}
	return key, nil
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if event production is enabled (non-empty list) and to create the producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
