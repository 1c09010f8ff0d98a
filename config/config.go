package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the process configuration, read from the environment
type Config struct {
	// Server
	HTTPAddr string `env:"FORTRESS_HTTP_ADDR" env-default:":9000"`

	// Challenge, nonce and fraud state
	Store    string `env:"FORTRESS_STORE" env-default:"memory"`
	RedisURL string `env:"FORTRESS_REDIS_URL" env-default:"redis://localhost:6379/0"`

	// Bindings, commitments, device registry and outbox
	Repository string `env:"FORTRESS_REPOSITORY" env-default:"memory"`
	SQLitePath string `env:"FORTRESS_SQLITE_PATH" env-default:"fortress.db"`

	// Database
	DBHost     string `env:"FORTRESS_PG_HOST" env-default:"localhost"`
	DBPort     uint16 `env:"FORTRESS_PG_PORT" env-default:"5432"`
	DBDatabase string `env:"FORTRESS_PG_DATABASE" env-default:"fortress"`
	DBUser     string `env:"FORTRESS_PG_USER" env-default:"fortress"`
	DBPassword string `env:"FORTRESS_PG_PASSWORD" env-default:"fortress"`
	DBSSLMode  string `env:"FORTRESS_PG_SSLMODE" env-default:"disable"`

	// Replay guard
	ChallengeTTL    time.Duration `env:"FORTRESS_CHALLENGE_TTL" env-default:"5m"`
	NonceTTL        time.Duration `env:"FORTRESS_NONCE_TTL" env-default:"24h"`
	FraudThreshold  int           `env:"FORTRESS_FRAUD_THRESHOLD" env-default:"1"`
	FraudWindow     time.Duration `env:"FORTRESS_FRAUD_WINDOW" env-default:"1h"`
	BlockDuration   time.Duration `env:"FORTRESS_BLOCK_DURATION" env-default:"24h"`
	JanitorInterval time.Duration `env:"FORTRESS_JANITOR_INTERVAL" env-default:"1m"`

	// Device binding
	MaxDevices    int           `env:"FORTRESS_MAX_DEVICES" env-default:"3"`
	RelayInterval time.Duration `env:"FORTRESS_RELAY_INTERVAL" env-default:"2s"`
	TopicPrefix   string        `env:"FORTRESS_TERMINATION_TOPIC_PREFIX" env-default:"fortress.terminate."`

	CallTimeout time.Duration `env:"FORTRESS_CALL_TIMEOUT" env-default:"3s"`

	// Rate limiting per source address
	RateLimitRPS   float64 `env:"FORTRESS_RATE_LIMIT_RPS" env-default:"5"`
	RateLimitBurst int     `env:"FORTRESS_RATE_LIMIT_BURST" env-default:"10"`

	// Session cookie
	SessionCookie  string `env:"FORTRESS_SESSION_COOKIE" env-default:"pff_fortress_session"`
	CookieSecure   bool   `env:"FORTRESS_COOKIE_SECURE" env-default:"false"`
	SigningKeyFile string `env:"FORTRESS_SIGNING_KEY_FILE" env-default:""`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"LOG_FORMAT" env-default:"text"`
}

// Load reads the configuration from the environment and validates it
func Load() (Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to read configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values cleanenv cannot
func (c Config) Validate() error {
	var errs []error

	switch c.Store {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("FORTRESS_STORE must be memory or redis, got %q", c.Store))
	}
	switch c.Repository {
	case "memory", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("FORTRESS_REPOSITORY must be memory, postgres or sqlite, got %q", c.Repository))
	}

	positive := map[string]time.Duration{
		"FORTRESS_CHALLENGE_TTL":    c.ChallengeTTL,
		"FORTRESS_NONCE_TTL":        c.NonceTTL,
		"FORTRESS_FRAUD_WINDOW":     c.FraudWindow,
		"FORTRESS_BLOCK_DURATION":   c.BlockDuration,
		"FORTRESS_JANITOR_INTERVAL": c.JanitorInterval,
		"FORTRESS_RELAY_INTERVAL":   c.RelayInterval,
		"FORTRESS_CALL_TIMEOUT":     c.CallTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.NonceTTL < c.ChallengeTTL {
		errs = append(errs, errors.New("FORTRESS_NONCE_TTL must not be shorter than FORTRESS_CHALLENGE_TTL"))
	}
	if c.FraudThreshold < 1 {
		errs = append(errs, errors.New("FORTRESS_FRAUD_THRESHOLD must be at least 1"))
	}
	if c.MaxDevices < 1 {
		errs = append(errs, errors.New("FORTRESS_MAX_DEVICES must be at least 1"))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		errs = append(errs, errors.New("FORTRESS_RATE_LIMIT_RPS and FORTRESS_RATE_LIMIT_BURST must be positive"))
	}
	if strings.TrimSpace(c.SessionCookie) == "" {
		errs = append(errs, errors.New("FORTRESS_SESSION_COOKIE must not be empty"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// PostgresDSN builds the connection string for the postgres repository
func (c Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBDatabase, c.DBSSLMode)
}

// SlogLevel parses LOG_LEVEL
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}
