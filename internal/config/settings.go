package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	Database DatabaseSettings
	Pool     PoolSettings
	Client   ClientSettings

	RedisURL            string        `envconfig:"REDIS_URL"`
	LockJanitorInterval time.Duration `envconfig:"LOCK_JANITOR_INTERVAL" default:"10m"`

	AdminPort      int    `envconfig:"ADMIN_PORT" default:"8090"`
	AdminJWTSecret string `envconfig:"ADMIN_JWT_SECRET"`
}

type DatabaseSettings struct {
	URL      string `envconfig:"DATABASE_URL"`
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"quotapool"`
	User     string `envconfig:"DB_USERNAME" default:"postgres"`
	Password string `envconfig:"DB_PASSWORD" default:"postgres"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"32"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"32"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
	ConnMaxIdleTime time.Duration `envconfig:"DB_CONN_MAX_IDLE_TIME" default:"1m"`

	AutoMigrate bool   `envconfig:"DB_AUTO_MIGRATE" default:"true"`
	LogLevel    string `envconfig:"DB_LOG_LEVEL" default:"silent"`
}

type PoolSettings struct {
	LeaseTTL           time.Duration `envconfig:"LEASE_TTL" default:"15m"`
	PollInterval       time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	RaiseWhenNoAccount bool          `envconfig:"RAISE_WHEN_NO_ACCOUNT" default:"false"`
	Order              string        `envconfig:"ACCOUNT_ORDER" default:"username"`
	SessionCookie      string        `envconfig:"SESSION_COOKIE" default:"ct0"`
	LoginConcurrency   int           `envconfig:"LOGIN_CONCURRENCY" default:"1"`
}

type ClientSettings struct {
	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`
	RateLimit   float64       `envconfig:"CLIENT_RATE_LIMIT" default:"0"`
	RateBurst   int           `envconfig:"CLIENT_RATE_BURST" default:"1"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Settings, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found. Falling back to system environment variables.")
	}

	var cfg Settings
	if err := envconfig.Process("", &cfg); err != nil {
		return Settings{}, fmt.Errorf("config: %w", err)
	}

	cfg.Pool.Order = strings.ToLower(strings.TrimSpace(cfg.Pool.Order))
	switch cfg.Pool.Order {
	case "username", "random":
	default:
		return Settings{}, fmt.Errorf("config: ACCOUNT_ORDER must be username or random, got %q", cfg.Pool.Order)
	}

	if cfg.Pool.LoginConcurrency <= 0 {
		cfg.Pool.LoginConcurrency = 1
	}

	return cfg, nil
}

// DSN prefers DATABASE_URL and otherwise assembles a libpq keyword string.
func (d DatabaseSettings) DSN() string {
	if d.URL != "" {
		return d.URL
	}

	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host,
		d.Port,
		d.User,
		d.Password,
		d.Name,
		d.SSLMode,
	)
}

// ParseLogLevel maps LOG_LEVEL onto charmbracelet levels, defaulting to info.
func ParseLogLevel(raw string) log.Level {
	level, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return log.InfoLevel
	}
	return level
}
