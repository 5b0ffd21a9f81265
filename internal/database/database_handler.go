package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"quotapool/internal/domain"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrSchemaMissing = errors.New("database schema not found; run with DB_AUTO_MIGRATE=true or migrate first")

type Config struct {
	ExistingDB  *gorm.DB
	Dialector   gorm.Dialector
	Logger      logger.Interface
	AutoMigrate bool
	Migrations  []any
	Pool        PoolConfig
}

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type Option func(*Config)

// Open returns a configured connection. The handle is owned by the caller and
// passed to every component that needs storage; there is no package-level DB.
func Open(opts ...Option) (*gorm.DB, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var db *gorm.DB
	switch {
	case cfg.ExistingDB != nil:
		db = cfg.ExistingDB
	case cfg.Dialector != nil:
		gormCfg := &gorm.Config{TranslateError: true}
		if cfg.Logger != nil {
			gormCfg.Logger = cfg.Logger
		}
		opened, err := gorm.Open(cfg.Dialector, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("database: open connection: %w", err)
		}
		db = opened
		configureConnectionPool(db, cfg.Pool)
	default:
		return nil, fmt.Errorf("database: no dialector or existing connection provided")
	}

	if cfg.AutoMigrate && len(cfg.Migrations) > 0 {
		if err := db.AutoMigrate(cfg.Migrations...); err != nil {
			return nil, fmt.Errorf("database: auto migrate: %w", err)
		}
		if err := EnsureSchema(db); err != nil {
			return nil, fmt.Errorf("database: ensure schema: %w", err)
		}
		log.Info("Database migration completed.")
	} else if err := CheckSchema(db); err != nil {
		return nil, err
	}

	return db, nil
}

func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func defaultConfig() Config {
	return Config{
		Logger:      NewLogger("silent"),
		AutoMigrate: true,
		Migrations:  DefaultMigrations(),
	}
}

// NewLogger bridges gorm's logger onto charmbracelet/log.
func NewLogger(level string) logger.Interface {
	lvl := logger.Silent
	switch strings.ToLower(level) {
	case "error":
		lvl = logger.Error
	case "warn":
		lvl = logger.Warn
	case "info":
		lvl = logger.Info
	}

	return logger.New(
		log.Default(),
		logger.Config{
			LogLevel:                  lvl,
			SlowThreshold:             time.Second,
			IgnoreRecordNotFoundError: true,
		},
	)
}

func DefaultMigrations() []any {
	return []any{
		domain.Account{},
		domain.Proxy{},
	}
}

func WithPostgres(dsn string) Option {
	return func(cfg *Config) {
		cfg.Dialector = postgres.Open(dsn)
	}
}

func WithExistingDB(db *gorm.DB) Option {
	return func(cfg *Config) {
		cfg.ExistingDB = db
	}
}

func WithDialector(d gorm.Dialector) Option {
	return func(cfg *Config) {
		cfg.Dialector = d
	}
}

func WithLogger(l logger.Interface) Option {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

func WithAutoMigrate(enabled bool) Option {
	return func(cfg *Config) {
		cfg.AutoMigrate = enabled
	}
}

func WithMigrations(models ...any) Option {
	return func(cfg *Config) {
		if len(models) == 0 {
			cfg.Migrations = nil
			return
		}
		cfg.Migrations = append([]any(nil), models...)
	}
}

func WithPool(pool PoolConfig) Option {
	return func(cfg *Config) {
		cfg.Pool = pool
	}
}

func configureConnectionPool(db *gorm.DB, pool PoolConfig) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Error("database: get sql.DB", "error", err)
		return
	}

	maxIdle := pool.MaxIdleConns
	if pool.MaxOpenConns > 0 && maxIdle > pool.MaxOpenConns {
		maxIdle = pool.MaxOpenConns
	}

	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if maxIdle > 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if pool.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}
}

// IsUniqueViolation covers both translated gorm errors and raw driver messages.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "unique constraint failed")
}
