package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"quotapool/internal/accounts"
	"quotapool/internal/app/server"
	"quotapool/internal/auth"
	"quotapool/internal/config"
	"quotapool/internal/database"
	"quotapool/internal/jobs/maintenance"
	"quotapool/internal/proxies"
	"quotapool/internal/queueclient"
	"quotapool/internal/support"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Runtime holds the wired components for one process.
type Runtime struct {
	Settings config.Settings
	DB       *gorm.DB
	Registry *proxies.Registry
	Pool     *accounts.Pool
	Redis    *redis.Client
}

// Run executes the command line and maps interrupts onto context cancellation.
func Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return NewRootCommand().ExecuteContext(ctx)
}

func Bootstrap(ctx context.Context, cfg config.Settings) (*Runtime, error) {
	log.SetLevel(config.ParseLogLevel(cfg.LogLevel))

	db, err := database.Open(
		database.WithPostgres(cfg.Database.DSN()),
		database.WithLogger(database.NewLogger(cfg.Database.LogLevel)),
		database.WithAutoMigrate(cfg.Database.AutoMigrate),
		database.WithPool(database.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		}),
	)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Settings: cfg, DB: db}

	if cfg.RedisURL != "" {
		client, err := support.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			_ = database.Close(db)
			return nil, err
		}
		rt.Redis = client
	}

	var notifyClient redis.UniversalClient
	if rt.Redis != nil {
		notifyClient = rt.Redis
	}

	rt.Registry = proxies.NewRegistry(db)
	rt.Pool = accounts.NewPool(db, rt.Registry, PoolOptions(cfg, notifyClient)...)
	return rt, nil
}

// PoolOptions translates settings into pool options. A nil redis client means
// waiters poll without notifications.
func PoolOptions(cfg config.Settings, client redis.UniversalClient) []accounts.Option {
	opts := []accounts.Option{
		accounts.WithLeaseTTL(cfg.Pool.LeaseTTL),
		accounts.WithPollInterval(cfg.Pool.PollInterval),
		accounts.WithRaiseWhenNoAccount(cfg.Pool.RaiseWhenNoAccount),
		accounts.WithOrder(accounts.Order(cfg.Pool.Order)),
		accounts.WithSessionCookie(cfg.Pool.SessionCookie),
		accounts.WithLoginConcurrency(cfg.Pool.LoginConcurrency),
	}
	if client != nil {
		opts = append(opts, accounts.WithNotifier(accounts.NewRedisNotifier(client)))
	}
	return opts
}

func (rt *Runtime) Close() {
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			log.Warn("error closing redis client", "error", err)
		}
	}
	if err := database.Close(rt.DB); err != nil {
		log.Warn("error closing database", "error", err)
	}
}

// Serve runs the admin API and, when Redis is configured, the lock janitor
// until ctx is cancelled.
func (rt *Runtime) Serve(ctx context.Context) error {
	tokens, err := auth.NewTokenManager(rt.Settings.AdminJWTSecret)
	if err != nil {
		if errors.Is(err, auth.ErrSecretMissing) {
			return fmt.Errorf("serve: ADMIN_JWT_SECRET must be set")
		}
		return err
	}

	if rt.Redis != nil {
		go maintenance.StartLockJanitor(ctx, rt.Redis, rt.Pool, rt.Settings.LockJanitorInterval)
	} else {
		log.Info("REDIS_URL not set; lock janitor and release notifications disabled")
	}

	return server.New(rt.Pool, rt.Registry, tokens).ListenAndServe(ctx, rt.Settings.AdminPort)
}

// NewQueueClient builds a client for queue using the configured HTTP settings.
func (rt *Runtime) NewQueueClient(queue string) (*queueclient.Client, error) {
	return queueclient.New(rt.Pool, rt.Registry, queue, ClientOptions(rt.Settings.Client)...)
}

func ClientOptions(cfg config.ClientSettings) []queueclient.Option {
	opts := []queueclient.Option{queueclient.WithHTTPTimeout(cfg.HTTPTimeout)}
	if cfg.RateLimit > 0 {
		opts = append(opts, queueclient.WithRateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	return opts
}
