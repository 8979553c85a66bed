// Package app wires shared dependencies for the api and worker binaries.
package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"
	limiterstdlib "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/oakline/posbridge/internal/common"
	"github.com/oakline/posbridge/internal/config"
	"github.com/oakline/posbridge/internal/lock"
	"github.com/oakline/posbridge/internal/obs"
	"github.com/oakline/posbridge/internal/provider"
	"github.com/oakline/posbridge/internal/ratelimit"
	"github.com/oakline/posbridge/internal/reconcile"
	"github.com/oakline/posbridge/internal/webhook"
)

// Dependencies is the shared object graph behind both binaries.
type Dependencies struct {
	Cfg    *config.Config
	Logger zerolog.Logger

	Pool  *pgxpool.Pool
	Redis *redis.Client

	Providers provider.Store
	Events    webhook.Store
	Orders    reconcile.OrderStore
	Registry  *provider.Registry
	Validator *validator.Validate

	Processor  *webhook.Processor
	Dispatcher webhook.Dispatcher
	Scheduler  *webhook.Scheduler

	AsynqClient *asynq.Client
}

// Build connects to the backing services and assembles the pipeline. The
// returned cleanup closes every owned connection.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger, appName string, metricsEnabled bool) (*Dependencies, func(), error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = appName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		pool.Close()
		_ = redisClient.Close()
		return nil, nil, err
	}

	providers := provider.NewStore(pool)
	events := webhook.NewStore(pool)
	orders := reconcile.NewStore(pool)
	registry := provider.DefaultRegistry()

	matcher := reconcile.Matcher{
		Orders:       orders,
		WindowBefore: cfg.MatchWindowBefore,
		WindowAfter:  cfg.MatchWindowAfter,
		Logger:       logger,
	}
	processor := &webhook.Processor{
		Store:       events,
		Providers:   providers,
		Registry:    registry,
		Matcher:     matcher,
		DedupWindow: cfg.DedupWindow,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger,
	}

	var asynqClient *asynq.Client
	if cfg.QueueEnabled {
		asynqClient = asynq.NewClient(asynq.RedisClientOpt{Addr: redisOpts.Addr, Password: redisOpts.Password, DB: redisOpts.DB})
	}
	dispatcher := webhook.Dispatcher{Client: asynqClient, Processor: processor, Logger: logger}

	scheduler := &webhook.Scheduler{
		Store:            events,
		Dispatcher:       dispatcher,
		Locker:           lock.Locker{R: redisClient},
		LockTTL:          cfg.SchedulerLockTTL,
		RetryInterval:    cfg.RetryInterval,
		RetryBatchSize:   cfg.RetryBatchSize,
		StaleAfter:       cfg.StaleRecoveryAfter,
		CleanupInterval:  cfg.CleanupInterval,
		CleanupBatchSize: cfg.CleanupBatchSize,
		Retention:        cfg.EventRetention,
		Logger:           logger,
	}

	deps := &Dependencies{
		Cfg:         cfg,
		Logger:      logger,
		Pool:        pool,
		Redis:       redisClient,
		Providers:   providers,
		Events:      events,
		Orders:      orders,
		Registry:    registry,
		Validator:   validator.New(),
		Processor:   processor,
		Dispatcher:  dispatcher,
		Scheduler:   scheduler,
		AsynqClient: asynqClient,
	}
	cleanup := func() {
		if asynqClient != nil {
			if err := asynqClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close asynq client")
			}
		}
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
		pool.Close()
	}
	return deps, cleanup, nil
}

// NewIngressLimiter builds the per-provider sliding window limiter.
func (d *Dependencies) NewIngressLimiter() ratelimit.Limiter {
	return ratelimit.Limiter{Client: d.Redis, Prefix: "posbridge:"}
}

// RunMigrations applies pending schema migrations.
func RunMigrations(databaseURL, path string) error {
	url := databaseURL
	if strings.HasPrefix(url, "postgres://") {
		url = "pgx5://" + strings.TrimPrefix(url, "postgres://")
	}
	m, err := migrate.New("file://"+path, url)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// NewOperatorLimiter wraps a Redis-backed fixed rate limiter middleware for
// the operator surface. format follows ulule's "<count>-<period>" notation.
func NewOperatorLimiter(rdb *redis.Client, format string) (func(http.Handler) http.Handler, error) {
	rate, err := limiter.NewRateFromFormatted(format)
	if err != nil {
		return nil, err
	}
	store, err := limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: "posbridge:op"})
	if err != nil {
		return nil, err
	}
	mw := limiterstdlib.NewMiddleware(limiter.New(store, rate))
	return mw.Handler, nil
}

// OperatorAuth guards operator endpoints with a static bearer token.
func OperatorAuth(token string) func(http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "operator access not configured", nil)
				return
			}
			provided, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !found || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(provided)), []byte(token)) != 1 {
				common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid operator token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ReadinessChecker probes the backing services for the health endpoint.
type ReadinessChecker struct {
	DB    *pgxpool.Pool
	Redis *redis.Client
}

func (c ReadinessChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	if c.DB == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.DB.Ping(ctx)
}

func (c ReadinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.Redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Redis.Ping(ctx).Err()
}
