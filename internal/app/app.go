// Package app assembles the dispatch engine from configuration. Both
// binaries build on it so they wire the same stack.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Cypherspark/campaign-dispatch/internal/config"
	"github.com/Cypherspark/campaign-dispatch/internal/core"
	dbpkg "github.com/Cypherspark/campaign-dispatch/internal/db"
	"github.com/Cypherspark/campaign-dispatch/internal/dispatch"
	httpapi "github.com/Cypherspark/campaign-dispatch/internal/http"
	"github.com/Cypherspark/campaign-dispatch/internal/metrics"
	"github.com/Cypherspark/campaign-dispatch/internal/pacing"
	"github.com/Cypherspark/campaign-dispatch/internal/provider"
	"github.com/Cypherspark/campaign-dispatch/internal/quota"
	"github.com/Cypherspark/campaign-dispatch/internal/subscription"
	"github.com/Cypherspark/campaign-dispatch/internal/tracking"
	"github.com/Cypherspark/campaign-dispatch/internal/worker"
)

type App struct {
	Cfg     *config.Config
	Log     *zap.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	DB      *dbpkg.DB
	Engine  *dispatch.Engine
	Sweeper *dispatch.Sweeper

	stopStats chan struct{}
}

// New connects to Postgres (and Redis when configured), applies migrations
// and builds the engine. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if err := dbpkg.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	store := dbpkg.NewDB(pool)
	a := &App{Cfg: cfg, Log: log, Pool: pool, DB: store, stopStats: make(chan struct{})}

	var counter core.QuotaCounter = store
	if cfg.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		counter = quota.NewRedisCounter(a.Redis)
		log.Info("quota counter backed by redis", zap.String("addr", cfg.RedisAddr))
	}

	var transport provider.Transport
	switch cfg.Transport {
	case "dummy":
		transport = provider.NewDummy()
	case "smtp":
		transport = provider.NewSMTP(log)
	default:
		a.close()
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	planner := pacing.New()
	machine := &core.StateMachine{
		Campaigns:   store,
		Jobs:        store,
		Planner:     planner,
		MaxAttempts: cfg.MaxAttempts,
	}
	guard := quota.NewGuard(store, counter, subscription.DefaultTable(), cfg.Location(), log)
	sender := worker.NewSender(store, guard, machine, transport, worker.Options{
		MaxAttempts:     cfg.MaxAttempts,
		Retry:           worker.RetryPolicy{Base: cfg.RetryBase, Max: cfg.RetryMax, Jitter: 0.2},
		QuotaRetryDelay: cfg.QuotaRetryDelay,
		SendTimeout:     cfg.SendTimeout,
		ProviderQPS:     cfg.ProviderQPS,
		ProviderBurst:   cfg.ProviderBurst,
		TrackingBaseURL: cfg.TrackingBaseURL,
	}, log)
	tracker := tracking.New(store, log)

	opt := dispatch.DefaultOptions()
	// a lease must outlive a pacing sleep plus a send, or a second
	// dispatcher could adopt the campaign mid-send
	opt.LeaseTTL = max(cfg.LeaseTTL, opt.MaxSleep+2*cfg.SendTimeout)
	a.Engine = dispatch.New(store, machine, sender, planner, tracker, opt, log)
	a.Sweeper, err = dispatch.NewSweeper(a.Engine, cfg.SweepSpec, log)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// Start adopts campaigns left RUNNING by a previous process and begins sweeping.
func (a *App) Start(ctx context.Context) error {
	metrics.MustRegister()
	go metrics.NewPGXPoolStats(a.Pool).Start(15*time.Second, a.stopStats)

	n, err := a.Engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if n > 0 {
		a.Log.Info("recovered running campaigns", zap.Int("count", n))
	}
	a.Sweeper.Start()
	return nil
}

// Checks are the readiness probes for /readyz.
func (a *App) Checks() map[string]httpapi.Check {
	checks := map[string]httpapi.Check{
		"db": func(ctx context.Context) error { return a.Pool.Ping(ctx) },
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Shutdown stops sweeping, drains coordinators and closes connections.
func (a *App) Shutdown(ctx context.Context) error {
	if err := a.Sweeper.Stop(ctx); err != nil {
		a.Log.Warn("sweeper stop", zap.Error(err))
	}
	err := a.Engine.Shutdown(ctx)
	close(a.stopStats)
	a.close()
	return err
}

func (a *App) close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	a.Pool.Close()
}
