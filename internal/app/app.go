package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kirinyoku/tix-rush/internal/clock"
	"github.com/kirinyoku/tix-rush/internal/config"
	"github.com/kirinyoku/tix-rush/internal/postgres"
	redisx "github.com/kirinyoku/tix-rush/internal/redis"
	postgresrepo "github.com/kirinyoku/tix-rush/internal/repository/postgres"
	redisrepo "github.com/kirinyoku/tix-rush/internal/repository/redis"
	"github.com/kirinyoku/tix-rush/internal/service"
	"github.com/kirinyoku/tix-rush/internal/service/admin"
	"github.com/kirinyoku/tix-rush/internal/service/admission"
	"github.com/kirinyoku/tix-rush/internal/service/allocation"
	"github.com/kirinyoku/tix-rush/internal/service/consumer"
	"github.com/kirinyoku/tix-rush/internal/service/ratelimit"
	"github.com/kirinyoku/tix-rush/internal/service/records"
	"github.com/kirinyoku/tix-rush/internal/signature"
	httpgin "github.com/kirinyoku/tix-rush/internal/transport/http/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	pool       *pgxpool.Pool
	rdb        *redis.Client
	services   *service.Services
	pubsub     *redisx.InventoryPubSub
	httpServer *http.Server
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.New"

	pgxPool, err := postgres.New(ctx, postgres.Config{
		DSN:      cfg.Postgres.DSN(),
		MaxConns: cfg.Postgres.MaxConns,
		MinConns: cfg.Postgres.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: failed to initialize postgres: %w", op, err)
	}

	rdb, err := redisx.New(ctx, redisx.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		pgxPool.Close()
		return nil, fmt.Errorf("%s: failed to initialize redis: %w", op, err)
	}

	a, err := build(ctx, cfg, logger, pgxPool, rdb)
	if err != nil {
		pgxPool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("%s:%w", op, err)
	}

	return a, nil
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger, pgxPool *pgxpool.Pool, rdb *redis.Client) (*App, error) {
	// Initialize repositories
	store := postgresrepo.NewStore(pgxPool)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	queue := redisrepo.NewIntentQueue(rdb, cfg.Queue.Stream, cfg.Queue.Group, cfg.Queue.MaxLen)
	if err := queue.EnsureGroup(ctx); err != nil {
		return nil, err
	}

	counters := redisrepo.NewCounterStore(rdb)
	pubsub := redisx.NewInventoryPubSub(rdb)
	idempotencyStore := redisrepo.NewIdempotencyStore(rdb, cfg.Server.IdempotencyTTL)

	signer, err := signature.NewSigner([]byte(cfg.Signing.Key))
	if err != nil {
		return nil, err
	}

	userRule, globalRule, edgeRule := rules(cfg.Limiter)

	// Initialize services
	services := service.NewServices(service.Deps{
		Store:    store,
		Cache:    redisrepo.NewCache(rdb),
		Counters: counters,
		Queue:    queue,
		Audit:    redisrepo.NewSubmissionAudit(counters, cfg.Cache.AuditTTL),
		PubSub:   pubsub,
		Signer:   signer,
		Clock:    clock.NewSystemClock(),
		Log:      logger,
	}, service.Config{
		Admission: admission.Config{
			UserRule:   userRule,
			GlobalRule: globalRule,
		},
		Records: records.Config{TTL: cfg.Cache.PurchasesTTL},
		Allocation: allocation.Config{
			MaxIntentAge: cfg.Allocation.MaxIntentAge,
			MaxAttempts:  cfg.Allocation.MaxAttempts,
			BackoffBase:  cfg.Allocation.BackoffBase,
			BackoffMax:   cfg.Allocation.BackoffMax,
		},
		Consumer: consumer.Config{
			Consumer:        cfg.Queue.Consumer,
			Workers:         cfg.Queue.Workers,
			Batch:           cfg.Queue.Batch,
			Block:           cfg.Queue.Block,
			PollInterval:    cfg.Queue.PollInterval,
			ReclaimInterval: cfg.Queue.ReclaimInterval,
			ReclaimIdle:     cfg.Queue.ReclaimIdle,
		},
		Admin: admin.Config{InventoryTTL: cfg.Cache.InventoryTTL},
	})

	if globalRule.Capacity > 0 && globalRule.Warmup {
		key, err := globalRule.KeyFor(ratelimit.Subject{})
		if err != nil {
			return nil, err
		}
		if err := services.Limiter.Warmup(ctx, key, globalRule); err != nil {
			return nil, err
		}
	}

	// Initialize Gin router
	router := httpgin.NewRouter(httpgin.Deps{
		Admission: services.Admission,
		Records:   services.Records,
		Inventory: services.Admin,
		Limiter:   services.Limiter,
		EdgeRule:  edgeRule,
		Idem:      idempotencyStore,
		Health: func(ctx context.Context) error {
			if err := store.Ping(ctx); err != nil {
				return err
			}
			return rdb.Ping(ctx).Err()
		},
		Logger: logger,
	})

	return &App{
		cfg:      cfg,
		logger:   logger,
		pool:     pgxPool,
		rdb:      rdb,
		services: services,
		pubsub:   pubsub,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// rules turns limiter settings into the per-user, global and per-address
// rules.
func rules(l config.LimiterConfig) (user, global, edge ratelimit.Rule) {
	user = ratelimit.Rule{
		Name:            "purchase",
		Capacity:        l.Capacity,
		RefillPerSecond: l.RefillPerSecond,
		Tokens:          l.Tokens,
		Blocking:        l.Blocking,
		Timeout:         l.Timeout,
		Strategy:        ratelimit.StrategyUser,
		Warmup:          l.Warmup,
	}

	global = ratelimit.Rule{
		Name:            "purchase",
		Capacity:        l.GlobalCapacity,
		RefillPerSecond: l.GlobalRefillPerSecond,
		Tokens:          1,
		Blocking:        l.Blocking,
		Timeout:         l.Timeout,
		Strategy:        ratelimit.StrategyGlobal,
		Warmup:          l.Warmup,
	}

	edge = ratelimit.Rule{
		Name:            "edge",
		Capacity:        l.EdgeCapacity,
		RefillPerSecond: l.EdgeRefillPerSecond,
		Tokens:          1,
		Strategy:        ratelimit.StrategyCustom,
		Warmup:          true,
	}

	return user, global, edge
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer a.close()

	g, gCtx := errgroup.WithContext(ctx)

	// Start HTTP server
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "host", a.cfg.Server.Host, "port", a.cfg.Server.Port)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(ctx)
	})

	// Allocation consumer
	g.Go(func() error {
		if err := a.services.Consumer.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("allocation consumer: %w", err)
		}
		return nil
	})

	// Sold-out / restock notices
	g.Go(func() error {
		err := a.pubsub.Subscribe(gCtx, a.services.Admission.OnNotice)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("inventory notices: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func (a *App) close() {
	a.pool.Close()
	if err := a.rdb.Close(); err != nil {
		a.logger.Warn("redis close failed", "error", err)
	}
}
