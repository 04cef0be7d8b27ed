package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/sonara-chat/sonara/internal/auth/jwt"
	"github.com/sonara-chat/sonara/internal/common/config"
	"github.com/sonara-chat/sonara/internal/common/logging"
	"github.com/sonara-chat/sonara/internal/events"
	"github.com/sonara-chat/sonara/internal/gateway"
	"github.com/sonara-chat/sonara/internal/history"
	"github.com/sonara-chat/sonara/internal/infra/cache"
	"github.com/sonara-chat/sonara/internal/observability"
	"github.com/sonara-chat/sonara/internal/ratelimit"
	"github.com/sonara-chat/sonara/internal/reconcile"
	"github.com/sonara-chat/sonara/internal/registry"
	"github.com/sonara-chat/sonara/internal/roomstate"
	"github.com/sonara-chat/sonara/internal/router"
	"github.com/sonara-chat/sonara/internal/telemetry"
	"github.com/sonara-chat/sonara/internal/wallet"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.Init(
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.Output,
		cfg.Logging.EnableFile,
		cfg.Logging.FilePath,
	)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func(logger *zap.Logger) {
		if err := logger.Sync(); err != nil {
			if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
				return
			}
			fmt.Fprintf(os.Stderr, "error syncing logger: %v\n", err)
		}
	}(logger)

	logger.Info("starting sonara-rooms",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("seat_count", cfg.Rooms.SeatCount),
		zap.Duration("heartbeat_timeout", cfg.Presence.HeartbeatTimeout),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cacheClient *cache.Cache
	if cfg.Redis.Enabled {
		cacheClient, err = cache.New(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("redis unavailable, continuing without cache", zap.Error(err))
			cacheClient = nil
		} else {
			defer func() { _ = cacheClient.Close() }()
		}
	}

	var pool *pgxpool.Pool
	if cfg.Database.Enabled {
		pool, err = openPool(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
	}

	jwtManager := jwt.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	metrics := telemetry.NewMetrics(logger)

	reg := registry.New(logger, cfg.Presence.SingleSession)
	store := roomstate.NewStore(logger, cfg.Rooms.SeatCount, cfg.Rooms.MemberCapacity, cfg.Rooms.GracePeriod)
	hub := events.NewHub(logger)
	hub.OnTapDrop(metrics.RecordHistoryDrop)

	walletClient := wallet.NewClient(
		cfg.Wallet.BaseURL,
		cfg.Wallet.Timeout,
		cfg.Wallet.MaxFailures,
		cfg.Wallet.BreakerTimeout,
		cfg.Wallet.RetryAttempts,
		cacheClient,
		logger,
	)

	rt := router.New(store, reg, hub, walletClient, metrics, logger, cfg.Rooms.SelfServiceSeats)
	reconciler := reconcile.New(reg, rt, cfg.Presence.HeartbeatTimeout, metrics, logger)

	limiter := ratelimit.NewLimiter(cacheClient, cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst, cfg.RateLimit.Enabled)
	defer limiter.Close()

	// A dropped transport reconciles immediately; the sweep only covers
	// connections that go silent without closing.
	reg.OnDisconnect(func(conn *registry.Conn) {
		hub.RemoveClient(conn.ID)
		reconciler.HandleDisconnect(conn)
		limiter.Forget(context.Background(), string(conn.ID))
	})

	if pool != nil {
		sink := history.NewSink(pool, logger)
		if err := sink.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure history schema: %w", err)
		}
		go sink.Run(ctx, hub.Tap(1024))
	}

	healthChecker := observability.NewHealthChecker(logger, version)
	healthChecker.RegisterCheck("registry", func(ctx context.Context) (observability.HealthStatus, string, error) {
		if reg.Count() > 50000 {
			return observability.StatusDegraded, "too many connections", nil
		}
		return observability.StatusHealthy, "", nil
	})
	if pool != nil {
		healthChecker.RegisterCheck("database", func(ctx context.Context) (observability.HealthStatus, string, error) {
			if err := pool.Ping(ctx); err != nil {
				return observability.StatusUnhealthy, "", err
			}
			return observability.StatusHealthy, "", nil
		})
	}
	if cacheClient != nil {
		healthChecker.RegisterCheck("redis", func(ctx context.Context) (observability.HealthStatus, string, error) {
			if err := cacheClient.Ping(ctx); err != nil {
				return observability.StatusUnhealthy, "", err
			}
			return observability.StatusHealthy, "", nil
		})
	}

	gw := gateway.NewServer(
		reg,
		hub,
		rt,
		limiter,
		jwtManager,
		logger,
		cfg.Presence.HeartbeatInterval,
		cfg.Presence.HeartbeatTimeout,
	)

	go store.RunJanitor(ctx)
	go reconciler.Run(ctx)

	errChan := make(chan error, 3)

	go func() {
		if err := gw.Start(ctx, cfg.Server.Host, cfg.Server.Port, cfg.Server.IdleTimeout); err != nil {
			errChan <- fmt.Errorf("gateway error: %w", err)
		}
	}()

	go func() {
		if err := metrics.Start(ctx, cfg.Telemetry.MetricsPort); err != nil {
			errChan <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	go func() {
		if err := healthChecker.Start(ctx, cfg.Telemetry.HealthPort); err != nil {
			errChan <- fmt.Errorf("health server error: %w", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.SetActiveConnections(reg.Count())
				metrics.SetActiveRooms(store.Count())
				metrics.SetOccupiedSeats(store.OccupiedSeats())
			case <-ctx.Done():
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("hub shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Database,
	)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
