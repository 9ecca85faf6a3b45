// Package main is the entry point for the stock ledger API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"stockledger/internal/domain/auth"
	"stockledger/internal/domain/stock"
	"stockledger/internal/domain/stockcount"
	"stockledger/internal/infrastructure/config"
	v1 "stockledger/internal/infrastructure/http/v1"
	"stockledger/internal/infrastructure/http/v1/handlers"
	"stockledger/internal/infrastructure/lock"
	"stockledger/internal/infrastructure/metrics"
	"stockledger/internal/infrastructure/migration"
	"stockledger/internal/infrastructure/numerator"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/internal/infrastructure/storage/postgres/document_repo"
	"stockledger/internal/infrastructure/storage/postgres/ledger_repo"
	"stockledger/pkg/logger"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development || cfg.App.IsDevelopment(),
		OutputPaths: cfg.Log.OutputPaths,
		Service:     cfg.App.Name,
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Errorw("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogger(ctx, log)

	log.Infow("starting stock ledger", "version", version, "env", cfg.App.Env)

	// --- Database ---
	poolCfg := postgres.DefaultPoolConfig(cfg.Database.DSN())
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.MinConns = cfg.Database.MinConns
	poolCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
	poolCfg.StatementTimeout = cfg.Database.StatementTimeout

	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if cfg.Database.MigrateOnStart {
		if err := migrateUp(pool, log); err != nil {
			return err
		}
	}

	txManager := postgres.NewTxManager(pool)

	// --- Metrics ---
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(metrics.DefaultConfig())
		m.RegisterPool(pool.Unwrap())
	}

	// --- Rebuild guard ---
	var guard *lock.RedisGuard
	if cfg.Redis.Addr != "" {
		rdb, err := lock.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer func() { _ = rdb.Close() }()
		guard = lock.NewRedisGuard(rdb, cfg.Stock.RebuildLockTTL)
		log.Infow("rebuild guard enabled", "redis", cfg.Redis.Addr)
	} else {
		log.Warn("redis not configured, rebuilds rely on database scope locks only")
	}

	// --- Stock ledger ---
	archives, err := postgres.NewArchiveStore(txManager)
	if err != nil {
		return err
	}

	stockOpts := []stock.Option{
		stock.WithSourceReader(ledger_repo.NewSourceRepo(txManager)),
		stock.WithArchiver(archives),
		stock.WithEpsilon(cfg.Stock.Epsilon),
	}
	if guard != nil {
		stockOpts = append(stockOpts, stock.WithGuard(guard))
	}
	if m != nil {
		stockOpts = append(stockOpts, stock.WithMetrics(m))
	}
	stockService := stock.NewService(ledger_repo.NewLedgerRepo(txManager), txManager, stockOpts...)

	// --- Stock counts ---
	countService := stockcount.NewService(
		document_repo.NewStockCountRepo(txManager),
		stockService,
		numerator.New(pool.Unwrap()),
		txManager,
	)

	// --- JWT ---
	jwtService := auth.NewJWTService(auth.JWTConfig{
		Secret:         cfg.JWT.Secret,
		Issuer:         cfg.JWT.Issuer,
		AccessTokenTTL: cfg.JWT.AccessTokenExpiration,
	})

	var idempotency *postgres.IdempotencyStore
	if cfg.HTTP.IdempotencyEnabled {
		idempotency = postgres.NewIdempotencyStore(txManager, cfg.HTTP.IdempotencyTTL)
	}

	var redisPing handlers.Pinger
	if guard != nil {
		redisPing = guard
	}

	// --- Router ---
	if !cfg.App.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := v1.NewRouter(v1.RouterConfig{
		Logger:       log,
		JWTValidator: jwtService,
		Stock:        stockService,
		StockCount:   countService,
		Archives:     archives,
		Health:       handlers.NewHealthHandler(pool, redisPing, version),
		Idempotency:  idempotency,
		Metrics:      m,
		MetricsPath:  cfg.Metrics.Path,
	})

	// --- HTTP Server ---
	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infow("server starting", "port", cfg.App.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// --- Graceful shutdown ---
	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	postgres.LogPoolStats(ctx, pool.Unwrap())
	log.Info("server stopped")
	return nil
}

func migrateUp(pool *postgres.Pool, log *logger.Logger) error {
	migrator, err := migration.New(pool.Unwrap(), log.Zap())
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer func() { _ = migrator.Close() }()

	return migrator.Up()
}
