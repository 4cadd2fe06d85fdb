package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/monitorias/scheduling/internal/api"
	"github.com/monitorias/scheduling/internal/appointment"
	"github.com/monitorias/scheduling/internal/config"
	"github.com/monitorias/scheduling/internal/db"
	"github.com/monitorias/scheduling/internal/lock"
	"github.com/monitorias/scheduling/internal/logger"
	redisclient "github.com/monitorias/scheduling/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	zl, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer zl.Sync() //nolint:errcheck

	if err := run(cfg, zl); err != nil {
		zl.Fatal("api-server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, zl *zap.Logger) error {
	zl.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("lock_backend", cfg.LockBackend),
		zap.Duration("lock_wait", cfg.LockWait),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN,
		db.WithApplicationName("api-server"),
		db.WithMaxConns(cfg.PostgresMaxConns),
	)
	cancelPg()
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}
	defer pgPool.Close()
	zl.Info("connected to Postgres")

	if cfg.MigrateOnStart {
		if err := db.Migrate(rootCtx, pgPool, zl); err != nil {
			return err
		}
	}

	checks := []api.HealthCheck{api.PostgresCheck(pgPool)}

	// Redis is only needed for the redis lock backend.
	var rdb *redis.Client
	if cfg.LockBackend == config.LockBackendRedis {
		rdb, err = redisclient.NewRedisClient(rootCtx, cfg)
		if err != nil {
			return fmt.Errorf("redis connection: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				zl.Warn("error closing redis", zap.Error(err))
			}
		}()
		checks = append(checks, api.RedisCheck(rdb, true))
		zl.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))
	}

	svc, err := newService(cfg, pgPool, rdb, zl)
	if err != nil {
		return err
	}
	zl.Info("booking service ready", zap.Int("capacity_limit", svc.CapacityLimit()))

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Service: svc,
			Logger:  zl.Named("http"),
			Checks:  checks,
			Env:     cfg.Env,
			Version: version,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	zl.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	zl.Info("api-server stopped")
	return nil
}

func newService(cfg config.Config, pool *pgxpool.Pool, rdb *redis.Client, zl *zap.Logger) (*appointment.Service, error) {
	locker, err := lock.New(lock.Options{
		Backend: cfg.LockBackend,
		Wait:    cfg.LockWait,
		TTL:     cfg.LockTTL,
		Pool:    pool,
		Redis:   rdb,
	})
	if err != nil {
		return nil, err
	}

	opts, err := appointment.OptionsFromConfig(cfg.Booking)
	if err != nil {
		return nil, err
	}

	return appointment.NewService(appointment.NewPgRepository(pool), locker, opts, zl.Named("appointment")), nil
}
