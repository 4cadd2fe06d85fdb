package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/monitorias/scheduling/internal/appointment"
	"github.com/monitorias/scheduling/internal/config"
	"github.com/monitorias/scheduling/internal/db"
	"github.com/monitorias/scheduling/internal/lock"
	"github.com/monitorias/scheduling/internal/logger"
	redisclient "github.com/monitorias/scheduling/internal/redis"
)

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

	if err := run(cfg, zl.Named("cohort-closer")); err != nil {
		zl.Fatal("cohort-closer stopped", zap.Error(err))
	}
}

func run(cfg config.Config, zl *zap.Logger) error {
	zl.Info("cohort-closer starting up",
		zap.String("env", cfg.Env),
		zap.String("schedule", cfg.CohortCloser.Schedule),
		zap.String("lock_backend", cfg.LockBackend),
	)
	if cfg.LockBackend == config.LockBackendLocal {
		zl.Warn("local lock backend does not coordinate with the api-server")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN,
		db.WithApplicationName("cohort-closer"),
		db.WithMaxConns(cfg.PostgresMaxConns),
	)
	cancelPg()
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}
	defer pgPool.Close()
	zl.Info("connected to Postgres")

	var rdb *redis.Client
	if cfg.LockBackend == config.LockBackendRedis {
		rdb, err = redisclient.NewRedisClient(rootCtx, cfg)
		if err != nil {
			return fmt.Errorf("redis connection: %w", err)
		}
		defer rdb.Close()
		zl.Info("connected to Redis")
	}

	locker, err := lock.New(lock.Options{
		Backend: cfg.LockBackend,
		Wait:    cfg.LockWait,
		TTL:     cfg.LockTTL,
		Pool:    pgPool,
		Redis:   rdb,
	})
	if err != nil {
		return err
	}

	opts, err := appointment.OptionsFromConfig(cfg.Booking)
	if err != nil {
		return err
	}
	svc := appointment.NewService(appointment.NewPgRepository(pgPool), locker, opts, zl)

	cronLog := cron.PrintfLogger(zap.NewStdLog(zl))
	c := cron.New(
		cron.WithLocation(opts.Location),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := c.AddFunc(cfg.CohortCloser.Schedule, func() {
		runOnce(rootCtx, svc, cfg.CohortCloser.Timeout, zl)
	}); err != nil {
		return fmt.Errorf("invalid COHORT_CLOSER_SCHEDULE %q: %w", cfg.CohortCloser.Schedule, err)
	}

	// Run once at startup
	runOnce(rootCtx, svc, cfg.CohortCloser.Timeout, zl)

	c.Start()
	<-rootCtx.Done()

	zl.Info("shutdown signal received, stopping cohort-closer")
	<-c.Stop().Done()
	return nil
}

func runOnce(ctx context.Context, svc *appointment.Service, timeout time.Duration, zl *zap.Logger) {
	if ctx.Err() != nil {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	n, err := svc.CloseEndedCohorts(runCtx)
	if err != nil {
		zl.Error("cohort closer run finished with errors", zap.Int("completed", n), zap.Error(err))
		return
	}
	zl.Info("cohort closer run complete", zap.Int("completed", n), zap.Duration("took", time.Since(start)))
}
