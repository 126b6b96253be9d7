package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"orderjobs/internal/bootstrap"
	"orderjobs/internal/config"
	cronpkg "orderjobs/internal/cron"
	"orderjobs/internal/fulfillment"
	"orderjobs/internal/handler/api"
	"orderjobs/internal/processor"
	"orderjobs/internal/repository"
	"orderjobs/internal/router"
	"orderjobs/internal/worker"
)

func main() {
	// --- Logger ---
	logger, err := newLogger(os.Getenv("APP_ENV"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if hasArg("--bootstrap-db") {
		if err := runDBBootstrap(logger); err != nil {
			logger.Fatal("Database bootstrap failed", zap.Error(err))
		}
		logger.Info("Database bootstrap completed")
		return
	}

	// --- Config ---
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// --- Database ---
	db, err := config.NewDatabase(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := bootstrap.Migrate(db); err != nil {
		logger.Fatal("Failed to bootstrap database schema", zap.Error(err))
	}

	// --- Redis (optional, tick lock) ---
	rdb, err := config.NewRedis(&cfg.Redis)
	if err != nil {
		logger.Warn("Redis unavailable, worker lock is process-local", zap.Error(err))
	}

	// --- Store + processors ---
	jobRepo := repository.NewJobRepository(db, logger).WithDefaultMaxAttempts(cfg.Worker.DefaultMaxAttempts)
	orderRepo := repository.NewOrderRepository(db)

	client := fulfillment.NewHTTPClient(cfg.Fulfillment.BaseURL, cfg.Fulfillment.APIKey, cfg.Fulfillment.Timeout, logger)
	registry := processor.NewRegistry(
		processor.NewCreateOrder(client, orderRepo, processor.PollingConfig{
			Interval:  cfg.Order.PollInterval,
			Budget:    cfg.Order.PollBudget,
			Extension: cfg.Order.PollExtension,
		}, logger),
		processor.NewCheckOrderStatus(client, orderRepo),
	)

	w := worker.New(jobRepo, registry, worker.NewLocker(rdb), worker.Config{
		PollInterval:      cfg.Worker.PollInterval,
		JobTimeout:        cfg.Worker.JobTimeout,
		RetryDelay:        cfg.Worker.RetryDelay,
		StaleAfter:        cfg.Worker.StaleAfter,
		MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
		BatchSize:         cfg.Worker.BatchSize,
	}, logger)

	if hasArg("--run-once") {
		processed, err := w.RunBatch(context.Background(), cfg.Worker.BatchSize)
		if err != nil {
			logger.Fatal("Worker batch failed", zap.Int("processed", processed), zap.Error(err))
		}
		fmt.Println(processed)
		return
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Worker ---
	if cfg.Worker.Mode == config.WorkerModeLoop {
		if err := w.Start(ctx); err != nil {
			logger.Fatal("Failed to start worker", zap.Error(err))
		}
	}

	// --- Cron Scheduler ---
	scheduler := cronpkg.New(cfg, w, jobRepo, logger)
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal("Failed to start cron scheduler", zap.Error(err))
	}

	// --- Echo ---
	e := echo.New()
	e.HideBanner = true
	router.Setup(e, api.NewJobHandler(jobRepo, registry, w, logger), cfg.API.Key, logger)

	// --- Start Server ---
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	go func() {
		logger.Info("Starting order jobs server",
			zap.String("addr", addr),
			zap.String("worker_mode", cfg.Worker.Mode),
			zap.Strings("job_types", registry.Types()))
		if err := e.Start(addr); err != nil {
			logger.Info("Server stopped", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	// Stop HTTP server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Stop cron
	cronCtx := scheduler.Stop()
	<-cronCtx.Done()

	// Stop worker, letting in-flight jobs record their outcome
	w.Stop()
	stop()

	if rdb != nil {
		_ = rdb.Close()
	}
	logger.Info("Server exited")
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func hasArg(name string) bool {
	for _, arg := range os.Args[1:] {
		if arg == name {
			return true
		}
	}
	return false
}

func runDBBootstrap(logger *zap.Logger) error {
	dbCfg, err := config.LoadDatabaseOnly()
	if err != nil {
		return err
	}
	db, err := config.NewDatabase(dbCfg)
	if err != nil {
		return err
	}
	if err := bootstrap.Migrate(db); err != nil {
		return err
	}
	logger.Info("Schema migration completed")
	return nil
}
