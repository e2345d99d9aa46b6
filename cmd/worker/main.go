package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"crawl-scheduler/internal/config"
	"crawl-scheduler/internal/crawl"
	"crawl-scheduler/internal/models"
	"crawl-scheduler/internal/queue"
	"crawl-scheduler/internal/schedule"
	"crawl-scheduler/internal/store"
	"crawl-scheduler/internal/telemetry"
	"crawl-scheduler/internal/worker"
)

func main() {
	cfg := config.Load()

	log, err := newLogger(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	executor := crawl.NewHTTPExecutor(cfg.CrawlerEndpoint, cfg.CrawlerTimeout, log)
	schedules := schedule.NewService(st, executor, log)
	q := queue.New(st, cfg.MaxRetries, log)

	processor := worker.NewProcessor(cfg, q, schedules, log)
	processor.RegisterHandler(models.JobTypeSingleRun, worker.NewSingleRunHandler(executor))

	coverHandler, err := worker.NewCoverHandler(ctx, cfg)
	if err != nil {
		log.Fatal("init cover handler", zap.Error(err))
	}
	processor.RegisterHandler(models.JobTypeCoverThumbnail, coverHandler.Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("worker started",
		zap.Duration("poll_interval", cfg.WorkerPollInterval),
		zap.Duration("lock_ttl", models.LockTTL))
	if err := processor.Run(ctx); err != nil {
		log.Info("worker stopped", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
