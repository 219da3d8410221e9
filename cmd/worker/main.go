package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"instaroom/internal/app"
	"instaroom/internal/infra/config"
	applog "instaroom/internal/infra/log"
	"instaroom/internal/infra/metrics"
	"instaroom/internal/usecase/pipeline"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, applog.Component(logger, "metrics"), cfg.HTTP.MetricsAddr)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: не удалось инициализировать зависимости")
	}
	defer a.Close()

	q, err := a.Queue()
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: не удалось инициализировать очередь")
	}
	if q == nil {
		logger.Fatal().Msg("worker: DISPATCH_MODE=inline, воркер не нужен (укажите redis или rabbitmq)")
	}
	if cfg.PGDSN == "" {
		logger.Warn().Msg("worker: без PG_DSN задачи API не видны воркеру")
	}

	var locker pipeline.Locker
	if a.Cache != nil {
		locker = a.Cache
	}
	worker := pipeline.NewWorker(q, a.Pipeline, locker, cfg.Janitor.StaleAfter, applog.Component(logger, "worker"))

	logger.Info().Str("mode", cfg.Dispatch.Mode).Msg("worker: запуск обработки очереди")
	worker.Run(ctx)
	logger.Info().Msg("worker: остановлен")
}
