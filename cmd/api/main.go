package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"instaroom/internal/app"
	"instaroom/internal/domain"
	"instaroom/internal/infra/config"
	httpinfra "instaroom/internal/infra/http"
	applog "instaroom/internal/infra/log"
	"instaroom/internal/infra/metrics"
	"instaroom/internal/usecase/janitor"
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
		logger.Fatal().Err(err).Msg("api: не удалось инициализировать зависимости")
	}
	defer a.Close()

	q, err := a.Queue()
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось инициализировать очередь")
	}

	// конвейеры переживают запрос и останавливаются только вместе с процессом
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()
	var inline *pipeline.InlineDispatcher
	var dispatcher domain.Dispatcher
	if q == nil {
		inline = pipeline.NewInlineDispatcher(runCtx, a.Pipeline, int64(cfg.Dispatch.MaxRunningJobs), applog.Component(logger, "dispatch"))
		dispatcher = inline
		logger.Info().Int("max_running", cfg.Dispatch.MaxRunningJobs).Msg("api: конвейеры выполняются в процессе")
	} else {
		dispatcher = pipeline.NewQueueDispatcher(q)
		logger.Info().Str("mode", cfg.Dispatch.Mode).Msg("api: конвейеры выполняются воркером")
	}
	a.Pipeline.SetDispatcher(dispatcher)

	sweeper := janitor.NewService(a.Jobs, cfg.Janitor.StaleAfter, applog.Component(logger, "janitor"))
	if err := sweeper.Start(ctx, cfg.Janitor.Schedule); err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось запустить уборщика")
	}

	mediaDir := ""
	if a.LocalBlobs != nil {
		mediaDir = a.LocalBlobs.Dir
	}
	srv := httpinfra.NewServer(applog.Component(logger, "http"), cfg.HTTP.CORSOrigins)
	httpinfra.NewHandlers(a.Pipeline, httpinfra.UploadLimits{
		MaxFiles: cfg.Upload.MaxFiles,
		MaxBytes: cfg.Upload.MaxBytes,
	}, mediaDir, applog.Component(logger, "api")).Register(srv.Router)

	go func() {
		if err := srv.Start(cfg.HTTP.Addr, cfg.HTTP.ReadTimeout); err != nil {
			logger.Error().Err(err).Msg("api: сервер остановлен")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if inline != nil {
		done := make(chan struct{})
		go func() {
			inline.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			logger.Warn().Msg("api: не все конвейеры завершились, прерываем")
			cancelRuns()
			inline.Wait()
		}
	}
}
