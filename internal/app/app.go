package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"instaroom/internal/adapters/apify"
	"instaroom/internal/adapters/blob"
	"instaroom/internal/adapters/llm"
	"instaroom/internal/adapters/notify"
	"instaroom/internal/adapters/repo"
	"instaroom/internal/adapters/upload"
	"instaroom/internal/adapters/worldlabs"
	"instaroom/internal/domain"
	"instaroom/internal/infra/cache"
	"instaroom/internal/infra/config"
	"instaroom/internal/infra/db"
	applog "instaroom/internal/infra/log"
	"instaroom/internal/infra/openai"
	"instaroom/internal/infra/queue"
	"instaroom/internal/usecase/aggregate"
	"instaroom/internal/usecase/analysis"
	"instaroom/internal/usecase/compose"
	"instaroom/internal/usecase/critique"
	"instaroom/internal/usecase/pipeline"
)

// App: собранные зависимости процесса.
type App struct {
	Config   config.AppConfig
	Jobs     domain.JobStore
	Rooms    domain.RoomStore
	Pipeline *pipeline.Service
	Redis    *redis.Client
	Cache    *cache.RedisCache
	// LocalBlobs задан только в режиме BLOB_MODE=local.
	LocalBlobs *blob.Local

	closers []func() error
	log     zerolog.Logger
}

// New подключает хранилища и внешние сервисы и собирает оркестратор.
// Диспетчер задаётся вызывающей стороной.
func New(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, log: logger}

	if err := a.initStores(ctx); err != nil {
		a.Close()
		return nil, err
	}

	blobs, err := a.initBlobs(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	fetcher := blob.NewFetcher(a.LocalBlobs, 30*time.Second)

	oa := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
	policy, err := analysis.ParsePolicy(cfg.Pipeline.AnalysisFailurePolicy)
	if err != nil {
		a.Close()
		return nil, err
	}
	var analysisCache domain.Cache
	if a.Cache != nil {
		analysisCache = a.Cache
	}

	notifier, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.NotifyChatID, applog.Component(logger, "notify"))
	if err != nil {
		logger.Warn().Err(err).Msg("app: уведомления в Telegram отключены")
		notifier = notify.Noop{}
	}

	stages := pipeline.Stages{
		Collector: apify.NewCollector(cfg.Apify.Token, cfg.Apify.Actor, cfg.Apify.ResultsLimit, cfg.Apify.Timeout),
		Uploads: upload.NewCollector(blobs, upload.Limits{
			MinFiles: cfg.Upload.MinFiles,
			MaxFiles: cfg.Upload.MaxFiles,
			MaxBytes: int(cfg.Upload.MaxBytes),
		}),
		Analysis: analysis.NewService(
			llm.NewAnalyzer(oa, fetcher, cfg.OpenAI.VisionModel, cfg.OpenAI.Timeout),
			analysisCache,
			semaphore.NewWeighted(max(cfg.Pipeline.AnalyzeGlobalConcurrency, 1)),
			analysis.Options{
				Concurrency: cfg.Pipeline.AnalyzeConcurrency,
				Policy:      policy,
				CacheTTL:    cfg.Pipeline.AnalysisCacheTTL,
			},
			applog.Component(logger, "analysis"),
		),
		Aggregate: aggregate.NewService(
			llm.NewSynthesizer(oa, cfg.OpenAI.TextModel, cfg.OpenAI.Timeout),
			applog.Component(logger, "aggregate"),
		),
		Assembler: compose.NewAssembler(
			llm.NewComposer(oa, cfg.OpenAI.TextModel, cfg.OpenAI.Timeout),
			compose.Options{StrictFieldOfView: cfg.Pipeline.StrictFieldOfView},
			applog.Component(logger, "compose"),
		),
		Critique: critique.NewLoop(
			llm.NewGenerator(oa, fetcher, cfg.OpenAI.ImageModel, cfg.OpenAI.ImageSize),
			llm.NewCritic(oa, fetcher, cfg.OpenAI.VisionModel, cfg.OpenAI.Timeout),
			blobs,
			critique.Options{
				MaxIterations:   cfg.Pipeline.CritiqueMaxIterations,
				AcceptThreshold: cfg.Pipeline.CritiqueAcceptThreshold,
				CriterionFloor:  cfg.Pipeline.CritiqueCriterionFloor,
			},
			applog.Component(logger, "critique"),
		),
		Converter: worldlabs.NewClient(cfg.WorldLabs.APIKey, worldlabs.Options{
			BaseURL:      cfg.WorldLabs.BaseURL,
			Model:        cfg.WorldLabs.Model,
			PollInterval: cfg.WorldLabs.PollInterval,
			PollTimeout:  cfg.WorldLabs.PollTimeout,
		}, applog.Component(logger, "worldlabs")),
	}

	a.Pipeline = pipeline.NewService(a.Jobs, a.Rooms, stages, notifier, pipeline.Options{
		PublicBaseURL: cfg.HTTP.PublicBaseURL,
		DebugDir:      cfg.Pipeline.DebugOutputDir,
	}, applog.Component(logger, "pipeline"))
	return a, nil
}

func (a *App) initStores(ctx context.Context) error {
	if a.Config.PGDSN != "" {
		pool, err := db.Connect(a.Config.PGDSN)
		if err != nil {
			return fmt.Errorf("подключение к БД: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := db.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("миграции: %w", err)
		}
		a.usePostgres(pool)
	} else {
		a.log.Warn().Msg("app: PG_DSN не задан, задачи и комнаты хранятся в памяти")
		mem := repo.NewMemory()
		a.Jobs, a.Rooms = mem.Jobs(), mem.Rooms()
	}

	if a.Config.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{Addr: a.Config.RedisAddr})
		a.closers = append(a.closers, a.Redis.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.Redis.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("подключение к Redis: %w", err)
		}
		a.Cache = cache.NewRedis(a.Redis, "instaroom:")
	}
	return nil
}

func (a *App) usePostgres(pool *pgxpool.Pool) {
	pg := repo.NewPostgres(pool)
	a.Jobs, a.Rooms = pg.Jobs(), pg.Rooms()
}

func (a *App) initBlobs(ctx context.Context) (domain.BlobStore, error) {
	switch a.Config.Blob.Mode {
	case "gcs":
		g, err := blob.NewGCS(ctx, a.Config.Blob.GCSBucket, a.Config.Blob.GCSCredentials, a.Config.Blob.GCSPublicBase)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, g.Close)
		return g, nil
	case "", "local":
		local, err := blob.NewLocal(a.Config.Blob.Dir, a.Config.HTTP.PublicBaseURL)
		if err != nil {
			return nil, err
		}
		a.LocalBlobs = local
		return local, nil
	default:
		return nil, fmt.Errorf("неизвестный BLOB_MODE %q", a.Config.Blob.Mode)
	}
}

// Queue создаёт очередь конвейера согласно DISPATCH_MODE. Для inline возвращается nil.
func (a *App) Queue() (domain.PipelineQueue, error) {
	switch a.Config.Dispatch.Mode {
	case "", "inline":
		return nil, nil
	case "redis":
		if a.Redis == nil {
			return nil, errors.New("DISPATCH_MODE=redis требует REDIS_ADDR")
		}
		return queue.NewRedisPipelineQueue(a.Redis, a.Config.Dispatch.Queue), nil
	case "rabbitmq":
		q, err := queue.NewRabbitPipelineQueue(a.Config.Dispatch.RabbitURL, a.Config.Dispatch.Queue, a.Config.Dispatch.WorkerPrefetch)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, q.Close)
		return q, nil
	default:
		return nil, fmt.Errorf("неизвестный DISPATCH_MODE %q", a.Config.Dispatch.Mode)
	}
}

// Close освобождает подключения в обратном порядке.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("app: ошибка при закрытии")
		}
	}
	a.closers = nil
}
