package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	JobsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "instaroom_jobs_created_total",
		Help: "Созданные задачи по источнику",
	}, []string{"source"})

	JobsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "instaroom_jobs_finished_total",
		Help: "Завершённые задачи по статусу",
	}, []string{"status"})

	JobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "instaroom_jobs_running",
		Help: "Задачи, выполняющиеся в процессе",
	})

	StageSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "instaroom_pipeline_stage_seconds",
		Help:    "Длительность стадий конвейера",
		Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 20, 30, 60, 120, 180, 300, 450, 600, 900},
	}, []string{"stage"})

	AnalysisItemFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "instaroom_analysis_item_failures_total",
		Help: "Элементы, анализ которых не удался",
	})

	AnalysisCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "instaroom_analysis_cache_hits_total",
		Help: "Анализы, взятые из кэша",
	})

	CritiqueAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "instaroom_critique_attempts",
		Help:    "Количество итераций цикла критики",
		Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
	})

	CritiqueBestScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "instaroom_critique_best_score",
		Help:    "Средняя оценка лучшей попытки",
		Buckets: []float64{1, 1.5, 2, 2.5, 3, 3.25, 3.5, 3.75, 4},
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 240, 300, 450, 600},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		JobsCreated,
		JobsFinished,
		JobsRunning,
		StageSeconds,
		AnalysisItemFailures,
		AnalysisCacheHits,
		CritiqueAttempts,
		CritiqueBestScore,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLLMGeneration записывает длительность и токены генерации LLM.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens, totalTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "total").Add(float64(totalTokens))
	}
}

// ObserveStage записывает длительность стадии конвейера.
func ObserveStage(stage int, start time.Time) {
	StageSeconds.WithLabelValues(strconv.Itoa(stage)).Observe(time.Since(start).Seconds())
}

// IncJobCreated увеличивает счётчик созданных задач.
func IncJobCreated(source string) {
	JobsCreated.WithLabelValues(source).Inc()
}

// IncJobFinished увеличивает счётчик завершённых задач.
func IncJobFinished(status string) {
	JobsFinished.WithLabelValues(status).Inc()
}
