package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"instaroom/internal/domain"
	"instaroom/internal/infra/metrics"
)

// FailurePolicy определяет реакцию на ошибку анализа одного элемента.
type FailurePolicy string

const (
	// PolicyIsolate записывает пустой анализ и продолжает.
	PolicyIsolate FailurePolicy = "isolate"
	// PolicyAbort прерывает всю стадию.
	PolicyAbort FailurePolicy = "abort"
)

// ParsePolicy разбирает значение из конфигурации.
func ParsePolicy(raw string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyIsolate:
		return PolicyIsolate, nil
	case PolicyAbort:
		return PolicyAbort, nil
	default:
		return "", fmt.Errorf("unknown analysis failure policy %q", raw)
	}
}

const defaultConcurrency = 5

// Options задаёт параметры стадии анализа.
type Options struct {
	Concurrency int
	Policy      FailurePolicy
	CacheTTL    time.Duration
}

// ProgressFunc получает количество завершённых анализов.
type ProgressFunc func(done, total int)

// Service выполняет анализ элементов с ограничением параллелизма.
type Service struct {
	analyzer domain.Analyzer
	cache    domain.Cache
	global   *semaphore.Weighted
	opts     Options
	log      zerolog.Logger
}

// NewService создаёт сервис анализа. cache и global могут быть nil.
func NewService(analyzer domain.Analyzer, cache domain.Cache, global *semaphore.Weighted, opts Options, logger zerolog.Logger) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Policy == "" {
		opts.Policy = PolicyIsolate
	}
	return &Service{analyzer: analyzer, cache: cache, global: global, opts: opts, log: logger}
}

// AnalyzeAll анализирует элементы не более чем по K одновременно.
// Порядок результата совпадает с порядком входа.
func (s *Service) AnalyzeAll(ctx context.Context, items []domain.SourceItem, progress ProgressFunc) ([]domain.ItemAnalysis, error) {
	total := len(items)
	if total == 0 {
		return nil, domain.NewStageError(domain.KindAnalysis, "nothing to analyze", nil)
	}
	results := make([]domain.ItemAnalysis, total)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	var mu sync.Mutex
	done := 0
	for i, item := range items {
		g.Go(func() error {
			analysis, err := s.analyzeOne(gctx, item)
			if err != nil {
				metrics.AnalysisItemFailures.Inc()
				if s.opts.Policy == PolicyAbort {
					return domain.NewStageError(domain.KindAnalysis, fmt.Sprintf("item %d analysis failed", i), err)
				}
				s.log.Warn().Err(err).Int("item", i).Msg("analysis: элемент пропущен")
				analysis = domain.EmptyAnalysis(i, err)
			}
			analysis.ItemIndex = i
			results[i] = analysis

			mu.Lock()
			done++
			if progress != nil {
				progress(done, total)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	for _, a := range results {
		if !a.Empty {
			return results, nil
		}
	}
	return results, domain.NewStageError(domain.KindAnalysis, "no item could be analyzed", nil)
}

func (s *Service) analyzeOne(ctx context.Context, item domain.SourceItem) (domain.ItemAnalysis, error) {
	key := cacheKey(item)
	if cached, ok := s.fromCache(ctx, key); ok {
		metrics.AnalysisCacheHits.Inc()
		return cached, nil
	}

	if s.global != nil {
		if err := s.global.Acquire(ctx, 1); err != nil {
			return domain.ItemAnalysis{}, err
		}
		defer s.global.Release(1)
	}

	analysis, err := s.analyzer.Analyze(ctx, item)
	if err != nil {
		return domain.ItemAnalysis{}, err
	}
	analysis = analysis.Normalize()
	s.toCache(ctx, key, analysis)
	return analysis, nil
}

func (s *Service) fromCache(ctx context.Context, key string) (domain.ItemAnalysis, bool) {
	if s.cache == nil {
		return domain.ItemAnalysis{}, false
	}
	data, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrCacheMiss) {
			s.log.Warn().Err(err).Msg("analysis: ошибка чтения кэша")
		}
		return domain.ItemAnalysis{}, false
	}
	var analysis domain.ItemAnalysis
	if err := json.Unmarshal(data, &analysis); err != nil {
		return domain.ItemAnalysis{}, false
	}
	return analysis.Normalize(), true
}

func (s *Service) toCache(ctx context.Context, key string, analysis domain.ItemAnalysis) {
	if s.cache == nil || s.opts.CacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(analysis)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, s.opts.CacheTTL); err != nil {
		s.log.Warn().Err(err).Msg("analysis: ошибка записи кэша")
	}
}

func cacheKey(item domain.SourceItem) string {
	h := sha256.New()
	for _, u := range item.MediaURLs {
		h.Write([]byte(u))
		h.Write([]byte{0})
	}
	h.Write([]byte(item.VideoURL))
	h.Write([]byte{0})
	h.Write([]byte(item.Caption))
	return "analysis:" + hex.EncodeToString(h.Sum(nil))
}
