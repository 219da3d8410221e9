package janitor

import (
	"context"
	"fmt"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"instaroom/internal/domain"
	"instaroom/internal/infra/metrics"
)

// AbandonedMessage записывается в задачи, которые перестали обновляться.
const AbandonedMessage = "job abandoned"

// Service завершает ошибкой задачи, зависшие после падения процесса,
// чтобы identity можно было отправить повторно.
type Service struct {
	jobs       domain.JobStore
	staleAfter time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// NewService создаёт уборщика.
func NewService(jobs domain.JobStore, staleAfter time.Duration, logger zerolog.Logger) *Service {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &Service{jobs: jobs, staleAfter: staleAfter, log: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Sweep помечает failed все активные задачи, не обновлявшиеся дольше staleAfter.
// Возвращает количество завершённых задач.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	stale, err := s.jobs.ListStale(ctx, now.Add(-s.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("выборка зависших задач: %w", err)
	}
	failed := 0
	for _, job := range stale {
		if job.Terminal() {
			continue
		}
		if err := job.Fail(job.Stage, AbandonedMessage, now); err != nil {
			continue
		}
		if err := s.jobs.Update(ctx, job); err != nil {
			// задачу могли обновить между выборкой и записью
			s.log.Warn().Err(err).Str("job_id", job.ID).Msg("janitor: не удалось завершить задачу")
			continue
		}
		metrics.IncJobFinished(string(domain.StatusFailed))
		s.log.Info().Str("job_id", job.ID).Str("identity", job.Identity).Int("stage", job.Stage).Msg("janitor: задача помечена как брошенная")
		failed++
	}
	return failed, nil
}

// Start запускает Sweep по расписанию cron. Расписание останавливается вместе с ctx.
func (s *Service) Start(ctx context.Context, schedule string) error {
	c := rcron.New()
	_, err := c.AddFunc(schedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if n, err := s.Sweep(sweepCtx); err != nil {
			s.log.Error().Err(err).Msg("janitor: ошибка уборки")
		} else if n > 0 {
			s.log.Info().Int("failed", n).Msg("janitor: уборка завершена")
		}
	})
	if err != nil {
		return fmt.Errorf("расписание %q: %w", schedule, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}
