package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"instaroom/internal/domain"
	"instaroom/internal/infra/metrics"
)

var stageKinds = map[int]domain.ErrorKind{
	domain.StageCollecting:  domain.KindCollection,
	domain.StageAnalyzing:   domain.KindAnalysis,
	domain.StageAggregating: domain.KindAggregation,
	domain.StageComposing:   domain.KindComposition,
	domain.StageGenerating:  domain.KindGeneration,
	domain.StageConverting:  domain.KindConversion,
}

// run: состояние одного прогона конвейера. Пишет в хранилище только он.
type run struct {
	s         *Service
	job       domain.Job
	log       zerolog.Logger
	artifacts map[int][]byte
}

// Run проводит задачу через все стадии до завершения или ошибки.
// Ошибки стадий записываются в задачу; наружу возвращаются только ошибки хранилища.
func (s *Service) Run(ctx context.Context, jobID string) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("загрузка задачи %s: %w", jobID, err)
	}
	if job.Terminal() {
		s.log.Info().Str("job_id", jobID).Str("status", string(job.Status)).Msg("pipeline: задача уже завершена")
		return nil
	}

	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()

	r := &run{
		s:         s,
		job:       job,
		log:       s.log.With().Str("job_id", job.ID).Str("identity", job.Identity).Logger(),
		artifacts: map[int][]byte{},
	}
	started := time.Now()
	r.log.Info().Msg("pipeline: конвейер запущен")

	if job.Stage > domain.StageCollecting {
		// прогон прервался после старта; промежуточные результаты не восстанавливаются
		err = domain.NewStageError(stageKinds[job.Stage], "job interrupted", nil)
	} else {
		err = r.execute(ctx)
	}
	if err != nil {
		var storeErr *storeError
		if errors.As(err, &storeErr) {
			r.log.Error().Err(err).Msg("pipeline: не удалось сохранить задачу")
			return err
		}
		if failErr := r.fail(ctx, err); failErr != nil {
			return failErr
		}
	}

	r.log.Info().
		Str("status", string(r.job.Status)).
		Dur("duration", time.Since(started)).
		Msg("pipeline: конвейер завершён")
	s.finish(ctx, r)
	return nil
}

func (r *run) execute(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Int("stage", r.job.Stage).Msg("pipeline: паника в стадии")
			err = domain.NewStageError(stageKinds[r.job.Stage], "internal error", fmt.Errorf("panic: %v", p))
		}
	}()

	steps := []struct {
		stage    int
		progress string
		fn       func(context.Context) error
	}{
		{domain.StageCollecting, "collecting source items", r.collect},
		{domain.StageAnalyzing, "analyzing items", r.analyze},
		{domain.StageAggregating, "aggregating profile", r.aggregate},
		{domain.StageComposing, "composing prompt", r.compose},
		{domain.StageGenerating, "generating image", r.generate},
		{domain.StageConverting, "converting to 3d", r.convert},
	}
	for _, step := range steps {
		if err := r.advance(ctx, step.stage, step.progress); err != nil {
			return err
		}
		start := time.Now()
		err := step.fn(ctx)
		metrics.ObserveStage(step.stage, start)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *run) collect(ctx context.Context) error {
	if r.job.Source == domain.SourceUpload && len(r.job.Items) > 0 {
		return nil
	}
	if r.s.stages.Collector == nil {
		return domain.NewCollectionError(domain.ReasonUpstream, "collector is not configured", nil)
	}
	items, meta, err := r.s.stages.Collector.Fetch(ctx, r.job.Identity)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return domain.NewCollectionError(domain.ReasonPrivate, "no usable items", nil)
	}
	r.job.Items = items
	r.job.Meta = &meta
	return r.save(ctx)
}

func (r *run) analyze(ctx context.Context) error {
	analyses, err := r.s.stages.Analysis.AnalyzeAll(ctx, r.job.Items, func(done, total int) {
		if reportErr := r.report(ctx, fmt.Sprintf("%d of %d analyzed", done, total)); reportErr != nil {
			r.log.Warn().Err(reportErr).Msg("pipeline: не удалось обновить прогресс")
		}
	})
	r.job.Analyses = analyses
	if err != nil {
		return err
	}
	return r.save(ctx)
}

func (r *run) aggregate(ctx context.Context) error {
	var meta domain.ProfileMeta
	if r.job.Meta != nil {
		meta = *r.job.Meta
	}
	profile, err := r.s.stages.Aggregate.Build(ctx, r.job.Items, r.job.Analyses, meta)
	if err != nil {
		return err
	}
	r.job.Profile = &profile
	return r.save(ctx)
}

func (r *run) compose(ctx context.Context) error {
	plan, err := r.s.stages.Assembler.Assemble(ctx, *r.job.Profile)
	if err != nil {
		return err
	}
	r.job.Plan = &plan
	return r.save(ctx)
}

func (r *run) generate(ctx context.Context) error {
	res, err := r.s.stages.Critique.Run(ctx, r.job.ID, *r.job.Profile, *r.job.Plan, func(attempt domain.GenerationAttempt) {
		if len(attempt.Artifact.Data) > 0 {
			r.artifacts[attempt.Attempt] = attempt.Artifact.Data
		}
		r.job.Attempts = append(r.job.Attempts, attempt)
		if reportErr := r.report(ctx, fmt.Sprintf("attempt %d scored %.2f", attempt.Attempt, attempt.Mean)); reportErr != nil {
			r.log.Warn().Err(reportErr).Msg("pipeline: не удалось обновить прогресс")
		}
	})
	r.job.Attempts = res.Attempts
	if err != nil {
		return err
	}
	plan := res.Plan
	r.job.Plan = &plan
	r.job.BestScore = res.Best.Mean
	return r.save(ctx)
}

func (r *run) convert(ctx context.Context) error {
	best, ok := r.best()
	if !ok {
		return domain.NewStageError(domain.KindConversion, "no generated image to convert", nil)
	}
	spatial := r.s.stages.Assembler.SpatialPrompt(ctx, *r.job.Profile, *r.job.Plan)
	scene, err := r.s.stages.Converter.Convert(ctx, domain.ConvertRequest{
		DisplayName: r.job.Identity,
		TextPrompt:  spatial,
		Artifact:    best.Artifact,
	})
	if err != nil {
		return err
	}

	now := r.s.now()
	room := domain.Room{
		ID:             r.s.newID(),
		Identity:       r.job.Identity,
		JobID:          r.job.ID,
		PersonaSummary: r.job.Profile.PersonaSummary,
		BundleURL:      scene.BundleURL,
		ColliderURL:    scene.ColliderURL,
		PanoramaURL:    scene.PanoramaURL,
		PreviewURL:     scene.PreviewURL,
		Viewpoint:      domain.DefaultViewpoint(),
		CreatedAt:      now,
	}
	if room.PreviewURL == "" {
		room.PreviewURL = best.Artifact.URL
	}
	if err := r.s.rooms.Save(ctx, room); err != nil {
		return domain.NewStageError(domain.KindConversion, "room could not be saved", err)
	}

	if err := r.job.Complete(ResultFor(room, r.s.opts.PublicBaseURL), now); err != nil {
		r.withdraw(ctx, room.ID)
		return err
	}
	if err := r.save(ctx); err != nil {
		// комната видна только вместе с завершённой задачей
		r.withdraw(ctx, room.ID)
		return err
	}
	return nil
}

func (r *run) withdraw(ctx context.Context, roomID string) {
	if err := r.s.rooms.Delete(context.WithoutCancel(ctx), roomID); err != nil {
		r.log.Error().Err(err).Str("room_id", roomID).Msg("pipeline: не удалось снять комнату с публикации")
		return
	}
	r.log.Warn().Str("room_id", roomID).Msg("pipeline: комната снята, задача не сохранена как завершённая")
}

func (r *run) best() (domain.GenerationAttempt, bool) {
	if len(r.job.Attempts) == 0 {
		return domain.GenerationAttempt{}, false
	}
	best := r.job.Attempts[0]
	for _, a := range r.job.Attempts[1:] {
		if a.Mean > best.Mean {
			best = a
		}
	}
	if data, ok := r.artifacts[best.Attempt]; ok && len(best.Artifact.Data) == 0 {
		best.Artifact.Data = data
	}
	return best, true
}

func (r *run) advance(ctx context.Context, stage int, progress string) error {
	if err := r.job.Advance(stage, progress, r.s.now()); err != nil {
		return err
	}
	r.log.Info().Int("stage", stage).Str("status", string(r.job.Status)).Msg("pipeline: стадия начата")
	return r.save(ctx)
}

func (r *run) report(ctx context.Context, progress string) error {
	if err := r.job.Report(progress, r.s.now()); err != nil {
		return err
	}
	return r.save(ctx)
}

func (r *run) fail(ctx context.Context, cause error) error {
	stage := r.job.Stage
	message := cause.Error()
	if se, ok := domain.AsStageError(cause); ok {
		stage = se.Stage
		message = se.UserMessage()
	}
	r.log.Error().Err(cause).Int("stage", stage).Msg("pipeline: задача завершилась ошибкой")
	if err := r.job.Fail(stage, message, r.s.now()); err != nil {
		return err
	}
	return r.save(context.WithoutCancel(ctx))
}

func (r *run) save(ctx context.Context) error {
	if err := r.s.jobs.Update(ctx, r.job); err != nil {
		return &storeError{err: err}
	}
	return nil
}

func (s *Service) finish(ctx context.Context, r *run) {
	metrics.IncJobFinished(string(r.job.Status))
	ctx = context.WithoutCancel(ctx)
	if s.notifier != nil {
		if err := s.notifier.JobFinished(ctx, r.job); err != nil {
			r.log.Warn().Err(err).Msg("pipeline: уведомление не отправлено")
		}
	}
	if s.opts.DebugDir != "" {
		path, err := WriteDebugDump(s.opts.DebugDir, r.job, r.artifacts, s.now())
		if err != nil {
			r.log.Warn().Err(err).Msg("pipeline: отладочный дамп не записан")
			return
		}
		r.log.Debug().Str("path", path).Msg("pipeline: отладочный дамп записан")
	}
}

type storeError struct {
	err error
}

func (e *storeError) Error() string {
	return "job store: " + e.err.Error()
}

func (e *storeError) Unwrap() error {
	return e.err
}
