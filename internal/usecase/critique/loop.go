package critique

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"instaroom/internal/domain"
	"instaroom/internal/infra/metrics"
)

const (
	defaultMaxIterations   = 3
	defaultAcceptThreshold = 3.5
	defaultCriterionFloor  = 3
)

// Options задаёт параметры цикла критики.
type Options struct {
	MaxIterations   int
	AcceptThreshold float64
	CriterionFloor  int
}

// Result: итог цикла: лучшая попытка и все попытки по порядку.
type Result struct {
	Best     domain.GenerationAttempt
	Attempts []domain.GenerationAttempt
	// Plan: план, по которому получена лучшая попытка.
	Plan domain.PromptPlan
}

// Loop реализует цикл генерация → оценка → ревизия.
type Loop struct {
	generator domain.Generator
	critic    domain.Critic
	blobs     domain.BlobStore
	opts      Options
	log       zerolog.Logger
}

// NewLoop создаёт цикл критики. blobs может быть nil, тогда артефакты не сохраняются.
func NewLoop(generator domain.Generator, critic domain.Critic, blobs domain.BlobStore, opts Options, logger zerolog.Logger) *Loop {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.AcceptThreshold <= 0 {
		opts.AcceptThreshold = defaultAcceptThreshold
	}
	if opts.CriterionFloor <= 0 {
		opts.CriterionFloor = defaultCriterionFloor
	}
	return &Loop{generator: generator, critic: critic, blobs: blobs, opts: opts, log: logger}
}

// Run выполняет не более MaxIterations попыток и возвращает попытку с наибольшей средней оценкой.
// onAttempt вызывается после каждой оценённой попытки.
func (l *Loop) Run(ctx context.Context, jobID string, profile domain.AggregatedProfile, plan domain.PromptPlan, onAttempt func(domain.GenerationAttempt)) (Result, error) {
	var attempts []domain.GenerationAttempt
	best := -1
	bestPlan := plan

	for i := 1; i <= l.opts.MaxIterations; i++ {
		artifact, err := l.generator.Generate(ctx, plan.Prompt, plan.References)
		if err != nil {
			if best < 0 {
				return Result{Attempts: attempts, Plan: plan}, domain.NewStageError(domain.KindGeneration, "image generation failed", err)
			}
			l.log.Warn().Err(err).Int("attempt", i).Msg("critique: генерация не удалась, используем лучшую попытку")
			break
		}
		artifact = l.persist(ctx, jobID, i, artifact)

		review, err := l.critic.Score(ctx, domain.CritiqueRequest{
			Intent:     Intent(profile, plan),
			KeyObjects: plan.FocusObjects,
			Atmosphere: profile.Atmosphere,
			Artifact:   artifact,
		})
		if err != nil {
			if best < 0 {
				return Result{Attempts: attempts, Plan: plan}, domain.NewStageError(domain.KindCritique, "critique failed", err)
			}
			l.log.Warn().Err(err).Int("attempt", i).Msg("critique: оценка не удалась, используем лучшую попытку")
			break
		}
		review = NormalizeCritique(review)

		attempt := domain.GenerationAttempt{
			Attempt:  i,
			Artifact: artifact,
			Critique: review,
			Mean:     review.Mean(),
			Prompt:   plan.Prompt,
		}
		attempts = append(attempts, attempt)
		if best < 0 || attempt.Mean > attempts[best].Mean {
			best = len(attempts) - 1
			bestPlan = plan
		}
		if onAttempt != nil {
			onAttempt(attempt)
		}
		l.log.Info().Int("attempt", i).Float64("mean", attempt.Mean).Msg("critique: попытка оценена")

		if attempt.Mean >= l.opts.AcceptThreshold || i == l.opts.MaxIterations {
			break
		}
		plan = Revise(plan, review, profile, l.opts.CriterionFloor)
	}

	metrics.CritiqueAttempts.Observe(float64(len(attempts)))
	metrics.CritiqueBestScore.Observe(attempts[best].Mean)
	return Result{Best: attempts[best], Attempts: attempts, Plan: bestPlan}, nil
}

func (l *Loop) persist(ctx context.Context, jobID string, attempt int, artifact domain.Artifact) domain.Artifact {
	if l.blobs == nil || len(artifact.Data) == 0 {
		return artifact
	}
	mime := artifact.MimeType
	if mime == "" {
		mime = "image/png"
	}
	key := fmt.Sprintf("generated/%s/attempt_%d%s", jobID, attempt, extensionFor(mime))
	url, err := l.blobs.Put(ctx, key, mime, artifact.Data)
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("critique: не удалось сохранить артефакт")
		return artifact
	}
	artifact.URL = url
	artifact.MimeType = mime
	return artifact
}

func extensionFor(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// NormalizeCritique приводит оценки к шкале и порядку рубрики. Отсутствующий критерий получает минимум.
func NormalizeCritique(c domain.Critique) domain.Critique {
	byCriterion := map[domain.Criterion]domain.CriterionScore{}
	for _, s := range c.Scores {
		byCriterion[s.Criterion] = s
	}
	out := domain.Critique{Scores: make([]domain.CriterionScore, 0, len(domain.Rubric))}
	for _, criterion := range domain.Rubric {
		s, ok := byCriterion[criterion]
		if !ok {
			s = domain.CriterionScore{Criterion: criterion, Score: domain.MinCriterionScore}
		}
		s.Score = min(max(s.Score, domain.MinCriterionScore), domain.MaxCriterionScore)
		out.Scores = append(out.Scores, s)
	}
	for _, m := range c.MissingObjects {
		if m = strings.TrimSpace(m); m != "" {
			out.MissingObjects = append(out.MissingObjects, m)
		}
	}
	return out
}

// Intent: краткое описание замысла для критика.
func Intent(profile domain.AggregatedProfile, plan domain.PromptPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A %s %s room, %s mood, %s lighting", profile.Atmosphere.RoomSize, humanize(profile.Atmosphere.Style), profile.Atmosphere.Mood, humanize(profile.Atmosphere.Lighting))
	if len(plan.FocusObjects) > 0 {
		names := make([]string, len(plan.FocusObjects))
		for i, n := range plan.FocusObjects {
			names[i] = humanize(n)
		}
		fmt.Fprintf(&b, ", featuring %s", strings.Join(names, ", "))
	}
	if len(plan.HighlightNotes) > 0 {
		fmt.Fprintf(&b, ", with %d framed photos on the walls", len(plan.HighlightNotes))
	}
	if plan.Layout.CameraPosition != "" {
		fmt.Fprintf(&b, ", seen from %s", plan.Layout.CameraPosition)
	}
	return b.String() + "."
}

func humanize(s string) string {
	return strings.ReplaceAll(s, "_", " ")
}
