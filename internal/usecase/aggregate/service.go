package aggregate

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"instaroom/internal/domain"
)

const maxThemes = 6

// Service выполняет стадию агрегации: объединение дублей, расчёт профиля и синтез персоны.
type Service struct {
	synth domain.Synthesizer
	log   zerolog.Logger
}

// NewService создаёт сервис агрегации.
func NewService(synth domain.Synthesizer, logger zerolog.Logger) *Service {
	return &Service{synth: synth, log: logger}
}

// Build строит AggregatedProfile. Ошибка объединения дублей не фатальна,
// ошибка синтеза персоны фатальна для задачи.
func (s *Service) Build(ctx context.Context, items []domain.SourceItem, analyses []domain.ItemAnalysis, meta domain.ProfileMeta) (domain.AggregatedProfile, error) {
	var canonical map[string]string
	if names := DistinctObjectNames(analyses); len(names) > 1 {
		mapping, err := s.synth.Deduplicate(ctx, names)
		if err != nil {
			s.log.Warn().Err(err).Int("names", len(names)).Msg("aggregate: объединение дублей не удалось, используем нормализацию")
		} else {
			canonical = mapping
		}
	}

	res, err := Aggregate(Input{Items: items, Analyses: analyses, Canonical: canonical})
	if err != nil {
		return domain.AggregatedProfile{}, err
	}
	s.log.Debug().
		Int("clusters", len(res.Clusters)).
		Int("key_objects", len(res.KeyObjects)).
		Int("highlights", len(res.Highlights)).
		Msg("aggregate: профиль рассчитан")

	refinement, err := s.synth.Synthesize(ctx, domain.PersonaInput{
		Meta:       meta,
		KeyObjects: res.KeyObjects,
		Highlights: res.Highlights,
		Atmosphere: res.Atmosphere,
		Hashtags:   res.Hashtags,
		Locations:  res.Locations,
	})
	if err != nil {
		return domain.AggregatedProfile{}, domain.NewStageError(domain.KindAggregation, "persona synthesis failed", err)
	}

	return ApplyRefinement(res, refinement), nil
}

// ApplyRefinement переносит ответ синтезатора в профиль. Оценки и выбранные
// наборы не меняются, переопределяются только текстовые метки атмосферы.
func ApplyRefinement(res Result, ref domain.PersonaRefinement) domain.AggregatedProfile {
	atmosphere := res.Atmosphere
	atmosphere.Palette = append([]string(nil), res.Atmosphere.Palette...)
	if v := NormalizeName(ref.Style); v != "" {
		atmosphere.Style = v
	}
	if v := NormalizeName(ref.AmbientView); v != "" {
		atmosphere.AmbientView = v
	}
	if v := NormalizeName(ref.TimeOfDay); v != "" {
		atmosphere.TimeOfDay = v
	}

	themes := make([]string, 0, maxThemes)
	seen := map[string]bool{}
	for _, t := range ref.Themes {
		t = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "#"))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		themes = append(themes, t)
		if len(themes) == maxThemes {
			break
		}
	}
	if len(themes) == 0 {
		themes = append(themes, res.Hashtags[:min(len(res.Hashtags), maxThemes)]...)
	}

	return domain.AggregatedProfile{
		KeyObjects:     append([]domain.ScoredObject(nil), res.KeyObjects...),
		Highlights:     append([]domain.HighlightItem(nil), res.Highlights...),
		Atmosphere:     atmosphere,
		PersonaSummary: strings.TrimSpace(ref.Summary),
		Themes:         themes,
	}
}
