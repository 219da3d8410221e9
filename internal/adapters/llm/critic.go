package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"instaroom/internal/domain"
	openai "instaroom/internal/infra/openai"
)

const critiquePrompt = `Evaluate this generated room image. It was generated to represent a specific person's ideal room.

Intent: %s
Target atmosphere: mood=%s, lighting=%s, style=%s, palette=%s
Key objects that must be present: %s

Score the image on four dimensions, 1-4 each (4 is excellent):
1. object_presence: are the key objects visible and recognizable?
2. atmosphere_match: do mood, lighting and palette match the target?
3. spatial_coherence: is the layout realistic, with one consistent perspective?
4. overall_quality: overall visual quality and appeal.

Respond with JSON:
{"object_presence": {"score": 1, "feedback": "..."},
 "atmosphere_match": {"score": 1, "feedback": "..."},
 "spatial_coherence": {"score": 1, "feedback": "..."},
 "overall_quality": {"score": 1, "feedback": "..."},
 "missing_objects": ["key objects that are not visible"]}`

// Critic реализует domain.Critic через vision-модель.
type Critic struct {
	caller
	fetcher MediaFetcher
}

var _ domain.Critic = (*Critic)(nil)

// NewCritic создаёт критика.
func NewCritic(client chatCompletionClient, fetcher MediaFetcher, model string, timeout time.Duration) *Critic {
	if model == "" {
		model = "gpt-4o"
	}
	return &Critic{caller: newCaller(client, model, timeout), fetcher: fetcher}
}

type criterionPayload struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

type critiquePayload struct {
	ObjectPresence   *criterionPayload `json:"object_presence"`
	AtmosphereMatch  *criterionPayload `json:"atmosphere_match"`
	SpatialCoherence *criterionPayload `json:"spatial_coherence"`
	OverallQuality   *criterionPayload `json:"overall_quality"`
	MissingObjects   []string          `json:"missing_objects"`
}

// Score оценивает артефакт по рубрике. Критерии, которые модель не вернула, не попадают в ответ.
func (c *Critic) Score(ctx context.Context, req domain.CritiqueRequest) (domain.Critique, error) {
	var image openai.ContentPart
	switch {
	case len(req.Artifact.Data) > 0:
		image = openai.ImagePart(dataURI(req.Artifact.Data, req.Artifact.MimeType))
	case req.Artifact.URL != "":
		part, err := imagePart(ctx, c.fetcher, req.Artifact.URL)
		if err != nil {
			return domain.Critique{}, fmt.Errorf("fetch artifact: %w", err)
		}
		image = part
	default:
		return domain.Critique{}, errors.New("artifact has no image data")
	}

	atm := req.Atmosphere
	prompt := fmt.Sprintf(critiquePrompt, req.Intent, atm.Mood, atm.Lighting, atm.Style, orNone(atm.Palette), orNone(req.KeyObjects))
	var parsed critiquePayload
	err := c.completeJSON(ctx, "You are a strict art director reviewing interior renders.", []openai.ContentPart{image, openai.TextPart(prompt)}, 0.2, &parsed)
	if err != nil {
		return domain.Critique{}, err
	}

	out := domain.Critique{MissingObjects: filterNonEmpty(parsed.MissingObjects)}
	for _, entry := range []struct {
		criterion domain.Criterion
		payload   *criterionPayload
	}{
		{domain.CriterionObjectPresence, parsed.ObjectPresence},
		{domain.CriterionAtmosphereMatch, parsed.AtmosphereMatch},
		{domain.CriterionSpatialCoherence, parsed.SpatialCoherence},
		{domain.CriterionOverallQuality, parsed.OverallQuality},
	} {
		if entry.payload == nil {
			continue
		}
		out.Scores = append(out.Scores, domain.CriterionScore{
			Criterion: entry.criterion,
			Score:     int(math.Round(entry.payload.Score)),
			Feedback:  strings.TrimSpace(entry.payload.Feedback),
		})
	}
	return out, nil
}
