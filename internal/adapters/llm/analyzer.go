package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"instaroom/internal/domain"
	openai "instaroom/internal/infra/openai"
)

const maxAnalysisImages = 4

const analysisSystem = "You are an expert visual analyst. You extract structured, factual information from photos and never invent objects that are not visible."

const analysisPrompt = `Analyze this post and extract structured information.

Context provided by the poster:
- Caption: %s
- Hashtags: %s
- Location: %s

Return a JSON object with these fields:
- objects: notable physical objects. For each: "name" (lowercase snake_case, e.g. "acoustic_guitar"),
  "prominence" ("center" for a main subject, "background" if visible but not focal, "minor" if barely visible),
  "description" (color, material, style).
- scene: {"location_type": "bedroom|cafe|beach|studio|outdoors|kitchen|...", "mood": ["..."],
  "lighting": "natural|golden_hour|artificial|dark|bright|neon|soft", "color_palette": ["3-5 dominant colors"]}
- people: {"count": 0, "is_selfie": false, "activity": "what the person is doing or null"}
- emotional_weight: 1-5, how personally significant the post looks (5 = deeply meaningful, 1 = mundane)
- frame_worthy: true if the photo would look good framed on a wall
- frame_reason: short explanation

Focus on physical objects that could be placed in a room to represent this person.
If several images are attached, they belong to one post: analyze them together.`

// Analyzer реализует domain.Analyzer через vision-модель.
type Analyzer struct {
	caller
	fetcher MediaFetcher
}

var _ domain.Analyzer = (*Analyzer)(nil)

// NewAnalyzer создаёт анализатор. fetcher скачивает изображения, чтобы передать их модели байтами.
func NewAnalyzer(client chatCompletionClient, fetcher MediaFetcher, model string, timeout time.Duration) *Analyzer {
	if model == "" {
		model = "gpt-4o"
	}
	return &Analyzer{caller: newCaller(client, model, timeout), fetcher: fetcher}
}

type analysisPayload struct {
	Objects []struct {
		Name        string `json:"name"`
		Prominence  string `json:"prominence"`
		Description string `json:"description"`
	} `json:"objects"`
	Scene struct {
		LocationType string   `json:"location_type"`
		Mood         []string `json:"mood"`
		Lighting     string   `json:"lighting"`
		ColorPalette []string `json:"color_palette"`
	} `json:"scene"`
	People struct {
		Count    int     `json:"count"`
		IsSelfie bool    `json:"is_selfie"`
		Activity *string `json:"activity"`
	} `json:"people"`
	EmotionalWeight int    `json:"emotional_weight"`
	FrameWorthy     bool   `json:"frame_worthy"`
	FrameReason     string `json:"frame_reason"`
}

// Analyze анализирует все изображения одного элемента за один вызов.
func (a *Analyzer) Analyze(ctx context.Context, item domain.SourceItem) (domain.ItemAnalysis, error) {
	urls := filterNonEmpty(item.MediaURLs)
	if len(urls) == 0 {
		return domain.ItemAnalysis{}, errors.New("item has no image")
	}
	if len(urls) > maxAnalysisImages {
		urls = urls[:maxAnalysisImages]
	}

	parts := make([]openai.ContentPart, 0, len(urls)+1)
	for _, url := range urls {
		part, err := imagePart(ctx, a.fetcher, url)
		if err != nil {
			log.Warn().Err(err).Int("item", item.Index).Str("url", url).Msg("llm: не удалось скачать изображение")
			continue
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return domain.ItemAnalysis{}, fmt.Errorf("item %d: all image downloads failed", item.Index)
	}

	caption := strings.TrimSpace(item.Caption)
	if caption == "" {
		caption = "(no caption)"
	}
	location := item.Location
	if location == "" {
		location = "(unknown)"
	}
	parts = append(parts, openai.TextPart(fmt.Sprintf(analysisPrompt, truncate(caption, 2000), orNone(item.Tags), location)))

	var parsed analysisPayload
	if err := a.completeJSON(ctx, analysisSystem, parts, 0.3, &parsed); err != nil {
		return domain.ItemAnalysis{}, err
	}
	return toItemAnalysis(item.Index, parsed), nil
}

func toItemAnalysis(index int, p analysisPayload) domain.ItemAnalysis {
	out := domain.ItemAnalysis{
		ItemIndex: index,
		Scene: domain.Scene{
			Location: strings.TrimSpace(p.Scene.LocationType),
			Moods:    filterNonEmpty(p.Scene.Mood),
			Lighting: strings.TrimSpace(p.Scene.Lighting),
			Colors:   filterNonEmpty(p.Scene.ColorPalette),
		},
		People:          domain.People{Count: p.People.Count, IsSelfie: p.People.IsSelfie},
		EmotionalWeight: p.EmotionalWeight,
		Highlight:       p.FrameWorthy,
		HighlightReason: strings.TrimSpace(p.FrameReason),
	}
	if p.People.Activity != nil {
		out.People.Activity = strings.TrimSpace(*p.People.Activity)
	}
	for _, obj := range p.Objects {
		name := strings.TrimSpace(obj.Name)
		if name == "" {
			continue
		}
		out.Objects = append(out.Objects, domain.DetectedObject{
			Name:        name,
			Prominence:  domain.ParseProminence(obj.Prominence),
			Description: strings.TrimSpace(obj.Description),
		})
	}
	return out.Normalize()
}
