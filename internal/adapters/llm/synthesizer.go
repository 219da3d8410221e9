package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"instaroom/internal/domain"
	openai "instaroom/internal/infra/openai"
)

const dedupPrompt = `Group together object names that refer to the same real-world object type.
For example "acoustic_guitar", "guitar" and "electric_guitar" all map to "guitar";
"orange_cat", "tabby_cat" and "cat" map to "cat". Only group names that are genuinely the same kind of object.
An object without duplicates is still returned as a group of one.

Object names:
%s

Respond with JSON: {"groups": [{"canonical": "guitar", "variants": ["acoustic_guitar", "guitar"]}]}`

const synthesisPrompt = `Based on the data below, synthesize a cohesive persona for designing this person's ideal room.

Bio: %s
Username: %s
Follower count: %d

Top objects across their posts, ranked by importance:
%s
Dominant atmosphere:
- Mood: %s
- Lighting: %s
- Top location types: %s
- Color palette: %s

Most common hashtags: %s

Respond with JSON:
{"persona_summary": "2-3 vivid sentences about who this person is and how their room should feel",
 "style": "interior style label, e.g. scandinavian_minimal, bohemian_eclectic, industrial_modern",
 "window_view": "what is visible through the window, e.g. city_skyline, ocean, forest, mountains",
 "time_of_day": "morning|afternoon|golden_hour|evening|night",
 "hashtag_themes": ["top 5 thematic keywords"]}`

// Synthesizer реализует domain.Synthesizer: объединение дублей объектов и синтез персоны.
type Synthesizer struct {
	caller
}

var _ domain.Synthesizer = (*Synthesizer)(nil)

// NewSynthesizer создаёт синтезатор на текстовой модели.
func NewSynthesizer(client chatCompletionClient, model string, timeout time.Duration) *Synthesizer {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Synthesizer{caller: newCaller(client, model, timeout)}
}

type dedupResponse struct {
	Groups []struct {
		Canonical string   `json:"canonical"`
		Variants  []string `json:"variants"`
	} `json:"groups"`
}

// Deduplicate возвращает отображение исходного имени в каноническое. Каждое входное имя присутствует в ответе.
func (s *Synthesizer) Deduplicate(ctx context.Context, names []string) (map[string]string, error) {
	mapping := make(map[string]string, len(names))
	if len(names) <= 1 {
		for _, n := range names {
			mapping[n] = n
		}
		return mapping, nil
	}

	list := make([]string, len(names))
	for i, n := range names {
		list[i] = "- " + n
	}
	parts := []openai.ContentPart{openai.TextPart(fmt.Sprintf(dedupPrompt, strings.Join(list, "\n")))}
	var parsed dedupResponse
	if err := s.completeJSON(ctx, "You are a semantic deduplication expert.", parts, 0.1, &parsed); err != nil {
		return nil, err
	}
	for _, g := range parsed.Groups {
		canonical := strings.TrimSpace(g.Canonical)
		if canonical == "" {
			continue
		}
		for _, v := range g.Variants {
			if v = strings.TrimSpace(v); v != "" {
				mapping[v] = canonical
			}
		}
		mapping[canonical] = canonical
	}
	for _, n := range names {
		if _, ok := mapping[n]; !ok {
			mapping[n] = n
		}
	}
	return mapping, nil
}

type synthesisResponse struct {
	PersonaSummary string   `json:"persona_summary"`
	Style          string   `json:"style"`
	WindowView     string   `json:"window_view"`
	TimeOfDay      string   `json:"time_of_day"`
	HashtagThemes  []string `json:"hashtag_themes"`
}

// Synthesize формирует описание персоны и уточняет стиль, вид из окна и время суток.
func (s *Synthesizer) Synthesize(ctx context.Context, in domain.PersonaInput) (domain.PersonaRefinement, error) {
	var objects strings.Builder
	for i, obj := range in.KeyObjects {
		fmt.Fprintf(&objects, "%d. %s (importance %.2f, seen in %d posts)", i+1, obj.Name, obj.Importance, obj.Frequency)
		if obj.Description != "" {
			fmt.Fprintf(&objects, ": %s", obj.Description)
		}
		objects.WriteString("\n")
	}
	bio := strings.TrimSpace(in.Meta.Biography)
	if bio == "" {
		bio = "(empty)"
	}
	prompt := fmt.Sprintf(synthesisPrompt,
		truncate(bio, 1000), in.Meta.Username, in.Meta.FollowerCount,
		objects.String(),
		in.Atmosphere.Mood, in.Atmosphere.Lighting, orNone(in.Locations), orNone(in.Atmosphere.Palette),
		orNone(in.Hashtags),
	)

	var parsed synthesisResponse
	err := s.completeJSON(ctx, "You are a creative interior designer and persona analyst.", []openai.ContentPart{openai.TextPart(prompt)}, 0.7, &parsed)
	if err != nil {
		return domain.PersonaRefinement{}, err
	}
	summary := strings.TrimSpace(parsed.PersonaSummary)
	if summary == "" {
		return domain.PersonaRefinement{}, errors.New("empty persona summary")
	}
	return domain.PersonaRefinement{
		Summary:     summary,
		Themes:      filterNonEmpty(parsed.HashtagThemes),
		Style:       strings.TrimSpace(parsed.Style),
		AmbientView: strings.TrimSpace(parsed.WindowView),
		TimeOfDay:   strings.TrimSpace(parsed.TimeOfDay),
	}, nil
}
