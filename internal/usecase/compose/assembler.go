package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"instaroom/internal/domain"
	"instaroom/internal/usecase/aggregate"
)

// DefaultSpatialPrompt используется, если описание геометрии получить не удалось.
const DefaultSpatialPrompt = "A cozy room interior, explorable, with depth"

// Options задаёт параметры сборки промпта.
type Options struct {
	// StrictFieldOfView делает невыполнимое условие видимости фатальным.
	StrictFieldOfView bool
	MaxReferences     int
}

// Assembler последовательно строит план комнаты и итоговый промпт.
type Assembler struct {
	composer domain.Composer
	opts     Options
	log      zerolog.Logger
}

// NewAssembler создаёт сборщик промпта.
func NewAssembler(composer domain.Composer, opts Options, logger zerolog.Logger) *Assembler {
	if opts.MaxReferences <= 0 || opts.MaxReferences > MaxReferences {
		opts.MaxReferences = MaxReferences
	}
	return &Assembler{composer: composer, opts: opts, log: logger}
}

type placementJSON struct {
	Object    string `json:"object"`
	Placement string `json:"placement"`
}

type layoutJSON struct {
	RoomShape           string          `json:"room_shape"`
	WindowPlacement     string          `json:"window_placement"`
	Furniture           []string        `json:"furniture"`
	ObjectPlacements    []placementJSON `json:"object_placements"`
	HighlightPlacements []string        `json:"highlight_placements"`
	VisualFlow          string          `json:"visual_flow"`
	CameraPosition      string          `json:"camera_position"`
	CameraDirection     string          `json:"camera_direction"`
	VisibleObjects      []string        `json:"visible_objects"`
}

type detailsJSON struct {
	Objects []struct {
		Name        string `json:"name"`
		Placement   string `json:"placement"`
		Description string `json:"description"`
	} `json:"objects"`
}

// Assemble выполняет шаги layout → details → composite и проверяет,
// что все выбранные объекты попадают в поле зрения камеры.
func (a *Assembler) Assemble(ctx context.Context, profile domain.AggregatedProfile) (domain.PromptPlan, error) {
	if len(profile.KeyObjects) == 0 {
		return domain.PromptPlan{}, domain.NewStageError(domain.KindComposition, "profile has no key objects", nil)
	}

	focus := profile.KeyObjects
	layout, err := a.layout(ctx, profile, focus, false)
	if err != nil {
		return domain.PromptPlan{}, err
	}

	var note string
	var omitted []string
	if missing := missingObjects(focus, layout.VisibleObjects); len(missing) > 0 {
		narrowed := narrowFocus(profile.KeyObjects, layout.VisibleObjects)
		a.log.Info().
			Strs("missing", missing).
			Int("narrowed", len(narrowed)).
			Msg("compose: не все объекты в кадре, повторяем планировку")

		retry, err := a.layout(ctx, profile, narrowed, true)
		if err != nil {
			return domain.PromptPlan{}, err
		}
		layout, focus = retry, narrowed
		omitted = objectNamesExcept(profile.KeyObjects, narrowed)
		if stillMissing := missingObjects(focus, layout.VisibleObjects); len(stillMissing) > 0 {
			if a.opts.StrictFieldOfView {
				return domain.PromptPlan{}, domain.NewStageError(domain.KindComposition,
					"field of view constraint unsatisfiable: "+strings.Join(stillMissing, ", "), nil)
			}
			note = "field of view not confirmed for: " + strings.Join(stillMissing, ", ")
			a.log.Warn().Strs("missing", stillMissing).Msg("compose: ограничение видимости не выполнено, продолжаем с пометкой")
		}
	}

	details, err := a.details(ctx, profile, focus, layout)
	if err != nil {
		return domain.PromptPlan{}, err
	}

	refs := BuildReferences(focus, profile.Highlights, a.opts.MaxReferences)
	highlightNotes := renderHighlights(profile.Highlights, layout.HighlightPlacements, refs)

	text, err := a.composer.Compose(ctx, domain.ComposeRequest{
		Step:        domain.ComposeComposite,
		Instruction: compositeInstruction(profile, focus, layout, details, highlightNotes, refs),
	})
	if err != nil {
		return domain.PromptPlan{}, domain.NewStageError(domain.KindComposition, "composite prompt failed", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.PromptPlan{}, domain.NewStageError(domain.KindComposition, "composite prompt is empty", nil)
	}

	prompt := SanitizeReferences(text, len(refs.Items))
	if binding := bindingSection(refs, focus, profile.Highlights); binding != "" {
		prompt += "\n\n" + binding
	}

	return domain.PromptPlan{
		Layout:         layout,
		Objects:        details,
		HighlightNotes: highlightNotes,
		BasePrompt:     prompt,
		Prompt:         prompt,
		References:     refs.Items,
		ObjectRefs:     refs.ObjectRefs,
		HighlightRefs:  refs.HighlightRefs,
		FocusObjects:   objectNames(focus),
		OmittedObjects: omitted,
		Note:           note,
	}, nil
}

// SpatialPrompt запрашивает описание геометрии комнаты для 3D-конвертации.
// Ошибка не фатальна: возвращается текст по умолчанию.
func (a *Assembler) SpatialPrompt(ctx context.Context, profile domain.AggregatedProfile, plan domain.PromptPlan) string {
	text, err := a.composer.Compose(ctx, domain.ComposeRequest{
		Step:        domain.ComposeSpatial,
		Instruction: spatialInstruction(profile, plan),
	})
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		a.log.Warn().Err(err).Msg("compose: описание геометрии недоступно, используем текст по умолчанию")
		return DefaultSpatialPrompt
	}
	return text
}

func (a *Assembler) layout(ctx context.Context, profile domain.AggregatedProfile, focus []domain.ScoredObject, retry bool) (domain.LayoutPlan, error) {
	raw, err := a.composer.Compose(ctx, domain.ComposeRequest{
		Step:        domain.ComposeLayout,
		Instruction: layoutInstruction(profile, focus, retry),
		JSON:        true,
	})
	if err != nil {
		return domain.LayoutPlan{}, domain.NewStageError(domain.KindComposition, "layout planning failed", err)
	}
	var parsed layoutJSON
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		return domain.LayoutPlan{}, domain.NewStageError(domain.KindComposition, "layout response is not valid JSON", err)
	}

	plan := domain.LayoutPlan{
		Shape:            strings.TrimSpace(parsed.RoomShape),
		OpeningPlacement: strings.TrimSpace(parsed.WindowPlacement),
		Furniture:        filterNonEmpty(parsed.Furniture),
		Sightline:        strings.TrimSpace(parsed.VisualFlow),
		CameraPosition:   strings.TrimSpace(parsed.CameraPosition),
		CameraDirection:  strings.TrimSpace(parsed.CameraDirection),
	}
	for _, p := range parsed.ObjectPlacements {
		name := aggregate.NormalizeName(p.Object)
		if name == "" {
			continue
		}
		plan.ObjectPlacements = append(plan.ObjectPlacements, name+": "+strings.TrimSpace(p.Placement))
	}
	if len(profile.Highlights) > 0 {
		plan.HighlightPlacements = filterNonEmpty(parsed.HighlightPlacements)
	}
	for _, v := range parsed.VisibleObjects {
		if name := aggregate.NormalizeName(v); name != "" {
			plan.VisibleObjects = append(plan.VisibleObjects, name)
		}
	}
	return plan, nil
}

func (a *Assembler) details(ctx context.Context, profile domain.AggregatedProfile, focus []domain.ScoredObject, layout domain.LayoutPlan) ([]domain.ObjectDetail, error) {
	raw, err := a.composer.Compose(ctx, domain.ComposeRequest{
		Step:        domain.ComposeDetails,
		Instruction: detailsInstruction(profile, focus, layout),
		JSON:        true,
	})
	if err != nil {
		return nil, domain.NewStageError(domain.KindComposition, "object details failed", err)
	}
	var parsed detailsJSON
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		return nil, domain.NewStageError(domain.KindComposition, "details response is not valid JSON", err)
	}
	byName := map[string]domain.ObjectDetail{}
	for _, o := range parsed.Objects {
		name := aggregate.NormalizeName(o.Name)
		if name == "" {
			continue
		}
		byName[name] = domain.ObjectDetail{Name: name, Placement: strings.TrimSpace(o.Placement), Description: strings.TrimSpace(o.Description)}
	}

	placements := placementIndex(layout.ObjectPlacements)
	out := make([]domain.ObjectDetail, 0, len(focus))
	for _, obj := range focus {
		d, ok := byName[obj.Name]
		if !ok {
			d = domain.ObjectDetail{Name: obj.Name}
		}
		if d.Description == "" {
			d.Description = obj.Description
		}
		if d.Placement == "" {
			d.Placement = placements[obj.Name]
		}
		out = append(out, d)
	}
	return out, nil
}

func missingObjects(focus []domain.ScoredObject, visible []string) []string {
	seen := map[string]bool{}
	for _, v := range visible {
		seen[v] = true
	}
	var missing []string
	for _, obj := range focus {
		if !seen[obj.Name] {
			missing = append(missing, obj.Name)
		}
	}
	return missing
}

// narrowFocus оставляет видимые ключевые объекты и всегда включает самый важный.
func narrowFocus(keyObjects []domain.ScoredObject, visible []string) []domain.ScoredObject {
	seen := map[string]bool{}
	for _, v := range visible {
		seen[v] = true
	}
	out := make([]domain.ScoredObject, 0, len(keyObjects))
	for i, obj := range keyObjects {
		if i == 0 || seen[obj.Name] {
			out = append(out, obj)
		}
	}
	return out
}

func objectNames(objects []domain.ScoredObject) []string {
	out := make([]string, 0, len(objects))
	for _, o := range objects {
		out = append(out, o.Name)
	}
	return out
}

func objectNamesExcept(all, keep []domain.ScoredObject) []string {
	kept := map[string]bool{}
	for _, o := range keep {
		kept[o.Name] = true
	}
	var out []string
	for _, o := range all {
		if !kept[o.Name] {
			out = append(out, o.Name)
		}
	}
	return out
}

func placementIndex(placements []string) map[string]string {
	out := map[string]string{}
	for _, p := range placements {
		name, where, ok := strings.Cut(p, ":")
		if ok {
			out[strings.TrimSpace(name)] = strings.TrimSpace(where)
		}
	}
	return out
}

func renderHighlights(highlights []domain.HighlightItem, placements []string, refs ReferenceSet) []string {
	if len(highlights) == 0 {
		return nil
	}
	notes := make([]string, 0, len(highlights))
	for i, h := range highlights {
		where := "a wall facing the camera"
		if i < len(placements) {
			where = placements[i]
		}
		note := fmt.Sprintf("framed photo of %s on %s", strings.TrimSuffix(h.Description, "."), where)
		if idx, ok := refs.HighlightRefs[h.SourceIndex]; ok {
			note += fmt.Sprintf(" (reference image %d)", idx)
		}
		notes = append(notes, note)
	}
	return notes
}

// extractJSON вырезает первый JSON-объект из ответа модели.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return strings.TrimSpace(raw)
}

func filterNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
