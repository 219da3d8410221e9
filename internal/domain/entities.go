package domain

import (
	"strings"
	"time"
)

// MediaType описывает тип исходного материала.
type MediaType string

const (
	MediaImage    MediaType = "image"
	MediaCarousel MediaType = "carousel"
	MediaVideo    MediaType = "video"
)

// SourceItem: одна единица входного контента (пост или загруженное фото).
type SourceItem struct {
	Index     int       `json:"index"`
	MediaURLs []string  `json:"media_urls"`
	VideoURL  string    `json:"video_url,omitempty"`
	Caption   string    `json:"caption"`
	Tags      []string  `json:"tags"`
	Likes     int       `json:"likes"`
	PostedAt  time.Time `json:"posted_at"`
	Location  string    `json:"location,omitempty"`
	MediaType MediaType `json:"media_type"`
}

// PrimaryMedia возвращает первую ссылку на изображение.
func (s SourceItem) PrimaryMedia() string {
	for _, u := range s.MediaURLs {
		if strings.TrimSpace(u) != "" {
			return u
		}
	}
	return ""
}

// ProfileMeta содержит метаданные профиля источника.
type ProfileMeta struct {
	Username      string `json:"username"`
	Biography     string `json:"biography"`
	AvatarURL     string `json:"avatar_url,omitempty"`
	FollowerCount int    `json:"follower_count"`
	PostCount     int    `json:"post_count"`
}

// Prominence: уровень заметности объекта на снимке.
type Prominence string

const (
	ProminenceCenter     Prominence = "center"
	ProminenceBackground Prominence = "background"
	ProminenceMinor      Prominence = "minor"
)

// Weight возвращает вес заметности для скоринга.
func (p Prominence) Weight() float64 {
	switch p {
	case ProminenceCenter:
		return 1.0
	case ProminenceBackground:
		return 0.5
	default:
		return 0.2
	}
}

// ParseProminence приводит произвольную строку к допустимому уровню.
func ParseProminence(raw string) Prominence {
	switch Prominence(strings.ToLower(strings.TrimSpace(raw))) {
	case ProminenceCenter:
		return ProminenceCenter
	case ProminenceBackground:
		return ProminenceBackground
	default:
		return ProminenceMinor
	}
}

// DetectedObject: объект, найденный анализатором.
type DetectedObject struct {
	Name        string     `json:"name"`
	Prominence  Prominence `json:"prominence"`
	Description string     `json:"description"`
}

// Scene описывает обстановку на снимке.
type Scene struct {
	Location string   `json:"location"`
	Moods    []string `json:"moods"`
	Lighting string   `json:"lighting"`
	Colors   []string `json:"colors"`
}

// People описывает людей на снимке.
type People struct {
	Count    int    `json:"count"`
	IsSelfie bool   `json:"is_selfie"`
	Activity string `json:"activity,omitempty"`
}

const (
	MinEmotionalWeight     = 1
	MaxEmotionalWeight     = 5
	DefaultEmotionalWeight = 3
)

// ItemAnalysis: структурированный результат анализа одного SourceItem.
type ItemAnalysis struct {
	ItemIndex       int              `json:"item_index"`
	Objects         []DetectedObject `json:"objects"`
	Scene           Scene            `json:"scene"`
	People          People           `json:"people"`
	EmotionalWeight int              `json:"emotional_weight"`
	Highlight       bool             `json:"highlight"`
	HighlightReason string           `json:"highlight_reason,omitempty"`
	// Empty помечает заглушку для элемента, анализ которого не удался.
	Empty bool   `json:"empty,omitempty"`
	Error string `json:"error,omitempty"`
}

// EmptyAnalysis создаёт заглушку для неудавшегося анализа.
func EmptyAnalysis(index int, err error) ItemAnalysis {
	a := ItemAnalysis{ItemIndex: index, EmotionalWeight: DefaultEmotionalWeight, Empty: true}
	if err != nil {
		a.Error = err.Error()
	}
	return a
}

// Normalize заполняет значения по умолчанию и обрезает недопустимые.
func (a ItemAnalysis) Normalize() ItemAnalysis {
	if a.EmotionalWeight < MinEmotionalWeight || a.EmotionalWeight > MaxEmotionalWeight {
		if a.EmotionalWeight == 0 {
			a.EmotionalWeight = DefaultEmotionalWeight
		} else if a.EmotionalWeight < MinEmotionalWeight {
			a.EmotionalWeight = MinEmotionalWeight
		} else {
			a.EmotionalWeight = MaxEmotionalWeight
		}
	}
	objects := make([]DetectedObject, 0, len(a.Objects))
	for _, obj := range a.Objects {
		name := strings.TrimSpace(obj.Name)
		if name == "" {
			continue
		}
		objects = append(objects, DetectedObject{
			Name:        name,
			Prominence:  ParseProminence(string(obj.Prominence)),
			Description: strings.TrimSpace(obj.Description),
		})
	}
	a.Objects = objects
	a.Scene.Location = strings.ToLower(strings.TrimSpace(a.Scene.Location))
	a.Scene.Lighting = strings.ToLower(strings.TrimSpace(a.Scene.Lighting))
	a.Scene.Moods = cleanLabels(a.Scene.Moods)
	a.Scene.Colors = cleanLabels(a.Scene.Colors)
	if a.People.Count < 0 {
		a.People.Count = 0
	}
	return a
}

func cleanLabels(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.ToLower(strings.TrimSpace(v))
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

// ScoredObject: ключевой объект профиля.
type ScoredObject struct {
	Name        string  `json:"name"`
	Importance  float64 `json:"importance"`
	Frequency   int     `json:"frequency"`
	Description string  `json:"description"`
	SourceURL   string  `json:"source_url"`
	SourceIndex int     `json:"source_index"`
}

// HighlightItem: элемент, выбранный для показа на стене.
type HighlightItem struct {
	SourceIndex int    `json:"source_index"`
	SourceURL   string `json:"source_url"`
	Description string `json:"description"`
	Location    string `json:"location"`
}

// Atmosphere описывает настроение будущей комнаты.
type Atmosphere struct {
	Mood        string   `json:"mood"`
	Lighting    string   `json:"lighting"`
	Palette     []string `json:"palette"`
	Style       string   `json:"style"`
	AmbientView string   `json:"ambient_view"`
	TimeOfDay   string   `json:"time_of_day"`
	RoomSize    string   `json:"room_size"`
}

// AggregatedProfile: сводный профиль по всем анализам задачи.
type AggregatedProfile struct {
	KeyObjects     []ScoredObject  `json:"key_objects"`
	Highlights     []HighlightItem `json:"highlights"`
	Atmosphere     Atmosphere      `json:"atmosphere"`
	PersonaSummary string          `json:"persona_summary"`
	Themes         []string        `json:"themes"`
}

// LayoutPlan: структурный план комнаты.
type LayoutPlan struct {
	Shape               string   `json:"shape"`
	OpeningPlacement    string   `json:"opening_placement"`
	Furniture           []string `json:"furniture"`
	ObjectPlacements    []string `json:"object_placements"`
	HighlightPlacements []string `json:"highlight_placements,omitempty"`
	Sightline           string   `json:"sightline"`
	CameraPosition      string   `json:"camera_position"`
	CameraDirection     string   `json:"camera_direction"`
	VisibleObjects      []string `json:"visible_objects"`
}

// ObjectDetail: описание объекта с учётом планировки.
type ObjectDetail struct {
	Name        string `json:"name"`
	Placement   string `json:"placement"`
	Description string `json:"description"`
}

// ReferenceItem: элемент упорядоченного списка референсов.
type ReferenceItem struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
	Label string `json:"label"`
}

// PromptPlan: результат сборки промпта.
type PromptPlan struct {
	Layout         LayoutPlan      `json:"layout"`
	Objects        []ObjectDetail  `json:"objects"`
	HighlightNotes []string        `json:"highlight_notes,omitempty"`
	BasePrompt     string          `json:"base_prompt"`
	Prompt         string          `json:"prompt"`
	References     []ReferenceItem `json:"references"`
	ObjectRefs     map[string]int  `json:"object_refs"`
	HighlightRefs  map[int]int     `json:"highlight_refs"`
	FocusObjects   []string        `json:"focus_objects"`
	OmittedObjects []string        `json:"omitted_objects,omitempty"`
	Note           string          `json:"note,omitempty"`
	Revisions      []string        `json:"revisions,omitempty"`
}

// Artifact: сгенерированное изображение.
type Artifact struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"-"`
}

// Criterion: критерий рубрики оценки.
type Criterion string

const (
	CriterionObjectPresence   Criterion = "object_presence"
	CriterionAtmosphereMatch  Criterion = "atmosphere_match"
	CriterionSpatialCoherence Criterion = "spatial_coherence"
	CriterionOverallQuality   Criterion = "overall_quality"
)

// Rubric: фиксированный порядок критериев.
var Rubric = []Criterion{
	CriterionObjectPresence,
	CriterionAtmosphereMatch,
	CriterionSpatialCoherence,
	CriterionOverallQuality,
}

const (
	MinCriterionScore = 1
	MaxCriterionScore = 4
)

// CriterionScore: оценка по одному критерию.
type CriterionScore struct {
	Criterion Criterion `json:"criterion"`
	Score     int       `json:"score"`
	Feedback  string    `json:"feedback,omitempty"`
}

// Critique: результат оценки артефакта.
type Critique struct {
	Scores         []CriterionScore `json:"scores"`
	MissingObjects []string         `json:"missing_objects,omitempty"`
}

// Score возвращает оценку по критерию или 0.
func (c Critique) Score(criterion Criterion) int {
	for _, s := range c.Scores {
		if s.Criterion == criterion {
			return s.Score
		}
	}
	return 0
}

// Mean возвращает среднее арифметическое по рубрике.
func (c Critique) Mean() float64 {
	if len(Rubric) == 0 {
		return 0
	}
	sum := 0
	for _, criterion := range Rubric {
		sum += c.Score(criterion)
	}
	return float64(sum) / float64(len(Rubric))
}

// GenerationAttempt: одна итерация генерации.
type GenerationAttempt struct {
	Attempt  int      `json:"attempt"`
	Artifact Artifact `json:"artifact"`
	Critique Critique `json:"critique"`
	Mean     float64  `json:"mean"`
	Prompt   string   `json:"prompt"`
}

// ConvertedScene: результат конвертации в 3D.
type ConvertedScene struct {
	WorldID     string `json:"world_id"`
	BundleURL   string `json:"bundle_url"`
	ColliderURL string `json:"collider_url"`
	PanoramaURL string `json:"panorama_url"`
	PreviewURL  string `json:"preview_url"`
	ViewerURL   string `json:"viewer_url,omitempty"`
}

// Viewpoint: камера по умолчанию во вьюере.
type Viewpoint struct {
	Position [3]float64 `json:"position"`
	Target   [3]float64 `json:"target"`
}

// DefaultViewpoint возвращает стандартную камеру.
func DefaultViewpoint() Viewpoint {
	return Viewpoint{Position: [3]float64{0, 1.5, 3}, Target: [3]float64{0, 1, 0}}
}

// Room: опубликованный результат успешной задачи.
type Room struct {
	ID             string    `json:"room_id"`
	Identity       string    `json:"identity"`
	JobID          string    `json:"job_id"`
	PersonaSummary string    `json:"persona_summary"`
	BundleURL      string    `json:"bundle_url"`
	ColliderURL    string    `json:"collider_url"`
	PanoramaURL    string    `json:"panorama_url"`
	PreviewURL     string    `json:"preview_url"`
	Viewpoint      Viewpoint `json:"viewpoint"`
	CreatedAt      time.Time `json:"created_at"`
}
