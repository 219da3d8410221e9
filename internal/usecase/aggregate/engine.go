package aggregate

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"instaroom/internal/domain"
)

// Веса компонент оценки важности.
const (
	weightFrequency  = 0.30
	weightProminence = 0.25
	weightEmotion    = 0.25
	weightLikes      = 0.20
)

const (
	minKeyObjects     = 5
	maxKeyObjects     = 8
	extraScoreRatio   = 0.5
	maxHighlights     = 5
	minHighlights     = 3
	maxPaletteColors  = 5
	maxHashtags       = 10
	maxLocations      = 5
	unknownCategory   = "unknown"
	smallRoomMaxItems = 4
	largeRoomMinItems = 7
)

// Input: вход движка агрегации. Analyses[i] соответствует Items[i].
type Input struct {
	Items    []domain.SourceItem
	Analyses []domain.ItemAnalysis
	// Canonical: карта объединения дублей raw -> canonical. Может быть nil.
	Canonical map[string]string
	Tables    *LabelTables
}

// Cluster: объединённые упоминания одного объекта.
type Cluster struct {
	Name          string
	Frequency     int
	Likes         int
	AvgProminence float64
	AvgEmotion    float64
	Score         float64
	Description   string
	SourceURL     string
	SourceIndex   int

	firstItem  int
	firstObj   int
	promSum    float64
	emoSum     float64
	repWeight  float64
	bestByItem map[int]float64
}

// Result: детерминированная часть агрегированного профиля.
type Result struct {
	Clusters   []Cluster
	KeyObjects []domain.ScoredObject
	Highlights []domain.HighlightItem
	Atmosphere domain.Atmosphere
	Hashtags   []string
	Locations  []string
}

// Aggregate строит профиль из анализов. Функция чистая: одинаковый вход
// всегда даёт одинаковый результат.
func Aggregate(in Input) (Result, error) {
	tables := defaultTables
	if in.Tables != nil {
		tables = *in.Tables
	}

	clusters := buildClusters(in)
	if len(clusters) == 0 {
		return Result{}, domain.NewStageError(domain.KindAggregation, "no objects detected in any item", nil)
	}
	scoreClusters(clusters)
	sort.SliceStable(clusters, func(i, j int) bool { return clusterLess(clusters[i], clusters[j]) })

	res := Result{Clusters: clusters}
	res.KeyObjects = selectKeyObjects(clusters)
	res.Highlights = selectHighlights(in)
	res.Hashtags = topHashtags(in.Items, maxHashtags)
	res.Locations = topLocations(in.Analyses, maxLocations)
	res.Atmosphere = deriveAtmosphere(in.Analyses, res.Locations, len(res.KeyObjects), tables)
	return res, nil
}

// NormalizeName приводит имя объекта к snake_case в нижнем регистре.
func NormalizeName(raw string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			underscore = false
		case r == ' ' || r == '-' || r == '_' || r == '/':
			if b.Len() > 0 && !underscore {
				b.WriteByte('_')
				underscore = true
			}
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// DistinctObjectNames возвращает уникальные имена объектов в порядке первого появления.
func DistinctObjectNames(analyses []domain.ItemAnalysis) []string {
	seen := map[string]bool{}
	var names []string
	for _, a := range analyses {
		if a.Empty {
			continue
		}
		for _, obj := range a.Objects {
			name := strings.TrimSpace(obj.Name)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

func canonicalName(raw string, canonical map[string]string) string {
	if c, ok := canonical[raw]; ok && strings.TrimSpace(c) != "" {
		return NormalizeName(c)
	}
	norm := NormalizeName(raw)
	if c, ok := canonical[norm]; ok && strings.TrimSpace(c) != "" {
		return NormalizeName(c)
	}
	return norm
}

func buildClusters(in Input) []Cluster {
	var clusters []Cluster
	index := map[string]int{}

	for i, a := range in.Analyses {
		if a.Empty {
			continue
		}
		var item domain.SourceItem
		if i < len(in.Items) {
			item = in.Items[i]
		}
		media := item.PrimaryMedia()
		emotion := float64(clampWeight(a.EmotionalWeight)-domain.MinEmotionalWeight) /
			float64(domain.MaxEmotionalWeight-domain.MinEmotionalWeight)

		for j, obj := range a.Objects {
			name := canonicalName(obj.Name, in.Canonical)
			if name == "" {
				continue
			}
			pos, ok := index[name]
			if !ok {
				pos = len(clusters)
				index[name] = pos
				clusters = append(clusters, Cluster{
					Name:        name,
					SourceIndex: -1,
					firstItem:   i,
					firstObj:    j,
					bestByItem:  map[int]float64{},
				})
			}
			c := &clusters[pos]
			weight := domain.ParseProminence(string(obj.Prominence)).Weight()

			best, mentioned := c.bestByItem[i]
			if !mentioned {
				c.Frequency++
				c.Likes += max(item.Likes, 0)
				c.emoSum += emotion
				c.bestByItem[i] = weight
				c.promSum += weight
			} else if weight > best {
				c.promSum += weight - best
				c.bestByItem[i] = weight
			}

			if desc := strings.TrimSpace(obj.Description); len(desc) > len(c.Description) {
				c.Description = desc
			}
			if media != "" && (c.SourceIndex < 0 || weight > c.repWeight) {
				c.SourceURL = media
				c.SourceIndex = i
				c.repWeight = weight
			}
		}
	}
	return clusters
}

func clampWeight(w int) int {
	if w < domain.MinEmotionalWeight {
		return domain.DefaultEmotionalWeight
	}
	if w > domain.MaxEmotionalWeight {
		return domain.MaxEmotionalWeight
	}
	return w
}

func scoreClusters(clusters []Cluster) {
	minFreq, maxFreq := math.MaxInt, math.MinInt
	minLikes, maxLikes := math.MaxInt, math.MinInt
	for _, c := range clusters {
		minFreq = min(minFreq, c.Frequency)
		maxFreq = max(maxFreq, c.Frequency)
		minLikes = min(minLikes, c.Likes)
		maxLikes = max(maxLikes, c.Likes)
	}
	for i := range clusters {
		c := &clusters[i]
		c.AvgProminence = c.promSum / float64(c.Frequency)
		c.AvgEmotion = c.emoSum / float64(c.Frequency)
		score := weightFrequency*normalize(c.Frequency, minFreq, maxFreq) +
			weightProminence*c.AvgProminence +
			weightEmotion*c.AvgEmotion +
			weightLikes*normalize(c.Likes, minLikes, maxLikes)
		c.Score = round4(score)
	}
}

// normalize выполняет min-max нормализацию. При min == max возвращает 1,
// если значение положительно, иначе 0.
func normalize(v, lo, hi int) float64 {
	if hi == lo {
		if hi > 0 {
			return 1
		}
		return 0
	}
	return float64(v-lo) / float64(hi-lo)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func clusterLess(a, b Cluster) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Frequency != b.Frequency {
		return a.Frequency > b.Frequency
	}
	if a.firstItem != b.firstItem {
		return a.firstItem < b.firstItem
	}
	return a.firstObj < b.firstObj
}

func selectKeyObjects(ranked []Cluster) []domain.ScoredObject {
	limit := len(ranked)
	if limit > minKeyObjects {
		limit = minKeyObjects
		floor := ranked[0].Score * extraScoreRatio
		for limit < maxKeyObjects && limit < len(ranked) && ranked[limit].Score >= floor {
			limit++
		}
	}
	out := make([]domain.ScoredObject, 0, limit)
	for _, c := range ranked[:limit] {
		out = append(out, domain.ScoredObject{
			Name:        c.Name,
			Importance:  c.Score,
			Frequency:   c.Frequency,
			Description: c.Description,
			SourceURL:   c.SourceURL,
			SourceIndex: c.SourceIndex,
		})
	}
	return out
}

type highlightCandidate struct {
	index    int
	weight   int
	likes    int
	category string
}

func selectHighlights(in Input) []domain.HighlightItem {
	var candidates []highlightCandidate
	for i, a := range in.Analyses {
		if a.Empty || !a.Highlight {
			continue
		}
		likes := 0
		if i < len(in.Items) {
			likes = in.Items[i].Likes
		}
		category := NormalizeName(a.Scene.Location)
		if category == "" {
			category = unknownCategory
		}
		candidates = append(candidates, highlightCandidate{index: i, weight: clampWeight(a.EmotionalWeight), likes: likes, category: category})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.weight != b.weight {
			return a.weight > b.weight
		}
		if a.likes != b.likes {
			return a.likes > b.likes
		}
		return a.index < b.index
	})

	picked := make([]bool, len(candidates))
	usedCategory := map[string]bool{}
	var order []int
	for i, c := range candidates {
		if len(order) == maxHighlights {
			break
		}
		if usedCategory[c.category] {
			continue
		}
		usedCategory[c.category] = true
		picked[i] = true
		order = append(order, i)
	}
	target := min(minHighlights, len(candidates))
	for i := range candidates {
		if len(order) >= target {
			break
		}
		if picked[i] {
			continue
		}
		picked[i] = true
		order = append(order, i)
	}

	out := make([]domain.HighlightItem, 0, len(order))
	for _, pos := range order {
		c := candidates[pos]
		a := in.Analyses[c.index]
		var item domain.SourceItem
		if c.index < len(in.Items) {
			item = in.Items[c.index]
		}
		desc := strings.TrimSpace(a.HighlightReason)
		if desc == "" {
			desc = truncate(strings.TrimSpace(item.Caption), 160)
		}
		out = append(out, domain.HighlightItem{
			SourceIndex: c.index,
			SourceURL:   item.PrimaryMedia(),
			Description: desc,
			Location:    c.category,
		})
	}
	return out
}

// counter подсчитывает метки с сохранением порядка первого появления.
type counter struct {
	order  []string
	counts map[string]int
}

func newCounter() *counter {
	return &counter{counts: map[string]int{}}
}

func (c *counter) add(label string) {
	if label == "" {
		return
	}
	if _, ok := c.counts[label]; !ok {
		c.order = append(c.order, label)
	}
	c.counts[label]++
}

// top возвращает до n меток по убыванию частоты, при равенстве раньше встреченные.
func (c *counter) top(n int) []string {
	ranked := append([]string(nil), c.order...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return c.counts[ranked[i]] > c.counts[ranked[j]]
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

func (c *counter) dominant(fallback string) string {
	if top := c.top(1); len(top) == 1 {
		return top[0]
	}
	return fallback
}

func deriveAtmosphere(analyses []domain.ItemAnalysis, locations []string, keyObjects int, tables LabelTables) domain.Atmosphere {
	moods, lighting, colors := newCounter(), newCounter(), newCounter()
	for _, a := range analyses {
		if a.Empty {
			continue
		}
		for _, m := range a.Scene.Moods {
			moods.add(NormalizeName(m))
		}
		lighting.add(NormalizeName(a.Scene.Lighting))
		for _, col := range a.Scene.Colors {
			colors.add(strings.ToLower(strings.TrimSpace(col)))
		}
	}
	mood := moods.dominant(tables.Defaults.Mood)
	light := lighting.dominant(tables.Defaults.Lighting)
	location := ""
	if len(locations) > 0 {
		location = locations[0]
	}
	return domain.Atmosphere{
		Mood:        mood,
		Lighting:    light,
		Palette:     colors.top(maxPaletteColors),
		Style:       tables.Style(mood, light),
		AmbientView: tables.AmbientView(location),
		TimeOfDay:   tables.TimeOfDay(light),
		RoomSize:    roomSize(keyObjects, tables.Defaults.RoomSize),
	}
}

func roomSize(keyObjects int, fallback string) string {
	switch {
	case keyObjects == 0:
		return fallback
	case keyObjects <= smallRoomMaxItems:
		return "small"
	case keyObjects >= largeRoomMinItems:
		return "large"
	default:
		return "medium"
	}
}

func topHashtags(items []domain.SourceItem, n int) []string {
	tags := newCounter()
	for _, item := range items {
		for _, tag := range item.Tags {
			tags.add(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(tag), "#")))
		}
	}
	return tags.top(n)
}

func topLocations(analyses []domain.ItemAnalysis, n int) []string {
	locations := newCounter()
	for _, a := range analyses {
		if a.Empty {
			continue
		}
		locations.add(NormalizeName(a.Scene.Location))
	}
	return locations.top(n)
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimSpace(string(runes[:limit])) + "…"
}
