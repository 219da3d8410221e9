package compose

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"instaroom/internal/domain"
)

// MaxReferences: верхняя граница списка референсов.
const MaxReferences = 14

// ReferenceSet: упорядоченный список референсов и привязки к нему.
type ReferenceSet struct {
	Items         []domain.ReferenceItem
	ObjectRefs    map[string]int
	HighlightRefs map[int]int
}

// BuildReferences собирает список: сначала ключевые объекты, затем хайлайты.
// Одинаковые ссылки получают общий индекс. Индексы начинаются с 1.
func BuildReferences(objects []domain.ScoredObject, highlights []domain.HighlightItem, limit int) ReferenceSet {
	if limit <= 0 || limit > MaxReferences {
		limit = MaxReferences
	}
	set := ReferenceSet{ObjectRefs: map[string]int{}, HighlightRefs: map[int]int{}}
	byURL := map[string]int{}

	add := func(url, label string) int {
		url = strings.TrimSpace(url)
		if url == "" {
			return 0
		}
		if idx, ok := byURL[url]; ok {
			return idx
		}
		if len(set.Items) >= limit {
			return 0
		}
		idx := len(set.Items) + 1
		set.Items = append(set.Items, domain.ReferenceItem{Index: idx, URL: url, Label: label})
		byURL[url] = idx
		return idx
	}

	for _, obj := range objects {
		if idx := add(obj.SourceURL, obj.Name); idx > 0 {
			set.ObjectRefs[obj.Name] = idx
		}
	}
	for _, h := range highlights {
		if idx := add(h.SourceURL, "highlight photo"); idx > 0 {
			set.HighlightRefs[h.SourceIndex] = idx
		}
	}
	return set
}

// referencePattern ловит упоминание референса с одним или несколькими номерами:
// "reference image 3", "Reference 9", "image 12", "reference images 2 and 15", "photos 1, 4 & 6".
var referencePattern = regexp.MustCompile(`(?i)\b(?:references?(?:\s+(?:image|item|photo)s?)?|(?:image|item|photo)s?)\s*#?\s*\d+\b(?:(?:\s*,\s*|\s*&\s*|\s+and\s+|\s+or\s+)#?\s*\d+\b)*`)

var referenceNumber = regexp.MustCompile(`\d+`)

// SanitizeReferences убирает из упоминаний номера, которых нет в списке,
// чтобы каждый индекс в тексте указывал на элемент списка.
func SanitizeReferences(text string, count int) string {
	return referencePattern.ReplaceAllStringFunc(text, func(match string) string {
		locs := referenceNumber.FindAllStringIndex(match, -1)
		kept := make([]string, 0, len(locs))
		for _, loc := range locs {
			idx, err := strconv.Atoi(match[loc[0]:loc[1]])
			if err == nil && idx >= 1 && idx <= count {
				kept = append(kept, match[loc[0]:loc[1]])
			}
		}
		switch {
		case len(kept) == len(locs):
			return match
		case len(kept) == 0:
			return "the described detail"
		default:
			return match[:locs[0][0]] + joinIndexes(kept)
		}
	})
}

func joinIndexes(idx []string) string {
	if len(idx) == 1 {
		return idx[0]
	}
	return strings.Join(idx[:len(idx)-1], ", ") + " and " + idx[len(idx)-1]
}

// ReferencedIndexes возвращает все индексы референсов, упомянутые в тексте.
func ReferencedIndexes(text string) []int {
	var out []int
	for _, match := range referencePattern.FindAllString(text, -1) {
		for _, num := range referenceNumber.FindAllString(match, -1) {
			if idx, err := strconv.Atoi(num); err == nil {
				out = append(out, idx)
			}
		}
	}
	return out
}

func bindingSection(set ReferenceSet, focus []domain.ScoredObject, highlights []domain.HighlightItem) string {
	if len(set.Items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Reference images:")
	for _, obj := range focus {
		if idx, ok := set.ObjectRefs[obj.Name]; ok {
			fmt.Fprintf(&b, "\n- reference image %d: the %s, reproduce its exact look", idx, humanize(obj.Name))
		}
	}
	for _, h := range highlights {
		if idx, ok := set.HighlightRefs[h.SourceIndex]; ok {
			fmt.Fprintf(&b, "\n- reference image %d: framed photo on the wall", idx)
		}
	}
	return b.String()
}

func humanize(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}
