package critique

import (
	"fmt"
	"strings"

	"instaroom/internal/domain"
	"instaroom/internal/usecase/aggregate"
)

// Revise добавляет к промпту корректировки по критериям ниже порога.
// Функция детерминирована и идемпотентна: повторное применение той же
// оценки не меняет план.
func Revise(plan domain.PromptPlan, review domain.Critique, profile domain.AggregatedProfile, floor int) domain.PromptPlan {
	revisions := append([]string(nil), plan.Revisions...)
	seen := map[string]bool{}
	for _, r := range revisions {
		seen[r] = true
	}
	for _, criterion := range domain.Rubric {
		if review.Score(criterion) >= floor {
			continue
		}
		line := revisionFor(criterion, plan, review, profile)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		revisions = append(revisions, line)
	}

	plan.Revisions = revisions
	plan.Prompt = plan.BasePrompt
	if len(revisions) > 0 {
		plan.Prompt += "\n\nCorrections after review:\n- " + strings.Join(revisions, "\n- ")
	}
	return plan
}

func revisionFor(criterion domain.Criterion, plan domain.PromptPlan, review domain.Critique, profile domain.AggregatedProfile) string {
	atm := profile.Atmosphere
	switch criterion {
	case domain.CriterionObjectPresence:
		objects := missingFocus(plan.FocusObjects, review.MissingObjects)
		if len(objects) == 0 {
			objects = plan.FocusObjects
		}
		parts := make([]string, 0, len(objects))
		for _, name := range objects {
			part := humanize(name)
			if idx, ok := plan.ObjectRefs[name]; ok {
				part += fmt.Sprintf(" (reference image %d)", idx)
			}
			parts = append(parts, part)
		}
		return "These objects must be clearly visible and recognizable in the frame: " + strings.Join(parts, ", ") + "."
	case domain.CriterionAtmosphereMatch:
		line := fmt.Sprintf("Strengthen the %s mood with %s light at %s", atm.Mood, humanize(atm.Lighting), humanize(atm.TimeOfDay))
		if len(atm.Palette) > 0 {
			line += fmt.Sprintf(" and a dominant palette of %s", strings.Join(atm.Palette, ", "))
		}
		return line + "."
	case domain.CriterionSpatialCoherence:
		camera := plan.Layout.CameraPosition
		if camera == "" {
			camera = "the doorway"
		}
		line := fmt.Sprintf("Use one consistent eye-level perspective from %s", camera)
		if plan.Layout.CameraDirection != "" {
			line += " looking " + plan.Layout.CameraDirection
		}
		return line + "; every object rests on a surface at a plausible scale."
	case domain.CriterionOverallQuality:
		return "Photorealistic interior photograph, sharp focus, realistic materials, no text, no watermarks, no distorted objects."
	}
	return ""
}

func missingFocus(focus, missing []string) []string {
	want := map[string]bool{}
	for _, m := range missing {
		want[aggregate.NormalizeName(m)] = true
	}
	var out []string
	for _, name := range focus {
		if want[name] {
			out = append(out, name)
		}
	}
	return out
}
