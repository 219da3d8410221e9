package critique

import (
	"reflect"
	"strings"
	"testing"

	"instaroom/internal/domain"
)

func review(scores [4]int, missing ...string) domain.Critique {
	var c domain.Critique
	for i, criterion := range domain.Rubric {
		c.Scores = append(c.Scores, domain.CriterionScore{Criterion: criterion, Score: scores[i]})
	}
	c.MissingObjects = missing
	return c
}

func TestReviseIsIdempotent(t *testing.T) {
	r := review([4]int{2, 2, 4, 4}, "guitar")
	once := Revise(testPlan(), r, testProfile(), 3)
	twice := Revise(once, r, testProfile(), 3)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("повторная ревизия той же оценкой не должна менять план")
	}
	if len(once.Revisions) != 2 {
		t.Fatalf("ожидали две корректировки, получили %v", once.Revisions)
	}
	if !strings.HasPrefix(once.Prompt, once.BasePrompt) {
		t.Fatalf("ревизия строится поверх базового промпта")
	}
}

func TestReviseTargetsLowCriteria(t *testing.T) {
	plan := Revise(testPlan(), review([4]int{2, 4, 1, 4}, "Guitar"), testProfile(), 3)
	if !strings.Contains(plan.Prompt, "guitar (reference image 1)") || strings.Contains(plan.Prompt, "monstera") {
		t.Fatalf("ожидали акцент только на пропущенном объекте: %s", plan.Prompt)
	}
	if !strings.Contains(plan.Prompt, "from doorway looking towards the window") {
		t.Fatalf("ожидали корректировку перспективы: %s", plan.Prompt)
	}
	if strings.Contains(plan.Prompt, "mood") {
		t.Fatalf("критерий атмосферы выше порога и не должен меняться")
	}
}

func TestReviseAboveFloorKeepsBasePrompt(t *testing.T) {
	plan := Revise(testPlan(), review([4]int{3, 3, 4, 3}), testProfile(), 3)
	if plan.Prompt != plan.BasePrompt || len(plan.Revisions) != 0 {
		t.Fatalf("без низких оценок промпт не меняется")
	}
}

func TestReviseAtmosphereUsesPalette(t *testing.T) {
	plan := Revise(testPlan(), review([4]int{4, 1, 4, 4}), testProfile(), 3)
	if !strings.Contains(plan.Prompt, "warm mood with golden hour light at sunset and a dominant palette of teal, sand") {
		t.Fatalf("ожидали корректировку освещения и палитры: %s", plan.Prompt)
	}
}
