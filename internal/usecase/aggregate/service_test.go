package aggregate

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"instaroom/internal/domain"
)

type fakeSynth struct {
	dedup      map[string]string
	dedupErr   error
	refinement domain.PersonaRefinement
	synthErr   error
	gotInput   domain.PersonaInput
	dedupCalls int
}

func (f *fakeSynth) Deduplicate(_ context.Context, names []string) (map[string]string, error) {
	f.dedupCalls++
	return f.dedup, f.dedupErr
}

func (f *fakeSynth) Synthesize(_ context.Context, input domain.PersonaInput) (domain.PersonaRefinement, error) {
	f.gotInput = input
	return f.refinement, f.synthErr
}

func TestServiceBuildAppliesRefinementWithoutTouchingScores(t *testing.T) {
	in := guitarInput()
	in.Items[0].Tags = []string{"#music", "travel"}
	synth := &fakeSynth{refinement: domain.PersonaRefinement{
		Summary:     "Музыкант, который любит путешествия.",
		Themes:      []string{"#Music", "music", "travel"},
		Style:       "Warm Bohemian",
		AmbientView: "",
		TimeOfDay:   "evening",
	}}
	svc := NewService(synth, zerolog.Nop())

	profile, err := svc.Build(context.Background(), in.Items, in.Analyses, domain.ProfileMeta{Username: "musician"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	expected, _ := Aggregate(in)
	if !reflect.DeepEqual(profile.KeyObjects, expected.KeyObjects) {
		t.Fatalf("синтез не должен менять ключевые объекты")
	}
	if profile.Atmosphere.Style != "warm_bohemian" || profile.Atmosphere.TimeOfDay != "evening" {
		t.Fatalf("ожидали переопределённые метки, получили %+v", profile.Atmosphere)
	}
	if profile.Atmosphere.AmbientView != expected.Atmosphere.AmbientView {
		t.Fatalf("пустая метка не должна менять вид за окном")
	}
	if !reflect.DeepEqual(profile.Themes, []string{"music", "travel"}) {
		t.Fatalf("ожидали очищенные темы, получили %v", profile.Themes)
	}
	if synth.gotInput.Meta.Username != "musician" || len(synth.gotInput.Hashtags) != 2 {
		t.Fatalf("синтезатор должен получить метаданные и хэштеги: %+v", synth.gotInput)
	}
}

func TestServiceBuildDedupFailureIsNotFatal(t *testing.T) {
	in := guitarInput()
	synth := &fakeSynth{dedupErr: errors.New("timeout"), refinement: domain.PersonaRefinement{Summary: "ok"}}
	svc := NewService(synth, zerolog.Nop())

	profile, err := svc.Build(context.Background(), in.Items, in.Analyses, domain.ProfileMeta{})
	if err != nil {
		t.Fatalf("ошибка объединения дублей не должна быть фатальной: %v", err)
	}
	if synth.dedupCalls != 1 {
		t.Fatalf("ожидали один вызов объединения дублей")
	}
	if profile.KeyObjects[0].Name != "guitar" {
		t.Fatalf("ожидали guitar первым, получили %s", profile.KeyObjects[0].Name)
	}
}

func TestServiceBuildSynthesisFailureIsFatal(t *testing.T) {
	in := guitarInput()
	synth := &fakeSynth{synthErr: errors.New("upstream 500")}
	svc := NewService(synth, zerolog.Nop())

	_, err := svc.Build(context.Background(), in.Items, in.Analyses, domain.ProfileMeta{})
	se, ok := domain.AsStageError(err)
	if !ok || se.Kind != domain.KindAggregation || se.Stage != domain.StageAggregating {
		t.Fatalf("ожидали ошибку агрегации на стадии 2, получили %v", err)
	}
}
