package llm

import (
	"context"
	"time"

	"instaroom/internal/domain"
	openai "instaroom/internal/infra/openai"
)

const composerSystem = "You are an interior designer and an expert prompt engineer for photorealistic image models. " +
	"You follow the requested output format exactly."

// Composer реализует domain.Composer: один вызов текстовой модели на шаг сборки промпта.
type Composer struct {
	caller
}

var _ domain.Composer = (*Composer)(nil)

// NewComposer создаёт Composer.
func NewComposer(client chatCompletionClient, model string, timeout time.Duration) *Composer {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Composer{caller: newCaller(client, model, timeout)}
}

// Compose выполняет шаг и возвращает сырой текст ответа.
func (c *Composer) Compose(ctx context.Context, req domain.ComposeRequest) (string, error) {
	temperature := 0.7
	switch req.Step {
	case domain.ComposeLayout, domain.ComposeSpatial:
		temperature = 0.4
	}
	return c.complete(ctx, composerSystem, []openai.ContentPart{openai.TextPart(req.Instruction)}, req.JSON, temperature)
}
