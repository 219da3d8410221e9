package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"instaroom/internal/domain"
	openai "instaroom/internal/infra/openai"
)

// Generator реализует domain.Generator: с референсами вызывается /images/edits, без них /images/generations.
type Generator struct {
	client  imageClient
	fetcher MediaFetcher
	model   string
	size    string
}

var _ domain.Generator = (*Generator)(nil)

// NewGenerator создаёт генератор изображений.
func NewGenerator(client imageClient, fetcher MediaFetcher, model, size string) *Generator {
	if model == "" {
		model = "gpt-image-1"
	}
	if size == "" {
		size = "1536x1024"
	}
	return &Generator{client: client, fetcher: fetcher, model: model, size: size}
}

// Generate синтезирует изображение. Референсы передаются строго в порядке индексов промпта,
// поэтому недоступный референс прерывает вызов.
func (g *Generator) Generate(ctx context.Context, prompt string, references []domain.ReferenceItem) (domain.Artifact, error) {
	var images []openai.ImageInput
	if g.fetcher != nil {
		for _, ref := range references {
			data, mime, err := g.fetcher.Fetch(ctx, ref.URL)
			if err != nil {
				log.Warn().Err(err).Int("reference", ref.Index).Msg("llm: референс недоступен")
				return domain.Artifact{}, fmt.Errorf("reference image %d unavailable: %w", ref.Index, err)
			}
			if mime == "" {
				mime = http.DetectContentType(data)
			}
			images = append(images, openai.ImageInput{
				Name:        fmt.Sprintf("reference_%d%s", ref.Index, extensionFor(mime)),
				ContentType: mime,
				Data:        data,
			})
		}
	}

	var (
		data []byte
		err  error
	)
	if len(images) > 0 {
		data, err = g.client.EditImage(ctx, openai.ImageEditRequest{Model: g.model, Prompt: prompt, Size: g.size, Images: images})
	} else {
		data, err = g.client.CreateImage(ctx, openai.ImageRequest{Model: g.model, Prompt: prompt, Size: g.size})
	}
	if err != nil {
		return domain.Artifact{}, err
	}
	if len(data) == 0 {
		return domain.Artifact{}, fmt.Errorf("image model returned no data")
	}
	return domain.Artifact{Data: data, MimeType: http.DetectContentType(data)}, nil
}

func extensionFor(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
