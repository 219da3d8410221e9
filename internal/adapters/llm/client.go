package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "instaroom/internal/infra/openai"
)

type chatCompletionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type imageClient interface {
	CreateImage(ctx context.Context, req openai.ImageRequest) ([]byte, error)
	EditImage(ctx context.Context, req openai.ImageEditRequest) ([]byte, error)
}

// MediaFetcher скачивает медиа по ссылке и возвращает байты и MIME-тип.
type MediaFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// caller: общая обвязка одного вызова chat completions с таймаутом.
type caller struct {
	client  chatCompletionClient
	model   string
	timeout time.Duration
}

func newCaller(client chatCompletionClient, model string, timeout time.Duration) caller {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return caller{client: client, model: model, timeout: timeout}
}

func (c caller) complete(ctx context.Context, system string, parts []openai.ContentPart, jsonMode bool, temperature float64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: temperature,
		Messages: []openai.ChatMessage{
			{Role: openai.RoleSystem, Content: system},
			{Role: openai.RoleUser, Parts: parts},
		},
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ResponseFormatTypeJSONObject}
	}
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	return resp.FirstContent()
}

func (c caller) completeJSON(ctx context.Context, system string, parts []openai.ContentPart, temperature float64, dst any) error {
	content, err := c.complete(ctx, system, parts, true, temperature)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), dst); err != nil {
		return fmt.Errorf("распаковка ответа LLM: %w", err)
	}
	return nil
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

func dataURI(data []byte, mime string) string {
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// imagePart отдаёт модели изображение: скачанные байты как data URI или исходную ссылку, если fetcher не задан.
func imagePart(ctx context.Context, fetcher MediaFetcher, url string) (openai.ContentPart, error) {
	if fetcher == nil || strings.HasPrefix(url, "data:") {
		return openai.ImagePart(url), nil
	}
	data, mime, err := fetcher.Fetch(ctx, url)
	if err != nil {
		return openai.ContentPart{}, err
	}
	return openai.ImagePart(dataURI(data, mime)), nil
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

func orNone(values []string) string {
	if len(values) == 0 {
		return "(none)"
	}
	return strings.Join(values, ", ")
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
