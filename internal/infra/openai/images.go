package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"instaroom/internal/infra/metrics"
)

// ImageRequest описывает запрос к /images/generations.
type ImageRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
	N       int    `json:"n,omitempty"`
}

// ImageInput: референсное изображение для /images/edits.
type ImageInput struct {
	Name        string
	ContentType string
	Data        []byte
}

// ImageEditRequest описывает запрос к /images/edits.
type ImageEditRequest struct {
	Model  string
	Prompt string
	Size   string
	Images []ImageInput
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

// CreateImage генерирует изображение по тексту и возвращает байты PNG.
func (c *Client) CreateImage(ctx context.Context, req ImageRequest) ([]byte, error) {
	if req.N == 0 {
		req.N = 1
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	start := time.Now()
	respBody, err := c.do(ctx, "/images/generations", "application/json", bytes.NewReader(body))
	metrics.ObserveNetworkRequest("openai", "images_generations", req.Model, start, err)
	if err != nil {
		return nil, err
	}
	return c.decodeImage(ctx, req.Model, start, respBody)
}

// EditImage генерирует изображение с опорой на референсы.
func (c *Client) EditImage(ctx context.Context, req ImageEditRequest) ([]byte, error) {
	if len(req.Images) == 0 {
		return nil, fmt.Errorf("openai: edit requires at least one image")
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{"model": req.Model, "prompt": req.Prompt}
	if req.Size != "" {
		fields["size"] = req.Size
	}
	for _, key := range []string{"model", "prompt", "size"} {
		value, ok := fields[key]
		if !ok {
			continue
		}
		if err := mw.WriteField(key, value); err != nil {
			return nil, fmt.Errorf("openai: write field %s: %w", key, err)
		}
	}
	for i, img := range req.Images {
		name := img.Name
		if name == "" {
			name = fmt.Sprintf("reference_%d.png", i+1)
		}
		contentType := img.ContentType
		if contentType == "" {
			contentType = http.DetectContentType(img.Data)
		}
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image[]"; filename=%q`, name))
		header.Set("Content-Type", contentType)
		part, err := mw.CreatePart(header)
		if err != nil {
			return nil, fmt.Errorf("openai: create part: %w", err)
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, fmt.Errorf("openai: write part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("openai: close multipart: %w", err)
	}
	start := time.Now()
	respBody, err := c.do(ctx, "/images/edits", mw.FormDataContentType(), &buf)
	metrics.ObserveNetworkRequest("openai", "images_edits", req.Model, start, err)
	if err != nil {
		return nil, err
	}
	return c.decodeImage(ctx, req.Model, start, respBody)
}

func (c *Client) decodeImage(ctx context.Context, model string, start time.Time, respBody []byte) ([]byte, error) {
	var parsed imageResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("openai: decode image response: %w", err)
	}
	if parsed.Usage != nil {
		metrics.ObserveLLMGeneration(model, time.Since(start), parsed.Usage.InputTokens, parsed.Usage.OutputTokens, parsed.Usage.TotalTokens)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("openai: image response has no data")
	}
	first := parsed.Data[0]
	if first.B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(first.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("openai: decode b64 image: %w", err)
		}
		return data, nil
	}
	if first.URL == "" {
		return nil, fmt.Errorf("openai: image response has neither b64_json nor url")
	}
	return c.download(ctx, first.URL)
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("openai: build download request: %w", err)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("openai", "image_download", "cdn", start, err)
		return nil, fmt.Errorf("openai: download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		err = fmt.Errorf("openai: download image: status %d", resp.StatusCode)
		metrics.ObserveNetworkRequest("openai", "image_download", "cdn", start, err)
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	metrics.ObserveNetworkRequest("openai", "image_download", "cdn", start, err)
	return data, err
}
