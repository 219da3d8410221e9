package worldlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"instaroom/internal/domain"
	"instaroom/internal/infra/metrics"
)

const (
	defaultBaseURL = "https://api.worldlabs.ai/marble/v1"
	defaultModel   = "Marble 0.1-mini"
)

// Options задаёт параметры клиента World Labs.
type Options struct {
	BaseURL      string
	Model        string
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// Client реализует domain.Converter через Marble API.
type Client struct {
	http   *http.Client
	apiKey string
	opts   Options
	log    zerolog.Logger
}

var _ domain.Converter = (*Client)(nil)

// NewClient создаёт клиента.
func NewClient(apiKey string, opts Options, logger zerolog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 600 * time.Second
	}
	return &Client{http: &http.Client{Timeout: 60 * time.Second}, apiKey: apiKey, opts: opts, log: logger}
}

type prepareUploadRequest struct {
	FileName  string `json:"file_name"`
	Kind      string `json:"kind"`
	Extension string `json:"extension"`
}

type prepareUploadResponse struct {
	MediaAsset struct {
		MediaAssetID string `json:"media_asset_id"`
	} `json:"media_asset"`
	UploadInfo struct {
		UploadURL       string            `json:"upload_url"`
		UploadMethod    string            `json:"upload_method"`
		RequiredHeaders map[string]string `json:"required_headers"`
	} `json:"upload_info"`
}

type imagePrompt struct {
	Source       string `json:"source"`
	URI          string `json:"uri,omitempty"`
	MediaAssetID string `json:"media_asset_id,omitempty"`
}

type worldPrompt struct {
	Type        string       `json:"type"`
	ImagePrompt *imagePrompt `json:"image_prompt,omitempty"`
	TextPrompt  string       `json:"text_prompt,omitempty"`
	Model       string       `json:"model,omitempty"`
}

type generateRequest struct {
	DisplayName string      `json:"display_name"`
	WorldPrompt worldPrompt `json:"world_prompt"`
	Tags        []string    `json:"tags,omitempty"`
}

type operation struct {
	OperationID string `json:"operation_id"`
	Done        bool   `json:"done"`
	Error       *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Response *struct {
		WorldID        string `json:"world_id"`
		WorldMarbleURL string `json:"world_marble_url"`
	} `json:"response"`
}

type world struct {
	WorldID        string `json:"world_id"`
	WorldMarbleURL string `json:"world_marble_url"`
	Assets         *struct {
		ThumbnailURL string `json:"thumbnail_url"`
		Splats       *struct {
			SpzURLs map[string]string `json:"spz_urls"`
		} `json:"splats"`
		Mesh *struct {
			ColliderMeshURL string `json:"collider_mesh_url"`
		} `json:"mesh"`
		Imagery *struct {
			PanoURL string `json:"pano_url"`
		} `json:"imagery"`
	} `json:"assets"`
}

// Convert загружает изображение, запускает генерацию мира и ждёт завершения операции.
func (c *Client) Convert(ctx context.Context, req domain.ConvertRequest) (domain.ConvertedScene, error) {
	scene, err := c.convert(ctx, req)
	if err != nil {
		return domain.ConvertedScene{}, domain.NewStageError(domain.KindConversion, "3d conversion failed", err)
	}
	return scene, nil
}

func (c *Client) convert(ctx context.Context, req domain.ConvertRequest) (domain.ConvertedScene, error) {
	if c.apiKey == "" {
		return domain.ConvertedScene{}, errors.New("worldlabs: api key is empty")
	}
	prompt, err := c.imagePrompt(ctx, req.Artifact)
	if err != nil {
		return domain.ConvertedScene{}, err
	}
	displayName := req.DisplayName
	if displayName == "" {
		displayName = "Instaroom scene"
	}

	var op operation
	err = c.call(ctx, http.MethodPost, "/worlds:generate", generateRequest{
		DisplayName: displayName,
		WorldPrompt: worldPrompt{Type: "image", ImagePrompt: prompt, TextPrompt: req.TextPrompt, Model: c.opts.Model},
		Tags:        []string{"instaroom"},
	}, &op)
	if err != nil {
		return domain.ConvertedScene{}, err
	}
	if op.OperationID == "" {
		return domain.ConvertedScene{}, errors.New("worldlabs: empty operation id")
	}
	c.log.Info().Str("operation_id", op.OperationID).Msg("worldlabs: генерация запущена")

	worldID, err := c.wait(ctx, op.OperationID)
	if err != nil {
		return domain.ConvertedScene{}, err
	}

	var w world
	if err := c.call(ctx, http.MethodGet, "/worlds/"+worldID, nil, &w); err != nil {
		return domain.ConvertedScene{}, err
	}
	return toScene(w)
}

func (c *Client) imagePrompt(ctx context.Context, artifact domain.Artifact) (*imagePrompt, error) {
	if len(artifact.Data) == 0 {
		if strings.HasPrefix(artifact.URL, "http") {
			return &imagePrompt{Source: "uri", URI: artifact.URL}, nil
		}
		return nil, errors.New("worldlabs: artifact has neither data nor public url")
	}
	ext := "png"
	if artifact.MimeType == "image/jpeg" {
		ext = "jpg"
	}
	var prep prepareUploadResponse
	err := c.call(ctx, http.MethodPost, "/media-assets:prepare_upload", prepareUploadRequest{
		FileName:  "room." + ext,
		Kind:      "image",
		Extension: ext,
	}, &prep)
	if err != nil {
		return nil, err
	}
	if prep.UploadInfo.UploadURL == "" || prep.MediaAsset.MediaAssetID == "" {
		return nil, errors.New("worldlabs: incomplete prepare_upload response")
	}

	method := prep.UploadInfo.UploadMethod
	if method == "" {
		method = http.MethodPut
	}
	upload, err := http.NewRequestWithContext(ctx, method, prep.UploadInfo.UploadURL, bytes.NewReader(artifact.Data))
	if err != nil {
		return nil, fmt.Errorf("worldlabs: build upload: %w", err)
	}
	for k, v := range prep.UploadInfo.RequiredHeaders {
		upload.Header.Set(k, v)
	}
	start := time.Now()
	resp, err := c.http.Do(upload)
	if err == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			err = fmt.Errorf("worldlabs: upload status %d", resp.StatusCode)
		}
	}
	metrics.ObserveNetworkRequest("worldlabs", "upload", "media_asset", start, err)
	if err != nil {
		return nil, err
	}
	return &imagePrompt{Source: "media_asset", MediaAssetID: prep.MediaAsset.MediaAssetID}, nil
}

func (c *Client) wait(ctx context.Context, operationID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.PollTimeout)
	defer cancel()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		var op operation
		if err := c.call(ctx, http.MethodGet, "/operations/"+operationID, nil, &op); err != nil {
			return "", err
		}
		if op.Done {
			if op.Error != nil {
				return "", fmt.Errorf("worldlabs: operation failed: %s %s", op.Error.Code, op.Error.Message)
			}
			if op.Response == nil || op.Response.WorldID == "" {
				return "", errors.New("worldlabs: operation finished without world id")
			}
			return op.Response.WorldID, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("worldlabs: waiting for operation %s: %w", operationID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func toScene(w world) (domain.ConvertedScene, error) {
	scene := domain.ConvertedScene{WorldID: w.WorldID, ViewerURL: w.WorldMarbleURL}
	if a := w.Assets; a != nil {
		scene.PreviewURL = a.ThumbnailURL
		if a.Splats != nil {
			for _, key := range []string{"full_res", "500k", "100k"} {
				if u := a.Splats.SpzURLs[key]; u != "" {
					scene.BundleURL = u
					break
				}
			}
		}
		if a.Mesh != nil {
			scene.ColliderURL = a.Mesh.ColliderMeshURL
		}
		if a.Imagery != nil {
			scene.PanoramaURL = a.Imagery.PanoURL
		}
	}
	if scene.BundleURL == "" {
		return domain.ConvertedScene{}, fmt.Errorf("worldlabs: world %s has no splat assets", w.WorldID)
	}
	return scene, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, dst any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("worldlabs: build request: %w", err)
	}
	req.Header.Set("WLT-Api-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	operationName := strings.Trim(strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)[0], ":")
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("worldlabs", operationName, "marble", start, err)
		return fmt.Errorf("worldlabs: %s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err == nil && resp.StatusCode >= 400 {
		err = fmt.Errorf("worldlabs: %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	metrics.ObserveNetworkRequest("worldlabs", operationName, "marble", start, err)
	if err != nil {
		return err
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("worldlabs: decode %s: %w", path, err)
	}
	return nil
}
