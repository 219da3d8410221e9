package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"instaroom/internal/domain"
	"instaroom/internal/infra/metrics"
)

// GCS хранит файлы в бакете Google Cloud Storage.
type GCS struct {
	client     *storage.Client
	bucket     string
	publicBase string
}

var _ domain.BlobStore = (*GCS)(nil)

// NewGCS создаёт клиента GCS. credentialsFile может быть пустым, тогда используются ADC.
// publicBase задаёт CDN-домен; по умолчанию https://storage.googleapis.com/<bucket>.
func NewGCS(ctx context.Context, bucket, credentialsFile, publicBase string) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is empty")
	}
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	if publicBase == "" {
		publicBase = "https://storage.googleapis.com/" + bucket
	}
	return &GCS{client: client, bucket: bucket, publicBase: strings.TrimRight(publicBase, "/")}, nil
}

// Put загружает объект и возвращает его публичную ссылку.
func (g *GCS) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	key = strings.TrimLeft(key, "/")
	start := time.Now()
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		metrics.ObserveNetworkRequest("gcs", "upload", g.bucket, start, err)
		return "", fmt.Errorf("failed to write data to GCS: %w", err)
	}
	err := w.Close()
	metrics.ObserveNetworkRequest("gcs", "upload", g.bucket, start, err)
	if err != nil {
		return "", fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return g.publicBase + "/" + key, nil
}

// Close закрывает клиента.
func (g *GCS) Close() error {
	return g.client.Close()
}
