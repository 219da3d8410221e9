package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"instaroom/internal/infra/metrics"
)

const maxFetchBytes = 20 << 20

// Fetcher скачивает медиа по ссылке. Ссылки локального хранилища читаются с диска.
type Fetcher struct {
	local *Local
	http  *http.Client
}

// NewFetcher создаёт загрузчик. local может быть nil.
func NewFetcher(local *Local, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{local: local, http: &http.Client{Timeout: timeout}}
}

// Fetch возвращает содержимое и MIME-тип.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	if f.local != nil {
		data, ok, err := f.local.Open(url)
		if ok {
			if err != nil {
				return nil, "", err
			}
			return data, http.DetectContentType(data), nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build media request: %w", err)
	}
	start := time.Now()
	resp, err := f.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("media", "download", "cdn", start, err)
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		err = fmt.Errorf("download media: status %d", resp.StatusCode)
		metrics.ObserveNetworkRequest("media", "download", "cdn", start, err)
		return nil, "", err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	metrics.ObserveNetworkRequest("media", "download", "cdn", start, err)
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" || mime == "binary/octet-stream" {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}
