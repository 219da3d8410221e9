package upload

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"instaroom/internal/domain"
)

var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// Limits задаёт ограничения на загрузку.
type Limits struct {
	MinFiles int
	MaxFiles int
	MaxBytes int
}

// Collector превращает загруженные изображения в исходные элементы и сохраняет их в BlobStore.
type Collector struct {
	blobs  domain.BlobStore
	limits Limits
	now    func() time.Time
}

var _ domain.UploadCollector = (*Collector)(nil)

// NewCollector создаёт сборщик загрузок.
func NewCollector(blobs domain.BlobStore, limits Limits) *Collector {
	if limits.MinFiles <= 0 {
		limits.MinFiles = 5
	}
	if limits.MaxFiles < limits.MinFiles {
		limits.MaxFiles = max(10, limits.MinFiles)
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = 10 << 20
	}
	return &Collector{blobs: blobs, limits: limits, now: time.Now}
}

// Validate проверяет набор файлов, не сохраняя его.
func (c *Collector) Validate(files []domain.UploadFile) error {
	if len(files) < c.limits.MinFiles || len(files) > c.limits.MaxFiles {
		return domain.NewCollectionError(domain.ReasonInvalidUpload,
			fmt.Sprintf("upload between %d and %d images, got %d", c.limits.MinFiles, c.limits.MaxFiles, len(files)), nil)
	}
	for _, f := range files {
		if len(f.Data) == 0 {
			return domain.NewCollectionError(domain.ReasonInvalidUpload, fmt.Sprintf("file %q is empty", f.Name), nil)
		}
		if len(f.Data) > c.limits.MaxBytes {
			return domain.NewCollectionError(domain.ReasonInvalidUpload,
				fmt.Sprintf("file %q exceeds %d bytes", f.Name, c.limits.MaxBytes), nil)
		}
		if _, ok := allowedTypes[sniff(f)]; !ok {
			return domain.NewCollectionError(domain.ReasonInvalidUpload, fmt.Sprintf("file %q is not an image", f.Name), nil)
		}
	}
	return nil
}

// FromUpload сохраняет файлы и возвращает элементы в порядке загрузки.
func (c *Collector) FromUpload(ctx context.Context, batchID string, files []domain.UploadFile, bio string) ([]domain.SourceItem, domain.ProfileMeta, error) {
	if err := c.Validate(files); err != nil {
		return nil, domain.ProfileMeta{}, err
	}
	now := c.now().UTC()
	items := make([]domain.SourceItem, 0, len(files))
	for i, f := range files {
		mime := sniff(f)
		key := fmt.Sprintf("uploads/%s/%s%s", batchID, uuid.NewString(), allowedTypes[mime])
		url, err := c.blobs.Put(ctx, key, mime, f.Data)
		if err != nil {
			return nil, domain.ProfileMeta{}, domain.NewCollectionError(domain.ReasonUpstream, "store uploaded file", err)
		}
		items = append(items, domain.SourceItem{
			Index:     i,
			MediaURLs: []string{url},
			MediaType: domain.MediaImage,
			PostedAt:  now,
		})
	}
	meta := domain.ProfileMeta{
		Username:  "upload",
		Biography: strings.TrimSpace(bio),
		PostCount: len(items),
	}
	return items, meta, nil
}

func sniff(f domain.UploadFile) string {
	mime := http.DetectContentType(f.Data)
	if mime == "application/octet-stream" {
		mime = strings.ToLower(strings.TrimSpace(f.ContentType))
	}
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	return mime
}
