package upload

import (
	"context"
	"strings"
	"testing"

	"instaroom/internal/domain"
)

type memBlobs struct {
	keys []string
}

func (m *memBlobs) Put(_ context.Context, key, contentType string, _ []byte) (string, error) {
	m.keys = append(m.keys, key+"|"+contentType)
	return "https://media.example/" + key, nil
}

func pngFiles(n int) []domain.UploadFile {
	files := make([]domain.UploadFile, n)
	for i := range files {
		files[i] = domain.UploadFile{Name: "p.png", Data: []byte("\x89PNG\r\n\x1a\nxxxx")}
	}
	return files
}

func TestFromUpload(t *testing.T) {
	blobs := &memBlobs{}
	c := NewCollector(blobs, Limits{})

	items, meta, err := c.FromUpload(context.Background(), "batch-1", pngFiles(5), "  loves jazz ")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(items) != 5 || meta.Biography != "loves jazz" || meta.PostCount != 5 {
		t.Fatalf("неверный результат: %d %+v", len(items), meta)
	}
	for i, item := range items {
		if item.Index != i || !strings.HasPrefix(item.PrimaryMedia(), "https://media.example/uploads/batch-1/") {
			t.Fatalf("неверный элемент: %+v", item)
		}
	}
	if !strings.HasSuffix(blobs.keys[0], ".png|image/png") {
		t.Fatalf("неверный ключ: %s", blobs.keys[0])
	}
}

func TestValidate(t *testing.T) {
	c := NewCollector(&memBlobs{}, Limits{MinFiles: 5, MaxFiles: 10, MaxBytes: 16})

	cases := []struct {
		name  string
		files []domain.UploadFile
	}{
		{name: "too few", files: pngFiles(4)},
		{name: "too many", files: pngFiles(11)},
		{name: "too large", files: append(pngFiles(4), domain.UploadFile{Name: "big.png", Data: []byte("\x89PNG\r\n\x1a\n0123456789")})},
		{name: "not an image", files: append(pngFiles(4), domain.UploadFile{Name: "a.txt", ContentType: "text/plain", Data: []byte("hello")})},
		{name: "empty", files: append(pngFiles(4), domain.UploadFile{Name: "e.png"})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := c.Validate(tc.files); !domain.IsCollectionReason(err, domain.ReasonInvalidUpload) {
				t.Fatalf("ожидали invalid_upload, получили %v", err)
			}
		})
	}
	if err := c.Validate(pngFiles(10)); err != nil {
		t.Fatalf("10 файлов допустимы: %v", err)
	}
}
