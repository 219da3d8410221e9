package blob

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"instaroom/internal/domain"
)

// MediaPrefix: путь, по которому API раздаёт локальные файлы.
const MediaPrefix = "/media/"

// Local хранит файлы в каталоге и отдаёт ссылки вида <baseURL>/media/<key>.
type Local struct {
	Dir     string
	BaseURL string
}

var _ domain.BlobStore = (*Local)(nil)

// NewLocal создаёт локальное хранилище и каталог для него.
func NewLocal(dir, baseURL string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Local{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Put записывает данные под ключом. Ключ не может выходить за пределы каталога.
func (l *Local) Put(_ context.Context, key, _ string, data []byte) (string, error) {
	file, err := l.pathFor(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.WriteFile(file, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return l.URL(key), nil
}

// URL возвращает публичную ссылку на ключ.
func (l *Local) URL(key string) string {
	return l.BaseURL + MediaPrefix + strings.TrimLeft(path.Clean("/"+key), "/")
}

// Open читает файл по ссылке, выданной Put. ok=false, если ссылка не принадлежит хранилищу.
func (l *Local) Open(url string) (data []byte, ok bool, err error) {
	prefix := l.BaseURL + MediaPrefix
	if !strings.HasPrefix(url, prefix) {
		return nil, false, nil
	}
	file, err := l.pathFor(strings.TrimPrefix(url, prefix))
	if err != nil {
		return nil, true, err
	}
	data, err = os.ReadFile(file)
	return data, true, err
}

func (l *Local) pathFor(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(l.Dir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}
