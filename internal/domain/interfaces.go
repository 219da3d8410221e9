package domain

import (
	"context"
	"errors"
	"time"
)

// UploadFile: файл, присланный пользователем вместо сбора по identity.
type UploadFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// Collector выгружает исходные элементы и метаданные профиля.
type Collector interface {
	Fetch(ctx context.Context, identity string) ([]SourceItem, ProfileMeta, error)
}

// UploadCollector превращает загруженные файлы в исходные элементы.
type UploadCollector interface {
	FromUpload(ctx context.Context, batchID string, files []UploadFile, bio string) ([]SourceItem, ProfileMeta, error)
}

// Analyzer строит структурированный анализ одного элемента.
type Analyzer interface {
	Analyze(ctx context.Context, item SourceItem) (ItemAnalysis, error)
}

// PersonaInput: входные данные для синтеза персоны.
type PersonaInput struct {
	Meta       ProfileMeta
	KeyObjects []ScoredObject
	Highlights []HighlightItem
	Atmosphere Atmosphere
	Hashtags   []string
	Locations  []string
}

// PersonaRefinement: ответ синтезатора. Пустые поля атмосферы не меняют расчётные значения.
type PersonaRefinement struct {
	Summary     string
	Themes      []string
	Style       string
	AmbientView string
	TimeOfDay   string
}

// Synthesizer выполняет вызовы агрегации: объединение дублей и синтез персоны.
type Synthesizer interface {
	Deduplicate(ctx context.Context, names []string) (map[string]string, error)
	Synthesize(ctx context.Context, input PersonaInput) (PersonaRefinement, error)
}

// ComposeStep: шаг сборки промпта.
type ComposeStep string

const (
	ComposeLayout    ComposeStep = "layout"
	ComposeDetails   ComposeStep = "details"
	ComposeComposite ComposeStep = "composite"
	ComposeSpatial   ComposeStep = "spatial"
)

// ComposeRequest: запрос к Composer. Instruction формирует вызывающая сторона.
type ComposeRequest struct {
	Step        ComposeStep
	Instruction string
	JSON        bool
}

// Composer выполняет один шаг планирования промпта и возвращает текст ответа.
type Composer interface {
	Compose(ctx context.Context, req ComposeRequest) (string, error)
}

// Generator синтезирует изображение по промпту и референсам.
type Generator interface {
	Generate(ctx context.Context, prompt string, references []ReferenceItem) (Artifact, error)
}

// CritiqueRequest: запрос на оценку артефакта.
type CritiqueRequest struct {
	Intent     string
	KeyObjects []string
	Atmosphere Atmosphere
	Artifact   Artifact
}

// Critic оценивает артефакт по фиксированной рубрике.
type Critic interface {
	Score(ctx context.Context, req CritiqueRequest) (Critique, error)
}

// ConvertRequest: запрос на конвертацию изображения в 3D-сцену.
type ConvertRequest struct {
	DisplayName string
	TextPrompt  string
	Artifact    Artifact
}

// Converter превращает 2D-артефакт в 3D-сцену.
type Converter interface {
	Convert(ctx context.Context, req ConvertRequest) (ConvertedScene, error)
}

// JobStore хранит задачи. Create атомарно отказывает, если для identity уже есть активная задача.
type JobStore interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	// GetByIdentity возвращает самую свежую задачу для identity.
	GetByIdentity(ctx context.Context, identity string) (Job, error)
	// Update полностью заменяет запись; стадия не уменьшается, завершённые задачи не меняются.
	Update(ctx context.Context, job Job) error
	ListStale(ctx context.Context, updatedBefore time.Time) ([]Job, error)
}

// RoomStore хранит опубликованные комнаты.
type RoomStore interface {
	Save(ctx context.Context, room Room) error
	Get(ctx context.Context, id string) (Room, error)
	// GetByIdentity возвращает последнюю комнату для identity.
	GetByIdentity(ctx context.Context, identity string) (Room, error)
	// Delete снимает комнату с публикации. Отсутствующая комната не считается ошибкой.
	Delete(ctx context.Context, id string) error
}

// BlobStore сохраняет бинарные данные и возвращает публичную ссылку.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// ErrCacheMiss возвращается, если ключа нет в кэше.
var ErrCacheMiss = errors.New("cache miss")

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Notifier сообщает о завершении задач.
type Notifier interface {
	JobFinished(ctx context.Context, job Job) error
}

// Dispatcher запускает конвейер для созданной задачи.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}
