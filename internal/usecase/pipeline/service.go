package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"instaroom/internal/domain"
	"instaroom/internal/infra/metrics"
	"instaroom/internal/usecase/aggregate"
	"instaroom/internal/usecase/analysis"
	"instaroom/internal/usecase/compose"
	"instaroom/internal/usecase/critique"
)

// UploadPrefix: префикс identity для задач из загруженных файлов.
const UploadPrefix = "upload:"

// UploadCollector принимает загруженные файлы и умеет проверять их до создания задачи.
type UploadCollector interface {
	domain.UploadCollector
	Validate(files []domain.UploadFile) error
}

// Stages собирает исполнителей стадий конвейера.
type Stages struct {
	Collector domain.Collector
	Uploads   UploadCollector
	Analysis  *analysis.Service
	Aggregate *aggregate.Service
	Assembler *compose.Assembler
	Critique  *critique.Loop
	Converter domain.Converter
}

// Options задаёт параметры оркестратора.
type Options struct {
	// PublicBaseURL используется для ссылки на комнату.
	PublicBaseURL string
	// DebugDir включает запись отладочного дампа каждой завершённой задачи.
	DebugDir string
}

// SubmitResult: ответ на запрос создания задачи.
type SubmitResult struct {
	JobID    string           `json:"job_id"`
	Status   domain.JobStatus `json:"status"`
	Existing bool             `json:"existing"`
	RoomID   string           `json:"room_id,omitempty"`
}

// Service: оркестратор конвейера: создаёт задачи и проводит их по стадиям.
type Service struct {
	jobs       domain.JobStore
	rooms      domain.RoomStore
	stages     Stages
	notifier   domain.Notifier
	dispatcher domain.Dispatcher
	opts       Options
	log        zerolog.Logger

	now   func() time.Time
	newID func() string
}

// NewService создаёт оркестратор. Диспетчер задаётся отдельно через SetDispatcher,
// потому что встроенный диспетчер сам вызывает Run.
func NewService(jobs domain.JobStore, rooms domain.RoomStore, stages Stages, notifier domain.Notifier, opts Options, logger zerolog.Logger) *Service {
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	return &Service{
		jobs:     jobs,
		rooms:    rooms,
		stages:   stages,
		notifier: notifier,
		opts:     opts,
		log:      logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// SetDispatcher задаёт способ запуска конвейера для новых задач.
func (s *Service) SetDispatcher(d domain.Dispatcher) {
	s.dispatcher = d
}

// NormalizeIdentity приводит имя аккаунта к каноническому виду.
// Двоеточие запрещено: пространство "upload:" занято задачами из загрузок.
func NormalizeIdentity(raw string) (string, error) {
	identity := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
	identity = strings.TrimSpace(identity)
	if identity == "" || strings.ContainsAny(identity, " /\\?#:") {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidIdentity, raw)
	}
	return identity, nil
}

// Submit идемпотентно создаёт задачу для identity: активная задача возвращается как есть,
// готовая комната возвращается без запуска нового конвейера.
func (s *Service) Submit(ctx context.Context, rawIdentity string) (SubmitResult, error) {
	identity, err := NormalizeIdentity(rawIdentity)
	if err != nil {
		return SubmitResult{}, err
	}

	if res, ok, err := s.existing(ctx, identity); err != nil || ok {
		return res, err
	}

	job := domain.NewJob(s.newID(), identity, domain.SourceProfile, s.now())
	return s.create(ctx, job)
}

// SubmitUpload создаёт задачу из загруженных файлов. Стадия сбора использует готовые элементы.
func (s *Service) SubmitUpload(ctx context.Context, files []domain.UploadFile, bio string) (SubmitResult, error) {
	if s.stages.Uploads == nil {
		return SubmitResult{}, errors.New("pipeline: uploads are not configured")
	}
	if err := s.stages.Uploads.Validate(files); err != nil {
		return SubmitResult{}, err
	}

	batchID := s.newID()
	items, meta, err := s.stages.Uploads.FromUpload(ctx, batchID, files, bio)
	if err != nil {
		return SubmitResult{}, err
	}

	job := domain.NewJob(s.newID(), UploadPrefix+batchID, domain.SourceUpload, s.now())
	job.Items = items
	job.Meta = &meta
	return s.create(ctx, job)
}

func (s *Service) existing(ctx context.Context, identity string) (SubmitResult, bool, error) {
	job, err := s.jobs.GetByIdentity(ctx, identity)
	switch {
	case err == nil && !job.Terminal():
		return SubmitResult{JobID: job.ID, Status: job.Status, Existing: true}, true, nil
	case err != nil && !errors.Is(err, domain.ErrJobNotFound):
		return SubmitResult{}, false, fmt.Errorf("поиск задачи: %w", err)
	}

	room, err := s.rooms.GetByIdentity(ctx, identity)
	switch {
	case err == nil:
		return SubmitResult{JobID: room.JobID, Status: domain.StatusCompleted, Existing: true, RoomID: room.ID}, true, nil
	case !errors.Is(err, domain.ErrRoomNotFound):
		return SubmitResult{}, false, fmt.Errorf("поиск комнаты: %w", err)
	}
	return SubmitResult{}, false, nil
}

func (s *Service) create(ctx context.Context, job domain.Job) (SubmitResult, error) {
	if err := s.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, domain.ErrActiveJobExists) {
			// параллельный запрос успел создать задачу первым
			if res, ok, lookupErr := s.existing(ctx, job.Identity); lookupErr == nil && ok {
				return res, nil
			}
		}
		return SubmitResult{}, fmt.Errorf("создание задачи: %w", err)
	}
	metrics.IncJobCreated(string(job.Source))
	s.log.Info().Str("job_id", job.ID).Str("identity", job.Identity).Str("source", string(job.Source)).Msg("pipeline: задача создана")

	if s.dispatcher == nil {
		return SubmitResult{JobID: job.ID, Status: job.Status}, nil
	}
	if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("pipeline: не удалось запустить конвейер")
		if failErr := job.Fail(domain.StageCollecting, "pipeline could not be started", s.now()); failErr == nil {
			_ = s.jobs.Update(context.WithoutCancel(ctx), job)
		}
		return SubmitResult{}, fmt.Errorf("запуск конвейера: %w", err)
	}
	return SubmitResult{JobID: job.ID, Status: job.Status}, nil
}

// Job возвращает задачу по идентификатору.
func (s *Service) Job(ctx context.Context, id string) (domain.Job, error) {
	return s.jobs.Get(ctx, id)
}

// Room возвращает комнату по идентификатору.
func (s *Service) Room(ctx context.Context, id string) (domain.Room, error) {
	return s.rooms.Get(ctx, id)
}

// RoomByIdentity возвращает последнюю комнату для identity.
func (s *Service) RoomByIdentity(ctx context.Context, rawIdentity string) (domain.Room, error) {
	identity := strings.TrimSpace(rawIdentity)
	if !strings.HasPrefix(identity, UploadPrefix) {
		normalized, err := NormalizeIdentity(rawIdentity)
		if err != nil {
			return domain.Room{}, err
		}
		identity = normalized
	}
	return s.rooms.GetByIdentity(ctx, identity)
}
