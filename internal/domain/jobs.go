package domain

import (
	"context"
	"fmt"
	"time"
)

// JobStatus: состояние задачи построения комнаты.
type JobStatus string

const (
	StatusCollecting  JobStatus = "collecting"
	StatusAnalyzing   JobStatus = "analyzing"
	StatusAggregating JobStatus = "aggregating"
	StatusComposing   JobStatus = "composing"
	StatusGenerating  JobStatus = "generating"
	StatusConverting  JobStatus = "converting"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
)

// Индексы стадий конвейера.
const (
	StageCollecting  = 0
	StageAnalyzing   = 1
	StageAggregating = 2
	StageComposing   = 3
	StageGenerating  = 4
	StageConverting  = 5
)

var stageStatuses = []JobStatus{
	StatusCollecting,
	StatusAnalyzing,
	StatusAggregating,
	StatusComposing,
	StatusGenerating,
	StatusConverting,
}

// StageStatus возвращает статус, соответствующий индексу стадии.
func StageStatus(stage int) (JobStatus, bool) {
	if stage < 0 || stage >= len(stageStatuses) {
		return "", false
	}
	return stageStatuses[stage], true
}

// StageIndex возвращает индекс стадии для нетерминального статуса.
func (s JobStatus) StageIndex() (int, bool) {
	for i, st := range stageStatuses {
		if st == s {
			return i, true
		}
	}
	return 0, false
}

// Terminal сообщает, является ли статус конечным.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// JobSource описывает, откуда берутся исходные элементы.
type JobSource string

const (
	SourceProfile JobSource = "profile"
	SourceUpload  JobSource = "upload"
)

// ViewerData: данные для 3D-вьюера.
type ViewerData struct {
	ArtifactURL    string     `json:"artifact_url"`
	ColliderURL    string     `json:"collider_url"`
	PanoramaURL    string     `json:"panorama_url"`
	CameraPosition [3]float64 `json:"camera_position"`
	CameraTarget   [3]float64 `json:"camera_target"`
}

// JobResult: итог успешной задачи.
type JobResult struct {
	RoomID         string     `json:"room_id"`
	RoomURL        string     `json:"room_url"`
	PreviewURL     string     `json:"preview_url"`
	PersonaSummary string     `json:"persona_summary"`
	ViewerData     ViewerData `json:"viewer_data"`
}

// JobError: описание ошибки, на которой задача остановилась.
type JobError struct {
	Message string `json:"message"`
	Stage   int    `json:"stage"`
}

// Job: экземпляр конвейера для одной identity.
type Job struct {
	ID       string    `json:"job_id"`
	Identity string    `json:"identity"`
	Source   JobSource `json:"source"`
	Status   JobStatus `json:"status"`
	Stage    int       `json:"stage"`
	Progress string    `json:"progress"`

	// Items заполняется на стадии 0 или заранее при загрузке файлов.
	Items      []SourceItem        `json:"items,omitempty"`
	Meta       *ProfileMeta        `json:"meta,omitempty"`
	Analyses   []ItemAnalysis      `json:"analyses,omitempty"`
	Profile    *AggregatedProfile  `json:"profile,omitempty"`
	Plan       *PromptPlan         `json:"plan,omitempty"`
	Attempts   []GenerationAttempt `json:"attempts,omitempty"`
	BestScore  float64             `json:"best_score,omitempty"`
	Result     *JobResult          `json:"result,omitempty"`
	Error      *JobError           `json:"error,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
}

// NewJob создаёт задачу в начальном состоянии.
func NewJob(id, identity string, source JobSource, now time.Time) Job {
	return Job{
		ID:        id,
		Identity:  identity,
		Source:    source,
		Status:    StatusCollecting,
		Stage:     StageCollecting,
		Progress:  "queued",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Terminal сообщает, завершена ли задача.
func (j Job) Terminal() bool {
	return j.Status.Terminal()
}

// Advance переводит задачу на указанную стадию. Стадия не может уменьшаться,
// а завершённая задача больше не меняется.
func (j *Job) Advance(stage int, progress string, now time.Time) error {
	if j.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, j.ID, j.Status)
	}
	status, ok := StageStatus(stage)
	if !ok {
		return fmt.Errorf("%w: unknown stage %d", ErrInvalidTransition, stage)
	}
	if stage < j.Stage {
		return fmt.Errorf("%w: stage %d -> %d", ErrInvalidTransition, j.Stage, stage)
	}
	j.Status = status
	j.Stage = stage
	j.Progress = progress
	j.UpdatedAt = now
	return nil
}

// Report обновляет строку прогресса без смены стадии.
func (j *Job) Report(progress string, now time.Time) error {
	if j.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, j.ID, j.Status)
	}
	j.Progress = progress
	j.UpdatedAt = now
	return nil
}

// Complete переводит задачу в completed.
func (j *Job) Complete(result JobResult, now time.Time) error {
	if j.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, j.ID, j.Status)
	}
	j.Status = StatusCompleted
	j.Stage = StageConverting
	j.Progress = "done"
	j.Result = &result
	j.Error = nil
	j.UpdatedAt = now
	j.FinishedAt = &now
	return nil
}

// Fail переводит задачу в failed, сохраняя результаты предыдущих стадий.
func (j *Job) Fail(stage int, message string, now time.Time) error {
	if j.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, j.ID, j.Status)
	}
	if stage < j.Stage {
		stage = j.Stage
	}
	j.Status = StatusFailed
	j.Stage = stage
	j.Progress = "failed"
	j.Error = &JobError{Message: message, Stage: stage}
	j.UpdatedAt = now
	j.FinishedAt = &now
	return nil
}

// CanReplace проверяет, что next является допустимым продолжением prev.
func CanReplace(prev, next Job) error {
	if prev.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, prev.ID, prev.Status)
	}
	if next.Stage < prev.Stage {
		return fmt.Errorf("%w: stage %d -> %d", ErrInvalidTransition, prev.Stage, next.Stage)
	}
	if next.Identity != prev.Identity {
		return fmt.Errorf("%w: identity change", ErrInvalidTransition)
	}
	return nil
}

// PipelineTask: сообщение очереди на выполнение конвейера.
type PipelineTask struct {
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// PipelineQueue описывает очередь задач конвейера.
type PipelineQueue interface {
	Enqueue(ctx context.Context, task PipelineTask) error
	Receive(ctx context.Context) (PipelineTask, AckFunc, error)
}

// AckFunc подтверждает успешную обработку или запрашивает повтор доставки задачи.
type AckFunc func(success bool) error
