package pipeline

import (
	"instaroom/internal/domain"
)

// JobView: проекция задачи для опроса статуса.
type JobView struct {
	JobID    string            `json:"job_id"`
	Identity string            `json:"identity"`
	Status   domain.JobStatus  `json:"status"`
	Stage    *int              `json:"stage"`
	Progress string            `json:"progress"`
	Result   *domain.JobResult `json:"result"`
	Error    *domain.JobError  `json:"error"`
}

// NewJobView строит проекцию задачи. Для завершённой задачи стадия не отдаётся.
func NewJobView(job domain.Job) JobView {
	view := JobView{
		JobID:    job.ID,
		Identity: job.Identity,
		Status:   job.Status,
		Progress: job.Progress,
	}
	switch job.Status {
	case domain.StatusCompleted:
		view.Result = job.Result
	case domain.StatusFailed:
		stage := job.Stage
		view.Stage = &stage
		view.Error = job.Error
	default:
		stage := job.Stage
		view.Stage = &stage
	}
	return view
}

// RoomView: проекция комнаты для вьюера.
type RoomView struct {
	RoomID         string           `json:"room_id"`
	Identity       string           `json:"identity"`
	PersonaSummary string           `json:"persona_summary"`
	ArtifactURL    string           `json:"artifact_url"`
	ColliderURL    string           `json:"collider_url"`
	PanoramaURL    string           `json:"panorama_url"`
	PreviewURL     string           `json:"preview_url"`
	Viewpoint      domain.Viewpoint `json:"default_viewpoint"`
}

// NewRoomView строит проекцию комнаты.
func NewRoomView(room domain.Room) RoomView {
	return RoomView{
		RoomID:         room.ID,
		Identity:       room.Identity,
		PersonaSummary: room.PersonaSummary,
		ArtifactURL:    room.BundleURL,
		ColliderURL:    room.ColliderURL,
		PanoramaURL:    room.PanoramaURL,
		PreviewURL:     room.PreviewURL,
		Viewpoint:      room.Viewpoint,
	}
}

// ResultFor строит итог успешной задачи по опубликованной комнате.
func ResultFor(room domain.Room, publicBaseURL string) domain.JobResult {
	return domain.JobResult{
		RoomID:         room.ID,
		RoomURL:        publicBaseURL + "/room/" + room.ID,
		PreviewURL:     room.PreviewURL,
		PersonaSummary: room.PersonaSummary,
		ViewerData: domain.ViewerData{
			ArtifactURL:    room.BundleURL,
			ColliderURL:    room.ColliderURL,
			PanoramaURL:    room.PanoramaURL,
			CameraPosition: room.Viewpoint.Position,
			CameraTarget:   room.Viewpoint.Target,
		},
	}
}
