package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"instaroom/internal/domain"
	"instaroom/internal/usecase/pipeline"
)

// Pipeline: операции оркестратора, доступные через API.
type Pipeline interface {
	Submit(ctx context.Context, identity string) (pipeline.SubmitResult, error)
	SubmitUpload(ctx context.Context, files []domain.UploadFile, bio string) (pipeline.SubmitResult, error)
	Job(ctx context.Context, id string) (domain.Job, error)
	Room(ctx context.Context, id string) (domain.Room, error)
	RoomByIdentity(ctx context.Context, identity string) (domain.Room, error)
}

// UploadLimits ограничивают размер multipart-запроса.
type UploadLimits struct {
	MaxFiles int
	MaxBytes int64
}

// Handlers обслуживает API комнат.
type Handlers struct {
	pipeline Pipeline
	limits   UploadLimits
	mediaDir string
	log      zerolog.Logger
}

// NewHandlers создаёт обработчики. mediaDir: каталог локального хранилища; пустой отключает /media.
func NewHandlers(p Pipeline, limits UploadLimits, mediaDir string, logger zerolog.Logger) *Handlers {
	if limits.MaxFiles <= 0 {
		limits.MaxFiles = 10
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = 10 << 20
	}
	return &Handlers{pipeline: p, limits: limits, mediaDir: mediaDir, log: logger}
}

// Register подключает маршруты к роутеру.
func (h *Handlers) Register(r chi.Router) {
	r.Get("/health", h.health)
	if h.mediaDir != "" {
		r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(h.mediaDir))))
	}
	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.Timeout(60 * time.Second))
		api.Post("/generate", h.generate)
		api.Post("/generate/upload", h.generateUpload)
		api.Get("/jobs/{job_id}", h.job)
		api.Get("/rooms/by-identity/{identity}", h.roomByIdentity)
		api.Get("/rooms/{room_id}", h.room)
	})
}

func (h *Handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type generateRequest struct {
	Identity string `json:"identity"`
	Username string `json:"username"`
}

func (h *Handlers) generate(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req generateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	identity := req.Identity
	if identity == "" {
		identity = req.Username
	}
	res, err := h.pipeline.Submit(r.Context(), identity)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSubmit(w, res)
}

func (h *Handlers) generateUpload(w http.ResponseWriter, r *http.Request) {
	maxBody := int64(h.limits.MaxFiles)*h.limits.MaxBytes + 1<<20
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		WriteError(w, http.StatusBadRequest, errors.New("invalid multipart form"))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	headers := r.MultipartForm.File["files"]
	files := make([]domain.UploadFile, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			WriteError(w, http.StatusBadRequest, errors.New("cannot read uploaded file"))
			return
		}
		data, err := io.ReadAll(io.LimitReader(f, h.limits.MaxBytes+1))
		f.Close()
		if err != nil {
			WriteError(w, http.StatusBadRequest, errors.New("cannot read uploaded file"))
			return
		}
		files = append(files, domain.UploadFile{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	bio := r.FormValue("bio")
	if bio == "" {
		bio = r.FormValue("text")
	}

	res, err := h.pipeline.SubmitUpload(r.Context(), files, bio)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSubmit(w, res)
}

func (h *Handlers) job(w http.ResponseWriter, r *http.Request) {
	job, err := h.pipeline.Job(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pipeline.NewJobView(job))
}

func (h *Handlers) room(w http.ResponseWriter, r *http.Request) {
	room, err := h.pipeline.Room(r.Context(), chi.URLParam(r, "room_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pipeline.NewRoomView(room))
}

func (h *Handlers) roomByIdentity(w http.ResponseWriter, r *http.Request) {
	room, err := h.pipeline.RoomByIdentity(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pipeline.NewRoomView(room))
}

func writeSubmit(w http.ResponseWriter, res pipeline.SubmitResult) {
	status := http.StatusAccepted
	if res.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidIdentity):
		WriteError(w, http.StatusBadRequest, errors.New("invalid identity"))
	case domain.IsCollectionReason(err, domain.ReasonInvalidUpload):
		se, _ := domain.AsStageError(err)
		WriteError(w, http.StatusBadRequest, errors.New(se.UserMessage()))
	case errors.Is(err, domain.ErrJobNotFound):
		WriteError(w, http.StatusNotFound, errors.New("job not found"))
	case errors.Is(err, domain.ErrRoomNotFound):
		WriteError(w, http.StatusNotFound, errors.New("room not found"))
	default:
		h.log.Error().Err(err).Str("request_id", RequestID(r)).Str("path", r.URL.Path).Msg("api: ошибка обработки запроса")
		WriteError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

// ErrorResponse описывает ошибку.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteError отправляет JSON с ошибкой.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
