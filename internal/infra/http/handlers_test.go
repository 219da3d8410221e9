package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"instaroom/internal/domain"
	"instaroom/internal/usecase/pipeline"
)

type fakePipeline struct {
	submitted []string
	files     []domain.UploadFile
	bio       string
	result    pipeline.SubmitResult
	err       error
	job       domain.Job
	room      domain.Room
}

func (f *fakePipeline) Submit(_ context.Context, identity string) (pipeline.SubmitResult, error) {
	f.submitted = append(f.submitted, identity)
	return f.result, f.err
}

func (f *fakePipeline) SubmitUpload(_ context.Context, files []domain.UploadFile, bio string) (pipeline.SubmitResult, error) {
	f.files, f.bio = files, bio
	return f.result, f.err
}

func (f *fakePipeline) Job(_ context.Context, id string) (domain.Job, error) {
	if id != f.job.ID {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return f.job, nil
}

func (f *fakePipeline) Room(_ context.Context, id string) (domain.Room, error) {
	if id != f.room.ID {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return f.room, nil
}

func (f *fakePipeline) RoomByIdentity(_ context.Context, identity string) (domain.Room, error) {
	if identity != f.room.Identity {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return f.room, nil
}

var testTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(p Pipeline, mediaDir string) *Server {
	srv := NewServer(zerolog.Nop(), []string{"http://localhost:3000"})
	NewHandlers(p, UploadLimits{MaxFiles: 10, MaxBytes: 1 << 20}, mediaDir, zerolog.Nop()).Register(srv.Router)
	return srv
}

func do(t *testing.T, srv *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	return rec
}

func TestGenerateStatusCodes(t *testing.T) {
	p := &fakePipeline{result: pipeline.SubmitResult{JobID: "job-1", Status: domain.StatusCollecting}}
	srv := newTestServer(p, "")

	rec := do(t, srv, httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(`{"identity": "@natgeo"}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("ожидали 202, получили %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["job_id"] != "job-1" || body["existing"] != false {
		t.Fatalf("неверный ответ: %v", body)
	}

	p.result = pipeline.SubmitResult{JobID: "job-0", Existing: true, RoomID: "room-1", Status: domain.StatusCompleted}
	rec = do(t, srv, httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(`{"username": "natgeo"}`)))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"room_id":"room-1"`) {
		t.Fatalf("ожидали 200 с room_id, получили %d %s", rec.Code, rec.Body.String())
	}
	if p.submitted[1] != "natgeo" {
		t.Fatalf("поле username должно использоваться как identity")
	}

	p.err = domain.ErrInvalidIdentity
	rec = do(t, srv, httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(`{"identity": ""}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("ожидали 400, получили %d", rec.Code)
	}

	p.err = errors.New("db down")
	rec = do(t, srv, httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(`{"identity": "x"}`)))
	if rec.Code != http.StatusInternalServerError || strings.Contains(rec.Body.String(), "db down") {
		t.Fatalf("ожидали 500 без деталей, получили %d %s", rec.Code, rec.Body.String())
	}
}

func TestGenerateUploadMultipart(t *testing.T) {
	p := &fakePipeline{result: pipeline.SubmitResult{JobID: "job-u"}}
	srv := newTestServer(p, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for i := 0; i < 5; i++ {
		fw, _ := mw.CreateFormFile("files", "photo.jpg")
		_, _ = fw.Write([]byte{0xff, 0xd8, 0xff})
	}
	_ = mw.WriteField("bio", "surfer")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/generate/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := do(t, srv, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("ожидали 202, получили %d %s", rec.Code, rec.Body.String())
	}
	if len(p.files) != 5 || p.bio != "surfer" || len(p.files[0].Data) != 3 {
		t.Fatalf("файлы не переданы: %d %q", len(p.files), p.bio)
	}

	p.err = domain.NewCollectionError(domain.ReasonInvalidUpload, "expected 5 to 10 images", nil)
	var small bytes.Buffer
	mw = multipart.NewWriter(&small)
	_ = mw.WriteField("bio", "x")
	_ = mw.Close()
	req = httptest.NewRequest(http.MethodPost, "/api/generate/upload", &small)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec = do(t, srv, req)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "expected 5 to 10 images") {
		t.Fatalf("ожидали 400 с причиной, получили %d %s", rec.Code, rec.Body.String())
	}
}

func TestJobStatusProjection(t *testing.T) {
	job := domain.NewJob("job-1", "natgeo", domain.SourceProfile, testTime)
	_ = job.Advance(domain.StageAnalyzing, "3 of 10 analyzed", testTime)
	srv := newTestServer(&fakePipeline{job: job}, "")

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/jobs/job-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	var view map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &view)
	if view["status"] != "analyzing" || view["stage"] != float64(1) || view["progress"] != "3 of 10 analyzed" {
		t.Fatalf("неверная проекция: %v", view)
	}
	if _, ok := view["result"]; !ok || view["result"] != nil || view["error"] != nil {
		t.Fatalf("result и error должны быть null: %v", view)
	}

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/api/jobs/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("ожидали 404, получили %d", rec.Code)
	}
}

func TestRoomEndpoints(t *testing.T) {
	room := domain.Room{ID: "room-1", Identity: "natgeo", PersonaSummary: "Explorer", BundleURL: "https://cdn.example/r.spz", Viewpoint: domain.DefaultViewpoint()}
	srv := newTestServer(&fakePipeline{room: room}, "")

	for _, path := range []string{"/api/rooms/room-1", "/api/rooms/by-identity/natgeo"} {
		rec := do(t, srv, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: ожидали 200, получили %d", path, rec.Code)
		}
		var view pipeline.RoomView
		_ = json.Unmarshal(rec.Body.Bytes(), &view)
		if view.RoomID != "room-1" || view.ArtifactURL != room.BundleURL || view.Viewpoint != domain.DefaultViewpoint() {
			t.Fatalf("%s: неверная комната %+v", path, view)
		}
	}
	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/api/rooms/by-identity/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("ожидали 404, получили %d", rec.Code)
	}
}

func TestHealthMediaAndCORS(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.png"), []byte("png"), 0o644); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	srv := newTestServer(&fakePipeline{}, dir)

	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("неверный health: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/media/a.png", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "png" {
		t.Fatalf("файл должен отдаваться из каталога: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodOptions, "/api/generate", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rec = do(t, srv, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("неверный preflight: %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/generate", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	rec = do(t, srv, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("ожидали 405 для неразрешённого метода, получили %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec = do(t, srv, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("разрешённый источник должен получить заголовок: %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = do(t, srv, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("чужой источник не должен разрешаться")
	}
}
