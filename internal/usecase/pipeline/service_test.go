package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"instaroom/internal/adapters/repo"
	"instaroom/internal/domain"
	"instaroom/internal/usecase/aggregate"
	"instaroom/internal/usecase/analysis"
	"instaroom/internal/usecase/compose"
	"instaroom/internal/usecase/critique"
)

type fakeCollector struct {
	items []domain.SourceItem
	err   error
	panic bool
	calls int
}

func (f *fakeCollector) Fetch(_ context.Context, identity string) ([]domain.SourceItem, domain.ProfileMeta, error) {
	f.calls++
	if f.panic {
		panic("collector exploded")
	}
	return f.items, domain.ProfileMeta{Username: identity, Biography: "Music and travel"}, f.err
}

type fakeUploads struct {
	validateErr error
	batchID     string
}

func (f *fakeUploads) Validate(files []domain.UploadFile) error {
	return f.validateErr
}

func (f *fakeUploads) FromUpload(_ context.Context, batchID string, files []domain.UploadFile, bio string) ([]domain.SourceItem, domain.ProfileMeta, error) {
	f.batchID = batchID
	items := make([]domain.SourceItem, len(files))
	for i := range files {
		items[i] = domain.SourceItem{Index: i, MediaURLs: []string{fmt.Sprintf("http://localhost/media/uploads/%s/%d.jpg", batchID, i)}, MediaType: domain.MediaImage}
	}
	return items, domain.ProfileMeta{Username: "upload", Biography: bio, PostCount: len(files)}, nil
}

type fakeAnalyzer struct{}

func (fakeAnalyzer) Analyze(_ context.Context, item domain.SourceItem) (domain.ItemAnalysis, error) {
	return domain.ItemAnalysis{
		Objects:         []domain.DetectedObject{{Name: "guitar", Prominence: domain.ProminenceCenter, Description: "acoustic guitar"}},
		Scene:           domain.Scene{Location: "home", Moods: []string{"cozy"}, Lighting: "warm", Colors: []string{"amber"}},
		EmotionalWeight: 4,
	}, nil
}

type fakeSynth struct{}

func (fakeSynth) Deduplicate(_ context.Context, names []string) (map[string]string, error) {
	out := map[string]string{}
	for _, n := range names {
		out[n] = n
	}
	return out, nil
}

func (fakeSynth) Synthesize(_ context.Context, _ domain.PersonaInput) (domain.PersonaRefinement, error) {
	return domain.PersonaRefinement{Summary: "A musician at home.", Themes: []string{"music"}}, nil
}

type fakeComposer struct{}

func (fakeComposer) Compose(_ context.Context, req domain.ComposeRequest) (string, error) {
	switch req.Step {
	case domain.ComposeLayout:
		return `{"room_shape": "rectangular", "window_placement": "left wall", "furniture": ["sofa"],
			"object_placements": [{"object": "guitar", "placement": "stand by the sofa"}],
			"camera_position": "doorway", "camera_direction": "towards the window", "visible_objects": ["guitar"]}`, nil
	case domain.ComposeDetails:
		return `{"objects": [{"name": "guitar", "placement": "by the sofa", "description": "sunburst acoustic guitar"}]}`, nil
	case domain.ComposeComposite:
		return "A cozy living room with the guitar from reference image 1 by the sofa.", nil
	default:
		return "A long rectangular room seen from the doorway.", nil
	}
}

type fakeGenerator struct{}

func (fakeGenerator) Generate(_ context.Context, prompt string, refs []domain.ReferenceItem) (domain.Artifact, error) {
	return domain.Artifact{Data: []byte("png"), MimeType: "image/png", URL: "http://localhost/media/generated/room.png"}, nil
}

type fakeCritic struct{ score int }

func (f fakeCritic) Score(_ context.Context, _ domain.CritiqueRequest) (domain.Critique, error) {
	var c domain.Critique
	for _, criterion := range domain.Rubric {
		c.Scores = append(c.Scores, domain.CriterionScore{Criterion: criterion, Score: f.score})
	}
	return c, nil
}

type fakeConverter struct {
	err error
	req domain.ConvertRequest
}

func (f *fakeConverter) Convert(_ context.Context, req domain.ConvertRequest) (domain.ConvertedScene, error) {
	f.req = req
	if f.err != nil {
		return domain.ConvertedScene{}, f.err
	}
	return domain.ConvertedScene{
		BundleURL:   "https://cdn.example/room.spz",
		ColliderURL: "https://cdn.example/collider.glb",
		PanoramaURL: "https://cdn.example/pano.jpg",
		PreviewURL:  "https://cdn.example/thumb.jpg",
	}, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	jobs []domain.Job
}

func (f *fakeNotifier) JobFinished(_ context.Context, job domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeDispatcher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, jobID)
	return f.err
}

// recordingJobs запоминает стадии всех сохранённых версий задачи.
// failOn заставляет Update отклонять версии с этим статусом.
type recordingJobs struct {
	domain.JobStore
	mu     sync.Mutex
	stages []int
	failOn domain.JobStatus
}

func (r *recordingJobs) Update(ctx context.Context, job domain.Job) error {
	r.mu.Lock()
	r.stages = append(r.stages, job.Stage)
	failOn := r.failOn
	r.mu.Unlock()
	if failOn != "" && job.Status == failOn {
		return errors.New("connection reset")
	}
	return r.JobStore.Update(ctx, job)
}

type fixture struct {
	svc       *Service
	jobs      *recordingJobs
	rooms     domain.RoomStore
	collector *fakeCollector
	converter *fakeConverter
	notifier  *fakeNotifier
	uploads   *fakeUploads
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	items := make([]domain.SourceItem, 5)
	for i := range items {
		items[i] = domain.SourceItem{Index: i, MediaURLs: []string{fmt.Sprintf("https://cdn.example/%d.jpg", i)}, Likes: 10 * (i + 1), MediaType: domain.MediaImage}
	}
	mem := repo.NewMemory()
	f := &fixture{
		jobs:      &recordingJobs{JobStore: mem.Jobs()},
		rooms:     mem.Rooms(),
		collector: &fakeCollector{items: items},
		converter: &fakeConverter{},
		notifier:  &fakeNotifier{},
		uploads:   &fakeUploads{},
	}
	log := zerolog.Nop()
	stages := Stages{
		Collector: f.collector,
		Uploads:   f.uploads,
		Analysis:  analysis.NewService(fakeAnalyzer{}, nil, nil, analysis.Options{Concurrency: 2}, log),
		Aggregate: aggregate.NewService(fakeSynth{}, log),
		Assembler: compose.NewAssembler(fakeComposer{}, compose.Options{}, log),
		Critique:  critique.NewLoop(fakeGenerator{}, fakeCritic{score: 4}, nil, critique.Options{MaxIterations: 3}, log),
		Converter: f.converter,
	}
	f.svc = NewService(f.jobs, f.rooms, stages, f.notifier, Options{PublicBaseURL: "https://rooms.example/"}, log)
	return f
}

func TestNormalizeIdentity(t *testing.T) {
	got, err := NormalizeIdentity("  @NatGeo ")
	if err != nil || got != "natgeo" {
		t.Fatalf("ожидали natgeo, получили %q (%v)", got, err)
	}
	for _, raw := range []string{"", "  @ ", "a b", "../etc", "upload:3f2a", "@Upload:x"} {
		if _, err := NormalizeIdentity(raw); !errors.Is(err, domain.ErrInvalidIdentity) {
			t.Fatalf("ожидали ошибку для %q", raw)
		}
	}
}

func TestSubmitIsIdempotentWhileActive(t *testing.T) {
	f := newFixture(t)
	d := &fakeDispatcher{}
	f.svc.SetDispatcher(d)

	first, err := f.svc.Submit(context.Background(), "@NatGeo")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if first.Existing {
		t.Fatalf("первая задача не может быть существующей")
	}
	second, err := f.svc.Submit(context.Background(), "natgeo")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if second.JobID != first.JobID || !second.Existing {
		t.Fatalf("ожидали ту же задачу, получили %+v и %+v", first, second)
	}
	if len(d.ids) != 1 {
		t.Fatalf("конвейер должен быть запущен один раз, запусков: %d", len(d.ids))
	}
}

func TestSubmitConcurrentRequestsShareJob(t *testing.T) {
	f := newFixture(t)
	d := &fakeDispatcher{}
	f.svc.SetDispatcher(d)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Submit(context.Background(), "natgeo")
			if err != nil {
				t.Errorf("не ожидали ошибку: %v", err)
				return
			}
			ids[i] = res.JobID
		}()
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("ожидали одну задачу, получили %v", ids)
		}
	}
	if len(d.ids) != 1 {
		t.Fatalf("ожидали один запуск, получили %d", len(d.ids))
	}
}

func TestSubmitReturnsExistingRoom(t *testing.T) {
	f := newFixture(t)
	d := &fakeDispatcher{}
	f.svc.SetDispatcher(d)
	if err := f.rooms.Save(context.Background(), domain.Room{ID: "room-1", Identity: "natgeo", JobID: "job-0", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	res, err := f.svc.Submit(context.Background(), "NatGeo")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !res.Existing || res.RoomID != "room-1" || res.Status != domain.StatusCompleted {
		t.Fatalf("ожидали готовую комнату, получили %+v", res)
	}
	if len(d.ids) != 0 {
		t.Fatalf("конвейер не должен запускаться")
	}
}

func TestSubmitDispatchFailureReleasesIdentity(t *testing.T) {
	f := newFixture(t)
	f.svc.SetDispatcher(&fakeDispatcher{err: errors.New("queue down")})

	if _, err := f.svc.Submit(context.Background(), "natgeo"); err == nil {
		t.Fatalf("ожидали ошибку запуска")
	}
	job, err := f.jobs.GetByIdentity(context.Background(), "natgeo")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if job.Status != domain.StatusFailed {
		t.Fatalf("задача должна быть помечена как failed, статус %s", job.Status)
	}
}

func TestRunCompletesJob(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Submit(context.Background(), "natgeo")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := f.svc.Run(context.Background(), res.JobID); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	job, err := f.svc.Job(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if job.Status != domain.StatusCompleted || job.Result == nil {
		t.Fatalf("ожидали завершённую задачу, получили %s %+v", job.Status, job.Error)
	}
	if len(job.Analyses) != 5 || job.Profile == nil || job.Plan == nil || len(job.Attempts) != 1 {
		t.Fatalf("задача должна хранить результаты стадий")
	}
	if job.Profile.KeyObjects[0].Name != "guitar" {
		t.Fatalf("ожидали guitar первым объектом, получили %+v", job.Profile.KeyObjects)
	}

	room, err := f.svc.RoomByIdentity(context.Background(), "@natgeo")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if room.ID != job.Result.RoomID || room.Viewpoint != domain.DefaultViewpoint() {
		t.Fatalf("неверная комната: %+v", room)
	}
	if job.Result.RoomURL != "https://rooms.example/room/"+room.ID {
		t.Fatalf("неверная ссылка на комнату: %s", job.Result.RoomURL)
	}
	if job.Result.ViewerData.CameraPosition != [3]float64{0, 1.5, 3} || job.Result.ViewerData.ArtifactURL != "https://cdn.example/room.spz" {
		t.Fatalf("неверные данные вьюера: %+v", job.Result.ViewerData)
	}
	if f.converter.req.TextPrompt != "A long rectangular room seen from the doorway." || len(f.converter.req.Artifact.Data) == 0 {
		t.Fatalf("конвертер должен получить описание геометрии и изображение: %+v", f.converter.req)
	}
	if len(f.notifier.jobs) != 1 || f.notifier.jobs[0].Status != domain.StatusCompleted {
		t.Fatalf("ожидали уведомление о завершении")
	}

	for i := 1; i < len(f.jobs.stages); i++ {
		if f.jobs.stages[i] < f.jobs.stages[i-1] {
			t.Fatalf("стадия уменьшилась: %v", f.jobs.stages)
		}
	}
	if f.jobs.stages[len(f.jobs.stages)-1] != domain.StageConverting {
		t.Fatalf("последняя сохранённая стадия должна быть %d, получили %v", domain.StageConverting, f.jobs.stages)
	}
}

func TestRunWithdrawsRoomWhenCompletionNotSaved(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Submit(context.Background(), "natgeo")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	f.jobs.failOn = domain.StatusCompleted

	if err := f.svc.Run(context.Background(), res.JobID); err == nil {
		t.Fatalf("ожидали ошибку сохранения задачи")
	}
	if f.converter.req.DisplayName != "natgeo" {
		t.Fatalf("конвертация должна была выполниться")
	}
	if _, err := f.svc.RoomByIdentity(context.Background(), "natgeo"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("комната не должна быть видна без завершённой задачи, получили %v", err)
	}
	job, err := f.svc.Job(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if job.Status == domain.StatusCompleted {
		t.Fatalf("задача не должна стать завершённой")
	}

	f.jobs.failOn = ""
	again, err := f.svc.Submit(context.Background(), "natgeo")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if again.RoomID != "" {
		t.Fatalf("Submit не должен отдавать снятую комнату: %+v", again)
	}
}

func TestRunFailureRetainsOutputs(t *testing.T) {
	f := newFixture(t)
	f.converter.err = domain.NewStageError(domain.KindConversion, "3d conversion failed", errors.New("timeout"))
	res, _ := f.svc.Submit(context.Background(), "natgeo")

	if err := f.svc.Run(context.Background(), res.JobID); err != nil {
		t.Fatalf("ошибка стадии не должна возвращаться наружу: %v", err)
	}
	job, _ := f.svc.Job(context.Background(), res.JobID)
	if job.Status != domain.StatusFailed || job.Error == nil || job.Error.Stage != domain.StageConverting {
		t.Fatalf("ожидали ошибку на стадии конвертации, получили %s %+v", job.Status, job.Error)
	}
	if job.Error.Message != "3d conversion failed" {
		t.Fatalf("неверное сообщение: %q", job.Error.Message)
	}
	if len(job.Analyses) == 0 || job.Profile == nil || job.Plan == nil || len(job.Attempts) == 0 {
		t.Fatalf("результаты предыдущих стадий должны сохраниться")
	}
	if _, err := f.svc.RoomByIdentity(context.Background(), "natgeo"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("комната не должна публиковаться, получили %v", err)
	}

	again, err := f.svc.Submit(context.Background(), "natgeo")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if again.Existing || again.JobID == res.JobID {
		t.Fatalf("после ошибки должна создаваться новая задача")
	}
}

func TestRunCollectionError(t *testing.T) {
	f := newFixture(t)
	f.collector.err = domain.NewCollectionError(domain.ReasonPrivate, "profile is private", nil)
	res, _ := f.svc.Submit(context.Background(), "secret")

	_ = f.svc.Run(context.Background(), res.JobID)
	view := NewJobView(mustJob(t, f.svc, res.JobID))
	if view.Status != domain.StatusFailed || view.Error == nil || view.Error.Stage != 0 || view.Error.Message != "profile is private" {
		t.Fatalf("неверная проекция: %+v", view)
	}
	if view.Stage == nil || *view.Stage != 0 {
		t.Fatalf("для ошибки ожидали стадию 0")
	}
}

func TestRunRecoversPanic(t *testing.T) {
	f := newFixture(t)
	f.collector.panic = true
	res, _ := f.svc.Submit(context.Background(), "natgeo")

	if err := f.svc.Run(context.Background(), res.JobID); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	job := mustJob(t, f.svc, res.JobID)
	if job.Status != domain.StatusFailed || job.Error.Stage != domain.StageCollecting || job.Error.Message != "internal error" {
		t.Fatalf("паника должна завершать задачу ошибкой, получили %s %+v", job.Status, job.Error)
	}
}

func TestRunSkipsTerminalAndInterruptedJobs(t *testing.T) {
	f := newFixture(t)
	res, _ := f.svc.Submit(context.Background(), "natgeo")
	if err := f.svc.Run(context.Background(), res.JobID); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	calls := f.collector.calls
	if err := f.svc.Run(context.Background(), res.JobID); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if f.collector.calls != calls {
		t.Fatalf("завершённая задача не должна запускаться повторно")
	}

	job := domain.NewJob("job-x", "other", domain.SourceProfile, time.Now())
	_ = f.jobs.Create(context.Background(), job)
	_ = job.Advance(domain.StageGenerating, "generating image", time.Now())
	_ = f.jobs.Update(context.Background(), job)
	if err := f.svc.Run(context.Background(), "job-x"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	job = mustJob(t, f.svc, "job-x")
	if job.Status != domain.StatusFailed || job.Error.Stage != domain.StageGenerating || job.Error.Message != "job interrupted" {
		t.Fatalf("прерванная задача должна завершаться ошибкой, получили %s %+v", job.Status, job.Error)
	}
}

func TestSubmitUploadBypassesCollection(t *testing.T) {
	f := newFixture(t)
	files := make([]domain.UploadFile, 5)
	for i := range files {
		files[i] = domain.UploadFile{Name: fmt.Sprintf("%d.jpg", i), ContentType: "image/jpeg", Data: []byte{0xff, 0xd8}}
	}
	res, err := f.svc.SubmitUpload(context.Background(), files, "my bio")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	job := mustJob(t, f.svc, res.JobID)
	if job.Identity != UploadPrefix+f.uploads.batchID || job.Source != domain.SourceUpload || len(job.Items) != 5 {
		t.Fatalf("неверная задача загрузки: %+v", job)
	}

	if err := f.svc.Run(context.Background(), res.JobID); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if f.collector.calls != 0 {
		t.Fatalf("сбор по identity не должен вызываться")
	}
	if mustJob(t, f.svc, res.JobID).Status != domain.StatusCompleted {
		t.Fatalf("ожидали завершённую задачу")
	}
	if _, err := f.svc.RoomByIdentity(context.Background(), job.Identity); err != nil {
		t.Fatalf("комната должна находиться по upload identity: %v", err)
	}
}

func TestSubmitUploadValidation(t *testing.T) {
	f := newFixture(t)
	f.uploads.validateErr = domain.NewCollectionError(domain.ReasonInvalidUpload, "expected 5 to 10 images", nil)
	_, err := f.svc.SubmitUpload(context.Background(), nil, "")
	if !domain.IsCollectionReason(err, domain.ReasonInvalidUpload) {
		t.Fatalf("ожидали ошибку валидации, получили %v", err)
	}
}

func TestWriteDebugDump(t *testing.T) {
	dir := t.TempDir()
	job := domain.NewJob("job-1", "upload:abc", domain.SourceUpload, time.Now())
	job.Attempts = []domain.GenerationAttempt{{Attempt: 1, Mean: 3}}
	now := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)

	path, err := WriteDebugDump(dir, job, map[int][]byte{1: []byte("png")}, now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if filepath.Base(path) != "upload_abc_20250301_123000.json" {
		t.Fatalf("неверное имя файла: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(data), `"stage4_attempts"`) {
		t.Fatalf("дамп должен содержать попытки: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "upload_abc_20250301_123000_attempt_1.png")); err != nil {
		t.Fatalf("изображение попытки не записано: %v", err)
	}
}

func TestNewJobViewCompleted(t *testing.T) {
	job := domain.NewJob("job-1", "natgeo", domain.SourceProfile, time.Now())
	_ = job.Complete(ResultFor(domain.Room{ID: "r1", Viewpoint: domain.DefaultViewpoint()}, "https://rooms.example"), time.Now())
	view := NewJobView(job)
	if view.Stage != nil || view.Result == nil || view.Error != nil {
		t.Fatalf("неверная проекция: %+v", view)
	}
	if view.Result.ViewerData.CameraTarget != [3]float64{0, 1, 0} {
		t.Fatalf("неверная камера: %+v", view.Result.ViewerData)
	}
}

func mustJob(t *testing.T, svc *Service, id string) domain.Job {
	t.Helper()
	job, err := svc.Job(context.Background(), id)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	return job
}
