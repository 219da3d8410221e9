package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"instaroom/internal/domain"
)

func TestMemoryJobsSingleActivePerIdentity(t *testing.T) {
	ctx := context.Background()
	store := NewMemory().Jobs()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	first := domain.NewJob("job-1", "natgeo", domain.SourceProfile, now)
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	second := domain.NewJob("job-2", "natgeo", domain.SourceProfile, now.Add(time.Second))
	if err := store.Create(ctx, second); !errors.Is(err, domain.ErrActiveJobExists) {
		t.Fatalf("ожидали ErrActiveJobExists, получили %v", err)
	}

	if err := first.Fail(domain.StageCollecting, "profile not found", now.Add(time.Minute)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := store.Update(ctx, first); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := store.Create(ctx, second); err != nil {
		t.Fatalf("после завершения можно создать новую задачу: %v", err)
	}
	got, err := store.GetByIdentity(ctx, "natgeo")
	if err != nil || got.ID != "job-2" {
		t.Fatalf("ожидали активную job-2, получили %+v (%v)", got, err)
	}
}

func TestMemoryJobsRejectsRegressionAndTerminalUpdates(t *testing.T) {
	ctx := context.Background()
	store := NewMemory().Jobs()
	now := time.Now()

	job := domain.NewJob("job-1", "natgeo", domain.SourceProfile, now)
	_ = store.Create(ctx, job)
	if err := job.Advance(domain.StageComposing, "composing prompt", now); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	stale := job
	stale.Stage = domain.StageAnalyzing
	stale.Status = domain.StatusAnalyzing
	if err := store.Update(ctx, stale); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("стадия не должна уменьшаться, получили %v", err)
	}

	_ = job.Complete(domain.JobResult{RoomID: "room-1"}, now)
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	after := job
	after.Progress = "again"
	if err := store.Update(ctx, after); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("завершённая задача не должна меняться, получили %v", err)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("ожидали ErrJobNotFound, получили %v", err)
	}
}

func TestMemoryJobsListStale(t *testing.T) {
	ctx := context.Background()
	store := NewMemory().Jobs()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_ = store.Create(ctx, domain.NewJob("old", "a", domain.SourceProfile, base))
	_ = store.Create(ctx, domain.NewJob("fresh", "b", domain.SourceProfile, base.Add(time.Hour)))
	done := domain.NewJob("done", "c", domain.SourceProfile, base)
	_ = store.Create(ctx, done)
	_ = done.Fail(0, "boom", base)
	_ = store.Update(ctx, done)

	stale, err := store.ListStale(ctx, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "old" {
		t.Fatalf("ожидали только old, получили %+v", stale)
	}
}

func TestMemoryRoomsLatestByIdentity(t *testing.T) {
	ctx := context.Background()
	rooms := NewMemory().Rooms()
	base := time.Now()

	_ = rooms.Save(ctx, domain.Room{ID: "r1", Identity: "natgeo", CreatedAt: base})
	_ = rooms.Save(ctx, domain.Room{ID: "r2", Identity: "natgeo", CreatedAt: base.Add(time.Hour)})
	_ = rooms.Save(ctx, domain.Room{ID: "r3", Identity: "other", CreatedAt: base.Add(2 * time.Hour)})

	got, err := rooms.GetByIdentity(ctx, "natgeo")
	if err != nil || got.ID != "r2" {
		t.Fatalf("ожидали r2, получили %+v (%v)", got, err)
	}
	if _, err := rooms.Get(ctx, "nope"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("ожидали ErrRoomNotFound, получили %v", err)
	}
}

func TestMemoryRoomsDelete(t *testing.T) {
	ctx := context.Background()
	rooms := NewMemory().Rooms()
	base := time.Now()

	_ = rooms.Save(ctx, domain.Room{ID: "r1", Identity: "natgeo", CreatedAt: base})
	_ = rooms.Save(ctx, domain.Room{ID: "r2", Identity: "natgeo", CreatedAt: base.Add(time.Hour)})
	if err := rooms.Delete(ctx, "r2"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	got, err := rooms.GetByIdentity(ctx, "natgeo")
	if err != nil || got.ID != "r1" {
		t.Fatalf("после удаления ожидали r1, получили %+v (%v)", got, err)
	}
	if err := rooms.Delete(ctx, "missing"); err != nil {
		t.Fatalf("удаление отсутствующей комнаты не должно быть ошибкой: %v", err)
	}
}
