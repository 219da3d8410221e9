package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"instaroom/internal/adapters/repo"
	"instaroom/internal/domain"
)

func TestSweepFailsOnlyStaleJobs(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory().Jobs()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	stale := domain.NewJob("stale", "natgeo", domain.SourceProfile, now.Add(-2*time.Hour))
	_ = store.Create(ctx, stale)
	_ = stale.Advance(domain.StageAnalyzing, "2 of 10 analyzed", now.Add(-time.Hour))
	_ = store.Update(ctx, stale)

	fresh := domain.NewJob("fresh", "nasa", domain.SourceProfile, now.Add(-time.Minute))
	_ = store.Create(ctx, fresh)

	s := NewService(store, 30*time.Minute, zerolog.Nop())
	s.now = func() time.Time { return now }

	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if n != 1 {
		t.Fatalf("ожидали одну брошенную задачу, получили %d", n)
	}
	got, _ := store.Get(ctx, "stale")
	if got.Status != domain.StatusFailed || got.Error == nil || got.Error.Message != AbandonedMessage || got.Error.Stage != domain.StageAnalyzing {
		t.Fatalf("неверная брошенная задача: %+v", got.Error)
	}
	if got, _ := store.Get(ctx, "fresh"); got.Terminal() {
		t.Fatalf("свежая задача не должна завершаться")
	}

	again := domain.NewJob("again", "natgeo", domain.SourceProfile, now)
	if err := store.Create(ctx, again); err != nil {
		t.Fatalf("identity должна освободиться: %v", err)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := NewService(repo.NewMemory().Jobs(), time.Minute, zerolog.Nop())
	if err := s.Start(context.Background(), "not a schedule"); err == nil {
		t.Fatalf("ожидали ошибку расписания")
	}
}
