package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"instaroom/internal/domain"
)

type ackRecord struct {
	jobID   string
	success bool
}

type chanQueue struct {
	tasks    chan domain.PipelineTask
	acks     chan ackRecord
	enqueued []domain.PipelineTask
}

func newChanQueue(ids ...string) *chanQueue {
	q := &chanQueue{tasks: make(chan domain.PipelineTask, len(ids)), acks: make(chan ackRecord, len(ids))}
	for _, id := range ids {
		q.tasks <- domain.PipelineTask{JobID: id}
	}
	return q
}

func (q *chanQueue) Enqueue(_ context.Context, task domain.PipelineTask) error {
	q.enqueued = append(q.enqueued, task)
	return nil
}

func (q *chanQueue) Receive(ctx context.Context) (domain.PipelineTask, domain.AckFunc, error) {
	select {
	case <-ctx.Done():
		return domain.PipelineTask{}, nil, ctx.Err()
	case task := <-q.tasks:
		return task, func(success bool) error {
			q.acks <- ackRecord{jobID: task.JobID, success: success}
			return nil
		}, nil
	}
}

type fakeRunner struct {
	mu      sync.Mutex
	results map[string]error
	ran     []string
	block   chan struct{}
	active  int
	peak    int
}

func (r *fakeRunner) Run(_ context.Context, jobID string) error {
	r.mu.Lock()
	r.ran = append(r.ran, jobID)
	r.active++
	if r.active > r.peak {
		r.peak = r.active
	}
	r.mu.Unlock()
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.active--
	r.mu.Unlock()
	return r.results[jobID]
}

type fakeLocker struct {
	keys []string
}

func (l *fakeLocker) Once(_ context.Context, key string, _ time.Duration, fn func() error) error {
	l.keys = append(l.keys, key)
	return fn()
}

func TestWorkerAckSemantics(t *testing.T) {
	q := newChanQueue("", "ok", "missing", "broken")
	runner := &fakeRunner{results: map[string]error{
		"missing": domain.ErrJobNotFound,
		"broken":  errors.New("db down"),
	}}
	locker := &fakeLocker{}
	w := NewWorker(q, runner, locker, time.Minute, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	got := map[string]bool{}
	for i := 0; i < 4; i++ {
		select {
		case a := <-q.acks:
			got[a.jobID] = a.success
		case <-time.After(2 * time.Second):
			t.Fatalf("ожидали подтверждение задачи")
		}
	}
	cancel()
	<-done

	want := map[string]bool{"": true, "ok": true, "missing": true, "broken": false}
	for id, success := range want {
		if got[id] != success {
			t.Fatalf("задача %q: ожидали ack(%v), получили %v", id, success, got[id])
		}
	}
	if len(runner.ran) != 3 {
		t.Fatalf("пустая задача не должна запускаться: %v", runner.ran)
	}
	if len(locker.keys) != 3 || locker.keys[0] != "pipeline:ok" {
		t.Fatalf("неверные ключи блокировки: %v", locker.keys)
	}
}

func TestQueueDispatcherEnqueues(t *testing.T) {
	q := newChanQueue()
	if err := NewQueueDispatcher(q).Dispatch(context.Background(), "job-1"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(q.enqueued) != 1 || q.enqueued[0].JobID != "job-1" || q.enqueued[0].EnqueuedAt.IsZero() {
		t.Fatalf("задача не поставлена: %+v", q.enqueued)
	}
}

func TestInlineDispatcherBoundsConcurrency(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	d := NewInlineDispatcher(context.Background(), runner, 2, zerolog.Nop())
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := d.Dispatch(context.Background(), id); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		runner.mu.Lock()
		started := len(runner.ran)
		runner.mu.Unlock()
		if started == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ожидали два запущенных конвейера, получили %d", started)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(runner.block)
	d.Wait()

	if len(runner.ran) != 4 || runner.peak > 2 {
		t.Fatalf("ожидали 4 запуска не более чем по 2, получили %d и пик %d", len(runner.ran), runner.peak)
	}
}

func TestInlineDispatcherRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewInlineDispatcher(ctx, &fakeRunner{}, 1, zerolog.Nop())
	if err := d.Dispatch(context.Background(), "late"); !errors.Is(err, context.Canceled) {
		t.Fatalf("ожидали context.Canceled, получили %v", err)
	}
}
