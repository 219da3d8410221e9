package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"instaroom/internal/domain"
)

// Runner проводит задачу через конвейер.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// InlineDispatcher запускает конвейер в горутине текущего процесса.
// Число одновременных конвейеров ограничено семафором.
type InlineDispatcher struct {
	ctx    context.Context
	runner Runner
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	log    zerolog.Logger
}

var _ domain.Dispatcher = (*InlineDispatcher)(nil)

// NewInlineDispatcher создаёт диспетчер. ctx задаёт время жизни всех запущенных конвейеров
// и не зависит от контекста запроса, создавшего задачу.
func NewInlineDispatcher(ctx context.Context, runner Runner, maxRunning int64, logger zerolog.Logger) *InlineDispatcher {
	if maxRunning <= 0 {
		maxRunning = 1
	}
	return &InlineDispatcher{ctx: ctx, runner: runner, sem: semaphore.NewWeighted(maxRunning), log: logger}
}

// Dispatch запускает конвейер и сразу возвращает управление.
func (d *InlineDispatcher) Dispatch(_ context.Context, jobID string) error {
	if err := d.ctx.Err(); err != nil {
		return err
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			d.log.Warn().Err(err).Str("job_id", jobID).Msg("dispatch: конвейер не запущен")
			return
		}
		defer d.sem.Release(1)
		if err := d.runner.Run(d.ctx, jobID); err != nil {
			d.log.Error().Err(err).Str("job_id", jobID).Msg("dispatch: конвейер завершился ошибкой")
		}
	}()
	return nil
}

// Wait дожидается завершения всех запущенных конвейеров.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}

// QueueDispatcher публикует задачу в очередь для cmd/worker.
type QueueDispatcher struct {
	queue domain.PipelineQueue
}

var _ domain.Dispatcher = (*QueueDispatcher)(nil)

// NewQueueDispatcher создаёт диспетчер поверх очереди.
func NewQueueDispatcher(queue domain.PipelineQueue) *QueueDispatcher {
	return &QueueDispatcher{queue: queue}
}

// Dispatch ставит задачу в очередь.
func (d *QueueDispatcher) Dispatch(ctx context.Context, jobID string) error {
	return d.queue.Enqueue(ctx, domain.PipelineTask{JobID: jobID, EnqueuedAt: time.Now().UTC()})
}

// Locker не даёт двум воркерам одновременно обрабатывать одну задачу.
type Locker interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}

// Worker читает задачи из очереди и выполняет их.
type Worker struct {
	queue   domain.PipelineQueue
	runner  Runner
	locker  Locker
	lockTTL time.Duration
	log     zerolog.Logger
}

// NewWorker создаёт воркер. locker может быть nil.
func NewWorker(queue domain.PipelineQueue, runner Runner, locker Locker, lockTTL time.Duration, logger zerolog.Logger) *Worker {
	if lockTTL <= 0 {
		lockTTL = time.Hour
	}
	return &Worker{queue: queue, runner: runner, locker: locker, lockTTL: lockTTL, log: logger}
}

// Run обрабатывает очередь до отмены контекста.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("worker: ошибка чтения очереди")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		taskLog := w.log.With().Str("job_id", task.JobID).Logger()
		if task.JobID == "" {
			taskLog.Error().Msg("worker: получена задача без идентификатора, подтверждаем и пропускаем")
			if err := ack(true); err != nil {
				taskLog.Error().Err(err).Msg("worker: не удалось подтвердить задачу")
			}
			continue
		}

		err = w.handle(ctx, task)
		switch {
		case err == nil:
			if ackErr := ack(true); ackErr != nil {
				taskLog.Error().Err(ackErr).Msg("worker: не удалось подтвердить задачу")
			}
		case errors.Is(err, domain.ErrJobNotFound):
			taskLog.Warn().Msg("worker: задача не найдена, подтверждаем и пропускаем")
			if ackErr := ack(true); ackErr != nil {
				taskLog.Error().Err(ackErr).Msg("worker: не удалось подтвердить задачу")
			}
		default:
			taskLog.Error().Err(err).Msg("worker: задача не обработана, вернём в очередь")
			if ackErr := ack(false); ackErr != nil {
				taskLog.Error().Err(ackErr).Msg("worker: не удалось вернуть задачу в очередь")
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, task domain.PipelineTask) error {
	if w.locker == nil {
		return w.runner.Run(ctx, task.JobID)
	}
	return w.locker.Once(ctx, "pipeline:"+task.JobID, w.lockTTL, func() error {
		return w.runner.Run(ctx, task.JobID)
	})
}
