package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"instaroom/internal/domain"
	"instaroom/internal/infra/metrics"
)

// RedisPipelineQueue реализует очередь задач конвейера на базе Redis lists.
// Полученная задача перекладывается в список processing до подтверждения.
type RedisPipelineQueue struct {
	client        *redis.Client
	key           string
	processingKey string
}

// NewRedisPipelineQueue создаёт очередь по указанному ключу.
func NewRedisPipelineQueue(client *redis.Client, key string) *RedisPipelineQueue {
	return &RedisPipelineQueue{client: client, key: key, processingKey: key + ":processing"}
}

// Enqueue публикует задачу в очередь.
func (q *RedisPipelineQueue) Enqueue(ctx context.Context, task domain.PipelineTask) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push task: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди.
func (q *RedisPipelineQueue) Receive(ctx context.Context) (domain.PipelineTask, domain.AckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.PipelineTask{}, nil, err
		}

		raw, err := q.client.BLMove(ctx, q.key, q.processingKey, "RIGHT", "LEFT", time.Second).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.PipelineTask{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.PipelineTask{}, nil, err
		}
		var task domain.PipelineTask
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			_ = q.client.LRem(context.Background(), q.processingKey, 1, raw).Err()
			return domain.PipelineTask{}, nil, fmt.Errorf("decode task: %w", err)
		}
		return task, q.ackFunc(raw), nil
	}
}

func (q *RedisPipelineQueue) ackFunc(raw string) domain.AckFunc {
	return func(success bool) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.processingKey, 1, raw)
		if !success {
			pipe.RPush(ctx, q.key, raw)
		}
		_, err := pipe.Exec(ctx)
		return err
	}
}
