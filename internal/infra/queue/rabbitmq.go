package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"instaroom/internal/domain"
	"instaroom/internal/infra/metrics"
)

// RabbitPipelineQueue реализует очередь задач конвейера через AMQP с ручным подтверждением.
type RabbitPipelineQueue struct {
	conn     *amqp.Connection
	queue    string
	prefetch int

	pubMu sync.Mutex
	pubCh *amqp.Channel

	consumeOnce sync.Once
	consumeErr  error
	consumeCh   *amqp.Channel
	deliveries  <-chan amqp.Delivery
}

// NewRabbitPipelineQueue подключается к брокеру и объявляет durable-очередь.
func NewRabbitPipelineQueue(amqpURL, queue string, prefetch int) (*RabbitPipelineQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &RabbitPipelineQueue{conn: conn, queue: queue, prefetch: prefetch, pubCh: ch}, nil
}

// Enqueue публикует задачу в очередь.
func (q *RabbitPipelineQueue) Enqueue(ctx context.Context, task domain.PipelineTask) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	start := time.Now()
	err = q.pubCh.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    task.JobID,
		Timestamp:    task.EnqueuedAt,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

func (q *RabbitPipelineQueue) startConsume() error {
	q.consumeOnce.Do(func() {
		ch, err := q.conn.Channel()
		if err != nil {
			q.consumeErr = fmt.Errorf("open consume channel: %w", err)
			return
		}
		if err := ch.Qos(q.prefetch, 0, false); err != nil {
			q.consumeErr = fmt.Errorf("set qos: %w", err)
			return
		}
		deliveries, err := ch.Consume(q.queue, "", false, false, false, false, nil)
		if err != nil {
			q.consumeErr = fmt.Errorf("consume: %w", err)
			return
		}
		q.consumeCh = ch
		q.deliveries = deliveries
	})
	return q.consumeErr
}

// Receive блокирующе читает задачу из очереди.
func (q *RabbitPipelineQueue) Receive(ctx context.Context) (domain.PipelineTask, domain.AckFunc, error) {
	if err := q.startConsume(); err != nil {
		return domain.PipelineTask{}, nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return domain.PipelineTask{}, nil, ctx.Err()
		case d, ok := <-q.deliveries:
			if !ok {
				return domain.PipelineTask{}, nil, errors.New("rabbitmq: delivery channel closed")
			}
			var task domain.PipelineTask
			if err := json.Unmarshal(d.Body, &task); err != nil {
				_ = d.Nack(false, false)
				return domain.PipelineTask{}, nil, fmt.Errorf("decode task: %w", err)
			}
			delivery := d
			ack := func(success bool) error {
				if success {
					return delivery.Ack(false)
				}
				return delivery.Nack(false, true)
			}
			return task, ack, nil
		}
	}
}

// Close закрывает каналы и соединение.
func (q *RabbitPipelineQueue) Close() error {
	if q.consumeCh != nil {
		_ = q.consumeCh.Close()
	}
	if q.pubCh != nil {
		_ = q.pubCh.Close()
	}
	return q.conn.Close()
}
