package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/prplab/prioritizer/internal/tracing"
)

// ErrQueueClosed is returned by a queue after Close.
var ErrQueueClosed = errors.New("queue closed")

// Task asks a worker to rank one execution.
type Task struct {
	ExecutionID string    `json:"execution_id"`
	Attempt     int       `json:"attempt"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Queue delivers tasks to workers.
type Queue interface {
	// Enqueue adds a task.
	Enqueue(ctx context.Context, task Task) error
	// Dequeue blocks until a task is available, ctx is done, or the queue is closed.
	Dequeue(ctx context.Context) (Task, error)
	// Close releases the queue. Pending Dequeue calls return ErrQueueClosed.
	Close() error
}

// DefaultChannelQueueSize is the buffer used when NewChannelQueue gets a non-positive size.
const DefaultChannelQueueSize = 1024

// ChannelQueue is an in-process queue backed by a buffered channel.
type ChannelQueue struct {
	tasks     chan Task
	closed    chan struct{}
	closeOnce sync.Once
}

// NewChannelQueue creates an in-process queue holding up to size tasks.
func NewChannelQueue(size int) *ChannelQueue {
	if size <= 0 {
		size = DefaultChannelQueueSize
	}
	return &ChannelQueue{
		tasks:  make(chan Task, size),
		closed: make(chan struct{}),
	}
}

// Enqueue blocks while the buffer is full.
func (q *ChannelQueue) Enqueue(ctx context.Context, task Task) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.tasks <- task:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue returns the next task.
func (q *ChannelQueue) Dequeue(ctx context.Context) (Task, error) {
	select {
	case task := <-q.tasks:
		return task, nil
	case <-q.closed:
		return Task{}, ErrQueueClosed
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// Len returns the number of buffered tasks.
func (q *ChannelQueue) Len() int {
	return len(q.tasks)
}

// Close stops the queue. Buffered tasks are dropped.
func (q *ChannelQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}

// DefaultQueueName is the Redis list used for ranking tasks.
const DefaultQueueName = "prioritizer:ranking"

// redisPollTimeout bounds each BRPOP so Dequeue notices Close.
const redisPollTimeout = time.Second

// RedisQueue is a Redis list queue shared by every API process.
// Tasks are pushed with LPUSH and popped with BRPOP, giving FIFO order.
type RedisQueue struct {
	client *redis.Client
	key    string

	closed    chan struct{}
	closeOnce sync.Once
}

// NewRedisQueue creates a queue on the list named key.
// The client is owned by the caller and is not closed by Close.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultQueueName
	}
	return &RedisQueue{
		client: client,
		key:    key,
		closed: make(chan struct{}),
	}
}

// Enqueue pushes the task as JSON.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) (err error) {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemRedis, q.key, tracing.DBOperationExec)
	defer func() { endSpan(err) }()

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to push task: %w", err)
	}
	return nil
}

// Dequeue pops the oldest task, polling until one arrives.
func (q *RedisQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		select {
		case <-q.closed:
			return Task{}, ErrQueueClosed
		case <-ctx.Done():
			return Task{}, ctx.Err()
		default:
		}

		result, err := q.client.BRPop(ctx, redisPollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			return Task{}, fmt.Errorf("failed to pop task: %w", err)
		}
		// BRPOP returns [key, value]
		if len(result) != 2 {
			return Task{}, fmt.Errorf("unexpected BRPOP reply of length %d", len(result))
		}

		var task Task
		if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
			return Task{}, fmt.Errorf("failed to decode task: %w", err)
		}
		return task, nil
	}
}

// Len returns the number of queued tasks.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Close stops Dequeue loops.
func (q *RedisQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
