package jobs

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestChannelQueue_FIFO(t *testing.T) {
	q := NewChannelQueue(4)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := q.Enqueue(ctx, Task{ExecutionID: strconv.Itoa(i), Attempt: 1}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	if q.Len() != 3 {
		t.Errorf("Len() = %d, want 3", q.Len())
	}

	for i := 1; i <= 3; i++ {
		task, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
		if task.ExecutionID != strconv.Itoa(i) {
			t.Errorf("Dequeue() = %q, want %q", task.ExecutionID, strconv.Itoa(i))
		}
	}
}

func TestChannelQueue_DefaultSize(t *testing.T) {
	q := NewChannelQueue(0)
	if cap(q.tasks) != DefaultChannelQueueSize {
		t.Errorf("capacity = %d, want %d", cap(q.tasks), DefaultChannelQueueSize)
	}
}

func TestChannelQueue_DequeueHonoursContext(t *testing.T) {
	q := NewChannelQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Dequeue() error = %v, want deadline exceeded", err)
	}
}

func TestChannelQueue_EnqueueFullHonoursContext(t *testing.T) {
	q := NewChannelQueue(1)
	if err := q.Enqueue(context.Background(), Task{ExecutionID: "a"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, Task{ExecutionID: "b"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Enqueue() on full queue error = %v, want deadline exceeded", err)
	}
}

func TestChannelQueue_Close(t *testing.T) {
	q := NewChannelQueue(1)
	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Second close is a no-op.
	if err := q.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if err := q.Enqueue(context.Background(), Task{ExecutionID: "a"}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue() after Close error = %v, want ErrQueueClosed", err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Dequeue() after Close error = %v, want ErrQueueClosed", err)
	}
}

// TestRedisQueue_RoundTrip requires a Redis instance running on localhost:6379.
func TestRedisQueue_RoundTrip(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	defer client.Close()

	key := "test-ranking-queue-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	defer client.Del(context.Background(), key)

	q := NewRedisQueue(client, key)
	defer q.Close()

	enqueuedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"first", "second"} {
		if err := q.Enqueue(ctx, Task{ExecutionID: id, Attempt: 2, EnqueuedAt: enqueuedAt}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Len() = %d, want 2", n)
	}

	for _, want := range []string{"first", "second"} {
		task, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
		if task.ExecutionID != want || task.Attempt != 2 || !task.EnqueuedAt.Equal(enqueuedAt) {
			t.Errorf("Dequeue() = %+v, want %s attempt 2", task, want)
		}
	}

	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := q.Enqueue(ctx, Task{ExecutionID: "late"}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue() after Close error = %v, want ErrQueueClosed", err)
	}
}

func TestNewRedisQueue_DefaultKey(t *testing.T) {
	q := NewRedisQueue(nil, "")
	if q.key != DefaultQueueName {
		t.Errorf("key = %q, want %q", q.key, DefaultQueueName)
	}
}
