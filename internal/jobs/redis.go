package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/motiondex/motiondex/internal/errors"
)

// redisQueueKey is the Redis list holding pending tasks.
const redisQueueKey = "motiondex:index_queue"

// redisPopTimeout is the BRPOP block interval; short enough that a
// cancelled context is noticed promptly.
const redisPopTimeout = time.Second

// RedisQueue is a durable task queue on a Redis list. Tasks survive
// process restarts as long as the broker keeps them.
type RedisQueue struct {
	client *redis.Client

	mu     sync.Mutex
	closed bool
}

// NewRedisQueue connects to the broker at the given redis:// URL and
// verifies the connection.
func NewRedisQueue(brokerURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(brokerURL)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "parse broker url", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(errors.KindIO, "connect to broker", err)
	}
	return &RedisQueue{client: client}, nil
}

// Enqueue pushes the task onto the list.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "marshal task", err)
	}
	if err := q.client.LPush(ctx, redisQueueKey, payload).Err(); err != nil {
		return errors.Wrap(errors.KindIO, "enqueue task", err)
	}
	return nil
}

// Dequeue blocks on BRPOP in short intervals until a task arrives or
// the context is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		if q.isClosed() {
			return Task{}, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return Task{}, errors.FromContext(err)
		}

		res, err := q.client.BRPop(ctx, redisPopTimeout, redisQueueKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, errors.FromContext(ctx.Err())
			}
			if q.isClosed() {
				return Task{}, ErrQueueClosed
			}
			return Task{}, errors.Wrap(errors.KindIO, "dequeue task", err)
		}
		// BRPOP returns [key, value].
		var task Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			return Task{}, errors.Wrap(errors.KindInternal, "unmarshal task", err)
		}
		return task, nil
	}
}

// Len returns the list length.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, redisQueueKey).Result()
	if err != nil {
		return 0, errors.Wrap(errors.KindIO, "queue length", err)
	}
	return int(n), nil
}

func (q *RedisQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close closes the broker connection.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.client.Close()
}
