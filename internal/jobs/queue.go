// Package jobs implements batch indexing: a durable task queue, a
// worker pool that drives the pipeline, and job-level accounting.
package jobs

import (
	"context"
	"sync"

	"github.com/motiondex/motiondex/internal/errors"
)

// Task is one unit of indexing work.
type Task struct {
	JobID    string            `json:"job_id"`
	VideoID  string            `json:"video_id"`
	VideoURL string            `json:"video_url"`
	Title    string            `json:"title,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Queue dispatches tasks to workers. Dequeue blocks until a task is
// available, the context is cancelled, or the queue is closed.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// ErrQueueClosed is returned by Dequeue after Close.
var ErrQueueClosed = errors.New(errors.KindCancelled, "task queue closed")

// memoryQueueCapacity bounds the in-process queue.
const memoryQueueCapacity = 16384

// MemoryQueue is the in-process channel-backed queue, used when no
// broker URL is configured. Tasks do not survive a restart; the
// scheduler's recovery pass re-enqueues them from the metadata store.
type MemoryQueue struct {
	tasks chan Task

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		tasks: make(chan Task, memoryQueueCapacity),
		done:  make(chan struct{}),
	}
}

// Enqueue adds a task, blocking if the queue is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	select {
	case q.tasks <- task:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return errors.FromContext(ctx.Err())
	}
}

// Dequeue blocks until a task arrives.
func (q *MemoryQueue) Dequeue(ctx context.Context) (Task, error) {
	select {
	case task := <-q.tasks:
		return task, nil
	case <-q.done:
		// Drain remaining tasks before reporting closed.
		select {
		case task := <-q.tasks:
			return task, nil
		default:
			return Task{}, ErrQueueClosed
		}
	case <-ctx.Done():
		return Task{}, errors.FromContext(ctx.Err())
	}
}

// Len returns the number of queued tasks.
func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	return len(q.tasks), nil
}

// Close wakes all blocked consumers.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

// NewQueue selects the queue backend from the broker URL: empty means
// in-process, a redis:// URL means the Redis list queue.
func NewQueue(brokerURL string) (Queue, error) {
	if brokerURL == "" {
		return NewMemoryQueue(), nil
	}
	return NewRedisQueue(brokerURL)
}
