package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motiondex/motiondex/internal/errors"
)

func TestMemoryQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	defer q.Close()

	task := Task{JobID: "job-1", VideoID: "vid-1", VideoURL: "/videos/a.mp4", Tags: []string{"x"}}
	require.NoError(t, q.Enqueue(ctx, task))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, task, got)
}

func TestMemoryQueueDequeueRespectsContext(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.Error(t, err)
	assert.Equal(t, errors.KindTimeout, errors.KindOf(err))
}

func TestMemoryQueueCloseWakesConsumers(t *testing.T) {
	q := NewMemoryQueue()

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("consumer not woken by Close")
	}
}

func TestMemoryQueueDrainsAfterClose(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	require.NoError(t, q.Enqueue(ctx, Task{VideoID: "vid-1"}))
	require.NoError(t, q.Close())

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "vid-1", got.VideoID)

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func newMiniredisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	srv := miniredis.RunT(t)
	q, err := NewRedisQueue("redis://" + srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestRedisQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := newMiniredisQueue(t)

	task := Task{
		JobID:    "job-1",
		VideoID:  "vid-1",
		VideoURL: "https://example.com/a.mp4",
		Title:    "a clip",
		Extra:    map[string]string{"camera": "fixed"},
	}
	require.NoError(t, q.Enqueue(ctx, task))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, task, got)

	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRedisQueueFIFOOrder(t *testing.T) {
	ctx := context.Background()
	q := newMiniredisQueue(t)

	for _, id := range []string{"vid-1", "vid-2", "vid-3"} {
		require.NoError(t, q.Enqueue(ctx, Task{VideoID: id}))
	}
	for _, want := range []string{"vid-1", "vid-2", "vid-3"} {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.VideoID)
	}
}

func TestRedisQueueDequeueRespectsContext(t *testing.T) {
	q := newMiniredisQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := q.Dequeue(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestNewQueueSelectsBackend(t *testing.T) {
	q, err := NewQueue("")
	require.NoError(t, err)
	_, ok := q.(*MemoryQueue)
	assert.True(t, ok)
	_ = q.Close()

	srv := miniredis.RunT(t)
	q, err = NewQueue("redis://" + srv.Addr())
	require.NoError(t, err)
	_, ok = q.(*RedisQueue)
	assert.True(t, ok)
	_ = q.Close()
}

func TestNewRedisQueueBadURL(t *testing.T) {
	_, err := NewRedisQueue("not a url")
	require.Error(t, err)
}
