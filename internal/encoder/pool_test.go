package encoder

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/motiondex/motiondex/internal/errors"
)

// countingEncoder tracks concurrent Encode calls to verify the pool
// never hands one instance to two callers.
type countingEncoder struct {
	StaticEncoder
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (c *countingEncoder) Encode(ctx context.Context, path string) (*Encoding, error) {
	cur := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		max := c.maxSeen.Load()
		if cur <= max || c.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return c.StaticEncoder.Encode(ctx, path)
}

func TestPoolSerializesInstanceAccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	inst := &countingEncoder{StaticEncoder: *NewStaticEncoder(16, 4)}
	pool, err := NewPool([]Encoder{inst})
	require.NoError(t, err)

	path := writeFile(t, "a.mp4", []byte("pool content"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Encode(context.Background(), path)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), inst.maxSeen.Load(), "single instance must never run concurrently")
}

func TestPoolMultipleInstancesRunInParallel(t *testing.T) {
	defer goleak.VerifyNone(t)

	shared := &countingEncoder{StaticEncoder: *NewStaticEncoder(16, 4)}
	pool, err := NewPool([]Encoder{shared, shared})
	require.NoError(t, err)

	path := writeFile(t, "a.mp4", []byte("pool content"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Encode(context.Background(), path)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, shared.maxSeen.Load(), int32(2))
}

func TestPoolAcquireRespectsContext(t *testing.T) {
	pool, err := NewPool([]Encoder{NewStaticEncoder(16, 4)})
	require.NoError(t, err)

	// Drain the only instance.
	inst, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(inst)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = pool.Acquire(ctx)
	assert.Equal(t, errors.KindTimeout, errors.KindOf(err))
}

func TestPoolRequiresInstances(t *testing.T) {
	_, err := NewPool(nil)
	assert.Error(t, err)
}

func TestPoolPassthroughs(t *testing.T) {
	pool, err := NewPool([]Encoder{NewStaticEncoder(32, 8)})
	require.NoError(t, err)

	assert.Equal(t, 32, pool.Dimensions())
	assert.Equal(t, 8, pool.TimeSteps())
	assert.Equal(t, "static-hash", pool.ModelName())

	hs, err := pool.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, hs.ModelLoaded)
	assert.NoError(t, pool.Close())
}
