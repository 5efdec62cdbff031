package encoder

import (
	"context"

	"github.com/motiondex/motiondex/internal/errors"
)

// Pool serializes access to a fixed set of encoder instances.
//
// The underlying model compute is not reentrant, so each instance must be
// used by one caller at a time. Acquisition is FIFO-fair: a buffered
// channel hands instances out in request order. Pool itself implements
// Encoder by acquiring an instance per call, so pipeline code does not
// need to know about instance management.
type Pool struct {
	instances chan Encoder
	all       []Encoder
}

var _ Encoder = (*Pool)(nil)

// NewPool creates a pool over the given instances.
func NewPool(instances []Encoder) (*Pool, error) {
	if len(instances) == 0 {
		return nil, errors.New(errors.KindInternal, "encoder pool needs at least one instance")
	}
	ch := make(chan Encoder, len(instances))
	for _, inst := range instances {
		ch <- inst
	}
	return &Pool{instances: ch, all: instances}, nil
}

// Acquire blocks until an instance is free or the context is done.
func (p *Pool) Acquire(ctx context.Context) (Encoder, error) {
	select {
	case inst := <-p.instances:
		return inst, nil
	case <-ctx.Done():
		return nil, errors.FromContext(ctx.Err())
	}
}

// Release returns an instance to the pool.
func (p *Pool) Release(inst Encoder) {
	p.instances <- inst
}

// Encode acquires an instance, encodes synchronously, and releases it.
func (p *Pool) Encode(ctx context.Context, videoPath string) (*Encoding, error) {
	inst, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(inst)
	return inst.Encode(ctx, videoPath)
}

// Dimensions returns the global vector dimension of the instances.
func (p *Pool) Dimensions() int {
	return p.all[0].Dimensions()
}

// TimeSteps returns the temporal step count of the instances.
func (p *Pool) TimeSteps() int {
	return p.all[0].TimeSteps()
}

// ModelName returns the model identifier of the instances.
func (p *Pool) ModelName() string {
	return p.all[0].ModelName()
}

// Health checks the first instance. All instances share a backend.
func (p *Pool) Health(ctx context.Context) (*HealthStatus, error) {
	return p.all[0].Health(ctx)
}

// Close closes every instance. The first error wins.
func (p *Pool) Close() error {
	var firstErr error
	for _, inst := range p.all {
		if err := inst.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
