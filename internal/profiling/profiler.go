// Package profiling captures pprof and runtime/trace output for offline
// analysis of indexing and search workloads.
package profiling

import (
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"

	"github.com/motiondex/motiondex/internal/errors"
)

// Profiler owns at most one active CPU profile and one active trace.
type Profiler struct {
	cpu *os.File
	trc *os.File
}

// New returns an idle Profiler.
func New() *Profiler {
	return &Profiler{}
}

// StartCPU begins CPU profiling into path. The returned stop function
// flushes and closes the profile; it must be called before exit.
func (p *Profiler) StartCPU(path string) (stop func(), err error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "create cpu profile", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(errors.KindInternal, "start cpu profile", err)
	}
	p.cpu = f
	return func() {
		pprof.StopCPUProfile()
		_ = p.cpu.Close()
		p.cpu = nil
	}, nil
}

// StartTrace begins execution tracing into path. The returned stop
// function ends the trace and closes the file.
func (p *Profiler) StartTrace(path string) (stop func(), err error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "create trace file", err)
	}
	if err := trace.Start(f); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(errors.KindInternal, "start trace", err)
	}
	p.trc = f
	return func() {
		trace.Stop()
		_ = p.trc.Close()
		p.trc = nil
	}, nil
}

// WriteHeap snapshots live heap allocations into path. A GC cycle runs
// first so the profile reflects reachable memory only.
func (p *Profiler) WriteHeap(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(errors.KindIO, "create heap profile", err)
	}
	defer func() { _ = f.Close() }()

	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return errors.Wrap(errors.KindInternal, "write heap profile", err)
	}
	return nil
}
