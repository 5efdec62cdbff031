package encoder

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/motiondex/motiondex/internal/errors"
)

// staticSampleBytes is how much of the file seeds the embedding stream.
// It matches the query-cache fingerprint window, so a cached entry is
// always consistent with a fresh static encode of the same fingerprint.
const staticSampleBytes = 1 << 20

// StaticEncoder produces deterministic hash-derived embeddings from file
// content. It needs no external model process, which makes it the backend
// for tests, offline evaluation, and `--encoder static`.
//
// The embeddings carry no real motion semantics, but they are stable per
// content and distinct across contents, which is what the pipeline,
// cache, and store tests need.
type StaticEncoder struct {
	dimensions int
	timeSteps  int
}

// NewStaticEncoder creates a static encoder with the given shape.
func NewStaticEncoder(dimensions, timeSteps int) *StaticEncoder {
	if dimensions <= 0 {
		dimensions = 1024
	}
	if timeSteps <= 0 {
		timeSteps = 64
	}
	return &StaticEncoder{dimensions: dimensions, timeSteps: timeSteps}
}

// Encode derives embeddings from the first MiB of the file.
func (e *StaticEncoder) Encode(ctx context.Context, videoPath string) (*Encoding, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.FromContext(err)
	}
	start := time.Now()

	f, err := os.Open(videoPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(errors.KindNotFound, "video file not found", err).
				WithDetail("path", videoPath)
		}
		return nil, errors.Wrap(errors.KindIO, "open video file", err)
	}
	defer f.Close()

	sample := make([]byte, staticSampleBytes)
	n, err := io.ReadFull(f, sample)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, errors.Wrap(errors.KindIO, "read video file", err)
	}
	if n == 0 {
		return nil, errors.New(errors.KindDecode, "video file is empty").
			WithDetail("path", videoPath)
	}

	seed := md5.Sum(sample[:n])
	stream := newHashStream(seed[:])

	global := make([]float32, e.dimensions)
	for i := range global {
		global[i] = stream.next()
	}
	global = NormalizeVector(global)

	// Temporal rows drift smoothly from a per-content base so that
	// first-difference motion statistics are non-degenerate.
	base := make([]float32, e.dimensions)
	for i := range base {
		base[i] = stream.next()
	}
	temporal := make([][]float32, e.timeSteps)
	for t := range temporal {
		row := make([]float32, e.dimensions)
		for d := range row {
			row[d] = base[d] + 0.05*float32(t)*stream.next()
		}
		temporal[t] = row
	}

	return &Encoding{
		Global:       global,
		Temporal:     temporal,
		ProcessingMS: float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}

// Dimensions returns the global vector dimension.
func (e *StaticEncoder) Dimensions() int {
	return e.dimensions
}

// TimeSteps returns the temporal step count.
func (e *StaticEncoder) TimeSteps() int {
	return e.timeSteps
}

// ModelName returns the model identifier.
func (e *StaticEncoder) ModelName() string {
	return "static-hash"
}

// Health always reports ready.
func (e *StaticEncoder) Health(ctx context.Context) (*HealthStatus, error) {
	return &HealthStatus{Status: "healthy", ModelLoaded: true, Device: "cpu"}, nil
}

// Close releases resources. The static encoder holds none.
func (e *StaticEncoder) Close() error {
	return nil
}

var _ Encoder = (*StaticEncoder)(nil)

// hashStream expands a seed into an unbounded stream of floats in [-1, 1)
// via counter-mode SHA-256.
type hashStream struct {
	seed    []byte
	counter uint64
	buf     []byte
	off     int
}

func newHashStream(seed []byte) *hashStream {
	return &hashStream{seed: seed}
}

func (s *hashStream) next() float32 {
	if s.off+4 > len(s.buf) {
		var block [8]byte
		binary.LittleEndian.PutUint64(block[:], s.counter)
		s.counter++
		sum := sha256.Sum256(append(s.seed, block[:]...))
		s.buf = sum[:]
		s.off = 0
	}
	u := binary.LittleEndian.Uint32(s.buf[s.off:])
	s.off += 4
	return float32(u)/float32(1<<31) - 1.0
}
