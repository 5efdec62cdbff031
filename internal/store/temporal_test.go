package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motiondex/motiondex/internal/errors"
)

func newTestTemporal(t *testing.T) *TemporalStore {
	t.Helper()
	s, err := NewTemporalStore(filepath.Join(t.TempDir(), "temporal_features"))
	require.NoError(t, err)
	return s
}

func testMatrix(rows, cols int) [][]float32 {
	m := make([][]float32, rows)
	for i := range m {
		m[i] = make([]float32, cols)
		for j := range m[i] {
			m[i][j] = float32(i)*0.5 + float32(j)*0.25
		}
	}
	return m
}

func TestTemporalRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestTemporal(t)

	matrix := testMatrix(64, 32)
	require.NoError(t, s.Put(ctx, "vid-1", matrix))

	got, err := s.Get(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, matrix, got)
}

func TestTemporalRoundTripBytesStable(t *testing.T) {
	ctx := context.Background()
	s := newTestTemporal(t)

	matrix := testMatrix(8, 4)
	require.NoError(t, s.Put(ctx, "vid-1", matrix))
	first, err := os.ReadFile(s.Path("vid-1"))
	require.NoError(t, err)

	// Re-putting identical data produces identical bytes.
	require.NoError(t, s.Put(ctx, "vid-1", matrix))
	second, err := os.ReadFile(s.Path("vid-1"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTemporalGetMissing(t *testing.T) {
	s := newTestTemporal(t)
	_, err := s.Get(context.Background(), "nope")
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestTemporalPutReplaces(t *testing.T) {
	ctx := context.Background()
	s := newTestTemporal(t)

	require.NoError(t, s.Put(ctx, "vid-1", testMatrix(4, 4)))
	newer := testMatrix(8, 2)
	require.NoError(t, s.Put(ctx, "vid-1", newer))

	got, err := s.Get(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, newer, got)
}

func TestTemporalRejectsCorruptPayload(t *testing.T) {
	ctx := context.Background()
	s := newTestTemporal(t)

	require.NoError(t, s.Put(ctx, "vid-1", testMatrix(4, 4)))

	// Flip a payload byte; the checksum must catch it.
	path := s.Path("vid-1")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[temporalHeader] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = s.Get(ctx, "vid-1")
	require.Error(t, err)
	assert.Equal(t, errors.KindIO, errors.KindOf(err))
	assert.Contains(t, err.Error(), "checksum")
}

func TestTemporalRejectsBadMagic(t *testing.T) {
	ctx := context.Background()
	s := newTestTemporal(t)

	require.NoError(t, os.WriteFile(s.Path("vid-1"), []byte("not a temporal file, longer than header"), 0o644))
	_, err := s.Get(ctx, "vid-1")
	assert.Equal(t, errors.KindIO, errors.KindOf(err))
}

func TestTemporalRejectsTruncation(t *testing.T) {
	ctx := context.Background()
	s := newTestTemporal(t)

	require.NoError(t, s.Put(ctx, "vid-1", testMatrix(4, 4)))
	data, err := os.ReadFile(s.Path("vid-1"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path("vid-1"), data[:len(data)-8], 0o644))

	_, err = s.Get(ctx, "vid-1")
	assert.Equal(t, errors.KindIO, errors.KindOf(err))
}

func TestTemporalRejectsEmptyMatrix(t *testing.T) {
	ctx := context.Background()
	s := newTestTemporal(t)

	assert.Error(t, s.Put(ctx, "vid-1", nil))
	assert.Error(t, s.Put(ctx, "vid-1", [][]float32{}))
}

func TestTemporalRejectsRaggedMatrix(t *testing.T) {
	ctx := context.Background()
	s := newTestTemporal(t)

	ragged := [][]float32{{1, 2}, {3}}
	assert.Error(t, s.Put(ctx, "vid-1", ragged))
}

func TestTemporalDeleteAndExists(t *testing.T) {
	ctx := context.Background()
	s := newTestTemporal(t)

	require.NoError(t, s.Put(ctx, "vid-1", testMatrix(2, 2)))
	assert.True(t, s.Exists("vid-1"))

	require.NoError(t, s.Delete(ctx, "vid-1"))
	assert.False(t, s.Exists("vid-1"))

	// Deleting a missing id is a no-op.
	require.NoError(t, s.Delete(ctx, "vid-1"))
}

func TestTemporalList(t *testing.T) {
	ctx := context.Background()
	s := newTestTemporal(t)

	require.NoError(t, s.Put(ctx, "b", testMatrix(2, 2)))
	require.NoError(t, s.Put(ctx, "a", testMatrix(2, 2)))
	require.NoError(t, s.Put(ctx, "c", testMatrix(2, 2)))

	ids, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestTemporalClear(t *testing.T) {
	ctx := context.Background()
	s := newTestTemporal(t)

	require.NoError(t, s.Put(ctx, "a", testMatrix(2, 2)))
	require.NoError(t, s.Put(ctx, "b", testMatrix(2, 2)))
	require.NoError(t, s.Clear(ctx))

	ids, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestTemporalPathDerivableFromID(t *testing.T) {
	s := newTestTemporal(t)
	assert.Equal(t, filepath.Base(s.Path("vid-9")), "vid-9_temporal.mtf")
}
