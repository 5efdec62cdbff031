package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/motiondex/motiondex/internal/errors"
)

// Temporal matrix file format (.mtf):
//
//	magic   [4]byte  "MTF1"
//	version uint16   currently 1
//	rows    uint32
//	cols    uint32
//	crc     uint32   CRC-32 (IEEE) of the payload
//	payload rows*cols float32, little endian, row major
//
// The header makes the file self-describing; readers reject any magic,
// version, shape, or checksum mismatch.
const (
	temporalMagic   = "MTF1"
	temporalVersion = 1
	temporalExt     = "_temporal.mtf"
	temporalHeader  = 4 + 2 + 4 + 4 + 4
)

// TemporalStore is the content-addressed store of per-time-step matrices,
// one file per video-id under <root>/temporal_features.
type TemporalStore struct {
	dir string
}

// NewTemporalStore creates the store, making the directory if needed.
func NewTemporalStore(dir string) (*TemporalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.KindIO, "create temporal feature directory", err)
	}
	return &TemporalStore{dir: dir}, nil
}

// Path returns the file path for a video-id. The path is derivable from
// the id alone.
func (s *TemporalStore) Path(videoID string) string {
	return filepath.Join(s.dir, videoID+temporalExt)
}

// Put writes the matrix atomically: temp file, fsync, rename. A partial
// write is never observable; re-putting the same id replaces the file.
func (s *TemporalStore) Put(ctx context.Context, videoID string, matrix [][]float32) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(err)
	}
	if len(matrix) == 0 || len(matrix[0]) == 0 {
		return errors.New(errors.KindInternal, "temporal matrix must not be empty")
	}

	cols := len(matrix[0])
	payload := make([]byte, 0, len(matrix)*cols*4)
	var scratch [4]byte
	for i, row := range matrix {
		if len(row) != cols {
			return errors.Newf(errors.KindInternal, "temporal matrix row %d has %d cols, want %d", i, len(row), cols)
		}
		for _, v := range row {
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(v))
			payload = append(payload, scratch[:]...)
		}
	}

	header := make([]byte, temporalHeader)
	copy(header[0:4], temporalMagic)
	binary.LittleEndian.PutUint16(header[4:6], temporalVersion)
	binary.LittleEndian.PutUint32(header[6:10], uint32(len(matrix)))
	binary.LittleEndian.PutUint32(header[10:14], uint32(cols))
	binary.LittleEndian.PutUint32(header[14:18], crc32.ChecksumIEEE(payload))

	pending, err := renameio.NewPendingFile(s.Path(videoID))
	if err != nil {
		return errors.Wrap(errors.KindIO, "create pending temporal file", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(header); err != nil {
		return errors.Wrap(errors.KindIO, "write temporal header", err)
	}
	if _, err := pending.Write(payload); err != nil {
		return errors.Wrap(errors.KindIO, "write temporal payload", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return errors.Wrap(errors.KindIO, "replace temporal file", err)
	}
	return nil
}

// Get reads and validates the matrix for a video-id.
func (s *TemporalStore) Get(ctx context.Context, videoID string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.FromContext(err)
	}

	data, err := os.ReadFile(s.Path(videoID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.KindNotFound, "no temporal features for %s", videoID)
		}
		return nil, errors.Wrap(errors.KindIO, "read temporal file", err)
	}
	return decodeTemporal(data, videoID)
}

// decodeTemporal parses and validates the file contents.
func decodeTemporal(data []byte, videoID string) ([][]float32, error) {
	if len(data) < temporalHeader {
		return nil, errors.Newf(errors.KindIO, "temporal file for %s truncated: %d bytes", videoID, len(data))
	}
	if !bytes.Equal(data[0:4], []byte(temporalMagic)) {
		return nil, errors.Newf(errors.KindIO, "temporal file for %s has bad magic", videoID)
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != temporalVersion {
		return nil, errors.Newf(errors.KindIO, "temporal file for %s has unsupported version %d", videoID, v)
	}

	rows := binary.LittleEndian.Uint32(data[6:10])
	cols := binary.LittleEndian.Uint32(data[10:14])
	checksum := binary.LittleEndian.Uint32(data[14:18])

	payload := data[temporalHeader:]
	if uint64(len(payload)) != uint64(rows)*uint64(cols)*4 {
		return nil, errors.Newf(errors.KindIO, "temporal file for %s shape mismatch: %dx%d with %d payload bytes",
			videoID, rows, cols, len(payload))
	}
	if crc32.ChecksumIEEE(payload) != checksum {
		return nil, errors.Newf(errors.KindIO, "temporal file for %s checksum mismatch", videoID)
	}

	matrix := make([][]float32, rows)
	off := 0
	for i := range matrix {
		row := make([]float32, cols)
		for j := range row {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
			off += 4
		}
		matrix[i] = row
	}
	return matrix, nil
}

// Delete removes the file for a video-id. Missing files are a no-op.
func (s *TemporalStore) Delete(ctx context.Context, videoID string) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(err)
	}
	if err := os.Remove(s.Path(videoID)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.KindIO, "delete temporal file", err)
	}
	return nil
}

// Exists reports whether a matrix file exists for the video-id.
func (s *TemporalStore) Exists(videoID string) bool {
	_, err := os.Stat(s.Path(videoID))
	return err == nil
}

// List returns every video-id with a matrix file, sorted.
func (s *TemporalStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "list temporal feature directory", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, temporalExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, temporalExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Clear removes every matrix file.
func (s *TemporalStore) Clear(ctx context.Context) error {
	ids, err := s.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
