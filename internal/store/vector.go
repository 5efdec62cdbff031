package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"
	"github.com/google/renameio/v2"

	"github.com/motiondex/motiondex/internal/encoder"
	"github.com/motiondex/motiondex/internal/errors"
)

// VectorIndexConfig configures the HNSW-backed vector index.
type VectorIndexConfig struct {
	// Dimensions is the fixed global vector dimension D.
	Dimensions int
	// Path is the on-disk index file. Empty disables persistence.
	Path string
	// M is the HNSW graph connectivity parameter.
	M int
	// EfSearch is the HNSW search expansion factor.
	EfSearch int
}

// VectorIndex is the approximate nearest-neighbor store over global
// vectors, with per-entry attributes for filter predicates.
//
// Inserts are idempotent by video-id: re-inserting replaces the prior
// entry. Deletion is lazy; replaced or deleted nodes stay in the graph
// but are dropped from results via the id mappings.
type VectorIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorIndexConfig

	idMap   map[string]uint64
	keyMap  map[uint64]string
	attrs   map[string]Attributes
	nextKey uint64

	closed bool
}

// vectorSidecar persists the id mappings and attributes next to the graph.
type vectorSidecar struct {
	IDMap   map[string]uint64
	Attrs   map[string]Attributes
	NextKey uint64
	Config  VectorIndexConfig
}

// NewVectorIndex creates an empty vector index.
func NewVectorIndex(cfg VectorIndexConfig) (*VectorIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, errors.New(errors.KindInternal, "vector index dimensions must be positive")
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 100
	}

	idx := &VectorIndex{
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
		attrs:  make(map[string]Attributes),
	}
	idx.graph = idx.newGraph()
	return idx, nil
}

func (s *VectorIndex) newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = s.config.M
	g.EfSearch = s.config.EfSearch
	g.Ml = 0.25
	return g
}

// Insert adds or replaces the vector for a video-id.
func (s *VectorIndex) Insert(ctx context.Context, videoID string, vector []float32, attrs Attributes) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(err)
	}
	if len(vector) != s.config.Dimensions {
		return errors.Wrap(errors.KindInternal, "insert vector",
			ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(vector)})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New(errors.KindInternal, "vector index is closed")
	}

	// Replace by id via lazy deletion: orphan the old graph node and
	// point the id at a fresh one.
	if oldKey, exists := s.idMap[videoID]; exists {
		delete(s.keyMap, oldKey)
		delete(s.idMap, videoID)
	}

	key := s.nextKey
	s.nextKey++

	vec := make([]float32, len(vector))
	copy(vec, vector)
	vec = encoder.NormalizeVector(vec)

	s.graph.Add(hnsw.MakeNode(key, vec))
	s.idMap[videoID] = key
	s.keyMap[key] = videoID
	s.attrs[videoID] = attrs
	return nil
}

// Delete removes a video-id from the index. Missing ids are a no-op.
func (s *VectorIndex) Delete(ctx context.Context, videoID string) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New(errors.KindInternal, "vector index is closed")
	}
	if key, exists := s.idMap[videoID]; exists {
		delete(s.keyMap, key)
		delete(s.idMap, videoID)
		delete(s.attrs, videoID)
	}
	return nil
}

// Search returns up to topK candidates in descending similarity, ties
// broken by video-id. Filters are applied below top-k: the fan-out is
// expanded (k, 2k, 4k, ...) until topK filtered hits are found or the
// graph is exhausted.
func (s *VectorIndex) Search(ctx context.Context, query []float32, topK int, filters *Filters) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.FromContext(err)
	}
	if len(query) != s.config.Dimensions {
		return nil, errors.Wrap(errors.KindInternal, "search vector",
			ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(query)})
	}
	if topK <= 0 {
		return []Candidate{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.New(errors.KindInternal, "vector index is closed")
	}
	if len(s.idMap) == 0 {
		return []Candidate{}, nil
	}

	normQuery := make([]float32, len(query))
	copy(normQuery, query)
	normQuery = encoder.NormalizeVector(normQuery)

	graphSize := s.graph.Len()
	fanOut := topK
	var results []Candidate
	for {
		results = s.searchOnce(normQuery, fanOut, filters)
		if len(results) >= topK || fanOut >= graphSize {
			break
		}
		fanOut *= 2
		if fanOut > graphSize {
			fanOut = graphSize
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].VideoID < results[j].VideoID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// searchOnce runs one graph search at the given fan-out and filters hits.
func (s *VectorIndex) searchOnce(normQuery []float32, fanOut int, filters *Filters) []Candidate {
	nodes := s.graph.Search(normQuery, fanOut)

	results := make([]Candidate, 0, len(nodes))
	for _, node := range nodes {
		videoID, live := s.keyMap[node.Key]
		if !live {
			// Lazily deleted node still in the graph.
			continue
		}
		attrs := s.attrs[videoID]
		if !filters.Match(attrs) {
			continue
		}

		// Cosine distance d = 1 - cos; similarity = (1 + cos) / 2.
		dist := s.graph.Distance(normQuery, node.Value)
		similarity := 1.0 - dist/2.0
		if similarity < 0 {
			similarity = 0
		}
		if similarity > 1 {
			similarity = 1
		}

		results = append(results, Candidate{
			VideoID:    videoID,
			Similarity: similarity,
			Distance:   dist,
			Attrs:      attrs,
		})
	}
	return results
}

// Contains reports whether the video-id is indexed.
func (s *VectorIndex) Contains(videoID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.idMap[videoID]
	return ok
}

// AllIDs returns every indexed video-id. Used by the garbage collector.
func (s *VectorIndex) AllIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.idMap))
	for id := range s.idMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of live vectors.
func (s *VectorIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idMap)
}

// Clear removes every entry and resets the graph.
func (s *VectorIndex) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New(errors.KindInternal, "vector index is closed")
	}
	s.graph = s.newGraph()
	s.idMap = make(map[string]uint64)
	s.keyMap = make(map[uint64]string)
	s.attrs = make(map[string]Attributes)
	s.nextKey = 0
	return nil
}

// Save persists the graph and its sidecar atomically.
func (s *VectorIndex) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.config.Path == "" {
		return nil
	}
	if s.closed {
		return errors.New(errors.KindInternal, "vector index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(s.config.Path), 0o755); err != nil {
		return errors.Wrap(errors.KindIO, "create index directory", err)
	}

	pending, err := renameio.NewPendingFile(s.config.Path)
	if err != nil {
		return errors.Wrap(errors.KindIO, "create pending index file", err)
	}
	defer func() { _ = pending.Cleanup() }()

	w := bufio.NewWriter(pending)
	if err := s.graph.Export(w); err != nil {
		return errors.Wrap(errors.KindIO, "export hnsw graph", err)
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(errors.KindIO, "flush index file", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return errors.Wrap(errors.KindIO, "replace index file", err)
	}

	return s.saveSidecar()
}

// saveSidecar writes the id mappings and attributes as a gob file.
func (s *VectorIndex) saveSidecar() error {
	pending, err := renameio.NewPendingFile(s.config.Path + ".meta")
	if err != nil {
		return errors.Wrap(errors.KindIO, "create pending sidecar file", err)
	}
	defer func() { _ = pending.Cleanup() }()

	meta := vectorSidecar{
		IDMap:   s.idMap,
		Attrs:   s.attrs,
		NextKey: s.nextKey,
		Config:  s.config,
	}
	if err := gob.NewEncoder(pending).Encode(meta); err != nil {
		return errors.Wrap(errors.KindIO, "encode index sidecar", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return errors.Wrap(errors.KindIO, "replace sidecar file", err)
	}
	return nil
}

// Load restores the graph and sidecar from disk. A missing index file is
// a fresh start, not an error.
func (s *VectorIndex) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.Path == "" {
		return nil
	}
	if s.closed {
		return errors.New(errors.KindInternal, "vector index is closed")
	}

	metaFile, err := os.Open(s.config.Path + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(errors.KindIO, "open index sidecar", err)
	}
	defer metaFile.Close()

	var meta vectorSidecar
	if err := gob.NewDecoder(metaFile).Decode(&meta); err != nil {
		return errors.Wrap(errors.KindIO, "decode index sidecar", err)
	}
	if meta.Config.Dimensions != s.config.Dimensions {
		return errors.Wrap(errors.KindIO, "load vector index",
			ErrDimensionMismatch{Expected: s.config.Dimensions, Got: meta.Config.Dimensions})
	}

	graphFile, err := os.Open(s.config.Path)
	if err != nil {
		return errors.Wrap(errors.KindIO, "open index file", err)
	}
	defer graphFile.Close()

	graph := s.newGraph()
	if err := graph.Import(bufio.NewReader(graphFile)); err != nil {
		return errors.Wrap(errors.KindIO, "import hnsw graph", err)
	}

	s.graph = graph
	s.idMap = meta.IDMap
	s.attrs = meta.Attrs
	s.nextKey = meta.NextKey
	s.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, key := range meta.IDMap {
		s.keyMap[key] = id
	}
	return nil
}

// Close marks the index closed. Save must happen before Close.
func (s *VectorIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}
