package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/motiondex/motiondex/internal/encoder"
	"github.com/motiondex/motiondex/internal/errors"
	"github.com/motiondex/motiondex/internal/metrics"
)

// memoryEntrySlots bounds the memory tier's entry count; the byte
// budget is the operative limit and evicts well before this does.
const memoryEntrySlots = 65536

// Entry is one cached query encoding.
type Entry struct {
	Fingerprint string
	// VideoID is the synthetic id assigned to the query video.
	VideoID   string
	Global    []float32
	Temporal  [][]float32
	CreatedAt time.Time
}

// SizeBytes approximates the entry's memory footprint.
func (e *Entry) SizeBytes() int64 {
	n := int64(len(e.Global)) * 4
	for _, row := range e.Temporal {
		n += int64(len(row)) * 4
	}
	return n + int64(len(e.Fingerprint)) + int64(len(e.VideoID)) + 64
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	MemoryHits  int64 `json:"memory_hits"`
	DiskHits    int64 `json:"disk_hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Entries     int   `json:"entries"`
	MemoryBytes int64 `json:"memory_bytes"`
}

// QueryCache is the two-tier query encoding cache. Lookups consult the
// memory tier, then the disk tier (promoting hits), then encode through
// the encoder under a per-fingerprint single flight.
type QueryCache struct {
	enc    encoder.Encoder
	disk   *diskTier
	logger *slog.Logger

	mu        sync.Mutex
	mem       *lru.Cache[string, *Entry]
	memBytes  int64
	memBudget int64

	memHits   int64
	diskHits  int64
	misses    int64
	evictions int64

	group singleflight.Group
}

// New builds a query cache over the given encoder. dir is the disk tier
// directory; budgets are in bytes, zero meaning unbounded.
func New(enc encoder.Encoder, dir string, memoryBudget, diskBudget int64, logger *slog.Logger) (*QueryCache, error) {
	disk, err := newDiskTier(dir, diskBudget)
	if err != nil {
		return nil, err
	}
	mem, err := lru.New[string, *Entry](memoryEntrySlots)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "create memory cache", err)
	}
	return &QueryCache{
		enc:       enc,
		disk:      disk,
		logger:    logger,
		mem:       mem,
		memBudget: memoryBudget,
	}, nil
}

// GetOrEncode returns the cached encoding for the video at path,
// encoding it on a miss. Concurrent calls for the same content share
// one encode; distinct contents encode in parallel.
func (c *QueryCache) GetOrEncode(ctx context.Context, path string) (*Entry, error) {
	fingerprint, err := Fingerprint(path)
	if err != nil {
		return nil, err
	}

	if entry, ok := c.lookup(fingerprint); ok {
		return entry, nil
	}

	v, err, _ := c.group.Do(fingerprint, func() (any, error) {
		// A concurrent caller may have filled the entry while this
		// call waited on the flight.
		if entry, ok := c.lookup(fingerprint); ok {
			return entry, nil
		}
		return c.encode(ctx, fingerprint, path)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// Get returns the cached entry for a fingerprint without encoding.
func (c *QueryCache) Get(fingerprint string) (*Entry, bool) {
	return c.lookup(fingerprint)
}

func (c *QueryCache) lookup(fingerprint string) (*Entry, bool) {
	c.mu.Lock()
	if entry, ok := c.mem.Get(fingerprint); ok {
		c.memHits++
		c.mu.Unlock()
		metrics.CacheRequestsTotal.WithLabelValues("memory_hit").Inc()
		return entry, true
	}
	c.mu.Unlock()

	if entry, ok := c.disk.get(fingerprint); ok {
		c.mu.Lock()
		c.diskHits++
		c.addLocked(entry)
		c.mu.Unlock()
		metrics.CacheRequestsTotal.WithLabelValues("disk_hit").Inc()
		return entry, true
	}
	return nil, false
}

func (c *QueryCache) encode(ctx context.Context, fingerprint, path string) (*Entry, error) {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	metrics.CacheRequestsTotal.WithLabelValues("miss").Inc()

	enc, err := c.enc.Encode(ctx, path)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		Fingerprint: fingerprint,
		VideoID:     "query-" + fingerprint[:16],
		Global:      enc.Global,
		Temporal:    enc.Temporal,
		CreatedAt:   time.Now().UTC(),
	}

	// Disk first so a crash after this point still leaves a warm tier.
	if err := c.disk.put(entry); err != nil {
		c.logger.Warn("query cache disk write failed",
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()))
	}

	c.mu.Lock()
	c.addLocked(entry)
	c.mu.Unlock()
	return entry, nil
}

// addLocked inserts into the memory tier and evicts the oldest entries
// until the byte budget holds. Caller holds c.mu.
func (c *QueryCache) addLocked(entry *Entry) {
	if prev, ok := c.mem.Peek(entry.Fingerprint); ok {
		c.memBytes -= prev.SizeBytes()
	}
	c.mem.Add(entry.Fingerprint, entry)
	c.memBytes += entry.SizeBytes()

	if c.memBudget <= 0 {
		return
	}
	for c.memBytes > c.memBudget && c.mem.Len() > 1 {
		_, old, ok := c.mem.RemoveOldest()
		if !ok {
			break
		}
		c.memBytes -= old.SizeBytes()
		c.evictions++
	}
}

// Evict drops a fingerprint from both tiers.
func (c *QueryCache) Evict(fingerprint string) {
	c.mu.Lock()
	if prev, ok := c.mem.Peek(fingerprint); ok {
		c.memBytes -= prev.SizeBytes()
		c.mem.Remove(fingerprint)
	}
	c.mu.Unlock()
	c.disk.remove(fingerprint)
}

// Clear empties both tiers.
func (c *QueryCache) Clear() error {
	c.mu.Lock()
	c.mem.Purge()
	c.memBytes = 0
	c.mu.Unlock()
	return c.disk.clear()
}

// Stats returns a snapshot of the counters.
func (c *QueryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		MemoryHits:  c.memHits,
		DiskHits:    c.diskHits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Entries:     c.mem.Len(),
		MemoryBytes: c.memBytes,
	}
}
