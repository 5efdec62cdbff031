package cache

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/motiondex/motiondex/internal/errors"
)

// entryExt is the on-disk container extension.
const entryExt = ".qce"

// diskTier stores gob-encoded cache entries under one directory, bound
// by a byte budget. Eviction removes the files touched longest ago.
type diskTier struct {
	dir    string
	budget int64

	mu sync.Mutex
}

func newDiskTier(dir string, budget int64) (*diskTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.KindIO, "create query cache directory", err)
	}
	return &diskTier{dir: dir, budget: budget}, nil
}

func (d *diskTier) path(fingerprint string) string {
	return filepath.Join(d.dir, fingerprint+entryExt)
}

// get loads the entry for a fingerprint. A missing file is a plain
// miss; an unreadable or corrupt file is deleted and treated as a miss.
func (d *diskTier) get(fingerprint string) (*Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	path := d.path(fingerprint)
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	var entry Entry
	if err := gob.NewDecoder(f).Decode(&entry); err != nil || entry.Fingerprint != fingerprint {
		// Corrupt containers never heal; drop the file.
		_ = os.Remove(path)
		return nil, false
	}

	// Track access order for eviction.
	now := time.Now()
	_ = os.Chtimes(path, now, now)
	return &entry, true
}

// put writes the entry atomically and enforces the byte budget.
func (d *diskTier) put(entry *Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	pf, err := renameio.NewPendingFile(d.path(entry.Fingerprint), renameio.WithPermissions(0o644))
	if err != nil {
		return errors.Wrap(errors.KindIO, "create cache entry file", err)
	}
	defer pf.Cleanup() //nolint:errcheck // no-op after successful replace

	if err := gob.NewEncoder(pf).Encode(entry); err != nil {
		return errors.Wrap(errors.KindIO, "encode cache entry", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return errors.Wrap(errors.KindIO, "persist cache entry", err)
	}
	return d.enforceBudgetLocked()
}

func (d *diskTier) remove(fingerprint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = os.Remove(d.path(fingerprint))
}

func (d *diskTier) clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	files, err := d.listLocked()
	if err != nil {
		return err
	}
	for _, f := range files {
		_ = os.Remove(f.path)
	}
	return nil
}

type diskFile struct {
	path    string
	size    int64
	touched time.Time
}

func (d *diskTier) listLocked() ([]diskFile, error) {
	dirents, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "read query cache directory", err)
	}
	var out []diskFile
	for _, de := range dirents {
		if de.IsDir() || filepath.Ext(de.Name()) != entryExt {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, diskFile{
			path:    filepath.Join(d.dir, de.Name()),
			size:    info.Size(),
			touched: info.ModTime(),
		})
	}
	return out, nil
}

// enforceBudgetLocked deletes least-recently-touched entries until the
// tier fits its budget. A zero or negative budget disables the tier cap.
func (d *diskTier) enforceBudgetLocked() error {
	if d.budget <= 0 {
		return nil
	}
	files, err := d.listLocked()
	if err != nil {
		return err
	}
	var total int64
	for _, f := range files {
		total += f.size
	}
	if total <= d.budget {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].touched.Before(files[j].touched) })
	for _, f := range files {
		if total <= d.budget {
			break
		}
		if err := os.Remove(f.path); err == nil {
			total -= f.size
		}
	}
	return nil
}
