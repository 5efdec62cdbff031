// Package cache provides the two-tier query cache: encodings for query
// videos are keyed by a content fingerprint and served from memory, then
// disk, before falling back to the encoder. A per-fingerprint single
// flight guarantees at most one concurrent encode per distinct query.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"

	"github.com/motiondex/motiondex/internal/errors"
)

// fingerprintSampleBytes is the content prefix hashed into the
// fingerprint. Two files that agree on this prefix share a cache entry.
const fingerprintSampleBytes = 1 << 20

// Fingerprint returns the hex MD5 digest of the first MiB of the file
// (the whole file when shorter). It is stable across renames and
// tail truncation beyond the sampled prefix.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.Newf(errors.KindNotFound, "query video %s not found", path)
		}
		return "", errors.Wrap(errors.KindIO, "open query video", err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, io.LimitReader(f, fingerprintSampleBytes)); err != nil {
		return "", errors.Wrap(errors.KindIO, "read query video", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
