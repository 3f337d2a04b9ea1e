package logical

import (
	"encoding/binary"
	"io"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/qqshow/vdo/internal/geometry"
)

// CachedBackend fronts a read-only backend with a bounded, zero-GC page
// cache keyed by PBN (spec §9's read-mostly metadata access pattern:
// the audit tool and any scrubbing pass re-read the same block-map and
// reference-count pages repeatedly). Only whole-block, block-aligned
// reads are cached; anything else passes straight through, so callers
// mixing block reads with other access patterns on the same backend
// stay correct without needing to know about the cache.
type CachedBackend struct {
	backend io.ReaderAt
	cache   *fastcache.Cache
}

// NewCachedBackend wraps backend with an in-memory cache capped at
// roughly maxBytes.
func NewCachedBackend(backend io.ReaderAt, maxBytes int) *CachedBackend {
	return &CachedBackend{backend: backend, cache: fastcache.New(maxBytes)}
}

// ReadAt implements io.ReaderAt.
func (c *CachedBackend) ReadAt(p []byte, off int64) (int, error) {
	if len(p) != geometry.BlockSize || off%geometry.BlockSize != 0 {
		return c.backend.ReadAt(p, off)
	}

	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(off))

	if cached := c.cache.Get(nil, key[:]); len(cached) == geometry.BlockSize {
		copy(p, cached)
		return len(p), nil
	}

	n, err := c.backend.ReadAt(p, off)
	if err != nil {
		return n, err
	}
	c.cache.Set(key[:], p)
	return n, nil
}

// Invalidate drops any cached copy of the block at off, for callers that
// write through a separate io.WriterAt against the same underlying file
// (the cache has no way to observe writes on its own).
func (c *CachedBackend) Invalidate(off int64) {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(off))
	c.cache.Del(key[:])
}

// Reset clears every cached page.
func (c *CachedBackend) Reset() {
	c.cache.Reset()
}
