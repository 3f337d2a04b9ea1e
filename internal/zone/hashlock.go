// Package zone implements the per-zone coordination primitives of spec
// §4.4/§4.5/§5: the hash-lock pool that serializes deduplication
// attempts against the same chunk name, and the single-goroutine "zone
// thread" model that gives every persistent object exactly one owner
// (spec §5 "no shared-memory locks... an explicit message"). The
// hash-lock and PBN-lock pools implement spec §9's "intrusive rings →
// explicit pool-arena handles" note as a fixed-capacity slice with an
// explicit free list, the standard Go substitute for an intrusive ring.
package zone

import (
	"github.com/pkg/errors"

	"github.com/qqshow/vdo/internal/dedup"
	"github.com/qqshow/vdo/internal/vdoerr"
)

// HashLockState is the hash-lock's own lifecycle, treated as opaque per
// spec §9's "open question": the only contract this package relies on is
// that a lock returned to the pool is in HashLockDestroying.
type HashLockState int

const (
	HashLockUnused HashLockState = iota
	HashLockActive
	HashLockDestroying
)

// HashLock serializes deduplication attempts against one chunk name
// while it is in flight (spec §4.4).
type HashLock struct {
	index     uint32 // position within the pool's backing slab; stable for life
	state     HashLockState
	chunkName dedup.ChunkName
	waiters   int
	pbnLock   bool // true if this hash lock also holds a duplicate PBN lock
}

// State returns the lock's current lifecycle state.
func (l *HashLock) State() HashLockState {
	return l.state
}

// MarkDestroying transitions the lock to HashLockDestroying, the only
// state Return will accept (spec §4.4, §9 "treat the state machine as
// opaque; the contract is only the DESTROYING-on-return invariant").
func (l *HashLock) MarkDestroying() {
	l.state = HashLockDestroying
}

// HashLockPool is the fixed-capacity, preallocated pool of hash locks
// for one logical zone (spec §4.4): "preallocated at startup", sized to
// LOCK_POOL_CAPACITY so acquire never blocks.
type HashLockPool struct {
	locks    []HashLock
	freeList []uint32
	chains   map[uint32][]*HashLock // keyed by dedup.HashKey(chunkName), chained on collision
}

// NewHashLockPool preallocates capacity hash locks (spec §4.4
// "LOCK_POOL_CAPACITY... preallocated at startup").
func NewHashLockPool(capacity int) *HashLockPool {
	p := &HashLockPool{
		locks:  make([]HashLock, capacity),
		chains: make(map[uint32][]*HashLock),
	}
	p.freeList = make([]uint32, capacity)
	for i := range p.locks {
		p.locks[i].index = uint32(i)
	}
	for i := range p.freeList {
		p.freeList[i] = uint32(capacity - 1 - i)
	}
	return p
}

// Acquire borrows a lock from the free pool for chunkName, or returns an
// existing lock already registered for it (spec §4.4 "acquire"). If
// replace is non-nil, it must equal the found lock; the found lock is
// then swapped out for a freshly borrowed one. If replace names the
// wrong lock, Acquire returns an error wrapping vdoerr.ErrNotImplemented;
// the pool itself has no admin state and makes no read-only transition.
func (p *HashLockPool) Acquire(chunkName dedup.ChunkName, replace *HashLock) (*HashLock, error) {
	key := dedup.HashKey(chunkName)

	for _, existing := range p.chains[key] {
		if existing.chunkName == chunkName {
			if replace == nil {
				return existing, nil
			}
			if replace != existing {
				return nil, errors.Wrap(vdoerr.ErrNotImplemented, "zone: replace_lock does not match registered lock")
			}
			p.removeFromChain(key, existing)
			return p.borrow(chunkName, key)
		}
	}
	return p.borrow(chunkName, key)
}

func (p *HashLockPool) borrow(chunkName dedup.ChunkName, key uint32) (*HashLock, error) {
	if len(p.freeList) == 0 {
		// The pool is sized so this never happens in practice (spec
		// §4.4: "the pool is sized such that acquire never needs to
		// block"); treat exhaustion as a programmer-bug assertion.
		return nil, errors.Wrap(vdoerr.ErrNotImplemented, "zone: hash lock pool exhausted")
	}
	idx := p.freeList[len(p.freeList)-1]
	p.freeList = p.freeList[:len(p.freeList)-1]

	lock := &p.locks[idx]
	lock.state = HashLockActive
	lock.chunkName = chunkName
	lock.waiters = 0
	lock.pbnLock = false

	p.chains[key] = append(p.chains[key], lock)
	return lock, nil
}

func (p *HashLockPool) removeFromChain(key uint32, lock *HashLock) {
	chain := p.chains[key]
	for i, l := range chain {
		if l == lock {
			p.chains[key] = append(chain[:i], chain[i+1:]...)
			return
		}
	}
}

// Return releases lock back to the free pool (spec §4.4 "return"):
// lock must be in HashLockDestroying, have no waiters, and hold no
// duplicate PBN lock.
func (p *HashLockPool) Return(lock *HashLock) error {
	if lock.state != HashLockDestroying {
		return errors.Wrap(vdoerr.ErrNotImplemented, "zone: returned hash lock not in DESTROYING state")
	}
	if lock.waiters != 0 {
		return errors.Wrap(vdoerr.ErrNotImplemented, "zone: returned hash lock has waiters")
	}
	if lock.pbnLock {
		return errors.Wrap(vdoerr.ErrNotImplemented, "zone: returned hash lock still holds a duplicate PBN lock")
	}

	key := dedup.HashKey(lock.chunkName)
	p.removeFromChain(key, lock)

	idx := lock.index
	*lock = HashLock{index: idx}
	p.freeList = append(p.freeList, idx)
	return nil
}
