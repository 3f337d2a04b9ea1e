package zone

import (
	"github.com/qqshow/vdo/internal/physical"
)

// PBNLockPool is a fixed-capacity arena of physical.PBNLock handles,
// replacing the source's intrusive-ring idiom with an explicit
// `[]T` slab plus a parallel free list (spec §9 option (a)).
type PBNLockPool struct {
	locks    []physical.PBNLock
	freeList []uint32
}

// NewPBNLockPool preallocates capacity locks.
func NewPBNLockPool(capacity int) *PBNLockPool {
	p := &PBNLockPool{locks: make([]physical.PBNLock, capacity)}
	p.freeList = make([]uint32, capacity)
	for i := range p.freeList {
		p.freeList[i] = uint32(capacity - 1 - i)
	}
	return p
}

// Acquire borrows a lock for pbn, or nil if the pool is exhausted (the
// caller should treat this as backpressure, same as a VIO pool miss).
func (p *PBNLockPool) Acquire(pbn uint64) *physical.PBNLock {
	if len(p.freeList) == 0 {
		return nil
	}
	idx := p.freeList[len(p.freeList)-1]
	p.freeList = p.freeList[:len(p.freeList)-1]
	p.locks[idx] = *physical.NewPBNLock(pbn)
	return &p.locks[idx]
}

// Release returns lock to the free pool by its position in the arena.
func (p *PBNLockPool) Release(lock *physical.PBNLock) {
	for i := range p.locks {
		if &p.locks[i] == lock {
			p.locks[i] = physical.PBNLock{}
			p.freeList = append(p.freeList, uint32(i))
			return
		}
	}
}
