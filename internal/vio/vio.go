// Package vio implements the fixed-capacity I/O-carrier pool of spec
// §4.8: each zone thread owns one Pool of preallocated 4 KiB buffers,
// implementing spec §9's "intrusive rings → explicit pool-arena
// handles" note as a fixed-capacity slice plus free list, with a FIFO
// waiter queue standing in for the blocked-callback-chain case.
package vio

import (
	"context"

	"github.com/qqshow/vdo/internal/geometry"
)

// Entry is one preallocated I/O carrier: a 4 KiB buffer plus whatever
// completion slot the caller stashes in it.
type Entry struct {
	Buffer     [geometry.BlockSize]byte
	Completion interface{}
	inUse      bool
}

// Pool is a fixed-capacity, preallocated set of Entry carriers pinned to
// one zone thread (spec §4.8, §5 "VIO pool... per-thread; no lock is
// required").
type Pool struct {
	entries   []Entry
	available []int32

	waiters     []func(*Entry)
	outageCount uint64
}

// NewPool preallocates capacity entries.
func NewPool(capacity int) *Pool {
	p := &Pool{entries: make([]Entry, capacity)}
	p.available = make([]int32, capacity)
	for i := range p.available {
		p.available[i] = int32(capacity - 1 - i)
	}
	return p
}

// Acquire dequeues one entry and invokes callback synchronously with it
// (spec §4.8 "acquire(waiter)... invokes the waiter's callback
// synchronously with the entry"). If none is available, callback is
// queued and invoked later, in FIFO order, when a caller Returns an
// entry; ctx cancellation removes the queued waiter without ever
// invoking it.
func (p *Pool) Acquire(ctx context.Context, callback func(*Entry)) {
	if len(p.available) > 0 {
		idx := p.available[len(p.available)-1]
		p.available = p.available[:len(p.available)-1]
		e := &p.entries[idx]
		e.inUse = true
		callback(e)
		return
	}

	p.outageCount++
	cancelled := false
	wrapped := func(e *Entry) {
		if cancelled {
			p.Return(e) // pass the entry on to the next waiter or the pool
			return
		}
		callback(e)
	}
	p.waiters = append(p.waiters, wrapped)

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancelled = true
		}()
	}
}

// Return releases e back to the pool: if a waiter is queued it is
// served immediately with this same entry (spec §4.8 "return(entry)
// either serves the next waiter with that same entry or pushes the
// entry back to the available list").
func (p *Pool) Return(e *Entry) {
	e.Completion = nil
	if len(p.waiters) > 0 {
		next := p.waiters[0]
		p.waiters = p.waiters[1:]
		next(e)
		return
	}
	e.inUse = false
	idx := p.indexOf(e)
	p.available = append(p.available, idx)
}

func (p *Pool) indexOf(e *Entry) int32 {
	for i := range p.entries {
		if &p.entries[i] == e {
			return int32(i)
		}
	}
	return -1
}

// OutageCount returns how many times Acquire found the pool empty.
func (p *Pool) OutageCount() uint64 {
	return p.outageCount
}

// BusyCount returns the number of entries currently checked out,
// asserted to be zero by FreePool (spec §4.8 "free_vio_pool asserts
// zero busy entries").
func (p *Pool) BusyCount() int {
	busy := 0
	for i := range p.entries {
		if p.entries[i].inUse {
			busy++
		}
	}
	return busy
}

// FreePool releases the pool's resources. It panics if any entry is
// still checked out, matching the source's assertion (spec §4.8): a
// caller that leaked an acquired entry is a programmer bug, not a
// recoverable error.
func (p *Pool) FreePool() {
	if busy := p.BusyCount(); busy != 0 {
		panic("vio: free_pool called with busy entries outstanding")
	}
}
