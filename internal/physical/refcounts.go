// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package physical implements the per-slab reference-counting allocator,
// slab journal, and slab summary of spec §4.1–§4.3: the "physical zone"
// half of the engine. It generalizes zchee/go-qcow2's field-by-field wire
// encoding idiom (zchee/go-qcow2's write.go) to reference-block sectors,
// and its QCowHeader-style constant layout (header.go) to the
// reference-counts array and slab-journal lock bookkeeping.
package physical

import (
	"math/bits"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/qqshow/vdo/internal/vdoerr"
)

// Status classifies a raw counter byte, per spec §4.1: "0→FREE, 1→SINGLE,
// 254→PROVISIONAL, else SHARED". Status alone cannot distinguish a
// confirmed MAXIMUM count from a PROVISIONAL one; that requires checking
// lock ownership (see ReferenceCounts.IsProvisional).
type Status int

const (
	StatusFree Status = iota
	StatusSingle
	StatusShared
	StatusProvisional
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusFree:
		return "free"
	case StatusSingle:
		return "single"
	case StatusShared:
		return "shared"
	case StatusProvisional:
		return "provisional"
	default:
		return "unknown"
	}
}

// Counter byte values (spec §3, §4.1, §9). MaximumCount is numerically
// 254: the source's PROVISIONAL and confirmed-MAXIMUM states share this
// one byte value, disambiguated only by PBN-lock ownership (see
// SPEC_FULL.md "DESIGN NOTES — decisions taken", the PROVISIONAL entry).
const (
	EmptyCount      byte = 0
	MaximumCount    byte = 254
	ProvisionalByte byte = MaximumCount
)

// StatusOf classifies a raw counter byte.
func StatusOf(count byte) Status {
	switch count {
	case EmptyCount:
		return StatusFree
	case 1:
		return StatusSingle
	case MaximumCount:
		return StatusProvisional
	default:
		return StatusShared
	}
}

// Operation identifies the kind of reference-count adjustment, per
// spec §4.1.
type Operation int

const (
	DataIncrement Operation = iota
	DataDecrement
	BlockMapIncrement
)

// String implements fmt.Stringer.
func (o Operation) String() string {
	switch o {
	case DataIncrement:
		return "data-increment"
	case DataDecrement:
		return "data-decrement"
	case BlockMapIncrement:
		return "block-map-increment"
	default:
		return "unknown"
	}
}

// Adjustment describes one reference-count operation, analogous to a
// slab-journal entry's payload (spec §4.2): which counter, which
// operation, and (for decrements) the PBN lock the caller holds, if any.
type Adjustment struct {
	SBN  uint32 // slab block number: offset within the slab's data region
	Op   Operation
	Lock *PBNLock // nil for unlocked DATA_DECREMENT, or BLOCK_MAP_INCREMENT
}

// referenceBlock tracks the per-block bookkeeping that keeps free-count
// computation O(1) (spec §4.1 "Per-slab bookkeeping to keep free-counts
// exact"): how many of this block's counters are non-FREE, whether the
// block has unflushed changes, and the slab-journal lock/re-dirty state
// that makes flushing crash-safe (spec §4.1 persistence, §4.2 coupling).
type referenceBlock struct {
	allocatedCount  uint32
	dirty           bool
	slabJournalLock uint64 // 0 means "no lock held"
	pendingRedirty  bool
	commitPoint     JournalPoint
}

// searchCursor is the retained per-slab allocation cursor of spec §4.1
// "Allocation algorithm": (block index, index within block).
type searchCursor struct {
	block int
	index uint32
}

// ReferenceCounts is the per-slab reference-counting allocator of spec
// §4.1. One ReferenceCounts exists per slab, created with the slab and
// destroyed with it; its counters are loaded from disk on demand (spec
// §3 "Lifecycle").
type ReferenceCounts struct {
	slabNumber     uint64
	blockCount     uint32 // D: data blocks in this slab
	countsPerBlock uint32 // block-count granularity for cursor wraparound

	counters []byte
	blocks   []referenceBlock
	cursor   searchCursor

	freeBlocks uint64

	// provisional maps an sbn holding a PROVISIONAL count to the lock
	// that owns it (spec §9's "dedicated provisional-owners side
	// table").
	provisional map[uint32]*PBNLock

	mustLoad bool
	loaded   bool

	notifier *vdoerr.ReadOnlyNotifier
	admin    *vdoerr.Machine
}

// NewReferenceCounts creates the reference-counts object for one newly
// created slab: blockCount data blocks, each reference block covering up
// to countsPerBlock consecutive counters. All counters start FREE, per
// spec §3 "Lifecycle".
func NewReferenceCounts(slabNumber uint64, blockCount, countsPerBlock uint32, notifier *vdoerr.ReadOnlyNotifier) *ReferenceCounts {
	if countsPerBlock == 0 {
		countsPerBlock = blockCount
	}
	numBlocks := int(divRoundUp(blockCount, countsPerBlock))

	rc := &ReferenceCounts{
		slabNumber:     slabNumber,
		blockCount:     blockCount,
		countsPerBlock: countsPerBlock,
		counters:       make([]byte, blockCount),
		blocks:         make([]referenceBlock, numBlocks),
		freeBlocks:     uint64(blockCount),
		provisional:    make(map[uint32]*PBNLock),
		notifier:       notifier,
		admin:          vdoerr.NewMachine(),
	}
	return rc
}

func divRoundUp(n, d uint32) uint32 {
	return (n + d - 1) / d
}

// MarkMustLoad records that this slab's counters are not pristine and
// must be loaded from disk before use (spec §4.3's must_load bit).
func (rc *ReferenceCounts) MarkMustLoad() {
	rc.mustLoad = true
}

// MustLoad reports whether this slab's counters still need loading.
func (rc *ReferenceCounts) MustLoad() bool {
	return rc.mustLoad && !rc.loaded
}

// FreeBlocks returns the current free-block count (spec I6).
func (rc *ReferenceCounts) FreeBlocks() uint64 {
	return rc.freeBlocks
}

// Get returns the raw counter byte for the given slab block number.
func (rc *ReferenceCounts) Get(sbn uint32) byte {
	return rc.counters[sbn]
}

// StatusOf returns the classified status of the given counter.
func (rc *ReferenceCounts) StatusOf(sbn uint32) Status {
	return StatusOf(rc.counters[sbn])
}

// IsProvisional reports whether the given counter is PROVISIONAL
// (byte 254, owned by a tracked lock) as opposed to a confirmed MAXIMUM
// count sharing the same byte value.
func (rc *ReferenceCounts) IsProvisional(sbn uint32) bool {
	_, ok := rc.provisional[sbn]
	return ok
}

// AvailableReferences reports how many more increments the counter at
// sbn can absorb: MAXIMUM − count, with PROVISIONAL treated as 1 (spec
// §4.1 contract).
func (rc *ReferenceCounts) AvailableReferences(sbn uint32) byte {
	count := rc.counters[sbn]
	if count == MaximumCount {
		if rc.IsProvisional(sbn) {
			return 1
		}
		return 0
	}
	return MaximumCount - count
}

// CountUnreferenced returns the number of FREE counters in [start, end).
func (rc *ReferenceCounts) CountUnreferenced(start, end uint32) uint64 {
	var n uint64
	for i := start; i < end && i < rc.blockCount; i++ {
		if rc.counters[i] == EmptyCount {
			n++
		}
	}
	return n
}

func (rc *ReferenceCounts) blockOf(sbn uint32) int {
	return int(sbn / rc.countsPerBlock)
}

func (rc *ReferenceCounts) markDirty(sbn uint32, point JournalPoint) {
	b := &rc.blocks[rc.blockOf(sbn)]
	switch {
	case b.dirty && b.slabJournalLock != 0:
		// Already dirty under an older lock: the block's lock moves to
		// the new entry's sequence (spec §4.2 "Adjustment coupling") —
		// the older entry is already guaranteed to flush together with
		// the new one. ReferenceCounts holds no SlabJournal, so no
		// journal lock count on the older sequence is released here.
		b.slabJournalLock = point.SequenceNumber
	case b.dirty:
		// Re-dirtied while mid-writeback (its lock was already
		// released for the in-flight write). Flag it explicitly so
		// the write-completion handler re-enqueues it, rather than
		// relying on queue position (spec §9's suggested fix).
		b.pendingRedirty = true
	default:
		b.dirty = true
		b.slabJournalLock = point.SequenceNumber
	}
}

// CompleteWrite is called when a reference block's write to disk
// finishes. It clears the block's slab-journal lock (the SlabJournal's
// own lock counts are not touched here) and, if the
// block was re-dirtied during writeback, re-enqueues it under a fresh
// lock instead of leaving it double-enqueued (spec §9).
func (rc *ReferenceCounts) CompleteWrite(blockIdx int, point JournalPoint) (needsRewrite bool) {
	b := &rc.blocks[blockIdx]
	b.slabJournalLock = 0
	if b.pendingRedirty {
		b.pendingRedirty = false
		b.dirty = true
		b.slabJournalLock = point.SequenceNumber
		return true
	}
	b.dirty = false
	return false
}

// DirtyBlocks returns the indices of reference blocks with unflushed
// changes, in block order, for use by save_several/save_all (spec §4.1
// "Persistence").
func (rc *ReferenceCounts) DirtyBlocks() []int {
	var dirty []int
	for i := range rc.blocks {
		if rc.blocks[i].dirty {
			dirty = append(dirty, i)
		}
	}
	return dirty
}

// BlockJournalLock returns the slab-journal sequence number locking the
// given reference block, or 0 if it holds none.
func (rc *ReferenceCounts) BlockJournalLock(blockIdx int) uint64 {
	return rc.blocks[blockIdx].slabJournalLock
}

// NumBlocks returns the number of reference blocks backing this slab.
func (rc *ReferenceCounts) NumBlocks() int {
	return len(rc.blocks)
}

// SlabBlockCount returns D, the number of data blocks (slab block
// numbers) this slab's counters array covers, for callers sizing a
// parallel per-SBN array (e.g. the audit tool, spec §4.7).
func (rc *ReferenceCounts) SlabBlockCount() uint32 {
	return rc.blockCount
}

func (rc *ReferenceCounts) setFree(sbn uint32, free bool) {
	b := &rc.blocks[rc.blockOf(sbn)]
	if free {
		b.allocatedCount--
		rc.freeBlocks++
	} else {
		b.allocatedCount++
		rc.freeBlocks--
	}
}

// Adjust applies one reference-count operation to the counter identified
// by adj.SBN, per the state-transition table in spec §4.1. replay
// selects BLOCK_MAP_INCREMENT's crash-recovery semantics (confirm
// straight from FREE, reject from PROVISIONAL): outside of Replay, this
// is the ordinary online path.
func (rc *ReferenceCounts) Adjust(adj Adjustment, point JournalPoint, replay bool) (freeStatusChanged bool, err error) {
	if err := rc.admin.CheckMutable(); err != nil {
		return false, err
	}

	sbn := adj.SBN
	before := rc.counters[sbn]
	wasFree := before == EmptyCount

	after, becomesFree, becomesNonFree, opErr := transition(before, adj.Op, adj.Lock != nil, replay, rc.IsProvisional(sbn))
	if opErr != nil {
		if vdoerr.IsFatal(opErr) {
			rc.enterReadOnly(opErr)
		}
		return false, opErr
	}

	rc.counters[sbn] = after

	switch {
	case before == MaximumCount && rc.IsProvisional(sbn) && after != MaximumCount:
		// Leaving PROVISIONAL by any route other than confirmation:
		// the lock's pin is released.
		if lock, ok := rc.provisional[sbn]; ok {
			lock.UnassignProvisionalReference()
			delete(rc.provisional, sbn)
		}
	case adj.Op == BlockMapIncrement && after == MaximumCount && wasFree:
		// Confirmed straight from FREE (the replay path never saw a
		// PROVISIONAL intermediate state).
	case adj.Op == BlockMapIncrement && after == MaximumCount && before == MaximumCount:
		// Confirmed from PROVISIONAL: unassign the lock, the counter
		// byte itself does not change.
		if lock, ok := rc.provisional[sbn]; ok {
			lock.UnassignProvisionalReference()
			delete(rc.provisional, sbn)
		}
	}

	if becomesFree {
		rc.setFree(sbn, true)
	} else if becomesNonFree {
		rc.setFree(sbn, false)
	}
	rc.markDirty(sbn, point)

	freeStatusChanged = wasFree != (after == EmptyCount)
	return freeStatusChanged, nil
}

// transition implements the state table of spec §4.1. hadLock reports
// whether the caller passed a PBN lock (distinguishing the two
// DATA_DECREMENT columns); wasProvisional reports whether the counter's
// current MaximumCount byte is presently tracked as PROVISIONAL rather
// than confirmed MAXIMUM.
func transition(before byte, op Operation, hadLock, replay, wasProvisional bool) (after byte, becomesFree, becomesNonFree bool, err error) {
	status := before
	isProvisional := status == MaximumCount && wasProvisional
	isConfirmedMax := status == MaximumCount && !wasProvisional

	switch op {
	case DataIncrement:
		switch {
		case status == EmptyCount:
			return 1, false, true, nil
		case isProvisional:
			return 1, false, false, nil
		case isConfirmedMax:
			return before, false, false, vdoerr.ErrRefCountInvalid
		default: // n in [1,253]
			return before + 1, false, false, nil
		}

	case DataDecrement:
		switch {
		case status == EmptyCount:
			return before, false, false, vdoerr.ErrRefCountInvalid
		case isProvisional:
			if hadLock {
				return before, false, false, nil // stays PROVISIONAL
			}
			return EmptyCount, true, false, nil
		case isConfirmedMax:
			return before - 1, false, false, nil
		case before == 1:
			return EmptyCount, true, false, nil
		default:
			return before - 1, false, false, nil
		}

	case BlockMapIncrement:
		switch {
		case status == EmptyCount:
			if replay {
				return MaximumCount, false, true, nil
			}
			return before, false, false, vdoerr.ErrRefCountInvalid
		case isProvisional:
			if replay {
				return before, false, false, vdoerr.ErrRefCountInvalid
			}
			return MaximumCount, false, false, nil // confirmed; byte unchanged
		default:
			return before, false, false, vdoerr.ErrRefCountInvalid
		}
	}
	return before, false, false, errors.Wrapf(vdoerr.ErrNotImplemented, "physical: unknown operation %v", op)
}

// Replay idempotently applies one slab-journal entry: it is ignored if
// the target reference block's commit point already covers entryPoint
// (spec §4.1 "replay", P4).
func (rc *ReferenceCounts) Replay(adj Adjustment, entryPoint JournalPoint) error {
	block := &rc.blocks[rc.blockOf(adj.SBN)]
	if block.commitPoint.AtOrBefore(entryPoint) && block.commitPoint != entryPoint {
		// block.commitPoint < entryPoint: genuinely missing, apply it.
	} else if block.commitPoint == entryPoint {
		return nil // already applied exactly this point
	} else {
		return nil // block.commitPoint > entryPoint: already ahead, skip
	}
	_, err := rc.Adjust(adj, entryPoint, true)
	return err
}

// ResetProvisional resets every PROVISIONAL counter to FREE. Called once
// after loading a reference block from disk: a PROVISIONAL reference
// that survived to disk was never confirmed, so its pin is meaningless
// after a crash (spec §4.1 "On load").
func (rc *ReferenceCounts) ResetProvisional() {
	for sbn, count := range rc.counters {
		if count == MaximumCount {
			if _, tracked := rc.provisional[uint32(sbn)]; !tracked {
				rc.counters[sbn] = EmptyCount
				rc.setFree(uint32(sbn), true)
			}
		}
	}
}

// Allocate finds a FREE counter, atomically transitions it to
// PROVISIONAL under lock, and returns its slab block number (spec §4.1
// "Allocation algorithm").
func (rc *ReferenceCounts) Allocate(lock *PBNLock) (sbn uint32, err error) {
	if err := rc.admin.CheckMutable(); err != nil {
		return 0, err
	}
	if rc.freeBlocks == 0 {
		return 0, vdoerr.ErrNoSpace
	}

	numBlocks := len(rc.blocks)
	wrappedOnce := false

	// A full sweep is at most numBlocks+1 block visits: starting
	// mid-block, advancing through every block once, then wrapping to
	// the first block exactly once more (spec §4.1 step 4).
	for visited := 0; visited <= numBlocks; visited++ {
		if rc.cursor.block >= numBlocks {
			if wrappedOnce {
				break
			}
			wrappedOnce = true
			rc.cursor.block = 0
			rc.cursor.index = 0
		}
		blockIdx := rc.cursor.block

		capacity := rc.countsPerBlock
		if blockIdx == numBlocks-1 {
			if tail := rc.blockCount - uint32(blockIdx)*rc.countsPerBlock; tail < capacity {
				capacity = tail
			}
		}

		if rc.blocks[blockIdx].allocatedCount >= capacity {
			rc.cursor.block++
			rc.cursor.index = 0
			continue
		}

		base := uint32(blockIdx) * rc.countsPerBlock
		_, idx, ok := firstFreeByte(rc.counters[base:base+capacity], rc.cursor.index)
		if !ok {
			rc.cursor.block++
			rc.cursor.index = 0
			continue
		}

		allocated := base + idx
		rc.counters[allocated] = MaximumCount
		rc.provisional[allocated] = lock
		if lock != nil {
			lock.AssignProvisionalReference()
		}
		rc.setFree(allocated, false)

		rc.cursor.index = idx + 1
		if rc.cursor.index >= capacity {
			rc.cursor.block++
			rc.cursor.index = 0
		}
		return allocated, nil
	}

	return 0, vdoerr.ErrNoSpace
}

// firstFreeByte scans data[from:] byte-by-byte up to word alignment then
// word-by-word for the first zero byte, using the classic SWAR
// haszero trick (spec §4.1 step 2: "subtracting 0x01 and masking with
// 0x80 per byte"). It reports the index within data and whether a free
// byte was found.
func firstFreeByte(data []byte, from uint32) (value byte, index uint32, ok bool) {
	i := from
	n := uint32(len(data))

	for i < n && (i%8 != 0) {
		if data[i] == EmptyCount {
			return 0, i, true
		}
		i++
	}

	for i+8 <= n {
		word := uint64(data[i]) | uint64(data[i+1])<<8 | uint64(data[i+2])<<16 | uint64(data[i+3])<<24 |
			uint64(data[i+4])<<32 | uint64(data[i+5])<<40 | uint64(data[i+6])<<48 | uint64(data[i+7])<<56
		if hasZeroByte(word) {
			offset := firstZeroByteOffset(word)
			return 0, i + uint32(offset), true
		}
		i += 8
	}

	for ; i < n; i++ {
		if data[i] == EmptyCount {
			return 0, i, true
		}
	}
	return 0, 0, false
}

// hasZeroByte reports whether any byte of v is zero.
func hasZeroByte(v uint64) bool {
	return (v-0x0101010101010101)&^v&0x8080808080808080 != 0
}

// firstZeroByteOffset returns the byte offset (0..7, little-endian) of
// the first zero byte in v. v must satisfy hasZeroByte(v).
func firstZeroByteOffset(v uint64) int {
	mask := (v - 0x0101010101010101) & ^v & 0x8080808080808080
	return bits.TrailingZeros64(mask) / 8
}

// ProvisionalReference transitions the counter at sbn from FREE to
// PROVISIONAL under lock, or is a no-op if it is not FREE (spec §4.1
// contract).
func (rc *ReferenceCounts) ProvisionalReference(sbn uint32, lock *PBNLock) {
	if rc.counters[sbn] != EmptyCount {
		return
	}
	rc.counters[sbn] = MaximumCount
	rc.provisional[sbn] = lock
	if lock != nil {
		lock.AssignProvisionalReference()
	}
	rc.setFree(sbn, false)
}

func (rc *ReferenceCounts) enterReadOnly(cause error) {
	if rc.admin.EnterReadOnly() {
		log.Error().Uint64("slab", rc.slabNumber).Err(cause).Msg("reference counts entering read-only mode")
		if rc.notifier != nil {
			rc.notifier.Trip()
		}
	}
}
