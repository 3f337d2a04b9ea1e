package physical

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qqshow/vdo/internal/vdoerr"
)

func newTestCounts(blockCount, countsPerBlock uint32) *ReferenceCounts {
	return NewReferenceCounts(0, blockCount, countsPerBlock, vdoerr.NewReadOnlyNotifier())
}

// S1: allocate, increment, decrement back to FREE.
func TestAdjustAllocateIncrementDecrement(t *testing.T) {
	rc := newTestCounts(2048, 1024)

	lock := NewPBNLock(42)
	sbn, err := rc.Allocate(lock)
	require.NoError(t, err)
	require.Equal(t, MaximumCount, rc.Get(sbn))
	require.True(t, rc.IsProvisional(sbn))
	require.True(t, lock.HasProvisionalReference())

	_, err = rc.Adjust(Adjustment{SBN: sbn, Op: DataIncrement, Lock: lock}, JournalPoint{SequenceNumber: 1}, false)
	require.NoError(t, err)
	require.Equal(t, byte(1), rc.Get(sbn))
	require.False(t, rc.IsProvisional(sbn))
	require.False(t, lock.HasProvisionalReference())

	changed, err := rc.Adjust(Adjustment{SBN: sbn, Op: DataDecrement}, JournalPoint{SequenceNumber: 2}, false)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, EmptyCount, rc.Get(sbn))
	require.Equal(t, StatusFree, rc.StatusOf(sbn))
}

// S2: two DATA_INCREMENTs on the same block model a deduplicated write
// sharing an existing block; count becomes 2, SHARED.
func TestAdjustSharedIncrement(t *testing.T) {
	rc := newTestCounts(16, 16)
	rc.counters[3] = 1
	rc.freeBlocks--

	_, err := rc.Adjust(Adjustment{SBN: 3, Op: DataIncrement}, JournalPoint{SequenceNumber: 1}, false)
	require.NoError(t, err)
	require.Equal(t, byte(2), rc.Get(3))
	require.Equal(t, StatusShared, rc.StatusOf(3))
}

// S3/S6: a counter pinned at confirmed MAXIMUM refuses further
// increments with ErrRefCountInvalid while remaining unchanged.
func TestAdjustMaximumSaturates(t *testing.T) {
	rc := newTestCounts(16, 16)
	sbn := uint32(0)

	// Set the counter to MaximumCount-1 directly, then one ordinary
	// DATA_INCREMENT takes it to MAXIMUM. No lock owns it, so it reads
	// as confirmed MAXIMUM rather than provisional.
	rc.counters[sbn] = MaximumCount - 1
	rc.freeBlocks--

	_, err := rc.Adjust(Adjustment{SBN: sbn, Op: DataIncrement}, JournalPoint{SequenceNumber: 1}, false)
	require.NoError(t, err)
	require.Equal(t, MaximumCount, rc.Get(sbn))
	require.False(t, rc.IsProvisional(sbn)) // confirmed max, not provisional

	_, err = rc.Adjust(Adjustment{SBN: sbn, Op: DataIncrement}, JournalPoint{SequenceNumber: 2}, false)
	require.ErrorIs(t, err, vdoerr.ErrRefCountInvalid)
	require.Equal(t, MaximumCount, rc.Get(sbn))
}

// S4: decrementing an already-FREE counter is rejected.
func TestAdjustDecrementFreeIsInvalid(t *testing.T) {
	rc := newTestCounts(16, 16)
	_, err := rc.Adjust(Adjustment{SBN: 0, Op: DataDecrement}, JournalPoint{SequenceNumber: 1}, false)
	require.ErrorIs(t, err, vdoerr.ErrRefCountInvalid)
}

// BLOCK_MAP_INCREMENT online (non-replay) must start from PROVISIONAL,
// not from FREE.
func TestBlockMapIncrementRejectsFromFree(t *testing.T) {
	rc := newTestCounts(16, 16)
	_, err := rc.Adjust(Adjustment{SBN: 0, Op: BlockMapIncrement}, JournalPoint{SequenceNumber: 1}, false)
	require.ErrorIs(t, err, vdoerr.ErrRefCountInvalid)
}

// BLOCK_MAP_INCREMENT during replay may confirm straight from FREE
// (the provisional intermediate state was never observed).
func TestBlockMapIncrementReplayFromFree(t *testing.T) {
	rc := newTestCounts(16, 16)
	changed, err := rc.Adjust(Adjustment{SBN: 0, Op: BlockMapIncrement}, JournalPoint{SequenceNumber: 1}, true)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, MaximumCount, rc.Get(0))
	require.False(t, rc.IsProvisional(0))
}

// P1: a confirmed PBN lock held across a DATA_DECREMENT on a
// PROVISIONAL counter keeps it PROVISIONAL rather than freeing it.
func TestProvisionalDecrementWithLockStaysProvisional(t *testing.T) {
	rc := newTestCounts(16, 16)
	lock := NewPBNLock(7)
	sbn, err := rc.Allocate(lock)
	require.NoError(t, err)

	_, err = rc.Adjust(Adjustment{SBN: sbn, Op: DataDecrement, Lock: lock}, JournalPoint{SequenceNumber: 1}, false)
	require.NoError(t, err)
	require.Equal(t, MaximumCount, rc.Get(sbn))
	require.True(t, rc.IsProvisional(sbn))
}

// Without a lock, decrementing a PROVISIONAL counter releases it to FREE.
func TestProvisionalDecrementWithoutLockFrees(t *testing.T) {
	rc := newTestCounts(16, 16)
	lock := NewPBNLock(7)
	sbn, err := rc.Allocate(lock)
	require.NoError(t, err)

	changed, err := rc.Adjust(Adjustment{SBN: sbn, Op: DataDecrement}, JournalPoint{SequenceNumber: 1}, false)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, EmptyCount, rc.Get(sbn))
	require.False(t, lock.HasProvisionalReference())
}

// P6: FreeBlocks stays consistent with the actual counter population
// across a sequence of allocations and releases.
func TestFreeBlocksStaysConsistent(t *testing.T) {
	rc := newTestCounts(64, 64)
	require.EqualValues(t, 64, rc.FreeBlocks())

	locks := make([]*PBNLock, 10)
	sbns := make([]uint32, 10)
	for i := range locks {
		locks[i] = NewPBNLock(uint64(i) + 1)
		sbn, err := rc.Allocate(locks[i])
		require.NoError(t, err)
		sbns[i] = sbn
	}
	require.EqualValues(t, 54, rc.FreeBlocks())

	for i := range locks {
		_, err := rc.Adjust(Adjustment{SBN: sbns[i], Op: DataDecrement}, JournalPoint{SequenceNumber: uint64(i + 1)}, false)
		require.NoError(t, err)
	}
	require.EqualValues(t, 64, rc.FreeBlocks())
}

// P2: allocation never returns an already-referenced counter, and
// exhausts exactly when free blocks run out.
func TestAllocateExhaustion(t *testing.T) {
	rc := newTestCounts(8, 8)
	seen := make(map[uint32]bool)
	for i := 0; i < 8; i++ {
		sbn, err := rc.Allocate(NewPBNLock(uint64(i)))
		require.NoError(t, err)
		require.False(t, seen[sbn])
		seen[sbn] = true
	}
	_, err := rc.Allocate(NewPBNLock(99))
	require.ErrorIs(t, err, vdoerr.ErrNoSpace)
}

// Allocation wraps the search cursor around the block array exactly
// once and finds a block freed earlier in the scan.
func TestAllocateWrapsCursor(t *testing.T) {
	rc := newTestCounts(4, 2) // 2 blocks of 2 counters each

	l0 := NewPBNLock(0)
	sbn0, err := rc.Allocate(l0)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := rc.Allocate(NewPBNLock(uint64(i) + 1))
		require.NoError(t, err)
	}
	require.Zero(t, rc.FreeBlocks())

	// Free the very first allocation; the cursor has since advanced past
	// the end of the block array, so the next Allocate must wrap once to
	// find it again.
	_, err = rc.Adjust(Adjustment{SBN: sbn0, Op: DataDecrement}, JournalPoint{SequenceNumber: 1}, false)
	require.NoError(t, err)

	sbn2, err := rc.Allocate(NewPBNLock(9))
	require.NoError(t, err)
	require.Equal(t, sbn0, sbn2)
}

// P5: markDirty coupling — a re-dirty while mid-writeback sets
// pendingRedirty instead of silently losing the second write, and
// CompleteWrite re-enqueues it under a fresh lock.
func TestMarkDirtyCoupling(t *testing.T) {
	rc := newTestCounts(16, 16)
	sbn := uint32(0)
	rc.counters[sbn] = 1
	rc.freeBlocks--
	blockIdx := rc.blockOf(sbn)

	_, err := rc.Adjust(Adjustment{SBN: sbn, Op: DataIncrement}, JournalPoint{SequenceNumber: 1}, false)
	require.NoError(t, err)
	require.True(t, rc.blocks[blockIdx].dirty)
	firstLock := rc.BlockJournalLock(blockIdx)
	require.NotZero(t, firstLock)

	// Simulate the write starting: the lock is released but dirty stays
	// true until CompleteWrite clears it.
	rc.blocks[blockIdx].slabJournalLock = 0

	_, err = rc.Adjust(Adjustment{SBN: sbn, Op: DataDecrement}, JournalPoint{SequenceNumber: 5}, false)
	require.NoError(t, err)
	require.True(t, rc.blocks[blockIdx].pendingRedirty)

	needsRewrite := rc.CompleteWrite(blockIdx, JournalPoint{SequenceNumber: firstLock})
	require.True(t, needsRewrite)
	require.True(t, rc.blocks[blockIdx].dirty)
	require.False(t, rc.blocks[blockIdx].pendingRedirty)
}

// P4: replaying an entry already covered by a block's commit point is a
// no-op (idempotent replay).
func TestReplayIsIdempotent(t *testing.T) {
	rc := newTestCounts(16, 16)
	rc.blocks[0].commitPoint = JournalPoint{SequenceNumber: 10}

	err := rc.Replay(Adjustment{SBN: 0, Op: DataIncrement}, JournalPoint{SequenceNumber: 5})
	require.NoError(t, err)
	require.Equal(t, EmptyCount, rc.Get(0)) // never applied: already covered
}

func TestReplayAppliesMissingEntry(t *testing.T) {
	rc := newTestCounts(16, 16)
	rc.blocks[0].commitPoint = JournalPoint{SequenceNumber: 5}

	err := rc.Replay(Adjustment{SBN: 0, Op: DataIncrement}, JournalPoint{SequenceNumber: 10})
	require.NoError(t, err)
	require.Equal(t, byte(1), rc.Get(0))
}

// ResetProvisional reverts an untracked PROVISIONAL byte (one that
// survived to disk without a live PBNLock) back to FREE, per the
// post-load contract.
func TestResetProvisionalClearsUntrackedMax(t *testing.T) {
	rc := newTestCounts(16, 16)
	rc.counters[2] = MaximumCount // no entry in rc.provisional: untracked
	rc.freeBlocks--

	rc.ResetProvisional()
	require.Equal(t, EmptyCount, rc.Get(2))
}

func TestAvailableReferences(t *testing.T) {
	rc := newTestCounts(16, 16)
	require.Equal(t, MaximumCount, rc.AvailableReferences(0))

	rc.counters[0] = 1
	require.Equal(t, MaximumCount-1, rc.AvailableReferences(0))

	lock := NewPBNLock(1)
	rc.ProvisionalReference(1, lock)
	require.Equal(t, byte(1), rc.AvailableReferences(1))
}

func TestCheckMutableRejectsAfterReadOnly(t *testing.T) {
	rc := newTestCounts(16, 16)
	rc.admin.EnterReadOnly()

	_, err := rc.Allocate(NewPBNLock(1))
	require.ErrorIs(t, err, vdoerr.ErrInvalidAdminState)
}
