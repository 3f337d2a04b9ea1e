package audit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qqshow/vdo/internal/geometry"
	"github.com/qqshow/vdo/internal/logical"
	"github.com/qqshow/vdo/internal/physical"
	"github.com/qqshow/vdo/internal/vdoerr"
)

func testGeometry(slabCount uint64, slabSizeShift uint8) *geometry.Geometry {
	return &geometry.Geometry{
		SlabOrigin:    0,
		SlabCount:     slabCount,
		SlabSizeShift: slabSizeShift,
		ZoneCount:     1,
	}
}

// fakeWalker lets a test script a zone's examiner calls directly,
// without round-tripping through an encoded block-map tree.
type fakeWalker struct {
	entries      []examinerCall
	doubleVisits int
}

type examinerCall struct {
	slot   uint32
	height int
	pbn    uint64
	state  logical.MappingState
}

func (w *fakeWalker) ExamineBlockMapEntries(examine logical.Examiner) (int, error) {
	for _, c := range w.entries {
		_ = examine(c.slot, c.height, c.pbn, c.state)
	}
	return w.doubleVisits, nil
}

// S4: pristine slab 0 (must_load=false), slab 1 has a single confirmed
// data reference at sbn 0; block map maps lbn=0 -> pbn=origin(slab 1).
func TestAuditScenarioS4TwoSlabCleanVolume(t *testing.T) {
	geom := testGeometry(2, 4) // 16 blocks/slab
	notifier := vdoerr.NewReadOnlyNotifier()

	slab0 := physical.NewReferenceCounts(0, 16, 16, notifier)
	slab1 := physical.NewReferenceCounts(1, 16, 16, notifier)
	lock := physical.NewPBNLock(16) // slab 1 origin pbn 16
	_, err := slab1.Adjust(physical.Adjustment{SBN: 0, Op: physical.DataIncrement, Lock: lock}, physical.JournalPoint{SequenceNumber: 1}, false)
	require.NoError(t, err)

	walker := &fakeWalker{entries: []examinerCall{
		{slot: 0, height: 0, pbn: 16, state: logical.Mapped},
	}}

	slabs := []SlabView{
		{Number: 0, Origin: 0, MustLoad: false, Counts: slab0, FreeHint: physical.FreeBlockHint(16)},
		{Number: 1, Origin: 16, MustLoad: true, Counts: slab1, FreeHint: physical.FreeBlockHint(15)},
	}

	report, err := Audit(geom, []Walker{walker}, slabs, 1)
	require.NoError(t, err)
	require.True(t, report.Passed)
	require.EqualValues(t, 1, report.LBNCount)
	require.False(t, report.LBNCountMismatch)
	require.Zero(t, report.BadMappings)
	require.Len(t, report.Slabs, 2)
	require.Zero(t, report.Slabs[0].Mismatches)
	require.Zero(t, report.Slabs[1].Mismatches)
}

// S5: an interior page at height 2 is marked COMPRESSED; badMappings
// increments exactly once and the audit fails overall.
func TestAuditScenarioS5CorruptedInteriorEntry(t *testing.T) {
	geom := testGeometry(1, 4)
	notifier := vdoerr.NewReadOnlyNotifier()
	slab0 := physical.NewReferenceCounts(0, 16, 16, notifier)

	walker := &fakeWalker{entries: []examinerCall{
		{slot: 3, height: 2, pbn: 5, state: logical.CompressedState(0)},
	}}

	slabs := []SlabView{{Number: 0, MustLoad: false, Counts: slab0, FreeHint: physical.FreeBlockHint(16)}}

	report, err := Audit(geom, []Walker{walker}, slabs, 0)
	require.NoError(t, err)
	require.False(t, report.Passed)
	require.Equal(t, 1, report.BadMappings)
}

// Unmapped leaf reported with a non-zero pbn is BAD_MAPPING.
func TestAuditUnmappedLeafWithNonZeroPBNIsBadMapping(t *testing.T) {
	geom := testGeometry(1, 4)
	notifier := vdoerr.NewReadOnlyNotifier()
	slab0 := physical.NewReferenceCounts(0, 16, 16, notifier)

	walker := &fakeWalker{entries: []examinerCall{
		{slot: 0, height: 0, pbn: 3, state: logical.Unmapped},
	}}
	slabs := []SlabView{{Number: 0, MustLoad: false, Counts: slab0, FreeHint: physical.FreeBlockHint(16)}}

	report, err := Audit(geom, []Walker{walker}, slabs, 0)
	require.NoError(t, err)
	require.False(t, report.Passed)
	require.Equal(t, 1, report.BadMappings)
}

// A double-visited interior page is reported as a bad mapping and fails
// the audit, without aborting the walk.
func TestAuditDoubleVisitFailsAudit(t *testing.T) {
	geom := testGeometry(1, 4)
	notifier := vdoerr.NewReadOnlyNotifier()
	slab0 := physical.NewReferenceCounts(0, 16, 16, notifier)

	walker := &fakeWalker{doubleVisits: 1}
	slabs := []SlabView{{Number: 0, MustLoad: false, Counts: slab0, FreeHint: physical.FreeBlockHint(16)}}

	report, err := Audit(geom, []Walker{walker}, slabs, 0)
	require.NoError(t, err)
	require.False(t, report.Passed)
	require.Equal(t, 1, report.BadMappings)
}

// A pristine slab whose free hint differs from its quantized capacity is
// reported as a mismatch even with zero audited references.
func TestAuditPristineSlabFreeHintMismatch(t *testing.T) {
	geom := testGeometry(1, 4)
	notifier := vdoerr.NewReadOnlyNotifier()
	slab0 := physical.NewReferenceCounts(0, 16, 16, notifier)

	walker := &fakeWalker{}
	slabs := []SlabView{{Number: 0, MustLoad: false, Counts: slab0, FreeHint: 10}}

	report, err := Audit(geom, []Walker{walker}, slabs, 0)
	require.NoError(t, err)
	require.False(t, report.Passed)
	require.False(t, report.Slabs[0].FreeHintOK)
}

// auditFakeBackend is a minimal io.ReaderAt/io.WriterAt over an
// in-memory buffer, used to build a real encoded block-map tree (as
// opposed to fakeWalker's scripted examiner calls) for the multi-zone
// test below.
type auditFakeBackend struct {
	data []byte
}

func newAuditFakeBackend(blocks int) *auditFakeBackend {
	return &auditFakeBackend{data: make([]byte, blocks*geometry.BlockSize)}
}

func (f *auditFakeBackend) ReadAt(p []byte, off int64) (int, error) {
	if int(off) >= len(f.data) {
		return len(p), nil
	}
	return copy(p, f.data[off:]), nil
}

func (f *auditFakeBackend) WriteAt(p []byte, off int64) (int, error) {
	if need := int(off) + len(p); need > len(f.data) {
		f.data = append(f.data, make([]byte, need-len(f.data))...)
	}
	return copy(f.data[off:], p), nil
}

// buildAuditChain writes TreeHeight pages chained root->...->leaf,
// addressing LBN 0's path within one zone's tree, with the leaf entry
// set to target. PBNs root..root+TreeHeight-1 must not overlap another
// zone's chain; the non-root pages are interior block-map pages, which
// the audit requires to lie inside the slab region.
func buildAuditChain(t *testing.T, backend *auditFakeBackend, root uint64, target logical.Entry) {
	t.Helper()
	pbn := root
	for h := logical.TreeHeight - 1; h >= 1; h-- {
		page := logical.NewPage(pbn, 1)
		childPBN := pbn + 1
		page.Entries[0] = logical.Entry{PBN: childPBN, State: logical.Mapped}
		_, err := backend.WriteAt(page.Encode(), int64(pbn)*geometry.BlockSize)
		require.NoError(t, err)
		pbn = childPBN
	}
	leaf := logical.NewPage(pbn, 1)
	leaf.Entries[0] = target
	_, err := backend.WriteAt(leaf.Encode(), int64(pbn)*geometry.BlockSize)
	require.NoError(t, err)
}

// Regression test for a concurrent map read/write: Audit fans one
// goroutine out per zone (errgroup), and cmd/vdoaudit shares a single
// *logical.Tree across every zone's ZoneWalker. Each zone here walks a
// real, independently-built chain of encoded pages over one shared
// backend and shared Tree, exercising exactly that fan-out instead of
// fakeWalker's single-goroutine scripted calls. Run with `go test
// -race` to catch a regression of the shared Tree.cache/visited bug.
func TestAuditMultiZoneSharedTreeConcurrentWalk(t *testing.T) {
	const zones = 2
	geom := &geometry.Geometry{SlabOrigin: 0, SlabCount: 1, SlabSizeShift: 4, ZoneCount: zones}

	backend := newAuditFakeBackend(10)
	targets := []uint64{10, 15} // sbn 10 and sbn 15 of the one slab
	roots := make([]uint64, zones)
	for z := 0; z < zones; z++ {
		root := uint64(z * logical.TreeHeight)
		roots[z] = root
		buildAuditChain(t, backend, root, logical.Entry{PBN: targets[z], State: logical.Mapped})
	}
	tree := logical.NewTree(roots, 1)

	walkers := make([]Walker, zones)
	for z := 0; z < zones; z++ {
		walkers[z] = ZoneWalker{Tree: tree, Backend: backend, Zone: z}
	}

	notifier := vdoerr.NewReadOnlyNotifier()
	slab0 := physical.NewReferenceCounts(0, 16, 16, notifier)
	for _, pbn := range targets {
		lock := physical.NewPBNLock(pbn)
		_, err := slab0.Adjust(physical.Adjustment{SBN: uint32(pbn - geom.SlabOrigin), Op: physical.DataIncrement, Lock: lock}, physical.JournalPoint{SequenceNumber: 1}, false)
		require.NoError(t, err)
	}
	// Each chain's non-root pages are interior tree pages stored in the
	// slab at MAXIMUM, as a replayed BLOCK_MAP_INCREMENT leaves them.
	for _, root := range roots {
		for h := uint64(1); h < logical.TreeHeight; h++ {
			_, err := slab0.Adjust(physical.Adjustment{SBN: uint32(root + h - geom.SlabOrigin), Op: physical.BlockMapIncrement}, physical.JournalPoint{SequenceNumber: 1}, true)
			require.NoError(t, err)
		}
	}

	// 16 blocks, minus 2 data blocks and 2*(TreeHeight-1) interior pages.
	slabs := []SlabView{{Number: 0, Origin: geom.SlabOrigin, MustLoad: true, Counts: slab0, FreeHint: physical.FreeBlockHint(6)}}

	report, err := Audit(geom, walkers, slabs, 2)
	require.NoError(t, err)
	require.True(t, report.Passed)
	require.EqualValues(t, 2, report.LBNCount)
	require.Zero(t, report.BadMappings)
	require.Len(t, report.Slabs, 1)
	require.Zero(t, report.Slabs[0].Mismatches)
}

// A leaf referencing an sbn already at MAXIMUM overflows and is reported
// non-fatally, continuing the walk.
func TestAuditLeafOverflowReported(t *testing.T) {
	geom := testGeometry(1, 4)

	walker := &fakeWalker{entries: make([]examinerCall, 0, physical.MaximumCount+2)}
	for i := 0; i < int(physical.MaximumCount)+1; i++ {
		walker.entries = append(walker.entries, examinerCall{slot: 0, height: 0, pbn: 1, state: logical.Mapped})
	}

	notifier := vdoerr.NewReadOnlyNotifier()
	slab0 := physical.NewReferenceCounts(0, 16, 16, notifier)
	slabs := []SlabView{{Number: 0, MustLoad: false, Counts: slab0, FreeHint: 16}}

	report, err := Audit(geom, []Walker{walker}, slabs, uint64(physical.MaximumCount)+1)
	require.NoError(t, err)
	require.Equal(t, 1, report.RefCountOverflows)
}
