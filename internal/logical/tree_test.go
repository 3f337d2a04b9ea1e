package logical

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qqshow/vdo/internal/geometry"
	"github.com/qqshow/vdo/internal/vdoerr"
)

type fakeBackend struct {
	data []byte
}

func newFakeBackend(blocks int) *fakeBackend {
	return &fakeBackend{data: make([]byte, blocks*geometry.BlockSize)}
}

func (f *fakeBackend) ReadAt(p []byte, off int64) (int, error) {
	if int(off) >= len(f.data) {
		return len(p), nil // unwritten region reads as zero-filled
	}
	n := copy(p, f.data[off:])
	return n, nil
}

func (f *fakeBackend) WriteAt(p []byte, off int64) (int, error) {
	if need := int(off) + len(p); need > len(f.data) {
		f.data = append(f.data, make([]byte, need-len(f.data))...)
	}
	n := copy(f.data[off:], p)
	return n, nil
}

// chainedBackend builds TreeHeight pages chained root→...→leaf, all
// addressing LBN 0's path, with the leaf entry set to target.
func buildChain(t *testing.T, backend *fakeBackend, root uint64, target Entry) {
	t.Helper()
	pbn := root
	for h := TreeHeight - 1; h >= 1; h-- {
		page := NewPage(pbn, 1)
		childPBN := pbn + 1
		page.Entries[0] = Entry{PBN: childPBN, State: Mapped}
		buf := page.Encode()
		_, err := backend.WriteAt(buf, int64(pbn)*geometry.BlockSize)
		require.NoError(t, err)
		pbn = childPBN
	}
	leaf := NewPage(pbn, 1)
	leaf.Entries[0] = target
	buf := leaf.Encode()
	_, err := backend.WriteAt(buf, int64(pbn)*geometry.BlockSize)
	require.NoError(t, err)
}

func TestFindLBNMappingWalksToLeaf(t *testing.T) {
	backend := newFakeBackend(TreeHeight + 1)
	buildChain(t, backend, 0, Entry{PBN: 999, State: Mapped})

	tree := NewTree([]uint64{0}, 1)
	entry, err := tree.FindLBNMapping(backend, 0, 0)
	require.NoError(t, err)
	require.Equal(t, Entry{PBN: 999, State: Mapped}, entry)
}

func TestFindLBNMappingUnmappedShortCircuits(t *testing.T) {
	backend := newFakeBackend(TreeHeight + 1)
	root := NewPage(0, 1) // all entries Unmapped
	buf := root.Encode()
	_, err := backend.WriteAt(buf, 0)
	require.NoError(t, err)

	tree := NewTree([]uint64{0}, 1)
	entry, err := tree.FindLBNMapping(backend, 0, 0)
	require.NoError(t, err)
	require.Equal(t, Unmapped, entry.State)
}

func TestFindLBNMappingRejectsBadInteriorEntry(t *testing.T) {
	backend := newFakeBackend(1)
	root := NewPage(0, 1)
	root.Entries[0] = Entry{PBN: 0, State: Mapped} // MAPPED with pbn=0: bad
	buf := root.Encode()
	_, err := backend.WriteAt(buf, 0)
	require.NoError(t, err)

	tree := NewTree([]uint64{0}, 1)
	_, err = tree.FindLBNMapping(backend, 0, 0)
	require.ErrorIs(t, err, vdoerr.ErrBadMapping)
}

type fakeAllocator struct {
	next uint64
}

func (a *fakeAllocator) AllocatePage() (uint64, error) {
	a.next++
	return a.next, nil
}

func TestSetLeafMappingAllocatesInteriorPages(t *testing.T) {
	backend := newFakeBackend(1)
	root := NewPage(0, 1)
	_, err := backend.WriteAt(root.Encode(), 0)
	require.NoError(t, err)

	tree := NewTree([]uint64{0}, 1)
	alloc := &fakeAllocator{next: 100}

	err = tree.SetLeafMapping(backend, alloc, 0, 0, Entry{PBN: 555, State: Mapped})
	require.NoError(t, err)

	entry, err := tree.FindLBNMapping(backend, 0, 0)
	require.NoError(t, err)
	require.Equal(t, Entry{PBN: 555, State: Mapped}, entry)
}

func TestExamineBlockMapEntriesVisitsEachPageOnce(t *testing.T) {
	backend := newFakeBackend(TreeHeight + 1)
	buildChain(t, backend, 0, Entry{PBN: 42, State: Mapped})

	tree := NewTree([]uint64{0}, 1)
	var leaves int
	var interiors int
	doubleVisits, err := tree.ExamineBlockMapEntries(backend, 0, func(slot uint32, height int, pbn uint64, state MappingState) error {
		if height == 0 {
			leaves++
		} else {
			interiors++
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, doubleVisits)
	require.Equal(t, 1, leaves)
	require.Equal(t, TreeHeight-1, interiors)
}

func TestExamineBlockMapEntriesDetectsDoubleVisit(t *testing.T) {
	backend := newFakeBackend(2)
	root := NewPage(0, 1)
	// Both slot 0 and slot 1 point at the same child page: a corrupted
	// tree reaching one interior page twice.
	root.Entries[0] = Entry{PBN: 1, State: Mapped}
	root.Entries[1] = Entry{PBN: 1, State: Mapped}
	_, err := backend.WriteAt(root.Encode(), 0)
	require.NoError(t, err)
	child := NewPage(1, 1)
	_, err = backend.WriteAt(child.Encode(), geometry.BlockSize)
	require.NoError(t, err)

	tree := NewTree([]uint64{0}, 1)
	doubleVisits, err := tree.ExamineBlockMapEntries(backend, 0, func(slot uint32, height int, pbn uint64, state MappingState) error {
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, doubleVisits)
}
