package logical

import (
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/qqshow/vdo/internal/geometry"
	"github.com/qqshow/vdo/internal/vdoerr"
)

// TreeHeight is the fixed height H of every block-map tree (spec §3:
// "typically 5"). Leaves are at height 0.
const TreeHeight = 5

// PageAllocator is the narrow interface the tree needs to create a new
// interior page: allocate a PBN and confirm its reference count at
// MAXIMUM, per spec §4.6 "interior-page allocations take a
// BLOCK_MAP_INCREMENT". physical.Slab has no AllocatePage method; the
// caller supplies an implementation (for example, wrapping a slab's
// Allocate and a BlockMapIncrement Adjust call).
type PageAllocator interface {
	AllocatePage() (pbn uint64, err error)
}

// Tree is a forest of fixed-height block-map trees, one root per
// logical zone (spec §2, §4.6). roots and nonce are fixed at
// construction and never mutated, so a *Tree is safe to share read-only
// across goroutines (e.g. one per zone); the page cache is not shared
// the same way — see loadPage and ExamineBlockMapEntries.
type Tree struct {
	roots []uint64 // one per logical zone
	nonce uint64
	cache map[uint64]*Page // memoizes loadPage for the single-threaded write path only
}

// NewTree returns a tree with the given per-zone roots, already-written
// pages to be loaded on demand from the backend passed to each call.
func NewTree(roots []uint64, nonce uint64) *Tree {
	return &Tree{
		roots: roots,
		nonce: nonce,
		cache: make(map[uint64]*Page),
	}
}

// decomposeLBN splits lbn into TreeHeight digits of radix
// EntriesPerPage, most-significant first (spec §4.6 step 1).
func decomposeLBN(lbn uint64) [TreeHeight]uint32 {
	var digits [TreeHeight]uint32
	radix := uint64(EntriesPerPage)
	for h := 0; h < TreeHeight; h++ {
		digits[TreeHeight-1-h] = uint32(lbn % radix)
		lbn /= radix
	}
	return digits
}

func (t *Tree) loadPage(backend io.ReaderAt, pbn uint64) (*Page, error) {
	return loadPageInto(backend, pbn, t.cache)
}

// loadPageInto loads pbn via cache, reading through backend on a miss.
// Factored out of loadPage so a caller that cannot share t.cache (the
// audit walk, fanned out one goroutine per zone over the same *Tree)
// can supply its own cache instead (spec §4.6/§4.7, §5 "no shared-memory
// locks").
func loadPageInto(backend io.ReaderAt, pbn uint64, cache map[uint64]*Page) (*Page, error) {
	if p, ok := cache[pbn]; ok {
		return p, nil
	}
	buf := make([]byte, geometry.BlockSize)
	if _, err := backend.ReadAt(buf, int64(pbn)*geometry.BlockSize); err != nil {
		return nil, errors.Wrap(vdoerr.ErrIO, err.Error())
	}
	p, err := DecodePage(buf)
	if err != nil {
		return nil, err
	}
	cache[pbn] = p
	return p, nil
}

// FindLBNMapping resolves lbn to its (PBN, state) entry by descending
// the zone's tree (spec §4.6 "findLBNMapping").
func (t *Tree) FindLBNMapping(backend io.ReaderAt, zone int, lbn uint64) (Entry, error) {
	digits := decomposeLBN(lbn)
	pbn := t.roots[zone]

	for h := TreeHeight - 1; h >= 1; h-- {
		page, err := t.loadPage(backend, pbn)
		if err != nil {
			return Entry{}, err
		}
		entry := page.Entries[digits[TreeHeight-1-h]]
		switch {
		case entry.State == Unmapped:
			return Entry{PBN: geometry.UnmappedPBN, State: Unmapped}, nil
		case entry.State == Mapped && entry.PBN == 0:
			return Entry{}, errors.Wrap(vdoerr.ErrBadMapping, "logical: interior entry mapped to pbn 0")
		case entry.State != Mapped:
			return Entry{}, errors.Wrap(vdoerr.ErrBadMapping, "logical: interior entry not in MAPPED state")
		}
		pbn = entry.PBN
	}

	leaf, err := t.loadPage(backend, pbn)
	if err != nil {
		return Entry{}, err
	}
	return leaf.Entries[digits[TreeHeight-1]], nil
}

// SetLeafMapping writes entry at lbn's leaf slot, allocating any missing
// interior pages along the path via alloc (spec §4.6 "Leaf-entry
// mutations... interior-page allocations"). Every allocated interior
// page is written immediately so later descents see a consistent tree;
// callers on the real write path additionally journal through the
// recovery journal (out of scope here, see internal/recovery).
func (t *Tree) SetLeafMapping(backend io.ReadWriterAt, alloc PageAllocator, zone int, lbn uint64, entry Entry) error {
	digits := decomposeLBN(lbn)
	pbn := t.roots[zone]

	for h := TreeHeight - 1; h >= 1; h-- {
		page, err := t.loadPage(backend, pbn)
		if err != nil {
			return err
		}
		idx := digits[TreeHeight-1-h]
		child := page.Entries[idx]

		if child.State == Unmapped {
			childPBN, err := alloc.AllocatePage()
			if err != nil {
				return err
			}
			childPage := NewPage(childPBN, t.nonce)
			t.cache[childPBN] = childPage
			if err := t.writePage(backend, childPage); err != nil {
				return err
			}
			page.Entries[idx] = Entry{PBN: childPBN, State: Mapped}
			if err := t.writePage(backend, page); err != nil {
				return err
			}
			pbn = childPBN
			continue
		}
		if child.State != Mapped || child.PBN == 0 {
			return errors.Wrap(vdoerr.ErrBadMapping, "logical: cannot descend through non-interior entry")
		}
		pbn = child.PBN
	}

	leaf, err := t.loadPage(backend, pbn)
	if err != nil {
		return err
	}
	leaf.Entries[digits[TreeHeight-1]] = entry
	return t.writePage(backend, leaf)
}

func (t *Tree) writePage(backend io.WriterAt, p *Page) error {
	buf := p.Encode()
	if _, err := backend.WriteAt(buf, int64(p.PBN)*geometry.BlockSize); err != nil {
		return errors.Wrap(vdoerr.ErrIO, err.Error())
	}
	return nil
}

// Examiner is invoked by ExamineBlockMapEntries for every non-empty
// mapping reachable from a zone's root (spec §4.6 "Iteration for
// audit"). height is 0 for a leaf entry, >0 for an interior entry
// describing a child page.
type Examiner func(slot uint32, height int, pbn uint64, state MappingState) error

// ExamineBlockMapEntries walks every page reachable from zone's root,
// invoking examiner for each non-empty mapping, and detects a page
// reached more than once (spec §4.6, S5). It returns the number of
// double-visits detected: the walk itself never aborts on one, since the
// audit must still examine every other reachable page (spec §4.7 "a
// second visit... is reported", S5 "continues... final passed = false").
//
// Each call uses its own page cache and visited set, never t.cache: the
// audit tool fans this out one goroutine per zone over a single shared
// *Tree (internal/audit.Audit), and roots/nonce are the only state that
// is safe to share read-only across those goroutines.
func (t *Tree) ExamineBlockMapEntries(backend io.ReaderAt, zone int, examine Examiner) (int, error) {
	cache := make(map[uint64]*Page)
	visited := make(map[uint64]bool)
	doubleVisits := 0
	err := t.walk(backend, t.roots[zone], TreeHeight-1, examine, &doubleVisits, cache, visited)
	return doubleVisits, err
}

func (t *Tree) walk(backend io.ReaderAt, pbn uint64, height int, examine Examiner, doubleVisits *int, cache map[uint64]*Page, visited map[uint64]bool) error {
	if visited[pbn] {
		log.Warn().Uint64("pbn", pbn).Msg("block map page visited twice")
		*doubleVisits++
		return nil
	}
	visited[pbn] = true

	page, err := loadPageInto(backend, pbn, cache)
	if err != nil {
		return err
	}

	for slot, entry := range page.Entries {
		if entry.State == Unmapped && entry.PBN == 0 {
			continue // truly empty slot, never written
		}
		if err := examine(uint32(slot), height, entry.PBN, entry.State); err != nil {
			// Record-and-continue: the caller's examiner counts errors
			// but the walk must keep going so later mismatches are also
			// reported (spec §4.7 "a second visit... is reported").
			log.Warn().Uint64("pbn", pbn).Int("slot", slot).Err(err).Msg("block map audit anomaly")
			continue
		}
		if height > 0 {
			if entry.State != Mapped {
				continue // COMPRESSED/other at an interior slot: examiner already flagged it
			}
			if err := t.walk(backend, entry.PBN, height-1, examine, doubleVisits, cache, visited); err != nil {
				return err
			}
		}
	}
	return nil
}
