package physical

import (
	"io"

	"github.com/qqshow/vdo/internal/geometry"
	"github.com/qqshow/vdo/internal/vdoerr"
)

// Slab binds one physical region's reference counts, slab journal, and
// admin state into the single allocation unit spec §4.1 "Slab"
// describes: every block allocation and reference-count adjustment
// against this region goes through here so the two pieces of state
// never drift apart.
type Slab struct {
	number          uint64
	origin          uint64 // first PBN of this slab's data region
	refCountsOrigin uint64 // first PBN of this slab's reference-counts region
	geom            *geometry.Geometry

	Counts  *ReferenceCounts
	Journal *SlabJournal
}

// NewSlab constructs a slab spanning geom's configured slab size,
// starting its data region at dataOrigin and its on-disk reference
// counts at refCountsOrigin, with reference blocks sized to fit exactly
// within the journal/summary layout (spec §4.1 "Slab", §3
// COUNTS_PER_BLOCK).
func NewSlab(number, dataOrigin, refCountsOrigin uint64, geom *geometry.Geometry, notifier *vdoerr.ReadOnlyNotifier) *Slab {
	blockCount := uint32(geom.SlabBlocks())
	countsPerBlock := uint32(blockWireCapacity)
	return &Slab{
		number:          number,
		origin:          dataOrigin,
		refCountsOrigin: refCountsOrigin,
		geom:            geom,
		Counts:          NewReferenceCounts(number, blockCount, countsPerBlock, notifier),
		Journal:         NewSlabJournal(number, notifier),
	}
}

// Number returns the slab's index within the depot.
func (s *Slab) Number() uint64 {
	return s.number
}

// Origin returns the first PBN of the slab's data region.
func (s *Slab) Origin() uint64 {
	return s.origin
}

// PBNToSBN converts an absolute physical block number to this slab's
// slab block number, or false if pbn does not belong to this slab.
func (s *Slab) PBNToSBN(pbn uint64) (uint32, bool) {
	if pbn < s.origin || pbn >= s.origin+uint64(s.Counts.blockCount) {
		return 0, false
	}
	return uint32(pbn - s.origin), true
}

// SBNToPBN converts a slab block number back to an absolute PBN.
func (s *Slab) SBNToPBN(sbn uint32) uint64 {
	return s.origin + uint64(sbn)
}

// Allocate finds a free block in the slab, journals a DATA_INCREMENT
// for it with a fresh PBN lock, and returns the allocated PBN (spec
// §4.1 "Allocation algorithm" + §4.2 journaling).
func (s *Slab) Allocate() (pbn uint64, lock *PBNLock, err error) {
	lock = NewPBNLock(0)
	sbn, err := s.Counts.Allocate(lock)
	if err != nil {
		return 0, nil, err
	}
	pbn = s.SBNToPBN(sbn)
	lock = NewPBNLock(pbn)
	// Re-home the provisional reference onto the PBN-stamped lock: the
	// scratch lock used during the scan only needed an identity, not a
	// real PBN.
	s.Counts.provisional[sbn] = lock
	lock.AssignProvisionalReference()

	point, err := s.Journal.AddEntry(Entry{SBN: sbn, Op: DataIncrement, PBN: pbn})
	if err != nil {
		return 0, nil, err
	}
	if _, err := s.Counts.Adjust(Adjustment{SBN: sbn, Op: DataIncrement, Lock: lock}, point, false); err != nil {
		return 0, nil, err
	}
	return pbn, lock, nil
}

// Adjust journals and applies a reference-count adjustment against an
// absolute PBN already known to belong to this slab.
func (s *Slab) Adjust(pbn uint64, op Operation, lock *PBNLock) error {
	sbn, ok := s.PBNToSBN(pbn)
	if !ok {
		return vdoerr.ErrOutOfRange
	}
	point, err := s.Journal.AddEntry(Entry{SBN: sbn, Op: op, PBN: pbn})
	if err != nil {
		return err
	}
	_, err = s.Counts.Adjust(Adjustment{SBN: sbn, Op: op, Lock: lock}, point, false)
	return err
}

// RecoverFromJournal replays this slab's journal against its reference
// counts after a crash (spec §4.1 "On load", P4, P5). Counts should
// already have been loaded from disk via Counts.Load.
func (s *Slab) RecoverFromJournal(backend io.ReaderAt, journalOriginPBN, journalBlockCount uint64) error {
	return Replay(backend, journalOriginPBN, journalBlockCount, s.Counts)
}

// Drain flushes the slab's dirty reference counts and transitions its
// admin state (spec §5).
func (s *Slab) Drain(backend io.WriterAt, target vdoerr.AdminState) error {
	return s.Counts.Drain(backend, s.refCountsOrigin, target)
}

// LoadCounts loads this slab's reference counts from their on-disk
// region, if MustLoad reports they are not already pristine (spec §3
// "Lifecycle").
func (s *Slab) LoadCounts(backend io.ReaderAt) error {
	if !s.Counts.MustLoad() {
		return nil
	}
	return s.Counts.Load(backend, s.refCountsOrigin)
}
