package physical

import (
	"io"

	"github.com/pkg/errors"

	"github.com/qqshow/vdo/internal/geometry"
	"github.com/qqshow/vdo/internal/vdoerr"
	"github.com/qqshow/vdo/internal/wire"
)

// hintShift quantizes the free-block hint stored per slab (spec §4.3):
// the hint is the free-block count right-shifted by this many bits, so
// it fits in one byte for slabs up to 2^(8+hintShift) blocks.
const hintShift = 9

// summaryEntrySize is the packed size of one slab-summary entry: a
// tail-block offset plus one flags byte (spec §4.3, §6). The free-block
// hint bytes are stored separately, in a trailing region of each block.
const summaryEntrySize = 9

// summaryEntry is the per-slab record the summary persists so a slab
// does not need a full reference-counts load merely to be consulted for
// its approximate free-block count or scrub status (spec §4.3).
type summaryEntry struct {
	tailBlockOffset uint64
	mustLoad        bool
	isClean         bool
	freeBlockHint   uint8
}

func (e summaryEntry) encode() [summaryEntrySize]byte {
	var buf [summaryEntrySize]byte
	wire.PutUint64(buf[0:], e.tailBlockOffset)
	var flags byte
	if e.mustLoad {
		flags |= 0x1
	}
	if e.isClean {
		flags |= 0x2
	}
	buf[8] = flags
	return buf
}

func decodeSummaryEntry(buf []byte, hint uint8) summaryEntry {
	return summaryEntry{
		tailBlockOffset: wire.Uint64(buf[0:]),
		mustLoad:        buf[8]&0x1 != 0,
		isClean:         buf[8]&0x2 != 0,
		freeBlockHint:   hint,
	}
}

// SlabSummary is the compact, always-resident index over every slab's
// {tail_block_offset, must_load, is_clean, free_block_hint} (spec §4.3).
// It is sharded per zone so each physical zone can update its own slabs'
// entries without cross-zone coordination (spec §5 "no shared-memory
// locks").
type SlabSummary struct {
	zoneCount int
	entries   []summaryEntry
}

// NewSlabSummary allocates a summary for slabCount slabs, split across
// zoneCount physical zones. Slab i belongs to zone i % zoneCount, matching
// the round-robin zone assignment spec §5 describes for physical zones.
func NewSlabSummary(slabCount, zoneCount int) *SlabSummary {
	if zoneCount <= 0 {
		zoneCount = 1
	}
	return &SlabSummary{
		zoneCount: zoneCount,
		entries:   make([]summaryEntry, slabCount),
	}
}

// ZoneOf returns which physical zone owns slab's summary entry.
func (s *SlabSummary) ZoneOf(slab uint64) int {
	return int(slab) % s.zoneCount
}

// Update records a slab's current tail block offset, must_load bit,
// cleanliness, and free-block hint (spec §4.3). The hint is computed by
// the caller from ReferenceCounts.FreeBlocks via FreeBlockHint.
func (s *SlabSummary) Update(slab uint64, tailBlockOffset uint64, mustLoad, isClean bool, freeBlocks uint64) {
	s.entries[slab] = summaryEntry{
		tailBlockOffset: tailBlockOffset,
		mustLoad:        mustLoad,
		isClean:         isClean,
		freeBlockHint:   FreeBlockHint(freeBlocks),
	}
}

// Entry returns the current state recorded for slab.
func (s *SlabSummary) Entry(slab uint64) (tailBlockOffset uint64, mustLoad, isClean bool, freeBlockHint uint8) {
	e := s.entries[slab]
	return e.tailBlockOffset, e.mustLoad, e.isClean, e.freeBlockHint
}

// FreeBlockHint quantizes an exact free-block count into the one-byte
// hint the summary persists (spec §4.3): callers needing an exact count
// must still load the slab's reference counts.
func FreeBlockHint(freeBlocks uint64) uint8 {
	hint := freeBlocks >> hintShift
	if hint > 255 {
		hint = 255
	}
	return uint8(hint)
}

// summaryEntriesPerBlock is how many packed entries fit in one 4 KiB
// summary block, one hint byte per entry stored in a trailing region.
const summaryEntriesPerBlock = geometry.BlockSize / (summaryEntrySize + 1)

// Encode packs the summary into blocks of geometry.BlockSize bytes,
// summaryEntriesPerBlock entries per block (spec §4.3, §6).
func (s *SlabSummary) Encode() []byte {
	numBlocks := divRoundUp(uint32(len(s.entries)), summaryEntriesPerBlock)
	buf := make([]byte, int(numBlocks)*geometry.BlockSize)

	for i, e := range s.entries {
		blockIdx := i / summaryEntriesPerBlock
		within := i % summaryEntriesPerBlock
		base := blockIdx*geometry.BlockSize + within*summaryEntrySize
		enc := e.encode()
		copy(buf[base:base+summaryEntrySize], enc[:])

		hintBase := blockIdx*geometry.BlockSize + summaryEntriesPerBlock*summaryEntrySize + within
		if hintBase < (blockIdx+1)*geometry.BlockSize {
			buf[hintBase] = e.freeBlockHint
		}
	}
	return buf
}

// Decode reverses Encode, replacing s's entries.
func (s *SlabSummary) Decode(buf []byte) error {
	numBlocks := len(buf) / geometry.BlockSize
	maxEntries := numBlocks * summaryEntriesPerBlock
	if maxEntries < len(s.entries) {
		return errors.Wrap(vdoerr.ErrCorruptComponent, "physical: slab summary buffer too short")
	}

	for i := range s.entries {
		blockIdx := i / summaryEntriesPerBlock
		within := i % summaryEntriesPerBlock
		base := blockIdx*geometry.BlockSize + within*summaryEntrySize
		hintBase := blockIdx*geometry.BlockSize + summaryEntriesPerBlock*summaryEntrySize + within
		var hint uint8
		if hintBase < len(buf) {
			hint = buf[hintBase]
		}
		s.entries[i] = decodeSummaryEntry(buf[base:base+summaryEntrySize], hint)
	}
	return nil
}

// Load reads the summary from backend at originPBN spanning blockCount
// blocks.
func (s *SlabSummary) Load(backend io.ReaderAt, originPBN uint64, blockCount uint64) error {
	buf := make([]byte, blockCount*geometry.BlockSize)
	if _, err := backend.ReadAt(buf, int64(originPBN)*geometry.BlockSize); err != nil {
		return errors.Wrap(vdoerr.ErrIO, err.Error())
	}
	return s.Decode(buf)
}

// Save writes the summary to backend at originPBN.
func (s *SlabSummary) Save(backend io.WriterAt, originPBN uint64) error {
	buf := s.Encode()
	if _, err := backend.WriteAt(buf, int64(originPBN)*geometry.BlockSize); err != nil {
		return errors.Wrap(vdoerr.ErrIO, err.Error())
	}
	return nil
}
