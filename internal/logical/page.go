// Package logical implements the block-map tree of spec §4.6: a forest
// of fixed-height pages translating logical block addresses to physical
// ones. It generalizes zchee/go-qcow2's QCowHeader field layout (zchee/
// go-qcow2's header.go) to a page format with a small fixed header
// followed by a dense vector of packed entries, and its write.go
// per-field WriteAt idiom to per-page reads/writes against an
// io.ReaderAt/io.WriterAt backend.
package logical

import (
	"github.com/pkg/errors"

	"github.com/qqshow/vdo/internal/geometry"
	"github.com/qqshow/vdo/internal/vdoerr"
	"github.com/qqshow/vdo/internal/wire"
)

// MappingState classifies a block-map entry (spec §3). Unmapped and
// Mapped occupy the first two of the 4-bit state's 16 values; the
// remaining values encode a compressed-block slot 0..13 (spec's
// "COMPRESSED(slot 0..14)" does not fit a 4-bit field with both other
// states present, so slot 14 is not representable).
type MappingState uint8

const (
	Unmapped MappingState = 0
	Mapped   MappingState = 1

	compressedBase    = 2
	maxCompressedSlot = 13
)

// CompressedState returns the MappingState for a compressed block at the
// given slot (0..maxCompressedSlot).
func CompressedState(slot int) MappingState {
	return MappingState(compressedBase + slot)
}

// IsCompressed reports whether s encodes a compressed-block slot.
func (s MappingState) IsCompressed() bool {
	return s >= compressedBase
}

// CompressedSlot returns the compressed-block slot s encodes. Only
// meaningful when IsCompressed is true.
func (s MappingState) CompressedSlot() int {
	return int(s) - compressedBase
}

// Entry is one block-map entry: a packed (PBN, state) pair (spec §3).
type Entry struct {
	PBN   uint64
	State MappingState
}

// pageHeaderSize is the fixed prefix of every page: PBN self-reference,
// nonce, recovery-journal sequence at last write, and generation (spec
// §3 "Block-map page").
const pageHeaderSize = 8 + 8 + 8 + 8

// entrySize is the packed size of one entry: 36-bit PBN + 4-bit state,
// stored in 5 bytes (spec §6).
const entrySize = 5

// EntriesPerPage is the number of entries that fit in one page after its
// header, per spec §6's "ENTRIES_PER_PAGE × entry_size + header_size ≤
// 4096".
const EntriesPerPage = (geometry.BlockSize - pageHeaderSize) / entrySize

// Page is one block-map page: interior pages point at child pages via
// entries with state Mapped and non-zero PBN; leaf pages carry (LBN →
// PBN, state) mappings (spec §3 "Block-map tree").
type Page struct {
	PBN                uint64
	Nonce              uint64
	RecoveryJournalSeq uint64
	Generation         uint64
	Entries            [EntriesPerPage]Entry
}

// NewPage returns a page with every entry Unmapped.
func NewPage(pbn, nonce uint64) *Page {
	return &Page{PBN: pbn, Nonce: nonce}
}

// Encode packs the page into exactly geometry.BlockSize bytes.
func (p *Page) Encode() []byte {
	buf := make([]byte, geometry.BlockSize)
	wire.PutUint64(buf[0:], p.PBN)
	wire.PutUint64(buf[8:], p.Nonce)
	wire.PutUint64(buf[16:], p.RecoveryJournalSeq)
	wire.PutUint64(buf[24:], p.Generation)

	off := pageHeaderSize
	for _, e := range p.Entries {
		wire.PutBlockMapEntry(buf[off:], e.PBN, uint8(e.State))
		off += entrySize
	}
	return buf
}

// DecodePage reverses Encode.
func DecodePage(buf []byte) (*Page, error) {
	if len(buf) < pageHeaderSize {
		return nil, errors.Wrap(vdoerr.ErrCorruptComponent, "logical: short block map page")
	}
	p := &Page{
		PBN:                wire.Uint64(buf[0:]),
		Nonce:              wire.Uint64(buf[8:]),
		RecoveryJournalSeq: wire.Uint64(buf[16:]),
		Generation:         wire.Uint64(buf[24:]),
	}
	off := pageHeaderSize
	for i := range p.Entries {
		pbn, state := wire.GetBlockMapEntry(buf[off:])
		p.Entries[i] = Entry{PBN: pbn, State: MappingState(state)}
		off += entrySize
	}
	return p, nil
}
