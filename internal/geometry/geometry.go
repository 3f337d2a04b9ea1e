// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package geometry holds the constant, whole-volume layout described in
// spec §6: block size, slab layout, the journal and summary regions, and
// the per-zone block-map root PBNs. It is the direct generalization of
// zchee/go-qcow2's QCowHeader (zchee/go-qcow2's header.go): a fixed-size,
// versioned on-disk header describing everything downstream components
// need to address the volume, read once at open and never mutated.
package geometry

import (
	"github.com/pkg/errors"

	"github.com/qqshow/vdo/internal/wire"
)

// BlockSize is the fixed logical/physical block size: 4 KiB.
const BlockSize = 4096

// SectorSize is the fixed on-disk sector size used for torn-write
// detection in reference blocks (spec §6): 512 B.
const SectorSize = 512

// SectorsPerBlock is the number of sectors in one 4 KiB block.
const SectorsPerBlock = BlockSize / SectorSize

// Magic identifies a VDO geometry block, analogous to zchee/go-qcow2's QCow2
// magic string ("QFI\xfb") but distinct to this format.
var Magic = [4]byte{'V', 'D', 'O', 0xfb}

// Version is the on-disk geometry format version this package writes and
// is willing to load.
const Version = 1

// UnmappedPBN is the reserved PBN meaning "no physical block" (spec §3).
const UnmappedPBN = 0

// Geometry is the constant, whole-volume layout: PBN 0 of every VDO
// volume, read once at open.
type Geometry struct {
	// Nonce distinguishes otherwise-identical rebuilt volumes; stamped
	// into every block-map page header (spec §3) so that stale pages
	// from a previous incarnation are detected on load.
	Nonce uint64

	// BlockMapRootPBNs holds one forest root per logical zone (spec §2).
	BlockMapRootPBNs []uint64

	// SlabOrigin is the first PBN of the first slab.
	SlabOrigin uint64
	// SlabCount is the number of identically-sized slabs in the volume.
	SlabCount uint64
	// SlabSizeShift is k in "a slab is a contiguous run of 2^k PBNs"
	// (spec §3).
	SlabSizeShift uint8

	// RecoveryJournalOrigin and RecoveryJournalBlocks bound the
	// recovery-journal ring buffer (spec §6 item 2).
	RecoveryJournalOrigin uint64
	RecoveryJournalBlocks uint64

	// SlabSummaryOrigin and SlabSummaryBlocks bound the slab-summary
	// region (spec §6 item 3).
	SlabSummaryOrigin uint64
	SlabSummaryBlocks uint64

	// ZoneCount is the number of physical (and, symmetrically, logical)
	// zones the volume was formatted for.
	ZoneCount int
}

// SlabBlocks returns 2^SlabSizeShift, the number of PBNs in one slab.
func (g *Geometry) SlabBlocks() uint64 {
	return uint64(1) << g.SlabSizeShift
}

// SlabOriginPBN returns the origin PBN of the slab at the given index.
func (g *Geometry) SlabOriginPBN(slab uint64) uint64 {
	return g.SlabOrigin + slab*g.SlabBlocks()
}

// SlabForPBN returns the slab index and slab-block-number (SBN) for a PBN
// known to lie within the slab region. Callers in the data path must
// first confirm the PBN is in range (ErrOutOfRange otherwise); this
// function never validates on its own, matching zchee/go-qcow2's convention
// of cheap field accessors with validation performed once at the call
// site.
func (g *Geometry) SlabForPBN(pbn uint64) (slab uint64, sbn uint64) {
	offset := pbn - g.SlabOrigin
	blocks := g.SlabBlocks()
	return offset / blocks, offset % blocks
}

// Validate checks internal consistency of a loaded Geometry.
func (g *Geometry) Validate() error {
	if g.SlabSizeShift == 0 || g.SlabSizeShift > 63 {
		return errors.Errorf("geometry: invalid slab size shift %d", g.SlabSizeShift)
	}
	if g.ZoneCount <= 0 {
		return errors.Errorf("geometry: invalid zone count %d", g.ZoneCount)
	}
	if len(g.BlockMapRootPBNs) != g.ZoneCount {
		return errors.Errorf("geometry: expected %d block map roots, got %d", g.ZoneCount, len(g.BlockMapRootPBNs))
	}
	return nil
}

// geometryFixedSize is the fixed byte length of the encoded geometry
// block, including magic/version/nonce and all scalar fields; the
// BlockMapRootPBNs vector follows at a fixed per-zone stride up to a
// compiled-in zone-count ceiling, so the block always fits in one 4 KiB
// page (spec §6).
const (
	maxZones          = 16
	geometryFixedSize = 4 + 4 + 8 + 8 + 8 + 1 + 8 + 8 + 8 + 8 + 4
)

// Encode packs the geometry block into exactly BlockSize bytes, following
// zchee/go-qcow2's per-field WriteAt idiom (write.go) but building one
// in-memory buffer instead of issuing one syscall per field, since the
// geometry block is written exactly once at format time.
func (g *Geometry) Encode() ([]byte, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if g.ZoneCount > maxZones {
		return nil, errors.Errorf("geometry: zone count %d exceeds maximum %d", g.ZoneCount, maxZones)
	}

	buf := make([]byte, BlockSize)
	off := 0

	copy(buf[off:off+4], Magic[:])
	off += 4
	wire.PutUint32(buf[off:], Version)
	off += 4
	wire.PutUint64(buf[off:], g.Nonce)
	off += 8
	wire.PutUint64(buf[off:], g.SlabOrigin)
	off += 8
	wire.PutUint64(buf[off:], g.SlabCount)
	off += 8
	buf[off] = g.SlabSizeShift
	off++
	wire.PutUint64(buf[off:], g.RecoveryJournalOrigin)
	off += 8
	wire.PutUint64(buf[off:], g.RecoveryJournalBlocks)
	off += 8
	wire.PutUint64(buf[off:], g.SlabSummaryOrigin)
	off += 8
	wire.PutUint64(buf[off:], g.SlabSummaryBlocks)
	off += 8
	wire.PutUint32(buf[off:], uint32(g.ZoneCount))
	off += 4

	for _, root := range g.BlockMapRootPBNs {
		wire.PutUint64(buf[off:], root)
		off += 8
	}
	return buf, nil
}

// Decode unpacks a geometry block previously produced by Encode.
func Decode(buf []byte) (*Geometry, error) {
	if len(buf) < geometryFixedSize {
		return nil, errors.Wrap(errors.New("short buffer"), "geometry: decode")
	}
	if string(buf[0:4]) != string(Magic[:]) {
		return nil, errors.Wrap(errors.New("magic mismatch"), "geometry: decode")
	}
	off := 4
	version := wire.Uint32(buf[off:])
	off += 4
	if version != Version {
		return nil, errors.Errorf("geometry: unsupported version %d", version)
	}

	g := &Geometry{}
	g.Nonce = wire.Uint64(buf[off:])
	off += 8
	g.SlabOrigin = wire.Uint64(buf[off:])
	off += 8
	g.SlabCount = wire.Uint64(buf[off:])
	off += 8
	g.SlabSizeShift = buf[off]
	off++
	g.RecoveryJournalOrigin = wire.Uint64(buf[off:])
	off += 8
	g.RecoveryJournalBlocks = wire.Uint64(buf[off:])
	off += 8
	g.SlabSummaryOrigin = wire.Uint64(buf[off:])
	off += 8
	g.SlabSummaryBlocks = wire.Uint64(buf[off:])
	off += 8
	zoneCount := wire.Uint32(buf[off:])
	off += 4
	g.ZoneCount = int(zoneCount)

	if g.ZoneCount > maxZones || off+8*g.ZoneCount > len(buf) {
		return nil, errors.Errorf("geometry: zone count %d out of bounds", g.ZoneCount)
	}
	g.BlockMapRootPBNs = make([]uint64, g.ZoneCount)
	for i := range g.BlockMapRootPBNs {
		g.BlockMapRootPBNs[i] = wire.Uint64(buf[off:])
		off += 8
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
