package physical

import (
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/qqshow/vdo/internal/geometry"
	"github.com/qqshow/vdo/internal/vdoerr"
	"github.com/qqshow/vdo/internal/wire"
)

// countsPerSector is the number of one-byte counters that fit in a
// sector alongside its 8-byte packed journal point (spec §6): 512 − 8.
const countsPerSector = geometry.SectorSize - 8

// blockWireCapacity is the number of counters one on-disk reference
// block encodes: one sector's worth of counters per sector in the
// block.
const blockWireCapacity = countsPerSector * geometry.SectorsPerBlock

// RefCountBlocksFor returns how many on-disk reference blocks a slab
// with dataBlocks data blocks needs, for callers computing a volume's
// PBN layout (spec §6 "each {D data, R refcount, J journal}") without
// first constructing a ReferenceCounts.
func RefCountBlocksFor(dataBlocks uint32) uint64 {
	return uint64(divRoundUp(dataBlocks, blockWireCapacity))
}

// EncodeBlock packs reference block blockIdx into one 4 KiB page: each
// of SectorsPerBlock sectors carries its own commit point followed by
// its counters, so torn writes are detectable at sector granularity
// (spec §4.1 "Persistence", §6 wire format).
func (rc *ReferenceCounts) EncodeBlock(blockIdx int) []byte {
	buf := make([]byte, geometry.BlockSize)
	base := uint32(blockIdx) * rc.countsPerBlock

	point := rc.blocks[blockIdx].commitPoint
	for sector := 0; sector < geometry.SectorsPerBlock; sector++ {
		sectorOff := sector * geometry.SectorSize
		wire.PutJournalPoint(buf[sectorOff:], point.SequenceNumber, point.EntryCount)

		countsOff := sectorOff + 8
		for i := 0; i < countsPerSector; i++ {
			srcIdx := base + uint32(sector*countsPerSector+i)
			if srcIdx >= base+rc.countsPerBlock || srcIdx >= rc.blockCount {
				break
			}
			buf[countsOff+i] = rc.counters[srcIdx]
		}
	}
	return buf
}

// DecodeBlock unpacks a previously-encoded reference block, detects torn
// writes by comparing per-sector commit points, and overwrites the
// corresponding span of rc.counters. It adopts the highest observed
// commit point as the block's point (spec §4.1 "On load"): the slab
// journal is responsible for replaying anything after that point.
func (rc *ReferenceCounts) DecodeBlock(blockIdx int, buf []byte) error {
	if len(buf) < geometry.BlockSize {
		return errors.Wrap(vdoerr.ErrCorruptComponent, "physical: short reference block")
	}
	base := uint32(blockIdx) * rc.countsPerBlock

	var highest JournalPoint
	mismatch := false
	points := make([]JournalPoint, geometry.SectorsPerBlock)

	for sector := 0; sector < geometry.SectorsPerBlock; sector++ {
		sectorOff := sector * geometry.SectorSize
		seq, count := wire.GetJournalPoint(buf[sectorOff:])
		p := JournalPoint{SequenceNumber: seq, EntryCount: count}
		points[sector] = p
		if highest.Before(p) {
			highest = p
		}
	}
	for _, p := range points {
		if p != highest {
			mismatch = true
		}
	}
	if mismatch {
		log.Warn().Int("block", blockIdx).Msg("torn write detected in reference block, adopting highest commit point")
	}

	for sector := 0; sector < geometry.SectorsPerBlock; sector++ {
		sectorOff := sector * geometry.SectorSize
		countsOff := sectorOff + 8
		for i := 0; i < countsPerSector; i++ {
			dstIdx := base + uint32(sector*countsPerSector+i)
			if dstIdx >= base+rc.countsPerBlock || dstIdx >= rc.blockCount {
				break
			}
			rc.counters[dstIdx] = buf[countsOff+i]
		}
	}

	rc.blocks[blockIdx].commitPoint = highest
	rc.blocks[blockIdx].allocatedCount = rc.recountAllocated(blockIdx)
	return nil
}

func (rc *ReferenceCounts) recountAllocated(blockIdx int) uint32 {
	base := uint32(blockIdx) * rc.countsPerBlock
	end := base + rc.countsPerBlock
	if end > rc.blockCount {
		end = rc.blockCount
	}
	var allocated uint32
	for i := base; i < end; i++ {
		if rc.counters[i] != EmptyCount {
			allocated++
		}
	}
	return allocated
}

// Load reads every reference block for this slab from backend starting
// at originPBN, recomputes free_blocks, and resets any PROVISIONAL
// counter to FREE (spec §3 "Lifecycle", §4.1 "On load"). Load is only
// required when MustLoad reports true.
func (rc *ReferenceCounts) Load(backend io.ReaderAt, originPBN uint64) error {
	buf := make([]byte, geometry.BlockSize)
	for blockIdx := range rc.blocks {
		offset := int64(originPBN+uint64(blockIdx)) * geometry.BlockSize
		if _, err := backend.ReadAt(buf, offset); err != nil {
			return errors.Wrap(vdoerr.ErrIO, err.Error())
		}
		if err := rc.DecodeBlock(blockIdx, buf); err != nil {
			return err
		}
	}

	var free uint64
	for _, c := range rc.counters {
		if c == EmptyCount {
			free++
		}
	}
	rc.freeBlocks = free
	rc.ResetProvisional()
	rc.loaded = true
	return nil
}

// SaveBlock writes reference block blockIdx to backend at originPBN and
// clears its dirty bit via CompleteWrite. Callers must have already
// ensured the slab journal committed every entry at or before the
// block's slabJournalLock sequence (spec §4.1 "Persistence").
func (rc *ReferenceCounts) SaveBlock(backend io.WriterAt, originPBN uint64, blockIdx int) error {
	buf := rc.EncodeBlock(blockIdx)
	offset := int64(originPBN+uint64(blockIdx)) * geometry.BlockSize
	if _, err := backend.WriteAt(buf, offset); err != nil {
		return errors.Wrap(vdoerr.ErrIO, err.Error())
	}
	rc.CompleteWrite(blockIdx, rc.blocks[blockIdx].commitPoint)
	return nil
}

// SaveAll flushes every dirty reference block (spec §4.1 "save_all").
func (rc *ReferenceCounts) SaveAll(backend io.WriterAt, originPBN uint64) error {
	for _, idx := range rc.DirtyBlocks() {
		if err := rc.SaveBlock(backend, originPBN, idx); err != nil {
			return err
		}
	}
	return nil
}

// SaveSeveral flushes roughly 1/divisor of the dirty reference blocks,
// for use by a scrubber that wants to amortize I/O across several
// invocations (spec §4.1 "save_several").
func (rc *ReferenceCounts) SaveSeveral(backend io.WriterAt, originPBN uint64, divisor int) error {
	dirty := rc.DirtyBlocks()
	if divisor <= 0 {
		divisor = 1
	}
	n := (len(dirty) + divisor - 1) / divisor
	for i := 0; i < n && i < len(dirty); i++ {
		if err := rc.SaveBlock(backend, originPBN, dirty[i]); err != nil {
			return err
		}
	}
	return nil
}

// Drain flushes all dirty reference blocks and transitions the admin
// state according to target (spec §5 "On entry to SUSPENDING or SAVING,
// drain is initiated").
func (rc *ReferenceCounts) Drain(backend io.WriterAt, originPBN uint64, target vdoerr.AdminState) error {
	if err := rc.admin.BeginDrain(target); err != nil {
		return err
	}
	if err := rc.SaveAll(backend, originPBN); err != nil {
		return err
	}
	rc.admin.FinishDrain()
	return nil
}

// AdminState returns the current admin state.
func (rc *ReferenceCounts) AdminState() vdoerr.AdminState {
	return rc.admin.Current()
}
