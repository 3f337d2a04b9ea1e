// Package dedup defines the narrow boundary the core needs against the
// deduplication index: a chunk-name type and the hash-key fragment the
// hash zone keys its lock map on (spec §4.4, §1 "explicitly out of
// scope"). The index itself — content-addressable lookup, on-disk
// open-chapter format — is an external collaborator, not implemented
// here.
package dedup

import "encoding/binary"

// ChunkName is the content address of one logical 4 KiB block, computed
// by the (external) deduplication index from its payload.
type ChunkName [32]byte

// hashOffset is the byte offset within a ChunkName the hash zone's lock
// map hashes on. Kept at [4:8] per spec §9: the comment in the source
// admits the offset is arbitrary, but an index-side fragment already
// uses bytes [0:4], so this offset is chosen disjoint from it.
const hashOffset = 4

// HashKey extracts the 32-bit fragment of name the hash zone uses to
// bucket its chunk-name → hash-lock map (spec §4.4, §9).
func HashKey(name ChunkName) uint32 {
	return binary.LittleEndian.Uint32(name[hashOffset : hashOffset+4])
}
