package geometry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	g := &Geometry{
		Nonce:                 0xdeadbeefcafef00d,
		BlockMapRootPBNs:      []uint64{64, 65, 66},
		SlabOrigin:            128,
		SlabCount:             4,
		SlabSizeShift:         13,
		RecoveryJournalOrigin: 1,
		RecoveryJournalBlocks: 16,
		SlabSummaryOrigin:     17,
		SlabSummaryBlocks:     8,
		ZoneCount:             3,
	}

	buf, err := g.Encode()
	require.NoError(t, err)
	require.Len(t, buf, BlockSize)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, g, got)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := make([]byte, BlockSize)
	_, err := Decode(buf)
	require.Error(t, err)
}

func TestSlabForPBN(t *testing.T) {
	g := &Geometry{SlabOrigin: 100, SlabSizeShift: 3} // 8 blocks/slab
	slab, sbn := g.SlabForPBN(100 + 8 + 3)
	require.Equal(t, uint64(1), slab)
	require.Equal(t, uint64(3), sbn)
}

func TestValidateRejectsZeroShift(t *testing.T) {
	g := &Geometry{ZoneCount: 1, BlockMapRootPBNs: []uint64{1}}
	require.Error(t, g.Validate())
}
