package asm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// expand rebuilds the mask a field triple denotes, mirroring the
// architectural DecodeBitMasks procedure, so encodings can be verified
// independently of the search that produced them.
func expand(n, immr, imms uint32) uint64 {
	size := uint32(64)
	if n == 0 {
		inv := ^imms & 0x3F
		hsb := uint32(31)
		for inv>>hsb&1 == 0 {
			hsb--
		}
		size = 1 << hsb
	}
	levels := size - 1
	ones := imms&levels + 1
	run := uint64(1)<<ones - 1
	elem := rotateRight(run, immr&levels, size)
	mask := elem
	for sz := size; sz < 64; sz *= 2 {
		mask |= mask << sz
	}
	return mask
}

func TestEncodeLogicalImmediate(t *testing.T) {
	valid := []uint64{
		1,
		0xFF,
		0xFF00,
		0x0F0F0F0F0F0F0F0F,
		0x5555555555555555,
		0xAAAAAAAAAAAAAAAA,
		0xFFFF0000FFFF0000,
		0x0000FFFF0000FFFF,
		0xFFFFFFFFFFFFFFFE,
		0x8000000000000001, // run of ones wrapping around bit 0
		0xC000000000000003,
		0x00000000FFFFFFFF,
		0x7FFFFFFFFFFFFFFF,
		0xFFF0000000000000,
	}
	for _, imm := range valid {
		n, immr, imms, ok := EncodeLogicalImmediate(imm, true)
		require.True(t, ok, "imm %#x must encode", imm)
		assert.Equal(t, imm, expand(n, immr, imms),
			"imm %#x -> N=%d immr=%d imms=%d", imm, n, immr, imms)
	}

	invalid := []uint64{0, ^uint64(0), 0x123456789ABCDEF0, 0xFF01, 0xDEADBEEF}
	for _, imm := range invalid {
		_, _, _, ok := EncodeLogicalImmediate(imm, true)
		assert.False(t, ok, "imm %#x must be rejected", imm)
	}
}

func TestEncodeLogicalImmediate32(t *testing.T) {
	n, immr, imms, ok := EncodeLogicalImmediate(0xFF, false)
	require.True(t, ok)
	assert.Equal(t, uint32(0), n, "32-bit forms always have N=0")
	assert.Equal(t, uint64(0xFF), expand(n, immr, imms)&0xFFFFFFFF)

	_, _, _, ok = EncodeLogicalImmediate(1<<32, false)
	assert.False(t, ok, "values above 32 bits cannot encode in W forms")

	// All 32 bits set is the all-ones element and therefore unencodable.
	_, _, _, ok = EncodeLogicalImmediate(0xFFFFFFFF, false)
	assert.False(t, ok)
}
