package hook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SMlc666/urhook/internal/asm"
	"github.com/SMlc666/urhook/internal/disasm"
)

func TestPlanPatchNear(t *testing.T) {
	words, err := PlanPatch(0x10000000, 0x10004000)
	require.NoError(t, err)
	require.Len(t, words, 1)

	inst := disasm.DecodeOne(0x10000000, words[0])
	assert.Equal(t, disasm.B, inst.ID)
	target, ok := inst.Target()
	require.True(t, ok)
	assert.Equal(t, uint64(0x10004000), target)
}

func TestPlanPatchNearBackward(t *testing.T) {
	words, err := PlanPatch(0x10000000, 0x10000000-(127<<20))
	require.NoError(t, err)
	assert.Len(t, words, 1)
}

func TestPlanPatchAdrp(t *testing.T) {
	// Beyond B range but within ADRP reach.
	target := uint64(0x10000000)
	dest := target + (1 << 30) + 0x123
	words, err := PlanPatch(target, dest)
	require.NoError(t, err)
	require.Len(t, words, 3)

	insts := decodeWords(target, words)
	assert.Equal(t, disasm.ADRP, insts[0].ID)
	assert.Equal(t, asm.X16, insts[0].Ops[0].Reg)
	assert.Equal(t, int64(dest&^0xFFF), insts[0].Ops[1].Imm)
	assert.Equal(t, disasm.ADD, insts[1].ID)
	assert.Equal(t, int64(dest&0xFFF), insts[1].Ops[2].Imm)
	assert.Equal(t, disasm.BR, insts[2].ID)
}

func TestPlanPatchAbsolute(t *testing.T) {
	target := uint64(0x10000000)
	dest := target + (1 << 40)
	words, err := PlanPatch(target, dest)
	require.NoError(t, err)
	require.Len(t, words, 5)

	insts := decodeWords(target, words)
	assert.Equal(t, disasm.MOVZ, insts[0].ID)
	for i := 1; i < 4; i++ {
		assert.Equal(t, disasm.MOVK, insts[i].ID)
	}
	assert.Equal(t, disasm.BR, insts[4].ID)

	// The MOVZ/MOVK chunks reassemble the destination.
	var rebuilt uint64
	for i := 0; i < 4; i++ {
		rebuilt |= uint64(insts[i].Ops[1].Imm) << uint(insts[i].Ops[2].Imm)
	}
	assert.Equal(t, dest, rebuilt)
}

func decodeWords(addr uint64, words []uint32) []disasm.Inst {
	out := make([]disasm.Inst, len(words))
	for i, w := range words {
		out[i] = disasm.DecodeOne(addr+uint64(i)*4, w)
	}
	return out
}
