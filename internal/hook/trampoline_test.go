package hook

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SMlc666/urhook/internal/arena"
	"github.com/SMlc666/urhook/internal/asm"
	"github.com/SMlc666/urhook/internal/disasm"
)

// jitCode writes the assembled buffer into a fresh RWX mapping and returns
// the mapping. The assembler is created at the mapping's own address, so
// PC-relative encodings and a.Addr() already refer to the final location.
func jitCode(t *testing.T, emit func(a *asm.Assembler)) *arena.Mapping {
	t.Helper()
	m, err := arena.Alloc(4096)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	a := asm.New(m.Addr())
	emit(a)
	copy(m.Bytes(), a.Bytes())
	return m
}

func decodeTrampoline(tr *Trampoline) []disasm.Inst {
	code := make([]byte, len(tr.Words)*4)
	for i, w := range tr.Words {
		binary.LittleEndian.PutUint32(code[i*4:], w)
	}
	return disasm.Decode(0, code, 0)
}

// trailerTarget reassembles the absolute jump at the end of a trampoline.
func trailerTarget(t *testing.T, tr *Trampoline) uint64 {
	t.Helper()
	insts := decodeTrampoline(tr)
	require.GreaterOrEqual(t, len(insts), 5)
	tail := insts[len(insts)-5:]
	require.Equal(t, disasm.MOVZ, tail[0].ID)
	require.Equal(t, disasm.BR, tail[4].ID)
	var dest uint64
	for i := 0; i < 4; i++ {
		dest |= uint64(tail[i].Ops[1].Imm) << uint(tail[i].Ops[2].Imm)
	}
	return dest
}

func TestBuildTrampolineStraightLine(t *testing.T) {
	m := jitCode(t, func(a *asm.Assembler) {
		a.Movz(asm.X0, 5, 0)
		a.Movz(asm.X1, 3, 0)
		a.AddReg(asm.X2, asm.X0, asm.X1)
		a.Ret()
	})

	tr, err := BuildTrampoline(m.Addr(), 4)
	require.NoError(t, err)
	assert.Equal(t, 4, tr.BackupSize)
	// One relocated word plus the 5-word trailer.
	assert.Len(t, tr.Words, 6)
	assert.Equal(t, m.Addr()+4, trailerTarget(t, tr))

	// A 20-byte patch forces all five slots to relocate.
	tr, err = BuildTrampoline(m.Addr(), 20)
	require.NoError(t, err)
	assert.Equal(t, 20, tr.BackupSize)
	assert.Equal(t, m.Addr()+20, trailerTarget(t, tr))
}

func TestBuildTrampolineAdrpAddPair(t *testing.T) {
	var target uint64
	m := jitCode(t, func(a *asm.Assembler) {
		target = a.Addr()
		a.Adrp(asm.X0, target+0x3000)
		a.AddImm(asm.X0, asm.X0, 0x123, false)
		a.Ret()
	})

	tr, err := BuildTrampoline(target, 4)
	require.NoError(t, err)
	// The pair is consumed together even though only 4 bytes were required.
	assert.Equal(t, 8, tr.BackupSize)
	assert.Equal(t, target+8, trailerTarget(t, tr))

	// The relocation must materialize the absolute page+imm value in X0.
	want := (target + 0x3000) &^ 0xFFF
	want += 0x123
	insts := decodeTrampoline(tr)
	require.Equal(t, disasm.MOVZ, insts[0].ID)
	assert.Equal(t, asm.X0, insts[0].Ops[0].Reg)

	var got uint64
	for _, inst := range insts[:len(insts)-5] {
		switch inst.ID {
		case disasm.MOVZ, disasm.MOVK:
			got |= uint64(inst.Ops[1].Imm) << uint(inst.Ops[2].Imm)
		default:
			t.Fatalf("unexpected %s in relocation", inst.Mnemonic)
		}
	}
	assert.Equal(t, want, got)
}

func TestBuildTrampolineAdrpLdrPair(t *testing.T) {
	var target uint64
	m := jitCode(t, func(a *asm.Assembler) {
		target = a.Addr()
		a.Adrp(asm.X3, target+0x2000)
		a.Ldr(asm.X1, asm.X3, 0x28)
		a.Ret()
	})

	tr, err := BuildTrampoline(target, 4)
	require.NoError(t, err)
	assert.Equal(t, 8, tr.BackupSize)
	_ = m

	insts := decodeTrampoline(tr)
	// load_immediate into X16 then LDR X1, [X16].
	require.Equal(t, disasm.MOVZ, insts[0].ID)
	assert.Equal(t, asm.X16, insts[0].Ops[0].Reg)
	var ldr *disasm.Inst
	for i := range insts[:len(insts)-5] {
		if insts[i].ID == disasm.LDR {
			ldr = &insts[i]
		}
	}
	require.NotNil(t, ldr, "relocation must keep the load")
	assert.Equal(t, asm.X1, ldr.Ops[0].Reg)
	assert.Equal(t, asm.X16, ldr.Ops[1].Mem.Base)
}

func TestBuildTrampolinePrecedingAdrp(t *testing.T) {
	// Hooking the instruction right after an ADRP: the builder must look
	// back at target-4 and rebuild the pair's absolute address.
	var adrpAddr, hookAddr uint64
	m := jitCode(t, func(a *asm.Assembler) {
		adrpAddr = a.Addr()
		a.Adrp(asm.X2, adrpAddr+0x5000)
		hookAddr = a.Addr()
		a.AddImm(asm.X2, asm.X2, 0x40, false)
		a.Ret()
	})
	_ = m

	tr, err := BuildTrampoline(hookAddr, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, tr.BackupSize)

	want := (adrpAddr+0x5000)&^0xFFF + 0x40
	insts := decodeTrampoline(tr)
	var got uint64
	for _, inst := range insts[:len(insts)-5] {
		switch inst.ID {
		case disasm.MOVZ, disasm.MOVK:
			got |= uint64(inst.Ops[1].Imm) << uint(inst.Ops[2].Imm)
		}
	}
	assert.Equal(t, want, got, "pair address must be rebuilt from the preceding ADRP")
}

func TestBuildTrampolineBranchIsland(t *testing.T) {
	var target, branchDest uint64
	m := jitCode(t, func(a *asm.Assembler) {
		target = a.Addr()
		branchDest = target + 0x400
		a.Bcond(asm.NE, branchDest)
		a.Ret()
	})
	_ = m

	tr, err := BuildTrampoline(target, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, tr.BackupSize)

	insts := decodeTrampoline(tr)
	// Inverted condition branching over the 20-byte island.
	require.Equal(t, disasm.BCOND, insts[0].ID)
	assert.Equal(t, asm.EQ, insts[0].Cond)
	skip, ok := insts[0].Target()
	require.True(t, ok)
	assert.Equal(t, uint64(24), skip-insts[0].Addr)

	// The island reassembles the original destination.
	var dest uint64
	for _, inst := range insts[1:5] {
		dest |= uint64(inst.Ops[1].Imm) << uint(inst.Ops[2].Imm)
	}
	assert.Equal(t, branchDest, dest)
	assert.Equal(t, disasm.BR, insts[5].ID)
}

func TestBuildTrampolineBranchRelocation(t *testing.T) {
	var target, dest uint64
	m := jitCode(t, func(a *asm.Assembler) {
		target = a.Addr()
		dest = target + 0x100
		a.B(dest)
	})
	_ = m

	tr, err := BuildTrampoline(target, 4)
	require.NoError(t, err)
	insts := decodeTrampoline(tr)
	require.Equal(t, disasm.MOVZ, insts[0].ID)
	assert.Equal(t, asm.X16, insts[0].Ops[0].Reg)
	// LoadImmediate emits MOVZ plus a MOVK for each further non-zero chunk.
	var rebuilt uint64
	k := 0
	for ; k < len(insts) && (insts[k].ID == disasm.MOVZ || insts[k].ID == disasm.MOVK); k++ {
		rebuilt |= uint64(insts[k].Ops[1].Imm) << uint(insts[k].Ops[2].Imm)
	}
	assert.Equal(t, dest, rebuilt)
	require.Less(t, k, len(insts))
	assert.Equal(t, disasm.BR, insts[k].ID)
}

func TestBuildTrampolineTooShort(t *testing.T) {
	m := jitCode(t, func(a *asm.Assembler) {
		a.Ret()
	})
	// More than the 20-instruction window can supply.
	_, err := BuildTrampoline(m.Addr(), maxRelocateInsts*4+4)
	require.ErrorIs(t, err, ErrTargetTooShort)
}
