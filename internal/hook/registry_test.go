package hook

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SMlc666/urhook/internal/asm"
	"github.com/SMlc666/urhook/internal/disasm"
	"github.com/SMlc666/urhook/internal/mem"
)

// jitTarget builds a small hookable function and returns its address.
func jitTarget(t *testing.T) uint64 {
	t.Helper()
	m := jitCode(t, func(a *asm.Assembler) {
		a.Movz(asm.X0, 7, 0)
		a.Movz(asm.X1, 9, 0)
		a.AddReg(asm.X0, asm.X0, asm.X1)
		a.Nop()
		a.Ret()
	})
	mem.FlushICache(m.Addr(), 4096)
	return m.Addr()
}

func TestInstallUninstallRestoresBytes(t *testing.T) {
	target := jitTarget(t)
	detour := jitTarget(t) // any executable address works as a detour
	before := mem.Read(target, 32)

	h, err := Global().Install(target, detour, true)
	require.NoError(t, err)
	assert.Equal(t, 1, Global().ChainLen(target))
	assert.NotZero(t, Global().Trampoline(h))

	after := mem.Read(target, 32)
	assert.False(t, bytes.Equal(before[:4], after[:4]), "target prologue must be patched")

	require.NoError(t, Global().Uninstall(h))
	assert.Equal(t, 0, Global().ChainLen(target))
	assert.Equal(t, before, mem.Read(target, 32), "uninstall must restore the original bytes")
}

func TestInstallDisabledLeavesTargetUntouched(t *testing.T) {
	target := jitTarget(t)
	detour := jitTarget(t)
	before := mem.Read(target, 32)

	h, err := Global().Install(target, detour, false)
	require.NoError(t, err)
	assert.Equal(t, before, mem.Read(target, 32), "disabled install must not patch")
	assert.NotZero(t, Global().Trampoline(h), "trampoline exists even while disabled")

	ok, err := Global().Enable(h)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, bytes.Equal(before[:4], mem.Read(target, 4)))

	ok, err = Global().Enable(h)
	require.NoError(t, err)
	assert.False(t, ok, "second enable is a no-op")

	ok, err = Global().Disable(h)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, before, mem.Read(target, 32), "disable restores the original bytes")

	require.NoError(t, Global().Uninstall(h))
}

func TestChainOrder(t *testing.T) {
	target := jitTarget(t)
	cbA := jitTarget(t)
	cbB := jitTarget(t)
	cbC := jitTarget(t)

	hA, err := Global().Install(target, cbA, true)
	require.NoError(t, err)
	hB, err := Global().Install(target, cbB, true)
	require.NoError(t, err)
	hC, err := Global().Install(target, cbC, true)
	require.NoError(t, err)

	tramp := Global().Trampoline(hA)
	require.NotZero(t, tramp)

	// Newest entry is the head; each call_next leads to the previous head.
	assert.Equal(t, 3, Global().ChainLen(target))
	assert.Equal(t, cbB, Global().CallNext(hC))
	assert.Equal(t, cbA, Global().CallNext(hB))
	assert.Equal(t, tramp, Global().CallNext(hA))

	// Removing the middle entry reroutes its predecessor.
	require.NoError(t, Global().Uninstall(hB))
	assert.Equal(t, cbA, Global().CallNext(hC))

	require.NoError(t, Global().Uninstall(hC))
	require.NoError(t, Global().Uninstall(hA))
	assert.Equal(t, 0, Global().ChainLen(target))
}

func TestUninstallPermutations(t *testing.T) {
	perms := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}, {1, 2, 0}, {0, 2, 1}, {2, 0, 1}}
	for _, perm := range perms {
		target := jitTarget(t)
		before := mem.Read(target, 32)
		var handles [3]Handle
		for i := range handles {
			h, err := Global().Install(target, jitTarget(t), true)
			require.NoError(t, err)
			handles[i] = h
		}
		for _, idx := range perm {
			require.NoError(t, Global().Uninstall(handles[idx]))
		}
		assert.Equal(t, before, mem.Read(target, 32), "permutation %v", perm)
		assert.Equal(t, 0, Global().ChainLen(target))
	}
}

func TestSetDetourReroutes(t *testing.T) {
	target := jitTarget(t)
	cbA := jitTarget(t)
	cbB := jitTarget(t)
	cbNew := jitTarget(t)

	hA, err := Global().Install(target, cbA, true)
	require.NoError(t, err)
	hB, err := Global().Install(target, cbB, true)
	require.NoError(t, err)

	// hA is the tail; swapping its callback updates hB's call_next.
	require.NoError(t, Global().SetDetour(hA, cbNew))
	assert.Equal(t, cbNew, Global().CallNext(hB))

	require.NoError(t, Global().Uninstall(hB))
	require.NoError(t, Global().Uninstall(hA))
}

func TestInstallValidation(t *testing.T) {
	_, err := Global().Install(0, 0x1000, true)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Global().Install(0x1000, 0, true)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestUninstallUnknownHandle(t *testing.T) {
	err := Global().Uninstall(Handle{Target: 0xDEAD0000})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMidStubShape(t *testing.T) {
	stub, err := BuildMidStub(0x7000BEEF0000, 0x7000CAFE0000)
	require.NoError(t, err)
	defer stub.Close()

	insts := decodeStub(stub.Bytes())
	require.NotEmpty(t, insts)
	// Prologue reserves the context and spills pairs from X0 upward.
	assert.Equal(t, "sub", insts[0].Mnemonic)
	assert.Equal(t, "stp", insts[1].Mnemonic)
	// Count the pair stores; LR itself is saved with a single STR.
	stps := 0
	for _, inst := range insts {
		if inst.Mnemonic == "stp" {
			stps++
		}
	}
	// 15 context pairs plus the FP/LR save inside the absolute call.
	assert.Equal(t, 16, stps)
}

func decodeStub(code []byte) []disasm.Inst {
	return disasm.Decode(0, code, 0)
}
