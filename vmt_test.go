package urhook_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SMlc666/urhook"
	"github.com/SMlc666/urhook/internal/asm"
)

// fakeObject lays out a minimal C++-style object: the first word points at a
// vtable of raw function pointers.
type fakeObject struct {
	vtable *uint64
}

func TestVmtHookChain(t *testing.T) {
	// Method with C++ receiver convention: (this, arg) -> arg.
	method := jit(t, func(a *asm.Assembler) {
		a.MovReg(asm.X0, asm.X1)
		a.Ret()
	})

	vtable := []uint64{method}
	obj := &fakeObject{vtable: &vtable[0]}
	call := func() uint64 {
		fn := callable[func(uint64, uint64) uint64](*obj.vtable)
		return fn(uint64(uintptr(unsafe.Pointer(obj))), 5)
	}
	require.Equal(t, uint64(5), call())

	vh := urhook.VmtAttach(uintptr(unsafe.Pointer(obj)))
	assert.Equal(t, uint64(uintptr(unsafe.Pointer(&vtable[0]))), vh.Table())

	// Hook A: original + 10. The detour forwards (this, arg) to the slot's
	// previous occupant through a cell.
	var cellA uint64
	detourA := jit(t, func(a *asm.Assembler) {
		a.Stp(asm.FP, asm.LR, asm.SP, -16, asm.PreIndex)
		a.LoadImmediate(asm.X16, uint64(uintptr(unsafe.Pointer(&cellA))))
		a.Ldr(asm.X16, asm.X16, 0)
		a.BLR(asm.X16)
		a.AddImm(asm.X0, asm.X0, 10, false)
		a.Ldp(asm.FP, asm.LR, asm.SP, 16, asm.PostIndex)
		a.Ret()
	})
	hookA, err := vh.Hook(0, uintptr(detourA))
	require.NoError(t, err)
	cellA = hookA.Original()
	assert.Equal(t, method, hookA.Original())
	assert.Equal(t, uint64(15), call())

	// Hook B: original * 2, chaining onto A.
	var cellB uint64
	detourB := jit(t, func(a *asm.Assembler) {
		a.Stp(asm.FP, asm.LR, asm.SP, -16, asm.PreIndex)
		a.LoadImmediate(asm.X16, uint64(uintptr(unsafe.Pointer(&cellB))))
		a.Ldr(asm.X16, asm.X16, 0)
		a.BLR(asm.X16)
		a.Lsl(asm.X0, asm.X0, 1)
		a.Ldp(asm.FP, asm.LR, asm.SP, 16, asm.PostIndex)
		a.Ret()
	})
	hookB, err := vh.Hook(0, uintptr(detourB))
	require.NoError(t, err)
	cellB = hookB.Original()
	assert.Equal(t, detourA, hookB.Original(), "second hook chains on the first")
	assert.Equal(t, uint64(30), call(), "(5+10)*2")

	hookB.Unhook()
	assert.Equal(t, uint64(15), call())
	hookA.Unhook()
	assert.Equal(t, uint64(5), call())
	assert.Equal(t, method, vtable[0], "slot fully restored")
}

func TestVmtEnableDisable(t *testing.T) {
	method := jit(t, func(a *asm.Assembler) {
		a.MovReg(asm.X0, asm.X1)
		a.Ret()
	})
	replacement := jit(t, func(a *asm.Assembler) {
		a.Movz(asm.X0, 99, 0)
		a.Ret()
	})

	vtable := []uint64{method}
	obj := &fakeObject{vtable: &vtable[0]}
	vh := urhook.VmtAttach(uintptr(unsafe.Pointer(obj)))

	hook, err := vh.Hook(0, uintptr(replacement))
	require.NoError(t, err)
	assert.Equal(t, replacement, vtable[0])

	assert.False(t, hook.Enable(), "already enabled")
	assert.True(t, hook.Disable())
	assert.Equal(t, method, vtable[0])
	assert.False(t, hook.Disable(), "already disabled")
	assert.True(t, hook.Enable())
	assert.Equal(t, replacement, vtable[0])

	require.NoError(t, hook.Close())
	assert.Equal(t, method, vtable[0])
	assert.False(t, hook.Enable(), "closed handles stay dead")
}

func TestVmtHookValidation(t *testing.T) {
	vh := urhook.VmtAttachTable(0)
	_, err := vh.Hook(0, 0x1000)
	require.ErrorIs(t, err, urhook.ErrInvalidArgument)

	vtable := []uint64{0x1000}
	vh = urhook.VmtAttachTable(uint64(uintptr(unsafe.Pointer(&vtable[0]))))
	_, err = vh.Hook(-1, 0x1000)
	require.ErrorIs(t, err, urhook.ErrInvalidArgument)
}
