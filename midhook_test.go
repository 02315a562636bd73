package urhook_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SMlc666/urhook"
	"github.com/SMlc666/urhook/internal/asm"
)

func TestMidHookModifiesRegister(t *testing.T) {
	// Target computes a+b; the mid-hook fires on its first instruction.
	target := jit(t, func(a *asm.Assembler) {
		a.AddReg(asm.X0, asm.X0, asm.X1)
		a.Nop()
		a.Nop()
		a.Nop()
		a.Nop()
		a.Nop()
		a.Ret()
	})
	f := callable[func(uint64, uint64) uint64](target)
	require.Equal(t, uint64(15), f(5, 10))

	// The callback is itself JIT code following the C ABI: record the
	// original X0 slot, then overwrite it with 100.
	var observed uint64
	observedAddr := uint64(uintptr(unsafe.Pointer(&observed)))
	callback := jit(t, func(a *asm.Assembler) {
		a.LoadImmediate(asm.X2, observedAddr)
		a.Ldr(asm.X3, asm.X0, 0)
		a.Str(asm.X3, asm.X2, 0)
		a.Movz(asm.X4, 100, 0)
		a.Str(asm.X4, asm.X0, 0)
		a.Ret()
	})

	m, err := urhook.MidInstall(target, uintptr(callback))
	require.NoError(t, err)
	require.True(t, m.IsValid())

	assert.Equal(t, uint64(110), f(5, 10), "overwritten X0 flows into the add")
	assert.Equal(t, uint64(5), observed, "callback sees the pre-modification value")

	assert.True(t, m.Disable())
	assert.Equal(t, uint64(15), f(5, 10))
	assert.True(t, m.Enable())
	assert.Equal(t, uint64(110), f(5, 10))

	require.NoError(t, m.Uninstall())
	assert.Equal(t, uint64(15), f(5, 10))
}

func TestMidHookPreservesUntouchedRegisters(t *testing.T) {
	// Target folds both arguments so a stub that failed to restore X0 or X1
	// would corrupt the result: f(a,b) = a + b + (a<<1).
	target := jit(t, func(a *asm.Assembler) {
		a.Lsl(asm.X2, asm.X0, 1)
		a.AddReg(asm.X0, asm.X0, asm.X1)
		a.AddReg(asm.X0, asm.X0, asm.X2)
		a.Nop()
		a.Nop()
		a.Nop()
		a.Ret()
	})
	f := callable[func(uint64, uint64) uint64](target)
	require.Equal(t, uint64(3*7+11), f(7, 11))

	// A callback that does nothing must be invisible.
	callback := jit(t, func(a *asm.Assembler) {
		a.Ret()
	})
	m, err := urhook.MidInstall(target, uintptr(callback))
	require.NoError(t, err)
	assert.Equal(t, uint64(3*7+11), f(7, 11))
	require.NoError(t, m.Uninstall())
}

func TestMidHookValidation(t *testing.T) {
	_, err := urhook.MidInstall(0, 0x1000)
	require.ErrorIs(t, err, urhook.ErrInvalidArgument)
	_, err = urhook.MidInstall(0x1000, 0)
	require.ErrorIs(t, err, urhook.ErrInvalidArgument)
}

func TestCpuContextAccessors(t *testing.T) {
	var ctx urhook.CpuContext
	ctx.SetX(0, 42)
	assert.Equal(t, uint64(42), ctx.X(0))
	ctx.SetLR(0xCAFE)
	assert.Equal(t, uint64(0xCAFE), ctx.LR())
	assert.Equal(t, uint64(0xCAFE), ctx.Regs[30])
}
