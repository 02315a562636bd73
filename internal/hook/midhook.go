package hook

import (
	"github.com/SMlc666/urhook/internal/arena"
	"github.com/SMlc666/urhook/internal/asm"
	"github.com/SMlc666/urhook/internal/mem"
)

// CpuContextSize is the stack reservation for a mid-hook register spill:
// 32 slots of 8 bytes, keeping SP 16-byte aligned. Slots 0..29 hold X0..X29,
// slot 30 holds LR, slot 31 is reserved.
const CpuContextSize = 32 * 8

const lrSlotOffset = 30 * 8

// BuildMidStub JIT-assembles the detour body of a mid-function hook: spill
// the general purpose register file to the stack, call the callback with a
// pointer to the spill area in x0, reload the possibly modified registers,
// and tail-jump into the trampoline so the displaced original prefix runs.
// FP and SIMD registers are not preserved; a callback that clobbers them
// corrupts its caller.
func BuildMidStub(callback, trampoline uint64) (*arena.Mapping, error) {
	a := asm.New(0)

	if err := a.SubImm(asm.SP, asm.SP, CpuContextSize, false); err != nil {
		return nil, err
	}
	for i := 0; i < 30; i += 2 {
		if err := a.Stp(asm.X(i), asm.X(i+1), asm.SP, int64(i*8), asm.Offset); err != nil {
			return nil, err
		}
	}
	if err := a.Str(asm.LR, asm.SP, lrSlotOffset); err != nil {
		return nil, err
	}

	// The callback sees the spill area as its first argument.
	if err := a.MovReg(asm.X0, asm.SP); err != nil {
		return nil, err
	}
	if err := a.AbsCall(callback, asm.X16); err != nil {
		return nil, err
	}

	for i := 0; i < 30; i += 2 {
		if err := a.Ldp(asm.X(i), asm.X(i+1), asm.SP, int64(i*8), asm.Offset); err != nil {
			return nil, err
		}
	}
	if err := a.Ldr(asm.LR, asm.SP, lrSlotOffset); err != nil {
		return nil, err
	}
	if err := a.AddImm(asm.SP, asm.SP, CpuContextSize, false); err != nil {
		return nil, err
	}

	if err := a.AbsJump(trampoline, asm.X16); err != nil {
		return nil, err
	}

	code := a.Bytes()
	m, err := arena.Alloc(uint64(len(code)))
	if err != nil {
		return nil, err
	}
	copy(m.Bytes(), code)
	mem.FlushICache(m.Addr(), uint64(len(code)))
	return m, nil
}
