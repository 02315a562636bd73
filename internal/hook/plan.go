// Package hook implements the inline-hook engine: the process-wide registry
// of hooked targets, chain management for stacked detours, trampoline
// synthesis with PC-relative relocation, patch planning, and the JIT-built
// mid-function detour stub.
package hook

import (
	"errors"

	"github.com/SMlc666/urhook/internal/asm"
)

// Hook errors. Public wrappers re-export these; errors.Is selects the kind.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrDecode          = errors.New("no instructions decoded at target")
	ErrTargetTooShort  = errors.New("target too short to relocate")
	ErrNotFound        = errors.New("hook not found")
)

// PlanPatch selects the shortest branch sequence that transfers control from
// target to dest: a plain B when the displacement fits, an ADRP+ADD+BR pad
// when the destination page is reachable, and the 20-byte absolute jump
// otherwise. The returned words are position-dependent and valid only at
// target.
func PlanPatch(target, dest uint64) ([]uint32, error) {
	a := asm.New(target)
	if err := a.B(dest); err == nil {
		return a.Words(), nil
	}

	a = asm.New(target)
	if err := a.Adrp(asm.X16, dest); err == nil {
		if err := a.AddImm(asm.X16, asm.X16, uint16(dest&0xFFF), false); err != nil {
			return nil, err
		}
		if err := a.BR(asm.X16); err != nil {
			return nil, err
		}
		return a.Words(), nil
	}

	a = asm.New(target)
	if err := a.AbsJump(dest, asm.X16); err != nil {
		return nil, err
	}
	return a.Words(), nil
}
