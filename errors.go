// Package urhook intercepts functions of the running process on AArch64
// Linux and Android. It offers four interception points: inline hooks that
// rewrite a function prologue and hand back a callable trampoline, mid
// function hooks that expose the register file to a callback at an arbitrary
// instruction, virtual method table hooks, and PLT/GOT hooks for dynamically
// linked symbols.
//
// All entry points take plain integer addresses and raw C-ABI function
// pointers; the caller casts the trampoline to the hooked signature at the
// call site.
package urhook

import (
	"github.com/SMlc666/urhook/internal/arena"
	"github.com/SMlc666/urhook/internal/asm"
	"github.com/SMlc666/urhook/internal/elfsym"
	"github.com/SMlc666/urhook/internal/hook"
	"github.com/SMlc666/urhook/internal/log"
	"github.com/SMlc666/urhook/internal/mem"
)

// Error kinds surfaced by the public API. Match with errors.Is; every
// returned error wraps exactly one of these.
var (
	// ErrInvalidArgument covers zero targets, nil detours while enabling and
	// similar caller mistakes.
	ErrInvalidArgument = hook.ErrInvalidArgument
	// ErrOutOfRange reports an instruction operand outside its encodable range.
	ErrOutOfRange = asm.ErrOutOfRange
	// ErrInvalidBitmask reports a logical immediate with no (N, immr, imms)
	// encoding.
	ErrInvalidBitmask = asm.ErrInvalidBitmask
	// ErrUnsupported reports an operand combination with no encoding, such as
	// a width-changing FMOV.
	ErrUnsupported = asm.ErrUnsupported
	// ErrDecode means no instruction could be decoded at the target.
	ErrDecode = hook.ErrDecode
	// ErrTargetTooShort means the target cannot supply enough relocatable
	// bytes for the chosen patch sequence.
	ErrTargetTooShort = hook.ErrTargetTooShort
	// ErrAllocation means no executable memory could be mapped.
	ErrAllocation = arena.ErrAlloc
	// ErrMemoryPermission means mprotect or a patch write failed.
	ErrMemoryPermission = mem.ErrProtect
	// ErrParse covers ELF and /proc/self/maps parse failures.
	ErrParse = elfsym.ErrParse
	// ErrNotFound means the handle no longer names an installed hook.
	ErrNotFound = hook.ErrNotFound
)

// SetDebugLogging turns on structured debug logging for the whole library.
// Off by default; only the first call has any effect.
func SetDebugLogging() {
	log.Init(true)
}
