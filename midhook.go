package urhook

import (
	"github.com/SMlc666/urhook/internal/arena"
	"github.com/SMlc666/urhook/internal/hook"
)

// CpuContext is the register file a mid-hook callback receives: slots 0..29
// are X0..X29, slot 30 is LR, slot 31 is reserved padding. Writes to slots
// 0..30 are loaded back into the registers when the callback returns;
// writing slot 31 has no defined effect. FP and SIMD registers are not
// captured, so a callback that clobbers V0..V31 corrupts its caller.
type CpuContext struct {
	Regs [32]uint64
}

// X returns the saved value of Xn.
func (c *CpuContext) X(n int) uint64 {
	return c.Regs[n]
}

// SetX overwrites the saved value of Xn; the register holds the new value
// when the original instruction stream resumes.
func (c *CpuContext) SetX(n int, v uint64) {
	c.Regs[n] = v
}

// LR returns the saved link register.
func (c *CpuContext) LR() uint64 {
	return c.Regs[30]
}

// SetLR overwrites the saved link register.
func (c *CpuContext) SetLR(v uint64) {
	c.Regs[30] = v
}

// MidHook intercepts an arbitrary instruction inside a function. It is an
// inline hook whose detour is a JIT-built stub that spills the registers,
// calls a C-ABI callback `void cb(CpuContext*)` and resumes the original
// instruction stream with the possibly modified registers.
type MidHook struct {
	inline *InlineHook
	stub   *arena.Mapping
}

// MidInstall hooks the instruction at target and arranges for callback to
// observe and modify the register file each time execution reaches it. The
// callback must follow the C ABI and take a single *CpuContext argument.
func MidInstall(target uint64, callback uintptr) (*MidHook, error) {
	if target == 0 || callback == 0 {
		return nil, ErrInvalidArgument
	}

	// Stage a disabled inline hook first; its trampoline is where the stub
	// resumes the original code.
	inline, err := InlineInstall(target, 0, false)
	if err != nil {
		return nil, err
	}
	stub, err := hook.BuildMidStub(uint64(callback), inline.Trampoline())
	if err != nil {
		_ = inline.Uninstall()
		return nil, err
	}
	if err := inline.SetDetour(uintptr(stub.Addr())); err != nil {
		stub.Close()
		_ = inline.Uninstall()
		return nil, err
	}
	if !inline.Enable() {
		stub.Close()
		_ = inline.Uninstall()
		return nil, ErrInvalidArgument
	}
	return &MidHook{inline: inline, stub: stub}, nil
}

// IsValid reports whether the hook is still installed.
func (m *MidHook) IsValid() bool {
	return m != nil && m.inline.IsValid()
}

// Enable reactivates a disabled mid-hook.
func (m *MidHook) Enable() bool {
	return m.IsValid() && m.inline.Enable()
}

// Disable deactivates the mid-hook, leaving it installed.
func (m *MidHook) Disable() bool {
	return m.IsValid() && m.inline.Disable()
}

// Uninstall removes the hook and frees the JIT stub.
func (m *MidHook) Uninstall() error {
	if !m.IsValid() {
		return ErrNotFound
	}
	err := m.inline.Uninstall()
	m.stub.Close()
	m.stub = nil
	return err
}

// Close uninstalls the hook, swallowing errors.
func (m *MidHook) Close() error {
	if m.IsValid() {
		_ = m.Uninstall()
	}
	return nil
}
