package urhook

import (
	"github.com/SMlc666/urhook/internal/hook"
)

// InlineHook is a handle to one entry in a target's detour chain. Handles
// are safe to copy; all of them name the same entry and become invalid
// together once the entry is uninstalled.
type InlineHook struct {
	h     hook.Handle
	valid bool
}

// InlineInstall redirects calls of the function at target to detour. With
// enableNow false the hook is staged but the target is left untouched until
// Enable. Multiple hooks on one target chain: the newest installed entry
// runs first and reaches the previous head through CallOriginal.
func InlineInstall(target uint64, detour uintptr, enableNow bool) (*InlineHook, error) {
	h, err := hook.Global().Install(target, uint64(detour), enableNow)
	if err != nil {
		return nil, err
	}
	return &InlineHook{h: h, valid: true}, nil
}

// IsValid reports whether the handle still names an installed entry.
func (h *InlineHook) IsValid() bool {
	return h != nil && h.valid
}

// Trampoline returns the address of the relocated original prefix. Calling
// it runs the unhooked function regardless of the chain state.
func (h *InlineHook) Trampoline() uint64 {
	if !h.IsValid() {
		return 0
	}
	return hook.Global().Trampoline(h.h)
}

// CallOriginal returns the address this entry should invoke to reach the
// original behavior: the next chained detour, or the trampoline at the tail
// of the chain. Cast it to the target's signature at the call site.
func (h *InlineHook) CallOriginal() uint64 {
	if !h.IsValid() {
		return 0
	}
	return hook.Global().CallNext(h.h)
}

// SetDetour swaps the entry's callback, rerouting live dispatch when this
// entry is the enabled head.
func (h *InlineHook) SetDetour(detour uintptr) error {
	if !h.IsValid() {
		return ErrNotFound
	}
	return hook.Global().SetDetour(h.h, uint64(detour))
}

// Enable activates the entry. Returns false when it was already enabled.
func (h *InlineHook) Enable() bool {
	if !h.IsValid() {
		return false
	}
	ok, err := hook.Global().Enable(h.h)
	return ok && err == nil
}

// Disable deactivates the entry without removing it from the chain. Returns
// false when it was already disabled.
func (h *InlineHook) Disable() bool {
	if !h.IsValid() {
		return false
	}
	ok, err := hook.Global().Disable(h.h)
	return ok && err == nil
}

// Uninstall removes the entry from the chain. Removing the last entry
// restores the target's original bytes and frees the backing mappings.
func (h *InlineHook) Uninstall() error {
	if !h.IsValid() {
		return ErrNotFound
	}
	h.valid = false
	return hook.Global().Uninstall(h.h)
}

// Close uninstalls the hook, swallowing errors. Safe to call twice.
func (h *InlineHook) Close() error {
	if h.IsValid() {
		_ = h.Uninstall()
	}
	return nil
}
