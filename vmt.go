package urhook

import (
	"github.com/SMlc666/urhook/internal/log"
	"github.com/SMlc666/urhook/internal/mem"
	"github.com/SMlc666/urhook/internal/threads"
)

// VmtHook swaps entries of a C++-style virtual method table: an array of
// function pointers in readable memory, reached through the first pointer
// sized field of an object instance.
type VmtHook struct {
	vmt uint64
}

// VmtAttach reads the vtable pointer out of the object at instance.
func VmtAttach(instance uintptr) *VmtHook {
	return &VmtHook{vmt: mem.ReadPointer(uint64(instance))}
}

// VmtAttachTable attaches to a vtable directly by its address.
func VmtAttachTable(vmt uint64) *VmtHook {
	return &VmtHook{vmt: vmt}
}

// Table returns the vtable address.
func (v *VmtHook) Table() uint64 { return v.vmt }

// Hook replaces the function pointer at the given slot index. Hooking the
// same slot repeatedly chains: each replacement captures the previous
// occupant as its original. The swap happens with sibling threads frozen and
// the slot's pre-write permissions are restored afterwards.
func (v *VmtHook) Hook(index int, replacement uintptr) (*VmHook, error) {
	if v == nil || v.vmt == 0 || index < 0 {
		return nil, ErrInvalidArgument
	}
	slot := v.vmt + uint64(index)*8
	original := mem.ReadPointer(slot)

	if err := writeSlot(slot, uint64(replacement)); err != nil {
		return nil, err
	}
	log.L.Debug("vmt slot hooked", log.Addr(slot), log.Ptr("original", original), log.Ptr("replacement", uint64(replacement)))
	return &VmHook{slot: slot, original: original, replacement: uint64(replacement), enabled: true}, nil
}

// VmHook is one hooked vtable slot.
type VmHook struct {
	slot        uint64
	original    uint64
	replacement uint64
	enabled     bool
}

// Original returns the function pointer the slot held before this hook.
// Cast it to the method's signature to call the previous behavior.
func (s *VmHook) Original() uint64 { return s.original }

// Enable re-points the slot at the replacement. Returns false when already
// enabled or the hook was unhooked.
func (s *VmHook) Enable() bool {
	if s == nil || s.slot == 0 || s.enabled {
		return false
	}
	if err := writeSlot(s.slot, s.replacement); err != nil {
		return false
	}
	s.enabled = true
	return true
}

// Disable restores the slot to the captured original without forgetting the
// hook. Returns false when already disabled or unhooked.
func (s *VmHook) Disable() bool {
	if s == nil || s.slot == 0 || !s.enabled {
		return false
	}
	if err := writeSlot(s.slot, s.original); err != nil {
		return false
	}
	s.enabled = false
	return true
}

// Unhook restores the original pointer and invalidates the handle.
func (s *VmHook) Unhook() {
	if s == nil || s.slot == 0 {
		return
	}
	if s.enabled {
		if err := writeSlot(s.slot, s.original); err != nil {
			log.L.Warn("vmt restore failed", log.Addr(s.slot), log.Err(err))
		}
	}
	s.slot = 0
	s.original = 0
	s.replacement = 0
	s.enabled = false
}

// Close unhooks the slot; safe to call twice.
func (s *VmHook) Close() error {
	s.Unhook()
	return nil
}

// writeSlot swaps one function pointer under stop-the-world, restoring the
// slot's previous page permissions after the write.
func writeSlot(slot, value uint64) error {
	restoreProt := mem.ProtRead
	if region, ok := mem.FindRegion(slot); ok {
		if p := region.Prot(); p != mem.ProtNone {
			restoreProt = p
		}
	}

	threads.SuspendAllOtherThreads()
	defer threads.ResumeAllOtherThreads()

	if err := mem.Protect(slot, 8, mem.ProtRead|mem.ProtWrite); err != nil {
		return err
	}
	mem.WritePointer(slot, value)
	return mem.Protect(slot, 8, restoreProt)
}
