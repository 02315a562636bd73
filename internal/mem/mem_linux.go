package mem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Protect changes the protection of every page overlapping
// [addr, addr+size) to prot.
func Protect(addr, size uint64, prot int) error {
	start, length := pageSpan(addr, size)
	page := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(start))), length)
	if err := unix.Mprotect(page, prot); err != nil {
		return fmt.Errorf("%w: mprotect %#x+%#x: %v", ErrProtect, start, length, err)
	}
	return nil
}
