// Package mem provides the raw memory primitives the hook engine builds on:
// in-process reads and writes at arbitrary addresses, page protection
// changes, instruction-cache maintenance and the ordered patch write that
// keeps concurrent fetches of a patched word consistent.
package mem

import (
	"errors"
	"fmt"
	"os"
	"unsafe"
)

// Protection bits, matching PROT_* values.
const (
	ProtNone  = 0
	ProtRead  = 1
	ProtWrite = 2
	ProtExec  = 4
)

// ErrProtect is wrapped by failures to change page permissions or to write
// through them.
var ErrProtect = errors.New("memory permission change failed")

var pageSize = uint64(os.Getpagesize())

// PageSize returns the system page size.
func PageSize() uint64 { return pageSize }

// pageSpan expands [addr, addr+size) to page boundaries.
func pageSpan(addr, size uint64) (start, length uint64) {
	start = addr &^ (pageSize - 1)
	length = (addr + size + pageSize - 1 - start) &^ (pageSize - 1)
	return start, length
}

// Read copies size bytes at addr into a fresh slice. The address must be
// mapped readable; the process faults otherwise, exactly as the original
// access would.
func Read(addr uint64, size int) []byte {
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)
	dst := make([]byte, size)
	copy(dst, src)
	return dst
}

// ReadWord reads one naturally aligned 32-bit little-endian word.
func ReadWord(addr uint64) uint32 {
	return *(*uint32)(unsafe.Pointer(uintptr(addr)))
}

// Write copies buf to addr. The pages must already be writable.
func Write(addr uint64, buf []byte) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(buf))
	copy(dst, buf)
}

// ReadPointer loads a pointer-sized value from addr.
func ReadPointer(addr uint64) uint64 {
	return *(*uint64)(unsafe.Pointer(uintptr(addr)))
}

// WritePointer stores a pointer-sized value at addr.
func WritePointer(addr uint64, value uint64) {
	*(*uint64)(unsafe.Pointer(uintptr(addr))) = value
}

// AtomicPatch rewrites code bytes at addr so that a concurrent instruction
// fetch of the first word observes either the old or the new encoding, never
// a torn one: the tail of the patch is written first and the head word last,
// with a single aligned 32-bit store. The pages are made writable for the
// duration and restored to R+X afterwards.
func AtomicPatch(addr uint64, code []byte) error {
	if len(code) == 0 {
		return nil
	}
	if addr%4 != 0 || len(code)%4 != 0 {
		return fmt.Errorf("%w: patch at %#x len %d not word aligned", ErrProtect, addr, len(code))
	}
	if err := Protect(addr, uint64(len(code)), ProtRead|ProtWrite|ProtExec); err != nil {
		return err
	}
	if len(code) > 4 {
		Write(addr+4, code[4:])
		FlushICache(addr+4, uint64(len(code)-4))
	}
	head := uint32(code[0]) | uint32(code[1])<<8 | uint32(code[2])<<16 | uint32(code[3])<<24
	storeWordAtomic(addr, head)
	FlushICache(addr, 4)
	return Protect(addr, uint64(len(code)), ProtRead|ProtExec)
}

func storeWordAtomic(addr uint64, word uint32) {
	// A naturally aligned 32-bit store is single-copy atomic on AArch64.
	*(*uint32)(unsafe.Pointer(uintptr(addr))) = word
}
