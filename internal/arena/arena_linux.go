// Package arena allocates the RWX mappings that back trampolines and detour
// stubs. Besides plain anonymous mappings it implements a near-target
// placement policy: the detour stub must land within branch range of the
// patched function so that the shortest patch sequence can reach it.
package arena

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrAlloc is wrapped by every allocation failure.
var ErrAlloc = errors.New("executable memory allocation failed")

// NearWindow is the maximum distance from the target at which a near
// allocation is considered reachable, matching the range of B.
const NearWindow = 128 << 20

const (
	probeStep = 1 << 20 // candidate spacing when probing near the target
	probeMax  = 256     // total candidates, split across both directions
)

// Mapping is one page-aligned anonymous RWX mapping, owned exclusively by
// its creator and unmapped on Close.
type Mapping struct {
	data []byte
}

// Addr returns the base address of the mapping.
func (m *Mapping) Addr() uint64 {
	if m == nil || m.data == nil {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(m.data))))
}

// Size returns the mapping length in bytes.
func (m *Mapping) Size() uint64 {
	if m == nil {
		return 0
	}
	return uint64(len(m.data))
}

// Bytes exposes the mapping for writing. The slice aliases live code once
// the mapping is executed; callers flush the instruction cache after writes.
func (m *Mapping) Bytes() []byte { return m.data }

// Close unmaps the region. The mapping must no longer be executing.
func (m *Mapping) Close() error {
	if m == nil || m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}

func roundUpPage(size uint64) uint64 {
	page := uint64(unix.Getpagesize())
	return (size + page - 1) &^ (page - 1)
}

// Alloc maps size bytes of anonymous RWX memory anywhere in the address
// space.
func Alloc(size uint64) (*Mapping, error) {
	size = roundUpPage(size)
	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrAlloc, size, err)
	}
	return &Mapping{data: data}, nil
}

// AllocNear maps size bytes of RWX memory within NearWindow of target. It
// probes page-aligned candidates symmetrically outward from the target's
// page in 1 MiB steps, preferring MAP_FIXED_NOREPLACE and falling back to
// hinted requests whose results are validated for distance. If no near
// placement succeeds the allocation degrades to Alloc.
func AllocNear(target, size uint64) (*Mapping, error) {
	size = roundUpPage(size)
	page := uint64(unix.Getpagesize())
	base := target &^ (page - 1)

	for i := 1; i <= probeMax/2; i++ {
		delta := uint64(i) * probeStep
		candidates := []uint64{base + delta}
		if base > delta {
			candidates = append(candidates, base-delta)
		}
		for _, candidate := range candidates {
			if !within(candidate, size, target) {
				continue
			}
			if m := mmapAt(candidate, size, true); m != nil {
				return m, nil
			}
			if m := mmapAt(candidate, size, false); m != nil {
				if within(m.Addr(), size, target) {
					return m, nil
				}
				m.Close()
			}
		}
	}

	// One last hinted attempt right above the target page, then anywhere.
	if m := mmapAt(base+page, size, false); m != nil {
		if within(m.Addr(), size, target) {
			return m, nil
		}
		m.Close()
	}
	return Alloc(size)
}

// within reports whether every byte of a mapping at addr stays inside the
// near window around target.
func within(addr, size, target uint64) bool {
	lo, hi := addr, addr+size
	diff := func(a, b uint64) uint64 {
		if a > b {
			return a - b
		}
		return b - a
	}
	return diff(lo, target) < NearWindow && diff(hi, target) < NearWindow
}

// mmapAt requests a mapping at addr. With fixed set it uses
// MAP_FIXED_NOREPLACE, which either lands exactly there or fails without
// clobbering existing mappings; kernels without support fail the same way.
func mmapAt(addr, size uint64, fixed bool) *Mapping {
	flags := uintptr(unix.MAP_ANON | unix.MAP_PRIVATE)
	if fixed {
		flags |= unix.MAP_FIXED_NOREPLACE
	}
	r0, _, errno := unix.Syscall6(unix.SYS_MMAP,
		uintptr(addr), uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		flags, ^uintptr(0), 0)
	if errno != 0 {
		return nil
	}
	if fixed && uint64(r0) != addr {
		// Pre-4.17 kernels ignore the flag and treat it as a hint.
		unix.Syscall(unix.SYS_MUNMAP, r0, uintptr(size), 0)
		return nil
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(r0)), size)
	return &Mapping{data: data}
}
