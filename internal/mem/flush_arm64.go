package mem

/*
// AArch64 does not keep the instruction cache coherent with stores, so every
// code write is followed by an explicit flush. __builtin___clear_cache emits
// the architected DSB ISH; IC IVAU per line; DSB ISH; ISB sequence.

#include <stdint.h>
#include <stddef.h>
void urhook_flush_icache(uint64_t addr, size_t len) {
	char *start = (char *)addr;
	__builtin___clear_cache(start, start + len);
}
*/
import "C"

// FlushICache makes stores to [addr, addr+size) visible to instruction fetch.
func FlushICache(addr, size uint64) {
	if size == 0 {
		return
	}
	C.urhook_flush_icache(C.uint64_t(addr), C.size_t(size))
}
