package elfsym

/*
typedef void* (*urhook_resolver_fn)(void);
static void* urhook_call_resolver(void *fn) {
	return ((urhook_resolver_fn)fn)();
}
*/
import "C"

import "unsafe"

// callResolver invokes an STT_GNU_IFUNC resolver and returns the address of
// the selected implementation.
func callResolver(addr uint64) uint64 {
	return uint64(uintptr(C.urhook_call_resolver(unsafe.Pointer(uintptr(addr)))))
}
