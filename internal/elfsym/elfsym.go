// Package elfsym resolves dynamic symbols of ELF modules already loaded in
// the current process. It walks the in-memory image starting at the module
// base: program headers lead to PT_DYNAMIC, which supplies the symbol and
// string tables, the hash tables and the PLT relocation table.
package elfsym

import (
	"debug/elf"
	"errors"
	"fmt"
	"unsafe"
)

// ErrParse is wrapped by every failure to interpret the image.
var ErrParse = errors.New("elf parse failed")

// Module is a parsed in-memory ELF image.
type Module struct {
	base uint64
	bias uint64

	dynsym  uint64
	dynstr  uint64
	gnuHash uint64
	sysv    uint64

	jmprel     uint64
	jmprelSize uint64
	pltRelType int64
}

func deref[T any](addr uint64) *T {
	return (*T)(unsafe.Pointer(uintptr(addr)))
}

func cstring(addr uint64) string {
	if addr == 0 {
		return ""
	}
	p := addr
	for *deref[byte](p) != 0 {
		p++
	}
	return string(unsafe.Slice(deref[byte](addr), p-addr))
}

// Open parses the module whose ELF header is mapped at base.
func Open(base uint64) (*Module, error) {
	if base == 0 {
		return nil, fmt.Errorf("%w: zero base", ErrParse)
	}
	hdr := deref[elf.Header64](base)
	if hdr.Ident[0] != 0x7F || hdr.Ident[1] != 'E' || hdr.Ident[2] != 'L' || hdr.Ident[3] != 'F' {
		return nil, fmt.Errorf("%w: bad magic at %#x", ErrParse, base)
	}
	if elf.Class(hdr.Ident[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%w: not a 64-bit image", ErrParse)
	}
	if elf.Machine(hdr.Machine) != elf.EM_AARCH64 {
		return nil, fmt.Errorf("%w: machine %d is not AArch64", ErrParse, hdr.Machine)
	}

	m := &Module{base: base}

	phdrs := unsafe.Slice(deref[elf.Prog64](base+hdr.Phoff), hdr.Phnum)
	var dynamic *elf.Prog64
	minVaddr := ^uint64(0)
	for i := range phdrs {
		switch elf.ProgType(phdrs[i].Type) {
		case elf.PT_LOAD:
			if phdrs[i].Vaddr < minVaddr {
				minVaddr = phdrs[i].Vaddr
			}
		case elf.PT_DYNAMIC:
			dynamic = &phdrs[i]
		}
	}
	if minVaddr == ^uint64(0) {
		return nil, fmt.Errorf("%w: no PT_LOAD segment", ErrParse)
	}
	m.bias = base - minVaddr
	if dynamic == nil {
		return nil, fmt.Errorf("%w: no PT_DYNAMIC segment", ErrParse)
	}

	for addr := m.bias + dynamic.Vaddr; ; addr += uint64(unsafe.Sizeof(elf.Dyn64{})) {
		d := deref[elf.Dyn64](addr)
		tag := elf.DynTag(d.Tag)
		if tag == elf.DT_NULL {
			break
		}
		switch tag {
		case elf.DT_STRTAB:
			m.dynstr = m.bias + d.Val
		case elf.DT_SYMTAB:
			m.dynsym = m.bias + d.Val
		case elf.DT_GNU_HASH:
			m.gnuHash = m.bias + d.Val
		case elf.DT_HASH:
			m.sysv = m.bias + d.Val
		case elf.DT_JMPREL:
			m.jmprel = m.bias + d.Val
		case elf.DT_PLTRELSZ:
			m.jmprelSize = d.Val
		case elf.DT_PLTREL:
			m.pltRelType = int64(d.Val)
		}
	}
	if m.dynsym == 0 || m.dynstr == 0 {
		return nil, fmt.Errorf("%w: no dynamic symbol table", ErrParse)
	}
	return m, nil
}

// Base returns the module load address.
func (m *Module) Base() uint64 { return m.base }

// Bias returns the load bias applied to virtual addresses in the image.
func (m *Module) Bias() uint64 { return m.bias }

func (m *Module) sym(idx uint32) *elf.Sym64 {
	return deref[elf.Sym64](m.dynsym + uint64(idx)*uint64(unsafe.Sizeof(elf.Sym64{})))
}

func (m *Module) symName(s *elf.Sym64) string {
	return cstring(m.dynstr + uint64(s.Name))
}

// sttGNUIFunc is elf.STT_GNU_IFUNC, a GNU extension not defined by the
// debug/elf package on this toolchain's Go version; the numeric value is
// fixed by the ELF gABI GNU extension (glibc elf.h).
const sttGNUIFunc = elf.SymType(10)

// resolve converts a matched symbol to its runtime address, running the
// resolver of an STT_GNU_IFUNC symbol to obtain the real implementation.
func (m *Module) resolve(s *elf.Sym64) (uint64, bool) {
	typ := elf.ST_TYPE(s.Info)
	if typ != elf.STT_FUNC && typ != elf.STT_OBJECT && typ != sttGNUIFunc {
		return 0, false
	}
	if elf.SectionIndex(s.Shndx) == elf.SHN_UNDEF {
		return 0, false
	}
	addr := m.bias + s.Value
	if typ == sttGNUIFunc {
		return callResolver(addr), true
	}
	return addr, true
}

// Find resolves a dynamic symbol by name, trying DT_GNU_HASH, then DT_HASH,
// then a linear scan of the dynamic symbol table.
func (m *Module) Find(name string) (uint64, bool) {
	if m.gnuHash != 0 {
		if addr, ok := m.findGnuHash(name); ok {
			return addr, true
		}
	}
	if m.sysv != 0 {
		if addr, ok := m.findSysvHash(name); ok {
			return addr, true
		}
	}
	return m.findLinear(name)
}

func gnuHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h<<5 + h + uint32(name[i])
	}
	return h
}

func (m *Module) findGnuHash(name string) (uint64, bool) {
	words := deref[[4]uint32](m.gnuHash)
	nbuckets := uint64(words[0])
	symOffset := words[1]
	bloomSize := uint64(words[2])
	bloomShift := words[3]
	if nbuckets == 0 || bloomSize == 0 {
		return 0, false
	}
	bloom := m.gnuHash + 16
	buckets := bloom + bloomSize*8
	chains := buckets + nbuckets*4

	h := gnuHash(name)
	word := *deref[uint64](bloom + (uint64(h)/64%bloomSize)*8)
	if word>>(h%64)&(word>>(uint32(h)>>bloomShift%64))&1 == 0 {
		return 0, false
	}

	idx := *deref[uint32](buckets + uint64(h)%nbuckets*4)
	if idx < symOffset {
		return 0, false
	}
	for {
		chainHash := *deref[uint32](chains + uint64(idx-symOffset)*4)
		if h|1 == chainHash|1 {
			s := m.sym(idx)
			if m.symName(s) == name {
				if addr, ok := m.resolve(s); ok {
					return addr, true
				}
			}
		}
		if chainHash&1 != 0 {
			return 0, false
		}
		idx++
	}
}

func sysvHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		if g := h & 0xF0000000; g != 0 {
			h ^= g >> 24
			h &^= g
		}
	}
	return h
}

func (m *Module) findSysvHash(name string) (uint64, bool) {
	nbucket := uint64(*deref[uint32](m.sysv))
	if nbucket == 0 {
		return 0, false
	}
	buckets := m.sysv + 8
	chains := buckets + nbucket*4

	h := sysvHash(name)
	for idx := *deref[uint32](buckets + uint64(h)%nbucket*4); idx != 0; idx = *deref[uint32](chains + uint64(idx)*4) {
		s := m.sym(idx)
		if m.symName(s) == name {
			if addr, ok := m.resolve(s); ok {
				return addr, true
			}
		}
	}
	return 0, false
}

// symCount bounds the dynamic symbol table using whichever hash table is
// present; the table itself carries no explicit length.
func (m *Module) symCount() uint32 {
	if m.sysv != 0 {
		return *deref[uint32](m.sysv + 4) // nchain
	}
	if m.gnuHash == 0 {
		return 0
	}
	words := deref[[4]uint32](m.gnuHash)
	nbuckets := uint64(words[0])
	symOffset := words[1]
	bloomSize := uint64(words[2])
	buckets := m.gnuHash + 16 + bloomSize*8
	chains := buckets + nbuckets*4

	max := uint32(0)
	for b := uint64(0); b < nbuckets; b++ {
		idx := *deref[uint32](buckets + b*4)
		if idx < symOffset {
			continue
		}
		for {
			if idx+1 > max {
				max = idx + 1
			}
			if *deref[uint32](chains+uint64(idx-symOffset)*4)&1 != 0 {
				break
			}
			idx++
		}
	}
	return max
}

func (m *Module) findLinear(name string) (uint64, bool) {
	count := m.symCount()
	for i := uint32(0); i < count; i++ {
		s := m.sym(i)
		if m.symName(s) != name {
			continue
		}
		if addr, ok := m.resolve(s); ok {
			return addr, true
		}
	}
	return 0, false
}

// GotSlot returns the address of the GOT entry that the PLT uses for the
// named symbol, located through DT_JMPREL. Both REL and RELA forms are
// accepted; only R_AARCH64_JUMP_SLOT relocations are considered.
func (m *Module) GotSlot(name string) (uint64, error) {
	if m.jmprel == 0 || m.jmprelSize == 0 {
		return 0, fmt.Errorf("%w: module has no DT_JMPREL", ErrParse)
	}
	entSize := uint64(unsafe.Sizeof(elf.Rela64{}))
	rela := true
	if elf.DynTag(m.pltRelType) == elf.DT_REL {
		entSize = uint64(unsafe.Sizeof(elf.Rel64{}))
		rela = false
	}
	for off := uint64(0); off+entSize <= m.jmprelSize; off += entSize {
		var rOffset uint64
		var rInfo uint64
		if rela {
			r := deref[elf.Rela64](m.jmprel + off)
			rOffset, rInfo = r.Off, r.Info
		} else {
			r := deref[elf.Rel64](m.jmprel + off)
			rOffset, rInfo = r.Off, r.Info
		}
		if elf.R_AARCH64(rInfo&0xFFFFFFFF) != elf.R_AARCH64_JUMP_SLOT {
			continue
		}
		s := m.sym(uint32(rInfo >> 32))
		if m.symName(s) == name {
			return m.bias + rOffset, nil
		}
	}
	return 0, fmt.Errorf("%w: symbol %q has no jump slot", ErrParse, name)
}
