package asm

import "encoding/binary"

// CodeBuffer is an append-only sequence of 32-bit instruction words with a
// logical address. PC-relative displacements are computed against the address
// the next word will occupy.
type CodeBuffer struct {
	words []uint32
	base  uint64
	addr  uint64
}

// NewCodeBuffer returns an empty buffer whose first word will live at base.
func NewCodeBuffer(base uint64) *CodeBuffer {
	return &CodeBuffer{base: base, addr: base}
}

// Put appends one instruction word and advances the logical address by 4.
func (b *CodeBuffer) Put(word uint32) {
	b.words = append(b.words, word)
	b.addr += 4
}

// Addr returns the logical address of the next word to be emitted.
func (b *CodeBuffer) Addr() uint64 { return b.addr }

// Base returns the logical address of the first word.
func (b *CodeBuffer) Base() uint64 { return b.base }

// Len returns the emitted size in bytes.
func (b *CodeBuffer) Len() int { return len(b.words) * 4 }

// Words returns the emitted instruction words. The slice is owned by the
// buffer and must not be retained across further emission.
func (b *CodeBuffer) Words() []uint32 { return b.words }

// Bytes renders the buffer as little-endian machine code.
func (b *CodeBuffer) Bytes() []byte {
	out := make([]byte, len(b.words)*4)
	for i, w := range b.words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// truncate drops words emitted after mark and rewinds the logical address.
// Used to undo partial emission when a multi-word operation fails mid-way.
func (b *CodeBuffer) truncate(mark int) {
	b.words = b.words[:mark]
	b.addr = b.base + uint64(mark)*4
}

// mark returns the current word count for a later truncate.
func (b *CodeBuffer) mark() int { return len(b.words) }
