package asm

import (
	"errors"
	"fmt"
)

// Encoding errors. Operations wrap these with operand context; callers select
// the kind with errors.Is.
var (
	ErrOutOfRange     = errors.New("operand out of encodable range")
	ErrInvalidBitmask = errors.New("immediate is not a valid logical bitmask")
	ErrBadRegister    = errors.New("invalid register class for operation")
	ErrUnsupported    = errors.New("unsupported operand combination")
)

// Sizes of the absolute control transfer pseudo-sequences, in bytes.
const (
	AbsJumpSize = 20 // MOVZ + MOVK x3 + BR
	AbsCallSize = 28 // STP + MOVZ + MOVK x3 + BLR + LDP
)

// Assembler emits A64 instructions into a CodeBuffer. A failed operation
// leaves the buffer exactly as it was before the call.
type Assembler struct {
	buf *CodeBuffer
}

// New returns an Assembler emitting at the given logical address.
func New(addr uint64) *Assembler {
	return &Assembler{buf: NewCodeBuffer(addr)}
}

// NewOnBuffer returns an Assembler that appends to an existing buffer.
func NewOnBuffer(buf *CodeBuffer) *Assembler {
	return &Assembler{buf: buf}
}

// Buffer returns the underlying code buffer.
func (a *Assembler) Buffer() *CodeBuffer { return a.buf }

// Addr returns the logical address of the next instruction.
func (a *Assembler) Addr() uint64 { return a.buf.Addr() }

// Words returns the emitted instruction words.
func (a *Assembler) Words() []uint32 { return a.buf.Words() }

// Bytes returns the emitted machine code.
func (a *Assembler) Bytes() []byte { return a.buf.Bytes() }

func (a *Assembler) emit(word uint32) {
	a.buf.Put(word)
}

// sf returns the size bit for a GP destination, or an error for FP registers.
func sf(r Reg) (uint32, error) {
	switch {
	case r.IsX():
		return 1, nil
	case r.IsW():
		return 0, nil
	}
	return 0, fmt.Errorf("%w: %s is not a general purpose register", ErrBadRegister, r)
}

// branchOffset validates a PC-relative displacement against a signed bit
// width and 4-byte alignment.
func (a *Assembler) branchOffset(target uint64, bits uint) (int64, error) {
	off := int64(target) - int64(a.buf.Addr())
	limit := int64(1) << (bits + 1) // bits of the immediate field, scaled by 4
	if off < -limit || off > limit-4 {
		return 0, fmt.Errorf("%w: branch displacement %#x exceeds %d-bit range", ErrOutOfRange, off, bits+2)
	}
	if off&3 != 0 {
		return 0, fmt.Errorf("%w: branch displacement %#x not word aligned", ErrOutOfRange, off)
	}
	return off, nil
}

// B emits an unconditional branch to an absolute target within +/-128 MiB.
func (a *Assembler) B(target uint64) error {
	off, err := a.branchOffset(target, 26)
	if err != nil {
		return err
	}
	a.emit(0x14000000 | uint32(off>>2)&0x3FFFFFF)
	return nil
}

// BL emits a branch with link to an absolute target within +/-128 MiB.
func (a *Assembler) BL(target uint64) error {
	off, err := a.branchOffset(target, 26)
	if err != nil {
		return err
	}
	a.emit(0x94000000 | uint32(off>>2)&0x3FFFFFF)
	return nil
}

// Bcond emits a conditional branch to an absolute target within +/-1 MiB.
func (a *Assembler) Bcond(cond Cond, target uint64) error {
	off, err := a.branchOffset(target, 19)
	if err != nil {
		return err
	}
	a.emit(0x54000000 | (uint32(off>>2)&0x7FFFF)<<5 | uint32(cond))
	return nil
}

// BR emits an indirect branch through rn.
func (a *Assembler) BR(rn Reg) error {
	if !rn.IsX() || rn == SP {
		return fmt.Errorf("%w: BR requires an X register, got %s", ErrBadRegister, rn)
	}
	a.emit(0xD61F0000 | rn.HW()<<5)
	return nil
}

// BLR emits an indirect call through rn.
func (a *Assembler) BLR(rn Reg) error {
	if !rn.IsX() || rn == SP {
		return fmt.Errorf("%w: BLR requires an X register, got %s", ErrBadRegister, rn)
	}
	a.emit(0xD63F0000 | rn.HW()<<5)
	return nil
}

// Ret emits RET (branch to LR).
func (a *Assembler) Ret() {
	a.emit(0xD65F03C0)
}

// Cbz emits a compare-and-branch-if-zero to a target within +/-1 MiB.
func (a *Assembler) Cbz(rt Reg, target uint64) error {
	return a.compareBranch(rt, target, 0xB4000000)
}

// Cbnz emits a compare-and-branch-if-nonzero to a target within +/-1 MiB.
func (a *Assembler) Cbnz(rt Reg, target uint64) error {
	return a.compareBranch(rt, target, 0xB5000000)
}

func (a *Assembler) compareBranch(rt Reg, target uint64, op uint32) error {
	s, err := sf(rt)
	if err != nil {
		return err
	}
	off, err := a.branchOffset(target, 19)
	if err != nil {
		return err
	}
	a.emit(s<<31 | op&^(1<<31) | (uint32(off>>2)&0x7FFFF)<<5 | rt.HW())
	return nil
}

// Tbz emits a test-bit-and-branch-if-zero to a target within +/-32 KiB.
func (a *Assembler) Tbz(rt Reg, bit uint32, target uint64) error {
	return a.testBranch(rt, bit, target, 0x36000000)
}

// Tbnz emits a test-bit-and-branch-if-nonzero to a target within +/-32 KiB.
func (a *Assembler) Tbnz(rt Reg, bit uint32, target uint64) error {
	return a.testBranch(rt, bit, target, 0x37000000)
}

func (a *Assembler) testBranch(rt Reg, bit uint32, target uint64, op uint32) error {
	if _, err := sf(rt); err != nil {
		return err
	}
	width := uint32(64)
	if rt.IsW() {
		width = 32
	}
	if bit >= width {
		return fmt.Errorf("%w: bit %d out of range for %s", ErrOutOfRange, bit, rt)
	}
	off, err := a.branchOffset(target, 14)
	if err != nil {
		return err
	}
	a.emit(op | (bit>>5)<<31 | (bit&0x1F)<<19 | (uint32(off>>2)&0x3FFF)<<5 | rt.HW())
	return nil
}

// Adr emits ADR, materializing a PC-relative address within +/-1 MiB.
func (a *Assembler) Adr(rd Reg, target uint64) error {
	if !rd.IsX() || rd == SP {
		return fmt.Errorf("%w: ADR requires an X register, got %s", ErrBadRegister, rd)
	}
	off := int64(target) - int64(a.buf.Addr())
	if off < -(1<<20) || off >= 1<<20 {
		return fmt.Errorf("%w: ADR displacement %#x exceeds 21-bit range", ErrOutOfRange, off)
	}
	a.emit(0x10000000 | uint32(off&3)<<29 | (uint32(off>>2)&0x7FFFF)<<5 | rd.HW())
	return nil
}

// Adrp emits ADRP, materializing the 4 KiB page of target within +/-4 GiB.
func (a *Assembler) Adrp(rd Reg, target uint64) error {
	if !rd.IsX() || rd == SP {
		return fmt.Errorf("%w: ADRP requires an X register, got %s", ErrBadRegister, rd)
	}
	off := int64(target&^0xFFF) - int64(a.buf.Addr()&^0xFFF)
	pages := off >> 12
	if pages < -(1<<20) || pages >= 1<<20 {
		return fmt.Errorf("%w: ADRP displacement %#x exceeds 33-bit range", ErrOutOfRange, off)
	}
	a.emit(0x90000000 | uint32(pages&3)<<29 | (uint32(pages>>2)&0x7FFFF)<<5 | rd.HW())
	return nil
}

// Nop emits a no-op.
func (a *Assembler) Nop() {
	a.emit(0xD503201F)
}

// Brk emits a breakpoint with the given comment immediate.
func (a *Assembler) Brk(imm uint16) {
	a.emit(0xD4200000 | uint32(imm)<<5)
}

// Svc emits a supervisor call.
func (a *Assembler) Svc(imm uint16) {
	a.emit(0xD4000001 | uint32(imm)<<5)
}

// LoadImmediate materializes a 64-bit immediate in rd using MOVZ plus up to
// three MOVK, covering only the non-zero 16-bit chunks. A zero immediate
// emits a single MOVZ.
func (a *Assembler) LoadImmediate(rd Reg, imm uint64) error {
	mark := a.buf.mark()
	limit := 64
	if rd.IsW() {
		if imm>>32 != 0 {
			return fmt.Errorf("%w: immediate %#x does not fit %s", ErrOutOfRange, imm, rd)
		}
		limit = 32
	}
	first := true
	for shift := 0; shift < limit; shift += 16 {
		chunk := uint16(imm >> shift)
		if chunk == 0 {
			continue
		}
		var err error
		if first {
			err = a.Movz(rd, chunk, uint(shift))
			first = false
		} else {
			err = a.Movk(rd, chunk, uint(shift))
		}
		if err != nil {
			a.buf.truncate(mark)
			return err
		}
	}
	if first {
		if err := a.Movz(rd, 0, 0); err != nil {
			a.buf.truncate(mark)
			return err
		}
	}
	return nil
}

// AbsJump emits a fixed 20-byte absolute jump: the destination is built in
// scratch with MOVZ/MOVK x4 and control transfers with BR. All four move
// instructions are always emitted so the sequence size is constant.
func (a *Assembler) AbsJump(dest uint64, scratch Reg) error {
	mark := a.buf.mark()
	if err := a.movWide(dest, scratch); err != nil {
		a.buf.truncate(mark)
		return err
	}
	if err := a.BR(scratch); err != nil {
		a.buf.truncate(mark)
		return err
	}
	return nil
}

// AbsCall emits a fixed 28-byte absolute call: FP/LR are saved, the
// destination is built in scratch with MOVZ/MOVK x4, BLR transfers, and FP/LR
// are restored.
func (a *Assembler) AbsCall(dest uint64, scratch Reg) error {
	mark := a.buf.mark()
	err := a.Stp(FP, LR, SP, -16, PreIndex)
	if err == nil {
		err = a.movWide(dest, scratch)
	}
	if err == nil {
		err = a.BLR(scratch)
	}
	if err == nil {
		err = a.Ldp(FP, LR, SP, 16, PostIndex)
	}
	if err != nil {
		a.buf.truncate(mark)
		return err
	}
	return nil
}

func (a *Assembler) movWide(imm uint64, rd Reg) error {
	if err := a.Movz(rd, uint16(imm), 0); err != nil {
		return err
	}
	for shift := uint(16); shift < 64; shift += 16 {
		if err := a.Movk(rd, uint16(imm>>shift), shift); err != nil {
			return err
		}
	}
	return nil
}

// Push stores reg and the zero register as a pair below SP.
func (a *Assembler) Push(reg Reg) error {
	zr := ZR
	if reg.IsW() {
		zr = WZR
	}
	return a.Stp(reg, zr, SP, -16, PreIndex)
}

// Pop reloads reg from the slot pushed by Push.
func (a *Assembler) Pop(reg Reg) error {
	zr := ZR
	if reg.IsW() {
		zr = WZR
	}
	return a.Ldp(reg, zr, SP, 16, PostIndex)
}
