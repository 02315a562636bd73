package asm

import "fmt"

// AddrMode selects the addressing mode of a load/store pair.
type AddrMode uint32

const (
	Offset    AddrMode = 2 // signed offset, no writeback
	PostIndex AddrMode = 1
	PreIndex  AddrMode = 3
)

// ldstClass returns the size field, the V (SIMD) bit and the access scale for
// a transfer register.
func ldstClass(rt Reg) (size uint32, v uint32, scale uint32, err error) {
	switch {
	case rt.IsW():
		return 2, 0, 4, nil
	case rt.IsX():
		return 3, 0, 8, nil
	case rt.IsS():
		return 2, 1, 4, nil
	case rt.IsD():
		return 3, 1, 8, nil
	case rt.IsQ():
		return 0, 1, 16, nil
	}
	return 0, 0, 0, fmt.Errorf("%w: %s cannot be a transfer register", ErrBadRegister, rt)
}

// Ldr emits LDR rt, [rn, #offset]. Offsets that fit the scaled unsigned form
// use it; otherwise the unscaled LDUR form is used, and offsets outside both
// fail.
func (a *Assembler) Ldr(rt, rn Reg, offset int64) error {
	return a.ldst(rt, rn, offset, true)
}

// Str emits STR rt, [rn, #offset] with the same offset selection as Ldr.
func (a *Assembler) Str(rt, rn Reg, offset int64) error {
	return a.ldst(rt, rn, offset, false)
}

func (a *Assembler) ldst(rt, rn Reg, offset int64, load bool) error {
	size, v, scale, err := ldstClass(rt)
	if err != nil {
		return err
	}
	if !rn.IsX() {
		return fmt.Errorf("%w: base %s must be an X register", ErrBadRegister, rn)
	}
	var opc uint32
	if load {
		opc = 1
	}
	if rt.IsQ() {
		opc |= 2
	}
	if offset >= 0 && offset < int64(scale)<<12 && offset%int64(scale) == 0 {
		imm12 := uint32(offset) / scale
		a.emit(size<<30 | 0x39000000 | v<<26 | opc<<22 | imm12<<10 | rn.HW()<<5 | rt.HW())
		return nil
	}
	return a.ldstUnscaled(rt, rn, offset, load)
}

// Ldur emits the unscaled LDUR form with a signed 9-bit offset.
func (a *Assembler) Ldur(rt, rn Reg, offset int64) error {
	return a.ldstUnscaled(rt, rn, offset, true)
}

// Stur emits the unscaled STUR form with a signed 9-bit offset.
func (a *Assembler) Stur(rt, rn Reg, offset int64) error {
	return a.ldstUnscaled(rt, rn, offset, false)
}

func (a *Assembler) ldstUnscaled(rt, rn Reg, offset int64, load bool) error {
	size, v, _, err := ldstClass(rt)
	if err != nil {
		return err
	}
	if !rn.IsX() {
		return fmt.Errorf("%w: base %s must be an X register", ErrBadRegister, rn)
	}
	if offset < -256 || offset > 255 {
		return fmt.Errorf("%w: unscaled offset %d", ErrOutOfRange, offset)
	}
	var opc uint32
	if load {
		opc = 1
	}
	if rt.IsQ() {
		opc |= 2
	}
	a.emit(size<<30 | 0x38000000 | v<<26 | opc<<22 | (uint32(offset)&0x1FF)<<12 | rn.HW()<<5 | rt.HW())
	return nil
}

// LdrRegOffset emits LDR rt, [rn, rm] with the LSL #0 extend.
func (a *Assembler) LdrRegOffset(rt, rn, rm Reg) error {
	return a.ldstRegOffset(rt, rn, rm, true)
}

// StrRegOffset emits STR rt, [rn, rm] with the LSL #0 extend.
func (a *Assembler) StrRegOffset(rt, rn, rm Reg) error {
	return a.ldstRegOffset(rt, rn, rm, false)
}

func (a *Assembler) ldstRegOffset(rt, rn, rm Reg, load bool) error {
	size, v, _, err := ldstClass(rt)
	if err != nil {
		return err
	}
	if !rn.IsX() || !rm.IsX() || rm == SP {
		return fmt.Errorf("%w: register offset form needs X base and index", ErrBadRegister)
	}
	var opc uint32
	if load {
		opc = 1
	}
	if rt.IsQ() {
		opc |= 2
	}
	// option 011 = LSL, S = 0
	a.emit(size<<30 | 0x38200800 | v<<26 | opc<<22 | rm.HW()<<16 | 3<<13 | 2<<10 | rn.HW()<<5 | rt.HW())
	return nil
}

// Ldrb emits LDRB wt, [xn, #offset] (scaled unsigned or unscaled fallback).
func (a *Assembler) Ldrb(rt, rn Reg, offset int64) error {
	return a.ldstByteHalf(rt, rn, offset, 0, true, false)
}

// Strb emits STRB wt, [xn, #offset].
func (a *Assembler) Strb(rt, rn Reg, offset int64) error {
	return a.ldstByteHalf(rt, rn, offset, 0, false, false)
}

// Ldrh emits LDRH wt, [xn, #offset].
func (a *Assembler) Ldrh(rt, rn Reg, offset int64) error {
	return a.ldstByteHalf(rt, rn, offset, 1, true, false)
}

// Strh emits STRH wt, [xn, #offset].
func (a *Assembler) Strh(rt, rn Reg, offset int64) error {
	return a.ldstByteHalf(rt, rn, offset, 1, false, false)
}

// Ldrsw emits LDRSW xt, [xn, #offset].
func (a *Assembler) Ldrsw(rt, rn Reg, offset int64) error {
	if !rt.IsX() || rt == SP {
		return fmt.Errorf("%w: LDRSW requires an X target, got %s", ErrBadRegister, rt)
	}
	return a.ldstByteHalf(rt, rn, offset, 2, true, true)
}

func (a *Assembler) ldstByteHalf(rt, rn Reg, offset int64, size uint32, load, signed bool) error {
	if size != 2 && !rt.IsW() {
		return fmt.Errorf("%w: %s must be a W register", ErrBadRegister, rt)
	}
	if !rn.IsX() {
		return fmt.Errorf("%w: base %s must be an X register", ErrBadRegister, rn)
	}
	var opc uint32
	if load {
		opc = 1
	}
	if signed {
		opc = 2
	}
	scale := int64(1) << size
	if offset >= 0 && offset < scale<<12 && offset%scale == 0 {
		imm12 := uint32(offset >> size)
		a.emit(size<<30 | 0x39000000 | opc<<22 | imm12<<10 | rn.HW()<<5 | rt.HW())
		return nil
	}
	if offset < -256 || offset > 255 {
		return fmt.Errorf("%w: offset %d", ErrOutOfRange, offset)
	}
	a.emit(size<<30 | 0x38000000 | opc<<22 | (uint32(offset)&0x1FF)<<12 | rn.HW()<<5 | rt.HW())
	return nil
}

// Ldp emits LDP rt1, rt2, [rn] with the given signed offset and mode.
func (a *Assembler) Ldp(rt1, rt2, rn Reg, offset int64, mode AddrMode) error {
	return a.ldstPair(rt1, rt2, rn, offset, mode, true)
}

// Stp emits STP rt1, rt2, [rn] with the given signed offset and mode.
func (a *Assembler) Stp(rt1, rt2, rn Reg, offset int64, mode AddrMode) error {
	return a.ldstPair(rt1, rt2, rn, offset, mode, false)
}

func (a *Assembler) ldstPair(rt1, rt2, rn Reg, offset int64, mode AddrMode, load bool) error {
	if rt1.IsX() != rt2.IsX() || rt1.IsFP() || rt2.IsFP() {
		return fmt.Errorf("%w: pair %s, %s", ErrBadRegister, rt1, rt2)
	}
	if !rn.IsX() {
		return fmt.Errorf("%w: base %s must be an X register", ErrBadRegister, rn)
	}
	var opc, scale uint32 = 0, 2
	if rt1.IsX() {
		opc, scale = 2, 3
	}
	step := int64(1) << scale
	if offset < -64*step || offset > 63*step || offset%step != 0 {
		return fmt.Errorf("%w: pair offset %d", ErrOutOfRange, offset)
	}
	var l uint32
	if load {
		l = 1
	}
	imm7 := uint32(offset>>scale) & 0x7F
	a.emit(opc<<30 | 0x28000000 | uint32(mode)<<23 | l<<22 | imm7<<15 | rt2.HW()<<10 | rn.HW()<<5 | rt1.HW())
	return nil
}

// LdrLiteral emits a PC-relative literal load of the absolute target address,
// which must lie within +/-1 MiB of the instruction.
func (a *Assembler) LdrLiteral(rt Reg, target uint64) error {
	var opc, v uint32
	switch {
	case rt.IsW():
		opc, v = 0, 0
	case rt.IsX():
		opc, v = 1, 0
	case rt.IsS():
		opc, v = 0, 1
	case rt.IsD():
		opc, v = 1, 1
	default:
		return fmt.Errorf("%w: LDR literal target %s", ErrBadRegister, rt)
	}
	off, err := a.branchOffset(target, 19)
	if err != nil {
		return err
	}
	a.emit(opc<<30 | 0x18000000 | v<<26 | (uint32(off>>2)&0x7FFFF)<<5 | rt.HW())
	return nil
}

// Ldxr emits a load-exclusive of rt from [rn].
func (a *Assembler) Ldxr(rt, rn Reg) error {
	return a.exclusive(rt, rn, RegInvalid, 0x085F7C00)
}

// Ldaxr emits a load-acquire-exclusive of rt from [rn].
func (a *Assembler) Ldaxr(rt, rn Reg) error {
	return a.exclusive(rt, rn, RegInvalid, 0x085FFC00)
}

// Stxr emits a store-exclusive of rt to [rn], with status in ws.
func (a *Assembler) Stxr(ws, rt, rn Reg) error {
	return a.exclusive(rt, rn, ws, 0x08007C00)
}

// Stlxr emits a store-release-exclusive of rt to [rn], with status in ws.
func (a *Assembler) Stlxr(ws, rt, rn Reg) error {
	return a.exclusive(rt, rn, ws, 0x0800FC00)
}

// Ldar emits a load-acquire of rt from [rn].
func (a *Assembler) Ldar(rt, rn Reg) error {
	return a.exclusive(rt, rn, RegInvalid, 0x08DFFC00)
}

// Stlr emits a store-release of rt to [rn].
func (a *Assembler) Stlr(rt, rn Reg) error {
	return a.exclusive(rt, rn, RegInvalid, 0x089FFC00)
}

func (a *Assembler) exclusive(rt, rn, rs Reg, op uint32) error {
	s, err := sf(rt)
	if err != nil {
		return err
	}
	if !rn.IsX() {
		return fmt.Errorf("%w: base %s must be an X register", ErrBadRegister, rn)
	}
	size := uint32(2) + s
	word := size<<30 | op | rn.HW()<<5 | rt.HW()
	if rs != RegInvalid {
		if !rs.IsW() {
			return fmt.Errorf("%w: status %s must be a W register", ErrBadRegister, rs)
		}
		word |= rs.HW() << 16
	}
	a.emit(word)
	return nil
}
