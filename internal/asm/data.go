package asm

import "fmt"

// Shift selects the shift type of a shifted-register operand.
type Shift uint32

const (
	LSL Shift = iota
	LSR
	ASR
	ROR
)

func (a *Assembler) moveWide(rd Reg, op uint32, imm uint16, shift uint) error {
	s, err := sf(rd)
	if err != nil {
		return err
	}
	if rd == SP || rd == WSP {
		return fmt.Errorf("%w: move wide cannot target %s", ErrBadRegister, rd)
	}
	if shift%16 != 0 || (s == 0 && shift > 16) || shift > 48 {
		return fmt.Errorf("%w: move wide shift %d", ErrOutOfRange, shift)
	}
	a.emit(s<<31 | op | uint32(shift/16)<<21 | uint32(imm)<<5 | rd.HW())
	return nil
}

// Movz emits MOVZ rd, #imm16, LSL #shift.
func (a *Assembler) Movz(rd Reg, imm uint16, shift uint) error {
	return a.moveWide(rd, 0x52800000, imm, shift)
}

// Movk emits MOVK rd, #imm16, LSL #shift.
func (a *Assembler) Movk(rd Reg, imm uint16, shift uint) error {
	return a.moveWide(rd, 0x72800000, imm, shift)
}

// Movn emits MOVN rd, #imm16, LSL #shift.
func (a *Assembler) Movn(rd Reg, imm uint16, shift uint) error {
	return a.moveWide(rd, 0x12800000, imm, shift)
}

// MovReg emits the MOV alias: ORR rd, zr, rn, or ADD rd, rn, #0 when either
// side is the stack pointer.
func (a *Assembler) MovReg(rd, rn Reg) error {
	if rd.IsX() != rn.IsX() || rd.IsFP() || rn.IsFP() {
		return fmt.Errorf("%w: MOV %s, %s", ErrBadRegister, rd, rn)
	}
	if rd == SP || rd == WSP || rn == SP || rn == WSP {
		return a.AddImm(rd, rn, 0, false)
	}
	zr := ZR
	if rd.IsW() {
		zr = WZR
	}
	return a.OrrReg(rd, zr, rn)
}

func (a *Assembler) addSubImm(rd, rn Reg, imm uint16, shift12 bool, op uint32) error {
	s, err := sf(rd)
	if err != nil {
		return err
	}
	if _, err := sf(rn); err != nil {
		return err
	}
	if imm > 0xFFF {
		return fmt.Errorf("%w: 12-bit immediate %#x", ErrOutOfRange, imm)
	}
	var sh uint32
	if shift12 {
		sh = 1
	}
	a.emit(s<<31 | op | sh<<22 | uint32(imm)<<10 | rn.HW()<<5 | rd.HW())
	return nil
}

// AddImm emits ADD (immediate) with an optional 12-bit left shift.
func (a *Assembler) AddImm(rd, rn Reg, imm uint16, shift12 bool) error {
	return a.addSubImm(rd, rn, imm, shift12, 0x11000000)
}

// SubImm emits SUB (immediate) with an optional 12-bit left shift.
func (a *Assembler) SubImm(rd, rn Reg, imm uint16, shift12 bool) error {
	return a.addSubImm(rd, rn, imm, shift12, 0x51000000)
}

func (a *Assembler) threeReg(rd, rn, rm Reg, op uint32) error {
	s, err := sf(rd)
	if err != nil {
		return err
	}
	if rn.IsX() != rd.IsX() || rm.IsX() != rd.IsX() {
		return fmt.Errorf("%w: mixed widths %s, %s, %s", ErrBadRegister, rd, rn, rm)
	}
	a.emit(s<<31 | op | rm.HW()<<16 | rn.HW()<<5 | rd.HW())
	return nil
}

// AddReg emits ADD (shifted register) with no shift.
func (a *Assembler) AddReg(rd, rn, rm Reg) error {
	return a.threeReg(rd, rn, rm, 0x0B000000)
}

// SubReg emits SUB (shifted register) with no shift.
func (a *Assembler) SubReg(rd, rn, rm Reg) error {
	return a.threeReg(rd, rn, rm, 0x4B000000)
}

// AddShifted emits ADD (shifted register) with an explicit shift.
func (a *Assembler) AddShifted(rd, rn, rm Reg, shift Shift, amount uint32) error {
	return a.shiftedReg(rd, rn, rm, shift, amount, 0x0B000000)
}

// SubShifted emits SUB (shifted register) with an explicit shift.
func (a *Assembler) SubShifted(rd, rn, rm Reg, shift Shift, amount uint32) error {
	return a.shiftedReg(rd, rn, rm, shift, amount, 0x4B000000)
}

func (a *Assembler) shiftedReg(rd, rn, rm Reg, shift Shift, amount uint32, op uint32) error {
	s, err := sf(rd)
	if err != nil {
		return err
	}
	width := uint32(64)
	if s == 0 {
		width = 32
	}
	if amount >= width {
		return fmt.Errorf("%w: shift amount %d", ErrOutOfRange, amount)
	}
	if shift > ROR {
		return fmt.Errorf("%w: shift type %d", ErrUnsupported, shift)
	}
	a.emit(s<<31 | op | uint32(shift)<<22 | rm.HW()<<16 | amount<<10 | rn.HW()<<5 | rd.HW())
	return nil
}

// AndReg emits AND (shifted register) with no shift.
func (a *Assembler) AndReg(rd, rn, rm Reg) error {
	return a.threeReg(rd, rn, rm, 0x0A000000)
}

// OrrReg emits ORR (shifted register) with no shift.
func (a *Assembler) OrrReg(rd, rn, rm Reg) error {
	return a.threeReg(rd, rn, rm, 0x2A000000)
}

// EorReg emits EOR (shifted register) with no shift.
func (a *Assembler) EorReg(rd, rn, rm Reg) error {
	return a.threeReg(rd, rn, rm, 0x4A000000)
}

// BicReg emits BIC (shifted register) with no shift.
func (a *Assembler) BicReg(rd, rn, rm Reg) error {
	return a.threeReg(rd, rn, rm, 0x0A200000)
}

// MvnReg emits the MVN alias: ORN rd, zr, rm.
func (a *Assembler) MvnReg(rd, rm Reg) error {
	zr := ZR
	if rd.IsW() {
		zr = WZR
	}
	return a.threeReg(rd, zr, rm, 0x2A200000)
}

func (a *Assembler) logicalImm(rd, rn Reg, bitmask uint64, op uint32) error {
	s, err := sf(rd)
	if err != nil {
		return err
	}
	n, immr, imms, ok := EncodeLogicalImmediate(bitmask, s == 1)
	if !ok {
		return fmt.Errorf("%w: %#x", ErrInvalidBitmask, bitmask)
	}
	a.emit(s<<31 | op | n<<22 | immr<<16 | imms<<10 | rn.HW()<<5 | rd.HW())
	return nil
}

// AndImm emits AND (immediate) from a 64-bit bitmask.
func (a *Assembler) AndImm(rd, rn Reg, bitmask uint64) error {
	return a.logicalImm(rd, rn, bitmask, 0x12000000)
}

// OrrImm emits ORR (immediate) from a 64-bit bitmask.
func (a *Assembler) OrrImm(rd, rn Reg, bitmask uint64) error {
	return a.logicalImm(rd, rn, bitmask, 0x32000000)
}

// EorImm emits EOR (immediate) from a 64-bit bitmask.
func (a *Assembler) EorImm(rd, rn Reg, bitmask uint64) error {
	return a.logicalImm(rd, rn, bitmask, 0x52000000)
}

// Cmp emits the CMP alias: SUBS zr, rn, rm.
func (a *Assembler) Cmp(rn, rm Reg) error {
	zr := ZR
	if rn.IsW() {
		zr = WZR
	}
	return a.threeReg(zr, rn, rm, 0x6B000000)
}

// CmpImm emits the CMP alias: SUBS zr, rn, #imm.
func (a *Assembler) CmpImm(rn Reg, imm uint16) error {
	zr := ZR
	if rn.IsW() {
		zr = WZR
	}
	return a.addSubImm(zr, rn, imm, false, 0x71000000)
}

func (a *Assembler) bitfield(rd, rn Reg, immr, imms uint32, op uint32) error {
	s, err := sf(rd)
	if err != nil {
		return err
	}
	a.emit(s<<31 | s<<22 | op | immr<<16 | imms<<10 | rn.HW()<<5 | rd.HW())
	return nil
}

// Ubfm emits UBFM with raw immr/imms fields.
func (a *Assembler) Ubfm(rd, rn Reg, immr, imms uint32) error {
	width := uint32(64)
	if rd.IsW() {
		width = 32
	}
	if immr >= width || imms >= width {
		return fmt.Errorf("%w: UBFM immr=%d imms=%d", ErrOutOfRange, immr, imms)
	}
	return a.bitfield(rd, rn, immr, imms, 0x53000000)
}

// Sbfm emits SBFM with raw immr/imms fields.
func (a *Assembler) Sbfm(rd, rn Reg, immr, imms uint32) error {
	width := uint32(64)
	if rd.IsW() {
		width = 32
	}
	if immr >= width || imms >= width {
		return fmt.Errorf("%w: SBFM immr=%d imms=%d", ErrOutOfRange, immr, imms)
	}
	return a.bitfield(rd, rn, immr, imms, 0x13000000)
}

// Lsl emits the LSL alias of UBFM for a constant shift.
func (a *Assembler) Lsl(rd, rn Reg, shift uint32) error {
	width := uint32(64)
	if rd.IsW() {
		width = 32
	}
	if shift >= width {
		return fmt.Errorf("%w: LSL shift %d", ErrOutOfRange, shift)
	}
	return a.bitfield(rd, rn, (width-shift)%width, width-1-shift, 0x53000000)
}

// Lsr emits the LSR alias of UBFM for a constant shift.
func (a *Assembler) Lsr(rd, rn Reg, shift uint32) error {
	width := uint32(64)
	if rd.IsW() {
		width = 32
	}
	if shift >= width {
		return fmt.Errorf("%w: LSR shift %d", ErrOutOfRange, shift)
	}
	return a.bitfield(rd, rn, shift, width-1, 0x53000000)
}

// Asr emits the ASR alias of SBFM for a constant shift.
func (a *Assembler) Asr(rd, rn Reg, shift uint32) error {
	width := uint32(64)
	if rd.IsW() {
		width = 32
	}
	if shift >= width {
		return fmt.Errorf("%w: ASR shift %d", ErrOutOfRange, shift)
	}
	return a.bitfield(rd, rn, shift, width-1, 0x13000000)
}

// Ubfx emits the UBFX alias of UBFM.
func (a *Assembler) Ubfx(rd, rn Reg, lsb, width uint32) error {
	regWidth := uint32(64)
	if rd.IsW() {
		regWidth = 32
	}
	if width == 0 || width > regWidth || lsb >= regWidth || lsb+width > regWidth {
		return fmt.Errorf("%w: UBFX lsb=%d width=%d", ErrOutOfRange, lsb, width)
	}
	return a.bitfield(rd, rn, lsb, lsb+width-1, 0x53000000)
}

// Sbfx emits the SBFX alias of SBFM.
func (a *Assembler) Sbfx(rd, rn Reg, lsb, width uint32) error {
	regWidth := uint32(64)
	if rd.IsW() {
		regWidth = 32
	}
	if width == 0 || width > regWidth || lsb >= regWidth || lsb+width > regWidth {
		return fmt.Errorf("%w: SBFX lsb=%d width=%d", ErrOutOfRange, lsb, width)
	}
	return a.bitfield(rd, rn, lsb, lsb+width-1, 0x13000000)
}

// Csel emits CSEL rd, rn, rm, cond.
func (a *Assembler) Csel(rd, rn, rm Reg, cond Cond) error {
	return a.condSelect(rd, rn, rm, cond, 0x1A800000)
}

// Csinc emits CSINC rd, rn, rm, cond.
func (a *Assembler) Csinc(rd, rn, rm Reg, cond Cond) error {
	return a.condSelect(rd, rn, rm, cond, 0x1A800400)
}

// Csinv emits CSINV rd, rn, rm, cond.
func (a *Assembler) Csinv(rd, rn, rm Reg, cond Cond) error {
	return a.condSelect(rd, rn, rm, cond, 0x5A800000)
}

// Csneg emits CSNEG rd, rn, rm, cond.
func (a *Assembler) Csneg(rd, rn, rm Reg, cond Cond) error {
	return a.condSelect(rd, rn, rm, cond, 0x5A800400)
}

// Cset emits the CSET alias: CSINC rd, zr, zr, invert(cond).
func (a *Assembler) Cset(rd Reg, cond Cond) error {
	if cond == AL || cond == NV {
		return fmt.Errorf("%w: CSET with condition %s", ErrUnsupported, cond)
	}
	zr := ZR
	if rd.IsW() {
		zr = WZR
	}
	return a.condSelect(rd, zr, zr, cond.Invert(), 0x1A800400)
}

func (a *Assembler) condSelect(rd, rn, rm Reg, cond Cond, op uint32) error {
	s, err := sf(rd)
	if err != nil {
		return err
	}
	a.emit(s<<31 | op | rm.HW()<<16 | uint32(cond)<<12 | rn.HW()<<5 | rd.HW())
	return nil
}

// Madd emits MADD rd, rn, rm, ra.
func (a *Assembler) Madd(rd, rn, rm, ra Reg) error {
	s, err := sf(rd)
	if err != nil {
		return err
	}
	a.emit(s<<31 | 0x1B000000 | rm.HW()<<16 | ra.HW()<<10 | rn.HW()<<5 | rd.HW())
	return nil
}

// Msub emits MSUB rd, rn, rm, ra.
func (a *Assembler) Msub(rd, rn, rm, ra Reg) error {
	s, err := sf(rd)
	if err != nil {
		return err
	}
	a.emit(s<<31 | 0x1B008000 | rm.HW()<<16 | ra.HW()<<10 | rn.HW()<<5 | rd.HW())
	return nil
}

// Mul emits the MUL alias: MADD rd, rn, rm, zr.
func (a *Assembler) Mul(rd, rn, rm Reg) error {
	zr := ZR
	if rd.IsW() {
		zr = WZR
	}
	return a.Madd(rd, rn, rm, zr)
}

// Sdiv emits SDIV rd, rn, rm.
func (a *Assembler) Sdiv(rd, rn, rm Reg) error {
	return a.threeReg(rd, rn, rm, 0x1AC00C00)
}

// Udiv emits UDIV rd, rn, rm.
func (a *Assembler) Udiv(rd, rn, rm Reg) error {
	return a.threeReg(rd, rn, rm, 0x1AC00800)
}
