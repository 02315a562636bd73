package asm

import (
	"fmt"
	"math"
)

func fpType(r Reg) (uint32, error) {
	switch {
	case r.IsS():
		return 0, nil
	case r.IsD():
		return 1, nil
	}
	return 0, fmt.Errorf("%w: %s is not a scalar float register", ErrBadRegister, r)
}

func (a *Assembler) fpTwoSource(rd, rn, rm Reg, op uint32) error {
	t, err := fpType(rd)
	if err != nil {
		return err
	}
	if rn.IsD() != rd.IsD() || rm.IsD() != rd.IsD() {
		return fmt.Errorf("%w: mixed float widths %s, %s, %s", ErrBadRegister, rd, rn, rm)
	}
	a.emit(op | t<<22 | rm.HW()<<16 | rn.HW()<<5 | rd.HW())
	return nil
}

// Fadd emits FADD rd, rn, rm for S or D registers.
func (a *Assembler) Fadd(rd, rn, rm Reg) error {
	return a.fpTwoSource(rd, rn, rm, 0x1E202800)
}

// Fsub emits FSUB rd, rn, rm.
func (a *Assembler) Fsub(rd, rn, rm Reg) error {
	return a.fpTwoSource(rd, rn, rm, 0x1E203800)
}

// Fmul emits FMUL rd, rn, rm.
func (a *Assembler) Fmul(rd, rn, rm Reg) error {
	return a.fpTwoSource(rd, rn, rm, 0x1E200800)
}

// Fdiv emits FDIV rd, rn, rm.
func (a *Assembler) Fdiv(rd, rn, rm Reg) error {
	return a.fpTwoSource(rd, rn, rm, 0x1E201800)
}

// Fcmp emits FCMP rn, rm.
func (a *Assembler) Fcmp(rn, rm Reg) error {
	t, err := fpType(rn)
	if err != nil {
		return err
	}
	if rm.IsD() != rn.IsD() {
		return fmt.Errorf("%w: FCMP widths %s, %s", ErrBadRegister, rn, rm)
	}
	a.emit(0x1E202000 | t<<22 | rm.HW()<<16 | rn.HW()<<5)
	return nil
}

// FcmpZero emits FCMP rn, #0.0.
func (a *Assembler) FcmpZero(rn Reg) error {
	t, err := fpType(rn)
	if err != nil {
		return err
	}
	a.emit(0x1E202008 | t<<22 | rn.HW()<<5)
	return nil
}

// Fmov moves between float registers of the same width, or between a GPR and
// a float register of matching width (W<->S, X<->D). Width-changing moves are
// rejected.
func (a *Assembler) Fmov(rd, rn Reg) error {
	switch {
	case rd.IsFP() && rn.IsFP():
		if rd.IsQ() || rn.IsQ() {
			return fmt.Errorf("%w: FMOV of Q registers", ErrUnsupported)
		}
		if rd.IsD() != rn.IsD() {
			return fmt.Errorf("%w: FMOV between %s and %s", ErrUnsupported, rd, rn)
		}
		t, _ := fpType(rd)
		a.emit(0x1E204000 | t<<22 | rn.HW()<<5 | rd.HW())
		return nil
	case rd.IsFP():
		// GPR to FPR.
		switch {
		case rd.IsD() && rn.IsX() && rn != SP:
			a.emit(0x9E670000 | rn.HW()<<5 | rd.HW())
		case rd.IsS() && rn.IsW() && rn != WSP:
			a.emit(0x1E270000 | rn.HW()<<5 | rd.HW())
		default:
			return fmt.Errorf("%w: FMOV %s, %s", ErrUnsupported, rd, rn)
		}
		return nil
	case rn.IsFP():
		// FPR to GPR.
		switch {
		case rd.IsX() && rd != SP && rn.IsD():
			a.emit(0x9E660000 | rn.HW()<<5 | rd.HW())
		case rd.IsW() && rd != WSP && rn.IsS():
			a.emit(0x1E260000 | rn.HW()<<5 | rd.HW())
		default:
			return fmt.Errorf("%w: FMOV %s, %s", ErrUnsupported, rd, rn)
		}
		return nil
	}
	return a.MovReg(rd, rn)
}

// FmovImm materializes a float immediate by building the bit pattern in the
// x16/w16 scratch register and moving it across the file.
func (a *Assembler) FmovImm(rd Reg, imm float64) error {
	mark := a.buf.mark()
	var err error
	switch {
	case rd.IsD():
		if err = a.LoadImmediate(X16, math.Float64bits(imm)); err == nil {
			err = a.Fmov(rd, X16)
		}
	case rd.IsS():
		if err = a.LoadImmediate(W16, uint64(math.Float32bits(float32(imm)))); err == nil {
			err = a.Fmov(rd, W16)
		}
	default:
		return fmt.Errorf("%w: FMOV immediate needs an S or D destination, got %s", ErrBadRegister, rd)
	}
	if err != nil {
		a.buf.truncate(mark)
	}
	return err
}

// Scvtf emits a signed-integer-to-float convert from a GPR.
func (a *Assembler) Scvtf(rd, rn Reg) error {
	t, err := fpType(rd)
	if err != nil {
		return err
	}
	s, err := sf(rn)
	if err != nil {
		return err
	}
	a.emit(s<<31 | 0x1E220000 | t<<22 | rn.HW()<<5 | rd.HW())
	return nil
}

// Fcvtzs emits a float-to-signed-integer convert toward zero into a GPR.
func (a *Assembler) Fcvtzs(rd, rn Reg) error {
	s, err := sf(rd)
	if err != nil {
		return err
	}
	t, err := fpType(rn)
	if err != nil {
		return err
	}
	a.emit(s<<31 | 0x1E380000 | t<<22 | rn.HW()<<5 | rd.HW())
	return nil
}
