package asm

import "fmt"

// SysReg identifies the system registers the assembler can move to and from.
type SysReg uint32

const (
	NZCV SysReg = iota
	FPCR
	FPSR
	TPIDR_EL0
)

// sysRegBits packs op0[19] op1[18:16] CRn[15:12] CRm[11:8] op2[7:5].
func sysRegBits(r SysReg) (uint32, error) {
	switch r {
	case NZCV:
		return 1<<19 | 3<<16 | 4<<12 | 2<<8 | 0<<5, nil
	case FPCR:
		return 1<<19 | 3<<16 | 4<<12 | 4<<8 | 0<<5, nil
	case FPSR:
		return 1<<19 | 3<<16 | 4<<12 | 4<<8 | 1<<5, nil
	case TPIDR_EL0:
		return 1<<19 | 3<<16 | 13<<12 | 0<<8 | 2<<5, nil
	}
	return 0, fmt.Errorf("%w: system register %d", ErrUnsupported, r)
}

// Mrs emits MRS rt, sysreg.
func (a *Assembler) Mrs(rt Reg, sys SysReg) error {
	if !rt.IsX() || rt == SP {
		return fmt.Errorf("%w: MRS requires an X register, got %s", ErrBadRegister, rt)
	}
	bits, err := sysRegBits(sys)
	if err != nil {
		return err
	}
	a.emit(0xD5300000 | bits | rt.HW())
	return nil
}

// Msr emits MSR sysreg, rt.
func (a *Assembler) Msr(sys SysReg, rt Reg) error {
	if !rt.IsX() || rt == SP {
		return fmt.Errorf("%w: MSR requires an X register, got %s", ErrBadRegister, rt)
	}
	bits, err := sysRegBits(sys)
	if err != nil {
		return err
	}
	a.emit(0xD5100000 | bits | rt.HW())
	return nil
}

// Barrier selects the shareability domain of a memory barrier.
type Barrier uint32

const (
	OSH Barrier = 2
	NSH Barrier = 6
	ISH Barrier = 10
	SY  Barrier = 14
)

// Dmb emits a data memory barrier.
func (a *Assembler) Dmb(domain Barrier) {
	a.emit(0xD50330BF | (uint32(domain)|1)<<8)
}

// Dsb emits a data synchronization barrier.
func (a *Assembler) Dsb(domain Barrier) {
	a.emit(0xD503309F | (uint32(domain)|1)<<8)
}

// Isb emits an instruction synchronization barrier (full system).
func (a *Assembler) Isb() {
	a.emit(0xD5033FDF)
}
