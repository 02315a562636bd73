package hook

import (
	"fmt"

	"github.com/SMlc666/urhook/internal/asm"
	"github.com/SMlc666/urhook/internal/disasm"
	"github.com/SMlc666/urhook/internal/mem"
)

// maxRelocateInsts bounds how far the builder reads into the target; every
// patch sequence fits well inside this window.
const maxRelocateInsts = 20

// Trampoline is the relocated prefix of a hooked function. Words holds the
// position-independent relocation followed by the absolute jump back to
// target+BackupSize; BackupSize is the number of original bytes the patch may
// overwrite.
type Trampoline struct {
	Words      []uint32
	BackupSize int
}

// BuildTrampoline relocates the first instructions of target into a fresh
// position-independent sequence until at least required bytes of the original
// are covered, then appends the jump back to the remainder. Every emitted
// sequence avoids PC-relative encodings except branches internal to itself,
// so the result may be copied to any address.
func BuildTrampoline(target uint64, required int) (*Trampoline, error) {
	insts := disasm.Decode(target, mem.Read(target, maxRelocateInsts*4), maxRelocateInsts)
	if len(insts) == 0 {
		return nil, fmt.Errorf("%w: %#x", ErrDecode, target)
	}

	a := asm.New(0)
	backup := 0
	for i := 0; i < len(insts) && backup < required; i++ {
		inst := &insts[i]
		consumed, err := relocateOne(a, insts, i, target)
		if err != nil {
			return nil, err
		}
		if consumed == 0 {
			return nil, fmt.Errorf("%w: cannot relocate %s", ErrTargetTooShort, inst)
		}
		backup += consumed * 4
		i += consumed - 1
	}
	if backup < required {
		return nil, fmt.Errorf("%w: needed %d bytes, relocated %d", ErrTargetTooShort, required, backup)
	}

	if err := a.AbsJump(target+uint64(backup), asm.X16); err != nil {
		return nil, err
	}
	return &Trampoline{Words: a.Words(), BackupSize: backup}, nil
}

// relocateOne rewrites the instruction at insts[idx] (and possibly its ADRP
// pair partner) into the trampoline and returns how many source instructions
// it consumed.
func relocateOne(a *asm.Assembler, insts []disasm.Inst, idx int, target uint64) (int, error) {
	inst := &insts[idx]

	if !inst.PCRel {
		// A leading ADD/LDR/STR may still depend on an ADRP that sits right
		// before the hook site and therefore outside the relocated prefix.
		if idx == 0 && inst.Addr == target {
			if n, done, err := relocatePrecedingAdrp(a, inst); done {
				return n, err
			}
		}
		a.Buffer().Put(inst.Raw)
		return 1, nil
	}

	switch inst.ID {
	case disasm.ADRP:
		return relocateAdrp(a, insts, idx)

	case disasm.ADR:
		addr, _ := inst.Target()
		if err := a.LoadImmediate(inst.Ops[0].Reg, addr); err != nil {
			return 0, err
		}
		return 1, nil

	case disasm.LDRLIT:
		addr, _ := inst.Target()
		if err := a.LoadImmediate(asm.X16, addr); err != nil {
			return 0, err
		}
		if err := a.Ldr(inst.Ops[0].Reg, asm.X16, 0); err != nil {
			return 0, err
		}
		return 1, nil

	case disasm.B:
		addr, _ := inst.Target()
		if err := a.LoadImmediate(asm.X16, addr); err != nil {
			return 0, err
		}
		if err := a.BR(asm.X16); err != nil {
			return 0, err
		}
		return 1, nil

	case disasm.BL:
		addr, _ := inst.Target()
		if err := a.LoadImmediate(asm.X16, addr); err != nil {
			return 0, err
		}
		if err := a.BLR(asm.X16); err != nil {
			return 0, err
		}
		return 1, nil

	case disasm.BCOND, disasm.CBZ, disasm.CBNZ, disasm.TBZ, disasm.TBNZ:
		return relocateShortBranch(a, inst)
	}

	return 0, fmt.Errorf("%w: unsupported pc-relative %s", ErrTargetTooShort, inst)
}

// relocatePrecedingAdrp handles the hook site landing immediately after an
// ADRP whose destination feeds the first relocated instruction. The ADRP at
// target-4 keeps executing in place, but the dependent instruction must see
// the address the pair would have produced at its original location, so it is
// rebuilt from the reconstructed absolute.
func relocatePrecedingAdrp(a *asm.Assembler, inst *disasm.Inst) (int, bool, error) {
	prev := disasm.DecodeOne(inst.Addr-4, mem.ReadWord(inst.Addr-4))
	if prev.ID != disasm.ADRP {
		return 0, false, nil
	}
	adrpDest := prev.Ops[0].Reg
	page := uint64(prev.Ops[1].Imm)

	switch inst.ID {
	case disasm.ADD:
		if len(inst.Ops) < 3 || inst.Ops[1].Kind != disasm.KindReg || inst.Ops[1].Reg != adrpDest ||
			inst.Ops[2].Kind != disasm.KindImm {
			return 0, false, nil
		}
		err := a.LoadImmediate(inst.Ops[0].Reg, page+uint64(inst.Ops[2].Imm))
		return 1, true, err

	case disasm.LDR, disasm.STR:
		if len(inst.Ops) < 2 || inst.Ops[1].Kind != disasm.KindMem ||
			inst.Ops[1].Mem.Base != adrpDest || inst.Ops[1].Mem.Mode != disasm.ModeOffset ||
			inst.Ops[1].Mem.Index != asm.RegInvalid {
			return 0, false, nil
		}
		if err := a.LoadImmediate(asm.X16, page+uint64(inst.Ops[1].Mem.Disp)); err != nil {
			return 1, true, err
		}
		var err error
		if inst.ID == disasm.LDR {
			err = a.Ldr(inst.Ops[0].Reg, asm.X16, 0)
		} else {
			err = a.Str(inst.Ops[0].Reg, asm.X16, 0)
		}
		return 1, true, err
	}
	return 0, false, nil
}

// relocateAdrp rewrites an ADRP together with a pairing ADD/LDR/STR when the
// next instruction consumes the page register; an unpaired ADRP materializes
// just the page base.
func relocateAdrp(a *asm.Assembler, insts []disasm.Inst, idx int) (int, error) {
	inst := &insts[idx]
	adrpDest := inst.Ops[0].Reg
	page := uint64(inst.Ops[1].Imm)

	if idx+1 < len(insts) {
		next := &insts[idx+1]
		switch next.ID {
		case disasm.ADD:
			if len(next.Ops) >= 3 && next.Ops[1].Kind == disasm.KindReg && next.Ops[1].Reg == adrpDest &&
				next.Ops[2].Kind == disasm.KindImm {
				if err := a.LoadImmediate(next.Ops[0].Reg, page+uint64(next.Ops[2].Imm)); err != nil {
					return 0, err
				}
				return 2, nil
			}
		case disasm.LDR, disasm.STR:
			if len(next.Ops) >= 2 && next.Ops[1].Kind == disasm.KindMem &&
				next.Ops[1].Mem.Base == adrpDest && next.Ops[1].Mem.Mode == disasm.ModeOffset &&
				next.Ops[1].Mem.Index == asm.RegInvalid {
				if err := a.LoadImmediate(asm.X16, page+uint64(next.Ops[1].Mem.Disp)); err != nil {
					return 0, err
				}
				var err error
				if next.ID == disasm.LDR {
					err = a.Ldr(next.Ops[0].Reg, asm.X16, 0)
				} else {
					err = a.Str(next.Ops[0].Reg, asm.X16, 0)
				}
				if err != nil {
					return 0, err
				}
				return 2, nil
			}
		}
	}

	if err := a.LoadImmediate(adrpDest, page); err != nil {
		return 0, err
	}
	return 1, nil
}

// relocateShortBranch rewrites a short-range conditional branch as an
// inverted branch over an absolute-jump island. The island is internal to the
// trampoline, so the rewrite stays position-independent regardless of how far
// the trampoline lands from the branch target.
func relocateShortBranch(a *asm.Assembler, inst *disasm.Inst) (int, error) {
	addr, _ := inst.Target()
	// The inverted branch skips the 20-byte island that follows it.
	skip := a.Addr() + 4 + asm.AbsJumpSize

	var err error
	switch inst.ID {
	case disasm.BCOND:
		err = a.Bcond(inst.Cond.Invert(), skip)
	case disasm.CBZ:
		err = a.Cbnz(inst.Ops[0].Reg, skip)
	case disasm.CBNZ:
		err = a.Cbz(inst.Ops[0].Reg, skip)
	case disasm.TBZ:
		err = a.Tbnz(inst.Ops[0].Reg, uint32(inst.Ops[1].Imm), skip)
	case disasm.TBNZ:
		err = a.Tbz(inst.Ops[0].Reg, uint32(inst.Ops[1].Imm), skip)
	}
	if err != nil {
		return 0, err
	}
	if err := a.AbsJump(addr, asm.X16); err != nil {
		return 0, err
	}
	return 1, nil
}
