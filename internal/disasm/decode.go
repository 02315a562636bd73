package disasm

import (
	"encoding/binary"

	"github.com/SMlc666/urhook/internal/asm"
)

// Decode reads little-endian instruction words from code and returns up to
// maxInsts records. Words the decoder does not recognize come back with
// ID INVALID; decoding never fails.
func Decode(addr uint64, code []byte, maxInsts int) []Inst {
	n := len(code) / 4
	if maxInsts > 0 && n > maxInsts {
		n = maxInsts
	}
	out := make([]Inst, 0, n)
	for i := 0; i < n; i++ {
		word := binary.LittleEndian.Uint32(code[i*4:])
		out = append(out, DecodeOne(addr+uint64(i)*4, word))
	}
	return out
}

// DecodeOne classifies a single instruction word at the given address.
func DecodeOne(addr uint64, word uint32) Inst {
	inst := Inst{
		Addr:     addr,
		Size:     4,
		ID:       INVALID,
		Group:    GroupInvalid,
		Mnemonic: "unknown",
		Raw:      word,
	}
	binary.LittleEndian.PutUint32(inst.Bytes[:], word)
	decodeInto(&inst, word)
	return inst
}

func xr(idx uint32) asm.Reg   { return gpr(idx, true, false) }
func xsp(idx uint32) asm.Reg  { return gpr(idx, true, true) }
func wOrX(idx, sf uint32) asm.Reg {
	return gpr(idx, sf == 1, false)
}
func wOrXsp(idx, sf uint32) asm.Reg {
	return gpr(idx, sf == 1, true)
}

// gpr maps a 5-bit field to a register; index 31 resolves to SP or ZR
// depending on the instruction's use of the field.
func gpr(idx uint32, is64, isSP bool) asm.Reg {
	if idx == 31 {
		switch {
		case is64 && isSP:
			return asm.SP
		case is64:
			return asm.ZR
		case isSP:
			return asm.WSP
		default:
			return asm.WZR
		}
	}
	if is64 {
		return asm.X(int(idx))
	}
	return asm.W(int(idx))
}

func fpr(idx, typ uint32) asm.Reg {
	if typ == 1 {
		return asm.D(int(idx))
	}
	return asm.S(int(idx))
}

func signExtend(v uint32, bits uint) int64 {
	shift := 64 - bits
	return int64(uint64(v)<<shift) >> shift
}

func decodeInto(inst *Inst, w uint32) {
	switch {
	case w == 0xD503201F:
		set(inst, NOP, GroupSystem, "nop")

	case w&0xFFFFFC1F == 0xD65F0000:
		set(inst, RET, GroupJump, "ret")
		inst.Ops = []Operand{RegOp(xr(w >> 5 & 0x1F))}

	case w&0xFC000000 == 0x14000000:
		set(inst, B, GroupJump, "b")
		target := inst.Addr + uint64(signExtend(w&0x3FFFFFF, 26)*4)
		inst.PCRel = true
		inst.Ops = []Operand{ImmOp(int64(target))}

	case w&0xFC000000 == 0x94000000:
		set(inst, BL, GroupJump, "bl")
		target := inst.Addr + uint64(signExtend(w&0x3FFFFFF, 26)*4)
		inst.PCRel = true
		inst.Ops = []Operand{ImmOp(int64(target))}

	case w&0xFFFFFC1F == 0xD61F0000:
		set(inst, BR, GroupJump, "br")
		inst.Ops = []Operand{RegOp(xr(w >> 5 & 0x1F))}

	case w&0xFFFFFC1F == 0xD63F0000:
		set(inst, BLR, GroupJump, "blr")
		inst.Ops = []Operand{RegOp(xr(w >> 5 & 0x1F))}

	case w&0xFF000010 == 0x54000000:
		set(inst, BCOND, GroupJump, "b.cond")
		inst.Cond = asm.Cond(w & 0xF)
		inst.HasCond = true
		inst.Mnemonic = "b." + inst.Cond.String()
		target := inst.Addr + uint64(signExtend(w>>5&0x7FFFF, 19)*4)
		inst.PCRel = true
		inst.Ops = []Operand{ImmOp(int64(target))}

	case w&0x7F000000 == 0x34000000 || w&0x7F000000 == 0x35000000:
		sf := w >> 31
		if w&0x01000000 == 0 {
			set(inst, CBZ, GroupJump, "cbz")
		} else {
			set(inst, CBNZ, GroupJump, "cbnz")
		}
		target := inst.Addr + uint64(signExtend(w>>5&0x7FFFF, 19)*4)
		inst.PCRel = true
		inst.Ops = []Operand{RegOp(wOrX(w&0x1F, sf)), ImmOp(int64(target))}

	case w&0x7F000000 == 0x36000000 || w&0x7F000000 == 0x37000000:
		if w&0x01000000 == 0 {
			set(inst, TBZ, GroupJump, "tbz")
		} else {
			set(inst, TBNZ, GroupJump, "tbnz")
		}
		b5 := w >> 31
		bit := b5<<5 | w>>19&0x1F
		target := inst.Addr + uint64(signExtend(w>>5&0x3FFF, 14)*4)
		inst.PCRel = true
		inst.Ops = []Operand{RegOp(wOrX(w&0x1F, b5)), ImmOp(int64(bit)), ImmOp(int64(target))}

	case w&0x9F000000 == 0x10000000:
		set(inst, ADR, GroupData, "adr")
		off := signExtend(w>>29&3|w>>3&0x1FFFFC, 21)
		inst.PCRel = true
		inst.Ops = []Operand{RegOp(xr(w & 0x1F)), ImmOp(int64(inst.Addr) + off)}

	case w&0x9F000000 == 0x90000000:
		set(inst, ADRP, GroupData, "adrp")
		pages := signExtend(w>>29&3|w>>3&0x1FFFFC, 21)
		page := int64(inst.Addr&^0xFFF) + pages*4096
		inst.PCRel = true
		inst.Ops = []Operand{RegOp(xr(w & 0x1F)), ImmOp(page)}

	case w&0x3B000000 == 0x18000000 && w&0xC0000000 != 0xC0000000:
		// LDR (literal); opc 11 would be PRFM or LDRSW literal.
		set(inst, LDRLIT, GroupLoadStore, "ldr")
		opc := w >> 30 & 3
		v := w >> 26 & 1
		var rt asm.Reg
		if v == 1 {
			rt = fpr(w&0x1F, opc)
		} else {
			rt = wOrX(w&0x1F, opc)
		}
		target := int64(inst.Addr) + signExtend(w>>5&0x7FFFF, 19)*4
		inst.PCRel = true
		inst.Ops = []Operand{RegOp(rt), ImmOp(target)}

	case w&0x7F800000 == 0x52800000 || w&0x7F800000 == 0x12800000 || w&0x7F800000 == 0x72800000:
		sf := w >> 31
		switch w >> 29 & 3 {
		case 0:
			set(inst, MOVN, GroupData, "movn")
		case 2:
			set(inst, MOVZ, GroupData, "movz")
		case 3:
			set(inst, MOVK, GroupData, "movk")
		default:
			return
		}
		imm := int64(w >> 5 & 0xFFFF)
		shift := int64(w>>21&3) * 16
		inst.Ops = []Operand{RegOp(wOrX(w&0x1F, sf)), ImmOp(imm), ImmOp(shift)}

	case w&0x1F000000 == 0x11000000:
		// ADD/SUB (immediate). Destination may be SP.
		sf := w >> 31
		op := w >> 30 & 1
		s := w >> 29 & 1
		id, name := ADD, "add"
		switch {
		case op == 1 && s == 1:
			id, name = SUBS, "subs"
		case op == 1:
			id, name = SUB, "sub"
		case s == 1:
			id, name = ADDS, "adds"
		}
		set(inst, id, GroupData, name)
		imm := int64(w >> 10 & 0xFFF)
		if w>>22&1 == 1 {
			imm <<= 12
		}
		rd := wOrXsp(w&0x1F, sf)
		if s == 1 {
			rd = wOrX(w&0x1F, sf)
		}
		inst.Ops = []Operand{RegOp(rd), RegOp(wOrXsp(w>>5&0x1F, sf)), ImmOp(imm)}

	case w&0x1F800000 == 0x12000000:
		// Logical (immediate).
		sf := w >> 31
		var id ID
		var name string
		switch w >> 29 & 3 {
		case 0:
			id, name = AND, "and"
		case 1:
			id, name = ORR, "orr"
		case 2:
			id, name = EOR, "eor"
		case 3:
			id, name = ANDS, "ands"
		}
		set(inst, id, GroupData, name)
		n := w >> 22 & 1
		immr := w >> 16 & 0x3F
		imms := w >> 10 & 0x3F
		mask, ok := decodeBitmask(n, immr, imms, sf == 1)
		if !ok {
			invalidate(inst)
			return
		}
		inst.Ops = []Operand{RegOp(wOrXsp(w&0x1F, sf)), RegOp(wOrX(w>>5&0x1F, sf)), ImmOp(int64(mask))}

	case w&0x7F800000 == 0x53000000 || w&0x7F800000 == 0x13000000:
		sf := w >> 31
		if w>>29&3 == 2 {
			set(inst, UBFM, GroupData, "ubfm")
		} else if w>>29&3 == 0 {
			set(inst, SBFM, GroupData, "sbfm")
		} else {
			return
		}
		inst.Ops = []Operand{
			RegOp(wOrX(w&0x1F, sf)), RegOp(wOrX(w>>5&0x1F, sf)),
			ImmOp(int64(w >> 16 & 0x3F)), ImmOp(int64(w >> 10 & 0x3F)),
		}

	case w&0x1F200000 == 0x0B000000:
		// ADD/SUB (shifted register).
		decodeAddSubShifted(inst, w)

	case w&0x1F000000 == 0x0A000000:
		decodeLogicalShifted(inst, w)

	case w&0x3F000000 == 0x08000000:
		decodeExclusive(inst, w)

	case w&0x3B000000 == 0x39000000:
		// Load/store (unsigned immediate).
		decodeLdstUnsigned(inst, w)

	case w&0x3B200C00 == 0x38200800:
		// Load/store (register offset), LSL extend only.
		decodeLdstRegOffset(inst, w)

	case w&0x3B200000 == 0x38000000:
		// Load/store (unscaled / pre-index / post-index).
		decodeLdstUnscaled(inst, w)

	case w&0x3A000000 == 0x28000000 && w>>26&1 == 0:
		decodeLdstPair(inst, w)

	case w&0xFF200C00 == 0x1E200800:
		decodeFloatTwoSource(inst, w)

	case w&0xFFBFFC00 == 0x1E204000:
		set(inst, FMOV, GroupFloat, "fmov")
		t := w >> 22 & 1
		inst.Ops = []Operand{RegOp(fpr(w&0x1F, t)), RegOp(fpr(w>>5&0x1F, t))}

	case w&0xFFFFFC00 == 0x9E670000:
		set(inst, FMOV, GroupFloat, "fmov")
		inst.Ops = []Operand{RegOp(asm.D(int(w & 0x1F))), RegOp(xr(w >> 5 & 0x1F))}

	case w&0xFFFFFC00 == 0x1E270000:
		set(inst, FMOV, GroupFloat, "fmov")
		inst.Ops = []Operand{RegOp(asm.S(int(w & 0x1F))), RegOp(gpr(w>>5&0x1F, false, false))}

	case w&0xFFFFFC00 == 0x9E660000:
		set(inst, FMOV, GroupFloat, "fmov")
		inst.Ops = []Operand{RegOp(xr(w & 0x1F)), RegOp(asm.D(int(w >> 5 & 0x1F)))}

	case w&0xFFFFFC00 == 0x1E260000:
		set(inst, FMOV, GroupFloat, "fmov")
		inst.Ops = []Operand{RegOp(gpr(w&0x1F, false, false)), RegOp(asm.S(int(w >> 5 & 0x1F)))}

	case w&0xFF20FC17 == 0x1E202000:
		set(inst, FCMP, GroupFloat, "fcmp")
		t := w >> 22 & 1
		if w&8 != 0 {
			inst.Ops = []Operand{RegOp(fpr(w>>5&0x1F, t)), ImmOp(0)}
		} else {
			inst.Ops = []Operand{RegOp(fpr(w>>5&0x1F, t)), RegOp(fpr(w>>16&0x1F, t))}
		}

	case w&0x7F3FFC00 == 0x1E220000:
		set(inst, SCVTF, GroupFloat, "scvtf")
		t := w >> 22 & 1
		sf := w >> 31
		inst.Ops = []Operand{RegOp(fpr(w&0x1F, t)), RegOp(wOrX(w>>5&0x1F, sf))}

	case w&0x7F3FFC00 == 0x1E380000:
		set(inst, FCVTZS, GroupFloat, "fcvtzs")
		t := w >> 22 & 1
		sf := w >> 31
		inst.Ops = []Operand{RegOp(wOrX(w&0x1F, sf)), RegOp(fpr(w>>5&0x1F, t))}
	}
}

func set(inst *Inst, id ID, group Group, mnemonic string) {
	inst.ID = id
	inst.Group = group
	inst.Mnemonic = mnemonic
}

func invalidate(inst *Inst) {
	inst.ID = INVALID
	inst.Group = GroupInvalid
	inst.Mnemonic = "unknown"
	inst.Ops = nil
}

func decodeAddSubShifted(inst *Inst, w uint32) {
	sf := w >> 31
	op := w >> 30 & 1
	s := w >> 29 & 1
	id, name := ADD, "add"
	switch {
	case op == 1 && s == 1:
		id, name = SUBS, "subs"
	case op == 1:
		id, name = SUB, "sub"
	case s == 1:
		id, name = ADDS, "adds"
	}
	set(inst, id, GroupData, name)
	inst.Ops = []Operand{
		RegOp(wOrX(w&0x1F, sf)), RegOp(wOrX(w>>5&0x1F, sf)), RegOp(wOrX(w>>16&0x1F, sf)),
		ImmOp(int64(w >> 22 & 3)), ImmOp(int64(w >> 10 & 0x3F)),
	}
}

func decodeLogicalShifted(inst *Inst, w uint32) {
	sf := w >> 31
	var id ID
	var name string
	switch w >> 29 & 3 {
	case 0:
		id, name = AND, "and"
	case 1:
		id, name = ORR, "orr"
	case 2:
		id, name = EOR, "eor"
	case 3:
		id, name = ANDS, "ands"
	}
	n := w >> 21 & 1
	rn := w >> 5 & 0x1F
	shiftAmt := w >> 10 & 0x3F
	shiftTyp := w >> 22 & 3
	if id == ORR && n == 0 && rn == 31 && shiftAmt == 0 && shiftTyp == 0 {
		// MOV (register) alias.
		set(inst, MOV, GroupData, "mov")
		inst.Ops = []Operand{RegOp(wOrX(w&0x1F, sf)), RegOp(wOrX(w>>16&0x1F, sf))}
		return
	}
	if n == 1 {
		// ORN/BIC/EON/BICS forms are passed through as unknown data ops.
		return
	}
	set(inst, id, GroupData, name)
	inst.Ops = []Operand{
		RegOp(wOrX(w&0x1F, sf)), RegOp(wOrX(rn, sf)), RegOp(wOrX(w>>16&0x1F, sf)),
		ImmOp(int64(shiftTyp)), ImmOp(int64(shiftAmt)),
	}
}

func decodeExclusive(inst *Inst, w uint32) {
	size := w >> 30 & 3
	if size < 2 {
		return // byte/halfword exclusives are not classified
	}
	sf := size - 2
	rt := wOrX(w&0x1F, sf)
	rn := xsp(w >> 5 & 0x1F)
	switch {
	case w&0x3FFFFC00 == 0x085F7C00:
		set(inst, LDXR, GroupLoadStore, "ldxr")
		inst.Ops = []Operand{RegOp(rt), MemOp(MemOperand{Base: rn, Index: asm.RegInvalid})}
	case w&0x3FFFFC00 == 0x085FFC00:
		set(inst, LDAXR, GroupLoadStore, "ldaxr")
		inst.Ops = []Operand{RegOp(rt), MemOp(MemOperand{Base: rn, Index: asm.RegInvalid})}
	case w&0x3FE0FC00 == 0x08007C00:
		set(inst, STXR, GroupLoadStore, "stxr")
		inst.Ops = []Operand{RegOp(gpr(w>>16&0x1F, false, false)), RegOp(rt), MemOp(MemOperand{Base: rn, Index: asm.RegInvalid})}
	case w&0x3FE0FC00 == 0x0800FC00:
		set(inst, STLXR, GroupLoadStore, "stlxr")
		inst.Ops = []Operand{RegOp(gpr(w>>16&0x1F, false, false)), RegOp(rt), MemOp(MemOperand{Base: rn, Index: asm.RegInvalid})}
	case w&0x3FFFFC00 == 0x08DFFC00:
		set(inst, LDAR, GroupLoadStore, "ldar")
		inst.Ops = []Operand{RegOp(rt), MemOp(MemOperand{Base: rn, Index: asm.RegInvalid})}
	case w&0x3FFFFC00 == 0x089FFC00:
		set(inst, STLR, GroupLoadStore, "stlr")
		inst.Ops = []Operand{RegOp(rt), MemOp(MemOperand{Base: rn, Index: asm.RegInvalid})}
	}
}

func ldstReg(size, v, opc, idx uint32) (asm.Reg, bool) {
	if v == 1 {
		switch {
		case size == 0 && opc >= 2:
			return asm.Q(int(idx)), true
		case size == 2:
			return asm.S(int(idx)), true
		case size == 3:
			return asm.D(int(idx)), true
		}
		return asm.RegInvalid, false
	}
	switch size {
	case 2:
		return gpr(idx, false, false), true
	case 3:
		return gpr(idx, true, false), true
	}
	return asm.RegInvalid, false
}

func decodeLdstUnsigned(inst *Inst, w uint32) {
	size := w >> 30 & 3
	v := w >> 26 & 1
	opc := w >> 22 & 3
	rt, ok := ldstReg(size, v, opc, w&0x1F)
	if !ok {
		return
	}
	load := opc&1 == 1
	scale := size
	if v == 1 && opc >= 2 {
		scale = 4
	}
	disp := int64(w>>10&0xFFF) << scale
	id, name := STR, "str"
	if load {
		id, name = LDR, "ldr"
	}
	group := GroupLoadStore
	if v == 1 {
		group = GroupFloat
	}
	set(inst, id, group, name)
	inst.Ops = []Operand{RegOp(rt), MemOp(MemOperand{Base: xsp(w >> 5 & 0x1F), Index: asm.RegInvalid, Disp: disp})}
}

func decodeLdstRegOffset(inst *Inst, w uint32) {
	if w>>13&7 != 3 || w>>12&1 != 0 {
		return // only the plain LSL #0 extend is classified
	}
	size := w >> 30 & 3
	v := w >> 26 & 1
	opc := w >> 22 & 3
	rt, ok := ldstReg(size, v, opc, w&0x1F)
	if !ok {
		return
	}
	id, name := STR, "str"
	if opc&1 == 1 {
		id, name = LDR, "ldr"
	}
	group := GroupLoadStore
	if v == 1 {
		group = GroupFloat
	}
	set(inst, id, group, name)
	inst.Ops = []Operand{RegOp(rt), MemOp(MemOperand{
		Base:  xsp(w >> 5 & 0x1F),
		Index: asm.X(int(w >> 16 & 0x1F)),
	})}
}

func decodeLdstUnscaled(inst *Inst, w uint32) {
	size := w >> 30 & 3
	v := w >> 26 & 1
	opc := w >> 22 & 3
	rt, ok := ldstReg(size, v, opc, w&0x1F)
	if !ok {
		return
	}
	mode := ModeOffset
	switch w >> 10 & 3 {
	case 1:
		mode = ModePostIndex
	case 3:
		mode = ModePreIndex
	case 2:
		return // unprivileged forms
	}
	disp := signExtend(w>>12&0x1FF, 9)
	id, name := STR, "str"
	if opc&1 == 1 {
		id, name = LDR, "ldr"
	}
	group := GroupLoadStore
	if v == 1 {
		group = GroupFloat
	}
	set(inst, id, group, name)
	inst.Ops = []Operand{RegOp(rt), MemOp(MemOperand{
		Base: xsp(w >> 5 & 0x1F), Index: asm.RegInvalid, Disp: disp, Mode: mode,
	})}
}

func decodeLdstPair(inst *Inst, w uint32) {
	opc := w >> 30 & 3
	if opc == 1 || opc == 3 {
		return // LDPSW and FP pairs are not classified
	}
	mode := ModeOffset
	switch w >> 23 & 3 {
	case 1:
		mode = ModePostIndex
	case 3:
		mode = ModePreIndex
	case 0:
		return // no-allocate pair
	}
	sf := opc >> 1
	scale := uint(2 + sf)
	disp := signExtend(w>>15&0x7F, 7) << scale
	id, name := STP, "stp"
	if w>>22&1 == 1 {
		id, name = LDP, "ldp"
	}
	set(inst, id, GroupLoadStore, name)
	inst.Ops = []Operand{
		RegOp(wOrX(w&0x1F, sf)), RegOp(wOrX(w>>10&0x1F, sf)),
		MemOp(MemOperand{Base: xsp(w >> 5 & 0x1F), Index: asm.RegInvalid, Disp: disp, Mode: mode}),
	}
}

func decodeFloatTwoSource(inst *Inst, w uint32) {
	t := w >> 22 & 1
	var id ID
	var name string
	switch w >> 12 & 0xF {
	case 0:
		id, name = FMUL, "fmul"
	case 1:
		id, name = FDIV, "fdiv"
	case 2:
		id, name = FADD, "fadd"
	case 3:
		id, name = FSUB, "fsub"
	default:
		return
	}
	set(inst, id, GroupFloat, name)
	inst.Ops = []Operand{RegOp(fpr(w&0x1F, t)), RegOp(fpr(w>>5&0x1F, t)), RegOp(fpr(w>>16&0x1F, t))}
}
