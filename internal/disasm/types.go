// Package disasm decodes the subset of the A64 instruction space needed to
// relocate code safely: enough to classify PC-relative operands, recognize
// ADRP pairs and literal loads, and pass everything else through verbatim.
package disasm

import (
	"fmt"

	"github.com/SMlc666/urhook/internal/asm"
)

// ID is the symbolic identity of a decoded instruction.
type ID int

const (
	INVALID ID = iota
	NOP
	RET
	B
	BL
	BR
	BLR
	BCOND
	CBZ
	CBNZ
	TBZ
	TBNZ
	ADD
	ADDS
	SUB
	SUBS
	AND
	ANDS
	ORR
	EOR
	MOV
	MOVZ
	MOVK
	MOVN
	ADR
	ADRP
	LDR
	STR
	LDRLIT
	LDP
	STP
	UBFM
	SBFM
	FADD
	FSUB
	FMUL
	FDIV
	FMOV
	FCMP
	SCVTF
	FCVTZS
	LDXR
	STXR
	LDAXR
	STLXR
	LDAR
	STLR
)

// Group is the coarse functional class of an instruction.
type Group int

const (
	GroupInvalid Group = iota
	GroupJump
	GroupData
	GroupLoadStore
	GroupFloat
	GroupSystem
)

// OperandKind discriminates the Operand variants.
type OperandKind int

const (
	KindReg OperandKind = iota
	KindImm
	KindMem
)

// Mode is the addressing mode of a memory operand.
type Mode int

const (
	ModeOffset Mode = iota
	ModePreIndex
	ModePostIndex
	ModeLiteral
)

// MemOperand describes a memory reference.
type MemOperand struct {
	Base asm.Reg
	// Index is RegInvalid unless the register-offset form was decoded.
	Index asm.Reg
	Disp  int64
	Mode  Mode
}

// Operand is a typed instruction operand. Exactly one variant is meaningful,
// selected by Kind.
type Operand struct {
	Kind OperandKind
	Reg  asm.Reg
	Imm  int64
	Mem  MemOperand
}

// RegOp builds a register operand.
func RegOp(r asm.Reg) Operand { return Operand{Kind: KindReg, Reg: r} }

// ImmOp builds an immediate operand.
func ImmOp(v int64) Operand { return Operand{Kind: KindImm, Imm: v} }

// MemOp builds a memory operand.
func MemOp(m MemOperand) Operand { return Operand{Kind: KindMem, Mem: m} }

// Inst is one decoded instruction. PC-relative operands carry the resolved
// absolute target (for ADRP, the 4 KiB page base), never the raw displacement.
type Inst struct {
	Addr     uint64
	Size     int
	ID       ID
	Group    Group
	Mnemonic string
	Ops      []Operand
	Cond     asm.Cond
	HasCond  bool
	PCRel    bool
	Raw      uint32
	Bytes    [4]byte
}

// Target returns the resolved absolute branch or literal target of a
// PC-relative instruction, and false for anything else.
func (i *Inst) Target() (uint64, bool) {
	if !i.PCRel || len(i.Ops) == 0 {
		return 0, false
	}
	for k := len(i.Ops) - 1; k >= 0; k-- {
		if i.Ops[k].Kind == KindImm {
			return uint64(i.Ops[k].Imm), true
		}
	}
	return 0, false
}

// String renders the instruction for diagnostics.
func (i *Inst) String() string {
	return fmt.Sprintf("%#x: %s (%08x)", i.Addr, i.Mnemonic, i.Raw)
}
