// Package decode decodes the RISC-V memory access instructions a trapping
// hypervisor has to emulate. Everything outside the load/store families is
// recognised only far enough to be reported.
package decode

import (
	"errors"
	"fmt"
)

var ErrIllegalInstruction = errors.New("decode: illegal instruction")

// Major opcodes
const (
	opLoad    = 0b0000011
	opLoadFP  = 0b0000111
	opMiscMem = 0b0001111
	opOpImm   = 0b0010011
	opAuipc   = 0b0010111
	opOpImm32 = 0b0011011
	opStore   = 0b0100011
	opStoreFP = 0b0100111
	opAMO     = 0b0101111
	opOp      = 0b0110011
	opLui     = 0b0110111
	opOp32    = 0b0111011
	opMadd    = 0b1000011
	opMsub    = 0b1000111
	opNmsub   = 0b1001011
	opNmadd   = 0b1001111
	opOpFP    = 0b1010011
	opBranch  = 0b1100011
	opJalr    = 0b1100111
	opJal     = 0b1101111
	opSystem  = 0b1110011
)

// Op identifies the instruction variant.
type Op uint8

const (
	OpInvalid Op = iota
	OpLb
	OpLh
	OpLw
	OpLd
	OpLbu
	OpLhu
	OpLwu
	OpSb
	OpSh
	OpSw
	OpSd
	OpFlw
	OpFld
	OpFsw
	OpFsd
	OpAmo
	// OpOther is a well formed instruction outside the memory access families.
	OpOther
)

var opNames = [...]string{
	OpInvalid: "invalid",
	OpLb:      "lb",
	OpLh:      "lh",
	OpLw:      "lw",
	OpLd:      "ld",
	OpLbu:     "lbu",
	OpLhu:     "lhu",
	OpLwu:     "lwu",
	OpSb:      "sb",
	OpSh:      "sh",
	OpSw:      "sw",
	OpSd:      "sd",
	OpFlw:     "flw",
	OpFld:     "fld",
	OpFsw:     "fsw",
	OpFsd:     "fsd",
	OpAmo:     "amo",
	OpOther:   "other",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", uint8(op))
}

// IsLoad reports whether op reads memory into an integer register.
func (op Op) IsLoad() bool { return op >= OpLb && op <= OpLwu }

// IsStore reports whether op writes an integer register to memory.
func (op Op) IsStore() bool { return op >= OpSb && op <= OpSd }

// Width returns the access size in bytes of a load or store, or 0.
func (op Op) Width() int {
	switch op {
	case OpLb, OpLbu, OpSb:
		return 1
	case OpLh, OpLhu, OpSh:
		return 2
	case OpLw, OpLwu, OpSw, OpFlw, OpFsw:
		return 4
	case OpLd, OpSd, OpFld, OpFsd:
		return 8
	default:
		return 0
	}
}

// Instruction is a decoded instruction. Register fields not used by Op are
// zero.
type Instruction struct {
	Op         Op
	Rd         uint32
	Rs1        uint32
	Rs2        uint32
	Imm        int64
	Raw        uint32
	Compressed bool
}

// Len returns the encoded length in bytes.
func (i Instruction) Len() int {
	if i.Compressed {
		return 2
	}
	return 4
}

func (i Instruction) String() string {
	switch {
	case i.Op.IsLoad(), i.Op == OpFlw, i.Op == OpFld:
		return fmt.Sprintf("%s x%d, %d(x%d)", i.Op, i.Rd, i.Imm, i.Rs1)
	case i.Op.IsStore(), i.Op == OpFsw, i.Op == OpFsd:
		return fmt.Sprintf("%s x%d, %d(x%d)", i.Op, i.Rs2, i.Imm, i.Rs1)
	default:
		return fmt.Sprintf("%s 0x%08x", i.Op, i.Raw)
	}
}

// InstructionLength returns the length in bytes of the instruction whose
// low halfword is parcel.
func InstructionLength(parcel uint16) int {
	if parcel&0x3 == 0x3 {
		return 4
	}
	return 2
}

// Instruction field extraction
func opcode(insn uint32) uint32 { return insn & 0x7f }
func rd(insn uint32) uint32     { return (insn >> 7) & 0x1f }
func funct3(insn uint32) uint32 { return (insn >> 12) & 0x7 }
func rs1(insn uint32) uint32    { return (insn >> 15) & 0x1f }
func rs2(insn uint32) uint32    { return (insn >> 20) & 0x1f }

func immI(insn uint32) int64 {
	return signExtend(uint64(insn>>20), 12)
}

func immS(insn uint32) int64 {
	imm := (insn >> 7) & 0x1f
	imm |= ((insn >> 25) & 0x7f) << 5
	return signExtend(uint64(imm), 12)
}

func signExtend(val uint64, bits int) int64 {
	shift := 64 - bits
	return int64(val<<shift) >> shift
}

var (
	loadOps  = [8]Op{OpLb, OpLh, OpLw, OpLd, OpLbu, OpLhu, OpLwu, OpInvalid}
	storeOps = [8]Op{OpSb, OpSh, OpSw, OpSd}
)

// Decode decodes a trapped instruction word. Compressed instructions are
// recognised from the low two bits; only the low halfword is used for them.
func Decode(raw uint32) (Instruction, error) {
	if InstructionLength(uint16(raw)) == 2 {
		return decodeCompressed(uint16(raw))
	}
	return decode32(raw)
}

func decode32(insn uint32) (Instruction, error) {
	i := Instruction{Raw: insn}

	switch opcode(insn) {
	case opLoad:
		i.Op = loadOps[funct3(insn)]
		i.Rd, i.Rs1, i.Imm = rd(insn), rs1(insn), immI(insn)
	case opStore:
		i.Op = storeOps[funct3(insn)]
		i.Rs1, i.Rs2, i.Imm = rs1(insn), rs2(insn), immS(insn)
	case opLoadFP:
		switch funct3(insn) {
		case 0b010:
			i.Op = OpFlw
		case 0b011:
			i.Op = OpFld
		}
		i.Rd, i.Rs1, i.Imm = rd(insn), rs1(insn), immI(insn)
	case opStoreFP:
		switch funct3(insn) {
		case 0b010:
			i.Op = OpFsw
		case 0b011:
			i.Op = OpFsd
		}
		i.Rs1, i.Rs2, i.Imm = rs1(insn), rs2(insn), immS(insn)
	case opAMO:
		if f3 := funct3(insn); f3 == 0b010 || f3 == 0b011 {
			i.Op = OpAmo
			i.Rd, i.Rs1, i.Rs2 = rd(insn), rs1(insn), rs2(insn)
		}
	case opMiscMem, opOpImm, opAuipc, opOpImm32, opOp, opLui, opOp32,
		opMadd, opMsub, opNmsub, opNmadd, opOpFP,
		opBranch, opJalr, opJal, opSystem:
		i.Op = OpOther
	}

	if i.Op == OpInvalid {
		return Instruction{}, fmt.Errorf("%w: 0x%08x", ErrIllegalInstruction, insn)
	}
	return i, nil
}
