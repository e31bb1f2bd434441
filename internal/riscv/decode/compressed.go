package decode

import "fmt"

// Compressed instruction field extraction
func cOp(insn uint16) uint16     { return insn & 0x3 }
func cFunct3(insn uint16) uint16 { return (insn >> 13) & 0x7 }

// C.LW, C.LD, C.SW, C.SD register fields (3-bit, mapped to x8-x15)
func cRd_(insn uint16) uint32  { return uint32(((insn >> 2) & 0x7) + 8) }
func cRs1_(insn uint16) uint32 { return uint32(((insn >> 7) & 0x7) + 8) }
func cRs2_(insn uint16) uint32 { return uint32(((insn >> 2) & 0x7) + 8) }

// C.LWSP, C.SDSP, etc. register fields (full 5-bit)
func cRd(insn uint16) uint32  { return uint32((insn >> 7) & 0x1f) }
func cRs2(insn uint16) uint32 { return uint32((insn >> 2) & 0x1f) }

func decodeCompressed(insn uint16) (Instruction, error) {
	if insn == 0 {
		return Instruction{}, fmt.Errorf("%w: 0x%04x", ErrIllegalInstruction, insn)
	}

	expanded, ok, err := expandMemory(insn)
	if err != nil {
		return Instruction{}, err
	}
	if !ok {
		if cOp(insn) == 0b00 && cFunct3(insn) == 0b100 {
			return Instruction{}, fmt.Errorf("%w: 0x%04x", ErrIllegalInstruction, insn)
		}
		return Instruction{Op: OpOther, Raw: uint32(insn), Compressed: true}, nil
	}

	i, err := decode32(expanded)
	if err != nil {
		return Instruction{}, err
	}
	i.Raw = uint32(insn)
	i.Compressed = true
	return i, nil
}

// expandMemory expands the compressed loads and stores to their 32-bit
// encodings. ok is false for compressed instructions that do not access
// memory.
func expandMemory(insn uint16) (expanded uint32, ok bool, err error) {
	funct3 := cFunct3(insn)

	switch cOp(insn) {
	case 0b00: // Quadrant 0
		switch funct3 {
		case 0b001: // C.FLD
			return loadWord(ldImm(insn), cRs1_(insn), cRd_(insn), 0b011, opLoadFP), true, nil
		case 0b010: // C.LW
			return loadWord(lwImm(insn), cRs1_(insn), cRd_(insn), 0b010, opLoad), true, nil
		case 0b011: // C.LD
			return loadWord(ldImm(insn), cRs1_(insn), cRd_(insn), 0b011, opLoad), true, nil
		case 0b101: // C.FSD
			return storeWord(ldImm(insn), cRs1_(insn), cRs2_(insn), 0b011, opStoreFP), true, nil
		case 0b110: // C.SW
			return storeWord(lwImm(insn), cRs1_(insn), cRs2_(insn), 0b010, opStore), true, nil
		case 0b111: // C.SD
			return storeWord(ldImm(insn), cRs1_(insn), cRs2_(insn), 0b011, opStore), true, nil
		}

	case 0b10: // Quadrant 2
		switch funct3 {
		case 0b001: // C.FLDSP
			return loadWord(ldspImm(insn), 2, cRd(insn), 0b011, opLoadFP), true, nil
		case 0b010: // C.LWSP
			if cRd(insn) == 0 {
				return 0, false, fmt.Errorf("%w: c.lwsp x0 0x%04x", ErrIllegalInstruction, insn)
			}
			// uimm[5|4:2|7:6] = insn[12|6:4|3:2]
			imm := ((uint32(insn) >> 2) & 0x3) << 6
			imm |= ((uint32(insn) >> 4) & 0x7) << 2
			imm |= ((uint32(insn) >> 12) & 0x1) << 5
			return loadWord(imm, 2, cRd(insn), 0b010, opLoad), true, nil
		case 0b011: // C.LDSP
			if cRd(insn) == 0 {
				return 0, false, fmt.Errorf("%w: c.ldsp x0 0x%04x", ErrIllegalInstruction, insn)
			}
			return loadWord(ldspImm(insn), 2, cRd(insn), 0b011, opLoad), true, nil
		case 0b101: // C.FSDSP
			return storeWord(sdspImm(insn), 2, cRs2(insn), 0b011, opStoreFP), true, nil
		case 0b110: // C.SWSP
			// uimm[5:2|7:6] = insn[12:9|8:7]
			imm := ((uint32(insn) >> 7) & 0x3) << 6
			imm |= ((uint32(insn) >> 9) & 0xf) << 2
			return storeWord(imm, 2, cRs2(insn), 0b010, opStore), true, nil
		case 0b111: // C.SDSP
			return storeWord(sdspImm(insn), 2, cRs2(insn), 0b011, opStore), true, nil
		}
	}

	return 0, false, nil
}

// uimm[5:3|2|6] = insn[12:10|6|5]
func lwImm(insn uint16) uint32 {
	imm := ((uint32(insn) >> 6) & 0x1) << 2
	imm |= ((uint32(insn) >> 10) & 0x7) << 3
	imm |= ((uint32(insn) >> 5) & 0x1) << 6
	return imm
}

// uimm[5:3|7:6] = insn[12:10|6:5]
func ldImm(insn uint16) uint32 {
	imm := ((uint32(insn) >> 10) & 0x7) << 3
	imm |= ((uint32(insn) >> 5) & 0x3) << 6
	return imm
}

// uimm[5|4:3|8:6] = insn[12|6:5|4:2]
func ldspImm(insn uint16) uint32 {
	imm := ((uint32(insn) >> 2) & 0x7) << 6
	imm |= ((uint32(insn) >> 5) & 0x3) << 3
	imm |= ((uint32(insn) >> 12) & 0x1) << 5
	return imm
}

// uimm[5:3|8:6] = insn[12:10|9:7]
func sdspImm(insn uint16) uint32 {
	imm := ((uint32(insn) >> 7) & 0x7) << 6
	imm |= ((uint32(insn) >> 10) & 0x7) << 3
	return imm
}

func loadWord(imm, rs1, rd, funct3, opcode uint32) uint32 {
	return (imm << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode
}

func storeWord(imm, rs1, rs2, funct3, opcode uint32) uint32 {
	immHi := (imm >> 5) & 0x7f
	immLo := imm & 0x1f
	return (immHi << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (immLo << 7) | opcode
}
