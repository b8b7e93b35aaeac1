// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package isa

import (
	"encoding/binary"

	"github.com/beehive-lab/mambo-go/addr"
)

// ThumbDecoder decodes the T32 (Thumb) instruction set: a mix of 16-bit
// and 32-bit encodings, distinguished by the top 5 bits of the first
// halfword (spec §4.1: encoders advance the cursor by 2 or 4 bytes).
type ThumbDecoder struct{}

// is32BitPrefix reports whether the first halfword begins a 32-bit T32
// instruction (bits [15:11] in {0b11101, 0b11110, 0b11111}).
func is32BitPrefix(hw uint16) bool {
	top5 := hw >> 11
	return top5 == 0x1d || top5 == 0x1e || top5 == 0x1f
}

// Decode implements Decoder for T32.
func (ThumbDecoder) Decode(at addr.GuestAddr, code []byte) (Instruction, error) {
	if len(code) < 2 {
		return Instruction{}, ErrUnderflow
	}
	hw1 := binary.LittleEndian.Uint16(code)

	if is32BitPrefix(hw1) {
		if len(code) < 4 {
			return Instruction{}, ErrUnderflow
		}
		hw2 := binary.LittleEndian.Uint16(code[2:])
		return decodeThumb32(at, hw1, hw2)
	}
	return decodeThumb16(at, hw1)
}

func decodeThumb16(at addr.GuestAddr, hw uint16) (Instruction, error) {
	inst := Instruction{Addr: at, Mode: addr.T32, Size: 2, Raw: uint32(hw), Cond: CondAL}

	switch {
	// SVC: 1101 1111 imm8
	case hw&0xff00 == 0xdf00:
		inst.Tag = Syscall
		inst.Imm = int64(hw & 0xff)
		return inst, nil

	// IT: 1011 1111 firstcond mask, mask != 0000 (0000 would be a
	// reserved/"nop-hint" encoding handled below as Verbatim).
	case hw&0xff00 == 0xbf00 && hw&0x000f != 0:
		inst.Tag = ITInstr
		inst.Cond = Cond((hw >> 4) & 0xf)
		inst.Imm = int64(hw & 0xf) // IT mask
		return inst, nil

	// Bcond (T1): 1101 cond imm8, cond != 1110 (undefined) and != 1111 (SVC)
	case hw&0xf000 == 0xd000 && (hw>>8)&0xf < 0xe:
		inst.Tag = BranchImmCond
		inst.Cond = Cond((hw >> 8) & 0xf)
		imm8 := int32(int8(hw & 0xff))
		inst.Imm = int64(imm8) << 1
		return inst, nil

	// B unconditional (T2): 11100 imm11
	case hw&0xf800 == 0xe000:
		inst.Tag = BranchImmUncond
		imm11 := int32(hw & 0x7ff)
		if imm11&0x400 != 0 {
			imm11 |= ^0x7ff
		}
		inst.Imm = int64(imm11) << 1
		return inst, nil

	// CBZ/CBNZ: 1011 n0i1 imm5 Rn
	case hw&0xf500 == 0xb100:
		inst.Tag = CBZCond
		inst.Rn = uint8(hw & 0x7)
		nonzero := hw&0x0800 != 0
		if nonzero {
			inst.Cond = CondNE // "branch if nonzero"
		} else {
			inst.Cond = CondEQ // "branch if zero"
		}
		i := (hw >> 9) & 1
		imm5 := (hw >> 3) & 0x1f
		inst.Imm = int64((i<<6)|(imm5<<1)) & 0x7f
		return inst, nil

	// BX/BLX (register): 0100 0111 L Rm 000
	case hw&0xff87 == 0x4700:
		inst.Rm = uint8((hw >> 3) & 0xf)
		inst.IsCall = hw&0x0080 != 0
		if inst.IsCall {
			inst.Tag = BranchIndirectLink
		} else {
			inst.Tag = BranchIndirect
		}
		return inst, nil

	// POP {reglist, PC}: 1011 110 P reglist8, P (bit 8) = PC included
	case hw&0xfe00 == 0xbc00 && hw&0x0100 != 0:
		inst.RegList = uint16(hw&0xff) | 0x8000
		inst.Writeback = true
		inst.Tag = BranchIndirect
		return inst, nil

	// LDR Rd, [PC, #imm8<<2] (T1 literal load): 01001 Rd imm8
	case hw&0xf800 == 0x4800:
		inst.Rd = uint8((hw >> 8) & 0x7)
		inst.Imm = int64(hw&0xff) << 2
		inst.Tag = PCRead
		return inst, nil

	// ADR Rd, [PC, #imm8<<2] (ADD Rd, PC, #imm): 10100 Rd imm8
	case hw&0xf800 == 0xa000:
		inst.Rd = uint8((hw >> 8) & 0x7)
		inst.Imm = int64(hw&0xff) << 2
		inst.Tag = PCRead
		return inst, nil

	default:
		inst.Tag = Verbatim
		return inst, nil
	}
}

func decodeThumb32(at addr.GuestAddr, hw1, hw2 uint16) (Instruction, error) {
	raw := uint32(hw1)<<16 | uint32(hw2)
	inst := Instruction{Addr: at, Mode: addr.T32, Size: 4, Raw: raw, Cond: CondAL}

	op1 := (hw1 >> 11) & 0x3 // bits [12:11] (always 0b10 for branch/misc, bl)
	op := (hw2 >> 12) & 0x7

	switch {
	// BL (T1): 11110 S imm10, 11 J1 1 J2 imm11
	case op1 == 0x2 && hw2&0xd000 == 0xd000:
		inst.Tag = BranchImmUncond
		inst.IsCall = true
		s := uint32((hw1 >> 10) & 1)
		imm10 := uint32(hw1 & 0x3ff)
		j1 := uint32((hw2 >> 13) & 1)
		j2 := uint32((hw2 >> 11) & 1)
		imm11 := uint32(hw2 & 0x7ff)
		i1 := (^(j1 ^ s)) & 1
		i2 := (^(j2 ^ s)) & 1
		imm32 := (s << 24) | (i1 << 23) | (i2 << 22) | (imm10 << 12) | (imm11 << 1)
		if s != 0 {
			imm32 |= 0xfe000000
		}
		inst.Imm = int64(int32(imm32))
		return inst, nil

	// B.W conditional (T3): 11110 cond imm6, 10 J1 0 J2 imm11
	case op1 == 0x2 && hw1&0xf800 == 0xf000 && (hw1>>7)&0x7 != 0x7 && hw2&0x8000 != 0 && op&0x5 == 0x0:
		inst.Tag = BranchImmCond
		inst.Cond = Cond((hw1 >> 6) & 0xf)
		s := int32((hw1 >> 10) & 1)
		imm6 := int32(hw1 & 0x3f)
		j1 := int32((hw2 >> 13) & 1)
		j2 := int32((hw2 >> 11) & 1)
		imm11 := int32(hw2 & 0x7ff)
		imm32 := (s << 20) | (j1 << 19) | (j2 << 18) | (imm6 << 12) | (imm11 << 1)
		if s != 0 {
			imm32 |= ^0x1fffff
		}
		inst.Imm = int64(imm32)
		return inst, nil

	// TBB/TBH: 1110 1000 1101 Rn, 1111 0000 0000 H Rm
	case hw1&0xfff0 == 0xe8d0 && hw2&0xffe0 == 0xf000:
		inst.Tag = TableBranch
		inst.Rn = uint8(hw1 & 0xf)
		inst.Rm = uint8(hw2 & 0xf)
		if hw2&0x10 != 0 {
			inst.Imm = int64(TBHalfword)
		} else {
			inst.Imm = int64(TBByte)
		}
		return inst, nil

	// LDR.W Rt, [PC, #imm12] literal load: 1111 1000 U101 1111 Rt imm12
	case hw1&0xff7f == 0xf85f:
		inst.Rd = uint8((hw2 >> 12) & 0xf)
		imm12 := int64(hw2 & 0xfff)
		if hw1&0x0080 == 0 {
			imm12 = -imm12
		}
		inst.Imm = imm12
		inst.Tag = PCRead
		return inst, nil

	// LDM.W / LDMDB.W / POP.W with PC in the register list:
	// 1110 1000 10W1 Rn, P M 0 reglist(13)
	case (hw1&0xffd0 == 0xe890 || hw1&0xffd0 == 0xe910) && hw2&0x8000 != 0:
		inst.Rn = uint8(hw1 & 0xf)
		inst.RegList = hw2 & 0xdfff
		inst.Writeback = true
		inst.Tag = BranchIndirect
		return inst, nil

	default:
		inst.Tag = Verbatim
		return inst, nil
	}
}
