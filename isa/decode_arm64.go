// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package isa

import (
	"encoding/binary"

	"github.com/beehive-lab/mambo-go/addr"
)

// ARM64Decoder decodes the subset of the A64 instruction set the scanner
// needs to apply the same translation rules as A32/T32: PC-relative
// materialisation (ADR/ADRP, LDR literal), direct and compare-and-branch
// exits, indirect branches (BR/BLR/RET), and SVC. A64 has no mode bit and
// every instruction is 4 bytes, so there is considerably less to decode
// here than for T32; a production codec would cover the full A64 set,
// but the core's translation rules (spec §4.4) only branch on the Tag
// values below.
type ARM64Decoder struct{}

func (ARM64Decoder) Decode(at addr.GuestAddr, code []byte) (Instruction, error) {
	if len(code) < 4 {
		return Instruction{}, ErrUnderflow
	}
	w := binary.LittleEndian.Uint32(code)
	inst := Instruction{Addr: at, Mode: addr.A64, Size: 4, Raw: w, Cond: CondAL}

	switch {
	// SVC: 1101 0100 000 imm16 00001
	case w&0xffe0001f == 0xd4000001:
		inst.Tag = Syscall
		inst.Imm = int64((w >> 5) & 0xffff)
		return inst, nil

	// B/BL imm26: op 00101 imm26
	case w&0x7c000000 == 0x14000000:
		inst.Tag = BranchImmUncond
		inst.IsCall = w&0x80000000 != 0
		imm26 := int32(w & 0x03ffffff)
		if imm26&0x02000000 != 0 {
			imm26 |= ^0x03ffffff
		}
		inst.Imm = int64(imm26) << 2
		return inst, nil

	// B.cond: 0101010 0 imm19 0 cond
	case w&0xff000010 == 0x54000000:
		inst.Tag = BranchImmCond
		inst.Cond = Cond(w & 0xf)
		imm19 := int32((w >> 5) & 0x7ffff)
		if imm19&0x40000 != 0 {
			imm19 |= ^0x7ffff
		}
		inst.Imm = int64(imm19) << 2
		return inst, nil

	// CBZ/CBNZ: sf 011010 op imm19 Rt
	case w&0x7e000000 == 0x34000000:
		inst.Tag = CBZCond
		inst.Rn = uint8(w & 0x1f)
		if w&0x01000000 != 0 {
			inst.Cond = CondNE
		} else {
			inst.Cond = CondEQ
		}
		imm19 := int32((w >> 5) & 0x7ffff)
		if imm19&0x40000 != 0 {
			imm19 |= ^0x7ffff
		}
		inst.Imm = int64(imm19) << 2
		return inst, nil

	// BR/BLR/RET: 1101011 0 00 opc 11111 000000 Rn 00000
	case w&0xfffffc1f == 0xd61f0000, w&0xfffffc1f == 0xd63f0000, w&0xfffffc1f == 0xd65f0000:
		inst.Rm = uint8((w >> 5) & 0x1f)
		opc := (w >> 21) & 0x3
		inst.IsCall = opc == 1
		inst.Tag = BranchIndirect
		if inst.IsCall {
			inst.Tag = BranchIndirectLink
		}
		return inst, nil

	// ADR/ADRP: op 10000 immlo(2) immhi(19) Rd
	case w&0x1f000000 == 0x10000000:
		inst.Rd = uint8(w & 0x1f)
		immlo := int64((w >> 29) & 0x3)
		immhi := int64((w >> 5) & 0x7ffff)
		imm := (immhi << 2) | immlo
		if imm&(1<<20) != 0 {
			imm |= ^int64((1 << 21) - 1)
		}
		if w&0x80000000 != 0 { // ADRP: page-shifted, 4KiB granularity
			imm <<= 12
		}
		inst.Imm = imm
		inst.Tag = PCRead
		return inst, nil

	// LDR (literal) Wt/Xt: opc 011 V 00 imm19 Rt
	case w&0x3b000000 == 0x18000000:
		inst.Rd = uint8(w & 0x1f)
		imm19 := int32((w >> 5) & 0x7ffff)
		if imm19&0x40000 != 0 {
			imm19 |= ^0x7ffff
		}
		inst.Imm = int64(imm19) << 2
		inst.Tag = PCRead
		return inst, nil

	default:
		inst.Tag = Verbatim
		return inst, nil
	}
}
