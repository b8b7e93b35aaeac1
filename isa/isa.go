// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package isa is the instruction codec contract described in spec §4.1:
// a pure, side-effect-free decoder per ISA mode, and an encoder that
// writes translated instructions into a cursor-advancing builder. The
// core (scanner, dispatcher) treats Tag as an exhaustive tagged union
// with an Invalid variant and never inspects an ISA's raw encoding
// directly.
package isa

import (
	"fmt"

	"github.com/beehive-lab/mambo-go/addr"
)

// Tag classifies a decoded instruction for the scanner's translation
// rules (spec §4.4). It is deliberately coarser than a full mnemonic
// table: everything the scanner treats identically shares a Tag.
type Tag uint8

const (
	// Invalid marks an instruction word the decoder could not classify.
	Invalid Tag = iota
	// Verbatim instructions do not read PC and are not control flow;
	// they are copied into the fragment unchanged.
	Verbatim
	// PCRead instructions read the architectural PC as a data value
	// (literal-pool loads, ADD Rd, PC, #imm, ADR/ADRP).
	PCRead
	// BranchImmUncond is a direct, unconditional branch (B, BL imm).
	BranchImmUncond
	// BranchImmCond is a direct conditional branch (Bcc, CBZ is separate).
	BranchImmCond
	// CBZCond is T32's CBZ/CBNZ compare-and-branch-on-zero.
	CBZCond
	// TableBranch is T32's TBB/TBH.
	TableBranch
	// BranchIndirect is an indirect branch without linking the return
	// address (BX Rm, POP {..,PC}, LDR PC,[..], LDM{..,PC}, MOV PC,Rm).
	BranchIndirect
	// BranchIndirectLink is an indirect call (BLX Rm, BL Rm forms) that
	// additionally writes the guest return address into the link
	// register.
	BranchIndirectLink
	// Syscall is SVC/SWI.
	Syscall
	// ITInstr is T32's IT block header.
	ITInstr
)

func (t Tag) String() string {
	switch t {
	case Invalid:
		return "invalid"
	case Verbatim:
		return "verbatim"
	case PCRead:
		return "pc_read"
	case BranchImmUncond:
		return "branch_imm_uncond"
	case BranchImmCond:
		return "branch_imm_cond"
	case CBZCond:
		return "cbz"
	case TableBranch:
		return "table_branch"
	case BranchIndirect:
		return "branch_indirect"
	case BranchIndirectLink:
		return "branch_indirect_link"
	case Syscall:
		return "syscall"
	case ITInstr:
		return "it"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// Cond is an ARM condition code (AL, EQ, NE, ...), shared by A32 and T32.
type Cond uint8

const (
	CondEQ Cond = iota
	CondNE
	CondCS
	CondCC
	CondMI
	CondPL
	CondVS
	CondVC
	CondHI
	CondLS
	CondGE
	CondLT
	CondGT
	CondLE
	CondAL
	CondNV
)

// Invert returns the logically-negated condition, used when the
// dispatcher needs to keep the near branch on whichever arm is taken
// (spec §4.5 cond_imm/cbz polarity flip).
func (c Cond) Invert() Cond {
	if c == CondAL || c == CondNV {
		return c
	}
	return c ^ 1
}

// TBWidth distinguishes TBB (byte table) from TBH (halfword table).
type TBWidth uint8

const (
	TBByte TBWidth = iota
	TBHalfword
)

// Instruction is the decoder's output: a single guest instruction plus
// whatever fields its Tag-specific translation rule needs. Only the
// fields relevant to Tag are meaningful; the rest are zero.
type Instruction struct {
	Addr addr.GuestAddr
	Mode addr.Mode
	Tag  Tag
	Size uint8 // encoded width in bytes: 2 (T32 16-bit) or 4

	Raw uint32 // raw encoding, for Verbatim re-emission and diagnostics

	Cond Cond

	Rd, Rn, Rm uint8 // register numbers, 0-15 (0-30 for A64 Rd/Rn/Rm)
	RegList    uint16 // PUSH/POP/LDM/STM register bitmask, bit i = Ri

	Imm int64 // branch displacement / literal-pool offset / add immediate

	// IsCall is true for BL/BLX forms: the translation must additionally
	// materialise the guest return address into the link register.
	IsCall bool
	// Writeback is true when an indirect branch's base register should
	// be treated as already holding the computed target (LDR PC, POP PC)
	// as opposed to needing a separate target register (BX Rm).
	Writeback bool
}

// Decoder decodes one instruction at a guest address. Implementations
// are pure: they read from the supplied byte window and never mutate
// guest or cache state.
type Decoder interface {
	// Decode reads one instruction starting at addr from code (at least
	// one, and up to four, bytes available from offset 0) and returns
	// it; the number of bytes consumed (2 or 4) is its Size field.
	Decode(at addr.GuestAddr, code []byte) (Instruction, error)
}

// ErrUnderflow is returned when fewer bytes are available than the
// instruction at the front of code requires.
var ErrUnderflow = fmt.Errorf("isa: not enough bytes to decode instruction")
