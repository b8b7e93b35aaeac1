// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package isa

import (
	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/arm64"
)

// ARM64Builder assembles A64 fragment bodies the same way ARMBuilder
// assembles A32/T32 ones: a sequence of *obj.Prog values fed to a
// golang-asm builder, finished with Assemble(), mirroring
// exec/internal/compile/backend_amd64.go's AMD64Backend.Build.
type ARM64Builder struct {
	builder    *asm.Builder
	patchProgs []*obj.Prog
}

// NewARM64Builder returns a Builder for an A64 fragment.
func NewARM64Builder() (*ARM64Builder, error) {
	b, err := asm.NewBuilder("arm64", 64)
	if err != nil {
		return nil, err
	}
	return &ARM64Builder{builder: b}, nil
}

func (b *ARM64Builder) prog() *obj.Prog {
	return b.builder.NewProg()
}

// EmitRaw re-emits a decoded instruction verbatim, same rationale as
// ARMBuilder.EmitRaw.
func (b *ARM64Builder) EmitRaw(inst Instruction) {
	p := b.prog()
	p.As = obj.ABYTE
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = int64(inst.Raw)
	b.builder.AddInstruction(p)
}

// EmitMaterializePC loads guestPC into reg with a MOVD of its low 16
// bits followed by one MOVK for each higher 16-bit chunk (bits 16-31,
// 32-47, 48-63) that is non-zero, so at most four moves are emitted.
func (b *ARM64Builder) EmitMaterializePC(reg int16, guestPC int64, rewrite func(pcReg int16)) {
	p := b.prog()
	p.As = arm64.AMOVD
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = guestPC & 0xffff
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	b.builder.AddInstruction(p)

	if hi := (guestPC >> 16) & 0xffff; hi != 0 {
		p = b.prog()
		p.As = arm64.AMOVK
		p.From.Type = obj.TYPE_CONST
		p.From.Offset = hi << 16
		p.To.Type = obj.TYPE_REG
		p.To.Reg = reg
		b.builder.AddInstruction(p)
	}
	if hi := (guestPC >> 32) & 0xffff; hi != 0 {
		p = b.prog()
		p.As = arm64.AMOVK
		p.From.Type = obj.TYPE_CONST
		p.From.Offset = hi << 32
		p.To.Type = obj.TYPE_REG
		p.To.Reg = reg
		b.builder.AddInstruction(p)
	}
	if hi := (guestPC >> 48) & 0xffff; hi != 0 {
		p = b.prog()
		p.As = arm64.AMOVK
		p.From.Type = obj.TYPE_CONST
		p.From.Offset = hi << 48
		p.To.Type = obj.TYPE_REG
		p.To.Reg = reg
		b.builder.AddInstruction(p)
	}

	rewrite(reg)
}

func (b *ARM64Builder) placeholderBranch(kind PatchKind) PatchSite {
	p := b.prog()
	p.As = arm64.AB
	p.To.Type = obj.TYPE_BRANCH
	b.builder.AddInstruction(p)
	return b.recordPatch(p, kind)
}

func (b *ARM64Builder) recordPatch(p *obj.Prog, kind PatchKind) PatchSite {
	idx := len(b.patchProgs)
	b.patchProgs = append(b.patchProgs, p)
	return PatchSite{Index: idx, Kind: kind}
}

// EmitUncondBranch emits a branch that dispatch.Dispatcher eventually
// rewrites in place to the resolved cache address (spec §4.5
// uncond_imm). Before that first link it targets, via Pcond, an
// inline dispatcher-trampoline bootstrap stub appended right after the
// branch, mirroring ARMBuilder.EmitUncondBranch so the first execution
// of a freshly scanned A64 direct branch also reaches
// dispatch.Dispatcher.Dispatch instead of jumping nowhere.
func (b *ARM64Builder) EmitUncondBranch(target int64, trampolineAddr int64) PatchSite {
	p := b.prog()
	p.As = arm64.AB
	p.To.Type = obj.TYPE_BRANCH
	b.builder.AddInstruction(p)
	site := b.recordPatch(p, PatchUncondImm)
	p.Pcond = b.emitDispatchStub(target, trampolineAddr)
	return site
}

// condBranchOp maps a decoded condition to the A64 B.cond mnemonic that
// carries it, since A64 folds the condition into the opcode rather than
// a shared Scond field the way A32 does.
func condBranchOp(cond Cond) obj.As {
	switch cond {
	case CondEQ:
		return arm64.ABEQ
	case CondNE:
		return arm64.ABNE
	case CondCS:
		return arm64.ABHS
	case CondCC:
		return arm64.ABLO
	case CondMI:
		return arm64.ABMI
	case CondPL:
		return arm64.ABPL
	case CondVS:
		return arm64.ABVS
	case CondVC:
		return arm64.ABVC
	case CondHI:
		return arm64.ABHI
	case CondLS:
		return arm64.ABLS
	case CondGE:
		return arm64.ABGE
	case CondLT:
		return arm64.ABLT
	case CondGT:
		return arm64.ABGT
	case CondLE:
		return arm64.ABLE
	default:
		return arm64.AB
	}
}

// EmitCondBranch emits the taken arm as a B.cond and the skipped arm as
// a plain B, mirroring the two-slot scheme dispatcher.c uses for
// cond_imm_arm, generalised to A64's B.cond encoding. Both arms
// bootstrap through the dispatcher trampoline exactly like
// ARMBuilder.EmitCondBranch, keeping the taken/skipped pair adjacent so
// dispatch.Dispatcher.patchCond's fixed instruction-width offset
// between them still holds.
func (b *ARM64Builder) EmitCondBranch(cond Cond, takenTarget, skippedTarget int64, trampolineAddr int64) (taken, skipped PatchSite) {
	tp := b.prog()
	tp.As = condBranchOp(cond)
	tp.To.Type = obj.TYPE_BRANCH
	b.builder.AddInstruction(tp)
	taken = b.recordPatch(tp, PatchCondArm)

	sp := b.prog()
	sp.As = arm64.AB
	sp.To.Type = obj.TYPE_BRANCH
	b.builder.AddInstruction(sp)
	skipped = b.recordPatch(sp, PatchCondArm)

	tp.Pcond = b.emitDispatchStub(takenTarget, trampolineAddr)
	sp.Pcond = b.emitDispatchStub(skippedTarget, trampolineAddr)
	return taken, skipped
}

// EmitTableBranch has no direct A64 TBB/TBH equivalent; mambo-go treats
// a guest's compiler-generated jump tables on A64 as an indirect branch
// through ADR+LDR+BR. This emits cacheSize placeholder table-slot
// branches followed by one placeholder fallback branch, the same shape
// ARMBuilder.EmitTableBranch emits.
func (b *ARM64Builder) EmitTableBranch(width TBWidth, cacheSize int) (tableOffset int, fallback PatchSite) {
	tableOffset = len(b.patchProgs)
	for i := 0; i < cacheSize; i++ {
		b.placeholderBranch(PatchTableSlot)
	}
	fallback = b.placeholderBranch(PatchUncondImm)
	return tableOffset, fallback
}

var scratchRegsARM64 = []int16{arm64.REG_R9, arm64.REG_R10, arm64.REG_R11}

// EmitIndirectStub moves the live target out of targetReg into x0 (a
// no-op if it is already there) so the dispatcher trampoline can
// recover it from the first spilled word, spills the scratch
// registers, and branches to the dispatcher trampoline (BR/BLR/RET
// handling, spec §4.4). trampolineAddr is materialised into x16 (IP0)
// the same way EmitMaterializePC loads a guest PC, then called through
// with BLR, since it is a fixed host address known at emit time rather
// than a patch site.
func (b *ARM64Builder) EmitIndirectStub(isCall bool, targetReg uint8, trampolineAddr int64) {
	if src := arm64.REG_R0 + int16(targetReg); src != arm64.REG_R0 {
		p := b.prog()
		p.As = arm64.AMOVD
		p.From.Type = obj.TYPE_REG
		p.From.Reg = src
		p.To.Type = obj.TYPE_REG
		p.To.Reg = arm64.REG_R0
		b.builder.AddInstruction(p)
	}
	b.emitSpillAndCall(trampolineAddr)
}

// emitSpillAndCall spills the three scratch registers to the guest
// stack's red zone and calls trampolineAddr, the shared tail of
// EmitIndirectStub and emitDispatchStub, mirroring
// ARMBuilder.emitSpillAndCall.
func (b *ARM64Builder) emitSpillAndCall(trampolineAddr int64) {
	for i, r := range scratchRegsARM64 {
		p := b.prog()
		p.As = arm64.AMOVD
		p.From.Type = obj.TYPE_REG
		p.From.Reg = r
		p.To.Type = obj.TYPE_MEM
		p.To.Reg = arm64.REGSP
		p.To.Offset = int64(i * 8)
		b.builder.AddInstruction(p)
	}
	b.EmitMaterializePC(arm64.REG_R16, trampolineAddr, func(reg int16) {
		p := b.prog()
		p.As = arm64.ABL
		p.From.Type = obj.TYPE_BRANCH
		p.To.Type = obj.TYPE_REG
		p.To.Reg = reg
		b.builder.AddInstruction(p)
	})
}

// emitDispatchStub appends the out-of-line bootstrap sequence an
// unlinked direct/conditional exit branch targets via Pcond,
// mirroring ARMBuilder.emitDispatchStub: materialise target into x0,
// then spill and call like EmitIndirectStub.
func (b *ARM64Builder) emitDispatchStub(target int64, trampolineAddr int64) *obj.Prog {
	p := b.prog()
	p.As = arm64.AMOVD
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = target & 0xffff
	p.To.Type = obj.TYPE_REG
	p.To.Reg = arm64.REG_R0
	b.builder.AddInstruction(p)
	first := p

	if hi := (target >> 16) & 0xffff; hi != 0 {
		p = b.prog()
		p.As = arm64.AMOVK
		p.From.Type = obj.TYPE_CONST
		p.From.Offset = hi << 16
		p.To.Type = obj.TYPE_REG
		p.To.Reg = arm64.REG_R0
		b.builder.AddInstruction(p)
	}
	if hi := (target >> 32) & 0xffff; hi != 0 {
		p = b.prog()
		p.As = arm64.AMOVK
		p.From.Type = obj.TYPE_CONST
		p.From.Offset = hi << 32
		p.To.Type = obj.TYPE_REG
		p.To.Reg = arm64.REG_R0
		b.builder.AddInstruction(p)
	}

	b.emitSpillAndCall(trampolineAddr)
	return first
}

// EmitSyscallStub materialises the return PC and calls the syscall
// wrapper, following the same fixed-address materialise-then-BLR
// pattern as EmitIndirectStub.
func (b *ARM64Builder) EmitSyscallStub(returnPC int64, syscallTrampolineAddr int64) {
	b.EmitMaterializePC(arm64.REG_R30, returnPC, func(int16) {})
	b.EmitMaterializePC(arm64.REG_R16, syscallTrampolineAddr, func(reg int16) {
		p := b.prog()
		p.As = arm64.ABL
		p.From.Type = obj.TYPE_BRANCH
		p.To.Type = obj.TYPE_REG
		p.To.Reg = reg
		b.builder.AddInstruction(p)
	})
}

// EmitCounter64Incr loads the 64-bit value at counterAddr into a
// scratch register, adds delta, and stores it back -- A64 holds the
// full 64-bit counter in one register, unlike ARMBuilder's word-pair
// scheme, so no carry handling is needed.
func (b *ARM64Builder) EmitCounter64Incr(counterAddr uintptr, delta uint64) {
	b.EmitMaterializePC(arm64.REG_R9, int64(counterAddr), func(ar int16) {
		ld := b.prog()
		ld.As = arm64.AMOVD
		ld.From.Type = obj.TYPE_MEM
		ld.From.Reg = ar
		ld.To.Type = obj.TYPE_REG
		ld.To.Reg = arm64.REG_R10
		b.builder.AddInstruction(ld)

		add := b.prog()
		add.As = arm64.AADD
		add.From.Type = obj.TYPE_CONST
		add.From.Offset = int64(delta)
		add.Reg = arm64.REG_R10
		add.To.Type = obj.TYPE_REG
		add.To.Reg = arm64.REG_R10
		b.builder.AddInstruction(add)

		st := b.prog()
		st.As = arm64.AMOVD
		st.From.Type = obj.TYPE_REG
		st.From.Reg = arm64.REG_R10
		st.To.Type = obj.TYPE_MEM
		st.To.Reg = ar
		b.builder.AddInstruction(st)
	})
}

// EmitLoadStoreAddr emits the base-plus-immediate effective-address
// calculation, mirroring ARMBuilder.EmitLoadStoreAddr's scope (no
// pre/post-indexed or register-offset forms).
func (b *ARM64Builder) EmitLoadStoreAddr(baseReg uint8, offset int64) (int16, error) {
	src := arm64.REG_R0 + int16(baseReg)
	p := b.prog()
	p.As = arm64.AADD
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = offset
	p.Reg = src
	p.To.Type = obj.TYPE_REG
	p.To.Reg = arm64.REG_R9
	b.builder.AddInstruction(p)
	return arm64.REG_R9, nil
}

// EmitHostCall stages token into x0 and branches to
// pluginCallTrampolineAddr, mirroring ARMBuilder.EmitHostCall.
func (b *ARM64Builder) EmitHostCall(token uint32, pluginCallTrampolineAddr int64) {
	p := b.prog()
	p.As = arm64.AMOVD
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = int64(token)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = arm64.REG_R0
	b.builder.AddInstruction(p)

	b.EmitMaterializePC(arm64.REG_R16, pluginCallTrampolineAddr, func(reg int16) {
		p := b.prog()
		p.As = arm64.ABL
		p.From.Type = obj.TYPE_BRANCH
		p.To.Type = obj.TYPE_REG
		p.To.Reg = reg
		b.builder.AddInstruction(p)
	})
}

// Assemble finalizes the instruction stream.
func (b *ARM64Builder) Assemble() []byte {
	return b.builder.Assemble()
}

// PatchOffsets returns each recorded patch site's resolved byte offset
// within the assembled output.
func (b *ARM64Builder) PatchOffsets() []int {
	offs := make([]int, len(b.patchProgs))
	for i, p := range b.patchProgs {
		offs[i] = int(p.Pc)
	}
	return offs
}
