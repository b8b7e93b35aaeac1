// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package isa

// PatchSite is an as-yet-unresolved branch target inside a fragment.
// Index identifies which entry of Builder.PatchOffsets (valid only
// after Assemble) holds this site's byte offset from the start of the
// assembled output; Kind records which patch strategy applies,
// mirroring the fragment metadata of spec §3 (exit_branch_type et
// al). The indirection exists because golang-asm only assigns a
// *obj.Prog its final program counter during Assemble, so the real
// byte offset cannot be known at Emit time.
type PatchSite struct {
	Index int
	Kind  PatchKind
}

// PatchKind mirrors spec §3's exit_branch_type, narrowed to what the
// encoder itself needs to know to leave the right placeholder shape.
type PatchKind uint8

const (
	// PatchUncondImm is a single rewritable unconditional branch.
	PatchUncondImm PatchKind = iota
	// PatchCondArm is one arm (taken or skipped) of a two-slot
	// conditional exit.
	PatchCondArm
	// PatchLiteral is a word-aligned literal slot holding an absolute
	// address, patched directly rather than re-encoded as a branch
	// (used for BLX-via-literal and T32's PC-relative-load placeholders).
	PatchLiteral
	// PatchTableSlot is one entry of a TBB/TBH jump table.
	PatchTableSlot
)

// Builder assembles one fragment's translated body, mirroring wagon's
// exec/internal/compile.AMD64Backend.Build: a sequence of Emit* calls
// construct golang-asm *obj.Prog values, and Assemble produces the final
// machine code plus the patch sites the dispatcher needs later.
type Builder interface {
	// EmitRaw copies an already-decoded instruction's encoding verbatim
	// (spec §4.4 "Non-control, no PC use").
	EmitRaw(inst Instruction)

	// EmitMaterializePC writes the absolute guest PC (already including
	// the architectural bias, spec §9) into reg as an immediate,
	// followed by the rewritten form of the original operation supplied
	// by rewrite, which receives the scratch register holding the
	// materialised PC.
	EmitMaterializePC(reg int16, guestPC int64, rewrite func(pcReg int16))

	// EmitUncondBranch emits a branch later rewritten in place by the
	// dispatcher once target is linked (spec §4.4 direct unconditional
	// branch). Until then it routes to the dispatcher trampoline the
	// same way EmitIndirectStub's stub does: target is staged in the
	// first argument register and trampolineAddr is called with link (the
	// source fragment is recovered from the link register), mirroring original_source/scanner.c's unlinked exit, so
	// the very first execution of a freshly scanned direct branch still
	// reaches dispatch.Dispatch instead of jumping nowhere.
	EmitUncondBranch(target int64, trampolineAddr int64) PatchSite

	// EmitCondBranch emits a conditional exit with two dispatcher
	// trampoline arms and returns the taken and skipped patch sites
	// (spec §4.4 conditional direct branch / CBZ). Both arms initially
	// route to the dispatcher trampoline exactly like EmitUncondBranch,
	// staging takenTarget/skippedTarget respectively, so either arm can
	// bootstrap into Dispatch before the first link.
	EmitCondBranch(cond Cond, takenTarget, skippedTarget int64, trampolineAddr int64) (taken, skipped PatchSite)

	// EmitTableBranch emits the inline jump table + dispatch trampoline
	// for TBB/TBH (spec §4.4), sized cacheSize.
	EmitTableBranch(width TBWidth, cacheSize int) (tableOffset int, fallback PatchSite)

	// EmitIndirectStub moves the computed target out of targetReg (the
	// guest register number, e.g. inst.Rm, the original BX/BLX/POP read
	// it from) into the first scratch slot, spills the scratch
	// registers, and emits a call to the dispatcher trampoline (no inline
	// hash lookup is emitted) for BX/BLX/POP{...,PC}-class exits (spec §4.4 indirect branch /
	// indirect call with link). Moving the target into the scratch
	// area's first word before spilling is what lets the dispatcher
	// trampoline recover it later, since nothing about an indirect
	// branch's destination is known until the guest actually computes
	// it -- unlike trampolineAddr, the host process's dispatcher-
	// trampoline entry point (trampoline package), which is a
	// compile-time constant of this binary rather than a patch site.
	EmitIndirectStub(isCall bool, targetReg uint8, trampolineAddr int64)

	// EmitSyscallStub pushes caller-saved registers, materialises the
	// post-syscall return PC, and calls the syscall wrapper (spec §4.4
	// "System call"). syscallTrampolineAddr is the host process's
	// syscall-wrapper entry point, known at emit time for the same
	// reason as EmitIndirectStub's trampolineAddr.
	EmitSyscallStub(returnPC int64, syscallTrampolineAddr int64)

	// EmitCounter64Incr emits an inline load-add-store sequence bumping
	// the 64-bit host value at counterAddr by delta every time the
	// fragment executes (spec §6's emit_counter64_incr, the branchcount
	// reference plugin's only emit primitive).
	EmitCounter64Incr(counterAddr uintptr, delta uint64)

	// EmitLoadStoreAddr emits the effective-address calculation for the
	// load/store currently being scanned -- baseReg plus offset -- into
	// a scratch register and returns it (spec §6's mambo_calc_ld_st_addr,
	// the mtrace reference plugin's address primitive).
	EmitLoadStoreAddr(baseReg uint8, offset int64) (reg int16, err error)

	// EmitHostCall emits the spill-and-call sequence that invokes, via
	// pluginCallTrampolineAddr, the Go closure a plugin registered under
	// token (spec §6's emit_fcall). Unlike EmitIndirectStub/
	// EmitSyscallStub, the trampoline this calls into returns control to
	// the very next instruction in the fragment rather than resolving a
	// new cache address, since a plugin's Call is inline instrumentation
	// rather than a guest control-flow exit.
	EmitHostCall(token uint32, pluginCallTrampolineAddr int64)

	// Assemble finalizes the builder and returns the machine code.
	Assemble() []byte

	// PatchOffsets returns, valid only after Assemble has been called,
	// the byte offset of every patch site emitted so far, indexed by
	// PatchSite.Index.
	PatchOffsets() []int
}
