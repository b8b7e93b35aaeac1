// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scanner implements the translator (spec §4.4): it walks a
// guest basic block instruction by instruction, applying one of nine
// translation rules per decoded Tag, and writes the translated body
// into a codecache.Arena fragment. It mirrors the shape of
// disasm.Disassembly's single walking loop with an explicit state
// stack (here, IT-block state instead of WASM block nesting) and
// exec/internal/compile.Compile's block/patch bookkeeping, generalized
// from patching jump immediates in a []byte buffer to patching real
// machine-code branches via the isa.Builder contract.
package scanner

import (
	"fmt"

	"github.com/beehive-lab/mambo-go/addr"
	"github.com/beehive-lab/mambo-go/codecache"
	"github.com/beehive-lab/mambo-go/isa"
	"github.com/beehive-lab/mambo-go/plugin"
	"github.com/twitchyliquid64/golang-asm/obj/arm"
	"github.com/twitchyliquid64/golang-asm/obj/arm64"
)

// MaxBackInline bounds how many backward direct branches a single scan
// may fold into the same fragment instead of exiting to the dispatcher
// (Open Question (b): original MAX_BACK_INLINE preprocessor constant).
// A guest loop whose body is shorter than this many folds ends up
// entirely resident in one fragment, avoiding a dispatcher round trip
// per iteration.
const MaxBackInline = 4

// tableBranchCacheSize bounds how many distinct TBB/TBH indices are
// linked directly in a fragment's inline jump table before further
// indices fall back to the dispatcher trampoline (spec §4.4).
const tableBranchCacheSize = 8

// FatalTranslationError is raised when the scanner hits a guest state
// the C runtime's corresponding code path handled with a bare
// "while(1);" spin (Open Question (a)): an undecodable instruction at
// a position the ABI guarantees is always decodable, or an otherwise
// un-representable register list. Scan returns it as an ordinary error
// value (it is never panicked); dispatch.Dispatch logs it and
// terminates the owning thread.
type FatalTranslationError struct {
	Addr   addr.GuestAddr
	Reason string
}

func (e *FatalTranslationError) Error() string {
	return fmt.Sprintf("scanner: fatal translation error at %#x: %s", e.Addr, e.Reason)
}

// BuilderFactory constructs a fresh isa.Builder for the given mode,
// used once per fragment. A32 and T32 share golang-asm's arm backend;
// A64 uses the arm64 backend (see isa.NewARMBuilder / NewARM64Builder).
type BuilderFactory func(mode addr.Mode) (isa.Builder, error)

// Scanner translates guest basic blocks into code-cache fragments.
type Scanner struct {
	Decode     func(mode addr.Mode, at addr.GuestAddr, code []byte) (isa.Instruction, error)
	NewBuilder BuilderFactory
	Plugins    *plugin.Bus

	// ReadGuest returns at least 4 bytes of guest memory starting at
	// at, for decoding. Supplied by thread.State so the scanner itself
	// never assumes how guest memory is mapped into this process.
	ReadGuest func(at addr.GuestAddr) ([]byte, error)

	// TrampolineAddr and SyscallTrampolineAddr are this process's fixed
	// dispatcher/syscall trampoline entry points (trampoline package),
	// materialised into every indirect-branch and syscall stub a
	// fragment emits.
	TrampolineAddr        int64
	SyscallTrampolineAddr int64

	// PluginCallAddr is the fixed plugin-call trampoline entry point
	// (trampoline.PluginCallAddr), materialised into every EmitAPI.Call
	// site a plugin emits during this scan.
	PluginCallAddr int64

	// Registry holds the closures EmitAPI.Call registers for this
	// thread, shared across every Scan call so tokens stay valid for as
	// long as the fragments referencing them do (spec §5: reset
	// alongside the arena on Flush).
	Registry *plugin.Registry

	// ThreadData is this thread's single shared plugin-data cell: every
	// Context.BindThreadData call this Scan performs reads and writes
	// through it, so SetThreadData from one fragment's callback is
	// visible to the next (spec §6 review fix: PRE_THREAD-initialized
	// data must flow into PRE_INST/POST_INST).
	ThreadData *interface{}
}

// itState tracks an in-progress T32 IT block, following the
// cond_inst_after_it/it_cond/it_mask/it_inst_addr fields of
// original_source/scanner_thumb.c's thumb_it_state.
type itState struct {
	condInstAfterIt int
	cond            isa.Cond
	mask            uint8
	overwritten     bool
}

func (s *itState) active() bool { return s.condInstAfterIt > 0 }

// Result describes a completed scan.
type Result struct {
	FragmentIndex int
	// InlinedBackEdges counts how many backward branches were folded
	// into this fragment rather than exiting to the dispatcher.
	InlinedBackEdges int
}

// Scan translates the basic block (and any inlined back-edges, up to
// MaxBackInline) starting at pc/mode into a fresh fragment in arena.
func (s *Scanner) Scan(arena *codecache.Arena, pc addr.GuestAddr, mode addr.Mode) (Result, error) {
	builder, err := s.NewBuilder(mode)
	if err != nil {
		return Result{}, fmt.Errorf("scanner: new builder: %w", err)
	}

	// Per-thread setup/teardown callbacks (PreThread/PostThread) fire
	// once at thread creation/exit (thread.State.Run), not per fragment,
	// so Scan never dispatches them here; it only reads and writes the
	// shared per-thread data cell thread.State seeded at PreThread via
	// s.ThreadData.

	cur := pc.Clean()
	curMode := mode
	it := &itState{}
	inlinedBackEdges := 0

	var exitType codecache.ExitBranchType
	var exitTaken, exitSkipped addr.GuestAddr
	var exitCond uint8
	var exitRn uint8
	var exitPatch isa.PatchSite
	haveExitPatch := false

scanLoop:
	for {
		code, err := s.ReadGuest(cur)
		if err != nil {
			return Result{}, fmt.Errorf("scanner: read guest memory at %#x: %w", cur, err)
		}
		inst, err := s.Decode(curMode, cur, code)
		if err != nil {
			return Result{}, &FatalTranslationError{Addr: cur, Reason: err.Error()}
		}

		if arena.FreeBytes() < minFragmentHeadroom {
			return Result{}, codecache.ErrArenaFull
		}

		ctx := &plugin.Context{Addr: cur, Mode: curMode}
		ctx.Branch, ctx.IsLoadStore = classify(inst)
		if s.ThreadData != nil {
			ctx.BindThreadData(
				func() interface{} { return *s.ThreadData },
				func(v interface{}) { *s.ThreadData = v },
			)
		}
		if s.Registry != nil {
			ctx.Emit = &plugin.BuilderEmit{
				Builder:  builder,
				Registry: s.Registry,
				CallAddr: s.PluginCallAddr,
				BaseReg:  inst.Rn,
				Offset:   inst.Imm,
			}
		}
		if s.Plugins.HasHandlers(plugin.PreInst) {
			if err := s.Plugins.Dispatch(plugin.PreInst, ctx); err != nil {
				return Result{}, err
			}
		}

		if it.active() {
			it.condInstAfterIt--
		}

		if !ctx.Replaced() {
			switch inst.Tag {
			case isa.Verbatim:
				builder.EmitRaw(inst)

			case isa.PCRead:
				bias := addr.PCBias(curMode)
				target := int64(cur) + int64(bias) + inst.Imm
				builder.EmitMaterializePC(scratchReg(curMode), target, func(int16) {
					builder.EmitRaw(inst)
				})

			case isa.ITInstr:
				it.condInstAfterIt = itInstCount(uint8(inst.Imm))
				it.cond = inst.Cond
				it.mask = uint8(inst.Imm)
				it.overwritten = false
				builder.EmitRaw(inst)

			case isa.BranchImmUncond:
				target := branchTarget(cur, curMode, inst)
				if target.Clean() < cur && inlinedBackEdges < MaxBackInline {
					inlinedBackEdges++
					cur = target.Clean()
					curMode = modeFor(target, curMode)
					it = &itState{}
					continue scanLoop
				}
				exitPatch = builder.EmitUncondBranch(int64(target), s.TrampolineAddr)
				haveExitPatch = true
				exitType = codecache.ExitUncondImm
				exitTaken = target
				break scanLoop

			case isa.BranchImmCond, isa.CBZCond:
				target := branchTarget(cur, curMode, inst)
				fallthroughAddr := cur + addr.GuestAddr(inst.Size)
				taken, _ := builder.EmitCondBranch(inst.Cond, int64(target), int64(fallthroughAddr), s.TrampolineAddr)
				exitPatch, haveExitPatch = taken, true
				if inst.Tag == isa.CBZCond {
					exitType = codecache.ExitCBZ
				} else {
					exitType = codecache.ExitCondImm
				}
				exitTaken = target
				exitSkipped = fallthroughAddr
				exitCond = uint8(inst.Cond)
				break scanLoop

			case isa.TableBranch:
				_, fallback := builder.EmitTableBranch(isa.TBWidth(inst.Imm), tableBranchCacheSize)
				exitPatch, haveExitPatch = fallback, true
				exitType = codecache.ExitTableBranch
				exitRn = inst.Rn
				break scanLoop

			case isa.BranchIndirect, isa.BranchIndirectLink:
				builder.EmitIndirectStub(inst.Tag == isa.BranchIndirectLink, inst.Rm, s.TrampolineAddr)
				if inst.Tag == isa.BranchIndirectLink {
					exitType = codecache.ExitIndirectLink
				} else {
					exitType = codecache.ExitIndirect
				}
				exitRn = inst.Rm
				break scanLoop

			case isa.Syscall:
				returnPC := int64(cur) + int64(inst.Size)
				builder.EmitSyscallStub(returnPC, s.SyscallTrampolineAddr)
				exitType = codecache.ExitSyscall
				break scanLoop

			default:
				return Result{}, &FatalTranslationError{Addr: cur, Reason: "undecodable instruction"}
			}
		}

		if s.Plugins.HasHandlers(plugin.PostInst) {
			if err := s.Plugins.Dispatch(plugin.PostInst, ctx); err != nil {
				return Result{}, err
			}
		}

		cur += addr.GuestAddr(inst.Size)
	}

	body := builder.Assemble()
	off, err := arena.Reserve(len(body))
	if err != nil {
		return Result{}, err
	}
	arena.Write(off, body)

	exitBranchAddr := off + len(body)
	if haveExitPatch {
		offsets := builder.PatchOffsets()
		exitBranchAddr = off + offsets[exitPatch.Index]
	}

	frag := codecache.Fragment{
		Offset:            off,
		Size:              len(body),
		SourceAddr:        pc,
		Mode:              mode,
		ExitBranchType:    exitType,
		ExitBranchAddr:    exitBranchAddr,
		BranchTakenAddr:   exitTaken,
		BranchSkippedAddr: exitSkipped,
		BranchCondition:   exitCond,
		Rn:                exitRn,
	}
	idx := arena.AddFragment(frag)

	return Result{FragmentIndex: idx, InlinedBackEdges: inlinedBackEdges}, nil
}

// minFragmentHeadroom is the smallest free-space margin the scanner
// requires before translating another instruction, matching
// thumb_check_free_space's role of ensuring there is always enough
// room left to emit a worst-case exit sequence before the two cursors
// collide (spec §4.4 "free-space check").
const minFragmentHeadroom = 128

// classify derives the plugin ABI's BranchType for a decoded
// instruction (api/helpers.h's mambo_get_branch_type).
func classify(inst isa.Instruction) (plugin.BranchType, bool) {
	// General LDR/STR classification belongs to the full ISA decode,
	// which this scoped codec does not reproduce (see isa package
	// doc), so isLoadStore is false for every instruction and
	// mtrace-style plugins are never told an instruction is a load or
	// store.
	isLoadStore := false
	switch inst.Tag {
	case isa.BranchImmUncond:
		if inst.IsCall {
			return plugin.BranchDirect | plugin.BranchCall, isLoadStore
		}
		return plugin.BranchDirect, isLoadStore
	case isa.BranchImmCond, isa.CBZCond:
		return plugin.BranchDirect, isLoadStore
	case isa.BranchIndirect:
		if inst.Writeback {
			return plugin.BranchReturn, isLoadStore
		}
		return plugin.BranchIndirect, isLoadStore
	case isa.BranchIndirectLink:
		return plugin.BranchIndirect | plugin.BranchCall, isLoadStore
	case isa.TableBranch:
		return plugin.BranchIndirect, isLoadStore
	default:
		return plugin.BranchNone, isLoadStore
	}
}

// branchTarget resolves a direct branch/compare-and-branch's absolute
// guest target, including the architectural PC bias and, for
// BranchIndirectLink-free calls, the Thumb mode bit.
func branchTarget(cur addr.GuestAddr, mode addr.Mode, inst isa.Instruction) addr.GuestAddr {
	bias := addr.PCBias(mode)
	target := cur + bias + addr.GuestAddr(inst.Imm)
	return target.WithMode(mode == addr.T32)
}

func modeFor(target addr.GuestAddr, fallback addr.Mode) addr.Mode {
	if fallback == addr.A64 {
		return addr.A64
	}
	if target.IsThumb() {
		return addr.T32
	}
	return addr.A32
}

// scratchReg returns the register the scanner uses to materialise PC
// values into, per ISA mode. A32/T32 use r12 (IP, caller-saved and
// never guest-allocatable across a call per AAPCS); A64 uses x16 (IP0,
// the equivalent AAPCS64 intra-procedure-call scratch register).
func scratchReg(mode addr.Mode) int16 {
	if mode == addr.A64 {
		return arm64.REG_R16
	}
	return arm.REG_R12
}

// itInstCount returns how many instructions after the IT itself the
// 4-bit IT mask covers, per the A32/T32 ARM ARM's IT block length
// table (mask nibble 1000 -> 1 instruction after IT, 0100/1100 -> 2,
// 0010/0110/1010/1110 -> 3, else -> 4).
func itInstCount(mask uint8) int {
	switch {
	case mask&0x1 != 0:
		return 4
	case mask&0x2 != 0:
		return 3
	case mask&0x4 != 0:
		return 2
	default:
		return 1
	}
}
