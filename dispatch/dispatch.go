// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dispatch implements the dispatcher (spec §4.5): the routine
// every translated fragment's exit branch calls into, which resolves
// the guest target address to a cache address (scanning it if this is
// the first time it is reached) and, where the exit shape allows it,
// patches the source fragment's own exit branch to jump there directly
// on future executions -- bypassing the dispatcher entirely once
// linked.
//
// The patch-strategy switch below is ported from
// original_source/dispatcher.c's `switch (source_branch_type)`, kept
// as close to its case-by-case behaviour as the Go realization of
// exit_branch_type allows. Structurally this plays the same role as
// wagon's exec/vm.go execCode switch over compile.OpJmp/OpJmpZ/
// OpJmpNz/ops.BrTable -- "switch on exit shape, do the corresponding
// thing" -- one level up from bytecode interpretation.
package dispatch

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/beehive-lab/mambo-go/addr"
	"github.com/beehive-lab/mambo-go/codecache"
	"github.com/beehive-lab/mambo-go/htable"
	"github.com/beehive-lab/mambo-go/scanner"
)

var logging = false
var logger = log.New(discard{}, "dispatch: ", log.Lshortfile)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// SetDebug toggles verbose logging, mirroring wasm/log.go's pattern of
// a package-level switch rather than a structured logging library.
func SetDebug(v bool) {
	logging = v
	if v {
		logger.SetOutput(logWriter{})
	} else {
		logger.SetOutput(discard{})
	}
}

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) { return fmt.Print(string(p)) }

// Scanner is the subset of scanner.Scanner's behaviour the dispatcher
// needs: translate a not-yet-cached guest address into a fragment.
type Scanner interface {
	Scan(arena *codecache.Arena, pc addr.GuestAddr, mode addr.Mode) (scanner.Result, error)
}

// Dispatcher resolves branch targets and links fragments together. One
// Dispatcher exists per thread, tied to that thread's Arena and Table
// (spec §5: "a thread's code cache and its hash table are always
// flushed together").
type Dispatcher struct {
	Arena   *codecache.Arena
	Table   *htable.Table
	Scanner Scanner

	traces bool
}

// lookupOrScan resolves target to a cache-relative fragment index,
// scanning it if this is the first time the thread has reached it
// (original_source/dispatcher.c's lookup_or_scan).
func (d *Dispatcher) lookupOrScan(target addr.GuestAddr) (fragIdx int, cacheAddr uintptr, cached bool, err error) {
	if v, ok := d.Table.Lookup(target); ok {
		return -1, v, true, nil
	}
	mode := addr.A32
	if target.IsThumb() {
		mode = addr.T32
	}
	res, err := d.Scanner.Scan(d.Arena, target, mode)
	if err != nil {
		return 0, 0, false, err
	}
	frag := d.Arena.Fragment(res.FragmentIndex)
	cacheAddr = d.Arena.Base() + uintptr(frag.Offset)
	if needsFlush := d.Table.Insert(target, cacheAddr); needsFlush {
		logger.Printf("hash table past load factor, flush required on next safe point")
	}
	return res.FragmentIndex, cacheAddr, false, nil
}

// LookupOrScan resolves target to a cache address, scanning it if
// necessary, without attempting to link any exit branch. sysif uses
// this to rewrite a guest-installed signal handler pointer through the
// cache before handing it to the real rt_sigaction (spec §6's
// rt_sigaction interception, original_source/syscalls.c's direct call
// to lookup_or_scan for the same purpose).
func (d *Dispatcher) LookupOrScan(target addr.GuestAddr) (uintptr, error) {
	_, cacheAddr, _, err := d.lookupOrScan(target)
	return cacheAddr, err
}

// Dispatch resolves target and, depending on the exit shape the
// source fragment left behind, links the source's exit branch
// directly to it. sourceIdx is the fragment index whose exit branch
// called into the dispatcher; it is read and copied before any
// scanning happens, because scanning may overwrite source's own slot
// if the cache has been flushed in between (the same caution
// dispatcher.c's opening comment gives for code_cache_meta).
func (d *Dispatcher) Dispatch(target addr.GuestAddr, sourceIdx int) (cacheAddr uintptr, err error) {
	sourceFrag := *d.Arena.Fragment(sourceIdx)

	_, cacheAddr, cached, err := d.lookupOrScan(target)
	if err != nil {
		if _, ok := err.(*scanner.FatalTranslationError); ok {
			logger.Printf("fatal translation error, terminating thread: %v", err)
		}
		return 0, err
	}
	logger.Printf("dispatch target=%#x source=%d cached=%v -> %#x", target, sourceIdx, cached, cacheAddr)

	switch sourceFrag.ExitBranchType {
	case codecache.ExitUncondImm:
		d.patchUncond(sourceIdx, &sourceFrag, cacheAddr)

	case codecache.ExitCondImm, codecache.ExitCBZ:
		d.patchCond(sourceIdx, &sourceFrag, target, cacheAddr)

	case codecache.ExitTableBranch:
		d.patchTableSlot(sourceIdx, &sourceFrag, cacheAddr)

	case codecache.ExitIndirect, codecache.ExitIndirectLink:
		// Indirect exits never get a literal patch: the scanner emits no
		// inline hash lookup, so every execution re-enters the dispatcher
		// trampoline, and EmitIndirectStub leaves no single PatchSite (spec
		// §4.4 "indirect branch" / "indirect call with link"). The
		// dispatcher's only job for these is to have resolved
		// cacheAddr, which the trampoline glue already holds in r0/x0
		// on return from Dispatch.

	case codecache.ExitSyscall:
		// Syscalls return control to the dispatcher with the guest's
		// post-syscall PC as target; nothing to link, the next block is
		// simply whatever lookupOrScan just resolved.

	default:
		return 0, fmt.Errorf("dispatch: fragment %d has no exit branch to resolve", sourceIdx)
	}

	if err := d.Arena.SyncIcache(); err != nil {
		return 0, fmt.Errorf("dispatch: icache sync: %w", err)
	}
	return cacheAddr, nil
}

// patchUncond rewrites a single unconditional exit branch to target
// cacheAddr directly (dispatcher.c's uncond_imm_arm/uncond_imm_thumb
// case).
func (d *Dispatcher) patchUncond(sourceIdx int, f *codecache.Fragment, cacheAddr uintptr) {
	d.writeBranch(f.ExitBranchAddr, f.Mode, cacheAddr, false)
	d.Arena.RecordLink(f.ExitBranchAddr, int(cacheAddr-d.Arena.Base()))
}

// patchCond links whichever of the two arms (taken/skipped) matches
// target, following dispatcher.c's cond_imm_arm/cond_imm_thumb/
// cbz_thumb two-slot scheme: the taken arm sits at ExitBranchAddr, the
// skipped arm at the next instruction slot. The arm taken this time is
// always linked; the other arm is linked too only if its target is
// already in the hash table, and otherwise stays a dispatcher call, so
// the cache never scans a target just to link it (spec §4.5's "may flip the polarity ... to keep the near branch on
// the taken path" is realized by linking whichever arm matched,
// leaving the branch's own condition/offset fields exactly as
// scanned).
func (d *Dispatcher) patchCond(sourceIdx int, f *codecache.Fragment, target addr.GuestAddr, cacheAddr uintptr) {
	instWidth := instructionWidth(f.Mode)
	takenSlot := f.ExitBranchAddr
	skippedSlot := f.ExitBranchAddr + instWidth

	isTaken := target == f.BranchTakenAddr
	slot := skippedSlot
	bit := codecache.BranchCacheSkipped
	if isTaken {
		slot = takenSlot
		bit = codecache.BranchCacheTaken
	}
	d.writeBranch(slot, f.Mode, cacheAddr, false)
	d.Arena.RecordLink(slot, int(cacheAddr-d.Arena.Base()))

	stored := d.Arena.Fragment(sourceIdx)
	stored.BranchCacheStatus |= bit

	// The arm we didn't just take may already have a cached target from
	// an earlier pass over this fragment (e.g. a loop whose body takes
	// both arms across iterations); link it too instead of waiting for
	// another dispatcher round trip to discover what's already known.
	otherBit := codecache.BranchCacheTaken
	otherSlot := takenSlot
	otherTarget := f.BranchTakenAddr
	if isTaken {
		otherBit = codecache.BranchCacheSkipped
		otherSlot = skippedSlot
		otherTarget = f.BranchSkippedAddr
	}
	if stored.BranchCacheStatus&otherBit == 0 {
		if otherCacheAddr, ok := d.Table.Lookup(otherTarget); ok {
			d.writeBranch(otherSlot, f.Mode, otherCacheAddr, false)
			d.Arena.RecordLink(otherSlot, int(otherCacheAddr-d.Arena.Base()))
			stored.BranchCacheStatus |= otherBit
		}
	}
}

// patchTableSlot fills the next free entry of a TBB/TBH fragment's
// inline jump table, falling back to leaving later indices pointed at
// the dispatcher trampoline once tableBranchCacheSize entries are
// used (dispatcher.c's tbb/tbh case, FAST_BT variant: a flat word
// array indexed by the table-branch's own index register).
func (d *Dispatcher) patchTableSlot(sourceIdx int, f *codecache.Fragment, cacheAddr uintptr) {
	if f.Rn == 0xff {
		// Sentinel meaning "already linked, rn invalidated" --
		// dispatcher.c sets rn to INT_MAX after handling an index once,
		// "to detect calls from the inline hash lookup" on further
		// misses to the same slot.
		return
	}
	slotAddr := f.ExitBranchAddr + int(f.Rn)*4
	binary.LittleEndian.PutUint32(d.arenaBytes()[slotAddr:], uint32(cacheAddr-d.Arena.Base()))
	d.Arena.RecordLink(slotAddr, int(cacheAddr-d.Arena.Base()))
	f.Rn = 0xff
}

func instructionWidth(mode addr.Mode) int {
	if mode == addr.T32 {
		return 2
	}
	return 4
}

// writeBranch re-encodes the unconditional branch at byteOffset to
// target cacheAddr, choosing the A32, T32, or A64 direct-branch
// encoding by mode. Patching writes raw machine words directly into
// the arena rather than re-invoking golang-asm, the same way
// dispatcher.c's thumb_b32_helper/arm_b_helper poke pre-computed
// encodings straight into the code cache rather than re-running an
// assembler.
func (d *Dispatcher) writeBranch(byteOffset int, mode addr.Mode, cacheAddr uintptr, link bool) {
	mem := d.arenaBytes()
	from := d.Arena.Base() + uintptr(byteOffset)
	switch mode {
	case addr.A32:
		rel := int32(int64(cacheAddr) - int64(from) - 8)
		word := uint32(0xea000000) | (uint32(rel>>2) & 0x00ffffff)
		if link {
			word |= 0x01000000
		}
		binary.LittleEndian.PutUint32(mem[byteOffset:], word)
	case addr.A64:
		rel := int32(int64(cacheAddr) - int64(from))
		word := uint32(0x14000000) | (uint32(rel>>2) & 0x03ffffff)
		if link {
			word |= 0x80000000
		}
		binary.LittleEndian.PutUint32(mem[byteOffset:], word)
	case addr.T32:
		// Scoped to the 32-bit T32 unconditional branch encoding
		// (B.W, T4): 11110 S imm10 10 J1 1 J2 imm11. T32's 16-bit B
		// (T2, +/-2KiB) is not re-encoded by the dispatcher; the
		// scanner always reserves T4-sized room for a branch it may
		// need to patch to an arbitrary cache address (spec §4.4).
		rel := int32(int64(cacheAddr) - int64(from) - 4)
		imm := uint32(rel) >> 1
		s := (imm >> 23) & 1
		i1 := (imm >> 22) & 1
		i2 := (imm >> 21) & 1
		j1 := (^(i1 ^ s)) & 1
		j2 := (^(i2 ^ s)) & 1
		imm10 := (imm >> 11) & 0x3ff
		imm11 := imm & 0x7ff
		hw1 := uint16(0xf000 | (s << 10) | imm10)
		hw2 := uint16(0x9000 | (j1 << 13) | (j2 << 11) | imm11)
		if link {
			hw2 |= 0x4000
		}
		binary.LittleEndian.PutUint16(mem[byteOffset:], hw1)
		binary.LittleEndian.PutUint16(mem[byteOffset+2:], hw2)
	}
}

// arenaBytes exposes the arena's backing memory for direct patch
// writes. Every other package goes through Arena's Reserve/Write API;
// only the dispatcher re-encodes an already-written exit branch in
// place.
func (d *Dispatcher) arenaBytes() []byte {
	return d.Arena.Bytes()
}

// ErrNoTrace is returned by TraceDispatch when trace-cache support is
// disabled (Open Question (c)).
var ErrNoTrace = fmt.Errorf("dispatch: trace cache disabled")

// EnableTraces turns on the second-tier trace cache. Disabled by
// default per Open Question (c): spec §4.5 allows the core to omit
// traces entirely without affecting correctness, and mambo-go ships
// them as an opt-in rather than building them into the hot path.
func (d *Dispatcher) EnableTraces(enabled bool) {
	d.traces = enabled
}

// TraceDispatch handles a dispatch originating from a trace fragment
// (source_index >= CODE_CACHE_SIZE in dispatcher.c's indexing scheme,
// here modelled as sourceIdx belonging to a second Arena dedicated to
// traces). It is a thin wrapper around the same patch-strategy switch
// as Dispatch; traces differ only in how they were built, not in how
// their exits get linked.
func (d *Dispatcher) TraceDispatch(target addr.GuestAddr, sourceIdx int) (uintptr, error) {
	if !d.traces {
		return 0, ErrNoTrace
	}
	return d.Dispatch(target, sourceIdx)
}
