// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package trampoline implements the two fixed assembly entry points
// spec §6 names: the host->guest entry stub that seeds a thread's
// initial register state and jumps into its first cached fragment, and
// the guest->host dispatcher/syscall trampolines that every emitted
// indirect-branch and syscall stub (isa.Builder.EmitIndirectStub /
// EmitSyscallStub) calls back into.
//
// This follows the same declare-in-Go/define-in-assembly split as
// wagon's exec/internal/compile/native_exec.go's jitcall: a Go
// function with no body, backed by a per-arch .s file selected by
// build tag. The actual trampoline bodies are original to this port --
// native_exec.go only establishes the *pattern*, its own .s file was
// not part of the retrieved corpus.
package trampoline

import (
	"unsafe"

	"github.com/beehive-lab/mambo-go/addr"
)

// Registers is the guest register file an entry/exit crossing carries.
// Index 0-14 cover A32/T32's r0-r14 (r13=SP, r14=LR); A64 uses 0-30 for
// x0-x30. PC is carried separately as GuestAddr because both host
// entry and exit need it tagged with its Thumb-bit/mode information.
type Registers struct {
	R  [31]uint64
	PC addr.GuestAddr
}

// DispatchFunc is the signature the dispatcher trampoline invokes once
// it has spilled the guest registers it clobbers to Registers: exitAddr
// is the exact code-cache address the indirect-branch stub called back
// from (LR at the point of entry), the same key codecache.Fragment's
// exit-branch fields use for a direct branch's patch site, and regs.R[0]
// carries the indirect branch's computed target -- isa.Builder.
// EmitIndirectStub moves it there before spilling, since it is the only
// one of the three scratch words the trampoline assembly reads back out
// itself (the other two are restored untouched on the way back into the
// resumed fragment). Bound once per thread via Bind.
type DispatchFunc func(regs *Registers, exitAddr uintptr) (cacheAddr uintptr)

// SyscallFunc is invoked by the syscall trampoline with the guest's
// syscall number and argument registers already materialised into
// Registers; it runs the PRE_SYSCALL interception, issues the real
// syscall unless skipped, then runs POST_SYSCALL, returning the cache
// address execution should resume at.
type SyscallFunc func(regs *Registers) (cacheAddr uintptr)

// PluginCallFunc is invoked by the plugin-call trampoline with the
// token isa.Builder.EmitHostCall staged into r0/x0, identifying which
// closure a plugin's EmitAPI.Call registered (spec §6's emit_fcall).
// Unlike DispatchFunc/SyscallFunc it returns nothing: the trampoline
// resumes the calling fragment in place rather than redirecting to a
// new cache address.
type PluginCallFunc func(token uint32)

// callbacks holds the per-thread function values the assembly
// trampolines invoke. Since a goroutine-bound host thread only ever
// runs one guest thread's translated code at a time, this is plain
// thread-local state keyed by the calling goroutine's current OS
// thread -- realized here as a value threaded through Bind/Enter
// rather than a package global, so concurrent guest threads never
// share it.
type callbacks struct {
	dispatch   DispatchFunc
	syscall    SyscallFunc
	pluginCall PluginCallFunc
}

// hostStackSize is the dedicated scratch stack the trampolines switch
// onto before calling back into Go. Guest translated code runs with
// the hardware stack pointer doubling as the guest's own SP (A32/T32
// have no shadow SP register), so the host side cannot safely make a
// normal Go call without first parking the guest SP and substituting
// one of its own; 64KiB comfortably covers dispatchShim/syscallShim's
// own (non-recursive, NOSPLIT) frames.
const hostStackSize = 64 << 10

// ctxState is the per-Enter handoff block the reserved context
// register (r11 on A32/T32, x27 on A64; see trampoline_arm.s /
// trampoline_arm64.s) points at for the whole lifetime of a guest
// thread's run. It is heap-allocated so the address taken into that
// register stays valid even though it is held across long stretches of
// non-Go code the garbage collector cannot see into.
//
// Field offsets referenced directly from assembly (kept in sync with
// the comments at the top of each .s file): regs, cb, exitPC, savedG,
// hostSP, in declaration order.
type ctxState struct {
	regs   *Registers
	cb     *callbacks
	exitPC uintptr
	savedG uintptr
	hostSP uintptr
	stack  [hostStackSize]byte
}

// Trampoline is the bound, ready-to-enter handle for one thread's
// crossings. Addr and SyscallAddr are the host addresses
// isa.Builder.EmitIndirectStub/EmitSyscallStub materialise into
// emitted fragments (scanner.Scanner.TrampolineAddr /
// SyscallTrampolineAddr), obtained via Addr()/SyscallAddr() below.
type Trampoline struct {
	cb callbacks
}

// Bind constructs a Trampoline whose dispatcher, syscall, and
// plugin-call trampoline entry points call back into dispatch,
// syscall, and pluginCall respectively. pluginCall may be nil if no
// plugin ever registers an EmitAPI.Call closure; the trampoline is
// simply never reached in that case.
func Bind(dispatch DispatchFunc, syscall SyscallFunc, pluginCall PluginCallFunc) *Trampoline {
	return &Trampoline{cb: callbacks{dispatch: dispatch, syscall: syscall, pluginCall: pluginCall}}
}

// Enter seeds the CPU's architectural registers from regs and jumps to
// cacheAddr, the thread's first scanned fragment (spec §4.7's initial
// "scans the child's entry point ... transfers control to the cached
// entry"). It returns only when the guest thread has fully exited
// (dbm_exit's equivalent), with exitCode holding the guest's exit
// status.
//
// Guest code running between entry and exit is expected not to
// repurpose the reserved context register; this port does not bank or
// virtualize a guest's own use of it, a scoped simplification in the
// same vein as the scanner package's narrowed IT-block tracking.
func (t *Trampoline) Enter(cacheAddr uintptr, regs *Registers) (exitCode int32) {
	st := &ctxState{regs: regs, cb: &t.cb}
	st.hostSP = uintptr(unsafe.Pointer(&st.stack[len(st.stack)-16]))
	return enter(cacheAddr, st)
}

// enter is implemented in trampoline_arm.s / trampoline_arm64.s. It
// points the reserved context register at state, records this call's
// own return site in state.exitPC, and branches into cacheAddr. Unlike
// a normal call, translated fragments never return to it with RET --
// every fragment exit ends in another branch, either directly to a
// linked fragment or through one of the two trampolines below -- so
// enter only returns once syscallShim reports the guest thread has
// exited, by the syscall trampoline loading exitPC and branching
// there directly.
func enter(cacheAddr uintptr, state *ctxState) int32

// dispatchShim and syscallShim are the Go-side halves of the two fixed
// trampolines: dispatchTrampoline/syscallTrampoline (trampoline_arm.s /
// trampoline_arm64.s) spill the architectural scratch registers into
// regs, recover the cb pointer enter() stashed, and CALL straight into
// these using Go's normal ABI0 stack-argument convention -- the same
// pattern runtime/asm_*.s uses to call back into plain Go helpers from
// hand-written assembly. Both run entirely in Go and return the host
// cache address (or 0, for syscallShim, once the guest thread has
// exited) for the trampoline to tail-branch to.
//
//go:nosplit
func dispatchShim(cb *callbacks, regs *Registers, exitAddr uintptr) uintptr {
	return cb.dispatch(regs, exitAddr)
}

//go:nosplit
func syscallShim(cb *callbacks, regs *Registers) uintptr {
	return cb.syscall(regs)
}

//go:nosplit
func pluginCallShim(cb *callbacks, token uint32) {
	cb.pluginCall(token)
}

// dispatchTrampoline and syscallTrampoline are the fixed, link-time-constant
// addresses the assembly trampolines branch to from inside translated
// fragment code; they recover the bound callbacks pointer from the
// ctxState that enter points the reserved context register at, and call
// through to it. Exported as uintptr via Addr/SyscallAddr so
// scanner.Scanner can materialise them into every indirect/syscall
// stub it emits.

// Addr returns the host address of the dispatcher trampoline entry
// point, for scanner.Scanner.TrampolineAddr.
func Addr() uintptr {
	return dispatchTrampolineAddr()
}

// SyscallAddr returns the host address of the syscall trampoline entry
// point, for scanner.Scanner.SyscallTrampolineAddr.
func SyscallAddr() uintptr {
	return syscallTrampolineAddr()
}

// PluginCallAddr returns the host address of the plugin-call trampoline
// entry point, materialised by isa.Builder.EmitHostCall into every
// EmitAPI.Call site a plugin emits.
func PluginCallAddr() uintptr {
	return pluginCallTrampolineAddr()
}

// dispatchTrampolineAddr / syscallTrampolineAddr / pluginCallTrampolineAddr
// are implemented in the per-arch assembly files; they return the
// address of the respective TEXT symbol rather than calling it, so
// Scanner can embed it as an immediate the way it embeds a materialised
// guest PC.
func dispatchTrampolineAddr() uintptr
func syscallTrampolineAddr() uintptr
func pluginCallTrampolineAddr() uintptr
