// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sysif implements the syscall interposer (spec §6's
// "Syscall interposer" row): the PRE_SYSCALL/POST_SYSCALL hook pair
// every guest syscall passes through before and after the real kernel
// entry, ported from original_source/syscalls.c's
// syscall_handler_pre/syscall_handler_post.
package sysif

import (
	"fmt"
	"log"

	"golang.org/x/sys/unix"

	"github.com/beehive-lab/mambo-go/addr"
	"github.com/beehive-lab/mambo-go/dispatch"
	"github.com/beehive-lab/mambo-go/plugin"
	"github.com/beehive-lab/mambo-go/thread"
	"github.com/beehive-lab/mambo-go/trampoline"
)

var debug = false
var logger = log.New(discard{}, "sysif: ", log.Lshortfile)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// SetDebug toggles verbose logging, matching dispatch's package-level
// debug switch rather than a structured logger.
func SetDebug(v bool) {
	debug = v
	if v {
		logger.SetOutput(stderrWriter{})
	} else {
		logger.SetOutput(discard{})
	}
}

type stderrWriter struct{}

func (stderrWriter) Write(p []byte) (int, error) { return fmt.Print(string(p)) }

// sigFragOffset is added to a rewritten signal-handler pointer on A64,
// where the translated prologue reserves a short gap before the
// fragment's first real instruction for the signal-delivery trampoline
// to land in (original_source/syscalls.c's SIG_FRAG_OFFSET, 4 on
// __aarch64__ and 0 otherwise).
func sigFragOffset(mode addr.Mode) uintptr {
	if mode == addr.A64 {
		return 4
	}
	return 0
}

// Args is the interposer's view of a syscall's raw argument registers,
// in the guest ABI's argument order.
type Args [6]uintptr

// Interposer wires one thread.State's syscall interception to its
// Dispatcher for the rt_sigaction handler rewrite, and to an optional
// plugin.Bus for PRE_SYSCALL/POST_SYSCALL callbacks (spec §6).
type Interposer struct {
	State      *thread.State
	Dispatcher *dispatch.Dispatcher
	Plugins    *plugin.Bus
	Mode       addr.Mode

	// Options is the parent thread's own configuration, used as the
	// base a CLONE_VM child's fresh Options is derived from (preClone)
	// so the child inherits the same Decode/NewBuilder/ReadGuest/
	// Syscall wiring rather than thread.DefaultOptions' empty stubs.
	Options thread.Options

	// ReadWord/WriteWord access the guest's address space directly,
	// needed only by the rt_sigaction interception to read and rewrite
	// a struct sigaction's sa_handler field in place.
	ReadWord  func(at uintptr) (uintptr, error)
	WriteWord func(at uintptr, v uintptr) error

	// SpawnCloneVMThread is called by Pre on a clone(2) with CLONE_VM
	// set, with the clone arguments and the fresh per-thread Options
	// thread.State.HandleCloneVM derived for the child; the embedder
	// supplies the actual host-thread creation (spec §4.7's "spawns a
	// host thread that installs the child's saved registers ... and
	// transfers control to the cached entry"), since goroutine/OS-thread
	// management is outside sysif's contract.
	SpawnCloneVMThread func(args *thread.CloneArgs, childOpts thread.Options) (tid int, err error)

	// FlushCache is invoked on munmap and cacheflush to discard
	// this thread's translations, set by the embedder to
	// thread.State.Flush.
	FlushCache func()
}

// Pre runs before the real syscall executes. It returns cont=false
// when the syscall should be skipped entirely (its effect has already
// been handled here, or the real syscall must never run), mirroring
// syscall_handler_pre's "return 0 to skip the syscall" contract.
func (in *Interposer) Pre(no uintptr, args *Args, pc addr.GuestAddr) (cont bool, err error) {
	logger.Printf("syscall pre %d", no)

	if in.Plugins.HasHandlers(plugin.PreSyscall) {
		ctx := &plugin.Context{}
		if err := in.Plugins.Dispatch(plugin.PreSyscall, ctx); err != nil {
			return false, err
		}
	}

	switch no {
	case unix.SYS_CLONE:
		return in.preClone(args, pc)

	case unix.SYS_EXIT:
		logger.Printf("thread exit")
		if in.Plugins.HasHandlers(plugin.PostThread) {
			if err := in.Plugins.Dispatch(plugin.PostThread, &plugin.Context{}); err != nil {
				return false, err
			}
		}
		if in.State != nil {
			if err := in.State.Close(); err != nil {
				return false, fmt.Errorf("sysif: closing code cache on exit: %w", err)
			}
		}
		return true, nil

	case unix.SYS_EXIT_GROUP:
		if in.State != nil {
			_ = in.State.Close()
		}
		return true, nil

	case unix.SYS_RT_SIGACTION:
		return in.preRtSigaction(args)

	case unix.SYS_CLOSE:
		if args[0] <= 2 {
			args[0] = 0
			return false, nil
		}

	case sysMprotect, sysMmap2:
		// Strip PROT_EXEC from guest mappings so a stray branch to
		// untranslated code faults deterministically instead of
		// executing raw, unscanned guest bytes (spec §6).
		if args[2]&unix.PROT_EXEC != 0 {
			args[2] &^= unix.PROT_EXEC
		}

	case unix.SYS_MUNMAP:
		if in.FlushCache != nil {
			in.FlushCache()
		}

	case sysVfork:
		if in.State != nil {
			in.State.StashForVfork()
		}

	case sysCacheflush:
		if in.FlushCache != nil {
			in.FlushCache()
		}

	case sysSetTLS:
		if in.State != nil {
			in.State.SetTLS(uint64(args[0]))
		}
		args[0] = 0
		return false, nil
	}

	return true, nil
}

// Post runs after the real syscall returns.
func (in *Interposer) Post(no uintptr, args *Args) error {
	logger.Printf("syscall post %d", no)

	switch no {
	case unix.SYS_CLONE:
		if args[0] == 0 && in.State != nil {
			in.State.SetTLS(in.State.ChildTLS)
		}

	case sysVfork:
		if args[0] != 0 && in.State != nil {
			in.State.RestoreAfterVfork()
		}
	}

	if in.Plugins.HasHandlers(plugin.PostSyscall) {
		return in.Plugins.Dispatch(plugin.PostSyscall, &plugin.Context{})
	}
	return nil
}

func (in *Interposer) preClone(args *Args, pc addr.GuestAddr) (cont bool, err error) {
	flags := uint64(args[0])
	cargs := &thread.CloneArgs{
		Flags:      flags,
		ChildStack: args[1],
		Entry:      pc,
	}

	if flags&thread.CloneVfork != 0 {
		cargs.ChildStack = 0
		flags &^= thread.CloneVM
		args[0] = uintptr(flags)
	}

	if flags&thread.CloneVM != 0 {
		childOpts := in.State.HandleCloneVM(cargs, in.Options)
		if in.SpawnCloneVMThread == nil {
			return false, fmt.Errorf("sysif: CLONE_VM requested but no SpawnCloneVMThread configured")
		}
		tid, err := in.SpawnCloneVMThread(cargs, childOpts)
		if err != nil {
			return false, err
		}
		args[0] = uintptr(tid)
		return false, nil
	}

	in.State.HandleCloneNonVM(cargs)
	return true, nil
}

// sigIgn and sigDfl mirror signal.h's SIG_IGN/SIG_DFL sentinel handler
// values, which are never guest code and so must never be rewritten.
const (
	sigDfl uintptr = 0
	sigIgn uintptr = 1
)

// preRtSigaction rewrites a newly-installed signal handler's address
// through the dispatcher so the signal trampoline delivers control
// into cached code rather than the untranslated guest handler
// (original_source/syscalls.c's __NR_rt_sigaction case). args[1]
// points at a struct sigaction whose first word is sa_handler.
func (in *Interposer) preRtSigaction(args *Args) (cont bool, err error) {
	actPtr := args[1]
	if actPtr == 0 || in.ReadWord == nil || in.WriteWord == nil || in.Dispatcher == nil {
		return true, nil
	}

	handler, err := in.ReadWord(actPtr)
	if err != nil {
		return false, fmt.Errorf("sysif: reading sa_handler: %w", err)
	}
	if handler == sigDfl || handler == sigIgn {
		return true, nil
	}

	cacheAddr, err := in.Dispatcher.LookupOrScan(addr.GuestAddr(handler))
	if err != nil {
		return false, fmt.Errorf("sysif: scanning signal handler: %w", err)
	}
	cacheAddr += sigFragOffset(in.Mode)

	if err := in.WriteWord(actPtr, cacheAddr); err != nil {
		return false, fmt.Errorf("sysif: rewriting sa_handler: %w", err)
	}
	return true, nil
}

// decodeSyscallRegs reads a guest syscall's number and argument
// registers out of regs, using EABI's r7+r0-r5 convention on A32/T32
// and A64's x8+x0-x5, the same split original_source/syscalls.c
// switches on via its __arm__/__aarch64__ #ifdef blocks.
func decodeSyscallRegs(mode addr.Mode, regs *trampoline.Registers) (no uintptr, args *Args) {
	args = &Args{}
	for i := range args {
		args[i] = uintptr(regs.R[i])
	}
	if mode == addr.A64 {
		return uintptr(regs.R[8]), args
	}
	return uintptr(regs.R[7]), args
}

// AsSyscallFunc adapts this Interposer into the trampoline.SyscallFunc
// a thread's bound Trampoline calls on every EmitSyscallStub crossing:
// decode the guest's syscall number/arguments, run Pre, issue the real
// syscall unless Pre skipped it, run Post, and resolve the resume PC
// -- already materialised into regs.PC by the stub before branching
// here -- back into a cache address. Returns 0 once the guest thread
// has exited, the sentinel trampoline_arm.s/trampoline_arm64.s use to
// unwind back out of State.Run instead of resuming guest code.
func (in *Interposer) AsSyscallFunc() trampoline.SyscallFunc {
	return func(regs *trampoline.Registers) uintptr {
		no, args := decodeSyscallRegs(in.Mode, regs)

		cont, err := in.Pre(no, args, regs.PC)
		if err != nil {
			logger.Printf("syscall pre error: %v", err)
		}

		if cont {
			ret, _, errno := unix.Syscall6(no,
				args[0], args[1], args[2], args[3], args[4], args[5])
			if errno != 0 {
				args[0] = uintptr(-int(errno))
			} else {
				args[0] = ret
			}
		}

		if err := in.Post(no, args); err != nil {
			logger.Printf("syscall post error: %v", err)
		}
		regs.R[0] = uint64(args[0])

		if no == unix.SYS_EXIT || no == unix.SYS_EXIT_GROUP {
			return 0
		}
		if in.Dispatcher == nil {
			return 0
		}
		cacheAddr, err := in.Dispatcher.LookupOrScan(regs.PC)
		if err != nil {
			logger.Printf("syscall resume scan error: %v", err)
			return 0
		}
		return cacheAddr
	}
}

// Linux syscall numbers not exposed by golang.org/x/sys/unix under a
// portable name (ARM's mmap2, the ARM-private cacheflush/set_tls
// syscalls, and the historic vfork), named the way
// original_source/syscalls.c's own #ifdef __arm__ blocks do.
const (
	sysMmap2      = 192
	sysMprotect   = unix.SYS_MPROTECT
	sysVfork      = 190
	sysCacheflush = 0x0f0002
	sysSetTLS     = 0x0f0005
)
