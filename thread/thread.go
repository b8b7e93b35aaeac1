// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package thread implements the per-thread runtime state (spec §4.7,
// §6's "thread context" row): a private code cache and hash table, the
// scratch-register save area indirect dispatch spills into, a shadow
// of the guest's virtualised TLS register, clone-argument staging for
// CLONE_VM thread fan-out, and the vfork scratch-register stash/
// restore pair described in original_source/syscalls.c.
//
// This mirrors exec/vm.go's VM struct in the teacher: one struct
// holding everything a single strand of guest execution needs,
// constructed once via a New-style entry point and threaded through
// every call into scanner/dispatch instead of relying on package-level
// globals.
package thread

import (
	"fmt"
	"sync"

	"github.com/beehive-lab/mambo-go/addr"
	"github.com/beehive-lab/mambo-go/codecache"
	"github.com/beehive-lab/mambo-go/dispatch"
	"github.com/beehive-lab/mambo-go/htable"
	"github.com/beehive-lab/mambo-go/isa"
	"github.com/beehive-lab/mambo-go/plugin"
	"github.com/beehive-lab/mambo-go/scanner"
	"github.com/beehive-lab/mambo-go/trampoline"
)

// Options configures a State at creation time. The zero value is not
// usable; callers should start from DefaultOptions and override only
// what they need, following exec.VM's functional-options-free but
// struct-literal configuration style.
type Options struct {
	// CodeCacheSize is the size in bytes of this thread's executable
	// arena (spec §3's fixed-capacity code cache).
	CodeCacheSize int

	// HashTableCapacity must be a power of two (htable.New's contract).
	HashTableCapacity int

	// EnableTraces turns on the optional second-tier trace cache
	// (Open Question (c); see dispatch.Dispatcher.EnableTraces).
	EnableTraces bool

	Plugins *plugin.Bus

	Decode     func(mode addr.Mode, at addr.GuestAddr, code []byte) (isa.Instruction, error)
	NewBuilder scanner.BuilderFactory
	ReadGuest  func(at addr.GuestAddr) ([]byte, error)

	// Syscall handles a guest syscall trampoline crossing: read the
	// syscall number/arguments out of regs, run PRE_SYSCALL/POST_SYSCALL
	// interposition, issue the real syscall unless it was skipped, and
	// return the cache address execution should resume at (0 once the
	// guest thread has exited). Embedders wire this to a
	// sysif.Interposer's Pre/Post pair; thread itself does not import
	// sysif, which already holds a *thread.State, to avoid a cycle.
	Syscall trampoline.SyscallFunc
}

// DefaultOptions returns sensible defaults: an 8MiB code cache and a
// 4096-entry hash table, matching the rough proportions
// original_source/dbm.h's CODE_CACHE_SIZE/HASH_TABLE_SIZE constants
// describe for a single-threaded guest.
func DefaultOptions() Options {
	return Options{
		CodeCacheSize:     8 << 20,
		HashTableCapacity: 4096,
	}
}

// State is one thread's private runtime context: everything
// scanner.Scan and dispatch.Dispatch need that must not be shared
// across threads (spec §4.7: "On clone with CLONE_VM, the core
// allocates a fresh per-thread structure (new code cache, new hash
// table)").
type State struct {
	mu sync.Mutex

	Arena      *codecache.Arena
	Table      *htable.Table
	Dispatcher *dispatch.Dispatcher
	Scanner    *scanner.Scanner
	Trampoline *trampoline.Trampoline
	Plugins    *plugin.Bus

	// pluginData is the shared per-thread plugin-data cell every
	// Context this thread's scans construct reads and writes through
	// (review fix: PRE_THREAD-initialized data flowing into PRE_INST/
	// POST_INST). registry holds the closures EmitAPI.Call registers.
	pluginData *interface{}
	registry   *plugin.Registry

	// TLS shadows the guest's virtualised TLS register (spec §4.7 /
	// §6's set_tls interception); the real hardware TLS register is
	// never handed to guest code directly.
	TLS uint64

	// ChildTLS stages the TLS value a clone()'d child without CLONE_VM
	// should start with (original_source/syscalls.c's child_tls field).
	ChildTLS uint64

	// CloneVM records whether the most recent clone() this thread
	// issued shared its address space, so syscall_handler_post knows
	// whether to cross-apply ChildTLS (syscalls.c's clone_vm field).
	CloneVM bool

	// ScratchRegs is the three-register save area spilled around
	// indirect dispatch (spec §3 "scratch save area for the three
	// registers spilled around indirect dispatch").
	ScratchRegs [3]uint64

	// parentScratchRegs backs StashForVfork/RestoreAfterVfork.
	parentScratchRegs [3]uint64
	isVforkChild      bool

	TID int
}

// New allocates a fresh per-thread arena, hash table, scanner and
// dispatcher from opts, the realization of spec §4.7's "allocates a
// fresh per-thread structure" for the initial thread and for every
// CLONE_VM child.
func New(opts Options) (*State, error) {
	if opts.CodeCacheSize <= 0 {
		return nil, fmt.Errorf("thread: CodeCacheSize must be positive")
	}
	arena, err := codecache.New(opts.CodeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("thread: new arena: %w", err)
	}
	table := htable.New(opts.HashTableCapacity)

	bus := opts.Plugins
	if bus == nil {
		bus = plugin.NewBuilder().Build()
	}

	pluginData := new(interface{})
	registry := &plugin.Registry{}

	sc := &scanner.Scanner{
		Decode:                opts.Decode,
		NewBuilder:            opts.NewBuilder,
		Plugins:               bus,
		ReadGuest:             opts.ReadGuest,
		TrampolineAddr:        int64(trampoline.Addr()),
		SyscallTrampolineAddr: int64(trampoline.SyscallAddr()),
		PluginCallAddr:        int64(trampoline.PluginCallAddr()),
		Registry:              registry,
		ThreadData:            pluginData,
	}

	d := &dispatch.Dispatcher{Arena: arena, Table: table, Scanner: sc}
	d.EnableTraces(opts.EnableTraces)

	syscallFn := opts.Syscall
	if syscallFn == nil {
		syscallFn = func(regs *trampoline.Registers) uintptr { return 0 }
	}

	tr := trampoline.Bind(
		func(regs *trampoline.Registers, exitAddr uintptr) uintptr {
			idx, ok := arena.FragmentByExitAddr(int(exitAddr - arena.Base()))
			if !ok {
				// A flush raced with an in-flight dispatch and dropped
				// the source fragment out from under it; nothing
				// sensible to resume at.
				return 0
			}
			target := addr.GuestAddr(regs.R[0])
			cacheAddr, err := d.Dispatch(target, idx)
			if err != nil {
				return 0
			}
			return cacheAddr
		},
		syscallFn,
		registry.Invoke,
	)

	return &State{
		Arena:      arena,
		Table:      table,
		Dispatcher: d,
		Scanner:    sc,
		Trampoline: tr,
		Plugins:    bus,
		pluginData: pluginData,
		registry:   registry,
	}, nil
}

// Run seeds the CPU registers from regs and transfers control to
// entry's scanned fragment, the realization of spec §4.7's initial
// "scans the child's entry point ... transfers control to the cached
// entry". It returns once the guest thread has exited.
func (s *State) Run(entry addr.GuestAddr, regs *trampoline.Registers) (exitCode int32, err error) {
	threadCtx := s.newThreadContext()
	if s.Plugins.HasHandlers(plugin.PreThread) {
		if err := s.Plugins.Dispatch(plugin.PreThread, threadCtx); err != nil {
			return 0, fmt.Errorf("thread: pre_thread plugin: %w", err)
		}
	}

	cacheAddr, err := s.Dispatcher.LookupOrScan(entry)
	if err != nil {
		return 0, fmt.Errorf("thread: scanning entry point: %w", err)
	}
	exitCode = s.Trampoline.Enter(cacheAddr, regs)

	if s.Plugins.HasHandlers(plugin.PostThread) {
		if err := s.Plugins.Dispatch(plugin.PostThread, threadCtx); err != nil {
			return exitCode, fmt.Errorf("thread: post_thread plugin: %w", err)
		}
	}
	return exitCode, nil
}

// newThreadContext builds the Context PRE_THREAD/POST_THREAD share,
// bound to this thread's single plugin-data cell so SetThreadData
// there is what every fragment's PRE_INST/POST_INST Context sees via
// scanner.Scanner.ThreadData (spec §6 "plugins may maintain per-thread
// state via context-scoped storage").
func (s *State) newThreadContext() *plugin.Context {
	ctx := &plugin.Context{}
	ctx.BindThreadData(
		func() interface{} { return *s.pluginData },
		func(v interface{}) { *s.pluginData = v },
	)
	return ctx
}

// Close unmaps this thread's code cache. Callers must not use State
// afterwards.
func (s *State) Close() error {
	return s.Arena.Close()
}

// CloneArgs mirrors sys_clone_args from original_source/dbm.h: the
// subset of a guest clone(2) call's arguments the runtime needs to
// stage a new thread or a vfork.
type CloneArgs struct {
	Flags      uint64
	ChildStack uintptr
	PTID       *uint32
	CTID       *uint32
	TLS        uint64

	// Entry is the guest address the child resumes at: raw clone(2)
	// does not take a separate entry point the way pthread_create does,
	// so the child starts from the same post-syscall PC the parent
	// would have resumed at, with ChildStack substituted for SP.
	Entry addr.GuestAddr
}

const (
	// Linux clone(2) flag bits this package inspects, named for
	// syscalls.c's own #include <linux/sched.h> constants.
	CloneVM            = 0x00000100
	CloneVfork         = 0x00004000
	CloneParentSetTID  = 0x00100000
	CloneChildClearTID = 0x00200000
	CloneChildSetTID   = 0x01000000
	CloneSetTLS        = 0x00080000
)

// HandleCloneVM prepares this (the parent) thread's state for a
// CLONE_VM child and returns the Options the runtime should pass to
// New to allocate that child's private arena/table, per spec §4.7:
// "the core allocates a fresh per-thread structure (new code cache,
// new hash table), scans the child's entry point, and spawns a host
// thread".
func (s *State) HandleCloneVM(args *CloneArgs, base Options) Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloneVM = true
	if args.Flags&CloneSetTLS == 0 {
		args.TLS = s.TLS
	}
	child := base
	return child
}

// HandleCloneNonVM records the TLS value a clone()'d child that does
// *not* share this address space should observe once it starts
// running (syscalls.c: "Without CLONE_VM, the child runs in a separate
// memory space, no synchronisation is needed", applied post-fork by
// the embedder once it knows it is the child).
func (s *State) HandleCloneNonVM(args *CloneArgs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloneVM = false
	if args.Flags&CloneSetTLS != 0 {
		s.ChildTLS = args.TLS
	} else {
		s.ChildTLS = s.TLS
	}
}

// StashForVfork saves this thread's scratch-register area before a
// vfork, so the parent can restore it once the child signals it has
// exited or exec'd (syscalls.c's __NR_vfork pre-handler: "parent and
// child share the scratch area until the child exits or execs").
func (s *State) StashForVfork() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parentScratchRegs = s.ScratchRegs
	s.isVforkChild = true
}

// RestoreAfterVfork undoes StashForVfork once control returns to the
// parent (syscalls.c's __NR_vfork post-handler, guarded on "in the
// parent", i.e. the syscall's return value being non-zero).
func (s *State) RestoreAfterVfork() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isVforkChild {
		return
	}
	s.ScratchRegs = s.parentScratchRegs
	s.isVforkChild = false
}

// IsVforkChild reports whether this thread is currently running as an
// unexec'd vfork child sharing its parent's scratch area.
func (s *State) IsVforkChild() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isVforkChild
}

// SetTID records the host tid assigned to this thread once known,
// unblocking anyone spinning on it the way dbm_start_thread_pth's
// caller spins on child_data->tid (spec §4.7's "spawns a host thread").
func (s *State) SetTID(tid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TID = tid
}

// GetTID returns the host tid, or 0 if the thread has not finished
// starting yet.
func (s *State) GetTID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.TID
}

// SetTLS updates the shadow TLS register (spec §6's set_tls
// interception).
func (s *State) SetTLS(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TLS = v
}

// GetTLS reads the shadow TLS register.
func (s *State) GetTLS() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.TLS
}

// Flush flushes this thread's code cache and hash table together,
// since spec §5 requires they always be invalidated as one unit.
func (s *State) Flush() {
	s.Table.Clear()
	s.Arena.Flush()
	s.registry.Reset()
}
