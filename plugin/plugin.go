// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package plugin implements the instrumentation ABI described in spec
// §6: clients register callbacks for a fixed set of events
// (PRE_THREAD, POST_THREAD, PRE_INST, POST_INST, PRE_SYSCALL,
// POST_SYSCALL) before the runtime starts, and the registration
// surface is closed off once scanning begins. This mirrors wagon's
// VM.funcTable [256]func(): a flat, indexed dispatch table built once
// and never mutated during execution, generalized here from "one
// handler per opcode" to "zero or more handlers per event kind".
package plugin

import "github.com/beehive-lab/mambo-go/addr"

// Event identifies one of the ABI's callback points.
type Event uint8

const (
	PreThread Event = iota
	PostThread
	PreInst
	PostInst
	PreSyscall
	PostSyscall
	numEvents
)

func (e Event) String() string {
	switch e {
	case PreThread:
		return "pre_thread"
	case PostThread:
		return "post_thread"
	case PreInst:
		return "pre_inst"
	case PostInst:
		return "post_inst"
	case PreSyscall:
		return "pre_syscall"
	case PostSyscall:
		return "post_syscall"
	default:
		return "unknown_event"
	}
}

// BranchType classifies the instruction a PRE_INST/POST_INST callback
// is being invoked for, mirroring api/helpers.h's mambo_branch_type
// bitmask (BRANCH_NONE, BRANCH_DIRECT, BRANCH_INDIRECT, BRANCH_RETURN,
// BRANCH_CALL).
type BranchType uint8

const (
	BranchNone     BranchType = 0
	BranchDirect   BranchType = 1 << 0
	BranchIndirect BranchType = 1 << 1
	BranchReturn   BranchType = 1 << 2
	BranchCall     BranchType = 1 << 3
)

// Context is what a callback receives. It exposes just enough of the
// in-flight scan for the two reference plugins in plugin/examples to
// do their work: which guest instruction is being translated, whether
// it is a branch (and what kind), whether it is a load/store, and an
// Emit surface for inserting instrumentation code around it.
//
// Context deliberately does not expose the scanner's internal cursor
// or builder types directly -- plugins only see the documented emit
// primitives, same as the C ABI only exposes mambo_context's opaque
// pointer plus helper functions.
type Context struct {
	Addr        addr.GuestAddr
	Mode        addr.Mode
	Branch      BranchType
	IsLoadStore bool

	// ThreadData is the per-thread opaque pointer a plugin may have
	// stashed via SetThreadData (spec §6 "plugins may maintain
	// per-thread state via context-scoped storage").
	ThreadData    interface{}
	setThreadData func(interface{})

	// Emit is the instrumentation surface: Counter64Incr bumps a
	// 64-bit counter inline (branch_count's emit_counter64_incr),
	// LoadStoreAddr emits the address-calculation sequence mtrace
	// needs (mambo_calc_ld_st_addr), and Call emits a host function
	// call. Suppressing normal translation of the current instruction
	// (spec §6 PRE_INST "replace") is Context.Replace, not part of Emit.
	Emit     EmitAPI
	replaced bool
}

// EmitAPI is the subset of code-emission primitives a plugin may use
// from inside a callback, each grounded on the corresponding emit_*
// helper in api/helpers.h.
type EmitAPI interface {
	// Counter64Incr emits a plain load-add-store sequence (not atomic)
	// that increments the 64-bit value at counter by delta
	// (emit_counter64_incr).
	Counter64Incr(counter *uint64, delta uint64)
	// LoadStoreAddr emits the address-calculation sequence for the
	// instruction currently being scanned and returns the scratch
	// register holding it (mambo_calc_ld_st_addr).
	LoadStoreAddr() (reg int16, err error)
	// Call emits a call to a host-side function with the standard
	// spill/restore sequence around it (emit_fcall).
	Call(fn func())
}

// SetThreadData stashes per-thread plugin state (mambo_set_thread_plugin_data).
func (c *Context) SetThreadData(v interface{}) {
	if c.setThreadData != nil {
		c.setThreadData(v)
	}
	c.ThreadData = v
}

// BindThreadData wires c's ThreadData to a per-thread cell shared
// across every Context built for the same thread: ThreadData is seeded
// from get, and SetThreadData calls persist into the cell via set
// instead of only affecting this one Context (spec §6 "plugins may
// maintain per-thread state via context-scoped storage"). thread.State
// calls this once for the PRE_THREAD Context and scanner.Scan calls it
// for every PRE_INST/POST_INST Context of the same thread, all sharing
// the same get/set pair so data set in one callback is visible in the
// next.
func (c *Context) BindThreadData(get func() interface{}, set func(interface{})) {
	c.ThreadData = get()
	c.setThreadData = set
}

// Replace marks the current instruction as fully handled by the
// plugin, suppressing the scanner's normal translation of it (spec §6:
// "a PRE_INST callback may request that the scanner skip its own
// translation of the instruction").
func (c *Context) Replace() {
	c.replaced = true
}

// Replaced reports whether Replace was called during this callback
// invocation. The scanner checks this after every PRE_INST dispatch.
func (c *Context) Replaced() bool {
	return c.replaced
}

// Handler is one registered callback.
type Handler func(*Context) error

// Bus is the immutable, per-process set of registered plugin
// callbacks. It is built once via Builder and never mutated
// afterwards, so concurrent threads can fan out calls to it without
// locking -- same invariant as wagon's VM holding a fixed funcTable
// for the lifetime of execution.
type Bus struct {
	handlers [numEvents][]Handler
}

// Builder accumulates callback registrations before the runtime
// starts. Per spec §6's design note ("treat plugin registration as a
// one-shot builder ... yielding an immutable plugin vector"), each
// Build copies the registrations made so far into a new Bus. The
// Builder stays usable afterwards: later registrations and Builds
// never change a Bus already built.
type Builder struct {
	handlers [numEvents][]Handler
}

// NewBuilder returns an empty plugin registration builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Register adds h to be invoked on ev. Order of registration is
// preserved as call order.
func (b *Builder) Register(ev Event, h Handler) {
	b.handlers[ev] = append(b.handlers[ev], h)
}

// Build finalizes the registrations into an immutable Bus.
func (b *Builder) Build() *Bus {
	bus := &Bus{}
	for ev := range b.handlers {
		bus.handlers[ev] = append([]Handler(nil), b.handlers[ev]...)
	}
	return bus
}

// Dispatch invokes every handler registered for ev in registration
// order, stopping at the first error. For PreInst, the caller should
// inspect ctx.Replaced() afterwards to decide whether to still apply
// the scanner's own translation rule.
func (b *Bus) Dispatch(ev Event, ctx *Context) error {
	for _, h := range b.handlers[ev] {
		if err := h(ctx); err != nil {
			return err
		}
	}
	return nil
}

// HasHandlers reports whether any callback is registered for ev, so
// the scanner can skip constructing a Context entirely on the common
// no-plugin path.
func (b *Bus) HasHandlers(ev Event) bool {
	return b != nil && len(b.handlers[ev]) > 0
}
