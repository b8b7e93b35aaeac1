// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package plugin

import (
	"unsafe"

	"github.com/beehive-lab/mambo-go/isa"
)

// Registry holds the closures a thread's EmitAPI.Call sites registered,
// indexed by the token value isa.Builder.EmitHostCall stages into
// translated code. It is the Go-side half of the plugin-call
// trampoline (trampoline.PluginCallFunc): one Registry is bound per
// thread, alongside that thread's Trampoline, and Invoke is what the
// trampoline's Go shim calls into.
//
// Tokens are only ever appended, never reused mid-run; Reset discards
// them all at once, in step with codecache.Arena.Flush, since a flushed
// fragment's Call site can never execute again (spec §5's "always
// flushed together").
type Registry struct {
	calls []func()
}

// Register appends fn and returns the token isa.Builder.EmitHostCall
// should stage for it.
func (r *Registry) Register(fn func()) uint32 {
	r.calls = append(r.calls, fn)
	return uint32(len(r.calls) - 1)
}

// Invoke runs the closure registered under token, a no-op if token is
// out of range (e.g. a stale token surviving past a Reset it raced
// with).
func (r *Registry) Invoke(token uint32) {
	if int(token) < len(r.calls) {
		r.calls[token]()
	}
}

// Reset discards every registered closure.
func (r *Registry) Reset() {
	r.calls = r.calls[:0]
}

// BuilderEmit is the concrete EmitAPI scanner.Scan hands every
// callback's Context.Emit, backed by the fragment's isa.Builder (spec
// §6's emit_counter64_incr / mambo_calc_ld_st_addr / emit_fcall). One
// BuilderEmit is constructed per scanned instruction, scoped to the
// fragment's builder and to that instruction's base register and
// offset.
type BuilderEmit struct {
	Builder  isa.Builder
	Registry *Registry
	CallAddr int64
	BaseReg  uint8
	Offset   int64
}

// Counter64Incr implements EmitAPI.
func (e *BuilderEmit) Counter64Incr(counter *uint64, delta uint64) {
	e.Builder.EmitCounter64Incr(uintptr(unsafe.Pointer(counter)), delta)
}

// LoadStoreAddr implements EmitAPI, using the base register and
// immediate offset the scanner set on this BuilderEmit for the
// instruction currently being translated.
func (e *BuilderEmit) LoadStoreAddr() (int16, error) {
	return e.Builder.EmitLoadStoreAddr(e.BaseReg, e.Offset)
}

// Call implements EmitAPI by registering fn and emitting a call to the
// plugin-call trampoline carrying its token.
func (e *BuilderEmit) Call(fn func()) {
	token := e.Registry.Register(fn)
	e.Builder.EmitHostCall(token, e.CallAddr)
}
