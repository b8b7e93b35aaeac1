// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trampoline

import "testing"

func TestBindStoresCallbacks(t *testing.T) {
	var gotDispatchAddr uintptr
	var gotSyscallCalled bool

	tr := Bind(
		func(regs *Registers, exitAddr uintptr) uintptr {
			gotDispatchAddr = exitAddr
			return 0x1000
		},
		func(regs *Registers) uintptr {
			gotSyscallCalled = true
			return 0
		},
		nil,
	)

	if got := tr.cb.dispatch(&Registers{}, 0x42); got != 0x1000 {
		t.Fatalf("dispatch callback returned %#x, want 0x1000", got)
	}
	if gotDispatchAddr != 0x42 {
		t.Fatalf("dispatch callback saw exitAddr = %#x, want 0x42", gotDispatchAddr)
	}

	tr.cb.syscall(&Registers{})
	if !gotSyscallCalled {
		t.Fatalf("syscall callback was not invoked")
	}
}

func TestDispatchShimDelegatesToCallback(t *testing.T) {
	var sawRegs *Registers
	var sawExit uintptr

	cb := &callbacks{
		dispatch: func(regs *Registers, exitAddr uintptr) uintptr {
			sawRegs = regs
			sawExit = exitAddr
			return 0xcafe
		},
	}
	regs := &Registers{}
	got := dispatchShim(cb, regs, 0x1234)

	if got != 0xcafe {
		t.Fatalf("dispatchShim returned %#x, want 0xcafe", got)
	}
	if sawRegs != regs {
		t.Fatalf("dispatchShim did not pass regs through unchanged")
	}
	if sawExit != 0x1234 {
		t.Fatalf("dispatchShim passed exitAddr = %#x, want 0x1234", sawExit)
	}
}

func TestSyscallShimDelegatesToCallback(t *testing.T) {
	cb := &callbacks{
		syscall: func(regs *Registers) uintptr {
			return 0x7777
		},
	}
	if got := syscallShim(cb, &Registers{}); got != 0x7777 {
		t.Fatalf("syscallShim returned %#x, want 0x7777", got)
	}
}

func TestPluginCallShimDelegatesToCallback(t *testing.T) {
	var sawToken uint32
	cb := &callbacks{
		pluginCall: func(token uint32) {
			sawToken = token
		},
	}
	pluginCallShim(cb, 7)
	if sawToken != 7 {
		t.Fatalf("pluginCallShim saw token = %d, want 7", sawToken)
	}
}

func TestEnterAllocatesDedicatedHostStack(t *testing.T) {
	tr := Bind(
		func(regs *Registers, exitAddr uintptr) uintptr { return 0 },
		func(regs *Registers) uintptr { return 0 },
		nil,
	)
	st := &ctxState{regs: &Registers{}, cb: &tr.cb}
	st.hostSP = 0 // not yet computed

	if len(st.stack) != hostStackSize {
		t.Fatalf("stack len = %d, want %d", len(st.stack), hostStackSize)
	}
}
