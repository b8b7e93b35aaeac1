// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package thread

import (
	"testing"

	"github.com/beehive-lab/mambo-go/addr"
	"github.com/beehive-lab/mambo-go/codecache"
	"github.com/beehive-lab/mambo-go/isa"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.CodeCacheSize = 1 << 16
	opts.HashTableCapacity = 64
	opts.Decode = func(mode addr.Mode, at addr.GuestAddr, code []byte) (isa.Instruction, error) {
		return isa.ARMDecoder{}.Decode(at, code)
	}
	opts.NewBuilder = func(mode addr.Mode) (isa.Builder, error) {
		return isa.NewARMBuilder(false)
	}
	opts.ReadGuest = func(at addr.GuestAddr) ([]byte, error) {
		return make([]byte, 4), nil
	}
	return opts
}

func TestNewAllocatesPrivateArenaAndTable(t *testing.T) {
	s, err := New(testOptions())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	if s.Arena == nil || s.Table == nil || s.Dispatcher == nil || s.Trampoline == nil {
		t.Fatalf("State missing required fields: %+v", s)
	}
	if s.Table.Cap() != 64 {
		t.Fatalf("Table.Cap() = %d, want 64", s.Table.Cap())
	}
	if s.Scanner.TrampolineAddr == 0 || s.Scanner.SyscallTrampolineAddr == 0 {
		t.Fatalf("Scanner not wired with trampoline addresses: %+v", s.Scanner)
	}
}

func TestVforkStashAndRestore(t *testing.T) {
	s, err := New(testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.ScratchRegs = [3]uint64{1, 2, 3}
	s.StashForVfork()
	if !s.IsVforkChild() {
		t.Fatalf("IsVforkChild() = false after StashForVfork")
	}

	s.ScratchRegs = [3]uint64{9, 9, 9}
	s.RestoreAfterVfork()
	if s.IsVforkChild() {
		t.Fatalf("IsVforkChild() = true after RestoreAfterVfork")
	}
	if s.ScratchRegs != [3]uint64{1, 2, 3} {
		t.Fatalf("ScratchRegs = %v, want restored parent values", s.ScratchRegs)
	}
}

func TestHandleCloneNonVMInheritsTLS(t *testing.T) {
	s, err := New(testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.SetTLS(0xdead)
	s.HandleCloneNonVM(&CloneArgs{Flags: 0})
	if s.ChildTLS != 0xdead {
		t.Fatalf("ChildTLS = %#x, want inherited parent TLS", s.ChildTLS)
	}
	if s.CloneVM {
		t.Fatalf("CloneVM = true after a non-CLONE_VM clone")
	}

	s.HandleCloneNonVM(&CloneArgs{Flags: CloneSetTLS, TLS: 0xbeef})
	if s.ChildTLS != 0xbeef {
		t.Fatalf("ChildTLS = %#x, want explicit CLONE_SETTLS value", s.ChildTLS)
	}
}

func TestHandleCloneVMMarksSharedAddressSpace(t *testing.T) {
	s, err := New(testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.SetTLS(0x1234)
	args := &CloneArgs{Flags: CloneVM}
	child := s.HandleCloneVM(args, testOptions())

	if !s.CloneVM {
		t.Fatalf("CloneVM = false after a CLONE_VM clone")
	}
	if args.TLS != 0x1234 {
		t.Fatalf("args.TLS = %#x, want inherited parent TLS when CLONE_SETTLS unset", args.TLS)
	}
	if child.CodeCacheSize != testOptions().CodeCacheSize {
		t.Fatalf("child Options not derived from base")
	}
}

func TestFlushClearsArenaAndTable(t *testing.T) {
	s, err := New(testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Table.Insert(0x1000, 0x2000)
	off, _ := s.Arena.Reserve(16)
	s.Arena.AddFragment(codecache.Fragment{Offset: off, Size: 16})

	s.Flush()
	if s.Table.Len() != 0 {
		t.Fatalf("Table.Len() = %d after Flush, want 0", s.Table.Len())
	}
	if s.Arena.Flushes() != 1 {
		t.Fatalf("Arena.Flushes() = %d after Flush, want 1", s.Arena.Flushes())
	}
}
