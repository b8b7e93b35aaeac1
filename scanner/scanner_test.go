// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scanner

import (
	"encoding/binary"
	"testing"

	"github.com/beehive-lab/mambo-go/addr"
	"github.com/beehive-lab/mambo-go/codecache"
	"github.com/beehive-lab/mambo-go/isa"
	"github.com/beehive-lab/mambo-go/plugin"
)

// fakeGuest serves fixed A32 memory for the scanner to decode from a
// plain byte slice keyed by address, standing in for thread.State's
// real guest memory view.
type fakeGuest struct {
	base addr.GuestAddr
	mem  []byte
}

func (g *fakeGuest) Read(at addr.GuestAddr) ([]byte, error) {
	off := int(at - g.base)
	if off < 0 || off+4 > len(g.mem) {
		return nil, isa.ErrUnderflow
	}
	return g.mem[off : off+4], nil
}

func armWord(t *testing.T, w uint32) []byte {
	t.Helper()
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, w)
	return b
}

func TestScanUncondBranchEndsFragment(t *testing.T) {
	guest := &fakeGuest{base: 0x1000}
	// MOV r0, r0 (NOP-shaped, verbatim); B #0x100 (forward, not inlined)
	guest.mem = append(guest.mem, armWord(t, 0xe1a00000)...)
	guest.mem = append(guest.mem, armWord(t, 0xea00003e)...) // B +0x100ish forward

	arena, err := codecache.New(1 << 16)
	if err != nil {
		t.Fatal(err)
	}
	defer arena.Close()

	s := &Scanner{
		Decode: func(mode addr.Mode, at addr.GuestAddr, code []byte) (isa.Instruction, error) {
			return isa.ARMDecoder{}.Decode(at, code)
		},
		NewBuilder: func(mode addr.Mode) (isa.Builder, error) {
			return isa.NewARMBuilder(false)
		},
		Plugins:   plugin.NewBuilder().Build(),
		ReadGuest: guest.Read,
	}

	res, err := s.Scan(arena, guest.base, addr.A32)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	frag := arena.Fragment(res.FragmentIndex)
	if frag.ExitBranchType != codecache.ExitUncondImm {
		t.Fatalf("ExitBranchType = %v, want ExitUncondImm", frag.ExitBranchType)
	}
	if frag.SourceAddr != guest.base {
		t.Fatalf("SourceAddr = %#x, want %#x", frag.SourceAddr, guest.base)
	}
}

func TestScanSyscallEndsFragment(t *testing.T) {
	guest := &fakeGuest{base: 0x2000}
	guest.mem = append(guest.mem, armWord(t, 0xef000000)...) // SVC #0

	arena, err := codecache.New(1 << 16)
	if err != nil {
		t.Fatal(err)
	}
	defer arena.Close()

	s := &Scanner{
		Decode: func(mode addr.Mode, at addr.GuestAddr, code []byte) (isa.Instruction, error) {
			return isa.ARMDecoder{}.Decode(at, code)
		},
		NewBuilder: func(mode addr.Mode) (isa.Builder, error) {
			return isa.NewARMBuilder(false)
		},
		Plugins:   plugin.NewBuilder().Build(),
		ReadGuest: guest.Read,
	}

	res, err := s.Scan(arena, guest.base, addr.A32)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	frag := arena.Fragment(res.FragmentIndex)
	if frag.ExitBranchType != codecache.ExitSyscall {
		t.Fatalf("ExitBranchType = %v, want ExitSyscall", frag.ExitBranchType)
	}
}

func TestScanInvokesPreInstPlugin(t *testing.T) {
	guest := &fakeGuest{base: 0x3000}
	guest.mem = append(guest.mem, armWord(t, 0xef000000)...) // SVC #0

	arena, err := codecache.New(1 << 16)
	if err != nil {
		t.Fatal(err)
	}
	defer arena.Close()

	var sawAddr addr.GuestAddr
	b := plugin.NewBuilder()
	b.Register(plugin.PreInst, func(ctx *plugin.Context) error {
		sawAddr = ctx.Addr
		return nil
	})

	s := &Scanner{
		Decode: func(mode addr.Mode, at addr.GuestAddr, code []byte) (isa.Instruction, error) {
			return isa.ARMDecoder{}.Decode(at, code)
		},
		NewBuilder: func(mode addr.Mode) (isa.Builder, error) {
			return isa.NewARMBuilder(false)
		},
		Plugins:   b.Build(),
		ReadGuest: guest.Read,
	}

	if _, err := s.Scan(arena, guest.base, addr.A32); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if sawAddr != guest.base {
		t.Fatalf("PreInst callback saw addr %#x, want %#x", sawAddr, guest.base)
	}
}
