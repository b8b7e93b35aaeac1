// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sysif

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/beehive-lab/mambo-go/addr"
	"github.com/beehive-lab/mambo-go/plugin"
	"github.com/beehive-lab/mambo-go/thread"
)

func TestCloseInterceptsStdio(t *testing.T) {
	in := &Interposer{Plugins: plugin.NewBuilder().Build()}
	args := &Args{0, 0, 0, 0, 0, 0}
	cont, err := in.Pre(unix.SYS_CLOSE, args, addr.GuestAddr(0))
	if err != nil {
		t.Fatalf("Pre() error = %v", err)
	}
	if cont {
		t.Fatalf("Pre(SYS_CLOSE, fd=0) cont = true, want false")
	}
	if args[0] != 0 {
		t.Fatalf("args[0] = %d, want 0", args[0])
	}
}

func TestCloseAllowsRealFDs(t *testing.T) {
	in := &Interposer{Plugins: plugin.NewBuilder().Build()}
	args := &Args{10, 0, 0, 0, 0, 0}
	cont, err := in.Pre(unix.SYS_CLOSE, args, addr.GuestAddr(0))
	if err != nil {
		t.Fatalf("Pre() error = %v", err)
	}
	if !cont {
		t.Fatalf("Pre(SYS_CLOSE, fd=10) cont = false, want true")
	}
}

func TestMprotectStripsExec(t *testing.T) {
	in := &Interposer{Plugins: plugin.NewBuilder().Build()}
	args := &Args{0, 0, uintptr(unix.PROT_READ | unix.PROT_EXEC), 0, 0, 0}
	if _, err := in.Pre(sysMprotect, args, addr.GuestAddr(0)); err != nil {
		t.Fatalf("Pre() error = %v", err)
	}
	if args[2]&unix.PROT_EXEC != 0 {
		t.Fatalf("PROT_EXEC not stripped: args[2] = %#x", args[2])
	}
	if args[2]&unix.PROT_READ == 0 {
		t.Fatalf("PROT_READ was unexpectedly cleared: args[2] = %#x", args[2])
	}
}

func TestMunmapFlushesCache(t *testing.T) {
	flushed := false
	in := &Interposer{
		Plugins:    plugin.NewBuilder().Build(),
		FlushCache: func() { flushed = true },
	}
	args := &Args{}
	if _, err := in.Pre(unix.SYS_MUNMAP, args, addr.GuestAddr(0)); err != nil {
		t.Fatalf("Pre() error = %v", err)
	}
	if !flushed {
		t.Fatalf("FlushCache was not invoked on munmap")
	}
}

func TestSetTLSUpdatesShadowAndSkipsSyscall(t *testing.T) {
	s, err := thread.New(thread.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	in := &Interposer{Plugins: plugin.NewBuilder().Build(), State: s}
	args := &Args{0xbeef, 0, 0, 0, 0, 0}
	cont, err := in.Pre(sysSetTLS, args, addr.GuestAddr(0))
	if err != nil {
		t.Fatalf("Pre() error = %v", err)
	}
	if cont {
		t.Fatalf("Pre(sysSetTLS) cont = true, want false")
	}
	if s.GetTLS() != 0xbeef {
		t.Fatalf("GetTLS() = %#x, want 0xbeef", s.GetTLS())
	}
	if args[0] != 0 {
		t.Fatalf("args[0] = %d, want 0 (syscall success)", args[0])
	}
}

func TestVforkStashedAcrossPreAndPost(t *testing.T) {
	s, err := thread.New(thread.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.ScratchRegs = [3]uint64{1, 2, 3}
	in := &Interposer{Plugins: plugin.NewBuilder().Build(), State: s}

	if _, err := in.Pre(sysVfork, &Args{}, addr.GuestAddr(0)); err != nil {
		t.Fatalf("Pre() error = %v", err)
	}
	if !s.IsVforkChild() {
		t.Fatalf("IsVforkChild() = false after Pre(sysVfork)")
	}

	s.ScratchRegs = [3]uint64{9, 9, 9}
	if err := in.Post(sysVfork, &Args{1, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if s.IsVforkChild() {
		t.Fatalf("IsVforkChild() = true after Post(sysVfork) in parent")
	}
	if s.ScratchRegs != [3]uint64{1, 2, 3} {
		t.Fatalf("ScratchRegs = %v, want restored", s.ScratchRegs)
	}
}
