// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codecache

import (
	"testing"

	"github.com/beehive-lab/mambo-go/addr"
)

func TestReserveAndWrite(t *testing.T) {
	a, err := New(4096)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	off, err := a.Reserve(4)
	if err != nil {
		t.Fatal(err)
	}
	a.Write(off, []byte{1, 2, 3, 4})

	idx := a.AddFragment(Fragment{Offset: off, Size: 4, SourceAddr: 0x1000, Mode: addr.A32})
	f := a.Fragment(idx)
	if f.SourceAddr != 0x1000 {
		t.Fatalf("Fragment(0).SourceAddr = %x, want 0x1000", f.SourceAddr)
	}
}

func TestReserveDataGrowsFromBack(t *testing.T) {
	a, err := New(4096)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	off, err := a.ReserveData(8)
	if err != nil {
		t.Fatal(err)
	}
	if want := 4096 - 8; off != want {
		t.Fatalf("ReserveData offset = %d, want %d", off, want)
	}
}

func TestArenaFull(t *testing.T) {
	a, err := New(64)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if _, err := a.Reserve(32); err != nil {
		t.Fatal(err)
	}
	if _, err := a.ReserveData(32); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Reserve(1); err != ErrArenaFull {
		t.Fatalf("Reserve past capacity = %v, want ErrArenaFull", err)
	}
}

func TestFlushResetsCursorsAndFragments(t *testing.T) {
	a, err := New(4096)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	off, _ := a.Reserve(16)
	a.AddFragment(Fragment{Offset: off, Size: 16})
	a.RecordLink(0, 16)

	before := a.FreeBytes()
	a.Flush()
	after := a.FreeBytes()

	if after <= before {
		t.Fatalf("FreeBytes after Flush = %d, want > %d", after, before)
	}
	if a.Flushes() != 1 {
		t.Fatalf("Flushes() = %d, want 1", a.Flushes())
	}
	if idx, ok := a.FragmentByExitAddr(0); ok {
		t.Fatalf("FragmentByExitAddr(0) after Flush = %d, want no fragment", idx)
	}
}

func TestSyncIcache(t *testing.T) {
	a, err := New(4096)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if err := a.SyncIcache(); err != nil {
		t.Fatalf("SyncIcache() = %v, want nil", err)
	}
}
