// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package htable

import (
	"testing"

	"github.com/beehive-lab/mambo-go/addr"
)

func TestInsertLookup(t *testing.T) {
	tab := New(16)

	if _, ok := tab.Lookup(0x1000); ok {
		t.Fatalf("lookup on empty table returned ok=true")
	}

	tab.Insert(0x1000, 0xf0000100)
	tab.Insert(0x1004, 0xf0000200)

	v, ok := tab.Lookup(0x1000)
	if !ok || v != 0xf0000100 {
		t.Fatalf("Lookup(0x1000) = (%x, %v), want (0xf0000100, true)", v, ok)
	}
	v, ok = tab.Lookup(0x1004)
	if !ok || v != 0xf0000200 {
		t.Fatalf("Lookup(0x1004) = (%x, %v), want (0xf0000200, true)", v, ok)
	}
	if _, ok := tab.Lookup(0x2000); ok {
		t.Fatalf("Lookup(0x2000) = ok, want miss")
	}
}

func TestInsertOverwrite(t *testing.T) {
	tab := New(8)
	tab.Insert(0x4000, 1)
	tab.Insert(0x4000, 2)

	if tab.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after overwriting the same key", tab.Len())
	}
	v, ok := tab.Lookup(0x4000)
	if !ok || v != 2 {
		t.Fatalf("Lookup(0x4000) = (%d, %v), want (2, true)", v, ok)
	}
}

func TestClear(t *testing.T) {
	tab := New(8)
	tab.Insert(1, 1)
	tab.Insert(2, 2)
	tab.Clear()

	if tab.Len() != 0 {
		t.Fatalf("Len() = %d after Clear, want 0", tab.Len())
	}
	if _, ok := tab.Lookup(1); ok {
		t.Fatalf("Lookup(1) = ok after Clear, want miss")
	}
}

func TestNeedsFlush(t *testing.T) {
	tab := New(8) // maxLoad = 8*7/10 = 5
	var flushed bool
	for i := addr.GuestAddr(1); i <= 5; i++ {
		if tab.Insert(i<<4, uintptr(i)) {
			flushed = true
		}
	}
	if !flushed {
		t.Fatalf("Insert never reported needsFlush after crossing the load factor")
	}
}

func TestLinearProbeCollision(t *testing.T) {
	tab := New(4)
	// The hash multiplier is odd, so it is a bijection on residues mod
	// any power of two: two keys congruent mod the table's capacity
	// always hash to the same initial slot, forcing the second insert
	// to probe forward rather than overwrite the first.
	a := addr.GuestAddr(0x1000)
	b := a + addr.GuestAddr(tab.Cap())

	tab.Insert(a, 10)
	tab.Insert(b, 20)

	if v, ok := tab.Lookup(a); !ok || v != 10 {
		t.Fatalf("Lookup(a) = (%d, %v), want (10, true)", v, ok)
	}
	if v, ok := tab.Lookup(b); !ok || v != 20 {
		t.Fatalf("Lookup(b) = (%d, %v), want (20, true)", v, ok)
	}
}

func TestPanicsOnNonPowerOfTwo(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("New(3) did not panic")
		}
	}()
	New(3)
}
