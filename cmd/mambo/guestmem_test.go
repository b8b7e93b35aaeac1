// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"testing"

	"github.com/beehive-lab/mambo-go/addr"
)

func TestGuestMemoryReadReturnsImageBytes(t *testing.T) {
	mem := newGuestMemory(0x1000, []byte{0xde, 0xad, 0xbe, 0xef}, 0x100)

	b, err := mem.read(addr.GuestAddr(0x1000))
	if err != nil {
		t.Fatalf("read() error = %v", err)
	}
	if len(b) < 4 || b[0] != 0xde || b[1] != 0xad || b[2] != 0xbe || b[3] != 0xef {
		t.Fatalf("read() = %x, want image bytes at start", b[:4])
	}
}

func TestGuestMemoryReadOutOfRange(t *testing.T) {
	mem := newGuestMemory(0x1000, []byte{1, 2, 3, 4}, 0x10)

	if _, err := mem.read(addr.GuestAddr(0x2000)); err == nil {
		t.Fatalf("read() error = nil, want out-of-range error")
	}
	if _, err := mem.read(addr.GuestAddr(0x500)); err == nil {
		t.Fatalf("read() error = nil, want out-of-range error for address below base")
	}
}

func TestGuestMemoryWriteWordRoundTrips(t *testing.T) {
	mem := newGuestMemory(0x1000, make([]byte, 16), 0x10)

	if err := mem.writeWord(0x1004, 0xdeadbeef); err != nil {
		t.Fatalf("writeWord() error = %v", err)
	}
	got, err := mem.readWord(0x1004)
	if err != nil {
		t.Fatalf("readWord() error = %v", err)
	}
	if got != 0xdeadbeef {
		t.Fatalf("readWord() = %#x, want 0xdeadbeef", got)
	}
}

func TestGuestMemoryStackTop(t *testing.T) {
	mem := newGuestMemory(0x1000, make([]byte, 4), 0x100)
	if want := addr.GuestAddr(0x1000 + 4 + 0x100); mem.stackTop() != want {
		t.Fatalf("stackTop() = %#x, want %#x", mem.stackTop(), want)
	}
}
