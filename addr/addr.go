// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package addr provides the guest-address representation shared by every
// other package in mambo-go. A guest address is the natural pointer-width
// integer identifying a location in the guest's address space; on 32-bit
// ARM its low bit additionally encodes the instruction-set mode the guest
// expects to run in at that address.
package addr

// GuestAddr is a location in the guest's address space, as read directly
// off guest registers, ELF symbols, or the stack. On 32-bit ARM the low
// bit is architectural: it selects T32 (Thumb) over A32 on an indirect
// branch and must be preserved verbatim through the hash table and the
// dispatcher. On A64 there is no such encoding and the low bit is always 0.
type GuestAddr uintptr

// Mode is the instruction-set mode a guest address selects.
type Mode uint8

const (
	// A32 is the 32-bit ARM encoding (4-byte, fixed-width instructions).
	A32 Mode = iota
	// T32 is the Thumb encoding (2- or 4-byte instructions).
	T32
	// A64 is the 64-bit AArch64 encoding (4-byte, fixed-width instructions).
	A64
)

func (m Mode) String() string {
	switch m {
	case A32:
		return "A32"
	case T32:
		return "T32"
	case A64:
		return "A64"
	default:
		return "unknown"
	}
}

// ThumbBit is the low-bit mode marker on 32-bit ARM guest addresses: 1
// selects T32, 0 selects A32. It has no meaning on A64 addresses.
const ThumbBit GuestAddr = 1

// IsThumb reports whether this address selects T32 for a 32-bit guest. The
// caller must know independently whether the guest is 32- or 64-bit;
// IsThumb is meaningless for an A64 target and always reports A32 (i.e.
// false) in that case, since A64 addresses are always naturally aligned
// and never carry a mode bit.
func (a GuestAddr) IsThumb() bool {
	return a&ThumbBit != 0
}

// Clean strips the mode bit, returning the real, naturally-aligned
// location of the first instruction at this address.
func (a GuestAddr) Clean() GuestAddr {
	return a &^ ThumbBit
}

// WithMode returns a, stripped of any mode bit, with the T32 mode bit set
// iff thumb is true. A64 callers should never set thumb.
func (a GuestAddr) WithMode(thumb bool) GuestAddr {
	a = a.Clean()
	if thumb {
		a |= ThumbBit
	}
	return a
}

// PCBias is the architectural offset between the address of an
// instruction and the value it observes when it reads the PC directly,
// used by the scanner to materialise the guest's notion of PC into a
// scratch register (spec §4.4, "PC-reading data instruction").
//
// A32 and A64 instructions are fixed-width and read PC as addr+8 and
// addr+4 respectively. T32 instructions read PC as addr+4, but the
// current instruction's own width does not change this -- the bias is
// always measured from the start of the instruction reading PC, not from
// the end of it.
func PCBias(mode Mode) GuestAddr {
	switch mode {
	case A32:
		return 8
	case T32:
		return 4
	case A64:
		return 4
	default:
		return 0
	}
}
