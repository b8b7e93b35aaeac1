// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/binary"
	"fmt"

	"github.com/beehive-lab/mambo-go/addr"
)

// guestMemory is a flat, host-backed stand-in for the guest's address
// space: the loaded image followed by a reserved stack region, indexed
// by guest address minus base. It backs Options.ReadGuest and the
// sysif.Interposer's ReadWord/WriteWord, in place of the ptrace- or
// shared-mapping-based access a full process-level port would use.
type guestMemory struct {
	base addr.GuestAddr
	buf  []byte
}

func newGuestMemory(base uint64, image []byte, stackSize uint64) *guestMemory {
	buf := make([]byte, uint64(len(image))+stackSize)
	copy(buf, image)
	return &guestMemory{base: addr.GuestAddr(base), buf: buf}
}

func (m *guestMemory) stackTop() addr.GuestAddr {
	return m.base + addr.GuestAddr(len(m.buf))
}

func (m *guestMemory) offset(at addr.GuestAddr) (int, error) {
	off := int64(at.Clean()) - int64(m.base)
	if off < 0 || off >= int64(len(m.buf)) {
		return 0, fmt.Errorf("guest address %#x out of range", at)
	}
	return int(off), nil
}

// read implements Options.ReadGuest, handing the scanner a window onto
// the loaded image starting at at; the scanner only ever reads whole
// instructions forward from the addresses it decodes, so the returned
// slice need not be bounded to a single instruction's width.
func (m *guestMemory) read(at addr.GuestAddr) ([]byte, error) {
	off, err := m.offset(at)
	if err != nil {
		return nil, err
	}
	return m.buf[off:], nil
}

// readWord/writeWord back sysif.Interposer's rt_sigaction handler
// rewrite, which only ever touches pointer-width fields.
func (m *guestMemory) readWord(at uintptr) (uintptr, error) {
	off, err := m.offset(addr.GuestAddr(at))
	if err != nil {
		return 0, err
	}
	if off+8 > len(m.buf) {
		return 0, fmt.Errorf("guest address %#x: word read out of range", at)
	}
	return uintptr(binary.LittleEndian.Uint64(m.buf[off : off+8])), nil
}

func (m *guestMemory) writeWord(at uintptr, v uintptr) error {
	off, err := m.offset(addr.GuestAddr(at))
	if err != nil {
		return err
	}
	if off+8 > len(m.buf) {
		return fmt.Errorf("guest address %#x: word write out of range", at)
	}
	binary.LittleEndian.PutUint64(m.buf[off:off+8], uint64(v))
	return nil
}
