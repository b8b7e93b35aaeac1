// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package htable implements the guest-PC to cache-address lookup table
// (spec §4.2): an open-addressed, fixed-capacity hash table with linear
// probing and no tombstones. It never grows or deletes single entries;
// once it gets too full the caller flushes the whole thing (see
// codecache.Arena.Flush), which is also the only time entries are
// removed, matching original_source/dispatcher.c's hash_lookup/
// hash_add_addr contract, where the table's lifetime is tied to the
// code cache generation rather than to individual entries.
package htable

import "github.com/beehive-lab/mambo-go/addr"

// empty marks a slot that has never held an entry. Since guest addr 0
// is never a valid translation target (it is the kernel NULL page),
// it is safe to use as the sentinel.
const empty addr.GuestAddr = 0

// entry is one slot of the table.
type entry struct {
	key   addr.GuestAddr // guest address, including any mode bit
	value uintptr        // translated fragment's cache address
}

// Table is an open-addressed hash table mapping guest addresses to
// code-cache addresses. Capacity is always a power of two so the
// index mask can replace a modulo.
type Table struct {
	slots   []entry
	mask    uintptr
	count   int
	maxLoad int // flush threshold, derived from load factor
}

// loadFactorNum/Den bound how full the table may get (in tenths)
// before Insert reports that a flush is needed, matching the
// HASH_TABLE_SIZE/load-factor relationship the original scanner_thumb.c
// comments describe for avoiding long probe chains.
const (
	loadFactorNum = 7
	loadFactorDen = 10
)

// New allocates a table with the given power-of-two capacity. It
// panics if capacity is not a power of two, since the probe sequence
// relies on masking rather than modulo.
func New(capacity int) *Table {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("htable: capacity must be a power of two")
	}
	t := &Table{
		slots: make([]entry, capacity),
		mask:  uintptr(capacity - 1),
	}
	t.maxLoad = (capacity * loadFactorNum) / loadFactorDen
	return t
}

// hash is a simple multiplicative hash over the guest address, chosen
// for speed over the inline lookup sequence the scanner can also emit
// directly as machine code (spec §4.4 indirect branch handling): a
// single multiply-and-shift is what an inlined fragment body can
// reasonably reproduce without a generic hash library.
func hash(a addr.GuestAddr) uintptr {
	const mul = 0x9e3779b97f4a7c15 // golden-ratio constant, fixed-point
	return uintptr(uint64(a) * mul)
}

// Lookup returns the cache address for key and true, or (0, false) if
// key has no entry. Probing stops at the first empty slot, since the
// table never tombstones a removed entry -- removal only happens via
// a full Clear.
func (t *Table) Lookup(key addr.GuestAddr) (uintptr, bool) {
	idx := hash(key) & t.mask
	for i := uintptr(0); i <= t.mask; i++ {
		s := &t.slots[idx]
		if s.key == empty {
			return 0, false
		}
		if s.key == key {
			return s.value, true
		}
		idx = (idx + 1) & t.mask
	}
	return 0, false
}

// Insert adds or overwrites the entry for key. It returns needsFlush
// true if the table has crossed its load-factor threshold; the caller
// (dispatch.Dispatcher's lookupOrScan) is then responsible for flushing the whole cache
// generation before further fragments are scanned, since this table
// never resizes or evicts individual entries (spec §4.2).
func (t *Table) Insert(key addr.GuestAddr, value uintptr) (needsFlush bool) {
	idx := hash(key) & t.mask
	for i := uintptr(0); i <= t.mask; i++ {
		s := &t.slots[idx]
		if s.key == empty {
			s.key = key
			s.value = value
			t.count++
			break
		}
		if s.key == key {
			s.value = value
			break
		}
		idx = (idx + 1) & t.mask
	}
	return t.count >= t.maxLoad
}

// Clear resets every slot, used when the owning code cache is flushed
// (spec §5: "the hash table is cleared in lock-step with the code
// cache it indexes"). It does not shrink or reallocate the backing
// array.
func (t *Table) Clear() {
	for i := range t.slots {
		t.slots[i] = entry{}
	}
	t.count = 0
}

// Len reports the number of live entries.
func (t *Table) Len() int {
	return t.count
}

// Cap reports the table's fixed slot capacity.
func (t *Table) Cap() int {
	return len(t.slots)
}
