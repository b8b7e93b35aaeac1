// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package codecache implements the per-thread translated-code arena
// (spec §3, §4.3): a single fixed-capacity executable mapping that
// fragments are written into sequentially, plus the bookkeeping needed
// to flush and reuse it once it fills up. Unlike exec/internal/compile's
// MMapAllocator, which grows by chaining new mmap blocks as it fills
// (see allocator_test.go), the arena here never grows -- spec §4.3
// requires a bounded code cache, so exhaustion is handled by Flush
// rather than by allocating more memory.
package codecache

import (
	"fmt"
	"sync"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/beehive-lab/mambo-go/addr"
)

// ExitBranchType mirrors spec §3's exit_branch_type: the shape of the
// instruction(s) the scanner left at the end of a fragment, which
// dictates how dispatch.Dispatch must patch it once the target is
// known.
type ExitBranchType uint8

const (
	ExitNone ExitBranchType = iota
	ExitUncondImm
	ExitCondImm
	ExitCBZ
	ExitTableBranch
	ExitIndirect
	ExitIndirectLink
	ExitSyscall
)

// BranchCacheStatus tracks, per spec §3, which of a conditional exit's
// two arms have already been linked directly to a target fragment.
type BranchCacheStatus uint8

const (
	BranchCacheNone    BranchCacheStatus = 0
	BranchCacheTaken   BranchCacheStatus = 1 << 0
	BranchCacheSkipped BranchCacheStatus = 1 << 1
)

// Fragment is one scanned, translated basic block resident in the
// arena, carrying the exit metadata dispatch.Dispatch needs to link it
// to whatever it branches to next (spec §3).
type Fragment struct {
	// Offset and Size locate the fragment's body within the arena.
	Offset int
	Size   int

	// SourceAddr is the guest address this fragment was scanned from.
	SourceAddr addr.GuestAddr
	Mode       addr.Mode

	ExitBranchType    ExitBranchType
	ExitBranchAddr    int // offset within the arena of the patchable exit site
	BranchTakenAddr   addr.GuestAddr
	BranchSkippedAddr addr.GuestAddr
	BranchCondition   uint8
	BranchCacheStatus BranchCacheStatus

	// Rn is the base/index register an indirect or table exit reads,
	// needed by the dispatcher to regenerate the inline lookup sequence
	// on a cache miss.
	Rn uint8

	// FreeBytes is the space left in the arena after this fragment was
	// written, used by the scanner's free-space check (spec §4.4) before
	// attempting to inline a back-edge.
	FreeBytes int
}

// linkRecord remembers one patched branch so Flush can find every
// fragment whose body was rewritten to point at a soon-to-be-invalid
// address, matching original_source/dispatcher.c's record_cc_link.
type linkRecord struct {
	fromOffset int
	toOffset   int
}

// Arena is a single thread's executable code cache: one fixed-size
// mmap mapping, a bump-pointer cursor, the fragment table describing
// what has been written, and the link records needed to fully reset
// on Flush (spec §4.3, §5).
type Arena struct {
	mu sync.Mutex

	mem mmap.MMap

	writeP int // cursor for fragment bodies, grows upward
	dataP  int // cursor for literal pools / jump tables, grows downward from len(mem)

	fragments []Fragment
	links     []linkRecord

	flushes int
}

// ErrArenaFull is returned by Reserve when the requested span cannot
// fit in whatever capacity remains before writeP and dataP meet.
var ErrArenaFull = fmt.Errorf("codecache: arena exhausted, flush required")

// New maps a fresh, fixed-capacity executable arena of the given size
// in bytes. size should be a multiple of the system page size; mmap-go
// rounds up regardless.
func New(size int) (*Arena, error) {
	m, err := mmap.MapRegion(nil, size, mmap.RDWR|mmap.EXEC, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("codecache: mmap: %w", err)
	}
	return &Arena{mem: m}, nil
}

// Reserve bump-allocates n bytes for a fragment body, returning the
// arena-relative offset it was placed at. Fragment bodies grow from
// the front of the arena; literal pools and jump tables (see
// ReserveData) grow from the back, so the two cursors meeting is what
// defines "full" (same write_p/data_p scheme spec §4.3 describes).
func (a *Arena) Reserve(n int) (offset int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writeP+n > a.dataCeiling() {
		return 0, ErrArenaFull
	}
	offset = a.writeP
	a.writeP += n
	return offset, nil
}

// ReserveData bump-allocates n bytes from the back of the arena for a
// fragment's literal pool or inline jump table, returning the
// arena-relative offset of the start of the reserved span.
func (a *Arena) ReserveData(n int) (offset int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writeP+n > a.dataCeiling() {
		return 0, ErrArenaFull
	}
	a.dataP += n
	return len(a.mem) - a.dataP, nil
}

func (a *Arena) dataCeiling() int {
	return len(a.mem) - a.dataP
}

// Write copies code into the arena at offset, which must have come
// from a prior Reserve/ReserveData call on the same arena.
func (a *Arena) Write(offset int, code []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	copy(a.mem[offset:], code)
}

// Base returns the arena's mapped base address, used to turn an
// offset into an absolute address for branch patching.
func (a *Arena) Base() uintptr {
	return uintptr(unsafe.Pointer(&a.mem[0]))
}

// Bytes exposes the arena's backing memory directly. Only dispatch
// uses this, to re-encode an exit branch's raw machine word in place;
// every other caller goes through Reserve/Write/ReserveData instead of
// touching arena memory directly.
func (a *Arena) Bytes() []byte {
	return a.mem
}

// AddFragment records a newly written fragment's metadata and returns
// its index, which dispatch and the hash table use as the stable
// handle for this translation until the next Flush.
func (a *Arena) AddFragment(f Fragment) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	f.FreeBytes = a.dataCeiling() - a.writeP
	a.fragments = append(a.fragments, f)
	return len(a.fragments) - 1
}

// Fragment returns the fragment recorded at idx.
func (a *Arena) Fragment(idx int) *Fragment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &a.fragments[idx]
}

// FragmentByExitAddr returns the index of the fragment whose body
// contains the arena-relative byte offset, the return address a
// BL-to-trampoline crossing sees in LR. For ExitIndirect,
// ExitIndirectLink and ExitSyscall fragments that return address is
// exactly the fragment's own end (their final instruction is the BL
// itself). For ExitUncondImm/ExitCondImm/ExitCBZ fragments it instead
// falls inside the body: scanner.Scan's unlinked exit branches
// initially route through an inline dispatcher-trampoline bootstrap
// stub appended after the branch(es) (spec §4.5's first-execution
// path), so the BL return address lands mid-fragment rather than at
// its end. A fragment's [Offset, Offset+Size] span never overlaps
// another's, so containment unambiguously recovers the right source
// fragment either way.
func (a *Arena) FragmentByExitAddr(offset int) (idx int, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.fragments {
		f := &a.fragments[i]
		if offset >= f.Offset && offset <= f.Offset+f.Size {
			return i, true
		}
	}
	return 0, false
}

// RecordLink notes that the branch at fromOffset now targets toOffset,
// so Flush can enumerate every patched site without re-scanning
// fragment bodies (mirrors record_cc_link in original_source/dispatcher.c).
func (a *Arena) RecordLink(fromOffset, toOffset int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.links = append(a.links, linkRecord{fromOffset, toOffset})
}

// FreeBytes reports how much space remains between the two cursors,
// used by the scanner's per-fragment free-space check (spec §4.4).
func (a *Arena) FreeBytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dataCeiling() - a.writeP
}

// Flush resets the arena to empty: both cursors rewind to their
// initial positions and every fragment/link record is discarded. Per
// spec §5, this is the only way fragments are ever removed -- there is
// no per-fragment destructor or reference counting. Its only caller is
// thread.State.Flush, which sysif invokes when the guest issues munmap
// or cacheflush.
func (a *Arena) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writeP = 0
	a.dataP = 0
	a.fragments = a.fragments[:0]
	a.links = a.links[:0]
	a.flushes++
}

// Flushes reports how many times this arena has been flushed, exposed
// for plugin instrumentation (spec §6 POST_THREAD/telemetry plugins)
// and tests.
func (a *Arena) Flushes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushes
}

// SyncIcache invalidates the instruction cache over the whole arena so
// the CPU observes code just written via the data side of the
// unified/split cache (spec §5 "a fragment's code is visible to
// instruction fetch before any branch is patched to target it"). The
// actual barrier is architecture-specific; see icache_arm.go and
// icache_arm64.go.
func (a *Arena) SyncIcache() error {
	begin := a.Base()
	end := begin + uintptr(len(a.mem))
	return cacheFlush(begin, end)
}

// Close unmaps the arena. Callers must not use the Arena afterwards.
func (a *Arena) Close() error {
	return a.mem.Unmap()
}
