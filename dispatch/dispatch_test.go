// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dispatch

import (
	"testing"

	"github.com/beehive-lab/mambo-go/addr"
	"github.com/beehive-lab/mambo-go/codecache"
	"github.com/beehive-lab/mambo-go/htable"
	"github.com/beehive-lab/mambo-go/scanner"
)

// fakeScanner always places a fixed-size no-op fragment and reports an
// unconditional-exit shape, enough to drive the dispatcher's linking
// logic without depending on a real guest image.
type fakeScanner struct {
	calls int
}

func (s *fakeScanner) Scan(arena *codecache.Arena, pc addr.GuestAddr, mode addr.Mode) (scanner.Result, error) {
	s.calls++
	off, err := arena.Reserve(16)
	if err != nil {
		return scanner.Result{}, err
	}
	arena.Write(off, make([]byte, 16))
	idx := arena.AddFragment(codecache.Fragment{
		Offset:         off,
		Size:           16,
		SourceAddr:     pc,
		Mode:           mode,
		ExitBranchType: codecache.ExitUncondImm,
		ExitBranchAddr: off,
	})
	return scanner.Result{FragmentIndex: idx}, nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeScanner) {
	t.Helper()
	arena, err := codecache.New(1 << 16)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { arena.Close() })

	fs := &fakeScanner{}
	d := &Dispatcher{
		Arena:   arena,
		Table:   htable.New(64),
		Scanner: fs,
	}
	return d, fs
}

func TestDispatchScansOnFirstReach(t *testing.T) {
	d, fs := newTestDispatcher(t)

	// Seed a source fragment with an unconditional exit.
	off, _ := d.Arena.Reserve(16)
	d.Arena.Write(off, make([]byte, 16))
	srcIdx := d.Arena.AddFragment(codecache.Fragment{
		Offset:         off,
		Size:           16,
		Mode:           addr.A32,
		ExitBranchType: codecache.ExitUncondImm,
		ExitBranchAddr: off,
	})

	if _, err := d.Dispatch(0x4000, srcIdx); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if fs.calls != 1 {
		t.Fatalf("scanner called %d times, want 1", fs.calls)
	}

	if _, err := d.Dispatch(0x4000, srcIdx); err != nil {
		t.Fatalf("second Dispatch() error = %v", err)
	}
	if fs.calls != 1 {
		t.Fatalf("scanner called again on a cached target: calls = %d, want 1", fs.calls)
	}
}

func TestDispatchCondLinksTakenArm(t *testing.T) {
	d, _ := newTestDispatcher(t)

	off, _ := d.Arena.Reserve(16)
	d.Arena.Write(off, make([]byte, 16))
	srcIdx := d.Arena.AddFragment(codecache.Fragment{
		Offset:            off,
		Size:              16,
		Mode:              addr.A32,
		ExitBranchType:    codecache.ExitCondImm,
		ExitBranchAddr:    off,
		BranchTakenAddr:   0x5000,
		BranchSkippedAddr: 0x6000,
	})

	if _, err := d.Dispatch(0x5000, srcIdx); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(d.Arena.Bytes()) == 0 {
		t.Fatalf("arena has no backing memory")
	}
	if got := d.Arena.Fragment(srcIdx).BranchCacheStatus; got&codecache.BranchCacheTaken == 0 {
		t.Fatalf("BranchCacheStatus = %v, want taken arm linked", got)
	}
}

func TestTraceDispatchDisabledByDefault(t *testing.T) {
	d, _ := newTestDispatcher(t)
	if _, err := d.TraceDispatch(0x7000, 0); err != ErrNoTrace {
		t.Fatalf("TraceDispatch() error = %v, want ErrNoTrace", err)
	}

	d.EnableTraces(true)
	off, _ := d.Arena.Reserve(16)
	d.Arena.Write(off, make([]byte, 16))
	srcIdx := d.Arena.AddFragment(codecache.Fragment{
		Offset:         off,
		Mode:           addr.A32,
		ExitBranchType: codecache.ExitUncondImm,
		ExitBranchAddr: off,
	})
	if _, err := d.TraceDispatch(0x7000, srcIdx); err != nil {
		t.Fatalf("TraceDispatch() after enabling traces: %v", err)
	}
}
