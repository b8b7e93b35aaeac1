// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mtrace

import (
	"testing"

	"github.com/beehive-lab/mambo-go/plugin"
)

type fakeEmit struct {
	calls []func()
}

func (f *fakeEmit) Counter64Incr(counter *uint64, delta uint64) {}
func (f *fakeEmit) LoadStoreAddr() (int16, error)               { return 0, nil }
func (f *fakeEmit) Call(fn func())                              { f.calls = append(f.calls, fn) }

func TestRecordsLoadStoreAddresses(t *testing.T) {
	b := plugin.NewBuilder()
	Register(b)
	bus := b.Build()

	ctx := &plugin.Context{}
	if err := bus.Dispatch(plugin.PreThread, ctx); err != nil {
		t.Fatalf("PreThread dispatch: %v", err)
	}
	tr, ok := ctx.ThreadData.(*trace)
	if !ok {
		t.Fatalf("ThreadData not set to *trace after PreThread")
	}

	emit := &fakeEmit{}
	inst := &plugin.Context{Addr: 0x4000, IsLoadStore: true, ThreadData: tr, Emit: emit}
	if err := bus.Dispatch(plugin.PreInst, inst); err != nil {
		t.Fatalf("PreInst dispatch: %v", err)
	}
	if len(emit.calls) != 1 {
		t.Fatalf("emit.calls = %d, want 1", len(emit.calls))
	}
	emit.calls[0]()
	if len(tr.entries) != 1 || tr.entries[0] != 0x4000 {
		t.Fatalf("entries = %v, want [0x4000]", tr.entries)
	}

	notLoadStore := &plugin.Context{Addr: 0x5000, IsLoadStore: false, ThreadData: tr, Emit: emit}
	if err := bus.Dispatch(plugin.PreInst, notLoadStore); err != nil {
		t.Fatalf("PreInst dispatch: %v", err)
	}
	if len(emit.calls) != 1 {
		t.Fatalf("a non load/store instruction should not emit a call, got %d calls", len(emit.calls))
	}
}
