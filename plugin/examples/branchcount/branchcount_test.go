// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package branchcount

import (
	"testing"

	"github.com/beehive-lab/mambo-go/plugin"
)

type fakeEmit struct {
	incrCalls int
}

func (f *fakeEmit) Counter64Incr(counter *uint64, delta uint64) {
	*counter += delta
	f.incrCalls++
}
func (f *fakeEmit) LoadStoreAddr() (int16, error) { return 0, nil }
func (f *fakeEmit) Call(fn func())                {}

func TestCountsDirectAndReturnBranches(t *testing.T) {
	b := plugin.NewBuilder()
	Register(b)
	bus := b.Build()

	ctx := &plugin.Context{}
	if err := bus.Dispatch(plugin.PreThread, ctx); err != nil {
		t.Fatalf("PreThread dispatch: %v", err)
	}
	c, ok := ctx.ThreadData.(*counters)
	if !ok {
		t.Fatalf("ThreadData not set to *counters after PreThread")
	}

	emit := &fakeEmit{}
	inst := &plugin.Context{Branch: plugin.BranchDirect, ThreadData: c, Emit: emit}
	if err := bus.Dispatch(plugin.PreInst, inst); err != nil {
		t.Fatalf("PreInst dispatch: %v", err)
	}
	if c.direct != 1 {
		t.Fatalf("direct = %d, want 1", c.direct)
	}

	ret := &plugin.Context{Branch: plugin.BranchReturn, ThreadData: c, Emit: emit}
	if err := bus.Dispatch(plugin.PreInst, ret); err != nil {
		t.Fatalf("PreInst dispatch: %v", err)
	}
	if c.returns != 1 {
		t.Fatalf("returns = %d, want 1", c.returns)
	}
	if emit.incrCalls != 2 {
		t.Fatalf("incrCalls = %d, want 2", emit.incrCalls)
	}
}
