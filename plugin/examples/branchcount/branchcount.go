// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package branchcount is a reference instrumentation plugin: it tallies
// direct, indirect, and return branches executed by the guest,
// reporting the three totals on thread exit. It is a Go port of
// original_source/plugins/branch_count.c, registered through the
// builder-based ABI plugin.Builder exposes instead of the original's
// constructor-attribute registration.
package branchcount

import (
	"fmt"
	"os"

	"github.com/beehive-lab/mambo-go/plugin"
)

// counters is the per-thread state branch_count.c stashes via
// mambo_set_thread_plugin_data / mambo_get_thread_plugin_data.
type counters struct {
	direct   uint64
	indirect uint64
	returns  uint64
}

// Register wires the plugin's three callbacks into b.
func Register(b *plugin.Builder) {
	b.Register(plugin.PreThread, preThread)
	b.Register(plugin.PostThread, postThread)
	b.Register(plugin.PreInst, preInst)
}

func preThread(ctx *plugin.Context) error {
	ctx.SetThreadData(&counters{})
	return nil
}

func postThread(ctx *plugin.Context) error {
	c, _ := ctx.ThreadData.(*counters)
	if c == nil {
		return nil
	}
	fmt.Fprintf(os.Stderr, "direct branches: %d\n", c.direct)
	fmt.Fprintf(os.Stderr, "indirect branches: %d\n", c.indirect)
	fmt.Fprintf(os.Stderr, "returns: %d\n\n", c.returns)
	return nil
}

func preInst(ctx *plugin.Context) error {
	c, _ := ctx.ThreadData.(*counters)
	if c == nil {
		return nil
	}

	var counter *uint64
	switch {
	case ctx.Branch&plugin.BranchReturn != 0:
		counter = &c.returns
	case ctx.Branch&plugin.BranchDirect != 0:
		counter = &c.direct
	case ctx.Branch&plugin.BranchIndirect != 0:
		counter = &c.indirect
	}

	if counter != nil && ctx.Emit != nil {
		ctx.Emit.Counter64Incr(counter, 1)
	}
	return nil
}
