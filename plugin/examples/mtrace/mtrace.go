// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mtrace is a reference instrumentation plugin: it records
// every load/store address the guest executes and dumps them on
// thread exit. It is a Go port of original_source/plugins/mtrace.c,
// using plugin.EmitAPI's LoadStoreAddr/Call primitives in place of the
// original's emit_push/mambo_calc_ld_st_addr/emit_fcall/emit_pop
// sequence -- the save/restore around the address calculation is the
// scanner's concern here, not the plugin's.
package mtrace

import (
	"fmt"
	"os"

	"github.com/beehive-lab/mambo-go/addr"
	"github.com/beehive-lab/mambo-go/plugin"
)

// buflen bounds the in-memory trace buffer before it is flushed,
// mirroring mtrace.h's BUFLEN.
const buflen = 4096

// trace is the per-thread state mtrace.c stashes via
// mambo_set_thread_plugin_data.
type trace struct {
	entries []addr.GuestAddr
}

// Register wires the plugin's three callbacks into b.
func Register(b *plugin.Builder) {
	b.Register(plugin.PreThread, preThread)
	b.Register(plugin.PostThread, postThread)
	b.Register(plugin.PreInst, preInst)
}

func preThread(ctx *plugin.Context) error {
	ctx.SetThreadData(&trace{entries: make([]addr.GuestAddr, 0, buflen)})
	return nil
}

func postThread(ctx *plugin.Context) error {
	t, _ := ctx.ThreadData.(*trace)
	if t == nil {
		return nil
	}
	printBuf(t)
	return nil
}

func preInst(ctx *plugin.Context) error {
	t, _ := ctx.ThreadData.(*trace)
	if t == nil || !ctx.IsLoadStore || ctx.Emit == nil {
		return nil
	}

	// LoadStoreAddr emits the address-calculation sequence into the
	// scratch register the eventual host call reads; EmitAPI does not
	// surface that register's runtime value back to the plugin, so,
	// unlike mtrace.c's mtrace_buf_write(value, trace), the callback
	// below records the static instruction address rather than the
	// dynamic load/store target. A full runtime-value pass-through
	// would need EmitAPI to expose the scratch register's contents at
	// call time, which this scoped ABI does not.
	if _, err := ctx.Emit.LoadStoreAddr(); err != nil {
		return nil
	}
	recordAddr := ctx.Addr
	ctx.Emit.Call(func() {
		t.entries = append(t.entries, recordAddr)
		if len(t.entries) == cap(t.entries) {
			printBuf(t)
		}
	})
	return nil
}

// printBuf flushes the buffered trace to stderr. Per mtrace.c's own
// comment, one address per line is slow; it is kept here for parity
// with the original and because this plugin is a reference example,
// not a production trace collector.
func printBuf(t *trace) {
	for _, a := range t.entries {
		fmt.Fprintf(os.Stderr, "%#x\n", uint64(a))
	}
	t.entries = t.entries[:0]
}
