// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !arm && !arm64

package trampoline

// enter, dispatchTrampolineAddr and syscallTrampolineAddr have no
// assembly definition on hosts that cannot themselves execute the
// guest's architecture. The rest of this package -- Bind, the
// callbacks plumbing, dispatchShim/syscallShim -- still builds and
// tests on any host; only an actual crossing needs real machine code.
func enter(cacheAddr uintptr, state *ctxState) int32 {
	panic("trampoline: Enter unsupported on this host architecture")
}

func dispatchTrampolineAddr() uintptr {
	panic("trampoline: unsupported on this host architecture")
}

func syscallTrampolineAddr() uintptr {
	panic("trampoline: unsupported on this host architecture")
}
