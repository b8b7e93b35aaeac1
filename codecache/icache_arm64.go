// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build arm64

package codecache

// cacheFlush invalidates the instruction cache for [begin, end) on
// AArch64. ARMv8 has no cacheflush(2) syscall; the architecturally
// correct sequence is a DC CVAU (clean data cache to point of
// unification) per cache line, a DSB, an IC IVAU (invalidate
// instruction cache to point of unification) per line, then a final
// DSB+ISB, matching what the original C runtime's clear_cache helper
// does for its AArch64 build. That sequence has to be hand-written
// assembly; it lives in icache_arm64.s and is declared here without a
// body, the same convention wagon's native_exec.go uses for jitcall.
func cacheFlush(begin, end uintptr) error {
	clearCacheRange(begin, end)
	return nil
}

func clearCacheRange(begin, end uintptr)
