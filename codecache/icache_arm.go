// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build arm

package codecache

import "golang.org/x/sys/unix"

// cacheFlush invalidates the instruction cache for [begin, end) via the
// Linux/ARM cacheflush(2) syscall, the same call
// original_source/syscalls.c intercepts and re-issues after a guest's
// own cacheflush() to also cover newly written fragment bodies.
func cacheFlush(begin, end uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_CACHEFLUSH, begin, end, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
