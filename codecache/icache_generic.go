// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !arm && !arm64

package codecache

// cacheFlush is a no-op on hosts that cannot themselves execute ARM
// code. mambo-go only needs a real barrier when the emitted fragments
// run on the same core that wrote them (spec §5); building and testing
// the scanner/dispatcher logic on another host architecture never
// executes the cache it fills, so there is nothing to synchronize.
func cacheFlush(begin, end uintptr) error {
	return nil
}
