// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package plugin

import "testing"

func TestBuildIsImmutableAfterRegistration(t *testing.T) {
	b := NewBuilder()
	var calls int
	b.Register(PreInst, func(ctx *Context) error {
		calls++
		return nil
	})
	bus := b.Build()

	// Mutating the builder after Build must not affect the built bus.
	b.Register(PreInst, func(ctx *Context) error {
		calls += 100
		return nil
	})

	if err := bus.Dispatch(PreInst, &Context{}); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (builder mutation after Build leaked in)", calls)
	}
}

func TestDispatchOrderAndStopOnError(t *testing.T) {
	b := NewBuilder()
	var order []int
	b.Register(PreInst, func(ctx *Context) error {
		order = append(order, 1)
		return nil
	})
	b.Register(PreInst, func(ctx *Context) error {
		order = append(order, 2)
		return errStop
	})
	b.Register(PreInst, func(ctx *Context) error {
		order = append(order, 3)
		return nil
	})
	bus := b.Build()

	if err := bus.Dispatch(PreInst, &Context{}); err != errStop {
		t.Fatalf("Dispatch error = %v, want errStop", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("call order = %v, want [1 2] (stop after error)", order)
	}
}

func TestHasHandlers(t *testing.T) {
	b := NewBuilder()
	bus := b.Build()
	if bus.HasHandlers(PreInst) {
		t.Fatalf("HasHandlers(PreInst) = true on empty bus")
	}
	b.Register(PostInst, func(*Context) error { return nil })
	bus = b.Build()
	if !bus.HasHandlers(PostInst) {
		t.Fatalf("HasHandlers(PostInst) = false after registration")
	}
	if bus.HasHandlers(PreInst) {
		t.Fatalf("HasHandlers(PreInst) = true, want false")
	}
}

func TestContextReplace(t *testing.T) {
	ctx := &Context{}
	if ctx.Replaced() {
		t.Fatalf("Replaced() = true before Replace() called")
	}
	ctx.Replace()
	if !ctx.Replaced() {
		t.Fatalf("Replaced() = false after Replace() called")
	}
}

type stopError struct{}

func (stopError) Error() string { return "stop" }

var errStop = stopError{}
