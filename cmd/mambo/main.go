// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command mambo is a thin CLI wrapper around the runtime: it loads a
// flat guest code image into a host-backed address space, wires a
// thread.State and sysif.Interposer to it, and runs the image from a
// chosen entry offset. It exists so every contract described in spec
// §6 -- entry trampoline, dispatcher trampoline, plugin ABI, syscall
// interposer -- has something concrete on the other end of it, the
// same role cmd/wasm-run plays for wagon's decode/validate/exec chain.
//
// It is deliberately small: it does not parse ELF, does not fork a
// real guest process, and does not attach via ptrace. CLONE_VM
// children are realized as goroutines over the same host address
// space rather than separate OS processes.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/beehive-lab/mambo-go/addr"
	"github.com/beehive-lab/mambo-go/dispatch"
	"github.com/beehive-lab/mambo-go/isa"
	"github.com/beehive-lab/mambo-go/plugin"
	"github.com/beehive-lab/mambo-go/plugin/examples/branchcount"
	"github.com/beehive-lab/mambo-go/plugin/examples/mtrace"
	"github.com/beehive-lab/mambo-go/sysif"
	"github.com/beehive-lab/mambo-go/thread"
	"github.com/beehive-lab/mambo-go/trampoline"
)

func main() {
	log.SetPrefix("mambo: ")
	log.SetFlags(0)

	var (
		modeFlag    = flag.String("mode", "arm", "guest ISA mode: arm, thumb, or arm64")
		entryFlag   = flag.Uint64("entry", 0, "guest address to start execution at")
		loadFlag    = flag.Uint64("load", 0, "guest address the image is loaded at")
		stackFlag   = flag.Uint64("stack-size", 1<<20, "bytes reserved for the guest stack")
		cacheFlag   = flag.Int("cache-size", 8<<20, "per-thread code cache size in bytes")
		verboseFlag = flag.Bool("v", false, "enable verbose runtime logging")
		pluginFlag  = flag.String("plugin", "", "reference instrumentation plugin: branchcount, mtrace, or empty")
	)
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: mambo [flags] <guest-image>\n")
		flag.Usage()
		os.Exit(1)
	}

	mode, err := parseMode(*modeFlag)
	if err != nil {
		log.Fatal(err)
	}

	image, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		log.Fatalf("reading guest image: %v", err)
	}

	if *verboseFlag {
		dispatch.SetDebug(true)
		sysif.SetDebug(true)
	}

	mem := newGuestMemory(*loadFlag, image, *stackFlag)

	bus := plugin.NewBuilder()
	switch *pluginFlag {
	case "branchcount":
		branchcount.Register(bus)
	case "mtrace":
		mtrace.Register(bus)
	case "":
	default:
		log.Fatalf("unknown plugin %q", *pluginFlag)
	}

	opts := thread.DefaultOptions()
	opts.CodeCacheSize = *cacheFlag
	opts.Plugins = bus.Build()
	opts.Decode = decoderFor(mode)
	opts.NewBuilder = builderFor(mode)
	opts.ReadGuest = mem.read

	in := &sysif.Interposer{
		Mode:      mode,
		ReadWord:  mem.readWord,
		WriteWord: mem.writeWord,
		Options:   opts,
	}

	st, err := thread.New(withSyscall(opts, in))
	if err != nil {
		log.Fatalf("allocating thread state: %v", err)
	}
	defer st.Close()

	in.State = st
	in.Dispatcher = st.Dispatcher
	in.FlushCache = st.Flush
	in.SpawnCloneVMThread = spawnCloneVMThread(st, in, mem)

	runtime.LockOSThread()
	entry := addr.GuestAddr(*entryFlag)
	regs := &trampoline.Registers{PC: entry}
	regs.R[13] = uint64(mem.stackTop())

	code, err := st.Run(entry, regs)
	if err != nil {
		log.Fatalf("running guest entry point: %v", err)
	}
	os.Exit(int(code))
}

// withSyscall closes opts' Syscall field over in, which itself is not
// fully populated (State, Dispatcher) until after thread.New returns;
// AsSyscallFunc's closure only reads those fields once a syscall is
// actually trapped, by which point main has finished wiring them in.
func withSyscall(opts thread.Options, in *sysif.Interposer) thread.Options {
	opts.Syscall = func(regs *trampoline.Registers) uintptr {
		return in.AsSyscallFunc()(regs)
	}
	return opts
}

// spawnCloneVMThread realizes spec §4.7's "spawns a host thread that
// installs the child's saved registers ... and transfers control to
// the cached entry" as a goroutine sharing the parent's guestMemory,
// since this CLI has no separate guest process to fork.
func spawnCloneVMThread(parent *thread.State, parentIn *sysif.Interposer, mem *guestMemory) func(*thread.CloneArgs, thread.Options) (int, error) {
	var nextTID int32 = 1
	return func(args *thread.CloneArgs, childOpts thread.Options) (int, error) {
		nextTID++
		tid := int(nextTID)

		child, err := thread.New(childOpts)
		if err != nil {
			return 0, fmt.Errorf("spawning clone: %w", err)
		}
		child.SetTID(tid)

		childIn := &sysif.Interposer{
			Mode:      parentIn.Mode,
			ReadWord:  mem.readWord,
			WriteWord: mem.writeWord,
			State:     child,
		}
		childIn.Dispatcher = child.Dispatcher
		childIn.FlushCache = child.Flush
		childIn.SpawnCloneVMThread = spawnCloneVMThread(child, childIn, mem)

		regs := &trampoline.Registers{PC: args.Entry}
		if args.ChildStack != 0 {
			regs.R[13] = uint64(args.ChildStack)
		}

		go func() {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			defer child.Close()
			if _, err := child.Run(args.Entry, regs); err != nil {
				log.Printf("clone-vm thread %d: %v", tid, err)
			}
		}()

		return tid, nil
	}
}

func parseMode(s string) (addr.Mode, error) {
	switch s {
	case "arm":
		return addr.A32, nil
	case "thumb":
		return addr.T32, nil
	case "arm64":
		return addr.A64, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want arm, thumb, or arm64)", s)
	}
}

func decoderFor(mode addr.Mode) func(addr.Mode, addr.GuestAddr, []byte) (isa.Instruction, error) {
	switch mode {
	case addr.T32:
		return func(_ addr.Mode, at addr.GuestAddr, code []byte) (isa.Instruction, error) {
			return isa.ThumbDecoder{}.Decode(at, code)
		}
	case addr.A64:
		return func(_ addr.Mode, at addr.GuestAddr, code []byte) (isa.Instruction, error) {
			return isa.ARM64Decoder{}.Decode(at, code)
		}
	default:
		return func(_ addr.Mode, at addr.GuestAddr, code []byte) (isa.Instruction, error) {
			return isa.ARMDecoder{}.Decode(at, code)
		}
	}
}

func builderFor(mode addr.Mode) func(addr.Mode) (isa.Builder, error) {
	switch mode {
	case addr.T32:
		return func(addr.Mode) (isa.Builder, error) { return isa.NewARMBuilder(true) }
	case addr.A64:
		return func(addr.Mode) (isa.Builder, error) { return isa.NewARM64Builder() }
	default:
		return func(addr.Mode) (isa.Builder, error) { return isa.NewARMBuilder(false) }
	}
}
