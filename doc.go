// Package wasixruntime provides process and thread emulation for
// WebAssembly guests: syscalls that appear to block are implemented by
// capturing the guest's call stack, parking the computation on a
// scheduler, and later reconstructing the stack and resuming execution.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct
// responsibilities:
//
//	wasixruntime/        Root package documentation
//	├── runtime/         High-level API: spawn, exec and the run loop
//	├── engine/          Asyncify control, stack capture and rewind
//	├── syscalls/        The wasix host module (sleep, poll, fork, exec)
//	├── poll/            The poll_oneoff subscription multiplexer
//	├── task/            Deep-sleep scheduler and signal-aware waits
//	├── proc/            Process tree, threads, signals, exit cells
//	├── fs/              File descriptor tables and readiness guards
//	├── abi/             WASIX wire types, errno values, pointer widths
//	└── errors/          Structured error types for debugging
//
// # Quick Start
//
// Load and run a binary:
//
//	rt, err := runtime.New(ctx, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	if err := rt.Load(ctx, "main.wasm", wasmBytes); err != nil {
//	    log.Fatal(err)
//	}
//
//	p, err := rt.Spawn(ctx, "main.wasm")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	code, err := p.Status().Wait(ctx)
//	fmt.Println("exit:", code)
//
// # Suspension Model
//
// Guest binaries must be instrumented with Binaryen's asyncify pass.
// When a syscall needs to wait, the handler records a continuation and
// starts an unwind; the guest's own instrumented code copies live frames
// into a rewind buffer on its way out of the entry function. The run
// loop then captures both the rewind buffer and the region of linear
// memory holding the value stack, and hands the wait to the scheduler.
// Resuming reverses the process: stacks are written back, results are
// staged, and the entry function is invoked again in rewind mode so the
// guest replays its way down to the suspended syscall.
//
// # Thread Safety
//
// Runtime, the process tree and descriptor tables are safe for
// concurrent use. An engine.Execution belongs to one goroutine at a
// time; the scheduler enforces that by construction.
//
// # Memory Model
//
// WASM linear memory can only grow, never shrink. A fork child starts
// with a byte copy of the parent's memory; the two diverge from that
// point and share nothing.
package wasixruntime
