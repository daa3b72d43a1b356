// Package engine implements the suspension core of the process layer: the
// Binaryen asyncify runtime protocol, stack capture and rewind, and the
// snapshot codec for non-stack execution state.
//
// A guest compiled with wasm-opt --asyncify can be suspended mid-call. A
// host syscall handler calls Unwind with a continuation; the guest then
// unwinds itself back out of the entry function. The run loop notices the
// unwinding state, captures the guest's memory stack and asyncify rewind
// buffer into a CapturedStack, and invokes the continuation, which decides
// what happens next: rewind immediately (fork), enter a deep sleep
// (sleep/poll), or exit.
//
// Rewind is the inverse: it restores the snapshot and both stacks and arms
// the asyncify rewind state so the next entry call resumes the guest at the
// exact suspension point. A CapturedStack is consumed by exactly one
// rewind; pointer width is recorded at capture and enforced at rewind.
package engine
