package engine

import (
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasix-runtime/abi"
	"github.com/wippyai/wasix-runtime/errors"
)

// StackLayout bounds the guest's addressable call stack in linear memory.
// The stack grows downward from Upper; Lower is the overflow guard.
type StackLayout struct {
	Lower uint64
	Upper uint64
}

// Size returns the addressable stack size in bytes.
func (l StackLayout) Size() uint64 { return l.Upper - l.Lower }

// Contains reports whether [offset, offset+length) lies inside the layout.
func (l StackLayout) Contains(offset, length uint64) bool {
	return offset >= l.Lower && offset+length <= l.Upper
}

// DefaultGuestStackSize is assumed when the module does not advertise a
// stack region.
const DefaultGuestStackSize uint64 = 64 * 1024

const stackPointerGlobal = "__stack_pointer"

// ExecutionConfig tunes a guest execution.
type ExecutionConfig struct {
	// Width is the guest pointer width. Defaults to Wasm32.
	Width abi.Width
	// Layout overrides the stack layout derived from __stack_pointer.
	Layout StackLayout
	// Entry is the export to (re-)invoke. Defaults to "_start".
	Entry string
	// AsyncifyDataAddr and AsyncifyStackSize override the asyncify region.
	AsyncifyDataAddr  uint32
	AsyncifyStackSize uint32
	// SnapshotGlobals names the exported mutable globals captured into
	// snapshots, in addition to __stack_pointer.
	SnapshotGlobals []string
}

// Execution is one running (or suspended) guest computation: a module
// instance, its asyncify state, and the bookkeeping that carries a
// suspension from unwind to rewind.
type Execution struct {
	mod             api.Module
	mem             api.Memory
	asyncify        *Asyncify
	entry           api.Function
	sp              api.Global
	width           abi.Width
	layout          StackLayout
	snapshotGlobals []string

	mu          sync.Mutex
	cont        Continuation
	resumeValue uint64
	resumeSet   bool
}

// NewExecution wraps an instantiated module. The module must export the
// asyncify control functions and the entry function.
func NewExecution(mod api.Module, cfg *ExecutionConfig) (*Execution, error) {
	if cfg == nil {
		cfg = &ExecutionConfig{}
	}

	e := &Execution{
		mod:             mod,
		mem:             mod.Memory(),
		asyncify:        NewAsyncify(),
		width:           cfg.Width,
		layout:          cfg.Layout,
		snapshotGlobals: cfg.SnapshotGlobals,
	}
	if e.width == 0 {
		e.width = abi.Wasm32
	}
	if cfg.AsyncifyDataAddr != 0 {
		e.asyncify.SetDataAddr(cfg.AsyncifyDataAddr)
	}
	if cfg.AsyncifyStackSize != 0 {
		e.asyncify.SetStackSize(cfg.AsyncifyStackSize)
	}

	entryName := cfg.Entry
	if entryName == "" {
		entryName = "_start"
	}
	e.entry = mod.ExportedFunction(entryName)
	if e.entry == nil {
		return nil, errors.NotFound(errors.PhaseExec, "entry export", entryName)
	}

	e.sp = mod.ExportedGlobal(stackPointerGlobal)
	if e.layout == (StackLayout{}) {
		if e.sp != nil {
			upper := e.sp.Get()
			lower := uint64(0)
			if upper > DefaultGuestStackSize {
				lower = upper - DefaultGuestStackSize
			}
			e.layout = StackLayout{Lower: lower, Upper: upper}
		} else {
			e.layout = StackLayout{Lower: 0, Upper: DefaultGuestStackSize}
		}
	}

	if err := e.asyncify.Init(mod); err != nil {
		return nil, err
	}
	return e, nil
}

// Module returns the underlying module instance.
func (e *Execution) Module() api.Module { return e.mod }

// Memory returns the guest linear memory.
func (e *Execution) Memory() api.Memory { return e.mem }

// Entry returns the entry function re-invoked on every resume.
func (e *Execution) Entry() api.Function { return e.entry }

// Asyncify returns the asyncify protocol state.
func (e *Execution) Asyncify() *Asyncify { return e.asyncify }

// Width returns the guest pointer width.
func (e *Execution) Width() abi.Width { return e.width }

// Layout returns the guest stack layout.
func (e *Execution) Layout() StackLayout { return e.layout }

// StackPointer returns the current value of the guest stack pointer, or
// layout.Lower when the module does not export __stack_pointer.
func (e *Execution) StackPointer() uint64 {
	if e.sp == nil {
		return e.layout.Lower
	}
	return e.sp.Get()
}

// SetResumeValue stages the syscall-return value observed by HandleRewind
// when the guest re-enters the suspended syscall.
func (e *Execution) SetResumeValue(v uint64) {
	e.mu.Lock()
	e.resumeValue = v
	e.resumeSet = true
	e.mu.Unlock()
}

func (e *Execution) takeResumeValue() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.resumeValue, e.resumeSet
	e.resumeValue, e.resumeSet = 0, false
	return v, ok
}

// Unwinding reports whether a suspension is in flight and the run loop must
// call FinishUnwind.
func (e *Execution) Unwinding() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cont != nil
}

func (e *Execution) setContinuation(c Continuation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cont != nil {
		return errors.InvalidState(errors.PhaseCapture, "suspension already in flight")
	}
	e.cont = c
	return nil
}

func (e *Execution) takeContinuation() Continuation {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.cont
	e.cont = nil
	return c
}
