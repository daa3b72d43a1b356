package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasix-runtime/abi"
	"github.com/wippyai/wasix-runtime/errors"
)

// CapturedStack holds a suspended computation's two stacks: the guest's
// memory (operand) stack and the asyncify rewind (continuation) stack. It
// is owned exclusively by the suspension in flight: produced by one unwind,
// consumed by exactly one matching rewind, never aliased between two
// suspensions.
type CapturedStack struct {
	MemoryStack []byte
	RewindStack []byte

	width    abi.Width
	consumed atomic.Bool
}

// Width returns the pointer width recorded at capture time.
func (c *CapturedStack) Width() abi.Width { return c.width }

// Clone returns an independent, unconsumed copy. Fork uses this to hand the
// same suspension point to both parent and child.
func (c *CapturedStack) Clone() *CapturedStack {
	out := &CapturedStack{
		MemoryStack: make([]byte, len(c.MemoryStack)),
		RewindStack: make([]byte, len(c.RewindStack)),
		width:       c.width,
	}
	copy(out.MemoryStack, c.MemoryStack)
	copy(out.RewindStack, c.RewindStack)
	return out
}

func (c *CapturedStack) take() bool {
	return c.consumed.CompareAndSwap(false, true)
}

// ResumeKind tags why an execution suspended, so resume paths dispatch
// the matching logic.
type ResumeKind int

const (
	ResumeSleep ResumeKind = iota
	ResumePoll
	ResumeFork
)

func (k ResumeKind) String() string {
	switch k {
	case ResumeSleep:
		return "sleep"
	case ResumePoll:
		return "poll"
	case ResumeFork:
		return "fork"
	}
	return "unknown"
}

// RewindState is the unit handed from "wait completed" back into "resume
// guest": the captured stacks, the snapshot taken at the same instant, the
// recorded pointer width, and the result of the operation that triggered
// the wait.
type RewindState struct {
	Kind     ResumeKind
	Stack    *CapturedStack
	Snapshot *Snapshot
	Width    abi.Width
	// Result is the raw trigger result, staged into the execution before
	// rewind so the resumed syscall observes it.
	Result uint64
	Errno  abi.Errno
}

// ActionKind tags what a continuation decided.
type ActionKind int

const (
	// ActionInvokeAgain re-enters the entry function immediately; a rewind
	// has been armed.
	ActionInvokeAgain ActionKind = iota
	// ActionExit terminates the guest with an exit code.
	ActionExit
	// ActionDeepSleep parks the execution on the task manager until the
	// trigger resolves.
	ActionDeepSleep
	// ActionDetach ends this execution without publishing an exit code;
	// a replacement image owns the process from here on.
	ActionDetach
)

// Action is a continuation's verdict, consumed by the run loop.
type Action struct {
	Kind ActionKind
	Exit abi.ExitCode
	Deep *DeepSleep
}

// Trigger is the awaited condition of a deep sleep. Await blocks until the
// condition resolves or ctx is done; PollOnce probes it without blocking
// for the zero-timeout path.
type Trigger interface {
	Await(ctx context.Context) (uint64, abi.Errno)
	PollOnce() (value uint64, ready bool, errno abi.Errno)
}

// ResultFn writes a completed wait's output into guest memory. It runs
// before rewind resumes guest control, because only at rewind time does the
// guest observe results.
type ResultFn func(exec *Execution, value uint64, errno abi.Errno) abi.Errno

// DeepSleep carries a parked suspension: the rewind state to resume with,
// the trigger to await, the wait bounds, and the caller's resumption
// logic.
type DeepSleep struct {
	Rewind   *RewindState
	Trigger  Trigger
	OnResult ResultFn
	// Timeout bounds the wait: nil forever, zero one non-blocking probe,
	// positive a deadline resolving as Timedout.
	Timeout *time.Duration
	// PollInterval is the signal re-check period; zero selects the
	// scheduler default.
	PollInterval time.Duration
}

// Continuation runs on the host once the guest's stack has been captured.
// It never returns control to the guest directly; its Action tells the run
// loop what happens next.
type Continuation func(ctx context.Context, captured *CapturedStack) Action

// Unwind starts capturing the current execution. It must be invoked from
// inside an instrumented (asyncified) call path: the syscall handler calls
// Unwind and returns, the guest unwinds itself, and the run loop completes
// the capture via FinishUnwind before invoking cont.
func Unwind(ctx context.Context, exec *Execution, cont Continuation) error {
	if !exec.asyncify.IsNormal() {
		return errors.InvalidState(errors.PhaseCapture, "asyncify not in normal state")
	}
	if err := exec.setContinuation(cont); err != nil {
		return err
	}
	exec.asyncify.ResetStack()
	if err := exec.asyncify.StartUnwind(ctx); err != nil {
		exec.takeContinuation()
		return errors.Wrap(errors.PhaseCapture, errors.KindInvalidState, err, "start unwind")
	}
	return nil
}

// FinishUnwind completes a capture after the entry call returned in the
// unwinding state: it stops the unwind, copies both stacks out of guest
// memory, and hands the CapturedStack to the pending continuation.
//
// A capture that overflowed the bounded rewind buffer, or a stack pointer
// outside the layout, terminates the guest with a memory-violation fault.
func (e *Execution) FinishUnwind(ctx context.Context) (Action, error) {
	cont := e.takeContinuation()
	if cont == nil {
		return Action{}, errors.InvalidState(errors.PhaseCapture, "no continuation after unwind")
	}

	if err := e.asyncify.StopUnwind(ctx); err != nil {
		return Action{}, errors.Wrap(errors.PhaseCapture, errors.KindInvalidState, err, "stop unwind")
	}

	rewindStack, err := e.asyncify.rewindBuffer()
	if err != nil {
		Logger().Warn("unwind capture failed",
			zap.Error(err))
		return Action{Kind: ActionExit, Exit: abi.ErrnoMemviolation.ToExitCode()}, nil
	}

	sp := e.StackPointer()
	if sp < e.layout.Lower || sp > e.layout.Upper {
		Logger().Warn("stack pointer outside layout",
			zap.Uint64("sp", sp),
			zap.Uint64("lower", e.layout.Lower),
			zap.Uint64("upper", e.layout.Upper))
		return Action{Kind: ActionExit, Exit: abi.ErrnoMemviolation.ToExitCode()}, nil
	}

	memoryStack := []byte{}
	if length := e.layout.Upper - sp; length > 0 {
		raw, ok := e.mem.Read(uint32(sp), uint32(length))
		if !ok {
			return Action{Kind: ActionExit, Exit: abi.ErrnoMemviolation.ToExitCode()}, nil
		}
		memoryStack = make([]byte, len(raw))
		copy(memoryStack, raw)
	}

	captured := &CapturedStack{
		MemoryStack: memoryStack,
		RewindStack: rewindStack,
		width:       e.width,
	}

	Logger().Debug("stack captured",
		zap.Int("memory_stack_len", len(captured.MemoryStack)),
		zap.Int("rewind_stack_len", len(captured.RewindStack)))

	return cont(ctx, captured), nil
}

// Rewind restores a captured suspension into exec: the snapshot, both
// stacks, and the asyncify rewind arming. The next entry call resumes the
// guest at the suspension point.
//
// A non-success return is an exit condition for the caller, never ignored:
// ErrnoInval for width mismatch or double consumption, ErrnoIo for snapshot
// codec failures, ErrnoMemviolation for a restore target outside the
// guest's addressable stack bounds.
func Rewind(ctx context.Context, exec *Execution, stack *CapturedStack, snap *Snapshot) abi.Errno {
	if stack.width != exec.width {
		Logger().Warn("rewind width mismatch",
			zap.String("recorded", stack.width.String()),
			zap.String("requested", exec.width.String()))
		return abi.ErrnoInval
	}
	if !stack.take() {
		Logger().Warn("captured stack consumed twice")
		return abi.ErrnoInval
	}

	if snap != nil {
		if err := snap.Restore(exec.mod); err != nil {
			Logger().Warn("snapshot restore failed", zap.Error(err))
			return abi.ErrnoIo
		}
	}

	length := uint64(len(stack.MemoryStack))
	if length > exec.layout.Size() {
		Logger().Warn("memory stack exceeds layout",
			zap.Uint64("len", length),
			zap.Uint64("layout", exec.layout.Size()))
		return abi.ErrnoMemviolation
	}
	base := exec.layout.Upper - length
	if length > 0 && !exec.mem.Write(uint32(base), stack.MemoryStack) {
		return abi.ErrnoMemviolation
	}
	if err := restoreStackPointer(exec, base); err != nil {
		Logger().Warn("stack pointer restore failed", zap.Error(err))
		return abi.ErrnoMemviolation
	}

	if err := exec.asyncify.writeRewindBuffer(stack.RewindStack); err != nil {
		Logger().Warn("rewind buffer restore failed", zap.Error(err))
		return abi.ErrnoMemviolation
	}
	if err := exec.asyncify.StartRewind(ctx); err != nil {
		Logger().Warn("start rewind failed", zap.Error(err))
		return abi.ErrnoIo
	}
	return abi.ErrnoSuccess
}

// HandleRewind is the rewind-first check every suspending syscall performs
// on entry. When the guest is replaying the call path during a rewind it
// consumes the staged resume value, stops the rewind, and reports true; the
// handler must then return that value instead of suspending again.
func HandleRewind(ctx context.Context, exec *Execution) (uint64, bool) {
	if !exec.asyncify.IsRewinding() {
		return 0, false
	}
	if err := exec.asyncify.StopRewind(ctx); err != nil {
		Logger().Warn("stop rewind failed", zap.Error(err))
	}
	v, ok := exec.takeResumeValue()
	if !ok {
		Logger().Warn("rewind without staged resume value")
	}
	return v, true
}

// PatchCapturedStack writes val into the captured memory stack at the guest
// address targetOffset. Fork uses this to change the single syscall-return
// slot (the pid) before rewinding the parent. The target must lie within
// the layout and within the active captured region; anything else is a
// memory-violation fault, never a silent write elsewhere.
func PatchCapturedStack(stack *CapturedStack, layout StackLayout, targetOffset uint64, val []byte) error {
	if !layout.Contains(targetOffset, uint64(len(val))) {
		return errors.MemViolation(errors.PhaseFork,
			"return value slot is not on the stack")
	}
	back := layout.Upper - targetOffset
	if back > uint64(len(stack.MemoryStack)) {
		return errors.MemViolation(errors.PhaseFork,
			"return value slot outside the active memory stack")
	}
	start := uint64(len(stack.MemoryStack)) - back
	copy(stack.MemoryStack[start:start+uint64(len(val))], val)
	return nil
}

func restoreStackPointer(exec *Execution, sp uint64) error {
	if exec.sp == nil {
		return nil
	}
	mut, ok := exec.sp.(api.MutableGlobal)
	if !ok {
		// Immutable stack pointer export; the rewind buffer replay will
		// re-establish it.
		return nil
	}
	mut.Set(sp)
	return nil
}
