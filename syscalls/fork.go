package syscalls

import (
	"context"
	"encoding/binary"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasix-runtime/abi"
	"github.com/wippyai/wasix-runtime/engine"
	"github.com/wippyai/wasix-runtime/proc"
)

// proc_fork(copy_memory u32, pid_ptr u32) -> errno
//
// The zero pid is written before capture so the child's copied memory
// reads 0 at the ptr; the parent's captured stack is then patched with
// the real child pid before its rewind. A pid slot outside the stack is
// a memory-violation fault, never silent corruption.
func (h *Host) procFork(ctx context.Context, mod api.Module, stack []uint64) {
	inst, ok := h.instance(mod)
	if !ok {
		stack[0] = uint64(abi.ErrnoInval)
		return
	}
	if v, resuming := engine.HandleRewind(ctx, inst.Exec); resuming {
		stack[0] = v
		return
	}

	copyMemory := uint32(stack[0]) != 0
	pidPtr := uint32(stack[1])
	exec := inst.Exec

	if h.getSpawner() == nil {
		stack[0] = uint64(abi.ErrnoPerm)
		return
	}

	parent := inst.Proc
	child := h.tree.NewProcess(parent, parent.Files())
	child.SetFiles(parent.Files().Derive())

	if !exec.Memory().WriteUint32Le(pidPtr, 0) {
		h.abortChild(child)
		stack[0] = uint64(abi.ErrnoFault)
		return
	}

	var err error
	if copyMemory {
		err = engine.Unwind(ctx, exec, h.forkCopy(inst, child, pidPtr))
	} else {
		err = engine.Unwind(ctx, exec, h.forkLazy(inst, child, pidPtr))
	}
	if err != nil {
		Logger().Warn("proc_fork unwind failed", zap.Error(err))
		h.abortChild(child)
		stack[0] = uint64(abi.ErrnoPerm)
		return
	}
	stack[0] = uint64(abi.ErrnoSuccess)
}

// forkCopy is the full-copy fork continuation: spawn a child instance
// over copied memory, patch the parent's stack, resume both.
func (h *Host) forkCopy(inst *Instance, child *proc.Process, pidPtr uint32) engine.Continuation {
	return func(ctx context.Context, captured *engine.CapturedStack) engine.Action {
		exec := inst.Exec
		snap := exec.CaptureSnapshot()

		childRewind := &engine.RewindState{
			Kind:     engine.ResumeFork,
			Stack:    captured.Clone(),
			Snapshot: snap,
			Width:    exec.Width(),
			Errno:    abi.ErrnoSuccess,
		}

		if err := h.getSpawner().SpawnFork(ctx, inst, child, childRewind); err != nil {
			// Fork unsuccessful; the parent continues with Again and its
			// continuation intact.
			Logger().Warn("fork spawn failed",
				zap.Uint32("child", uint32(child.Pid())),
				zap.Error(err))
			h.abortChild(child)
			return resumeParent(ctx, exec, captured, snap, abi.ErrnoAgain)
		}

		var pid [4]byte
		binary.LittleEndian.PutUint32(pid[:], uint32(child.Pid()))
		if err := engine.PatchCapturedStack(captured, exec.Layout(), uint64(pidPtr), pid[:]); err != nil {
			Logger().Warn("fork pid patch failed", zap.Error(err))
			return engine.Action{Kind: engine.ActionExit, Exit: abi.ErrnoMemviolation.ToExitCode()}
		}
		return resumeParent(ctx, exec, captured, snap, abi.ErrnoSuccess)
	}
}

// forkLazy is the vfork continuation: stash the parent's continuation,
// swap the child environment in place, and continue as the child without
// copying memory. Until proc_exec the two alias one execution.
func (h *Host) forkLazy(inst *Instance, child *proc.Process, pidPtr uint32) engine.Continuation {
	return func(ctx context.Context, captured *engine.CapturedStack) engine.Action {
		exec := inst.Exec
		snap := exec.CaptureSnapshot()

		inst.VFork = &VFork{
			Parent:   inst.Proc,
			Child:    child,
			Stack:    captured.Clone(),
			Snapshot: snap,
			PidPtr:   pidPtr,
		}
		inst.Proc = child
		inst.Thread = child.MainThread()

		// The pid slot still holds 0, so the resumed code observes itself
		// as the child.
		return resumeParent(ctx, exec, captured, snap, abi.ErrnoSuccess)
	}
}

// proc_exec(path_ptr u32, path_len u32) -> errno
//
// With a vfork pending this completes it: the real child image is
// spawned, the parent environment is restored, and the parent resumes
// with the child pid patched into its stack. Without one, the current
// image is replaced in place.
func (h *Host) procExec(ctx context.Context, mod api.Module, stack []uint64) {
	inst, ok := h.instance(mod)
	if !ok {
		stack[0] = uint64(abi.ErrnoInval)
		return
	}
	if v, resuming := engine.HandleRewind(ctx, inst.Exec); resuming {
		stack[0] = v
		return
	}

	pathPtr := uint32(stack[0])
	pathLen := uint32(stack[1])
	exec := inst.Exec

	raw, ok := exec.Memory().Read(pathPtr, pathLen)
	if !ok {
		stack[0] = uint64(abi.ErrnoFault)
		return
	}
	path := string(raw)

	if h.getSpawner() == nil {
		stack[0] = uint64(abi.ErrnoNoexec)
		return
	}

	var err error
	if inst.VFork != nil {
		err = engine.Unwind(ctx, exec, h.execCompleteVFork(inst, path))
	} else {
		err = engine.Unwind(ctx, exec, h.execReplace(inst, path))
	}
	if err != nil {
		Logger().Warn("proc_exec unwind failed", zap.Error(err))
		stack[0] = uint64(abi.ErrnoInval)
		return
	}
	stack[0] = uint64(abi.ErrnoSuccess)
}

// execCompleteVFork finishes a lazy fork. The captured (child-aliased)
// stack is discarded: the child gets a fresh image and the parent gets
// its stashed continuation back.
func (h *Host) execCompleteVFork(inst *Instance, path string) engine.Continuation {
	return func(ctx context.Context, _ *engine.CapturedStack) engine.Action {
		exec := inst.Exec
		vf := inst.VFork
		inst.VFork = nil
		inst.Proc = vf.Parent
		inst.Thread = vf.Parent.MainThread()

		errno := abi.ErrnoSuccess
		if err := h.getSpawner().SpawnExec(ctx, path, vf.Child); err != nil {
			Logger().Warn("vfork exec failed",
				zap.String("path", path),
				zap.Error(err))
			h.abortChild(vf.Child)
			errno = abi.ErrnoNoexec
		} else {
			var pid [4]byte
			binary.LittleEndian.PutUint32(pid[:], uint32(vf.Child.Pid()))
			if err := engine.PatchCapturedStack(vf.Stack, exec.Layout(), uint64(vf.PidPtr), pid[:]); err != nil {
				Logger().Warn("vfork pid patch failed", zap.Error(err))
				return engine.Action{Kind: engine.ActionExit, Exit: abi.ErrnoMemviolation.ToExitCode()}
			}
		}
		return resumeParent(ctx, exec, vf.Stack, vf.Snapshot, errno)
	}
}

// execReplace swaps the current process image for a fresh one. The old
// execution detaches; the replacement publishes the exit code.
func (h *Host) execReplace(inst *Instance, path string) engine.Continuation {
	return func(ctx context.Context, captured *engine.CapturedStack) engine.Action {
		exec := inst.Exec
		if err := h.getSpawner().SpawnExec(ctx, path, inst.Proc); err != nil {
			Logger().Warn("exec failed",
				zap.String("path", path),
				zap.Error(err))
			return resumeParent(ctx, exec, captured, exec.CaptureSnapshot(), abi.ErrnoNoexec)
		}
		return engine.Action{Kind: engine.ActionDetach}
	}
}

// resumeParent arms an immediate rewind with the staged errno and tells
// the run loop to re-enter.
func resumeParent(ctx context.Context, exec *engine.Execution, stack *engine.CapturedStack, snap *engine.Snapshot, errno abi.Errno) engine.Action {
	if e := engine.Rewind(ctx, exec, stack, snap); e != abi.ErrnoSuccess {
		return engine.Action{Kind: engine.ActionExit, Exit: e.ToExitCode()}
	}
	exec.SetResumeValue(uint64(errno))
	return engine.Action{Kind: engine.ActionInvokeAgain}
}

// abortChild unwinds fork bookkeeping for a child that never ran.
func (h *Host) abortChild(child *proc.Process) {
	child.MainThread().Finish(uint32(abi.ErrnoAgain.ToExitCode()))
	h.tree.Reclaim(child.Pid())
}
