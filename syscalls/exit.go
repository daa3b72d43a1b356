package syscalls

import (
	"context"
	"encoding/binary"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/wasix-runtime/abi"
	"github.com/wippyai/wasix-runtime/engine"
)

// proc_exit(code u32)
//
// Publishes the exit code to the thread and the process exit cell, then
// raises the exit trap the run loop catches. With a vfork pending the
// exiting image is the child aliasing the parent's execution, so instead
// of trapping, the child's cell is resolved and the parent resumes from
// its stashed continuation with the child pid.
func (h *Host) procExit(ctx context.Context, mod api.Module, stack []uint64) {
	code := uint32(stack[0])
	inst, ok := h.instance(mod)

	if ok && inst.VFork != nil {
		err := engine.Unwind(ctx, inst.Exec, h.exitCompleteVFork(inst, code))
		if err == nil {
			return
		}
		Logger().Warn("vfork exit unwind failed", zap.Error(err))
	}

	if ok && inst.Thread != nil {
		inst.Thread.Finish(code)
	}
	_ = mod.CloseWithExitCode(ctx, code)
	panic(sys.NewExitError(code))
}

// exitCompleteVFork finishes a lazy fork whose child exited without
// exec: the child's cell takes the exit code, the parent environment is
// restored and the parent resumes with the child pid patched in.
func (h *Host) exitCompleteVFork(inst *Instance, code uint32) engine.Continuation {
	return func(ctx context.Context, _ *engine.CapturedStack) engine.Action {
		exec := inst.Exec
		vf := inst.VFork
		inst.VFork = nil
		inst.Proc = vf.Parent
		inst.Thread = vf.Parent.MainThread()

		vf.Child.MainThread().Finish(code)

		var pid [4]byte
		binary.LittleEndian.PutUint32(pid[:], uint32(vf.Child.Pid()))
		if err := engine.PatchCapturedStack(vf.Stack, exec.Layout(), uint64(vf.PidPtr), pid[:]); err != nil {
			Logger().Warn("vfork exit pid patch failed", zap.Error(err))
			return engine.Action{Kind: engine.ActionExit, Exit: abi.ErrnoMemviolation.ToExitCode()}
		}
		return resumeParent(ctx, exec, vf.Stack, vf.Snapshot, abi.ErrnoSuccess)
	}
}
