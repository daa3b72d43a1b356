package runtime

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/wasix-runtime/abi"
	"github.com/wippyai/wasix-runtime/engine"
	"github.com/wippyai/wasix-runtime/errors"
	"github.com/wippyai/wasix-runtime/proc"
	"github.com/wippyai/wasix-runtime/syscalls"
	"github.com/wippyai/wasix-runtime/task"
)

const wasmPageSize = 65536

// trapExitCode is published when a guest dies from a wasm trap rather
// than an explicit exit.
const trapExitCode uint32 = 128

// SpawnFork builds a copy-mode fork child: a second instance of the
// parent's binary whose linear memory starts as a copy of the parent's
// and whose first entry call rewinds the captured state.
func (rt *Runtime) SpawnFork(ctx context.Context, parent *syscalls.Instance, child *proc.Process, rewind *engine.RewindState) error {
	src, ok := rt.sourceOf(parent)
	if !ok {
		return errors.InvalidState(errors.PhaseFork, "unknown parent instance")
	}

	mem := parent.Exec.Memory()
	view, ok := mem.Read(0, mem.Size())
	if !ok {
		return errors.MemViolation(errors.PhaseFork, "read parent memory")
	}
	image := make([]byte, len(view))
	copy(image, view)

	return rt.start(ctx, src.module, src.binary, child, rewind, image)
}

// SpawnExec starts a fresh image for p from a cached binary.
func (rt *Runtime) SpawnExec(ctx context.Context, path string, p *proc.Process) error {
	compiled, ok := rt.cache.Load(path)
	if !ok {
		return errors.NotFound(errors.PhaseExec, "binary", path)
	}
	return rt.start(ctx, compiled, path, p, nil, nil)
}

// start instantiates compiled for p and hands the run loop to the
// scheduler. A non-nil resume makes the first entry call a rewind; a
// non-nil image seeds linear memory (fork's copy-from-parent).
func (rt *Runtime) start(ctx context.Context, compiled wazero.CompiledModule, binary string, p *proc.Process, resume *engine.RewindState, image []byte) error {
	modCfg := wazero.NewModuleConfig().
		WithName(rt.moduleName(binary, p.Pid())).
		WithStartFunctions()
	if len(rt.cfg.Args) > 0 {
		modCfg = modCfg.WithArgs(rt.cfg.Args...)
	}
	for _, kv := range rt.cfg.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			modCfg = modCfg.WithEnv(k, v)
		}
	}
	mod, err := rt.wazero.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return errors.SpawnFailed(errors.PhaseExec, err)
	}

	if image != nil {
		if err := copyImage(mod.Memory(), image); err != nil {
			mod.Close(ctx)
			return err
		}
	}

	if resume == nil {
		if init := mod.ExportedFunction("_initialize"); init != nil {
			if _, err := init.Call(ctx); err != nil {
				mod.Close(ctx)
				return errors.SpawnFailed(errors.PhaseExec, err)
			}
		}
	}

	exec, err := engine.NewExecution(mod, &engine.ExecutionConfig{
		Width:           rt.cfg.Width,
		SnapshotGlobals: rt.cfg.SnapshotGlobals,
	})
	if err != nil {
		mod.Close(ctx)
		return err
	}

	inst := &syscalls.Instance{Exec: exec, Proc: p, Thread: p.MainThread()}
	rt.host.Bind(mod, inst)
	rt.rememberSource(inst, instanceSource{module: compiled, binary: binary})

	// A termination signal can resolve the process while it is parked,
	// in which case the run loop never regains control.
	go func() {
		<-p.Status().Done()
		rt.cleanup(context.Background(), inst)
	}()

	err = rt.manager.SpawnGuestTask(ctx, func(ctx context.Context) {
		if resume != nil {
			if errno := engine.Rewind(ctx, exec, resume.Stack, resume.Snapshot); errno != abi.ErrnoSuccess {
				Logger().Warn("initial rewind failed",
					zap.Uint32("pid", uint32(p.Pid())),
					zap.Uint32("errno", uint32(errno)))
				rt.finishExit(ctx, inst, uint32(errno.ToExitCode()))
				return
			}
			exec.SetResumeValue(uint64(resume.Errno))
		}
		rt.runLoop(ctx, inst)
	})
	if err != nil {
		rt.cleanup(ctx, inst)
		return err
	}

	Logger().Debug("guest started",
		zap.Uint32("pid", uint32(p.Pid())),
		zap.String("binary", binary),
		zap.Bool("resuming", resume != nil))
	return nil
}

// runLoop re-invokes the entry export until the guest exits, detaches,
// or parks on a deep sleep.
func (rt *Runtime) runLoop(ctx context.Context, inst *syscalls.Instance) {
	exec := inst.Exec
	for {
		_, err := exec.Entry().Call(ctx)
		if err != nil {
			var exitErr *sys.ExitError
			if stderrors.As(err, &exitErr) {
				rt.finishExit(ctx, inst, exitErr.ExitCode())
				return
			}
			Logger().Warn("guest trapped",
				zap.Uint32("pid", uint32(inst.Proc.Pid())),
				zap.Error(err))
			rt.finishExit(ctx, inst, trapExitCode)
			return
		}

		if !exec.Asyncify().IsUnwinding() {
			// Entry returned normally.
			rt.finishExit(ctx, inst, 0)
			return
		}

		action, err := exec.FinishUnwind(ctx)
		if err != nil {
			Logger().Warn("unwind capture failed",
				zap.Uint32("pid", uint32(inst.Proc.Pid())),
				zap.Error(err))
			rt.finishExit(ctx, inst, uint32(abi.ErrnoMemviolation.ToExitCode()))
			return
		}

		switch action.Kind {
		case engine.ActionInvokeAgain:
			continue
		case engine.ActionExit:
			rt.finishExit(ctx, inst, uint32(action.Exit))
			return
		case engine.ActionDetach:
			rt.detach(ctx, inst)
			return
		case engine.ActionDeepSleep:
			rt.park(ctx, inst, action.Deep)
			return
		}
	}
}

// park hands a captured suspension to the scheduler. The run loop ends
// here; the respawn closure starts a fresh one when the wait resolves.
func (rt *Runtime) park(ctx context.Context, inst *syscalls.Instance, deep *engine.DeepSleep) {
	spec := &task.SleepSpec{
		Rewind:   deep.Rewind,
		OnResult: deep.OnResult,
		Wait: task.Wait{
			Trigger:  deep.Trigger,
			Timeout:  deep.Timeout,
			Interval: deep.PollInterval,
			Process:  inst.Proc,
		},
		Process: inst.Proc,
		Thread:  inst.Thread,
	}
	if err := rt.manager.ResumeAfterPoller(ctx, spec, rt.respawn(inst)); err != nil {
		Logger().Warn("park failed",
			zap.Uint32("pid", uint32(inst.Proc.Pid())),
			zap.Error(err))
		rt.finishExit(ctx, inst, uint32(abi.ErrnoIntr.ToExitCode()))
	}
}

// respawn restores the captured state, runs the result writer over the
// restored memory, stages the syscall's return value and re-enters the
// run loop.
func (rt *Runtime) respawn(inst *syscalls.Instance) task.Respawn {
	return func(ctx context.Context, spec *task.SleepSpec) {
		exec := inst.Exec
		rw := spec.Rewind
		if errno := engine.Rewind(ctx, exec, rw.Stack, rw.Snapshot); errno != abi.ErrnoSuccess {
			Logger().Warn("rewind failed",
				zap.Uint32("pid", uint32(inst.Proc.Pid())),
				zap.String("kind", rw.Kind.String()),
				zap.Uint32("errno", uint32(errno)))
			rt.finishExit(ctx, inst, uint32(errno.ToExitCode()))
			return
		}

		ret := rw.Errno
		if spec.OnResult != nil {
			ret = spec.OnResult(exec, rw.Result, rw.Errno)
		}
		exec.SetResumeValue(uint64(ret))
		rt.runLoop(ctx, inst)
	}
}

// finishExit publishes code and tears the instance down.
func (rt *Runtime) finishExit(ctx context.Context, inst *syscalls.Instance, code uint32) {
	inst.Thread.Finish(code)
	rt.cleanup(ctx, inst)
}

// detach tears the instance down without touching the exit cell; the
// replacement image publishes it.
func (rt *Runtime) detach(ctx context.Context, inst *syscalls.Instance) {
	Logger().Debug("execution detached", zap.Uint32("pid", uint32(inst.Proc.Pid())))
	rt.cleanup(ctx, inst)
}

// cleanup unbinds and closes the instance's module. Safe to call more
// than once; only the first call acts.
func (rt *Runtime) cleanup(ctx context.Context, inst *syscalls.Instance) {
	if _, ok := rt.takeSource(inst); !ok {
		return
	}
	mod := inst.Exec.Module()
	rt.host.Unbind(mod)
	mod.Close(ctx)
}

func copyImage(dst api.Memory, image []byte) error {
	need := uint32(len(image))
	if size := dst.Size(); size < need {
		pages := (need - size + wasmPageSize - 1) / wasmPageSize
		if _, ok := dst.Grow(pages); !ok {
			return errors.MemViolation(errors.PhaseFork, "grow child memory")
		}
	}
	if len(image) > 0 && !dst.Write(0, image) {
		return errors.MemViolation(errors.PhaseFork, "copy parent memory")
	}
	return nil
}
