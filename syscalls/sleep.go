package syscalls

import (
	"context"
	"runtime"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasix-runtime/abi"
	"github.com/wippyai/wasix-runtime/engine"
	"github.com/wippyai/wasix-runtime/task"
)

// SleepPollInterval is how often a sleeping guest's wait re-checks
// pending signals.
const SleepPollInterval = 50 * time.Millisecond

// thread_sleep(duration u64) -> errno
//
// A zero duration yields the host scheduler without suspending. Anything
// else parks the guest on an infinite trigger and lets the timeout and
// signal machinery do the waking.
func (h *Host) threadSleep(ctx context.Context, mod api.Module, stack []uint64) {
	inst, ok := h.instance(mod)
	if !ok {
		stack[0] = uint64(abi.ErrnoInval)
		return
	}
	if v, resuming := engine.HandleRewind(ctx, inst.Exec); resuming {
		stack[0] = v
		return
	}

	duration := time.Duration(stack[0])
	if duration == 0 {
		runtime.Gosched()
		stack[0] = uint64(abi.ErrnoSuccess)
		return
	}

	exec := inst.Exec
	err := engine.Unwind(ctx, exec, func(ctx context.Context, captured *engine.CapturedStack) engine.Action {
		timeout := duration
		return engine.Action{Kind: engine.ActionDeepSleep, Deep: &engine.DeepSleep{
			Rewind: &engine.RewindState{
				Kind:     engine.ResumeSleep,
				Stack:    captured,
				Snapshot: exec.CaptureSnapshot(),
				Width:    exec.Width(),
			},
			Trigger:      task.Never(),
			OnResult:     sleepResult,
			Timeout:      &timeout,
			PollInterval: SleepPollInterval,
		}}
	})
	if err != nil {
		Logger().Warn("thread_sleep unwind failed", zap.Error(err))
		stack[0] = uint64(abi.ErrnoInval)
		return
	}
	stack[0] = uint64(abi.ErrnoSuccess)
}

// sleepResult maps the wait outcome onto the syscall's return value:
// deadline expiry is the normal wake for a sleep.
func sleepResult(_ *engine.Execution, _ uint64, errno abi.Errno) abi.Errno {
	if errno == abi.ErrnoTimedout {
		return abi.ErrnoSuccess
	}
	return errno
}
