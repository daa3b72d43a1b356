package syscalls

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/wasix-runtime/abi"
	"github.com/wippyai/wasix-runtime/engine"
	"github.com/wippyai/wasix-runtime/poll"
)

// poll_oneoff(in u32, out u32, nsubscriptions u32, nevents u32) -> errno
//
// Subscriptions are validated before any capture; validation failures
// return immediately, except a subscription count above the multiplexer
// cap, which terminates the guest. The suspension parks on the batch
// future and the completed wait's events are written into guest memory
// before the guest resumes, nevents last.
func (h *Host) pollOneoff(ctx context.Context, mod api.Module, stack []uint64) {
	inst, ok := h.instance(mod)
	if !ok {
		stack[0] = uint64(abi.ErrnoInval)
		return
	}
	if v, resuming := engine.HandleRewind(ctx, inst.Exec); resuming {
		stack[0] = v
		return
	}

	inPtr := uint32(stack[0])
	outPtr := uint32(stack[1])
	nsubs := uint32(stack[2])
	neventsPtr := uint32(stack[3])

	if nsubs > poll.MaxSubscriptions {
		code := uint32(abi.ErrnoOverflow.ToExitCode())
		Logger().Warn("poll_oneoff subscription cap breached, terminating guest",
			zap.Uint32("nsubscriptions", nsubs),
			zap.Int("cap", poll.MaxSubscriptions))
		if inst.Thread != nil {
			inst.Thread.Finish(code)
		}
		_ = mod.CloseWithExitCode(ctx, code)
		panic(sys.NewExitError(code))
	}

	exec := inst.Exec
	subs, errno := abi.ReadSubscriptions(exec.Memory(), inPtr, nsubs)
	if errno != abi.ErrnoSuccess {
		stack[0] = uint64(errno)
		return
	}
	batch, errno := h.mux.Prepare(subs, inst.Proc.Files())
	if errno != abi.ErrnoSuccess {
		stack[0] = uint64(errno)
		return
	}

	onResult := func(exec *engine.Execution, _ uint64, errno abi.Errno) abi.Errno {
		var events []abi.Event
		switch errno {
		case abi.ErrnoSuccess:
			events = batch.Events()
		case abi.ErrnoTimedout:
			events = batch.TimeoutEvents()
		case abi.ErrnoIntr:
			// Interrupted with nothing ready: an empty list, not an error.
			events = nil
		default:
			return errno
		}
		if e := abi.WriteEvents(exec.Memory(), outPtr, events); e != abi.ErrnoSuccess {
			return e
		}
		if !exec.Width().WritePtr(exec.Memory(), neventsPtr, uint64(len(events))) {
			return abi.ErrnoFault
		}
		return abi.ErrnoSuccess
	}

	err := engine.Unwind(ctx, exec, func(ctx context.Context, captured *engine.CapturedStack) engine.Action {
		return engine.Action{Kind: engine.ActionDeepSleep, Deep: &engine.DeepSleep{
			Rewind: &engine.RewindState{
				Kind:     engine.ResumePoll,
				Stack:    captured,
				Snapshot: exec.CaptureSnapshot(),
				Width:    exec.Width(),
			},
			Trigger:      batch,
			OnResult:     onResult,
			Timeout:      batch.Timeout(),
			PollInterval: SleepPollInterval,
		}}
	})
	if err != nil {
		Logger().Warn("poll_oneoff unwind failed", zap.Error(err))
		stack[0] = uint64(abi.ErrnoInval)
		return
	}
	stack[0] = uint64(abi.ErrnoSuccess)
}
