package task

import (
	"context"
	"time"

	"github.com/wippyai/wasix-runtime/abi"
	"github.com/wippyai/wasix-runtime/engine"
	"github.com/wippyai/wasix-runtime/proc"
)

// DefaultPollInterval is how often a parked wait re-checks pending
// signals.
const DefaultPollInterval = 50 * time.Millisecond

// Awaitable is one awaited condition: Await blocks until it resolves or
// ctx is done, PollOnce probes it without blocking.
type Awaitable = engine.Trigger

// Wait configures one suspension wait.
type Wait struct {
	// Trigger is the awaited condition.
	Trigger Awaitable
	// Timeout bounds the wait: nil waits forever, zero makes exactly one
	// non-blocking probe, positive sets a deadline whose expiry resolves
	// the wait as Timedout rather than cancelling it.
	Timeout *time.Duration
	// Interval is the signal re-check period; zero means
	// DefaultPollInterval.
	Interval time.Duration
	// Process supplies pending signals; nil disables signal preemption.
	Process *proc.Process
}

// Outcome is what a resolved wait hands back to the resume path.
type Outcome struct {
	Value      uint64
	Errno      abi.Errno
	Terminated bool
	Signal     proc.Signal
}

type awaitResult struct {
	value uint64
	errno abi.Errno
}

// AwaitOutcome runs one wait to resolution. A termination signal
// delivered while suspended pre-empts the awaited condition.
func AwaitOutcome(ctx context.Context, w Wait) Outcome {
	if w.Trigger == nil {
		w.Trigger = Never()
	}

	// Zero timeout: one probe, resume immediately with the partial result.
	if w.Timeout != nil && *w.Timeout == 0 {
		value, _, errno := w.Trigger.PollOnce()
		return Outcome{Value: value, Errno: errno}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resCh := make(chan awaitResult, 1)
	go func() {
		v, e := w.Trigger.Await(ctx)
		resCh <- awaitResult{value: v, errno: e}
	}()

	var deadline <-chan time.Time
	if w.Timeout != nil {
		t := time.NewTimer(*w.Timeout)
		defer t.Stop()
		deadline = t.C
	}

	interval := w.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case r := <-resCh:
			return Outcome{Value: r.value, Errno: r.errno}
		case <-deadline:
			cancel()
			return Outcome{Errno: abi.ErrnoTimedout}
		case <-tick.C:
			if w.Process == nil {
				continue
			}
			if sig, ok := w.Process.PendingTermination(); ok {
				cancel()
				return Outcome{Terminated: true, Signal: sig}
			}
		case <-ctx.Done():
			return Outcome{Errno: abi.ErrnoIntr}
		}
	}
}

// neverAwaitable resolves only through timeout or signal preemption.
type neverAwaitable struct{}

func (neverAwaitable) Await(ctx context.Context) (uint64, abi.Errno) {
	<-ctx.Done()
	return 0, abi.ErrnoIntr
}

func (neverAwaitable) PollOnce() (uint64, bool, abi.Errno) {
	return 0, false, abi.ErrnoSuccess
}

// Never returns the awaitable thread_sleep parks on: the timeout and
// signal machinery do all the waking.
func Never() Awaitable { return neverAwaitable{} }
