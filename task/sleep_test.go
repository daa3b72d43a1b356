package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wippyai/wasix-runtime/abi"
	"github.com/wippyai/wasix-runtime/engine"
	"github.com/wippyai/wasix-runtime/proc"
)

// chanAwaitable resolves when a value arrives on ch.
type chanAwaitable struct {
	ch chan uint64
}

func newChanAwaitable() *chanAwaitable {
	return &chanAwaitable{ch: make(chan uint64, 1)}
}

func (a *chanAwaitable) Await(ctx context.Context) (uint64, abi.Errno) {
	select {
	case v := <-a.ch:
		return v, abi.ErrnoSuccess
	case <-ctx.Done():
		return 0, abi.ErrnoIntr
	}
}

func (a *chanAwaitable) PollOnce() (uint64, bool, abi.Errno) {
	select {
	case v := <-a.ch:
		return v, true, abi.ErrnoSuccess
	default:
		return 0, false, abi.ErrnoSuccess
	}
}

func durationPtr(d time.Duration) *time.Duration { return &d }

func TestAwaitOutcomeResolves(t *testing.T) {
	a := newChanAwaitable()
	a.ch <- 7

	out := AwaitOutcome(context.Background(), Wait{Trigger: a})
	if out.Terminated || out.Errno != abi.ErrnoSuccess || out.Value != 7 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestAwaitOutcomeZeroTimeoutProbesOnce(t *testing.T) {
	a := newChanAwaitable()

	out := AwaitOutcome(context.Background(), Wait{
		Trigger: a,
		Timeout: durationPtr(0),
	})
	if out.Errno != abi.ErrnoSuccess || out.Value != 0 {
		t.Fatalf("empty probe outcome = %+v", out)
	}

	a.ch <- 9
	out = AwaitOutcome(context.Background(), Wait{
		Trigger: a,
		Timeout: durationPtr(0),
	})
	if out.Value != 9 {
		t.Fatalf("ready probe outcome = %+v", out)
	}
}

func TestAwaitOutcomeTimeout(t *testing.T) {
	start := time.Now()
	out := AwaitOutcome(context.Background(), Wait{
		Trigger: Never(),
		Timeout: durationPtr(20 * time.Millisecond),
	})
	if out.Errno != abi.ErrnoTimedout {
		t.Fatalf("outcome = %+v, want timedout", out)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout fired far too late")
	}
}

func TestAwaitOutcomeSignalPreemption(t *testing.T) {
	tree := proc.NewTree()
	p := tree.NewProcess(nil, nil)
	p.Deliver(proc.Sigterm)

	out := AwaitOutcome(context.Background(), Wait{
		Trigger:  Never(),
		Interval: time.Millisecond,
		Process:  p,
	})
	if !out.Terminated || out.Signal != proc.Sigterm {
		t.Fatalf("outcome = %+v, want sigterm termination", out)
	}
}

func TestAwaitOutcomeSignalBeatsCondition(t *testing.T) {
	// A termination signal must pre-empt a condition that resolves later.
	tree := proc.NewTree()
	p := tree.NewProcess(nil, nil)
	p.Deliver(proc.Sigkill)

	a := newChanAwaitable()
	go func() {
		time.Sleep(200 * time.Millisecond)
		a.ch <- 1
	}()

	out := AwaitOutcome(context.Background(), Wait{
		Trigger:  a,
		Interval: time.Millisecond,
		Process:  p,
	})
	if !out.Terminated {
		t.Fatalf("outcome = %+v, want termination", out)
	}
}

func TestManagerSubmit(t *testing.T) {
	m := NewManager(2)
	var ran atomic.Int32

	done := make(chan struct{})
	if err := m.Submit(func() { ran.Add(1); close(done) }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-done

	m.Close()
	if ran.Load() != 1 {
		t.Fatalf("ran = %d", ran.Load())
	}
	if err := m.Submit(func() {}); err == nil {
		t.Fatal("submit after close must fail")
	}
}

func TestResumeAfterPollerStampsOutcome(t *testing.T) {
	m := NewManager(1)
	defer m.Close()

	a := newChanAwaitable()
	spec := &SleepSpec{
		Rewind: &engine.RewindState{Kind: engine.ResumeSleep},
		Wait:   Wait{Trigger: a},
	}

	resumed := make(chan *SleepSpec, 1)
	err := m.ResumeAfterPoller(context.Background(), spec, func(_ context.Context, s *SleepSpec) {
		resumed <- s
	})
	if err != nil {
		t.Fatalf("ResumeAfterPoller: %v", err)
	}

	a.ch <- 5
	select {
	case s := <-resumed:
		if s.Rewind.Result != 5 || s.Rewind.Errno != abi.ErrnoSuccess {
			t.Fatalf("rewind = %+v", s.Rewind)
		}
	case <-time.After(time.Second):
		t.Fatal("respawn never ran")
	}
}

func TestResumeAfterPollerTermination(t *testing.T) {
	m := NewManager(1)
	defer m.Close()

	tree := proc.NewTree()
	p := tree.NewProcess(nil, nil)
	th := p.MainThread()

	spec := &SleepSpec{
		Rewind:  &engine.RewindState{Kind: engine.ResumeSleep},
		Wait:    Wait{Trigger: Never(), Interval: time.Millisecond, Process: p},
		Process: p,
		Thread:  th,
	}

	err := m.ResumeAfterPoller(context.Background(), spec, func(context.Context, *SleepSpec) {
		t.Error("guest must not resume after a termination signal")
	})
	if err != nil {
		t.Fatalf("ResumeAfterPoller: %v", err)
	}
	if th.State() != proc.ThreadSuspended {
		t.Fatalf("thread state = %v, want suspended", th.State())
	}

	p.Deliver(proc.Sigterm)
	code, err := p.Status().Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if code != proc.Sigterm.ExitCode() {
		t.Fatalf("exit code = %d, want %d", code, proc.Sigterm.ExitCode())
	}
	if th.State() != proc.ThreadFinished {
		t.Fatalf("thread state = %v", th.State())
	}
}

func TestResumeAfterPollerRejectsMissingRewind(t *testing.T) {
	m := NewManager(1)
	defer m.Close()

	if err := m.ResumeAfterPoller(context.Background(), nil, func(context.Context, *SleepSpec) {}); err == nil {
		t.Fatal("nil spec must be rejected")
	}
	if err := m.ResumeAfterPoller(context.Background(), &SleepSpec{}, func(context.Context, *SleepSpec) {}); err == nil {
		t.Fatal("missing rewind state must be rejected")
	}
}

// Parked waits must not occupy pool workers: on a single-worker pool,
// two concurrent timed waits resolve in one wait's duration, not two.
func TestSuspendedGuestsDoNotHoldWorkers(t *testing.T) {
	m := NewManager(1)
	defer m.Close()

	const d = 150 * time.Millisecond
	resumed := make(chan struct{}, 2)
	start := time.Now()

	for i := 0; i < 2; i++ {
		spec := &SleepSpec{
			Rewind: &engine.RewindState{Kind: engine.ResumeSleep},
			Wait:   Wait{Trigger: Never(), Timeout: durationPtr(d)},
		}
		err := m.ResumeAfterPoller(context.Background(), spec, func(context.Context, *SleepSpec) {
			resumed <- struct{}{}
		})
		if err != nil {
			t.Fatalf("ResumeAfterPoller: %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case <-resumed:
		case <-time.After(2 * time.Second):
			t.Fatal("parked wait never resolved")
		}
	}
	if elapsed := time.Since(start); elapsed >= 2*d {
		t.Fatalf("waits serialized: elapsed = %v", elapsed)
	}
}

// The pool stays available for new work while guests are suspended.
func TestPoolAvailableWhileSuspended(t *testing.T) {
	m := NewManager(1)
	defer m.Close()

	a := newChanAwaitable()
	spec := &SleepSpec{
		Rewind: &engine.RewindState{Kind: engine.ResumeSleep},
		Wait:   Wait{Trigger: a},
	}
	resumed := make(chan struct{}, 1)
	err := m.ResumeAfterPoller(context.Background(), spec, func(context.Context, *SleepSpec) {
		resumed <- struct{}{}
	})
	if err != nil {
		t.Fatalf("ResumeAfterPoller: %v", err)
	}

	ran := make(chan struct{})
	if err := m.Submit(func() { close(ran) }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker held by a suspended guest")
	}

	a.ch <- 1
	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("respawn never ran")
	}
}
