// Package task schedules suspended guest computations: waits run on
// their own lightweight goroutines, and respawn closures re-enter the
// guest on the bounded worker pool when a wait resolves. No pool worker
// is held per suspended guest.
package task

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasix-runtime/abi"
	"github.com/wippyai/wasix-runtime/engine"
	"github.com/wippyai/wasix-runtime/errors"
	"github.com/wippyai/wasix-runtime/proc"
)

const DefaultWorkers = 8

// Manager runs scheduler work on a bounded pool.
type Manager struct {
	queue chan func()
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewManager(workers int) *Manager {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	m := &Manager{
		queue: make(chan func(), workers*4),
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for fn := range m.queue {
		fn()
	}
}

// Submit queues fn on the pool. The read lock is held across the send so
// Close cannot close the queue under an in-flight Submit.
func (m *Manager) Submit(fn func()) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.InvalidState(errors.PhaseSched, "manager closed")
	}
	m.queue <- fn
	return nil
}

// SpawnGuestTask runs a guest main loop on the pool.
func (m *Manager) SpawnGuestTask(ctx context.Context, fn func(ctx context.Context)) error {
	return m.Submit(func() { fn(ctx) })
}

// ResumeAfterPoller parks spec's wait. The wait itself runs on a
// dedicated goroutine so suspended guests never occupy pool workers;
// only the respawn, which re-enters the guest, goes through the pool.
// When the awaited condition (or its timeout) resolves, the outcome is
// stamped onto the rewind state and respawn re-enters the guest. A
// termination signal observed while suspended wins instead: the thread
// and exit cell are resolved with that signal's exit code and the guest
// never resumes.
func (m *Manager) ResumeAfterPoller(ctx context.Context, spec *SleepSpec, respawn Respawn) error {
	if spec == nil || spec.Rewind == nil {
		return errors.InvalidArgument(errors.PhaseSched, "sleep spec missing rewind state")
	}
	if spec.Thread != nil {
		spec.Thread.SetSuspended(true)
	}

	go func() {
		out := AwaitOutcome(ctx, spec.Wait)

		if out.Terminated {
			Logger().Debug("suspended task terminated by signal",
				zap.String("signal", out.Signal.String()),
				zap.String("kind", spec.Rewind.Kind.String()))
			if spec.Thread != nil {
				spec.Thread.Finish(out.Signal.ExitCode())
			}
			if spec.Process != nil {
				spec.Process.Status().Finish(out.Signal.ExitCode())
			}
			return
		}

		if spec.Thread != nil {
			spec.Thread.SetSuspended(false)
		}
		spec.Rewind.Result = out.Value
		spec.Rewind.Errno = out.Errno

		if err := m.Submit(func() { respawn(ctx, spec) }); err != nil {
			// Manager shut down while the guest was parked; resolve the
			// cell so observers do not hang on a guest that cannot resume.
			Logger().Warn("respawn dropped, manager closed",
				zap.String("kind", spec.Rewind.Kind.String()))
			code := uint32(abi.ErrnoIntr.ToExitCode())
			if spec.Thread != nil {
				spec.Thread.Finish(code)
			}
			if spec.Process != nil {
				spec.Process.Status().Finish(code)
			}
		}
	}()
	return nil
}

// Close stops the pool after draining queued work.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.queue)
	m.wg.Wait()
}

// Respawn re-enters a guest whose wait resolved.
type Respawn func(ctx context.Context, spec *SleepSpec)

// SleepSpec is one parked suspension: the captured rewind state, the wait
// that wakes it, and the bookkeeping handles. OnResult runs inside the
// respawn after the stacks are restored but before the guest re-enters,
// so outputs land in guest memory before the guest observes anything.
type SleepSpec struct {
	Rewind   *engine.RewindState
	OnResult engine.ResultFn
	Wait     Wait
	Process  *proc.Process
	Thread   *proc.Thread
}
