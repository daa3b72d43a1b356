package poll

import (
	"context"
	"sync"
	"time"

	"github.com/willf/bitset"

	"github.com/wippyai/wasix-runtime/abi"
	"github.com/wippyai/wasix-runtime/fs"
)

// probeInterval is the cadence at which a blocking Await re-probes the
// guards.
const probeInterval = 10 * time.Millisecond

type fdWatch struct {
	sub   abi.Subscription
	guard fs.Pollable
}

// Batch is the future over one poll_oneoff call. Each probe collects all
// currently ready descriptors, so events accumulate in the order
// readiness was observed, not subscription order. The batch resolves when
// at least one descriptor is ready; a pure-clock batch never resolves
// through the guards and relies on the scheduler timeout.
type Batch struct {
	watches       []fdWatch
	timeout       *time.Duration
	timeoutEvents []abi.Event

	mu     sync.Mutex
	ready  bitset.BitSet
	events []abi.Event
}

// Timeout is the wait bound the scheduler should apply: nil waits
// forever, zero probes once, positive sets the earliest clock deadline.
func (b *Batch) Timeout() *time.Duration { return b.timeout }

// PollOnce probes every guard and reports whether the batch resolved.
// The value is the number of collected events.
func (b *Batch) PollOnce() (uint64, bool, abi.Errno) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, w := range b.watches {
		if b.ready.Test(uint(i)) {
			continue
		}
		if !w.guard.Ready() {
			continue
		}
		b.ready.Set(uint(i))
		b.events = append(b.events, abi.Event{
			Userdata: w.sub.Userdata,
			Errno:    abi.ErrnoSuccess,
			Type:     w.sub.Type,
		})
	}

	n := uint64(len(b.events))
	return n, n > 0, abi.ErrnoSuccess
}

// Await blocks until at least one descriptor is ready or ctx is done.
func (b *Batch) Await(ctx context.Context) (uint64, abi.Errno) {
	tick := time.NewTicker(probeInterval)
	defer tick.Stop()
	for {
		if n, ready, _ := b.PollOnce(); ready {
			return n, abi.ErrnoSuccess
		}
		select {
		case <-ctx.Done():
			return 0, abi.ErrnoIntr
		case <-tick.C:
		}
	}
}

// Events returns the collected fd events in readiness order.
func (b *Batch) Events() []abi.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]abi.Event, len(b.events))
	copy(out, b.events)
	return out
}

// TimeoutEvents returns the synthesized clock events for the remembered
// earliest-deadline subscriptions.
func (b *Batch) TimeoutEvents() []abi.Event {
	out := make([]abi.Event, len(b.timeoutEvents))
	copy(out, b.timeoutEvents)
	return out
}
