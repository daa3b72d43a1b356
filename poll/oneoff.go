// Package poll implements the poll_oneoff multiplexer: subscription
// validation, fairness rotation, timeout selection and the batch future
// that collects fd readiness.
package poll

import (
	"sync"
	"time"

	"github.com/wippyai/wasix-runtime/abi"
	"github.com/wippyai/wasix-runtime/fs"
)

// MaxSubscriptions caps one poll_oneoff call. Exceeding it is a
// contract breach the syscall layer treats as fatal to the guest.
const MaxSubscriptions = 1024

// Sentinel clock timeout values: 0 requests an infinite wait, 1 a
// non-blocking probe.
const (
	timeoutInfinite abi.Timestamp = 0
	timeoutZero     abi.Timestamp = 1
)

// Multiplexer validates poll_oneoff subscriptions into Batch futures. The
// per-call seed rotates the starting subscription index so a hot early
// subscription cannot starve later ones.
type Multiplexer struct {
	mu   sync.Mutex
	seed uint32
}

func NewMultiplexer() *Multiplexer {
	return &Multiplexer{}
}

func (m *Multiplexer) nextSeed() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seed++
	return m.seed
}

// Prepare validates subs against the descriptor table and builds the
// batch. A non-success errno means the call fails immediately, before any
// suspension: Overflow for too many subscriptions, Inval for an empty
// list or a bad clock, Badf for
// an unknown descriptor, Acces for a descriptor lacking the poll right
// (no readiness guard is constructed for it), Notcapable for a file that
// cannot produce the subscribed event.
func (m *Multiplexer) Prepare(subs []abi.Subscription, files *fs.Table) (*Batch, abi.Errno) {
	if len(subs) == 0 {
		return nil, abi.ErrnoInval
	}
	if len(subs) > MaxSubscriptions {
		return nil, abi.ErrnoOverflow
	}

	b := &Batch{}
	seed := m.nextSeed()
	start := int(seed) % len(subs)

	type clockKey struct {
		id       abi.Clockid
		userdata abi.Userdata
	}
	seenClocks := make(map[clockKey]bool)

	now := time.Now()
	nonBlocking := false
	var earliest time.Duration
	haveDeadline := false
	var deadlineSubs []abi.Subscription

	for i := 0; i < len(subs); i++ {
		sub := subs[(start+i)%len(subs)]

		switch sub.Type {
		case abi.EventtypeClock:
			if sub.Clock != abi.ClockRealtime && sub.Clock != abi.ClockMonotonic {
				return nil, abi.ErrnoInval
			}
			key := clockKey{id: sub.Clock, userdata: sub.Userdata}
			if seenClocks[key] {
				continue
			}
			seenClocks[key] = true

			switch sub.Timeout {
			case timeoutInfinite:
				continue
			case timeoutZero:
				nonBlocking = true
				continue
			}

			d := clockDuration(sub, now)
			switch {
			case !haveDeadline || d < earliest:
				haveDeadline = true
				earliest = d
				deadlineSubs = deadlineSubs[:0]
				deadlineSubs = append(deadlineSubs, sub)
			case d == earliest:
				deadlineSubs = append(deadlineSubs, sub)
			}

		case abi.EventtypeFdRead, abi.EventtypeFdWrite:
			guard, errno := fdGuard(files, sub)
			if errno != abi.ErrnoSuccess {
				return nil, errno
			}
			b.watches = append(b.watches, fdWatch{sub: sub, guard: guard})

		default:
			return nil, abi.ErrnoInval
		}
	}

	for _, sub := range deadlineSubs {
		b.timeoutEvents = append(b.timeoutEvents, abi.Event{
			Userdata: sub.Userdata,
			Errno:    abi.ErrnoSuccess,
			Type:     abi.EventtypeClock,
		})
	}

	if nonBlocking {
		zero := time.Duration(0)
		b.timeout = &zero
	} else if haveDeadline {
		if earliest < 0 {
			earliest = 0
		}
		d := earliest
		b.timeout = &d
	}

	return b, abi.ErrnoSuccess
}

// fdGuard enforces the capability check before any guard exists. Stdio
// descriptors bypass the rights check.
func fdGuard(files *fs.Table, sub abi.Subscription) (fs.Pollable, abi.Errno) {
	entry, ok := files.Get(sub.Fd)
	if !ok {
		if sub.Fd <= 2 {
			return fs.NewReadyPollable(true), abi.ErrnoSuccess
		}
		return nil, abi.ErrnoBadf
	}
	if sub.Fd > 2 && !entry.Rights.Contains(abi.RightsPollFdReadwrite) {
		return nil, abi.ErrnoAcces
	}
	guard := entry.Guard(sub.Type)
	if guard == nil {
		return nil, abi.ErrnoNotcapable
	}
	return guard, abi.ErrnoSuccess
}

func clockDuration(sub abi.Subscription, now time.Time) time.Duration {
	if sub.ClockAbstime && sub.Clock == abi.ClockRealtime {
		return time.Unix(0, int64(sub.Timeout)).Sub(now)
	}
	return time.Duration(sub.Timeout)
}
