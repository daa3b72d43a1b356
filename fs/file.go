package fs

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/wippyai/wasix-runtime/abi"
)

// Pollable is a readiness guard over one event source. Ready never blocks;
// Block waits until ready or ctx is done.
type Pollable interface {
	Ready() bool
	Block(ctx context.Context)
}

// File is an open file description. Guard returns a readiness guard for
// the event type, or nil when the file cannot produce that event.
type File interface {
	io.Reader
	io.Writer
	io.Closer
	Guard(ev abi.Eventtype) Pollable
}

// ReadyPollable is a manually armed guard.
type ReadyPollable struct {
	mu    sync.Mutex
	ready bool
	ch    chan struct{}
}

func NewReadyPollable(ready bool) *ReadyPollable {
	return &ReadyPollable{ready: ready, ch: make(chan struct{})}
}

func (p *ReadyPollable) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// SetReady arms the guard and wakes blocked waiters.
func (p *ReadyPollable) SetReady(r bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r && !p.ready {
		close(p.ch)
	}
	if !r && p.ready {
		p.ch = make(chan struct{})
	}
	p.ready = r
}

func (p *ReadyPollable) Block(ctx context.Context) {
	p.mu.Lock()
	ch := p.ch
	ready := p.ready
	p.mu.Unlock()
	if ready {
		return
	}
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

// TimerPollable becomes ready at a deadline.
type TimerPollable struct {
	deadline time.Time
}

func NewTimerPollable(deadline time.Time) *TimerPollable {
	return &TimerPollable{deadline: deadline}
}

func (p *TimerPollable) Ready() bool {
	return !time.Now().Before(p.deadline)
}

func (p *TimerPollable) Block(ctx context.Context) {
	d := time.Until(p.deadline)
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// neverPollable is a guard that is never ready.
type neverPollable struct{}

func (neverPollable) Ready() bool               { return false }
func (neverPollable) Block(ctx context.Context) { <-ctx.Done() }

// NeverReady returns a guard that only a timeout or signal can preempt.
func NeverReady() Pollable { return neverPollable{} }

// streamFile adapts a plain reader/writer pair (console stdio) into a File.
// Writes are always ready; reads are conservatively ready as well since a
// console read cannot be probed portably.
type streamFile struct {
	r io.Reader
	w io.Writer
}

// NewStreamFile wraps r and w into a File. Either side may be nil.
func NewStreamFile(r io.Reader, w io.Writer) File {
	return &streamFile{r: r, w: w}
}

func (f *streamFile) Read(p []byte) (int, error) {
	if f.r == nil {
		return 0, io.EOF
	}
	return f.r.Read(p)
}

func (f *streamFile) Write(p []byte) (int, error) {
	if f.w == nil {
		return 0, io.ErrClosedPipe
	}
	return f.w.Write(p)
}

func (f *streamFile) Close() error { return nil }

func (f *streamFile) Guard(ev abi.Eventtype) Pollable {
	switch ev {
	case abi.EventtypeFdRead:
		if f.r == nil {
			return nil
		}
	case abi.EventtypeFdWrite:
		if f.w == nil {
			return nil
		}
	default:
		return nil
	}
	return NewReadyPollable(true)
}
