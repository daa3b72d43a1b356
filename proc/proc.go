// Package proc models the emulated process/thread tree: pid allocation,
// parent/child links, shared exit cells and signal delivery.
package proc

import (
	"context"
	"sync"

	"github.com/wippyai/wasix-runtime/abi"
	"github.com/wippyai/wasix-runtime/errors"
	"github.com/wippyai/wasix-runtime/fs"
)

// Signal is a delivered process signal number.
type Signal uint8

const (
	Sighup  Signal = 1
	Sigint  Signal = 2
	Sigquit Signal = 3
	Sigkill Signal = 9
	Sigterm Signal = 15
	Sigchld Signal = 17
)

func (s Signal) String() string {
	switch s {
	case Sighup:
		return "SIGHUP"
	case Sigint:
		return "SIGINT"
	case Sigquit:
		return "SIGQUIT"
	case Sigkill:
		return "SIGKILL"
	case Sigterm:
		return "SIGTERM"
	case Sigchld:
		return "SIGCHLD"
	}
	return "SIG?"
}

// Terminates reports whether default disposition of s ends the process.
func (s Signal) Terminates() bool {
	switch s {
	case Sighup, Sigint, Sigquit, Sigkill, Sigterm:
		return true
	}
	return false
}

// ExitCode returns the conventional 128+signal exit code.
func (s Signal) ExitCode() uint32 { return 128 + uint32(s) }

// TaskStatus is a process's exit cell. The running side publishes exactly
// one exit code; any number of observers wait or poll for it, and the cell
// keeps the value after the process is gone so a parent can still read it.
type TaskStatus struct {
	mu   sync.Mutex
	done chan struct{}
	code uint32
	set  bool
}

func NewTaskStatus() *TaskStatus {
	return &TaskStatus{done: make(chan struct{})}
}

// Finish publishes the exit code. Only the first call wins.
func (s *TaskStatus) Finish(code uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		return false
	}
	s.set = true
	s.code = code
	close(s.done)
	return true
}

// Poll returns the exit code without blocking.
func (s *TaskStatus) Poll() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, s.set
}

// Wait blocks until the exit code is published or ctx is done.
func (s *TaskStatus) Wait(ctx context.Context) (uint32, error) {
	select {
	case <-s.done:
		code, _ := s.Poll()
		return code, nil
	case <-ctx.Done():
		return 0, errors.Wrap(errors.PhaseRuntime, errors.KindCanceled, ctx.Err(), "wait for exit")
	}
}

// Done exposes the completion channel for select loops.
func (s *TaskStatus) Done() <-chan struct{} { return s.done }

// ThreadState describes a thread's lifecycle position.
type ThreadState int

const (
	ThreadRunning ThreadState = iota
	ThreadSuspended
	ThreadFinished
)

func (s ThreadState) String() string {
	switch s {
	case ThreadRunning:
		return "running"
	case ThreadSuspended:
		return "suspended"
	case ThreadFinished:
		return "finished"
	}
	return "unknown"
}

// Thread is one guest thread. It points back at its process but does not
// own it.
type Thread struct {
	tid  abi.Tid
	proc *Process

	mu    sync.Mutex
	state ThreadState
	exit  uint32
}

func (t *Thread) Tid() abi.Tid      { return t.tid }
func (t *Thread) Process() *Process { return t.proc }

func (t *Thread) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetSuspended flips between running and suspended. Finished is sticky.
func (t *Thread) SetSuspended(suspended bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == ThreadFinished {
		return
	}
	if suspended {
		t.state = ThreadSuspended
	} else {
		t.state = ThreadRunning
	}
}

// Finish marks the thread done with an exit code and, when it is the main
// thread, publishes the code to the process exit cell.
func (t *Thread) Finish(code uint32) {
	t.mu.Lock()
	if t.state == ThreadFinished {
		t.mu.Unlock()
		return
	}
	t.state = ThreadFinished
	t.exit = code
	main := t.tid == t.proc.mainTid
	t.mu.Unlock()

	if main {
		t.proc.Status().Finish(code)
	}
}

// Process is one emulated process.
type Process struct {
	pid     abi.Pid
	parent  abi.Pid
	mainTid abi.Tid
	status  *TaskStatus

	mu       sync.Mutex
	children []*Process
	threads  map[abi.Tid]*Thread
	nextTid  abi.Tid
	files    *fs.Table
	signals  chan Signal
}

func (p *Process) Pid() abi.Pid        { return p.pid }
func (p *Process) Parent() abi.Pid     { return p.parent }
func (p *Process) Status() *TaskStatus { return p.status }

// Files returns the descriptor table currently attached to the process.
func (p *Process) Files() *fs.Table {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.files
}

// SetFiles swaps the descriptor table. Fork attaches the derived copy
// here once the child exists.
func (p *Process) SetFiles(t *fs.Table) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files = t
}

// MainThread returns the process's first thread.
func (p *Process) MainThread() *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threads[p.mainTid]
}

// NewThread adds a thread to the process.
func (p *Process) NewThread() *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := &Thread{tid: p.nextTid, proc: p, state: ThreadRunning}
	p.threads[t.tid] = t
	p.nextTid++
	return t
}

// Threads returns a snapshot of the process's threads.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		out = append(out, t)
	}
	return out
}

// Children returns a snapshot of the process's children.
func (p *Process) Children() []*Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Process, len(p.children))
	copy(out, p.children)
	return out
}

func (p *Process) addChild(c *Process) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.children = append(p.children, c)
}

// Deliver queues a signal for the process. Delivery never blocks; a full
// queue drops the signal, except that a termination signal then resolves
// the exit cell directly so a stuck process still dies.
func (p *Process) Deliver(s Signal) {
	select {
	case p.signals <- s:
	default:
		if s.Terminates() {
			p.status.Finish(s.ExitCode())
		}
	}
}

// Signals exposes the pending-signal channel for scheduler polls.
func (p *Process) Signals() <-chan Signal { return p.signals }

// PendingTermination drains pending signals and reports the first
// terminating one, without blocking.
func (p *Process) PendingTermination() (Signal, bool) {
	for {
		select {
		case s := <-p.signals:
			if s.Terminates() {
				return s, true
			}
		default:
			return 0, false
		}
	}
}

// Tree allocates pids and tracks live processes.
type Tree struct {
	mu      sync.Mutex
	procs   map[abi.Pid]*Process
	nextPid abi.Pid
}

func NewTree() *Tree {
	return &Tree{
		procs:   make(map[abi.Pid]*Process),
		nextPid: 1,
	}
}

// NewProcess creates a process, links it under parent when parent is
// non-nil, and gives it a main thread. A nil files table gets a fresh one.
func (t *Tree) NewProcess(parent *Process, files *fs.Table) *Process {
	if files == nil {
		files = fs.NewTable()
	}

	t.mu.Lock()
	p := &Process{
		pid:     t.nextPid,
		mainTid: 1,
		status:  NewTaskStatus(),
		threads: make(map[abi.Tid]*Thread),
		nextTid: 1,
		files:   files,
		signals: make(chan Signal, 32),
	}
	t.nextPid++
	t.procs[p.pid] = p
	t.mu.Unlock()

	if parent != nil {
		p.parent = parent.pid
		parent.addChild(p)
	}
	p.NewThread()
	return p
}

// Lookup finds a live process by pid.
func (t *Tree) Lookup(pid abi.Pid) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	return p, ok
}

// Reclaim removes an exited process from the tree. The exit cell stays
// valid for observers holding it; reclaiming a process that has not
// exited is refused.
func (t *Tree) Reclaim(pid abi.Pid) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	if !ok {
		return false
	}
	if _, exited := p.status.Poll(); !exited {
		return false
	}
	delete(t.procs, pid)
	return true
}

// Processes returns a snapshot of the live processes.
func (t *Tree) Processes() []*Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Process, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p)
	}
	return out
}
