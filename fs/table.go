package fs

import (
	"io"
	"sync"

	"github.com/wippyai/wasix-runtime/abi"
)

// Entry is one slot in the descriptor table.
type Entry struct {
	Fd     abi.Fd
	File   File
	Rights abi.Rights
}

// Guard returns the entry's readiness guard for ev.
func (e *Entry) Guard(ev abi.Eventtype) Pollable {
	if e.File == nil {
		return nil
	}
	return e.File.Guard(ev)
}

// Table maps descriptors to entries. A parent and its forking child share
// one table by reference until the fork completes; Derive cuts the child
// loose with its own copy.
type Table struct {
	mu      sync.RWMutex
	entries map[abi.Fd]*Entry
	nextFd  abi.Fd
	closed  bool
}

func NewTable() *Table {
	return &Table{
		entries: make(map[abi.Fd]*Entry),
		nextFd:  3,
	}
}

// NewStdioTable builds a table with descriptors 0, 1 and 2 preopened over
// the given streams.
func NewStdioTable(stdin io.Reader, stdout, stderr io.Writer) *Table {
	t := NewTable()
	t.set(0, NewStreamFile(stdin, nil), abi.RightsFdRead|abi.RightsPollFdReadwrite)
	t.set(1, NewStreamFile(nil, stdout), abi.RightsFdWrite|abi.RightsPollFdReadwrite)
	t.set(2, NewStreamFile(nil, stderr), abi.RightsFdWrite|abi.RightsPollFdReadwrite)
	return t
}

func (t *Table) set(fd abi.Fd, f File, rights abi.Rights) {
	t.entries[fd] = &Entry{Fd: fd, File: f, Rights: rights}
}

// Insert adds a file and returns its descriptor, or false when the table
// is closed.
func (t *Table) Insert(f File, rights abi.Rights) (abi.Fd, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, false
	}
	fd := t.nextFd
	t.nextFd++
	t.set(fd, f, rights)
	return fd, true
}

// Get retrieves an entry by descriptor.
func (t *Table) Get(fd abi.Fd) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[fd]
	return e, ok
}

// Remove drops a descriptor and closes its file.
func (t *Table) Remove(fd abi.Fd) bool {
	t.mu.Lock()
	e, ok := t.entries[fd]
	if ok {
		delete(t.entries, fd)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if e.File != nil {
		e.File.Close()
	}
	return true
}

// Len returns the number of open descriptors.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Derive returns an independent copy for a forked child. Entries share the
// underlying open file descriptions, matching fork dup semantics, but the
// child's table mutates independently afterwards.
func (t *Table) Derive() *Table {
	t.mu.RLock()
	defer t.mu.RUnlock()
	child := &Table{
		entries: make(map[abi.Fd]*Entry, len(t.entries)),
		nextFd:  t.nextFd,
	}
	for fd, e := range t.entries {
		child.entries[fd] = &Entry{Fd: fd, File: e.File, Rights: e.Rights}
	}
	return child
}

// Close drops every descriptor and stops accepting inserts.
func (t *Table) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	entries := t.entries
	t.entries = make(map[abi.Fd]*Entry)
	t.mu.Unlock()

	for _, e := range entries {
		if e.File != nil {
			e.File.Close()
		}
	}
}
