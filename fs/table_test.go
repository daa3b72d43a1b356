package fs

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/wippyai/wasix-runtime/abi"
)

func TestTableInsertGetRemove(t *testing.T) {
	tbl := NewTable()
	r, _ := Pipe()

	fd, ok := tbl.Insert(r, abi.FileRights)
	if !ok {
		t.Fatal("insert failed")
	}
	if fd != 3 {
		t.Fatalf("first fd = %d, want 3", fd)
	}

	e, ok := tbl.Get(fd)
	if !ok || e.File != r {
		t.Fatal("get returned wrong entry")
	}
	if !e.Rights.Contains(abi.RightsPollFdReadwrite) {
		t.Fatal("file rights must include poll")
	}

	if !tbl.Remove(fd) {
		t.Fatal("remove failed")
	}
	if _, ok := tbl.Get(fd); ok {
		t.Fatal("entry survived remove")
	}
	if tbl.Remove(fd) {
		t.Fatal("double remove must fail")
	}
}

func TestStdioTable(t *testing.T) {
	var out bytes.Buffer
	tbl := NewStdioTable(strings.NewReader("in"), &out, io.Discard)

	for fd := abi.Fd(0); fd < 3; fd++ {
		e, ok := tbl.Get(fd)
		if !ok {
			t.Fatalf("stdio fd %d missing", fd)
		}
		if !e.Rights.Contains(abi.RightsPollFdReadwrite) {
			t.Fatalf("stdio fd %d lacks poll right", fd)
		}
	}

	stdout, _ := tbl.Get(1)
	if _, err := stdout.File.Write([]byte("x")); err != nil {
		t.Fatalf("stdout write: %v", err)
	}
	if out.String() != "x" {
		t.Fatalf("stdout = %q", out.String())
	}
}

func TestDeriveIsIndependent(t *testing.T) {
	parent := NewTable()
	r, _ := Pipe()
	fd, _ := parent.Insert(r, abi.FileRights)

	child := parent.Derive()
	if _, ok := child.Get(fd); !ok {
		t.Fatal("derived table missing inherited fd")
	}

	// Child mutations must not leak into the parent.
	child.Remove(fd)
	if _, ok := parent.Get(fd); !ok {
		t.Fatal("child remove reached the parent")
	}

	// New descriptors on either side stay independent.
	r2, _ := Pipe()
	childFd, _ := child.Insert(r2, abi.FileRights)
	if _, ok := parent.Get(childFd); ok {
		t.Fatal("child insert reached the parent")
	}
}

func TestTableCloseDropsEverything(t *testing.T) {
	tbl := NewTable()
	r, w := Pipe()
	tbl.Insert(r, abi.FileRights)

	tbl.Close()
	if tbl.Len() != 0 {
		t.Fatalf("len after close = %d", tbl.Len())
	}
	if _, ok := tbl.Insert(w, abi.FileRights); ok {
		t.Fatal("insert after close must fail")
	}
	if _, err := w.Write([]byte("x")); err == nil {
		t.Fatal("write to closed pipe must fail")
	}
}

func TestPipeReadiness(t *testing.T) {
	r, w := Pipe()

	rd := r.Guard(abi.EventtypeFdRead)
	if rd.Ready() {
		t.Fatal("empty pipe must not be read-ready")
	}
	if !w.Guard(abi.EventtypeFdWrite).Ready() {
		t.Fatal("open pipe must be write-ready")
	}

	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !rd.Ready() {
		t.Fatal("pipe with data must be read-ready")
	}

	buf := make([]byte, 16)
	n, err := r.Read(buf)
	if err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("read = %q, %v", buf[:n], err)
	}
	if rd.Ready() {
		t.Fatal("drained pipe must not be read-ready")
	}

	// EOF counts as readiness.
	w.Close()
	if !rd.Ready() {
		t.Fatal("closed pipe must be read-ready")
	}
	if _, err := r.Read(buf); err != io.EOF {
		t.Fatalf("read after close = %v, want EOF", err)
	}
}

func TestPipeCrossEndGuards(t *testing.T) {
	r, w := Pipe()
	if r.Guard(abi.EventtypeFdWrite) != nil {
		t.Fatal("read end must not offer a write guard")
	}
	if w.Guard(abi.EventtypeFdRead) != nil {
		t.Fatal("write end must not offer a read guard")
	}
	if r.Guard(abi.EventtypeClock) != nil {
		t.Fatal("clock guard on a pipe")
	}
}

func TestReadyPollableBlock(t *testing.T) {
	p := NewReadyPollable(false)

	done := make(chan struct{})
	go func() {
		p.Block(context.Background())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Block returned before SetReady")
	case <-time.After(10 * time.Millisecond):
	}

	p.SetReady(true)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Block did not wake on SetReady")
	}
}

func TestTimerPollable(t *testing.T) {
	past := NewTimerPollable(time.Now().Add(-time.Second))
	if !past.Ready() {
		t.Fatal("past deadline must be ready")
	}
	future := NewTimerPollable(time.Now().Add(time.Hour))
	if future.Ready() {
		t.Fatal("future deadline must not be ready")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	future.Block(ctx)
	if time.Since(start) > time.Second {
		t.Fatal("Block ignored context cancellation")
	}
}
