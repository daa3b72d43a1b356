package fs

import (
	"bytes"
	"io"
	"sync"

	"github.com/wippyai/wasix-runtime/abi"
)

// Pipe returns the two ends of an in-memory byte pipe. The read end is
// poll-ready when data is buffered or the write end closed; the write end
// is always poll-ready while open.
func Pipe() (*PipeReader, *PipeWriter) {
	p := &pipe{
		readReady:  NewReadyPollable(false),
		writeReady: NewReadyPollable(true),
	}
	return &PipeReader{p: p}, &PipeWriter{p: p}
}

type pipe struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	closed     bool
	readReady  *ReadyPollable
	writeReady *ReadyPollable
}

// PipeReader is the read end of a Pipe.
type PipeReader struct{ p *pipe }

// PipeWriter is the write end of a Pipe.
type PipeWriter struct{ p *pipe }

func (r *PipeReader) Read(b []byte) (int, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	if r.p.buf.Len() == 0 {
		if r.p.closed {
			return 0, io.EOF
		}
		return 0, nil
	}
	n, _ := r.p.buf.Read(b)
	if r.p.buf.Len() == 0 && !r.p.closed {
		r.p.readReady.SetReady(false)
	}
	return n, nil
}

func (r *PipeReader) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func (r *PipeReader) Close() error {
	r.p.close()
	return nil
}

func (r *PipeReader) Guard(ev abi.Eventtype) Pollable {
	if ev != abi.EventtypeFdRead {
		return nil
	}
	return r.p.readReady
}

func (w *PipeWriter) Read([]byte) (int, error) { return 0, io.EOF }

func (w *PipeWriter) Write(b []byte) (int, error) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	if w.p.closed {
		return 0, io.ErrClosedPipe
	}
	n, _ := w.p.buf.Write(b)
	if n > 0 {
		w.p.readReady.SetReady(true)
	}
	return n, nil
}

func (w *PipeWriter) Close() error {
	w.p.close()
	return nil
}

func (w *PipeWriter) Guard(ev abi.Eventtype) Pollable {
	if ev != abi.EventtypeFdWrite {
		return nil
	}
	return w.p.writeReady
}

func (p *pipe) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	// EOF counts as read readiness.
	p.readReady.SetReady(true)
}
