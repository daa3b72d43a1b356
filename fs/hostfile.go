package fs

import (
	"os"

	"github.com/wippyai/wasix-runtime/abi"
)

// HostFile backs a table entry with a real OS file. Readiness guards probe
// the OS descriptor directly.
type HostFile struct {
	f *os.File
}

func NewHostFile(f *os.File) *HostFile {
	return &HostFile{f: f}
}

func (h *HostFile) Read(b []byte) (int, error)  { return h.f.Read(b) }
func (h *HostFile) Write(b []byte) (int, error) { return h.f.Write(b) }
func (h *HostFile) Close() error                { return h.f.Close() }

func (h *HostFile) Guard(ev abi.Eventtype) Pollable {
	if ev != abi.EventtypeFdRead && ev != abi.EventtypeFdWrite {
		return nil
	}
	return newHostPollable(int(h.f.Fd()), ev)
}
