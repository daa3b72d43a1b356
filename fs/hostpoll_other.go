//go:build !linux

package fs

import (
	"github.com/wippyai/wasix-runtime/abi"
)

// Host descriptors cannot be probed portably without a poller thread;
// report ready and let the read/write call sort it out.
func newHostPollable(fd int, ev abi.Eventtype) Pollable {
	return NewReadyPollable(true)
}
