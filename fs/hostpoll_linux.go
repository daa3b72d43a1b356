//go:build linux

package fs

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wippyai/wasix-runtime/abi"
)

// hostPollable probes a real OS descriptor with poll(2).
type hostPollable struct {
	fd     int
	events int16
}

func newHostPollable(fd int, ev abi.Eventtype) Pollable {
	events := int16(unix.POLLIN)
	if ev == abi.EventtypeFdWrite {
		events = unix.POLLOUT
	}
	return &hostPollable{fd: fd, events: events}
}

func (p *hostPollable) Ready() bool {
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: p.events}}
	n, err := unix.Poll(fds, 0)
	if err != nil || n == 0 {
		return false
	}
	return fds[0].Revents&(p.events|unix.POLLHUP|unix.POLLERR) != 0
}

func (p *hostPollable) Block(ctx context.Context) {
	for !p.Ready() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}
