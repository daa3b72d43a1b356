package abi

// Fd is a guest file descriptor number.
type Fd uint32

// Reserved stdio descriptors. These bypass the fd-table rights check in
// poll_oneoff, matching the reference behavior.
const (
	FdStdin  Fd = 0
	FdStdout Fd = 1
	FdStderr Fd = 2
)

// Pid identifies a process. Pids are unique for the lifetime of the
// supervisor and never reused while any observer holds the exit cell.
type Pid uint32

// Tid identifies a thread within the supervisor. The main thread of a
// process shares its numeric value with the pid.
type Tid uint32

// Timestamp is a count of nanoseconds, either absolute (realtime clock) or
// relative (timeouts).
type Timestamp uint64

// Userdata is the opaque guest tag echoed back on every triggered event.
type Userdata uint64

// Clockid enumerates the preview1 clocks. Only Realtime and Monotonic are
// pollable.
type Clockid uint32

const (
	ClockRealtime   Clockid = 0
	ClockMonotonic  Clockid = 1
	ClockProcessCPU Clockid = 2
	ClockThreadCPU  Clockid = 3
)

// Eventtype tags a subscription/event union.
type Eventtype uint8

const (
	EventtypeClock   Eventtype = 0
	EventtypeFdRead  Eventtype = 1
	EventtypeFdWrite Eventtype = 2
)

func (t Eventtype) String() string {
	switch t {
	case EventtypeClock:
		return "clock"
	case EventtypeFdRead:
		return "fd_read"
	case EventtypeFdWrite:
		return "fd_write"
	}
	return "unknown"
}

// Bool is the ABI boolean used by WASIX syscalls that take flag arguments.
type Bool uint32

const (
	False Bool = 0
	True  Bool = 1
)
