package abi

import "fmt"

// Errno is the WASI preview1 error code enumeration returned by every
// syscall. Syscalls never trap on recoverable failures; they return one of
// these values instead.
type Errno uint16

const (
	ErrnoSuccess  Errno = 0
	Errno2big     Errno = 1
	ErrnoAcces    Errno = 2
	ErrnoAgain    Errno = 6
	ErrnoBadf     Errno = 8
	ErrnoBusy     Errno = 10
	ErrnoCanceled Errno = 11
	ErrnoChild    Errno = 12
	ErrnoFault    Errno = 21
	ErrnoIntr     Errno = 27
	ErrnoInval    Errno = 28
	ErrnoIo       Errno = 29
	ErrnoMfile    Errno = 33
	ErrnoNoent    Errno = 44
	ErrnoNoexec   Errno = 45
	ErrnoNomem    Errno = 48
	ErrnoNosys    Errno = 52
	ErrnoNotsup   Errno = 58
	ErrnoOverflow Errno = 61
	ErrnoPerm     Errno = 63
	ErrnoTimedout Errno = 73

	// ErrnoNotcapable and ErrnoMemviolation are WASIX extensions: the
	// former reports a missing capability, the latter a memory-safety
	// violation that terminates the process.
	ErrnoNotcapable   Errno = 76
	ErrnoMemviolation Errno = 77
)

var errnoNames = map[Errno]string{
	ErrnoSuccess:      "success",
	Errno2big:         "2big",
	ErrnoAcces:        "access",
	ErrnoAgain:        "again",
	ErrnoBadf:         "badf",
	ErrnoBusy:         "busy",
	ErrnoCanceled:     "canceled",
	ErrnoChild:        "child",
	ErrnoFault:        "fault",
	ErrnoIntr:         "intr",
	ErrnoInval:        "inval",
	ErrnoIo:           "io",
	ErrnoMfile:        "mfile",
	ErrnoNoent:        "noent",
	ErrnoNoexec:       "noexec",
	ErrnoNomem:        "nomem",
	ErrnoNosys:        "nosys",
	ErrnoNotsup:       "notsup",
	ErrnoOverflow:     "overflow",
	ErrnoPerm:         "perm",
	ErrnoTimedout:     "timedout",
	ErrnoNotcapable:   "notcapable",
	ErrnoMemviolation: "memviolation",
}

func (e Errno) String() string {
	if name, ok := errnoNames[e]; ok {
		return name
	}
	return fmt.Sprintf("errno(%d)", uint16(e))
}

// ExitCode is the process exit code observed by a parent. Errno values map
// onto exit codes directly: a process killed by errno e exits with code e.
type ExitCode uint32

// IsSuccess reports whether the exit code represents a clean exit.
func (c ExitCode) IsSuccess() bool { return c == 0 }

// ToExitCode converts an errno into the exit code a terminated process
// publishes.
func (e Errno) ToExitCode() ExitCode { return ExitCode(e) }
