package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in the process layer the error occurred
type Phase string

const (
	PhaseCapture Phase = "capture" // stack unwind / snapshot capture
	PhaseRewind  Phase = "rewind"  // stack restore / resume
	PhaseSched   Phase = "sched"   // deep-sleep scheduling
	PhasePoll    Phase = "poll"    // poll multiplexer
	PhaseFork    Phase = "fork"    // process fork
	PhaseExec    Phase = "exec"    // spawn / exec run loop
	PhaseFs      Phase = "fs"      // fd table collaborator
	PhaseRuntime Phase = "runtime" // runtime operations
)

// Kind categorizes the error
type Kind string

const (
	KindAccessDenied    Kind = "access_denied"
	KindInvalidArgument Kind = "invalid_argument"
	KindInvalidState    Kind = "invalid_state"
	KindWidthMismatch   Kind = "width_mismatch"
	KindStackOverflow   Kind = "stack_overflow"
	KindMemViolation    Kind = "mem_violation"
	KindSpawnFailed     Kind = "spawn_failed"
	KindNotFound        Kind = "not_found"
	KindNotInitialized  Kind = "not_initialized"
	KindInvalidData     Kind = "invalid_data"
	KindExhausted       Kind = "exhausted"
	KindCanceled        Kind = "canceled"
	KindTimedOut        Kind = "timed_out"
)

// Error is the structured error type used throughout the process layer
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Fatal reports whether this error must terminate the owning guest process
// rather than surface as an errno. Capture overflow and memory-safety
// violations can never be returned to guest code; continuing would corrupt
// state.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindStackOverflow, KindMemViolation, KindWidthMismatch, KindExhausted:
		return true
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the field path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// AccessDenied creates a missing-capability error
func AccessDenied(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAccessDenied,
		Detail: what,
	}
}

// InvalidArgument creates a protocol/ABI error
func InvalidArgument(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidArgument,
		Detail: detail,
	}
}

// InvalidState creates an invalid-state error
func InvalidState(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidState,
		Detail: detail,
	}
}

// WidthMismatch reports an unwind/rewind pointer-width disagreement.
// Always fatal.
func WidthMismatch(recorded, requested string) *Error {
	return &Error{
		Phase:  PhaseRewind,
		Kind:   KindWidthMismatch,
		Detail: fmt.Sprintf("stack captured as %s, rewind requested %s", recorded, requested),
	}
}

// StackOverflow reports a capture that exceeded the bounded working buffer.
// Always fatal.
func StackOverflow(used, limit uint32) *Error {
	return &Error{
		Phase:  PhaseCapture,
		Kind:   KindStackOverflow,
		Detail: fmt.Sprintf("unwind buffer overflow (%d of %d bytes)", used, limit),
	}
}

// MemViolation reports a write target outside the valid guest region.
// Always fatal.
func MemViolation(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindMemViolation,
		Detail: detail,
	}
}

// SpawnFailed reports a task-manager spawn rejection. Surfaced to the guest
// as a normal error return, never fatal to the caller's continuation.
func SpawnFailed(phase Phase, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindSpawnFailed,
		Detail: "task manager rejected spawn",
		Cause:  cause,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// NotInitialized creates a not-initialized error for a missing collaborator
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
	}
}

// Exhausted creates a resource-exhaustion error. Always fatal.
func Exhausted(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindExhausted,
		Detail: detail,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
