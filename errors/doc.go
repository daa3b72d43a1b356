// Package errors provides structured error types for the wasix-runtime
// process layer.
//
// Errors are categorized by Phase (where the error occurred) and Kind
// (error category). Fatal kinds (stack overflow, memory violation, width
// mismatch, exhaustion) terminate the affected guest process; everything
// else is converted to an errno at the syscall boundary.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseRewind, errors.KindMemViolation).
//		Detail("stack restore target 0x%x outside layout", off).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.AccessDenied(errors.PhasePoll, "fd 4 lacks poll right")
//	err := errors.WidthMismatch("wasm32", "wasm64")
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
