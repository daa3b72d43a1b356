package errors

import (
	"errors"
	"strings"
	"testing"
)

func containsSubstring(s, sub string) bool {
	return strings.Contains(s, sub)
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseRewind,
				Kind:   KindMemViolation,
				Path:   []string{"memory_stack"},
				Detail: "restore target outside layout",
			},
			contains: []string{"[rewind]", "mem_violation", "memory_stack", "restore target outside layout"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhasePoll,
				Kind:  KindAccessDenied,
			},
			contains: []string{"[poll]", "access_denied"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseFork,
				Kind:   KindSpawnFailed,
				Detail: "task manager rejected spawn",
				Cause:  errors.New("pool closed"),
			},
			contains: []string{"[fork]", "spawn_failed", "caused by", "pool closed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !containsSubstring(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseSched,
		Kind:  KindInvalidState,
		Cause: cause,
	}

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}
	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}
}

func TestError_Is(t *testing.T) {
	err := &Error{
		Phase: PhasePoll,
		Kind:  KindAccessDenied,
		Path:  []string{"fd"},
	}

	if !err.Is(&Error{Phase: PhasePoll, Kind: KindAccessDenied}) {
		t.Error("Is should match same phase and kind")
	}
	if err.Is(&Error{Phase: PhaseFork, Kind: KindAccessDenied}) {
		t.Error("Is should not match different phase")
	}
	if err.Is(&Error{Phase: PhasePoll, Kind: KindInvalidArgument}) {
		t.Error("Is should not match different kind")
	}

	target := &Error{Phase: PhasePoll, Kind: KindAccessDenied}
	if !errors.Is(err, target) {
		t.Error("errors.Is should match")
	}
}

func TestError_Fatal(t *testing.T) {
	fatal := []*Error{
		StackOverflow(512, 256),
		MemViolation(PhaseFork, "pid slot outside stack"),
		WidthMismatch("wasm32", "wasm64"),
		Exhausted(PhasePoll, "too many subscriptions"),
	}
	for _, err := range fatal {
		if !err.Fatal() {
			t.Errorf("%v should be fatal", err.Kind)
		}
	}

	recoverable := []*Error{
		AccessDenied(PhasePoll, "fd 4"),
		InvalidArgument(PhasePoll, "bad clock id"),
		SpawnFailed(PhaseFork, errors.New("pool closed")),
	}
	for _, err := range recoverable {
		if err.Fatal() {
			t.Errorf("%v should not be fatal", err.Kind)
		}
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseRewind, KindWidthMismatch).
		Path("rewind_state").
		Value(8).
		Cause(cause).
		Detail("expected %s, got %s", "wasm32", "wasm64").
		Build()

	if err.Phase != PhaseRewind {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseRewind)
	}
	if err.Kind != KindWidthMismatch {
		t.Errorf("Kind = %v, want %v", err.Kind, KindWidthMismatch)
	}
	if len(err.Path) != 1 || err.Path[0] != "rewind_state" {
		t.Errorf("Path = %v, want [rewind_state]", err.Path)
	}
	if err.Value != 8 {
		t.Errorf("Value = %v, want 8", err.Value)
	}
	if !errors.Is(err.Cause, cause) {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != "expected wasm32, got wasm64" {
		t.Errorf("Detail = %v", err.Detail)
	}
}

func TestConvenienceConstructors(t *testing.T) {
	t.Run("AccessDenied", func(t *testing.T) {
		err := AccessDenied(PhasePoll, "fd 4 lacks poll right")
		if err.Kind != KindAccessDenied {
			t.Errorf("Kind = %v, want %v", err.Kind, KindAccessDenied)
		}
	})

	t.Run("StackOverflow", func(t *testing.T) {
		err := StackOverflow(2048, 1024)
		if err.Kind != KindStackOverflow {
			t.Errorf("Kind = %v, want %v", err.Kind, KindStackOverflow)
		}
		if !containsSubstring(err.Detail, "2048") {
			t.Errorf("Detail = %v, should contain used bytes", err.Detail)
		}
	})

	t.Run("WidthMismatch", func(t *testing.T) {
		err := WidthMismatch("wasm32", "wasm64")
		if err.Phase != PhaseRewind {
			t.Errorf("Phase = %v, want %v", err.Phase, PhaseRewind)
		}
		if !containsSubstring(err.Detail, "wasm64") {
			t.Errorf("Detail = %v", err.Detail)
		}
	})

	t.Run("SpawnFailed", func(t *testing.T) {
		cause := errors.New("no workers")
		err := SpawnFailed(PhaseFork, cause)
		if !errors.Is(err, &Error{Phase: PhaseFork, Kind: KindSpawnFailed}) {
			t.Error("errors.Is should match spawn failure")
		}
		if !errors.Is(err, cause) {
			t.Error("cause should unwrap")
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		err := NotFound(PhaseExec, "binary", "/bin/sh")
		if !containsSubstring(err.Detail, "/bin/sh") {
			t.Errorf("Detail = %v", err.Detail)
		}
	})

	t.Run("Wrap", func(t *testing.T) {
		cause := errors.New("io failure")
		err := Wrap(PhaseFs, KindInvalidData, cause, "read fd table")
		if err.Cause != cause {
			t.Error("cause not preserved")
		}
	})
}
