package engine

import (
	"bytes"
	"context"
	"testing"

	"github.com/wippyai/wasix-runtime/internal/wasmtest"
)

func newTestAsyncify(t *testing.T) (*Asyncify, *wasmtest.Module) {
	t.Helper()
	mod := wasmtest.NewModule(testMemSize)
	a := NewAsyncify()
	if err := a.Init(mod); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return a, mod
}

func TestAsyncifyInitWritesRegion(t *testing.T) {
	a, mod := newTestAsyncify(t)

	ptr, _ := mod.Mem.ReadUint32Le(a.DataAddr())
	end, _ := mod.Mem.ReadUint32Le(a.DataAddr() + 4)
	if ptr != a.DataAddr()+8 {
		t.Fatalf("stack pointer = %d", ptr)
	}
	if end != a.DataAddr()+8+a.StackSize() {
		t.Fatalf("stack end = %d", end)
	}
}

func TestAsyncifyInitRequiresExports(t *testing.T) {
	mod := wasmtest.NewModule(testMemSize)
	delete(mod.Funcs, "asyncify_get_state")

	if err := NewAsyncify().Init(mod); err == nil {
		t.Fatal("Init must fail without asyncify exports")
	}
}

func TestAsyncifyStateTransitions(t *testing.T) {
	a, _ := newTestAsyncify(t)
	ctx := context.Background()

	if !a.IsNormal() {
		t.Fatal("fresh asyncify must be normal")
	}

	if err := a.StartUnwind(ctx); err != nil {
		t.Fatalf("StartUnwind: %v", err)
	}
	if !a.IsUnwinding() || a.IsNormal() || a.IsRewinding() {
		t.Fatal("expected unwinding")
	}

	if err := a.StopUnwind(ctx); err != nil {
		t.Fatalf("StopUnwind: %v", err)
	}
	if !a.IsNormal() {
		t.Fatal("expected normal after stop unwind")
	}

	if err := a.StartRewind(ctx); err != nil {
		t.Fatalf("StartRewind: %v", err)
	}
	if !a.IsRewinding() {
		t.Fatal("expected rewinding")
	}

	if err := a.StopRewind(ctx); err != nil {
		t.Fatalf("StopRewind: %v", err)
	}
	if !a.IsNormal() {
		t.Fatal("expected normal after stop rewind")
	}
}

func TestRewindBufferRoundTrip(t *testing.T) {
	a, mod := newTestAsyncify(t)

	data := []byte{0xde, 0xad, 0xbe, 0xef, 0x01}
	start := a.DataAddr() + 8
	if !mod.Mem.Write(start, data) {
		t.Fatal("write data")
	}
	if !mod.Mem.WriteUint32Le(a.DataAddr(), start+uint32(len(data))) {
		t.Fatal("write pointer")
	}

	got, err := a.rewindBuffer()
	if err != nil {
		t.Fatalf("rewindBuffer: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("buffer = %x", got)
	}

	a.ResetStack()
	empty, err := a.rewindBuffer()
	if err != nil {
		t.Fatalf("rewindBuffer after reset: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("buffer after reset = %x", empty)
	}

	if err := a.writeRewindBuffer(data); err != nil {
		t.Fatalf("writeRewindBuffer: %v", err)
	}
	again, err := a.rewindBuffer()
	if err != nil {
		t.Fatalf("rewindBuffer after restore: %v", err)
	}
	if !bytes.Equal(again, data) {
		t.Fatalf("restored buffer = %x", again)
	}
}

func TestRewindBufferOverflow(t *testing.T) {
	a, mod := newTestAsyncify(t)

	end := a.DataAddr() + 8 + a.StackSize()
	if !mod.Mem.WriteUint32Le(a.DataAddr(), end+1) {
		t.Fatal("write pointer")
	}
	if _, err := a.rewindBuffer(); err == nil {
		t.Fatal("expected overflow error")
	}
}

func TestWriteRewindBufferTooLarge(t *testing.T) {
	a, _ := newTestAsyncify(t)
	a.SetStackSize(8)

	if err := a.writeRewindBuffer(make([]byte, 9)); err == nil {
		t.Fatal("expected size error")
	}
}
