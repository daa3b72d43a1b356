// Package wasmtest provides in-memory fakes of the wazero api surface used
// by the process layer's tests. The fakes model just enough of a module
// instance (linear memory, exported functions and globals, close state) to
// exercise capture, rewind and the syscall handlers without loading wasm.
package wasmtest

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/tetratelabs/wazero/api"
)

// Memory is a fixed-size in-memory api.Memory. The embedded interface is
// nil and exists to satisfy wazero's unexported marker method; every
// method the process layer touches is overridden below, and calling an
// unimplemented one panics.
type Memory struct {
	api.Memory

	data []byte
}

// NewMemory allocates a fake linear memory of size bytes.
func NewMemory(size uint32) *Memory {
	return &Memory{data: make([]byte, size)}
}

func (m *Memory) Definition() api.MemoryDefinition { return nil }
func (m *Memory) Size() uint32                     { return uint32(len(m.data)) }

func (m *Memory) Grow(deltaPages uint32) (uint32, bool) {
	prev := uint32(len(m.data)) / 65536
	m.data = append(m.data, make([]byte, deltaPages*65536)...)
	return prev, true
}

func (m *Memory) ok(offset, n uint32) bool {
	return uint64(offset)+uint64(n) <= uint64(len(m.data))
}

func (m *Memory) ReadByte(offset uint32) (byte, bool) {
	if !m.ok(offset, 1) {
		return 0, false
	}
	return m.data[offset], true
}

func (m *Memory) ReadUint16Le(offset uint32) (uint16, bool) {
	if !m.ok(offset, 2) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(m.data[offset:]), true
}

func (m *Memory) ReadUint32Le(offset uint32) (uint32, bool) {
	if !m.ok(offset, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.data[offset:]), true
}

func (m *Memory) ReadFloat32Le(offset uint32) (float32, bool) {
	v, ok := m.ReadUint32Le(offset)
	return math.Float32frombits(v), ok
}

func (m *Memory) ReadUint64Le(offset uint32) (uint64, bool) {
	if !m.ok(offset, 8) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.data[offset:]), true
}

func (m *Memory) ReadFloat64Le(offset uint32) (float64, bool) {
	v, ok := m.ReadUint64Le(offset)
	return math.Float64frombits(v), ok
}

func (m *Memory) Read(offset, byteCount uint32) ([]byte, bool) {
	if !m.ok(offset, byteCount) {
		return nil, false
	}
	return m.data[offset : offset+byteCount : offset+byteCount], true
}

func (m *Memory) WriteByte(offset uint32, v byte) bool {
	if !m.ok(offset, 1) {
		return false
	}
	m.data[offset] = v
	return true
}

func (m *Memory) WriteUint16Le(offset uint32, v uint16) bool {
	if !m.ok(offset, 2) {
		return false
	}
	binary.LittleEndian.PutUint16(m.data[offset:], v)
	return true
}

func (m *Memory) WriteUint32Le(offset uint32, v uint32) bool {
	if !m.ok(offset, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(m.data[offset:], v)
	return true
}

func (m *Memory) WriteFloat32Le(offset uint32, v float32) bool {
	return m.WriteUint32Le(offset, math.Float32bits(v))
}

func (m *Memory) WriteUint64Le(offset uint32, v uint64) bool {
	if !m.ok(offset, 8) {
		return false
	}
	binary.LittleEndian.PutUint64(m.data[offset:], v)
	return true
}

func (m *Memory) WriteFloat64Le(offset uint32, v float64) bool {
	return m.WriteUint64Le(offset, math.Float64bits(v))
}

func (m *Memory) Write(offset uint32, v []byte) bool {
	if !m.ok(offset, uint32(len(v))) {
		return false
	}
	copy(m.data[offset:], v)
	return true
}

func (m *Memory) WriteString(offset uint32, v string) bool {
	return m.Write(offset, []byte(v))
}

// Global is a fake mutable exported global.
type Global struct {
	api.MutableGlobal

	Value uint64
}

func (g *Global) String() string      { return fmt.Sprintf("global(%d)", g.Value) }
func (g *Global) Type() api.ValueType { return api.ValueTypeI64 }
func (g *Global) Get() uint64         { return g.Value }
func (g *Global) Set(v uint64)        { g.Value = v }

// Function is a fake exported function backed by a Go closure.
type Function struct {
	api.Function

	Fn func(ctx context.Context, params []uint64) ([]uint64, error)
}

func (f *Function) Definition() api.FunctionDefinition { return nil }

func (f *Function) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	if f.Fn == nil {
		return []uint64{0}, nil
	}
	return f.Fn(ctx, params)
}

func (f *Function) CallWithStack(ctx context.Context, stack []uint64) error {
	results, err := f.Call(ctx, stack...)
	if err != nil {
		return err
	}
	copy(stack, results)
	return nil
}

// Module is a fake api.Module with a fixed memory, exported functions and
// globals, and recorded close state.
type Module struct {
	api.Module

	ModuleName string
	Mem        *Memory
	Funcs      map[string]*Function
	Globals    map[string]api.Global

	mu       sync.Mutex
	closed   bool
	exitCode uint32
}

// NewModule builds a fake module with memSize bytes of memory and stub
// asyncify exports, which is the minimum an Execution requires.
func NewModule(memSize uint32) *Module {
	m := &Module{
		ModuleName: "wasmtest",
		Mem:        NewMemory(memSize),
		Funcs:      make(map[string]*Function),
		Globals:    make(map[string]api.Global),
	}
	for _, name := range []string{
		"asyncify_get_state",
		"asyncify_start_unwind",
		"asyncify_stop_unwind",
		"asyncify_start_rewind",
		"asyncify_stop_rewind",
		"_start",
	} {
		m.Funcs[name] = &Function{}
	}
	return m
}

func (m *Module) String() string { return m.ModuleName }
func (m *Module) Name() string   { return m.ModuleName }

func (m *Module) Memory() api.Memory { return m.Mem }

func (m *Module) ExportedFunction(name string) api.Function {
	f, ok := m.Funcs[name]
	if !ok {
		return nil
	}
	return f
}

func (m *Module) ExportedFunctionDefinitions() map[string]api.FunctionDefinition { return nil }

func (m *Module) ExportedMemory(name string) api.Memory { return m.Mem }

func (m *Module) ExportedMemoryDefinitions() map[string]api.MemoryDefinition { return nil }

func (m *Module) ExportedGlobal(name string) api.Global {
	g, ok := m.Globals[name]
	if !ok {
		return nil
	}
	return g
}

func (m *Module) CloseWithExitCode(_ context.Context, exitCode uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.exitCode = exitCode
	}
	return nil
}

func (m *Module) Close(ctx context.Context) error {
	return m.CloseWithExitCode(ctx, 0)
}

func (m *Module) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ExitCode returns the code recorded by CloseWithExitCode.
func (m *Module) ExitCode() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitCode
}
