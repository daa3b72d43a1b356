package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasix-runtime/errors"
)

// Asyncify implements the Binaryen asyncify protocol (wasm-opt --asyncify).
//
// States: 0=Normal, 1=Unwinding (saving stack), 2=Rewinding (restoring stack)
//
// Memory layout at dataAddr:
//   - [0:4] stack pointer (grows upward from dataAddr+8)
//   - [4:8] stack end
//   - [8:8+stackSize] stack data
type Asyncify struct {
	exports struct {
		getState    api.Function
		startUnwind api.Function
		stopUnwind  api.Function
		startRewind api.Function
		stopRewind  api.Function
	}
	memory    api.Memory
	mu        sync.Mutex
	state     int32
	dataAddr  uint32
	stackSize uint32
}

const AsyncifyDataAddr uint32 = 16
const AsyncifyDefaultStackSize uint32 = 4096

func NewAsyncify() *Asyncify {
	return &Asyncify{
		state:     0,
		dataAddr:  AsyncifyDataAddr,
		stackSize: AsyncifyDefaultStackSize,
	}
}

func (a *Asyncify) SetStackSize(size uint32) {
	a.stackSize = size
}

func (a *Asyncify) SetDataAddr(addr uint32) {
	a.dataAddr = addr
}

// StackSize returns the bounded rewind buffer size.
func (a *Asyncify) StackSize() uint32 { return a.stackSize }

// DataAddr returns the asyncify data region address.
func (a *Asyncify) DataAddr() uint32 { return a.dataAddr }

// Init initializes asyncify. Call after module instantiation.
func (a *Asyncify) Init(mod api.Module) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.memory = mod.Memory()
	if a.memory == nil {
		return errors.NotInitialized(errors.PhaseCapture, "module memory")
	}

	a.exports.getState = mod.ExportedFunction("asyncify_get_state")
	a.exports.startUnwind = mod.ExportedFunction("asyncify_start_unwind")
	a.exports.stopUnwind = mod.ExportedFunction("asyncify_stop_unwind")
	a.exports.startRewind = mod.ExportedFunction("asyncify_start_rewind")
	a.exports.stopRewind = mod.ExportedFunction("asyncify_stop_rewind")

	if a.exports.getState == nil {
		return errors.NotInitialized(errors.PhaseCapture,
			"asyncify_get_state export (run wasm-opt --asyncify)")
	}

	stackPtr := a.dataAddr + 8
	stackEnd := stackPtr + a.stackSize

	if !a.memory.WriteUint32Le(a.dataAddr, stackPtr) {
		return errors.MemViolation(errors.PhaseCapture, "write asyncify stack pointer")
	}
	if !a.memory.WriteUint32Le(a.dataAddr+4, stackEnd) {
		return errors.MemViolation(errors.PhaseCapture, "write asyncify stack end")
	}

	return nil
}

func (a *Asyncify) IsNormal() bool {
	return atomic.LoadInt32(&a.state) == 0
}

func (a *Asyncify) IsUnwinding() bool {
	return atomic.LoadInt32(&a.state) == 1
}

func (a *Asyncify) IsRewinding() bool {
	return atomic.LoadInt32(&a.state) == 2
}

func (a *Asyncify) StartUnwind(ctx context.Context) error {
	if a.exports.startUnwind != nil {
		_, err := a.exports.startUnwind.Call(ctx, uint64(a.dataAddr))
		if err == nil {
			atomic.StoreInt32(&a.state, 1)
		}
		return err
	}
	atomic.StoreInt32(&a.state, 1)
	return nil
}

func (a *Asyncify) StopUnwind(ctx context.Context) error {
	if a.exports.stopUnwind != nil {
		_, err := a.exports.stopUnwind.Call(ctx)
		if err == nil {
			atomic.StoreInt32(&a.state, 0)
		}
		return err
	}
	atomic.StoreInt32(&a.state, 0)
	return nil
}

func (a *Asyncify) StartRewind(ctx context.Context) error {
	if a.exports.startRewind != nil {
		_, err := a.exports.startRewind.Call(ctx, uint64(a.dataAddr))
		if err == nil {
			atomic.StoreInt32(&a.state, 2)
		}
		return err
	}
	atomic.StoreInt32(&a.state, 2)
	return nil
}

func (a *Asyncify) StopRewind(ctx context.Context) error {
	if a.exports.stopRewind != nil {
		_, err := a.exports.stopRewind.Call(ctx)
		if err == nil {
			atomic.StoreInt32(&a.state, 0)
		}
		return err
	}
	atomic.StoreInt32(&a.state, 0)
	return nil
}

// ResetStack resets the rewind buffer pointer. Call before each new
// suspension.
func (a *Asyncify) ResetStack() {
	if a.memory != nil {
		stackPtr := a.dataAddr + 8
		if !a.memory.WriteUint32Le(a.dataAddr, stackPtr) {
			Logger().Warn("ResetStack: failed to write stack pointer to asyncify data",
				zap.Uint32("dataAddr", a.dataAddr),
				zap.Uint32("stackPtr", stackPtr))
		}
	}
}

// rewindBuffer reads the used portion of the rewind buffer. Returns a
// fatal error when the guest overflowed the bounded region.
func (a *Asyncify) rewindBuffer() ([]byte, error) {
	start := a.dataAddr + 8
	end := start + a.stackSize

	ptr, ok := a.memory.ReadUint32Le(a.dataAddr)
	if !ok {
		return nil, errors.MemViolation(errors.PhaseCapture, "read asyncify stack pointer")
	}
	if ptr < start || ptr > end {
		return nil, errors.StackOverflow(ptr-start, a.stackSize)
	}

	buf, ok := a.memory.Read(start, ptr-start)
	if !ok {
		return nil, errors.MemViolation(errors.PhaseCapture, "read asyncify rewind buffer")
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

// writeRewindBuffer restores a captured rewind buffer and positions the
// stack pointer after it.
func (a *Asyncify) writeRewindBuffer(data []byte) error {
	start := a.dataAddr + 8
	if uint32(len(data)) > a.stackSize {
		return errors.MemViolation(errors.PhaseRewind, "rewind buffer exceeds asyncify region")
	}
	if len(data) > 0 && !a.memory.Write(start, data) {
		return errors.MemViolation(errors.PhaseRewind, "write asyncify rewind buffer")
	}
	if !a.memory.WriteUint32Le(a.dataAddr, start+uint32(len(data))) {
		return errors.MemViolation(errors.PhaseRewind, "write asyncify stack pointer")
	}
	if !a.memory.WriteUint32Le(a.dataAddr+4, start+a.stackSize) {
		return errors.MemViolation(errors.PhaseRewind, "write asyncify stack end")
	}
	return nil
}
