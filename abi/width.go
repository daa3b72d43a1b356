package abi

import "github.com/tetratelabs/wazero/api"

// Width is the guest pointer width. It is recorded when a stack is captured
// and must match when the stack is rewound; a mismatch is a fatal
// state-consistency violation, never silently coerced.
type Width uint8

const (
	Wasm32 Width = 4
	Wasm64 Width = 8
)

func (w Width) String() string {
	if w == Wasm64 {
		return "wasm64"
	}
	return "wasm32"
}

// ReadPtr reads a guest pointer-sized value at offset.
func (w Width) ReadPtr(mem api.Memory, offset uint32) (uint64, bool) {
	if w == Wasm64 {
		return mem.ReadUint64Le(offset)
	}
	v, ok := mem.ReadUint32Le(offset)
	return uint64(v), ok
}

// WritePtr writes a guest pointer-sized value at offset.
func (w Width) WritePtr(mem api.Memory, offset uint32, v uint64) bool {
	if w == Wasm64 {
		return mem.WriteUint64Le(offset, v)
	}
	return mem.WriteUint32Le(offset, uint32(v))
}
