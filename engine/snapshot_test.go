package engine

import (
	"bytes"
	"testing"

	"github.com/wippyai/wasix-runtime/internal/wasmtest"
)

func TestSnapshotRoundTrip(t *testing.T) {
	mod := wasmtest.NewModule(testMemSize)
	mod.Globals[stackPointerGlobal] = &wasmtest.Global{Value: 0x7abc}
	mod.Globals["__heap_base"] = &wasmtest.Global{Value: 0x90000}

	snap := CaptureSnapshot(mod, []string{"__heap_base", "missing_global"})
	snap.SetAux("fd_table", []byte{1, 2, 3})
	snap.SetAux("empty", nil)

	if v, ok := snap.Global(stackPointerGlobal); !ok || v != 0x7abc {
		t.Fatalf("stack pointer = %#x, %v", v, ok)
	}
	if _, ok := snap.Global("missing_global"); ok {
		t.Fatal("missing global must not be captured")
	}

	blob, err := snap.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if !bytes.HasPrefix(blob, []byte(snapshotMagic)) {
		t.Fatal("blob missing magic")
	}

	got, err := DeserializeSnapshot(blob)
	if err != nil {
		t.Fatalf("DeserializeSnapshot: %v", err)
	}
	if v, ok := got.Global("__heap_base"); !ok || v != 0x90000 {
		t.Fatalf("heap base = %#x, %v", v, ok)
	}
	if aux, ok := got.Aux("fd_table"); !ok || !bytes.Equal(aux, []byte{1, 2, 3}) {
		t.Fatalf("aux = %v, %v", aux, ok)
	}
	if aux, ok := got.Aux("empty"); !ok || len(aux) != 0 {
		t.Fatalf("empty aux = %v, %v", aux, ok)
	}
}

func TestSnapshotSerializeDeterministic(t *testing.T) {
	snap := &Snapshot{
		globals: map[string]uint64{"b": 2, "a": 1, "c": 3},
		aux:     map[string][]byte{"y": {0}, "x": {1}},
	}
	first, _ := snap.Serialize()
	for i := 0; i < 8; i++ {
		again, _ := snap.Serialize()
		if !bytes.Equal(first, again) {
			t.Fatal("serialization is not deterministic")
		}
	}
}

func TestDeserializeSnapshotRejectsBadBlobs(t *testing.T) {
	snap := &Snapshot{
		globals: map[string]uint64{"g": 7},
		aux:     map[string][]byte{"k": {1, 2}},
	}
	good, err := snap.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	cases := []struct {
		name string
		blob []byte
	}{
		{"empty", nil},
		{"bad magic", append([]byte("NOPE"), good[4:]...)},
		{"bad version", append([]byte(snapshotMagic), append([]byte{99}, good[5:]...)...)},
		{"truncated globals", good[:7]},
		{"truncated aux", good[:len(good)-1]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DeserializeSnapshot(tc.blob); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestSnapshotRestore(t *testing.T) {
	mod := wasmtest.NewModule(testMemSize)
	sp := &wasmtest.Global{Value: 0x1000}
	mod.Globals[stackPointerGlobal] = sp

	snap := &Snapshot{globals: map[string]uint64{
		stackPointerGlobal: 0x7f00,
		"gone":             5,
	}}
	if err := snap.Restore(mod); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if sp.Value != 0x7f00 {
		t.Fatalf("restored stack pointer = %#x", sp.Value)
	}
}
