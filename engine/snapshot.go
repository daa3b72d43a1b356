package engine

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasix-runtime/errors"
)

// Snapshot is the serialized non-stack execution state needed to resume
// correctly: the values of the tracked mutable globals plus auxiliary
// host-side bookkeeping. Everything outside this codec treats the
// serialized form as an immutable byte blob.
type Snapshot struct {
	globals map[string]uint64
	aux     map[string][]byte
}

const snapshotMagic = "WSXS"
const snapshotVersion = 1

// CaptureSnapshot records the named exported globals of mod, always
// including __stack_pointer when exported. Call at the same instant the
// stack is captured.
func CaptureSnapshot(mod api.Module, globalNames []string) *Snapshot {
	s := &Snapshot{
		globals: make(map[string]uint64, len(globalNames)+1),
		aux:     make(map[string][]byte),
	}
	names := append([]string{stackPointerGlobal}, globalNames...)
	for _, name := range names {
		g := mod.ExportedGlobal(name)
		if g == nil {
			continue
		}
		s.globals[name] = g.Get()
	}
	return s
}

// CaptureSnapshot records this execution's tracked globals.
func (e *Execution) CaptureSnapshot() *Snapshot {
	return CaptureSnapshot(e.mod, e.snapshotGlobals)
}

// Global returns a captured global value.
func (s *Snapshot) Global(name string) (uint64, bool) {
	v, ok := s.globals[name]
	return v, ok
}

// SetAux attaches auxiliary host data carried alongside the globals.
func (s *Snapshot) SetAux(key string, data []byte) {
	if s.aux == nil {
		s.aux = make(map[string][]byte)
	}
	s.aux[key] = data
}

// Aux returns auxiliary host data by key.
func (s *Snapshot) Aux(key string) ([]byte, bool) {
	v, ok := s.aux[key]
	return v, ok
}

// Restore writes the captured globals back into mod. Globals the module no
// longer exports, or exports immutably, are skipped with a debug log; the
// rewind buffer replay re-establishes internal state.
func (s *Snapshot) Restore(mod api.Module) error {
	for name, val := range s.globals {
		g := mod.ExportedGlobal(name)
		if g == nil {
			Logger().Debug("snapshot restore: global not exported",
				zap.String("global", name))
			continue
		}
		mut, ok := g.(api.MutableGlobal)
		if !ok {
			Logger().Debug("snapshot restore: global not mutable",
				zap.String("global", name))
			continue
		}
		mut.Set(val)
	}
	return nil
}

// Serialize encodes the snapshot into a versioned byte blob:
//
//	magic "WSXS" | version u8 | global count uvarint |
//	  (name len uvarint | name | value u64le)* |
//	aux count uvarint | (key len uvarint | key | data len uvarint | data)*
func (s *Snapshot) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	buf.WriteByte(snapshotVersion)

	writeUvarint(&buf, uint64(len(s.globals)))
	for _, name := range sortedKeys(s.globals) {
		writeUvarint(&buf, uint64(len(name)))
		buf.WriteString(name)
		var v [8]byte
		binary.LittleEndian.PutUint64(v[:], s.globals[name])
		buf.Write(v[:])
	}

	writeUvarint(&buf, uint64(len(s.aux)))
	for _, key := range sortedKeys(s.aux) {
		writeUvarint(&buf, uint64(len(key)))
		buf.WriteString(key)
		data := s.aux[key]
		writeUvarint(&buf, uint64(len(data)))
		buf.Write(data)
	}

	return buf.Bytes(), nil
}

// DeserializeSnapshot decodes a blob produced by Serialize.
func DeserializeSnapshot(data []byte) (*Snapshot, error) {
	r := bytes.NewReader(data)

	magic := make([]byte, len(snapshotMagic))
	if _, err := r.Read(magic); err != nil || string(magic) != snapshotMagic {
		return nil, errors.InvalidData(errors.PhaseRewind, []string{"snapshot"}, "bad magic")
	}
	version, err := r.ReadByte()
	if err != nil || version != snapshotVersion {
		return nil, errors.InvalidData(errors.PhaseRewind, []string{"snapshot"}, "unsupported version")
	}

	s := &Snapshot{
		globals: make(map[string]uint64),
		aux:     make(map[string][]byte),
	}

	nGlobals, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, errors.InvalidData(errors.PhaseRewind, []string{"snapshot", "globals"}, "truncated count")
	}
	for i := uint64(0); i < nGlobals; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, errors.InvalidData(errors.PhaseRewind, []string{"snapshot", "globals"}, "truncated name")
		}
		var v [8]byte
		if _, err := r.Read(v[:]); err != nil {
			return nil, errors.InvalidData(errors.PhaseRewind, []string{"snapshot", "globals"}, "truncated value")
		}
		s.globals[name] = binary.LittleEndian.Uint64(v[:])
	}

	nAux, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, errors.InvalidData(errors.PhaseRewind, []string{"snapshot", "aux"}, "truncated count")
	}
	for i := uint64(0); i < nAux; i++ {
		key, err := readString(r)
		if err != nil {
			return nil, errors.InvalidData(errors.PhaseRewind, []string{"snapshot", "aux"}, "truncated key")
		}
		length, err := binary.ReadUvarint(r)
		if err != nil || length > uint64(r.Len()) {
			return nil, errors.InvalidData(errors.PhaseRewind, []string{"snapshot", "aux"}, "truncated data")
		}
		data := make([]byte, length)
		if length > 0 {
			if _, err := r.Read(data); err != nil {
				return nil, errors.InvalidData(errors.PhaseRewind, []string{"snapshot", "aux"}, "truncated data")
			}
		}
		s.aux[key] = data
	}

	return s, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readString(r *bytes.Reader) (string, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil || length > uint64(r.Len()) {
		return "", errors.InvalidData(errors.PhaseRewind, []string{"snapshot"}, "truncated string")
	}
	b := make([]byte, length)
	if length > 0 {
		if _, err := r.Read(b); err != nil {
			return "", err
		}
	}
	return string(b), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
