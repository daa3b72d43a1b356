package runtime

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/tetratelabs/wazero/sys"

	"github.com/wippyai/wasix-runtime/abi"
	"github.com/wippyai/wasix-runtime/engine"
	"github.com/wippyai/wasix-runtime/internal/wasmtest"
	"github.com/wippyai/wasix-runtime/proc"
	"github.com/wippyai/wasix-runtime/syscalls"
	"github.com/wippyai/wasix-runtime/task"
)

const testMemSize = 128 * 1024

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()

	tree := proc.NewTree()
	rt := &Runtime{
		host:    syscalls.NewHost(tree, nil),
		tree:    tree,
		manager: task.NewManager(2),
		cache:   NewMemoryCache(),
		cfg:     Config{Width: abi.Wasm32},
		sources: make(map[*syscalls.Instance]instanceSource),
	}
	t.Cleanup(rt.manager.Close)
	return rt
}

func newTestInstance(t *testing.T, rt *Runtime) (*syscalls.Instance, *wasmtest.Module) {
	t.Helper()

	mod := wasmtest.NewModule(testMemSize)
	mod.Globals["__stack_pointer"] = &wasmtest.Global{Value: 0x7f00}

	exec, err := engine.NewExecution(mod, &engine.ExecutionConfig{
		Layout: engine.StackLayout{Lower: 0x7000, Upper: 0x8000},
	})
	if err != nil {
		t.Fatalf("NewExecution: %v", err)
	}

	p := rt.tree.NewProcess(nil, nil)
	inst := &syscalls.Instance{Exec: exec, Proc: p, Thread: p.MainThread()}
	rt.host.Bind(mod, inst)
	rt.rememberSource(inst, instanceSource{binary: "test"})
	return inst, mod
}

func waitExit(t *testing.T, p *proc.Process) uint32 {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	code, err := p.Status().Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return code
}

func TestRunLoopNormalReturnPublishesZero(t *testing.T) {
	rt := newTestRuntime(t)
	inst, mod := newTestInstance(t, rt)

	rt.runLoop(context.Background(), inst)

	if code := waitExit(t, inst.Proc); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !mod.IsClosed() {
		t.Fatal("module not closed after exit")
	}
}

func TestRunLoopExitErrorPublishesCode(t *testing.T) {
	rt := newTestRuntime(t)
	inst, mod := newTestInstance(t, rt)

	mod.Funcs["_start"].Fn = func(context.Context, []uint64) ([]uint64, error) {
		return nil, sys.NewExitError(7)
	}

	rt.runLoop(context.Background(), inst)

	if code := waitExit(t, inst.Proc); code != 7 {
		t.Fatalf("exit code = %d, want 7", code)
	}
}

func TestRunLoopTrapPublishesTrapCode(t *testing.T) {
	rt := newTestRuntime(t)
	inst, mod := newTestInstance(t, rt)

	mod.Funcs["_start"].Fn = func(context.Context, []uint64) ([]uint64, error) {
		return nil, stderrors.New("unreachable executed")
	}

	rt.runLoop(context.Background(), inst)

	if code := waitExit(t, inst.Proc); code != trapExitCode {
		t.Fatalf("exit code = %d, want %d", code, trapExitCode)
	}
}

type readyTrigger struct {
	value uint64
}

func (r readyTrigger) Await(context.Context) (uint64, abi.Errno) {
	return r.value, abi.ErrnoSuccess
}

func (r readyTrigger) PollOnce() (uint64, bool, abi.Errno) {
	return r.value, true, abi.ErrnoSuccess
}

// Full suspension cycle: the guest unwinds into a deep sleep, the
// trigger resolves, the result writer runs over restored memory and the
// guest re-enters through a rewind.
func TestDeepSleepParkAndResume(t *testing.T) {
	rt := newTestRuntime(t)
	inst, mod := newTestInstance(t, rt)
	exec := inst.Exec

	calls := 0
	var staged uint64
	var stagedOK bool
	mod.Funcs["_start"].Fn = func(ctx context.Context, _ []uint64) ([]uint64, error) {
		calls++
		if calls == 1 {
			err := engine.Unwind(ctx, exec, func(_ context.Context, captured *engine.CapturedStack) engine.Action {
				return engine.Action{Kind: engine.ActionDeepSleep, Deep: &engine.DeepSleep{
					Rewind: &engine.RewindState{
						Kind:     engine.ResumeSleep,
						Stack:    captured,
						Snapshot: exec.CaptureSnapshot(),
						Width:    exec.Width(),
					},
					Trigger: readyTrigger{value: 42},
					OnResult: func(e *engine.Execution, value uint64, errno abi.Errno) abi.Errno {
						e.Memory().WriteUint64Le(0x500, value)
						return errno
					},
				}}
			})
			if err != nil {
				return nil, err
			}
			a := exec.Asyncify()
			exec.Memory().Write(a.DataAddr()+8, []byte{9, 9})
			exec.Memory().WriteUint32Le(a.DataAddr(), a.DataAddr()+8+2)
			return []uint64{0}, nil
		}
		staged, stagedOK = engine.HandleRewind(ctx, exec)
		return []uint64{0}, nil
	}

	rt.runLoop(context.Background(), inst)

	if code := waitExit(t, inst.Proc); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if calls != 2 {
		t.Fatalf("entry calls = %d, want 2", calls)
	}
	if !stagedOK {
		t.Fatal("no staged resume value on re-entry")
	}
	if staged != uint64(abi.ErrnoSuccess) {
		t.Fatalf("staged value = %d, want success", staged)
	}
	if v, _ := exec.Memory().ReadUint64Le(0x500); v != 42 {
		t.Fatalf("result write = %d, want 42", v)
	}
}

func TestCleanupOnlyActsOnce(t *testing.T) {
	rt := newTestRuntime(t)
	inst, mod := newTestInstance(t, rt)

	rt.cleanup(context.Background(), inst)
	if !mod.IsClosed() {
		t.Fatal("module not closed")
	}
	// Second call finds nothing to tear down.
	rt.cleanup(context.Background(), inst)

	if _, ok := rt.sourceOf(inst); ok {
		t.Fatal("source still registered after cleanup")
	}
}

func TestSpawnUnknownBinary(t *testing.T) {
	rt := newTestRuntime(t)

	if _, err := rt.Spawn(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown binary")
	}
	if len(rt.tree.Processes()) != 0 {
		t.Fatalf("processes = %d, want 0", len(rt.tree.Processes()))
	}
}

func TestCopyImageGrowsMemory(t *testing.T) {
	dst := wasmtest.NewMemory(wasmPageSize)
	image := make([]byte, 3*wasmPageSize)
	image[0] = 0xaa
	image[len(image)-1] = 0xbb

	if err := copyImage(dst, image); err != nil {
		t.Fatalf("copyImage: %v", err)
	}
	if dst.Size() < uint32(len(image)) {
		t.Fatalf("size = %d, want >= %d", dst.Size(), len(image))
	}
	if b, _ := dst.ReadByte(0); b != 0xaa {
		t.Fatalf("first byte = %#x", b)
	}
	if b, _ := dst.ReadByte(uint32(len(image) - 1)); b != 0xbb {
		t.Fatalf("last byte = %#x", b)
	}
}

func TestMemoryCache(t *testing.T) {
	c := NewMemoryCache()
	if _, ok := c.Load("a"); ok {
		t.Fatal("empty cache returned a module")
	}
	c.Save("a", nil)
	if _, ok := c.Load("a"); !ok {
		t.Fatal("saved module not found")
	}
}
