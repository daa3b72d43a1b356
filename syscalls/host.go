// Package syscalls registers the wasix host module and implements the
// suspending guest-facing calls: thread_sleep, poll_oneoff, proc_fork,
// proc_exec and proc_exit. Every suspending handler is rewind-first: on
// re-entry during a rewind it returns the staged result instead of
// suspending again.
package syscalls

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasix-runtime/abi"
	"github.com/wippyai/wasix-runtime/engine"
	"github.com/wippyai/wasix-runtime/poll"
	"github.com/wippyai/wasix-runtime/proc"
)

// HostModuleName returns the wasix import namespace for a pointer width.
func HostModuleName(w abi.Width) string {
	if w == abi.Wasm64 {
		return "wasix_64v1"
	}
	return "wasix_32v1"
}

// Spawner launches new guest images. The runtime implements it; keeping
// it an interface here lets the handlers stay ignorant of instantiation.
type Spawner interface {
	// SpawnFork starts a copy-mode fork child: a new instance whose
	// linear memory is copied from the parent and whose first entry call
	// rewinds the given state.
	SpawnFork(ctx context.Context, parent *Instance, child *proc.Process, rewind *engine.RewindState) error
	// SpawnExec starts a fresh image for p from the named binary.
	SpawnExec(ctx context.Context, path string, p *proc.Process) error
}

// VFork is a pending lazy fork: the parent's captured continuation,
// stashed until proc_exec or exit completes it.
type VFork struct {
	Parent   *proc.Process
	Child    *proc.Process
	Stack    *engine.CapturedStack
	Snapshot *engine.Snapshot
	PidPtr   uint32
}

// Instance binds one instantiated guest module to its execution and
// process bookkeeping. Fields other than Exec may be swapped while a
// vfork is pending.
type Instance struct {
	Exec   *engine.Execution
	Proc   *proc.Process
	Thread *proc.Thread
	VFork  *VFork
}

// Host is the wasix host module state shared by every guest instance.
type Host struct {
	tree    *proc.Tree
	mux     *poll.Multiplexer
	spawner Spawner

	mu        sync.RWMutex
	instances map[string]*Instance
}

func NewHost(tree *proc.Tree, spawner Spawner) *Host {
	return &Host{
		tree:      tree,
		mux:       poll.NewMultiplexer(),
		spawner:   spawner,
		instances: make(map[string]*Instance),
	}
}

// SetSpawner installs the fork/exec spawner. The runtime calls this once
// it exists; NewHost cannot take it directly because the runtime needs
// the host first.
func (h *Host) SetSpawner(s Spawner) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.spawner = s
}

func (h *Host) getSpawner() Spawner {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.spawner
}

// Bind attaches an instance to its module so handlers can find it.
func (h *Host) Bind(mod api.Module, inst *Instance) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.instances[mod.Name()] = inst
}

// Unbind detaches a closed module.
func (h *Host) Unbind(mod api.Module) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.instances, mod.Name())
}

func (h *Host) instance(mod api.Module) (*Instance, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	inst, ok := h.instances[mod.Name()]
	return inst, ok
}

// Tree returns the process tree the host operates on.
func (h *Host) Tree() *proc.Tree { return h.tree }

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// Instantiate registers the wasix host module for the given width.
func (h *Host) Instantiate(ctx context.Context, r wazero.Runtime, width abi.Width) (api.Module, error) {
	builder := r.NewHostModuleBuilder(HostModuleName(width))

	builder = builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.threadSleep),
			[]api.ValueType{i64}, []api.ValueType{i32}).
		Export("thread_sleep")

	builder = builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.pollOneoff),
			[]api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).
		Export("poll_oneoff")

	builder = builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.procFork),
			[]api.ValueType{i32, i32}, []api.ValueType{i32}).
		Export("proc_fork")

	builder = builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.procExec),
			[]api.ValueType{i32, i32}, []api.ValueType{i32}).
		Export("proc_exec")

	builder = builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.procExit),
			[]api.ValueType{i32}, nil).
		Export("proc_exit")

	return builder.Instantiate(ctx)
}
