// Package runtime drives guest executions end to end: it compiles and
// instantiates modules, owns the wasix host module, and runs the
// unwind/rewind loop that turns suspensions into scheduled waits. It is
// also the Spawner behind proc_fork and proc_exec.
package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	wasi "github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/wippyai/wasix-runtime/abi"
	"github.com/wippyai/wasix-runtime/errors"
	"github.com/wippyai/wasix-runtime/fs"
	"github.com/wippyai/wasix-runtime/proc"
	"github.com/wippyai/wasix-runtime/syscalls"
	"github.com/wippyai/wasix-runtime/task"
)

// Config tunes a Runtime.
type Config struct {
	// Width selects the guest pointer width. Defaults to Wasm32.
	Width abi.Width
	// Workers sizes the scheduler pool. Zero means task.DefaultWorkers.
	Workers int
	// Stdin, Stdout and Stderr back the preopened stdio descriptors of
	// root processes. Nil streams discard.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// SnapshotGlobals names extra exported mutable globals to carry in
	// execution snapshots.
	SnapshotGlobals []string
	// Args and Env are handed to every instantiated guest.
	Args []string
	Env  []string
	// EnableWASI additionally instantiates wasi_snapshot_preview1 so
	// guests compiled against plain WASI still link.
	EnableWASI bool
}

// Runtime owns the wazero engine, the process tree, the scheduler and
// the compiled-module cache.
type Runtime struct {
	wazero  wazero.Runtime
	host    *syscalls.Host
	tree    *proc.Tree
	manager *task.Manager
	cache   ModuleCache
	cfg     Config

	nameSeq atomic.Uint64

	mu      sync.Mutex
	sources map[*syscalls.Instance]instanceSource
	closed  bool
}

// instanceSource remembers how an instance was built so fork can build
// another one like it.
type instanceSource struct {
	module wazero.CompiledModule
	binary string
}

func New(ctx context.Context, cfg *Config) (*Runtime, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Width == 0 {
		cfg.Width = abi.Wasm32
	}

	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig())

	tree := proc.NewTree()
	host := syscalls.NewHost(tree, nil)
	if _, err := host.Instantiate(ctx, r, cfg.Width); err != nil {
		r.Close(ctx)
		return nil, errors.Wrap(errors.PhaseRuntime, errors.KindSpawnFailed, err, "instantiate host module")
	}
	if cfg.EnableWASI {
		if _, err := wasi.Instantiate(ctx, r); err != nil {
			r.Close(ctx)
			return nil, errors.Wrap(errors.PhaseRuntime, errors.KindSpawnFailed, err, "instantiate wasi module")
		}
	}

	rt := &Runtime{
		wazero:  r,
		host:    host,
		tree:    tree,
		manager: task.NewManager(cfg.Workers),
		cache:   NewMemoryCache(),
		cfg:     *cfg,
		sources: make(map[*syscalls.Instance]instanceSource),
	}
	host.SetSpawner(rt)
	return rt, nil
}

// Tree returns the process tree.
func (rt *Runtime) Tree() *proc.Tree { return rt.tree }

// Cache returns the compiled-module cache. Binaries registered here are
// what proc_exec can resolve.
func (rt *Runtime) Cache() ModuleCache { return rt.cache }

// Load compiles wasm bytes and registers them in the cache under name.
func (rt *Runtime) Load(ctx context.Context, name string, wasm []byte) error {
	compiled, err := rt.wazero.CompileModule(ctx, wasm)
	if err != nil {
		return errors.Wrap(errors.PhaseRuntime, errors.KindInvalidData, err, "compile module")
	}
	rt.cache.Save(name, compiled)
	return nil
}

// Spawn starts a root process from a cached binary and returns its
// process handle. The exit code is observed through Status().Wait.
func (rt *Runtime) Spawn(ctx context.Context, name string) (*proc.Process, error) {
	return rt.SpawnWithFiles(ctx, name, nil)
}

// SpawnWithFiles is Spawn with a caller-built descriptor table. A nil
// table means plain stdio.
func (rt *Runtime) SpawnWithFiles(ctx context.Context, name string, files *fs.Table) (*proc.Process, error) {
	compiled, ok := rt.cache.Load(name)
	if !ok {
		return nil, errors.NotFound(errors.PhaseRuntime, "binary", name)
	}

	if files == nil {
		files = rt.stdioTable()
	}
	p := rt.tree.NewProcess(nil, files)
	if err := rt.start(ctx, compiled, name, p, nil, nil); err != nil {
		p.MainThread().Finish(uint32(abi.ErrnoNoexec.ToExitCode()))
		rt.tree.Reclaim(p.Pid())
		return nil, err
	}
	return p, nil
}

func (rt *Runtime) stdioTable() *fs.Table {
	stdin := rt.cfg.Stdin
	if stdin == nil {
		stdin = emptyReader{}
	}
	stdout := rt.cfg.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := rt.cfg.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	return fs.NewStdioTable(stdin, stdout, stderr)
}

func (rt *Runtime) moduleName(binary string, pid abi.Pid) string {
	return fmt.Sprintf("%s.%d.%d", binary, pid, rt.nameSeq.Add(1))
}

func (rt *Runtime) rememberSource(inst *syscalls.Instance, src instanceSource) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.sources[inst] = src
}

func (rt *Runtime) sourceOf(inst *syscalls.Instance) (instanceSource, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	src, ok := rt.sources[inst]
	return src, ok
}

func (rt *Runtime) takeSource(inst *syscalls.Instance) (instanceSource, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	src, ok := rt.sources[inst]
	delete(rt.sources, inst)
	return src, ok
}

// Close stops the scheduler and releases the engine. Guests still
// running are torn down by wazero.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	rt.mu.Unlock()

	rt.manager.Close()
	return rt.wazero.Close(ctx)
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
