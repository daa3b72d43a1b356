package runtime

import (
	"sync"

	"github.com/tetratelabs/wazero"
)

// ModuleCache maps binary names to compiled modules so fork/exec never
// recompiles. Loading bytes from disk stays the caller's concern.
type ModuleCache interface {
	Load(name string) (wazero.CompiledModule, bool)
	Save(name string, m wazero.CompiledModule)
}

// MemoryCache is the in-process ModuleCache.
type MemoryCache struct {
	mu      sync.RWMutex
	modules map[string]wazero.CompiledModule
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{modules: make(map[string]wazero.CompiledModule)}
}

func (c *MemoryCache) Load(name string) (wazero.CompiledModule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.modules[name]
	return m, ok
}

func (c *MemoryCache) Save(name string, m wazero.CompiledModule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modules[name] = m
}
