package bulk

import (
	"github.com/virtcore/x86mmu/hooking"
	"github.com/virtcore/x86mmu/mem/phys"
	"github.com/virtcore/x86mmu/mem/vm"
)

// A Builder can build bulk transfer engines.
type Builder struct {
	mem phys.Memory
}

// MakeBuilder returns a Builder.
func MakeBuilder() Builder {
	return Builder{}
}

// WithMemory sets the physical memory the engine owns.
func (b Builder) WithMemory(mem phys.Memory) Builder {
	b.mem = mem
	return b
}

// Build creates an Engine with the given name.
func (b Builder) Build(name string) *Engine {
	if b.mem == nil {
		panic("bulk engine requires a physical memory")
	}

	return &Engine{
		HookableBase: hooking.NewHookableBase(),
		name:         name,
		mem:          b.mem,
		walker:       vm.NewWalker(b.mem),
	}
}
