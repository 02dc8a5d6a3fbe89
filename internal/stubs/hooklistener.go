package stubs

import (
	"sync"

	"github.com/arm64sandbox/emulator/internal/emulator"
	"github.com/arm64sandbox/emulator/internal/svcmem"
)

// HookListener adapts a Registry to svcmem.HookListener, letting the ELF
// loader's relocation pass resolve an unbound import straight to one of
// these stubs instead of the older Install()/HookAddress PLT-patching path.
// Each symbol gets a real `svc #imm; ret` trampoline the first time it's
// asked for, cached by name so repeated relocations to the same symbol
// (common for libc entry points pulled in by multiple DT_NEEDED libraries)
// reuse one stub.
type HookListener struct {
	registry *Registry
	alloc    *svcmem.Allocator
	emu      *emulator.Emulator

	mu      sync.Mutex
	resolved map[string]uint64
}

// NewHookListener builds a listener over registry's stubs, allocating
// trampolines from alloc and running hooks against emu.
func NewHookListener(registry *Registry, alloc *svcmem.Allocator, emu *emulator.Emulator) *HookListener {
	registry.mu.Lock()
	registry.emu = emu
	registry.mu.Unlock()
	return &HookListener{
		registry: registry,
		alloc:    alloc,
		emu:      emu,
		resolved: make(map[string]uint64),
	}
}

// Hook implements svcmem.HookListener. moduleName is ignored: stub
// definitions are registered by symbol name alone, same as the legacy
// Install() path, since libc/pthread/android symbols don't vary by the
// library that happens to import them.
func (h *HookListener) Hook(moduleName, symbolName string) (uint64, bool) {
	h.mu.Lock()
	if addr, ok := h.resolved[symbolName]; ok {
		h.mu.Unlock()
		return addr, true
	}
	h.mu.Unlock()

	def, ok := h.registry.Lookup(symbolName)
	if !ok {
		return 0, false
	}

	// The svcmem trampoline is `svc #imm; ret`: once the handler returns,
	// execution resumes at the `ret` that immediately follows the trapped
	// instruction and PC=LR happens there, on its own. A stub calling
	// ReturnFromStub (PC=LR again, before that `ret` even runs) would just
	// be repeating what's about to happen — the only outcome a Hook still
	// controls here is whether emulation stops, via its bool return, same
	// as the legacy HookAddress path.
	addr, err := h.alloc.Alloc(func(uint16) {
		h.registry.Log(def.Category, def.Name, "")
		if def.Hook(h.emu) {
			h.emu.Stop()
		}
	})
	if err != nil {
		return 0, false
	}

	h.mu.Lock()
	h.resolved[symbolName] = addr
	h.mu.Unlock()
	return addr, true
}
