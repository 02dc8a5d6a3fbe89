// Package svcmem allocates synthetic "SVC memory" — small guest-executable
// stubs of the form `svc #imm; ret` that let the host bind an address to a
// handler without a real backing library. The ELF loader's hook-listener
// chain hands these addresses out in place of unresolved imports, and
// internal/jnitramp lays an entire JNI function table out of them.
// The allocator is a bump-allocated region of fixed-size slots, each
// assigned the next unused SVC immediate, with a listener chain consulted
// before falling back to "unresolved".
package svcmem

import (
	"encoding/binary"
	"sync"

	"github.com/arm64sandbox/emulator/internal/errs"
)

// Backend is the subset of the CPU backend svcmem needs.
type Backend interface {
	MemMap(addr, size uint64, prot int) error
	MemWrite(addr uint64, data []byte) error
}

const (
	stubSize = 8 // `svc #imm` (4 bytes) + `ret` (4 bytes)

	// SVC immediates below this value are reserved for the real Linux
	// syscall table (internal/syscall64 dispatches those); svcmem hands
	// out immediates starting above it so the two never collide.
	firstSVCImmediate = 0x1000
)

// svc #imm encoding: 1101 0100 000i iiii iiii iiii iii0 0001
func assembleSVC(imm uint16) []byte {
	word := uint32(0xD4000001) | (uint32(imm) << 5)
	buf := make([]byte, stubSize)
	binary.LittleEndian.PutUint32(buf[0:4], word)
	binary.LittleEndian.PutUint32(buf[4:8], 0xD65F03C0) // ret
	return buf
}

// Handler services a trapped SVC immediate that svcmem assigned. It
// receives only the immediate; callers such as internal/jnitramp close
// over their own state (the backend included) instead of receiving it as
// a parameter here.
type Handler func(imm uint16)

// HookListener resolves an otherwise-unresolved dynamic symbol to a host
// address, in priority order. The ELF loader consults the chain before
// declaring DT_NEEDED resolution failure for a symbol fatal.
type HookListener interface {
	// Hook returns an address to bind moduleName!symbolName to, or
	// ok=false if this listener doesn't recognize the symbol.
	Hook(moduleName, symbolName string) (addr uint64, ok bool)
}

// Allocator owns the SVC trampoline region and the immediate-to-handler
// table the emulator's single SVC hook dispatches through.
type Allocator struct {
	backend Backend

	mu       sync.Mutex
	base     uint64
	size     uint64
	next     uint64 // next free stub slot
	nextImm  uint16
	handlers map[uint16]Handler
}

// New creates an Allocator over [base, base+size), which must already be
// reserved (but not yet mapped) in the guest address space.
func New(backend Backend, base, size uint64) (*Allocator, error) {
	if err := backend.MemMap(base, size, 0x1|0x4); err != nil { // R|X, no W
		return nil, errs.NewHostError("map svc region", err)
	}
	return &Allocator{
		backend:  backend,
		base:     base,
		size:     size,
		next:     base,
		nextImm:  firstSVCImmediate,
		handlers: make(map[uint16]Handler),
	}, nil
}

// Alloc assembles a new `svc #imm; ret` stub, binds imm to fn in the
// dispatch table, and returns the stub's guest address.
func (a *Allocator) Alloc(fn Handler) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next+stubSize > a.base+a.size {
		return 0, errs.NewFatalError("svcmem: trampoline region exhausted")
	}

	imm := a.nextImm
	a.nextImm++

	addr := a.next
	a.next += stubSize

	if err := a.backend.MemWrite(addr, assembleSVC(imm)); err != nil {
		return 0, errs.NewHostError("write svc stub", err)
	}
	a.handlers[imm] = fn
	return addr, nil
}

// Dispatch is installed as the emulator's single SVC hook (via
// Emulator.OnSVC) for immediates svcmem assigned. Immediates below
// firstSVCImmediate belong to the real syscall table and are ignored here.
func (a *Allocator) Dispatch(imm uint32) bool {
	if imm < firstSVCImmediate {
		return false
	}
	a.mu.Lock()
	fn, ok := a.handlers[uint16(imm)]
	a.mu.Unlock()
	if !ok {
		return false
	}
	fn(uint16(imm))
	return true
}

// ListenerChain resolves a symbol through an ordered list of HookListeners,
// stopping at the first one that claims it.
type ListenerChain struct {
	listeners []HookListener
}

// NewListenerChain builds a chain from the given listeners, in priority order.
func NewListenerChain(listeners ...HookListener) *ListenerChain {
	return &ListenerChain{listeners: listeners}
}

// Resolve tries each listener in order.
func (c *ListenerChain) Resolve(moduleName, symbolName string) (uint64, bool) {
	for _, l := range c.listeners {
		if addr, ok := l.Hook(moduleName, symbolName); ok {
			return addr, true
		}
	}
	return 0, false
}

// Add appends a listener to the end of the chain.
func (c *ListenerChain) Add(l HookListener) {
	c.listeners = append(c.listeners, l)
}
