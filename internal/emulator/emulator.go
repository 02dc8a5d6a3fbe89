// Package emulator wraps Unicorn Engine as the ARM64 CPU backend: page
// mapping/protection, register and memory access, execution control, and
// SVC trap delivery. Everything above this package (memory manager, ELF
// loader, scheduler, syscall dispatch, JNI trampoline) treats it as an
// opaque Backend; this file is the only place that imports the Unicorn
// bindings directly.
package emulator

import (
	"encoding/binary"
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Guest address space layout. STACK_BASE downward is the initial thread
// stack; SVC_BASE..SVC_BASE+SVC_SIZE is the executable-only SVC trampoline
// region; MMAP_BASE upward is the mmap arena module regions are carved out
// of.
const (
	StackBase = 0x7FFF00000000
	StackSize = 0x00800000 // 8MB initial thread stack

	SVCBase = 0x7FFE00000000
	SVCSize = 0x00100000 // 1MB of SVC trampoline stubs

	MMapBase = 0x40000000 // mmap arena / module load region
	HeapBase = 0x20000000 // brk-style heap, distinct from the mmap arena
	HeapSize = 0x10000000

	TLSBase = 0x7FFD00000000
	TLSSize = 0x00010000

	// TaskExitTrap is the start of one executable page just past the SVC
	// trampoline region, holding a bare `ret`. internal/vm maps that page,
	// writes the instruction, and installs an address hook there that reports the current scheduler task's X0 as
	// its result and marks it exited. Any task whose link register is pointed here when
	// dispatched — an EFunc call, or a pthread_create'd thread — is
	// reporting "I'm done" the moment it naturally returns, without a
	// dedicated opcode of its own.
	TaskExitTrap = SVCBase + SVCSize
)

// Memory protection bits, matching Unicorn's uc.PROT_* (and Linux's PROT_*).
const (
	ProtNone  = uc.PROT_NONE
	ProtRead  = uc.PROT_READ
	ProtWrite = uc.PROT_WRITE
	ProtExec  = uc.PROT_EXEC
	ProtAll   = uc.PROT_ALL
)

// AddressHookFunc is called when execution reaches a specific address.
// Returning true stops emulation after the hook runs.
type AddressHookFunc func(emu *Emulator) bool

// CodeHookFunc is called for every executed instruction.
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// SVCHookFunc is called when the guest executes `svc #imm`.
type SVCHookFunc func(emu *Emulator, imm uint32)

// Context is an opaque saved CPU context (general-purpose registers, SP,
// PC, NZCV, TPIDR_EL0, and Unicorn's own internal state).
type Context struct {
	ctx uc.Context
}

// Emulator wraps a Unicorn ARM64 instance. It is the Backend implementation
// the rest of the emulator is built on: internal/memmgr calls MemMap/
// MemUnmap/MemProtect, internal/sched calls ContextSave/ContextRestore and
// Start/Stop, internal/syscall64 and internal/jnitramp register an SVC hook.
type Emulator struct {
	mu uc.Unicorn

	codeHooks   []CodeHookFunc
	addrHooks   map[uint64]AddressHookFunc
	addrHooksMu sync.RWMutex

	svcHook SVCHookFunc

	stopped bool

	heapPtr uint64 // bump allocator for the libc malloc/free bridge fallback path
}

// New creates a bare ARM64 Unicorn instance with SP/TPIDR_EL0 zeroed and no
// memory mapped. Callers map the stack, SVC, and TLS regions themselves
// (normally via internal/memmgr.Manager.Bootstrap), since only the Memory
// Manager knows the mapping-record bookkeeping those regions need.
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:        mu,
		addrHooks: make(map[uint64]AddressHookFunc),
		heapPtr:   HeapBase,
	}

	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}

	return emu, nil
}

func (e *Emulator) setupHooks() error {
	if _, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if e.stopped {
			e.mu.Stop()
			return
		}

		e.addrHooksMu.RLock()
		hook, ok := e.addrHooks[addr]
		e.addrHooksMu.RUnlock()

		if ok {
			if hook(e) {
				e.Stop()
				return
			}
		}

		for _, h := range e.codeHooks {
			h(e, addr, size)
		}
	}, 1, 0); err != nil {
		return fmt.Errorf("add code hook: %w", err)
	}

	if _, err := e.mu.HookAdd(uc.HOOK_INTR, func(mu uc.Unicorn, intno uint32) {
		if e.svcHook == nil {
			return
		}
		// ARM64 delivers every exception through HOOK_INTR; intno 2 is the
		// SVC trap. The immediate isn't handed back directly, so decode it
		// from the four instruction bytes preceding the now-advanced PC.
		pc := e.PC()
		insn, err := e.mu.MemRead(pc-4, 4)
		if err != nil || len(insn) != 4 {
			return
		}
		word := binary.LittleEndian.Uint32(insn)
		if word&0xFFE0001F != 0xD4000001 {
			return // not an SVC instruction
		}
		imm := (word >> 5) & 0xFFFF
		e.svcHook(e, imm)
	}, 1, 0); err != nil {
		return fmt.Errorf("add intr hook: %w", err)
	}

	return nil
}

// OnSVC installs the single handler invoked for every `svc #imm` trap.
func (e *Emulator) OnSVC(fn SVCHookFunc) { e.svcHook = fn }

// Close releases the underlying Unicorn instance.
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// MemMap maps size bytes (must already be page-aligned by the caller) at
// addr with the given protection.
func (e *Emulator) MemMap(addr, size uint64, prot int) error {
	return e.mu.MemMapProt(addr, size, prot)
}

// MemUnmap removes a mapping.
func (e *Emulator) MemUnmap(addr, size uint64) error {
	return e.mu.MemUnmap(addr, size)
}

// MemProtect changes the protection of an existing mapping.
func (e *Emulator) MemProtect(addr, size uint64, prot int) error {
	return e.mu.MemProtect(addr, size, prot)
}

// MemRead reads bytes from guest memory.
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to guest memory.
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadU64 reads a little-endian uint64.
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a little-endian uint64.
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU32 reads a little-endian uint32.
func (e *Emulator) MemReadU32(addr uint64) (uint32, error) {
	data, err := e.mu.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// MemWriteU32 writes a little-endian uint32.
func (e *Emulator) MemWriteU32(addr uint64, val uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU16 reads a little-endian uint16.
func (e *Emulator) MemReadU16(addr uint64) (uint16, error) {
	data, err := e.mu.MemRead(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

// MemWriteU16 writes a little-endian uint16.
func (e *Emulator) MemWriteU16(addr uint64, val uint16) error {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU8 reads a single byte.
func (e *Emulator) MemReadU8(addr uint64) (uint8, error) {
	data, err := e.mu.MemRead(addr, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// MemWriteU8 writes a single byte.
func (e *Emulator) MemWriteU8(addr uint64, val uint8) error {
	return e.mu.MemWrite(addr, []byte{val})
}

// MemReadString reads a NUL-terminated string, reading at most maxLen bytes.
func (e *Emulator) MemReadString(addr uint64, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 4096
	}
	data, err := e.mu.MemRead(addr, uint64(maxLen))
	if err != nil {
		return "", err
	}
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), nil
		}
	}
	return string(data), nil
}

// MemWriteString writes a NUL-terminated string.
func (e *Emulator) MemWriteString(addr uint64, s string) error {
	data := append([]byte(s), 0)
	return e.mu.MemWrite(addr, data)
}

// Malloc is a bump allocator over the heap region, used by the JNI
// trampoline (internal/jnitramp) for its tables and for buffers it hands
// the guest. internal/memmgr owns the real brk/mmap semantics the syscall
// layer dispatches to; the libc malloc/calloc/realloc/operator new stubs
// allocate through memmgr's HeapAlloc, not through this.
func (e *Emulator) Malloc(size uint64) uint64 {
	size = (size + 15) &^ 15
	ptr := e.heapPtr
	e.heapPtr += size
	if e.heapPtr > HeapBase+HeapSize {
		panic("emulator: heap exhausted")
	}
	return ptr
}

// RegRead reads an arbitrary Unicorn register id.
func (e *Emulator) RegRead(reg int) (uint64, error) {
	return e.mu.RegRead(reg)
}

// RegWrite writes an arbitrary Unicorn register id.
func (e *Emulator) RegWrite(reg int, val uint64) error {
	return e.mu.RegWrite(reg, val)
}

// X reads general-purpose register X0-X30.
func (e *Emulator) X(n int) uint64 {
	if n < 0 || n > 30 {
		return 0
	}
	val, _ := e.mu.RegRead(uc.ARM64_REG_X0 + n)
	return val
}

// SetX writes general-purpose register X0-X30.
func (e *Emulator) SetX(n int, val uint64) error {
	if n < 0 || n > 30 {
		return fmt.Errorf("invalid register X%d", n)
	}
	return e.mu.RegWrite(uc.ARM64_REG_X0+n, val)
}

// D reads double-precision FP register D0-D31 as its raw bit pattern. The
// JNI calling convention returns double/float results here rather than in
// X0; callers convert with math.Float64frombits/Float32frombits as
// appropriate (a float result occupies the low 32 bits).
func (e *Emulator) D(n int) uint64 {
	if n < 0 || n > 31 {
		return 0
	}
	val, _ := e.mu.RegRead(uc.ARM64_REG_D0 + n)
	return val
}

// SetD writes double-precision FP register D0-D31 from a raw bit pattern.
func (e *Emulator) SetD(n int, bits uint64) error {
	if n < 0 || n > 31 {
		return fmt.Errorf("invalid register D%d", n)
	}
	return e.mu.RegWrite(uc.ARM64_REG_D0+n, bits)
}

// PC returns the program counter.
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(uc.ARM64_REG_PC)
	return pc
}

// SetPC sets the program counter.
func (e *Emulator) SetPC(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_PC, val)
}

// SP returns the stack pointer.
func (e *Emulator) SP() uint64 {
	sp, _ := e.mu.RegRead(uc.ARM64_REG_SP)
	return sp
}

// SetSP sets the stack pointer.
func (e *Emulator) SetSP(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_SP, val)
}

// LR returns the link register.
func (e *Emulator) LR() uint64 {
	lr, _ := e.mu.RegRead(uc.ARM64_REG_LR)
	return lr
}

// SetLR sets the link register.
func (e *Emulator) SetLR(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_LR, val)
}

// NZCV returns the condition flags register.
func (e *Emulator) NZCV() uint64 {
	v, _ := e.mu.RegRead(uc.ARM64_REG_NZCV)
	return v
}

// SetNZCV sets the condition flags register.
func (e *Emulator) SetNZCV(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_NZCV, val)
}

// TPIDR returns TPIDR_EL0, the thread-pointer register used for TLS.
func (e *Emulator) TPIDR() uint64 {
	v, _ := e.mu.RegRead(uc.ARM64_REG_TPIDR_EL0)
	return v
}

// SetTPIDR sets TPIDR_EL0.
func (e *Emulator) SetTPIDR(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_TPIDR_EL0, val)
}

// ContextSave snapshots the full CPU state.
func (e *Emulator) ContextSave() (*Context, error) {
	ctx, err := e.mu.ContextAlloc()
	if err != nil {
		return nil, err
	}
	if err := e.mu.ContextSave(ctx); err != nil {
		return nil, err
	}
	return &Context{ctx: ctx}, nil
}

// ContextRestore restores a previously saved CPU state.
func (e *Emulator) ContextRestore(c *Context) error {
	if c == nil {
		return fmt.Errorf("nil context")
	}
	return e.mu.ContextRestore(c.ctx)
}

// HookCode adds a hook invoked for every executed instruction.
func (e *Emulator) HookCode(fn CodeHookFunc) {
	e.codeHooks = append(e.codeHooks, fn)
}

// HookAddress installs a hook fired when execution reaches addr. Used by
// the stubs Registry's Install path to redirect a resolved symbol address
// to host code without going through an SVC trampoline, and by internal/vm
// for the task exit trap. The ELF loader's hook-listener chain binds
// symbols to svcmem trampolines instead.
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	e.addrHooks[addr] = fn
}

// RemoveAddressHook removes a previously installed address hook.
func (e *Emulator) RemoveAddressHook(addr uint64) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	delete(e.addrHooks, addr)
}

// Start runs the guest from begin until it reaches until (or an address
// hook / SVC handler calls Stop).
func (e *Emulator) Start(begin, until uint64) error {
	e.stopped = false
	return e.mu.Start(begin, until)
}

// Stop halts the currently running Start call. Calling Stop from inside a
// hook or SVC handler causes Start to return after the current instruction.
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}

// ARM64 register ids, re-exported for packages that need RegRead/RegWrite
// directly (e.g. the scheduler reading NZCV as part of a saved context).
const (
	RegX0  = uc.ARM64_REG_X0
	RegX8  = uc.ARM64_REG_X8
	RegX29 = uc.ARM64_REG_X29
	RegX30 = uc.ARM64_REG_X30
	RegSP  = uc.ARM64_REG_SP
	RegPC  = uc.ARM64_REG_PC
	RegLR  = uc.ARM64_REG_LR
	RegNZCV = uc.ARM64_REG_NZCV
	RegD0   = uc.ARM64_REG_D0
)
