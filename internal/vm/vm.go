// Package vm assembles every lower layer — the Unicorn-backed CPU, the
// memory manager, the file system, the SVC trampoline allocator, the ELF
// loader, the cooperative scheduler, the Linux syscall dispatcher, the JNI
// trampoline, and the Dalvik stub — into the single embeddable Emulator
// type the host API exposes. All process-wide state lives on the Emulator;
// there is no package-level mutable state.
package vm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/arm64sandbox/emulator/internal/config"
	"github.com/arm64sandbox/emulator/internal/dalvik"
	"github.com/arm64sandbox/emulator/internal/emulator"
	"github.com/arm64sandbox/emulator/internal/errs"
	"github.com/arm64sandbox/emulator/internal/jnitramp"
	"github.com/arm64sandbox/emulator/internal/linker"
	"github.com/arm64sandbox/emulator/internal/log"
	"github.com/arm64sandbox/emulator/internal/memmgr"
	"github.com/arm64sandbox/emulator/internal/sched"
	"github.com/arm64sandbox/emulator/internal/stubs"
	_ "github.com/arm64sandbox/emulator/internal/stubs/all" // register the libc/pthread/android/network stub surface
	"github.com/arm64sandbox/emulator/internal/svcmem"
	"github.com/arm64sandbox/emulator/internal/syscall64"
	"github.com/arm64sandbox/emulator/internal/vfs"
)

// efuncTrapAddr is emulator.TaskExitTrap under a local name matching the
// rest of this file's lowerCamelCase constants.
const efuncTrapAddr = emulator.TaskExitTrap

// moduleLoadBase is where the dynamic linker starts placing shared
// objects, kept well clear of the syscall-level mmap arena both regions
// share the same 64-bit address space with (MMapBase upward).
const moduleLoadBase = 0x60000000

// Emulator is the embeddable host API surface: one guest process, one
// Unicorn CPU, one address space.
type Emulator struct {
	pid, ppid, procName string
	userData            any
	numericPID           uint64

	cfg      *config.Config
	backend  *emulator.Emulator
	mapper   *memmgr.Manager
	fsys     *vfs.FileSystem
	svcAlloc *svcmem.Allocator
	loader   *linker.Loader
	resolver *libResolver
	sched    *sched.Scheduler
	sys      *syscall64.Dispatcher
	tramp    *jnitramp.Trampoline
	dvm      *DalvikVM

	initialSP uint64

	sigHandlers map[int]uint64 // signo -> guest sa_handler, from rt_sigaction
}

// NewEmulator creates one guest process: it maps the stack, heap, SVC
// trampoline, and TLS regions, wires the scheduler's futex/clone syscalls
// to the scheduler itself, builds the JNI trampoline and Dalvik stub, and
// bridges the stub registry into the relocation-time hook-listener chain.
// userData is opaque to this package; it is the
// embedder's own context, retrieved later via Emulator.UserData.
func NewEmulator(pid, ppid, procName string, userData any) (*Emulator, error) {
	cfg := config.FromEnv()
	log.Init(cfg.EmuLog)

	backend, err := emulator.New()
	if err != nil {
		return nil, errs.NewHostError("create backend", err)
	}

	mapper := memmgr.New(backend, emulator.MMapBase, emulator.HeapBase, emulator.HeapSize)
	stackBase := emulator.StackBase - emulator.StackSize
	if err := mapper.Bootstrap(stackBase, emulator.StackSize); err != nil {
		return nil, errs.NewHostError("bootstrap memory", err)
	}
	stubs.DefaultRegistry.SetHeap(memmgr.NewHeapAlloc(mapper))
	stubs.DefaultRegistry.SetMemory(mapper)

	if err := backend.MemMap(emulator.TLSBase, emulator.TLSSize, emulator.ProtRead|emulator.ProtWrite); err != nil {
		return nil, errs.NewHostError("map TLS", err)
	}
	if err := backend.MemMap(efuncTrapAddr, pageSize, emulator.ProtRead|emulator.ProtExec); err != nil {
		return nil, errs.NewHostError("map efunc trap", err)
	}
	if err := backend.MemWrite(efuncTrapAddr, []byte{0xC0, 0x03, 0x5F, 0xD6}); err != nil { // ret
		return nil, errs.NewHostError("write efunc trap", err)
	}

	fsys := vfs.New(cfg.BasePath, mapper)
	mapper.SetFileMapper(fsys)
	stubs.DefaultRegistry.SetFileSystem(fsys)

	svcAlloc, err := svcmem.New(backend, emulator.SVCBase, emulator.SVCSize)
	if err != nil {
		return nil, errs.NewHostError("create svc allocator", err)
	}

	hookBridge := stubs.NewHookListener(stubs.DefaultRegistry, svcAlloc, backend)
	hooks := svcmem.NewListenerChain(hookBridge)

	resolver := newLibResolver(cfg.BasePath)
	loader := linker.New(backend, mapper, hooks, resolver, moduleLoadBase)
	stubs.DefaultRegistry.SetLoader(loader)

	errnoTLS := emulator.TLSBase
	numericPID := parseNumericID(pid)
	sysDispatch := syscall64.New(backend, mapper, fsys, errnoTLS, numericPID)

	dvmVM := dalvik.New()
	tramp, err := jnitramp.Install(backend, svcAlloc, dvmVM)
	if err != nil {
		return nil, errs.NewHostError("install jni trampoline", err)
	}

	e := &Emulator{
		pid: pid, ppid: ppid, procName: procName, userData: userData,
		numericPID: numericPID,
		cfg:        cfg,
		backend:    backend,
		mapper:     mapper,
		fsys:       fsys,
		svcAlloc:   svcAlloc,
		loader:     loader,
		resolver:   resolver,
		sched:      sched.New(schedBackend{backend}),
		sys:        sysDispatch,
		tramp:      tramp,
		initialSP:  emulator.StackBase - 0x100, // red zone below the mapped top
		sigHandlers: make(map[int]uint64),
	}
	e.dvm = &DalvikVM{emu: e, vm: dvmVM, tramp: tramp}
	stubs.DefaultRegistry.SetScheduler(e.sched)

	e.registerSchedulerSyscalls()
	e.backend.HookAddress(efuncTrapAddr, e.onEFuncReturn)
	e.backend.OnSVC(e.onSVC)

	return e, nil
}

const pageSize = 0x1000

func parseNumericID(s string) uint64 {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n
	}
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// Memory returns the guest memory manager.
func (e *Emulator) Memory() *memmgr.Manager { return e.mapper }

// FileSystem returns the guest file system.
func (e *Emulator) FileSystem() *vfs.FileSystem { return e.fsys }

// DalvikVM returns the Dalvik/JNI stub wrapper.
func (e *Emulator) DalvikVM() *DalvikVM { return e.dvm }

// UserData returns the opaque value passed to NewEmulator.
func (e *Emulator) UserData() any { return e.userData }

// PID, PPID, and ProcName return the identity strings passed to NewEmulator.
func (e *Emulator) PID() string      { return e.pid }
func (e *Emulator) PPID() string     { return e.ppid }
func (e *Emulator) ProcName() string { return e.procName }

// Loader returns the ELF loader, for callers that need LoadedModules or
// direct Load access beyond what DalvikVM.LoadLibrary exposes.
func (e *Emulator) Loader() *linker.Loader { return e.loader }

// SetLibraryOverrides installs a soname->path map the dependency resolver
// consults before its conventional directory search, letting a caller (the
// CLI's --resolver-config flag) steer DT_NEEDED resolution explicitly.
func (e *Emulator) SetLibraryOverrides(overrides map[string]string) {
	e.resolver.SetOverrides(overrides)
}

func (e *Emulator) onEFuncReturn(be *emulator.Emulator) bool {
	t := e.sched.Current()
	if t != nil {
		e.sched.Exit(t, be.X(0))
	}
	return true
}

func (e *Emulator) onSVC(be *emulator.Emulator, imm uint32) {
	if imm == 0 {
		e.sys.Dispatch()
		return
	}
	if e.svcAlloc.Dispatch(imm) {
		return
	}
	log.L.Error(fmt.Sprintf("unhandled svc immediate 0x%x", imm))
	be.Stop()
}

// EFunc synchronously calls a guest function at address with up to eight
// arguments passed in X0-X7, blocking until the guest function returns
// (detected via a sentinel return address installed in its link
// register) or ctx is already done. The local JNI reference pool, if a
// Dalvik VM is wired, is cleared afterward — every top-level EFunc call is
// a return-to-Java boundary.
func (e *Emulator) EFunc(ctx context.Context, address uint64, args ...uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for i, a := range args {
		if i > 7 {
			break
		}
		if err := e.backend.SetX(i, a); err != nil {
			return 0, errs.NewHostError("set efunc arg", err)
		}
	}

	task := e.sched.Spawn(sched.KindFunction, address, e.initialSP, efuncTrapAddr)
	if err := e.sched.Run(); err != nil {
		return 0, err
	}
	result := task.Wait()

	if e.dvm != nil {
		e.dvm.vm.ClearLocals()
	}
	return result, nil
}

func (e *Emulator) registerSchedulerSyscalls() {
	e.sys.Register(syscall64.NRFutex, func(d *syscall64.Dispatcher, a [6]uint64) int64 {
		return e.handleFutex(a)
	})
	e.sys.Register(syscall64.NRClone, func(d *syscall64.Dispatcher, a [6]uint64) int64 {
		return e.handleClone(a)
	})
	exit := func(d *syscall64.Dispatcher, a [6]uint64) int64 {
		if t := e.sched.Current(); t != nil {
			e.sched.Exit(t, a[0])
		}
		e.backend.Stop()
		return int64(a[0])
	}
	e.sys.Register(syscall64.NRExit, exit)
	e.sys.Register(syscall64.NRExitGroup, exit)

	e.sys.Register(syscall64.NRRtSigAction, func(d *syscall64.Dispatcher, a [6]uint64) int64 {
		return e.handleSigaction(a)
	})
	e.sys.Register(syscall64.NRRtSigProcMask, func(d *syscall64.Dispatcher, a [6]uint64) int64 {
		return e.handleSigprocmask(a)
	})
	e.sys.Register(syscall64.NRSigAltStack, func(d *syscall64.Dispatcher, a [6]uint64) int64 {
		return e.handleSigaltstack(a)
	})
	deliver := func(d *syscall64.Dispatcher, a [6]uint64) int64 {
		return e.handleTgkill(a[1], int(int32(uint32(a[2]))))
	}
	e.sys.Register(syscall64.NRTgkill, deliver)
	e.sys.Register(syscall64.NRTkill, func(d *syscall64.Dispatcher, a [6]uint64) int64 {
		return e.handleTgkill(a[0], int(int32(uint32(a[1]))))
	})
	e.sys.Register(syscall64.NRKill, func(d *syscall64.Dispatcher, a [6]uint64) int64 {
		// Single-process model: kill only reaches this process itself,
		// delivered to the currently running task.
		if a[0] != 0 && a[0] != e.numericPID {
			return errs.ESRCH.Negated()
		}
		t := e.sched.Current()
		if t == nil {
			return errs.ESRCH.Negated()
		}
		return e.handleTgkill(t.ID, int(int32(uint32(a[1]))))
	})
}

// handleSigaction records the guest's sa_handler for signo (kernel struct
// sigaction on AArch64: sa_handler, sa_flags, sa_restorer, sa_mask — only
// the handler is consulted at delivery). SIG_DFL/SIG_IGN drop the entry.
func (e *Emulator) handleSigaction(a [6]uint64) int64 {
	signo := int(int32(uint32(a[0])))
	if signo < 1 || signo > 64 {
		return errs.EINVAL.Negated()
	}
	if old := a[2]; old != 0 {
		_ = e.backend.MemWriteU64(old, e.sigHandlers[signo])
	}
	if act := a[1]; act != 0 {
		handler, err := e.backend.MemReadU64(act)
		if err != nil {
			return errs.EFAULT.Negated()
		}
		const sigDFL, sigIGN = 0, 1
		if handler == sigDFL || handler == sigIGN {
			delete(e.sigHandlers, signo)
		} else {
			e.sigHandlers[signo] = handler
		}
	}
	return 0
}

// handleSigprocmask updates the current task's signal-ops mask. The
// 8-byte kernel sigset is read from/written to guest memory; an
// unrecognized how is rejected.
func (e *Emulator) handleSigprocmask(a [6]uint64) int64 {
	how := int(int32(uint32(a[0])))
	var setPtr *uint64
	if a[1] != 0 {
		v, err := e.backend.MemReadU64(a[1])
		if err != nil {
			return errs.EFAULT.Negated()
		}
		setPtr = &v
	}
	old, err := e.sched.SigProcMask(how, setPtr)
	if err != nil {
		var guest errs.GuestErrno
		if errors.As(err, &guest) {
			return guest.Negated()
		}
		log.L.Error(err.Error())
		e.backend.Stop()
		return errs.EINVAL.Negated()
	}
	if a[2] != 0 {
		_ = e.backend.MemWriteU64(a[2], old)
	}
	return 0
}

// handleSigaltstack records the current task's alternate stack (stack_t:
// ss_sp, ss_flags, ss_size). The old stack, when asked for, reads back
// what was last registered.
func (e *Emulator) handleSigaltstack(a [6]uint64) int64 {
	t := e.sched.Current()
	if a[1] != 0 && t != nil {
		_ = e.backend.MemWriteU64(a[1], t.SigAltSP)
		_ = e.backend.MemWriteU64(a[1]+16, t.SigAltSize)
	}
	if a[0] == 0 {
		return 0
	}
	sp, err := e.backend.MemReadU64(a[0])
	if err != nil {
		return errs.EFAULT.Negated()
	}
	size, err := e.backend.MemReadU64(a[0] + 16)
	if err != nil {
		return errs.EFAULT.Negated()
	}
	if serr := e.sched.SigAltStack(sp, size); serr != nil {
		log.L.Error(serr.Error())
		e.backend.Stop()
		return errs.EINVAL.Negated()
	}
	return 0
}

// handleTgkill queues a signal task against the target tid. With no
// handler registered the signal is absorbed (default dispositions aren't
// modeled — terminating the whole process from a guest signal would be
// indistinguishable from a crash for the embedder). The handler runs on
// the target's sigaltstack when one is registered, otherwise on a fresh
// anonymous stack, and returns through the task-exit trap.
func (e *Emulator) handleTgkill(tid uint64, signo int) int64 {
	if signo < 1 || signo > 64 {
		return errs.EINVAL.Negated()
	}
	target, ok := e.sched.TaskByID(tid)
	if !ok {
		return errs.ESRCH.Negated()
	}
	handler, ok := e.sigHandlers[signo]
	if !ok {
		return 0
	}

	const sigStackSize = 0x10000
	var sp uint64
	if target.SigAltSP != 0 && target.SigAltSize != 0 {
		sp = (target.SigAltSP + target.SigAltSize) &^ 0xF
	} else {
		base, err := e.mapper.Mmap2(0, sigStackSize, memmgr.ProtRW,
			memmgr.MapPrivate|memmgr.MapAnonymous, -1, 0)
		if err != nil {
			return errs.EAGAIN.Negated()
		}
		sp = (base + sigStackSize) &^ 0xF
	}
	e.sched.SpawnSignal(target, signo, handler, sp, efuncTrapAddr)
	return 0
}

// handleFutex bridges the futex syscall into the scheduler's waiter table
// (internal/syscall64 can't register it itself — it has no dependency on
// internal/sched, by design). The wait path parks the current task and
// stops the backend; dispatch writes 0 into its X0 when a wake targets it,
// or -ETIMEDOUT when the deadline elapses first.
func (e *Emulator) handleFutex(a [6]uint64) int64 {
	uaddr := a[0]
	op := uint32(a[1])
	val := uint32(a[2])

	var timeout *time.Duration
	if a[3] != 0 && op&^sched.FutexPrivateFlag == sched.FutexWait {
		sec, _ := e.backend.MemReadU64(a[3])
		nsec, _ := e.backend.MemReadU64(a[3] + 8)
		d := time.Duration(sec)*time.Second + time.Duration(nsec)
		timeout = &d
	}

	ret, err := e.sched.FutexOp(e.backend, uaddr, op, val, timeout)
	if err != nil {
		var guest errs.GuestErrno
		if errors.As(err, &guest) {
			return guest.Negated()
		}
		log.L.Error(err.Error())
		e.backend.Stop()
		return errs.EINVAL.Negated()
	}
	if op&^sched.FutexPrivateFlag == sched.FutexWait {
		// The current task is now parked; yield the CPU so dispatch can
		// pick the next runnable task.
		e.backend.Stop()
	}
	return ret
}

// Required clone flags for a thread-style clone, plus the optional
// parent-settid request.
const (
	cloneVM           = 0x00000100
	cloneFS           = 0x00000200
	cloneFiles        = 0x00000400
	cloneSighand      = 0x00000800
	cloneThread       = 0x00010000
	cloneParentSettid = 0x00100000

	cloneRequired = cloneVM | cloneFS | cloneFiles | cloneSighand | cloneThread
)

// handleClone spawns a new scheduler task at the instruction following
// the clone syscall — the same "child resumes where the syscall returned"
// convention the real kernel uses, which is also exactly what bionic's
// clone() trampoline expects: it arranges the child's real entry point
// and argument through its own stack setup, not through clone()'s return
// address. The child sees X0=0 (clone()'s child-side return value); the
// parent sees the new task's id as its tid.
func (e *Emulator) handleClone(a [6]uint64) int64 {
	flags := a[0]
	newSP := a[1]
	parentTid := a[2]

	// A fork-style clone (no stack, no parent tid) is not supported:
	// there is one address space and one process here.
	if newSP == 0 && parentTid == 0 {
		return errs.EINVAL.Negated()
	}
	if flags&cloneRequired != cloneRequired {
		return errs.EINVAL.Negated()
	}

	childPC := e.backend.PC()
	child := e.sched.Spawn(sched.KindThread, childPC, newSP, 0)
	child.SetInitialX0(0)

	if flags&cloneParentSettid != 0 && parentTid != 0 {
		_ = e.backend.MemWriteU32(parentTid, uint32(child.ID))
	}
	return int64(child.ID)
}
