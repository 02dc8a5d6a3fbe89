package pthread

import (
	"sync"

	"github.com/arm64sandbox/emulator/internal/emulator"
	"github.com/arm64sandbox/emulator/internal/errs"
	"github.com/arm64sandbox/emulator/internal/stubs"
)

func init() {
	stubs.RegisterFunc("pthread", "pthread_mutex_init", stubMutexInit)
	stubs.RegisterFunc("pthread", "pthread_mutex_destroy", stubMutexDestroy)
	stubs.RegisterFunc("pthread", "pthread_mutex_lock", stubMutexLock)
	stubs.RegisterFunc("pthread", "pthread_mutex_trylock", stubMutexTrylock)
	stubs.RegisterFunc("pthread", "pthread_mutex_unlock", stubMutexUnlock)

	// Rwlock — modeled as a single-owner lock, not readers-writers: two
	// concurrent readers under this scheme serialize instead of sharing,
	// which is conservative (never wrong, occasionally slower) rather
	// than incorrect.
	stubs.RegisterFunc("pthread", "pthread_rwlock_init", stubRwlockInit)
	stubs.RegisterFunc("pthread", "pthread_rwlock_destroy", stubRwlockDestroy)
	stubs.RegisterFunc("pthread", "pthread_rwlock_rdlock", stubRwlockRdlock)
	stubs.RegisterFunc("pthread", "pthread_rwlock_wrlock", stubRwlockWrlock)
	stubs.RegisterFunc("pthread", "pthread_rwlock_unlock", stubRwlockUnlock)

	// Spinlock — same single-owner model; there's no busy-waiting CPU to
	// spare under cooperative scheduling, so a "spin" lock blocks exactly
	// like a mutex here.
	stubs.RegisterFunc("pthread", "pthread_spin_init", stubSpinInit)
	stubs.RegisterFunc("pthread", "pthread_spin_destroy", stubSpinDestroy)
	stubs.RegisterFunc("pthread", "pthread_spin_lock", stubSpinLock)
	stubs.RegisterFunc("pthread", "pthread_spin_unlock", stubSpinUnlock)
}

var (
	lockMu   sync.Mutex
	lockHeld = make(map[uint64]bool) // guest lock object addr -> held
)

// acquireBlocking marks addr held if it was free; otherwise it blocks the
// caller on the scheduler's waiter table, keyed by addr, until
// releaseAndWake hands ownership directly to it — the same mechanism
// FUTEX_WAIT/FUTEX_WAKE use, just without going through a real syscall.
func acquireBlocking(emu *emulator.Emulator, addr uint64) {
	s := stubs.DefaultRegistry.Scheduler()
	if s == nil {
		emu.SetX(0, 0)
		return
	}

	lockMu.Lock()
	free := !lockHeld[addr]
	if free {
		lockHeld[addr] = true
	}
	lockMu.Unlock()

	emu.SetX(0, 0)
	if free {
		return
	}
	s.Block(addr, 0, false)
	emu.Stop()
}

// releaseAndWake hands addr directly to one waiter if any are blocked, or
// marks it free. lockHeld is left true across a direct handoff: ownership
// transfers without an intervening "unlocked" moment another task's
// trylock could observe.
func releaseAndWake(addr uint64) {
	lockMu.Lock()
	defer lockMu.Unlock()
	if s := stubs.DefaultRegistry.Scheduler(); s != nil && s.Wake(addr, 1) > 0 {
		return
	}
	lockHeld[addr] = false
}

func stubMutexInit(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubMutexDestroy(emu *emulator.Emulator) bool {
	addr := emu.X(0)
	lockMu.Lock()
	delete(lockHeld, addr)
	lockMu.Unlock()
	emu.SetX(0, 0)
	return false
}

func stubMutexLock(emu *emulator.Emulator) bool {
	acquireBlocking(emu, emu.X(0))
	return false
}

func stubMutexTrylock(emu *emulator.Emulator) bool {
	addr := emu.X(0)
	lockMu.Lock()
	free := !lockHeld[addr]
	if free {
		lockHeld[addr] = true
	}
	lockMu.Unlock()

	if free {
		emu.SetX(0, 0)
	} else {
		emu.SetX(0, uint64(errs.EBUSY))
	}
	return false
}

func stubMutexUnlock(emu *emulator.Emulator) bool {
	releaseAndWake(emu.X(0))
	emu.SetX(0, 0)
	return false
}

func stubRwlockInit(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubRwlockDestroy(emu *emulator.Emulator) bool {
	addr := emu.X(0)
	lockMu.Lock()
	delete(lockHeld, addr)
	lockMu.Unlock()
	emu.SetX(0, 0)
	return false
}

func stubRwlockRdlock(emu *emulator.Emulator) bool {
	acquireBlocking(emu, emu.X(0))
	return false
}

func stubRwlockWrlock(emu *emulator.Emulator) bool {
	acquireBlocking(emu, emu.X(0))
	return false
}

func stubRwlockUnlock(emu *emulator.Emulator) bool {
	releaseAndWake(emu.X(0))
	emu.SetX(0, 0)
	return false
}

func stubSpinInit(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubSpinDestroy(emu *emulator.Emulator) bool {
	addr := emu.X(0)
	lockMu.Lock()
	delete(lockHeld, addr)
	lockMu.Unlock()
	emu.SetX(0, 0)
	return false
}

func stubSpinLock(emu *emulator.Emulator) bool {
	acquireBlocking(emu, emu.X(0))
	return false
}

func stubSpinUnlock(emu *emulator.Emulator) bool {
	releaseAndWake(emu.X(0))
	emu.SetX(0, 0)
	return false
}
