package pthread

import (
	"time"

	"github.com/arm64sandbox/emulator/internal/emulator"
	"github.com/arm64sandbox/emulator/internal/stubs"
)

func init() {
	stubs.RegisterFunc("pthread", "pthread_cond_init", stubCondInit)
	stubs.RegisterFunc("pthread", "pthread_cond_destroy", stubCondDestroy)
	stubs.RegisterFunc("pthread", "pthread_cond_wait", stubCondWait)
	stubs.RegisterFunc("pthread", "pthread_cond_timedwait", stubCondTimedwait)
	stubs.RegisterFunc("pthread", "pthread_cond_signal", stubCondSignal)
	stubs.RegisterFunc("pthread", "pthread_cond_broadcast", stubCondBroadcast)
}

func stubCondInit(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubCondDestroy(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

// waitOnCond releases mutexAddr (waking one other waiter of that lock if
// any is queued, same as pthread_mutex_unlock) and blocks the caller on
// condAddr. pthread_cond_signal/broadcast wake it by address exactly like
// FUTEX_WAKE. The mutex is not reacquired before control returns to the
// guest at wake time — no hook fires again once the trampoline's own `ret`
// resumes, so there's nowhere left to run the reacquire — the same
// documented gap stubPthreadJoin leaves around its retval pointer.
func waitOnCond(emu *emulator.Emulator, condAddr, mutexAddr uint64, timeout time.Duration, hasTimeout bool) {
	s := stubs.DefaultRegistry.Scheduler()
	if s == nil {
		emu.SetX(0, 0)
		return
	}
	releaseAndWake(mutexAddr)
	emu.SetX(0, 0)
	s.Block(condAddr, timeout, hasTimeout)
	emu.Stop()
}

func stubCondWait(emu *emulator.Emulator) bool {
	condAddr := emu.X(0)
	mutexAddr := emu.X(1)
	waitOnCond(emu, condAddr, mutexAddr, 0, false)
	return false
}

func stubCondTimedwait(emu *emulator.Emulator) bool {
	condAddr := emu.X(0)
	mutexAddr := emu.X(1)
	tsPtr := emu.X(2)

	var timeout time.Duration
	if tsPtr != 0 {
		sec, _ := emu.MemReadU64(tsPtr)
		nsec, _ := emu.MemReadU64(tsPtr + 8)
		deadline := time.Unix(int64(sec), int64(nsec))
		timeout = time.Until(deadline)
		if timeout < 0 {
			timeout = 0
		}
	}
	waitOnCond(emu, condAddr, mutexAddr, timeout, true)
	return false
}

func stubCondSignal(emu *emulator.Emulator) bool {
	s := stubs.DefaultRegistry.Scheduler()
	if s != nil {
		s.Wake(emu.X(0), 1)
	}
	emu.SetX(0, 0)
	return false
}

func stubCondBroadcast(emu *emulator.Emulator) bool {
	s := stubs.DefaultRegistry.Scheduler()
	if s != nil {
		s.Wake(emu.X(0), 1<<30)
	}
	emu.SetX(0, 0)
	return false
}
