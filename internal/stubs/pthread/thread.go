// Package pthread adapts bionic's pthread API onto the cooperative task
// scheduler (internal/sched): pthread_create spawns a real Thread task at
// the scheduler's exit trap instead of returning a tid nothing backs, and
// pthread_join blocks the caller on the scheduler's waiter table the same
// way FUTEX_WAIT does, rather than pretending the thread already finished.
package pthread

import (
	"sync"

	"github.com/arm64sandbox/emulator/internal/emulator"
	"github.com/arm64sandbox/emulator/internal/errs"
	"github.com/arm64sandbox/emulator/internal/memmgr"
	"github.com/arm64sandbox/emulator/internal/sched"
	"github.com/arm64sandbox/emulator/internal/stubs"
)

// defaultStackSize mirrors bionic's default pthread stack size; pthread_attr
// stacksize overrides aren't tracked (see attr.go), so every spawned thread
// gets this regardless of what pthread_attr_setstacksize recorded.
const defaultStackSize = 1 << 20

var (
	threadsMu sync.Mutex
	threads   = make(map[uint64]*sched.Task) // pthread_t value (task id) -> task
)

func init() {
	stubs.RegisterFunc("pthread", "pthread_create", stubPthreadCreate)
	stubs.RegisterFunc("pthread", "pthread_join", stubPthreadJoin)
	stubs.RegisterFunc("pthread", "pthread_detach", stubPthreadDetach)
	stubs.RegisterFunc("pthread", "pthread_equal", stubPthreadEqual)
	stubs.RegisterFunc("pthread", "pthread_self", stubPthreadSelf)
	stubs.RegisterFunc("pthread", "pthread_setname_np", stubPthreadSetnamNp)
	stubs.RegisterFunc("pthread", "pthread_getname_np", stubPthreadGetnamNp)
	stubs.RegisterFunc("pthread", "pthread_exit", stubPthreadExit)
	stubs.RegisterFunc("pthread", "pthread_cancel", stubPthreadCancel)
	stubs.RegisterFunc("pthread", "sched_yield", stubSchedYield)
}

func stubPthreadCreate(emu *emulator.Emulator) bool {
	threadPtr := emu.X(0)
	// attr := emu.X(1) // stacksize/detachstate overrides not honored
	startRoutine := emu.X(2)
	arg := emu.X(3)

	s := stubs.DefaultRegistry.Scheduler()
	mem := stubs.DefaultRegistry.Memory()
	if s == nil || mem == nil {
		stubs.DefaultRegistry.Log("pthread", "pthread_create", "no scheduler/memory wired, failing")
		emu.SetX(0, uint64(errs.EAGAIN))
		return false
	}

	stackBase, err := mem.Mmap2(0, defaultStackSize, memmgr.ProtRW,
		memmgr.MapPrivate|memmgr.MapAnonymous, -1, 0)
	if err != nil {
		emu.SetX(0, uint64(errs.EAGAIN))
		return false
	}
	sp := (stackBase + defaultStackSize) &^ 0xF

	task := s.Spawn(sched.KindThread, startRoutine, sp, emulator.TaskExitTrap)
	task.SetInitialX0(arg)

	threadsMu.Lock()
	threads[task.ID] = task
	threadsMu.Unlock()

	if threadPtr != 0 {
		emu.MemWriteU64(threadPtr, task.ID)
	}

	stubs.DefaultRegistry.Log("pthread", "pthread_create", stubs.FormatPtrPair("entry", startRoutine, "tid", task.ID))
	emu.SetX(0, 0)
	return false
}

func stubPthreadJoin(emu *emulator.Emulator) bool {
	tid := emu.X(0)
	retvalPtr := emu.X(1)

	threadsMu.Lock()
	task, ok := threads[tid]
	threadsMu.Unlock()

	s := stubs.DefaultRegistry.Scheduler()
	if !ok || s == nil {
		emu.SetX(0, 0)
		return false
	}

	select {
	case <-task.Done():
		if retvalPtr != 0 {
			emu.MemWriteU64(retvalPtr, task.Wait())
		}
		emu.SetX(0, 0)
		return false
	default:
	}

	// Not finished yet: block on the same waiter table a futex uses,
	// keyed by the target task's id. Whichever value pthread_exit passed
	// isn't retrievable at wake time (no hook fires again once the `ret`
	// following this trampoline resumes) — retvalPtr is left untouched in
	// that path.
	emu.SetX(0, 0)
	s.Block(sched.JoinKey(tid), 0, false)
	emu.Stop()
	return false
}

func stubPthreadDetach(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubPthreadEqual(emu *emulator.Emulator) bool {
	t1 := emu.X(0)
	t2 := emu.X(1)
	if t1 == t2 {
		emu.SetX(0, 1)
	} else {
		emu.SetX(0, 0)
	}
	return false
}

func stubPthreadSelf(emu *emulator.Emulator) bool {
	if s := stubs.DefaultRegistry.Scheduler(); s != nil {
		if t := s.Current(); t != nil {
			emu.SetX(0, t.ID)
			return false
		}
	}
	emu.SetX(0, 1)
	return false
}

func stubPthreadSetnamNp(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubPthreadGetnamNp(emu *emulator.Emulator) bool {
	buf := emu.X(1)
	if buf != 0 {
		emu.MemWriteString(buf, "main")
	}
	emu.SetX(0, 0)
	return false
}

// stubPthreadExit ends the calling task through the scheduler instead of
// just returning to the caller (the unadapted version did the latter,
// making pthread_exit indistinguishable from a normal return — it never
// actually stopped the thread that called it).
func stubPthreadExit(emu *emulator.Emulator) bool {
	retval := emu.X(0)
	if s := stubs.DefaultRegistry.Scheduler(); s != nil {
		if t := s.Current(); t != nil {
			s.Exit(t, retval)
		}
	}
	emu.Stop()
	return false
}

// stubPthreadCancel reports success without actually interrupting the
// target: the cooperative scheduler only preempts at syscall/futex/signal
// boundaries, so a thread that never yields can't be cancelled out from
// under it.
func stubPthreadCancel(emu *emulator.Emulator) bool {
	stubs.DefaultRegistry.Log("pthread", "pthread_cancel", "not preemptible under cooperative scheduling")
	emu.SetX(0, 0)
	return false
}

// stubSchedYield re-enqueues the caller at the back of the ready queue by
// stopping the backend without marking the task blocked or exited —
// dispatch's default case already puts an unchanged-state task back on the
// ready queue, so this is sched_yield(2) with no extra scheduler method
// needed.
func stubSchedYield(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	emu.Stop()
	return false
}
