// Package sched implements the cooperative single-CPU task scheduler:
// the Task union (function call / thread / signal), a FIFO dispatch loop,
// and futex wait/wake with both indefinite and nanosecond-timed waiters.
// One CPU context is in flight at a time; signal tasks are drained ahead
// of a task's own turn; waiters are keyed by guest address. All mutable
// scheduler state sits behind a single mutex.
package sched

import (
	"sync"
	"time"

	"github.com/arm64sandbox/emulator/internal/errs"
)

// State is a task's scheduling state.
type State int

const (
	StateReady State = iota
	StateSleeping
	StateBlockedFutex
	StateExited
	StateZombie
)

// Kind distinguishes the three members of the Task union.
type Kind int

const (
	KindFunction Kind = iota // a one-shot host-initiated call into guest code (EFunc)
	KindThread               // a guest pthread_create'd thread
	KindSignal               // a signal delivery, queued on its target task via SpawnSignal
)

// Backend is the subset of the CPU backend the scheduler drives.
type Backend interface {
	PC() uint64
	SetPC(addr uint64) error
	SetSP(addr uint64) error
	SetLR(addr uint64) error
	SetX(n int, val uint64) error
	Start(begin, until uint64) error
	Stop()
	ContextSave() (Context, error)
	ContextRestore(Context) error
}

// Context is an opaque saved CPU context; internal/emulator.Context
// satisfies this by structural identity (the scheduler never looks inside it).
type Context interface{}

// Task is one schedulable unit of execution.
type Task struct {
	ID    uint64
	Kind  Kind
	State State

	EntryPC   uint64
	StackSP   uint64
	LinkReg   uint64 // LR to install before first dispatch; 0 means leave whatever the backend has
	HasInitX0 bool   // clone()'s child-returns-0 convention needs X0 set before its first instruction
	InitX0    uint64
	Context   Context // nil until first suspended

	// signal-ops block: the blocked-signal mask (bit n-1 = signal n), the
	// sigaltstack registration, and the signal tasks queued against this
	// task, drained at its next dispatch when the mask permits.
	Signo          int    // for KindSignal tasks: the signal being delivered
	SigMask        uint64
	SigAltSP       uint64
	SigAltSize     uint64
	pendingSignals []*Task

	// futex wait bookkeeping
	futexAddr uint64
	wakeAt    time.Time // zero means wait indefinitely
	wakeX0    uint64    // X0 on resume after a Wake targeted this task
	timeoutX0 uint64    // X0 on resume after the deadline elapsed instead

	pendingX0    uint64 // written into X0 just before the next dispatch
	hasPendingX0 bool

	done chan struct{} // closed when a KindFunction task completes, for EFunc's caller
	result uint64
}

// Scheduler owns the ready queue, the futex waiter table, and drives tasks
// one at a time through the backend — there is exactly one guest CPU.
type Scheduler struct {
	backend Backend

	mu      sync.Mutex
	nextID  uint64
	ready   []*Task
	waiters map[uint64][]*Task // futex addr -> waiters, FIFO within an address
	all     map[uint64]*Task
	current *Task
}

// Current returns the task presently running on the CPU, valid only from
// inside a syscall handler invoked during that task's dispatch.
func (s *Scheduler) Current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// New creates a Scheduler over backend.
func New(backend Backend) *Scheduler {
	return &Scheduler{
		backend: backend,
		waiters: make(map[uint64][]*Task),
		all:     make(map[uint64]*Task),
	}
}

// Spawn creates a new task at entryPC with stack pointer sp and enqueues
// it as ready. lr is installed into the link register before the task's
// first dispatch — for an EFunc call this is a sentinel trap address the
// host recognizes as "the guest function returned"; pass 0 to
// leave LR whatever the backend already holds (pthread entry trampolines
// never return, so they have no need of one).
func (s *Scheduler) Spawn(kind Kind, entryPC, sp, lr uint64) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &Task{ID: s.nextID, Kind: kind, State: StateReady, EntryPC: entryPC, StackSP: sp, LinkReg: lr, done: make(chan struct{})}
	s.all[t.ID] = t
	s.ready = append(s.ready, t)
	return t
}

// SpawnSignal creates a KindSignal task for signo and queues it on
// target's signal list rather than the global ready queue; it runs ahead
// of target's own turn at target's next dispatch, provided target's mask
// doesn't block signo. The handler receives signo in X0.
func (s *Scheduler) SpawnSignal(target *Task, signo int, entryPC, sp, lr uint64) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &Task{ID: s.nextID, Kind: KindSignal, Signo: signo, State: StateReady,
		EntryPC: entryPC, StackSP: sp, LinkReg: lr, done: make(chan struct{})}
	t.SetInitialX0(uint64(signo))
	s.all[t.ID] = t
	target.pendingSignals = append(target.pendingSignals, t)
	return t
}

// TaskByID finds a live task by id (a guest tid).
func (s *Scheduler) TaskByID(tid uint64) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.all[tid]
	return t, ok
}

// Signal-mask manipulation for rt_sigprocmask: how is SIG_BLOCK (0),
// SIG_UNBLOCK (1), or SIG_SETMASK (2); set is nil for a query-only call.
// Applies to the currently running task and returns the previous mask.
func (s *Scheduler) SigProcMask(how int, set *uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.current
	if t == nil {
		return 0, errs.NewFatalError("sched: sigprocmask with no current task")
	}
	old := t.SigMask
	if set == nil {
		return old, nil
	}
	switch how {
	case 0: // SIG_BLOCK
		t.SigMask |= *set
	case 1: // SIG_UNBLOCK
		t.SigMask &^= *set
	case 2: // SIG_SETMASK
		t.SigMask = *set
	default:
		return old, errs.EINVAL
	}
	return old, nil
}

// SigAltStack records the current task's alternate signal stack; delivery
// uses it as the handler's SP when one is registered.
func (s *Scheduler) SigAltStack(sp, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.current
	if t == nil {
		return errs.NewFatalError("sched: sigaltstack with no current task")
	}
	t.SigAltSP = sp
	t.SigAltSize = size
	return nil
}

func sigBlocked(mask uint64, signo int) bool {
	return signo >= 1 && signo <= 64 && mask&(1<<uint(signo-1)) != 0
}

// SetInitialX0 arranges for X0 to hold v at the task's first dispatch,
// before anything else runs — used for clone()'s "child sees 0, parent
// sees the new tid" return convention. Must be called before the task is
// first dispatched.
func (t *Task) SetInitialX0(v uint64) {
	t.HasInitX0 = true
	t.InitX0 = v
}

// Block marks the currently-dispatching task as waiting on a futex
// address, with an optional deadline. Called from within a syscall
// handler; the caller is responsible for stopping the backend afterward
// so dispatch() can harvest the new state.
func (s *Scheduler) Block(addr uint64, timeout time.Duration, hasTimeout bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.current
	if t == nil {
		return
	}
	t.State = StateBlockedFutex
	t.futexAddr = addr
	t.wakeX0 = 0
	t.timeoutX0 = 0
	if hasTimeout {
		t.wakeAt = time.Now().Add(timeout)
	} else {
		t.wakeAt = time.Time{}
	}
}

// SetBlockResume overrides what the just-blocked current task will see in
// X0 when it next runs: wake if a Wake targeted it, timeout if its
// deadline elapsed instead. The futex syscall uses this to distinguish a
// genuine wake (0) from -ETIMEDOUT; stub-level blocks (nanosleep,
// pthread_cond_timedwait's caller handles its own rc) leave the 0/0
// default from Block.
func (s *Scheduler) SetBlockResume(wake, timeout uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.current; t != nil {
		t.wakeX0 = wake
		t.timeoutX0 = timeout
	}
}

// Wake moves up to n tasks waiting on addr back onto the ready queue,
// returning the count actually woken (FUTEX_WAKE's return value). addr
// need not be a real guest address: pthread_cond_wait/signal key it by the
// condition variable's own pointer, and task-exit notifications (see
// JoinKey) use it as a plain lookup key into the same waiter table a real
// futex uses.
func (s *Scheduler) Wake(addr uint64, n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wakeLocked(addr, n)
}

func (s *Scheduler) wakeLocked(addr uint64, n int) int {
	waiters := s.waiters[addr]
	if len(waiters) == 0 {
		return 0
	}
	woken := 0
	var remaining []*Task
	for _, t := range waiters {
		if woken < n {
			t.State = StateReady
			t.pendingX0 = t.wakeX0
			t.hasPendingX0 = true
			s.ready = append(s.ready, t)
			woken++
		} else {
			remaining = append(remaining, t)
		}
	}
	if len(remaining) == 0 {
		delete(s.waiters, addr)
	} else {
		s.waiters[addr] = remaining
	}
	return woken
}

// JoinKey maps a task id into the waiter table's address space, offset
// into the top bit so it can never collide with a real 48-bit guest
// virtual address. pthread_join blocks on JoinKey(tid) exactly like a
// futex wait; dispatch wakes it the moment the target task's state
// becomes StateZombie.
func JoinKey(tid uint64) uint64 { return 1<<63 | tid }

// popNext returns the next task to dispatch: the head of the ready FIFO,
// then any sleeping/futex waiter whose deadline has passed. Signal tasks
// never sit here — they live on their target's signal list and run at the
// start of that task's dispatch.
func (s *Scheduler) popNext() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.wakeExpiredLocked()
	if len(s.ready) > 0 {
		t := s.ready[0]
		s.ready = s.ready[1:]
		return t
	}
	return nil
}

func (s *Scheduler) wakeExpiredLocked() {
	now := time.Now()
	for addr, waiters := range s.waiters {
		var remaining []*Task
		for _, t := range waiters {
			if !t.wakeAt.IsZero() && !now.Before(t.wakeAt) {
				t.State = StateReady
				t.pendingX0 = t.timeoutX0
				t.hasPendingX0 = true
				s.ready = append(s.ready, t)
			} else {
				remaining = append(remaining, t)
			}
		}
		if len(remaining) == 0 {
			delete(s.waiters, addr)
		} else {
			s.waiters[addr] = remaining
		}
	}
}

// Run drives the dispatch loop until no task is ready and no waiter has a
// deadline; tasks waiting with no deadline stay in the waiter table when
// it returns. Each task runs until it calls Stop on the
// backend (a syscall returns, a futex blocks, the task exits).
func (s *Scheduler) Run() error {
	for {
		t := s.popNext()
		if t == nil {
			s.mu.Lock()
			timed := false
			for _, waiters := range s.waiters {
				for _, w := range waiters {
					if !w.wakeAt.IsZero() {
						timed = true
					}
				}
			}
			s.mu.Unlock()
			if !timed {
				// Nothing runnable and no deadline that could make
				// anything runnable: return control to the host.
				return nil
			}
			time.Sleep(time.Millisecond)
			continue
		}

		if err := s.dispatch(t); err != nil {
			return err
		}
	}
}

func (s *Scheduler) dispatch(t *Task) error {
	// Drain this task's deliverable signals first: each runs as its own
	// task ahead of t's turn; ones the mask blocks stay queued for a
	// later dispatch. A handler that blocks simply becomes an independent
	// waiter — its completion is not tied to t's.
	for {
		s.mu.Lock()
		var sig *Task
		for i, ps := range t.pendingSignals {
			if !sigBlocked(t.SigMask, ps.Signo) {
				sig = ps
				t.pendingSignals = append(t.pendingSignals[:i], t.pendingSignals[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		if sig == nil {
			break
		}
		if err := s.dispatch(sig); err != nil {
			return err
		}
	}

	begin := t.EntryPC
	if t.Context != nil {
		if err := s.backend.ContextRestore(t.Context); err != nil {
			return errs.NewFatalError("sched: restore context for task %d: %v", t.ID, err)
		}
		if t.hasPendingX0 {
			_ = s.backend.SetX(0, t.pendingX0)
			t.hasPendingX0 = false
		}
		// Resume where the saved context left off, not at the entry point.
		begin = s.backend.PC()
	} else {
		if err := s.backend.SetPC(t.EntryPC); err != nil {
			return errs.NewFatalError("sched: set entry pc for task %d: %v", t.ID, err)
		}
		if t.StackSP != 0 {
			_ = s.backend.SetSP(t.StackSP)
		}
		if t.LinkReg != 0 {
			_ = s.backend.SetLR(t.LinkReg)
		}
		if t.HasInitX0 {
			_ = s.backend.SetX(0, t.InitX0)
		}
	}

	s.mu.Lock()
	s.current = t
	s.mu.Unlock()

	_ = s.backend.Start(begin, 0)

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()

	ctx, err := s.backend.ContextSave()
	if err != nil {
		return errs.NewFatalError("sched: save context for task %d: %v", t.ID, err)
	}
	t.Context = ctx

	s.mu.Lock()
	switch t.State {
	case StateExited:
		t.State = StateZombie
		close(t.done)
		s.wakeLocked(JoinKey(t.ID), 1<<30)
	case StateBlockedFutex, StateSleeping:
		s.waiters[t.futexAddr] = append(s.waiters[t.futexAddr], t)
	default:
		t.State = StateReady
		s.ready = append(s.ready, t)
	}
	s.mu.Unlock()

	return nil
}

// Exit marks a task as finished; called by the syscall dispatcher's
// exit/exit_group handler before it calls Stop on the backend.
func (s *Scheduler) Exit(t *Task, result uint64) {
	s.mu.Lock()
	t.State = StateExited
	t.result = result
	s.mu.Unlock()
}

// Wait blocks the calling host goroutine until a KindFunction task
// finishes, returning its result (X0 at the point it called Exit).
func (t *Task) Wait() uint64 {
	<-t.done
	return t.result
}

// Done returns the channel that closes when the task reaches StateZombie,
// for callers that need a non-blocking check (pthread_join's "is it
// already finished" fast path) alongside the blocking Wait above.
func (t *Task) Done() <-chan struct{} {
	return t.done
}
