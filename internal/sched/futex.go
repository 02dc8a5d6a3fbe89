package sched

import (
	"time"

	"github.com/arm64sandbox/emulator/internal/errs"
)

// Linux futex operation codes the dispatcher recognizes.
const (
	FutexWait        = 0
	FutexWake        = 1
	FutexRequeue     = 3
	FutexCmpRequeue  = 4
	FutexPrivateFlag = 128
)

// MemReader reads the 32-bit futex word for the compare-and-block check.
type MemReader interface {
	MemReadU32(addr uint64) (uint32, error)
}

// FutexOp services the futex syscall for the currently running task. op is
// the raw op argument with FUTEX_PRIVATE_FLAG still set (masked off here).
// timeout is nil for FUTEX_WAIT with no timeout; otherwise it names the
// relative wait duration.
//
// Per the documented decision on unhandled futex ops: FUTEX_REQUEUE and
// FUTEX_CMP_REQUEUE return 0 without actually moving any waiters (the
// dispatcher never needs to service two distinct condition variables
// backed by the same guest lock), and any op this function doesn't
// recognize is a fatal emulator error rather than a silent ENOSYS.
func (s *Scheduler) FutexOp(mem MemReader, addr uint64, op uint32, val uint32, timeout *time.Duration) (int64, error) {
	switch op &^ FutexPrivateFlag {
	case FutexWait:
		cur, err := mem.MemReadU32(addr)
		if err != nil {
			return 0, errs.EFAULT
		}
		if cur != val {
			return 0, errs.EAGAIN
		}
		return 0, s.blockCurrentOnFutex(addr, timeout)

	case FutexWake:
		return int64(s.WakeFutex(addr, int(val))), nil

	case FutexRequeue, FutexCmpRequeue:
		return 0, nil

	default:
		return 0, errs.NewFatalError("sched: unhandled futex op %d", op&^FutexPrivateFlag)
	}
}

// blockCurrentOnFutex parks the running task on addr's waiter list. The
// actual suspension happens when dispatch() observes StateBlockedFutex
// after Start returns — FutexOp itself only flips the state and returns;
// the syscall handler's caller (the SVC hook) must call backend.Stop()
// immediately after this so Start yields control back to dispatch().
func (s *Scheduler) blockCurrentOnFutex(addr uint64, timeout *time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.current
	if t == nil {
		return errs.NewFatalError("sched: futex wait with no current task")
	}
	t.State = StateBlockedFutex
	t.futexAddr = addr
	t.wakeX0 = 0
	if timeout != nil {
		t.wakeAt = time.Now().Add(*timeout)
		t.timeoutX0 = uint64(errs.ETIMEDOUT.Negated())
	} else {
		t.wakeAt = time.Time{}
		t.timeoutX0 = 0
	}
	return nil
}

// WakeFutex wakes up to n waiters blocked on addr, FIFO, returning the
// number actually woken.
func (s *Scheduler) WakeFutex(addr uint64, n int) int {
	return s.Wake(addr, n)
}
