package sched

import (
	"testing"
	"time"

	"github.com/arm64sandbox/emulator/internal/errs"
)

// fakeBackend drives the scheduler without a CPU: each Start call runs a
// scripted step, standing in for "the guest executed until it yielded".
type fakeBackend struct {
	pc   uint64
	sp   uint64
	lr   uint64
	x    [31]uint64
	step func(b *fakeBackend, begin uint64)

	mem map[uint64]uint32
}

type fakeContext struct {
	pc uint64
	x  [31]uint64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{mem: make(map[uint64]uint32)}
}

func (b *fakeBackend) PC() uint64              { return b.pc }
func (b *fakeBackend) SetPC(a uint64) error    { b.pc = a; return nil }
func (b *fakeBackend) SetSP(a uint64) error    { b.sp = a; return nil }
func (b *fakeBackend) SetLR(a uint64) error    { b.lr = a; return nil }
func (b *fakeBackend) SetX(n int, v uint64) error {
	b.x[n] = v
	return nil
}
func (b *fakeBackend) Start(begin, until uint64) error {
	b.pc = begin
	if b.step != nil {
		b.step(b, begin)
	}
	return nil
}
func (b *fakeBackend) Stop() {}

func (b *fakeBackend) ContextSave() (Context, error) {
	return &fakeContext{pc: b.pc, x: b.x}, nil
}

func (b *fakeBackend) ContextRestore(c Context) error {
	ctx := c.(*fakeContext)
	b.pc = ctx.pc
	b.x = ctx.x
	return nil
}

func (b *fakeBackend) MemReadU32(addr uint64) (uint32, error) {
	return b.mem[addr], nil
}

func TestFutexWaitValueMismatchEAGAIN(t *testing.T) {
	b := newFakeBackend()
	s := New(b)
	b.mem[0x1000] = 7

	// No current task is needed: the compare fails before blocking.
	if _, err := s.FutexOp(b, 0x1000, FutexWait, 0, nil); err != errs.EAGAIN {
		t.Errorf("FutexOp mismatch = %v, want EAGAIN", err)
	}
}

func TestFutexWakeWithNoWaiters(t *testing.T) {
	b := newFakeBackend()
	s := New(b)
	if n, err := s.FutexOp(b, 0x1000, FutexWake|FutexPrivateFlag, 10, nil); err != nil || n != 0 {
		t.Errorf("wake with no waiters = (%d, %v), want (0, nil)", n, err)
	}
}

func TestFutexRequeueReturnsZero(t *testing.T) {
	b := newFakeBackend()
	s := New(b)
	for _, op := range []uint32{FutexRequeue, FutexCmpRequeue} {
		if n, err := s.FutexOp(b, 0x1000, op, 1, nil); err != nil || n != 0 {
			t.Errorf("op %d = (%d, %v), want (0, nil)", op, n, err)
		}
	}
}

func TestFutexUnknownOpFatal(t *testing.T) {
	b := newFakeBackend()
	s := New(b)
	if _, err := s.FutexOp(b, 0x1000, 9, 1, nil); err == nil {
		t.Fatal("unknown futex op should be fatal")
	} else if _, ok := err.(*errs.FatalError); !ok {
		t.Errorf("unknown futex op error = %T, want *errs.FatalError", err)
	}
}

func TestFutexWaitWake(t *testing.T) {
	b := newFakeBackend()
	s := New(b)
	b.mem[0x1000] = 0

	var waiter, waker *Task
	wokenX0 := uint64(0xFFFF) // sentinel, overwritten on the waiter's resume

	dispatches := make(map[uint64]int)
	b.step = func(b *fakeBackend, begin uint64) {
		cur := s.Current()
		dispatches[cur.ID]++
		switch {
		case cur == waiter && dispatches[cur.ID] == 1:
			// "Guest" issues FUTEX_WAIT(&x, 0) with x==0: parks.
			if _, err := s.FutexOp(b, 0x1000, FutexWait, 0, nil); err != nil {
				t.Errorf("wait: %v", err)
			}
		case cur == waiter:
			// Resumed after the wake; X0 carries the futex result.
			wokenX0 = b.x[0]
			s.Exit(cur, 0)
		case cur == waker:
			b.mem[0x1000] = 1
			if n := s.WakeFutex(0x1000, 1); n != 1 {
				t.Errorf("wake woke %d tasks, want 1", n)
			}
			s.Exit(cur, 0)
		}
	}

	waiter = s.Spawn(KindFunction, 0x4000, 0x8000, 0)
	waker = s.Spawn(KindFunction, 0x5000, 0x9000, 0)

	if err := s.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if wokenX0 != 0 {
		t.Errorf("woken waiter's X0 = %#x, want 0", wokenX0)
	}
	if dispatches[waiter.ID] != 2 {
		t.Errorf("waiter dispatched %d times, want 2", dispatches[waiter.ID])
	}
}

func TestFutexTimedWaitTimesOut(t *testing.T) {
	b := newFakeBackend()
	s := New(b)
	b.mem[0x2000] = 0

	var timedX0 uint64
	first := true
	b.step = func(b *fakeBackend, begin uint64) {
		cur := s.Current()
		if first {
			first = false
			d := 10 * time.Millisecond
			if _, err := s.FutexOp(b, 0x2000, FutexWait|FutexPrivateFlag, 0, &d); err != nil {
				t.Errorf("wait: %v", err)
			}
			return
		}
		timedX0 = b.x[0]
		s.Exit(cur, 0)
	}

	s.Spawn(KindFunction, 0x4000, 0x8000, 0)
	if err := s.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := uint64(errs.ETIMEDOUT.Negated())
	if timedX0 != want {
		t.Errorf("timed-out waiter's X0 = %#x, want %#x (-ETIMEDOUT)", timedX0, want)
	}
}

func TestRunReturnsWithOnlyIndefiniteWaiters(t *testing.T) {
	b := newFakeBackend()
	s := New(b)
	b.mem[0x3000] = 0

	b.step = func(b *fakeBackend, begin uint64) {
		if _, err := s.FutexOp(b, 0x3000, FutexWait, 0, nil); err != nil {
			t.Errorf("wait: %v", err)
		}
	}
	s.Spawn(KindFunction, 0x4000, 0x8000, 0)

	done := make(chan error, 1)
	go func() { done <- s.Run() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return to the host with only an indefinite waiter left")
	}
}

func TestExitWakesJoinKey(t *testing.T) {
	b := newFakeBackend()
	s := New(b)

	var worker, joiner *Task
	joinerResumed := false
	dispatches := make(map[uint64]int)

	b.step = func(b *fakeBackend, begin uint64) {
		cur := s.Current()
		dispatches[cur.ID]++
		switch {
		case cur == joiner && dispatches[cur.ID] == 1:
			s.Block(JoinKey(worker.ID), 0, false)
		case cur == joiner:
			joinerResumed = true
			s.Exit(cur, 0)
		case cur == worker:
			s.Exit(cur, 42)
		}
	}

	// The joiner runs first and parks; the worker then exits, which must
	// wake anything blocked on its join key.
	joiner = s.Spawn(KindFunction, 0x4000, 0x8000, 0)
	worker = s.Spawn(KindFunction, 0x5000, 0x9000, 0)

	if err := s.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !joinerResumed {
		t.Error("joiner never resumed after the worker's exit")
	}
	if worker.Wait() != 42 {
		t.Errorf("worker result = %d, want 42", worker.Wait())
	}
}

func TestSignalRunsBeforeTargetsTurn(t *testing.T) {
	b := newFakeBackend()
	s := New(b)

	var order []Kind
	var signalX0 uint64
	b.step = func(b *fakeBackend, begin uint64) {
		cur := s.Current()
		order = append(order, cur.Kind)
		if cur.Kind == KindSignal {
			signalX0 = b.x[0]
		}
		s.Exit(cur, 0)
	}

	target := s.Spawn(KindFunction, 0x4000, 0x8000, 0)
	s.SpawnSignal(target, 10, 0x6000, 0x9000, 0)

	if err := s.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(order) != 2 || order[0] != KindSignal || order[1] != KindFunction {
		t.Errorf("dispatch order = %v, want [KindSignal KindFunction]", order)
	}
	if signalX0 != 10 {
		t.Errorf("signal handler's X0 = %d, want the signal number 10", signalX0)
	}
}

func TestBlockedSignalStaysPending(t *testing.T) {
	b := newFakeBackend()
	s := New(b)

	var order []Kind
	b.step = func(b *fakeBackend, begin uint64) {
		cur := s.Current()
		order = append(order, cur.Kind)
		s.Exit(cur, 0)
	}

	target := s.Spawn(KindFunction, 0x4000, 0x8000, 0)
	target.SigMask = 1 << (10 - 1) // block signal 10
	sig := s.SpawnSignal(target, 10, 0x6000, 0x9000, 0)

	if err := s.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(order) != 1 || order[0] != KindFunction {
		t.Errorf("dispatch order = %v, want only [KindFunction]", order)
	}
	if sig.State != StateReady {
		t.Error("blocked signal task should still be waiting for delivery")
	}
	if len(target.pendingSignals) != 1 {
		t.Errorf("blocked signal left the target's pending list (len %d)", len(target.pendingSignals))
	}
}

func TestSigProcMaskUpdatesCurrentTask(t *testing.T) {
	b := newFakeBackend()
	s := New(b)

	var got [3]uint64
	b.step = func(b *fakeBackend, begin uint64) {
		cur := s.Current()
		set := uint64(0b1010)
		old, err := s.SigProcMask(0 /* SIG_BLOCK */, &set)
		if err != nil {
			t.Errorf("SIG_BLOCK: %v", err)
		}
		got[0] = old
		got[1] = cur.SigMask

		unset := uint64(0b0010)
		if _, err := s.SigProcMask(1 /* SIG_UNBLOCK */, &unset); err != nil {
			t.Errorf("SIG_UNBLOCK: %v", err)
		}
		got[2] = cur.SigMask

		if _, err := s.SigProcMask(7, &set); err != errs.EINVAL {
			t.Errorf("bad how = %v, want EINVAL", err)
		}
		s.Exit(cur, 0)
	}

	s.Spawn(KindFunction, 0x4000, 0x8000, 0)
	if err := s.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got[0] != 0 || got[1] != 0b1010 || got[2] != 0b1000 {
		t.Errorf("mask progression = %v, want [0 1010b 1000b]", got)
	}
}

func TestSpawnInstallsLRAndInitialX0(t *testing.T) {
	b := newFakeBackend()
	s := New(b)

	var sawLR, sawX0 uint64
	b.step = func(b *fakeBackend, begin uint64) {
		sawLR = b.lr
		sawX0 = b.x[0]
		s.Exit(s.Current(), 0)
	}

	task := s.Spawn(KindThread, 0x4000, 0x8000, 0xDEAD0000)
	task.SetInitialX0(0)
	b.x[0] = 99 // garbage a previous task left behind

	if err := s.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sawLR != 0xDEAD0000 {
		t.Errorf("LR at first dispatch = %#x, want 0xDEAD0000", sawLR)
	}
	if sawX0 != 0 {
		t.Errorf("X0 at first dispatch = %d, want 0 (clone child convention)", sawX0)
	}
}
