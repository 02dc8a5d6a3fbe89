package libc

import (
	"sync/atomic"
	"time"

	"github.com/arm64sandbox/emulator/internal/emulator"
	"github.com/arm64sandbox/emulator/internal/stubs"
)

// Mocked time for deterministic execution.
var (
	MockTimeSec  = int64(1704067200) // 2024-01-01 00:00:00 UTC
	MockTimeUSec = int64(0)
	MockTimeNSec = int64(0)
)

func init() {
	stubs.RegisterFunc("libc", "gettimeofday", stubGettimeofday)
	stubs.RegisterFunc("libc", "clock_gettime", stubClockGettime)
	stubs.RegisterFunc("libc", "time", stubTime)
	stubs.RegisterFunc("libc", "clock", stubClock)
	stubs.RegisterFunc("libc", "nanosleep", stubNanosleep)
	stubs.RegisterFunc("libc", "usleep", stubUsleep)
	stubs.RegisterFunc("libc", "sleep", stubSleep)
}

func stubGettimeofday(emu *emulator.Emulator) bool {
	tv := emu.X(0)

	if tv != 0 {
		// struct timeval { time_t tv_sec; suseconds_t tv_usec; }
		emu.MemWriteU64(tv, uint64(MockTimeSec))
		emu.MemWriteU64(tv+8, uint64(MockTimeUSec))
	}

	stubs.DefaultRegistry.Log("libc", "gettimeofday", stubs.FormatPtrPair("tv", tv, "sec", uint64(MockTimeSec)))
	emu.SetX(0, 0) // success
	return false
}

func stubClockGettime(emu *emulator.Emulator) bool {
	tp := emu.X(1)

	if tp != 0 {
		// struct timespec { time_t tv_sec; long tv_nsec; }
		emu.MemWriteU64(tp, uint64(MockTimeSec))
		emu.MemWriteU64(tp+8, uint64(MockTimeNSec))
	}

	stubs.DefaultRegistry.Log("libc", "clock_gettime", stubs.FormatPtrPair("tp", tp, "sec", uint64(MockTimeSec)))
	emu.SetX(0, 0) // success
	return false
}

func stubTime(emu *emulator.Emulator) bool {
	tloc := emu.X(0)

	if tloc != 0 {
		emu.MemWriteU64(tloc, uint64(MockTimeSec))
	}

	stubs.DefaultRegistry.Log("libc", "time", stubs.FormatPtr("sec", uint64(MockTimeSec)))
	emu.SetX(0, uint64(MockTimeSec))
	return false
}

func stubClock(emu *emulator.Emulator) bool {
	// Return a fixed clock value (in ticks)
	emu.SetX(0, 1000000)
	return false
}

// nextSleepKey hands each blocking sleep call its own private wait address —
// nothing ever wakes it early via Wake, only the scheduler's own timeout
// sweep (wakeExpiredLocked) — so two concurrent sleeps can't collide on
// the same key the way two tasks sleeping on uaddr 0 would.
var nextSleepKey uint64 = 0xFFFF_0000_0000_0000

func blockFor(emu *emulator.Emulator, d time.Duration) bool {
	s := stubs.DefaultRegistry.Scheduler()
	if s == nil || d <= 0 {
		emu.SetX(0, 0)
		return false
	}
	key := atomic.AddUint64(&nextSleepKey, 1)
	emu.SetX(0, 0)
	s.Block(key, d, true)
	emu.Stop()
	return false
}

func stubNanosleep(emu *emulator.Emulator) bool {
	// int nanosleep(const struct timespec *req, struct timespec *rem)
	reqPtr := emu.X(0)
	var d time.Duration
	if reqPtr != 0 {
		sec, _ := emu.MemReadU64(reqPtr)
		nsec, _ := emu.MemReadU64(reqPtr + 8)
		d = time.Duration(sec)*time.Second + time.Duration(nsec)
	}
	stubs.DefaultRegistry.Log("libc", "nanosleep", d.String())
	return blockFor(emu, d)
}

func stubUsleep(emu *emulator.Emulator) bool {
	usec := emu.X(0)
	stubs.DefaultRegistry.Log("libc", "usleep", stubs.FormatHex(usec))
	return blockFor(emu, time.Duration(usec)*time.Microsecond)
}

func stubSleep(emu *emulator.Emulator) bool {
	sec := emu.X(0)
	stubs.DefaultRegistry.Log("libc", "sleep", stubs.FormatHex(sec))
	return blockFor(emu, time.Duration(sec)*time.Second)
}
