package pthread

import (
	"sync"

	"github.com/arm64sandbox/emulator/internal/emulator"
	"github.com/arm64sandbox/emulator/internal/stubs"
)

// tlsData is keyed by (thread id, tls key) so distinct threads created via
// pthread_create genuinely see distinct slots — callerTLSID falls back to a
// single shared id 0 when no scheduler is wired (the common single-thread
// embedding case), matching pthread_self's own fallback.
var (
	tlsData    = make(map[[2]uint64]uint64)
	nextTLSKey uint64
	tlsMu      sync.Mutex
)

func init() {
	stubs.RegisterFunc("pthread", "pthread_key_create", stubKeyCreate)
	stubs.RegisterFunc("pthread", "pthread_key_delete", stubKeyDelete)
	stubs.RegisterFunc("pthread", "pthread_setspecific", stubSetspecific)
	stubs.RegisterFunc("pthread", "pthread_getspecific", stubGetspecific)
	stubs.RegisterFunc("pthread", "pthread_once", stubOnce)
}

func callerTLSID() uint64 {
	if s := stubs.DefaultRegistry.Scheduler(); s != nil {
		if t := s.Current(); t != nil {
			return t.ID
		}
	}
	return 0
}

func stubKeyCreate(emu *emulator.Emulator) bool {
	keyPtr := emu.X(0)
	// destructor := emu.X(1) // run on thread exit; not invoked

	tlsMu.Lock()
	key := nextTLSKey
	nextTLSKey++
	tlsMu.Unlock()

	if keyPtr != 0 {
		emu.MemWriteU64(keyPtr, key)
	}

	emu.SetX(0, 0)
	return false
}

func stubKeyDelete(emu *emulator.Emulator) bool {
	key := emu.X(0)

	tlsMu.Lock()
	for k := range tlsData {
		if k[1] == key {
			delete(tlsData, k)
		}
	}
	tlsMu.Unlock()

	emu.SetX(0, 0)
	return false
}

func stubSetspecific(emu *emulator.Emulator) bool {
	key := emu.X(0)
	value := emu.X(1)

	tlsMu.Lock()
	tlsData[[2]uint64{callerTLSID(), key}] = value
	tlsMu.Unlock()

	emu.SetX(0, 0)
	return false
}

func stubGetspecific(emu *emulator.Emulator) bool {
	key := emu.X(0)

	tlsMu.Lock()
	value := tlsData[[2]uint64{callerTLSID(), key}]
	tlsMu.Unlock()

	emu.SetX(0, value)
	return false
}

var (
	onceMu    sync.Mutex
	onceFlags = make(map[uint64]bool)
)

func stubOnce(emu *emulator.Emulator) bool {
	onceControl := emu.X(0)
	initRoutine := emu.X(1)

	onceMu.Lock()
	alreadyCalled := onceFlags[onceControl]
	if !alreadyCalled {
		onceFlags[onceControl] = true
	}
	onceMu.Unlock()

	if !alreadyCalled && initRoutine != 0 {
		stubs.DefaultRegistry.Log("pthread", "pthread_once", stubs.FormatPtr("init_routine", initRoutine)+" (skipped, not invoked inline)")
	}

	emu.SetX(0, 0)
	return false
}
