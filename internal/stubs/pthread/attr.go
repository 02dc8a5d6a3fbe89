package pthread

import (
	"github.com/arm64sandbox/emulator/internal/emulator"
	"github.com/arm64sandbox/emulator/internal/stubs"
)

func init() {
	stubs.RegisterFunc("pthread", "pthread_attr_init", stubAttrInit)
	stubs.RegisterFunc("pthread", "pthread_attr_destroy", stubAttrDestroy)
	stubs.RegisterFunc("pthread", "pthread_attr_setstacksize", stubAttrSetstacksize)
	stubs.RegisterFunc("pthread", "pthread_attr_getstacksize", stubAttrGetstacksize)
	stubs.RegisterFunc("pthread", "pthread_attr_setdetachstate", stubAttrSetdetachstate)
	stubs.RegisterFunc("pthread", "pthread_attr_getdetachstate", stubAttrGetdetachstate)
	stubs.RegisterFunc("pthread", "pthread_attr_setschedparam", stubAttrSetschedparam)
	stubs.RegisterFunc("pthread", "pthread_attr_getschedparam", stubAttrGetschedparam)
	stubs.RegisterFunc("pthread", "pthread_mutexattr_init", stubMutexattrInit)
	stubs.RegisterFunc("pthread", "pthread_mutexattr_destroy", stubMutexattrDestroy)
	stubs.RegisterFunc("pthread", "pthread_mutexattr_settype", stubMutexattrSettype)
	stubs.RegisterFunc("pthread", "pthread_condattr_init", stubCondattrInit)
	stubs.RegisterFunc("pthread", "pthread_condattr_destroy", stubCondattrDestroy)
}

// Attribute objects are not tracked field-by-field: pthread_create always
// uses defaultStackSize (thread.go) and pthread_mutex/cond init never look
// at an attr argument, so every setter here reports success without
// recording a value and every getter reports bionic's own default.

func stubAttrInit(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubAttrDestroy(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubAttrSetstacksize(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubAttrGetstacksize(emu *emulator.Emulator) bool {
	sizePtr := emu.X(1)
	if sizePtr != 0 {
		emu.MemWriteU64(sizePtr, defaultStackSize)
	}
	emu.SetX(0, 0)
	return false
}

func stubAttrSetdetachstate(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubAttrGetdetachstate(emu *emulator.Emulator) bool {
	statePtr := emu.X(1)
	if statePtr != 0 {
		emu.MemWriteU32(statePtr, 0) // PTHREAD_CREATE_JOINABLE
	}
	emu.SetX(0, 0)
	return false
}

func stubAttrSetschedparam(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubAttrGetschedparam(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubMutexattrInit(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubMutexattrDestroy(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubMutexattrSettype(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubCondattrInit(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubCondattrDestroy(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}
