package libc

import (
	"sync"

	"github.com/arm64sandbox/emulator/internal/emulator"
	"github.com/arm64sandbox/emulator/internal/stubs"
)

func init() {
	stubs.RegisterFunc("libc", "abort", stubAbort)
	stubs.RegisterFunc("libc", "exit", stubExit)
	stubs.RegisterFunc("libc", "_exit", stubExit)
	stubs.RegisterFunc("libc", "_Exit", stubExit)
	stubs.RegisterFunc("libc", "atexit", stubAtexit)
}

// atexitHandlers records registered function pointers in registration
// order; AtexitHandlers surfaces them most-recent first to a caller that
// wants to run them — nothing
// in this package invokes them itself, since there is no point in the
// top-level EFunc call's lifecycle where "the process is exiting" is
// distinguished from "the call returned".
var (
	atexitMu       sync.Mutex
	atexitHandlers []uint64
)

// AtexitHandlers returns the guest function pointers registered via
// atexit, most-recently-registered first.
func AtexitHandlers() []uint64 {
	atexitMu.Lock()
	defer atexitMu.Unlock()
	out := make([]uint64, len(atexitHandlers))
	for i, h := range atexitHandlers {
		out[len(atexitHandlers)-1-i] = h
	}
	return out
}

func stubAbort(emu *emulator.Emulator) bool {
	stubs.DefaultRegistry.Log("libc", "abort", "program aborted")
	// Stop emulation - abort() should terminate
	return true
}

func stubExit(emu *emulator.Emulator) bool {
	code := emu.X(0)
	stubs.DefaultRegistry.Log("libc", "exit", stubs.FormatHex(code))
	// Stop emulation
	return true
}

func stubAtexit(emu *emulator.Emulator) bool {
	// int atexit(void (*function)(void))
	fn := emu.X(0)
	atexitMu.Lock()
	atexitHandlers = append(atexitHandlers, fn)
	atexitMu.Unlock()
	stubs.DefaultRegistry.Log("libc", "atexit", stubs.FormatPtr("fn", fn))
	emu.SetX(0, 0)
	return false
}
