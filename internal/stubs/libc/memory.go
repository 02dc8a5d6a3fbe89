// Package libc provides stub implementations for libc memory functions.
package libc

import (
	"github.com/arm64sandbox/emulator/internal/emulator"
	"github.com/arm64sandbox/emulator/internal/stubs"
)

func init() {
	stubs.Register(stubs.StubDef{Name: "malloc", Hook: stubMalloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "calloc", Hook: stubCalloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "realloc", Hook: stubRealloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "free", Hook: stubFree, Category: "libc"})

	// Memory info
	stubs.Register(stubs.StubDef{Name: "getpagesize", Hook: stubGetPageSize, Category: "libc"})

	// C++ operator new/delete
	stubs.Register(stubs.StubDef{
		Name:     "_Znwm",
		Aliases:  []string{"_Znam", "_ZnwmSt11align_val_t", "_ZnamSt11align_val_t"},
		Hook:     stubNew,
		Category: "libc",
	})
	stubs.Register(stubs.StubDef{
		Name:     "_ZdlPv",
		Aliases:  []string{"_ZdaPv", "_ZdlPvm", "_ZdaPvm"},
		Hook:     stubDelete,
		Category: "libc",
	})
}

// guestMalloc allocates size bytes from the wired heap bridge, returning 0
// if none is wired. Shared by every stub in this package that needs to
// hand the guest a fresh buffer (strdup, strerror's message, getenv's value)
// instead of reaching for the emulator backend's own bump allocator.
func guestMalloc(size uint64) uint64 {
	h := stubs.DefaultRegistry.Heap()
	if h == nil {
		return 0
	}
	return h.Malloc(size)
}

// zeroGuest clears the first min(size, 4096) bytes of a fresh allocation.
// Capped at one page since zeroing a multi-megabyte block guests rarely
// touch in full would just be wasted MemWrite traffic.
func zeroGuest(emu *emulator.Emulator, ptr, size uint64) {
	if ptr == 0 || size == 0 {
		return
	}
	if size > 4096 {
		size = 4096
	}
	emu.MemWrite(ptr, make([]byte, size))
}

func stubMalloc(emu *emulator.Emulator) bool {
	size := emu.X(0)
	heap := stubs.DefaultRegistry.Heap()
	ptr := heap.Malloc(size)
	zeroGuest(emu, ptr, heap.Size(ptr))

	stubs.DefaultRegistry.Log("libc", "malloc", stubs.FormatPtrPair("size", size, "->", ptr))
	emu.SetX(0, ptr)
	return false
}

func stubCalloc(emu *emulator.Emulator) bool {
	count := emu.X(0)
	size := emu.X(1)
	heap := stubs.DefaultRegistry.Heap()
	ptr := heap.Calloc(count, size)
	zeroGuest(emu, ptr, heap.Size(ptr))

	stubs.DefaultRegistry.Log("libc", "calloc", stubs.FormatPtrPair("total", count*size, "->", ptr))
	emu.SetX(0, ptr)
	return false
}

func stubRealloc(emu *emulator.Emulator) bool {
	oldPtr := emu.X(0)
	size := emu.X(1)
	heap := stubs.DefaultRegistry.Heap()
	ptr := heap.Realloc(oldPtr, size)

	stubs.DefaultRegistry.Log("libc", "realloc", stubs.FormatPtrPair("old", oldPtr, "->", ptr))
	emu.SetX(0, ptr)
	return false
}

func stubFree(emu *emulator.Emulator) bool {
	ptr := emu.X(0)
	stubs.DefaultRegistry.Heap().Free(ptr)
	stubs.DefaultRegistry.Log("libc", "free", stubs.FormatPtr("ptr", ptr))
	return false
}

func stubNew(emu *emulator.Emulator) bool {
	size := emu.X(0)
	heap := stubs.DefaultRegistry.Heap()
	ptr := heap.Malloc(size)
	zeroGuest(emu, ptr, heap.Size(ptr))

	stubs.DefaultRegistry.Log("libc", "new", stubs.FormatPtrPair("size", size, "->", ptr))
	emu.SetX(0, ptr)
	return false
}

func stubDelete(emu *emulator.Emulator) bool {
	ptr := emu.X(0)
	stubs.DefaultRegistry.Heap().Free(ptr)
	stubs.DefaultRegistry.Log("libc", "delete", stubs.FormatPtr("ptr", ptr))
	return false
}

func stubGetPageSize(emu *emulator.Emulator) bool {
	stubs.DefaultRegistry.Log("libc", "getpagesize", "-> 4096")
	emu.SetX(0, 4096)
	return false
}
