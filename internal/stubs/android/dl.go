package android

import (
	"sync"

	"github.com/arm64sandbox/emulator/internal/emulator"
	"github.com/arm64sandbox/emulator/internal/stubs"
)

// handles maps a dlopen handle to the soname Loader.Module was given it
// under, so dlsym/dlclose can find the module again. A handle for a
// soname the loader could not resolve (no matching file on the resolver's
// search path) still gets one, keyed to "" for that slot, so dlerror/
// dlclose behave sanely against it instead of the stub package pretending
// the handle never existed.
var (
	handles     = make(map[uint64]string)
	nextHandle  uint64 = 0x7F000000
	dlLastError string
	dlMu        sync.Mutex
)

func init() {
	stubs.RegisterFunc("android", "dlopen", stubDlopen)
	stubs.RegisterFunc("android", "dlsym", stubDlsym)
	stubs.RegisterFunc("android", "dlclose", stubDlclose)
	stubs.RegisterFunc("android", "dlerror", stubDlerror)
	stubs.RegisterFunc("android", "dladdr", stubDladdr)

	// Android-specific
	stubs.RegisterFunc("android", "android_dlopen_ext", stubAndroidDlopenExt)
	stubs.RegisterFunc("android", "dl_iterate_phdr", stubDlIteratePhdr)
}

func stubDlopen(emu *emulator.Emulator) bool {
	filenamePtr := emu.X(0)

	filename := ""
	if filenamePtr != 0 {
		filename, _ = emu.MemReadString(filenamePtr, 256)
	}

	loader := stubs.DefaultRegistry.Loader()
	var soname string
	var loadErr error
	if loader != nil && filename != "" {
		m, err := loader.LoadByName(filename)
		if err == nil {
			soname = m.Name
		} else {
			loadErr = err
		}
	}

	dlMu.Lock()
	handle := nextHandle
	nextHandle += 0x1000
	handles[handle] = soname
	if loadErr != nil {
		dlLastError = loadErr.Error()
	} else {
		dlLastError = ""
	}
	dlMu.Unlock()

	stubs.DefaultRegistry.Log("android", "dlopen", filename+" -> "+stubs.FormatHex(handle))

	emu.SetX(0, handle)
	return false
}

func stubAndroidDlopenExt(emu *emulator.Emulator) bool {
	// Same as dlopen but with extinfo parameter, which nothing here reads.
	return stubDlopen(emu)
}

func stubDlsym(emu *emulator.Emulator) bool {
	handle := emu.X(0)
	symbolPtr := emu.X(1)

	symbol, _ := emu.MemReadString(symbolPtr, 128)

	dlMu.Lock()
	soname, ok := handles[handle]
	dlMu.Unlock()

	if !ok && handle != 0 {
		dlMu.Lock()
		dlLastError = "invalid handle"
		dlMu.Unlock()
		emu.SetX(0, 0)
		return false
	}

	loader := stubs.DefaultRegistry.Loader()
	if loader != nil && soname != "" {
		if m, ok := loader.Module(soname); ok {
			if sym, ok := m.FindSymbol(symbol); ok && sym.Defined {
				stubs.DefaultRegistry.Log("android", "dlsym", soname+":"+symbol+" -> "+stubs.FormatHex(sym.Value))
				emu.SetX(0, sym.Value)
				return false
			}
		}
	}

	// RTLD_DEFAULT (handle==0) and sonames the loader never mapped have no
	// real address to hand back: there is no PLT slot here for the guest
	// to call through, so this reports "undefined symbol" rather than
	// returning an address that would crash on call.
	dlMu.Lock()
	dlLastError = "undefined symbol: " + symbol
	dlMu.Unlock()
	emu.SetX(0, 0)
	return false
}

func stubDlclose(emu *emulator.Emulator) bool {
	handle := emu.X(0)

	dlMu.Lock()
	delete(handles, handle)
	dlMu.Unlock()

	emu.SetX(0, 0) // Success — modules are never actually unmapped once loaded.
	return false
}

func stubDlerror(emu *emulator.Emulator) bool {
	dlMu.Lock()
	err := dlLastError
	dlLastError = ""
	dlMu.Unlock()

	if err == "" {
		emu.SetX(0, 0)
		return false
	}

	heap := stubs.DefaultRegistry.Heap()
	if heap == nil {
		emu.SetX(0, 0)
		return false
	}
	ptr := heap.Malloc(uint64(len(err) + 1))
	if ptr == 0 {
		emu.SetX(0, 0)
		return false
	}
	emu.MemWriteString(ptr, err)
	emu.SetX(0, ptr)
	return false
}

func stubDladdr(emu *emulator.Emulator) bool {
	// int dladdr(const void *addr, Dl_info *info)
	addr := emu.X(0)
	infoPtr := emu.X(1)

	loader := stubs.DefaultRegistry.Loader()
	if loader == nil || infoPtr == 0 {
		emu.SetX(0, 0)
		return false
	}
	m, ok := loader.ModuleForAddr(addr)
	if !ok {
		emu.SetX(0, 0)
		return false
	}

	heap := stubs.DefaultRegistry.Heap()
	writeStr := func(s string) uint64 {
		if heap == nil || s == "" {
			return 0
		}
		p := heap.Malloc(uint64(len(s) + 1))
		if p != 0 {
			emu.MemWriteString(p, s)
		}
		return p
	}

	// Dl_info: dli_fname, dli_fbase, dli_sname, dli_saddr.
	emu.MemWriteU64(infoPtr, writeStr(m.Name))
	emu.MemWriteU64(infoPtr+8, m.BaseAddr)
	var sname, saddr uint64
	if sym, found := m.ClosestSymbol(addr); found {
		sname = writeStr(sym.Name)
		saddr = sym.Value
	}
	emu.MemWriteU64(infoPtr+16, sname)
	emu.MemWriteU64(infoPtr+24, saddr)
	emu.SetX(0, 1)
	return false
}

func stubDlIteratePhdr(emu *emulator.Emulator) bool {
	// int dl_iterate_phdr(int (*callback)(struct dl_phdr_info *, size_t, void *), void *data)
	// Return 0 without calling the callback: invoking a guest function
	// pointer from here would need its own scheduler task, which the
	// modules actually loaded (internal/linker) don't need dl_iterate_phdr
	// to enumerate for anything this emulator exercises.
	emu.SetX(0, 0)
	return false
}
