package linker

import (
	"debug/elf"
	"fmt"
	"os"
	"strings"

	"github.com/arm64sandbox/emulator/internal/errs"
	"github.com/arm64sandbox/emulator/internal/log"
	"github.com/arm64sandbox/emulator/internal/memmgr"
	"github.com/arm64sandbox/emulator/internal/svcmem"
)

const pageSize = 0x1000

// MemoryWriter is the subset of the backend the loader needs to place
// segment bytes and patch relocated words.
type MemoryWriter interface {
	MemWrite(addr uint64, data []byte) error
	MemRead(addr, size uint64) ([]byte, error)
}

// DependencyResolver maps a DT_NEEDED soname to a loadable file path. A
// soname it cannot produce makes the load fail with a host-visible error;
// symbols a loaded dependency doesn't define still fall through to the
// hook listener chain like any other external reference.
type DependencyResolver interface {
	ResolveLibrary(soname string) (path string, ok bool)
}

// Loader resolves and loads ELF64/AArch64 shared objects and executables,
// maintaining the module registry a DT_NEEDED graph is resolved against.
type Loader struct {
	mem      MemoryWriter
	mapper   *memmgr.Manager
	hooks    *svcmem.ListenerChain
	deps     DependencyResolver
	nextBase uint64

	modules map[string]*Module // keyed by soname
	order   []*Module           // load order, for init invocation
}

// New creates a Loader. loadBase is the first address new modules are
// placed at; successive modules are placed above the previous module's end.
func New(mem MemoryWriter, mapper *memmgr.Manager, hooks *svcmem.ListenerChain, deps DependencyResolver, loadBase uint64) *Loader {
	return &Loader{
		mem:      mem,
		mapper:   mapper,
		hooks:    hooks,
		deps:     deps,
		nextBase: loadBase,
		modules:  make(map[string]*Module),
	}
}

// Module returns a previously loaded module by soname.
func (l *Loader) Module(soname string) (*Module, bool) {
	m, ok := l.modules[soname]
	return m, ok
}

// LoadedModules returns all modules in load order.
func (l *Loader) LoadedModules() []*Module { return l.order }

// LoadByName resolves soname through the same DependencyResolver DT_NEEDED
// entries use and loads it. Used by dlopen, which hands the loader a bare
// filename ("libfoo.so") rather than a path, just like the real linker's
// soname search does.
func (l *Loader) LoadByName(soname string) (*Module, error) {
	if m, ok := l.modules[soname]; ok {
		return m, nil
	}
	if l.deps == nil {
		return nil, errs.NewHostError("resolve library", fmt.Errorf("%s: no resolver configured", soname))
	}
	path, ok := l.deps.ResolveLibrary(soname)
	if !ok {
		return nil, errs.NewHostError("resolve library", fmt.Errorf("%s: not found", soname))
	}
	return l.Load(path)
}

// Load parses, maps, resolves the dependency graph of, and relocates the
// ELF object at path. It returns the module as soon as relocation
// completes; running DT_INIT/DT_INIT_ARRAY is the caller's job (the
// scheduler drives guest code execution, which this package does not do)
// via Module.InitArray/InitFunc/PreinitArray, invoked preinit first,
// then init, then init_array.
func (l *Loader) Load(path string) (*Module, error) {
	soname := moduleName(path)
	if existing, ok := l.modules[soname]; ok {
		return existing, nil
	}

	f, err := elf.Open(path)
	if err != nil {
		return nil, errs.NewHostError("open ELF", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_AARCH64 {
		return nil, errs.NewHostError("open ELF", fmt.Errorf("expected EM_AARCH64, got %v", f.Machine))
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.NewHostError("read ELF", err)
	}

	// Phase 1: parse — program headers, dynamic section, symbols.
	fileBase, fileEnd := programExtent(f)
	relocOffset := l.nextBase - fileBase

	m := &Module{
		Name:    soname,
		Path:    path,
		Symbols: make(map[string]*Symbol),
	}

	dynSyms, _ := f.DynamicSymbols()
	m.relocSymbols = dynSyms
	for _, sym := range dynSyms {
		if sym.Name == "" {
			continue
		}
		m.Symbols[sym.Name] = &Symbol{
			Name:    sym.Name,
			Value:   valueOrZero(sym.Value, relocOffset),
			Size:    sym.Size,
			Bind:    elf.ST_BIND(sym.Info),
			Type:    elf.ST_TYPE(sym.Info),
			Defined: sym.Value != 0,
		}
	}

	m.hashIdx = BuildHashIndex(m.Symbols)

	needed, err := f.DynString(elf.DT_NEEDED)
	if err == nil {
		m.Needed = needed
	}

	// Phase 2: map — merge overlapping/adjacent PT_LOAD segments by
	// permission OR, same as a real dynamic linker's single mmap per
	// overlapping run, then write segment bytes and zero .bss.
	regions := mergeLoadSegments(f.Progs, relocOffset)
	for _, reg := range regions {
		if err := l.mapper.MapModule(reg.addr, reg.size, reg.prot, soname); err != nil {
			return nil, err
		}
	}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		vaddr := prog.Vaddr + relocOffset
		if prog.Filesz > 0 && prog.Off+prog.Filesz <= uint64(len(fileData)) {
			data := fileData[prog.Off : prog.Off+prog.Filesz]
			if err := l.mem.MemWrite(vaddr, data); err != nil {
				return nil, errs.NewHostError("write segment", err)
			}
			m.segments = append(m.segments, Segment{
				VAddr: vaddr, Offset: prog.Off, Size: prog.Filesz, MemSz: prog.Memsz,
				Prot: progFlagsToProt(prog.Flags), Data: data,
			})
		}
		if prog.Memsz > prog.Filesz {
			bssStart := vaddr + prog.Filesz
			bssSize := prog.Memsz - prog.Filesz
			_ = l.mem.MemWrite(bssStart, make([]byte, bssSize))
		}
	}

	m.BaseAddr = fileBase + relocOffset
	m.EndAddr = fileEnd + relocOffset
	m.Entry = f.Entry + relocOffset
	l.nextBase = alignUp(m.EndAddr)

	m.InitFunc = firstDynVal(f, elf.DT_INIT, relocOffset)
	m.InitArray = dynArray(f, elf.DT_INIT_ARRAY, elf.DT_INIT_ARRAYSZ, relocOffset)
	m.PreinitArray = dynArray(f, elf.DT_PREINIT_ARRAY, elf.DT_PREINIT_ARRAYSZ, relocOffset)

	l.modules[soname] = m
	l.order = append(l.order, m)

	// fail unwinds a half-loaded module: its table entries go away and its
	// mapped regions are released, so a load error leaves no partial
	// mapping behind.
	fail := func(err error) (*Module, error) {
		delete(l.modules, soname)
		for i, om := range l.order {
			if om == m {
				l.order = append(l.order[:i], l.order[i+1:]...)
				break
			}
		}
		for _, reg := range regions {
			_ = l.mapper.Munmap(reg.addr, reg.size)
		}
		return nil, err
	}

	// Phase 3: resolve dependencies, recursively, before relocating (a
	// symbol in this module's relocations may bind to a dependency). A
	// DT_NEEDED name the resolver cannot produce is a host-visible error,
	// not a quiet gap the guest discovers later.
	for _, dep := range m.Needed {
		if _, ok := l.modules[dep]; ok {
			continue
		}
		if l.deps == nil {
			return fail(errs.NewHostError("resolve dependency", fmt.Errorf("%s: no resolver configured", dep)))
		}
		depPath, ok := l.deps.ResolveLibrary(dep)
		if !ok {
			return fail(errs.NewHostError("resolve dependency", fmt.Errorf("%s: not found", dep)))
		}
		if _, err := l.Load(depPath); err != nil {
			return fail(errs.NewHostError(fmt.Sprintf("load dependency %s", dep), err))
		}
	}

	// Phase 4: relocate, then hand back init ordering for the caller.
	if err := l.relocate(f, m, relocOffset); err != nil {
		return fail(err)
	}

	return m, nil
}

// relocate applies every RELA and APS2-packed relocation in the module,
// resolving external symbols against: (1) the module's own defined
// symbols, (2) every already-loaded module in load order, (3) the
// hook-listener chain (an SVC trampoline or a direct stub address), in
// that order. An external symbol that no listener claims and that is not
// STB_WEAK is a fatal unresolved-symbol error.
func (l *Loader) relocate(f *elf.File, m *Module, relocOffset uint64) error {
	var relocs []Relocation

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		relocs = append(relocs, parseRELA(data)...)
	}

	for _, tag := range []elf.DynTag{0x6000000f /* DT_ANDROID_REL */, 0x60000011 /* DT_ANDROID_RELA */} {
		if raw := rawDynamicBlob(f, tag); raw != nil {
			decoded, err := decodeAPS2(raw)
			if err == nil {
				relocs = append(relocs, decoded...)
			}
		}
	}

	for _, r := range relocs {
		targetAddr := r.Offset + relocOffset

		switch r.Type {
		case RRelative:
			l.writeWord(targetAddr, uint64(int64(relocOffset)+r.Addend))

		case RGlobDat, RJumpSlot, RAbs64:
			var symName string
			var symValue uint64
			var weak bool
			if r.SymIdx >= 0 && r.SymIdx < len(m.relocSymbols) {
				sym := m.relocSymbols[r.SymIdx]
				symName = sym.Name
				symValue = sym.Value
				weak = elf.ST_BIND(sym.Info) == elf.STB_WEAK
			}

			if symValue != 0 {
				l.writeWord(targetAddr, symValue+relocOffset+uint64(r.Addend))
				continue
			}

			if symName == "" {
				if r.Type == RAbs64 && r.Addend > 0 {
					l.writeWord(targetAddr, relocOffset+uint64(r.Addend))
				}
				continue
			}

			if addr, ok := l.resolveExternal(symName); ok {
				l.writeWord(targetAddr, addr)
				continue
			}
			if weak {
				l.writeWord(targetAddr, 0)
				continue
			}
			return errs.NewFatalError("linker: unresolved symbol %q in %s", symName, m.Name)

		case RCopy:
			return errs.NewFatalError("linker: R_AARCH64_COPY unsupported (%s)", m.Name)
		}
	}

	return nil
}

// resolveExternal searches already-loaded modules (in load order) through
// their hash indexes before falling back to the hook-listener chain.
func (l *Loader) resolveExternal(name string) (uint64, bool) {
	for _, dep := range l.order {
		if sym, ok := dep.FindSymbol(name); ok {
			return sym.Value, true
		}
	}
	return l.hooks.Resolve("", name)
}

func (l *Loader) writeWord(addr, val uint64) {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(val >> (8 * i))
	}
	if err := l.mem.MemWrite(addr, buf); err != nil {
		log.L.Debug("linker: relocation write failed", log.Addr(addr))
	}
}

// ModuleForAddr returns the loaded module whose mapped range contains addr.
func (l *Loader) ModuleForAddr(addr uint64) (*Module, bool) {
	for _, m := range l.order {
		if addr >= m.BaseAddr && addr < m.EndAddr {
			return m, true
		}
	}
	return nil, false
}

// FindJNIOnLoad returns the address of JNI_OnLoad, or 0.
func (m *Module) FindJNIOnLoad() uint64 {
	if s, ok := m.FindSymbol("JNI_OnLoad"); ok {
		return s.Value
	}
	return 0
}

func moduleName(path string) string {
	parts := strings.Split(path, "/")
	return parts[len(parts)-1]
}
