// Package linker implements the ELF loader and dynamic linker: parsing an
// ELF64/AArch64 shared object, mapping its segments, resolving its
// DT_NEEDED dependency graph, applying relocations (classic RELA and
// Android's packed APS2 format), and queuing DT_PREINIT_ARRAY/DT_INIT/
// DT_INIT_ARRAY in order for the caller to run (TakeInitQueue); the package
// itself executes no guest code. Modules form a DAG rooted at the library the host asked for;
// cycles in DT_NEEDED are cut by consulting the loaded-modules table
// before recursing.
package linker

import "debug/elf"

// AArch64 relocation types (System V ABI AArch64 supplement).
const (
	RAbs64     = 257  // R_AARCH64_ABS64
	RGlobDat   = 1025 // R_AARCH64_GLOB_DAT
	RJumpSlot  = 1026 // R_AARCH64_JUMP_SLOT
	RRelative  = 1027 // R_AARCH64_RELATIVE
	RCopy      = 1024 // R_AARCH64_COPY — unsupported, fatal if encountered
)

// Symbol is a named, possibly-undefined entry from a module's dynamic
// symbol table.
type Symbol struct {
	Name    string
	Value   uint64 // absolute guest address once the module is mapped; 0 if undefined
	Size    uint64
	Bind    elf.SymBind
	Type    elf.SymType
	Defined bool
}

// Relocation is one entry from .rela.dyn, .rela.plt, or a decoded APS2 stream.
type Relocation struct {
	Offset uint64
	Type   uint32
	SymIdx int // index into the owning module's raw dynsym slice, -1 if none
	Addend int64
}

// Segment is one PT_LOAD program header, already relocated to its final
// guest address.
type Segment struct {
	VAddr  uint64
	Offset uint64
	Size   uint64 // file size
	MemSz  uint64 // memory size (>= Size; the remainder is zero-filled .bss)
	Prot   int
	Data   []byte
}

// Module is a loaded ELF object: its mapped segments, its full symbol
// table (by name), and its DT_NEEDED dependency list. Imports sit in
// Symbols with Defined=false; no list of unresolved relocations is kept,
// since an unresolved non-weak symbol fails the load outright. The linker keeps one Module per loaded library, keyed by soname.
type Module struct {
	Name     string // basename of the path it was loaded from (DT_SONAME is not read)
	Path     string
	BaseAddr uint64
	EndAddr  uint64
	Entry    uint64

	Symbols map[string]*Symbol
	Needed  []string // DT_NEEDED soname list, load order

	InitArray    []uint64 // DT_INIT_ARRAY entries, in invocation order
	PreinitArray []uint64 // DT_PREINIT_ARRAY entries (executables only)
	InitFunc     uint64   // DT_INIT, 0 if absent

	initDone bool

	relocSymbols []elf.Symbol // raw dynsym, indexed by Relocation.SymIdx
	segments     []Segment
	hashIdx      *HashIndex // bucket/chain lookup over the defined symbols
}

// FindSymbol looks up a symbol defined by this module only (not its
// dependencies), through the module's hash index.
func (m *Module) FindSymbol(name string) (*Symbol, bool) {
	if m.hashIdx != nil {
		return m.hashIdx.Lookup(name)
	}
	s, ok := m.Symbols[name]
	return s, ok && s.Defined
}

// Segments returns the module's mapped segments.
func (m *Module) Segments() []Segment { return m.segments }

// TakeInitQueue returns the module's init functions in invocation order —
// preinit entries, then DT_INIT, then DT_INIT_ARRAY — the first time it is
// called, and nil on every later call, so each module's constructors run
// exactly once no matter how many libraries list it in DT_NEEDED.
func (m *Module) TakeInitQueue() []uint64 {
	if m.initDone {
		return nil
	}
	m.initDone = true
	var out []uint64
	out = append(out, m.PreinitArray...)
	if m.InitFunc != 0 {
		out = append(out, m.InitFunc)
	}
	out = append(out, m.InitArray...)
	return out
}

// ClosestSymbol returns the defined symbol with the greatest address not
// above addr — the record dladdr reports. ok is false when addr precedes
// every defined symbol in the module.
func (m *Module) ClosestSymbol(addr uint64) (*Symbol, bool) {
	var best *Symbol
	for _, s := range m.Symbols {
		if !s.Defined || s.Value > addr {
			continue
		}
		if best == nil || s.Value > best.Value {
			best = s
		}
	}
	return best, best != nil
}
