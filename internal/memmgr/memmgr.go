// Package memmgr implements the guest virtual memory manager: a page-table
// of Mapping records layered over the emulator.Backend, and the mmap2/
// munmap/mprotect/brk operations the syscall dispatcher calls into.
// Mappings never overlap; a partial munmap splits the enclosing record,
// and adjacent records merge only when protection, tag and file backing
// are identical.
package memmgr

import (
	"fmt"
	"sort"
	"sync"

	"github.com/arm64sandbox/emulator/internal/errs"
	"github.com/arm64sandbox/emulator/internal/log"
)

const pageSize = 0x1000

// Backend is the subset of the CPU backend the memory manager needs.
// internal/emulator.Emulator satisfies this implicitly.
type Backend interface {
	MemMap(addr, size uint64, prot int) error
	MemUnmap(addr, size uint64) error
	MemProtect(addr, size uint64, prot int) error
	MemRead(addr, size uint64) ([]byte, error)
	MemWrite(addr uint64, data []byte) error
}

// Mapping records one contiguous guest memory region. Tag identifies why
// the region exists ("stack", "heap", a module path, or "" for an
// anonymous mmap) purely for diagnostics — it carries no semantics.
// FileBacked/FileRO survive splits: a partial munmap of a file mapping
// leaves file-backed survivors, and FileRO is what lets Mprotect refuse a
// write upgrade on a mapping whose fd was opened read-only.
type Mapping struct {
	Addr uint64
	Size uint64
	Prot int
	Tag  string

	FileBacked bool
	FileRO     bool // the backing fd was opened read-only
}

func (m *Mapping) end() uint64 { return m.Addr + m.Size }

// Manager owns the guest address space layout: the mmap arena, the brk
// heap, and the stack/SVC-trampoline regions carved out of it at startup.
type Manager struct {
	backend Backend
	files   FileMapper // fd-side hook for file-backed mmap2, nil until wired

	mu       sync.Mutex
	mappings []*Mapping // sorted by Addr, non-overlapping

	arenaBase uint64
	mmapNext  uint64 // bump cursor for the mmap arena (a non-zero addr bypasses it)
	brkBase  uint64
	brkCur   uint64
	brkMax   uint64 // brk never grows past this without a fresh mmap
}

// New creates a Manager whose mmap arena starts at arenaBase and whose brk
// heap starts at heapBase, sized heapMax bytes.
func New(backend Backend, arenaBase, heapBase, heapMax uint64) *Manager {
	return &Manager{
		backend:   backend,
		arenaBase: alignUp(arenaBase),
		mmapNext: alignUp(arenaBase),
		brkBase:  alignUp(heapBase),
		brkCur:   alignUp(heapBase),
		brkMax:   alignUp(heapBase) + alignUp(heapMax),
	}
}

func alignUp(v uint64) uint64   { return (v + pageSize - 1) &^ (pageSize - 1) }
func alignDown(v uint64) uint64 { return v &^ (pageSize - 1) }

// Bootstrap maps the initial thread stack and the brk heap's first page,
// reserving both as permanent mappings outside the mmap arena.
func (m *Manager) Bootstrap(stackBase, stackSize uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.mapLocked(stackBase, stackSize, ProtRW, "stack"); err != nil {
		return fmt.Errorf("map stack: %w", err)
	}
	if err := m.mapLocked(m.brkBase, pageSize, ProtRW, "heap"); err != nil {
		return fmt.Errorf("map heap: %w", err)
	}
	m.brkCur = m.brkBase + pageSize
	return nil
}

// Protection bit aliases matching Linux's PROT_* / the backend's values.
const (
	ProtNone = 0x0
	ProtR    = 0x1
	ProtW    = 0x2
	ProtX    = 0x4
	ProtRW   = ProtR | ProtW
	ProtRWX  = ProtR | ProtW | ProtX
)

// Linux MAP_* flag bits. Mmap2 reads only MapAnonymous and MapShared: a
// non-zero addr is used as given whether or not MapFixed is set, and one
// that overlaps an existing mapping fails with EINVAL instead of replacing it.
const (
	MapShared    = 0x01
	MapPrivate   = 0x02
	MapFixed     = 0x10
	MapAnonymous = 0x20
)

// FileMapper is the fd table's side of a file-backed mapping: it verifies
// the fd's access rights against prot and produces the bytes to copy into
// the new mapping. ro reports that the fd was opened read-only, which
// Mprotect uses to refuse a later PROT_WRITE upgrade. Implemented by
// internal/vfs.FileSystem; the manager stays ignorant of fd tables.
type FileMapper interface {
	FileMmap(fd int, offset, length uint64, prot int, shared bool) (data []byte, ro bool, err error)
}

// SetFileMapper wires the fd table in; until then every file-backed Mmap2
// fails with EBADF.
func (m *Manager) SetFileMapper(fm FileMapper) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = fm
}

// MapModule maps a page-aligned region for an ELF loader segment. Addr and
// size must already be page-aligned; overlapping PT_LOAD segments that the
// loader has already merged are expected here as a single call.
func (m *Manager) MapModule(addr, size uint64, prot int, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapLocked(addr, size, prot, tag)
}

func (m *Manager) mapLocked(addr, size uint64, prot int, tag string) error {
	return m.mapRecordLocked(&Mapping{Addr: addr, Size: size, Prot: prot, Tag: tag})
}

func (m *Manager) mapRecordLocked(n *Mapping) error {
	if n.Addr%pageSize != 0 || n.Size%pageSize != 0 {
		return errs.NewFatalError("memmgr: unaligned map addr=0x%x size=0x%x", n.Addr, n.Size)
	}
	if err := m.backend.MemMap(n.Addr, n.Size, n.Prot); err != nil {
		return errs.NewHostError("mmap", err)
	}
	m.insertLocked(n)
	return nil
}

// insertLocked adds a mapping and merges it with an adjacent mapping of
// identical protection and tag, so munmap/mprotect can later operate on a
// single record instead of a chain of page-sized ones.
func (m *Manager) insertLocked(n *Mapping) {
	idx := sort.Search(len(m.mappings), func(i int) bool { return m.mappings[i].Addr >= n.Addr })
	m.mappings = append(m.mappings, nil)
	copy(m.mappings[idx+1:], m.mappings[idx:])
	m.mappings[idx] = n

	// merge with predecessor
	if idx > 0 {
		prev := m.mappings[idx-1]
		if prev.end() == n.Addr && mergeable(prev, n) {
			prev.Size += n.Size
			m.mappings = append(m.mappings[:idx], m.mappings[idx+1:]...)
			idx--
			n = prev
		}
	}
	// merge with successor
	if idx+1 < len(m.mappings) {
		next := m.mappings[idx+1]
		if n.end() == next.Addr && mergeable(n, next) {
			n.Size += next.Size
			m.mappings = append(m.mappings[:idx+1], m.mappings[idx+2:]...)
		}
	}
}

// mergeable reports whether two adjacent mappings can collapse into one
// record: identical protection, tag, and file-backing provenance.
func mergeable(a, b *Mapping) bool {
	return a.Prot == b.Prot && a.Tag == b.Tag &&
		a.FileBacked == b.FileBacked && a.FileRO == b.FileRO
}

// Mmap2 implements the mmap2 syscall. addr==0 lets the manager pick the
// next free region in the arena. For a file-backed request (no
// MAP_ANONYMOUS, fd >= 0) the fd table's FileMmap hook verifies access
// rights against prot and produces the bytes to copy in; the remainder of
// the mapping stays zero-filled.
func (m *Manager) Mmap2(addr, length uint64, prot, flags int, fd int, offset uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	length = alignUp(length)
	if length == 0 {
		return 0, errs.EINVAL
	}

	fileBacked := flags&MapAnonymous == 0 && fd >= 0
	var fileData []byte
	var fileRO bool
	if fileBacked {
		if m.files == nil {
			return 0, errs.EBADF
		}
		data, ro, err := m.files.FileMmap(fd, offset, length, prot, flags&MapShared != 0)
		if err != nil {
			return 0, err
		}
		fileData, fileRO = data, ro
	}

	if addr == 0 {
		addr = m.mmapNext
		m.mmapNext = addr + length
	} else {
		addr = alignDown(addr)
		if m.overlapsLocked(addr, length) {
			return 0, errs.EINVAL
		}
		if addr+length > m.mmapNext {
			m.mmapNext = addr + length
		}
	}

	rec := &Mapping{Addr: addr, Size: length, Prot: prot, FileBacked: fileBacked, FileRO: fileRO}
	if fileBacked {
		rec.Tag = "file"
	}
	if err := m.mapRecordLocked(rec); err != nil {
		return 0, err
	}
	if len(fileData) > 0 {
		if err := m.backend.MemWrite(addr, fileData); err != nil {
			return 0, errs.NewHostError("mmap copy-in", err)
		}
	}
	log.L.MmapLog("mmap2", addr, length, uint32(prot))
	return addr, nil
}

func (m *Manager) overlapsLocked(addr, length uint64) bool {
	end := addr + length
	for _, mm := range m.mappings {
		if addr < mm.end() && mm.Addr < end {
			return true
		}
	}
	return false
}

// Munmap unmaps [addr, addr+length), splitting any mapping that only
// partially overlaps the requested range.
func (m *Manager) Munmap(addr, length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr = alignDown(addr)
	length = alignUp(length)
	end := addr + length

	var kept []*Mapping
	for _, mm := range m.mappings {
		if mm.end() <= addr || mm.Addr >= end {
			kept = append(kept, mm)
			continue
		}
		// mm overlaps [addr,end); unmap the overlapping slice, keep the rest
		if mm.Addr < addr {
			kept = append(kept, splitOf(mm, mm.Addr, addr-mm.Addr, mm.Prot))
		}
		if mm.end() > end {
			kept = append(kept, splitOf(mm, end, mm.end()-end, mm.Prot))
		}
	}
	m.mappings = kept

	// When the arena has fully drained, rewind the bump cursor so a
	// long-lived process doesn't leak address space it already gave back.
	arenaLive := false
	for _, mm := range m.mappings {
		if mm.Addr >= m.arenaBase {
			arenaLive = true
			break
		}
	}
	if !arenaLive {
		m.mmapNext = m.arenaBase
	}

	if err := m.backend.MemUnmap(addr, length); err != nil {
		return errs.NewHostError("munmap", err)
	}
	log.L.MmapLog("munmap", addr, length, 0)
	return nil
}

// Mprotect changes protection over [addr, addr+length), splitting any
// mapping at the boundaries that only partially overlaps the range.
func (m *Manager) Mprotect(addr, length uint64, prot int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr = alignDown(addr)
	length = alignUp(length)
	end := addr + length

	// A file mapping whose fd was opened read-only never gains
	// PROT_WRITE.
	if prot&ProtW != 0 {
		for _, mm := range m.mappings {
			if mm.end() <= addr || mm.Addr >= end {
				continue
			}
			if mm.FileBacked && mm.FileRO {
				return errs.EACCES
			}
		}
	}

	if err := m.backend.MemProtect(addr, length, prot); err != nil {
		return errs.NewHostError("mprotect", err)
	}

	var next []*Mapping
	for _, mm := range m.mappings {
		if mm.end() <= addr || mm.Addr >= end {
			next = append(next, mm)
			continue
		}
		if mm.Addr < addr {
			next = append(next, splitOf(mm, mm.Addr, addr-mm.Addr, mm.Prot))
		}
		lo := max(mm.Addr, addr)
		hi := min(mm.end(), end)
		next = append(next, splitOf(mm, lo, hi-lo, prot))
		if mm.end() > end {
			next = append(next, splitOf(mm, end, mm.end()-end, mm.Prot))
		}
	}
	m.mappings = next
	return nil
}

// splitOf builds a surviving piece of mm with new bounds/protection but
// the same tag and file-backing provenance.
func splitOf(mm *Mapping, addr, size uint64, prot int) *Mapping {
	return &Mapping{Addr: addr, Size: size, Prot: prot, Tag: mm.Tag,
		FileBacked: mm.FileBacked, FileRO: mm.FileRO}
}

// Brk implements the brk syscall: addr==0 queries the current break,
// otherwise the manager tries to grow/shrink the heap mapping to addr and
// returns the resulting break (unchanged on failure, per brk's contract).
func (m *Manager) Brk(addr uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if addr == 0 {
		return m.brkCur
	}
	if addr < m.brkBase || addr > m.brkMax {
		return m.brkCur
	}

	newEnd := alignUp(addr)
	curEnd := alignUp(m.brkCur)

	if newEnd > curEnd {
		if err := m.mapLocked(curEnd, newEnd-curEnd, ProtRW, "heap"); err != nil {
			return m.brkCur
		}
	} else if newEnd < curEnd {
		if err := m.backend.MemUnmap(newEnd, curEnd-newEnd); err == nil {
			m.shrinkLocked(newEnd, curEnd-newEnd)
		}
	}

	m.brkCur = addr
	return m.brkCur
}

func (m *Manager) shrinkLocked(addr, length uint64) {
	end := addr + length
	var kept []*Mapping
	for _, mm := range m.mappings {
		if mm.end() <= addr || mm.Addr >= end {
			kept = append(kept, mm)
			continue
		}
		if mm.Addr < addr {
			kept = append(kept, splitOf(mm, mm.Addr, addr-mm.Addr, mm.Prot))
		}
		if mm.end() > end {
			kept = append(kept, splitOf(mm, end, mm.end()-end, mm.Prot))
		}
	}
	m.mappings = kept
}

// FindMapping returns the mapping containing addr, if any.
func (m *Manager) FindMapping(addr uint64) (*Mapping, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mm := range m.mappings {
		if addr >= mm.Addr && addr < mm.end() {
			return mm, true
		}
	}
	return nil, false
}

// Mappings returns a snapshot of all current mapping records, sorted by
// address, for /proc/self/maps rendering.
func (m *Manager) Mappings() []Mapping {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Mapping, len(m.mappings))
	for i, mm := range m.mappings {
		out[i] = *mm
	}
	return out
}

// HeapAlloc is a byte-granular suballocator layered over the Manager's brk
// region. It gives the guest libc's malloc/calloc/realloc/free/operator-new
// stubs (internal/stubs/libc) a single heap that brk, mmap bookkeeping, and
// /proc/self/maps rendering all agree on, instead of a private allocator
// disconnected from the address space the rest of the manager tracks. It
// never reclaims freed blocks — Free only drops size bookkeeping — but
// every byte it hands out came from a Brk() call the manager itself grew,
// so the heap mapping's recorded size is always accurate.
type HeapAlloc struct {
	mgr *Manager

	mu    sync.Mutex
	next  uint64
	sizes map[uint64]uint64 // live allocation -> requested size, for realloc/free
}

// NewHeapAlloc creates a suballocator over mgr, which must already have
// Bootstrap run (so brkBase/brkCur are valid).
func NewHeapAlloc(mgr *Manager) *HeapAlloc {
	return &HeapAlloc{mgr: mgr, next: mgr.brkBase, sizes: make(map[uint64]uint64)}
}

func alignUp16(v uint64) uint64 { return (v + 15) &^ 15 }

// Malloc grows the brk heap as needed and returns a fresh size-byte block,
// or 0 if the heap's upper bound (brkMax) is reached. size==0 is rounded up
// to a minimum 16-byte block, matching malloc(0)'s "non-NULL, unusable
// pointer" convention.
func (h *HeapAlloc) Malloc(size uint64) uint64 {
	if size == 0 {
		size = 1
	}
	size = alignUp16(size)

	h.mu.Lock()
	defer h.mu.Unlock()

	addr := h.next
	want := addr + size
	if want > h.mgr.Brk(0) {
		if h.mgr.Brk(want) < want {
			return 0
		}
	}
	h.next = want
	h.sizes[addr] = size
	return addr
}

// Calloc is Malloc sized by count*size; the caller still has to zero the
// guest bytes since Malloc only reserves address space.
func (h *HeapAlloc) Calloc(count, size uint64) uint64 {
	return h.Malloc(count * size)
}

// Realloc allocates a fresh block of size bytes and copies over
// min(oldSize, size) bytes from ptr. It never grows ptr's block in place —
// same limitation the bump allocator it replaces had — so callers must
// treat the old pointer as freed once this returns a non-zero new one.
func (h *HeapAlloc) Realloc(ptr, size uint64) uint64 {
	newPtr := h.Malloc(size)
	if ptr == 0 || newPtr == 0 {
		return newPtr
	}
	n := h.Size(ptr)
	if size < n {
		n = size
	}
	if n > 0 {
		if data, err := h.mgr.backend.MemRead(ptr, n); err == nil {
			h.mgr.backend.MemWrite(newPtr, data)
		}
	}
	return newPtr
}

// Free drops ptr's size bookkeeping. The backing bytes are never unmapped
// or reused; this only makes Size/double-free observations well-defined.
func (h *HeapAlloc) Free(ptr uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sizes, ptr)
}

// Size returns the bookkept size of a still-live allocation, or 0 if ptr
// isn't one (already freed, or never allocated through this bridge).
func (h *HeapAlloc) Size(ptr uint64) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sizes[ptr]
}

func max(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
