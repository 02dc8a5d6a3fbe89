package memmgr

import "testing"

// fakeBackend records map/unmap/protect calls without a real CPU behind
// them; the manager's bookkeeping is what these tests exercise.
type fakeBackend struct {
	mem map[uint64][]byte // page addr -> page content
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{mem: make(map[uint64][]byte)}
}

func (b *fakeBackend) MemMap(addr, size uint64, prot int) error {
	for p := addr; p < addr+size; p += pageSize {
		b.mem[p] = make([]byte, pageSize)
	}
	return nil
}

func (b *fakeBackend) MemUnmap(addr, size uint64) error {
	for p := addr; p < addr+size; p += pageSize {
		delete(b.mem, p)
	}
	return nil
}

func (b *fakeBackend) MemProtect(addr, size uint64, prot int) error { return nil }

func (b *fakeBackend) MemRead(addr, size uint64) ([]byte, error) {
	out := make([]byte, size)
	for i := uint64(0); i < size; i++ {
		page := (addr + i) &^ (pageSize - 1)
		if p, ok := b.mem[page]; ok {
			out[i] = p[(addr+i)-page]
		}
	}
	return out, nil
}

func (b *fakeBackend) MemWrite(addr uint64, data []byte) error {
	for i, by := range data {
		page := (addr + uint64(i)) &^ (pageSize - 1)
		if p, ok := b.mem[page]; ok {
			p[(addr+uint64(i))-page] = by
		}
	}
	return nil
}

const (
	testArena = uint64(0x40000000)
	testHeap  = uint64(0x20000000)
)

func newTestManager(t *testing.T) (*Manager, *fakeBackend) {
	t.Helper()
	b := newFakeBackend()
	m := New(b, testArena, testHeap, 0x1000000)
	return m, b
}

func TestMmapMunmapNoOverlap(t *testing.T) {
	m, _ := newTestManager(t)

	a1, err := m.Mmap2(0, 0x2000, ProtRW, MapPrivate|MapAnonymous, -1, 0)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	a2, err := m.Mmap2(0, 0x3000, ProtRW, MapPrivate|MapAnonymous, -1, 0)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	if a2 < a1+0x2000 {
		t.Fatalf("second mapping 0x%x overlaps first at 0x%x", a2, a1)
	}

	for _, pair := range [][2]uint64{{a1, a1 + 0x2000}, {a2, a2 + 0x3000}} {
		seen := false
		for _, mm := range m.Mappings() {
			if mm.Addr <= pair[0] && mm.Addr+mm.Size >= pair[1] {
				seen = true
			}
		}
		if !seen {
			t.Errorf("range [0x%x,0x%x) not covered by any mapping", pair[0], pair[1])
		}
	}

	// No two live mappings may overlap.
	maps := m.Mappings()
	for i := range maps {
		for j := i + 1; j < len(maps); j++ {
			a, b := maps[i], maps[j]
			if a.Addr < b.Addr+b.Size && b.Addr < a.Addr+a.Size {
				t.Errorf("mappings overlap: [0x%x,0x%x) and [0x%x,0x%x)",
					a.Addr, a.Addr+a.Size, b.Addr, b.Addr+b.Size)
			}
		}
	}
}

func TestMunmapSplitsInterior(t *testing.T) {
	m, _ := newTestManager(t)

	base, err := m.Mmap2(0, 0x4000, ProtRW, MapPrivate|MapAnonymous, -1, 0)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}

	// Punch a hole in the middle: pages 1-2 of 4.
	if err := m.Munmap(base+0x1000, 0x2000); err != nil {
		t.Fatalf("munmap: %v", err)
	}

	if _, ok := m.FindMapping(base); !ok {
		t.Error("head survivor missing")
	}
	if _, ok := m.FindMapping(base + 0x1000); ok {
		t.Error("unmapped page still tracked")
	}
	if _, ok := m.FindMapping(base + 0x2fff); ok {
		t.Error("unmapped page still tracked")
	}
	tail, ok := m.FindMapping(base + 0x3000)
	if !ok {
		t.Fatal("tail survivor missing")
	}
	if tail.Prot != ProtRW {
		t.Errorf("tail permissions changed: %#x", tail.Prot)
	}
}

func TestMmapArenaResetsWhenDrained(t *testing.T) {
	m, _ := newTestManager(t)

	a1, _ := m.Mmap2(0, 0x1000, ProtRW, MapPrivate|MapAnonymous, -1, 0)
	if err := m.Munmap(a1, 0x1000); err != nil {
		t.Fatalf("munmap: %v", err)
	}
	a2, _ := m.Mmap2(0, 0x1000, ProtRW, MapPrivate|MapAnonymous, -1, 0)
	if a2 != a1 {
		t.Errorf("arena cursor did not rewind: first 0x%x, after drain 0x%x", a1, a2)
	}
}

func TestMprotectSplitsAtBoundaries(t *testing.T) {
	m, _ := newTestManager(t)

	base, _ := m.Mmap2(0, 0x3000, ProtRW, MapPrivate|MapAnonymous, -1, 0)
	if err := m.Mprotect(base+0x1000, 0x1000, ProtR); err != nil {
		t.Fatalf("mprotect: %v", err)
	}

	head, _ := m.FindMapping(base)
	mid, _ := m.FindMapping(base + 0x1000)
	tail, _ := m.FindMapping(base + 0x2000)
	if head == nil || mid == nil || tail == nil {
		t.Fatal("expected three mappings after interior mprotect")
	}
	if head.Prot != ProtRW || tail.Prot != ProtRW {
		t.Error("outer permissions disturbed")
	}
	if mid.Prot != ProtR {
		t.Errorf("interior permissions = %#x, want ProtR", mid.Prot)
	}
}

func TestBrkGrowQueryShrink(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Bootstrap(0x7FFF00000000-0x10000, 0x10000); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	cur := m.Brk(0)
	if cur == 0 {
		t.Fatal("brk(0) returned 0")
	}

	grown := m.Brk(cur + 0x8000)
	if grown != cur+0x8000 {
		t.Fatalf("brk grow returned 0x%x, want 0x%x", grown, cur+0x8000)
	}
	if m.Brk(0) != grown {
		t.Error("brk(0) does not report the grown break")
	}

	shrunk := m.Brk(cur)
	if shrunk != cur {
		t.Errorf("brk shrink returned 0x%x, want 0x%x", shrunk, cur)
	}

	// Out-of-range requests leave the break unchanged.
	if got := m.Brk(1); got != cur {
		t.Errorf("brk below base moved the break to 0x%x", got)
	}
}

func TestHeapAllocMallocFree(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Bootstrap(0x7FFF00000000-0x10000, 0x10000); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	h := NewHeapAlloc(m)

	p1 := h.Malloc(24)
	p2 := h.Malloc(100)
	if p1 == 0 || p2 == 0 {
		t.Fatal("malloc returned 0")
	}
	if p2 < p1+24 {
		t.Errorf("allocations overlap: 0x%x and 0x%x", p1, p2)
	}
	if p1%16 != 0 || p2%16 != 0 {
		t.Error("allocations not 16-byte aligned")
	}

	if h.Size(p2) != 112 { // 100 rounded up to 16
		t.Errorf("Size(p2) = %d, want 112", h.Size(p2))
	}
	h.Free(p2)
	if h.Size(p2) != 0 {
		t.Error("freed allocation still has bookkept size")
	}

	if h.Malloc(0) == 0 {
		t.Error("malloc(0) should return a usable non-zero pointer")
	}
}

func TestHeapAllocReallocCopies(t *testing.T) {
	m, b := newTestManager(t)
	if err := m.Bootstrap(0x7FFF00000000-0x10000, 0x10000); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	h := NewHeapAlloc(m)

	p := h.Malloc(16)
	b.MemWrite(p, []byte{1, 2, 3, 4})

	q := h.Realloc(p, 64)
	if q == 0 {
		t.Fatal("realloc returned 0")
	}
	got, _ := b.MemRead(q, 4)
	for i, want := range []byte{1, 2, 3, 4} {
		if got[i] != want {
			t.Fatalf("realloc did not copy: byte %d = %d, want %d", i, got[i], want)
		}
	}
}

// fakeFiles is a FileMapper serving one fixed window of bytes, read-only
// by default.
type fakeFiles struct {
	data []byte
	ro   bool
}

func (f *fakeFiles) FileMmap(fd int, offset, length uint64, prot int, shared bool) ([]byte, bool, error) {
	if fd != 5 {
		return nil, false, nil
	}
	if shared && prot&ProtW != 0 && f.ro {
		return nil, false, nil
	}
	end := offset + length
	if end > uint64(len(f.data)) {
		end = uint64(len(f.data))
	}
	if offset >= end {
		return nil, f.ro, nil
	}
	return f.data[offset:end], f.ro, nil
}

func TestMmapFileBackedCopyIn(t *testing.T) {
	m, b := newTestManager(t)
	content := []byte("ELF-ish file contents for the mapping window")
	m.SetFileMapper(&fakeFiles{data: content, ro: true})

	addr, err := m.Mmap2(0, 0x1000, ProtR, MapPrivate, 5, 0)
	if err != nil {
		t.Fatalf("file mmap: %v", err)
	}

	got, _ := b.MemRead(addr, uint64(len(content)))
	for i := range content {
		if got[i] != content[i] {
			t.Fatalf("copy-in mismatch at %d: %d != %d", i, got[i], content[i])
		}
	}

	mm, ok := m.FindMapping(addr)
	if !ok {
		t.Fatal("file mapping not recorded")
	}
	if !mm.FileBacked {
		t.Error("mapping not recorded as file-backed")
	}
}

func TestMprotectRefusesWriteOnReadOnlyFileMapping(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetFileMapper(&fakeFiles{data: []byte("ro"), ro: true})

	addr, err := m.Mmap2(0, 0x1000, ProtR, MapPrivate, 5, 0)
	if err != nil {
		t.Fatalf("file mmap: %v", err)
	}
	if err := m.Mprotect(addr, 0x1000, ProtRW); err == nil {
		t.Fatal("PROT_WRITE upgrade on a read-only file mapping succeeded")
	}
	// Dropping write permission is still allowed.
	if err := m.Mprotect(addr, 0x1000, ProtNone); err != nil {
		t.Errorf("downgrade failed: %v", err)
	}
}

func TestMmapFileBackedWithoutMapperEBADF(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Mmap2(0, 0x1000, ProtR, MapPrivate, 5, 0); err == nil {
		t.Fatal("file mmap with no FileMapper wired succeeded")
	}
}
