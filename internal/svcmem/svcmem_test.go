package svcmem

import (
	"encoding/binary"
	"testing"
)

type fakeBackend struct {
	writes map[uint64][]byte
}

func (b *fakeBackend) MemMap(addr, size uint64, prot int) error { return nil }
func (b *fakeBackend) MemWrite(addr uint64, data []byte) error {
	if b.writes == nil {
		b.writes = make(map[uint64][]byte)
	}
	b.writes[addr] = append([]byte(nil), data...)
	return nil
}

func TestAssembleSVCEncoding(t *testing.T) {
	stub := assembleSVC(0x1234)
	if len(stub) != stubSize {
		t.Fatalf("stub is %d bytes, want %d", len(stub), stubSize)
	}

	svc := binary.LittleEndian.Uint32(stub[0:4])
	if want := uint32(0xD4000001) | uint32(0x1234)<<5; svc != want {
		t.Errorf("svc word = %#x, want %#x", svc, want)
	}
	if imm := (svc >> 5) & 0xFFFF; imm != 0x1234 {
		t.Errorf("decoded immediate = %#x, want 0x1234", imm)
	}
	if ret := binary.LittleEndian.Uint32(stub[4:8]); ret != 0xD65F03C0 {
		t.Errorf("second word = %#x, want ret (0xD65F03C0)", ret)
	}
}

func TestAllocAssignsDistinctStubs(t *testing.T) {
	b := &fakeBackend{}
	a, err := New(b, 0x7000_0000, 0x1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var got []uint16
	handler := func(imm uint16) { got = append(got, imm) }

	addr1, err := a.Alloc(handler)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	addr2, err := a.Alloc(handler)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if addr1 == addr2 {
		t.Fatal("two stubs share one address")
	}
	if addr2 != addr1+stubSize {
		t.Errorf("stub addresses not contiguous: %#x then %#x", addr1, addr2)
	}

	// Each stub's written bytes encode its own immediate.
	imm1 := (binary.LittleEndian.Uint32(b.writes[addr1][:4]) >> 5) & 0xFFFF
	imm2 := (binary.LittleEndian.Uint32(b.writes[addr2][:4]) >> 5) & 0xFFFF
	if imm1 == imm2 {
		t.Fatal("two stubs share one SVC immediate")
	}

	if !a.Dispatch(uint32(imm1)) || !a.Dispatch(uint32(imm2)) {
		t.Fatal("dispatch did not find a registered handler")
	}
	if len(got) != 2 || got[0] != uint16(imm1) || got[1] != uint16(imm2) {
		t.Errorf("handlers saw %v, want [%d %d]", got, imm1, imm2)
	}
}

func TestDispatchIgnoresSyscallRange(t *testing.T) {
	b := &fakeBackend{}
	a, _ := New(b, 0x7000_0000, 0x1000)

	if a.Dispatch(0) {
		t.Error("svc #0 (the Linux syscall trap) must not be claimed")
	}
	if a.Dispatch(firstSVCImmediate - 1) {
		t.Error("immediates below the allocator's range must not be claimed")
	}
	if a.Dispatch(firstSVCImmediate + 500) {
		t.Error("an unallocated immediate must not be claimed")
	}
}

func TestAllocExhaustion(t *testing.T) {
	b := &fakeBackend{}
	a, _ := New(b, 0x7000_0000, 2*stubSize)

	if _, err := a.Alloc(func(uint16) {}); err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	if _, err := a.Alloc(func(uint16) {}); err != nil {
		t.Fatalf("second alloc: %v", err)
	}
	if _, err := a.Alloc(func(uint16) {}); err == nil {
		t.Error("allocation past the region's end should fail")
	}
}

type staticListener struct {
	symbols map[string]uint64
}

func (l *staticListener) Hook(module, symbol string) (uint64, bool) {
	addr, ok := l.symbols[symbol]
	return addr, ok
}

func TestListenerChainPriorityOrder(t *testing.T) {
	first := &staticListener{symbols: map[string]uint64{"malloc": 0x100}}
	second := &staticListener{symbols: map[string]uint64{"malloc": 0x200, "free": 0x300}}
	chain := NewListenerChain(first, second)

	if addr, ok := chain.Resolve("libc.so", "malloc"); !ok || addr != 0x100 {
		t.Errorf("malloc resolved to %#x, want the first listener's 0x100", addr)
	}
	if addr, ok := chain.Resolve("libc.so", "free"); !ok || addr != 0x300 {
		t.Errorf("free resolved to %#x, want 0x300", addr)
	}
	if _, ok := chain.Resolve("libc.so", "unknown"); ok {
		t.Error("unknown symbol resolved")
	}

	chain.Add(&staticListener{symbols: map[string]uint64{"late": 0x400}})
	if addr, ok := chain.Resolve("", "late"); !ok || addr != 0x400 {
		t.Errorf("appended listener not consulted: %#x, %v", addr, ok)
	}
}
