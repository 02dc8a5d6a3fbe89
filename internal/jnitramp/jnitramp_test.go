package jnitramp

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/arm64sandbox/emulator/internal/dalvik"
	"github.com/arm64sandbox/emulator/internal/svcmem"
)

// fakeCPU backs both the trampoline's CPU contract and svcmem's Backend
// with one flat byte map, so a test can read the stub bytes the allocator
// wrote and dispatch the immediate they encode — the same round trip a
// real guest call takes, minus the CPU.
type fakeCPU struct {
	x   [31]uint64
	d   [32]uint64
	mem map[uint64]byte

	mallocNext uint64
}

func newFakeCPU() *fakeCPU {
	return &fakeCPU{mem: make(map[uint64]byte), mallocNext: 0x10000}
}

func (c *fakeCPU) X(n int) uint64                  { return c.x[n] }
func (c *fakeCPU) SetX(n int, v uint64) error      { c.x[n] = v; return nil }
func (c *fakeCPU) D(n int) uint64                  { return c.d[n] }
func (c *fakeCPU) SetD(n int, bits uint64) error   { c.d[n] = bits; return nil }
func (c *fakeCPU) MemMap(a, s uint64, p int) error { return nil }

func (c *fakeCPU) MemRead(addr, size uint64) ([]byte, error) {
	out := make([]byte, size)
	for i := uint64(0); i < size; i++ {
		out[i] = c.mem[addr+i]
	}
	return out, nil
}

func (c *fakeCPU) MemWrite(addr uint64, data []byte) error {
	for i, b := range data {
		c.mem[addr+uint64(i)] = b
	}
	return nil
}

func (c *fakeCPU) MemReadU64(addr uint64) (uint64, error) {
	buf, _ := c.MemRead(addr, 8)
	return binary.LittleEndian.Uint64(buf), nil
}

func (c *fakeCPU) MemWriteU64(addr, v uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return c.MemWrite(addr, buf)
}

func (c *fakeCPU) MemReadString(addr uint64, maxLen int) (string, error) {
	var out []byte
	for i := 0; i < maxLen; i++ {
		b := c.mem[addr+uint64(i)]
		if b == 0 {
			break
		}
		out = append(out, b)
	}
	return string(out), nil
}

func (c *fakeCPU) MemWriteString(addr uint64, s string) error {
	return c.MemWrite(addr, append([]byte(s), 0))
}

func (c *fakeCPU) Malloc(size uint64) uint64 {
	addr := c.mallocNext
	c.mallocNext += (size + 15) &^ 15
	return addr
}

func newTestTrampoline(t *testing.T) (*Trampoline, *fakeCPU, *svcmem.Allocator, *dalvik.VM) {
	t.Helper()
	cpu := newFakeCPU()
	alloc, err := svcmem.New(cpu, 0x7FFE_0000_0000, 0x10000)
	if err != nil {
		t.Fatalf("svcmem.New: %v", err)
	}
	vm := dalvik.New()
	tramp, err := Install(cpu, alloc, vm)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	return tramp, cpu, alloc, vm
}

// callSlot simulates a guest calling JNIEnv function-table entry slot: it
// reads the stub pointer out of the guest table, decodes the stub's SVC
// immediate, and dispatches it with the given arguments in X1.. (X0 is the
// JNIEnv pointer, as in a real call).
func callSlot(t *testing.T, tramp *Trampoline, cpu *fakeCPU, alloc *svcmem.Allocator, slot int, args ...uint64) {
	t.Helper()
	envTable, _ := cpu.MemReadU64(tramp.EnvAddr())
	stubAddr, _ := cpu.MemReadU64(envTable + uint64(slot)*8)
	if stubAddr == 0 {
		t.Fatalf("slot %d has no stub", slot)
	}
	word, _ := cpu.MemRead(stubAddr, 4)
	imm := (binary.LittleEndian.Uint32(word) >> 5) & 0xFFFF

	cpu.x[0] = tramp.EnvAddr()
	for i, a := range args {
		cpu.x[1+i] = a
	}
	if !alloc.Dispatch(imm) {
		t.Fatalf("slot %d immediate %#x not dispatched", slot, imm)
	}
}

func TestGetVersionThroughTable(t *testing.T) {
	tramp, cpu, alloc, _ := newTestTrampoline(t)
	callSlot(t, tramp, cpu, alloc, slotGetVersion)
	if cpu.x[0] != jniVersion16 {
		t.Errorf("GetVersion = %#x, want %#x", cpu.x[0], jniVersion16)
	}
}

func TestFindClassReturnsClassHandle(t *testing.T) {
	tramp, cpu, alloc, vm := newTestTrampoline(t)

	namePtr := cpu.Malloc(32)
	cpu.MemWriteString(namePtr, "java/lang/String")
	callSlot(t, tramp, cpu, alloc, slotFindClass, namePtr)

	h := cpu.x[0]
	if dalvik.DecodeHandleTag(h) != dalvik.TagClass {
		t.Fatalf("FindClass handle tag = %d, want TagClass", dalvik.DecodeHandleTag(h))
	}
	obj, ok := vm.GetObject(h)
	if !ok || obj.Class == nil || obj.Class.Name != "java/lang/String" {
		t.Error("FindClass handle does not resolve to the class")
	}
}

func TestGetEnvThroughJavaVM(t *testing.T) {
	tramp, cpu, alloc, _ := newTestTrampoline(t)

	vmTable, _ := cpu.MemReadU64(tramp.JavaVMAddr())
	stubAddr, _ := cpu.MemReadU64(vmTable + uint64(javaVMReserved+javaVMGetEnv)*8)
	word, _ := cpu.MemRead(stubAddr, 4)
	imm := (binary.LittleEndian.Uint32(word) >> 5) & 0xFFFF

	out := cpu.Malloc(8)
	cpu.x[0] = tramp.JavaVMAddr()
	cpu.x[1] = out
	if !alloc.Dispatch(imm) {
		t.Fatal("GetEnv immediate not dispatched")
	}
	if cpu.x[0] != 0 {
		t.Errorf("GetEnv rc = %d", cpu.x[0])
	}
	env, _ := cpu.MemReadU64(out)
	if env != tramp.EnvAddr() {
		t.Errorf("GetEnv wrote %#x, want the JNIEnv at %#x", env, tramp.EnvAddr())
	}
}

func TestByteArrayRegionRoundTrip(t *testing.T) {
	tramp, cpu, alloc, _ := newTestTrampoline(t)

	callSlot(t, tramp, cpu, alloc, slotNewByteArray, 16)
	arr := cpu.x[0]
	if arr == 0 {
		t.Fatal("NewByteArray returned null")
	}

	callSlot(t, tramp, cpu, alloc, slotGetArrayLength, arr)
	if cpu.x[0] != 16 {
		t.Fatalf("GetArrayLength = %d, want 16", cpu.x[0])
	}

	pattern := make([]byte, 16)
	for i := range pattern {
		pattern[i] = byte(i)
	}
	src := cpu.Malloc(16)
	cpu.MemWrite(src, pattern)
	callSlot(t, tramp, cpu, alloc, slotSetByteArrayRegion, arr, 0, 16, src)

	dst := cpu.Malloc(16)
	callSlot(t, tramp, cpu, alloc, slotGetByteArrayRegion, arr, 0, 16, dst)

	got, _ := cpu.MemRead(dst, 16)
	if !bytes.Equal(got, pattern) {
		t.Errorf("region round trip = %v, want %v", got, pattern)
	}
}

func TestExceptionCheckClearThroughTable(t *testing.T) {
	tramp, cpu, alloc, vm := newTestTrampoline(t)

	callSlot(t, tramp, cpu, alloc, slotExceptionCheck)
	if cpu.x[0] != 0 {
		t.Fatal("fresh VM reports a pending exception")
	}

	vm.Throw(&dalvik.DvmObject{Kind: dalvik.KindInstance})
	callSlot(t, tramp, cpu, alloc, slotExceptionCheck)
	if cpu.x[0] != 1 {
		t.Fatal("pending exception not reported")
	}

	callSlot(t, tramp, cpu, alloc, slotExcClear)
	callSlot(t, tramp, cpu, alloc, slotExceptionCheck)
	if cpu.x[0] != 0 {
		t.Error("ExceptionClear did not clear")
	}
}

func TestNewStringUTFAndChars(t *testing.T) {
	tramp, cpu, alloc, _ := newTestTrampoline(t)

	p := cpu.Malloc(16)
	cpu.MemWriteString(p, "hello")
	callSlot(t, tramp, cpu, alloc, slotNewStringUTF, p)
	str := cpu.x[0]

	callSlot(t, tramp, cpu, alloc, slotGetStringUTFLength, str)
	if cpu.x[0] != 5 {
		t.Errorf("GetStringUTFLength = %d, want 5", cpu.x[0])
	}

	callSlot(t, tramp, cpu, alloc, slotGetStringUTFChars, str, 0)
	chars := cpu.x[0]
	if got, _ := cpu.MemReadString(chars, 16); got != "hello" {
		t.Errorf("GetStringUTFChars = %q", got)
	}
}

func TestParseSignature(t *testing.T) {
	cases := []struct {
		sig  string
		args []dalvik.JniKind
		ret  dalvik.JniKind
	}{
		{"()V", nil, dalvik.JVoid},
		{"(I)Z", []dalvik.JniKind{dalvik.JInt}, dalvik.JBool},
		{"(ILjava/lang/String;J)Ljava/lang/Object;",
			[]dalvik.JniKind{dalvik.JInt, dalvik.JObject, dalvik.JLong}, dalvik.JObject},
		{"([BFD)V", []dalvik.JniKind{dalvik.JObject, dalvik.JFloat, dalvik.JDouble}, dalvik.JVoid},
		{"([[I)I", []dalvik.JniKind{dalvik.JObject}, dalvik.JInt},
	}
	for _, tc := range cases {
		args, ret := parseSignature(tc.sig)
		if len(args) != len(tc.args) || ret != tc.ret {
			t.Errorf("parseSignature(%q) = (%v, %v), want (%v, %v)", tc.sig, args, ret, tc.args, tc.ret)
			continue
		}
		for i := range args {
			if args[i] != tc.args[i] {
				t.Errorf("parseSignature(%q) arg %d = %v, want %v", tc.sig, i, args[i], tc.args[i])
			}
		}
	}
}

func TestSyntheticVaListMatchesAAPCS(t *testing.T) {
	tramp, cpu, _, _ := newTestTrampoline(t)

	kinds := []dalvik.JniKind{dalvik.JInt, dalvik.JFloat, dalvik.JLong, dalvik.JDouble}
	raws := []uint64{42, uint64(float32Bits(1.5)), 7, float64Bits(2.5)}
	va := tramp.buildSyntheticVa(kinds, raws)

	if v, _ := va.NextInt(cpu); v != 42 {
		t.Errorf("int arg = %d, want 42", v)
	}
	if v, _ := va.NextFloat(cpu); float32FromBits(uint32(v)) != 1.5 {
		t.Errorf("float arg bits = %#x, want 1.5", v)
	}
	if v, _ := va.NextInt(cpu); v != 7 {
		t.Errorf("long arg = %d, want 7", v)
	}
	if v, _ := va.NextFloat(cpu); float64FromBits(v) != 2.5 {
		t.Errorf("double arg = %v bits, want 2.5", v)
	}
}
