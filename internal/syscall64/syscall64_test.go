package syscall64

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/arm64sandbox/emulator/internal/memmgr"
	"github.com/arm64sandbox/emulator/internal/vfs"
)

// fakeCPU implements the Memory contract over a flat byte map, enough to
// run the dispatcher without Unicorn behind it.
type fakeCPU struct {
	x       [31]uint64
	mem     map[uint64]byte
	stopped bool
}

func newFakeCPU() *fakeCPU { return &fakeCPU{mem: make(map[uint64]byte)} }

func (c *fakeCPU) X(n int) uint64             { return c.x[n] }
func (c *fakeCPU) SetX(n int, v uint64) error { c.x[n] = v; return nil }
func (c *fakeCPU) Stop()                      { c.stopped = true }

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

func (c *fakeCPU) MemWriteU32(addr uint64, v uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return c.MemWrite(addr, buf)
}

func (c *fakeCPU) MemWriteU64(addr, v uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return c.MemWrite(addr, buf)
}

// memBackend satisfies memmgr.Backend over the same flat map.
type memBackend struct{ cpu *fakeCPU }

func (b memBackend) MemMap(addr, size uint64, prot int) error    { return nil }
func (b memBackend) MemUnmap(addr, size uint64) error            { return nil }
func (b memBackend) MemProtect(addr, size uint64, prot int) error { return nil }
func (b memBackend) MemRead(addr, size uint64) ([]byte, error)   { return b.cpu.MemRead(addr, size) }
func (b memBackend) MemWrite(addr uint64, data []byte) error     { return b.cpu.MemWrite(addr, data) }

const testErrnoTLS = uint64(0xF000)

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeCPU) {
	t.Helper()
	cpu := newFakeCPU()
	mgr := memmgr.New(memBackend{cpu}, 0x40000000, 0x20000000, 0x100000)
	fsys := vfs.New(t.TempDir(), mgr)
	return New(cpu, mgr, fsys, testErrnoTLS, 1234), cpu
}

// syscall sets up registers and runs one Dispatch round, returning X0.
func (c *fakeCPU) syscall(d *Dispatcher, nr uint64, args ...uint64) int64 {
	c.x[8] = nr
	for i := range c.x[:6] {
		c.x[i] = 0
	}
	copy(c.x[:6], args)
	d.Dispatch()
	return int64(c.x[0])
}

func TestGetPidAndUID(t *testing.T) {
	d, cpu := newTestDispatcher(t)
	if got := cpu.syscall(d, NRGetPid); got != 1234 {
		t.Errorf("getpid = %d, want 1234", got)
	}
	if got := cpu.syscall(d, NRGetUID); got != 0 {
		t.Errorf("getuid = %d, want 0", got)
	}
}

func TestOpenReadLseekCloseCpuinfo(t *testing.T) {
	d, cpu := newTestDispatcher(t)

	const pathPtr = uint64(0x500)
	cpu.MemWrite(pathPtr, append([]byte("/proc/cpuinfo"), 0))

	const atFDCWD = uint64(0xFFFFFFFFFFFFFF9C) // -100 sign-extended
	fd := cpu.syscall(d, NROpenat, atFDCWD, pathPtr, 0, 0)
	if fd < 3 {
		t.Fatalf("openat = %d", fd)
	}

	const bufPtr = uint64(0x1000)
	n := cpu.syscall(d, NRRead, uint64(fd), bufPtr, 4096)
	if n <= 0 {
		t.Fatalf("read = %d", n)
	}
	head, _ := cpu.MemRead(bufPtr, 9)
	if !bytes.Equal(head, []byte("processor")) {
		t.Errorf("buffer begins %q, want \"processor\"", head)
	}

	if pos := cpu.syscall(d, NRLseek, uint64(fd), 0, 0); pos != 0 {
		t.Errorf("lseek rewind = %d, want 0", pos)
	}

	if rc := cpu.syscall(d, NRClose, uint64(fd)); rc != 0 {
		t.Errorf("close = %d", rc)
	}
	if rc := cpu.syscall(d, NRRead, uint64(fd), bufPtr, 16); rc != -9 { // -EBADF
		t.Errorf("read after close = %d, want -EBADF", rc)
	}
}

func TestRelativePathNeedsATFDCWD(t *testing.T) {
	d, cpu := newTestDispatcher(t)

	const pathPtr = uint64(0x500)
	cpu.MemWrite(pathPtr, append([]byte("some/relative"), 0))
	if rc := cpu.syscall(d, NROpenat, 5, pathPtr, 0, 0); rc != -9 { // -EBADF
		t.Errorf("relative open with dirfd=5 = %d, want -EBADF", rc)
	}
}

func TestErrnoMirroredToTLS(t *testing.T) {
	d, cpu := newTestDispatcher(t)

	const pathPtr = uint64(0x500)
	cpu.MemWrite(pathPtr, append([]byte("/no/such"), 0))
	const atFDCWD = uint64(0xFFFFFFFFFFFFFF9C)
	rc := cpu.syscall(d, NROpenat, atFDCWD, pathPtr, 0, 0)
	if rc != -2 { // -ENOENT
		t.Fatalf("openat missing = %d, want -ENOENT", rc)
	}

	slot, _ := cpu.MemRead(testErrnoTLS, 4)
	if got := binary.LittleEndian.Uint32(slot); got != 2 {
		t.Errorf("TLS errno slot = %d, want positive ENOENT (2)", got)
	}
}

func TestUnknownSyscallIsFatal(t *testing.T) {
	d, cpu := newTestDispatcher(t)
	rc := cpu.syscall(d, 9999)
	if !cpu.stopped {
		t.Error("unknown syscall did not stop the backend")
	}
	if rc != -38 { // -ENOSYS in X0 for whatever still inspects it
		t.Errorf("unknown syscall X0 = %d, want -ENOSYS", rc)
	}
}

func TestClockGettimeWritesTimespec(t *testing.T) {
	d, cpu := newTestDispatcher(t)

	const tsPtr = uint64(0x2000)
	if rc := cpu.syscall(d, NRClockGetTime, 0 /* CLOCK_REALTIME */, tsPtr); rc != 0 {
		t.Fatalf("clock_gettime = %d", rc)
	}
	buf, _ := cpu.MemRead(tsPtr, 16)
	sec := binary.LittleEndian.Uint64(buf[:8])
	nsec := binary.LittleEndian.Uint64(buf[8:])
	if sec == 0 {
		t.Error("CLOCK_REALTIME seconds = 0")
	}
	if nsec >= 1_000_000_000 {
		t.Errorf("nanoseconds out of range: %d", nsec)
	}

	// Monotonic counts from emulator start, so it reads near zero.
	cpu.syscall(d, NRClockGetTime, 1 /* CLOCK_MONOTONIC */, tsPtr)
	buf, _ = cpu.MemRead(tsPtr, 16)
	if mono := binary.LittleEndian.Uint64(buf[:8]); mono > 60 {
		t.Errorf("CLOCK_MONOTONIC seconds = %d, expected an emulator-epoch value", mono)
	}

	if rc := cpu.syscall(d, NRClockGetTime, 99, tsPtr); rc != -22 { // -EINVAL
		t.Errorf("bad clock id = %d, want -EINVAL", rc)
	}
}

func TestBrkSyscall(t *testing.T) {
	d, cpu := newTestDispatcher(t)

	cur := cpu.syscall(d, NRBrk, 0)
	if cur == 0 {
		t.Fatal("brk(0) = 0")
	}
	grown := cpu.syscall(d, NRBrk, uint64(cur)+0x2000)
	if grown != cur+0x2000 {
		t.Errorf("brk grow = %#x, want %#x", grown, cur+0x2000)
	}
}

func TestMmapMprotectMunmapSyscalls(t *testing.T) {
	d, cpu := newTestDispatcher(t)

	addr := cpu.syscall(d, NRMmap, 0, 0x2000, 3 /* RW */, 0x22, ^uint64(0), 0)
	if addr <= 0 {
		t.Fatalf("mmap = %d", addr)
	}
	if rc := cpu.syscall(d, NRMprotect, uint64(addr), 0x1000, 1); rc != 0 {
		t.Errorf("mprotect = %d", rc)
	}
	if rc := cpu.syscall(d, NRMunmap, uint64(addr), 0x2000); rc != 0 {
		t.Errorf("munmap = %d", rc)
	}
}

func TestMadviseAlignment(t *testing.T) {
	d, cpu := newTestDispatcher(t)
	if rc := cpu.syscall(d, NRMadvise, 0x1001, 0x1000, 4); rc != -22 {
		t.Errorf("unaligned madvise = %d, want -EINVAL", rc)
	}
	if rc := cpu.syscall(d, NRMadvise, 0x1000, 0x1000, 4); rc != 0 {
		t.Errorf("aligned madvise = %d, want 0", rc)
	}
}

func TestMarshalDirents(t *testing.T) {
	entries := []vfs.Dirent{
		{Name: "liba.so", Type: 8},
		{Name: "subdir", Type: 4},
	}

	buf, consumed := marshalDirents(entries, 4096)
	if consumed != 2 {
		t.Fatalf("consumed %d entries, want 2", consumed)
	}

	// Walk the records the way guest code does.
	off := 0
	for i, e := range entries {
		reclen := int(binary.LittleEndian.Uint16(buf[off+16:]))
		if reclen%8 != 0 {
			t.Errorf("record %d length %d not 8-byte aligned", i, reclen)
		}
		if buf[off+18] != e.Type {
			t.Errorf("record %d type = %d, want %d", i, buf[off+18], e.Type)
		}
		name := buf[off+19:]
		end := bytes.IndexByte(name, 0)
		if got := string(name[:end]); got != e.Name {
			t.Errorf("record %d name = %q, want %q", i, got, e.Name)
		}
		off += reclen
	}
	if off != len(buf) {
		t.Errorf("records cover %d bytes, buffer has %d", off, len(buf))
	}

	// A buffer too small for the second record truncates cleanly.
	small, consumed := marshalDirents(entries, 40)
	if consumed != 1 {
		t.Errorf("small buffer consumed %d entries, want 1", consumed)
	}
	if len(small) > 40 {
		t.Errorf("marshaled %d bytes into a 40-byte budget", len(small))
	}
}

func TestSocketRequiresAFLocal(t *testing.T) {
	d, cpu := newTestDispatcher(t)

	const afInet = 2
	rc := cpu.syscall(d, NRSocket, afInet, 1, 0)
	if !cpu.stopped {
		t.Error("AF_INET socket did not stop the backend")
	}
	if rc >= 0 {
		t.Errorf("AF_INET socket = %d, want an error", rc)
	}

	cpu.stopped = false
	fd := cpu.syscall(d, NRSocket, 1 /* AF_LOCAL */, 1, 0)
	if fd < 3 {
		t.Errorf("AF_LOCAL socket = %d, want an fd", fd)
	}
	if cpu.stopped {
		t.Error("AF_LOCAL socket stopped the backend")
	}
}

func TestPread64Syscall(t *testing.T) {
	cpu := newFakeCPU()
	base := t.TempDir()
	mgr := memmgr.New(memBackend{cpu}, 0x40000000, 0x20000000, 0x100000)
	fsys := vfs.New(base, mgr)
	d := New(cpu, mgr, fsys, testErrnoTLS, 1)

	os.WriteFile(filepath.Join(base, "blob.bin"), []byte("0123456789"), 0o644)

	const pathPtr = uint64(0x500)
	cpu.MemWrite(pathPtr, append([]byte("/blob.bin"), 0))
	const atFDCWD = uint64(0xFFFFFFFFFFFFFF9C)
	fd := cpu.syscall(d, NROpenat, atFDCWD, pathPtr, 0, 0)
	if fd < 3 {
		t.Fatalf("openat = %d", fd)
	}

	const bufPtr = uint64(0x1000)
	n := cpu.syscall(d, NRPread64, uint64(fd), bufPtr, 4, 6)
	if n != 4 {
		t.Fatalf("pread64 = %d, want 4", n)
	}
	window, _ := cpu.MemRead(bufPtr, 4)
	if string(window) != "6789" {
		t.Errorf("pread64 window = %q, want \"6789\"", window)
	}

	// The file position is unmoved: a plain read starts at 0.
	n = cpu.syscall(d, NRRead, uint64(fd), bufPtr, 4)
	head, _ := cpu.MemRead(bufPtr, 4)
	if n != 4 || string(head) != "0123" {
		t.Errorf("read after pread64 = (%d, %q), want (4, \"0123\")", n, head)
	}
}

func TestMmapFileBackedSyscall(t *testing.T) {
	cpu := newFakeCPU()
	base := t.TempDir()
	mgr := memmgr.New(memBackend{cpu}, 0x40000000, 0x20000000, 0x100000)
	fsys := vfs.New(base, mgr)
	mgr.SetFileMapper(fsys)
	d := New(cpu, mgr, fsys, testErrnoTLS, 1)

	content := []byte("mapped file contents")
	os.WriteFile(filepath.Join(base, "seg.bin"), content, 0o644)

	const pathPtr = uint64(0x500)
	cpu.MemWrite(pathPtr, append([]byte("/seg.bin"), 0))
	const atFDCWD = uint64(0xFFFFFFFFFFFFFF9C)
	fd := cpu.syscall(d, NROpenat, atFDCWD, pathPtr, 0, 0)

	addr := cpu.syscall(d, NRMmap, 0, 0x1000, 1 /* PROT_READ */, memmgr.MapPrivate, uint64(fd), 0)
	if addr <= 0 {
		t.Fatalf("file mmap = %d", addr)
	}
	got, _ := cpu.MemRead(uint64(addr), uint64(len(content)))
	if !bytes.Equal(got, content) {
		t.Errorf("mapped bytes = %q, want %q", got, content)
	}

	// Upgrading the read-only file mapping to PROT_WRITE is refused.
	if rc := cpu.syscall(d, NRMprotect, uint64(addr), 0x1000, 3); rc != -13 { // -EACCES
		t.Errorf("mprotect upgrade = %d, want -EACCES", rc)
	}
}
