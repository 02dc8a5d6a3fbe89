// Package vfs implements the guest-visible file system: a per-process FD
// table, host path resolution rooted at a configurable base path, and a
// handful of synthetic files (/proc/cpuinfo, /proc/meminfo,
// /proc/self/maps, /dev/urandom, a stable boot id) that guest code expects
// to exist even though there is no real Android filesystem backing this
// process.
package vfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/arm64sandbox/emulator/internal/errs"
	"github.com/arm64sandbox/emulator/internal/memmgr"
	"github.com/google/uuid"
)

// FileResolver lets the host substitute its own backing store for a guest
// path (an APK asset archive, a virtual SD card image) instead of the
// default host-filesystem passthrough rooted at BasePath.
type FileResolver func(path string) (io.ReadWriteCloser, int64, bool)

const (
	FDStdin  = 0
	FDStdout = 1
	FDStderr = 2
)

// fd is one open file-descriptor table entry.
type fd struct {
	path     string
	file     io.ReadWriteCloser
	size     int64
	pos      int64
	isDir    bool
	dirIdx   int
	writable bool // open flags carried an access mode beyond O_RDONLY
}

// FileSystem owns the FD table and path resolution for one guest process.
type FileSystem struct {
	mu       sync.Mutex
	basePath string
	resolver FileResolver
	fds      map[int]*fd
	bootID   string
	mapper   *memmgr.Manager // for /proc/self/maps rendering
}

// New creates a FileSystem rooted at basePath. Stdin/stdout/stderr are
// pre-opened at fds 0-2, backed by the host's own standard streams.
func New(basePath string, mapper *memmgr.Manager) *FileSystem {
	fsys := &FileSystem{
		basePath: basePath,
		fds:      make(map[int]*fd),
		bootID:   uuid.NewString(),
		mapper:   mapper,
	}
	fsys.fds[FDStdin] = &fd{path: "/dev/stdin", file: nopCloser{os.Stdin}}
	fsys.fds[FDStdout] = &fd{path: "/dev/stdout", file: nopCloser{os.Stdout}}
	fsys.fds[FDStderr] = &fd{path: "/dev/stderr", file: nopCloser{os.Stderr}}
	return fsys
}

// allocFD inserts h at the lowest free slot at or above 3, mirroring the
// kernel's lowest-available-descriptor rule. Callers hold f.mu.
func (f *FileSystem) allocFD(h *fd) int {
	for n := 3; ; n++ {
		if _, taken := f.fds[n]; !taken {
			f.fds[n] = h
			return n
		}
	}
}

// SetFileResolver installs a host-provided resolver, consulted before the
// default basePath passthrough.
func (f *FileSystem) SetFileResolver(r FileResolver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolver = r
}

type nopCloser struct{ io.ReadWriter }

func (nopCloser) Close() error { return nil }

// resolvePath maps a guest absolute path to a host path under basePath.
// Cleaning against "/" collapses every ".." so the result can't escape the
// sandboxed root; a cleaned path that still contains ".." inside a name
// (such as "a..b") is refused with EACCES.
func (f *FileSystem) resolvePath(guestPath string) (string, error) {
	clean := filepath.Clean("/" + guestPath)
	if strings.Contains(clean, "..") {
		return "", errs.EACCES
	}
	return filepath.Join(f.basePath, clean), nil
}

// Openat implements the openat syscall's guest-visible semantics,
// including the synthetic files listed in syntheticFile.
func (f *FileSystem) Openat(path string, flags, mode uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	writable := flags&0x3 != 0 // O_WRONLY or O_RDWR

	if path == "/dev/urandom" || path == "/dev/random" {
		return f.allocFD(&fd{path: path, file: &urandomStream{state: 0x9E3779B97F4A7C15}}), nil
	}
	if content, ok := syntheticFile(f, path); ok {
		return f.allocFD(&fd{path: path, file: &readOnlyBuffer{data: content}, size: int64(len(content))}), nil
	}

	if f.resolver != nil {
		if rwc, size, ok := f.resolver(path); ok {
			return f.allocFD(&fd{path: path, file: rwc, size: size, writable: writable}), nil
		}
	}

	hostPath, err := f.resolvePath(path)
	if err != nil {
		return 0, err
	}

	info, statErr := os.Stat(hostPath)
	if statErr == nil && info.IsDir() {
		return f.allocFD(&fd{path: path, isDir: true}), nil
	}

	osFlags := translateOpenFlags(flags)
	file, err := os.OpenFile(hostPath, osFlags, os.FileMode(mode&0777))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errs.ENOENT
		}
		if os.IsPermission(err) {
			return 0, errs.EACCES
		}
		return 0, errs.NewHostError("openat", err)
	}

	size := int64(0)
	if st, err := file.Stat(); err == nil {
		size = st.Size()
	}

	return f.allocFD(&fd{path: path, file: file, size: size, writable: writable}), nil
}

func translateOpenFlags(flags uint32) int {
	const (
		oWRONLY = 0x1
		oRDWR   = 0x2
		oCREAT  = 0x40
		oTRUNC  = 0x200
		oAPPEND = 0x400
	)
	out := os.O_RDONLY
	if flags&oRDWR != 0 {
		out = os.O_RDWR
	} else if flags&oWRONLY != 0 {
		out = os.O_WRONLY
	}
	if flags&oCREAT != 0 {
		out |= os.O_CREATE
	}
	if flags&oTRUNC != 0 {
		out |= os.O_TRUNC
	}
	if flags&oAPPEND != 0 {
		out |= os.O_APPEND
	}
	return out
}

// Close implements the close syscall.
func (f *FileSystem) Close(fdNum int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.fds[fdNum]
	if !ok {
		return errs.EBADF
	}
	delete(f.fds, fdNum)
	if h.file != nil {
		return h.file.Close()
	}
	return nil
}

// ReserveFD allocates an fd number from the same table Openat uses,
// tagged with label (e.g. "socket", "epoll") instead of a backing file, so
// internal/stubs/network's sockets and epoll instances can't collide with
// a real open file's descriptor.
func (f *FileSystem) ReserveFD(label string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocFD(&fd{path: label})
}

// ReleaseFD frees an fd number allocated by ReserveFD or Openat without
// attempting to close a backing file (there may be none).
func (f *FileSystem) ReleaseFD(fdNum int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.fds, fdNum)
}

// Read implements the read syscall.
func (f *FileSystem) Read(fdNum int, length int) ([]byte, error) {
	f.mu.Lock()
	h, ok := f.fds[fdNum]
	f.mu.Unlock()
	if !ok {
		return nil, errs.EBADF
	}
	if h.isDir || h.file == nil {
		return nil, errs.EISDIR
	}
	buf := make([]byte, length)
	n, err := h.file.Read(buf)
	if err != nil && err != io.EOF {
		return nil, errs.NewHostError("read", err)
	}
	h.pos += int64(n)
	return buf[:n], nil
}

// Write implements the write syscall.
func (f *FileSystem) Write(fdNum int, data []byte) (int, error) {
	f.mu.Lock()
	h, ok := f.fds[fdNum]
	f.mu.Unlock()
	if !ok {
		return 0, errs.EBADF
	}
	if h.file == nil {
		return 0, errs.EBADF
	}
	n, err := h.file.Write(data)
	if err != nil {
		return 0, errs.NewHostError("write", err)
	}
	h.pos += int64(n)
	return n, nil
}

// Lseek implements the lseek syscall (whence: 0=SEEK_SET, 1=SEEK_CUR, 2=SEEK_END).
func (f *FileSystem) Lseek(fdNum int, offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.fds[fdNum]
	if !ok {
		return 0, errs.EBADF
	}
	seeker, ok := h.file.(io.Seeker)
	if !ok {
		return 0, errs.ESPIPE
	}
	pos, err := seeker.Seek(offset, whence)
	if err != nil {
		return 0, errs.NewHostError("lseek", err)
	}
	h.pos = pos
	return pos, nil
}

// Pread reads count bytes at an absolute offset without moving the
// descriptor's file position (pread64).
func (f *FileSystem) Pread(fdNum, count int, offset int64) ([]byte, error) {
	f.mu.Lock()
	h, ok := f.fds[fdNum]
	f.mu.Unlock()
	if !ok {
		return nil, errs.EBADF
	}
	if h.isDir || h.file == nil {
		return nil, errs.EISDIR
	}

	buf := make([]byte, count)
	if ra, ok := h.file.(io.ReaderAt); ok {
		n, err := ra.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			return nil, errs.NewHostError("pread", err)
		}
		return buf[:n], nil
	}

	// No random access: emulate with a seek round trip, restoring the
	// position so the "does not move the offset" contract holds.
	seeker, ok := h.file.(io.Seeker)
	if !ok {
		return nil, errs.ESPIPE
	}
	cur, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, errs.NewHostError("pread", err)
	}
	if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
		return nil, errs.EINVAL
	}
	n, rerr := h.file.Read(buf)
	_, _ = seeker.Seek(cur, io.SeekStart)
	if rerr != nil && rerr != io.EOF {
		return nil, errs.NewHostError("pread", rerr)
	}
	return buf[:n], nil
}

// FileMmap is the fd's mmap hook (memmgr.FileMapper): it verifies the
// fd's access rights against prot and produces the window's bytes via
// Pread. ro reports a read-only fd, which the memory manager uses to
// refuse a later PROT_WRITE upgrade on the mapping.
func (f *FileSystem) FileMmap(fdNum int, offset, length uint64, prot int, shared bool) ([]byte, bool, error) {
	f.mu.Lock()
	h, ok := f.fds[fdNum]
	f.mu.Unlock()
	if !ok {
		return nil, false, errs.EBADF
	}
	if h.isDir || h.file == nil {
		return nil, false, errs.EACCES
	}
	if shared && prot&memmgr.ProtW != 0 && !h.writable {
		return nil, false, errs.EACCES
	}
	data, err := f.Pread(fdNum, int(length), int64(offset))
	if err != nil {
		return nil, false, err
	}
	return data, !h.writable, nil
}

// Dirent is one getdents64 entry.
type Dirent struct {
	Name string
	Type uint8 // DT_REG=8, DT_DIR=4
}

// Getdents64 lists the contents of a directory fd, sorted by name for
// deterministic iteration across calls.
func (f *FileSystem) Getdents64(fdNum int) ([]Dirent, error) {
	f.mu.Lock()
	h, ok := f.fds[fdNum]
	f.mu.Unlock()
	if !ok {
		return nil, errs.EBADF
	}
	if !h.isDir {
		return nil, errs.NewFatalError("getdents64 on non-directory fd")
	}

	hostPath, err := f.resolvePath(h.path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(hostPath)
	if err != nil {
		return nil, errs.NewHostError("getdents64", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	out := make([]Dirent, 0, len(entries))
	for _, e := range entries {
		t := uint8(8)
		if e.IsDir() {
			t = 4
		}
		out = append(out, Dirent{Name: e.Name(), Type: t})
	}
	if h.dirIdx >= len(out) {
		return nil, nil
	}
	return out[h.dirIdx:], nil
}

// AdvanceDir records that n directory entries have been consumed, so the
// next Getdents64 call resumes after them — the kernel's "a directory fd
// has a position too" behavior.
func (f *FileSystem) AdvanceDir(fdNum, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.fds[fdNum]; ok {
		h.dirIdx += n
	}
}

// ConnectSocket binds a ReserveFD-allocated socket fd to whatever stream
// the host's file resolver serves for path — the AF_LOCAL connect path,
// which is how a host mocks a platform daemon's socket.
func (f *FileSystem) ConnectSocket(fdNum int, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.fds[fdNum]
	if !ok {
		return errs.EBADF
	}
	if f.resolver != nil {
		if rwc, size, ok := f.resolver(path); ok {
			h.file = rwc
			h.size = size
			return nil
		}
	}
	return errs.ENOENT
}

// Stat reports the subset of stat64 fields guest code inspects.
type Stat struct {
	Size  int64
	IsDir bool
	Mode  uint32
}

// Fstat implements the fstat syscall.
func (f *FileSystem) Fstat(fdNum int) (Stat, error) {
	f.mu.Lock()
	h, ok := f.fds[fdNum]
	f.mu.Unlock()
	if !ok {
		return Stat{}, errs.EBADF
	}
	if h.isDir {
		return Stat{IsDir: true, Mode: 0040755}, nil
	}
	return Stat{Size: h.size, Mode: 0100644}, nil
}

type readOnlyBuffer struct {
	data []byte
	pos  int
}

func (b *readOnlyBuffer) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}

func (b *readOnlyBuffer) Write(p []byte) (int, error) { return 0, errs.EACCES }
func (b *readOnlyBuffer) Close() error                { return nil }

// ReadAt gives synthetic files random access, so pread and file-backed
// mmap work against them the same as against a host file.
func (b *readOnlyBuffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Seek lets lseek work on synthetic files; /proc readers rewind with
// SEEK_SET after a first pass more often than they reopen.
func (b *readOnlyBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(b.pos) + offset
	case io.SeekEnd:
		next = int64(len(b.data)) + offset
	default:
		return 0, errs.EINVAL
	}
	if next < 0 {
		return 0, errs.EINVAL
	}
	b.pos = int(next)
	return next, nil
}

// urandomStream is an endless deterministic byte source behind
// /dev/urandom — deterministic so a guest run replays identically, endless
// so any read length is satisfied.
type urandomStream struct{ state uint64 }

func (u *urandomStream) Read(p []byte) (int, error) {
	for i := range p {
		u.state = u.state*6364136223846793005 + 1442695040888963407
		p[i] = byte(u.state >> 33)
	}
	return len(p), nil
}

func (u *urandomStream) Write(p []byte) (int, error) { return len(p), nil }
func (u *urandomStream) Close() error                { return nil }

// syntheticFile serves the fixed set of /proc and /dev entries guest code
// commonly reads without a real Android filesystem underneath.
func syntheticFile(f *FileSystem, path string) ([]byte, bool) {
	switch path {
	case "/proc/cpuinfo":
		return []byte(renderCPUInfo()), true
	case "/proc/meminfo":
		return []byte("MemTotal:        4096000 kB\nMemFree:         2048000 kB\nMemAvailable:    3000000 kB\n"), true
	case "/proc/self/maps":
		return []byte(renderMaps(f)), true
	case "/proc/sys/kernel/random/boot_id":
		return []byte(f.bootID + "\n"), true
	default:
		return nil, false
	}
}

func renderMaps(f *FileSystem) string {
	if f.mapper == nil {
		return ""
	}
	var b strings.Builder
	for _, m := range f.mapper.Mappings() {
		perm := "---p"
		r, w, x := "-", "-", "-"
		if m.Prot&memmgr.ProtR != 0 {
			r = "r"
		}
		if m.Prot&memmgr.ProtW != 0 {
			w = "w"
		}
		if m.Prot&memmgr.ProtX != 0 {
			x = "x"
		}
		perm = r + w + x + "p"
		fmt.Fprintf(&b, "%08x-%08x %s 00000000 00:00 0 %s\n", m.Addr, m.Addr+m.Size, perm, m.Tag)
	}
	return b.String()
}

// BootID returns the process-stable boot id surfaced at /proc/sys/kernel/random/boot_id.
func (f *FileSystem) BootID() string { return f.bootID }

// renderCPUInfo fabricates a plausible 8-core big.LITTLE aarch64 layout.
// Content is fixed for the process lifetime, so consecutive reads within
// one open (and across opens) always agree.
func renderCPUInfo() string {
	var b strings.Builder
	for i := 0; i < 8; i++ {
		part := "0xd03" // Cortex-A53
		if i >= 4 {
			part = "0xd08" // Cortex-A72
		}
		fmt.Fprintf(&b, "processor\t: %d\n", i)
		b.WriteString("BogoMIPS\t: 38.40\n")
		b.WriteString("Features\t: fp asimd evtstrm aes pmull sha1 sha2 crc32\n")
		b.WriteString("CPU implementer\t: 0x41\n")
		b.WriteString("CPU architecture: 8\n")
		b.WriteString("CPU variant\t: 0x0\n")
		fmt.Fprintf(&b, "CPU part\t: %s\n", part)
		b.WriteString("CPU revision\t: 4\n\n")
	}
	return b.String()
}
