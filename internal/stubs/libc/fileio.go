// Package libc provides stub implementations for libc functions.
package libc

import (
	"sync"

	"github.com/arm64sandbox/emulator/internal/emulator"
	"github.com/arm64sandbox/emulator/internal/errs"
	"github.com/arm64sandbox/emulator/internal/memmgr"
	"github.com/arm64sandbox/emulator/internal/stubs"
)

// Open/read/write/lseek/fstat route through the guest file system
// (internal/vfs.FileSystem) wired in by internal/vm, so a guest that opens
// a path and reads it back sees real bytes instead of synthetic zeros. The
// directory/rename/link/permission family below that still reports bare
// success has no vfs-level equivalent yet and is left as a documented
// simplification rather than silently pretending otherwise.
var (
	fakeDirFDMu sync.Mutex
	nextFakeDir = -1 // descriptor numbers handed out by dup/pipe/pipe2, negative to avoid colliding with real fds
)

func init() {
	stubs.RegisterFunc("libc", "open", stubOpen)
	stubs.RegisterFunc("libc", "open64", stubOpen)
	stubs.RegisterFunc("libc", "openat", stubOpenat)
	stubs.RegisterFunc("libc", "openat64", stubOpenat)
	stubs.RegisterFunc("libc", "creat", stubCreat)
	stubs.RegisterFunc("libc", "creat64", stubCreat)

	stubs.RegisterFunc("libc", "read", stubRead)
	stubs.RegisterFunc("libc", "write", stubWrite)
	stubs.RegisterFunc("libc", "pread", stubPread)
	stubs.RegisterFunc("libc", "pread64", stubPread)
	stubs.RegisterFunc("libc", "pwrite", stubPwrite)
	stubs.RegisterFunc("libc", "pwrite64", stubPwrite)
	stubs.RegisterFunc("libc", "readv", stubReadv)
	stubs.RegisterFunc("libc", "writev", stubWritev)

	stubs.RegisterFunc("libc", "lseek", stubLseek)
	stubs.RegisterFunc("libc", "lseek64", stubLseek)

	stubs.RegisterFunc("libc", "stat", stubStat)
	stubs.RegisterFunc("libc", "stat64", stubStat)
	stubs.RegisterFunc("libc", "lstat", stubLstat)
	stubs.RegisterFunc("libc", "lstat64", stubLstat)
	stubs.RegisterFunc("libc", "fstat", stubFstat)
	stubs.RegisterFunc("libc", "fstat64", stubFstat)
	stubs.RegisterFunc("libc", "fstatat", stubFstatat)
	stubs.RegisterFunc("libc", "fstatat64", stubFstatat)
	stubs.RegisterFunc("libc", "access", stubAccess)
	stubs.RegisterFunc("libc", "faccessat", stubFaccessat)

	stubs.RegisterFunc("libc", "dup", stubDup)
	stubs.RegisterFunc("libc", "dup2", stubDup2)
	stubs.RegisterFunc("libc", "dup3", stubDup3)
	stubs.RegisterFunc("libc", "pipe", stubPipe)
	stubs.RegisterFunc("libc", "pipe2", stubPipe2)

	stubs.RegisterFunc("libc", "mmap", stubMmap)
	stubs.RegisterFunc("libc", "mmap64", stubMmap)
	stubs.RegisterFunc("libc", "munmap", stubMunmap)
	stubs.RegisterFunc("libc", "mprotect", stubMprotect)
	stubs.RegisterFunc("libc", "msync", stubMsync)
	stubs.RegisterFunc("libc", "madvise", stubMadvise)

	stubs.RegisterFunc("libc", "mkdir", stubMkdir)
	stubs.RegisterFunc("libc", "mkdirat", stubMkdirat)
	stubs.RegisterFunc("libc", "rmdir", stubRmdir)
	stubs.RegisterFunc("libc", "getcwd", stubGetcwd)
	stubs.RegisterFunc("libc", "chdir", stubChdir)
	stubs.RegisterFunc("libc", "fchdir", stubFchdir)
	stubs.RegisterFunc("libc", "opendir", stubOpendir)
	stubs.RegisterFunc("libc", "fdopendir", stubFdopendir)
	stubs.RegisterFunc("libc", "readdir", stubReaddir)
	stubs.RegisterFunc("libc", "readdir_r", stubReaddirR)
	stubs.RegisterFunc("libc", "closedir", stubClosedir)
	stubs.RegisterFunc("libc", "rewinddir", stubRewinddir)

	stubs.RegisterFunc("libc", "rename", stubRename)
	stubs.RegisterFunc("libc", "renameat", stubRenameat)
	stubs.RegisterFunc("libc", "unlink", stubUnlink)
	stubs.RegisterFunc("libc", "unlinkat", stubUnlinkat)
	stubs.RegisterFunc("libc", "remove", stubRemove)
	stubs.RegisterFunc("libc", "link", stubLink)
	stubs.RegisterFunc("libc", "linkat", stubLinkat)
	stubs.RegisterFunc("libc", "symlink", stubSymlink)
	stubs.RegisterFunc("libc", "symlinkat", stubSymlinkat)
	stubs.RegisterFunc("libc", "readlink", stubReadlink)
	stubs.RegisterFunc("libc", "readlinkat", stubReadlinkat)

	stubs.RegisterFunc("libc", "chmod", stubChmod)
	stubs.RegisterFunc("libc", "fchmod", stubFchmod)
	stubs.RegisterFunc("libc", "fchmodat", stubFchmodat)
	stubs.RegisterFunc("libc", "chown", stubChown)
	stubs.RegisterFunc("libc", "fchown", stubFchown)
	stubs.RegisterFunc("libc", "lchown", stubLchown)
	stubs.RegisterFunc("libc", "fchownat", stubFchownat)

	stubs.RegisterFunc("libc", "flock", stubFlock)
	stubs.RegisterFunc("libc", "lockf", stubLockf)
	stubs.RegisterFunc("libc", "fcntl", stubFcntlFile)

	stubs.RegisterFunc("libc", "truncate", stubTruncate)
	stubs.RegisterFunc("libc", "truncate64", stubTruncate)
	stubs.RegisterFunc("libc", "ftruncate", stubFtruncate)
	stubs.RegisterFunc("libc", "ftruncate64", stubFtruncate)

	stubs.RegisterFunc("libc", "sync", stubSync)
	stubs.RegisterFunc("libc", "fsync", stubFsync)
	stubs.RegisterFunc("libc", "fdatasync", stubFdatasync)

	stubs.RegisterFunc("libc", "mkstemp", stubMkstemp)
	stubs.RegisterFunc("libc", "mkdtemp", stubMkdtemp)
	stubs.RegisterFunc("libc", "tmpfile", stubTmpfile)
	stubs.RegisterFunc("libc", "tmpfile64", stubTmpfile)

	stubs.RegisterFunc("libc", "realpath", stubRealpath)

	stubs.RegisterFunc("libc", "umask", stubUmask)
}

func errnoResult(emu *emulator.Emulator, err error) bool {
	if ge, ok := err.(errs.GuestErrno); ok {
		emu.SetX(0, uint64(ge.Negated()))
	} else {
		emu.SetX(0, uint64(errs.EIO.Negated()))
	}
	return false
}

func stubOpen(emu *emulator.Emulator) bool {
	pathPtr := emu.X(0)
	flags := uint32(emu.X(1))
	mode := uint32(emu.X(2))

	path, _ := emu.MemReadString(pathPtr, 512)
	fs := stubs.DefaultRegistry.FileSystem()
	if fs == nil {
		emu.SetX(0, uint64(errs.EIO.Negated()))
		return false
	}
	fd, err := fs.Openat(path, flags, mode)
	stubs.DefaultRegistry.Log("libc", "open", path)
	if err != nil {
		return errnoResult(emu, err)
	}
	emu.SetX(0, uint64(fd))
	return false
}

func stubOpenat(emu *emulator.Emulator) bool {
	pathPtr := emu.X(1)
	flags := uint32(emu.X(2))
	mode := uint32(emu.X(3))

	path, _ := emu.MemReadString(pathPtr, 512)
	fs := stubs.DefaultRegistry.FileSystem()
	if fs == nil {
		emu.SetX(0, uint64(errs.EIO.Negated()))
		return false
	}
	fd, err := fs.Openat(path, flags, mode)
	stubs.DefaultRegistry.Log("libc", "openat", path)
	if err != nil {
		return errnoResult(emu, err)
	}
	emu.SetX(0, uint64(fd))
	return false
}

func stubCreat(emu *emulator.Emulator) bool {
	pathPtr := emu.X(0)
	path, _ := emu.MemReadString(pathPtr, 512)
	fs := stubs.DefaultRegistry.FileSystem()
	if fs == nil {
		emu.SetX(0, uint64(errs.EIO.Negated()))
		return false
	}
	const oCREAT, oTRUNC, oWRONLY = 0x40, 0x200, 0x1
	fd, err := fs.Openat(path, oCREAT|oTRUNC|oWRONLY, 0644)
	stubs.DefaultRegistry.Log("libc", "creat", path)
	if err != nil {
		return errnoResult(emu, err)
	}
	emu.SetX(0, uint64(fd))
	return false
}

func stubRead(emu *emulator.Emulator) bool {
	fd := int(emu.X(0))
	buf := emu.X(1)
	count := emu.X(2)

	fs := stubs.DefaultRegistry.FileSystem()
	if fs == nil {
		emu.SetX(0, 0)
		return false
	}
	data, err := fs.Read(fd, int(count))
	if err != nil {
		return errnoResult(emu, err)
	}
	if buf != 0 && len(data) > 0 {
		emu.MemWrite(buf, data)
	}
	emu.SetX(0, uint64(len(data)))
	return false
}

func stubWrite(emu *emulator.Emulator) bool {
	fd := int(emu.X(0))
	buf := emu.X(1)
	count := emu.X(2)

	fs := stubs.DefaultRegistry.FileSystem()
	if fs == nil || buf == 0 {
		emu.SetX(0, count)
		return false
	}
	data, _ := emu.MemRead(buf, count)
	n, err := fs.Write(fd, data)
	if err != nil {
		return errnoResult(emu, err)
	}
	emu.SetX(0, uint64(n))
	return false
}

func stubPread(emu *emulator.Emulator) bool {
	fd := int(emu.X(0))
	buf := emu.X(1)
	count := emu.X(2)
	offset := int64(emu.X(3))

	fs := stubs.DefaultRegistry.FileSystem()
	if fs == nil {
		emu.SetX(0, 0)
		return false
	}
	if _, err := fs.Lseek(fd, offset, 0); err != nil {
		return errnoResult(emu, err)
	}
	data, err := fs.Read(fd, int(count))
	if err != nil {
		return errnoResult(emu, err)
	}
	if buf != 0 && len(data) > 0 {
		emu.MemWrite(buf, data)
	}
	emu.SetX(0, uint64(len(data)))
	return false
}

func stubPwrite(emu *emulator.Emulator) bool {
	fd := int(emu.X(0))
	buf := emu.X(1)
	count := emu.X(2)
	offset := int64(emu.X(3))

	fs := stubs.DefaultRegistry.FileSystem()
	if fs == nil {
		emu.SetX(0, count)
		return false
	}
	if _, err := fs.Lseek(fd, offset, 0); err != nil {
		return errnoResult(emu, err)
	}
	data, _ := emu.MemRead(buf, count)
	n, err := fs.Write(fd, data)
	if err != nil {
		return errnoResult(emu, err)
	}
	emu.SetX(0, uint64(n))
	return false
}

// readv/writev only service the first iovec: the scatter/gather contract
// beyond that isn't exercised by anything this emulator currently hosts.
func stubReadv(emu *emulator.Emulator) bool {
	fd := int(emu.X(0))
	iov := emu.X(1)
	iovcnt := emu.X(2)

	fs := stubs.DefaultRegistry.FileSystem()
	if fs == nil || iovcnt == 0 {
		emu.SetX(0, 0)
		return false
	}
	base, _ := emu.MemReadU64(iov)
	length, _ := emu.MemReadU64(iov + 8)
	data, err := fs.Read(fd, int(length))
	if err != nil {
		return errnoResult(emu, err)
	}
	if base != 0 && len(data) > 0 {
		emu.MemWrite(base, data)
	}
	emu.SetX(0, uint64(len(data)))
	return false
}

func stubWritev(emu *emulator.Emulator) bool {
	fd := int(emu.X(0))
	iov := emu.X(1)
	iovcnt := emu.X(2)

	fs := stubs.DefaultRegistry.FileSystem()
	if fs == nil || iovcnt == 0 {
		emu.SetX(0, 0)
		return false
	}
	base, _ := emu.MemReadU64(iov)
	length, _ := emu.MemReadU64(iov + 8)
	var data []byte
	if base != 0 {
		data, _ = emu.MemRead(base, length)
	}
	n, err := fs.Write(fd, data)
	if err != nil {
		return errnoResult(emu, err)
	}
	emu.SetX(0, uint64(n))
	return false
}

func stubLseek(emu *emulator.Emulator) bool {
	fd := int(emu.X(0))
	offset := int64(emu.X(1))
	whence := int(emu.X(2))

	fs := stubs.DefaultRegistry.FileSystem()
	if fs == nil {
		emu.SetX(0, emu.X(1))
		return false
	}
	pos, err := fs.Lseek(fd, offset, whence)
	if err != nil {
		return errnoResult(emu, err)
	}
	emu.SetX(0, uint64(pos))
	return false
}

func writeStat(emu *emulator.Emulator, statPtr uint64, size int64, mode uint32) {
	if statPtr == 0 {
		return
	}
	for i := uint64(0); i < 144; i += 8 {
		emu.MemWriteU64(statPtr+i, 0)
	}
	emu.MemWriteU32(statPtr+16, mode)
	emu.MemWriteU64(statPtr+48, uint64(size))
}

func stubStat(emu *emulator.Emulator) bool {
	pathPtr := emu.X(0)
	statPtr := emu.X(1)
	path, _ := emu.MemReadString(pathPtr, 512)
	stubs.DefaultRegistry.Log("libc", "stat", path)

	fs := stubs.DefaultRegistry.FileSystem()
	if fs == nil {
		writeStat(emu, statPtr, 0, 0100644)
		emu.SetX(0, 0)
		return false
	}
	fd, err := fs.Openat(path, 0, 0)
	if err != nil {
		return errnoResult(emu, err)
	}
	st, _ := fs.Fstat(fd)
	fs.Close(fd)
	mode := uint32(0100644)
	if st.IsDir {
		mode = 0040755
	}
	writeStat(emu, statPtr, st.Size, mode)
	emu.SetX(0, 0)
	return false
}

func stubLstat(emu *emulator.Emulator) bool {
	return stubStat(emu)
}

func stubFstat(emu *emulator.Emulator) bool {
	fd := int(emu.X(0))
	statPtr := emu.X(1)

	fs := stubs.DefaultRegistry.FileSystem()
	if fs == nil {
		writeStat(emu, statPtr, 0, 0100644)
		emu.SetX(0, 0)
		return false
	}
	st, err := fs.Fstat(fd)
	if err != nil {
		return errnoResult(emu, err)
	}
	mode := uint32(0100644)
	if st.IsDir {
		mode = 0040755
	}
	writeStat(emu, statPtr, st.Size, mode)
	emu.SetX(0, 0)
	return false
}

func stubFstatat(emu *emulator.Emulator) bool {
	pathPtr := emu.X(1)
	statPtr := emu.X(2)
	path, _ := emu.MemReadString(pathPtr, 512)
	stubs.DefaultRegistry.Log("libc", "fstatat", path)
	return stubStatAt(emu, path, statPtr)
}

func stubStatAt(emu *emulator.Emulator, path string, statPtr uint64) bool {
	fs := stubs.DefaultRegistry.FileSystem()
	if fs == nil {
		writeStat(emu, statPtr, 0, 0100644)
		emu.SetX(0, 0)
		return false
	}
	fd, err := fs.Openat(path, 0, 0)
	if err != nil {
		return errnoResult(emu, err)
	}
	st, _ := fs.Fstat(fd)
	fs.Close(fd)
	mode := uint32(0100644)
	if st.IsDir {
		mode = 0040755
	}
	writeStat(emu, statPtr, st.Size, mode)
	emu.SetX(0, 0)
	return false
}

func stubAccess(emu *emulator.Emulator) bool {
	pathPtr := emu.X(0)
	path, _ := emu.MemReadString(pathPtr, 512)
	stubs.DefaultRegistry.Log("libc", "access", path)

	fs := stubs.DefaultRegistry.FileSystem()
	if fs == nil {
		emu.SetX(0, 0)
		return false
	}
	fd, err := fs.Openat(path, 0, 0)
	if err != nil {
		return errnoResult(emu, err)
	}
	fs.Close(fd)
	emu.SetX(0, 0)
	return false
}

func stubFaccessat(emu *emulator.Emulator) bool {
	pathPtr := emu.X(1)
	path, _ := emu.MemReadString(pathPtr, 512)
	stubs.DefaultRegistry.Log("libc", "faccessat", path)

	fs := stubs.DefaultRegistry.FileSystem()
	if fs == nil {
		emu.SetX(0, 0)
		return false
	}
	fd, err := fs.Openat(path, 0, 0)
	if err != nil {
		return errnoResult(emu, err)
	}
	fs.Close(fd)
	emu.SetX(0, 0)
	return false
}

// dup/dup2/dup3/pipe/pipe2 have no backing in internal/vfs (there's no
// Dup on FileSystem) — dup and pipe/pipe2 hand back fresh negative
// descriptor numbers from the nextFakeDir counter, and dup2/dup3 return
// newfd as given, rather than claim a real, independently-readable
// duplicate.
func stubDup(emu *emulator.Emulator) bool {
	fakeDirFDMu.Lock()
	fd := nextFakeDir
	nextFakeDir--
	fakeDirFDMu.Unlock()
	emu.SetX(0, uint64(fd))
	return false
}

func stubDup2(emu *emulator.Emulator) bool {
	emu.SetX(0, emu.X(1))
	return false
}

func stubDup3(emu *emulator.Emulator) bool {
	emu.SetX(0, emu.X(1))
	return false
}

func stubPipe(emu *emulator.Emulator) bool {
	pipePtr := emu.X(0)
	if pipePtr != 0 {
		fakeDirFDMu.Lock()
		fd1, fd2 := nextFakeDir, nextFakeDir-1
		nextFakeDir -= 2
		fakeDirFDMu.Unlock()
		emu.MemWriteU32(pipePtr, uint32(fd1))
		emu.MemWriteU32(pipePtr+4, uint32(fd2))
	}
	emu.SetX(0, 0)
	return false
}

func stubPipe2(emu *emulator.Emulator) bool {
	return stubPipe(emu)
}

func stubMmap(emu *emulator.Emulator) bool {
	length := emu.X(1)
	mem := stubs.DefaultRegistry.Memory()
	if mem == nil {
		emu.SetX(0, 0)
		return false
	}
	ptr, err := mem.Mmap2(0, length, memmgr.ProtRW,
		memmgr.MapPrivate|memmgr.MapAnonymous, -1, 0)
	stubs.DefaultRegistry.Log("libc", "mmap", stubs.FormatPtrPair("ptr", ptr, "size", length))
	if err != nil {
		emu.SetX(0, uint64(errs.ENOSYS.Negated()))
		return false
	}
	emu.SetX(0, ptr)
	return false
}

func stubMunmap(emu *emulator.Emulator) bool {
	addr := emu.X(0)
	length := emu.X(1)
	if mem := stubs.DefaultRegistry.Memory(); mem != nil {
		mem.Munmap(addr, length)
	}
	emu.SetX(0, 0)
	return false
}

func stubMprotect(emu *emulator.Emulator) bool {
	addr := emu.X(0)
	length := emu.X(1)
	prot := int(emu.X(2))
	if mem := stubs.DefaultRegistry.Memory(); mem != nil {
		mem.Mprotect(addr, length, prot)
	}
	emu.SetX(0, 0)
	return false
}

func stubMsync(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubMadvise(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubMkdir(emu *emulator.Emulator) bool {
	pathPtr := emu.X(0)
	path, _ := emu.MemReadString(pathPtr, 512)
	stubs.DefaultRegistry.Log("libc", "mkdir", path)
	emu.SetX(0, 0)
	return false
}

func stubMkdirat(emu *emulator.Emulator) bool {
	pathPtr := emu.X(1)
	path, _ := emu.MemReadString(pathPtr, 512)
	stubs.DefaultRegistry.Log("libc", "mkdirat", path)
	emu.SetX(0, 0)
	return false
}

func stubRmdir(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubGetcwd(emu *emulator.Emulator) bool {
	buf := emu.X(0)
	cwd := "/data/data/com.app"
	if buf != 0 {
		emu.MemWriteString(buf, cwd)
		emu.SetX(0, buf)
		return false
	}
	if heap := stubs.DefaultRegistry.Heap(); heap != nil {
		ptr := heap.Malloc(uint64(len(cwd) + 1))
		emu.MemWriteString(ptr, cwd)
		emu.SetX(0, ptr)
		return false
	}
	emu.SetX(0, 0)
	return false
}

func stubChdir(emu *emulator.Emulator) bool {
	pathPtr := emu.X(0)
	path, _ := emu.MemReadString(pathPtr, 512)
	stubs.DefaultRegistry.Log("libc", "chdir", path)
	emu.SetX(0, 0)
	return false
}

func stubFchdir(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubOpendir(emu *emulator.Emulator) bool {
	pathPtr := emu.X(0)
	path, _ := emu.MemReadString(pathPtr, 512)
	stubs.DefaultRegistry.Log("libc", "opendir", path)

	heap := stubs.DefaultRegistry.Heap()
	if heap == nil {
		emu.SetX(0, 0)
		return false
	}
	dir := heap.Malloc(64)
	emu.SetX(0, dir)
	return false
}

func stubFdopendir(emu *emulator.Emulator) bool {
	heap := stubs.DefaultRegistry.Heap()
	if heap == nil {
		emu.SetX(0, 0)
		return false
	}
	dir := heap.Malloc(64)
	emu.SetX(0, dir)
	return false
}

func stubReaddir(emu *emulator.Emulator) bool {
	emu.SetX(0, 0) // no more entries
	return false
}

func stubReaddirR(emu *emulator.Emulator) bool {
	resultPtr := emu.X(2)
	if resultPtr != 0 {
		emu.MemWriteU64(resultPtr, 0)
	}
	emu.SetX(0, 0)
	return false
}

func stubClosedir(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubRewinddir(emu *emulator.Emulator) bool {
	return false
}

func stubRename(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubRenameat(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubUnlink(emu *emulator.Emulator) bool {
	pathPtr := emu.X(0)
	path, _ := emu.MemReadString(pathPtr, 512)
	stubs.DefaultRegistry.Log("libc", "unlink", path)
	emu.SetX(0, 0)
	return false
}

func stubUnlinkat(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubRemove(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubLink(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubLinkat(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubSymlink(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubSymlinkat(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubReadlink(emu *emulator.Emulator) bool {
	pathPtr := emu.X(0)
	buf := emu.X(1)

	path, _ := emu.MemReadString(pathPtr, 512)
	stubs.DefaultRegistry.Log("libc", "readlink", path)

	if buf != 0 {
		emu.MemWriteString(buf, path)
	}
	emu.SetX(0, uint64(len(path)))
	return false
}

func stubReadlinkat(emu *emulator.Emulator) bool {
	pathPtr := emu.X(1)
	buf := emu.X(2)

	path, _ := emu.MemReadString(pathPtr, 512)
	if buf != 0 {
		emu.MemWriteString(buf, path)
	}
	emu.SetX(0, uint64(len(path)))
	return false
}

func stubChmod(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubFchmod(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubFchmodat(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubChown(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubFchown(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubLchown(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubFchownat(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubFlock(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubLockf(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubFcntlFile(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubTruncate(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubFtruncate(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubSync(emu *emulator.Emulator) bool {
	return false
}

func stubFsync(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubFdatasync(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubMkstemp(emu *emulator.Emulator) bool {
	templatePtr := emu.X(0)
	const name = "/tmp/tmp.123456"
	if templatePtr != 0 {
		emu.MemWriteString(templatePtr, name)
	}
	fs := stubs.DefaultRegistry.FileSystem()
	if fs == nil {
		emu.SetX(0, uint64(errs.EIO.Negated()))
		return false
	}
	const oCREAT, oRDWR = 0x40, 0x2
	fd, err := fs.Openat(name, oCREAT|oRDWR, 0600)
	if err != nil {
		return errnoResult(emu, err)
	}
	emu.SetX(0, uint64(fd))
	return false
}

func stubMkdtemp(emu *emulator.Emulator) bool {
	templatePtr := emu.X(0)
	if templatePtr != 0 {
		emu.MemWriteString(templatePtr, "/tmp/tmp.123456")
	}
	emu.SetX(0, templatePtr)
	return false
}

func stubTmpfile(emu *emulator.Emulator) bool {
	heap := stubs.DefaultRegistry.Heap()
	if heap == nil {
		emu.SetX(0, 0)
		return false
	}
	ptr := heap.Malloc(256)
	emu.SetX(0, ptr)
	return false
}

func stubRealpath(emu *emulator.Emulator) bool {
	pathPtr := emu.X(0)
	resolved := emu.X(1)

	path, _ := emu.MemReadString(pathPtr, 512)
	stubs.DefaultRegistry.Log("libc", "realpath", path)

	if resolved != 0 {
		emu.MemWriteString(resolved, path)
		emu.SetX(0, resolved)
		return false
	}
	heap := stubs.DefaultRegistry.Heap()
	if heap == nil {
		emu.SetX(0, 0)
		return false
	}
	ptr := heap.Malloc(uint64(len(path) + 1))
	emu.MemWriteString(ptr, path)
	emu.SetX(0, ptr)
	return false
}

func stubUmask(emu *emulator.Emulator) bool {
	emu.SetX(0, 022)
	return false
}
