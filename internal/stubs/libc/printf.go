package libc

import (
	"strings"
	"sync"

	"github.com/arm64sandbox/emulator/internal/emulator"
	"github.com/arm64sandbox/emulator/internal/errs"
	"github.com/arm64sandbox/emulator/internal/stubs"
	"github.com/arm64sandbox/emulator/internal/vfs"
)

func init() {
	stubs.RegisterFunc("libc", "printf", stubPrintf)
	stubs.RegisterFunc("libc", "fprintf", stubFprintf)
	stubs.RegisterFunc("libc", "vprintf", stubVprintf)
	stubs.RegisterFunc("libc", "vfprintf", stubVfprintf)
	stubs.RegisterFunc("libc", "sprintf", stubSprintf)
	stubs.RegisterFunc("libc", "snprintf", stubSnprintf)
	stubs.RegisterFunc("libc", "vsprintf", stubVsprintf)
	stubs.RegisterFunc("libc", "vsnprintf", stubVsnprintf)
	stubs.RegisterFunc("libc", "asprintf", stubAsprintf)
	stubs.RegisterFunc("libc", "vasprintf", stubVasprintf)

	// Fortified variants (__*_chk)
	stubs.RegisterFunc("libc", "__vsnprintf_chk", stubVsnprintfChk)
	stubs.RegisterFunc("libc", "__snprintf_chk", stubSnprintfChk)
	stubs.RegisterFunc("libc", "__sprintf_chk", stubSprintfChk)
	stubs.RegisterFunc("libc", "__printf_chk", stubPrintfChk)
	stubs.RegisterFunc("libc", "__fprintf_chk", stubFprintfChk)

	stubs.RegisterFunc("libc", "puts", stubPuts)
	stubs.RegisterFunc("libc", "fputs", stubFputs)
	stubs.RegisterFunc("libc", "putchar", stubPutchar)
	stubs.RegisterFunc("libc", "fputc", stubFputc)
	stubs.RegisterFunc("libc", "putc", stubFputc)
	stubs.RegisterFunc("libc", "fwrite", stubFwrite)
	stubs.RegisterFunc("libc", "fread", stubFread)
	stubs.RegisterFunc("libc", "fflush", stubFflush)
	stubs.RegisterFunc("libc", "fclose", stubFclose)
	stubs.RegisterFunc("libc", "fopen", stubFopen)
	stubs.RegisterFunc("libc", "fseek", stubFseek)
	stubs.RegisterFunc("libc", "ftell", stubFtell)
	stubs.RegisterFunc("libc", "rewind", stubRewind)
	stubs.RegisterFunc("libc", "feof", stubFeof)
	stubs.RegisterFunc("libc", "ferror", stubFerror)
	stubs.RegisterFunc("libc", "clearerr", stubClearerr)
	stubs.RegisterFunc("libc", "fileno", stubFileno)

	stubs.RegisterFunc("libc", "perror", stubPerror)
	stubs.RegisterFunc("libc", "strerror", stubStrerror)
	stubs.RegisterFunc("libc", "strerror_r", stubStrerrorR)
}

// writeGuestStdout mirrors a guest's *printf/puts family call to the
// wired file system's stdout fd, so a guest built against stderr/stdout
// for status output shows up in the emulator's own terminal the way it
// would on a real device, not just in the trace log. No % directives are
// expanded — va_list walking would need the AArch64 variadic calling
// convention decoded per-argument, out of scope for what the stub layer
// tracks — so this writes the raw format string.
func writeGuestStdout(s string) {
	fs := stubs.DefaultRegistry.FileSystem()
	if fs == nil {
		return
	}
	fs.Write(vfs.FDStdout, []byte(s))
}

func stubPrintf(emu *emulator.Emulator) bool {
	fmtPtr := emu.X(0)
	format, _ := emu.MemReadString(fmtPtr, 256)
	stubs.DefaultRegistry.Log("libc", "printf", format)
	writeGuestStdout(format)
	emu.SetX(0, uint64(len(format)))
	return false
}

func stubFprintf(emu *emulator.Emulator) bool {
	fmtPtr := emu.X(1)
	format, _ := emu.MemReadString(fmtPtr, 256)
	stubs.DefaultRegistry.Log("libc", "fprintf", format)
	writeGuestStdout(format)
	emu.SetX(0, uint64(len(format)))
	return false
}

func stubVprintf(emu *emulator.Emulator) bool {
	fmtPtr := emu.X(0)
	format, _ := emu.MemReadString(fmtPtr, 256)
	stubs.DefaultRegistry.Log("libc", "vprintf", format)
	writeGuestStdout(format)
	emu.SetX(0, uint64(len(format)))
	return false
}

func stubVfprintf(emu *emulator.Emulator) bool {
	fmtPtr := emu.X(1)
	format, _ := emu.MemReadString(fmtPtr, 256)
	stubs.DefaultRegistry.Log("libc", "vfprintf", format)
	writeGuestStdout(format)
	emu.SetX(0, uint64(len(format)))
	return false
}

func stubSprintf(emu *emulator.Emulator) bool {
	dest := emu.X(0)
	fmtPtr := emu.X(1)
	format, _ := emu.MemReadString(fmtPtr, 256)

	// Write format string directly (no actual formatting)
	emu.MemWriteString(dest, format)

	emu.SetX(0, uint64(len(format)))
	return false
}

func stubSnprintf(emu *emulator.Emulator) bool {
	dest := emu.X(0)
	n := emu.X(1)
	fmtPtr := emu.X(2)
	format, _ := emu.MemReadString(fmtPtr, int(n))

	if n > 0 {
		if uint64(len(format)) >= n {
			format = format[:n-1]
		}
		emu.MemWriteString(dest, format)
	}

	emu.SetX(0, uint64(len(format)))
	return false
}

func stubVsprintf(emu *emulator.Emulator) bool {
	return stubSprintf(emu)
}

func stubVsnprintf(emu *emulator.Emulator) bool {
	return stubSnprintf(emu)
}

// Fortified variants - __*_chk functions add buffer overflow checking
// They have additional flag/slen parameters before the format string

func stubVsnprintfChk(emu *emulator.Emulator) bool {
	// int __vsnprintf_chk(char *s, size_t maxlen, int flag, size_t slen, const char *format, va_list ap)
	dest := emu.X(0)
	n := emu.X(1)
	fmtPtr := emu.X(4)
	format, _ := emu.MemReadString(fmtPtr, int(n))

	if n > 0 {
		if uint64(len(format)) >= n {
			format = format[:n-1]
		}
		emu.MemWriteString(dest, format)
	}

	emu.SetX(0, uint64(len(format)))
	return false
}

func stubSnprintfChk(emu *emulator.Emulator) bool {
	// int __snprintf_chk(char *s, size_t maxlen, int flag, size_t slen, const char *format, ...)
	dest := emu.X(0)
	n := emu.X(1)
	fmtPtr := emu.X(4)
	format, _ := emu.MemReadString(fmtPtr, int(n))

	if n > 0 {
		if uint64(len(format)) >= n {
			format = format[:n-1]
		}
		emu.MemWriteString(dest, format)
	}

	emu.SetX(0, uint64(len(format)))
	return false
}

func stubSprintfChk(emu *emulator.Emulator) bool {
	// int __sprintf_chk(char *s, int flag, size_t slen, const char *format, ...)
	dest := emu.X(0)
	fmtPtr := emu.X(3)
	format, _ := emu.MemReadString(fmtPtr, 256)

	emu.MemWriteString(dest, format)
	emu.SetX(0, uint64(len(format)))
	return false
}

func stubPrintfChk(emu *emulator.Emulator) bool {
	// int __printf_chk(int flag, const char *format, ...)
	fmtPtr := emu.X(1)
	format, _ := emu.MemReadString(fmtPtr, 256)
	stubs.DefaultRegistry.Log("libc", "__printf_chk", format)
	writeGuestStdout(format)
	emu.SetX(0, uint64(len(format)))
	return false
}

func stubFprintfChk(emu *emulator.Emulator) bool {
	// int __fprintf_chk(FILE *stream, int flag, const char *format, ...)
	fmtPtr := emu.X(2)
	format, _ := emu.MemReadString(fmtPtr, 256)
	stubs.DefaultRegistry.Log("libc", "__fprintf_chk", format)
	writeGuestStdout(format)
	emu.SetX(0, uint64(len(format)))
	return false
}

func stubAsprintf(emu *emulator.Emulator) bool {
	retPtr := emu.X(0)
	fmtPtr := emu.X(1)
	format, _ := emu.MemReadString(fmtPtr, 256)

	buf := guestMalloc(uint64(len(format) + 1))
	if buf == 0 {
		emu.SetX(0, uint64(errs.EIO.Negated()))
		return false
	}
	emu.MemWriteString(buf, format)
	emu.MemWriteU64(retPtr, buf)

	emu.SetX(0, uint64(len(format)))
	return false
}

func stubVasprintf(emu *emulator.Emulator) bool {
	return stubAsprintf(emu)
}

func stubPuts(emu *emulator.Emulator) bool {
	strPtr := emu.X(0)
	str, _ := emu.MemReadString(strPtr, 256)
	stubs.DefaultRegistry.Log("libc", "puts", str)
	writeGuestStdout(str + "\n")
	emu.SetX(0, 0) // Non-negative on success
	return false
}

func stubFputs(emu *emulator.Emulator) bool {
	strPtr := emu.X(0)
	str, _ := emu.MemReadString(strPtr, 256)
	stubs.DefaultRegistry.Log("libc", "fputs", str)
	writeGuestStdout(str)
	emu.SetX(0, 0)
	return false
}

func stubPutchar(emu *emulator.Emulator) bool {
	c := emu.X(0) & 0xFF
	writeGuestStdout(string([]byte{byte(c)}))
	emu.SetX(0, c)
	return false
}

func stubFputc(emu *emulator.Emulator) bool {
	c := emu.X(0) & 0xFF
	writeGuestStdout(string([]byte{byte(c)}))
	emu.SetX(0, c)
	return false
}

// fileHandles maps a FILE* token (a heap allocation whose address serves
// only as a unique key, never dereferenced as a real FILE struct) to the
// vfs fd fopen opened. fread/fwrite/fseek/ftell/fclose all key off this
// table.
var (
	fileHandlesMu sync.Mutex
	fileHandles   = make(map[uint64]int)
)

func stubFopen(emu *emulator.Emulator) bool {
	// FILE *fopen(const char *path, const char *mode)
	pathPtr := emu.X(0)
	modePtr := emu.X(1)
	path, _ := emu.MemReadString(pathPtr, 1024)
	mode, _ := emu.MemReadString(modePtr, 8)

	fs := stubs.DefaultRegistry.FileSystem()
	if fs == nil {
		emu.SetX(0, 0)
		return false
	}

	const oRDONLY, oWRONLY, oRDWR, oCREAT, oTRUNC, oAPPEND = 0x0, 0x1, 0x2, 0x40, 0x200, 0x400
	var flags uint32 = oRDONLY
	switch {
	case strings.HasPrefix(mode, "r+"):
		flags = oRDWR
	case strings.HasPrefix(mode, "r"):
		flags = oRDONLY
	case strings.HasPrefix(mode, "w+"):
		flags = oRDWR | oCREAT | oTRUNC
	case strings.HasPrefix(mode, "w"):
		flags = oWRONLY | oCREAT | oTRUNC
	case strings.HasPrefix(mode, "a+"):
		flags = oRDWR | oCREAT | oAPPEND
	case strings.HasPrefix(mode, "a"):
		flags = oWRONLY | oCREAT | oAPPEND
	}

	fdNum, err := fs.Openat(path, flags, 0644)
	if err != nil {
		emu.SetX(0, 0)
		return false
	}

	handle := guestMalloc(8)
	if handle == 0 {
		fs.Close(fdNum)
		emu.SetX(0, 0)
		return false
	}
	fileHandlesMu.Lock()
	fileHandles[handle] = fdNum
	fileHandlesMu.Unlock()

	stubs.DefaultRegistry.Log("libc", "fopen", path+" mode="+mode)
	emu.SetX(0, handle)
	return false
}

func fdForHandle(handle uint64) (int, bool) {
	fileHandlesMu.Lock()
	defer fileHandlesMu.Unlock()
	fd, ok := fileHandles[handle]
	return fd, ok
}

func stubFwrite(emu *emulator.Emulator) bool {
	ptr := emu.X(0)
	size := emu.X(1)
	nmemb := emu.X(2)
	handle := emu.X(3)

	total := size * nmemb
	fdNum, ok := fdForHandle(handle)
	if !ok || total == 0 {
		emu.SetX(0, nmemb)
		return false
	}

	fs := stubs.DefaultRegistry.FileSystem()
	data, err := emu.MemRead(ptr, total)
	if err != nil || fs == nil {
		emu.SetX(0, 0)
		return false
	}
	n, err := fs.Write(fdNum, data)
	if err != nil || size == 0 {
		emu.SetX(0, 0)
		return false
	}
	emu.SetX(0, uint64(n)/size)
	return false
}

func stubFread(emu *emulator.Emulator) bool {
	ptr := emu.X(0)
	size := emu.X(1)
	nmemb := emu.X(2)
	handle := emu.X(3)

	fdNum, ok := fdForHandle(handle)
	fs := stubs.DefaultRegistry.FileSystem()
	if !ok || fs == nil || size == 0 {
		emu.SetX(0, 0)
		return false
	}

	data, err := fs.Read(fdNum, int(size*nmemb))
	if err != nil {
		emu.SetX(0, 0)
		return false
	}
	emu.MemWrite(ptr, data)
	emu.SetX(0, uint64(len(data))/size)
	return false
}

func stubFflush(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubFclose(emu *emulator.Emulator) bool {
	handle := emu.X(0)
	fs := stubs.DefaultRegistry.FileSystem()
	if fdNum, ok := fdForHandle(handle); ok && fs != nil {
		fs.Close(fdNum)
		fileHandlesMu.Lock()
		delete(fileHandles, handle)
		fileHandlesMu.Unlock()
	}
	emu.SetX(0, 0)
	return false
}

func stubFseek(emu *emulator.Emulator) bool {
	handle := emu.X(0)
	offset := int64(emu.X(1))
	whence := int(emu.X(2))

	fs := stubs.DefaultRegistry.FileSystem()
	fdNum, ok := fdForHandle(handle)
	if !ok || fs == nil {
		emu.SetX(0, uint64(errs.EIO.Negated()))
		return false
	}
	if _, err := fs.Lseek(fdNum, offset, whence); err != nil {
		emu.SetX(0, uint64(errs.EIO.Negated()))
		return false
	}
	emu.SetX(0, 0)
	return false
}

func stubFtell(emu *emulator.Emulator) bool {
	handle := emu.X(0)
	fs := stubs.DefaultRegistry.FileSystem()
	fdNum, ok := fdForHandle(handle)
	if !ok || fs == nil {
		emu.SetX(0, uint64(errs.EIO.Negated()))
		return false
	}
	pos, err := fs.Lseek(fdNum, 0, 1) // SEEK_CUR
	if err != nil {
		emu.SetX(0, uint64(errs.EIO.Negated()))
		return false
	}
	emu.SetX(0, uint64(pos))
	return false
}

func stubRewind(emu *emulator.Emulator) bool {
	handle := emu.X(0)
	if fs := stubs.DefaultRegistry.FileSystem(); fs != nil {
		if fdNum, ok := fdForHandle(handle); ok {
			fs.Lseek(fdNum, 0, 0) // SEEK_SET
		}
	}
	return false
}

func stubFeof(emu *emulator.Emulator) bool {
	// No EOF flag is tracked per handle; callers driving a read loop off
	// fread's own short-count return still terminate correctly, just not
	// off this call.
	emu.SetX(0, 0)
	return false
}

func stubFerror(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	return false
}

func stubClearerr(emu *emulator.Emulator) bool {
	return false
}

func stubFileno(emu *emulator.Emulator) bool {
	handle := emu.X(0)
	if fdNum, ok := fdForHandle(handle); ok {
		emu.SetX(0, uint64(fdNum))
		return false
	}
	emu.SetX(0, uint64(vfs.FDStdout))
	return false
}

func stubPerror(emu *emulator.Emulator) bool {
	strPtr := emu.X(0)
	str, _ := emu.MemReadString(strPtr, 256)
	stubs.DefaultRegistry.Log("libc", "perror", str)
	writeGuestStdout(str + ": Unknown error\n")
	return false
}

func stubStrerror(emu *emulator.Emulator) bool {
	errnum := emu.X(0)
	msg := errs.GuestErrno(int(errnum)).Error()
	buf := guestMalloc(uint64(len(msg) + 1))
	if buf == 0 {
		emu.SetX(0, 0)
		return false
	}
	emu.MemWriteString(buf, msg)
	emu.SetX(0, buf)
	return false
}

func stubStrerrorR(emu *emulator.Emulator) bool {
	errnum := emu.X(0)
	buf := emu.X(1)
	msg := errs.GuestErrno(int(errnum)).Error()
	emu.MemWriteString(buf, msg)
	emu.SetX(0, 0)
	return false
}
