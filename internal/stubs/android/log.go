// Package android provides stub implementations for Android-specific functions.
package android

import (
	"github.com/arm64sandbox/emulator/internal/emulator"
	glog "github.com/arm64sandbox/emulator/internal/log"
	"github.com/arm64sandbox/emulator/internal/stubs"
	"go.uber.org/zap"
)

func init() {
	stubs.RegisterFunc("android", "__android_log_print", stubAndroidLogPrint)
	stubs.RegisterFunc("android", "__android_log_write", stubAndroidLogWrite)
	stubs.RegisterFunc("android", "__android_log_vprint", stubAndroidLogVprint)
	stubs.RegisterFunc("android", "__android_log_buf_print", stubAndroidLogBufPrint)
	stubs.RegisterFunc("android", "__android_log_buf_write", stubAndroidLogBufWrite)
	stubs.RegisterFunc("android", "__android_log_assert", stubAndroidLogAssert)

	// Syslog
	stubs.RegisterFunc("android", "openlog", stubOpenlog)
	stubs.RegisterFunc("android", "syslog", stubSyslog)
	stubs.RegisterFunc("android", "closelog", stubCloselog)
}

// androidPrio is android/log.h's priority enum.
const (
	androidLogVerbose = 2
	androidLogDebug   = 3
	androidLogInfo    = 4
	androidLogWarn    = 5
	androidLogError   = 6
	androidLogFatal   = 7
)

// logAtPriority emits a guest __android_log_* call at the zap level that
// matches its Android priority, so a guest library spamming LOG_VERBOSE
// doesn't drown out its own LOG_ERROR calls in the host's log stream the
// way a single flat Debug() call would.
func logAtPriority(prio uint64, tag, msg string) {
	if glog.L == nil {
		return
	}
	fields := []zap.Field{zap.String("tag", tag)}
	switch prio {
	case androidLogWarn:
		glog.L.Warn(msg, fields...)
	case androidLogError, androidLogFatal:
		glog.L.Error(msg, fields...)
	case androidLogInfo:
		glog.L.Info(msg, fields...)
	default: // verbose, debug, and anything unrecognized
		glog.L.Debug(msg, fields...)
	}
}

func stubAndroidLogPrint(emu *emulator.Emulator) bool {
	// int __android_log_print(int prio, const char *tag, const char *fmt, ...)
	prio := emu.X(0)
	tagPtr := emu.X(1)
	fmtPtr := emu.X(2)

	tag, _ := emu.MemReadString(tagPtr, 64)
	format, _ := emu.MemReadString(fmtPtr, 256)

	logAtPriority(prio, tag, format)
	stubs.DefaultRegistry.Log("android", "__android_log_print", tag+": "+format)

	emu.SetX(0, 0) // Returns 0, not a byte count
	return false
}

func stubAndroidLogWrite(emu *emulator.Emulator) bool {
	// int __android_log_write(int prio, const char *tag, const char *text)
	prio := emu.X(0)
	tagPtr := emu.X(1)
	textPtr := emu.X(2)

	tag, _ := emu.MemReadString(tagPtr, 64)
	text, _ := emu.MemReadString(textPtr, 256)

	logAtPriority(prio, tag, text)
	stubs.DefaultRegistry.Log("android", "__android_log_write", tag+": "+text)

	emu.SetX(0, 0)
	return false
}

func stubAndroidLogVprint(emu *emulator.Emulator) bool {
	// Like log_print but with va_list — the format string's own arguments
	// are not expanded (no va_list walker here), only the literal format
	// text is logged.
	prio := emu.X(0)
	tagPtr := emu.X(1)
	fmtPtr := emu.X(2)

	tag, _ := emu.MemReadString(tagPtr, 64)
	format, _ := emu.MemReadString(fmtPtr, 256)

	logAtPriority(prio, tag, format)
	stubs.DefaultRegistry.Log("android", "__android_log_vprint", tag+": "+format)

	emu.SetX(0, 0)
	return false
}

func stubAndroidLogBufPrint(emu *emulator.Emulator) bool {
	// int __android_log_buf_print(int bufID, int prio, const char *tag, const char *fmt, ...)
	prio := emu.X(1)
	tagPtr := emu.X(2)
	fmtPtr := emu.X(3)

	tag, _ := emu.MemReadString(tagPtr, 64)
	format, _ := emu.MemReadString(fmtPtr, 256)

	logAtPriority(prio, tag, format)
	stubs.DefaultRegistry.Log("android", "__android_log_buf_print", tag+": "+format)

	emu.SetX(0, 0)
	return false
}

func stubAndroidLogBufWrite(emu *emulator.Emulator) bool {
	prio := emu.X(1)
	tagPtr := emu.X(2)
	textPtr := emu.X(3)

	tag, _ := emu.MemReadString(tagPtr, 64)
	text, _ := emu.MemReadString(textPtr, 256)

	logAtPriority(prio, tag, text)
	stubs.DefaultRegistry.Log("android", "__android_log_buf_write", tag+": "+text)

	emu.SetX(0, 0)
	return false
}

func stubAndroidLogAssert(emu *emulator.Emulator) bool {
	// void __android_log_assert(const char *cond, const char *tag, const char *fmt, ...)
	// Bionic's real implementation aborts the process; this logs at error
	// level and continues rather than killing the whole emulator instance
	// over one guest assertion.
	condPtr := emu.X(0)
	tagPtr := emu.X(1)

	cond, _ := emu.MemReadString(condPtr, 64)
	tag, _ := emu.MemReadString(tagPtr, 64)

	logAtPriority(androidLogFatal, tag, "assertion failed: "+cond)
	stubs.DefaultRegistry.Log("android", "__android_log_assert", tag+": "+cond)

	return false
}

func stubOpenlog(emu *emulator.Emulator) bool {
	// void openlog(const char *ident, int option, int facility)
	return false
}

func stubSyslog(emu *emulator.Emulator) bool {
	// void syslog(int priority, const char *format, ...)
	prio := emu.X(0)
	fmtPtr := emu.X(1)
	format, _ := emu.MemReadString(fmtPtr, 256)

	logAtPriority(prio, "syslog", format)
	stubs.DefaultRegistry.Log("android", "syslog", format)

	return false
}

func stubCloselog(emu *emulator.Emulator) bool {
	return false
}
