// Package syscall64 implements the SVC dispatch table: guest `svc #0`
// traps land here keyed by the syscall number in X8, with arguments in
// X0-X5 and the return value written back to X0 using the negative-errno
// convention. Handlers self-register into a number-keyed table and are
// looked up through a single dispatch point.
package syscall64

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/arm64sandbox/emulator/internal/errs"
	"github.com/arm64sandbox/emulator/internal/log"
	"github.com/arm64sandbox/emulator/internal/memmgr"
	"github.com/arm64sandbox/emulator/internal/vfs"
)

// Linux AArch64 syscall numbers the dispatch table covers.
const (
	NRIoctl         = 29
	NRFaccessat     = 48
	NRSetTidAddress = 96
	NRExit          = 93
	NRExitGroup     = 94
	NRSetRobustList = 99
	NRFutex         = 98
	NRNanosleep     = 101
	NRClockGetTime  = 113
	NRKill          = 129
	NRTkill         = 130
	NRTgkill        = 131
	NRSigAltStack   = 132
	NRRtSigAction   = 134
	NRRtSigProcMask = 135
	NRGetPid        = 172
	NRGetPPid       = 173
	NRGetUID        = 174
	NREUID          = 175
	NRPrctl         = 167
	NRGetTimeOfDay  = 169
	NRBrk           = 214
	NRMunmap        = 215
	NRClone         = 220
	NROpenat        = 56
	NRClose         = 57
	NRPread64       = 67
	NRGetDents64    = 61
	NRLseek         = 62
	NRRead          = 63
	NRWrite         = 64
	NRFstatat       = 79
	NRFstat         = 80
	NRMmap          = 222
	NRMprotect      = 226
	NRMadvise       = 233
	NRSocket        = 198
	NRConnect       = 203
)

// Memory is the subset of the CPU backend the dispatch table needs: guest
// register access, raw memory read/write for string/struct marshaling,
// the errno-mirror write, and Stop for the unknown-syscall fatal path.
type Memory interface {
	X(n int) uint64
	SetX(n int, val uint64) error
	MemRead(addr, size uint64) ([]byte, error)
	MemWrite(addr uint64, data []byte) error
	MemReadString(addr uint64, maxLen int) (string, error)
	MemWriteU32(addr uint64, val uint32) error
	MemWriteU64(addr, val uint64) error
	Stop()
}

// HandlerFunc services one syscall number. It returns the value to place
// in X0; negative values already encode -errno.
type HandlerFunc func(d *Dispatcher, args [6]uint64) int64

// Dispatcher owns the syscall table and the subsystems syscalls operate
// on: the memory manager (brk/mmap/mprotect/munmap) and the file system
// (openat/read/write/...).
type Dispatcher struct {
	cpu      Memory
	mem      *memmgr.Manager
	fsys     *vfs.FileSystem
	tidAddr  uint64
	errnoTLS uint64 // guest address of the errno mirror slot in TLS

	mu       sync.Mutex
	handlers map[uint64]HandlerFunc

	tid   uint64
	pid   uint64
	epoch time.Time // CLOCK_MONOTONIC and friends count from emulator start
}

// New creates a Dispatcher wired to a memory manager and file system, and
// registers the builtin syscall table.
func New(cpu Memory, mem *memmgr.Manager, fsys *vfs.FileSystem, errnoTLSAddr uint64, pid uint64) *Dispatcher {
	d := &Dispatcher{
		cpu:      cpu,
		mem:      mem,
		fsys:     fsys,
		errnoTLS: errnoTLSAddr,
		handlers: make(map[uint64]HandlerFunc),
		pid:      pid,
		tid:      pid,
		epoch:    time.Now(),
	}
	d.registerBuiltins()
	return d
}

// Register installs or overrides a handler for a syscall number.
func (d *Dispatcher) Register(nr uint64, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[nr] = fn
}

// Dispatch services the SVC trap for `svc #0` (nr comes from X8, not the
// SVC immediate, matching Linux's AArch64 syscall ABI). It is installed as
// part of the emulator's SVC hook chain alongside svcmem's trampoline
// dispatch, which handles non-zero immediates.
func (d *Dispatcher) Dispatch() {
	nr := d.cpu.X(8)
	var args [6]uint64
	for i := range args {
		args[i] = d.cpu.X(i)
	}

	d.mu.Lock()
	fn, ok := d.handlers[nr]
	d.mu.Unlock()

	var ret int64
	if !ok {
		// An unimplemented syscall is fatal: returning a fake success (or
		// even a quiet ENOSYS) masks guest assumptions until they corrupt
		// state somewhere much harder to diagnose.
		log.L.Error(fmt.Sprintf("syscall64: unimplemented syscall %d", nr))
		d.cpu.Stop()
		ret = errs.ENOSYS.Negated()
	} else {
		ret = fn(d, args)
	}

	if ret < 0 && d.errnoTLS != 0 {
		_ = d.cpu.MemWriteU32(d.errnoTLS, uint32(-ret))
	}

	_ = d.cpu.SetX(0, uint64(ret))
	log.L.SyscallLog(d.tid, syscallName(nr), args[:], ret)
}

func (d *Dispatcher) registerBuiltins() {
	d.handlers[NRExit] = func(d *Dispatcher, a [6]uint64) int64 { return 0 }
	d.handlers[NRExitGroup] = func(d *Dispatcher, a [6]uint64) int64 { return 0 }

	d.handlers[NRGetPid] = func(d *Dispatcher, a [6]uint64) int64 { return int64(d.pid) }
	d.handlers[NRGetPPid] = func(d *Dispatcher, a [6]uint64) int64 { return int64(d.pid) }
	d.handlers[NRGetUID] = func(d *Dispatcher, a [6]uint64) int64 { return 0 }
	d.handlers[NREUID] = func(d *Dispatcher, a [6]uint64) int64 { return 0 }

	d.handlers[NRSetTidAddress] = func(d *Dispatcher, a [6]uint64) int64 {
		d.tidAddr = a[0]
		return int64(d.tid)
	}
	d.handlers[NRSetRobustList] = func(d *Dispatcher, a [6]uint64) int64 { return 0 }

	// PR_SET_VMA (and everything else) is a documented no-op: prctl never
	// fails and never changes observable behavior, since no component
	// reads VMA names back.
	d.handlers[NRPrctl] = func(d *Dispatcher, a [6]uint64) int64 { return 0 }

	// Placeholder successes for a dispatcher running without a scheduler;
	// the emulator wiring overrides both with handlers that update the
	// current task's signal-ops block.
	d.handlers[NRSigAltStack] = func(d *Dispatcher, a [6]uint64) int64 { return 0 }
	d.handlers[NRRtSigProcMask] = func(d *Dispatcher, a [6]uint64) int64 { return 0 }
	d.handlers[NRIoctl] = func(d *Dispatcher, a [6]uint64) int64 { return errs.ENOSYS.Negated() }
	d.handlers[NRFaccessat] = func(d *Dispatcher, a [6]uint64) int64 { return 0 }

	d.handlers[NRBrk] = func(d *Dispatcher, a [6]uint64) int64 {
		return int64(d.mem.Brk(a[0]))
	}
	d.handlers[NRMmap] = func(d *Dispatcher, a [6]uint64) int64 {
		fd := int(int32(uint32(a[4])))
		got, err := d.mem.Mmap2(a[0], a[1], int(a[2]), int(a[3]), fd, a[5])
		if err != nil {
			return errnoOf(err)
		}
		return int64(got)
	}
	d.handlers[NRMunmap] = func(d *Dispatcher, a [6]uint64) int64 {
		if err := d.mem.Munmap(a[0], a[1]); err != nil {
			return errnoOf(err)
		}
		return 0
	}
	d.handlers[NRMprotect] = func(d *Dispatcher, a [6]uint64) int64 {
		if err := d.mem.Mprotect(a[0], a[1], int(a[2])); err != nil {
			return errnoOf(err)
		}
		return 0
	}
	d.handlers[NRMadvise] = func(d *Dispatcher, a [6]uint64) int64 {
		if a[0]%pageSize != 0 {
			return errs.EINVAL.Negated()
		}
		return 0
	}

	d.handlers[NRClockGetTime] = func(d *Dispatcher, a [6]uint64) int64 {
		const (
			clockRealtime        = 0
			clockMonotonic       = 1
			clockThreadCPUTime   = 3
			clockMonotonicRaw    = 4
			clockBoottime        = 7
		)
		var sec, nsec uint64
		switch a[0] {
		case clockRealtime:
			now := time.Now()
			sec, nsec = uint64(now.Unix()), uint64(now.Nanosecond())
		case clockMonotonic, clockThreadCPUTime, clockMonotonicRaw, clockBoottime:
			el := time.Since(d.epoch)
			sec, nsec = uint64(el/time.Second), uint64(el%time.Second)
		default:
			return errs.EINVAL.Negated()
		}
		if err := d.writeTimespec(a[1], sec, nsec); err != nil {
			return errs.EFAULT.Negated()
		}
		return 0
	}
	d.handlers[NRGetTimeOfDay] = func(d *Dispatcher, a [6]uint64) int64 {
		if a[0] != 0 {
			now := time.Now()
			if err := d.writeTimespec(a[0], uint64(now.Unix()), uint64(now.Nanosecond()/1000)); err != nil {
				return errs.EFAULT.Negated()
			}
		}
		return 0
	}
	d.handlers[NRNanosleep] = func(d *Dispatcher, a [6]uint64) int64 { return 0 }

	d.handlers[NROpenat] = func(d *Dispatcher, a [6]uint64) int64 {
		const atFDCWD = -100
		path, err := d.cpu.MemReadString(a[1], 4096)
		if err != nil {
			return errs.EFAULT.Negated()
		}
		if len(path) == 0 {
			return errs.ENOENT.Negated()
		}
		if path[0] != '/' && int32(a[0]) != atFDCWD {
			return errs.EBADF.Negated()
		}
		fdNum, oerr := d.fsys.Openat(path, uint32(a[2]), uint32(a[3]))
		if oerr != nil {
			return errnoOf(oerr)
		}
		return int64(fdNum)
	}
	d.handlers[NRClose] = func(d *Dispatcher, a [6]uint64) int64 {
		if err := d.fsys.Close(int(a[0])); err != nil {
			return errnoOf(err)
		}
		return 0
	}
	d.handlers[NRRead] = func(d *Dispatcher, a [6]uint64) int64 {
		data, err := d.fsys.Read(int(a[0]), int(a[2]))
		if err != nil {
			return errnoOf(err)
		}
		if len(data) > 0 {
			if werr := d.cpu.MemWrite(a[1], data); werr != nil {
				return errs.EFAULT.Negated()
			}
		}
		return int64(len(data))
	}
	d.handlers[NRWrite] = func(d *Dispatcher, a [6]uint64) int64 {
		data, err := d.cpu.MemRead(a[1], a[2])
		if err != nil {
			return errs.EFAULT.Negated()
		}
		n, werr := d.fsys.Write(int(a[0]), data)
		if werr != nil {
			return errnoOf(werr)
		}
		return int64(n)
	}
	d.handlers[NRPread64] = func(d *Dispatcher, a [6]uint64) int64 {
		data, err := d.fsys.Pread(int(a[0]), int(a[2]), int64(a[3]))
		if err != nil {
			return errnoOf(err)
		}
		if len(data) > 0 {
			if werr := d.cpu.MemWrite(a[1], data); werr != nil {
				return errs.EFAULT.Negated()
			}
		}
		return int64(len(data))
	}
	d.handlers[NRLseek] = func(d *Dispatcher, a [6]uint64) int64 {
		pos, err := d.fsys.Lseek(int(a[0]), int64(a[1]), int(a[2]))
		if err != nil {
			return errnoOf(err)
		}
		return pos
	}
	d.handlers[NRGetDents64] = func(d *Dispatcher, a [6]uint64) int64 {
		entries, err := d.fsys.Getdents64(int(a[0]))
		if err != nil {
			return errnoOf(err)
		}
		buf, consumed := marshalDirents(entries, int(a[2]))
		if consumed > 0 {
			if werr := d.cpu.MemWrite(a[1], buf); werr != nil {
				return errs.EFAULT.Negated()
			}
			d.fsys.AdvanceDir(int(a[0]), consumed)
		}
		return int64(len(buf))
	}
	d.handlers[NRFstat] = func(d *Dispatcher, a [6]uint64) int64 {
		st, err := d.fsys.Fstat(int(a[0]))
		if err != nil {
			return errnoOf(err)
		}
		if werr := d.writeStat(a[1], st); werr != nil {
			return errs.EFAULT.Negated()
		}
		return 0
	}
	d.handlers[NRFstatat] = func(d *Dispatcher, a [6]uint64) int64 {
		path, err := d.cpu.MemReadString(a[1], 4096)
		if err != nil {
			return errs.EFAULT.Negated()
		}
		fdNum, oerr := d.fsys.Openat(path, 0, 0)
		if oerr != nil {
			return errnoOf(oerr)
		}
		st, serr := d.fsys.Fstat(fdNum)
		_ = d.fsys.Close(fdNum)
		if serr != nil {
			return errnoOf(serr)
		}
		if werr := d.writeStat(a[2], st); werr != nil {
			return errs.EFAULT.Negated()
		}
		return 0
	}

	d.handlers[NRSocket] = func(d *Dispatcher, a [6]uint64) int64 {
		const afLocal = 1
		if a[0] != afLocal {
			// Anything beyond AF_LOCAL means the guest expects real
			// networking, which this process cannot honestly provide.
			log.L.Error(fmt.Sprintf("syscall64: socket family %d unsupported", a[0]))
			d.cpu.Stop()
			return errs.EINVAL.Negated()
		}
		return int64(d.fsys.ReserveFD("socket"))
	}
	d.handlers[NRConnect] = func(d *Dispatcher, a [6]uint64) int64 {
		// sockaddr_un: sa_family u16, then the NUL-terminated path.
		path, err := d.cpu.MemReadString(a[1]+2, 108)
		if err != nil {
			return errs.EFAULT.Negated()
		}
		if cerr := d.fsys.ConnectSocket(int(a[0]), path); cerr != nil {
			return errnoOf(cerr)
		}
		return 0
	}
}

const pageSize = 0x1000

// writeTimespec marshals {sec, nsec} as two u64s at addr (struct timespec
// and struct timeval share this shape on LP64).
func (d *Dispatcher) writeTimespec(addr, sec, nsec uint64) error {
	if err := d.cpu.MemWriteU64(addr, sec); err != nil {
		return err
	}
	return d.cpu.MemWriteU64(addr+8, nsec)
}

// writeStat marshals the AArch64 struct stat layout (128 bytes). Only the
// fields guest code actually branches on carry real values; the rest stay
// zero.
func (d *Dispatcher) writeStat(addr uint64, st vfs.Stat) error {
	buf := make([]byte, 128)
	binary.LittleEndian.PutUint32(buf[16:], st.Mode)    // st_mode
	binary.LittleEndian.PutUint32(buf[20:], 1)          // st_nlink
	binary.LittleEndian.PutUint64(buf[48:], uint64(st.Size))
	binary.LittleEndian.PutUint32(buf[56:], 4096) // st_blksize
	binary.LittleEndian.PutUint64(buf[64:], uint64((st.Size+511)/512))
	return d.cpu.MemWrite(addr, buf)
}

// marshalDirents encodes entries as linux_dirent64 records into a buffer
// of at most max bytes, returning the encoded bytes and how many entries
// were consumed. Records are 8-byte aligned: ino u64, off i64, reclen u16,
// type u8, then the NUL-terminated name.
func marshalDirents(entries []vfs.Dirent, max int) ([]byte, int) {
	var out []byte
	consumed := 0
	for i, e := range entries {
		reclen := (19 + len(e.Name) + 1 + 7) &^ 7
		if len(out)+reclen > max {
			break
		}
		rec := make([]byte, reclen)
		binary.LittleEndian.PutUint64(rec[0:], uint64(i+1))  // d_ino, synthetic
		binary.LittleEndian.PutUint64(rec[8:], uint64(i+2))  // d_off, next index
		binary.LittleEndian.PutUint16(rec[16:], uint16(reclen))
		rec[18] = e.Type
		copy(rec[19:], e.Name)
		out = append(out, rec...)
		consumed++
	}
	return out, consumed
}

func errnoOf(err error) int64 {
	if ge, ok := err.(errs.GuestErrno); ok {
		return ge.Negated()
	}
	return errs.EINVAL.Negated()
}

func syscallName(nr uint64) string {
	if name, ok := names[nr]; ok {
		return name
	}
	return "unknown"
}

var names = map[uint64]string{
	NRIoctl: "ioctl", NRFaccessat: "faccessat", NRSetTidAddress: "set_tid_address",
	NRExit: "exit", NRExitGroup: "exit_group", NRSetRobustList: "set_robust_list",
	NRFutex: "futex", NRNanosleep: "nanosleep", NRClockGetTime: "clock_gettime",
	NRSigAltStack: "sigaltstack", NRRtSigProcMask: "rt_sigprocmask", NRGetPid: "getpid",
	NRKill: "kill", NRTkill: "tkill", NRTgkill: "tgkill", NRRtSigAction: "rt_sigaction",
	NRGetPPid: "getppid", NRGetUID: "getuid", NREUID: "geteuid", NRPrctl: "prctl",
	NRGetTimeOfDay: "gettimeofday", NRBrk: "brk", NRMunmap: "munmap", NRClone: "clone",
	NROpenat: "openat", NRClose: "close", NRGetDents64: "getdents64", NRLseek: "lseek",
	NRPread64: "pread64",
	NRRead: "read", NRWrite: "write", NRFstatat: "fstatat", NRFstat: "fstat",
	NRMmap: "mmap", NRMprotect: "mprotect", NRMadvise: "madvise",
	NRSocket: "socket", NRConnect: "connect",
}
