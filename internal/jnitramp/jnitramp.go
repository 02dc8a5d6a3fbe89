// Package jnitramp builds the guest-visible JNIEnv and JavaVM function
// tables out of SVC trampoline stubs and marshals every call across the
// guest/host boundary into internal/dalvik. Each JNIEnv slot after the four
// reserved ones (the table is 240 slots) and each of the 5 JavaVM entries
// gets its own SVC immediate; the
// emulator's single SVC hook (internal/svcmem.Allocator.Dispatch) routes
// the trap back to the handler this package registered for that slot.
package jnitramp

import (
	"fmt"

	"github.com/arm64sandbox/emulator/internal/dalvik"
	"github.com/arm64sandbox/emulator/internal/errs"
	"github.com/arm64sandbox/emulator/internal/log"
	"github.com/arm64sandbox/emulator/internal/svcmem"
)

// CPU is the subset of the backend the trampoline needs: register access
// (including the D0-D31 float file JNI float/double returns use) and
// guest memory read/write.
type CPU interface {
	X(n int) uint64
	SetX(n int, val uint64) error
	D(n int) uint64
	SetD(n int, bits uint64) error
	MemRead(addr, size uint64) ([]byte, error)
	MemWrite(addr uint64, data []byte) error
	MemReadU64(addr uint64) (uint64, error)
	MemWriteU64(addr, val uint64) error
	MemReadString(addr uint64, maxLen int) (string, error)
	MemWriteString(addr uint64, s string) error
	Malloc(size uint64) uint64
}

const maxStringLen = 4096

// Trampoline owns the guest-memory JNIEnv/JavaVM structures and the
// handler registered at each function-table slot.
type Trampoline struct {
	cpu   CPU
	alloc *svcmem.Allocator
	vm    *dalvik.VM

	envTable   uint64 // guest address of the 240-entry function-pointer array
	envAddr    uint64 // guest address of the JNIEnv struct (one pointer, to envTable)
	javaVMTable uint64
	javaVMAddr  uint64

	scratchGR uint64 // synthetic va_list integer save area
	scratchVR uint64 // synthetic va_list float save area
}

const scratchSlots = 16 // max arguments the plain/A Call*Method variants support

// Install allocates the JNIEnv and JavaVM structures in guest memory,
// binds every function-table slot to an SVC handler, and returns the
// Trampoline. vm is the Dalvik stub every handler delegates to.
func Install(cpu CPU, alloc *svcmem.Allocator, vm *dalvik.VM) (*Trampoline, error) {
	t := &Trampoline{cpu: cpu, alloc: alloc, vm: vm}

	t.scratchGR = cpu.Malloc(uint64(scratchSlots) * 8)
	t.scratchVR = cpu.Malloc(uint64(scratchSlots) * 16)

	envTable, err := t.buildEnvTable()
	if err != nil {
		return nil, err
	}
	t.envTable = envTable
	t.envAddr = cpu.Malloc(8)
	if err := cpu.MemWriteU64(t.envAddr, envTable); err != nil {
		return nil, errs.NewHostError("write JNIEnv struct", err)
	}

	vmTable, err := t.buildJavaVMTable()
	if err != nil {
		return nil, err
	}
	t.javaVMTable = vmTable
	t.javaVMAddr = cpu.Malloc(8)
	if err := cpu.MemWriteU64(t.javaVMAddr, vmTable); err != nil {
		return nil, errs.NewHostError("write JavaVM struct", err)
	}

	return t, nil
}

// EnvAddr returns the guest address to pass as JNIEnv* (e.g. as JNI_OnLoad's
// first argument).
func (t *Trampoline) EnvAddr() uint64 { return t.envAddr }

// JavaVMAddr returns the guest address to pass as JavaVM*.
func (t *Trampoline) JavaVMAddr() uint64 { return t.javaVMAddr }

func (t *Trampoline) buildEnvTable() (uint64, error) {
	table := t.cpu.Malloc(uint64(envTableLen) * 8)

	slots := make(map[int]svcmem.Handler)
	t.addSingletonHandlers(slots)
	t.addMethodFamily(slots, slotCallMethodBase, dispatchVirtual)
	t.addMethodFamily(slots, slotCallNonvirtualBase, dispatchNonvirtual)
	t.addMethodFamily(slots, slotCallStaticBase, dispatchStatic)
	t.addFieldFamily(slots, slotGetFieldBase, slotSetFieldBase, false)
	t.addFieldFamily(slots, slotGetStaticFieldBase, slotSetStaticFieldBase, true)

	for i := 0; i < envTableLen; i++ {
		fn, ok := slots[i]
		if !ok {
			if i < 4 {
				if err := t.cpu.MemWriteU64(table+uint64(i)*8, 0); err != nil {
					return 0, errs.NewHostError("clear reserved JNIEnv slot", err)
				}
				continue
			}
			fn = t.unimplementedHandler(i)
		}
		addr, err := t.alloc.Alloc(fn)
		if err != nil {
			return 0, err
		}
		if err := t.cpu.MemWriteU64(table+uint64(i)*8, addr); err != nil {
			return 0, errs.NewHostError("write JNIEnv slot", err)
		}
	}
	return table, nil
}

func (t *Trampoline) buildJavaVMTable() (uint64, error) {
	table := t.cpu.Malloc(uint64(javaVMTableLen) * 8)

	slots := map[int]svcmem.Handler{
		javaVMReserved + javaVMDestroy:      func(uint16) { _ = t.cpu.SetX(0, 0) },
		javaVMReserved + javaVMAttach:       func(uint16) { _ = t.cpu.SetX(0, 0) },
		javaVMReserved + javaVMDetach:       func(uint16) { _ = t.cpu.SetX(0, 0) },
		javaVMReserved + javaVMAttachDaemon: func(uint16) { _ = t.cpu.SetX(0, 0) },
		javaVMReserved + javaVMGetEnv: func(uint16) {
			envOut := t.cpu.X(1)
			_ = t.cpu.MemWriteU64(envOut, t.envAddr)
			_ = t.cpu.SetX(0, 0)
		},
	}
	for i := 0; i < javaVMTableLen; i++ {
		fn, ok := slots[i]
		if !ok {
			if i < javaVMReserved {
				if err := t.cpu.MemWriteU64(table+uint64(i)*8, 0); err != nil {
					return 0, err
				}
				continue
			}
			fn = t.unimplementedHandler(1000 + i)
		}
		addr, err := t.alloc.Alloc(fn)
		if err != nil {
			return 0, err
		}
		if err := t.cpu.MemWriteU64(table+uint64(i)*8, addr); err != nil {
			return 0, errs.NewHostError("write JavaVM slot", err)
		}
	}
	return table, nil
}

func (t *Trampoline) unimplementedHandler(slot int) svcmem.Handler {
	name := fmt.Sprintf("slot%d", slot)
	return func(uint16) {
		log.L.JNILog(name, "unimplemented")
		_ = t.cpu.SetX(0, 0)
	}
}
