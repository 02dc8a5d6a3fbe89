package jnitramp

import (
	"github.com/arm64sandbox/emulator/internal/dalvik"
	"github.com/arm64sandbox/emulator/internal/log"
	"github.com/arm64sandbox/emulator/internal/svcmem"
)

const jniVersion16 = 0x00010006

func (t *Trampoline) addSingletonHandlers(slots map[int]svcmem.Handler) {
	slots[slotGetVersion] = func(uint16) { _ = t.cpu.SetX(0, jniVersion16) }

	slots[slotFindClass] = func(uint16) {
		name, _ := t.cpu.MemReadString(t.cpu.X(1), maxStringLen)
		class, ok := t.vm.FindClass(name)
		if !ok {
			log.L.JNILog("FindClass", name+" not found")
			_ = t.cpu.SetX(0, 0)
			return
		}
		_ = t.cpu.SetX(0, dalvik.ClassHandle(class))
	}

	slots[slotGetObjectClass] = func(uint16) {
		obj, ok := t.vm.GetObject(t.cpu.X(1))
		if !ok || obj.Class == nil {
			_ = t.cpu.SetX(0, 0)
			return
		}
		_ = t.cpu.SetX(0, dalvik.ClassHandle(obj.Class))
	}

	slots[slotIsInstanceOf] = func(uint16) {
		obj, ok := t.vm.GetObject(t.cpu.X(1))
		classObj, classOK := t.vm.GetObject(t.cpu.X(2))
		if !ok || !classOK || obj.Class == nil || classObj.Class == nil {
			_ = t.cpu.SetX(0, 0)
			return
		}
		if obj.Class.ID == classObj.Class.ID {
			_ = t.cpu.SetX(0, 1)
		} else {
			_ = t.cpu.SetX(0, 0)
		}
	}

	slots[slotGetMethodID] = func(uint16) {
		t.lookupMember(1, 2, 3, false)
	}
	slots[slotGetStaticMethodID] = func(uint16) {
		t.lookupMember(1, 2, 3, true)
	}
	slots[slotGetFieldID] = func(uint16) {
		t.lookupField(1, 2, 3, false)
	}
	slots[slotGetStaticFieldID] = func(uint16) {
		t.lookupField(1, 2, 3, true)
	}

	slots[slotThrow] = func(uint16) {
		obj, _ := t.vm.GetObject(t.cpu.X(1))
		t.vm.Throw(obj)
		_ = t.cpu.SetX(0, 0)
	}
	slots[slotThrowNew] = func(uint16) {
		classObj, _ := t.vm.GetObject(t.cpu.X(1))
		msg, _ := t.cpu.MemReadString(t.cpu.X(2), maxStringLen)
		var class *dalvik.DvmClass
		if classObj != nil {
			class = classObj.Class
		}
		t.vm.Throw(&dalvik.DvmObject{Kind: dalvik.KindInstance, Class: class, Data: msg})
		_ = t.cpu.SetX(0, 0)
	}
	slots[slotExcOccurred] = func(uint16) {
		pending := t.vm.ExceptionOccurred()
		if pending == nil {
			_ = t.cpu.SetX(0, 0)
			return
		}
		_ = t.cpu.SetX(0, t.vm.NewLocalRef(pending))
	}
	slots[slotExcDescribe] = func(uint16) {
		pending := t.vm.ExceptionOccurred()
		if pending != nil {
			log.L.JNILog("ExceptionDescribe", fmtThrowable(pending))
		}
	}
	slots[slotExcClear] = func(uint16) { t.vm.ExceptionClear() }
	slots[slotExceptionCheck] = func(uint16) {
		if t.vm.ExceptionCheck() {
			_ = t.cpu.SetX(0, 1)
		} else {
			_ = t.cpu.SetX(0, 0)
		}
	}
	slots[slotFatalError] = func(uint16) {
		msg, _ := t.cpu.MemReadString(t.cpu.X(1), maxStringLen)
		log.L.Error("jni fatal error: " + msg)
	}

	slots[slotPushFrame] = func(uint16) { _ = t.cpu.SetX(0, 0) }
	slots[slotPopFrame] = func(uint16) { _ = t.cpu.SetX(0, t.cpu.X(1)) }
	slots[slotEnsureCap] = func(uint16) { _ = t.cpu.SetX(0, 0) }

	slots[slotNewGlobal] = func(uint16) {
		h, ok := t.vm.NewGlobalRef(t.cpu.X(1))
		if !ok {
			_ = t.cpu.SetX(0, 0)
			return
		}
		_ = t.cpu.SetX(0, h)
	}
	slots[slotNewWeakGlobal] = slots[slotNewGlobal]
	slots[slotDelGlobal] = func(uint16) { t.vm.DeleteGlobalRef(t.cpu.X(1)) }
	slots[slotDelWeakGlobal] = slots[slotDelGlobal]
	slots[slotDelLocal] = func(uint16) { t.vm.DeleteLocalRef(t.cpu.X(1)) }
	slots[slotNewLocal] = func(uint16) {
		obj, ok := t.vm.GetObject(t.cpu.X(1))
		if !ok {
			_ = t.cpu.SetX(0, 0)
			return
		}
		_ = t.cpu.SetX(0, t.vm.NewLocalRef(obj))
	}
	slots[slotIsSameObj] = func(uint16) {
		if t.vm.IsSameObject(t.cpu.X(1), t.cpu.X(2)) {
			_ = t.cpu.SetX(0, 1)
		} else {
			_ = t.cpu.SetX(0, 0)
		}
	}
	slots[slotGetObjectRefType] = func(uint16) {
		tag := dalvik.DecodeHandleTag(t.cpu.X(1))
		_ = t.cpu.SetX(0, uint64(tag))
	}

	slots[slotAllocObject] = func(uint16) {
		classObj, ok := t.vm.GetObject(t.cpu.X(1))
		if !ok {
			_ = t.cpu.SetX(0, 0)
			return
		}
		instance := &dalvik.DvmObject{Kind: dalvik.KindInstance, Class: classObj.Class}
		_ = t.cpu.SetX(0, t.vm.NewLocalRef(instance))
	}

	slots[slotRegisterNatives] = func(uint16) { _ = t.cpu.SetX(0, 0) }
	slots[slotUnregisterNatives] = func(uint16) { _ = t.cpu.SetX(0, 0) }
	slots[slotMonitorEnter] = func(uint16) { _ = t.cpu.SetX(0, 0) }
	slots[slotMonitorExit] = func(uint16) { _ = t.cpu.SetX(0, 0) }
	slots[slotGetJavaVM] = func(uint16) {
		out := t.cpu.X(1)
		_ = t.cpu.MemWriteU64(out, t.javaVMAddr)
		_ = t.cpu.SetX(0, 0)
	}

	t.addStringHandlers(slots)
	t.addArrayHandlers(slots)
}

func fmtThrowable(o *dalvik.DvmObject) string {
	if o.Class != nil {
		return o.Class.Name
	}
	return "<exception>"
}

func (t *Trampoline) lookupMember(classReg, nameReg, sigReg int, static bool) {
	classObj, ok := t.vm.GetObject(t.cpu.X(classReg))
	if !ok || classObj.Class == nil {
		_ = t.cpu.SetX(0, 0)
		return
	}
	name, _ := t.cpu.MemReadString(t.cpu.X(nameReg), maxStringLen)
	sig, _ := t.cpu.MemReadString(t.cpu.X(sigReg), maxStringLen)
	m, err := t.vm.GetMethodID(classObj.Class, name, sig, static)
	if err != nil {
		_ = t.cpu.SetX(0, 0)
		return
	}
	_ = t.cpu.SetX(0, uint64(m.ID))
}

func (t *Trampoline) lookupField(classReg, nameReg, sigReg int, static bool) {
	classObj, ok := t.vm.GetObject(t.cpu.X(classReg))
	if !ok || classObj.Class == nil {
		_ = t.cpu.SetX(0, 0)
		return
	}
	name, _ := t.cpu.MemReadString(t.cpu.X(nameReg), maxStringLen)
	sig, _ := t.cpu.MemReadString(t.cpu.X(sigReg), maxStringLen)
	f, err := t.vm.GetFieldID(classObj.Class, name, sig, static)
	if err != nil {
		_ = t.cpu.SetX(0, 0)
		return
	}
	_ = t.cpu.SetX(0, uint64(f.ID))
}
