package jnitramp

import (
	"github.com/arm64sandbox/emulator/internal/dalvik"
	"github.com/arm64sandbox/emulator/internal/svcmem"
)

// addArrayHandlers registers the array family this stub supports in full:
// generic length/element access for object arrays, and byte arrays (the
// type native code most commonly exchanges buffers through). The other
// seven primitive array element types fall through to the unimplemented
// stub rather than duplicating this shape seven more times without a
// concrete caller exercising them.
func (t *Trampoline) addArrayHandlers(slots map[int]svcmem.Handler) {
	slots[slotGetArrayLength] = func(uint16) {
		obj, _ := t.vm.GetObject(t.cpu.X(1))
		if obj == nil {
			_ = t.cpu.SetX(0, 0)
			return
		}
		switch obj.Kind {
		case dalvik.KindByteArray:
			_ = t.cpu.SetX(0, uint64(len(obj.Bytes)))
		case dalvik.KindObjectArray:
			_ = t.cpu.SetX(0, uint64(len(obj.Objects)))
		default:
			_ = t.cpu.SetX(0, 0)
		}
	}

	slots[slotNewByteArray] = func(uint16) {
		length := int(int32(t.cpu.X(1)))
		if length < 0 {
			length = 0
		}
		_ = t.cpu.SetX(0, t.vm.NewLocalRef(dalvik.NewByteArrayObject(length)))
	}

	slots[slotNewObjectArray] = func(uint16) {
		length := int(int32(t.cpu.X(1)))
		if length < 0 {
			length = 0
		}
		classObj, _ := t.vm.GetObject(t.cpu.X(2))
		var class *dalvik.DvmClass
		if classObj != nil {
			class = classObj.Class
		}
		arr := dalvik.NewObjectArrayObject(length, class)
		init := t.cpu.X(3)
		if init != 0 {
			for i := range arr.Objects {
				arr.Objects[i] = init
			}
		}
		_ = t.cpu.SetX(0, t.vm.NewLocalRef(arr))
	}

	slots[slotGetObjArrayElem] = func(uint16) {
		arr, _ := t.vm.GetObject(t.cpu.X(1))
		index := int(int32(t.cpu.X(2)))
		if arr == nil || index < 0 || index >= len(arr.Objects) {
			_ = t.cpu.SetX(0, 0)
			return
		}
		_ = t.cpu.SetX(0, arr.Objects[index])
	}
	slots[slotSetObjArrayElem] = func(uint16) {
		arr, _ := t.vm.GetObject(t.cpu.X(1))
		index := int(int32(t.cpu.X(2)))
		if arr == nil || index < 0 || index >= len(arr.Objects) {
			return
		}
		arr.Objects[index] = t.cpu.X(3)
	}

	slots[slotGetByteArrayElems] = func(uint16) {
		arr, _ := t.vm.GetObject(t.cpu.X(1))
		if arr == nil {
			_ = t.cpu.SetX(0, 0)
			return
		}
		addr := t.cpu.Malloc(uint64(len(arr.Bytes)))
		_ = t.cpu.MemWrite(addr, arr.Bytes)
		if isCopy := t.cpu.X(2); isCopy != 0 {
			_ = t.cpu.MemWriteU64(isCopy, 0)
		}
		_ = t.cpu.SetX(0, addr)
	}
	slots[slotRelByteArrayElems] = func(uint16) {
		arr, _ := t.vm.GetObject(t.cpu.X(1))
		if arr == nil {
			return
		}
		buf, err := t.cpu.MemRead(t.cpu.X(2), uint64(len(arr.Bytes)))
		if err == nil {
			copy(arr.Bytes, buf)
		}
	}

	slots[slotGetByteArrayRegion] = func(uint16) {
		arr, _ := t.vm.GetObject(t.cpu.X(1))
		start := int(int32(t.cpu.X(2)))
		length := int(int32(t.cpu.X(3)))
		dst := t.cpu.X(4)
		if arr == nil || start < 0 || length < 0 || start+length > len(arr.Bytes) {
			return
		}
		_ = t.cpu.MemWrite(dst, arr.Bytes[start:start+length])
	}
	slots[slotSetByteArrayRegion] = func(uint16) {
		arr, _ := t.vm.GetObject(t.cpu.X(1))
		start := int(int32(t.cpu.X(2)))
		length := int(int32(t.cpu.X(3)))
		src := t.cpu.X(4)
		if arr == nil || start < 0 || length < 0 || start+length > len(arr.Bytes) {
			return
		}
		buf, err := t.cpu.MemRead(src, uint64(length))
		if err == nil {
			copy(arr.Bytes[start:start+length], buf)
		}
	}
}
