package jnitramp

import (
	"github.com/arm64sandbox/emulator/internal/dalvik"
	"github.com/arm64sandbox/emulator/internal/svcmem"
)

// addMethodFamily registers the 30 slots (10 kinds x 3 variants) of one
// Call*Method family starting at base: dispatchVirtual for plain
// Call*Method, dispatchNonvirtual for CallNonvirtual*Method, dispatchStatic
// for CallStatic*Method.
func (t *Trampoline) addMethodFamily(slots map[int]svcmem.Handler, base int, disp methodDispatch) {
	for i, kind := range callKinds {
		for v := 0; v < 3; v++ {
			slot := base + i*3 + v
			k := kind
			variant := callVariant(v)
			slots[slot] = func(uint16) { t.callMethod(disp, variant, k) }
		}
	}
}

// registerArgsFor returns the X-register indexes holding the receiver,
// class, method id, and first extra argument for one dispatch kind, per
// the three JNI calling conventions.
func registerArgsFor(disp methodDispatch) (objReg, classReg, midReg, firstExtra int) {
	switch disp {
	case dispatchVirtual:
		return 1, -1, 2, 3
	case dispatchNonvirtual:
		return 1, 2, 3, 4
	default: // dispatchStatic: arg1 is the class, no separate instance
		return -1, 1, 2, 3
	}
}

func (t *Trampoline) callMethod(disp methodDispatch, variant callVariant, retKind dalvik.JniKind) {
	jni := t.vm.JNI()
	if jni == nil {
		t.writeResult(t.vm, dalvik.Void())
		return
	}

	objReg, classReg, midReg, firstExtra := registerArgsFor(disp)

	var instance *dalvik.DvmObject
	var class *dalvik.DvmClass
	if objReg >= 0 {
		instance, _ = t.vm.GetObject(t.cpu.X(objReg))
		if instance != nil {
			class = instance.Class
		}
	}
	if classReg >= 0 {
		classObj, ok := t.vm.GetObject(t.cpu.X(classReg))
		if ok {
			class = classObj.Class
		}
	}
	if class == nil {
		t.writeResult(t.vm, dalvik.Void())
		return
	}

	method, ok := class.MethodByID(uint32(t.cpu.X(midReg)))
	if !ok {
		t.writeResult(t.vm, dalvik.Void())
		return
	}

	argKinds, _ := parseSignature(method.Signature)

	var va *dalvik.VaList
	switch variant {
	case variantV:
		va, _ = dalvik.ReadVaList(t.cpu, t.cpu.X(firstExtra))
	case variantA:
		raws := make([]uint64, len(argKinds))
		arr := t.cpu.X(firstExtra)
		for i := range argKinds {
			raws[i], _ = t.cpu.MemReadU64(arr + uint64(i)*8)
		}
		va = t.buildSyntheticVa(argKinds, raws)
	default: // variantPlain
		// Integer-class args occupy consecutive X registers after the
		// fixed ones; float/double args have their own D-register file.
		raws := make([]uint64, len(argKinds))
		gp, fp := firstExtra, 0
		for i, k := range argKinds {
			if k == dalvik.JFloat || k == dalvik.JDouble {
				raws[i] = t.cpu.D(fp)
				fp++
			} else if gp <= 7 {
				raws[i] = t.cpu.X(gp)
				gp++
			}
		}
		va = t.buildSyntheticVa(argKinds, raws)
	}

	var accBits uint32
	if method.IsStatic {
		accBits = 1
	}
	result := jni.CallMethodV(t.vm, accBits, class, method, instance, va)
	t.writeResult(t.vm, result)
}

// addFieldFamily registers the 9-kind Get*Field/Set*Field (or
// GetStatic*Field/SetStatic*Field) slot ranges.
func (t *Trampoline) addFieldFamily(slots map[int]svcmem.Handler, getBase, setBase int, static bool) {
	for i, kind := range fieldKinds {
		k := kind
		getSlot := getBase + i
		setSlot := setBase + i
		slots[getSlot] = func(uint16) { t.getField(static, k) }
		slots[setSlot] = func(uint16) { t.setField(static, k) }
	}
}

func (t *Trampoline) getField(static bool, kind dalvik.JniKind) {
	jni := t.vm.JNI()
	if jni == nil {
		t.writeResult(t.vm, dalvik.Void())
		return
	}
	var instance *dalvik.DvmObject
	var class *dalvik.DvmClass
	if static {
		classObj, _ := t.vm.GetObject(t.cpu.X(1))
		if classObj != nil {
			class = classObj.Class
		}
	} else {
		instance, _ = t.vm.GetObject(t.cpu.X(1))
		if instance != nil {
			class = instance.Class
		}
	}
	if class == nil {
		t.writeResult(t.vm, dalvik.Void())
		return
	}
	field, ok := class.FieldByID(uint32(t.cpu.X(2)))
	if !ok {
		t.writeResult(t.vm, dalvik.Void())
		return
	}
	t.writeResult(t.vm, jni.GetFieldValue(t.vm, class, field, instance))
}

func (t *Trampoline) setField(static bool, kind dalvik.JniKind) {
	jni := t.vm.JNI()
	if jni == nil {
		return
	}
	var instance *dalvik.DvmObject
	var class *dalvik.DvmClass
	valueReg := 3
	if static {
		classObj, _ := t.vm.GetObject(t.cpu.X(1))
		if classObj != nil {
			class = classObj.Class
		}
	} else {
		instance, _ = t.vm.GetObject(t.cpu.X(1))
		if instance != nil {
			class = instance.Class
		}
	}
	if class == nil {
		return
	}
	field, ok := class.FieldByID(uint32(t.cpu.X(2)))
	if !ok {
		return
	}
	raw := t.cpu.X(valueReg)
	if kind == dalvik.JFloat || kind == dalvik.JDouble {
		raw = t.cpu.D(0)
	}
	jni.SetFieldValue(t.vm, class, field, instance, decodeJvalue(t.vm, kind, raw))
}
