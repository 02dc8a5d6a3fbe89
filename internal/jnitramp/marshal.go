package jnitramp

import "github.com/arm64sandbox/emulator/internal/dalvik"

// decodeJvalue interprets one raw 8-byte register/jvalue slot as a
// JniValue of the given kind. Used for the single-value Set*Field family,
// where the host callback expects an already-typed value rather than a
// va_list to parse itself.
func decodeJvalue(vm *dalvik.VM, k dalvik.JniKind, raw uint64) dalvik.JniValue {
	switch k {
	case dalvik.JFloat:
		return dalvik.Float(float32FromBits(uint32(raw)))
	case dalvik.JDouble:
		return dalvik.Double(float64FromBits(raw))
	case dalvik.JObject:
		obj, _ := vm.GetObject(raw)
		return dalvik.Object(obj)
	case dalvik.JLong:
		return dalvik.Long(int64(raw))
	case dalvik.JBool:
		return dalvik.Bool(raw != 0)
	case dalvik.JByte:
		return dalvik.Byte(int8(raw))
	case dalvik.JChar:
		return dalvik.Char(uint16(raw))
	case dalvik.JShort:
		return dalvik.Short(int16(raw))
	default:
		return dalvik.Int(int32(raw))
	}
}

// buildSyntheticVa re-packs argument words already pulled out of guest
// registers (the plain Call*Method variant) or a jvalue array (the
// Call*MethodA variant) into the gr/vr save-area layout a real guest
// va_list would have, so both variants can hand the host's CallMethodV
// callback the same *dalvik.VaList the V variant forwards directly. raws
// holds one widened 8-byte word per argument in declaration order; floats
// and doubles are expected already bit-cast into that word's low bits.
func (t *Trampoline) buildSyntheticVa(kinds []dalvik.JniKind, raws []uint64) *dalvik.VaList {
	var grWords, vrWords []uint64
	for i, k := range kinds {
		if k == dalvik.JFloat || k == dalvik.JDouble {
			vrWords = append(vrWords, raws[i])
		} else {
			grWords = append(grWords, raws[i])
		}
	}

	for i, w := range grWords {
		_ = t.cpu.MemWriteU64(t.scratchGR+uint64(i)*8, w)
	}
	for i, w := range vrWords {
		_ = t.cpu.MemWriteU64(t.scratchVR+uint64(i)*16, w)
	}

	grLen := uint64(len(grWords)) * 8
	vrLen := uint64(len(vrWords)) * 16
	return &dalvik.VaList{
		GrTop:  t.scratchGR + grLen,
		VrTop:  t.scratchVR + vrLen,
		GrOffs: -int32(grLen),
		VrOffs: -int32(vrLen),
	}
}

// writeResult stores a JNI handler's return value in the register the
// calling convention expects it in: X0 for everything except float/double,
// which go in D0. Object results are inserted into the local
// reference pool to obtain the handle written back to the guest. A void
// result writes nothing.
func (t *Trampoline) writeResult(vm *dalvik.VM, v dalvik.JniValue) {
	switch v.Kind {
	case dalvik.JVoid:
		return
	case dalvik.JFloat:
		_ = t.cpu.SetD(0, uint64(float32Bits(v.F32)))
	case dalvik.JDouble:
		_ = t.cpu.SetD(0, float64Bits(v.F64))
	case dalvik.JObject, dalvik.JNull:
		if v.Obj == nil {
			_ = t.cpu.SetX(0, 0)
			return
		}
		_ = t.cpu.SetX(0, vm.NewLocalRef(v.Obj))
	default:
		_ = t.cpu.SetX(0, uint64(v.I64))
	}
}
