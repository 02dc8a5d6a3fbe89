package jnitramp

import (
	"github.com/arm64sandbox/emulator/internal/dalvik"
	"github.com/arm64sandbox/emulator/internal/svcmem"
)

// addStringHandlers registers the modified-UTF-8 and UTF-16 string
// entry points. The UTF-16 ("Chars") variants are approximated as UTF-8
// copies — guest code that actually depends on two-byte-per-character
// layout is out of scope for this stub, a simplification recorded in
// the project notes rather than silently mishandled.
func (t *Trampoline) addStringHandlers(slots map[int]svcmem.Handler) {
	slots[slotNewStringUTF] = func(uint16) {
		s, _ := t.cpu.MemReadString(t.cpu.X(1), maxStringLen)
		_ = t.cpu.SetX(0, t.vm.NewLocalRef(dalvik.NewStringObject(s)))
	}
	slots[slotNewString] = slots[slotNewStringUTF]

	slots[slotGetStringUTFLength] = func(uint16) {
		obj, _ := t.vm.GetObject(t.cpu.X(1))
		if obj == nil {
			_ = t.cpu.SetX(0, 0)
			return
		}
		_ = t.cpu.SetX(0, uint64(len(obj.Str)))
	}
	slots[slotGetStringLength] = slots[slotGetStringUTFLength]

	slots[slotGetStringUTFChars] = func(uint16) {
		obj, _ := t.vm.GetObject(t.cpu.X(1))
		if obj == nil {
			_ = t.cpu.SetX(0, 0)
			return
		}
		addr := t.cpu.Malloc(uint64(len(obj.Str)) + 1)
		_ = t.cpu.MemWriteString(addr, obj.Str)
		if isCopyOut := t.cpu.X(2); isCopyOut != 0 {
			_ = t.cpu.MemWriteU64(isCopyOut, 0)
		}
		_ = t.cpu.SetX(0, addr)
	}
	slots[slotGetStringChars] = slots[slotGetStringUTFChars]

	slots[slotReleaseStringUTF] = func(uint16) {}
	slots[slotReleaseStringChars] = func(uint16) {}
}
