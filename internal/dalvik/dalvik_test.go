package dalvik

import "testing"

type mapResolver map[string]uint32

func (r mapResolver) ResolveClass(name string) (uint32, bool) {
	id, ok := r[name]
	return id, ok
}

// vetoJni accepts every method/field except the ones listed in deny.
type vetoJni struct {
	deny map[string]bool
}

func (j *vetoJni) ResolveMethod(vm *VM, c *DvmClass, name, sig string, isStatic bool) bool {
	return !j.deny[name]
}
func (j *vetoJni) ResolveField(vm *VM, c *DvmClass, name, sig string, isStatic bool) bool {
	return !j.deny[name]
}
func (j *vetoJni) CallMethodV(vm *VM, acc uint32, c *DvmClass, m *DvmMethod, o *DvmObject, va *VaList) JniValue {
	return Void()
}
func (j *vetoJni) GetFieldValue(vm *VM, c *DvmClass, f *DvmField, o *DvmObject) JniValue {
	return Null()
}
func (j *vetoJni) SetFieldValue(vm *VM, c *DvmClass, f *DvmField, o *DvmObject, v JniValue) {}
func (j *vetoJni) Destroy()                                                                {}

func TestFrameworkClassesPreRegistered(t *testing.T) {
	vm := New()
	for _, name := range []string{"java/lang/String", "java/lang/NoSuchMethodError", "[B"} {
		if _, ok := vm.FindClass(name); !ok {
			t.Errorf("framework class %q not pre-registered", name)
		}
	}
}

func TestFindClassThroughResolver(t *testing.T) {
	vm := New()
	vm.SetClassResolver(mapResolver{"com/example/Native": 1000})

	c, ok := vm.FindClass("com/example/Native")
	if !ok {
		t.Fatal("resolver-backed class not found")
	}
	if c.ID != 1000 {
		t.Errorf("class id = %d, want 1000", c.ID)
	}
	if _, ok := vm.FindClass("com/example/Missing"); ok {
		t.Error("unknown class resolved")
	}

	// Second lookup hits the cache, same instance.
	again, _ := vm.FindClass("com/example/Native")
	if again != c {
		t.Error("repeated FindClass returned a different instance")
	}
}

func TestHandleTagRoundTrip(t *testing.T) {
	for _, tag := range []uint32{TagClass, TagGlobal, TagLocal} {
		h := encodeHandle(tag, 41)
		gotTag, gotIdx := decodeHandle(h)
		if gotTag != tag || gotIdx != 41 {
			t.Errorf("decode(encode(%d, 41)) = (%d, %d)", tag, gotTag, gotIdx)
		}
		if DecodeHandleTag(h) != tag {
			t.Errorf("DecodeHandleTag = %d, want %d", DecodeHandleTag(h), tag)
		}
	}
}

func TestLocalRefLifecycle(t *testing.T) {
	vm := New()
	obj := &DvmObject{Kind: KindString, Str: "hello"}

	h := vm.NewLocalRef(obj)
	if got, ok := vm.GetObject(h); !ok || got != obj {
		t.Fatal("local ref does not resolve back to its object")
	}

	if !vm.DeleteLocalRef(h) {
		t.Fatal("DeleteLocalRef failed")
	}
	if _, ok := vm.GetObject(h); ok {
		t.Error("deleted local ref still resolves")
	}

	// The freed slot is reused by the next insert.
	h2 := vm.NewLocalRef(obj)
	if h2 != h {
		t.Errorf("freed slot not reused: %#x then %#x", h, h2)
	}
}

func TestClearLocalsEmptiesPool(t *testing.T) {
	vm := New()
	h1 := vm.NewLocalRef(&DvmObject{Kind: KindString, Str: "a"})
	h2 := vm.NewLocalRef(&DvmObject{Kind: KindString, Str: "b"})

	vm.ClearLocals()
	if _, ok := vm.GetObject(h1); ok {
		t.Error("local ref survived ClearLocals")
	}
	if _, ok := vm.GetObject(h2); ok {
		t.Error("local ref survived ClearLocals")
	}
}

func TestNewGlobalRefIdempotentOnGlobals(t *testing.T) {
	vm := New()
	obj := &DvmObject{Kind: KindInstance}

	local := vm.NewLocalRef(obj)
	global, ok := vm.NewGlobalRef(local)
	if !ok {
		t.Fatal("promoting local to global failed")
	}
	if DecodeHandleTag(global) != TagGlobal {
		t.Fatalf("promoted handle tag = %d", DecodeHandleTag(global))
	}

	again, ok := vm.NewGlobalRef(global)
	if !ok || again != global {
		t.Errorf("NewGlobalRef(global) = (%#x, %v), want (%#x, true)", again, ok, global)
	}

	// The global survives clearing locals.
	vm.ClearLocals()
	if got, ok := vm.GetObject(global); !ok || got != obj {
		t.Error("global ref lost after ClearLocals")
	}
}

func TestNewGlobalRefFromClassHandle(t *testing.T) {
	vm := New()
	c, _ := vm.FindClass("java/lang/String")

	g, ok := vm.NewGlobalRef(ClassHandle(c))
	if !ok {
		t.Fatal("promoting class handle failed")
	}
	obj, ok := vm.GetObject(g)
	if !ok || obj.Kind != KindClass || obj.Class != c {
		t.Error("promoted class global does not wrap the class")
	}
}

func TestIsSameObject(t *testing.T) {
	vm := New()
	obj := &DvmObject{Kind: KindInstance}

	l := vm.NewLocalRef(obj)
	g, _ := vm.NewGlobalRef(l)
	if !vm.IsSameObject(l, g) {
		t.Error("local and its promoted global should be the same object")
	}

	other := vm.NewLocalRef(&DvmObject{Kind: KindInstance})
	if vm.IsSameObject(l, other) {
		t.Error("distinct objects reported same")
	}
}

func TestGetMethodIDLazyRegistration(t *testing.T) {
	vm := New()
	vm.SetJNI(&vetoJni{deny: map[string]bool{"missing": true}})
	c, _ := vm.FindClass("java/lang/String")

	m1, err := vm.GetMethodID(c, "length", "()I", false)
	if err != nil {
		t.Fatalf("GetMethodID: %v", err)
	}
	if m1.ID != c.ID+1 {
		t.Errorf("first member id = %d, want %d", m1.ID, c.ID+1)
	}

	// Same lookup returns the cached record, not a new id.
	m2, _ := vm.GetMethodID(c, "length", "()I", false)
	if m2 != m1 {
		t.Error("repeated GetMethodID minted a new record")
	}

	f, err := vm.GetFieldID(c, "count", "I", false)
	if err != nil {
		t.Fatalf("GetFieldID: %v", err)
	}
	if f.ID != c.ID+2 {
		t.Errorf("second member id = %d, want %d", f.ID, c.ID+2)
	}

	if got, ok := c.MethodByID(m1.ID); !ok || got != m1 {
		t.Error("MethodByID lookup failed")
	}
	if got, ok := c.FieldByID(f.ID); !ok || got != f {
		t.Error("FieldByID lookup failed")
	}
}

func TestVetoedMethodThrows(t *testing.T) {
	vm := New()
	vm.SetJNI(&vetoJni{deny: map[string]bool{"missing": true}})
	c, _ := vm.FindClass("java/lang/String")

	if _, err := vm.GetMethodID(c, "missing", "()V", false); err == nil {
		t.Fatal("vetoed method did not error")
	}
	if !vm.ExceptionCheck() {
		t.Fatal("vetoed method did not set the pending throwable")
	}
	thrown := vm.ExceptionOccurred()
	if thrown == nil || thrown.Class == nil || thrown.Class.Name != "java/lang/NoSuchMethodError" {
		t.Errorf("pending throwable = %+v, want NoSuchMethodError", thrown)
	}

	vm.ExceptionClear()
	if vm.ExceptionCheck() {
		t.Error("ExceptionClear left the throwable pending")
	}
}

type fakeMem map[uint64]uint64

func (m fakeMem) MemReadU64(addr uint64) (uint64, error) { return m[addr], nil }

func TestVaListReading(t *testing.T) {
	mem := fakeMem{}

	// va_list struct at 0x100: stack, gr_top, vr_top, then gr_offs (-16)
	// and vr_offs (-32) packed as two i32s in one word.
	const vaAddr = 0x100
	mem[vaAddr] = 0x9000                    // stack
	mem[vaAddr+8] = 0x8000                  // gr_top
	mem[vaAddr+16] = 0x7000                 // vr_top
	var grOffs32, vrOffs32 int32 = -16, -32
	grOffs := uint64(uint32(grOffs32))
	vrOffs := uint64(uint32(vrOffs32))
	mem[vaAddr+24] = grOffs | vrOffs<<32

	// Two integer args in the GP save area, two doubles in the vector one.
	mem[0x8000-16] = 111
	mem[0x8000-8] = 222
	mem[0x7000-32] = 0x3FF0000000000000 // 1.0
	mem[0x7000-16] = 0x4000000000000000 // 2.0

	va, err := ReadVaList(mem, vaAddr)
	if err != nil {
		t.Fatalf("ReadVaList: %v", err)
	}
	if va.GrOffs != -16 || va.VrOffs != -32 {
		t.Fatalf("offsets = (%d, %d), want (-16, -32)", va.GrOffs, va.VrOffs)
	}

	if v, _ := va.NextInt(mem); v != 111 {
		t.Errorf("first int arg = %d, want 111", v)
	}
	if v, _ := va.NextInt(mem); v != 222 {
		t.Errorf("second int arg = %d, want 222", v)
	}
	if v, _ := va.NextFloat(mem); v != 0x3FF0000000000000 {
		t.Errorf("first fp arg = %#x, want 1.0 bits", v)
	}
	if v, _ := va.NextFloat(mem); v != 0x4000000000000000 {
		t.Errorf("second fp arg = %#x, want 2.0 bits", v)
	}
}
