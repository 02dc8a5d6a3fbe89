package dalvik

// JniKind discriminates the JniValue sum type: the set of JNI primitive
// return/argument types plus Void, Null, and Object.
type JniKind int

const (
	JVoid JniKind = iota
	JNull
	JBool
	JByte
	JChar
	JShort
	JInt
	JLong
	JFloat
	JDouble
	JObject
)

// JniValue is the value a JNI handler callback returns from CallMethodV/
// GetFieldValue, or accepts into SetFieldValue. Integer-family kinds are
// carried widened in I64; Float/Double get their own fields since AArch64
// returns them via V0/D0, a different register file than X0.
type JniValue struct {
	Kind JniKind
	I64  int64
	F32  float32
	F64  float64
	Obj  *DvmObject
}

func Void() JniValue { return JniValue{Kind: JVoid} }
func Null() JniValue { return JniValue{Kind: JNull} }

func Bool(v bool) JniValue {
	if v {
		return JniValue{Kind: JBool, I64: 1}
	}
	return JniValue{Kind: JBool, I64: 0}
}

func Byte(v int8) JniValue     { return JniValue{Kind: JByte, I64: int64(v)} }
func Char(v uint16) JniValue   { return JniValue{Kind: JChar, I64: int64(v)} }
func Short(v int16) JniValue   { return JniValue{Kind: JShort, I64: int64(v)} }
func Int(v int32) JniValue     { return JniValue{Kind: JInt, I64: int64(v)} }
func Long(v int64) JniValue    { return JniValue{Kind: JLong, I64: v} }
func Float(v float32) JniValue { return JniValue{Kind: JFloat, F32: v} }
func Double(v float64) JniValue { return JniValue{Kind: JDouble, F64: v} }

func Object(o *DvmObject) JniValue {
	if o == nil {
		return Null()
	}
	return JniValue{Kind: JObject, Obj: o}
}

// IsVoid reports whether the handler produced no return value — the
// trampoline signals this to the guest by writing no register at all.
func (v JniValue) IsVoid() bool { return v.Kind == JVoid }

// Memory is the minimal guest-memory surface VaList needs: plain integer
// reads, so this package does not depend on the CPU backend directly.
type Memory interface {
	MemReadU64(addr uint64) (uint64, error)
}

// VaList mirrors the AArch64 variadic-argument save area a guest passes a
// pointer to for every `*MethodV` JNI entry point. The layout
// and increments here are a load-bearing data contract, not a convenience —
// integer/pointer args come from GrTop-|GrOffs| advancing by 8 bytes,
// float/double args from VrTop-|VrOffs| advancing by 16 bytes.
type VaList struct {
	Stack  uint64
	GrTop  uint64
	VrTop  uint64
	GrOffs int32
	VrOffs int32
}

// ReadVaList parses the five-word va_list structure at addr.
func ReadVaList(mem Memory, addr uint64) (*VaList, error) {
	stack, err := mem.MemReadU64(addr)
	if err != nil {
		return nil, err
	}
	grTop, err := mem.MemReadU64(addr + 8)
	if err != nil {
		return nil, err
	}
	vrTop, err := mem.MemReadU64(addr + 16)
	if err != nil {
		return nil, err
	}
	offs, err := mem.MemReadU64(addr + 24) // gr_offs (i32) and vr_offs (i32) packed together
	if err != nil {
		return nil, err
	}
	return &VaList{
		Stack:  stack,
		GrTop:  grTop,
		VrTop:  vrTop,
		GrOffs: int32(uint32(offs)),
		VrOffs: int32(uint32(offs >> 32)),
	}, nil
}

// NextInt pulls the next 8-byte integer/pointer argument, advancing GrOffs.
func (v *VaList) NextInt(mem Memory) (uint64, error) {
	addr := uint64(int64(v.GrTop) + int64(v.GrOffs))
	val, err := mem.MemReadU64(addr)
	if err != nil {
		return 0, err
	}
	v.GrOffs += 8
	return val, nil
}

// NextFloat pulls the next floating-point argument's raw 8 bytes,
// advancing VrOffs by 16 (each AArch64 v-register slot is 16 bytes wide
// even though only the low 8 are used by JNI's double/float arguments).
func (v *VaList) NextFloat(mem Memory) (uint64, error) {
	addr := uint64(int64(v.VrTop) + int64(v.VrOffs))
	val, err := mem.MemReadU64(addr)
	if err != nil {
		return 0, err
	}
	v.VrOffs += 16
	return val, nil
}
