package dalvik

// ObjectKind discriminates the DvmObject tagged union: a class, a plain
// instance, a string, a byte array, an object array, an opaque data blob,
// or an indirect reference to a global.
type ObjectKind int

const (
	KindClass ObjectKind = iota
	KindInstance
	KindString
	KindByteArray
	KindObjectArray
	KindData
	KindGlobalRef // indirectly refers to another handle, used by NewWeakGlobalRef
)

// DvmObject is the stub's sole object representation. Only the fields
// relevant to Kind are populated; the rest are zero.
type DvmObject struct {
	Kind  ObjectKind
	Class *DvmClass

	Str     string   // KindString
	Bytes   []byte   // KindByteArray
	Objects []uint64 // KindObjectArray: element handles
	Data    any       // KindData: opaque host-side payload

	Indirect uint64 // KindGlobalRef: the handle this weak/global ref points at
}

// NewStringObject wraps a Go string as a DvmObject of kind KindString.
func NewStringObject(s string) *DvmObject { return &DvmObject{Kind: KindString, Str: s} }

// NewByteArrayObject wraps length bytes of zeroed storage as a DvmObject.
func NewByteArrayObject(length int) *DvmObject {
	return &DvmObject{Kind: KindByteArray, Bytes: make([]byte, length)}
}

// NewObjectArrayObject allocates an object array of length elements, each
// initially the null handle (0).
func NewObjectArrayObject(length int, class *DvmClass) *DvmObject {
	return &DvmObject{Kind: KindObjectArray, Class: class, Objects: make([]uint64, length)}
}

// NewClassObject wraps a DvmClass so it can be promoted into a reference
// pool (NewGlobalRef on a raw class handle requires this wrapping — the
// class registry itself is not a pool entry).
func NewClassObject(c *DvmClass) *DvmObject { return &DvmObject{Kind: KindClass, Class: c} }

// Member is implemented by *DvmMethod and *DvmField; both live in one
// class's Members list sharing one id sequence,
// id = class_id + len(members) + 1.
type Member interface {
	memberID() uint32
	memberName() string
}

// DvmMethod is a lazily-registered method record.
type DvmMethod struct {
	ID        uint32
	Name      string
	Signature string
	IsStatic  bool
}

func (m *DvmMethod) memberID() uint32   { return m.ID }
func (m *DvmMethod) memberName() string { return m.Name }

// DvmField is a lazily-registered field record.
type DvmField struct {
	ID        uint32
	Name      string
	Signature string
	IsStatic  bool
}

func (f *DvmField) memberID() uint32   { return f.ID }
func (f *DvmField) memberName() string { return f.Name }

// DvmClass is a registered class: a sequential id from the host
// ClassResolver, and the lazily-populated method/field records
// GetMethodID/GetFieldID append to as native code looks them up.
type DvmClass struct {
	ID      uint32
	Name    string
	Members []Member

	methodIdx map[string]*DvmMethod // "name\x00sig" or "static:name\x00sig" -> record
	fieldIdx  map[string]*DvmField
}

func newClass(id uint32, name string) *DvmClass {
	return &DvmClass{
		ID:        id,
		Name:      name,
		methodIdx: make(map[string]*DvmMethod),
		fieldIdx:  make(map[string]*DvmField),
	}
}

func memberKey(static bool, name, sig string) string {
	if static {
		return "static:" + name + "\x00" + sig
	}
	return name + "\x00" + sig
}

func (c *DvmClass) nextMemberID() uint32 {
	return c.ID + uint32(len(c.Members)) + 1
}

// MethodByID finds a previously registered method by its numeric id,
// searching only this class's own member list (JNI never asks a class for
// a methodID that belongs to another class).
func (c *DvmClass) MethodByID(id uint32) (*DvmMethod, bool) {
	for _, m := range c.Members {
		if method, ok := m.(*DvmMethod); ok && method.ID == id {
			return method, true
		}
	}
	return nil, false
}

// FieldByID is MethodByID's field-side counterpart.
func (c *DvmClass) FieldByID(id uint32) (*DvmField, bool) {
	for _, m := range c.Members {
		if field, ok := m.(*DvmField); ok && field.ID == id {
			return field, true
		}
	}
	return nil, false
}

// frameworkClasses is the small fixed set auto-registered at VM creation:
// the eight primitive array types, the common java.lang.* types guest code
// unconditionally assumes exist, and the three JNI error classes the
// trampoline layer itself may need to throw.
var frameworkClasses = []string{
	"[Z", "[B", "[C", "[S", "[I", "[J", "[F", "[D",
	"java/lang/Object",
	"java/lang/Class",
	"java/lang/String",
	"java/lang/Throwable",
	"java/lang/Exception",
	"java/lang/RuntimeException",
	"java/lang/NoSuchMethodError",
	"java/lang/NoSuchFieldError",
	"java/lang/OutOfMemoryError",
}
