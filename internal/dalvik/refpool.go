package dalvik

// Handle tags. An id is (tag<<32)|index. The three values
// are only required to be distinct from each other and from any value a
// loaded module's address range could produce; 1/2/3 satisfy that trivially
// since every real guest pointer in this emulator's address space has a
// nonzero low 32 bits or a high 32 bits far larger than 3 (see
// internal/emulator's StackBase/MMapBase/SVCBase constants).
const (
	TagClass  = 1
	TagGlobal = 2
	TagLocal  = 3
)

func encodeHandle(tag uint32, index int) uint64 {
	return (uint64(tag) << 32) | uint64(uint32(index))
}

func decodeHandle(h uint64) (tag uint32, index int) {
	return uint32(h >> 32), int(uint32(h))
}

// DecodeHandleTag exposes a handle's tag to callers outside the package
// (GetObjectRefType needs to classify a reference without unpacking it).
func DecodeHandleTag(h uint64) (tag uint32) {
	tag, _ = decodeHandle(h)
	return tag
}

// pool is a sparse list of DvmObjects with free-slot reuse: deleting an
// entry frees its index for the next insert, and ids are never reused
// across pools while a slot remains occupied.
type pool struct {
	tag     uint32
	entries []*DvmObject
	free    []int
}

func newPool(tag uint32) *pool {
	return &pool{tag: tag}
}

func (p *pool) insert(obj *DvmObject) uint64 {
	if n := len(p.free); n > 0 {
		idx := p.free[n-1]
		p.free = p.free[:n-1]
		p.entries[idx] = obj
		return encodeHandle(p.tag, idx)
	}
	idx := len(p.entries)
	p.entries = append(p.entries, obj)
	return encodeHandle(p.tag, idx)
}

func (p *pool) get(index int) (*DvmObject, bool) {
	if index < 0 || index >= len(p.entries) || p.entries[index] == nil {
		return nil, false
	}
	return p.entries[index], true
}

func (p *pool) delete(index int) bool {
	if index < 0 || index >= len(p.entries) || p.entries[index] == nil {
		return false
	}
	p.entries[index] = nil
	p.free = append(p.free, index)
	return true
}

// clear drops every live entry, used to reset the local-reference pool at
// every JNI return-to-Java boundary.
func (p *pool) clear() {
	p.entries = p.entries[:0]
	p.free = p.free[:0]
}
