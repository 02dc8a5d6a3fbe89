// Package dalvik implements the Dalvik/ART stub: the class/method/field
// registries, the global/local reference pools the JNI trampoline hands
// out handles from, and the pending-throwable exception slot. It is the
// callback surface internal/jnitramp delegates every JNI entry point to;
// the concrete Java object model and native method dispatch are supplied
// by the host through ClassResolver and Jni.
package dalvik

import (
	"fmt"
	"sync"
)

// ClassResolver maps a class name to a host-assigned class id, the way the
// embedder's real class loader would. Called lazily: the first JNI lookup
// that references a class name triggers resolution; results are cached in
// VM.classesByName/classesByID for the lifetime of the instance.
type ClassResolver interface {
	ResolveClass(name string) (classID uint32, ok bool)
}

// Jni is the host-implemented callback surface the trampoline layer
// dispatches every non-trivial JNI entry point to.
type Jni interface {
	ResolveMethod(vm *VM, class *DvmClass, name, signature string, isStatic bool) bool
	ResolveField(vm *VM, class *DvmClass, name, signature string, isStatic bool) bool
	CallMethodV(vm *VM, accBits uint32, class *DvmClass, method *DvmMethod, instance *DvmObject, va *VaList) JniValue
	GetFieldValue(vm *VM, class *DvmClass, field *DvmField, instance *DvmObject) JniValue
	SetFieldValue(vm *VM, class *DvmClass, field *DvmField, instance *DvmObject, value JniValue)
	Destroy()
}

// VM owns every piece of Dalvik-stub state for one emulator instance: the
// class registry, the two reference pools, and the pending exception.
// There is no package-level instance — callers reach it through
// Emulator.DalvikVM().
type VM struct {
	mu sync.Mutex

	resolver ClassResolver
	jni      Jni

	classesByName map[string]*DvmClass
	classesByID   map[uint32]*DvmClass
	nextClassID   uint32 // numbers the framework classes New registers

	global *pool
	local  *pool

	pending *DvmObject // the pending throwable, or nil
}

// New creates a VM with its reference pools ready and the framework
// classes (primitive arrays, java.lang.* essentials, the three JNI error
// types) pre-registered under synthetic sequential ids.
func New() *VM {
	vm := &VM{
		classesByName: make(map[string]*DvmClass),
		classesByID:   make(map[uint32]*DvmClass),
		global:        newPool(TagGlobal),
		local:         newPool(TagLocal),
		nextClassID:   1,
	}
	for _, name := range frameworkClasses {
		vm.registerClassLocked(name, vm.nextClassID)
		vm.nextClassID++
	}
	return vm
}

// SetClassResolver installs the host's class resolver. Must be called
// before any FindClass lookup the embedder expects to succeed for
// non-framework classes.
func (vm *VM) SetClassResolver(r ClassResolver) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.resolver = r
}

// SetJNI installs the host's JNI handler.
func (vm *VM) SetJNI(j Jni) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.jni = j
}

// JNI returns the installed handler, or nil if none was set.
func (vm *VM) JNI() Jni {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.jni
}

func (vm *VM) registerClassLocked(name string, id uint32) *DvmClass {
	c := newClass(id, name)
	vm.classesByName[name] = c
	vm.classesByID[id] = c
	return c
}

// FindClass resolves a class by name, consulting the framework set first,
// then the host ClassResolver, registering the result on first lookup.
func (vm *VM) FindClass(name string) (*DvmClass, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if c, ok := vm.classesByName[name]; ok {
		return c, true
	}
	if vm.resolver == nil {
		return nil, false
	}
	id, ok := vm.resolver.ResolveClass(name)
	if !ok {
		return nil, false
	}
	return vm.registerClassLocked(name, id), true
}

// ClassByID looks up a previously registered class by its numeric id.
func (vm *VM) ClassByID(id uint32) (*DvmClass, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	c, ok := vm.classesByID[id]
	return c, ok
}

// GetMethodID registers a method lazily: first consult the host resolver
// (which may veto), then append a DvmMethod record with
// id = class_id + len(members) + 1.
func (vm *VM) GetMethodID(class *DvmClass, name, signature string, isStatic bool) (*DvmMethod, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	key := memberKey(isStatic, name, signature)
	if m, ok := class.methodIdx[key]; ok {
		return m, nil
	}
	if vm.jni != nil && !vm.jni.ResolveMethod(vm, class, name, signature, isStatic) {
		vm.throwLocked(vm.newErrorLocked("java/lang/NoSuchMethodError", name+signature))
		return nil, fmt.Errorf("no such method %s%s", name, signature)
	}
	m := &DvmMethod{ID: class.nextMemberID(), Name: name, Signature: signature, IsStatic: isStatic}
	class.Members = append(class.Members, m)
	class.methodIdx[key] = m
	return m, nil
}

// GetFieldID is GetMethodID's field-side counterpart.
func (vm *VM) GetFieldID(class *DvmClass, name, signature string, isStatic bool) (*DvmField, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	key := memberKey(isStatic, name, signature)
	if f, ok := class.fieldIdx[key]; ok {
		return f, nil
	}
	if vm.jni != nil && !vm.jni.ResolveField(vm, class, name, signature, isStatic) {
		vm.throwLocked(vm.newErrorLocked("java/lang/NoSuchFieldError", name))
		return nil, fmt.Errorf("no such field %s", name)
	}
	f := &DvmField{ID: class.nextMemberID(), Name: name, Signature: signature, IsStatic: isStatic}
	class.Members = append(class.Members, f)
	class.fieldIdx[key] = f
	return f, nil
}

func (vm *VM) newErrorLocked(className, message string) *DvmObject {
	c := vm.classesByName[className]
	return &DvmObject{Kind: KindInstance, Class: c, Data: message}
}

// --- Reference pools ---

// NewLocalRef inserts obj into the local pool and returns its handle.
func (vm *VM) NewLocalRef(obj *DvmObject) uint64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.local.insert(obj)
}

// NewGlobalRef promotes a handle into the global pool: a class handle is
// wrapped in a Class object first, an existing global ref is returned
// as-is, and a local ref's object is cloned into the global pool.
func (vm *VM) NewGlobalRef(handle uint64) (uint64, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	tag, idx := decodeHandle(handle)
	switch tag {
	case TagClass:
		class, ok := vm.classesByID[uint32(idx)]
		if !ok {
			return 0, false
		}
		return vm.global.insert(NewClassObject(class)), true
	case TagGlobal:
		if _, ok := vm.global.get(idx); !ok {
			return 0, false
		}
		return handle, true
	case TagLocal:
		obj, ok := vm.local.get(idx)
		if !ok {
			return 0, false
		}
		return vm.global.insert(obj), true
	default:
		return 0, false
	}
}

// DeleteLocalRef removes a handle from the local pool.
func (vm *VM) DeleteLocalRef(handle uint64) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	tag, idx := decodeHandle(handle)
	if tag != TagLocal {
		return false
	}
	return vm.local.delete(idx)
}

// DeleteGlobalRef removes a handle from the global pool.
func (vm *VM) DeleteGlobalRef(handle uint64) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	tag, idx := decodeHandle(handle)
	if tag != TagGlobal {
		return false
	}
	return vm.global.delete(idx)
}

// GetObject resolves any tagged handle (class/global/local) back to the
// DvmObject it names. Class handles are synthesized on the fly rather than
// stored, since FindClass returns a raw class id, not a pool entry.
func (vm *VM) GetObject(handle uint64) (*DvmObject, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.getObjectLocked(handle)
}

func (vm *VM) getObjectLocked(handle uint64) (*DvmObject, bool) {
	tag, idx := decodeHandle(handle)
	switch tag {
	case TagClass:
		c, ok := vm.classesByID[uint32(idx)]
		if !ok {
			return nil, false
		}
		return NewClassObject(c), true
	case TagGlobal:
		return vm.global.get(idx)
	case TagLocal:
		return vm.local.get(idx)
	default:
		return nil, false
	}
}

// ClassHandle returns the tagged handle for a registered class.
func ClassHandle(c *DvmClass) uint64 { return encodeHandle(TagClass, int(c.ID)) }

// IsSameObject compares two handles by underlying object identity (class
// handles compare by class id; pool handles by pointer identity of the
// stored DvmObject).
func (vm *VM) IsSameObject(a, b uint64) bool {
	if a == b {
		return true
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	oa, aok := vm.getObjectLocked(a)
	ob, bok := vm.getObjectLocked(b)
	if !aok || !bok {
		return false
	}
	return oa == ob
}

// ClearLocals empties the local-reference pool. Called by internal/vm's
// EFunc at the boundary that returns to Java-land: after every top-level
// EFunc call, JNI_OnLoad included.
func (vm *VM) ClearLocals() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.local.clear()
}

// --- Exceptions ---

// Throw sets the pending throwable directly (JNI's Throw/ThrowNew entry
// points).
func (vm *VM) Throw(obj *DvmObject) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.pending = obj
}

func (vm *VM) throwLocked(obj *DvmObject) { vm.pending = obj }

// ExceptionCheck reports whether a throwable is pending.
func (vm *VM) ExceptionCheck() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.pending != nil
}

// ExceptionOccurred returns the pending throwable, or nil.
func (vm *VM) ExceptionOccurred() *DvmObject {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.pending
}

// ExceptionClear removes any pending throwable.
func (vm *VM) ExceptionClear() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.pending = nil
}

// Destroy releases the host JNI handler, mirroring JavaVM's DestroyJavaVM.
func (vm *VM) Destroy() {
	vm.mu.Lock()
	j := vm.jni
	vm.mu.Unlock()
	if j != nil {
		j.Destroy()
	}
}
