package jnitramp

import "github.com/arm64sandbox/emulator/internal/dalvik"

// Slot indices for the JNIEnv function table, matching the published
// jni.h layout (four reserved slots before GetVersion). Only the entries
// this package gives a concrete handler are named; everything else in
// [0, envTableLen) defaults to the unimplemented stub.
const (
	slotGetVersion  = 4
	slotFindClass   = 6
	slotThrow       = 13
	slotThrowNew    = 14
	slotExcOccurred = 15
	slotExcDescribe = 16
	slotExcClear    = 17
	slotFatalError  = 18
	slotPushFrame   = 19
	slotPopFrame    = 20
	slotNewGlobal   = 21
	slotDelGlobal   = 22
	slotDelLocal    = 23
	slotIsSameObj   = 24
	slotNewLocal    = 25
	slotEnsureCap   = 26
	slotAllocObject = 27

	slotCallMethodBase = 34 // 10 kinds x 3 variants (plain/V/A) = 30 slots, 34-63

	slotGetObjectClass = 31
	slotIsInstanceOf   = 32
	slotGetMethodID    = 33

	slotCallNonvirtualBase = 64 // 10 kinds x 3 variants, 64-93

	slotGetFieldID  = 94
	slotGetFieldBase = 95 // 9 kinds, 95-103
	slotSetFieldBase = 104 // 9 kinds, 104-112

	slotGetStaticMethodID = 113
	slotCallStaticBase    = 114 // 10 kinds x 3 variants, 114-143

	slotGetStaticFieldID  = 144
	slotGetStaticFieldBase = 145 // 9 kinds, 145-153
	slotSetStaticFieldBase = 154 // 9 kinds, 154-162

	slotNewString          = 163
	slotGetStringLength    = 164
	slotGetStringChars     = 165
	slotReleaseStringChars = 166
	slotNewStringUTF       = 167
	slotGetStringUTFLength = 168
	slotGetStringUTFChars  = 169
	slotReleaseStringUTF   = 170
	slotGetArrayLength     = 171
	slotNewObjectArray     = 172
	slotGetObjArrayElem    = 173
	slotSetObjArrayElem    = 174
	slotNewByteArray       = 176
	slotGetByteArrayElems  = 184
	slotRelByteArrayElems  = 192
	slotGetByteArrayRegion = 200
	slotSetByteArrayRegion = 208
	slotRegisterNatives    = 215
	slotUnregisterNatives  = 216
	slotMonitorEnter       = 217
	slotMonitorExit        = 218
	slotGetJavaVM          = 219
	slotExceptionCheck     = 228
	slotNewWeakGlobal      = 226
	slotDelWeakGlobal      = 227
	slotGetObjectRefType   = 232

	envTableLen = 240
)

// callKinds is the fixed 10-type order the three Call*Method families
// (virtual, nonvirtual, static) iterate, each type getting three
// consecutive slots: plain, V (va_list), A (jvalue array).
var callKinds = []dalvik.JniKind{
	dalvik.JObject, dalvik.JBool, dalvik.JByte, dalvik.JChar, dalvik.JShort,
	dalvik.JInt, dalvik.JLong, dalvik.JFloat, dalvik.JDouble, dalvik.JVoid,
}

// fieldKinds is the 9-type order the Get/Set*Field families iterate (no
// Void — a field is never typed void).
var fieldKinds = []dalvik.JniKind{
	dalvik.JObject, dalvik.JBool, dalvik.JByte, dalvik.JChar, dalvik.JShort,
	dalvik.JInt, dalvik.JLong, dalvik.JFloat, dalvik.JDouble,
}

const (
	javaVMDestroy     = 0
	javaVMAttach      = 1
	javaVMDetach      = 2
	javaVMGetEnv      = 3
	javaVMAttachDaemon = 4
	javaVMReserved    = 3 // physical table offset: 3 reserved slots precede these
	javaVMTableLen    = javaVMReserved + 5
)

// methodDispatch identifies which of the three Call*Method families a
// generated handler belongs to — they differ only in where the object/
// class/methodID arguments sit in the register file.
type methodDispatch int

const (
	dispatchVirtual methodDispatch = iota
	dispatchNonvirtual
	dispatchStatic
)

// callVariant identifies how the trailing arguments are packaged.
type callVariant int

const (
	variantPlain callVariant = iota
	variantV
	variantA
)
