package jnitramp

import "github.com/arm64sandbox/emulator/internal/dalvik"

// parseSignature decodes a JNI type descriptor ("(ILjava/lang/String;)Z")
// into the ordered argument kinds and the return kind, so the va-list and
// jvalue-array marshallers know how many slots to consume and how wide
// each one is.
func parseSignature(sig string) (args []dalvik.JniKind, ret dalvik.JniKind) {
	i := 0
	if i < len(sig) && sig[i] == '(' {
		i++
	}
	for i < len(sig) && sig[i] != ')' {
		kind, next := parseOneType(sig, i)
		args = append(args, kind)
		i = next
	}
	if i < len(sig) && sig[i] == ')' {
		i++
	}
	ret = dalvik.JVoid
	if i < len(sig) {
		ret, _ = parseOneType(sig, i)
	}
	return args, ret
}

// parseOneType reads a single field descriptor starting at i and returns
// its kind plus the index just past it. Array and object descriptors both
// collapse to JObject — the stub never materializes element types.
func parseOneType(sig string, i int) (dalvik.JniKind, int) {
	switch sig[i] {
	case 'Z':
		return dalvik.JBool, i + 1
	case 'B':
		return dalvik.JByte, i + 1
	case 'C':
		return dalvik.JChar, i + 1
	case 'S':
		return dalvik.JShort, i + 1
	case 'I':
		return dalvik.JInt, i + 1
	case 'J':
		return dalvik.JLong, i + 1
	case 'F':
		return dalvik.JFloat, i + 1
	case 'D':
		return dalvik.JDouble, i + 1
	case 'V':
		return dalvik.JVoid, i + 1
	case 'L':
		j := i + 1
		for j < len(sig) && sig[j] != ';' {
			j++
		}
		return dalvik.JObject, j + 1
	case '[':
		_, j := parseOneType(sig, i+1)
		return dalvik.JObject, j
	default:
		return dalvik.JInt, i + 1
	}
}
