package libc

import (
	"sync"

	"github.com/arm64sandbox/emulator/internal/config"
	"github.com/arm64sandbox/emulator/internal/emulator"
	"github.com/arm64sandbox/emulator/internal/stubs"
)

// Bionic's property limits (PROP_NAME_MAX / PROP_VALUE_MAX) and the
// prop_info record __system_property_find hands back: name[32], serial
// u32, value[92].
const (
	propNameMax  = 32
	propValueMax = 92
	propInfoSize = propNameMax + 4 + propValueMax
)

func init() {
	stubs.RegisterFunc("libc", "__system_property_get", stubSystemPropertyGet)
	stubs.RegisterFunc("libc", "__system_property_find", stubSystemPropertyFind)
	stubs.RegisterFunc("libc", "__system_property_read", stubSystemPropertyRead)
	stubs.RegisterFunc("libc", "__system_property_set", stubSystemPropertySet)
}

// printPropLog gates the per-lookup log line, observed once at process
// start like the rest of the config toggles.
var printPropLog = config.FromEnv().PrintSystemPropLog

// properties is the process's property store: a plausible default set for
// an arm64 API-23 image, extendable by the host (SetSystemProperty /
// SetSystemPropertyService) and by the guest through
// __system_property_set.
var (
	propMu      sync.Mutex
	properties  = map[string]string{
		"ro.build.version.sdk":     "23",
		"ro.build.version.release": "6.0",
		"ro.product.cpu.abi":       "arm64-v8a",
		"ro.product.manufacturer":  "Android",
		"ro.product.brand":         "Android",
		"ro.product.model":         "sdk_phone_arm64",
		"ro.hardware":              "goldfish",
		"ro.debuggable":            "0",
		"ro.secure":                "1",
		"persist.sys.timezone":     "GMT",
	}
	propService func(name string) (string, bool)
)

// SetSystemPropertyService installs a host callback consulted before the
// built-in table, so an embedder can answer property reads dynamically
// (device fingerprints, per-run serials) without pre-seeding every name.
func SetSystemPropertyService(fn func(name string) (string, bool)) {
	propMu.Lock()
	defer propMu.Unlock()
	propService = fn
}

// SetSystemProperty seeds or overrides one property from host code.
func SetSystemProperty(name, value string) {
	propMu.Lock()
	defer propMu.Unlock()
	properties[name] = value
}

func lookupProperty(name string) (string, bool) {
	// ro.kernel.qemu and libc.debug.malloc always read empty: bionic's
	// own callers probe them to detect emulators and debug allocators,
	// and the answer this process wants to give is "neither".
	switch name {
	case "ro.kernel.qemu", "libc.debug.malloc":
		return "", false
	}

	propMu.Lock()
	defer propMu.Unlock()
	if propService != nil {
		if v, ok := propService(name); ok {
			return v, true
		}
	}
	v, ok := properties[name]
	return v, ok
}

func logProp(name, detail string) {
	if printPropLog {
		stubs.DefaultRegistry.Log("libc", name, detail)
	}
}

func stubSystemPropertyGet(emu *emulator.Emulator) bool {
	// int __system_property_get(const char *name, char *value)
	name, _ := emu.MemReadString(emu.X(0), propNameMax)
	out := emu.X(1)
	logProp("__system_property_get", name)

	value, ok := lookupProperty(name)
	if !ok || out == 0 {
		if out != 0 {
			emu.MemWrite(out, []byte{0})
		}
		emu.SetX(0, 0)
		return false
	}
	if len(value) > propValueMax-1 {
		value = value[:propValueMax-1]
	}
	emu.MemWriteString(out, value)
	emu.SetX(0, uint64(len(value)))
	return false
}

func stubSystemPropertyFind(emu *emulator.Emulator) bool {
	// const prop_info *__system_property_find(const char *name)
	name, _ := emu.MemReadString(emu.X(0), propNameMax)
	logProp("__system_property_find", name)

	if name == "debug.atrace.tags.enableflags" {
		emu.SetX(0, 0)
		return false
	}

	value, ok := lookupProperty(name)
	if !ok {
		emu.SetX(0, 0)
		return false
	}
	if len(value) > propValueMax-1 {
		value = value[:propValueMax-1]
	}

	buf := make([]byte, propInfoSize)
	copy(buf[:propNameMax-1], name)
	// serial at [32:36] stays 0
	copy(buf[propNameMax+4:propNameMax+4+propValueMax-1], value)

	ptr := guestMalloc(propInfoSize)
	if ptr == 0 {
		emu.SetX(0, 0)
		return false
	}
	emu.MemWrite(ptr, buf)
	emu.SetX(0, ptr)
	return false
}

func stubSystemPropertyRead(emu *emulator.Emulator) bool {
	// int __system_property_read(const prop_info *pi, char *name, char *value)
	pi := emu.X(0)
	nameOut := emu.X(1)
	valueOut := emu.X(2)
	if pi == 0 {
		emu.SetX(0, 0)
		return false
	}

	buf, err := emu.MemRead(pi, propInfoSize)
	if err != nil {
		emu.SetX(0, 0)
		return false
	}
	name := cString(buf[:propNameMax])
	value := cString(buf[propNameMax+4:])
	logProp("__system_property_read", name)

	if nameOut != 0 {
		emu.MemWriteString(nameOut, name)
	}
	if valueOut != 0 {
		emu.MemWriteString(valueOut, value)
	}
	emu.SetX(0, uint64(len(value)))
	return false
}

func stubSystemPropertySet(emu *emulator.Emulator) bool {
	// int __system_property_set(const char *name, const char *value)
	name, _ := emu.MemReadString(emu.X(0), propNameMax)
	value, _ := emu.MemReadString(emu.X(1), propValueMax)
	logProp("__system_property_set", name+"="+value)

	propMu.Lock()
	properties[name] = value
	propMu.Unlock()
	emu.SetX(0, 0)
	return false
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
