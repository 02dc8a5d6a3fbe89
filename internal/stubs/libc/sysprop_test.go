package libc

import "testing"

func TestLookupPropertyDefaults(t *testing.T) {
	if v, ok := lookupProperty("ro.build.version.sdk"); !ok || v != "23" {
		t.Errorf("ro.build.version.sdk = (%q, %v), want (\"23\", true)", v, ok)
	}
	if _, ok := lookupProperty("ro.nonexistent.prop"); ok {
		t.Error("unknown property resolved")
	}

	// Emulator-detection probes always read empty.
	for _, name := range []string{"ro.kernel.qemu", "libc.debug.malloc"} {
		if _, ok := lookupProperty(name); ok {
			t.Errorf("%s should read empty", name)
		}
	}
}

func TestPropertyServicePrecedence(t *testing.T) {
	SetSystemPropertyService(func(name string) (string, bool) {
		if name == "ro.serialno" {
			return "EMU0001", true
		}
		return "", false
	})
	defer SetSystemPropertyService(nil)

	if v, ok := lookupProperty("ro.serialno"); !ok || v != "EMU0001" {
		t.Errorf("service-backed property = (%q, %v)", v, ok)
	}
	// Misses fall back to the built-in table.
	if v, ok := lookupProperty("ro.hardware"); !ok || v != "goldfish" {
		t.Errorf("fallback property = (%q, %v)", v, ok)
	}
}

func TestSetSystemProperty(t *testing.T) {
	SetSystemProperty("persist.test.flag", "on")
	if v, ok := lookupProperty("persist.test.flag"); !ok || v != "on" {
		t.Errorf("seeded property = (%q, %v)", v, ok)
	}
}

func TestCStringStopsAtNUL(t *testing.T) {
	if got := cString([]byte("abc\x00def")); got != "abc" {
		t.Errorf("cString = %q, want \"abc\"", got)
	}
	if got := cString([]byte("nonul")); got != "nonul" {
		t.Errorf("cString without NUL = %q", got)
	}
}
