// Package config centralizes the environment-variable toggles the emulator
// observes at process start in one read-once struct.
package config

import (
	"os"
	"strconv"
)

// Config holds every environment toggle named in the host API surface.
type Config struct {
	BasePath             string
	PrintSyscallLog      bool
	PrintJNICalls        bool
	PrintSystemPropLog   bool
	PrintMmapLog         bool
	EmuLog               bool
	ShowInitFuncCall     bool
	ReleaseCachedLibs    bool
	DynarmicJITSizeBytes uint64
}

// FromEnv reads the process environment once and returns a populated Config.
func FromEnv() *Config {
	c := &Config{
		BasePath:             "./android/sdk23",
		DynarmicJITSizeBytes: 128 * 1024 * 1024,
	}
	if v := os.Getenv("BASE_PATH"); v != "" {
		c.BasePath = v
	}
	c.PrintSyscallLog = boolEnv("PRINT_SYSCALL_LOG")
	c.PrintJNICalls = boolEnv("PRINT_JNI_CALLS")
	c.PrintSystemPropLog = boolEnv("PRINT_SYSTEM_PROP_LOG")
	c.PrintMmapLog = boolEnv("PRINT_MMAP_LOG")
	c.EmuLog = boolEnv("EMU_LOG")
	c.ShowInitFuncCall = boolEnv("SHOW_INIT_FUNC_CALL")
	c.ReleaseCachedLibs = boolEnv("RELEASE_CACHED_LIBRARIES")
	if v := os.Getenv("DYNARMIC_JIT_SIZE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.DynarmicJITSizeBytes = n
		}
	}
	return c
}

func boolEnv(name string) bool {
	v := os.Getenv(name)
	return v == "1" || v == "true" || v == "yes"
}
