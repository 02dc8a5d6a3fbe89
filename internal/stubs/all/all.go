// Package all imports all stub packages to ensure they register via init().
// Import this package in session setup to enable all stubs.
//
// Example:
//
//	import _ "github.com/arm64sandbox/emulator/internal/stubs/all"
package all

import (
	// Import all stub packages for side effects (init registration). JNI
	// is handled by internal/jnitramp + internal/dalvik now, wired
	// directly in internal/vm rather than through init-time registration.
	_ "github.com/arm64sandbox/emulator/internal/stubs/android"
	_ "github.com/arm64sandbox/emulator/internal/stubs/libc"
	_ "github.com/arm64sandbox/emulator/internal/stubs/network"
	_ "github.com/arm64sandbox/emulator/internal/stubs/pthread"
)
