package vm

import (
	"fmt"

	"github.com/arm64sandbox/emulator/internal/emulator"
	"github.com/arm64sandbox/emulator/internal/sched"
)

// schedBackend adapts *emulator.Emulator to sched.Backend. Every method
// but the context pair is promoted straight through by embedding;
// ContextSave/ContextRestore need a thin shim because sched.Context is an
// opaque interface{} while the emulator deals in its own concrete
// *emulator.Context, and Go's interface satisfaction isn't covariant on
// return types.
type schedBackend struct {
	*emulator.Emulator
}

func (b schedBackend) ContextSave() (sched.Context, error) {
	ctx, err := b.Emulator.ContextSave()
	return ctx, err
}

func (b schedBackend) ContextRestore(c sched.Context) error {
	ctx, ok := c.(*emulator.Context)
	if !ok {
		return fmt.Errorf("sched: unexpected context type %T", c)
	}
	return b.Emulator.ContextRestore(ctx)
}
