package vm

import (
	"context"

	"github.com/arm64sandbox/emulator/internal/dalvik"
	"github.com/arm64sandbox/emulator/internal/jnitramp"
	"github.com/arm64sandbox/emulator/internal/linker"
	"github.com/arm64sandbox/emulator/internal/log"
)

// DalvikVM is the host-facing wrapper over internal/dalvik.VM and
// internal/jnitramp.Trampoline: SetClassResolver, SetJNI, LoadLibrary,
// CallJNIOnLoad.
type DalvikVM struct {
	emu   *Emulator
	vm    *dalvik.VM
	tramp *jnitramp.Trampoline
}

// SetClassResolver installs the host's class-name-to-id resolver.
func (d *DalvikVM) SetClassResolver(r dalvik.ClassResolver) {
	d.vm.SetClassResolver(r)
}

// SetJNI installs the host's JNI method/field call handler.
func (d *DalvikVM) SetJNI(j dalvik.Jni) {
	d.vm.SetJNI(j)
}

// LoadLibrary loads path (and its DT_NEEDED graph) through the dynamic
// linker. When forceInit is true, DT_PREINIT_ARRAY (if this is the first
// module and it carries one), DT_INIT, and DT_INIT_ARRAY are run in that
// order via EFunc before LoadLibrary returns, matching what a real
// dynamic linker does before handing control to JNI_OnLoad.
func (d *DalvikVM) LoadLibrary(path string, forceInit bool) (*linker.Module, error) {
	mod, err := d.emu.loader.Load(path)
	if err != nil {
		return nil, err
	}
	if !forceInit {
		return mod, nil
	}
	// Dependencies' init queues run before the dependent's: the loader
	// records modules in discovery order (parent first), so walking the
	// table backwards visits leaves before the library that pulled them in.
	ctx := context.Background()
	mods := d.emu.loader.LoadedModules()
	for i := len(mods) - 1; i >= 0; i-- {
		m := mods[i]
		for _, addr := range m.TakeInitQueue() {
			log.L.InitFuncLog(m.Name, addr)
			if _, err := d.emu.EFunc(ctx, addr); err != nil {
				return mod, err
			}
		}
	}
	return mod, nil
}

// CallJNIOnLoad invokes mod's JNI_OnLoad(JavaVM*) export, if present, via
// EFunc. A module without one is not an error — plenty of native
// libraries never define it.
func (d *DalvikVM) CallJNIOnLoad(mod *linker.Module) error {
	addr := mod.FindJNIOnLoad()
	if addr == 0 {
		return nil
	}
	log.L.InitFuncLog(mod.Name, addr)
	_, err := d.emu.EFunc(context.Background(), addr, d.tramp.JavaVMAddr())
	return err
}
