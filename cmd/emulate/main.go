// Command emulate loads ARM64 Android native libraries into the
// embeddable emulator and drives them from the command line: parse and
// report on a shared object's dynamic section, or load it and call an
// export through EFunc while watching what it does.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/arch/arm64/arm64asm"
	"gopkg.in/yaml.v3"

	"github.com/arm64sandbox/emulator/internal/linker"
	"github.com/arm64sandbox/emulator/internal/log"
	"github.com/arm64sandbox/emulator/internal/trace"
	"github.com/arm64sandbox/emulator/internal/tui"
	"github.com/arm64sandbox/emulator/internal/ui/colorize"
	"github.com/arm64sandbox/emulator/internal/vm"
)

var (
	verbose        bool
	callSymbol     string
	traceFlag      bool
	resolverConfig string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "emulate",
		Short: "Load and drive ARM64 Android native libraries under emulation",
		Long: `emulate embeds the ARM64/AArch64 Android native-library emulator: it
loads an ELF64 shared object and its DT_NEEDED dependency graph through the
dynamic linker, runs DT_INIT/DT_INIT_ARRAY, and can call JNI_OnLoad or any
named export via a synchronous guest call (EFunc).

Examples:
  emulate load libnative.so                   # load + run init, no call
  emulate load libnative.so --call JNI_OnLoad  # also invoke JNI_OnLoad
  emulate load libnative.so --trace            # stream a live trace TUI
  emulate info libnative.so                    # print ELF/dynamic summary`,
	}

	loadCmd := &cobra.Command{
		Use:   "load <lib.so>",
		Short: "Load a shared object and optionally call an export",
		Args:  cobra.ExactArgs(1),
		RunE:  runLoad,
	}
	loadCmd.Flags().StringVar(&callSymbol, "call", "", "export to call via EFunc after loading (use JNI_OnLoad for the JNI entry point)")
	loadCmd.Flags().BoolVar(&traceFlag, "trace", false, "stream a live trace TUI while the guest runs")
	loadCmd.Flags().StringVar(&resolverConfig, "resolver-config", "", "yaml file mapping DT_NEEDED soname -> host path")
	rootCmd.AddCommand(loadCmd)

	infoCmd := &cobra.Command{
		Use:   "info <lib.so>",
		Short: "Print ELF header, dynamic section, and symbol table summary",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	}
	rootCmd.AddCommand(infoCmd)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
		os.Exit(1)
	}
}

func loadResolverOverrides(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read resolver config: %w", err)
	}
	var m map[string]string
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse resolver config: %w", err)
	}
	return m, nil
}

func runLoad(cmd *cobra.Command, args []string) error {
	log.Init(verbose)
	binaryPath := args[0]

	absPath, err := filepath.Abs(binaryPath)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	overrides, err := loadResolverOverrides(resolverConfig)
	if err != nil {
		return err
	}

	emu, err := vm.NewEmulator("1", "0", filepath.Base(absPath), nil)
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	if overrides != nil {
		emu.SetLibraryOverrides(overrides)
	}

	var events chan *trace.Event
	done := make(chan string, 1)
	if traceFlag {
		events = make(chan *trace.Event, 4096)
		log.L.SetOnTrace(func(pc uint64, category, name, detail string) {
			e := trace.NewEvent(pc, category, name, detail)
			trace.DefaultEnricher(e)
			select {
			case events <- e:
			default:
			}
		})
		go func() {
			if err := tui.Run(filepath.Base(absPath), events, done); err != nil {
				fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
			}
		}()
	}

	mod, loadErr := emu.DalvikVM().LoadLibrary(absPath, true)
	if loadErr != nil {
		finish(done, traceFlag, fmt.Sprintf("load failed: %v", loadErr))
		return fmt.Errorf("load library: %w", loadErr)
	}

	var callErr error
	switch callSymbol {
	case "":
		// nothing further to do — DT_INIT/DT_INIT_ARRAY already ran.
	case "JNI_OnLoad":
		callErr = emu.DalvikVM().CallJNIOnLoad(mod)
	default:
		sym, ok := mod.FindSymbol(callSymbol)
		if !ok {
			callErr = fmt.Errorf("symbol %q not found in %s", callSymbol, mod.Name)
			break
		}
		_, callErr = emu.EFunc(context.Background(), sym.Value)
	}

	if !verbose {
		fmt.Printf("%s %s  base=%s entry=%s needed=%d symbols=%d\n",
			colorize.Header("loaded"), colorize.FuncName(mod.Name),
			colorize.Address(mod.BaseAddr), colorize.Address(mod.Entry),
			len(mod.Needed), len(mod.Symbols))
		if callSymbol != "" {
			if callErr != nil {
				fmt.Printf("%s %s: %s\n", colorize.Error("call failed"), callSymbol, callErr)
			} else {
				fmt.Printf("%s %s\n", colorize.Header("called"), callSymbol)
			}
		}
	}

	status := "done"
	if callErr != nil {
		status = "call error: " + callErr.Error()
	}
	finish(done, traceFlag, status)

	return callErr
}

func finish(done chan string, tracing bool, status string) {
	if !tracing {
		return
	}
	select {
	case done <- status:
	default:
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
	log.Init(verbose)
	absPath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if _, err := os.Stat(absPath); err != nil {
		return fmt.Errorf("file not found: %s", absPath)
	}

	emu, err := vm.NewEmulator("1", "0", filepath.Base(absPath), nil)
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}

	mod, err := emu.Loader().Load(absPath)
	if err != nil {
		return fmt.Errorf("load binary: %w", err)
	}

	fmt.Printf("%s %s\n", colorize.Header("Binary:"), filepath.Base(absPath))
	fmt.Printf("  %s %s\n", colorize.Detail("Base:"), colorize.Address(mod.BaseAddr))
	fmt.Printf("  %s %s\n", colorize.Detail("End:"), colorize.Address(mod.EndAddr))
	fmt.Printf("  %s %s\n", colorize.Detail("Entry:"), colorize.Address(mod.Entry))
	fmt.Printf("  %s %d\n", colorize.Detail("Symbols:"), len(mod.Symbols))

	if len(mod.Needed) > 0 {
		fmt.Printf("\n%s\n", colorize.Header("DT_NEEDED:"))
		for _, n := range mod.Needed {
			fmt.Printf("  %s\n", n)
		}
	}

	if jniOnLoad := mod.FindJNIOnLoad(); jniOnLoad != 0 {
		fmt.Printf("\n%s %s\n", colorize.Detail("JNI_OnLoad:"), colorize.Address(jniOnLoad))
	}

	interesting := []string{"JNI_OnLoad", "il2cpp_init", "cocos_android_app_init", "ANativeActivity_onCreate"}
	found := false
	for _, want := range interesting {
		if sym, ok := mod.FindSymbol(want); ok {
			if !found {
				fmt.Printf("\n%s\n", colorize.Header("Interesting symbols:"))
				found = true
			}
			fmt.Printf("  %s %s\n", colorize.Address(sym.Value), colorize.FuncName(want))
		}
	}

	for _, seg := range mod.Segments() {
		fmt.Printf("  %s %s size=0x%x memsz=0x%x prot=%d\n",
			colorize.Detail("segment"), colorize.Address(seg.VAddr), seg.Size, seg.MemSz, seg.Prot)
	}

	if lines := disassembleEntry(mod, 16); len(lines) > 0 {
		box := lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1).
			Render(strings.Join(lines, "\n"))
		fmt.Printf("\n%s\n%s\n", colorize.Header("Entry disassembly:"), box)
	}

	return nil
}

// disassembleEntry decodes up to maxInsn instructions starting at mod's
// entry point, reading from whichever mapped segment contains it.
func disassembleEntry(mod *linker.Module, maxInsn int) []string {
	for _, seg := range mod.Segments() {
		if mod.Entry < seg.VAddr || mod.Entry >= seg.VAddr+seg.MemSz {
			continue
		}
		off := mod.Entry - seg.VAddr
		var lines []string
		addr := mod.Entry
		for i := 0; i < maxInsn && off+4 <= uint64(len(seg.Data)); i++ {
			code := seg.Data[off : off+4]
			dis := disasm(code)
			lines = append(lines, fmt.Sprintf("%s  %s", colorize.Address(addr), colorize.Instruction(dis)))
			off += 4
			addr += 4
		}
		return lines
	}
	return nil
}

func disasm(code []byte) string {
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", binary.LittleEndian.Uint32(code))
	}
	return inst.String()
}
