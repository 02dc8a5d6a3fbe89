package linker

import (
	"debug/elf"
	"encoding/binary"
)

func alignUp(v uint64) uint64   { return (v + pageSize - 1) &^ (pageSize - 1) }
func alignDown(v uint64) uint64 { return v &^ (pageSize - 1) }

func progFlagsToProt(flags elf.ProgFlag) int {
	prot := 0
	if flags&elf.PF_R != 0 {
		prot |= memRead
	}
	if flags&elf.PF_W != 0 {
		prot |= memWrite
	}
	if flags&elf.PF_X != 0 {
		prot |= memExec
	}
	return prot
}

// Matches internal/memmgr's ProtR/ProtW/ProtX bit values without importing
// that package's named constants into every call site here.
const (
	memRead  = 0x1
	memWrite = 0x2
	memExec  = 0x4
)

func programExtent(f *elf.File) (base, end uint64) {
	base = ^uint64(0)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr < base {
			base = prog.Vaddr
		}
		if e := prog.Vaddr + prog.Memsz; e > end {
			end = e
		}
	}
	if base == ^uint64(0) {
		base = 0
	}
	return base, end
}

func valueOrZero(value, relocOffset uint64) uint64 {
	if value == 0 {
		return 0
	}
	return value + relocOffset
}

type mergedRegion struct {
	addr, size uint64
	prot       int
}

// mergeLoadSegments collapses overlapping or page-adjacent PT_LOAD
// segments into single mmap regions, OR-ing their permissions — the same
// merge the reference loader performs so that e.g. a read-only segment
// immediately followed by a read-write segment in the same page doesn't
// produce two conflicting mappings over the same page.
func mergeLoadSegments(progs []*elf.Prog, relocOffset uint64) []mergedRegion {
	type raw struct {
		start, end uint64
		prot       int
	}
	var segs []raw
	for _, prog := range progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		vaddr := prog.Vaddr + relocOffset
		start := alignDown(vaddr)
		end := alignUp(vaddr + prog.Memsz)
		segs = append(segs, raw{start, end, progFlagsToProt(prog.Flags)})
	}

	var merged []raw
	for _, s := range segs {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if s.start <= last.end {
				if s.end > last.end {
					last.end = s.end
				}
				last.prot |= s.prot
				continue
			}
		}
		merged = append(merged, s)
	}

	out := make([]mergedRegion, len(merged))
	for i, m := range merged {
		out[i] = mergedRegion{addr: m.start, size: m.end - m.start, prot: m.prot}
	}
	return out
}

func firstDynVal(f *elf.File, tag elf.DynTag, relocOffset uint64) uint64 {
	sec := f.Section(".dynamic")
	if sec == nil {
		return 0
	}
	data, err := sec.Data()
	if err != nil {
		return 0
	}
	for i := 0; i+16 <= len(data); i += 16 {
		t := elf.DynTag(binary.LittleEndian.Uint64(data[i:]))
		v := binary.LittleEndian.Uint64(data[i+8:])
		if t == tag {
			return v + relocOffset
		}
		if t == elf.DT_NULL {
			break
		}
	}
	return 0
}

func dynArray(f *elf.File, arrTag, szTag elf.DynTag, relocOffset uint64) []uint64 {
	addr := firstDynVal(f, arrTag, 0)
	size := firstDynVal(f, szTag, 0)
	if addr == 0 || size == 0 {
		return nil
	}
	// The array itself lives inside a PT_LOAD segment; read it back out of
	// the already-extracted segment data rather than re-opening the file.
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if addr < prog.Vaddr || addr+size > prog.Vaddr+prog.Filesz {
			continue
		}
		data := make([]byte, size)
		sr := prog.Open()
		_, _ = sr.Seek(int64(addr-prog.Vaddr), 0)
		_, _ = sr.Read(data)

		count := int(size / 8)
		out := make([]uint64, 0, count)
		for i := 0; i < count; i++ {
			v := binary.LittleEndian.Uint64(data[i*8:])
			out = append(out, v+relocOffset)
		}
		return out
	}
	return nil
}

func rawDynamicBlob(f *elf.File, tag elf.DynTag) []byte {
	addr := firstDynVal(f, tag, 0)
	if addr == 0 {
		return nil
	}
	szTag := elf.DynTag(int64(tag) + 1) // *_SZ tag immediately follows in our two pairs of interest
	size := firstDynVal(f, szTag, 0)
	if size == 0 {
		return nil
	}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if addr < prog.Vaddr || addr+size > prog.Vaddr+prog.Filesz {
			continue
		}
		data := make([]byte, size)
		sr := prog.Open()
		_, _ = sr.Seek(int64(addr-prog.Vaddr), 0)
		_, _ = sr.Read(data)
		return data
	}
	return nil
}

func parseRELA(data []byte) []Relocation {
	const entrySize = 24
	var out []Relocation
	for i := 0; i+entrySize <= len(data); i += entrySize {
		rOffset := binary.LittleEndian.Uint64(data[i:])
		rInfo := binary.LittleEndian.Uint64(data[i+8:])
		rAddend := int64(binary.LittleEndian.Uint64(data[i+16:]))
		out = append(out, Relocation{
			Offset: rOffset,
			Type:   uint32(rInfo & 0xFFFFFFFF),
			SymIdx: int(rInfo>>32) - 1,
			Addend: rAddend,
		})
	}
	return out
}
