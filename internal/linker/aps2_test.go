package linker

import (
	"reflect"
	"testing"
)

// appendSLEB emits v as SLEB128, the encoding the relocation packer uses
// for every field in an APS2 stream.
func appendSLEB(buf []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

// encodeAPS2 packs relocs as a single ungrouped-delta stream: one group,
// no shared info/offset/addend, every field explicit per entry. Any
// conforming decoder must accept it; it is deliberately the least compact
// legal encoding so the decoder's per-entry paths all get exercised.
func encodeAPS2(relocs []Relocation) []byte {
	buf := append([]byte(nil), aps2Magic...)
	buf = appendSLEB(buf, int64(len(relocs)))
	buf = appendSLEB(buf, 0) // initial offset

	buf = appendSLEB(buf, int64(len(relocs))) // group size
	buf = appendSLEB(buf, groupHasAddendFlag) // flags: explicit everything, addends present

	var offset, addend int64
	for _, r := range relocs {
		buf = appendSLEB(buf, int64(r.Offset)-offset)
		offset = int64(r.Offset)
		info := uint64(r.SymIdx+1)<<32 | uint64(r.Type)
		buf = appendSLEB(buf, int64(info))
		buf = appendSLEB(buf, r.Addend-addend)
		addend = r.Addend
	}
	return buf
}

func TestAPS2RoundTrip(t *testing.T) {
	want := []Relocation{
		{Offset: 0x1000, Type: RRelative, SymIdx: -1, Addend: 0x4000},
		{Offset: 0x1008, Type: RRelative, SymIdx: -1, Addend: 0x4100},
		{Offset: 0x2000, Type: RGlobDat, SymIdx: 4, Addend: 0},
		{Offset: 0x2008, Type: RJumpSlot, SymIdx: 5, Addend: 0},
		{Offset: 0x3000, Type: RAbs64, SymIdx: 2, Addend: -16},
	}

	got, err := decodeAPS2(encodeAPS2(want))
	if err != nil {
		t.Fatalf("decodeAPS2: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, want)
	}
}

func TestAPS2GroupedByInfo(t *testing.T) {
	// A group sharing one r_info across entries, offsets as explicit
	// deltas, no addends — the shape the packer emits for a run of
	// RELATIVE relocations.
	info := uint64(0)<<32 | uint64(RRelative)
	buf := append([]byte(nil), aps2Magic...)
	buf = appendSLEB(buf, 3)
	buf = appendSLEB(buf, 0x5000) // initial offset
	buf = appendSLEB(buf, 3)      // group size
	buf = appendSLEB(buf, groupedByInfoFlag)
	buf = appendSLEB(buf, int64(info))
	for i := 0; i < 3; i++ {
		buf = appendSLEB(buf, 8) // each offset 8 past the previous
	}

	got, err := decodeAPS2(buf)
	if err != nil {
		t.Fatalf("decodeAPS2: %v", err)
	}
	wantOffsets := []uint64{0x5008, 0x5010, 0x5018}
	if len(got) != 3 {
		t.Fatalf("decoded %d relocations, want 3", len(got))
	}
	for i, r := range got {
		if r.Offset != wantOffsets[i] {
			t.Errorf("reloc %d offset = %#x, want %#x", i, r.Offset, wantOffsets[i])
		}
		if r.Type != RRelative || r.SymIdx != -1 || r.Addend != 0 {
			t.Errorf("reloc %d = %+v, want RELATIVE/no-sym/no-addend", i, r)
		}
	}
}

func TestAPS2GroupedByOffsetDelta(t *testing.T) {
	// Offsets shared as one group-wide stride, r_info explicit per entry.
	buf := append([]byte(nil), aps2Magic...)
	buf = appendSLEB(buf, 2)
	buf = appendSLEB(buf, 0x100)
	buf = appendSLEB(buf, 2) // group size
	buf = appendSLEB(buf, groupedByOffsetDeltaFlag)
	buf = appendSLEB(buf, 16) // stride
	for _, sym := range []int{3, 7} {
		info := uint64(sym+1)<<32 | uint64(RGlobDat)
		buf = appendSLEB(buf, int64(info))
	}

	got, err := decodeAPS2(buf)
	if err != nil {
		t.Fatalf("decodeAPS2: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("decoded %d relocations, want 2", len(got))
	}
	if got[0].Offset != 0x110 || got[1].Offset != 0x120 {
		t.Errorf("offsets = %#x, %#x, want 0x110, 0x120", got[0].Offset, got[1].Offset)
	}
	if got[0].SymIdx != 3 || got[1].SymIdx != 7 {
		t.Errorf("symbol indices = %d, %d, want 3, 7", got[0].SymIdx, got[1].SymIdx)
	}
}

func TestAPS2BadMagic(t *testing.T) {
	if _, err := decodeAPS2([]byte("APS1\x00\x00")); err == nil {
		t.Error("decodeAPS2 accepted a wrong magic")
	}
	if _, err := decodeAPS2([]byte{0x41}); err == nil {
		t.Error("decodeAPS2 accepted a truncated header")
	}
}

func TestAPS2TruncatedStream(t *testing.T) {
	buf := append([]byte(nil), aps2Magic...)
	buf = appendSLEB(buf, 5) // promises 5 relocations, delivers none
	buf = appendSLEB(buf, 0)
	if _, err := decodeAPS2(buf); err == nil {
		t.Error("decodeAPS2 accepted a truncated stream")
	}
}

func TestSLEBNegativeValues(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 63, 64, -64, -65, 0x7fffffff, -0x80000000} {
		r := &sleb128Reader{data: appendSLEB(nil, v)}
		got, err := r.readSLEB()
		if err != nil {
			t.Fatalf("readSLEB(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("readSLEB round trip: got %d, want %d", got, v)
		}
	}
}
