package linker

import (
	"bytes"
	"fmt"
)

// Android Packed Relocations v2 group flags.
const (
	groupedByInfoFlag       = 1
	groupedByOffsetDeltaFlag = 2
	groupedByAddendFlag     = 4
	groupHasAddendFlag      = 8
)

var aps2Magic = []byte("APS2")

// decodeAPS2 decodes a DT_ANDROID_REL/DT_ANDROID_RELA packed relocation
// stream into a flat relocation list. The format is a SLEB128-encoded,
// group-based delta stream produced by AOSP's relocation packer; see
// bionic's linker_reloc_iterators.h for the canonical decoder this mirrors.
func decodeAPS2(data []byte) ([]Relocation, error) {
	if len(data) < 4 || !bytes.Equal(data[:4], aps2Magic) {
		return nil, fmt.Errorf("linker: missing APS2 magic")
	}
	r := &sleb128Reader{data: data[4:]}

	relocCount, err := r.readSLEB()
	if err != nil {
		return nil, err
	}
	offset, err := r.readSLEB()
	if err != nil {
		return nil, err
	}

	var relocs []Relocation
	var addend int64

	for relocCount > 0 {
		groupSize, err := r.readSLEB()
		if err != nil {
			return nil, err
		}
		groupFlags, err := r.readSLEB()
		if err != nil {
			return nil, err
		}

		var groupOffsetDelta, groupInfo, groupAddendDelta int64
		if groupFlags&groupedByOffsetDeltaFlag != 0 {
			if groupOffsetDelta, err = r.readSLEB(); err != nil {
				return nil, err
			}
		}
		if groupFlags&groupedByInfoFlag != 0 {
			if groupInfo, err = r.readSLEB(); err != nil {
				return nil, err
			}
		}
		if groupFlags&groupHasAddendFlag != 0 && groupFlags&groupedByAddendFlag != 0 {
			if groupAddendDelta, err = r.readSLEB(); err != nil {
				return nil, err
			}
		}
		if groupFlags&groupHasAddendFlag == 0 {
			addend = 0
		}

		for i := int64(0); i < groupSize; i++ {
			if groupFlags&groupedByOffsetDeltaFlag != 0 {
				offset += groupOffsetDelta
			} else {
				delta, err := r.readSLEB()
				if err != nil {
					return nil, err
				}
				offset += delta
			}

			var info int64
			if groupFlags&groupedByInfoFlag != 0 {
				info = groupInfo
			} else {
				if info, err = r.readSLEB(); err != nil {
					return nil, err
				}
			}

			if groupFlags&groupHasAddendFlag != 0 {
				if groupFlags&groupedByAddendFlag != 0 {
					addend += groupAddendDelta
				} else {
					delta, err := r.readSLEB()
					if err != nil {
						return nil, err
					}
					addend += delta
				}
			}

			rInfo := uint64(info)
			relocs = append(relocs, Relocation{
				Offset: uint64(offset),
				Type:   uint32(rInfo & 0xFFFFFFFF),
				SymIdx: int(rInfo>>32) - 1, // ELF symbol indices are 1-based relative to debug/elf's slice
				Addend: addend,
			})
			relocCount--
		}
	}

	return relocs, nil
}

type sleb128Reader struct {
	data []byte
	pos  int
}

func (r *sleb128Reader) readSLEB() (int64, error) {
	var result int64
	var shift uint
	for {
		if r.pos >= len(r.data) {
			return 0, fmt.Errorf("linker: truncated SLEB128 stream")
		}
		b := r.data[r.pos]
		r.pos++
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, nil
		}
	}
}
