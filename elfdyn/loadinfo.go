package elfdyn

import (
	"debug/elf"

	"github.com/sliverarmory/dynlink/diag"
)

// MaxSegments bounds the number of PT_LOAD segments a module may carry.
// The startup loader imposes the same limit, so a file with more segments
// could never have been loaded as an initial-exec module anyway.
const MaxSegments = 8

// Segment is one PT_LOAD mapping, recorded with link-time (bias-free)
// addresses.
type Segment struct {
	Vaddr  uint64
	Memsz  uint64
	Offset uint64
	Filesz uint64
	Flags  elf.ProgFlag
}

// LoadInfo is a module's address layout: its PT_LOAD segments in file
// order. It converts link-time vaddrs to file offsets and bounds the
// module's vaddr range.
type LoadInfo struct {
	segments []Segment
}

// AddSegment records one PT_LOAD header. Malformed headers are reported
// through d, which decides whether decoding continues without the
// segment.
func (li *LoadInfo) AddSegment(d *diag.Diagnostics, phdr elf.ProgHeader) bool {
	if phdr.Type != elf.PT_LOAD {
		return d.FormatError("not a PT_LOAD header: ", phdr.Type)
	}
	if phdr.Filesz > phdr.Memsz {
		return d.FormatError("PT_LOAD header p_filesz > p_memsz")
	}
	if len(li.segments) >= MaxSegments {
		return d.FormatError("too many PT_LOAD segments (max ", MaxSegments, ")")
	}
	li.segments = append(li.segments, Segment{
		Vaddr:  phdr.Vaddr,
		Memsz:  phdr.Memsz,
		Offset: phdr.Off,
		Filesz: phdr.Filesz,
		Flags:  phdr.Flags,
	})
	return true
}

func (li *LoadInfo) Segments() []Segment { return li.segments }

// FileOffset translates a link-time vaddr range to a file offset. The
// range must lie within the file-backed part of one segment.
func (li *LoadInfo) FileOffset(vaddr, size uint64) (uint64, bool) {
	for _, seg := range li.segments {
		if vaddr < seg.Vaddr || vaddr-seg.Vaddr >= seg.Filesz {
			continue
		}
		off := vaddr - seg.Vaddr
		if size > seg.Filesz-off {
			return 0, false
		}
		return seg.Offset + off, true
	}
	return 0, false
}

// VaddrBounds returns the lowest and highest link-time addresses covered
// by any segment, or zeros if there are none.
func (li *LoadInfo) VaddrBounds() (start, end uint64) {
	for i, seg := range li.segments {
		if i == 0 || seg.Vaddr < start {
			start = seg.Vaddr
		}
		if top := seg.Vaddr + seg.Memsz; top > end {
			end = top
		}
	}
	return start, end
}
