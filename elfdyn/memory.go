package elfdyn

// Memory reads raw bytes out of a module's address space. Implementations
// are flat images, segment-mapped file images, or (outside this package)
// real mapped pages.
type Memory interface {
	// ReadArray returns size bytes starting at vaddr, or false if the
	// range is not fully readable. The returned slice aliases the
	// underlying image; callers must not modify it.
	ReadArray(vaddr, size uint64) ([]byte, bool)
}

// ImageMemory presents a byte image as memory mapped contiguously at a
// base vaddr.
type ImageMemory struct {
	Image []byte
	Base  uint64
}

func (m ImageMemory) ReadArray(vaddr, size uint64) ([]byte, bool) {
	if vaddr < m.Base {
		return nil, false
	}
	off := vaddr - m.Base
	if off > uint64(len(m.Image)) || size > uint64(len(m.Image))-off {
		return nil, false
	}
	return m.Image[off : off+size], true
}

// SegmentMemory reads link-time vaddrs out of an unmapped file image by
// translating through the module's PT_LOAD layout. Reads must land in the
// file-backed portion of a single segment.
type SegmentMemory struct {
	Image []byte
	Load  *LoadInfo
}

func (m SegmentMemory) ReadArray(vaddr, size uint64) ([]byte, bool) {
	off, ok := m.Load.FileOffset(vaddr, size)
	if !ok {
		return nil, false
	}
	if off > uint64(len(m.Image)) || size > uint64(len(m.Image))-off {
		return nil, false
	}
	return m.Image[off : off+size], true
}
