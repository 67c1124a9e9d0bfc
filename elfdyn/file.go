package elfdyn

import (
	"bytes"
	"debug/elf"

	"github.com/sliverarmory/dynlink/diag"
)

// File is the decoded structural view of a shared object image: the
// program headers that matter to a dynamic linker plus the PT_LOAD
// layout. Header and segment decoding is done by debug/elf; everything
// downstream works from this view and a Memory over the image.
type File struct {
	Machine elf.Machine
	Phdrs   []elf.ProgHeader
	Dynamic *elf.ProgHeader
	TLS     *elf.ProgHeader
	Load    LoadInfo

	image []byte
}

// DecodeFile validates and decodes a shared object image. Only
// little-endian ELF64 ET_DYN files are accepted; that is the only layout
// this linker core loads.
func DecodeFile(d *diag.Diagnostics, image []byte) (*File, bool) {
	ef, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, d.WrapSystemError(err, "invalid ELF image")
	}
	defer ef.Close()

	if ef.Class != elf.ELFCLASS64 || ef.Data != elf.ELFDATA2LSB {
		return nil, d.SystemError("unsupported ELF layout: ", ef.Class, " ", ef.Data)
	}
	if ef.Type != elf.ET_DYN {
		return nil, d.SystemError("unsupported ELF file type: ", ef.Type)
	}

	f := &File{Machine: ef.Machine, image: image}
	dynIdx, tlsIdx := -1, -1
	for _, prog := range ef.Progs {
		phdr := prog.ProgHeader
		f.Phdrs = append(f.Phdrs, phdr)
		switch phdr.Type {
		case elf.PT_LOAD:
			if !f.Load.AddSegment(d, phdr) {
				return nil, false
			}
		case elf.PT_DYNAMIC:
			if dynIdx >= 0 {
				if !d.FormatError("multiple PT_DYNAMIC segments") {
					return nil, false
				}
				continue
			}
			dynIdx = len(f.Phdrs) - 1
		case elf.PT_TLS:
			if tlsIdx >= 0 {
				if !d.FormatError("multiple PT_TLS segments") {
					return nil, false
				}
				continue
			}
			tlsIdx = len(f.Phdrs) - 1
		}
	}
	if dynIdx >= 0 {
		f.Dynamic = &f.Phdrs[dynIdx]
	}
	if tlsIdx >= 0 {
		f.TLS = &f.Phdrs[tlsIdx]
	}
	return f, true
}

func (f *File) Image() []byte { return f.image }

// Memory returns a reader over the unmapped image, translating link-time
// vaddrs through the PT_LOAD layout.
func (f *File) Memory() SegmentMemory {
	return SegmentMemory{Image: f.image, Load: &f.Load}
}
