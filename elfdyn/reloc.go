package elfdyn

import (
	"debug/elf"

	"github.com/sliverarmory/dynlink/diag"
)

// RelocInfo records where a module's relocation tables live. Applying the
// relocations is a separate collaborator's job; this core only carries
// the bookkeeping.
type RelocInfo struct {
	RelAddr   uint64
	RelSize   uint64
	RelEnt    uint64
	RelCount  uint64
	RelaAddr  uint64
	RelaSize  uint64
	RelaEnt   uint64
	RelaCount uint64

	// PLT relocations: DT_JMPREL/DT_PLTRELSZ, with DT_PLTREL naming
	// the entry format (DT_REL or DT_RELA).
	JmprelAddr uint64
	PltRelSize uint64
	PltRelType uint64
}

// Observe implements DynObserver, picking relocation tags out of the
// single dynamic-section pass.
func (ri *RelocInfo) Observe(d *diag.Diagnostics, tag elf.DynTag, val uint64) bool {
	switch tag {
	case elf.DT_REL:
		ri.RelAddr = val
	case elf.DT_RELSZ:
		ri.RelSize = val
	case elf.DT_RELENT:
		ri.RelEnt = val
	case elf.DT_RELCOUNT:
		ri.RelCount = val
	case elf.DT_RELA:
		ri.RelaAddr = val
	case elf.DT_RELASZ:
		ri.RelaSize = val
	case elf.DT_RELAENT:
		ri.RelaEnt = val
	case elf.DT_RELACOUNT:
		ri.RelaCount = val
	case elf.DT_JMPREL:
		ri.JmprelAddr = val
	case elf.DT_PLTRELSZ:
		ri.PltRelSize = val
	case elf.DT_PLTREL:
		if val != uint64(elf.DT_REL) && val != uint64(elf.DT_RELA) {
			return d.FormatError("DT_PLTREL has invalid value ", val)
		}
		ri.PltRelType = val
	}
	return true
}
