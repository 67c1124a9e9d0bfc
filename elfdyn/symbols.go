package elfdyn

import (
	"bytes"
	"debug/elf"
)

// SymbolInfo is a read-only view of a module's dynamic symbol table and
// string table. It is either materialized by DecodedModule.DecodeDynamic
// or constructed directly (startup modules arrive with their tables
// already resident).
type SymbolInfo struct {
	strtab []byte
	syms   []elf.Sym64

	// SysV hash table, when the module has DT_HASH. Lookup falls back
	// to a linear scan without it.
	buckets []uint32
	chains  []uint32
}

// NewSymbolInfo builds a view over already-resident tables. Lookups use a
// linear scan; attach a DT_HASH table with SetHash for hashed lookup.
func NewSymbolInfo(strtab []byte, syms []elf.Sym64) SymbolInfo {
	return SymbolInfo{strtab: strtab, syms: syms}
}

// SetHash attaches a SysV hash table (DT_HASH buckets and chains).
func (si *SymbolInfo) SetHash(buckets, chains []uint32) {
	si.buckets = buckets
	si.chains = chains
}

// String returns the NUL-terminated string at the given DT_STRTAB offset,
// or "" if the offset is out of range or unterminated.
func (si *SymbolInfo) String(off uint64) string {
	if off >= uint64(len(si.strtab)) {
		return ""
	}
	end := bytes.IndexByte(si.strtab[off:], 0)
	if end < 0 {
		return ""
	}
	return string(si.strtab[off : off+uint64(end)])
}

func (si *SymbolInfo) StrtabSize() uint64 { return uint64(len(si.strtab)) }

func (si *SymbolInfo) Syms() []elf.Sym64 { return si.syms }

// Lookup finds the symbol table entry for name, hashed when a DT_HASH
// table is present. It returns nil if the name has no entry at all;
// definedness is the caller's check (see SymbolDefined).
func (si *SymbolInfo) Lookup(name string) *elf.Sym64 {
	if len(si.buckets) > 0 {
		return si.hashLookup(name)
	}
	for i := range si.syms {
		if si.String(uint64(si.syms[i].Name)) == name {
			return &si.syms[i]
		}
	}
	return nil
}

func (si *SymbolInfo) hashLookup(name string) *elf.Sym64 {
	h := ElfHash(name)
	// Cap chain walks at the table size so a corrupt cyclic chain
	// cannot loop forever.
	i := si.buckets[h%uint32(len(si.buckets))]
	for steps := 0; steps <= len(si.chains); steps++ {
		if i == 0 || int(i) >= len(si.syms) {
			return nil
		}
		if si.String(uint64(si.syms[i].Name)) == name {
			return &si.syms[i]
		}
		if int(i) >= len(si.chains) {
			return nil
		}
		i = si.chains[i]
	}
	return nil
}

// SymbolDefined reports whether sym carries a definition rather than an
// undefined reference.
func SymbolDefined(sym *elf.Sym64) bool {
	return sym.Shndx != uint16(elf.SHN_UNDEF)
}
