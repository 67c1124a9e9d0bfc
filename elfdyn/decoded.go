package elfdyn

import (
	"debug/elf"
	"encoding/binary"
	"math/bits"

	"github.com/sliverarmory/dynlink/diag"
)

const (
	dynEntrySize = 16 // Elf64_Dyn
	symEntrySize = 24 // Elf64_Sym
)

// ModuleInfo is the per-module record shared with the passive runtime
// description consumed by debuggers and crash tools: the symbol table
// view, the module's soname, its link-map name, and its TLS module id.
type ModuleInfo struct {
	Soname          Soname
	LinkMapName     string
	Symbols         SymbolInfo
	TLSModID        uint64
	SymbolizerModID uint32
}

// TLSModule describes a module's PT_TLS template.
type TLSModule struct {
	Alignment   uint64
	BssSize     uint64
	InitialData []byte
}

// Dyn is one decoded dynamic-section entry.
type Dyn struct {
	Tag elf.DynTag
	Val uint64
}

// DynObserver receives every dynamic-section entry during the single
// decode pass, so extra metadata can be extracted without re-scanning.
// Returning false aborts the decode.
type DynObserver interface {
	Observe(d *diag.Diagnostics, tag elf.DynTag, val uint64) bool
}

// NeededObserver collects DT_NEEDED entries as raw string-table offsets.
// The offsets are cheap to record during the decode pass and are resolved
// into Sonames afterwards with ReifyNeeded, once the string table is
// fully known.
type NeededObserver struct {
	offsets *[]uint64
}

func NewNeededObserver(offsets *[]uint64) NeededObserver {
	return NeededObserver{offsets: offsets}
}

func (o NeededObserver) Observe(_ *diag.Diagnostics, tag elf.DynTag, val uint64) bool {
	if tag == elf.DT_NEEDED {
		*o.offsets = append(*o.offsets, val)
	}
	return true
}

// DecodedModule is a module's decoded ELF metadata: the ModuleInfo
// record, the PT_LOAD layout, relocation bookkeeping, and the optional
// TLS descriptor. It is mutated only during the load phase and is
// effectively immutable afterward.
//
// Images are little-endian ELF64, the only layout the loaders here
// produce (see DecodeFile).
type DecodedModule struct {
	module    *ModuleInfo
	owned     ModuleInfo
	loadInfo  LoadInfo
	relocInfo RelocInfo
	tls       TLSModule
}

// HasModule reports whether the ModuleInfo record has been attached or
// emplaced. Module and the methods that touch it may only be called once
// this is true; the record's contents may still be incomplete if decoding
// hit errors the Diagnostics policy skipped past.
func (dm *DecodedModule) HasModule() bool { return dm.module != nil }

// EmplaceModule allocates the ModuleInfo record inline. The modid is the
// module's position in the session's load-order list; in a pure metadata
// cache it can be zero.
func (dm *DecodedModule) EmplaceModule(modid uint32) {
	if dm.module != nil {
		panic("elfdyn: module record already set")
	}
	dm.module = &dm.owned
	dm.module.SymbolizerModID = modid
}

// SetModule attaches an externally owned ModuleInfo record, for callers
// that keep the record alive in the passive runtime description.
func (dm *DecodedModule) SetModule(m *ModuleInfo) {
	if dm.module != nil {
		panic("elfdyn: module record already set")
	}
	dm.module = m
}

func (dm *DecodedModule) Module() *ModuleInfo {
	if dm.module == nil {
		panic("elfdyn: module record not set")
	}
	return dm.module
}

// SetAbiName records the primary name the module is known by, so the
// passive representation always matches it.
func (dm *DecodedModule) SetAbiName(name Soname) {
	dm.Module().LinkMapName = name.String()
}

func (dm *DecodedModule) SymbolInfo() *SymbolInfo { return &dm.Module().Symbols }

// Soname is the DT_SONAME found in the file, or the zero Soname if there
// was none (normal for an executable or a plain loadable module).
func (dm *DecodedModule) Soname() Soname { return dm.Module().Soname }

func (dm *DecodedModule) LoadInfo() *LoadInfo { return &dm.loadInfo }

func (dm *DecodedModule) RelocInfo() *RelocInfo { return &dm.relocInfo }

// TLSModuleID returns the id assigned by SetTls; nonzero iff the module
// has a PT_TLS segment.
func (dm *DecodedModule) TLSModuleID() uint64 { return dm.Module().TLSModID }

// TLSModule may only be called after a successful SetTls.
func (dm *DecodedModule) TLSModule() *TLSModule {
	if dm.TLSModuleID() == 0 {
		panic("elfdyn: module has no PT_TLS")
	}
	return &dm.tls
}

// DecodeDynamic parses the PT_DYNAMIC entries once, extracting the
// module's own metadata (string table, symbol table, hash table, soname,
// relocation tables) and dispatching every entry to the supplied
// observers in the same pass. The decoded entries are returned; a false
// result means the Diagnostics policy aborted. Under the Continue policy
// a true result may still describe a module with missing metadata.
func (dm *DecodedModule) DecodeDynamic(d *diag.Diagnostics, mem Memory, dynPhdr *elf.ProgHeader, observers ...DynObserver) ([]Dyn, bool) {
	if dynPhdr == nil {
		return nil, d.FormatError("no PT_DYNAMIC segment")
	}
	raw, ok := mem.ReadArray(dynPhdr.Vaddr, dynPhdr.Filesz)
	if !ok {
		return nil, d.FormatError("PT_DYNAMIC has invalid p_vaddr ", dynPhdr.Vaddr, " or p_filesz ", dynPhdr.Filesz)
	}
	if len(raw)%dynEntrySize != 0 {
		if !d.FormatError("PT_DYNAMIC p_filesz ", dynPhdr.Filesz, " not a multiple of entry size") {
			return nil, false
		}
		raw = raw[:len(raw)/dynEntrySize*dynEntrySize]
	}

	var layout dynLayout
	entries := make([]Dyn, 0, len(raw)/dynEntrySize)
	for off := 0; off < len(raw); off += dynEntrySize {
		tag := elf.DynTag(binary.LittleEndian.Uint64(raw[off:]))
		val := binary.LittleEndian.Uint64(raw[off+8:])
		if tag == elf.DT_NULL {
			break
		}
		entries = append(entries, Dyn{Tag: tag, Val: val})
		if !layout.observe(d, tag, val) {
			return nil, false
		}
		if !dm.relocInfo.Observe(d, tag, val) {
			return nil, false
		}
		for _, obs := range observers {
			if !obs.Observe(d, tag, val) {
				return nil, false
			}
		}
	}

	if !dm.materialize(d, mem, layout) {
		return nil, false
	}
	return entries, true
}

// dynLayout accumulates the table addresses discovered during the pass;
// the tables themselves are read only after the full section is seen.
type dynLayout struct {
	strtab    uint64
	strsz     uint64
	symtab    uint64
	hash      uint64
	gnuHash   uint64
	sonameOff uint64
	hasSoname bool
}

func (l *dynLayout) observe(d *diag.Diagnostics, tag elf.DynTag, val uint64) bool {
	switch tag {
	case elf.DT_STRTAB:
		l.strtab = val
	case elf.DT_STRSZ:
		l.strsz = val
	case elf.DT_SYMTAB:
		l.symtab = val
	case elf.DT_SYMENT:
		if val != symEntrySize {
			return d.FormatError("DT_SYMENT has invalid value ", val)
		}
	case elf.DT_HASH:
		l.hash = val
	case elf.DT_GNU_HASH:
		l.gnuHash = val
	case elf.DT_SONAME:
		l.sonameOff = val
		l.hasSoname = true
	}
	return true
}

func (dm *DecodedModule) materialize(d *diag.Diagnostics, mem Memory, layout dynLayout) bool {
	info := dm.Module()

	if layout.strtab != 0 && layout.strsz != 0 {
		strtab, ok := mem.ReadArray(layout.strtab, layout.strsz)
		if !ok {
			if !d.FormatError("DT_STRTAB has invalid address ", layout.strtab, " or DT_STRSZ ", layout.strsz) {
				return false
			}
		} else {
			info.Symbols.strtab = strtab
		}
	}

	if layout.symtab != 0 {
		if !dm.readSymtab(d, mem, layout) {
			return false
		}
	}

	if layout.hasSoname {
		name := info.Symbols.String(layout.sonameOff)
		if name == "" {
			if !d.FormatError("DT_SONAME has invalid DT_STRTAB offset ", layout.sonameOff) {
				return false
			}
		} else {
			info.Soname = NewSoname(name)
		}
	}
	return true
}

func (dm *DecodedModule) readSymtab(d *diag.Diagnostics, mem Memory, layout dynLayout) bool {
	info := dm.Module()

	var count uint64
	var buckets, chains []uint32
	switch {
	case layout.hash != 0:
		var ok bool
		if buckets, chains, ok = readSysVHash(d, mem, layout.hash); !ok {
			// Reported already; without a count the table stays empty.
			return d.Policy() == diag.Continue
		}
		count = uint64(len(chains))
	case layout.gnuHash != 0:
		var ok bool
		if count, ok = gnuHashSymbolCount(d, mem, layout.gnuHash); !ok {
			return d.Policy() == diag.Continue
		}
	default:
		return d.FormatError("no DT_HASH or DT_GNU_HASH; cannot size DT_SYMTAB")
	}

	raw, ok := mem.ReadArray(layout.symtab, count*symEntrySize)
	if !ok {
		return d.FormatError("DT_SYMTAB has invalid address ", layout.symtab, " for ", count, " symbols")
	}
	syms := make([]elf.Sym64, count)
	for i := range syms {
		entry := raw[i*symEntrySize:]
		syms[i] = elf.Sym64{
			Name:  binary.LittleEndian.Uint32(entry),
			Info:  entry[4],
			Other: entry[5],
			Shndx: binary.LittleEndian.Uint16(entry[6:]),
			Value: binary.LittleEndian.Uint64(entry[8:]),
			Size:  binary.LittleEndian.Uint64(entry[16:]),
		}
	}
	info.Symbols.syms = syms
	info.Symbols.SetHash(buckets, chains)
	return true
}

func readSysVHash(d *diag.Diagnostics, mem Memory, addr uint64) (buckets, chains []uint32, ok bool) {
	hdr, hok := mem.ReadArray(addr, 8)
	if !hok {
		d.FormatError("DT_HASH has invalid address ", addr)
		return nil, nil, false
	}
	nbucket := binary.LittleEndian.Uint32(hdr)
	nchain := binary.LittleEndian.Uint32(hdr[4:])
	body, hok := mem.ReadArray(addr+8, (uint64(nbucket)+uint64(nchain))*4)
	if !hok {
		d.FormatError("DT_HASH table truncated: nbucket ", nbucket, " nchain ", nchain)
		return nil, nil, false
	}
	buckets = make([]uint32, nbucket)
	chains = make([]uint32, nchain)
	for i := range buckets {
		buckets[i] = binary.LittleEndian.Uint32(body[i*4:])
	}
	for i := range chains {
		chains[i] = binary.LittleEndian.Uint32(body[(int(nbucket)+i)*4:])
	}
	return buckets, chains, true
}

// gnuHashSymbolCount derives the dynamic symbol count from a DT_GNU_HASH
// table: the highest bucket starts the last chain, which runs until an
// entry with the stop bit set.
func gnuHashSymbolCount(d *diag.Diagnostics, mem Memory, addr uint64) (uint64, bool) {
	hdr, ok := mem.ReadArray(addr, 16)
	if !ok {
		d.FormatError("DT_GNU_HASH has invalid address ", addr)
		return 0, false
	}
	nbuckets := binary.LittleEndian.Uint32(hdr)
	symOffset := binary.LittleEndian.Uint32(hdr[4:])
	bloomSize := binary.LittleEndian.Uint32(hdr[8:])

	bucketsAddr := addr + 16 + uint64(bloomSize)*8
	raw, ok := mem.ReadArray(bucketsAddr, uint64(nbuckets)*4)
	if !ok {
		d.FormatError("DT_GNU_HASH buckets truncated: nbuckets ", nbuckets)
		return 0, false
	}
	var last uint32
	for i := uint32(0); i < nbuckets; i++ {
		if b := binary.LittleEndian.Uint32(raw[i*4:]); b > last {
			last = b
		}
	}
	if last < symOffset {
		return uint64(symOffset), true
	}

	chainAddr := bucketsAddr + uint64(nbuckets)*4
	for {
		entry, ok := mem.ReadArray(chainAddr+uint64(last-symOffset)*4, 4)
		if !ok {
			d.FormatError("DT_GNU_HASH chain truncated at symbol index ", last)
			return 0, false
		}
		if binary.LittleEndian.Uint32(entry)&1 != 0 {
			return uint64(last) + 1, true
		}
		last++
	}
}

// SetTls fills out the TLS descriptor from the PT_TLS header. The modid
// must be nonzero; it is recorded even when validation fails under the
// Continue policy, preserving the invariant that a nonzero id means the
// module has a PT_TLS.
func (dm *DecodedModule) SetTls(d *diag.Diagnostics, mem Memory, tlsPhdr elf.ProgHeader, modid uint64) bool {
	if modid == 0 {
		panic("elfdyn: TLS module id must be nonzero")
	}
	dm.Module().TLSModID = modid

	alignment := max(tlsPhdr.Align, 1)
	if bits.OnesCount64(alignment) != 1 {
		if !d.FormatError("PT_TLS header has invalid p_align ", alignment) {
			return false
		}
	} else {
		dm.tls.Alignment = alignment
	}

	if tlsPhdr.Filesz > tlsPhdr.Memsz {
		if !d.FormatError("PT_TLS header `p_filesz > p_memsz`") {
			return false
		}
	} else {
		dm.tls.BssSize = tlsPhdr.Memsz - tlsPhdr.Filesz
	}

	initialData, ok := mem.ReadArray(tlsPhdr.Vaddr, tlsPhdr.Filesz)
	if !ok {
		return d.FormatError("PT_TLS has invalid p_vaddr ", tlsPhdr.Vaddr, " or p_filesz ", tlsPhdr.Filesz)
	}
	dm.tls.InitialData = initialData
	return true
}

// ReifyNeeded resolves one DT_NEEDED string-table offset (as collected by
// a NeededObserver) into a Soname. ok=false means the entry was invalid
// and has been reported; keepGoing carries the diagnostics decision. An
// empty-but-in-range string may be skipped under the Continue policy,
// while an offset outside the string table always aborts.
func (dm *DecodedModule) ReifyNeeded(d *diag.Diagnostics, offset uint64) (name Soname, ok, keepGoing bool) {
	if s := dm.SymbolInfo().String(offset); s != "" {
		return NewSoname(s), true, true
	}
	strtabSize := dm.SymbolInfo().StrtabSize()
	if offset < strtabSize {
		keep := d.FormatError("DT_NEEDED has empty SONAME at DT_STRTAB offset ", offset)
		return Soname{}, false, keep
	}
	d.FormatError("DT_NEEDED has DT_STRTAB offset ", offset, " with DT_STRSZ ", strtabSize)
	return Soname{}, false, false
}

// ReifyNeededAll applies ReifyNeeded to each offset, dropping skippable
// bad entries. A false result means a hard failure or a diagnostics
// abort; a true result with a shorter list means entries were skipped
// under the Continue policy.
func (dm *DecodedModule) ReifyNeededAll(d *diag.Diagnostics, offsets []uint64) ([]Soname, bool) {
	names := make([]Soname, 0, len(offsets))
	for _, offset := range offsets {
		name, ok, keepGoing := dm.ReifyNeeded(d, offset)
		if !ok {
			if keepGoing {
				continue
			}
			return nil, false
		}
		names = append(names, name)
	}
	return names, true
}
