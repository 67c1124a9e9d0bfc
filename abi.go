package dynlink

import "github.com/sliverarmory/dynlink/elfdyn"

// Snapshot is the passive ABI description of the modules loaded before
// this linker takes over: an ordered (leaf-first) list of startup modules
// produced by the startup loader, plus the static TLS layout. The two
// static-TLS lists are defined to be the same length.
type Snapshot struct {
	Modules []SnapshotModule

	// Parallel lists: TLS module ids and their static TLS block offsets.
	StaticTLSModules []uint64
	StaticTLSOffsets []uint64
}

// SnapshotModule describes one already-loaded startup module. Its
// metadata is authoritative: the module is never re-decoded from disk.
type SnapshotModule struct {
	// Name is the link-map name the module was loaded by.
	Name string
	// Soname is the embedded DT_SONAME, empty if none.
	Soname string
	// LoadBias is the runtime offset the startup loader placed it at.
	LoadBias uint64
	// Symbols is the module's resident dynamic symbol table view.
	Symbols elfdyn.SymbolInfo
	// TLSModID is nonzero iff the module has a PT_TLS segment.
	TLSModID uint64
}
