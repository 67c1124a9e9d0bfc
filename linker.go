package dynlink

import (
	"debug/elf"
	"fmt"
	"slices"

	"github.com/sliverarmory/dynlink/diag"
	"github.com/sliverarmory/dynlink/elfdyn"
)

// Linker owns the ordered list of a session's loaded modules. The list is
// partitioned: locally-scoped modules precede globally-promoted ones, and
// within each class relative load order is preserved. Module names are
// unique within the list.
//
// A Linker is not internally synchronized; see the package comment.
type Linker struct {
	// modules[:locals] are local, modules[locals:] are global.
	modules []*Module
	locals  int

	// Highest TLS module id handed out so far.
	tlsModIDs uint64
}

// NewLinker creates the session's linker and populates it from the
// startup snapshot, if one is given. On any populate failure no linker is
// returned.
func NewLinker(snapshot *Snapshot) (*Linker, error) {
	l := &Linker{}
	if snapshot != nil {
		if len(snapshot.StaticTLSModules) != len(snapshot.StaticTLSOffsets) {
			return nil, fmt.Errorf("dynlink: inconsistent snapshot: %d static TLS modules, %d offsets",
				len(snapshot.StaticTLSModules), len(snapshot.StaticTLSOffsets))
		}
		if err := l.PopulateStartupModules(snapshot); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// PopulateStartupModules records one Module per snapshot entry, in the
// snapshot's order. An already-loaded module's metadata is authoritative,
// so nothing is re-decoded from disk.
//
// Startup modules are recorded as leaves: the snapshot carries no
// dependency records, so ModuleTree traversal rooted at a startup module
// sees no dependencies. On error the modules appended so far are not
// rolled back; NewLinker discards the whole linker in that case, so no
// caller observes the partial list.
func (l *Linker) PopulateStartupModules(snapshot *Snapshot) error {
	for i := range snapshot.Modules {
		sm := &snapshot.Modules[i]
		lookupName := sm.Soname
		if lookupName == "" {
			lookupName = sm.Name
		}
		name := NewSoname(lookupName)
		if l.FindModule(name) != nil {
			return fmt.Errorf("dynlink: duplicate startup module %q", lookupName)
		}

		m := NewModule(name, uint32(len(l.modules)))
		m.abi.LinkMapName = sm.Name
		if sm.Soname != "" {
			m.abi.Soname = NewSoname(sm.Soname)
		}
		m.abi.Symbols = sm.Symbols
		m.abi.TLSModID = sm.TLSModID
		m.setLoadBias(sm.LoadBias)
		if sm.TLSModID > l.tlsModIDs {
			l.tlsModIDs = sm.TLSModID
		}
		l.appendLocal(m)
	}
	return nil
}

// FindModule returns the module named name, or nil. The returned pointer
// does not extend the module's lifetime (there is no reference counting),
// but modules are owned by the linker and never freed before the session
// ends, so the pointer stays valid across later loads and promotions.
func (l *Linker) FindModule(name Soname) *Module {
	for _, m := range l.modules {
		if m.name.Equal(name) {
			return m
		}
	}
	return nil
}

// LookupSymbol resolves symbol starting from root's dependency scope:
// the first module in the scope's search order with a matching defined
// symbol wins, and the result is that symbol's value plus the defining
// module's load bias. No weak/strong preference is applied at this layer.
//
// Thread-local symbols are not resolvable through this path; they yield
// an error matching diag.ErrTLSNotSupported. A name defined nowhere in
// scope yields a *diag.UndefinedSymbolError. Errors name root, the module
// that initiated the lookup.
func (l *Linker) LookupSymbol(root *Module, symbol string) (uintptr, error) {
	d := diag.New(diag.Abort)
	defer d.ScopeModule(root.Name().String())()

	for m := range root.Tree().All() {
		sym := m.abi.Symbols.Lookup(symbol)
		if sym == nil || !elfdyn.SymbolDefined(sym) {
			continue
		}
		if elf.ST_TYPE(sym.Info) == elf.STT_TLS {
			d.WrapSystemError(diag.ErrTLSNotSupported, "cannot resolve symbol "+symbol)
			return 0, d.TakeError()
		}
		return uintptr(sym.Value + m.loadBias), nil
	}

	d.UndefinedSymbol(symbol)
	return 0, d.TakeError()
}

// MakeGlobal promotes every module in tree that is not already global:
// the flag is set and the module moves to the tail of the list, in the
// tree's traversal order. Modules already global keep both their flag and
// their position, so relative order within each visibility class is
// preserved.
func (l *Linker) MakeGlobal(tree ModuleTree) {
	for m := range tree.All() {
		if m.global {
			continue
		}
		m.global = true
		idx := slices.Index(l.modules, m)
		l.modules = append(slices.Delete(l.modules, idx, idx+1), m)
		l.locals--
	}
}

// Modules returns the session's modules in list order (locals first, then
// globals). The slice is a copy; the modules are not.
func (l *Linker) Modules() []*Module {
	return slices.Clone(l.modules)
}

// appendLocal inserts m at the end of the locals partition, before all
// globals.
func (l *Linker) appendLocal(m *Module) {
	l.modules = slices.Insert(l.modules, l.locals, m)
	l.locals++
}

func (l *Linker) nextTLSModID() uint64 {
	l.tlsModIDs++
	return l.tlsModIDs
}
