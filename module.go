// Package dynlink is a runtime dynamic linker core: it tracks the loaded
// ELF modules of one dynamic-linking session, resolves symbols across a
// module's dependency scope, and promotes modules to global visibility.
// Segment mapping, relocation processing, and file retrieval are
// collaborator capabilities supplied by the embedding runtime.
//
// Nothing here is internally synchronized: the embedding runtime must
// serialize all operations on a Linker (the usual global loader lock).
package dynlink

import (
	"github.com/sliverarmory/dynlink/elfdyn"
)

// Soname is a module's canonical lookup name.
type Soname = elfdyn.Soname

// NewSoname constructs a Soname with its hash precomputed.
func NewSoname(name string) Soname { return elfdyn.NewSoname(name) }

// Module is one loaded module in a dynamic-linking session. It wraps the
// module's decoded ELF metadata with runtime state: the load bias, the
// global/local visibility flag, and the links into the dependency tree
// used for symbol scope traversal.
//
// A Module lives in exactly one Linker's module list and is destroyed
// only when the whole session is torn down; the same Module may appear as
// a dependency of any number of roots without duplication.
type Module struct {
	name     Soname
	abi      elfdyn.ModuleInfo
	decoded  elfdyn.DecodedModule
	loadBias uint64
	biasSet  bool
	global   bool

	// Direct dependencies, in DT_NEEDED order.
	deps []*Module
}

// NewModule creates a module named name. The modid is the module's
// position in the session's load-order list, recorded in the passive
// runtime description for symbolizers.
func NewModule(name Soname, modid uint32) *Module {
	m := &Module{name: name}
	m.decoded.SetModule(&m.abi)
	m.abi.SymbolizerModID = modid
	m.decoded.SetAbiName(name)
	return m
}

func (m *Module) Name() Soname { return m.name }

func (m *Module) Decoded() *elfdyn.DecodedModule { return &m.decoded }

// LoadBias is the runtime offset added to the module's link-time
// addresses. It is fixed at load time and never changes.
func (m *Module) LoadBias() uint64 { return m.loadBias }

func (m *Module) setLoadBias(bias uint64) {
	if m.biasSet {
		panic("dynlink: load bias already set")
	}
	m.loadBias = bias
	m.biasSet = true
}

// Global reports the module's visibility class. The flag is monotonic:
// once global, a module never returns to local scope.
func (m *Module) Global() bool { return m.global }

// Deps returns the module's direct dependencies in DT_NEEDED order.
// Startup modules have none recorded (see PopulateStartupModules).
func (m *Module) Deps() []*Module { return m.deps }

// Tree is the module's symbol-search scope.
func (m *Module) Tree() ModuleTree { return ModuleTree{root: m} }
