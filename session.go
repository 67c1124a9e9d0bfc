package dynlink

import (
	"errors"
	"io/fs"

	"github.com/sliverarmory/dynlink/diag"
	"github.com/sliverarmory/dynlink/elfdyn"
)

// RetrieveFile fetches the file image for a module name. Returning an
// error matching fs.ErrNotExist means the file was not found (the session
// emits the not-found or missing-dependency message); any other error is
// reported as a system error for the module.
type RetrieveFile func(d *diag.Diagnostics, name string) ([]byte, error)

// Loader maps a decoded file's segments into addressable memory and
// returns the load bias plus a Memory over the mapped range. Real page
// mapping lives in the embedding runtime; see ImageLoader for the
// metadata-only implementation.
type Loader interface {
	Load(d *diag.Diagnostics, f *elfdyn.File) (uint64, elfdyn.Memory, bool)
}

// ImageLoader presents the file image in place without mapping pages:
// enough for symbol resolution and inspection. Base is the bias reported
// for the "mapping".
type ImageLoader struct {
	Base uint64
}

func (il ImageLoader) Load(_ *diag.Diagnostics, f *elfdyn.File) (uint64, elfdyn.Memory, bool) {
	return il.Base, f.Memory(), true
}

// Relocator applies a module's relocations against the session's module
// scope. Relocation processing is outside this core; sessions run without
// one unless the embedding runtime provides it.
type Relocator interface {
	Relocate(d *diag.Diagnostics, m *Module, scope []*Module) bool
}

// LinkingSession is the transient state of loading one root module and
// its dependencies. A session lives for a single Open call; on success
// Commit transfers its new modules into the linker, otherwise they are
// discarded and the linker is untouched.
type LinkingSession struct {
	linker *Linker
	loader Loader
	reloc  Relocator

	root    *Module
	pending []*sessionModule
}

// sessionModule is the per-module scratch state needed only while the
// session runs; the wrapped Module is the permanent record.
type sessionModule struct {
	module *Module
	deps   []Soname
}

func (l *Linker) NewSession(loader Loader, reloc Relocator) *LinkingSession {
	return &LinkingSession{linker: l, loader: loader, reloc: reloc}
}

// Open loads the module named name along with its transitive
// dependencies, links them into the session list, and commits them to the
// linker. Modules the linker already holds are reused, not reloaded. On
// failure nothing is committed and the diagnostics' error is returned.
func (l *Linker) Open(d *diag.Diagnostics, name Soname, retrieve RetrieveFile, loader Loader) (*Module, error) {
	s := l.NewSession(loader, nil)
	if !s.Link(d, name, retrieve) {
		err := d.TakeError()
		if err == nil {
			err = errors.New("dynlink: load failed: " + name.String())
		}
		return nil, err
	}
	return s.Commit(), nil
}

// Link loads the root module and everything it needs, then relocates.
func (s *LinkingSession) Link(d *diag.Diagnostics, root Soname, retrieve RetrieveFile) bool {
	rootModule, created := s.enqueue(root)
	s.root = rootModule
	if !created {
		// Already loaded by a previous session or at startup.
		return true
	}

	// Each module's DT_NEEDED list enqueues behind everything already
	// pending, so dependencies load in breadth-first order.
	for i := 0; i < len(s.pending); i++ {
		sm := s.pending[i]
		data, err := retrieve(d, sm.module.Name().String())
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				if i == 0 {
					d.SystemError(sm.module.Name().String(), " not found")
				} else {
					d.MissingDependency(sm.module.Name().String())
				}
			} else {
				d.WrapSystemError(err, "cannot open "+sm.module.Name().String())
			}
			return false
		}
		if !s.load(d, sm, data) {
			return false
		}
		for _, dep := range sm.deps {
			depModule, _ := s.enqueue(dep)
			sm.module.deps = append(sm.module.deps, depModule)
		}
	}

	return s.relocate(d)
}

// Commit transfers the session's modules into the linker's locals
// partition, in load order, and returns the root module. Promotion to
// global scope is a separate, explicit MakeGlobal call.
func (s *LinkingSession) Commit() *Module {
	for _, sm := range s.pending {
		s.linker.appendLocal(sm.module)
	}
	s.pending = nil
	return s.root
}

// enqueue returns the module for name, creating and queueing it unless
// this session or the linker already has it.
func (s *LinkingSession) enqueue(name Soname) (*Module, bool) {
	for _, sm := range s.pending {
		if sm.module.name.Equal(name) {
			return sm.module, false
		}
	}
	if m := s.linker.FindModule(name); m != nil {
		return m, false
	}

	modid := uint32(len(s.linker.modules) + len(s.pending))
	m := NewModule(name, modid)
	s.pending = append(s.pending, &sessionModule{module: m})
	return m, true
}

// load maps the file, decodes its dynamic section in a single pass, sets
// up TLS bookkeeping, and reifies the DT_NEEDED names.
func (s *LinkingSession) load(d *diag.Diagnostics, sm *sessionModule, data []byte) bool {
	f, ok := elfdyn.DecodeFile(d, data)
	if !ok {
		return false
	}

	bias, mem, ok := s.loader.Load(d, f)
	if !ok {
		return false
	}
	m := sm.module
	m.setLoadBias(bias)
	*m.decoded.LoadInfo() = f.Load

	var neededOffsets []uint64
	if _, ok := m.decoded.DecodeDynamic(d, mem, f.Dynamic, elfdyn.NewNeededObserver(&neededOffsets)); !ok {
		return false
	}

	if f.TLS != nil {
		if !m.decoded.SetTls(d, mem, *f.TLS, s.linker.nextTLSModID()) {
			return false
		}
	}

	names, ok := m.decoded.ReifyNeededAll(d, neededOffsets)
	if !ok {
		return false
	}
	sm.deps = names
	return true
}

func (s *LinkingSession) relocate(d *diag.Diagnostics) bool {
	if s.reloc == nil {
		return true
	}
	scope := make([]*Module, len(s.pending))
	for i, sm := range s.pending {
		scope[i] = sm.module
	}
	for _, m := range scope {
		restore := d.ScopeModule(m.Name().String())
		ok := s.reloc.Relocate(d, m, scope)
		restore()
		if !ok {
			return false
		}
	}
	return true
}
