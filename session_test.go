package dynlink_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io/fs"
	"sort"
	"strings"
	"testing"

	"github.com/sliverarmory/dynlink"
	"github.com/sliverarmory/dynlink/diag"
)

// soConfig describes a synthetic ET_DYN image: one PT_LOAD covering the
// whole file at vaddr 0 (so link-time addresses equal file offsets), a
// PT_DYNAMIC with a hashed symbol table, and optionally a PT_TLS.
type soConfig struct {
	soname string
	needed []string
	syms   map[string]uint64
	tls    bool
}

func buildSO(t *testing.T, cfg soConfig) []byte {
	t.Helper()

	var strtab bytes.Buffer
	strtab.WriteByte(0)
	strOff := func(s string) uint64 {
		off := uint64(strtab.Len())
		strtab.WriteString(s)
		strtab.WriteByte(0)
		return off
	}

	var sonameOff uint64
	if cfg.soname != "" {
		sonameOff = strOff(cfg.soname)
	}
	neededOffs := make([]uint64, len(cfg.needed))
	for i, name := range cfg.needed {
		neededOffs[i] = strOff(name)
	}

	symNames := make([]string, 0, len(cfg.syms))
	for name := range cfg.syms {
		symNames = append(symNames, name)
	}
	sort.Strings(symNames)
	syms := []elf.Sym64{{}}
	for _, name := range symNames {
		syms = append(syms, elf.Sym64{
			Name:  uint32(strOff(name)),
			Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
			Shndx: 1,
			Value: cfg.syms[name],
		})
	}

	phnum := 2
	if cfg.tls {
		phnum = 3
	}
	dataOff := uint64(64 + 56*phnum)

	// Data region: strtab, symtab, hash, dynamic, optional TLS block.
	var data bytes.Buffer
	pad := func() {
		for data.Len()%8 != 0 {
			data.WriteByte(0)
		}
	}
	strtabAddr := dataOff
	data.Write(strtab.Bytes())
	pad()
	symtabAddr := dataOff + uint64(data.Len())
	if err := binary.Write(&data, binary.LittleEndian, syms); err != nil {
		t.Fatalf("write symtab: %v", err)
	}
	hashAddr := dataOff + uint64(data.Len())
	hash := []uint32{1, uint32(len(syms))} // nbucket, nchain
	if len(syms) > 1 {
		hash = append(hash, 1) // bucket 0 -> first real symbol
	} else {
		hash = append(hash, 0)
	}
	for i := 0; i < len(syms); i++ {
		next := uint32(i + 1)
		if i == 0 || i == len(syms)-1 {
			next = 0
		}
		hash = append(hash, next)
	}
	if err := binary.Write(&data, binary.LittleEndian, hash); err != nil {
		t.Fatalf("write hash: %v", err)
	}
	pad()

	dynAddr := dataOff + uint64(data.Len())
	var dyn []elf.Dyn64
	if cfg.soname != "" {
		dyn = append(dyn, elf.Dyn64{Tag: int64(elf.DT_SONAME), Val: sonameOff})
	}
	for _, off := range neededOffs {
		dyn = append(dyn, elf.Dyn64{Tag: int64(elf.DT_NEEDED), Val: off})
	}
	dyn = append(dyn,
		elf.Dyn64{Tag: int64(elf.DT_STRTAB), Val: strtabAddr},
		elf.Dyn64{Tag: int64(elf.DT_STRSZ), Val: uint64(strtab.Len())},
		elf.Dyn64{Tag: int64(elf.DT_SYMTAB), Val: symtabAddr},
		elf.Dyn64{Tag: int64(elf.DT_SYMENT), Val: 24},
		elf.Dyn64{Tag: int64(elf.DT_HASH), Val: hashAddr},
		elf.Dyn64{Tag: int64(elf.DT_NULL)},
	)
	if err := binary.Write(&data, binary.LittleEndian, dyn); err != nil {
		t.Fatalf("write dynamic: %v", err)
	}

	var tlsAddr uint64
	if cfg.tls {
		pad()
		tlsAddr = dataOff + uint64(data.Len())
		data.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	}

	total := dataOff + uint64(data.Len())

	var out bytes.Buffer
	ehdr := elf.Header64{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)},
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     uint16(phnum),
	}
	phdrs := []elf.Prog64{
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R), Filesz: total, Memsz: total, Align: 0x1000},
		{Type: uint32(elf.PT_DYNAMIC), Flags: uint32(elf.PF_R), Off: dynAddr, Vaddr: dynAddr,
			Filesz: uint64(len(dyn)) * 16, Memsz: uint64(len(dyn)) * 16, Align: 8},
	}
	if cfg.tls {
		phdrs = append(phdrs, elf.Prog64{Type: uint32(elf.PT_TLS), Flags: uint32(elf.PF_R),
			Off: tlsAddr, Vaddr: tlsAddr, Filesz: 8, Memsz: 16, Align: 8})
	}
	if err := binary.Write(&out, binary.LittleEndian, ehdr); err != nil {
		t.Fatalf("write ehdr: %v", err)
	}
	if err := binary.Write(&out, binary.LittleEndian, phdrs); err != nil {
		t.Fatalf("write phdrs: %v", err)
	}
	out.Write(data.Bytes())
	return out.Bytes()
}

func retrieveMap(files map[string][]byte) dynlink.RetrieveFile {
	return func(_ *diag.Diagnostics, name string) ([]byte, error) {
		data, ok := files[name]
		if !ok {
			return nil, fs.ErrNotExist
		}
		return data, nil
	}
}

func TestOpenLinksDependencyGraph(t *testing.T) {
	files := map[string][]byte{
		"root.so": buildSO(t, soConfig{soname: "root.so", needed: []string{"a.so", "b.so"},
			syms: map[string]uint64{"rootonly": 0x10}}),
		"a.so": buildSO(t, soConfig{soname: "a.so", needed: []string{"b.so"},
			syms: map[string]uint64{"shared": 0xa0}}),
		"b.so": buildSO(t, soConfig{soname: "b.so",
			syms: map[string]uint64{"shared": 0xb0, "bonly": 0xb8}}),
	}

	l, err := dynlink.NewLinker(nil)
	if err != nil {
		t.Fatalf("NewLinker: %v", err)
	}
	d := diag.New(diag.Abort)
	root, err := l.Open(d, dynlink.NewSoname("root.so"), retrieveMap(files), dynlink.ImageLoader{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	deps := root.Deps()
	if len(deps) != 2 || deps[0].Name().String() != "a.so" || deps[1].Name().String() != "b.so" {
		t.Fatalf("root deps = %v, want [a.so b.so]", deps)
	}
	if aDeps := deps[0].Deps(); len(aDeps) != 1 || aDeps[0] != deps[1] {
		t.Error("a.so must depend on the same b.so module, not a duplicate")
	}

	mods := l.Modules()
	if len(mods) != 3 {
		t.Fatalf("module count = %d, want 3", len(mods))
	}
	for i, want := range []string{"root.so", "a.so", "b.so"} {
		if mods[i].Name().String() != want {
			t.Errorf("modules[%d] = %s, want %s (load order)", i, mods[i].Name(), want)
		}
	}

	// First match in root-then-breadth-first order: a.so defines it first.
	addr, err := l.LookupSymbol(root, "shared")
	if err != nil {
		t.Fatalf("LookupSymbol: %v", err)
	}
	if addr != 0xa0 {
		t.Errorf("shared resolved to %#x, want a.so's 0xa0", addr)
	}

	// Transitive symbols resolve through the scope too.
	if addr, err = l.LookupSymbol(root, "bonly"); err != nil || addr != 0xb8 {
		t.Errorf("bonly = %#x, %v; want 0xb8", addr, err)
	}
}

func TestOpenRootNotFound(t *testing.T) {
	l, _ := dynlink.NewLinker(nil)
	d := diag.New(diag.Abort)
	_, err := l.Open(d, dynlink.NewSoname("nowhere.so"), retrieveMap(nil), dynlink.ImageLoader{})
	if err == nil || !strings.Contains(err.Error(), "nowhere.so not found") {
		t.Fatalf("err = %v, want root not-found message", err)
	}
	if len(l.Modules()) != 0 {
		t.Error("failed session must not commit modules")
	}
}

func TestOpenMissingDependency(t *testing.T) {
	files := map[string][]byte{
		"root.so": buildSO(t, soConfig{soname: "root.so", needed: []string{"gone.so"}}),
	}
	l, _ := dynlink.NewLinker(nil)
	d := diag.New(diag.Abort)
	_, err := l.Open(d, dynlink.NewSoname("root.so"), retrieveMap(files), dynlink.ImageLoader{})
	if err == nil || !strings.Contains(err.Error(), "gone.so not found") {
		t.Fatalf("err = %v, want missing dependency message", err)
	}
	if len(l.Modules()) != 0 {
		t.Error("failed session must not commit modules")
	}
}

func TestOpenReusesLoadedModules(t *testing.T) {
	files := map[string][]byte{
		"c.so":  buildSO(t, soConfig{soname: "c.so", syms: map[string]uint64{"c_fn": 0xc0}}),
		"r2.so": buildSO(t, soConfig{soname: "r2.so", needed: []string{"c.so"}}),
	}
	l, _ := dynlink.NewLinker(nil)
	d := diag.New(diag.Abort)

	c, err := l.Open(d, dynlink.NewSoname("c.so"), retrieveMap(files), dynlink.ImageLoader{})
	if err != nil {
		t.Fatalf("Open c.so: %v", err)
	}
	r2, err := l.Open(d, dynlink.NewSoname("r2.so"), retrieveMap(files), dynlink.ImageLoader{})
	if err != nil {
		t.Fatalf("Open r2.so: %v", err)
	}

	if deps := r2.Deps(); len(deps) != 1 || deps[0] != c {
		t.Error("r2.so must link against the already-loaded c.so module")
	}
	if got := len(l.Modules()); got != 2 {
		t.Errorf("module count = %d, want 2 (no duplicate load)", got)
	}

	// Opening an already-loaded root hands back the same module.
	again, err := l.Open(d, dynlink.NewSoname("c.so"), retrieveMap(files), dynlink.ImageLoader{})
	if err != nil {
		t.Fatalf("reopen c.so: %v", err)
	}
	if again != c || len(l.Modules()) != 2 {
		t.Error("reopening a loaded module must be a no-op")
	}
}

func TestOpenAssignsTLSModuleIDs(t *testing.T) {
	files := map[string][]byte{
		"t1.so": buildSO(t, soConfig{soname: "t1.so", tls: true}),
		"t2.so": buildSO(t, soConfig{soname: "t2.so", tls: true}),
		"nt.so": buildSO(t, soConfig{soname: "nt.so"}),
	}
	l, _ := dynlink.NewLinker(nil)
	d := diag.New(diag.Abort)

	for _, name := range []string{"t1.so", "nt.so", "t2.so"} {
		if _, err := l.Open(d, dynlink.NewSoname(name), retrieveMap(files), dynlink.ImageLoader{}); err != nil {
			t.Fatalf("Open %s: %v", name, err)
		}
	}

	get := func(name string) uint64 {
		return l.FindModule(dynlink.NewSoname(name)).Decoded().TLSModuleID()
	}
	if get("t1.so") != 1 || get("t2.so") != 2 {
		t.Errorf("TLS ids = %d, %d; want 1, 2", get("t1.so"), get("t2.so"))
	}
	if get("nt.so") != 0 {
		t.Errorf("module without PT_TLS has id %d, want 0", get("nt.so"))
	}
}

func TestOpenAppliesLoaderBias(t *testing.T) {
	files := map[string][]byte{
		"m.so": buildSO(t, soConfig{soname: "m.so", syms: map[string]uint64{"fn": 0x50}}),
	}
	l, _ := dynlink.NewLinker(nil)
	d := diag.New(diag.Abort)
	m, err := l.Open(d, dynlink.NewSoname("m.so"), retrieveMap(files), dynlink.ImageLoader{Base: 0x1000})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if m.LoadBias() != 0x1000 {
		t.Errorf("load bias = %#x, want 0x1000", m.LoadBias())
	}
	if addr, err := l.LookupSymbol(m, "fn"); err != nil || addr != 0x1050 {
		t.Errorf("fn = %#x, %v; want 0x1050", addr, err)
	}
}

type recordingRelocator struct {
	seen  []string
	scope int
}

func (r *recordingRelocator) Relocate(_ *diag.Diagnostics, m *dynlink.Module, scope []*dynlink.Module) bool {
	r.seen = append(r.seen, m.Name().String())
	r.scope = len(scope)
	return true
}

func TestSessionRunsRelocator(t *testing.T) {
	files := map[string][]byte{
		"root.so": buildSO(t, soConfig{soname: "root.so", needed: []string{"dep.so"}}),
		"dep.so":  buildSO(t, soConfig{soname: "dep.so"}),
	}
	l, _ := dynlink.NewLinker(nil)
	rel := &recordingRelocator{}
	s := l.NewSession(dynlink.ImageLoader{}, rel)
	d := diag.New(diag.Abort)
	if !s.Link(d, dynlink.NewSoname("root.so"), retrieveMap(files)) {
		t.Fatalf("Link: %v", d.TakeError())
	}
	root := s.Commit()
	if root == nil || root.Name().String() != "root.so" {
		t.Fatalf("Commit returned %v", root)
	}
	if len(rel.seen) != 2 || rel.seen[0] != "root.so" || rel.seen[1] != "dep.so" {
		t.Errorf("relocated %v, want [root.so dep.so]", rel.seen)
	}
	if rel.scope != 2 {
		t.Errorf("relocation scope = %d modules, want 2", rel.scope)
	}
}
