package elfdyn

// ElfHash is the SysV ELF symbol hash function, also used to pre-hash
// Sonames so name comparisons can reject on the hash before touching the
// string.
func ElfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
			h &^= g
		}
	}
	return h
}

// Soname is the canonical name of a shared module, used as its lookup
// key. Two Sonames are equal iff their underlying strings are equal; the
// hash is precomputed at construction.
type Soname struct {
	str  string
	hash uint32
}

func NewSoname(name string) Soname {
	return Soname{str: name, hash: ElfHash(name)}
}

func (n Soname) String() string { return n.str }

func (n Soname) Hash() uint32 { return n.hash }

func (n Soname) Equal(other Soname) bool {
	return n.hash == other.hash && n.str == other.str
}

// IsZero reports whether the Soname was never set.
func (n Soname) IsZero() bool { return n.str == "" }
