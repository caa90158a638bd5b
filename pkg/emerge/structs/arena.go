package structs

// Arena stores values once and hands out stable integer handles. Interning
// a value whose key is already present returns the existing handle.
type Arena[K comparable, V any] struct {
	items []V
	keys  []K
	index map[K]int32
}

func NewArena[K comparable, V any]() *Arena[K, V] {
	return &Arena[K, V]{index: map[K]int32{}}
}

// Intern stores v under k unless k is known, and returns the handle of k.
// The boolean is true when v was stored.
func (a *Arena[K, V]) Intern(k K, v V) (int32, bool) {
	if h, ok := a.index[k]; ok {
		return h, false
	}
	h := int32(len(a.items))
	a.items = append(a.items, v)
	a.keys = append(a.keys, k)
	a.index[k] = h
	return h, true
}

// Replace swaps the value behind an existing handle.
func (a *Arena[K, V]) Replace(h int32, v V) {
	a.items[h] = v
}

func (a *Arena[K, V]) Get(h int32) V { return a.items[h] }

func (a *Arena[K, V]) Key(h int32) K { return a.keys[h] }

func (a *Arena[K, V]) Lookup(k K) (int32, bool) {
	h, ok := a.index[k]
	return h, ok
}

func (a *Arena[K, V]) Len() int { return len(a.items) }

// PkgHandle refers to a package stored in a Packages arena.
type PkgHandle int32

// NoPkg is the handle of "no package".
const NoPkg PkgHandle = -1

// Packages is the package arena of one resolution session.
type Packages struct {
	a *Arena[PackageKey, *Package]
}

func NewPackages() *Packages {
	return &Packages{a: NewArena[PackageKey, *Package]()}
}

// Add interns p and returns its handle. When a package with the same key is
// already stored, that one is kept.
func (ps *Packages) Add(p *Package) PkgHandle {
	h, _ := ps.a.Intern(p.Key, p)
	return PkgHandle(h)
}

func (ps *Packages) Get(h PkgHandle) *Package { return ps.a.Get(int32(h)) }

func (ps *Packages) Lookup(k PackageKey) (PkgHandle, bool) {
	h, ok := ps.a.Lookup(k)
	return PkgHandle(h), ok
}

func (ps *Packages) Len() int { return ps.a.Len() }
