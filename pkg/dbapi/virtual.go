package dbapi

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/ppphp/portago-resolver/pkg/dep"
	"github.com/ppphp/portago-resolver/pkg/versions"
)

// FakeDbAPI is an in-memory DbAPI. It is safe for concurrent readers;
// writers must not run concurrently with anything else.
type FakeDbAPI struct {
	cpvdict map[string]map[string]string
	cpdict  map[string][]string

	mu         sync.Mutex
	matchCache map[string][]string
}

func NewFakeDbAPI() *FakeDbAPI {
	f := &FakeDbAPI{}
	f.Clear()
	return f
}

func (f *FakeDbAPI) Clear() {
	f.cpvdict = map[string]map[string]string{}
	f.cpdict = map[string][]string{}
	f.clearCache()
}

func (f *FakeDbAPI) clearCache() {
	f.mu.Lock()
	f.matchCache = map[string][]string{}
	f.mu.Unlock()
}

// CpvInject adds or replaces a package.
func (f *FakeDbAPI) CpvInject(cpv string, metadata map[string]string) error {
	cp := versions.CpvGetKey(cpv)
	if cp == "" || versions.CatPkgSplit(cpv)[0] == "null" {
		return errors.Errorf("invalid cpv '%s'", cpv)
	}
	m := make(map[string]string, len(metadata))
	for k, v := range metadata {
		m[k] = v
	}
	if _, ok := f.cpvdict[cpv]; !ok {
		f.cpdict[cp] = append(f.cpdict[cp], cpv)
	}
	f.cpvdict[cpv] = m
	f.clearCache()
	return nil
}

func (f *FakeDbAPI) CpvRemove(cpv string) {
	if _, ok := f.cpvdict[cpv]; !ok {
		return
	}
	delete(f.cpvdict, cpv)
	cp := versions.CpvGetKey(cpv)
	list := f.cpdict[cp]
	for i, x := range list {
		if x == cpv {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(f.cpdict, cp)
	} else {
		f.cpdict[cp] = list
	}
	f.clearCache()
}

func (f *FakeDbAPI) CpvExists(cpv string) bool {
	_, ok := f.cpvdict[cpv]
	return ok
}

func (f *FakeDbAPI) buildTime(cpv string) string {
	return f.cpvdict[cpv]["BUILD_TIME"]
}

// CpList returns the versions of cp in ascending order.
func (f *FakeDbAPI) CpList(cp string) []string {
	out := append([]string(nil), f.cpdict[cp]...)
	sortCpvs(out, f.buildTime)
	return out
}

func (f *FakeDbAPI) CpAll() []string {
	out := make([]string, 0, len(f.cpdict))
	for cp := range f.cpdict {
		out = append(out, cp)
	}
	sort.Strings(out)
	return out
}

func (f *FakeDbAPI) CpvAll() []string {
	out := make([]string, 0, len(f.cpvdict))
	for cpv := range f.cpvdict {
		out = append(out, cpv)
	}
	sort.Strings(out)
	return out
}

func (f *FakeDbAPI) Match(atom *dep.Atom) []string {
	key := atom.WithoutUse().WithoutBlocker().String()
	f.mu.Lock()
	cached, ok := f.matchCache[key]
	f.mu.Unlock()
	if ok {
		return append([]string(nil), cached...)
	}
	var out []string
	for _, cpv := range dep.MatchFromList(atom, f.CpList(atom.CP)) {
		md := f.cpvdict[cpv]
		slot, sub := splitSlot(md["SLOT"])
		if !atom.MatchSlot(slot, sub) {
			continue
		}
		if atom.Repo != "" && atom.Repo != md["repository"] {
			continue
		}
		out = append(out, cpv)
	}
	f.mu.Lock()
	f.matchCache[key] = out
	f.mu.Unlock()
	return append([]string(nil), out...)
}

func splitSlot(slot string) (string, string) {
	if slot == "" {
		slot = "0"
	}
	for i := 0; i < len(slot); i++ {
		if slot[i] == '/' {
			return slot[:i], slot[i+1:]
		}
	}
	return slot, slot
}

func (f *FakeDbAPI) AuxGet(cpv string, keys []string) ([]string, error) {
	md, ok := f.cpvdict[cpv]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "aux_get %s", cpv)
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = md[k]
	}
	return out, nil
}

// AuxUpdate merges values into the metadata of cpv.
func (f *FakeDbAPI) AuxUpdate(cpv string, values map[string]string) error {
	md, ok := f.cpvdict[cpv]
	if !ok {
		return errors.Wrapf(ErrNotFound, "aux_update %s", cpv)
	}
	for k, v := range values {
		md[k] = v
	}
	f.clearCache()
	return nil
}
