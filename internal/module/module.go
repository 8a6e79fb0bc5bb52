// Package module tracks every loaded image in a session, translates
// between module-relative and absolute addresses, and resolves source
// locations through each module's line index. Grounded on delve's
// BinaryInfo.Images handling in pkg/proc/bininfo.go, simplified since
// multi-image symbol merging and Go-runtime-specific bookkeeping are
// out of scope here.
package module

import (
	"fmt"
	"sort"
	"sync"

	"github.com/wcdbg/wcdbg/internal/lineindex"
)

// Module is a loaded image.
type Module struct {
	ID      int
	Path    string
	Base    uint64
	Size    uint64
	IsMain  bool // the executable, as opposed to a DLL
	Index   *lineindex.Index
	Exports map[string]uint32 // exported symbol name -> module-relative RVA
}

// Contains reports whether abs falls within [Base, Base+Size).
func (m *Module) Contains(abs uint64) bool {
	return m.Base != 0 && abs >= m.Base && abs < m.Base+m.Size
}

// Registry tracks every loaded module for one session. It is
// read and written exclusively by the owning session's debug-event loop
// worker; it holds no locking of its own beyond what's needed
// to let the session conductor take a coherent snapshot on demand.
type Registry struct {
	mu      sync.Mutex
	modules map[int]*Module
	order   []int // load order; index 0 is always the main executable once added
	nextID  int
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{modules: map[int]*Module{}}
}

// Add registers m, assigning it the next id (any id already set is
// overwritten), and
// returns the stored module. Add panics if m.Base would overlap a
// module already registered — overlap would mean the loader placed two
// images at conflicting addresses, which is a programming error in the
// caller (the debug-event loop), not a recoverable runtime condition.
func (r *Registry) Add(m *Module) *Module {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.modules {
		if existing.Base == 0 || m.Base == 0 {
			continue
		}
		if overlaps(existing.Base, existing.Size, m.Base, m.Size) {
			panic(fmt.Sprintf("module %q at [%#x,%#x) overlaps already-loaded %q at [%#x,%#x)",
				m.Path, m.Base, m.Base+m.Size, existing.Path, existing.Base, existing.Base+existing.Size))
		}
	}

	r.nextID++
	m.ID = r.nextID
	r.modules[m.ID] = m
	r.order = append(r.order, m.ID)
	return m
}

func overlaps(base1, size1, base2, size2 uint64) bool {
	end1, end2 := base1+size1, base2+size2
	return base1 < end2 && base2 < end1
}

// Remove drops the module with the given id.
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modules, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// LookupByAddress returns the module whose [Base, Base+Size) contains
// abs, or nil.
func (r *Registry) LookupByAddress(abs uint64) *Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		m := r.modules[id]
		if m.Contains(abs) {
			return m
		}
	}
	return nil
}

// LookupByID returns the module with the given id, or nil.
func (r *Registry) LookupByID(id int) *Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.modules[id]
}

// Iterate returns a snapshot of every loaded module, in deterministic
// load order (executable first, then DLLs in load order).
func (r *Registry) Iterate() []*Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Module, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.modules[id])
	}
	return out
}

// ResolvedLocation is the result of ResolveLineToAddress.
type ResolvedLocation struct {
	Addr   uint64
	Module *Module
}

// ResolveLineToAddress tries every module's line index, in deterministic
// load order, returning the first hit. When two modules claim the same
// path, this first-wins rule applies; the underlying ordering
// discipline is unspecified, so the session's own load order is used,
// which is the only order this registry offers.
func (r *Registry) ResolveLineToAddress(path string, line int) (ResolvedLocation, bool) {
	for _, m := range r.Iterate() {
		if m.Index == nil {
			continue
		}
		if rel, ok := m.Index.LineToAddress(path, line); ok {
			return ResolvedLocation{Addr: m.Base + rel, Module: m}, true
		}
	}
	return ResolvedLocation{}, false
}

// ResolveAddressToLine finds abs's owning module and delegates to its
// line index.
func (r *Registry) ResolveAddressToLine(abs uint64) (lineindex.Location, *Module, bool) {
	m := r.LookupByAddress(abs)
	if m == nil || m.Index == nil {
		return lineindex.Location{}, nil, false
	}
	loc, ok := m.Index.AddressToLine(abs - m.Base)
	if !ok {
		return lineindex.Location{}, m, false
	}
	return loc, m, true
}

// Snapshot is an ordering-stable, read-only view of the registry for
// JSON-RPC responses (list_modules).
type Snapshot struct {
	Path   string
	Base   uint64
	Size   uint64
	HasDWARF bool
}

// Snapshots returns a stable, display-ordered snapshot of every module.
func (r *Registry) Snapshots() []Snapshot {
	mods := r.Iterate()
	out := make([]Snapshot, 0, len(mods))
	for _, m := range mods {
		out = append(out, Snapshot{Path: m.Path, Base: m.Base, Size: m.Size, HasDWARF: m.Index != nil})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out
}
