// Package breakpoint implements planting and removing software
// breakpoints, tracking pending-vs-active resolution against the
// module registry, and the hit/re-arm sequence a debug-event loop
// drives. Grounded on delve's pkg/proc/breakpoints.go (Breakpoint,
// BreakpointExistsError, InvalidAddressError) trimmed to the fields
// this debugger's Breakpoint actually needs — no tracepoints,
// conditions, goroutine capture, or return-value collection.
package breakpoint

import (
	"fmt"
	"sort"
	"time"

	"github.com/wcdbg/wcdbg/internal/module"
	"github.com/wcdbg/wcdbg/internal/procctl"
	"github.com/wcdbg/wcdbg/pkg/logflags"
)

// State is a breakpoint's resolution state.
type State int

const (
	Pending State = iota
	Active
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Location is a requested breakpoint location: either an absolute
// address or a (path, line) pair.
type Location struct {
	Addr    uint64 // valid iff ByAddress
	Path    string // valid iff !ByAddress
	Line    int
	ByAddress bool
}

func (l Location) String() string {
	if l.ByAddress {
		return fmt.Sprintf("0x%x", l.Addr)
	}
	return fmt.Sprintf("%s:%d", l.Path, l.Line)
}

// Breakpoint is one tracked breakpoint record.
type Breakpoint struct {
	ID       int
	Location Location
	State    State
	ModuleID int    // valid once Active
	PlantedAddr uint64 // absolute address, valid once Active
	OriginalByte byte
	HitCount int
	Enabled  bool

	// PendingSince/ResolvedAfter track how long a breakpoint sat pending
	// before a module load resolved it. Zero value means "never
	// pending" or "not yet resolved".
	PendingSince time.Time
	ResolvedAfter time.Duration
}

// Manager owns every breakpoint for one session. It is driven
// exclusively by that session's debug-event loop worker; it
// holds no lock of its own because nothing outside the worker ever
// touches it concurrently — List returns a copy for safe external
// publication.
type Manager struct {
	ctl     procctl.Controller
	modules *module.Registry

	byID   map[int]*Breakpoint
	nextID int
}

// New returns an empty Manager bound to ctl for planting/removing bytes
// in the debuggee and modules for resolving (path, line) locations.
func New(ctl procctl.Controller, modules *module.Registry) *Manager {
	return &Manager{ctl: ctl, modules: modules, byID: map[int]*Breakpoint{}}
}

// SetByAddress implements set_by_address.
func (m *Manager) SetByAddress(abs uint64) *Breakpoint {
	bp := &Breakpoint{Location: Location{Addr: abs, ByAddress: true}, Enabled: true}
	m.register(bp)

	mod := m.modules.LookupByAddress(abs)
	if mod == nil {
		bp.State = Failed
		return bp
	}
	m.plant(bp, abs, mod.ID)
	return bp
}

// SetByLine implements set_by_line.
func (m *Manager) SetByLine(path string, line int) *Breakpoint {
	bp := &Breakpoint{Location: Location{Path: path, Line: line}, Enabled: true}
	m.register(bp)

	resolved, ok := m.modules.ResolveLineToAddress(path, line)
	if !ok {
		bp.State = Pending
		bp.PendingSince = time.Now()
		return bp
	}
	m.plant(bp, resolved.Addr, resolved.Module.ID)
	return bp
}

func (m *Manager) register(bp *Breakpoint) {
	m.nextID++
	bp.ID = m.nextID
	m.byID[bp.ID] = bp
}

// plant performs the atomic-per-breakpoint sequence: read the original
// byte, save it, write 0xCC.
func (m *Manager) plant(bp *Breakpoint, absAddr uint64, moduleID int) {
	orig := make([]byte, 1)
	if err := m.ctl.ReadMemory(absAddr, orig); err != nil {
		bp.State = Failed
		logflags.BreakpointLogger().WithField("addr", fmt.Sprintf("0x%x", absAddr)).WithError(err).Warn("breakpoint plant failed: read")
		return
	}
	if err := m.ctl.WriteMemory(absAddr, []byte{procctl.BreakpointInstruction}); err != nil {
		bp.State = Failed
		logflags.BreakpointLogger().WithField("addr", fmt.Sprintf("0x%x", absAddr)).WithError(err).Warn("breakpoint plant failed: write")
		return
	}

	wasPending := bp.State == Pending
	bp.OriginalByte = orig[0]
	bp.PlantedAddr = absAddr
	bp.ModuleID = moduleID
	bp.State = Active
	if wasPending && !bp.PendingSince.IsZero() {
		bp.ResolvedAfter = time.Now().Sub(bp.PendingSince)
	}
}

// Remove implements remove(id): restores the original byte if active,
// then deletes the record. Idempotent on unknown/already-removed ids.
//
// bp.Enabled is cleared before the record is dropped from byID, not
// just after: the event loop may still be holding a pointer to this
// same Breakpoint as rearmBreakpoint, between OnBreakpointHit and the
// mandatory single-step that precedes Rearm. Clearing Enabled on the
// struct itself, rather than only removing it from the map, is what
// makes Rearm's enabled check actually stop a removed breakpoint from
// replanting 0xCC at a freed address.
func (m *Manager) Remove(id int) error {
	bp, ok := m.byID[id]
	if !ok {
		return nil
	}
	bp.Enabled = false
	if bp.State == Active {
		if err := m.ctl.WriteMemory(bp.PlantedAddr, []byte{bp.OriginalByte}); err != nil {
			return err
		}
	}
	delete(m.byID, id)
	return nil
}

// List implements list(): a stable-ordered snapshot of every record.
func (m *Manager) List() []Breakpoint {
	out := make([]Breakpoint, 0, len(m.byID))
	for _, bp := range m.byID {
		out = append(out, *bp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the breakpoint with the given id, or nil.
func (m *Manager) Get(id int) *Breakpoint { return m.byID[id] }

// OnModuleLoaded implements on_module_loaded: attempts to resolve every
// pending record against mod, planting successes.
func (m *Manager) OnModuleLoaded(mod *module.Module) {
	if mod.Index == nil {
		return
	}
	for _, bp := range m.byID {
		if bp.State != Pending || bp.Location.ByAddress {
			continue
		}
		rel, ok := mod.Index.LineToAddress(bp.Location.Path, bp.Location.Line)
		if !ok {
			continue
		}
		m.plant(bp, mod.Base+rel, mod.ID)
	}
}

// OnModuleUnloaded implements the "Module unload" rule: every active
// breakpoint in that module reverts to pending; its planted state is
// meaningless once the address range is gone.
func (m *Manager) OnModuleUnloaded(moduleID int) {
	for _, bp := range m.byID {
		if bp.State == Active && bp.ModuleID == moduleID {
			bp.State = Pending
			bp.PendingSince = time.Now()
			bp.PlantedAddr = 0
			bp.OriginalByte = 0
		}
	}
}

// HitResult is what OnBreakpointHit reports back to the event loop.
type HitResult struct {
	Matched    bool
	Breakpoint *Breakpoint
}

// OnBreakpointHit implements the hit-handling sequence: look up by
// planted address, restore the original byte, and leave EIP
// adjustment to the caller (the event loop owns thread context, this
// package owns memory content).
func (m *Manager) OnBreakpointHit(exceptionAddr uint64) HitResult {
	for _, bp := range m.byID {
		if bp.State == Active && bp.PlantedAddr == exceptionAddr {
			if err := m.ctl.WriteMemory(bp.PlantedAddr, []byte{bp.OriginalByte}); err != nil {
				logflags.BreakpointLogger().WithError(err).Warn("failed to restore original byte on hit")
			}
			bp.HitCount++
			return HitResult{Matched: true, Breakpoint: bp}
		}
	}
	return HitResult{Matched: false}
}

// Rearm re-plants 0xCC at bp's address, per step 5 of the hit-handling
// sequence: called by the event loop after the mandatory single-step
// that lets the original instruction execute once.
func (m *Manager) Rearm(bp *Breakpoint) error {
	if !bp.Enabled || bp.State != Active {
		return nil
	}
	return m.ctl.WriteMemory(bp.PlantedAddr, []byte{procctl.BreakpointInstruction})
}
