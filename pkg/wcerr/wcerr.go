// Package wcerr defines the typed error kinds surfaced across the debugger
// core. Every user-visible failure carries one of these kinds so
// that the JSON-RPC layer can report {kind, message} instead of a raw OS
// error code.
package wcerr

import (
	"errors"
	"fmt"
)

// NoDebugInfo means no embedded DWARF container could be located in a PE
// image. Recovered locally: the module is registered without a line index.
type NoDebugInfo struct {
	Path string
}

func (e *NoDebugInfo) Error() string {
	return fmt.Sprintf("no debug info found in %s", e.Path)
}

func (e *NoDebugInfo) Kind() string { return "NoDebugInfo" }

// MalformedDwarf means a compilation unit's encoding could not be parsed.
// Recovered per compilation unit: the offending unit is skipped.
type MalformedDwarf struct {
	Detail string
}

func (e *MalformedDwarf) Error() string {
	return fmt.Sprintf("malformed DWARF: %s", e.Detail)
}

func (e *MalformedDwarf) Kind() string { return "MalformedDwarf" }

// BreakpointPlantFailed means writing the 0xCC byte failed. The breakpoint
// record moves to the failed state; the session is unaffected.
type BreakpointPlantFailed struct {
	Addr uint64
	Err  error
}

func (e *BreakpointPlantFailed) Error() string {
	return fmt.Sprintf("failed to plant breakpoint at 0x%x: %v", e.Addr, e.Err)
}

func (e *BreakpointPlantFailed) Kind() string { return "BreakpointPlantFailed" }

func (e *BreakpointPlantFailed) Unwrap() error { return e.Err }

// UnresolvedLocation means a requested (path, line) could not be resolved
// against any loaded module. Not an error toward the caller: the
// breakpoint stays pending.
type UnresolvedLocation struct {
	Path string
	Line int
}

func (e *UnresolvedLocation) Error() string {
	return fmt.Sprintf("unresolved location %s:%d", e.Path, e.Line)
}

func (e *UnresolvedLocation) Kind() string { return "UnresolvedLocation" }

// InvalidSession means the session id named by the caller does not exist
// or has already been closed.
type InvalidSession struct {
	SessionID string
}

func (e *InvalidSession) Error() string {
	return fmt.Sprintf("invalid session %q", e.SessionID)
}

func (e *InvalidSession) Kind() string { return "InvalidSession" }

// InvalidBreakpointId means the breakpoint id named by the caller is
// unknown to the session.
type InvalidBreakpointId struct {
	BreakpointID int
}

func (e *InvalidBreakpointId) Error() string {
	return fmt.Sprintf("invalid breakpoint id %d", e.BreakpointID)
}

func (e *InvalidBreakpointId) Kind() string { return "InvalidBreakpointId" }

// ProcessLost means the debugger lost its handle on the debuggee. The
// session transitions to crashed; subsequent commands fail fast with
// InvalidSession.
type ProcessLost struct {
	SessionID string
	Err       error
}

func (e *ProcessLost) Error() string {
	return fmt.Sprintf("lost debuggee for session %q: %v", e.SessionID, e.Err)
}

func (e *ProcessLost) Kind() string { return "ProcessLost" }

func (e *ProcessLost) Unwrap() error { return e.Err }

// Timeout means a wait exceeded its deadline. State is left unchanged.
type Timeout struct {
	Op string
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("timed out waiting for %s", e.Op)
}

func (e *Timeout) Kind() string { return "Timeout" }

// kinder is implemented by every error type in this package.
type kinder interface{ Kind() string }

// Kind extracts the Kind() string from any error produced by this
// package (even if wrapped), or "" if err does not carry one.
func Kind(err error) string {
	var k kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	return ""
}
