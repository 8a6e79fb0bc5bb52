// Package api defines the request/response payloads for every tool
// this debugger exposes over RPC. It mirrors delve's service/api
// package in spirit — a version-independent, JSON-tagged surface
// separate from the transport that carries it — but the tool set here
// is fixed rather than growable, so there is exactly one version.
package api

// CreateSessionIn is create_session(exe_path, source_dirs?).
type CreateSessionIn struct {
	ExePath    string   `json:"exe_path"`
	SourceDirs []string `json:"source_dirs,omitempty"`
}

// CreateSessionOut carries the new session id plus its initial state.
type CreateSessionOut struct {
	SessionID string `json:"session_id"`
	StateOut
}

// SessionIn is the input shape shared by every tool that only
// addresses an existing session: close_session, run, continue, step,
// list_breakpoints, get_registers, list_modules.
type SessionIn struct {
	SessionID string `json:"session_id"`
}

// StateOut is the minimum every state-changing call returns.
type StateOut struct {
	State       string  `json:"state"`
	StopReason  string  `json:"stop_reason,omitempty"`
	StopAddress *string `json:"stop_address,omitempty"`
	ThreadID    *uint32 `json:"thread_id,omitempty"`
}

// SetBreakpointIn is set_breakpoint(id, location).
type SetBreakpointIn struct {
	SessionID string `json:"session_id"`
	Location  string `json:"location"`
}

// BreakpointOut describes one breakpoint record for JSON-RPC clients.
type BreakpointOut struct {
	ID       int    `json:"id"`
	Location string `json:"location"`
	State    string `json:"state"`
	ModuleID int    `json:"module_id,omitempty"`
	Address  string `json:"address,omitempty"`
	HitCount int    `json:"hit_count"`
	Enabled  bool   `json:"enabled"`
}

// SetBreakpointOut wraps the new breakpoint. set_breakpoint does not fill
// in the embedded StateOut, so its "state" field is empty.
type SetBreakpointOut struct {
	Breakpoint BreakpointOut `json:"breakpoint"`
	StateOut
}

// ListBreakpointsOut is the reply to list_breakpoints.
type ListBreakpointsOut struct {
	Breakpoints []BreakpointOut `json:"breakpoints"`
}

// RemoveBreakpointIn is remove_breakpoint(id, bp_id).
type RemoveBreakpointIn struct {
	SessionID    string `json:"session_id"`
	BreakpointID int    `json:"bp_id"`
}

// RegistersOut is the reply to get_registers.
type RegistersOut struct {
	Eax    string `json:"eax"`
	Ebx    string `json:"ebx"`
	Ecx    string `json:"ecx"`
	Edx    string `json:"edx"`
	Esi    string `json:"esi"`
	Edi    string `json:"edi"`
	Ebp    string `json:"ebp"`
	Esp    string `json:"esp"`
	Eip    string `json:"eip"`
	EFlags string `json:"eflags"`
}

// ModuleOut describes one loaded image.
type ModuleOut struct {
	Path     string `json:"path"`
	Base     string `json:"base"`
	Size     uint64 `json:"size"`
	HasDWARF bool   `json:"has_dwarf"`
}

// ListModulesOut is the reply to list_modules.
type ListModulesOut struct {
	Modules []ModuleOut `json:"modules"`
}

// GetSourceIn is get_source(id, path, line, context?).
type GetSourceIn struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Line      int    `json:"line"`
	Context   int    `json:"context,omitempty"`
}

// GetSourceOut carries the requested lines of source, out of band from
// the debugger core: loading source files for display is an external
// editor's concern, not the core's; this type is the shape the tool
// server fills in from disk.
type GetSourceOut struct {
	Path      string   `json:"path"`
	StartLine int      `json:"start_line"`
	Lines     []string `json:"lines"`
}
