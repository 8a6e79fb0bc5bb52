// Package session implements the session conductor that bridges the
// asynchronous JSON-RPC surface to each session's synchronous
// debug-event loop worker. Grounded on delve's rpccommon.Server, which
// similarly holds a registry of live resources behind a mutex and
// dispatches calls onto them; the per-session worker itself is
// internal/eventloop.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cosiner/argv"
	"github.com/google/uuid"

	"github.com/wcdbg/wcdbg/internal/breakpoint"
	"github.com/wcdbg/wcdbg/internal/eventloop"
	"github.com/wcdbg/wcdbg/internal/module"
	"github.com/wcdbg/wcdbg/internal/procctl"
	"github.com/wcdbg/wcdbg/pkg/logflags"
	"github.com/wcdbg/wcdbg/pkg/wcerr"
)

// defaultRunTimeout is how long run() waits for the entry latch before
// giving up and returning the current state.
const defaultRunTimeout = 5 * time.Second

// Session is the externally visible record for one debuggee.
type Session struct {
	ID      string
	ExePath string
	Loop    *eventloop.Loop
}

// Manager owns every live session, each independent of the others. It
// is the only type in this package
// exposed with its own lock, since unlike a single session's worker,
// creating/closing sessions genuinely happens from multiple goroutines
// (concurrent JSON-RPC requests).
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	newCtl   func() procctl.Controller
}

// NewManager returns an empty session manager. newCtl is a factory so
// tests can substitute a fake Controller; production callers pass
// procctl.New.
func NewManager(newCtl func() procctl.Controller) *Manager {
	return &Manager{sessions: map[string]*Session{}, newCtl: newCtl}
}

// Create implements create(exe_path, source_dirs) → session_id.
// exePathAndArgs is split the way delve's terminal command layer
// splits a launch line, via cosiner/argv, so a single
// "path/to/prog.exe --flag value" string can be handed straight
// through from the JSON-RPC request. Only argv[0] is used: it is the
// path launched and recorded, and the remaining arguments are not
// passed to the debuggee.
func (m *Manager) Create(exePathAndArgs string, sourceDirs []string) (*Session, error) {
	parts, err := argv.Argv(exePathAndArgs, nil, nil)
	if err != nil || len(parts) == 0 || len(parts[0]) == 0 {
		return nil, fmt.Errorf("invalid exe_path: %q", exePathAndArgs)
	}
	argvList := parts[0]

	ctl := m.newCtl()
	loop := eventloop.New(ctl, argvList[0], sourceDirs)
	if err := loop.Start(); err != nil {
		return nil, err
	}

	sess := &Session{ID: uuid.New().String(), ExePath: argvList[0], Loop: loop}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	logflags.SessionLogger().WithField("session", sess.ID).WithField("exe", sess.ExePath).Info("session created")
	return sess, nil
}

func (m *Manager) get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &wcerr.InvalidSession{SessionID: id}
	}
	return s, nil
}

// Run implements run(session_id) → state: waits for the
// entry latch or defaultRunTimeout, whichever comes first, and never
// auto-continues past entry.
func (m *Manager) Run(id string) (eventloop.State, error) {
	s, err := m.get(id)
	if err != nil {
		return eventloop.State{}, err
	}
	s.Loop.Send(eventloop.Command{Kind: eventloop.CmdRun})

	select {
	case <-s.Loop.EntryReached():
	case <-time.After(defaultRunTimeout):
	}
	return s.Loop.State(), nil
}

// Continue implements continue(session_id) → state.
func (m *Manager) Continue(id string) (eventloop.State, error) {
	s, err := m.get(id)
	if err != nil {
		return eventloop.State{}, err
	}
	res := s.Loop.Send(eventloop.Command{Kind: eventloop.CmdContinue, ContinueDisposition: procctl.ContinueHandled})
	return res.State, res.Err
}

// Step implements step(session_id) → state.
func (m *Manager) Step(id string) (eventloop.State, error) {
	s, err := m.get(id)
	if err != nil {
		return eventloop.State{}, err
	}
	res := s.Loop.Send(eventloop.Command{Kind: eventloop.CmdStep})
	return res.State, res.Err
}

// SetBreakpoint implements set_breakpoint(id, location) using the
// location grammar: a hex absolute address, or filename:line.
func (m *Manager) SetBreakpoint(id, location string) (*breakpoint.Breakpoint, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}

	if addr, ok := parseHexAddress(location); ok {
		res := s.Loop.Send(eventloop.Command{Kind: eventloop.CmdSetBreakpointByAddress, Addr: addr})
		return res.Breakpoint, res.Err
	}

	path, line, err := parseFileLine(location)
	if err != nil {
		return nil, err
	}
	res := s.Loop.Send(eventloop.Command{Kind: eventloop.CmdSetBreakpointByLine, Path: path, Line: line})
	return res.Breakpoint, res.Err
}

// RemoveBreakpoint implements remove_breakpoint(id, bp_id).
func (m *Manager) RemoveBreakpoint(id string, bpID int) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	res := s.Loop.Send(eventloop.Command{Kind: eventloop.CmdRemoveBreakpoint, BreakpointID: bpID})
	if res.Err != nil {
		return &wcerr.InvalidBreakpointId{BreakpointID: bpID}
	}
	return nil
}

// ListBreakpoints implements list_breakpoints(id).
func (m *Manager) ListBreakpoints(id string) ([]breakpoint.Breakpoint, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	res := s.Loop.Send(eventloop.Command{Kind: eventloop.CmdListBreakpoints})
	return res.Breakpoints, nil
}

// GetRegisters implements get_registers(id).
func (m *Manager) GetRegisters(id string) (procctl.ThreadContext, error) {
	s, err := m.get(id)
	if err != nil {
		return procctl.ThreadContext{}, err
	}
	res := s.Loop.Send(eventloop.Command{Kind: eventloop.CmdGetRegisters})
	return res.Registers, res.Err
}

// ListModules implements list_modules(id).
func (m *Manager) ListModules(id string) ([]module.Snapshot, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	res := s.Loop.Send(eventloop.Command{Kind: eventloop.CmdListModules})
	return res.Modules, nil
}

// Close implements close(session_id): idempotent, best-effort teardown.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	s.Loop.Send(eventloop.Command{Kind: eventloop.CmdClose})
	logflags.SessionLogger().WithField("session", id).Info("session closed")
	return nil
}

func parseHexAddress(s string) (uint64, bool) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0, false
	}
	v, err := strconv.ParseUint(s[2:], 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseFileLine(s string) (string, int, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("malformed breakpoint location %q, want filename:line or 0x...", s)
	}
	line, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed line number in %q: %w", s, err)
	}
	return s[:idx], line, nil
}
