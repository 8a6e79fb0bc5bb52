// Package eventloop is the single synchronous worker per session that
// pumps the OS debug-event queue, drives the breakpoint manager's
// hit/re-arm sequence, and is the sole writer of a session's published
// state. Grounded on delve's runtime dispatch in
// pkg/proc/proc_windows.go's trapWait/WaitForDebugEvent handling, but
// restructured around an explicit command channel since delve drives
// everything from one goroutine per call rather than a long-lived
// worker serving concurrent callers.
package eventloop

import (
	"debug/pe"
	"fmt"
	"sync/atomic"

	"github.com/wcdbg/wcdbg/internal/breakpoint"
	"github.com/wcdbg/wcdbg/internal/dwarf/reader"
	"github.com/wcdbg/wcdbg/internal/lineindex"
	"github.com/wcdbg/wcdbg/internal/module"
	"github.com/wcdbg/wcdbg/internal/pescan"
	"github.com/wcdbg/wcdbg/internal/procctl"
	"github.com/wcdbg/wcdbg/pkg/logflags"
	"github.com/wcdbg/wcdbg/pkg/wcerr"
)

// Status is a session's coarse lifecycle stage.
type Status int

const (
	Created Status = iota
	Running
	Stopped
	Exited
	Crashed
)

func (s Status) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Exited:
		return "exited"
	case Crashed:
		return "crashed"
	}
	return "unknown"
}

// StopReason explains why a session most recently stopped.
type StopReason int

const (
	NoReason StopReason = iota
	Entry
	BreakpointHit
	SingleStep
	Exception
	ModuleLoadReason
	ModuleUnloadReason
	ExitedReason
)

func (r StopReason) String() string {
	switch r {
	case Entry:
		return "entry"
	case BreakpointHit:
		return "breakpoint"
	case SingleStep:
		return "single_step"
	case Exception:
		return "exception"
	case ModuleLoadReason:
		return "module_load"
	case ModuleUnloadReason:
		return "module_unload"
	case ExitedReason:
		return "exited"
	}
	return ""
}

// State is a published, read-only snapshot of a session's debugger
// state, atomically replaced on every transition.
type State struct {
	Status      Status
	StopReason  StopReason
	StopThreadID uint32
	StopAddress uint64
	ExitCode    uint32
	Err         error
}

// CommandKind enumerates the external commands the worker accepts.
type CommandKind int

const (
	CmdRun CommandKind = iota
	CmdContinue
	CmdStep
	CmdSetBreakpointByAddress
	CmdSetBreakpointByLine
	CmdRemoveBreakpoint
	CmdListBreakpoints
	CmdGetRegisters
	CmdListModules
	CmdClose
)

// Command is one request sent on the worker's command channel: an
// unbuffered channel that any goroutine may send on and that only the
// worker receives from, carrying typed commands with a reply slot.
type Command struct {
	Kind CommandKind

	Addr uint64
	Path string
	Line int
	BreakpointID int
	ContinueDisposition procctl.ContinueDisposition

	Reply chan Result
}

// Result is what a Command's reply slot receives.
type Result struct {
	State       State
	Breakpoint  *breakpoint.Breakpoint
	Breakpoints []breakpoint.Breakpoint
	Registers   procctl.ThreadContext
	Modules     []module.Snapshot
	Err         error
}

const pollTimeoutMillis = 50

// defaultCacheSize bounds how many modules' line indexes one Loop's
// cache keeps. Each session has its own cache, so a module loaded again
// within the same session skips re-parsing DWARF; sessions share none.
const defaultCacheSize = 64

// Loop is the per-session worker. Every field it owns is
// touched only from run(); external code communicates exclusively
// through cmdCh and reads state through the atomic publication in
// lastPublished.
type Loop struct {
	ctl     procctl.Controller
	modules *module.Registry
	bps     *breakpoint.Manager
	cache   *lineindex.Cache

	exePath string
	sourceDirs []string

	cmdCh chan Command

	state         State
	lastPublished atomic.Pointer[State]

	entryReached      chan struct{}
	entryLatchFired   bool
	entryModuleID     int

	currentThread   uint32
	stepRequested   bool
	rearmBreakpoint *breakpoint.Breakpoint

	done chan struct{}
}

// New constructs a worker for one session. It does not start the
// debuggee; call Start.
func New(ctl procctl.Controller, exePath string, sourceDirs []string) *Loop {
	l := &Loop{
		ctl:          ctl,
		modules:      module.New(),
		exePath:      exePath,
		sourceDirs:   sourceDirs,
		cmdCh:        make(chan Command),
		entryReached: make(chan struct{}),
		done:         make(chan struct{}),
		state:        State{Status: Created},
	}
	l.bps = breakpoint.New(ctl, l.modules)
	if cache, err := lineindex.NewCache(defaultCacheSize); err == nil {
		l.cache = cache
	} else {
		// A cache that fails to construct degrades to rebuilding every
		// module's index on every load; it never blocks debugging.
		logflags.EventLoopLogger().WithError(err).Warn("line index cache disabled")
	}
	return l
}

// Start launches the debuggee and begins the worker goroutine. It
// returns once the OS has handed back a process handle; it does not
// wait for the entry stop.
func (l *Loop) Start() error {
	if err := l.ctl.Launch([]string{l.exePath}, ""); err != nil {
		return err
	}
	go l.run()
	return nil
}

// Send delivers cmd to the worker and blocks for its reply. It is safe
// to call from any goroutine; the worker serializes all access to
// session state so callers never race each other.
func (l *Loop) Send(cmd Command) Result {
	cmd.Reply = make(chan Result, 1)
	select {
	case l.cmdCh <- cmd:
	case <-l.done:
		return Result{Err: &wcerr.ProcessLost{Err: fmt.Errorf("worker exited")}}
	}
	select {
	case res := <-cmd.Reply:
		return res
	case <-l.done:
		return Result{Err: &wcerr.ProcessLost{Err: fmt.Errorf("worker exited")}}
	}
}

// EntryReached is closed exactly once, when the session first enters
// stopped(entry) — a one-shot latch callers can select on.
func (l *Loop) EntryReached() <-chan struct{} { return l.entryReached }

// State returns the last published snapshot. Safe for concurrent use.
func (l *Loop) State() State {
	if s := l.lastPublished.Load(); s != nil {
		return *s
	}
	return State{}
}

func (l *Loop) publish() {
	s := l.state
	l.lastPublished.Store(&s)
}

// run is the worker body: the only place that touches l.ctl, l.modules
// or l.bps. It has two suspension points: the blocking command receive
// while stopped, and the polled OS event wait while running.
func (l *Loop) run() {
	defer close(l.done)
	log := logflags.EventLoopLogger()

	for {
		switch l.state.Status {
		case Created, Stopped, Exited, Crashed:
			cmd, ok := <-l.cmdCh
			if !ok {
				return
			}
			l.handleCommand(cmd)
			if l.state.Status == Exited && cmd.Kind == CmdClose {
				return
			}

		case Running:
			select {
			case cmd := <-l.cmdCh:
				l.handleCommand(cmd)
			default:
				ev, ok, err := l.ctl.WaitEvent(pollTimeoutMillis)
				if err != nil {
					l.state = State{Status: Crashed, Err: &wcerr.ProcessLost{Err: err}}
					l.publish()
					continue
				}
				if !ok {
					continue // idle poll timeout, not an error
				}
				l.handleOSEvent(ev)
			}
		}

		if l.state.Status == Exited || l.state.Status == Crashed {
			log.WithField("status", l.state.Status.String()).Debug("session terminal")
		}
	}
}

func (l *Loop) handleCommand(cmd Command) {
	// Once a session has crashed, its process handle and thread contexts
	// are gone; every command fails fast rather than touching a dead
	// controller. This includes CmdClose, which is otherwise idempotent
	// teardown — a crashed session has nothing left to tear down.
	if l.state.Status == Crashed {
		cmd.Reply <- Result{State: l.state, Err: &wcerr.InvalidSession{}}
		return
	}

	switch cmd.Kind {
	case CmdRun:
		// run() only asks the worker to keep pumping events until the
		// entry latch fires or a timeout elapses; the actual waiting
		// happens in the session conductor, which polls State()/EntryReached.
		// Here we just make sure we're running so the loop above starts
		// pumping.
		if l.state.Status == Created {
			l.state.Status = Running
			l.publish()
		}
		cmd.Reply <- Result{State: l.state}

	case CmdContinue:
		if l.state.Status != Stopped {
			cmd.Reply <- Result{Err: fmt.Errorf("continue requires stopped state")}
			return
		}
		l.doContinue(cmd.ContinueDisposition)
		cmd.Reply <- Result{State: l.state}

	case CmdStep:
		if l.state.Status != Stopped {
			cmd.Reply <- Result{Err: fmt.Errorf("step requires stopped state")}
			return
		}
		l.doStep()
		cmd.Reply <- Result{State: l.state}

	case CmdSetBreakpointByAddress:
		bp := l.bps.SetByAddress(cmd.Addr)
		cmd.Reply <- Result{State: l.state, Breakpoint: bp}

	case CmdSetBreakpointByLine:
		bp := l.bps.SetByLine(cmd.Path, cmd.Line)
		cmd.Reply <- Result{State: l.state, Breakpoint: bp}

	case CmdRemoveBreakpoint:
		err := l.bps.Remove(cmd.BreakpointID)
		cmd.Reply <- Result{State: l.state, Err: err}

	case CmdListBreakpoints:
		cmd.Reply <- Result{State: l.state, Breakpoints: l.bps.List()}

	case CmdGetRegisters:
		ctx, err := l.ctl.GetThreadContext(l.currentThread)
		cmd.Reply <- Result{State: l.state, Registers: ctx, Err: err}

	case CmdListModules:
		cmd.Reply <- Result{State: l.state, Modules: l.modules.Snapshots()}

	case CmdClose:
		for _, bp := range l.bps.List() {
			l.bps.Remove(bp.ID)
		}
		l.ctl.Kill()
		l.state = State{Status: Exited, StopReason: ExitedReason}
		l.publish()
		cmd.Reply <- Result{State: l.state}
	}
}

// doContinue implements the resume side of breakpoint hit-handling: if
// the current stop is a breakpoint, single-step over the
// restored original instruction and re-arm before letting the
// debuggee actually run; otherwise just continue.
func (l *Loop) doContinue(disp procctl.ContinueDisposition) {
	if l.state.StopReason == BreakpointHit && l.rearmBreakpoint != nil {
		ctx, err := l.ctl.GetThreadContext(l.state.StopThreadID)
		if err == nil {
			l.ctl.SetThreadContext(l.state.StopThreadID, ctx.WithSingleStep(true))
		}
	}
	l.state.Status = Running
	l.publish()
	l.ctl.ContinueEvent(disp)
}

func (l *Loop) doStep() {
	ctx, err := l.ctl.GetThreadContext(l.state.StopThreadID)
	if err != nil {
		return
	}
	l.ctl.SetThreadContext(l.state.StopThreadID, ctx.WithSingleStep(true))
	l.stepRequested = true
	l.state.Status = Running
	l.publish()
	l.ctl.ContinueEvent(procctl.ContinueHandled)
}

func (l *Loop) handleOSEvent(ev procctl.Event) {
	log := logflags.EventLoopLogger().WithField("event", ev.Kind.String())

	switch ev.Kind {
	case procctl.ProcessCreated:
		l.currentThread = ev.ThreadID
		size, _ := imageSize(l.exePath)
		main := &module.Module{Path: l.exePath, Base: ev.ModuleBase, Size: size, IsMain: true}
		if main.Base == 0 {
			// Some hosts report the entry point but not the load base in
			// the create-process event; fall back to reading it from the
			// PE headers on disk, which is the same value the loader used
			// absent ASLR relocation.
			main.Base, _ = imageBase(l.exePath)
		}
		main.Index = l.buildIndex(l.exePath)
		main.Exports, _ = pescan.Exports(l.exePath)
		l.modules.Add(main)
		l.entryModuleID = main.ID
		l.ctl.ContinueEvent(procctl.ContinueHandled)

	case procctl.ThreadCreated, procctl.ThreadExited, procctl.OutputDebugString, procctl.RIPEvent:
		l.currentThread = ev.ThreadID
		l.ctl.ContinueEvent(procctl.ContinueHandled)

	case procctl.ModuleLoaded:
		mod := &module.Module{Path: ev.ModulePath, Base: ev.ModuleBase}
		if ev.ModulePath != "" {
			size, _ := imageSize(ev.ModulePath)
			mod.Size = size
			mod.Index = l.buildIndex(ev.ModulePath)
			mod.Exports, _ = pescan.Exports(ev.ModulePath)
		}
		l.modules.Add(mod)
		l.bps.OnModuleLoaded(mod)
		l.ctl.ContinueEvent(procctl.ContinueHandled)

	case procctl.ModuleUnloaded:
		if mod := l.modules.LookupByAddress(ev.ModuleBase); mod != nil {
			l.bps.OnModuleUnloaded(mod.ID)
			l.modules.Remove(mod.ID)
		}
		l.ctl.ContinueEvent(procctl.ContinueHandled)

	case procctl.ExceptionRaised:
		l.handleException(ev)

	case procctl.ProcessExited:
		l.state = State{Status: Exited, StopReason: ExitedReason, ExitCode: ev.ExitCode}
		l.publish()

	default:
		log.Warn("unhandled OS event")
		l.ctl.ContinueEvent(procctl.ContinueHandled)
	}
}

func (l *Loop) handleException(ev procctl.Event) {
	l.currentThread = ev.ThreadID

	const exceptionBreakpointCode = 0x80000003
	const exceptionSingleStepCode = 0x80000004

	switch ev.ExceptionCode {
	case exceptionBreakpointCode:
		hit := l.bps.OnBreakpointHit(ev.ExceptionAddr)
		if hit.Matched {
			if ctx, err := l.ctl.GetThreadContext(ev.ThreadID); err == nil {
				ctx.Eip--
				l.ctl.SetThreadContext(ev.ThreadID, ctx)
			}
			l.rearmBreakpoint = hit.Breakpoint
			l.state = State{Status: Stopped, StopReason: BreakpointHit, StopThreadID: ev.ThreadID, StopAddress: hit.Breakpoint.PlantedAddr}
			l.publish()
			return
		}
		if !l.entryLatchFired {
			l.entryLatchFired = true
			l.state = State{Status: Stopped, StopReason: Entry, StopThreadID: ev.ThreadID, StopAddress: ev.ExceptionAddr}
			l.publish()
			close(l.entryReached)
			return
		}
		// Stray system breakpoint after entry: an ordinary exception.
		l.state = State{Status: Stopped, StopReason: Exception, StopThreadID: ev.ThreadID, StopAddress: ev.ExceptionAddr}
		l.publish()

	case exceptionSingleStepCode:
		if l.rearmBreakpoint != nil {
			l.bps.Rearm(l.rearmBreakpoint)
			l.rearmBreakpoint = nil
			if ctx, err := l.ctl.GetThreadContext(ev.ThreadID); err == nil {
				l.ctl.SetThreadContext(ev.ThreadID, ctx.WithSingleStep(false))
			}
			l.ctl.ContinueEvent(procctl.ContinueHandled)
			return
		}
		if l.stepRequested {
			l.stepRequested = false
			if ctx, err := l.ctl.GetThreadContext(ev.ThreadID); err == nil {
				l.ctl.SetThreadContext(ev.ThreadID, ctx.WithSingleStep(false))
			}
			l.state = State{Status: Stopped, StopReason: SingleStep, StopThreadID: ev.ThreadID, StopAddress: ev.ExceptionAddr}
			l.publish()
			return
		}
		l.ctl.ContinueEvent(procctl.ContinueHandled)

	default:
		l.state = State{Status: Stopped, StopReason: Exception, StopThreadID: ev.ThreadID, StopAddress: ev.ExceptionAddr}
		l.publish()
	}
}

// buildIndex runs the scan-parse-index pipeline (pescan, dwarf/reader,
// lineindex) whenever a module is loaded. Failure is deliberately
// swallowed: a module without recognizable Watcom debug info still
// gets tracked for address-space bookkeeping, just without source
// line resolution.
func (l *Loop) buildIndex(path string) *lineindex.Index {
	if l.cache != nil {
		if idx, ok := l.cache.Get(path); ok {
			logflags.EventLoopLogger().WithField("path", path).Debug("line index cache hit")
			return idx
		}
	}

	container, err := pescan.Scan(path)
	if err != nil {
		logflags.EventLoopLogger().WithField("path", path).WithError(err).Debug("no debug container")
		return nil
	}
	rdr, err := reader.New(container)
	if err != nil {
		logflags.EventLoopLogger().WithField("path", path).WithError(err).Debug("no DWARF reader")
		return nil
	}
	idx, buildErrs := lineindex.Build(rdr)
	for _, e := range buildErrs {
		logflags.EventLoopLogger().WithField("path", path).WithError(e).Debug("line index build error")
	}
	if idx.RowCount() == 0 {
		return nil
	}
	if l.cache != nil {
		l.cache.Put(path, idx)
	}
	return idx
}

func imageSize(path string) (uint64, error) {
	f, err := pe.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if oh, ok := f.OptionalHeader.(*pe.OptionalHeader32); ok {
		return uint64(oh.SizeOfImage), nil
	}
	return 0, fmt.Errorf("%s: not a 32-bit image", path)
}

func imageBase(path string) (uint64, error) {
	f, err := pe.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if oh, ok := f.OptionalHeader.(*pe.OptionalHeader32); ok {
		return uint64(oh.ImageBase), nil
	}
	return 0, fmt.Errorf("%s: not a 32-bit image", path)
}
