// Package rpc implements a JSON-RPC 2.0 HTTP tool server. It is
// deliberately not built on delve's service/rpc2, which speaks
// net/rpc/jsonrpc over a raw TCP connection using Go's positional
// method-call convention — a different wire protocol from the named
// "jsonrpc":"2.0" envelope used here. The dispatch-table shape (a
// name -> handler map built once in NewServer, ServerImpl-style
// Run/Stop lifecycle) is still grounded on delve's
// service/rpccommon.ServerImpl.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/wcdbg/wcdbg/internal/breakpoint"
	"github.com/wcdbg/wcdbg/internal/eventloop"
	"github.com/wcdbg/wcdbg/internal/module"
	"github.com/wcdbg/wcdbg/internal/procctl"
	"github.com/wcdbg/wcdbg/internal/session"
	"github.com/wcdbg/wcdbg/pkg/logflags"
	"github.com/wcdbg/wcdbg/pkg/wcerr"
	"github.com/wcdbg/wcdbg/service/api"
)

// request is one JSON-RPC 2.0 call envelope.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

// response is one JSON-RPC 2.0 reply envelope. Exactly one of Result
// or Error is set, per the JSON-RPC 2.0 spec.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type handlerFunc func(sessions *session.Manager, params json.RawMessage) (interface{}, error)

// ServerImpl is the JSON-RPC 2.0 HTTP server. It holds no debugging
// state of its own; every tool call is dispatched to sessions.
type ServerImpl struct {
	listener net.Listener
	sessions *session.Manager
	methods  map[string]handlerFunc
	httpSrv  *http.Server
}

// NewServer builds a ServerImpl listening on addr, with a fresh,
// empty session.Manager backed by the live Windows process controller.
func NewServer(addr string) (*ServerImpl, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &ServerImpl{
		listener: ln,
		sessions: session.NewManager(procctl.New),
	}
	s.methods = s.buildMethodMap()
	s.httpSrv = &http.Server{Handler: s}
	return s, nil
}

// Run blocks serving HTTP until Stop is called.
func (s *ServerImpl) Run() error {
	logflags.RPCLogger().WithField("addr", s.listener.Addr().String()).Info("tool server listening")
	err := s.httpSrv.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop closes the listener; in-flight requests are allowed to finish.
func (s *ServerImpl) Stop() error {
	return s.httpSrv.Shutdown(context.Background())
}

func (s *ServerImpl) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "wcdbg tool server accepts POST only", http.StatusMethodNotAllowed)
		return
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, response{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: err.Error()}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeResponse(w, response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "malformed JSON-RPC 2.0 request"}})
		return
	}

	handler, ok := s.methods[req.Method]
	if !ok {
		writeResponse(w, response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}})
		return
	}

	logflags.RPCLogger().WithField("method", req.Method).Debug("dispatching tool call")
	result, err := handler(s.sessions, req.Params)
	if err != nil {
		writeResponse(w, response{JSONRPC: "2.0", ID: req.ID, Error: toRPCError(err)})
		return
	}
	writeResponse(w, response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func toRPCError(err error) *rpcError {
	code := codeInternalError
	kind := wcerr.Kind(err)
	switch kind {
	case "InvalidSession", "InvalidBreakpointId":
		code = codeInvalidParams
	}
	return &rpcError{Code: code, Message: err.Error(), Kind: kind}
}

func writeResponse(w http.ResponseWriter, resp response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Error != nil {
		w.WriteHeader(http.StatusOK) // JSON-RPC errors still ride HTTP 200
	}
	json.NewEncoder(w).Encode(resp)
}

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, err
	}
	return v, nil
}

func (s *ServerImpl) buildMethodMap() map[string]handlerFunc {
	return map[string]handlerFunc{
		"create_session":    handleCreateSession,
		"close_session":     handleCloseSession,
		"run":               handleRun,
		"continue":          handleContinue,
		"step":              handleStep,
		"set_breakpoint":    handleSetBreakpoint,
		"list_breakpoints":  handleListBreakpoints,
		"remove_breakpoint": handleRemoveBreakpoint,
		"get_registers":     handleGetRegisters,
		"list_modules":      handleListModules,
		"get_source":        handleGetSource,
	}
}

func handleCreateSession(m *session.Manager, params json.RawMessage) (interface{}, error) {
	in, err := decode[api.CreateSessionIn](params)
	if err != nil {
		return nil, err
	}
	sess, err := m.Create(in.ExePath, in.SourceDirs)
	if err != nil {
		return nil, err
	}
	return api.CreateSessionOut{SessionID: sess.ID, StateOut: stateOut(sess.Loop.State())}, nil
}

func handleCloseSession(m *session.Manager, params json.RawMessage) (interface{}, error) {
	in, err := decode[api.SessionIn](params)
	if err != nil {
		return nil, err
	}
	if err := m.Close(in.SessionID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func handleRun(m *session.Manager, params json.RawMessage) (interface{}, error) {
	in, err := decode[api.SessionIn](params)
	if err != nil {
		return nil, err
	}
	st, err := m.Run(in.SessionID)
	if err != nil {
		return nil, err
	}
	return stateOut(st), nil
}

func handleContinue(m *session.Manager, params json.RawMessage) (interface{}, error) {
	in, err := decode[api.SessionIn](params)
	if err != nil {
		return nil, err
	}
	st, err := m.Continue(in.SessionID)
	if err != nil {
		return nil, err
	}
	return stateOut(st), nil
}

func handleStep(m *session.Manager, params json.RawMessage) (interface{}, error) {
	in, err := decode[api.SessionIn](params)
	if err != nil {
		return nil, err
	}
	st, err := m.Step(in.SessionID)
	if err != nil {
		return nil, err
	}
	return stateOut(st), nil
}

func handleSetBreakpoint(m *session.Manager, params json.RawMessage) (interface{}, error) {
	in, err := decode[api.SetBreakpointIn](params)
	if err != nil {
		return nil, err
	}
	bp, err := m.SetBreakpoint(in.SessionID, in.Location)
	if err != nil {
		return nil, err
	}
	out := api.SetBreakpointOut{Breakpoint: breakpointOut(*bp)}
	return out, nil
}

func handleListBreakpoints(m *session.Manager, params json.RawMessage) (interface{}, error) {
	in, err := decode[api.SessionIn](params)
	if err != nil {
		return nil, err
	}
	bps, err := m.ListBreakpoints(in.SessionID)
	if err != nil {
		return nil, err
	}
	out := api.ListBreakpointsOut{Breakpoints: make([]api.BreakpointOut, 0, len(bps))}
	for _, bp := range bps {
		out.Breakpoints = append(out.Breakpoints, breakpointOut(bp))
	}
	return out, nil
}

func handleRemoveBreakpoint(m *session.Manager, params json.RawMessage) (interface{}, error) {
	in, err := decode[api.RemoveBreakpointIn](params)
	if err != nil {
		return nil, err
	}
	if err := m.RemoveBreakpoint(in.SessionID, in.BreakpointID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func handleGetRegisters(m *session.Manager, params json.RawMessage) (interface{}, error) {
	in, err := decode[api.SessionIn](params)
	if err != nil {
		return nil, err
	}
	ctx, err := m.GetRegisters(in.SessionID)
	if err != nil {
		return nil, err
	}
	return registersOut(ctx), nil
}

func handleListModules(m *session.Manager, params json.RawMessage) (interface{}, error) {
	in, err := decode[api.SessionIn](params)
	if err != nil {
		return nil, err
	}
	mods, err := m.ListModules(in.SessionID)
	if err != nil {
		return nil, err
	}
	out := api.ListModulesOut{Modules: make([]api.ModuleOut, 0, len(mods))}
	for _, mo := range mods {
		out.Modules = append(out.Modules, moduleOut(mo))
	}
	return out, nil
}

// handleGetSource implements get_source(id, path, line, context?).
// Source-file loading for display is an external editor's concern, not
// the debugger core's; this handler just reads straight from disk
// rather than through any core component.
func handleGetSource(m *session.Manager, params json.RawMessage) (interface{}, error) {
	in, err := decode[api.GetSourceIn](params)
	if err != nil {
		return nil, err
	}
	if _, err := m.ListModules(in.SessionID); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(in.Path)
	if err != nil {
		return nil, &wcerr.UnresolvedLocation{Path: in.Path, Line: in.Line}
	}
	all := strings.Split(string(raw), "\n")

	ctx := in.Context
	if ctx <= 0 {
		ctx = 5
	}
	start := in.Line - ctx
	if start < 1 {
		start = 1
	}
	end := in.Line + ctx
	if end > len(all) {
		end = len(all)
	}
	if start > len(all) {
		return api.GetSourceOut{Path: in.Path, StartLine: start, Lines: nil}, nil
	}
	return api.GetSourceOut{Path: in.Path, StartLine: start, Lines: all[start-1 : end]}, nil
}

func stateOut(st eventloop.State) api.StateOut {
	out := api.StateOut{State: st.Status.String()}
	if st.StopReason != eventloop.NoReason {
		out.StopReason = st.StopReason.String()
	}
	if st.StopAddress != 0 {
		addr := fmt.Sprintf("0x%x", st.StopAddress)
		out.StopAddress = &addr
	}
	if st.StopThreadID != 0 {
		tid := st.StopThreadID
		out.ThreadID = &tid
	}
	return out
}

func breakpointOut(bp breakpoint.Breakpoint) api.BreakpointOut {
	out := api.BreakpointOut{
		ID:       bp.ID,
		Location: bp.Location.String(),
		State:    bp.State.String(),
		ModuleID: bp.ModuleID,
		HitCount: bp.HitCount,
		Enabled:  bp.Enabled,
	}
	if bp.State == breakpoint.Active {
		out.Address = fmt.Sprintf("0x%x", bp.PlantedAddr)
	}
	return out
}

func registersOut(ctx procctl.ThreadContext) api.RegistersOut {
	return api.RegistersOut{
		Eax: fmt.Sprintf("0x%x", ctx.Eax), Ebx: fmt.Sprintf("0x%x", ctx.Ebx),
		Ecx: fmt.Sprintf("0x%x", ctx.Ecx), Edx: fmt.Sprintf("0x%x", ctx.Edx),
		Esi: fmt.Sprintf("0x%x", ctx.Esi), Edi: fmt.Sprintf("0x%x", ctx.Edi),
		Ebp: fmt.Sprintf("0x%x", ctx.Ebp), Esp: fmt.Sprintf("0x%x", ctx.Esp),
		Eip: fmt.Sprintf("0x%x", ctx.Eip), EFlags: fmt.Sprintf("0x%x", ctx.EFlags),
	}
}

func moduleOut(mo module.Snapshot) api.ModuleOut {
	return api.ModuleOut{Path: mo.Path, Base: fmt.Sprintf("0x%x", mo.Base), Size: mo.Size, HasDWARF: mo.HasDWARF}
}
