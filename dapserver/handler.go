// Copyright © 2018 The ELPS authors

package dapserver

import (
	"context"
	"sync"

	"github.com/google/go-dap"
	"github.com/luthersystems/clrdbg/debugger"
	"github.com/sirupsen/logrus"
)

// handler dispatches incoming DAP messages to the appropriate method.
type handler struct {
	server *Server
	engine *debugger.Engine
	log    logrus.FieldLogger

	mu       sync.Mutex
	launched bool

	// inflight tracks requests served off the read loop.
	inflight       sync.WaitGroup
	terminatedOnce sync.Once
}

func newHandler(s *Server, e *debugger.Engine) *handler {
	h := &handler{
		server: s,
		engine: e,
		log:    s.log,
	}
	// Wire the engine's event callback to forward events to the DAP client.
	e.SetEventCallback(h.onEngineEvent)
	return h
}

// send sends a DAP message and logs any write error.
func (h *handler) send(msg dap.Message) {
	if err := h.server.send(msg); err != nil {
		h.log.WithError(err).Warn("dap: send error")
	}
}

// async serves fn off the read loop so a slow debuggee call does not hold
// up execution control requests.
func (h *handler) async(fn func()) {
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		fn()
	}()
}

func (h *handler) wait() {
	h.inflight.Wait()
	h.engine.SetEventCallback(nil)
}

func (h *handler) handle(msg dap.Message) {
	if req, ok := msg.(dap.RequestMessage); ok {
		h.log.WithField("request", req.GetRequest().Command).Debug("dap: request")
	}
	switch req := msg.(type) {
	case *dap.InitializeRequest:
		h.onInitialize(req)
	case *dap.LaunchRequest:
		h.onLaunch(req)
	case *dap.AttachRequest:
		h.onAttach(req)
	case *dap.SetBreakpointsRequest:
		h.onSetBreakpoints(req)
	case *dap.SetExceptionBreakpointsRequest:
		h.onSetExceptionBreakpoints(req)
	case *dap.SetFunctionBreakpointsRequest:
		h.onSetFunctionBreakpoints(req)
	case *dap.ConfigurationDoneRequest:
		h.onConfigurationDone(req)
	case *dap.ThreadsRequest:
		h.onThreads(req)
	case *dap.StackTraceRequest:
		h.onStackTrace(req)
	case *dap.ScopesRequest:
		h.onScopes(req)
	case *dap.VariablesRequest:
		h.async(func() { h.onVariables(req) })
	case *dap.EvaluateRequest:
		h.async(func() { h.onEvaluate(req) })
	case *dap.ContinueRequest:
		h.onContinue(req)
	case *dap.NextRequest:
		h.onNext(req)
	case *dap.StepInRequest:
		h.onStepIn(req)
	case *dap.StepOutRequest:
		h.onStepOut(req)
	case *dap.PauseRequest:
		h.onPause(req)
	case *dap.DisconnectRequest:
		h.onDisconnect(req)
	case *dap.TerminateRequest:
		h.onTerminate(req)
	case dap.RequestMessage:
		resp := &dap.ErrorResponse{}
		resp.Response = h.newResponse(req.GetRequest().Seq, req.GetRequest().Command)
		h.fail(&resp.Response, "unsupported request")
		h.send(resp)
	default:
		h.log.Warnf("dap: unhandled message type: %T", msg)
	}
}

// reject answers a request the codec could not decode.
func (h *handler) reject(derr *dap.DecodeProtocolMessageFieldError) {
	if derr.SubType != "request" {
		return
	}
	resp := &dap.ErrorResponse{}
	resp.Response = h.newResponse(derr.Seq, derr.FieldValue)
	h.fail(&resp.Response, derr.Error())
	h.send(resp)
}

// abort releases the debuggee when the client goes away without a
// disconnect request. Launched programs are killed, attached ones
// detached.
func (h *handler) abort() {
	h.mu.Lock()
	kill := h.launched
	h.mu.Unlock()
	if err := h.engine.Disconnect(kill); err != nil {
		h.log.WithError(err).Debug("dap: release debuggee")
	}
}

func (h *handler) onInitialize(req *dap.InitializeRequest) {
	resp := &dap.InitializeResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body = dap.Capabilities{
		SupportsConfigurationDoneRequest: true,
		SupportsFunctionBreakpoints:      true,
		SupportsEvaluateForHovers:        true,
		SupportTerminateDebuggee:         true,
		SupportsTerminateRequest:         true,
		ExceptionBreakpointFilters:       exceptionFilters(),
	}
	h.send(resp)

	// Send initialized event to tell the client it can send configuration.
	h.send(&dap.InitializedEvent{
		Event: h.newEvent("initialized"),
	})
}

func (h *handler) onLaunch(req *dap.LaunchRequest) {
	resp := &dap.LaunchResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	cfg, err := launchConfig(req.Arguments)
	if err == nil {
		h.log.WithFields(logrus.Fields{
			"program": cfg.Program,
			"env":     sortedKeys(cfg.Env),
		}).Info("dap: launch")
		err = h.engine.Launch(context.Background(), cfg)
	}
	if err != nil {
		h.fail(&resp.Response, err.Error())
	} else {
		h.mu.Lock()
		h.launched = true
		h.mu.Unlock()
	}
	h.send(resp)
}

func (h *handler) onAttach(req *dap.AttachRequest) {
	resp := &dap.AttachResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	pid, err := attachPID(req.Arguments)
	if err == nil {
		h.log.WithField("pid", pid).Info("dap: attach")
		err = h.engine.Attach(context.Background(), pid)
	}
	if err != nil {
		h.fail(&resp.Response, err.Error())
	}
	h.send(resp)
}

func (h *handler) onSetBreakpoints(req *dap.SetBreakpointsRequest) {
	file := req.Arguments.Source.Path
	if file == "" {
		file = req.Arguments.Source.Name
	}

	lines := make([]int, len(req.Arguments.Breakpoints))
	for i, bp := range req.Arguments.Breakpoints {
		lines[i] = bp.Line
	}

	resp := &dap.SetBreakpointsResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	bps, err := h.engine.SetBreakpoints(file, lines)
	if err != nil {
		h.fail(&resp.Response, err.Error())
	}
	resp.Body.Breakpoints = translateBreakpoints(bps)
	h.send(resp)
}

func (h *handler) onSetExceptionBreakpoints(req *dap.SetExceptionBreakpointsRequest) {
	resp := &dap.SetExceptionBreakpointsResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	if err := h.engine.SetExceptionBreakpoints(req.Arguments.Filters); err != nil {
		h.fail(&resp.Response, err.Error())
	}
	h.send(resp)
}

func (h *handler) onSetFunctionBreakpoints(req *dap.SetFunctionBreakpointsRequest) {
	names := make([]string, len(req.Arguments.Breakpoints))
	for i, bp := range req.Arguments.Breakpoints {
		names[i] = bp.Name
	}

	resp := &dap.SetFunctionBreakpointsResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	bps, err := h.engine.SetFunctionBreakpoints(names)
	if err != nil {
		h.fail(&resp.Response, err.Error())
	}
	resp.Body.Breakpoints = translateBreakpoints(bps)
	h.send(resp)
}

func (h *handler) onConfigurationDone(req *dap.ConfigurationDoneRequest) {
	resp := &dap.ConfigurationDoneResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	if err := h.engine.ConfigurationDone(context.Background()); err != nil {
		h.fail(&resp.Response, err.Error())
	}
	h.send(resp)
}

func (h *handler) onThreads(req *dap.ThreadsRequest) {
	resp := &dap.ThreadsResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	threads, err := h.engine.Threads()
	if err != nil {
		h.log.WithError(err).Debug("dap: threads")
	}
	// Clients expect a list even before the debuggee is running.
	resp.Body.Threads = make([]dap.Thread, len(threads))
	for i, t := range threads {
		resp.Body.Threads[i] = dap.Thread{Id: t.ID, Name: t.Name}
	}
	h.send(resp)
}

func (h *handler) onStackTrace(req *dap.StackTraceRequest) {
	resp := &dap.StackTraceResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	args := req.Arguments
	frames, total, err := h.engine.StackTrace(args.ThreadId, args.StartFrame, args.Levels)
	if err != nil {
		h.fail(&resp.Response, err.Error())
	} else {
		resp.Body.StackFrames = translateStackFrames(frames)
		resp.Body.TotalFrames = total
	}
	h.send(resp)
}

func (h *handler) onScopes(req *dap.ScopesRequest) {
	resp := &dap.ScopesResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	scopes, err := h.engine.Scopes(req.Arguments.FrameId)
	if err != nil {
		h.fail(&resp.Response, err.Error())
	} else {
		resp.Body.Scopes = translateScopes(scopes)
	}
	h.send(resp)
}

func (h *handler) onVariables(req *dap.VariablesRequest) {
	resp := &dap.VariablesResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	vars, err := h.engine.Variables(context.Background(), req.Arguments.VariablesReference)
	if err != nil {
		h.fail(&resp.Response, err.Error())
	}
	resp.Body.Variables = translateVariables(pageVariables(vars, req.Arguments.Start, req.Arguments.Count))
	h.send(resp)
}

// pageVariables applies the optional start/count window of a variables
// request.
func pageVariables(vars []debugger.Variable, start, count int) []debugger.Variable {
	if start > len(vars) {
		start = len(vars)
	}
	if start < 0 {
		start = 0
	}
	vars = vars[start:]
	if count > 0 && count < len(vars) {
		vars = vars[:count]
	}
	return vars
}

func (h *handler) onEvaluate(req *dap.EvaluateRequest) {
	resp := &dap.EvaluateResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	res, err := h.engine.Evaluate(context.Background(), req.Arguments.Expression, req.Arguments.FrameId)
	if err != nil {
		h.fail(&resp.Response, err.Error())
	} else {
		resp.Body.Result = res.Result
		resp.Body.Type = res.Type
		resp.Body.VariablesReference = res.VariablesReference
	}
	h.send(resp)
}

func (h *handler) onContinue(req *dap.ContinueRequest) {
	resp := &dap.ContinueResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	if err := h.engine.Continue(req.Arguments.ThreadId); err != nil {
		h.fail(&resp.Response, err.Error())
	} else {
		resp.Body.AllThreadsContinued = true
	}
	h.send(resp)
}

func (h *handler) onNext(req *dap.NextRequest) {
	resp := &dap.NextResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	if err := h.engine.StepNext(req.Arguments.ThreadId); err != nil {
		h.fail(&resp.Response, err.Error())
	}
	h.send(resp)
}

func (h *handler) onStepIn(req *dap.StepInRequest) {
	resp := &dap.StepInResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	if err := h.engine.StepIn(req.Arguments.ThreadId); err != nil {
		h.fail(&resp.Response, err.Error())
	}
	h.send(resp)
}

func (h *handler) onStepOut(req *dap.StepOutRequest) {
	resp := &dap.StepOutResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	if err := h.engine.StepOut(req.Arguments.ThreadId); err != nil {
		h.fail(&resp.Response, err.Error())
	}
	h.send(resp)
}

func (h *handler) onPause(req *dap.PauseRequest) {
	resp := &dap.PauseResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	if err := h.engine.Pause(req.Arguments.ThreadId); err != nil {
		h.fail(&resp.Response, err.Error())
	}
	h.send(resp)
}

func (h *handler) onDisconnect(req *dap.DisconnectRequest) {
	h.mu.Lock()
	kill := h.launched
	h.mu.Unlock()
	if req.Arguments != nil && req.Arguments.TerminateDebuggee {
		kill = true
	}

	resp := &dap.DisconnectResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	err := h.engine.Disconnect(kill)
	if err != nil {
		h.fail(&resp.Response, err.Error())
	}
	h.send(resp)

	// The engine reports Terminated for a live session; make sure the
	// client hears it even when there was none.
	h.sendTerminated()
	h.server.close()
}

func (h *handler) onTerminate(req *dap.TerminateRequest) {
	resp := &dap.TerminateResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	if err := h.engine.Terminate(); err != nil {
		h.fail(&resp.Response, err.Error())
	}
	h.send(resp)
}

// onEngineEvent runs on the engine's event goroutine.
func (h *handler) onEngineEvent(ev debugger.Event) {
	h.log.WithFields(logrus.Fields{"event": ev.Type.String(), "thread": ev.ThreadID}).Debug("dap: engine event")
	switch ev.Type {
	case debugger.EventStopped:
		h.sendStoppedEvent(ev)
	case debugger.EventContinued:
		evt := &dap.ContinuedEvent{Event: h.newEvent("continued")}
		evt.Body.ThreadId = ev.ThreadID
		evt.Body.AllThreadsContinued = ev.AllThreads
		h.send(evt)
	case debugger.EventExited:
		evt := &dap.ExitedEvent{Event: h.newEvent("exited")}
		evt.Body.ExitCode = ev.ExitCode
		h.send(evt)
	case debugger.EventTerminated:
		h.sendTerminated()
	case debugger.EventThreadStarted, debugger.EventThreadExited:
		evt := &dap.ThreadEvent{Event: h.newEvent("thread")}
		evt.Body.Reason = "started"
		if ev.Type == debugger.EventThreadExited {
			evt.Body.Reason = "exited"
		}
		evt.Body.ThreadId = ev.ThreadID
		h.send(evt)
	case debugger.EventModuleLoaded:
		evt := &dap.ModuleEvent{Event: h.newEvent("module")}
		evt.Body.Reason = "new"
		evt.Body.Module = dap.Module{Id: ev.ModuleID, Name: ev.ModuleName, Path: ev.ModulePath}
		h.send(evt)
	case debugger.EventOutput:
		evt := &dap.OutputEvent{Event: h.newEvent("output")}
		evt.Body.Category = ev.Category
		evt.Body.Output = ev.Output
		h.send(evt)
	case debugger.EventBreakpointChanged:
		if ev.Breakpoint == nil {
			return
		}
		evt := &dap.BreakpointEvent{Event: h.newEvent("breakpoint")}
		evt.Body.Reason = "changed"
		evt.Body.Breakpoint = translateBreakpoint(*ev.Breakpoint)
		h.send(evt)
	}
}

// sendStoppedEvent sends a DAP stopped event to the client.
func (h *handler) sendStoppedEvent(ev debugger.Event) {
	evt := &dap.StoppedEvent{
		Event: h.newEvent("stopped"),
	}
	evt.Body.Reason = string(ev.Reason)
	evt.Body.Description = ev.Description
	if ev.Reason == debugger.StopException {
		evt.Body.Text = ev.Description
	}
	evt.Body.ThreadId = ev.ThreadID
	evt.Body.AllThreadsStopped = ev.AllThreads
	if len(ev.HitBreakpointIDs) > 0 {
		evt.Body.HitBreakpointIds = ev.HitBreakpointIDs
	}
	h.send(evt)
}

func (h *handler) sendTerminated() {
	h.terminatedOnce.Do(func() {
		h.send(&dap.TerminatedEvent{
			Event: h.newEvent("terminated"),
		})
	})
}

// --- helpers ---

func (h *handler) fail(resp *dap.Response, msg string) {
	resp.Success = false
	resp.Message = msg
}

func (h *handler) newResponse(reqSeq int, command string) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		RequestSeq:      reqSeq,
		Success:         true,
		Command:         command,
	}
}

func (h *handler) newEvent(event string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Type: "event"},
		Event:           event,
	}
}
