package dapserver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/luthersystems/clrdbg/debugger"
	"github.com/luthersystems/clrdbg/native/simrt"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const readTimeout = 5 * time.Second

func sendDAPRequest(t *testing.T, w io.Writer, msg dap.Message) {
	t.Helper()
	err := dap.WriteProtocolMessage(w, msg)
	require.NoError(t, err)
}

func readDAPMessage(t *testing.T, r *bufio.Reader) dap.Message {
	t.Helper()
	done := make(chan dap.Message, 1)
	errCh := make(chan error, 1)
	go func() {
		msg, err := dap.ReadProtocolMessage(r)
		if err != nil {
			errCh <- err
			return
		}
		done <- msg
	}()
	select {
	case msg := <-done:
		return msg
	case err := <-errCh:
		t.Fatalf("error reading DAP message: %v", err)
		return nil
	case <-time.After(readTimeout):
		t.Fatal("timeout reading DAP message")
		return nil
	}
}

type dapTestSession struct {
	t      *testing.T
	client net.Conn
	reader *bufio.Reader
	seq    int
	done   chan error
	// lastSeq is the seq of the last message read from the server.
	lastSeq int
	// skipped holds messages read while looking for another one.
	skipped []dap.Message
}

func setupDAPSession(t *testing.T) *dapTestSession {
	t.Helper()
	rt := simrt.New()
	rt.Register(simrt.DemoAssembly, simrt.Demo)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, simrt.DemoAssembly, []byte("MZ"), 0o644))
	log := logrus.New()
	log.SetOutput(io.Discard)

	e := debugger.New(rt,
		debugger.WithFS(fs),
		debugger.WithLogger(log),
		debugger.WithConfig(debugger.Config{
			StartupTimeout: readTimeout,
			NativeTimeout:  time.Second,
			EvalTimeout:    readTimeout,
		}),
	)
	srv := New(e, WithLogger(log))

	client, server := net.Pipe()
	s := &dapTestSession{
		t:      t,
		client: client,
		reader: bufio.NewReader(client),
		done:   make(chan error, 1),
	}
	go func() {
		s.done <- srv.ServeConn(server)
	}()
	t.Cleanup(func() {
		_ = client.Close()
		_ = e.Disconnect(true)
	})
	return s
}

func (s *dapTestSession) nextSeq() int {
	s.seq++
	return s.seq
}

func (s *dapTestSession) request(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.nextSeq(), Type: "request"},
		Command:         command,
	}
}

func (s *dapTestSession) send(msg dap.Message) {
	sendDAPRequest(s.t, s.client, msg)
}

func (s *dapTestSession) read() dap.Message {
	s.t.Helper()
	msg := readDAPMessage(s.t, s.reader)
	require.Greater(s.t, msg.GetSeq(), s.lastSeq, "%T arrived out of sequence", msg)
	s.lastSeq = msg.GetSeq()
	return msg
}

// take removes and returns the first set-aside message match accepts.
func (s *dapTestSession) take(match func(dap.Message) bool) (dap.Message, bool) {
	for i, msg := range s.skipped {
		if match(msg) {
			s.skipped = append(s.skipped[:i], s.skipped[i+1:]...)
			return msg, true
		}
	}
	return nil, false
}

// await returns the first message match accepts. Engine events may
// interleave with responses, so other messages are set aside.
func (s *dapTestSession) await(what string, match func(dap.Message) bool) dap.Message {
	s.t.Helper()
	if msg, ok := s.take(match); ok {
		return msg
	}
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		msg := s.read()
		if match(msg) {
			return msg
		}
		s.skipped = append(s.skipped, msg)
	}
	s.t.Fatalf("timeout waiting for %s", what)
	return nil
}

func expect[T dap.Message](s *dapTestSession) T {
	s.t.Helper()
	var zero T
	msg := s.await(fmt.Sprintf("%T", zero), func(msg dap.Message) bool {
		_, ok := msg.(T)
		return ok
	})
	return msg.(T)
}

// expectResponse returns the response to command. go-dap deserializes
// responses with Success=false as ErrorResponse, so the response is
// matched by command rather than type.
func (s *dapTestSession) expectResponse(command string) *dap.Response {
	s.t.Helper()
	msg := s.await(command+" response", func(msg dap.Message) bool {
		r, ok := msg.(dap.ResponseMessage)
		return ok && r.GetResponse().Command == command
	})
	return msg.(dap.ResponseMessage).GetResponse()
}

func (s *dapTestSession) initialize() {
	s.send(&dap.InitializeRequest{
		Request: s.request("initialize"),
		Arguments: dap.InitializeRequestArguments{
			AdapterID:     "clrdbg",
			LinesStartAt1: true,
		},
	})
	resp := expect[*dap.InitializeResponse](s)
	require.True(s.t, resp.Success)
	expect[*dap.InitializedEvent](s)
}

func (s *dapTestSession) launch(args map[string]any) *dap.Response {
	raw, err := json.Marshal(args)
	require.NoError(s.t, err)
	s.send(&dap.LaunchRequest{Request: s.request("launch"), Arguments: raw})
	return s.expectResponse("launch")
}

func (s *dapTestSession) setBreakpoints(path string, lines ...int) *dap.SetBreakpointsResponse {
	bps := make([]dap.SourceBreakpoint, len(lines))
	for i, l := range lines {
		bps[i] = dap.SourceBreakpoint{Line: l}
	}
	s.send(&dap.SetBreakpointsRequest{
		Request: s.request("setBreakpoints"),
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: path},
			Breakpoints: bps,
		},
	})
	return expect[*dap.SetBreakpointsResponse](s)
}

func (s *dapTestSession) configDone() {
	s.send(&dap.ConfigurationDoneRequest{Request: s.request("configurationDone")})
	resp := expect[*dap.ConfigurationDoneResponse](s)
	require.True(s.t, resp.Success, resp.Message)
}

func (s *dapTestSession) disconnect() {
	s.send(&dap.DisconnectRequest{Request: s.request("disconnect")})
	resp := expect[*dap.DisconnectResponse](s)
	assert.True(s.t, resp.Success, resp.Message)
}

// launchToBreakpoint runs the demo to a breakpoint on the Add call.
func (s *dapTestSession) launchToBreakpoint() *dap.StoppedEvent {
	s.initialize()
	resp := s.launch(map[string]any{"program": simrt.DemoAssembly})
	require.True(s.t, resp.Success, resp.Message)
	bps := s.setBreakpoints(simrt.DemoSource, simrt.DemoAddCallLine)
	require.Len(s.t, bps.Body.Breakpoints, 1)
	s.configDone()
	return expect[*dap.StoppedEvent](s)
}

func TestDAPServer_InitializeAndDisconnect(t *testing.T) {
	t.Parallel()
	s := setupDAPSession(t)

	s.send(&dap.InitializeRequest{
		Request: s.request("initialize"),
		Arguments: dap.InitializeRequestArguments{
			AdapterID:     "clrdbg",
			LinesStartAt1: true,
		},
	})

	msg1 := s.read()
	initResp, ok := msg1.(*dap.InitializeResponse)
	require.True(t, ok, "expected InitializeResponse, got %T", msg1)
	assert.True(t, initResp.Success)
	assert.True(t, initResp.Body.SupportsConfigurationDoneRequest)
	assert.True(t, initResp.Body.SupportsTerminateRequest)
	require.Len(t, initResp.Body.ExceptionBreakpointFilters, 2)
	assert.Equal(t, "all", initResp.Body.ExceptionBreakpointFilters[0].Filter)
	assert.Equal(t, "unhandled", initResp.Body.ExceptionBreakpointFilters[1].Filter)

	msg2 := s.read()
	_, ok = msg2.(*dap.InitializedEvent)
	assert.True(t, ok, "expected InitializedEvent, got %T", msg2)

	s.send(&dap.DisconnectRequest{Request: s.request("disconnect")})

	msg3 := s.read()
	disconnResp, ok := msg3.(*dap.DisconnectResponse)
	require.True(t, ok, "expected DisconnectResponse, got %T", msg3)
	assert.True(t, disconnResp.Success)

	msg4 := s.read()
	_, ok = msg4.(*dap.TerminatedEvent)
	assert.True(t, ok, "expected TerminatedEvent, got %T", msg4)

	select {
	case err := <-s.done:
		assert.NoError(t, err)
	case <-time.After(readTimeout):
		t.Fatal("server did not stop after disconnect")
	}
}

func TestDAPServer_LaunchErrors(t *testing.T) {
	t.Parallel()
	s := setupDAPSession(t)
	s.initialize()

	resp := s.launch(map[string]any{})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "program")

	resp = s.launch(map[string]any{"program": "/no/such/app.dll"})
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Message)

	s.send(&dap.AttachRequest{Request: s.request("attach"), Arguments: json.RawMessage(`{"processId": 0}`)})
	attach := s.expectResponse("attach")
	assert.False(t, attach.Success)
	assert.Contains(t, attach.Message, "processId")
}

func TestDAPServer_FullSession(t *testing.T) {
	t.Parallel()
	s := setupDAPSession(t)
	stopped := s.launchToBreakpoint()
	assert.Equal(t, "breakpoint", stopped.Body.Reason)
	assert.True(t, stopped.Body.AllThreadsStopped)
	require.Len(t, stopped.Body.HitBreakpointIds, 1)
	threadID := stopped.Body.ThreadId

	var sawModule bool
	for _, msg := range s.skipped {
		if m, ok := msg.(*dap.ModuleEvent); ok {
			sawModule = true
			assert.Equal(t, "new", m.Body.Reason)
			assert.Equal(t, simrt.DemoAssembly, m.Body.Module.Path)
		}
	}
	assert.True(t, sawModule, "expected a module event before the stop")

	s.send(&dap.ThreadsRequest{Request: s.request("threads")})
	threads := expect[*dap.ThreadsResponse](s)
	require.NotEmpty(t, threads.Body.Threads)

	s.send(&dap.StackTraceRequest{
		Request:   s.request("stackTrace"),
		Arguments: dap.StackTraceArguments{ThreadId: threadID},
	})
	st := expect[*dap.StackTraceResponse](s)
	require.True(t, st.Success, st.Message)
	require.NotEmpty(t, st.Body.StackFrames)
	top := st.Body.StackFrames[0]
	assert.Equal(t, "Program.Main()", top.Name)
	assert.Equal(t, simrt.DemoAddCallLine, top.Line)
	require.NotNil(t, top.Source)
	assert.Equal(t, simrt.DemoSource, top.Source.Path)
	assert.Equal(t, len(st.Body.StackFrames), st.Body.TotalFrames)

	s.send(&dap.ScopesRequest{
		Request:   s.request("scopes"),
		Arguments: dap.ScopesArguments{FrameId: top.Id},
	})
	scopes := expect[*dap.ScopesResponse](s)
	require.Len(t, scopes.Body.Scopes, 1)
	assert.Equal(t, "Locals", scopes.Body.Scopes[0].Name)

	s.send(&dap.VariablesRequest{
		Request:   s.request("variables"),
		Arguments: dap.VariablesArguments{VariablesReference: scopes.Body.Scopes[0].VariablesReference},
	})
	vars := expect[*dap.VariablesResponse](s)
	require.True(t, vars.Success, vars.Message)
	values := make(map[string]string)
	for _, v := range vars.Body.Variables {
		values[v.Name] = v.Value
	}
	assert.Equal(t, `Name = "Ada"`, values["ada"])
	assert.Equal(t, "0", values["total"])

	s.send(&dap.EvaluateRequest{
		Request:   s.request("evaluate"),
		Arguments: dap.EvaluateArguments{Expression: "1 + 1", FrameId: top.Id},
	})
	ev := expect[*dap.EvaluateResponse](s)
	require.True(t, ev.Success, ev.Message)
	assert.Equal(t, "2", ev.Body.Result)
	assert.Equal(t, "int", ev.Body.Type)

	s.send(&dap.EvaluateRequest{
		Request:   s.request("evaluate"),
		Arguments: dap.EvaluateArguments{Expression: "nosuch", FrameId: top.Id},
	})
	failed := s.expectResponse("evaluate")
	assert.False(t, failed.Success)
	assert.Contains(t, failed.Message, "nosuch")

	s.send(&dap.NextRequest{
		Request:   s.request("next"),
		Arguments: dap.NextArguments{ThreadId: threadID},
	})
	next := expect[*dap.NextResponse](s)
	require.True(t, next.Success, next.Message)
	stopped = expect[*dap.StoppedEvent](s)
	assert.Equal(t, "step", stopped.Body.Reason)
	assert.Equal(t, threadID, stopped.Body.ThreadId)

	// Clearing the file's breakpoints lets the program run to completion.
	cleared := s.setBreakpoints(simrt.DemoSource)
	assert.Empty(t, cleared.Body.Breakpoints)
	s.send(&dap.ContinueRequest{
		Request:   s.request("continue"),
		Arguments: dap.ContinueArguments{ThreadId: threadID},
	})
	cont := expect[*dap.ContinueResponse](s)
	require.True(t, cont.Success, cont.Message)
	assert.True(t, cont.Body.AllThreadsContinued)
	exited := expect[*dap.ExitedEvent](s)
	assert.Equal(t, 0, exited.Body.ExitCode)
	expect[*dap.TerminatedEvent](s)

	var output string
	for _, msg := range s.skipped {
		if m, ok := msg.(*dap.OutputEvent); ok {
			output += m.Body.Output
		}
	}
	assert.Contains(t, output, "Hello, Ada")

	s.disconnect()
}

func TestDAPServer_SequenceWithConcurrentRequests(t *testing.T) {
	t.Parallel()
	s := setupDAPSession(t)
	stopped := s.launchToBreakpoint()

	s.send(&dap.StackTraceRequest{
		Request:   s.request("stackTrace"),
		Arguments: dap.StackTraceArguments{ThreadId: stopped.Body.ThreadId},
	})
	st := expect[*dap.StackTraceResponse](s)
	require.NotEmpty(t, st.Body.StackFrames)
	top := st.Body.StackFrames[0]

	// Evaluate and variables are answered off the read loop, so their
	// responses race each other to the writer.
	const n = 32
	for i := 0; i < n; i++ {
		s.send(&dap.EvaluateRequest{
			Request:   s.request("evaluate"),
			Arguments: dap.EvaluateArguments{Expression: fmt.Sprintf("%d + i", i), FrameId: top.Id},
		})
	}
	got := map[int]bool{}
	for len(got) < n {
		msg := s.read()
		if r, ok := msg.(*dap.EvaluateResponse); ok {
			require.True(t, r.Success, r.Message)
			got[r.RequestSeq] = true
		}
	}
	s.disconnect()
}

func TestDAPServer_SetBreakpointsPending(t *testing.T) {
	t.Parallel()
	s := setupDAPSession(t)
	s.initialize()
	resp := s.launch(map[string]any{"program": simrt.DemoAssembly, "stopAtEntry": true})
	require.True(t, resp.Success, resp.Message)

	bps := s.setBreakpoints("/src/Other/File.cs", 3)
	require.Len(t, bps.Body.Breakpoints, 1)
	assert.False(t, bps.Body.Breakpoints[0].Verified)
	assert.NotEmpty(t, bps.Body.Breakpoints[0].Message)
	assert.Equal(t, 3, bps.Body.Breakpoints[0].Line)

	s.configDone()
	stopped := expect[*dap.StoppedEvent](s)
	assert.Equal(t, "entry", stopped.Body.Reason)

	s.send(&dap.PauseRequest{
		Request:   s.request("pause"),
		Arguments: dap.PauseArguments{ThreadId: stopped.Body.ThreadId},
	})
	pause := expect[*dap.PauseResponse](s)
	assert.True(t, pause.Success, pause.Message)

	s.send(&dap.TerminateRequest{Request: s.request("terminate")})
	term := expect[*dap.TerminateResponse](s)
	assert.True(t, term.Success, term.Message)
	expect[*dap.TerminatedEvent](s)
}

func TestDAPServer_ExceptionAndFunctionBreakpoints(t *testing.T) {
	t.Parallel()
	s := setupDAPSession(t)
	s.initialize()
	resp := s.launch(map[string]any{"program": simrt.DemoAssembly})
	require.True(t, resp.Success, resp.Message)

	s.send(&dap.SetExceptionBreakpointsRequest{
		Request:   s.request("setExceptionBreakpoints"),
		Arguments: dap.SetExceptionBreakpointsArguments{Filters: []string{"unhandled"}},
	})
	exc := expect[*dap.SetExceptionBreakpointsResponse](s)
	assert.True(t, exc.Success, exc.Message)

	s.send(&dap.SetExceptionBreakpointsRequest{
		Request:   s.request("setExceptionBreakpoints"),
		Arguments: dap.SetExceptionBreakpointsArguments{Filters: []string{"bogus"}},
	})
	bogus := s.expectResponse("setExceptionBreakpoints")
	assert.False(t, bogus.Success)
	assert.Contains(t, bogus.Message, "bogus")

	s.send(&dap.SetFunctionBreakpointsRequest{
		Request: s.request("setFunctionBreakpoints"),
		Arguments: dap.SetFunctionBreakpointsArguments{
			Breakpoints: []dap.FunctionBreakpoint{{Name: "Demo.Program.Add"}},
		},
	})
	fn := expect[*dap.SetFunctionBreakpointsResponse](s)
	require.True(t, fn.Success, fn.Message)
	require.Len(t, fn.Body.Breakpoints, 1)
	assert.False(t, fn.Body.Breakpoints[0].Verified)
	assert.NotZero(t, fn.Body.Breakpoints[0].Id)
}

func TestDAPServer_RequestsWithoutSession(t *testing.T) {
	t.Parallel()
	s := setupDAPSession(t)
	s.initialize()

	s.send(&dap.ThreadsRequest{Request: s.request("threads")})
	threads := expect[*dap.ThreadsResponse](s)
	assert.True(t, threads.Success)
	assert.Empty(t, threads.Body.Threads)

	s.send(&dap.ContinueRequest{Request: s.request("continue")})
	cont := s.expectResponse("continue")
	assert.False(t, cont.Success)
	assert.Contains(t, cont.Message, debugger.ErrNoSession.Error())

	s.send(&dap.EvaluateRequest{
		Request:   s.request("evaluate"),
		Arguments: dap.EvaluateArguments{Expression: "1 + 1"},
	})
	ev := s.expectResponse("evaluate")
	assert.False(t, ev.Success)

	s.send(&dap.RestartRequest{Request: s.request("restart")})
	restart := s.expectResponse("restart")
	assert.False(t, restart.Success)
	assert.Equal(t, "unsupported request", restart.Message)
}

func TestPageVariables(t *testing.T) {
	t.Parallel()
	vars := []debugger.Variable{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	assert.Len(t, pageVariables(vars, 0, 0), 3)
	assert.Equal(t, []debugger.Variable{{Name: "b"}}, pageVariables(vars, 1, 1))
	assert.Equal(t, []debugger.Variable{{Name: "b"}, {Name: "c"}}, pageVariables(vars, 1, 10))
	assert.Empty(t, pageVariables(vars, 5, 0))
}
