package simrt

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/luthersystems/clrdbg/native"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notification struct {
	kind   string
	thread native.Thread
	module native.Module
	bp     native.Breakpoint
	text   string
	code   int
}

// recorder is a ManagedCallback that forwards every notification to a
// channel.
type recorder struct {
	ch chan notification
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan notification, 64)}
}

func (r *recorder) OnBreakpoint(t native.Thread, bp native.Breakpoint) {
	r.ch <- notification{kind: "breakpoint", thread: t, bp: bp}
}
func (r *recorder) OnStepComplete(t native.Thread) {
	r.ch <- notification{kind: "step", thread: t}
}
func (r *recorder) OnBreak(t native.Thread) { r.ch <- notification{kind: "break", thread: t} }
func (r *recorder) OnException(t native.Thread, _ native.Value, _ bool) {
	r.ch <- notification{kind: "exception", thread: t}
}
func (r *recorder) OnCreateThread(t native.Thread) {
	r.ch <- notification{kind: "create-thread", thread: t}
}
func (r *recorder) OnExitThread(t native.Thread) {
	r.ch <- notification{kind: "exit-thread", thread: t}
}
func (r *recorder) OnLoadModule(m native.Module) {
	r.ch <- notification{kind: "load-module", module: m}
}
func (r *recorder) OnExitProcess(code int) {
	r.ch <- notification{kind: "exit-process", code: code}
}
func (r *recorder) OnLogMessage(t native.Thread, text string) {
	r.ch <- notification{kind: "output", thread: t, text: text}
}

func (r *recorder) next(t *testing.T) notification {
	t.Helper()
	select {
	case n := <-r.ch:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	return notification{}
}

func (r *recorder) expect(t *testing.T, kind string) notification {
	t.Helper()
	n := r.next(t)
	require.Equal(t, kind, n.kind)
	return n
}

// launch starts the demo under a recorder through the event-driven startup
// path.
func launch(t *testing.T, rt *Runtime, program string) (*recorder, native.Process) {
	t.Helper()
	pid, resume, err := rt.CreateProcessForLaunch(native.LaunchCommand{Program: program, Suspended: true})
	require.NoError(t, err)
	rec := newRecorder()
	attached := make(chan native.Process, 1)
	reg, err := rt.RegisterForRuntimeStartup(pid, func(dbg native.Debugging, status native.Status) {
		if !assert.True(t, status.OK()) {
			return
		}
		assert.NoError(t, dbg.Initialize())
		assert.NoError(t, dbg.SetManagedHandler(rec))
		proc, err := dbg.DebugActiveProcess(pid)
		if assert.NoError(t, err) {
			attached <- proc
		}
	})
	require.NoError(t, err)
	require.NoError(t, rt.ResumeProcess(resume))
	require.NoError(t, rt.CloseResumeHandle(resume))
	var proc native.Process
	select {
	case proc = <-attached:
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not start")
	}
	require.NoError(t, rt.UnregisterForRuntimeStartup(reg))
	return rec, proc
}

func topLine(t *testing.T, th native.Thread) int {
	t.Helper()
	frames, err := th.Frames()
	require.NoError(t, err)
	require.NotEmpty(t, frames)
	pos, ok := frames[0].Position()
	require.True(t, ok)
	return pos.Line
}

func TestLaunch_BreakpointStepAndEvaluate(t *testing.T) {
	t.Parallel()
	rt := New()
	rt.Register(DemoAssembly, Demo)
	rec, proc := launch(t, rt, DemoAssembly)

	main := rec.expect(t, "create-thread").thread
	assert.Equal(t, "Main Thread", main.Name())
	require.NoError(t, proc.Continue())
	mod := rec.expect(t, "load-module").module
	assert.Equal(t, "Demo.dll", mod.Name())
	assert.True(t, mod.HasSource(DemoSource))

	bp, line, err := mod.ResolveBreakpoint(DemoSource, 33)
	require.NoError(t, err)
	assert.Equal(t, DemoAddLine, line)
	bp, line, err = mod.ResolveBreakpoint(DemoSource, DemoAddCallLine)
	require.NoError(t, err)
	assert.Equal(t, DemoAddCallLine, line)
	require.NoError(t, bp.Activate(true))
	require.NoError(t, proc.Continue())

	hit := rec.expect(t, "breakpoint")
	assert.Equal(t, bp, hit.bp)
	assert.Equal(t, DemoAddCallLine, topLine(t, hit.thread))

	frames, err := hit.thread.Frames()
	require.NoError(t, err)
	locals, err := frames[0].Locals()
	require.NoError(t, err)
	names := make([]string, len(locals))
	for i, l := range locals {
		names[i] = l.Name
	}
	assert.Equal(t, []string{"args", "ada", "primes", "greeting", "total", "i"}, names)
	assert.EqualValues(t, 0, locals[5].Value.Primitive())

	// Step into Add, then out again.
	require.NoError(t, bp.Activate(false))
	require.NoError(t, hit.thread.Step(native.StepInto))
	require.NoError(t, proc.Continue())
	rec.expect(t, "step")
	assert.Equal(t, DemoAddLine, topLine(t, hit.thread))
	frames, err = hit.thread.Frames()
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "Add", frames[0].Function().Name())

	require.NoError(t, hit.thread.Step(native.StepOut))
	require.NoError(t, proc.Continue())
	rec.expect(t, "step")
	assert.Equal(t, DemoCounterLine, topLine(t, hit.thread))

	// Function evaluation while stopped.
	cls, ok := mod.FindClass("Demo.Program")
	require.True(t, ok)
	var add native.Function
	for _, m := range cls.Methods() {
		if m.Name() == "Add" {
			add = m
			break
		}
	}
	require.NotNil(t, add)
	assert.True(t, add.IsStatic())
	a, err := hit.thread.CreateValue(native.ElementI4, int64(40))
	require.NoError(t, err)
	b, err := hit.thread.CreateValue(native.ElementI4, int64(2))
	require.NoError(t, err)
	sum, err := hit.thread.CallFunction(context.Background(), add, []native.Value{a, b})
	require.NoError(t, err)
	assert.EqualValues(t, 42, sum.Primitive())
	assert.Equal(t, DemoCounterLine, topLine(t, hit.thread))

	require.NoError(t, proc.Terminate(1))
	exit := rec.expect(t, "exit-process")
	assert.Equal(t, 1, exit.code)
	assert.Error(t, proc.Continue())
}

func TestLaunch_RunToCompletion(t *testing.T) {
	t.Parallel()
	rt := New()
	rt.Register("demo", Demo)
	rec, proc := launch(t, rt, "demo")

	var kinds []string
	for {
		n := rec.next(t)
		kinds = append(kinds, n.kind)
		if n.kind == "exit-process" {
			assert.Equal(t, 0, n.code)
			break
		}
		if n.kind == "output" {
			assert.Equal(t, "Hello, Ada\n", n.text)
		}
		require.NoError(t, proc.Continue())
	}
	assert.Equal(t, []string{
		"create-thread", "load-module",
		"create-thread", "exit-thread", "output",
		"exit-process",
	}, normalizeWorker(kinds))
}

// normalizeWorker moves the worker's notifications ahead of the main
// thread's output, since the two threads race.
func normalizeWorker(kinds []string) []string {
	var out, worker []string
	for _, k := range kinds {
		switch k {
		case "create-thread", "exit-thread":
			if len(out) >= 2 {
				worker = append(worker, k)
				continue
			}
		}
		out = append(out, k)
	}
	res := append([]string(nil), out[:2]...)
	res = append(res, worker...)
	return append(res, out[2:]...)
}

func TestStop_ParksRunningThreads(t *testing.T) {
	t.Parallel()
	rt := New()
	rt.Register("spin", spinProgram)
	rec, proc := launch(t, rt, "spin")
	rec.expect(t, "create-thread")
	require.NoError(t, proc.Continue())
	rec.expect(t, "load-module")
	require.NoError(t, proc.Continue())

	threads, err := proc.Threads()
	require.NoError(t, err)
	require.Len(t, threads, 1)
	// Wait for the thread to run into Main before stopping it.
	require.Eventually(t, func() bool {
		frames, err := threads[0].Frames()
		if err != nil || len(frames) == 0 {
			return false
		}
		_, ok := frames[0].Position()
		return ok
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, proc.Stop(5*time.Second))
	line := topLine(t, threads[0])
	assert.Contains(t, []int{10, 11}, line)
	require.NoError(t, proc.Continue())

	require.NoError(t, proc.Detach())
	p, ok := rt.Process(proc.ID())
	require.True(t, ok)
	assert.False(t, p.Attached())
	require.NoError(t, proc.Terminate(0))
	<-p.Done()
}

func spinProgram() *Program {
	prog := NewProgram("spin")
	mod := prog.AddModule("Spin.dll", "/src/Spin/Spin.dll")
	mod.AddSource("/src/Spin/Program.cs", 10, 11)
	cls := mod.AddClass("Spin.Program")
	main := cls.AddMethod("Main", StaticSig(T(native.ElementVoid)), nil).At("/src/Spin/Program.cs", 10)
	mod.SetEntryPoint(main)
	prog.Main = func(t *Thread) {
		t.Enter(main, nil)
		defer t.Leave()
		for {
			t.Line(10)
			time.Sleep(time.Millisecond)
			t.Line(11)
		}
	}
	return prog
}

func TestAttach_Polling(t *testing.T) {
	t.Parallel()
	rt := New(WithVersion("9.0.0"))
	rt.Register("spin", spinProgram)
	pid, err := rt.Start("spin")
	require.NoError(t, err)
	p, _ := rt.Process(pid)
	defer p.Terminate(0) //nolint:errcheck

	require.Eventually(t, func() bool {
		insts, err := rt.EnumerateRuntimes(pid)
		return err == nil && len(insts) == 1
	}, 5*time.Second, time.Millisecond)
	insts, err := rt.EnumerateRuntimes(pid)
	require.NoError(t, err)
	version, err := rt.VersionString(pid, insts[0])
	require.NoError(t, err)
	assert.Equal(t, "9.0.0", version)

	_, err = rt.CreateDebuggingInterface("8.0.0")
	var se *native.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, native.StatusNotSupported, se.Status)

	dbg, err := rt.CreateDebuggingInterface(version)
	require.NoError(t, err)
	require.NoError(t, dbg.Initialize())
	rec := newRecorder()
	require.NoError(t, dbg.SetManagedHandler(rec))
	proc, err := dbg.DebugActiveProcess(pid)
	require.NoError(t, err)

	// Attaching reports the existing thread and modules.
	rec.expect(t, "create-thread")
	require.NoError(t, proc.Continue())
	rec.expect(t, "load-module")
	require.NoError(t, proc.Continue())

	_, err = newDebugging(rt).DebugActiveProcess(pid)
	assert.Error(t, err)
	require.NoError(t, proc.Detach())
	require.NoError(t, dbg.Terminate())
}

func TestRuntimeErrors(t *testing.T) {
	t.Parallel()
	rt := New()
	_, _, err := rt.CreateProcessForLaunch(native.LaunchCommand{Program: "missing"})
	assert.Error(t, err)
	_, err = rt.RegisterForRuntimeStartup(1, func(native.Debugging, native.Status) {})
	assert.Error(t, err)
	_, err = rt.EnumerateRuntimes(1)
	assert.Error(t, err)
	assert.Error(t, rt.ResumeProcess(99))
}

func TestPrimitive(t *testing.T) {
	t.Parallel()
	tests := []struct {
		et   native.ElementType
		in   any
		want any
	}{
		{native.ElementI4, 7, int64(7)},
		{native.ElementI8, int64(-7), int64(-7)},
		{native.ElementU4, 7, uint64(7)},
		{native.ElementR8, 1.5, 1.5},
		{native.ElementBoolean, true, true},
		{native.ElementChar, 'x', 'x'},
		{native.ElementString, "s", "s"},
	}
	for _, test := range tests {
		v, err := Primitive(test.et, test.in)
		require.NoError(t, err, fmt.Sprint(test.et))
		assert.Equal(t, test.et, v.ElementType())
		assert.Equal(t, test.want, v.Primitive())
	}
	_, err := Primitive(native.ElementBoolean, 1)
	assert.Error(t, err)
	_, err = Primitive(native.ElementClass, nil)
	assert.Error(t, err)
}

func TestSignatureEncoding(t *testing.T) {
	t.Parallel()
	prog := NewProgram("p")
	c := prog.AddModule("M.dll", "/M.dll").AddClass("N.C")
	assert.Equal(t, []byte{0x00, 0x02, 0x01, 0x08, 0x0e},
		StaticSig(T(native.ElementVoid), T(native.ElementI4), T(native.ElementString)))
	assert.Equal(t, []byte{0x20, 0x01, 0x1d, 0x08, 0x12, 0x04},
		InstanceSig(SZArrayOf(T(native.ElementI4)), ClassType(c)))
}
