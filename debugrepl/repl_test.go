package debugrepl

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/luthersystems/clrdbg/debugger"
	"github.com/luthersystems/clrdbg/native/simrt"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockedBuffer is a bytes.Buffer safe for the console and the engine's
// event goroutine to write concurrently.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newTestEngine returns an engine over the simulated runtime and a
// filesystem holding the demo assembly and a stand-in for its source.
func newTestEngine(t *testing.T) (*debugger.Engine, afero.Fs) {
	t.Helper()
	rt := simrt.New()
	rt.Register(simrt.DemoAssembly, simrt.Demo)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, simrt.DemoAssembly, []byte("MZ"), 0o644))
	var src strings.Builder
	for i := 1; i <= 64; i++ {
		fmt.Fprintf(&src, "source line %d\n", i)
	}
	require.NoError(t, afero.WriteFile(fs, simrt.DemoSource, []byte(src.String()), 0o644))

	log := logrus.New()
	log.SetOutput(io.Discard)
	e := debugger.New(rt,
		debugger.WithFS(fs),
		debugger.WithLogger(log),
		debugger.WithConfig(debugger.Config{
			StartupTimeout: 5 * time.Second,
			NativeTimeout:  time.Second,
			EvalTimeout:    5 * time.Second,
		}),
	)
	t.Cleanup(func() { _ = e.Disconnect(true) })
	return e, fs
}

func demoTarget() Target {
	return Target{Launch: debugger.LaunchConfig{Program: simrt.DemoAssembly}}
}

func TestShowHelp(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	showHelp(&buf)
	out := buf.String()
	for _, usage := range []string{
		"continue (c)", "step (s)", "next (n)", "out (o)", "pause",
		"break (b) FILE:LINE", "delete (d) N", "breakpoints (bl)",
		"catch all|unhandled|none", "backtrace (bt)", "frame (f) N",
		"threads (t)", "thread ID", "locals (l)", "print (p) EXPR",
		"modules", "where (w)", "quit (q)", "help (h)",
	} {
		assert.Contains(t, out, "  "+usage+"\n")
	}
	for _, line := range strings.Split(out, "\n") {
		assert.LessOrEqual(t, len(line), helpWidth, line)
	}
}

func TestShowBreakpoints(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	showBreakpoints(&buf, nil)
	assert.Contains(t, buf.String(), "(no breakpoints)")

	buf.Reset()
	showBreakpoints(&buf, []debugger.Breakpoint{
		{ID: 1, Path: "/src/a.cs", Line: 10, ResolvedLine: 11, Verified: true},
		{ID: 2, Path: "/src/b.cs", Line: 3, Message: "no loaded module contains /src/b.cs"},
	})
	out := buf.String()
	assert.Contains(t, out, "#1  /src/a.cs:10  bound at line 11")
	assert.Contains(t, out, "#2  /src/b.cs:3  pending: no loaded module contains /src/b.cs")
	assert.Less(t, strings.Index(out, "#1"), strings.Index(out, "#2"))
}

func TestShowBacktrace(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	showBacktrace(&buf, nil, 0)
	assert.Contains(t, buf.String(), "(empty stack)")

	buf.Reset()
	showBacktrace(&buf, []debugger.StackFrame{
		{ID: 7, Name: "Program.Add()", Path: "/src/p.cs", Line: 40},
		{ID: 8, Name: "Program.Main()", Path: "/src/p.cs", Line: 25},
		{ID: 9, Name: "[unknown]"},
	}, 1)
	out := buf.String()
	assert.Contains(t, out, "  #0  Program.Add()  at /src/p.cs:40")
	assert.Contains(t, out, "* #1  Program.Main()  at /src/p.cs:25")
	assert.Contains(t, out, "  #2  [unknown]  at [external code]")
}

func TestShowSourceContext(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a.cs", []byte("one\ntwo\nthree\n"), 0o644))

	var buf bytes.Buffer
	showSourceContext(&buf, fs, "/a.cs", 2)
	assert.Equal(t, "       1  one\n-->    2  two\n       3  three\n", buf.String())

	buf.Reset()
	showSourceContext(&buf, fs, "/missing.cs", 4)
	assert.Equal(t, "  at /missing.cs:4 (source not available)\n", buf.String())
}

func TestHandleLine_NotPaused(t *testing.T) {
	t.Parallel()
	out := &lockedBuffer{}
	h := newHandler(debugger.New(nil), WithStderr(out), WithHistoryFile(""))

	h.handleLine("c")
	h.handleLine("p 1 + 1")
	h.handleLine("break nowhere")
	h.handleLine("break a.cs:x")
	h.handleLine("delete x")
	h.handleLine("delete 4")
	h.handleLine("catch")
	h.handleLine("catch all")
	h.handleLine("frame")

	got := out.String()
	assert.Equal(t, 2, strings.Count(got, "not paused\n"), got)
	assert.Equal(t, 1, strings.Count(got, "usage: break <file:line>\n"), got)
	assert.Contains(t, got, "invalid line number: x\n")
	assert.Contains(t, got, "invalid breakpoint id: x\n")
	assert.Contains(t, got, "no breakpoint with id 4\n")
	assert.Contains(t, got, "usage: catch all|unhandled|none\n")
	assert.Contains(t, got, debugger.ErrNoSession.Error())
	assert.Contains(t, got, "usage: frame <n>\n")
}

func TestHandleLine_Session(t *testing.T) {
	t.Parallel()
	e, fs := newTestEngine(t)
	out := &lockedBuffer{}
	h := newHandler(e, WithStderr(out), WithFS(fs), WithHistoryFile(""))
	require.NoError(t, h.start(context.Background(), demoTarget()))

	got := out.String()
	assert.Contains(t, got, "stopped: entry")
	assert.Contains(t, got, fmt.Sprintf("--> %4d  source line %d\n", simrt.DemoMainLine, simrt.DemoMainLine))
	assert.Equal(t, "(dbg) ", h.prompt())

	h.handleLine(fmt.Sprintf("break %s:%d", simrt.DemoSource, simrt.DemoAddCallLine))
	assert.Contains(t, out.String(), fmt.Sprintf("breakpoint 1 set at %s:%d\n", simrt.DemoSource, simrt.DemoAddCallLine))

	h.handleLine("c")
	assert.Contains(t, out.String(), "stopped: breakpoint 1")

	h.handleLine("p 1 + 1")
	assert.Contains(t, out.String(), "2 (int)\n")
	h.handleLine("total")
	assert.Contains(t, out.String(), "0 (int)\n")

	h.handleLine("locals")
	assert.Regexp(t, `ada +=  ?Name = "Ada" \(Demo\.Person\)`, out.String())

	h.handleLine("bt")
	assert.Contains(t, out.String(), "* #0  Program.Main()")

	h.handleLine("threads")
	assert.Contains(t, out.String(), "Main Thread")

	h.handleLine("modules")
	assert.Contains(t, out.String(), simrt.DemoAssembly)

	h.handleLine("frame 99")
	assert.Contains(t, out.String(), "no frame 99")

	h.handleLine("bl")
	assert.Contains(t, out.String(), fmt.Sprintf("#1  %s:%d  bound at line %d", simrt.DemoSource, simrt.DemoAddCallLine, simrt.DemoAddCallLine))

	// Empty input repeats the last execution command.
	h.handleLine("")
	assert.Equal(t, 2, strings.Count(out.String(), "stopped: breakpoint 1"))

	h.handleLine("d 1")
	assert.Contains(t, out.String(), "breakpoint 1 removed\n")

	h.handleLine("c")
	got = out.String()
	assert.Contains(t, got, "Hello, Ada")
	assert.Contains(t, got, "program exited with code 0\n")
	assert.Contains(t, got, "session ended\n")

	h.handleLine("q")
	assert.Contains(t, out.String(), "quitting debug session\n")
	assert.True(t, h.isDone())
}

func TestCompleter(t *testing.T) {
	t.Parallel()
	h := newHandler(debugger.New(nil), WithStderr(io.Discard), WithHistoryFile(""))
	c := &debugCompleter{h: h}

	cands, n := c.Do([]rune("brea"), 4)
	assert.Equal(t, 4, n)
	assert.Equal(t, [][]rune{[]rune("k"), []rune("kpoints")}, cands)

	cands, _ = c.Do([]rune("print br"), 8)
	assert.Empty(t, cands)

	cands, n = c.Do([]rune(""), 0)
	assert.Nil(t, cands)
	assert.Zero(t, n)
}

func TestRun(t *testing.T) {
	t.Parallel()
	e, fs := newTestEngine(t)

	commands := strings.Join([]string{
		fmt.Sprintf("b %s:%d", simrt.DemoSource, simrt.DemoAddCallLine),
		"c",
		"p ada.Describe()",
		"q",
		"",
	}, "\n")
	inR, inW := io.Pipe()
	go func() {
		defer inW.Close() //nolint:errcheck
		_, _ = io.WriteString(inW, commands)
	}()

	out := &lockedBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), e, demoTarget(),
			WithStdin(inR),
			WithStderr(out),
			WithFS(fs),
			WithHistoryFile(""),
		)
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("console did not return")
	}

	got := out.String()
	assert.Contains(t, got, "stopped: entry")
	assert.Contains(t, got, "stopped: breakpoint 1")
	assert.Contains(t, got, `"Ada (36)" (string)`)
	assert.Contains(t, got, "quitting debug session")
	assert.Equal(t, debugger.StateTerminated, e.State())
}
