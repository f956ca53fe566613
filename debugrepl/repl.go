// Copyright © 2018 The ELPS authors

// Package debugrepl provides an interactive console for the debug engine.
// Lines that are not console commands are evaluated as expressions in the
// selected frame.
package debugrepl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ergochat/readline"
	"github.com/luthersystems/clrdbg/debugger"
	"github.com/spf13/afero"
)

// Option configures the debug console.
type Option func(*debugHandler)

// WithStdin sets the reader for console input. This is primarily useful
// for testing, where a pipe replaces the terminal.
func WithStdin(r io.ReadCloser) Option {
	return func(h *debugHandler) {
		h.stdin = r
	}
}

// WithStderr sets the writer for console output (prompts, status, etc.).
func WithStderr(w io.Writer) Option {
	return func(h *debugHandler) {
		h.out = w
	}
}

// WithFS sets the filesystem source files are read from.
func WithFS(fs afero.Fs) Option {
	return func(h *debugHandler) {
		h.fs = fs
	}
}

// WithHistoryFile sets the readline history file. An empty path disables
// history.
func WithHistoryFile(path string) Option {
	return func(h *debugHandler) {
		h.history = path
	}
}

// Target selects what the console debugs: a program to launch or, when
// PID is set, a running process to attach to.
type Target struct {
	Launch debugger.LaunchConfig
	PID    int
}

// Run starts a debug session for target and runs the console on the
// calling goroutine until the user quits or input ends. Launched programs
// start stopped at their entry point.
func Run(ctx context.Context, engine *debugger.Engine, target Target, opts ...Option) error {
	h := newHandler(engine, opts...)
	defer engine.SetEventCallback(nil)
	if err := h.start(ctx, target); err != nil {
		return err
	}

	rlCfg := &readline.Config{
		Stdout:            h.out,
		Stderr:            h.out,
		Prompt:            h.prompt(),
		HistoryFile:       h.history,
		HistorySearchFold: true,
		AutoComplete:      &debugCompleter{h: h},
	}
	if h.stdin != nil {
		rlCfg.Stdin = h.stdin
	}
	rl, err := readline.NewEx(rlCfg)
	if err != nil {
		return err
	}
	defer rl.Close() //nolint:errcheck // best-effort cleanup

	for !h.isDone() {
		rl.SetPrompt(h.prompt())
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			h.onInterrupt()
			continue
		}
		if err != nil {
			h.doQuit()
			break
		}
		h.handleLine(line)
	}
	return nil
}

// debugHandler holds state for the console session.
type debugHandler struct {
	engine  *debugger.Engine
	fs      afero.Fs
	stdin   io.ReadCloser
	history string

	outMu sync.Mutex
	out   io.Writer

	pausedCh chan debugger.Event
	exitCh   chan struct{}
	exitOnce sync.Once

	mu       sync.Mutex
	paused   bool
	waiting  bool
	attached bool
	done     bool
	lastCmd  string
	// thread and frame select the context for inspection commands.
	thread int
	frame  int
	// breakpoints holds the requested lines per source file.
	breakpoints map[string][]int
	known       map[int]debugger.Breakpoint
}

func newHandler(engine *debugger.Engine, opts ...Option) *debugHandler {
	h := &debugHandler{
		engine:      engine,
		fs:          afero.NewOsFs(),
		out:         os.Stderr,
		history:     historyPath(),
		pausedCh:    make(chan debugger.Event, 1),
		exitCh:      make(chan struct{}),
		breakpoints: make(map[string][]int),
		known:       make(map[int]debugger.Breakpoint),
	}
	for _, opt := range opts {
		opt(h)
	}
	engine.SetEventCallback(h.onEvent)
	return h
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".clrdbg_history")
}

// start opens the session. A launch waits for the entry stop.
func (h *debugHandler) start(ctx context.Context, target Target) error {
	if target.PID > 0 {
		if err := h.engine.Attach(ctx, target.PID); err != nil {
			return err
		}
		h.mu.Lock()
		h.attached = true
		h.mu.Unlock()
		h.printf("attached to process %d\n", target.PID)
		return nil
	}
	cfg := target.Launch
	cfg.StopAtEntry = true
	if err := h.engine.Launch(ctx, cfg); err != nil {
		return err
	}
	h.expectStop(true)
	if err := h.engine.ConfigurationDone(ctx); err != nil {
		h.expectStop(false)
		return err
	}
	h.waitForStop()
	return nil
}

func (h *debugHandler) printf(format string, args ...interface{}) {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	fmt.Fprintf(h.out, format, args...) //nolint:errcheck
}

func (h *debugHandler) println(args ...interface{}) {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	fmt.Fprintln(h.out, args...) //nolint:errcheck
}

// onEvent is the engine event callback. It runs on the engine's event
// goroutine.
func (h *debugHandler) onEvent(evt debugger.Event) {
	switch evt.Type {
	case debugger.EventStopped:
		h.mu.Lock()
		waiting := h.waiting
		h.waiting = false
		h.mu.Unlock()
		if waiting {
			h.pausedCh <- evt
			return
		}
		// A pause requested from the prompt.
		h.setStopped(evt)
		h.showStopBanner(evt)
	case debugger.EventExited:
		h.printf("program exited with code %d\n", evt.ExitCode)
	case debugger.EventTerminated:
		h.mu.Lock()
		h.paused = false
		h.mu.Unlock()
		h.exitOnce.Do(func() { close(h.exitCh) })
	case debugger.EventOutput:
		h.printf("%s", evt.Output)
	case debugger.EventBreakpointChanged:
		if bp := evt.Breakpoint; bp != nil {
			h.mu.Lock()
			h.known[bp.ID] = *bp
			h.mu.Unlock()
			h.printf("breakpoint %d bound at %s:%d\n", bp.ID, bp.Path, bp.ResolvedLine)
		}
	}
}

func (h *debugHandler) setStopped(evt debugger.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused = true
	h.thread = evt.ThreadID
	h.frame = 0
}

func (h *debugHandler) isDone() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// prompt returns the current prompt string.
func (h *debugHandler) prompt() string {
	h.mu.Lock()
	paused := h.paused
	h.mu.Unlock()
	if paused {
		return "(dbg) "
	}
	return "running> "
}

// onInterrupt handles Ctrl+C by requesting a pause.
func (h *debugHandler) onInterrupt() {
	h.mu.Lock()
	paused := h.paused
	h.mu.Unlock()
	if !paused {
		if err := h.engine.Pause(0); err != nil {
			h.println(err)
		}
	}
}

// repeatable commands are rerun by an empty line.
var repeatable = map[string]bool{
	"continue": true, "c": true,
	"step": true, "s": true,
	"next": true, "n": true,
	"out": true, "o": true,
}

// handleLine dispatches console commands. Lines that are not commands are
// evaluated as expressions.
func (h *debugHandler) handleLine(line string) {
	line = strings.TrimSpace(line)

	// Empty input repeats last command (GDB convention).
	if line == "" {
		h.mu.Lock()
		line = h.lastCmd
		h.mu.Unlock()
		if line == "" {
			return
		}
	}

	parts := strings.Fields(line)
	cmd := parts[0]
	args := parts[1:]
	if repeatable[cmd] {
		h.mu.Lock()
		h.lastCmd = line
		h.mu.Unlock()
	}

	switch cmd {
	case "continue", "c":
		h.doResume(h.engine.Continue)
	case "step", "s":
		h.doResume(h.engine.StepIn)
	case "next", "n":
		h.doResume(h.engine.StepNext)
	case "out", "o":
		h.doResume(h.engine.StepOut)
	case "pause":
		h.onInterrupt()
	case "break", "b":
		h.doBreak(args)
	case "delete", "d":
		h.doDelete(args)
	case "breakpoints", "bl":
		h.showBreakpoints()
	case "catch":
		h.doCatch(args)
	case "backtrace", "bt":
		h.doBacktrace()
	case "frame", "f":
		h.doFrame(args)
	case "threads", "t":
		h.doThreads()
	case "thread":
		h.doThread(args)
	case "locals", "l":
		h.doLocals()
	case "print", "p":
		h.doPrint(strings.Join(args, " "))
	case "modules":
		h.doModules()
	case "where", "w":
		h.doWhere()
	case "quit", "q":
		h.doQuit()
	case "help", "h":
		showHelp(h.out)
	default:
		h.doPrint(line)
	}
}

// doResume runs an execution control request and waits for the next stop
// or the end of the program.
func (h *debugHandler) doResume(fn func(threadID int) error) {
	h.mu.Lock()
	if !h.paused {
		h.mu.Unlock()
		h.println("not paused")
		return
	}
	h.paused = false
	h.waiting = true
	thread := h.thread
	h.mu.Unlock()

	if err := fn(thread); err != nil {
		h.mu.Lock()
		h.paused = true
		h.waiting = false
		h.mu.Unlock()
		h.println(err)
		return
	}
	h.waitForStop()
}

// expectStop routes the next stop event to waitForStop.
func (h *debugHandler) expectStop(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.waiting = on
}

// waitForStop blocks until the next stop or exit event, then shows
// source context.
func (h *debugHandler) waitForStop() {
	select {
	case evt := <-h.pausedCh:
		h.setStopped(evt)
		h.showStopBanner(evt)
	case <-h.exitCh:
		h.println("session ended")
	}
}

// showStopBanner prints the stop reason and source context.
func (h *debugHandler) showStopBanner(evt debugger.Event) {
	reason := string(evt.Reason)
	if len(evt.HitBreakpointIDs) > 0 {
		reason = fmt.Sprintf("breakpoint %d", evt.HitBreakpointIDs[0])
	}
	if evt.Description != "" {
		reason += ": " + evt.Description
	}
	h.printf("stopped: %s (thread %d)\n", reason, evt.ThreadID)
	if evt.Position != nil {
		h.outMu.Lock()
		showSourceContext(h.out, h.fs, evt.Position.Path, evt.Position.Line)
		h.outMu.Unlock()
	}
}

func (h *debugHandler) doBreak(args []string) {
	if len(args) != 1 {
		h.println("usage: break <file:line>")
		return
	}
	i := strings.LastIndexByte(args[0], ':')
	if i <= 0 {
		h.println("usage: break <file:line>")
		return
	}
	file := filepath.Clean(args[0][:i])
	line, err := strconv.Atoi(args[0][i+1:])
	if err != nil || line <= 0 {
		h.printf("invalid line number: %s\n", args[0][i+1:])
		return
	}
	h.mu.Lock()
	lines := append(h.breakpoints[file], line)
	h.mu.Unlock()
	bps, err := h.setBreakpoints(file, lines)
	if err != nil {
		h.println(err)
		return
	}
	for _, bp := range bps {
		if bp.Line != line {
			continue
		}
		if bp.Verified {
			h.printf("breakpoint %d set at %s:%d\n", bp.ID, file, bp.ResolvedLine)
		} else {
			h.printf("breakpoint %d pending at %s:%d (%s)\n", bp.ID, file, line, bp.Message)
		}
	}
}

// setBreakpoints replaces the breakpoints of file and records the result.
func (h *debugHandler) setBreakpoints(file string, lines []int) ([]debugger.Breakpoint, error) {
	bps, err := h.engine.SetBreakpoints(file, lines)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, bp := range h.known {
		if bp.Path == file {
			delete(h.known, id)
		}
	}
	h.breakpoints[file] = lines
	if len(lines) == 0 {
		delete(h.breakpoints, file)
	}
	for _, bp := range bps {
		h.known[bp.ID] = bp
	}
	return bps, nil
}

func (h *debugHandler) doDelete(args []string) {
	if len(args) != 1 {
		h.println("usage: delete <breakpoint-id>")
		return
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		h.printf("invalid breakpoint id: %s\n", args[0])
		return
	}
	h.mu.Lock()
	bp, ok := h.known[id]
	var lines []int
	for _, l := range h.breakpoints[bp.Path] {
		if l != bp.Line {
			lines = append(lines, l)
		}
	}
	h.mu.Unlock()
	if !ok {
		h.printf("no breakpoint with id %d\n", id)
		return
	}
	if _, err := h.setBreakpoints(bp.Path, lines); err != nil {
		h.println(err)
		return
	}
	h.printf("breakpoint %d removed\n", id)
}

func (h *debugHandler) showBreakpoints() {
	h.mu.Lock()
	bps := make([]debugger.Breakpoint, 0, len(h.known))
	for _, bp := range h.known {
		bps = append(bps, bp)
	}
	h.mu.Unlock()
	sort.Slice(bps, func(i, j int) bool { return bps[i].ID < bps[j].ID })
	h.outMu.Lock()
	defer h.outMu.Unlock()
	showBreakpoints(h.out, bps)
}

func (h *debugHandler) doCatch(args []string) {
	var filters []string
	switch {
	case len(args) == 1 && args[0] == "none":
	case len(args) == 1:
		filters = args
	default:
		h.println("usage: catch all|unhandled|none")
		return
	}
	if err := h.engine.SetExceptionBreakpoints(filters); err != nil {
		h.println(err)
		return
	}
	h.printf("exception breakpoints: %s\n", args[0])
}

// frames returns the stack of the selected thread.
func (h *debugHandler) frames() ([]debugger.StackFrame, bool) {
	h.mu.Lock()
	paused, thread := h.paused, h.thread
	h.mu.Unlock()
	if !paused {
		h.println("not paused")
		return nil, false
	}
	frames, _, err := h.engine.StackTrace(thread, 0, 0)
	if err != nil {
		h.println(err)
		return nil, false
	}
	return frames, true
}

// selected returns the selected frame.
func (h *debugHandler) selected() (debugger.StackFrame, bool) {
	frames, ok := h.frames()
	if !ok {
		return debugger.StackFrame{}, false
	}
	h.mu.Lock()
	idx := h.frame
	h.mu.Unlock()
	if idx >= len(frames) {
		h.println("no frame selected")
		return debugger.StackFrame{}, false
	}
	return frames[idx], true
}

func (h *debugHandler) doBacktrace() {
	frames, ok := h.frames()
	if !ok {
		return
	}
	h.mu.Lock()
	idx := h.frame
	h.mu.Unlock()
	h.outMu.Lock()
	defer h.outMu.Unlock()
	showBacktrace(h.out, frames, idx)
}

func (h *debugHandler) doFrame(args []string) {
	if len(args) != 1 {
		h.println("usage: frame <n>")
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		h.printf("invalid frame number: %s\n", args[0])
		return
	}
	frames, ok := h.frames()
	if !ok {
		return
	}
	if n >= len(frames) {
		h.printf("no frame %d (stack depth %d)\n", n, len(frames))
		return
	}
	h.mu.Lock()
	h.frame = n
	h.mu.Unlock()
	f := frames[n]
	h.printf("#%d %s\n", n, f.Name)
	h.outMu.Lock()
	showSourceContext(h.out, h.fs, f.Path, f.Line)
	h.outMu.Unlock()
}

func (h *debugHandler) doThreads() {
	threads, err := h.engine.Threads()
	if err != nil {
		h.println(err)
		return
	}
	h.mu.Lock()
	current := h.thread
	h.mu.Unlock()
	h.outMu.Lock()
	defer h.outMu.Unlock()
	showThreads(h.out, threads, current)
}

func (h *debugHandler) doThread(args []string) {
	if len(args) != 1 {
		h.println("usage: thread <id>")
		return
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		h.printf("invalid thread id: %s\n", args[0])
		return
	}
	threads, err := h.engine.Threads()
	if err != nil {
		h.println(err)
		return
	}
	for _, t := range threads {
		if t.ID == id {
			h.mu.Lock()
			h.thread = id
			h.frame = 0
			h.mu.Unlock()
			h.printf("switched to thread %d (%s)\n", id, t.Name)
			return
		}
	}
	h.printf("no thread with id %d\n", id)
}

func (h *debugHandler) doLocals() {
	f, ok := h.selected()
	if !ok {
		return
	}
	scopes, err := h.engine.Scopes(f.ID)
	if err != nil {
		h.println(err)
		return
	}
	for _, sc := range scopes {
		vars, err := h.engine.Variables(context.Background(), sc.VariablesReference)
		if err != nil {
			h.println(err)
			continue
		}
		h.outMu.Lock()
		showLocals(h.out, vars)
		h.outMu.Unlock()
	}
}

func (h *debugHandler) doPrint(expr string) {
	if expr == "" {
		h.println("usage: print <expression>")
		return
	}
	f, ok := h.selected()
	if !ok {
		return
	}
	res, err := h.engine.Evaluate(context.Background(), expr, f.ID)
	if err != nil {
		h.println(err)
		return
	}
	h.printf("%s (%s)\n", res.Result, res.Type)
}

func (h *debugHandler) doModules() {
	mods, err := h.engine.Modules()
	if err != nil {
		h.println(err)
		return
	}
	for _, m := range mods {
		h.printf("  [%d] %s  %s\n", m.ID, m.Name, m.Path)
	}
}

func (h *debugHandler) doWhere() {
	f, ok := h.selected()
	if !ok {
		return
	}
	if f.Path == "" {
		h.println("no source location")
		return
	}
	h.outMu.Lock()
	defer h.outMu.Unlock()
	showSourceContext(h.out, h.fs, f.Path, f.Line)
}

func (h *debugHandler) doQuit() {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	kill := !h.attached
	h.mu.Unlock()
	h.println("quitting debug session")
	if err := h.engine.Disconnect(kill); err != nil {
		h.println(err)
	}
}
