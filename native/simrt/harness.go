// Copyright © 2024 The ELPS authors

package simrt

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/luthersystems/clrdbg/native"
)

// Halted is a program stopped at a source line under a minimal debugger
// that continues every other notification. It lets packages test code that
// needs a stopped thread without driving the debugging protocol.
type Halted struct {
	Process *Process
	Thread  *Thread
	Module  *Module

	h *autoHandler
}

// RunTo launches build, stops the first thread that reaches path:line and
// returns it stopped.
func RunTo(build func() *Program, path string, line int, timeout time.Duration) (*Halted, error) {
	rt := New()
	rt.Register("program", build)
	pid, resume, err := rt.CreateProcessForLaunch(native.LaunchCommand{Program: "program", Suspended: true})
	if err != nil {
		return nil, err
	}
	proc, _ := rt.Process(pid)
	h := &autoHandler{
		proc: proc,
		path: filepath.Clean(path),
		line: line,
		hit:  make(chan *Thread, 1),
		errc: make(chan error, 1),
	}
	_, err = rt.RegisterForRuntimeStartup(pid, func(dbg native.Debugging, status native.Status) {
		if !status.OK() {
			h.fail(&native.StatusError{Op: "RuntimeStartup", Status: status})
			return
		}
		if err := dbg.Initialize(); err != nil {
			h.fail(err)
			return
		}
		if err := dbg.SetManagedHandler(h); err != nil {
			h.fail(err)
			return
		}
		if _, err := dbg.DebugActiveProcess(pid); err != nil {
			h.fail(err)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := rt.ResumeProcess(resume); err != nil {
		return nil, err
	}
	_ = rt.CloseResumeHandle(resume)

	select {
	case t := <-h.hit:
		h.mu.Lock()
		mod := h.module
		h.mu.Unlock()
		return &Halted{Process: proc, Thread: t, Module: mod, h: h}, nil
	case err := <-h.errc:
		_ = proc.Terminate(1)
		return nil, err
	case <-proc.Done():
		return nil, fmt.Errorf("process exited before reaching %s:%d", path, line)
	case <-time.After(timeout):
		_ = proc.Terminate(1)
		return nil, fmt.Errorf("timed out running to %s:%d", path, line)
	}
}

// Frame returns the newest frame of the stopped thread.
func (hl *Halted) Frame() (native.Frame, error) {
	frames, err := hl.Thread.Frames()
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, errors.New("thread has no frames")
	}
	return frames[0], nil
}

// Close terminates the process.
func (hl *Halted) Close() {
	_ = hl.Process.Terminate(0)
}

type autoHandler struct {
	proc *Process
	path string
	line int
	hit  chan *Thread
	errc chan error

	mu     sync.Mutex
	bp     native.Breakpoint
	module *Module
	halted bool
}

func (h *autoHandler) fail(err error) {
	select {
	case h.errc <- err:
	default:
	}
}

func (h *autoHandler) resume() {
	_ = h.proc.Continue()
}

func (h *autoHandler) OnBreakpoint(t native.Thread, bp native.Breakpoint) {
	h.mu.Lock()
	ours := bp == h.bp && !h.halted
	if ours {
		h.halted = true
	}
	h.mu.Unlock()
	if !ours {
		h.resume()
		return
	}
	h.hit <- t.(*Thread)
}

func (h *autoHandler) OnLoadModule(m native.Module) {
	defer h.resume()
	if !m.HasSource(h.path) {
		return
	}
	bp, _, err := m.ResolveBreakpoint(h.path, h.line)
	if err != nil {
		h.fail(err)
		return
	}
	if err := bp.Activate(true); err != nil {
		h.fail(err)
		return
	}
	h.mu.Lock()
	h.bp = bp
	h.module, _ = m.(*Module)
	h.mu.Unlock()
}

func (h *autoHandler) OnStepComplete(native.Thread) { h.resume() }
func (h *autoHandler) OnBreak(native.Thread) { h.resume() }
func (h *autoHandler) OnException(native.Thread, native.Value, bool) { h.resume() }
func (h *autoHandler) OnCreateThread(native.Thread) { h.resume() }
func (h *autoHandler) OnExitThread(native.Thread) { h.resume() }
func (h *autoHandler) OnExitProcess(int) {}
func (h *autoHandler) OnLogMessage(native.Thread, string) { h.resume() }
