// Copyright © 2024 The ELPS authors

package simrt

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/luthersystems/clrdbg/native"
)

var errExited = errors.New("process has exited")

// Process is a simulated debuggee process. Each thread of the program runs
// on its own goroutine and passes through a gate at every sequence point
// and notification. While the process is stopped every gate blocks; a
// notification stops the process before it is delivered, so the debugger
// must call Continue to let any thread proceed.
type Process struct {
	rt   *Runtime
	pid  int
	prog *Program
	cmd  native.LaunchCommand

	mu              sync.Mutex
	cond            *sync.Cond
	launched        bool
	started         bool
	startupPending  bool
	startupAttached bool
	stopped         bool
	exited          bool
	exitCode        int
	handler         native.ManagedCallback
	threads         []*Thread
	nextTID         int
	live            int
	parked          int
	breakpoints     []*Breakpoint

	wg   sync.WaitGroup
	done chan struct{}
}

var _ native.Process = (*Process)(nil)

func newProcess(rt *Runtime, pid int, prog *Program, cmd native.LaunchCommand) *Process {
	p := &Process{
		rt:      rt,
		pid:     pid,
		prog:    prog,
		cmd:     cmd,
		nextTID: 99,
		done:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	prog.proc = p
	return p
}

func (p *Process) ID() int { return p.pid }

// Program returns the program instance the process runs.
func (p *Process) Program() *Program { return p.prog }

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode returns the exit code of an exited process.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Attached reports whether a debugger currently receives the process's
// notifications.
func (p *Process) Attached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler != nil
}

// start runs the program. It fails if the program was already started.
func (p *Process) start() error {
	p.mu.Lock()
	if p.launched {
		p.mu.Unlock()
		return errors.New("process already resumed")
	}
	p.launched = true
	main := p.newThreadLocked("Main Thread")
	p.mu.Unlock()

	go func() {
		defer p.threadDone(main)
		p.startRuntime()

		p.mu.Lock()
		attached := p.startupAttached
		p.mu.Unlock()
		if attached {
			p.raise(main, func(h native.ManagedCallback) { h.OnCreateThread(main) })
			for _, m := range p.prog.modules {
				m := m
				p.raise(main, func(h native.ManagedCallback) { h.OnLoadModule(m) })
			}
		}
		if p.prog.Main != nil {
			p.prog.Main(main)
		}
		p.threadDone(main)
		p.wg.Wait()
		p.exit(0)
	}()
	return nil
}

// startRuntime marks the runtime as started and runs the startup
// callbacks registered for the process. Runtime startup waits for each
// callback to return so a debugger attaching from the callback sees the
// first notifications.
func (p *Process) startRuntime() {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	regs := p.rt.claimRegistrations(p.pid)
	p.mu.Lock()
	p.startupPending = len(regs) > 0
	p.mu.Unlock()

	for _, r := range regs {
		var dbg native.Debugging
		if p.prog.StartupStatus.OK() {
			dbg = newDebugging(p.rt)
		}
		done := make(chan struct{})
		go func(cb native.StartupCallback) {
			defer close(done)
			cb(dbg, p.prog.StartupStatus)
		}(r.cb)
		select {
		case <-done:
		case <-time.After(p.rt.startupWait):
		}
	}

	p.mu.Lock()
	p.startupPending = false
	p.mu.Unlock()
}

func (p *Process) newThreadLocked(name string) *Thread {
	p.nextTID++
	t := &Thread{proc: p, id: p.nextTID, name: name}
	p.threads = append(p.threads, t)
	p.live++
	return t
}

func (p *Process) threadDone(t *Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.exited {
		return
	}
	t.exited = true
	p.live--
	for i, o := range p.threads {
		if o == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			break
		}
	}
	p.cond.Broadcast()
}

// waitRunningLocked blocks while the process is stopped. Counted waiters
// are program threads; Stop waits until all of them are parked. It
// reports false once the process has exited.
func (p *Process) waitRunningLocked(counted bool) bool {
	if counted {
		p.parked++
		p.cond.Broadcast()
	}
	for p.stopped && !p.exited {
		p.cond.Wait()
	}
	if counted {
		p.parked--
	}
	return !p.exited
}

// gate parks the calling program goroutine while the process is stopped.
// The goroutine exits if the process has exited.
func (p *Process) gate(t *Thread) {
	p.mu.Lock()
	ok := p.waitRunningLocked(t != nil)
	p.mu.Unlock()
	if !ok {
		runtime.Goexit()
	}
}

// raise stops the process, delivers a notification on a new goroutine and
// blocks until the debugger continues. Without a debugger it only passes
// the gate. t is nil for notifications not raised by a program thread.
func (p *Process) raise(t *Thread, deliver func(h native.ManagedCallback)) {
	p.mu.Lock()
	if !p.waitRunningLocked(t != nil) {
		p.mu.Unlock()
		runtime.Goexit()
	}
	h := p.handler
	if h == nil {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	go deliver(h)
	p.gate(t)
}

// attach installs the debugger's callback handler.
func (p *Process) attach(h native.ManagedCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.exited:
		return errExited
	case !p.started:
		return &native.StatusError{Op: "DebugActiveProcess", Status: native.StatusNotSupported}
	case p.handler != nil:
		return fmt.Errorf("process %d is already being debugged", p.pid)
	}
	p.handler = h
	if p.startupPending {
		// The main thread reports itself and the modules once startup
		// returns.
		p.startupAttached = true
		return nil
	}
	threads := append([]*Thread(nil), p.threads...)
	go func() {
		for _, t := range threads {
			t := t
			p.raise(nil, func(h native.ManagedCallback) { h.OnCreateThread(t) })
		}
		for _, m := range p.prog.modules {
			m := m
			p.raise(nil, func(h native.ManagedCallback) { h.OnLoadModule(m) })
		}
	}()
	return nil
}

func (p *Process) activate(b *Breakpoint, active bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return errExited
	}
	for i, o := range p.breakpoints {
		if o == b {
			if !active {
				p.breakpoints = append(p.breakpoints[:i], p.breakpoints[i+1:]...)
			}
			return nil
		}
	}
	if active {
		p.breakpoints = append(p.breakpoints, b)
	}
	return nil
}

func (p *Process) breakpointAtLocked(path string, line int) *Breakpoint {
	for _, b := range p.breakpoints {
		if b.line == line && b.path == path {
			return b
		}
	}
	return nil
}

// Stop suspends the process and waits until every thread is parked at a
// gate.
func (p *Process) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return errExited
	}
	p.stopped = true
	p.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		settled := p.exited || p.parked >= p.live
		p.mu.Unlock()
		if settled {
			return nil
		}
		if time.Now().After(deadline) {
			return &native.StatusError{Op: "Stop", Status: native.StatusTimeout}
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *Process) Continue() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return errExited
	}
	p.stopped = false
	p.cond.Broadcast()
	return nil
}

// Detach removes the debugger: breakpoints and steppers are cleared and
// the program runs freely.
func (p *Process) Detach() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return errExited
	}
	p.handler = nil
	p.breakpoints = nil
	for _, t := range p.threads {
		t.step.reset()
	}
	p.stopped = false
	p.cond.Broadcast()
	return nil
}

// Terminate kills the process. Program goroutines exit at their next gate.
func (p *Process) Terminate(exitCode int) error {
	if !p.exit(exitCode) {
		return errExited
	}
	return nil
}

// exit marks the process exited and notifies the debugger. It reports
// false if the process had already exited.
func (p *Process) exit(code int) bool {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return false
	}
	p.exited = true
	p.exitCode = code
	h := p.handler
	p.cond.Broadcast()
	p.mu.Unlock()
	close(p.done)
	if h != nil {
		go h.OnExitProcess(code)
	}
	return true
}

func (p *Process) Threads() ([]native.Thread, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return nil, errExited
	}
	threads := append([]*Thread(nil), p.threads...)
	sort.Slice(threads, func(i, j int) bool { return threads[i].id < threads[j].id })
	out := make([]native.Thread, len(threads))
	for i, t := range threads {
		out[i] = t
	}
	return out, nil
}

func (p *Process) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped && !p.exited
}
