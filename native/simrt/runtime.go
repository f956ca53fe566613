// Copyright © 2024 The ELPS authors

// Package simrt is an in-process simulated managed runtime implementing
// the native debugging interface. Programs are declared in Go: modules with
// sequence points, classes with fields, properties and methods, and thread
// bodies that report frames and sequence points as they run. Importing the
// package registers the "sim" backend, which hosts the demo programs.
package simrt

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/luthersystems/clrdbg/native"
)

// DefaultVersion is the runtime version reported by a Runtime.
const DefaultVersion = "8.0.8"

func init() {
	native.Register("sim", func() (native.Shim, error) {
		rt := New()
		rt.Register("demo", Demo)
		rt.Register(DemoAssembly, Demo)
		return rt, nil
	})
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithVersion sets the runtime version string reported to debuggers.
func WithVersion(v string) Option {
	return func(rt *Runtime) {
		rt.version = v
	}
}

// WithStartupWait bounds how long runtime startup waits for a startup
// callback to return.
func WithStartupWait(d time.Duration) Option {
	return func(rt *Runtime) {
		rt.startupWait = d
	}
}

// Runtime is a simulated discovery shim hosting registered programs.
type Runtime struct {
	version     string
	startupWait time.Duration

	mu         sync.Mutex
	builders   map[string]func() *Program
	procs      map[int]*Process
	regs       map[native.Registration]*registration
	resumes    map[native.ResumeHandle]*Process
	nextPID    int
	nextHandle uintptr
}

var _ native.Shim = (*Runtime)(nil)

type registration struct {
	pid int
	cb  native.StartupCallback
}

// New returns a Runtime with no programs.
func New(opts ...Option) *Runtime {
	rt := &Runtime{
		version:     DefaultVersion,
		startupWait: 10 * time.Second,
		builders:    make(map[string]func() *Program),
		procs:       make(map[int]*Process),
		regs:        make(map[native.Registration]*registration),
		resumes:     make(map[native.ResumeHandle]*Process),
		nextPID:     4000,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Register makes a program launchable under name. build is called once
// per process.
func (rt *Runtime) Register(name string, build func() *Program) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.builders[name] = build
}

// Start runs a registered program without a debugger and returns its pid.
func (rt *Runtime) Start(name string, args ...string) (int, error) {
	pid, _, err := rt.CreateProcessForLaunch(native.LaunchCommand{Program: name, Args: args})
	return pid, err
}

// Process returns a running or exited process by pid.
func (rt *Runtime) Process(pid int) (*Process, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	p, ok := rt.procs[pid]
	return p, ok
}

func (rt *Runtime) lookupBuilder(program string) (func() *Program, bool) {
	base := filepath.Base(program)
	candidates := []string{program, base, strings.TrimSuffix(base, filepath.Ext(base))}
	for _, name := range candidates {
		if b, ok := rt.builders[name]; ok {
			return b, true
		}
	}
	return nil, false
}

func (rt *Runtime) handle() uintptr {
	rt.nextHandle++
	return rt.nextHandle
}

func (rt *Runtime) CreateProcessForLaunch(cmd native.LaunchCommand) (int, native.ResumeHandle, error) {
	rt.mu.Lock()
	build, ok := rt.lookupBuilder(cmd.Program)
	if !ok {
		rt.mu.Unlock()
		return 0, 0, fmt.Errorf("program %q not found", cmd.Program)
	}
	rt.nextPID++
	pid := rt.nextPID
	prog := build()
	p := newProcess(rt, pid, prog, cmd)
	rt.procs[pid] = p
	var h native.ResumeHandle
	if cmd.Suspended {
		h = native.ResumeHandle(rt.handle())
		rt.resumes[h] = p
	}
	rt.mu.Unlock()

	if !cmd.Suspended {
		if err := p.start(); err != nil {
			return 0, 0, err
		}
	}
	return pid, h, nil
}

func (rt *Runtime) ResumeProcess(h native.ResumeHandle) error {
	rt.mu.Lock()
	p, ok := rt.resumes[h]
	rt.mu.Unlock()
	if !ok {
		return errors.New("invalid resume handle")
	}
	return p.start()
}

func (rt *Runtime) CloseResumeHandle(h native.ResumeHandle) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.resumes[h]; !ok {
		return errors.New("invalid resume handle")
	}
	delete(rt.resumes, h)
	return nil
}

func (rt *Runtime) RegisterForRuntimeStartup(pid int, cb native.StartupCallback) (native.Registration, error) {
	rt.mu.Lock()
	p, ok := rt.procs[pid]
	if !ok {
		rt.mu.Unlock()
		return 0, fmt.Errorf("no process with pid %d", pid)
	}
	r := native.Registration(rt.handle())
	rt.regs[r] = &registration{pid: pid, cb: cb}
	rt.mu.Unlock()

	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		// The runtime is already up: report it right away, as the native
		// shim does.
		if claimed := rt.claim(r); claimed != nil {
			go func() {
				var dbg native.Debugging
				if p.prog.StartupStatus.OK() {
					dbg = newDebugging(rt)
				}
				claimed.cb(dbg, p.prog.StartupStatus)
			}()
		}
	}
	return r, nil
}

func (rt *Runtime) UnregisterForRuntimeStartup(r native.Registration) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.regs[r]; !ok {
		if r != 0 && uintptr(r) <= rt.nextHandle {
			// Already fired.
			return nil
		}
		return errors.New("invalid registration")
	}
	delete(rt.regs, r)
	return nil
}

func (rt *Runtime) claim(r native.Registration) *registration {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	reg, ok := rt.regs[r]
	if !ok {
		return nil
	}
	delete(rt.regs, r)
	return reg
}

// claimRegistrations removes and returns the registrations for pid.
func (rt *Runtime) claimRegistrations(pid int) []*registration {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var regs []*registration
	for r, reg := range rt.regs {
		if reg.pid == pid {
			regs = append(regs, reg)
			delete(rt.regs, r)
		}
	}
	return regs
}

func (rt *Runtime) EnumerateRuntimes(pid int) ([]native.RuntimeInstance, error) {
	p, ok := rt.Process(pid)
	if !ok {
		return nil, fmt.Errorf("no process with pid %d", pid)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return nil, errExited
	}
	if !p.started {
		return nil, nil
	}
	insts := make([]native.RuntimeInstance, p.prog.Runtimes)
	for i := range insts {
		insts[i] = native.RuntimeInstance{
			Handle: uintptr(i + 1),
			Path:   fmt.Sprintf("/usr/share/dotnet/shared/Microsoft.NETCore.App/%s/libcoreclr.so", rt.version),
		}
	}
	return insts, nil
}

func (rt *Runtime) VersionString(pid int, inst native.RuntimeInstance) (string, error) {
	p, ok := rt.Process(pid)
	if !ok {
		return "", fmt.Errorf("no process with pid %d", pid)
	}
	if inst.Handle == 0 || int(inst.Handle) > p.prog.Runtimes {
		return "", errors.New("invalid runtime instance")
	}
	return rt.version, nil
}

func (rt *Runtime) CreateDebuggingInterface(version string) (native.Debugging, error) {
	if version != rt.version {
		return nil, &native.StatusError{Op: "CreateDebuggingInterface", Status: native.StatusNotSupported}
	}
	return newDebugging(rt), nil
}

// debugging is the simulated debugging-interface handle.
type debugging struct {
	rt *Runtime

	mu          sync.Mutex
	initialized bool
	terminated  bool
	handler     native.ManagedCallback
	proc        *Process
}

func newDebugging(rt *Runtime) *debugging {
	return &debugging{rt: rt}
}

func (d *debugging) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.terminated {
		return errors.New("debugging interface terminated")
	}
	d.initialized = true
	return nil
}

func (d *debugging) SetManagedHandler(h native.ManagedCallback) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return errors.New("debugging interface not initialized")
	}
	if h == nil {
		return errors.New("nil managed handler")
	}
	d.handler = h
	return nil
}

func (d *debugging) DebugActiveProcess(pid int) (native.Process, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized || d.handler == nil {
		return nil, errors.New("debugging interface not ready")
	}
	if d.proc != nil {
		return nil, errors.New("debugging interface already bound to a process")
	}
	p, ok := d.rt.Process(pid)
	if !ok {
		return nil, fmt.Errorf("no process with pid %d", pid)
	}
	if err := p.attach(d.handler); err != nil {
		return nil, err
	}
	d.proc = p
	return p, nil
}

func (d *debugging) Terminate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.terminated {
		return errors.New("debugging interface already terminated")
	}
	d.terminated = true
	d.handler = nil
	return nil
}
