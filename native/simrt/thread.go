// Copyright © 2024 The ELPS authors

package simrt

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/luthersystems/clrdbg/native"
)

// Thread is a simulated managed thread. Program bodies drive it through
// Enter, Line, Set, Leave and the notification helpers; the debugger
// inspects it through the native.Thread methods while the process is
// stopped.
type Thread struct {
	proc *Process
	id   int
	name string

	// Guarded by proc.mu.
	frames []*frame
	step   stepper
	exited bool

	// Set while a function evaluation runs on the thread. Only touched
	// while the thread's own goroutine is parked.
	evaluating bool
}

var _ native.Thread = (*Thread)(nil)

type frame struct {
	fn     *Method
	this   native.Value
	locals []native.Variable
	pos    native.SourcePosition
	hasPos bool
}

func (t *Thread) ID() int { return t.id }

func (t *Thread) Name() string { return t.name }

// Process returns the owning process.
func (t *Thread) Process() *Process { return t.proc }

// Enter pushes a frame for fn. this is nil for static methods.
func (t *Thread) Enter(fn *Method, this native.Value, args ...native.Variable) {
	p := t.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	t.frames = append(t.frames, &frame{
		fn:     fn,
		this:   this,
		locals: append([]native.Variable(nil), args...),
	})
}

// Leave pops the newest frame.
func (t *Thread) Leave() {
	p := t.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(t.frames) == 0 {
		panic("simrt: Leave without Enter")
	}
	t.frames = t.frames[:len(t.frames)-1]
}

// Set assigns a local of the newest frame, declaring it on first use.
func (t *Thread) Set(name string, v native.Value) {
	p := t.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	f := t.topLocked()
	for i := range f.locals {
		if f.locals[i].Name == name {
			f.locals[i].Value = v
			return
		}
	}
	f.locals = append(f.locals, native.Variable{Name: name, Value: v})
}

func (t *Thread) topLocked() *frame {
	if len(t.frames) == 0 {
		panic("simrt: no frame on thread " + t.name)
	}
	return t.frames[len(t.frames)-1]
}

// Line reports that the thread reached the sequence point at line of the
// current method's source file. The thread parks here while the process
// is stopped, and raises a step-complete or breakpoint notification when
// one applies.
func (t *Thread) Line(line int) {
	if t.evaluating {
		return
	}
	p := t.proc
	p.mu.Lock()
	f := t.topLocked()
	f.pos = native.SourcePosition{Path: f.fn.file, Line: line, Column: 1, EndLine: line}
	f.hasPos = true
	if !p.waitRunningLocked(true) {
		p.mu.Unlock()
		runtime.Goexit()
	}
	stepHit := t.step.shouldPause(len(t.frames), f.fn.file, line)
	bp := p.breakpointAtLocked(f.fn.file, line)
	p.mu.Unlock()

	switch {
	case bp != nil:
		p.mu.Lock()
		t.step.reset()
		p.mu.Unlock()
		p.raise(t, func(h native.ManagedCallback) { h.OnBreakpoint(t, bp) })
	case stepHit:
		p.raise(t, func(h native.ManagedCallback) { h.OnStepComplete(t) })
	}
}

// Call runs m on the thread with a new frame whose locals are the named
// parameters.
func (t *Thread) Call(m *Method, args ...native.Value) (native.Value, error) {
	if m.body == nil {
		return nil, fmt.Errorf("method %s has no body", m.name)
	}
	var this native.Value
	params := args
	if !m.IsStatic() {
		if len(args) == 0 {
			return nil, fmt.Errorf("instance method %s called without receiver", m.name)
		}
		this, params = args[0], args[1:]
	}
	locals := make([]native.Variable, len(params))
	for i, a := range params {
		locals[i] = native.Variable{Name: m.paramName(i), Value: a}
	}
	t.Enter(m, this, locals...)
	defer t.Leave()
	v, err := m.body(t, args)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return void(), nil
	}
	return v, nil
}

// Go spawns a program thread running body.
func (t *Thread) Go(name string, body func(t *Thread)) *Thread {
	p := t.proc
	p.mu.Lock()
	child := p.newThreadLocked(name)
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		defer p.threadDone(child)
		p.raise(child, func(h native.ManagedCallback) { h.OnCreateThread(child) })
		body(child)
		p.raise(child, func(h native.ManagedCallback) { h.OnExitThread(child) })
	}()
	return child
}

// Output writes text to the debugger's log.
func (t *Thread) Output(text string) {
	if t.evaluating {
		return
	}
	t.proc.raise(t, func(h native.ManagedCallback) { h.OnLogMessage(t, text) })
}

// Break raises a user break, as a call to a debugger-break API does.
func (t *Thread) Break() {
	if t.evaluating {
		return
	}
	t.proc.raise(t, func(h native.ManagedCallback) { h.OnBreak(t) })
}

// Throw raises an exception notification for exc.
func (t *Thread) Throw(exc native.Value, unhandled bool) {
	if t.evaluating {
		return
	}
	t.proc.raise(t, func(h native.ManagedCallback) { h.OnException(t, exc, unhandled) })
}

func (t *Thread) Frames() ([]native.Frame, error) {
	p := t.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.exited {
		return nil, fmt.Errorf("thread %d has exited", t.id)
	}
	frames := make([]native.Frame, 0, len(t.frames))
	for i := len(t.frames) - 1; i >= 0; i-- {
		f := t.frames[i]
		frames = append(frames, &frameView{
			fn:     f.fn,
			this:   f.this,
			locals: append([]native.Variable(nil), f.locals...),
			pos:    f.pos,
			hasPos: f.hasPos,
		})
	}
	return frames, nil
}

func (t *Thread) CancelStep() error {
	p := t.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return errExited
	}
	t.step.reset()
	return nil
}

func (t *Thread) Step(kind native.StepKind) error {
	p := t.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return errExited
	}
	if !p.stopped {
		return errors.New("process is not stopped")
	}
	if len(t.frames) == 0 {
		return fmt.Errorf("thread %d has no frames", t.id)
	}
	f := t.frames[len(t.frames)-1]
	t.step.arm(kind, len(t.frames), f.pos.Path, f.pos.Line)
	return nil
}

func (t *Thread) CallFunction(ctx context.Context, fn native.Function, args []native.Value) (native.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, ok := fn.(*Method)
	if !ok {
		return nil, fmt.Errorf("function %s does not belong to this runtime", fn.Name())
	}
	if !t.proc.isStopped() {
		return nil, errors.New("function evaluation requires a stopped process")
	}
	t.evaluating = true
	defer func() { t.evaluating = false }()
	v, err := t.Call(m, args...)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return v, nil
}

func (t *Thread) CreateValue(et native.ElementType, v any) (native.Value, error) {
	val, err := Primitive(et, v)
	if err != nil {
		return nil, err
	}
	return val, nil
}

type frameView struct {
	fn     *Method
	this   native.Value
	locals []native.Variable
	pos    native.SourcePosition
	hasPos bool
}

func (f *frameView) Function() native.Function { return f.fn }

func (f *frameView) Position() (native.SourcePosition, bool) { return f.pos, f.hasPos }

func (f *frameView) Locals() ([]native.Variable, error) { return f.locals, nil }

func (f *frameView) This() (native.Value, bool) { return f.this, f.this != nil }
