// Copyright © 2024 The ELPS authors

package debugger

import (
	"fmt"
	"strings"

	"github.com/luthersystems/clrdbg/eval"
	"github.com/luthersystems/clrdbg/native"
	"github.com/sirupsen/logrus"
)

// Thread is a debuggee thread.
type Thread struct {
	ID   int
	Name string
}

// StackFrame is one frame of a stack trace.
type StackFrame struct {
	ID     int
	Name   string
	Path   string
	Line   int
	Column int
}

// stop records a stop on t and reports it.
func (s *session) stop(t native.Thread, reason StopReason, hits []int, desc string) {
	id := 0
	if t != nil {
		id = t.ID()
	}
	s.stopped.Store(int64(id))
	s.setState(StateStopped)
	s.endStep(id, reason)
	ev := Event{
		Type:             EventStopped,
		ThreadID:         id,
		Reason:           reason,
		HitBreakpointIDs: hits,
		Description:      desc,
		AllThreads:       true,
	}
	if t != nil {
		ev.Position = topPosition(t)
	}
	s.log.WithFields(logrus.Fields{"thread": id, "reason": reason}).Debug("stopped")
	s.e.emit(ev)
}

// endStep forgets the armed step once the debuggee stops. A stop for any
// other reason, or on another thread, disarms the stepper so it cannot
// complete in a later episode.
func (s *session) endStep(id int, reason StopReason) {
	stepping := s.stepping
	if stepping == 0 {
		return
	}
	s.stepping = 0
	if reason == StopStep && stepping == id {
		return
	}
	t, err := s.thread(stepping)
	if err != nil {
		return
	}
	if err := t.CancelStep(); err != nil {
		s.log.WithError(err).WithField("thread", stepping).Debug("cancel step")
	}
}

func topPosition(t native.Thread) *Position {
	frames, err := t.Frames()
	if err != nil || len(frames) == 0 {
		return nil
	}
	pos, ok := frames[0].Position()
	if !ok {
		return nil
	}
	return &Position{Path: pos.Path, Line: pos.Line, Column: pos.Column}
}

func (s *session) onBreakpoint(t native.Thread, nb native.Breakpoint) {
	if s.entry != nil && nb == s.entry {
		s.clearEntryBreakpoint()
		s.stop(t, StopEntry, nil, "")
		return
	}
	ids := s.bps.hits(nb)
	if len(ids) == 0 {
		// Removed while the notification was in flight.
		s.resume()
		return
	}
	if s.entry != nil {
		s.clearEntryBreakpoint()
	}
	s.stop(t, StopBreakpoint, ids, "")
}

func (s *session) onException(t native.Thread, exc native.Value, unhandled bool) {
	if !s.exceptions.matches(unhandled) {
		s.resume()
		return
	}
	s.stop(t, StopException, nil, describeException(exc))
}

func describeException(exc native.Value) string {
	if exc == nil || exc.IsNull() {
		return "exception"
	}
	desc := eval.TypeName(exc)
	if msg, err := exc.Field("Message"); err == nil && msg != nil && !msg.IsNull() {
		if text, ok := msg.Primitive().(string); ok && text != "" {
			desc += ": " + text
		}
	}
	return desc
}

func (s *session) onCreateThread(t native.Thread) {
	s.threads[t.ID()] = t.Name()
	s.e.emit(Event{Type: EventThreadStarted, ThreadID: t.ID(), ThreadName: t.Name()})
	s.resume()
}

func (s *session) onExitThread(t native.Thread) {
	name := s.threads[t.ID()]
	delete(s.threads, t.ID())
	s.e.emit(Event{Type: EventThreadExited, ThreadID: t.ID(), ThreadName: name})
	s.resume()
}

func (s *session) onLoadModule(m native.Module) {
	lm := s.modules.add(m)
	s.log.WithFields(logrus.Fields{"module": m.Name(), "path": m.Path()}).Debug("module loaded")
	s.e.emit(Event{Type: EventModuleLoaded, ModuleID: lm.id, ModuleName: m.Name(), ModulePath: m.Path()})
	s.bindPending()
	s.placeEntryBreakpoint(m)
	s.resume()
}

func (s *session) onLogMessage(t native.Thread, text string) {
	id := 0
	if t != nil {
		id = t.ID()
	}
	s.e.emit(Event{Type: EventOutput, ThreadID: id, Output: text, Category: OutputStdout})
	s.resume()
}

func (s *session) onExitProcess(code int) {
	if s.isTerminated() {
		return
	}
	s.setState(StateTerminating)
	s.log.WithField("code", code).Info("debuggee exited")
	s.e.emit(Event{Type: EventExited, ExitCode: code})
	if dbg := s.boundDebugging(); dbg != nil {
		if err := s.bounded("release", dbg.Terminate); err != nil {
			s.log.WithError(err).Debug("release debugging interface")
		}
	}
	s.finish()
}

// proceed resumes a stopped process. Handles from the ending episode are
// invalidated before any debuggee code runs.
func (s *session) proceed(threadID int) error {
	proc := s.process()
	if proc == nil {
		return ErrSessionTerminated
	}
	s.handles.reset()
	s.setState(StateRunning)
	if err := proc.Continue(); err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("continue: %w", err)
	}
	s.e.emit(Event{Type: EventContinued, ThreadID: threadID, AllThreads: true})
	return nil
}

func (s *session) requireStopped() error {
	switch s.State() {
	case StateStopped:
		return nil
	case StateTerminating, StateTerminated:
		return s.closedErr()
	}
	return ErrNotStopped
}

// thread finds a live thread by id.
func (s *session) thread(id int) (native.Thread, error) {
	proc := s.boundProcess()
	if proc == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownThread, id)
	}
	threads, err := proc.Threads()
	if err != nil {
		return nil, fmt.Errorf("%w: %d: %w", ErrUnknownThread, id, err)
	}
	for _, t := range threads {
		if t.ID() == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownThread, id)
}

// Continue resumes every thread of a stopped debuggee.
func (e *Engine) Continue(threadID int) error {
	s, err := e.current()
	if err != nil {
		return err
	}
	return s.do(func() error {
		if err := s.requireStopped(); err != nil {
			return err
		}
		return s.proceed(threadID)
	})
}

// StepNext steps threadID over the current line.
func (e *Engine) StepNext(threadID int) error {
	return e.step(threadID, native.StepOver)
}

// StepIn steps threadID into the call on the current line, or over the
// line when it makes no call.
func (e *Engine) StepIn(threadID int) error {
	return e.step(threadID, native.StepInto)
}

// StepOut runs threadID until the current method returns.
func (e *Engine) StepOut(threadID int) error {
	return e.step(threadID, native.StepOut)
}

func (e *Engine) step(threadID int, kind native.StepKind) error {
	s, err := e.current()
	if err != nil {
		return err
	}
	return s.do(func() error {
		if err := s.requireStopped(); err != nil {
			return err
		}
		t, err := s.thread(threadID)
		if err != nil {
			return err
		}
		if err := t.Step(kind); err != nil {
			return fmt.Errorf("step %s: %w", kind, err)
		}
		s.stepping = threadID
		return s.proceed(threadID)
	})
}

// Pause suspends a running debuggee and reports a pause stop on threadID,
// or on the first thread when threadID is unknown. Pausing a stopped
// debuggee does nothing.
func (e *Engine) Pause(threadID int) error {
	s, err := e.current()
	if err != nil {
		return err
	}
	return s.do(func() error {
		switch s.State() {
		case StateStopped:
			return nil
		case StateTerminating, StateTerminated:
			return s.closedErr()
		}
		proc := s.boundProcess()
		if proc == nil {
			return ErrNotStopped
		}
		if err := proc.Stop(e.cfg.NativeTimeout); err != nil {
			return fmt.Errorf("pause: %w", err)
		}
		t, err := s.thread(threadID)
		if err != nil {
			threads, terr := proc.Threads()
			if terr != nil || len(threads) == 0 {
				t = nil
			} else {
				t = threads[0]
			}
		}
		s.stop(t, StopPause, nil, "")
		return nil
	})
}

// Threads lists the debuggee's live threads.
func (e *Engine) Threads() ([]Thread, error) {
	s, err := e.current()
	if err != nil {
		return nil, err
	}
	if s.isTerminated() {
		return nil, s.closedErr()
	}
	proc := s.boundProcess()
	if proc == nil {
		return nil, nil
	}
	threads, err := proc.Threads()
	if err != nil {
		return nil, fmt.Errorf("threads: %w", err)
	}
	out := make([]Thread, len(threads))
	for i, t := range threads {
		out[i] = Thread{ID: t.ID(), Name: t.Name()}
	}
	return out, nil
}

// StackTrace returns levels frames of threadID starting at start, newest
// first, and the total frame count. A levels of zero returns all frames
// from start.
func (e *Engine) StackTrace(threadID, start, levels int) ([]StackFrame, int, error) {
	s, err := e.current()
	if err != nil {
		return nil, 0, err
	}
	if err := s.requireStopped(); err != nil {
		return nil, 0, err
	}
	t, err := s.thread(threadID)
	if err != nil {
		return nil, 0, err
	}
	frames, err := t.Frames()
	if err != nil {
		return nil, 0, fmt.Errorf("stack trace: %w", err)
	}
	total := len(frames)
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if levels > 0 && start+levels < total {
		end = start + levels
	}
	out := make([]StackFrame, 0, end-start)
	for i := start; i < end; i++ {
		f := frames[i]
		sf := StackFrame{
			ID:   s.handles.frame(t, i, f),
			Name: frameName(f.Function()),
		}
		if pos, ok := f.Position(); ok {
			sf.Path, sf.Line, sf.Column = pos.Path, pos.Line, pos.Column
		}
		out = append(out, sf)
	}
	return out, total, nil
}

// frameName renders a frame as Class.Method().
func frameName(fn native.Function) string {
	if fn == nil {
		return "[unknown]"
	}
	name := fn.Name() + "()"
	if cls := fn.Class(); cls != nil {
		class := cls.Name()
		if i := strings.LastIndexByte(class, '.'); i >= 0 {
			class = class[i+1:]
		}
		name = class + "." + name
	}
	return name
}
