// Copyright © 2024 The ELPS authors

package debugger

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luthersystems/clrdbg/native"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateAttaching State = iota
	StateRunning
	StateStopped
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAttaching:
		return "attaching"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// killExitCode is the exit code of a debuggee killed by the debugger.
const killExitCode = 1

// session is one debuggee connection. Fields below the event-goroutine
// marker are only touched by closures running on the event goroutine.
type session struct {
	e    *Engine
	kind string
	log  logrus.FieldLogger

	q    *workQueue
	done chan struct{}

	state   atomic.Int32
	stopped atomic.Int64 // thread id of the current stop

	fatalMu sync.Mutex
	fatal   error

	launchMu sync.Mutex
	launch   *pendingLaunch

	bindOnce sync.Once
	bound    chan struct{}
	dbg      native.Debugging
	proc     native.Process

	modules *moduleTable
	handles *handleTable
	gate    *invokeGate

	// Event goroutine.
	threads      map[int]string
	bps          *breakpointTable
	exceptions   ExceptionBreakMode
	stopAtEntry  bool
	entry        native.Breakpoint
	entryReached bool
	stepping     int // thread id with an armed step
}

func newSession(e *Engine, kind string) *session {
	s := &session{
		e:       e,
		kind:    kind,
		log:     e.log.WithField("session", kind),
		q:       newWorkQueue(),
		done:    make(chan struct{}),
		bound:   make(chan struct{}),
		modules: &moduleTable{},
		handles: newHandleTable(),
		gate:    newInvokeGate(),
		threads: make(map[int]string),
		bps:     newBreakpointTable(),
	}
	s.state.Store(int32(StateAttaching))
	return s
}

// State returns the session's current state.
func (s *session) State() State {
	return State(s.state.Load())
}

func (s *session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.WithFields(logrus.Fields{"from": prev, "to": st}).Debug("session state")
	}
}

func (s *session) isTerminated() bool {
	return s.State() == StateTerminated
}

// run is the event goroutine.
func (s *session) run() {
	defer close(s.done)
	for {
		fn, ok := s.q.pop()
		if !ok {
			return
		}
		s.exec(fn)
	}
}

func (s *session) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.fail(r)
		}
	}()
	fn()
}

// post queues fn on the event goroutine. It reports false once the
// session has ended.
func (s *session) post(fn func()) bool {
	if !s.q.push(fn) {
		s.log.Debug("session ended; dropping notification")
		return false
	}
	return true
}

// do runs fn on the event goroutine and waits for its result.
func (s *session) do(fn func() error) error {
	errc := make(chan error, 1)
	ok := s.q.push(func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- s.fail(r)
			}
		}()
		errc <- fn()
	})
	if !ok {
		return s.closedErr()
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		select {
		case err := <-errc:
			return err
		default:
			return s.closedErr()
		}
	}
}

// closedErr is returned by requests against an ended session.
func (s *session) closedErr() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	if s.fatal != nil {
		return fmt.Errorf("%w: %w", ErrSessionTerminated, s.fatal)
	}
	return ErrSessionTerminated
}

// fail ends the session after a panic on the event goroutine.
func (s *session) fail(r any) error {
	err := fmt.Errorf("%w: %v", ErrSessionFatal, r)
	s.log.WithError(err).WithField("stack", string(debug.Stack())).Error("debug session failed")
	s.fatalMu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.fatalMu.Unlock()
	if st := s.State(); st == StateTerminating || st == StateTerminated {
		s.abandon()
		return err
	}
	s.teardown(false)
	return err
}

// bind records the native handles once the process is attached. A nil
// proc records a failed attach.
func (s *session) bind(dbg native.Debugging, proc native.Process) {
	s.bindOnce.Do(func() {
		s.dbg = dbg
		s.proc = proc
		close(s.bound)
	})
}

// process waits for the attach to complete and returns the process, or
// nil if the attach failed.
func (s *session) process() native.Process {
	<-s.bound
	return s.proc
}

// boundProcess returns the process without waiting.
func (s *session) boundProcess() native.Process {
	select {
	case <-s.bound:
		return s.proc
	default:
		return nil
	}
}

func (s *session) boundDebugging() native.Debugging {
	select {
	case <-s.bound:
		return s.dbg
	default:
		return nil
	}
}

// open negotiates a debugging interface with pid and installs the
// session's callbacks.
func (s *session) open(dbg native.Debugging, pid int) (native.Process, error) {
	if s.isTerminated() {
		s.bind(nil, nil)
		return nil, fmt.Errorf("%w: %w", ErrAttach, ErrSessionTerminated)
	}
	fail := func(op string, err error) (native.Process, error) {
		if terr := dbg.Terminate(); terr != nil {
			s.log.WithError(terr).Debug("release debugging interface")
		}
		s.bind(nil, nil)
		return nil, fmt.Errorf("%w: %s: %w", ErrAttach, op, err)
	}
	if err := dbg.Initialize(); err != nil {
		return fail("initialize", err)
	}
	if err := dbg.SetManagedHandler(&callbacks{s: s}); err != nil {
		return fail("set managed handler", err)
	}
	proc, err := dbg.DebugActiveProcess(pid)
	if err != nil {
		return fail("debug active process", err)
	}
	s.bind(dbg, proc)
	s.state.CompareAndSwap(int32(StateAttaching), int32(StateRunning))
	s.log.WithField("pid", proc.ID()).Info("attached to process")
	return proc, nil
}

// resume continues the process after a notification that does not stop
// the session. A stop the user holds is left alone.
func (s *session) resume() {
	if s.State() == StateStopped {
		return
	}
	proc := s.process()
	if proc == nil {
		return
	}
	if err := proc.Continue(); err != nil {
		s.log.WithError(err).Debug("continue after notification")
	}
}

// bounded runs a native call, giving up after the native timeout.
func (s *session) bounded(op string, fn func() error) error {
	errc := make(chan error, 1)
	go func() { errc <- fn() }()
	timer := time.NewTimer(s.e.cfg.NativeTimeout)
	defer timer.Stop()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: %w", op, &native.StatusError{Op: op, Status: native.StatusTimeout})
	}
}

// teardown detaches from or kills the debuggee and ends the session. It
// runs on the event goroutine and never blocks longer than the native
// timeout per call.
func (s *session) teardown(kill bool) error {
	if s.isTerminated() {
		return nil
	}
	s.setState(StateTerminating)
	s.closeLaunch()
	var errs []error
	if proc := s.boundProcess(); proc != nil {
		if kill {
			errs = append(errs, s.bounded("terminate", func() error { return proc.Terminate(killExitCode) }))
		} else {
			errs = append(errs, s.bounded("detach", proc.Detach))
		}
	} else {
		s.bind(nil, nil)
	}
	if dbg := s.boundDebugging(); dbg != nil {
		errs = append(errs, s.bounded("release", dbg.Terminate))
	}
	if kill && s.boundProcess() != nil {
		s.e.emit(Event{Type: EventExited, ExitCode: killExitCode})
	}
	s.finish()
	return errors.Join(errs...)
}

// finish marks the session terminated and stops the event goroutine.
func (s *session) finish() {
	s.setState(StateTerminated)
	s.handles.reset()
	s.e.emit(Event{Type: EventTerminated})
	s.q.close()
	s.log.Info("debug session ended")
}

// shutdown runs teardown on the event goroutine. If the event goroutine
// does not take the request in time the session is abandoned.
func (s *session) shutdown(kill bool) error {
	if s.isTerminated() {
		return nil
	}
	errc := make(chan error, 1)
	go func() {
		err := s.do(func() error { return s.teardown(kill) })
		if errors.Is(err, ErrSessionTerminated) {
			err = nil
		}
		errc <- err
	}()
	// Each native call inside teardown is bounded; allow for all of them.
	timer := time.NewTimer(3*s.e.cfg.NativeTimeout + time.Second)
	defer timer.Stop()
	select {
	case err := <-errc:
		return err
	case <-timer.C:
		s.abandon()
		return fmt.Errorf("teardown: %w", &native.StatusError{Op: "teardown", Status: native.StatusTimeout})
	}
}

// abandon ends the session without touching the debuggee.
func (s *session) abandon() {
	s.setState(StateTerminated)
	s.bind(nil, nil)
	s.closeLaunch()
	s.handles.reset()
	s.q.close()
}

// callbacks forwards native notifications to the event goroutine.
type callbacks struct {
	s *session
}

var _ native.ManagedCallback = (*callbacks)(nil)

func (c *callbacks) OnBreakpoint(t native.Thread, bp native.Breakpoint) {
	c.s.post(func() { c.s.onBreakpoint(t, bp) })
}

func (c *callbacks) OnStepComplete(t native.Thread) {
	c.s.post(func() { c.s.stop(t, StopStep, nil, "") })
}

func (c *callbacks) OnBreak(t native.Thread) {
	c.s.post(func() { c.s.stop(t, StopPause, nil, "") })
}

func (c *callbacks) OnException(t native.Thread, exc native.Value, unhandled bool) {
	c.s.post(func() { c.s.onException(t, exc, unhandled) })
}

func (c *callbacks) OnCreateThread(t native.Thread) {
	c.s.post(func() { c.s.onCreateThread(t) })
}

func (c *callbacks) OnExitThread(t native.Thread) {
	c.s.post(func() { c.s.onExitThread(t) })
}

func (c *callbacks) OnLoadModule(m native.Module) {
	c.s.post(func() { c.s.onLoadModule(m) })
}

func (c *callbacks) OnExitProcess(exitCode int) {
	c.s.post(func() { c.s.onExitProcess(exitCode) })
}

func (c *callbacks) OnLogMessage(t native.Thread, text string) {
	c.s.post(func() { c.s.onLogMessage(t, text) })
}

// workQueue is an unbounded FIFO of closures. Pushing never blocks, so
// native callbacks return promptly whatever the event goroutine is doing.
type workQueue struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	ready  chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{ready: make(chan struct{}, 1)}
}

func (q *workQueue) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()
	q.signal()
	return true
}

// pop blocks until an item is available. It reports false once the queue
// is closed; items still queued at that point are dropped.
func (q *workQueue) pop() (func(), bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.items) > 0 {
			fn := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return fn, true
		}
		q.mu.Unlock()
		<-q.ready
	}
}

func (q *workQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.signal()
}

func (q *workQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
