// Copyright © 2024 The ELPS authors

// Package debugger implements a debug engine for managed runtimes. The
// engine drives a native debugging interface (see package native) and
// exposes session, breakpoint, execution-control and inspection
// operations shaped for a debug adapter.
//
// An Engine hosts at most one session at a time. Every native notification
// and every state-changing request is processed in order on the session's
// event goroutine, so the session's bookkeeping is never touched
// concurrently. Variables and Evaluate run on the caller's goroutine and
// serialize debuggee calls per thread.
package debugger

import (
	"fmt"
	"sync"

	"github.com/luthersystems/clrdbg/native"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/luthersystems/clrdbg/debugger"

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default is the standard logrus logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithFS sets the filesystem used to validate launch targets.
func WithFS(fs afero.Fs) Option {
	return func(e *Engine) {
		e.fs = fs
	}
}

// WithConfig sets the engine's timeouts and display limits.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithEventCallback sets the function called for every debug event.
func WithEventCallback(cb EventCallback) Option {
	return func(e *Engine) {
		e.onEvent = cb
	}
}

// WithTracerProvider sets the provider of the engine's tracer. The default
// is the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracer = tp.Tracer(tracerName)
	}
}

// Engine is the debug engine.
type Engine struct {
	shim   native.Shim
	cfg    Config
	log    logrus.FieldLogger
	fs     afero.Fs
	tracer trace.Tracer

	cbMu    sync.RWMutex
	onEvent EventCallback

	mu      sync.Mutex
	session *session
}

// New creates an engine over shim.
func New(shim native.Shim, opts ...Option) *Engine {
	e := &Engine{
		shim: shim,
		cfg:  DefaultConfig(),
		log:  logrus.StandardLogger(),
		fs:   afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.withDefaults()
	if e.tracer == nil {
		e.tracer = otel.GetTracerProvider().Tracer(tracerName)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// State returns the state of the current session, or Terminated when
// there is none.
func (e *Engine) State() State {
	s, err := e.current()
	if err != nil {
		return StateTerminated
	}
	return s.State()
}

// SetEventCallback replaces the function called for every debug event.
func (e *Engine) SetEventCallback(cb EventCallback) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onEvent = cb
}

func (e *Engine) emit(ev Event) {
	e.cbMu.RLock()
	cb := e.onEvent
	e.cbMu.RUnlock()
	if cb != nil {
		cb(ev)
	}
}

// current returns the session requests are routed to.
func (e *Engine) current() (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, ErrNoSession
	}
	return e.session, nil
}

// begin installs a new session. It fails while another session is live.
func (e *Engine) begin(kind string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil && !e.session.isTerminated() {
		return nil, fmt.Errorf("a %s session is already active", e.session.kind)
	}
	s := newSession(e, kind)
	e.session = s
	go s.run()
	return s, nil
}
