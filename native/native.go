// Copyright © 2024 The ELPS authors

// Package native declares the out-of-process debugging interface that the
// debugger engine drives. It mirrors the shape of a managed runtime's
// debugging API: a discovery shim that spawns processes and reports runtime
// startup, a debugging handle that attaches to a process, and the process,
// thread, frame and value objects reachable from it.
//
// Implementations deliver ManagedCallback notifications on arbitrary
// goroutines. While a callback is outstanding the whole process is stopped;
// it resumes when Process.Continue is called.
package native

import (
	"context"
	"time"
)

// LaunchCommand describes a process to spawn under the debugger.
type LaunchCommand struct {
	Program   string
	Args      []string
	Cwd       string
	Env       map[string]string
	Suspended bool
}

// ResumeHandle resumes a process created suspended.
type ResumeHandle uintptr

// Registration identifies a runtime startup registration.
type Registration uintptr

// RuntimeInstance is one initialized runtime found inside a process.
type RuntimeInstance struct {
	Handle uintptr
	Path   string
}

// StartupCallback is invoked once the runtime in a registered process has
// started. dbg is nil unless status is OK.
type StartupCallback func(dbg Debugging, status Status)

// Shim is the native discovery service.
type Shim interface {
	CreateProcessForLaunch(cmd LaunchCommand) (pid int, resume ResumeHandle, err error)
	ResumeProcess(h ResumeHandle) error
	CloseResumeHandle(h ResumeHandle) error
	RegisterForRuntimeStartup(pid int, cb StartupCallback) (Registration, error)
	UnregisterForRuntimeStartup(r Registration) error
	EnumerateRuntimes(pid int) ([]RuntimeInstance, error)
	VersionString(pid int, inst RuntimeInstance) (string, error)
	CreateDebuggingInterface(version string) (Debugging, error)
}

// Debugging is the native debugging-interface handle.
type Debugging interface {
	Initialize() error
	SetManagedHandler(h ManagedCallback) error
	DebugActiveProcess(pid int) (Process, error)
	Terminate() error
}

// Process is a debuggee process.
type Process interface {
	ID() int
	// Stop suspends every managed thread. It does not raise a callback.
	Stop(timeout time.Duration) error
	// Continue resumes the process after a callback or Stop.
	Continue() error
	Detach() error
	Terminate(exitCode int) error
	Threads() ([]Thread, error)
}

// StepKind selects the line-stepping behavior of Thread.Step.
type StepKind int

const (
	StepOver StepKind = iota
	StepInto
	StepOut
)

func (k StepKind) String() string {
	switch k {
	case StepOver:
		return "over"
	case StepInto:
		return "in"
	case StepOut:
		return "out"
	}
	return "unknown"
}

// Thread is a managed thread. Thread values are looked up from the process
// and must not be retained past the stopped episode they were obtained in.
type Thread interface {
	ID() int
	Name() string
	// Frames returns the call stack, newest first.
	Frames() ([]Frame, error)
	// Step arms a line stepper; the step completes with OnStepComplete
	// after the process is continued.
	Step(kind StepKind) error
	// CancelStep disarms the stepper armed by Step. It does nothing if no
	// step is armed.
	CancelStep() error
	// CallFunction runs fn inside the debuggee on this thread. For
	// instance methods args[0] is the receiver.
	CallFunction(ctx context.Context, fn Function, args []Value) (Value, error)
	// CreateValue materializes a primitive or string value in the debuggee.
	CreateValue(et ElementType, v any) (Value, error)
}

// SourcePosition is a location in a source file. Lines are 1-based.
type SourcePosition struct {
	Path      string
	Line      int
	Column    int
	EndLine   int
	EndColumn int
}

// Frame is one activation on a thread's stack.
type Frame interface {
	Function() Function
	Position() (SourcePosition, bool)
	// Locals returns arguments and locals in declaration order.
	Locals() ([]Variable, error)
	// This returns the receiver of an instance method.
	This() (Value, bool)
}

// Variable is a named value.
type Variable struct {
	Name  string
	Value Value
}

// Function is a method definition.
type Function interface {
	Name() string
	Token() uint32
	Class() Class
	Module() Module
	IsStatic() bool
	// Signature returns the raw metadata signature blob.
	Signature() []byte
}

// Field describes a field of a class.
type Field struct {
	Name   string
	Static bool
}

// Property describes a property with a getter method.
type Property struct {
	Name   string
	Static bool
	Getter Function
}

// Class is a loaded type.
type Class interface {
	// Name returns the namespace-qualified type name.
	Name() string
	Token() uint32
	Module() Module
	IsValueType() bool
	// Base returns the base class, or nil.
	Base() Class
	Fields() []Field
	Properties() []Property
	Methods() []Function
	StaticField(t Thread, name string) (Value, error)
	// DisplayFormat returns the preferred display string template of
	// instances, such as "Name = {Name}", or "".
	DisplayFormat() string
}

// Module is a loaded assembly.
type Module interface {
	Name() string
	Path() string
	// HasSource reports whether the module has sequence points in path.
	HasSource(path string) bool
	// ResolveBreakpoint creates an inactive breakpoint at the first
	// sequence point at or after line and returns it with the actual line.
	ResolveBreakpoint(path string, line int) (Breakpoint, int, error)
	FindClass(name string) (Class, bool)
	// EntryPoint returns the first sequence point of the entry method.
	EntryPoint() (SourcePosition, bool)
}

// Breakpoint is a native breakpoint.
type Breakpoint interface {
	Activate(active bool) error
}

// Value is a live debuggee value.
type Value interface {
	ElementType() ElementType
	// Class returns the value's type, or nil for primitives.
	Class() Class
	IsNull() bool
	// Address identifies heap objects; zero for non-heap values.
	Address() uint64
	// Primitive returns the Go representation of primitive and string
	// values: bool, rune, int64, uint64, float64 or string.
	Primitive() any
	Field(name string) (Value, error)
	// Len returns the element count of arrays and strings.
	Len() int
	Element(i int) (Value, error)
}

// ManagedCallback receives debuggee notifications. Every notification
// leaves the process stopped until Process.Continue.
type ManagedCallback interface {
	OnBreakpoint(t Thread, bp Breakpoint)
	OnStepComplete(t Thread)
	OnBreak(t Thread)
	OnException(t Thread, exc Value, unhandled bool)
	OnCreateThread(t Thread)
	OnExitThread(t Thread)
	OnLoadModule(m Module)
	OnExitProcess(exitCode int)
	OnLogMessage(t Thread, text string)
}
