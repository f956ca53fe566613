// Copyright © 2024 The ELPS authors

package debugger

// EventType identifies the kind of debug event.
type EventType int

const (
	// EventStopped indicates the debuggee has stopped.
	EventStopped EventType = iota
	// EventContinued indicates the debuggee has resumed.
	EventContinued
	// EventExited indicates the debuggee process has exited.
	EventExited
	// EventTerminated indicates the debug session has ended.
	EventTerminated
	EventThreadStarted
	EventThreadExited
	EventModuleLoaded
	// EventOutput carries text the debuggee wrote.
	EventOutput
	// EventBreakpointChanged reports a pending breakpoint that became
	// verified.
	EventBreakpointChanged
)

var eventTypeStrings = []string{
	EventStopped:       "stopped",
	EventContinued:     "continued",
	EventExited:        "exited",
	EventTerminated:    "terminated",
	EventThreadStarted: "thread-started",
	EventThreadExited:  "thread-exited",
	EventModuleLoaded:  "module-loaded",
	EventOutput:        "output",

	EventBreakpointChanged: "breakpoint-changed",
}

func (t EventType) String() string {
	if int(t) < len(eventTypeStrings) {
		return eventTypeStrings[t]
	}
	return "unknown"
}

// StopReason describes why the debuggee stopped.
type StopReason string

const (
	StopBreakpoint StopReason = "breakpoint"
	StopStep       StopReason = "step"
	StopPause      StopReason = "pause"
	StopEntry      StopReason = "entry"
	StopException  StopReason = "exception"
	StopUnknown    StopReason = "unknown"
)

// Output categories.
const (
	OutputStdout  = "stdout"
	OutputConsole = "console"
)

// Position is a source location.
type Position struct {
	Path   string
	Line   int
	Column int
}

// Event is delivered to the EventCallback when the session state changes.
// Only the fields relevant to Type are set.
type Event struct {
	Type     EventType
	ThreadID int
	// ThreadName is set for thread events.
	ThreadName string

	Reason StopReason
	// Position is the top frame of the stopped thread, if known.
	Position *Position
	// HitBreakpointIDs lists the user breakpoints a breakpoint stop hit.
	HitBreakpointIDs []int
	// Description is set for exception stops.
	Description string
	// AllThreads is set on stops and continues, which always apply to the
	// whole process.
	AllThreads bool

	ExitCode int

	ModuleID   int
	ModuleName string
	ModulePath string

	Output   string
	Category string

	Breakpoint *Breakpoint
}

// EventCallback receives events in the order they occur. It runs on the
// session's event goroutine and must not call back into the Engine
// synchronously.
type EventCallback func(Event)
