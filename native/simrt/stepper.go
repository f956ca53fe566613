// Copyright © 2018 The ELPS authors

package simrt

import "github.com/luthersystems/clrdbg/native"

// stepMode represents the current stepping behavior of a thread.
type stepMode int

const (
	// stepNone means no stepping is active (free-running).
	stepNone stepMode = iota
	// stepInto pauses on the next sequence point on a different line, or
	// on any sequence point deeper in the stack.
	stepInto
	// stepOver pauses on the next sequence point at the same or lesser
	// stack depth on a different line.
	stepOver
	// stepOut pauses on the next sequence point at a lesser stack depth.
	stepOut
)

// stepper implements the line-step state machine of one thread. It tracks
// the step mode and the reference stack depth and line.
//
// A stepper is armed by Thread.Step while the process is stopped and read
// by the thread's own goroutine once it runs again; the process mutex
// orders the two.
type stepper struct {
	mode      stepMode
	depth     int    // stack depth when the step was armed
	startFile string // file where the step was armed
	startLine int    // line where the step was armed
}

func (s *stepper) reset() {
	*s = stepper{}
}

func (s *stepper) arm(kind native.StepKind, depth int, file string, line int) {
	switch kind {
	case native.StepInto:
		s.mode = stepInto
	case native.StepOut:
		s.mode = stepOut
	default:
		s.mode = stepOver
	}
	s.depth = depth
	s.startFile = file
	s.startLine = line
}

func (s *stepper) isSameLine(file string, line int) bool {
	return file == s.startFile && line == s.startLine
}

// shouldPause returns true if the stepper should cause a pause at the
// given stack depth and source location. After returning true, the stepper
// resets to stepNone.
func (s *stepper) shouldPause(currentDepth int, file string, line int) bool {
	switch s.mode {
	case stepNone:
		return false
	case stepInto:
		if s.isSameLine(file, line) && currentDepth <= s.depth {
			// Same line at the same or lesser depth. Deeper means a
			// function body was entered, which always pauses.
			return false
		}
		s.mode = stepNone
		return true
	case stepOver:
		if currentDepth > s.depth {
			return false
		}
		if currentDepth < s.depth {
			// The enclosing call completed.
			s.mode = stepNone
			return true
		}
		if s.isSameLine(file, line) {
			return false
		}
		s.mode = stepNone
		return true
	case stepOut:
		if currentDepth < s.depth {
			s.mode = stepNone
			return true
		}
		return false
	}
	return false
}
