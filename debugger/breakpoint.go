// Copyright © 2018 The ELPS authors

package debugger

import (
	"fmt"
	"path/filepath"

	"github.com/luthersystems/clrdbg/native"
	"github.com/sirupsen/logrus"
)

// Breakpoint is a user source breakpoint.
type Breakpoint struct {
	// ID is stable for as long as the breakpoint stays requested.
	ID   int
	Path string
	// Line is the requested line.
	Line int
	// ResolvedLine is the line of the sequence point the breakpoint was
	// bound to. It is zero until the breakpoint is verified.
	ResolvedLine int
	Verified     bool
	// Message explains why an unverified breakpoint is not bound.
	Message string
}

// ExceptionBreakMode selects which exception notifications stop the
// debuggee.
type ExceptionBreakMode int

const (
	// ExceptionBreakNever ignores exceptions.
	ExceptionBreakNever ExceptionBreakMode = iota
	// ExceptionBreakAll stops on every thrown exception.
	ExceptionBreakAll
	// ExceptionBreakUnhandled stops only on exceptions nothing catches.
	ExceptionBreakUnhandled
)

// Exception filter ids accepted by SetExceptionBreakpoints.
const (
	ExceptionFilterAll       = "all"
	ExceptionFilterUnhandled = "unhandled"
)

func (m ExceptionBreakMode) matches(unhandled bool) bool {
	switch m {
	case ExceptionBreakAll:
		return true
	case ExceptionBreakUnhandled:
		return unhandled
	}
	return false
}

const (
	msgFunctionBreakpoints = "function breakpoints are not supported"
	msgPendingFormat       = "no loaded module contains %s"
)

// source is a breakpoint with its native binding.
type source struct {
	Breakpoint
	native native.Breakpoint
}

// breakpointTable holds the requested breakpoints of every file. It is
// owned by the event goroutine.
type breakpointTable struct {
	lastID int
	files  map[string][]*source
}

func newBreakpointTable() *breakpointTable {
	return &breakpointTable{files: make(map[string][]*source)}
}

func (t *breakpointTable) newID() int {
	t.lastID++
	return t.lastID
}

// setForFile replaces the breakpoints of path with one per requested
// line. Lines that were already requested keep their entry. It returns the
// entries in request order and the entries that are no longer requested.
func (t *breakpointTable) setForFile(path string, lines []int) (current, removed []*source) {
	old := make(map[int]*source, len(t.files[path]))
	for _, bp := range t.files[path] {
		old[bp.Line] = bp
	}
	byLine := make(map[int]*source, len(lines))
	var kept []*source
	for _, line := range lines {
		bp, ok := byLine[line]
		if !ok {
			bp = old[line]
			if bp == nil {
				bp = &source{Breakpoint: Breakpoint{ID: t.newID(), Path: path, Line: line}}
			}
			byLine[line] = bp
			kept = append(kept, bp)
		}
		current = append(current, bp)
	}
	for _, bp := range t.files[path] {
		if byLine[bp.Line] != bp {
			removed = append(removed, bp)
		}
	}
	if len(kept) == 0 {
		delete(t.files, path)
	} else {
		t.files[path] = kept
	}
	return current, removed
}

// unbound returns the breakpoints without a native binding.
func (t *breakpointTable) unbound() []*source {
	var out []*source
	for _, bps := range t.files {
		for _, bp := range bps {
			if bp.native == nil {
				out = append(out, bp)
			}
		}
	}
	return out
}

// hits returns the ids of the breakpoints bound to nb.
func (t *breakpointTable) hits(nb native.Breakpoint) []int {
	var ids []int
	for _, bps := range t.files {
		for _, bp := range bps {
			if bp.native != nil && bp.native == nb {
				ids = append(ids, bp.ID)
			}
		}
	}
	return ids
}

// SetBreakpoints replaces the breakpoints of the source file at path and
// returns their state in request order. Breakpoints whose source is not
// loaded yet stay pending until a module containing it loads.
func (e *Engine) SetBreakpoints(path string, lines []int) ([]Breakpoint, error) {
	s, err := e.current()
	if err != nil {
		return nil, err
	}
	var out []Breakpoint
	err = s.do(func() error {
		out = s.setBreakpoints(path, lines)
		return nil
	})
	return out, err
}

func (s *session) setBreakpoints(path string, lines []int) []Breakpoint {
	path = filepath.Clean(path)
	current, removed := s.bps.setForFile(path, lines)
	for _, bp := range removed {
		if bp.native == nil {
			continue
		}
		if err := bp.native.Activate(false); err != nil {
			s.log.WithError(err).WithField("breakpoint", bp.ID).Warn("deactivate breakpoint")
		}
		bp.native = nil
	}
	out := make([]Breakpoint, len(current))
	for i, bp := range current {
		if bp.native == nil {
			s.bindBreakpoint(bp)
		}
		out[i] = bp.Breakpoint
	}
	return out
}

// bindBreakpoint binds bp in the first loaded module with sequence points
// in its file. It reports whether bp is now bound.
func (s *session) bindBreakpoint(bp *source) bool {
	bp.Message = fmt.Sprintf(msgPendingFormat, bp.Path)
	for _, m := range s.modules.list() {
		if !m.native.HasSource(bp.Path) {
			continue
		}
		nb, line, err := m.native.ResolveBreakpoint(bp.Path, bp.Line)
		if err != nil {
			bp.Message = err.Error()
			continue
		}
		if err := nb.Activate(true); err != nil {
			bp.Message = err.Error()
			continue
		}
		bp.native = nb
		bp.ResolvedLine = line
		bp.Verified = true
		bp.Message = ""
		s.log.WithFields(logrus.Fields{
			"breakpoint": bp.ID,
			"path":       bp.Path,
			"line":       line,
			"module":     m.native.Name(),
		}).Debug("breakpoint bound")
		return true
	}
	return false
}

// bindPending binds pending breakpoints after a module load and reports
// the ones that became verified.
func (s *session) bindPending() {
	for _, bp := range s.bps.unbound() {
		if s.bindBreakpoint(bp) {
			changed := bp.Breakpoint
			s.e.emit(Event{Type: EventBreakpointChanged, Breakpoint: &changed})
		}
	}
}

// SetExceptionBreakpoints selects the exception filters in effect. The
// recognized filters are "all" and "unhandled".
func (e *Engine) SetExceptionBreakpoints(filters []string) error {
	mode := ExceptionBreakNever
	for _, f := range filters {
		switch f {
		case ExceptionFilterAll:
			mode = ExceptionBreakAll
		case ExceptionFilterUnhandled:
			if mode != ExceptionBreakAll {
				mode = ExceptionBreakUnhandled
			}
		default:
			return fmt.Errorf("unknown exception filter %q", f)
		}
	}
	s, err := e.current()
	if err != nil {
		return err
	}
	return s.do(func() error {
		s.exceptions = mode
		return nil
	})
}

// SetFunctionBreakpoints answers a function breakpoint request. Every
// breakpoint is reported unverified.
func (e *Engine) SetFunctionBreakpoints(names []string) ([]Breakpoint, error) {
	s, err := e.current()
	if err != nil {
		return nil, err
	}
	out := make([]Breakpoint, len(names))
	err = s.do(func() error {
		for i := range names {
			out[i] = Breakpoint{ID: s.bps.newID(), Message: msgFunctionBreakpoints}
		}
		return nil
	})
	return out, err
}

// placeEntryBreakpoint arms the one-shot breakpoint that stops a launch
// at the program's entry point.
func (s *session) placeEntryBreakpoint(m native.Module) {
	if !s.stopAtEntry || s.entry != nil || s.entryReached {
		return
	}
	pos, ok := m.EntryPoint()
	if !ok {
		return
	}
	nb, _, err := m.ResolveBreakpoint(pos.Path, pos.Line)
	if err != nil {
		s.log.WithError(err).Warn("resolve entry point")
		return
	}
	if err := nb.Activate(true); err != nil {
		s.log.WithError(err).Warn("activate entry breakpoint")
		return
	}
	s.entry = nb
}

func (s *session) clearEntryBreakpoint() {
	s.entryReached = true
	if s.entry == nil {
		return
	}
	if err := s.entry.Activate(false); err != nil {
		s.log.WithError(err).Debug("deactivate entry breakpoint")
	}
	s.entry = nil
}
