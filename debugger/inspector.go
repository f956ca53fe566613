// Copyright © 2018 The ELPS authors

package debugger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/luthersystems/clrdbg/eval"
	"github.com/luthersystems/clrdbg/native"
	"go.opentelemetry.io/otel/attribute"
)

const (
	backReference    = "<back-reference>"
	staticMembers    = "Static members"
	localsScope      = "Locals"
	maxDisplayDepth  = 2
	displayNoQuotes  = ",nq"
	unavailableValue = "<unavailable>"
)

// Scope is a group of variables in a stack frame.
type Scope struct {
	Name               string
	VariablesReference int
	Expensive          bool
}

// Variable is one named value in a variables listing.
type Variable struct {
	Name  string
	Value string
	Type  string
	// VariablesReference is non-zero when the value has children.
	VariablesReference int
}

// EvalResult is the outcome of a successful evaluation.
type EvalResult struct {
	Result             string
	Type               string
	VariablesReference int
}

// Scopes returns the scopes of a stack frame.
func (e *Engine) Scopes(frameID int) ([]Scope, error) {
	s, err := e.current()
	if err != nil {
		return nil, err
	}
	n, err := s.handles.get(frameID)
	if err != nil {
		return nil, err
	}
	if n.kind != nodeFrame {
		return nil, fmt.Errorf("%w: %d is not a stack frame", ErrStaleHandle, frameID)
	}
	if err := s.requireStopped(); err != nil {
		return nil, err
	}
	ref, err := s.handles.add(&node{kind: nodeScope, thread: n.thread, frame: n.frame, epoch: n.epoch})
	if err != nil {
		return nil, err
	}
	return []Scope{{Name: localsScope, VariablesReference: ref}}, nil
}

// Variables expands a variables reference. Property getters run in the
// debuggee; a getter that fails renders as an error value.
func (e *Engine) Variables(ctx context.Context, ref int) (vars []Variable, err error) {
	ctx, span := e.startSpan(ctx, "Variables", attribute.Int("reference", ref))
	defer func() {
		span.SetAttributes(attribute.Int("count", len(vars)))
		endSpan(span, err)
	}()

	s, err := e.current()
	if err != nil {
		return nil, err
	}
	n, err := s.handles.get(ref)
	if err != nil {
		return nil, err
	}
	if err := s.requireStopped(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.EvalTimeout)
	defer cancel()
	x := s.inspector(ctx, n.thread, n.epoch)
	switch n.kind {
	case nodeScope:
		vars, err = x.scope(n)
	case nodeObject:
		vars = x.object(n)
	case nodeStatics:
		vars = x.statics(n)
	default:
		return nil, fmt.Errorf("%w: %d is not a variables reference", ErrStaleHandle, ref)
	}
	if err != nil {
		return nil, err
	}
	if x.stale != nil {
		return nil, x.stale
	}
	return vars, nil
}

// Evaluate evaluates expr in a stack frame. A frameID of zero selects the
// top frame of the stopped thread.
func (e *Engine) Evaluate(ctx context.Context, expr string, frameID int) (res EvalResult, err error) {
	ctx, span := e.startSpan(ctx, "Evaluate",
		attribute.String("expression", expr),
		attribute.Int("frame", frameID))
	defer func() {
		span.SetAttributes(attribute.String("result.type", res.Type))
		endSpan(span, err)
	}()

	s, err := e.current()
	if err != nil {
		return EvalResult{}, err
	}
	t, f, epoch, err := s.evalFrame(frameID)
	if err != nil {
		return EvalResult{}, err
	}
	c, err := eval.Compile(expr)
	if err != nil {
		return EvalResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.EvalTimeout)
	defer cancel()
	v, err := eval.Evaluate(ctx, c, &eval.Scope{Thread: t, Frame: f, Types: s.modules, Invoker: s.gate})
	if err != nil {
		return EvalResult{}, err
	}
	x := s.inspector(ctx, t, epoch)
	vr := x.variable(expr, v, nil)
	if x.stale != nil {
		return EvalResult{}, x.stale
	}
	return EvalResult{Result: vr.Value, Type: vr.Type, VariablesReference: vr.VariablesReference}, nil
}

// evalFrame resolves the frame an evaluation runs in, with the epoch of
// the episode it belongs to.
func (s *session) evalFrame(frameID int) (native.Thread, native.Frame, uint64, error) {
	if frameID != 0 {
		n, err := s.handles.get(frameID)
		if err != nil {
			return nil, nil, 0, err
		}
		if n.kind != nodeFrame {
			return nil, nil, 0, fmt.Errorf("%w: %d is not a stack frame", ErrStaleHandle, frameID)
		}
		if err := s.requireStopped(); err != nil {
			return nil, nil, 0, err
		}
		return n.thread, n.frame, n.epoch, nil
	}
	if err := s.requireStopped(); err != nil {
		return nil, nil, 0, err
	}
	epoch := s.handles.current()
	t, err := s.thread(int(s.stopped.Load()))
	if err != nil {
		return nil, nil, 0, err
	}
	frames, err := t.Frames()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("stack trace: %w", err)
	}
	if len(frames) == 0 {
		return nil, nil, 0, fmt.Errorf("thread %d has no frames", t.ID())
	}
	return t, frames[0], epoch, nil
}

// inspector renders debuggee values for one request. Children are minted
// into epoch only; once that episode ends stale records the failure.
type inspector struct {
	s         *session
	ctx       context.Context
	thread    native.Thread
	epoch     uint64
	maxString int
	stale     error
}

func (s *session) inspector(ctx context.Context, t native.Thread, epoch uint64) *inspector {
	return &inspector{s: s, ctx: ctx, thread: t, epoch: epoch, maxString: s.e.cfg.MaxStringLength}
}

// mint issues a reference for n in the inspector's episode.
func (x *inspector) mint(n *node) int {
	if x.stale != nil {
		return 0
	}
	n.epoch = x.epoch
	ref, err := x.s.handles.add(n)
	if err != nil {
		x.stale = err
		return 0
	}
	return ref
}

// variable renders v. path holds the addresses of the objects enclosing
// it; a reference to one of them renders as a back-reference.
func (x *inspector) variable(name string, v native.Value, path []uint64) Variable {
	if v == nil {
		return Variable{Name: name, Value: unavailableValue}
	}
	vr := Variable{Name: name, Type: eval.TypeName(v)}
	if addr := v.Address(); addr != 0 && !v.IsNull() && containsAddr(path, addr) {
		vr.Value = backReference
		return vr
	}
	vr.Value = x.format(v, 0)
	if expandable(v) {
		child := make([]uint64, len(path), len(path)+1)
		copy(child, path)
		vr.VariablesReference = x.mint(&node{
			kind:   nodeObject,
			thread: x.thread,
			value:  v,
			class:  v.Class(),
			path:   append(child, v.Address()),
		})
	}
	return vr
}

func errorVariable(name string, err error) Variable {
	return Variable{Name: name, Value: errorText(err)}
}

func errorText(err error) string {
	return "<error: " + err.Error() + ">"
}

func containsAddr(path []uint64, addr uint64) bool {
	for _, a := range path {
		if a == addr {
			return true
		}
	}
	return false
}

func isArray(et native.ElementType) bool {
	return et == native.ElementSZArray || et == native.ElementArray
}

func expandable(v native.Value) bool {
	if v.IsNull() {
		return false
	}
	et := v.ElementType()
	switch {
	case isArray(et):
		return v.Len() > 0
	case et == native.ElementClass, et == native.ElementValueType, et == native.ElementObject:
		return v.Class() != nil
	}
	return false
}

func hasStatics(cls native.Class) bool {
	for _, f := range cls.Fields() {
		if f.Static {
			return true
		}
	}
	for _, p := range cls.Properties() {
		if p.Static {
			return true
		}
	}
	return false
}

func (x *inspector) staticsNode(cls native.Class, path []uint64) Variable {
	ref := x.mint(&node{kind: nodeStatics, thread: x.thread, class: cls, path: path})
	return Variable{Name: staticMembers, VariablesReference: ref}
}

func (x *inspector) scope(n *node) ([]Variable, error) {
	var out []Variable
	if this, ok := n.frame.This(); ok && this != nil {
		out = append(out, x.variable("this", this, nil))
	}
	locals, err := n.frame.Locals()
	if err != nil {
		return nil, fmt.Errorf("locals: %w", err)
	}
	for _, l := range locals {
		out = append(out, x.variable(l.Name, l.Value, nil))
	}
	if fn := n.frame.Function(); fn != nil {
		if cls := fn.Class(); cls != nil && hasStatics(cls) {
			out = append(out, x.staticsNode(cls, nil))
		}
	}
	return out, nil
}

func (x *inspector) object(n *node) []Variable {
	v := n.value
	var out []Variable
	if isArray(v.ElementType()) {
		for i := 0; i < v.Len(); i++ {
			name := "[" + strconv.Itoa(i) + "]"
			elem, err := v.Element(i)
			if err != nil {
				out = append(out, errorVariable(name, err))
				continue
			}
			out = append(out, x.variable(name, elem, n.path))
		}
		return out
	}
	if n.class == nil {
		return nil
	}
	seen := make(map[string]bool)
	for c := n.class; c != nil; c = c.Base() {
		for _, f := range c.Fields() {
			if f.Static || seen[f.Name] {
				continue
			}
			seen[f.Name] = true
			fv, err := v.Field(f.Name)
			if err != nil {
				out = append(out, errorVariable(f.Name, err))
				continue
			}
			out = append(out, x.variable(f.Name, fv, n.path))
		}
	}
	for c := n.class; c != nil; c = c.Base() {
		for _, p := range c.Properties() {
			if p.Static || p.Getter == nil || seen[p.Name] {
				continue
			}
			seen[p.Name] = true
			pv, err := x.s.gate.Invoke(x.ctx, x.thread, p.Getter, []native.Value{v})
			if err != nil {
				out = append(out, errorVariable(p.Name, err))
				continue
			}
			out = append(out, x.variable(p.Name, pv, n.path))
		}
	}
	if hasStatics(n.class) {
		out = append(out, x.staticsNode(n.class, n.path))
	}
	return out
}

func (x *inspector) statics(n *node) []Variable {
	var out []Variable
	for _, f := range n.class.Fields() {
		if !f.Static {
			continue
		}
		fv, err := n.class.StaticField(x.thread, f.Name)
		if err != nil {
			out = append(out, errorVariable(f.Name, err))
			continue
		}
		out = append(out, x.variable(f.Name, fv, n.path))
	}
	for _, p := range n.class.Properties() {
		if !p.Static || p.Getter == nil {
			continue
		}
		pv, err := x.s.gate.Invoke(x.ctx, x.thread, p.Getter, nil)
		if err != nil {
			out = append(out, errorVariable(p.Name, err))
			continue
		}
		out = append(out, x.variable(p.Name, pv, n.path))
	}
	return out
}

// format renders a value the way the debuggee language writes it.
// Objects with a display format show it with every hole evaluated against
// the object; depth limits how far display formats nest.
func (x *inspector) format(v native.Value, depth int) string {
	if v.IsNull() {
		return "null"
	}
	et := v.ElementType()
	switch et {
	case native.ElementVoid:
		return ""
	case native.ElementString:
		s, _ := v.Primitive().(string)
		return x.quote(s)
	case native.ElementChar:
		r, _ := v.Primitive().(rune)
		return strconv.QuoteRune(r)
	case native.ElementBoolean:
		if b, _ := v.Primitive().(bool); b {
			return "true"
		}
		return "false"
	}
	if et.IsPrimitive() {
		return formatNumber(v)
	}
	if isArray(et) {
		elem := strings.TrimSuffix(eval.TypeName(v), "[]")
		return "{" + elem + "[" + strconv.Itoa(v.Len()) + "]}"
	}
	cls := v.Class()
	if cls == nil {
		return "{" + eval.TypeName(v) + "}"
	}
	if f := cls.DisplayFormat(); f != "" && depth < maxDisplayDepth {
		return x.display(v, f, depth)
	}
	return "{" + cls.Name() + "}"
}

func formatNumber(v native.Value) string {
	switch n := v.Primitive().(type) {
	case int64:
		return strconv.FormatInt(n, 10)
	case uint64:
		return strconv.FormatUint(n, 10)
	case float64:
		if v.ElementType() == native.ElementR4 {
			return eval.FormatFloat(n, 32)
		}
		return eval.FormatFloat(n, 64)
	}
	return fmt.Sprint(v.Primitive())
}

// quote renders a string literal, truncated to the display limit.
func (x *inspector) quote(s string) string {
	if x.maxString > 0 && utf8.RuneCountInString(s) > x.maxString {
		runes := []rune(s)
		return strconv.Quote(string(runes[:x.maxString])+"...")
	}
	return strconv.Quote(s)
}

// display expands a display format such as "Name = {Name}". A hole ending
// in ",nq" shows strings without quotes.
func (x *inspector) display(v native.Value, format string, depth int) string {
	var sb strings.Builder
	rest := format
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			sb.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			sb.WriteString(rest)
			break
		}
		sb.WriteString(rest[:open])
		sb.WriteString(x.hole(v, rest[open+1:open+end], depth))
		rest = rest[open+end+1:]
	}
	return sb.String()
}

func (x *inspector) hole(v native.Value, expr string, depth int) string {
	raw := strings.HasSuffix(expr, displayNoQuotes)
	if raw {
		expr = strings.TrimSuffix(expr, displayNoQuotes)
	}
	c, err := eval.Compile(expr)
	if err != nil {
		return errorText(err)
	}
	hv, err := eval.Evaluate(x.ctx, c, &eval.Scope{
		Thread:  x.thread,
		Root:    v,
		Types:   x.s.modules,
		Invoker: x.s.gate,
	})
	if err != nil {
		return errorText(err)
	}
	if raw && hv.ElementType() == native.ElementString && !hv.IsNull() {
		s, _ := hv.Primitive().(string)
		return s
	}
	return x.format(hv, depth+1)
}
