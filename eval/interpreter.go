// Copyright © 2024 The ELPS authors

package eval

import (
	"context"
	"strings"

	"github.com/luthersystems/clrdbg/native"
)

// TypeResolver finds loaded types by namespace-qualified name.
type TypeResolver interface {
	FindClass(name string) (native.Class, bool)
}

// Invoker runs a function inside the debuggee. Implementations serialize
// invocations per thread.
type Invoker interface {
	Invoke(ctx context.Context, t native.Thread, fn native.Function, args []native.Value) (native.Value, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, t native.Thread, fn native.Function, args []native.Value) (native.Value, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, t native.Thread, fn native.Function, args []native.Value) (native.Value, error) {
	return f(ctx, t, fn, args)
}

// Scope is the live state an expression is evaluated against.
type Scope struct {
	// Thread creates values and runs methods. It must be stopped.
	Thread native.Thread
	// Frame supplies locals, the receiver and the enclosing type. It may be
	// nil when Root is set.
	Frame native.Frame
	// Root, when set, stands in for the frame: names resolve against its
	// members and its type's statics and locals are not visible. Display
	// strings of objects are evaluated this way.
	Root native.Value
	// Types resolves type names. It may be nil.
	Types TypeResolver
	// Invoker runs methods and property getters. When nil, methods are run
	// directly on Thread.
	Invoker Invoker
}

type itemKind int

const (
	itemValue itemKind = iota
	itemType
	itemNamespace
)

// item is a stack slot. Besides values, member access chains may
// temporarily hold a type or a namespace prefix.
type item struct {
	kind  itemKind
	value native.Value
	class native.Class
	ns    string
}

func valueItem(v native.Value) item {
	return item{kind: itemValue, value: v}
}

// Evaluate runs c against sc and returns the resulting value.
func Evaluate(ctx context.Context, c *Compiled, sc *Scope) (native.Value, error) {
	m := &machine{ctx: ctx, sc: sc, code: c.code}
	return m.run()
}

type machine struct {
	ctx   context.Context
	sc    *Scope
	code  []Instruction
	stack []item
}

func (m *machine) push(it item) {
	m.stack = append(m.stack, it)
}

func (m *machine) pop() item {
	it := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return it
}

func (m *machine) top() item {
	return m.stack[len(m.stack)-1]
}

// popValue pops a slot that must hold a value.
func (m *machine) popValue(in Instruction) (native.Value, error) {
	it := m.pop()
	if err := m.requireValue(it, in); err != nil {
		return nil, err
	}
	return it.value, nil
}

func (m *machine) requireValue(it item, in Instruction) error {
	switch it.kind {
	case itemType:
		return errorf(InvalidOperation, in.Offset, "%s is a type, which is not valid in the given context", it.class.Name())
	case itemNamespace:
		return errorf(IdentifierNotFound, in.Offset, "the name %q does not exist in the current context", it.ns)
	}
	return nil
}

func (m *machine) run() (native.Value, error) {
	for pc := 0; pc < len(m.code); pc++ {
		if err := m.ctx.Err(); err != nil {
			return nil, err
		}
		in := m.code[pc]
		switch in.Op {
		case OpPushInt:
			var v native.Value
			var err error
			if in.Type == native.ElementU4 || in.Type == native.ElementU8 {
				v, err = m.create(in, in.Type, in.Uint)
			} else {
				v, err = m.create(in, in.Type, in.Int)
			}
			if err != nil {
				return nil, err
			}
			m.push(valueItem(v))
		case OpPushFloat:
			v, err := m.create(in, in.Type, in.Float)
			if err != nil {
				return nil, err
			}
			m.push(valueItem(v))
		case OpPushString:
			v, err := m.create(in, native.ElementString, in.Str)
			if err != nil {
				return nil, err
			}
			m.push(valueItem(v))
		case OpPushChar:
			v, err := m.create(in, native.ElementChar, in.Char)
			if err != nil {
				return nil, err
			}
			m.push(valueItem(v))
		case OpPushBool:
			v, err := m.create(in, native.ElementBoolean, in.Bool)
			if err != nil {
				return nil, err
			}
			m.push(valueItem(v))
		case OpPushNull:
			m.push(valueItem(nullReference{}))
		case OpIdent:
			it, err := m.ident(in, m.followedByMember(pc))
			if err != nil {
				return nil, err
			}
			m.push(it)
		case OpThis:
			this, ok := m.this()
			if !ok {
				return nil, errorf(IdentifierNotFound, in.Offset, "keyword 'this' is not valid in a static context")
			}
			m.push(valueItem(this))
		case OpMember:
			it, err := m.member(m.pop(), in, m.followedByMember(pc))
			if err != nil {
				return nil, err
			}
			m.push(it)
		case OpIndex:
			v, err := m.index(in)
			if err != nil {
				return nil, err
			}
			m.push(valueItem(v))
		case OpUnary:
			x, err := m.popValue(in)
			if err != nil {
				return nil, err
			}
			v, err := m.unary(in, x)
			if err != nil {
				return nil, err
			}
			m.push(valueItem(v))
		case OpBinary:
			y, err := m.popValue(in)
			if err != nil {
				return nil, err
			}
			x, err := m.popValue(in)
			if err != nil {
				return nil, err
			}
			v, err := m.binary(in, x, y)
			if err != nil {
				return nil, err
			}
			m.push(valueItem(v))
		case OpCall:
			v, err := m.call(in)
			if err != nil {
				return nil, err
			}
			m.push(valueItem(v))
		case OpJumpIfFalse, OpJumpIfTrue:
			b, err := m.boolOperand(m.top(), in)
			if err != nil {
				return nil, err
			}
			if b == (in.Op == OpJumpIfTrue) {
				pc = in.Target - 1
				continue
			}
			m.pop()
		case OpCheckBool:
			if _, err := m.boolOperand(m.top(), in); err != nil {
				return nil, err
			}
		}
	}
	if len(m.stack) != 1 {
		return nil, errorf(InvalidOperation, -1, "malformed program leaves %d values", len(m.stack))
	}
	last := m.code[len(m.code)-1]
	return m.popValue(last)
}

// followedByMember reports whether the instruction after pc accesses a
// member of the value pc produces.
func (m *machine) followedByMember(pc int) bool {
	if pc+1 >= len(m.code) {
		return false
	}
	next := m.code[pc+1]
	return next.Op == OpMember || (next.Op == OpCall && next.Receiver)
}

func (m *machine) boolOperand(it item, in Instruction) (bool, error) {
	if err := m.requireValue(it, in); err != nil {
		return false, err
	}
	b, ok := it.value.Primitive().(bool)
	if it.value.ElementType() != native.ElementBoolean || !ok {
		return false, errorf(InvalidOperation, in.Offset, "operator %s cannot be applied to operand of type %s", in.Name, typeName(it.value))
	}
	return b, nil
}

// create materializes a primitive or string in the debuggee.
func (m *machine) create(in Instruction, et native.ElementType, v any) (native.Value, error) {
	if m.sc.Thread == nil {
		return nil, errorf(InvalidOperation, in.Offset, "no thread to evaluate on")
	}
	val, err := m.sc.Thread.CreateValue(et, v)
	if err != nil {
		return nil, &Error{Kind: RemoteInvokeFault, Offset: in.Offset, Msg: "creating " + et.String() + " value", Err: err}
	}
	return val, nil
}

// this returns the receiver names resolve against.
func (m *machine) this() (native.Value, bool) {
	if m.sc.Root != nil {
		return m.sc.Root, true
	}
	if m.sc.Frame == nil {
		return nil, false
	}
	return m.sc.Frame.This()
}

// enclosing returns the type whose statics are in scope.
func (m *machine) enclosing() native.Class {
	if m.sc.Root != nil {
		return m.sc.Root.Class()
	}
	if m.sc.Frame == nil || m.sc.Frame.Function() == nil {
		return nil
	}
	return m.sc.Frame.Function().Class()
}

// ident resolves a name: locals, then members of the receiver, then
// statics of the enclosing type, then type names. An unresolved name
// followed by a member access is kept as a namespace prefix.
func (m *machine) ident(in Instruction, nextIsMember bool) (item, error) {
	name := in.Name
	if m.sc.Root == nil && m.sc.Frame != nil {
		locals, err := m.sc.Frame.Locals()
		if err != nil {
			return item{}, &Error{Kind: RemoteInvokeFault, Offset: in.Offset, Msg: "reading locals", Err: err}
		}
		for _, l := range locals {
			if l.Name == name {
				return valueItem(l.Value), nil
			}
		}
	}
	if this, ok := m.this(); ok && !this.IsNull() {
		v, found, err := m.instanceMember(this, name, in)
		if err != nil {
			return item{}, err
		}
		if found {
			return valueItem(v), nil
		}
	}
	if cls := m.enclosing(); cls != nil {
		v, found, err := m.staticMember(cls, name, in)
		if err != nil {
			return item{}, err
		}
		if found {
			return valueItem(v), nil
		}
	}
	if cls, ok := m.findType(name); ok {
		return item{kind: itemType, class: cls}, nil
	}
	if nextIsMember {
		return item{kind: itemNamespace, ns: name}, nil
	}
	return item{}, errorf(IdentifierNotFound, in.Offset, "the name %q does not exist in the current context", name)
}

// findType looks name up as a qualified name and then relative to each
// enclosing namespace.
func (m *machine) findType(name string) (native.Class, bool) {
	if m.sc.Types == nil {
		return nil, false
	}
	if cls, ok := m.sc.Types.FindClass(name); ok {
		return cls, true
	}
	enclosing := m.enclosing()
	if enclosing == nil {
		return nil, false
	}
	ns := enclosing.Name()
	for {
		i := strings.LastIndexByte(ns, '.')
		if i < 0 {
			return nil, false
		}
		ns = ns[:i]
		if cls, ok := m.sc.Types.FindClass(ns + "." + name); ok {
			return cls, true
		}
	}
}

func (m *machine) member(it item, in Instruction, nextIsMember bool) (item, error) {
	switch it.kind {
	case itemNamespace:
		full := it.ns + "." + in.Name
		if m.sc.Types != nil {
			if cls, ok := m.sc.Types.FindClass(full); ok {
				return item{kind: itemType, class: cls}, nil
			}
		}
		if nextIsMember {
			return item{kind: itemNamespace, ns: full}, nil
		}
		return item{}, errorf(IdentifierNotFound, in.Offset, "the type or namespace %q could not be found", full)
	case itemType:
		v, found, err := m.staticMember(it.class, in.Name, in)
		if err != nil {
			return item{}, err
		}
		if !found {
			return item{}, errorf(IdentifierNotFound, in.Offset, "%s does not contain a definition for %q", it.class.Name(), in.Name)
		}
		return valueItem(v), nil
	}
	v := it.value
	if v.IsNull() {
		return item{}, errorf(InvalidOperation, in.Offset, "null reference reading member %q", in.Name)
	}
	res, found, err := m.instanceMember(v, in.Name, in)
	if err != nil {
		return item{}, err
	}
	if !found {
		return item{}, errorf(IdentifierNotFound, in.Offset, "%s does not contain a definition for %q", typeName(v), in.Name)
	}
	return valueItem(res), nil
}

func (m *machine) index(in Instruction) (native.Value, error) {
	idx, err := m.popValue(in)
	if err != nil {
		return nil, err
	}
	target, err := m.popValue(in)
	if err != nil {
		return nil, err
	}
	if target.IsNull() {
		return nil, errorf(InvalidOperation, in.Offset, "null reference indexing value")
	}
	n, ok := numberOf(idx)
	if !ok || !n.isIntegral() {
		return nil, errorf(InvalidOperation, in.Offset, "cannot index with a value of type %s", typeName(idx))
	}
	i := n.int64()
	switch target.ElementType() {
	case native.ElementSZArray:
		if i < 0 || i >= int64(target.Len()) {
			return nil, errorf(InvalidOperation, in.Offset, "index %d was outside the bounds of the array", i)
		}
		v, err := target.Element(int(i))
		if err != nil {
			return nil, &Error{Kind: RemoteInvokeFault, Offset: in.Offset, Msg: "reading element", Err: err}
		}
		return v, nil
	case native.ElementString:
		runes := []rune(target.Primitive().(string))
		if i < 0 || i >= int64(len(runes)) {
			return nil, errorf(InvalidOperation, in.Offset, "index %d was outside the bounds of the string", i)
		}
		return m.create(in, native.ElementChar, runes[i])
	}
	return nil, errorf(InvalidOperation, in.Offset, "cannot apply indexing to an expression of type %s", typeName(target))
}

// typeName names the type of a value for messages and results.
func typeName(v native.Value) string {
	if v.ElementType().IsPrimitive() || v.ElementType() == native.ElementString {
		return v.ElementType().String()
	}
	if cls := v.Class(); cls != nil {
		return cls.Name()
	}
	return v.ElementType().String()
}

// TypeName returns the debuggee-language name of a value's type.
func TypeName(v native.Value) string {
	return typeName(v)
}

// nullReference is the value of the null literal.
type nullReference struct{}

func (nullReference) ElementType() native.ElementType { return native.ElementObject }
func (nullReference) Class() native.Class { return nil }
func (nullReference) IsNull() bool { return true }
func (nullReference) Address() uint64 { return 0 }
func (nullReference) Primitive() any { return nil }
func (nullReference) Field(string) (native.Value, error) { return nil, errNullReference }
func (nullReference) Len() int { return 0 }
func (nullReference) Element(int) (native.Value, error) { return nil, errNullReference }
