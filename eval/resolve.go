// Copyright © 2024 The ELPS authors

package eval

import (
	"strings"

	"github.com/luthersystems/clrdbg/native"
	"github.com/luthersystems/clrdbg/signature"
)

// instanceMember reads field or property name of v. Arrays and strings
// expose Length.
func (m *machine) instanceMember(v native.Value, name string, in Instruction) (native.Value, bool, error) {
	switch v.ElementType() {
	case native.ElementSZArray, native.ElementString:
		if name == "Length" {
			res, err := m.create(in, native.ElementI4, int64(v.Len()))
			return res, true, err
		}
	}
	for k := v.Class(); k != nil; k = k.Base() {
		for _, f := range k.Fields() {
			if f.Static || f.Name != name {
				continue
			}
			res, err := v.Field(name)
			if err != nil {
				return nil, true, &Error{Kind: RemoteInvokeFault, Offset: in.Offset, Msg: "reading field " + name, Err: err}
			}
			return res, true, nil
		}
		for _, p := range k.Properties() {
			if p.Static || p.Name != name {
				continue
			}
			if p.Getter == nil {
				return nil, true, errorf(InvalidOperation, in.Offset, "property %q has no getter", name)
			}
			res, err := m.invoke(in, p.Getter, []native.Value{v})
			return res, true, err
		}
	}
	return nil, false, nil
}

// staticMember reads static field or property name of cls or one of its
// bases.
func (m *machine) staticMember(cls native.Class, name string, in Instruction) (native.Value, bool, error) {
	for k := cls; k != nil; k = k.Base() {
		for _, f := range k.Fields() {
			if !f.Static || f.Name != name {
				continue
			}
			res, err := k.StaticField(m.sc.Thread, name)
			if err != nil {
				return nil, true, &Error{Kind: RemoteInvokeFault, Offset: in.Offset, Msg: "reading static field " + name, Err: err}
			}
			return res, true, nil
		}
		for _, p := range k.Properties() {
			if !p.Static || p.Name != name {
				continue
			}
			if p.Getter == nil {
				return nil, true, errorf(InvalidOperation, in.Offset, "property %q has no getter", name)
			}
			res, err := m.invoke(in, p.Getter, nil)
			return res, true, err
		}
	}
	return nil, false, nil
}

// candidate is a method considered by overload resolution.
type candidate struct {
	fn  native.Function
	sig *signature.MethodSignature
}

// call resolves and invokes a method call. Without a receiver the
// enclosing type's methods are searched; instance methods there use the
// current receiver.
func (m *machine) call(in Instruction) (native.Value, error) {
	args := make([]native.Value, in.Argc)
	for i := in.Argc - 1; i >= 0; i-- {
		v, err := m.popValue(in)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	var (
		cls       native.Class
		this      native.Value
		instances bool
		statics   bool
	)
	if !in.Receiver {
		cls = m.enclosing()
		if cls == nil {
			return nil, errorf(IdentifierNotFound, in.Offset, "the name %q does not exist in the current context", in.Name)
		}
		statics = true
		if v, ok := m.this(); ok && !v.IsNull() {
			this, instances = v, true
		}
	} else {
		recv := m.pop()
		switch recv.kind {
		case itemNamespace:
			return nil, errorf(IdentifierNotFound, in.Offset, "the type or namespace %q could not be found", recv.ns)
		case itemType:
			cls, statics = recv.class, true
		default:
			if recv.value.IsNull() {
				return nil, errorf(InvalidOperation, in.Offset, "null reference calling method %q", in.Name)
			}
			cls, this, instances = recv.value.Class(), recv.value, true
			if cls == nil {
				return nil, errorf(IdentifierNotFound, in.Offset, "%s does not contain a definition for %q", typeName(recv.value), in.Name)
			}
		}
	}

	named, err := m.methodsNamed(cls, in, statics, instances)
	if err != nil {
		return nil, err
	}
	if len(named) == 0 {
		return nil, errorf(IdentifierNotFound, in.Offset, "%s does not contain a definition for %q", cls.Name(), in.Name)
	}
	var matches []candidate
	for _, c := range named {
		if applicable(c, args) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return nil, errorf(NoMatchingOverload, in.Offset, "no overload for method %q takes arguments (%s)", in.Name, argTypes(args))
	case 1:
	default:
		return nil, errorf(NoMatchingOverload, in.Offset, "the call to %q with arguments (%s) is ambiguous", in.Name, argTypes(args))
	}

	fn := matches[0].fn
	callArgs := args
	if !fn.IsStatic() {
		callArgs = append([]native.Value{this}, args...)
	}
	return m.invoke(in, fn, callArgs)
}

// methodsNamed collects the methods called in.Name along the class chain.
// A base method is hidden by a derived method with the same signature.
func (m *machine) methodsNamed(cls native.Class, in Instruction, statics, instances bool) ([]candidate, error) {
	var found []candidate
	seen := make(map[string]bool)
	for k := cls; k != nil; k = k.Base() {
		for _, fn := range k.Methods() {
			if fn.Name() != in.Name {
				continue
			}
			if fn.IsStatic() && !statics || !fn.IsStatic() && !instances {
				continue
			}
			key := string(fn.Signature())
			if seen[key] {
				continue
			}
			seen[key] = true
			sig, err := signature.DecodeMethod(fn.Signature())
			if err != nil {
				return nil, &Error{Kind: RemoteInvokeFault, Offset: in.Offset, Msg: "decoding signature of " + fn.Name(), Err: err}
			}
			found = append(found, candidate{fn: fn, sig: sig})
		}
	}
	return found, nil
}

func applicable(c candidate, args []native.Value) bool {
	if c.sig.IsGeneric() || len(c.sig.Params) != len(args) {
		return false
	}
	for i, p := range c.sig.Params {
		if !argMatches(p, args[i], c.fn.Module()) {
			return false
		}
	}
	return true
}

// argMatches reports whether arg can be passed to a parameter of type p
// without conversion. Null converts to any reference type.
func argMatches(p *signature.TypeDescriptor, arg native.Value, mod native.Module) bool {
	et := arg.ElementType()
	switch p.Kind {
	case signature.KindPrimitive:
		switch p.Element {
		case native.ElementObject:
			return et.IsReference() || arg.IsNull()
		case native.ElementString:
			return et == native.ElementString || arg.IsNull()
		}
		return et == p.Element
	case signature.KindClass:
		if arg.IsNull() {
			return true
		}
		return derivesFrom(arg.Class(), p.Token, mod)
	case signature.KindValueType:
		return !arg.IsNull() && derivesFrom(arg.Class(), p.Token, mod)
	case signature.KindSZArray:
		return et == native.ElementSZArray || arg.IsNull() && et.IsReference()
	}
	return false
}

func derivesFrom(cls native.Class, token uint32, mod native.Module) bool {
	for k := cls; k != nil; k = k.Base() {
		if k.Token() == token && k.Module() == mod {
			return true
		}
	}
	return false
}

func argTypes(args []native.Value) string {
	names := make([]string, len(args))
	for i, a := range args {
		if a.IsNull() {
			names[i] = "null"
			continue
		}
		names[i] = typeName(a)
	}
	return strings.Join(names, ", ")
}

// invoke runs fn in the debuggee.
func (m *machine) invoke(in Instruction, fn native.Function, args []native.Value) (native.Value, error) {
	if m.sc.Thread == nil {
		return nil, errorf(InvalidOperation, in.Offset, "no thread to evaluate on")
	}
	var (
		v   native.Value
		err error
	)
	if m.sc.Invoker != nil {
		v, err = m.sc.Invoker.Invoke(m.ctx, m.sc.Thread, fn, args)
	} else {
		v, err = m.sc.Thread.CallFunction(m.ctx, fn, args)
	}
	if err != nil {
		return nil, &Error{Kind: RemoteInvokeFault, Offset: in.Offset, Msg: "calling " + fn.Name(), Err: err}
	}
	return v, nil
}
