// Copyright © 2024 The ELPS authors

package simrt

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/luthersystems/clrdbg/native"
)

var nextAddr atomic.Uint64

func init() {
	nextAddr.Store(0x7f0000001000)
}

func allocAddr() uint64 {
	return nextAddr.Add(0x18)
}

// Value is a simulated debuggee value. Primitive values carry their Go
// representation, heap objects carry their fields and arrays their
// elements. Object fields may be updated by the program while a debugger
// reads them.
type Value struct {
	et    native.ElementType
	class *Class
	prim  any
	addr  uint64
	null  bool

	mu     sync.RWMutex
	fields map[string]native.Value
	elems  []native.Value
}

var _ native.Value = (*Value)(nil)

// Int32 returns an int value.
func Int32(v int32) *Value {
	return &Value{et: native.ElementI4, prim: int64(v)}
}

// Int64 returns a long value.
func Int64(v int64) *Value {
	return &Value{et: native.ElementI8, prim: v}
}

// Double returns a double value.
func Double(v float64) *Value {
	return &Value{et: native.ElementR8, prim: v}
}

// Bool returns a bool value.
func Bool(v bool) *Value {
	return &Value{et: native.ElementBoolean, prim: v}
}

// Char returns a char value.
func Char(v rune) *Value {
	return &Value{et: native.ElementChar, prim: v}
}

// String returns a heap string.
func String(s string) *Value {
	return &Value{et: native.ElementString, prim: s, addr: allocAddr()}
}

// Null returns a null reference of class c. A nil class denotes a null
// object reference.
func Null(c *Class) *Value {
	et := native.ElementObject
	if c != nil {
		et = native.ElementClass
	}
	return &Value{et: et, class: c, null: true}
}

// NullString returns a null string reference.
func NullString() *Value {
	return &Value{et: native.ElementString, null: true}
}

func void() *Value {
	return &Value{et: native.ElementVoid}
}

// Primitive converts a Go value into a primitive or string value of type
// et.
func Primitive(et native.ElementType, v any) (*Value, error) {
	switch et {
	case native.ElementBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("cannot create %s from %T", et, v)
		}
		return &Value{et: et, prim: b}, nil
	case native.ElementChar:
		switch c := v.(type) {
		case rune:
			return &Value{et: et, prim: c}, nil
		case int64:
			return &Value{et: et, prim: rune(c)}, nil
		}
		return nil, fmt.Errorf("cannot create %s from %T", et, v)
	case native.ElementI1, native.ElementI2, native.ElementI4, native.ElementI8, native.ElementI:
		n, ok := toInt64(v)
		if !ok {
			return nil, fmt.Errorf("cannot create %s from %T", et, v)
		}
		return &Value{et: et, prim: n}, nil
	case native.ElementU1, native.ElementU2, native.ElementU4, native.ElementU8, native.ElementU:
		n, ok := toInt64(v)
		if !ok {
			if u, isU := v.(uint64); isU {
				return &Value{et: et, prim: u}, nil
			}
			return nil, fmt.Errorf("cannot create %s from %T", et, v)
		}
		return &Value{et: et, prim: uint64(n)}, nil
	case native.ElementR4, native.ElementR8:
		switch f := v.(type) {
		case float64:
			return &Value{et: et, prim: f}, nil
		case float32:
			return &Value{et: et, prim: float64(f)}, nil
		}
		if n, ok := toInt64(v); ok {
			return &Value{et: et, prim: float64(n)}, nil
		}
		return nil, fmt.Errorf("cannot create %s from %T", et, v)
	case native.ElementString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("cannot create %s from %T", et, v)
		}
		return String(s), nil
	}
	return nil, fmt.Errorf("cannot create values of element type %s", et)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// Array returns a single-dimension array of primitive or string elements.
func Array(elem native.ElementType, elems ...native.Value) *Value {
	return &Value{
		et:    native.ElementSZArray,
		class: arrayClass(elem.String()),
		addr:  allocAddr(),
		elems: elems,
	}
}

// ArrayOf returns a single-dimension array whose elements are instances of
// c.
func ArrayOf(c *Class, elems ...native.Value) *Value {
	return &Value{
		et:    native.ElementSZArray,
		class: arrayClass(c.Name()),
		addr:  allocAddr(),
		elems: elems,
	}
}

func arrayClass(elemName string) *Class {
	return &Class{name: elemName + "[]", statics: map[string]native.Value{}}
}

func (v *Value) ElementType() native.ElementType { return v.et }

func (v *Value) Class() native.Class {
	if v.class == nil {
		return nil
	}
	return v.class
}

func (v *Value) IsNull() bool { return v.null }

func (v *Value) Address() uint64 { return v.addr }

func (v *Value) Primitive() any { return v.prim }

// Field returns the current value of an instance field of an object.
func (v *Value) Field(name string) (native.Value, error) {
	if v.null {
		return nil, fmt.Errorf("null reference reading field %s", name)
	}
	if v.class == nil || v.fields == nil {
		return nil, fmt.Errorf("%s has no fields", v.et)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	f, ok := v.fields[name]
	if !ok {
		return nil, fmt.Errorf("%s has no field %s", v.class.Name(), name)
	}
	return f, nil
}

// Set assigns an instance field and returns the receiver.
func (v *Value) Set(name string, f native.Value) *Value {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.fields[name]; !ok {
		panic(fmt.Sprintf("simrt: %s has no field %s", v.class.Name(), name))
	}
	v.fields[name] = f
	return v
}

// SetElement assigns an array element.
func (v *Value) SetElement(i int, e native.Value) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.elems[i] = e
}

func (v *Value) Len() int {
	switch v.et {
	case native.ElementString:
		s, _ := v.prim.(string)
		return len([]rune(s))
	case native.ElementSZArray:
		v.mu.RLock()
		defer v.mu.RUnlock()
		return len(v.elems)
	}
	return 0
}

func (v *Value) Element(i int) (native.Value, error) {
	if v.et != native.ElementSZArray || v.null {
		return nil, fmt.Errorf("%s is not an array", v.et)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if i < 0 || i >= len(v.elems) {
		return nil, fmt.Errorf("index %d out of range [0,%d)", i, len(v.elems))
	}
	return v.elems[i], nil
}
