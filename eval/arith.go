// Copyright © 2024 The ELPS authors

package eval

import (
	"math"
	"strconv"
	"strings"

	"github.com/luthersystems/clrdbg/native"
)

// number is a numeric operand widened to its representation class.
type number struct {
	et native.ElementType
	i  int64
	u  uint64
	f  float64
}

func numberOf(v native.Value) (number, bool) {
	if v.IsNull() {
		return number{}, false
	}
	et := v.ElementType()
	switch et {
	case native.ElementChar:
		r, ok := v.Primitive().(rune)
		return number{et: et, i: int64(r)}, ok
	case native.ElementI1, native.ElementI2, native.ElementI4, native.ElementI8, native.ElementI:
		i, ok := v.Primitive().(int64)
		return number{et: et, i: i}, ok
	case native.ElementU1, native.ElementU2, native.ElementU4, native.ElementU8, native.ElementU:
		u, ok := v.Primitive().(uint64)
		return number{et: et, u: u}, ok
	case native.ElementR4, native.ElementR8:
		f, ok := v.Primitive().(float64)
		return number{et: et, f: f}, ok
	}
	return number{}, false
}

func (n number) isIntegral() bool {
	return n.et != native.ElementR4 && n.et != native.ElementR8
}

func (n number) isUnsigned() bool {
	switch n.et {
	case native.ElementU1, native.ElementU2, native.ElementU4, native.ElementU8, native.ElementU:
		return true
	}
	return false
}

func (n number) int64() int64 {
	switch {
	case n.isUnsigned():
		return int64(n.u)
	case !n.isIntegral():
		return int64(n.f)
	}
	return n.i
}

func (n number) uint64() uint64 {
	switch {
	case n.isUnsigned():
		return n.u
	case !n.isIntegral():
		return uint64(n.f)
	}
	return uint64(n.i)
}

func (n number) float64() float64 {
	switch {
	case n.isUnsigned():
		return float64(n.u)
	case !n.isIntegral():
		return n.f
	}
	return float64(n.i)
}

// promote returns the type binary operators compute in: double, float,
// ulong, long, uint or int, in that order of preference.
func promote(a, b number) (native.ElementType, bool) {
	has := func(et native.ElementType) bool { return a.et == et || b.et == et }
	signed := func(n number) bool { return n.isIntegral() && !n.isUnsigned() && n.et != native.ElementChar }
	switch {
	case has(native.ElementR8):
		return native.ElementR8, true
	case has(native.ElementR4):
		return native.ElementR4, true
	case has(native.ElementU8) || has(native.ElementU):
		if signed(a) || signed(b) {
			return 0, false
		}
		return native.ElementU8, true
	case has(native.ElementI8) || has(native.ElementI):
		return native.ElementI8, true
	case has(native.ElementU4):
		if signed(a) || signed(b) {
			return native.ElementI8, true
		}
		return native.ElementU4, true
	}
	return native.ElementI4, true
}

func (m *machine) unary(in Instruction, x native.Value) (native.Value, error) {
	if in.Name == "!" {
		b, ok := x.Primitive().(bool)
		if x.ElementType() != native.ElementBoolean || !ok {
			return nil, m.badOperand(in, x)
		}
		return m.create(in, native.ElementBoolean, !b)
	}
	n, ok := numberOf(x)
	if !ok {
		return nil, m.badOperand(in, x)
	}
	et := n.et
	switch et {
	case native.ElementI1, native.ElementI2, native.ElementU1, native.ElementU2, native.ElementChar:
		et = native.ElementI4
	case native.ElementU4:
		if in.Name == "-" {
			et = native.ElementI8
		}
	case native.ElementU8, native.ElementU:
		if in.Name == "-" {
			return nil, m.badOperand(in, x)
		}
	}
	neg := in.Name == "-"
	switch et {
	case native.ElementI4:
		v := int32(n.int64())
		if neg {
			v = -v
		}
		return m.create(in, et, int64(v))
	case native.ElementI8, native.ElementI:
		v := n.int64()
		if neg {
			v = -v
		}
		return m.create(in, et, v)
	case native.ElementR4, native.ElementR8:
		v := n.float64()
		if neg {
			v = -v
		}
		return m.create(in, et, v)
	}
	return m.create(in, et, n.uint64())
}

func (m *machine) badOperand(in Instruction, x native.Value) error {
	return errorf(InvalidOperation, in.Offset, "operator %s cannot be applied to operand of type %s", in.Name, typeName(x))
}

func (m *machine) badOperands(in Instruction, x, y native.Value) error {
	return errorf(InvalidOperation, in.Offset, "operator %s cannot be applied to operands of type %s and %s", in.Name, typeName(x), typeName(y))
}

func isStringish(v native.Value) bool {
	return v.ElementType() == native.ElementString
}

func (m *machine) binary(in Instruction, x, y native.Value) (native.Value, error) {
	switch in.Name {
	case "==", "!=":
		eq, err := m.equal(in, x, y)
		if err != nil {
			return nil, err
		}
		return m.create(in, native.ElementBoolean, eq == (in.Name == "=="))
	case "+":
		if isStringish(x) || isStringish(y) {
			return m.create(in, native.ElementString, stringify(x)+stringify(y))
		}
	}
	a, okA := numberOf(x)
	b, okB := numberOf(y)
	if !okA || !okB {
		return nil, m.badOperands(in, x, y)
	}
	et, ok := promote(a, b)
	if !ok {
		return nil, m.badOperands(in, x, y)
	}
	switch in.Name {
	case "<", "<=", ">", ">=":
		c := compare(et, a, b)
		var res bool
		switch in.Name {
		case "<":
			res = c < 0
		case "<=":
			res = c <= 0
		case ">":
			res = c > 0
		case ">=":
			res = c >= 0
		}
		return m.create(in, native.ElementBoolean, res)
	}
	switch et {
	case native.ElementI4:
		r, err := arithI32(in, int32(a.int64()), int32(b.int64()))
		if err != nil {
			return nil, err
		}
		return m.create(in, et, int64(r))
	case native.ElementI8:
		r, err := arithI64(in, a.int64(), b.int64())
		if err != nil {
			return nil, err
		}
		return m.create(in, et, r)
	case native.ElementU4:
		r, err := arithU64(in, a.uint64(), b.uint64())
		if err != nil {
			return nil, err
		}
		return m.create(in, et, uint64(uint32(r)))
	case native.ElementU8:
		r, err := arithU64(in, a.uint64(), b.uint64())
		if err != nil {
			return nil, err
		}
		return m.create(in, et, r)
	case native.ElementR4:
		r := arithF64(in, a.float64(), b.float64())
		return m.create(in, et, float64(float32(r)))
	}
	return m.create(in, et, arithF64(in, a.float64(), b.float64()))
}

func divideByZero(in Instruction) error {
	return errorf(InvalidOperation, in.Offset, "attempted to divide by zero")
}

func arithI32(in Instruction, a, b int32) (int32, error) {
	switch in.Name {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/", "%":
		if b == 0 {
			return 0, divideByZero(in)
		}
		if in.Name == "/" {
			return a / b, nil
		}
		return a % b, nil
	}
	return 0, errorf(InvalidOperation, in.Offset, "unknown operator %s", in.Name)
}

func arithI64(in Instruction, a, b int64) (int64, error) {
	switch in.Name {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/", "%":
		if b == 0 {
			return 0, divideByZero(in)
		}
		if in.Name == "/" {
			return a / b, nil
		}
		return a % b, nil
	}
	return 0, errorf(InvalidOperation, in.Offset, "unknown operator %s", in.Name)
}

func arithU64(in Instruction, a, b uint64) (uint64, error) {
	switch in.Name {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/", "%":
		if b == 0 {
			return 0, divideByZero(in)
		}
		if in.Name == "/" {
			return a / b, nil
		}
		return a % b, nil
	}
	return 0, errorf(InvalidOperation, in.Offset, "unknown operator %s", in.Name)
}

func arithF64(in Instruction, a, b float64) float64 {
	switch in.Name {
	case "+":
		return a + b
	case "-":
		return a - b
	case "*":
		return a * b
	case "/":
		return a / b
	case "%":
		return math.Mod(a, b)
	}
	return math.NaN()
}

func compare(et native.ElementType, a, b number) int {
	switch et {
	case native.ElementR4, native.ElementR8:
		x, y := a.float64(), b.float64()
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case native.ElementU4, native.ElementU8:
		x, y := a.uint64(), b.uint64()
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	x, y := a.int64(), b.int64()
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// equal implements == for numbers, bools, strings and references.
func (m *machine) equal(in Instruction, x, y native.Value) (bool, error) {
	if a, ok := numberOf(x); ok {
		b, ok := numberOf(y)
		if !ok {
			return false, m.badOperands(in, x, y)
		}
		et, ok := promote(a, b)
		if !ok {
			return false, m.badOperands(in, x, y)
		}
		return compare(et, a, b) == 0, nil
	}
	if x.ElementType() == native.ElementBoolean || y.ElementType() == native.ElementBoolean {
		bx, okX := x.Primitive().(bool)
		by, okY := y.Primitive().(bool)
		if !okX || !okY {
			return false, m.badOperands(in, x, y)
		}
		return bx == by, nil
	}
	if !x.ElementType().IsReference() || !y.ElementType().IsReference() {
		return false, m.badOperands(in, x, y)
	}
	if x.IsNull() || y.IsNull() {
		return x.IsNull() && y.IsNull(), nil
	}
	if isStringish(x) && isStringish(y) {
		return x.Primitive() == y.Primitive(), nil
	}
	return x.Address() != 0 && x.Address() == y.Address(), nil
}

// stringify converts an operand of string concatenation the way the
// debuggee's default ToString does.
func stringify(v native.Value) string {
	if v.IsNull() {
		return ""
	}
	switch p := v.Primitive().(type) {
	case string:
		return p
	case bool:
		if p {
			return "True"
		}
		return "False"
	case rune:
		if v.ElementType() == native.ElementChar {
			return string(p)
		}
		return strconv.FormatInt(int64(p), 10)
	case int64:
		return strconv.FormatInt(p, 10)
	case uint64:
		return strconv.FormatUint(p, 10)
	case float64:
		bits := 64
		if v.ElementType() == native.ElementR4 {
			bits = 32
		}
		return formatFloat(p, bits)
	}
	return typeName(v)
}

func formatFloat(f float64, bits int) string {
	switch {
	case math.IsInf(f, 1):
		return "∞"
	case math.IsInf(f, -1):
		return "-∞"
	case math.IsNaN(f):
		return "NaN"
	}
	return strings.ToUpper(strconv.FormatFloat(f, 'g', -1, bits))
}

// FormatFloat renders a floating point value in the debuggee's notation.
func FormatFloat(f float64, bits int) string {
	return formatFloat(f, bits)
}
