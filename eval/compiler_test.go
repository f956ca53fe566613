package eval

import (
	"math"
	"testing"

	"github.com/luthersystems/clrdbg/native"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_Disassembly(t *testing.T) {
	t.Parallel()
	c, err := Compile("a.b(1, x) + 2 * 3")
	require.NoError(t, err)
	assert.Equal(t, ""+
		"  0 ident a\n"+
		"  1 push.int int 1\n"+
		"  2 ident x\n"+
		"  3 call .b/2\n"+
		"  4 push.int int 2\n"+
		"  5 push.int int 3\n"+
		"  6 binary *\n"+
		"  7 binary +\n", c.String())
	assert.Equal(t, "a.b(1, x) + 2 * 3", c.Source())
}

func TestCompile_ShortCircuit(t *testing.T) {
	t.Parallel()
	c, err := Compile("a && b || c")
	require.NoError(t, err)
	assert.Equal(t, ""+
		"  0 ident a\n"+
		"  1 jmp.false 4\n"+
		"  2 ident b\n"+
		"  3 check.bool\n"+
		"  4 jmp.true 7\n"+
		"  5 ident c\n"+
		"  6 check.bool\n", c.String())
}

func TestCompile_InstructionsAreCopied(t *testing.T) {
	t.Parallel()
	c := MustCompile("x")
	code := c.Instructions()
	code[0].Name = "y"
	assert.Equal(t, "x", c.Instructions()[0].Name)
}

func TestCompile_Precedence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		src  string
		want []string
	}{
		{"1 - 2 - 3", []string{"push.int int 1", "push.int int 2", "binary -", "push.int int 3", "binary -"}},
		{"(1 + 2) * 3", []string{"push.int int 1", "push.int int 2", "binary +", "push.int int 3", "binary *"}},
		{"a < b == c", []string{"ident a", "ident b", "binary <", "ident c", "binary =="}},
		{"!a.b", []string{"ident a", "member b", "unary !"}},
		{"-x[0]", []string{"ident x", "push.int int 0", "index", "unary -"}},
		{"-1.5", []string{"push.float double 1.5", "unary -"}},
		{"this.Name", []string{"this", "member Name"}},
		{"Greet()", []string{"call Greet/0"}},
		{"@class", []string{"ident class"}},
	}
	for _, test := range tests {
		c, err := Compile(test.src)
		if !assert.NoError(t, err, test.src) {
			continue
		}
		var got []string
		for _, in := range c.Instructions() {
			got = append(got, in.String())
		}
		assert.Equal(t, test.want, got, test.src)
	}
}

func TestCompile_IntegerLiterals(t *testing.T) {
	t.Parallel()
	tests := []struct {
		src string
		et  native.ElementType
		i   int64
		u   uint64
	}{
		{src: "1", et: native.ElementI4, i: 1},
		{src: "2147483647", et: native.ElementI4, i: math.MaxInt32},
		{src: "2147483648", et: native.ElementU4, u: 2147483648},
		{src: "4294967296", et: native.ElementI8, i: 4294967296},
		{src: "9223372036854775808", et: native.ElementU8, u: 1 << 63},
		{src: "1u", et: native.ElementU4, u: 1},
		{src: "1L", et: native.ElementI8, i: 1},
		{src: "1UL", et: native.ElementU8, u: 1},
		{src: "0xFF", et: native.ElementI4, i: 255},
		{src: "0xFFFFFFFF", et: native.ElementU4, u: math.MaxUint32},
		{src: "-2147483648", et: native.ElementI4, i: math.MinInt32},
		{src: "-2147483649", et: native.ElementI8, i: math.MinInt32 - 1},
		{src: "-9223372036854775808", et: native.ElementI8, i: math.MinInt64},
	}
	for _, test := range tests {
		c, err := Compile(test.src)
		if !assert.NoError(t, err, test.src) {
			continue
		}
		code := c.Instructions()
		if !assert.Len(t, code, 1, test.src) {
			continue
		}
		assert.Equal(t, OpPushInt, code[0].Op, test.src)
		assert.Equal(t, test.et, code[0].Type, test.src)
		assert.Equal(t, test.i, code[0].Int, test.src)
		assert.Equal(t, test.u, code[0].Uint, test.src)
	}

	_, err := Compile("18446744073709551616")
	assert.True(t, IsKind(err, ParseError))
}

func TestCompile_FloatLiterals(t *testing.T) {
	t.Parallel()
	tests := []struct {
		src string
		et  native.ElementType
		f   float64
	}{
		{"1.5", native.ElementR8, 1.5},
		{"1.5f", native.ElementR4, 1.5},
		{"2d", native.ElementR8, 2},
		{"1e3", native.ElementR8, 1000},
		{"2.5E-1", native.ElementR8, 0.25},
	}
	for _, test := range tests {
		c, err := Compile(test.src)
		if !assert.NoError(t, err, test.src) {
			continue
		}
		code := c.Instructions()
		assert.Equal(t, OpPushFloat, code[0].Op, test.src)
		assert.Equal(t, test.et, code[0].Type, test.src)
		assert.Equal(t, test.f, code[0].Float, test.src)
	}

	_, err := Compile("1.5m")
	assert.True(t, IsKind(err, ParseError))
}

func TestCompile_Escapes(t *testing.T) {
	t.Parallel()
	c, err := Compile(`"a\tbA\x42\\"`)
	require.NoError(t, err)
	assert.Equal(t, "a\tbAB\\", c.Instructions()[0].Str)

	c, err = Compile(`'\n'`)
	require.NoError(t, err)
	assert.Equal(t, OpPushChar, c.Instructions()[0].Op)
	assert.Equal(t, '\n', c.Instructions()[0].Char)

	_, err = Compile(`'ab'`)
	assert.True(t, IsKind(err, ParseError))
}

func TestCompile_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		src    string
		offset int
	}{
		{"", 0},
		{"   ", 0},
		{"1 +", 3},
		{"(1", 2},
		{"a $ b", 2},
		{`"abc`, 0},
		{`"\q"`, 1},
		{"a.1", 2},
		{"f(1 2)", 4},
		{"1 2", 2},
	}
	for _, test := range tests {
		c, err := Compile(test.src)
		assert.Nil(t, c, test.src)
		var e *Error
		if !assert.ErrorAs(t, err, &e, test.src) {
			continue
		}
		assert.Equal(t, ParseError, e.Kind, test.src)
		assert.Equal(t, test.offset, e.Offset, test.src)
	}
}

func TestMustCompile_Panics(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { MustCompile("(") })
}
