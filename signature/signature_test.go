package signature

import (
	"errors"
	"testing"

	"github.com/luthersystems/clrdbg/native"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressedUnsigned(t *testing.T) {
	t.Parallel()
	tests := []struct {
		blob []byte
		want uint32
		size int
	}{
		{[]byte{0x03}, 0x03, 1},
		{[]byte{0x7f}, 0x7f, 1},
		{[]byte{0x80, 0x80}, 0x80, 2},
		{[]byte{0xae, 0x57}, 0x2e57, 2},
		{[]byte{0xbf, 0xff}, 0x3fff, 2},
		{[]byte{0xc0, 0x00, 0x40, 0x00}, 0x4000, 4},
		{[]byte{0xdf, 0xff, 0xff, 0xff}, 0x1fffffff, 4},
	}
	for _, test := range tests {
		r := newReader(test.blob)
		v, n, err := r.compressed()
		require.NoError(t, err, "% x", test.blob)
		assert.Equal(t, test.want, v, "% x", test.blob)
		assert.Equal(t, test.size, n, "% x", test.blob)
		assert.Equal(t, 0, r.remaining())
	}
}

func TestCompressedSigned(t *testing.T) {
	t.Parallel()
	tests := []struct {
		blob []byte
		want int32
	}{
		{[]byte{0x06}, 3},
		{[]byte{0x7b}, -3},
		{[]byte{0x80, 0x80}, 64},
		{[]byte{0x01}, -64},
		{[]byte{0xc0, 0x00, 0x40, 0x00}, 8192},
		{[]byte{0x80, 0x01}, -8192},
		{[]byte{0xdf, 0xff, 0xff, 0xfe}, 268435455},
		{[]byte{0xc0, 0x00, 0x00, 0x01}, -268435456},
	}
	for _, test := range tests {
		v, err := newReader(test.blob).int()
		require.NoError(t, err, "% x", test.blob)
		assert.Equal(t, test.want, v, "% x", test.blob)
	}
}

func TestCompressedInvalid(t *testing.T) {
	t.Parallel()
	for _, blob := range [][]byte{{}, {0x80}, {0xc0, 0x00}, {0xe0}} {
		_, _, err := newReader(blob).compressed()
		assert.True(t, errors.Is(err, ErrMalformed), "% x", blob)
	}
}

func TestDecodeMethod_IntString(t *testing.T) {
	t.Parallel()
	// static void M(int, string)
	sig, err := DecodeMethod([]byte{0x00, 0x02, 0x01, 0x08, 0x0e})
	require.NoError(t, err)
	assert.False(t, sig.HasThis)
	assert.False(t, sig.IsGeneric())
	assert.Equal(t, native.ElementVoid, sig.Return.Element)
	assert.Equal(t, []native.ElementType{native.ElementI4, native.ElementString}, sig.ParamElementTypes())
}

func TestDecodeMethod_GenericCountDoesNotLeakIntoParams(t *testing.T) {
	t.Parallel()
	// instance void M<A,B,C>(int, string)
	sig, err := DecodeMethod([]byte{0x30, 0x03, 0x02, 0x01, 0x08, 0x0e})
	require.NoError(t, err)
	assert.True(t, sig.HasThis)
	assert.True(t, sig.IsGeneric())
	assert.EqualValues(t, 3, sig.GenericParamCount)
	assert.Equal(t, []native.ElementType{native.ElementI4, native.ElementString}, sig.ParamElementTypes())

	// Same parameters with a different generic arity decode identically.
	other, err := DecodeMethod([]byte{0x30, 0x01, 0x02, 0x01, 0x08, 0x0e})
	require.NoError(t, err)
	assert.Equal(t, sig.ParamElementTypes(), other.ParamElementTypes())
}

func TestDecodeMethod_ClassTokens(t *testing.T) {
	t.Parallel()
	// instance Foo M(Bar) with Foo = TypeDef 5 and Bar = TypeRef 0x123.
	sig, err := DecodeMethod([]byte{0x20, 0x01, 0x12, 0x14, 0x11, 0x84, 0x8d})
	require.NoError(t, err)
	assert.Equal(t, KindClass, sig.Return.Kind)
	assert.EqualValues(t, 0x02000005, sig.Return.Token)
	require.Len(t, sig.Params, 1)
	assert.Equal(t, KindValueType, sig.Params[0].Kind)
	assert.EqualValues(t, 0x01000123, sig.Params[0].Token)
	assert.Equal(t, native.ElementValueType, sig.Params[0].ElementType())
}

func TestDecodeMethod_NestedTypes(t *testing.T) {
	t.Parallel()
	blob := []byte{
		0x00, 0x05, // default, 5 params
		0x01,       // void
		0x1d, 0x08, // int[]
		0x14, 0x08, 0x02, 0x02, 0x03, 0x04, 0x01, 0x7f, // int[,] sizes 3,4 lower bound -1
		0x15, 0x12, 0x14, 0x01, 0x0e, // class TypeDef5<string>
		0x10, 0x0f, 0x0a, // ref long*
		0x1e, 0x00, // !!0
	}
	sig, err := DecodeMethod(blob)
	require.NoError(t, err)
	require.Len(t, sig.Params, 5)

	assert.Equal(t, KindSZArray, sig.Params[0].Kind)
	assert.Equal(t, native.ElementI4, sig.Params[0].Elem.Element)

	assert.Equal(t, KindArray, sig.Params[1].Kind)
	assert.Equal(t, 2, sig.Params[1].Rank)
	assert.Equal(t, "int[,]", sig.Params[1].String())

	inst := sig.Params[2]
	assert.Equal(t, KindGenericInst, inst.Kind)
	assert.EqualValues(t, 0x02000005, inst.Base.Token)
	require.Len(t, inst.Args, 1)
	assert.Equal(t, native.ElementString, inst.Args[0].Element)

	assert.Equal(t, KindByRef, sig.Params[3].Kind)
	assert.Equal(t, KindPointer, sig.Params[3].Elem.Kind)
	assert.Equal(t, "long*&", sig.Params[3].String())

	assert.Equal(t, KindMethodParam, sig.Params[4].Kind)
	assert.EqualValues(t, 0, sig.Params[4].Index)
}

func TestDecodeMethod_Modifiers(t *testing.T) {
	t.Parallel()
	// void M(modopt(TypeRef 1) int, pinned string)
	sig, err := DecodeMethod([]byte{0x00, 0x02, 0x01, 0x20, 0x05, 0x08, 0x45, 0x0e})
	require.NoError(t, err)
	assert.Equal(t, []native.ElementType{native.ElementI4, native.ElementString}, sig.ParamElementTypes())
}

func TestDecodeMethod_FnPtr(t *testing.T) {
	t.Parallel()
	// void M(method int *(bool))
	sig, err := DecodeMethod([]byte{0x00, 0x01, 0x01, 0x1b, 0x00, 0x01, 0x08, 0x02})
	require.NoError(t, err)
	require.Len(t, sig.Params, 1)
	fn := sig.Params[0]
	assert.Equal(t, KindFnPtr, fn.Kind)
	assert.Equal(t, native.ElementI4, fn.Method.Return.Element)
	assert.Equal(t, []native.ElementType{native.ElementBoolean}, fn.Method.ParamElementTypes())
}

func TestDecodeMethod_Malformed(t *testing.T) {
	t.Parallel()
	tests := map[string][]byte{
		"empty":          {},
		"field sig":      {0x06, 0x08},
		"truncated":      {0x00, 0x02, 0x01, 0x08},
		"bad element":    {0x00, 0x01, 0x01, 0x17},
		"count too big":  {0x00, 0x7f, 0x01},
		"zero rank":      {0x00, 0x01, 0x01, 0x14, 0x08, 0x00},
		"inst of prim":   {0x00, 0x01, 0x01, 0x15, 0x08, 0x01, 0x08},
		"token tag":      {0x00, 0x01, 0x01, 0x12, 0x03},
		"missing return": {0x20, 0x00},
	}
	for name, blob := range tests {
		_, err := DecodeMethod(blob)
		assert.True(t, errors.Is(err, ErrMalformed), "%s: %v", name, err)
	}
}

func TestDecodeType(t *testing.T) {
	t.Parallel()
	d, err := DecodeType([]byte{0x1d, 0x1d, 0x0e})
	require.NoError(t, err)
	assert.Equal(t, "string[][]", d.String())
	assert.Equal(t, native.ElementSZArray, d.ElementType())
}
