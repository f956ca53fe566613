// Copyright © 2024 The ELPS authors

package simrt

import "github.com/luthersystems/clrdbg/native"

// Type is a signature type used to encode method signature blobs.
type Type struct {
	et    native.ElementType
	token uint32
	elem  *Type
}

// T returns the signature type of a primitive, string or object element
// type.
func T(et native.ElementType) Type {
	return Type{et: et}
}

// ClassType returns the signature type of instances of c.
func ClassType(c *Class) Type {
	et := native.ElementClass
	if c.valueType {
		et = native.ElementValueType
	}
	return Type{et: et, token: c.token}
}

// SZArrayOf returns the signature type of a single-dimension array of t.
func SZArrayOf(t Type) Type {
	return Type{et: native.ElementSZArray, elem: &t}
}

// InstanceSig encodes the signature of an instance method.
func InstanceSig(ret Type, params ...Type) []byte {
	return methodSig(0x20, ret, params)
}

// StaticSig encodes the signature of a static method.
func StaticSig(ret Type, params ...Type) []byte {
	return methodSig(0x00, ret, params)
}

func methodSig(header byte, ret Type, params []Type) []byte {
	buf := []byte{header}
	buf = appendCompressed(buf, uint32(len(params)))
	buf = appendType(buf, ret)
	for _, p := range params {
		buf = appendType(buf, p)
	}
	return buf
}

func appendType(buf []byte, t Type) []byte {
	buf = append(buf, byte(t.et))
	switch t.et {
	case native.ElementClass, native.ElementValueType:
		buf = appendCompressed(buf, codedTypeDefOrRef(t.token))
	case native.ElementSZArray, native.ElementPtr, native.ElementByRef:
		buf = appendType(buf, *t.elem)
	}
	return buf
}

// codedTypeDefOrRef compresses a TypeDef, TypeRef or TypeSpec token into
// its coded index.
func codedTypeDefOrRef(token uint32) uint32 {
	rid := token & 0x00ffffff
	var tag uint32
	switch token >> 24 {
	case 0x01:
		tag = 1
	case 0x1b:
		tag = 2
	}
	return rid<<2 | tag
}

func appendCompressed(buf []byte, v uint32) []byte {
	switch {
	case v < 0x80:
		return append(buf, byte(v))
	case v < 0x4000:
		return append(buf, byte(v>>8)|0x80, byte(v))
	}
	return append(buf, byte(v>>24)|0xc0, byte(v>>16), byte(v>>8), byte(v))
}
