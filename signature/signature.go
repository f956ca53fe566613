// Copyright © 2024 The ELPS authors

// Package signature decodes metadata method signature blobs into type
// descriptor trees. The debugger's expression interpreter uses the decoded
// parameter types to choose between method overloads.
package signature

import (
	"fmt"
	"strings"

	"github.com/luthersystems/clrdbg/native"
)

// Calling convention bits of the signature header.
const (
	CallConvMask     = 0x0f
	CallConvDefault  = 0x00
	CallConvVarArg   = 0x05
	CallConvField    = 0x06
	CallConvProperty = 0x08
	CallConvGeneric  = 0x10
	CallConvHasThis  = 0x20
	CallConvExplicit = 0x40
)

// Kind tags the variant held by a TypeDescriptor.
type Kind int

const (
	KindPrimitive Kind = iota
	KindClass
	KindValueType
	KindSZArray
	KindArray
	KindPointer
	KindByRef
	KindGenericInst
	KindTypeParam
	KindMethodParam
	KindFnPtr
)

var kindNames = []string{
	KindPrimitive:   "primitive",
	KindClass:       "class",
	KindValueType:   "valuetype",
	KindSZArray:     "szarray",
	KindArray:       "array",
	KindPointer:     "pointer",
	KindByRef:       "byref",
	KindGenericInst: "genericinst",
	KindTypeParam:   "var",
	KindMethodParam: "mvar",
	KindFnPtr:       "fnptr",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// TypeDescriptor is one node of a decoded type tree. Which fields are
// meaningful depends on Kind:
//
//	KindPrimitive            Element
//	KindClass, KindValueType Token
//	KindSZArray, KindPointer, KindByRef  Elem
//	KindArray                Elem, Rank
//	KindGenericInst          Base, Args
//	KindTypeParam, KindMethodParam  Index
//	KindFnPtr                Method
type TypeDescriptor struct {
	Kind    Kind
	Element native.ElementType
	Token   uint32
	Elem    *TypeDescriptor
	Rank    int
	Base    *TypeDescriptor
	Args    []*TypeDescriptor
	Index   uint32
	Method  *MethodSignature
}

// ElementType maps the descriptor onto the runtime's element-type
// enumeration, the form live values report their type in.
func (d *TypeDescriptor) ElementType() native.ElementType {
	switch d.Kind {
	case KindPrimitive:
		return d.Element
	case KindClass:
		return native.ElementClass
	case KindValueType:
		return native.ElementValueType
	case KindSZArray:
		return native.ElementSZArray
	case KindArray:
		return native.ElementArray
	case KindPointer:
		return native.ElementPtr
	case KindByRef:
		return native.ElementByRef
	case KindGenericInst:
		return native.ElementGenericInst
	case KindTypeParam:
		return native.ElementVar
	case KindMethodParam:
		return native.ElementMVar
	case KindFnPtr:
		return native.ElementFnPtr
	}
	return native.ElementEnd
}

func (d *TypeDescriptor) String() string {
	switch d.Kind {
	case KindPrimitive:
		return d.Element.String()
	case KindClass, KindValueType:
		return fmt.Sprintf("%s(0x%08x)", d.Kind, d.Token)
	case KindSZArray:
		return d.Elem.String() + "[]"
	case KindArray:
		return d.Elem.String() + "[" + strings.Repeat(",", d.Rank-1) + "]"
	case KindPointer:
		return d.Elem.String() + "*"
	case KindByRef:
		return d.Elem.String() + "&"
	case KindGenericInst:
		args := make([]string, len(d.Args))
		for i, a := range d.Args {
			args[i] = a.String()
		}
		return d.Base.String() + "<" + strings.Join(args, ",") + ">"
	case KindTypeParam:
		return fmt.Sprintf("!%d", d.Index)
	case KindMethodParam:
		return fmt.Sprintf("!!%d", d.Index)
	case KindFnPtr:
		return "fnptr"
	}
	return d.Kind.String()
}

// MethodSignature is a decoded method signature.
type MethodSignature struct {
	CallingConvention byte
	HasThis           bool
	ExplicitThis      bool
	GenericParamCount uint32
	Return            *TypeDescriptor
	Params            []*TypeDescriptor
}

// IsGeneric reports whether the method declares generic parameters.
func (m *MethodSignature) IsGeneric() bool {
	return m.CallingConvention&CallConvGeneric != 0
}

// ParamElementTypes returns the native element type of each parameter.
func (m *MethodSignature) ParamElementTypes() []native.ElementType {
	ets := make([]native.ElementType, len(m.Params))
	for i, p := range m.Params {
		ets[i] = p.ElementType()
	}
	return ets
}

// DecodeMethod decodes a method definition or reference signature.
func DecodeMethod(blob []byte) (*MethodSignature, error) {
	r := newReader(blob)
	sig, err := decodeMethod(r)
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// DecodeType decodes a standalone type signature, such as the blob of a
// field or a TypeSpec.
func DecodeType(blob []byte) (*TypeDescriptor, error) {
	r := newReader(blob)
	return decodeType(r)
}

func decodeMethod(r *reader) (*MethodSignature, error) {
	header, err := r.byte()
	if err != nil {
		return nil, err
	}
	if cc := header & CallConvMask; cc == CallConvField || cc == CallConvProperty {
		r.pos--
		return nil, r.errorf("not a method signature (calling convention 0x%x)", cc)
	}
	sig := &MethodSignature{
		CallingConvention: header,
		HasThis:           header&CallConvHasThis != 0,
		ExplicitThis:      header&CallConvExplicit != 0,
	}
	if header&CallConvGeneric != 0 {
		sig.GenericParamCount, err = r.uint()
		if err != nil {
			return nil, err
		}
	}
	count, err := r.uint()
	if err != nil {
		return nil, err
	}
	if int(count) > r.remaining() {
		return nil, r.errorf("parameter count %d exceeds blob size", count)
	}
	sig.Return, err = decodeType(r)
	if err != nil {
		return nil, err
	}
	sig.Params = make([]*TypeDescriptor, 0, count)
	for i := uint32(0); i < count; i++ {
		b, err := r.peek()
		if err != nil {
			return nil, err
		}
		if native.ElementType(b) == native.ElementSentinel {
			// Start of the vararg part of a call-site signature.
			r.pos++
		}
		p, err := decodeType(r)
		if err != nil {
			return nil, err
		}
		sig.Params = append(sig.Params, p)
	}
	return sig, nil
}

func decodeType(r *reader) (*TypeDescriptor, error) {
	b, err := r.byte()
	if err != nil {
		return nil, err
	}
	et := native.ElementType(b)
	switch et {
	case native.ElementVoid, native.ElementBoolean, native.ElementChar,
		native.ElementI1, native.ElementU1, native.ElementI2, native.ElementU2,
		native.ElementI4, native.ElementU4, native.ElementI8, native.ElementU8,
		native.ElementR4, native.ElementR8, native.ElementI, native.ElementU,
		native.ElementString, native.ElementObject, native.ElementTypedByRef:
		return &TypeDescriptor{Kind: KindPrimitive, Element: et}, nil

	case native.ElementClass, native.ElementValueType:
		tok, err := r.token()
		if err != nil {
			return nil, err
		}
		kind := KindClass
		if et == native.ElementValueType {
			kind = KindValueType
		}
		return &TypeDescriptor{Kind: kind, Element: et, Token: tok}, nil

	case native.ElementPtr, native.ElementByRef, native.ElementSZArray:
		elem, err := decodeType(r)
		if err != nil {
			return nil, err
		}
		kind := KindSZArray
		switch et {
		case native.ElementPtr:
			kind = KindPointer
		case native.ElementByRef:
			kind = KindByRef
		}
		return &TypeDescriptor{Kind: kind, Element: et, Elem: elem}, nil

	case native.ElementArray:
		return decodeArrayShape(r)

	case native.ElementGenericInst:
		base, err := decodeType(r)
		if err != nil {
			return nil, err
		}
		if base.Kind != KindClass && base.Kind != KindValueType {
			return nil, r.errorf("generic instance over %s", base.Kind)
		}
		n, err := r.uint()
		if err != nil {
			return nil, err
		}
		if int(n) > r.remaining() {
			return nil, r.errorf("generic argument count %d exceeds blob size", n)
		}
		d := &TypeDescriptor{Kind: KindGenericInst, Element: et, Base: base, Args: make([]*TypeDescriptor, n)}
		for i := range d.Args {
			if d.Args[i], err = decodeType(r); err != nil {
				return nil, err
			}
		}
		return d, nil

	case native.ElementVar, native.ElementMVar:
		idx, err := r.uint()
		if err != nil {
			return nil, err
		}
		kind := KindTypeParam
		if et == native.ElementMVar {
			kind = KindMethodParam
		}
		return &TypeDescriptor{Kind: kind, Element: et, Index: idx}, nil

	case native.ElementFnPtr:
		m, err := decodeMethod(r)
		if err != nil {
			return nil, err
		}
		return &TypeDescriptor{Kind: KindFnPtr, Element: et, Method: m}, nil

	case native.ElementCModReqd, native.ElementCModOpt:
		if _, err := r.token(); err != nil {
			return nil, err
		}
		return decodeType(r)

	case native.ElementPinned:
		return decodeType(r)
	}
	r.pos--
	return nil, r.errorf("unexpected element type 0x%02x", b)
}

// decodeArrayShape reads a general array: element type, rank, sizes and
// lower bounds. Only the rank is kept.
func decodeArrayShape(r *reader) (*TypeDescriptor, error) {
	elem, err := decodeType(r)
	if err != nil {
		return nil, err
	}
	rank, err := r.uint()
	if err != nil {
		return nil, err
	}
	if rank == 0 {
		return nil, r.errorf("array rank 0")
	}
	nsizes, err := r.uint()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nsizes; i++ {
		if _, err := r.uint(); err != nil {
			return nil, err
		}
	}
	nbounds, err := r.uint()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nbounds; i++ {
		if _, err := r.int(); err != nil {
			return nil, err
		}
	}
	return &TypeDescriptor{Kind: KindArray, Element: native.ElementArray, Elem: elem, Rank: int(rank)}, nil
}
