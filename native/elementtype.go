// Copyright © 2024 The ELPS authors

package native

import "fmt"

// ElementType is the runtime's element-type enumeration. The values match
// the ECMA-335 ELEMENT_TYPE_* codes used in metadata signature blobs.
type ElementType byte

const (
	ElementEnd         ElementType = 0x00
	ElementVoid        ElementType = 0x01
	ElementBoolean     ElementType = 0x02
	ElementChar        ElementType = 0x03
	ElementI1          ElementType = 0x04
	ElementU1          ElementType = 0x05
	ElementI2          ElementType = 0x06
	ElementU2          ElementType = 0x07
	ElementI4          ElementType = 0x08
	ElementU4          ElementType = 0x09
	ElementI8          ElementType = 0x0a
	ElementU8          ElementType = 0x0b
	ElementR4          ElementType = 0x0c
	ElementR8          ElementType = 0x0d
	ElementString      ElementType = 0x0e
	ElementPtr         ElementType = 0x0f
	ElementByRef       ElementType = 0x10
	ElementValueType   ElementType = 0x11
	ElementClass       ElementType = 0x12
	ElementVar         ElementType = 0x13
	ElementArray       ElementType = 0x14
	ElementGenericInst ElementType = 0x15
	ElementTypedByRef  ElementType = 0x16
	ElementI           ElementType = 0x18
	ElementU           ElementType = 0x19
	ElementFnPtr       ElementType = 0x1b
	ElementObject      ElementType = 0x1c
	ElementSZArray     ElementType = 0x1d
	ElementMVar        ElementType = 0x1e
	ElementCModReqd    ElementType = 0x1f
	ElementCModOpt     ElementType = 0x20
	ElementInternal    ElementType = 0x21
	ElementModifier    ElementType = 0x40
	ElementSentinel    ElementType = 0x41
	ElementPinned      ElementType = 0x45
)

var elementTypeNames = map[ElementType]string{
	ElementVoid:        "void",
	ElementBoolean:     "bool",
	ElementChar:        "char",
	ElementI1:          "sbyte",
	ElementU1:          "byte",
	ElementI2:          "short",
	ElementU2:          "ushort",
	ElementI4:          "int",
	ElementU4:          "uint",
	ElementI8:          "long",
	ElementU8:          "ulong",
	ElementR4:          "float",
	ElementR8:          "double",
	ElementString:      "string",
	ElementPtr:         "pointer",
	ElementByRef:       "byref",
	ElementValueType:   "valuetype",
	ElementClass:       "class",
	ElementVar:         "var",
	ElementArray:       "array",
	ElementGenericInst: "genericinst",
	ElementTypedByRef:  "typedref",
	ElementI:           "nint",
	ElementU:           "nuint",
	ElementFnPtr:       "fnptr",
	ElementObject:      "object",
	ElementSZArray:     "szarray",
	ElementMVar:        "mvar",
}

// String returns the debuggee-language spelling of primitive element
// types and a descriptive name for the others.
func (t ElementType) String() string {
	if s, ok := elementTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ELEMENT_TYPE(0x%02x)", byte(t))
}

// IsPrimitive reports whether values of the element type carry no payload
// beyond their bits (numbers, bool, char).
func (t ElementType) IsPrimitive() bool {
	switch t {
	case ElementBoolean, ElementChar,
		ElementI1, ElementU1, ElementI2, ElementU2,
		ElementI4, ElementU4, ElementI8, ElementU8,
		ElementR4, ElementR8, ElementI, ElementU:
		return true
	}
	return false
}

// IsReference reports whether values of the element type live on the
// managed heap and may therefore be null.
func (t ElementType) IsReference() bool {
	switch t {
	case ElementString, ElementClass, ElementObject,
		ElementSZArray, ElementArray:
		return true
	}
	return false
}
