// Copyright © 2024 The ELPS authors

package eval

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/luthersystems/clrdbg/native"
)

// Op is an instruction opcode.
type Op int

const (
	// OpPushInt pushes an integer literal of element type Type.
	OpPushInt Op = iota
	// OpPushFloat pushes a floating point literal of element type Type.
	OpPushFloat
	OpPushString
	OpPushChar
	OpPushBool
	OpPushNull
	// OpIdent resolves Name through local, instance, static and type
	// scopes.
	OpIdent
	OpThis
	// OpMember replaces the top of the stack with its member Name.
	OpMember
	// OpIndex pops an index and a target and pushes the element.
	OpIndex
	// OpUnary applies operator Name to the top of the stack.
	OpUnary
	// OpBinary pops two operands and pushes the result of operator Name.
	OpBinary
	// OpCall pops Argc arguments, and a receiver if Receiver is set, and
	// pushes the result of method Name.
	OpCall
	// OpJumpIfFalse jumps to Target leaving the top of the stack in place
	// when it is false, and pops it otherwise.
	OpJumpIfFalse
	// OpJumpIfTrue is the counterpart of OpJumpIfFalse for true values.
	OpJumpIfTrue
	// OpCheckBool fails unless the top of the stack is a bool.
	OpCheckBool
)

var opStrings = []string{
	OpPushInt:     "push.int",
	OpPushFloat:   "push.float",
	OpPushString:  "push.str",
	OpPushChar:    "push.char",
	OpPushBool:    "push.bool",
	OpPushNull:    "push.null",
	OpIdent:       "ident",
	OpThis:        "this",
	OpMember:      "member",
	OpIndex:       "index",
	OpUnary:       "unary",
	OpBinary:      "binary",
	OpCall:        "call",
	OpJumpIfFalse: "jmp.false",
	OpJumpIfTrue:  "jmp.true",
	OpCheckBool:   "check.bool",
}

func (op Op) String() string {
	if int(op) < len(opStrings) {
		return opStrings[op]
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// Instruction is one step of a compiled expression. Only the fields
// relevant to Op are set.
type Instruction struct {
	Op     Op
	Type   native.ElementType
	Int    int64
	Uint   uint64
	Float  float64
	Str    string
	Char   rune
	Bool   bool
	Name   string
	Argc   int
	Target int
	// Receiver is set on calls whose target was written before a dot.
	Receiver bool
	// Offset is the position of the instruction's token in the source.
	Offset int
}

func (in Instruction) String() string {
	switch in.Op {
	case OpPushInt:
		if in.Type == native.ElementU4 || in.Type == native.ElementU8 {
			return fmt.Sprintf("%s %s %d", in.Op, in.Type, in.Uint)
		}
		return fmt.Sprintf("%s %s %d", in.Op, in.Type, in.Int)
	case OpPushFloat:
		return fmt.Sprintf("%s %s %s", in.Op, in.Type, strconv.FormatFloat(in.Float, 'g', -1, 64))
	case OpPushString:
		return fmt.Sprintf("%s %q", in.Op, in.Str)
	case OpPushChar:
		return fmt.Sprintf("%s %q", in.Op, in.Char)
	case OpPushBool:
		return fmt.Sprintf("%s %t", in.Op, in.Bool)
	case OpIdent, OpMember, OpUnary, OpBinary:
		return fmt.Sprintf("%s %s", in.Op, in.Name)
	case OpCall:
		if in.Receiver {
			return fmt.Sprintf("%s .%s/%d", in.Op, in.Name, in.Argc)
		}
		return fmt.Sprintf("%s %s/%d", in.Op, in.Name, in.Argc)
	case OpJumpIfFalse, OpJumpIfTrue:
		return fmt.Sprintf("%s %d", in.Op, in.Target)
	}
	return in.Op.String()
}

// Compiled is an immutable compiled expression. It may be evaluated any
// number of times, concurrently.
type Compiled struct {
	src  string
	code []Instruction
}

// Source returns the expression text.
func (c *Compiled) Source() string {
	return c.src
}

// Instructions returns a copy of the instruction sequence.
func (c *Compiled) Instructions() []Instruction {
	return append([]Instruction(nil), c.code...)
}

// String disassembles the instruction sequence, one instruction per line.
func (c *Compiled) String() string {
	var b strings.Builder
	for i, in := range c.code {
		fmt.Fprintf(&b, "%3d %s\n", i, in)
	}
	return b.String()
}
