// Copyright © 2024 The ELPS authors

/*
Package eval compiles and interprets the debugger's watch and hover
expressions.

	expr     := or
	or       := and ( '||' and )*
	and      := equality ( '&&' equality )*
	equality := relation ( ( '==' | '!=' ) relation )*
	relation := additive ( ( '<' | '<=' | '>' | '>=' ) additive )*
	additive := term ( ( '+' | '-' ) term )*
	term     := unary ( ( '*' | '/' | '%' ) unary )*
	unary    := ( '-' | '!' | '+' ) unary | postfix
	postfix  := primary ( '.' ident [ args ] | '[' expr ']' )*
	primary  := literal | 'this' | ident [ args ] | '(' expr ')'
	args     := '(' [ expr ( ',' expr )* ] ')'

Compile produces an immutable instruction sequence in postfix order;
Evaluate runs it against a stopped thread.
*/
package eval

import (
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/luthersystems/clrdbg/native"
)

var binaryPrecedence = map[string]int{
	"||": 1,
	"&&": 2,
	"==": 3, "!=": 3,
	"<": 4, "<=": 4, ">": 4, ">=": 4,
	"+": 5, "-": 5,
	"*": 6, "/": 6, "%": 6,
}

// Compile compiles an expression. Malformed input fails with an *Error of
// kind ParseError; no partial program is ever returned.
func Compile(src string) (*Compiled, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	if toks[0].kind == tokEOF {
		return nil, errorf(ParseError, 0, "empty expression")
	}
	p := &compiler{toks: toks}
	if err := p.binary(1); err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, unexpected(tok)
	}
	return &Compiled{src: src, code: p.code}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(src string) *Compiled {
	c, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return c
}

type compiler struct {
	toks []token
	pos  int
	code []Instruction
}

func (p *compiler) peek() token {
	return p.toks[p.pos]
}

func (p *compiler) next() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *compiler) emit(in Instruction) int {
	p.code = append(p.code, in)
	return len(p.code) - 1
}

func (p *compiler) expect(punct string) (token, error) {
	tok := p.next()
	if !tok.is(punct) {
		return tok, errorf(ParseError, tok.offset, "expected %q, found %s", punct, describe(tok))
	}
	return tok, nil
}

func unexpected(tok token) *Error {
	return errorf(ParseError, tok.offset, "unexpected %s", describe(tok))
}

func describe(tok token) string {
	if tok.kind == tokEOF {
		return tok.kind.String()
	}
	return tok.kind.String() + " " + strconv.Quote(tok.text)
}

// binary parses operators of at least minPrec by precedence climbing.
func (p *compiler) binary(minPrec int) error {
	if err := p.unary(); err != nil {
		return err
	}
	for {
		tok := p.peek()
		prec, ok := binaryPrecedence[tok.text]
		if tok.kind != tokPunct || !ok || prec < minPrec {
			return nil
		}
		p.next()
		switch tok.text {
		case "&&", "||":
			op := OpJumpIfFalse
			if tok.text == "||" {
				op = OpJumpIfTrue
			}
			jump := p.emit(Instruction{Op: op, Name: tok.text, Offset: tok.offset})
			if err := p.binary(prec + 1); err != nil {
				return err
			}
			p.emit(Instruction{Op: OpCheckBool, Name: tok.text, Offset: tok.offset})
			p.code[jump].Target = len(p.code)
		default:
			if err := p.binary(prec + 1); err != nil {
				return err
			}
			p.emit(Instruction{Op: OpBinary, Name: tok.text, Offset: tok.offset})
		}
	}
}

func (p *compiler) unary() error {
	tok := p.peek()
	if tok.kind == tokPunct && (tok.text == "-" || tok.text == "!" || tok.text == "+") {
		p.next()
		if tok.text == "-" {
			lit, after := p.peek(), p.toks[min(p.pos+1, len(p.toks)-1)]
			if (lit.kind == tokInt || lit.kind == tokHex) && !after.is(".") && !after.is("[") {
				folded, ok, err := negativeLiteral(lit)
				if err != nil {
					return err
				}
				if ok {
					p.next()
					p.emit(folded)
					return nil
				}
			}
		}
		if err := p.unary(); err != nil {
			return err
		}
		p.emit(Instruction{Op: OpUnary, Name: tok.text, Offset: tok.offset})
		return nil
	}
	if err := p.primary(); err != nil {
		return err
	}
	return p.postfix()
}

func (p *compiler) postfix() error {
	for {
		tok := p.peek()
		switch {
		case tok.is("."):
			p.next()
			name := p.next()
			if name.kind != tokIdent {
				return errorf(ParseError, name.offset, "expected member name, found %s", describe(name))
			}
			ident := identName(name.text)
			if p.peek().is("(") {
				argc, err := p.arguments()
				if err != nil {
					return err
				}
				p.emit(Instruction{Op: OpCall, Name: ident, Argc: argc, Receiver: true, Offset: name.offset})
				continue
			}
			p.emit(Instruction{Op: OpMember, Name: ident, Offset: name.offset})
		case tok.is("["):
			p.next()
			if err := p.binary(1); err != nil {
				return err
			}
			if _, err := p.expect("]"); err != nil {
				return err
			}
			p.emit(Instruction{Op: OpIndex, Offset: tok.offset})
		default:
			return nil
		}
	}
}

// arguments parses a parenthesized argument list and returns its length.
func (p *compiler) arguments() (int, error) {
	if _, err := p.expect("("); err != nil {
		return 0, err
	}
	if p.peek().is(")") {
		p.next()
		return 0, nil
	}
	argc := 0
	for {
		if err := p.binary(1); err != nil {
			return 0, err
		}
		argc++
		tok := p.next()
		switch {
		case tok.is(","):
		case tok.is(")"):
			return argc, nil
		default:
			return 0, errorf(ParseError, tok.offset, "expected \",\" or \")\", found %s", describe(tok))
		}
	}
}

func (p *compiler) primary() error {
	tok := p.next()
	switch tok.kind {
	case tokInt, tokHex:
		in, err := intLiteral(tok)
		if err != nil {
			return err
		}
		p.emit(in)
	case tokFloat:
		in, err := floatLiteral(tok)
		if err != nil {
			return err
		}
		p.emit(in)
	case tokString:
		s, err := unescape(tok.text[1:len(tok.text)-1], tok.offset+1)
		if err != nil {
			return err
		}
		p.emit(Instruction{Op: OpPushString, Str: s, Offset: tok.offset})
	case tokChar:
		s, err := unescape(tok.text[1:len(tok.text)-1], tok.offset+1)
		if err != nil {
			return err
		}
		if utf8.RuneCountInString(s) != 1 {
			return errorf(ParseError, tok.offset, "character literal must contain exactly one character")
		}
		r, _ := utf8.DecodeRuneInString(s)
		p.emit(Instruction{Op: OpPushChar, Char: r, Offset: tok.offset})
	case tokIdent:
		switch tok.text {
		case "true", "false":
			p.emit(Instruction{Op: OpPushBool, Bool: tok.text == "true", Offset: tok.offset})
			return nil
		case "null":
			p.emit(Instruction{Op: OpPushNull, Offset: tok.offset})
			return nil
		case "this":
			p.emit(Instruction{Op: OpThis, Offset: tok.offset})
			return nil
		}
		name := identName(tok.text)
		if p.peek().is("(") {
			argc, err := p.arguments()
			if err != nil {
				return err
			}
			p.emit(Instruction{Op: OpCall, Name: name, Argc: argc, Offset: tok.offset})
			return nil
		}
		p.emit(Instruction{Op: OpIdent, Name: name, Offset: tok.offset})
	case tokPunct:
		if tok.text != "(" {
			return unexpected(tok)
		}
		if err := p.binary(1); err != nil {
			return err
		}
		if _, err := p.expect(")"); err != nil {
			return err
		}
	default:
		return unexpected(tok)
	}
	return nil
}

// identName strips the verbatim-identifier prefix.
func identName(text string) string {
	return strings.TrimPrefix(text, "@")
}

// intLiteral types an integer literal the way the debuggee language does:
// the first of int, uint, long and ulong that holds the value, narrowed by
// any U or L suffix.
func intLiteral(tok token) (Instruction, error) {
	v, unsigned, long, err := parseInt(tok)
	if err != nil {
		return Instruction{}, err
	}
	in := Instruction{Op: OpPushInt, Offset: tok.offset}
	switch {
	case !unsigned && !long && v <= math.MaxInt32:
		in.Type, in.Int = native.ElementI4, int64(v)
	case !long && v <= math.MaxUint32:
		in.Type, in.Uint = native.ElementU4, v
	case !unsigned && v <= math.MaxInt64:
		in.Type, in.Int = native.ElementI8, int64(v)
	default:
		in.Type, in.Uint = native.ElementU8, v
	}
	return in, nil
}

// negativeLiteral folds a minus sign into a following signed literal so
// that the minimum int and long values can be written.
func negativeLiteral(tok token) (Instruction, bool, error) {
	v, unsigned, long, err := parseInt(tok)
	if err != nil || unsigned {
		return Instruction{}, false, err
	}
	in := Instruction{Op: OpPushInt, Offset: tok.offset}
	switch {
	case !long && v <= 1<<31:
		in.Type, in.Int = native.ElementI4, -int64(v)
	case v < 1<<63:
		in.Type, in.Int = native.ElementI8, -int64(v)
	case v == 1<<63:
		in.Type, in.Int = native.ElementI8, math.MinInt64
	default:
		return Instruction{}, false, nil
	}
	return in, true, nil
}

func parseInt(tok token) (v uint64, unsigned, long bool, err error) {
	text := tok.text
	if tok.kind == tokHex {
		text = text[2:]
	}
	for n := len(text); n > 0; n = len(text) {
		c := text[n-1]
		if c == 'u' || c == 'U' {
			unsigned = true
		} else if c == 'l' || c == 'L' {
			long = true
		} else {
			break
		}
		text = text[:n-1]
	}
	base := 10
	if tok.kind == tokHex {
		base = 16
	}
	v, perr := strconv.ParseUint(text, base, 64)
	if perr != nil {
		return 0, false, false, errorf(ParseError, tok.offset, "integer literal %s is out of range", tok.text)
	}
	return v, unsigned, long, nil
}

func floatLiteral(tok token) (Instruction, error) {
	text := tok.text
	et := native.ElementR8
	switch text[len(text)-1] {
	case 'f', 'F':
		et = native.ElementR4
		text = text[:len(text)-1]
	case 'd', 'D':
		text = text[:len(text)-1]
	case 'm', 'M':
		return Instruction{}, errorf(ParseError, tok.offset, "decimal literals are not supported")
	}
	bits := 64
	if et == native.ElementR4 {
		bits = 32
	}
	f, err := strconv.ParseFloat(text, bits)
	if err != nil {
		return Instruction{}, errorf(ParseError, tok.offset, "invalid number %s", tok.text)
	}
	return Instruction{Op: OpPushFloat, Type: et, Float: f, Offset: tok.offset}, nil
}

var simpleEscapes = map[byte]rune{
	'\'': '\'', '"': '"', '\\': '\\', '0': 0,
	'a': '\a', 'b': '\b', 'f': '\f', 'n': '\n', 'r': '\r', 't': '\t', 'v': '\v',
}

// unescape decodes the escape sequences of a string or character literal
// body. offset is the position of the body in the source.
func unescape(body string, offset int) (string, error) {
	if !strings.ContainsRune(body, '\\') {
		return body, nil
	}
	var b strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(body) {
			return "", errorf(ParseError, offset+i, "incomplete escape sequence")
		}
		i++
		e := body[i]
		if r, ok := simpleEscapes[e]; ok {
			b.WriteRune(r)
			continue
		}
		var width int
		switch e {
		case 'u':
			width = 4
		case 'U':
			width = 8
		case 'x':
			// One to four hex digits.
			width = 0
			for width < 4 && i+1+width < len(body) && isHex(body[i+1+width]) {
				width++
			}
			if width == 0 {
				return "", errorf(ParseError, offset+i-1, "invalid escape sequence \\x")
			}
		default:
			return "", errorf(ParseError, offset+i-1, "invalid escape sequence \\%c", e)
		}
		if i+width >= len(body) {
			return "", errorf(ParseError, offset+i-1, "incomplete escape sequence")
		}
		n, err := strconv.ParseUint(body[i+1:i+1+width], 16, 32)
		if err != nil || n > utf8.MaxRune {
			return "", errorf(ParseError, offset+i-1, "invalid escape sequence \\%c%s", e, body[i+1:i+1+width])
		}
		b.WriteRune(rune(n))
		i += width
	}
	return b.String(), nil
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}
