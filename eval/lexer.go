// Copyright © 2024 The ELPS authors

package eval

import (
	"unicode/utf8"

	parsec "github.com/prataprc/goparsec"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokInt
	tokHex
	tokFloat
	tokString
	tokChar
	tokIdent
	tokPunct
)

var tokenKindStrings = []string{
	tokEOF:    "end of expression",
	tokInt:    "integer",
	tokHex:    "integer",
	tokFloat:  "number",
	tokString: "string",
	tokChar:   "character",
	tokIdent:  "identifier",
	tokPunct:  "operator",
}

func (k tokenKind) String() string {
	return tokenKindStrings[k]
}

type token struct {
	kind   tokenKind
	text   string
	offset int
}

func (t token) is(punct string) bool {
	return t.kind == tokPunct && t.text == punct
}

type tokenRule struct {
	kind   tokenKind
	parser parsec.Parser
}

// tokenRules are tried in order at every position. Floats come before
// integers and hex before decimal so the longest literal form wins. Every
// pattern is a single group so the scanner's anchor applies to all of its
// alternatives.
var tokenRules = []tokenRule{
	{tokFloat, parsec.Token(`(?:(?:[0-9]+\.[0-9]+(?:[eE][+-]?[0-9]+)?|[0-9]+[eE][+-]?[0-9]+)[fFdDmM]?|[0-9]+[fFdDmM])`, "FLOAT")},
	{tokHex, parsec.Token(`0[xX][0-9a-fA-F]+(?:[uU][lL]?|[lL][uU]?)?`, "HEX")},
	{tokInt, parsec.Token(`[0-9]+(?:[uU][lL]?|[lL][uU]?)?`, "INT")},
	{tokString, parsec.Token(`"(?:[^"\\\n]|\\.)*"`, "STRING")},
	{tokChar, parsec.Token(`'(?:[^'\\\n]|\\[^\n]+?)'`, "CHAR")},
	{tokIdent, parsec.Token(`@?[\pL_][\pL\pN_]*`, "IDENT")},
	{tokPunct, parsec.Token(`(?:&&|\|\||<=|>=|==|!=|[-+*/%<>!().\[\],])`, "PUNCT")},
}

// tokenize splits an expression into tokens. The last token is always
// tokEOF.
func tokenize(src string) ([]token, error) {
	s := parsec.NewScanner([]byte(src))
	var toks []token
	for {
		_, s = s.SkipWS()
		offset := s.GetCursor()
		if s.Endof() {
			return append(toks, token{kind: tokEOF, offset: offset}), nil
		}
		var matched bool
		for _, rule := range tokenRules {
			node, next := rule.parser(s)
			if node == nil {
				continue
			}
			term, ok := node.(*parsec.Terminal)
			if !ok {
				continue
			}
			toks = append(toks, token{kind: rule.kind, text: term.Value, offset: offset})
			s = next
			matched = true
			break
		}
		if !matched {
			r, _ := utf8.DecodeRuneInString(src[offset:])
			if r == '"' || r == '\'' {
				return nil, errorf(ParseError, offset, "unterminated literal")
			}
			return nil, errorf(ParseError, offset, "unexpected character %q", r)
		}
	}
}
