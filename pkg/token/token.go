// Package token defines the token types for the formula expression grammar.
//
// The grammar is intentionally closed: the token set below is the complete
// surface, and nothing is registered dynamically. Adding a token is a
// deliberate grammar change.
package token

import "fmt"

// Type represents the type of a lexical token.
type Type int32

const (
	// Special tokens
	EOF Type = iota
	ILLEGAL
	NEWLINE // statement separator between function defs and the result expression

	// Literals
	IDENT  // identifier
	NUMBER // 123, 45.67, 1e10
	STRING // "hello" or 'hello'

	// Operators
	PLUS     // +
	MINUS    // -
	STAR     // *
	SLASH    // /
	EQ       // ==
	NE       // !=
	LT       // <
	GT       // >
	LE       // <=
	GE       // >=
	BANG     // !
	ASSIGN   // =
	DOT      // .
	COMMA    // ,
	COLON    // :
	LPAREN   // (
	RPAREN   // )
	LBRACKET // [
	RBRACKET // ]

	// Keywords
	AND
	OR
	NOT
	TRUE
	FALSE
	NONE
	IF
	ELSE
	FOR
	IN
	DEF
	RETURN
)

// tokenNames maps token types to their string representations.
var tokenNames = map[Type]string{
	EOF:     "EOF",
	ILLEGAL: "ILLEGAL",
	NEWLINE: "NEWLINE",

	IDENT:  "IDENT",
	NUMBER: "NUMBER",
	STRING: "STRING",

	PLUS:     "+",
	MINUS:    "-",
	STAR:     "*",
	SLASH:    "/",
	EQ:       "==",
	NE:       "!=",
	LT:       "<",
	GT:       ">",
	LE:       "<=",
	GE:       ">=",
	BANG:     "!",
	ASSIGN:   "=",
	DOT:      ".",
	COMMA:    ",",
	COLON:    ":",
	LPAREN:   "(",
	RPAREN:   ")",
	LBRACKET: "[",
	RBRACKET: "]",

	AND:    "and",
	OR:     "or",
	NOT:    "not",
	TRUE:   "true",
	FALSE:  "false",
	NONE:   "none",
	IF:     "if",
	ELSE:   "else",
	FOR:    "for",
	IN:     "in",
	DEF:    "def",
	RETURN: "return",
}

// keywords maps keyword strings to their token types.
var keywords = map[string]Type{
	"and":    AND,
	"or":     OR,
	"not":    NOT,
	"true":   TRUE,
	"false":  FALSE,
	"none":   NONE,
	"if":     IF,
	"else":   ELSE,
	"for":    FOR,
	"in":     IN,
	"def":    DEF,
	"return": RETURN,
}

// String returns a human-readable representation of the token type.
func (t Type) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TOKEN(%d)", t)
}

// LookupIdent returns the token type for the given identifier.
// If the identifier is a keyword, the keyword token type is returned.
// Otherwise, IDENT is returned.
func LookupIdent(ident string) Type {
	if tok, ok := keywords[ident]; ok {
		return tok
	}
	return IDENT
}

// IsKeyword returns true if the token type is a keyword.
func IsKeyword(t Type) bool {
	return t >= AND && t <= RETURN
}

// IsComparison returns true if the token type is a comparison operator.
func IsComparison(t Type) bool {
	return t >= EQ && t <= GE
}

// Token represents a lexical token with position information.
type Token struct {
	Type    Type
	Literal string
	Pos     Position
}
