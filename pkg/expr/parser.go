package expr

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/calcline-labs/calcline/pkg/token"
)

// Operator precedence levels for Pratt parsing.
const (
	precNone       = 0
	precOr         = 1
	precAnd        = 2
	precNot        = 3
	precComparison = 4
	precAddition   = 5
	precMultiply   = 6
	precUnary      = 7
)

// Parser parses formula expression text into a Program.
//
// Grammar:
//
//	program     → { funcdef NEWLINE } expression EOF
//	funcdef     → "def" IDENT "(" [params] ")" ":" "return" expression
//	expression  → or_expr ["if" or_expr "else" expression]
//	or_expr     → precedence climbing over and/or, comparisons, + - * /
//	unary       → ("+" | "-" | "!" | "not") unary | postfix
//	postfix     → primary { "(" args ")" | "." IDENT | "[" expression "]" }
//	primary     → literal | IDENT | "(" expression ")" | comprehension
type Parser struct {
	lexer  *Lexer
	token  token.Token // current token
	peek   token.Token // lookahead token
	errors []error

	inComprehension bool
}

// NewParser creates a new parser for the given expression text.
func NewParser(input string) *Parser {
	p := &Parser{lexer: NewLexer(input)}
	// Read two tokens to initialize current and peek
	p.nextToken()
	p.nextToken()
	return p
}

// Parse parses expression source text, applies the division-guard rewrite,
// and returns the resulting Program. Malformed input fails with a
// *SyntaxError.
func Parse(input string) (*Program, error) {
	p := NewParser(input)
	prog := p.parseProgram()
	if len(p.errors) > 0 {
		return nil, p.errors[0]
	}
	return RewriteProgram(prog), nil
}

// ---------- Token helpers ----------

// nextToken advances to the next token.
func (p *Parser) nextToken() {
	p.token = p.peek
	p.peek = p.lexer.NextToken()
}

// check returns true if the current token is of the given type.
func (p *Parser) check(t token.Type) bool {
	return p.token.Type == t
}

// match consumes the current token if it matches and returns true.
func (p *Parser) match(t token.Type) bool {
	if p.check(t) {
		p.nextToken()
		return true
	}
	return false
}

// expect consumes the current token if it matches, otherwise adds an error.
func (p *Parser) expect(t token.Type) bool {
	if p.check(t) {
		p.nextToken()
		return true
	}
	p.addError(fmt.Sprintf("unexpected token %s, expected %s", p.token.Type, t))
	return false
}

// addError adds a parse error at the current token.
func (p *Parser) addError(msg string) {
	p.errors = append(p.errors, &SyntaxError{
		Pos:     p.token.Pos,
		Message: msg,
	})
}

// skipNewlines consumes any run of NEWLINE tokens at a statement boundary.
func (p *Parser) skipNewlines() {
	for p.check(token.NEWLINE) {
		p.nextToken()
	}
}

// ---------- Program ----------

func (p *Parser) parseProgram() *Program {
	prog := &Program{}

	p.skipNewlines()
	for p.check(token.DEF) {
		fn := p.parseFuncDef()
		if fn == nil {
			return prog
		}
		prog.Funcs = append(prog.Funcs, fn)
		if !p.check(token.EOF) && !p.check(token.NEWLINE) {
			p.addError("expected newline after function definition")
			return prog
		}
		p.skipNewlines()
	}

	if p.check(token.EOF) {
		p.addError("expected an expression")
		return prog
	}

	prog.Result = p.parseExpression()
	p.skipNewlines()
	if !p.check(token.EOF) && len(p.errors) == 0 {
		p.addError(fmt.Sprintf("unexpected token %s after expression", p.token.Type))
	}
	return prog
}

// parseFuncDef parses: def name(a, b): return expr
func (p *Parser) parseFuncDef() *FuncDef {
	pos := p.token.Pos
	p.nextToken() // consume def

	if !p.check(token.IDENT) {
		p.addError("expected function name after def")
		return nil
	}
	fn := &FuncDef{Name: p.token.Literal, TokPos: pos}
	p.nextToken()

	if !p.expect(token.LPAREN) {
		return nil
	}
	if !p.check(token.RPAREN) {
		for {
			if !p.check(token.IDENT) {
				p.addError("expected parameter name")
				return nil
			}
			fn.Params = append(fn.Params, p.token.Literal)
			p.nextToken()
			if !p.match(token.COMMA) {
				break
			}
		}
	}
	if !p.expect(token.RPAREN) {
		return nil
	}
	if !p.expect(token.COLON) {
		return nil
	}
	if !p.expect(token.RETURN) {
		return nil
	}

	fn.Body = p.parseExpression()
	if fn.Body == nil {
		return nil
	}
	return fn
}

// ---------- Expressions ----------

// parseExpression parses a full expression including the trailing
// conditional form: then if cond else else.
func (p *Parser) parseExpression() Expr {
	left := p.parseBinaryExpr(precOr)
	if left == nil {
		return nil
	}

	if p.check(token.IF) {
		p.nextToken()
		cond := p.parseBinaryExpr(precOr)
		if cond == nil {
			return nil
		}
		if !p.expect(token.ELSE) {
			return nil
		}
		els := p.parseExpression()
		if els == nil {
			return nil
		}
		return &CondExpr{Cond: cond, Then: left, Else: els}
	}

	return left
}

// parseBinaryExpr implements precedence climbing.
func (p *Parser) parseBinaryExpr(minPrecedence int) Expr {
	left := p.parseUnaryExpr()
	if left == nil {
		return nil
	}

	for {
		prec := infixPrecedence(p.token.Type)
		if prec < minPrecedence || prec == precNone {
			break
		}

		op := p.token.Type
		p.nextToken()

		// Left-associative: right operand binds one level tighter
		right := p.parseBinaryExpr(prec + 1)
		if right == nil {
			return nil
		}

		switch op {
		case token.AND:
			left = &LogicalExpr{And: true, Left: left, Right: right}
		case token.OR:
			left = &LogicalExpr{And: false, Left: left, Right: right}
		default:
			left = &BinaryExpr{Op: binaryOpFor(op), Left: left, Right: right}
		}
	}

	return left
}

// infixPrecedence returns the precedence of a token as an infix operator.
func infixPrecedence(t token.Type) int {
	switch t {
	case token.OR:
		return precOr
	case token.AND:
		return precAnd
	case token.EQ, token.NE, token.LT, token.GT, token.LE, token.GE:
		return precComparison
	case token.PLUS, token.MINUS:
		return precAddition
	case token.STAR, token.SLASH:
		return precMultiply
	default:
		return precNone
	}
}

// binaryOpFor maps an operator token to its BinaryOp.
func binaryOpFor(t token.Type) BinaryOp {
	switch t {
	case token.PLUS:
		return OpAdd
	case token.MINUS:
		return OpSub
	case token.STAR:
		return OpMul
	case token.SLASH:
		return OpDiv
	case token.EQ:
		return OpEq
	case token.NE:
		return OpNe
	case token.LT:
		return OpLt
	case token.GT:
		return OpGt
	case token.LE:
		return OpLe
	default:
		return OpGe
	}
}

// parseUnaryExpr parses prefix operators.
func (p *Parser) parseUnaryExpr() Expr {
	pos := p.token.Pos
	switch p.token.Type {
	case token.NOT, token.BANG:
		p.nextToken()
		operand := p.parseUnaryExpr()
		if operand == nil {
			return nil
		}
		return &UnaryExpr{Op: OpNot, Operand: operand, TokPos: pos}
	case token.MINUS:
		p.nextToken()
		operand := p.parseUnaryExpr()
		if operand == nil {
			return nil
		}
		return &UnaryExpr{Op: OpNeg, Operand: operand, TokPos: pos}
	case token.PLUS:
		p.nextToken()
		operand := p.parseUnaryExpr()
		if operand == nil {
			return nil
		}
		return &UnaryExpr{Op: OpPos, Operand: operand, TokPos: pos}
	default:
		return p.parsePostfixExpr()
	}
}

// parsePostfixExpr parses a primary expression followed by any chain of
// calls, attribute accesses, and subscripts.
func (p *Parser) parsePostfixExpr() Expr {
	expr := p.parsePrimary()
	if expr == nil {
		return nil
	}

	for {
		switch p.token.Type {
		case token.LPAREN:
			name, ok := expr.(*NameRef)
			if !ok {
				p.addError("only named functions may be called")
				return nil
			}
			call := &CallExpr{Name: name.Name, TokPos: name.TokPos}
			p.nextToken()
			if !p.check(token.RPAREN) {
				for {
					arg := p.parseExpression()
					if arg == nil {
						return nil
					}
					call.Args = append(call.Args, arg)
					if !p.match(token.COMMA) {
						break
					}
				}
			}
			if !p.expect(token.RPAREN) {
				return nil
			}
			expr = call

		case token.DOT:
			p.nextToken()
			if !p.check(token.IDENT) {
				p.addError("expected attribute name after '.'")
				return nil
			}
			expr = &AttrExpr{Target: expr, Name: p.token.Literal}
			p.nextToken()

		case token.LBRACKET:
			p.nextToken()
			index := p.parseExpression()
			if index == nil {
				return nil
			}
			if !p.expect(token.RBRACKET) {
				return nil
			}
			expr = &IndexExpr{Target: expr, Index: index}

		default:
			return expr
		}
	}
}

// parsePrimary parses literals, name references, parenthesized expressions,
// and comprehensions.
func (p *Parser) parsePrimary() Expr {
	pos := p.token.Pos

	switch p.token.Type {
	case token.NUMBER:
		value, err := decimal.NewFromString(p.token.Literal)
		if err != nil {
			p.addError(fmt.Sprintf("invalid number literal %q", p.token.Literal))
			return nil
		}
		lit := &NumberLit{Value: value, Literal: p.token.Literal, TokPos: pos}
		p.nextToken()
		return lit

	case token.STRING:
		lit := &StringLit{Value: p.token.Literal, TokPos: pos}
		p.nextToken()
		return lit

	case token.TRUE:
		p.nextToken()
		return &BoolLit{Value: true, TokPos: pos}

	case token.FALSE:
		p.nextToken()
		return &BoolLit{Value: false, TokPos: pos}

	case token.NONE:
		p.nextToken()
		return &NoneLit{TokPos: pos}

	case token.IDENT:
		name := &NameRef{Name: p.token.Literal, TokPos: pos}
		p.nextToken()
		return name

	case token.LPAREN:
		p.nextToken()
		expr := p.parseExpression()
		if expr == nil {
			return nil
		}
		if !p.expect(token.RPAREN) {
			return nil
		}
		return expr

	case token.LBRACKET:
		return p.parseComprehension()

	default:
		p.addError(fmt.Sprintf("unexpected token %s", p.token.Type))
		return nil
	}
}

// parseComprehension parses: [body for var in source if filter]
// Comprehensions are single-level; a comprehension inside another is
// rejected here.
func (p *Parser) parseComprehension() Expr {
	if p.inComprehension {
		p.addError("nested comprehensions are not allowed")
		return nil
	}
	p.inComprehension = true
	defer func() { p.inComprehension = false }()

	pos := p.token.Pos
	p.nextToken() // consume [

	body := p.parseExpression()
	if body == nil {
		return nil
	}

	if !p.expect(token.FOR) {
		return nil
	}
	if !p.check(token.IDENT) {
		p.addError("expected loop variable name")
		return nil
	}
	loopVar := p.token.Literal
	p.nextToken()

	if !p.expect(token.IN) {
		return nil
	}

	source := p.parseBinaryExpr(precOr)
	if source == nil {
		return nil
	}

	comp := &Comprehension{Body: body, Var: loopVar, Source: source, TokPos: pos}

	if p.match(token.IF) {
		comp.Filter = p.parseBinaryExpr(precOr)
		if comp.Filter == nil {
			return nil
		}
	}

	if !p.expect(token.RBRACKET) {
		return nil
	}
	return comp
}
